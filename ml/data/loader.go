// Copyright 2025 The SATNet Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"fmt"
	"io"
	"math/rand/v2"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Loader is a Dataset that groups the samples of a Source into batches, optionally shuffling
// them at every epoch, and loads the batches ahead of time with a pool of workers.
//
// Batches are always yielded in order, regardless of which worker finished first: with shuffling
// disabled the concatenation of all batches follows the Source order. The last batch of an epoch may
// be smaller than the batch size.
//
// Create it with NewLoader, configure it and call Done:
//
//	loader := data.NewLoader(source, 4).Shuffle(true).Workers(2).Done()
type Loader struct {
	source    Source
	batchSize int
	shuffle   bool
	workers   int
	buffer    int
	rng       *rand.Rand

	epoch *loaderEpoch
}

var _ Dataset = (*Loader)(nil)

// NewLoader creates a Loader for source with the given batch size. Shuffling is disabled and
// batches are loaded synchronously until configured otherwise.
func NewLoader(source Source, batchSize int) *Loader {
	return &Loader{
		source:    source,
		batchSize: batchSize,
		rng:       rand.New(rand.NewPCG(0, 0)),
	}
}

// Shuffle configures whether the order of the samples is shuffled at the start of each epoch.
func (l *Loader) Shuffle(shuffle bool) *Loader {
	l.shuffle = shuffle
	return l
}

// Seed sets the seed of the shuffling random number generator.
func (l *Loader) Seed(seed uint64) *Loader {
	l.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return l
}

// Workers sets the number of goroutines loading batches in parallel. 0 loads batches synchronously
// in Yield.
func (l *Loader) Workers(n int) *Loader {
	l.workers = max(n, 0)
	return l
}

// Buffer sets how many batches, on top of the one per worker, can be loaded ahead of the one
// being consumed.
func (l *Loader) Buffer(n int) *Loader {
	l.buffer = max(n, 0)
	return l
}

// Done validates the configuration and returns the Loader.
func (l *Loader) Done() *Loader {
	if l.batchSize <= 0 {
		klog.Warningf("Loader(%s): invalid batch size %d, using 1", l.source.Name(), l.batchSize)
		l.batchSize = 1
	}
	return l
}

// Name implements Dataset.
func (l *Loader) Name() string {
	if l.workers > 0 {
		return fmt.Sprintf("%s [Loader, %d workers]", l.source.Name(), l.workers)
	}
	return l.source.Name() + " [Loader]"
}

// Len implements Dataset: number of batches per epoch.
func (l *Loader) Len() int {
	return (l.source.Len() + l.batchSize - 1) / l.batchSize
}

// BatchSize configured.
func (l *Loader) BatchSize() int { return l.batchSize }

// loaderEpoch holds the state of the epoch being read.
type loaderEpoch struct {
	order      []int
	numBatches int
	next       int

	// Parallel loading: one result channel per batch, so they can be consumed in order.
	results []chan batchResult
	tokens  chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
}

type batchResult struct {
	batch *Batch
	err   error
}

func (l *Loader) startEpoch() {
	n := l.source.Len()
	e := &loaderEpoch{
		order:      make([]int, n),
		numBatches: l.Len(),
	}
	for i := range e.order {
		e.order[i] = i
	}
	if l.shuffle {
		l.rng.Shuffle(n, func(i, j int) { e.order[i], e.order[j] = e.order[j], e.order[i] })
	}
	l.epoch = e
	if l.workers == 0 || e.numBatches == 0 {
		return
	}

	e.results = make([]chan batchResult, e.numBatches)
	for i := range e.results {
		e.results[i] = make(chan batchResult, 1)
	}
	e.tokens = make(chan struct{}, l.workers+l.buffer)
	e.stop = make(chan struct{})
	jobs := make(chan int)

	// Producer: dispatches batch numbers, at most cap(tokens) ahead of the consumer.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(jobs)
		for batchNum := range e.numBatches {
			select {
			case <-e.stop:
				return
			case e.tokens <- struct{}{}:
			}
			select {
			case <-e.stop:
				return
			case jobs <- batchNum:
			}
		}
	}()
	for range l.workers {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for batchNum := range jobs {
				batch, err := l.load(e, batchNum)
				e.results[batchNum] <- batchResult{batch: batch, err: err}
			}
		}()
	}
}

// load reads and stacks the samples of batch batchNum.
func (l *Loader) load(e *loaderEpoch, batchNum int) (*Batch, error) {
	start := batchNum * l.batchSize
	end := min(start+l.batchSize, len(e.order))
	samples := make([]*Sample, 0, end-start)
	for _, idx := range e.order[start:end] {
		s, err := l.source.Sample(idx)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s: failed to load sample %d", l.source.Name(), idx)
		}
		samples = append(samples, s)
	}
	return Stack(samples)
}

// Yield implements Dataset.
func (l *Loader) Yield() (*Batch, error) {
	if l.epoch == nil {
		l.startEpoch()
	}
	e := l.epoch
	if e.next >= e.numBatches {
		return nil, io.EOF
	}
	batchNum := e.next
	e.next++
	if e.results == nil {
		return l.load(e, batchNum)
	}
	r := <-e.results[batchNum]
	<-e.tokens
	return r.batch, r.err
}

// Reset implements Dataset. It stops any pending loads and starts a new epoch at the next Yield.
func (l *Loader) Reset() {
	l.Close()
	l.epoch = nil
}

// Close stops the workers of the current epoch, if any. The Loader can still be used after Close:
// the next Yield starts a new epoch.
//
// A Loader with workers that is abandoned in the middle of an epoch keeps its goroutines blocked
// until Close (or Reset) is called.
func (l *Loader) Close() {
	e := l.epoch
	if e == nil || e.stop == nil {
		return
	}
	close(e.stop)
	e.wg.Wait()
	e.stop = nil
	l.epoch = nil
}
