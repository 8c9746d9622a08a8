// Copyright 2025 The SATNet Authors. SPDX-License-Identifier: Apache-2.0

// Package inference runs a trained model over a dataset and stores the class probabilities of
// every pixel in an array file.
package inference

import (
	"context"
	"fmt"
	"io"
	"math"

	"github.com/MrLinNing/SATNet/ml/data"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DatasetName is the name of the array holding the predictions in the output file.
const DatasetName = "result"

// Logits is the raw output of a model for a batch, channels-last: Dims is [N, H, W, C].
type Logits struct {
	Data []float32
	Dims []int
}

// Validate checks that Logits has 4 dimensions matching the data size.
func (l *Logits) Validate() error {
	if len(l.Dims) != 4 {
		return errors.Errorf("logits must have 4 dimensions [N, H, W, C], got %v", l.Dims)
	}
	size := 1
	for _, dim := range l.Dims {
		if dim <= 0 {
			return errors.Errorf("invalid logits dimensions %v", l.Dims)
		}
		size *= dim
	}
	if size != len(l.Data) {
		return errors.Errorf("logits dimensions %v require %d values, got %d", l.Dims, size, len(l.Data))
	}
	return nil
}

// Predictor is a model in inference mode: no gradients are computed.
type Predictor interface {
	// Predict returns the logits for the batch, which has already been split into stereo pairs.
	Predict(batch *data.Batch) (*Logits, error)
}

// ArrayWriter stores named float32 arrays.
type ArrayWriter interface {
	WriteArray(name string, dims []int, values []float32) error
}

// Softmax converts the logits into probabilities over the last (class) axis, in place.
func Softmax(l *Logits) {
	numClasses := l.Dims[len(l.Dims)-1]
	for start := 0; start+numClasses <= len(l.Data); start += numClasses {
		row := l.Data[start : start+numClasses]
		maxValue := row[0]
		for _, v := range row[1:] {
			maxValue = max(maxValue, v)
		}
		var sum float64
		for ii, v := range row {
			exp := math.Exp(float64(v - maxValue))
			row[ii] = float32(exp)
			sum += exp
		}
		for ii := range row {
			row[ii] = float32(float64(row[ii]) / sum)
		}
	}
}

// ChannelsFirst transposes [N, H, W, C] values into [N, C, H, W], appending them to dst.
func ChannelsFirst(dst []float32, l *Logits) []float32 {
	n, h, w, c := l.Dims[0], l.Dims[1], l.Dims[2], l.Dims[3]
	pixels := h * w
	base := len(dst)
	dst = append(dst, make([]float32, len(l.Data))...)
	out := dst[base:]
	for img := range n {
		src := l.Data[img*pixels*c : (img+1)*pixels*c]
		tgt := out[img*pixels*c : (img+1)*pixels*c]
		for p := range pixels {
			for ch := range c {
				tgt[ch*pixels+p] = src[p*c+ch]
			}
		}
	}
	return dst
}

// Run the predictor over all batches of ds, convert the logits to probabilities and write them
// with writer as one [N, C, H, W] array named DatasetName.
//
// It returns the dimensions of the array written.
func Run(ctx context.Context, predictor Predictor, ds data.Dataset, writer ArrayWriter) ([]int, error) {
	var (
		values    []float32
		imageDims []int // [C, H, W]
		count     int
	)
	numBatches := ds.Len()
	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "failed reading batch %d from %q", i, ds.Name())
		}
		klog.Infof("%d/%d", i, numBatches)
		logits, err := predictor.Predict(batch.StereoPairs())
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to predict batch %d", i)
		}
		if err = logits.Validate(); err != nil {
			return nil, errors.WithMessagef(err, "batch %d", i)
		}
		dims := []int{logits.Dims[3], logits.Dims[1], logits.Dims[2]}
		if imageDims == nil {
			imageDims = dims
		} else if fmt.Sprint(dims) != fmt.Sprint(imageDims) {
			return nil, errors.Errorf("batch %d has predictions of shape [C, H, W]=%v, previous batches had %v",
				i, dims, imageDims)
		}
		Softmax(logits)
		values = ChannelsFirst(values, logits)
		count += logits.Dims[0]
	}
	if count == 0 {
		return nil, errors.Errorf("dataset %q yielded no batches, nothing to write", ds.Name())
	}
	dims := append([]int{count}, imageDims...)
	if err := writer.WriteArray(DatasetName, dims, values); err != nil {
		return nil, errors.WithMessagef(err, "failed to write %q", DatasetName)
	}
	klog.V(1).Infof("wrote %q with shape %v", DatasetName, dims)
	return dims, nil
}
