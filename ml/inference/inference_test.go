// Copyright 2025 The SATNet Authors. SPDX-License-Identifier: Apache-2.0

package inference

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/MrLinNing/SATNet/ml/data"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const numClasses = 3

// indexPredictor outputs, for each image, logits where class (index % numClasses) wins by a large margin.
type indexPredictor struct {
	calls int
}

func (p *indexPredictor) Predict(batch *data.Batch) (*Logits, error) {
	p.calls++
	if batch.Views != 1 {
		return nil, errors.New("batch not split into stereo pairs")
	}
	pixels := batch.Height * batch.Width
	l := &Logits{Dims: []int{batch.Size, batch.Height, batch.Width, numClasses}}
	l.Data = make([]float32, batch.Size*pixels*numClasses)
	for img := range batch.Size {
		winner := batch.Index[img] % numClasses
		for p := range pixels {
			l.Data[(img*pixels+p)*numClasses+winner] = 100
		}
	}
	return l, nil
}

type memoryWriter struct {
	name   string
	dims   []int
	values []float32
}

func (w *memoryWriter) WriteArray(name string, dims []int, values []float32) error {
	w.name, w.dims, w.values = name, dims, values
	return nil
}

func samples(n int) []*data.Sample {
	list := make([]*data.Sample, n)
	for i := range list {
		pixels := 2 * 2 * 3
		list[i] = &data.Sample{
			Views: 2, Height: 2, Width: 3, ColorChannels: 3, DepthChannels: 1,
			Color: make([]float32, pixels*3),
			Depth: make([]float32, pixels),
		}
	}
	return list
}

func TestSoftmax(t *testing.T) {
	l := &Logits{Data: []float32{0, 0, 0, 1, 2, 3, 1000, 0, -1000}, Dims: []int{1, 1, 3, 3}}
	Softmax(l)
	for row := range 3 {
		var sum float64
		for _, v := range l.Data[row*3 : row*3+3] {
			assert.False(t, math.IsNaN(float64(v)))
			sum += float64(v)
		}
		assert.InDelta(t, 1.0, sum, 1e-6)
	}
	assert.InDelta(t, 1.0/3, l.Data[0], 1e-6)
	assert.Less(t, l.Data[3], l.Data[4])
	assert.Less(t, l.Data[4], l.Data[5])
	assert.InDelta(t, 1.0, l.Data[6], 1e-6)
}

func TestChannelsFirst(t *testing.T) {
	// 1 image of 1x2 pixels with 3 channels: pixel 0 = (1,2,3), pixel 1 = (4,5,6).
	l := &Logits{Data: []float32{1, 2, 3, 4, 5, 6}, Dims: []int{1, 1, 2, 3}}
	got := ChannelsFirst([]float32{-1}, l)
	assert.Equal(t, []float32{-1, 1, 4, 2, 5, 3, 6}, got)
}

func TestRun(t *testing.T) {
	ds := data.NewLoader(data.NewInMemory("test", samples(5)), 4).Workers(1).Done()
	defer ds.Close()
	predictor := &indexPredictor{}
	writer := &memoryWriter{}
	dims, err := Run(context.Background(), predictor, ds, writer)
	require.NoError(t, err)

	// 5 stereo samples = 10 images, in dataset order.
	assert.Equal(t, 2, predictor.calls)
	assert.Equal(t, []int{10, numClasses, 2, 3}, dims)
	assert.Equal(t, DatasetName, writer.name)
	assert.Equal(t, dims, writer.dims)
	require.Len(t, writer.values, 10*numClasses*6)
	for img := range 10 {
		sampleIdx := img / 2
		for class := range numClasses {
			want := 0.0
			if class == sampleIdx%numClasses {
				want = 1.0
			}
			for p := range 6 {
				assert.InDelta(t, want, writer.values[(img*numClasses+class)*6+p], 1e-6,
					"image %d, class %d, pixel %d", img, class, p)
			}
		}
	}
}

type brokenPredictor struct{}

func (brokenPredictor) Predict(batch *data.Batch) (*Logits, error) {
	return &Logits{Data: make([]float32, 5), Dims: []int{1, 1, 2, 3}}, nil
}

func TestRunErrors(t *testing.T) {
	ctx := context.Background()
	empty := data.NewLoader(data.NewInMemory("empty", nil), 4).Done()
	_, err := Run(ctx, &indexPredictor{}, empty, &memoryWriter{})
	require.ErrorContains(t, err, "no batches")

	ds := data.NewLoader(data.NewInMemory("test", samples(2)), 1).Done()
	_, err = Run(ctx, brokenPredictor{}, ds, &memoryWriter{})
	require.ErrorContains(t, err, "require 6 values")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	ds = data.NewLoader(data.NewInMemory("test", samples(2)), 1).Done()
	_, err = Run(cancelled, &indexPredictor{}, ds, &memoryWriter{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestHDF5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results", "result.hdf5")
	f, err := CreateHDF5(path)
	require.NoError(t, err)
	values := []float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.6}
	require.NoError(t, f.WriteArray(DatasetName, []int{1, 2, 3}, values))
	require.Error(t, f.WriteArray("wrong", []int{2, 2}, values))
	require.NoError(t, f.Close())

	dims, got, err := ReadHDF5Array(path, DatasetName)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, dims)
	assert.Equal(t, values, got)

	_, _, err = ReadHDF5Array(path, "missing")
	require.Error(t, err)
}
