// Copyright 2025 The SATNet Authors. SPDX-License-Identifier: Apache-2.0

// Package data defines the batches fed to the models (paired color and depth images with per-pixel
// labels), the Dataset interface used by the training engine and the inference driver, and a
// Loader that batches, shuffles and prefetches samples with a pool of workers.
//
// All image data is kept channels-last and row-major: a color batch has shape
// `[size, views, height, width, colorChannels]`.
package data

import (
	"fmt"
	"os"
	"os/user"
	"path"

	"github.com/pkg/errors"
)

// Dataset yields batches for one epoch at a time.
//
// Yield returns io.EOF at the end of the epoch, and Reset restarts it.
type Dataset interface {
	// Name of the dataset, used for logging.
	Name() string

	// Len is the number of batches per epoch, or -1 if not known.
	Len() int

	// Yield the next batch.
	Yield() (*Batch, error)

	// Reset restarts the dataset for a new epoch.
	Reset()
}

// Sample holds one example: Views (usually 2, a stereo pair) color and depth images with
// their label maps.
type Sample struct {
	// Index of the sample in its source.
	Index int

	Views, Height, Width         int
	ColorChannels, DepthChannels int

	// Color is shaped [Views, Height, Width, ColorChannels].
	Color []float32

	// Depth is shaped [Views, Height, Width, DepthChannels].
	Depth []float32

	// Label is shaped [Views, Height, Width].
	Label []int32
}

// Validate checks that the data sizes match the declared dimensions.
func (s *Sample) Validate() error {
	pixels := s.Views * s.Height * s.Width
	if pixels <= 0 {
		return errors.Errorf("sample #%d has invalid dimensions views=%d, height=%d, width=%d",
			s.Index, s.Views, s.Height, s.Width)
	}
	if len(s.Color) != pixels*s.ColorChannels {
		return errors.Errorf("sample #%d color has %d values, expected %d", s.Index, len(s.Color), pixels*s.ColorChannels)
	}
	if len(s.Depth) != pixels*s.DepthChannels {
		return errors.Errorf("sample #%d depth has %d values, expected %d", s.Index, len(s.Depth), pixels*s.DepthChannels)
	}
	if s.Label != nil && len(s.Label) != pixels {
		return errors.Errorf("sample #%d label has %d values, expected %d", s.Index, len(s.Label), pixels)
	}
	return nil
}

// Batch of samples.
//
// Right after stacking a batch holds Size samples of Views images each. StereoPairs flattens it
// into Size*Views independent images, which is what the models consume.
type Batch struct {
	Size, Views, Height, Width   int
	ColorChannels, DepthChannels int

	// Color is shaped [Size, Views, Height, Width, ColorChannels].
	Color []float32

	// Depth is shaped [Size, Views, Height, Width, DepthChannels].
	Depth []float32

	// Label is shaped [Size, Views, Height, Width]. It may be nil for unlabeled data.
	Label []int32

	// Index of the source sample of each of the Size entries.
	Index []int
}

// Stack samples into a batch. All samples must have the same dimensions.
func Stack(samples []*Sample) (*Batch, error) {
	if len(samples) == 0 {
		return nil, errors.New("cannot stack an empty list of samples")
	}
	first := samples[0]
	b := &Batch{
		Size:          len(samples),
		Views:         first.Views,
		Height:        first.Height,
		Width:         first.Width,
		ColorChannels: first.ColorChannels,
		DepthChannels: first.DepthChannels,
		Index:         make([]int, 0, len(samples)),
	}
	withLabels := first.Label != nil
	pixels := first.Views * first.Height * first.Width
	b.Color = make([]float32, 0, len(samples)*pixels*first.ColorChannels)
	b.Depth = make([]float32, 0, len(samples)*pixels*first.DepthChannels)
	if withLabels {
		b.Label = make([]int32, 0, len(samples)*pixels)
	}
	for _, s := range samples {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if s.Views != b.Views || s.Height != b.Height || s.Width != b.Width ||
			s.ColorChannels != b.ColorChannels || s.DepthChannels != b.DepthChannels {
			return nil, errors.Errorf("sample #%d dimensions (%d views, %dx%d, %d+%d channels) differ from "+
				"sample #%d (%d views, %dx%d, %d+%d channels)",
				s.Index, s.Views, s.Height, s.Width, s.ColorChannels, s.DepthChannels,
				first.Index, b.Views, b.Height, b.Width, b.ColorChannels, b.DepthChannels)
		}
		if (s.Label != nil) != withLabels {
			return nil, errors.Errorf("sample #%d: either all samples in a batch have labels or none", s.Index)
		}
		b.Color = append(b.Color, s.Color...)
		b.Depth = append(b.Depth, s.Depth...)
		if withLabels {
			b.Label = append(b.Label, s.Label...)
		}
		b.Index = append(b.Index, s.Index)
	}
	return b, nil
}

// StereoPairs reshapes a [Size, Views, ...] batch into [Size*Views, 1, ...]: each view becomes an
// independent image. The underlying data is shared, not copied.
func (b *Batch) StereoPairs() *Batch {
	if b.Views == 1 {
		return b
	}
	flat := *b
	flat.Size = b.Size * b.Views
	flat.Views = 1
	flat.Index = make([]int, 0, flat.Size)
	for _, idx := range b.Index {
		for range b.Views {
			flat.Index = append(flat.Index, idx)
		}
	}
	return &flat
}

// Images is the number of images in the batch: Size*Views.
func (b *Batch) Images() int { return b.Size * b.Views }

// Pixels per image.
func (b *Batch) Pixels() int { return b.Height * b.Width }

// ColorDims returns the dimensions of the color images as [Images, Height, Width, ColorChannels].
func (b *Batch) ColorDims() []int {
	return []int{b.Images(), b.Height, b.Width, b.ColorChannels}
}

// DepthDims returns the dimensions of the depth images as [Images, Height, Width, DepthChannels].
func (b *Batch) DepthDims() []int {
	return []int{b.Images(), b.Height, b.Width, b.DepthChannels}
}

// LabelDims returns the dimensions of the labels as [Images, Height, Width, 1].
func (b *Batch) LabelDims() []int {
	return []int{b.Images(), b.Height, b.Width, 1}
}

// String implements fmt.Stringer.
func (b *Batch) String() string {
	return fmt.Sprintf("Batch(size=%d, views=%d, %dx%d, color=%d, depth=%d, labeled=%v)",
		b.Size, b.Views, b.Height, b.Width, b.ColorChannels, b.DepthChannels, b.Label != nil)
}

// FileExists returns whether the file or directory exists. Errors other than "not exist" are returned.
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to stat %q", path)
}

// ReplaceTildeInDir by the user's home directory. Returns dir if it doesn't start with "~".
func ReplaceTildeInDir(dir string) string {
	if len(dir) == 0 || dir[0] != '~' {
		return dir
	}
	usr, err := user.Current()
	if err != nil {
		return dir
	}
	return path.Join(usr.HomeDir, dir[1:])
}
