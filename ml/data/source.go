// Copyright 2025 The SATNet Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"github.com/pkg/errors"
)

// Source provides random access to samples. Implementations must be safe for concurrent use,
// since a Loader calls Sample from several workers.
type Source interface {
	// Name of the source, used for logging.
	Name() string

	// Len is the number of samples.
	Len() int

	// Sample returns the i-th sample, 0 <= i < Len().
	Sample(i int) (*Sample, error)
}

// InMemory is a Source over samples already loaded in memory.
type InMemory struct {
	name    string
	samples []*Sample
}

var _ Source = (*InMemory)(nil)

// NewInMemory creates a Source with the given samples. The samples' Index are set to their position.
func NewInMemory(name string, samples []*Sample) *InMemory {
	for i, s := range samples {
		s.Index = i
	}
	return &InMemory{name: name, samples: samples}
}

// Name implements Source.
func (m *InMemory) Name() string { return m.name }

// Len implements Source.
func (m *InMemory) Len() int { return len(m.samples) }

// Sample implements Source.
func (m *InMemory) Sample(i int) (*Sample, error) {
	if i < 0 || i >= len(m.samples) {
		return nil, errors.Errorf("%s: sample index %d out of range [0, %d)", m.name, i, len(m.samples))
	}
	return m.samples[i], nil
}
