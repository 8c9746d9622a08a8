// Copyright 2025 The SATNet Authors. SPDX-License-Identifier: Apache-2.0

package schedule

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepDecay(t *testing.T) {
	s := NewStepDecay(0, 20, 40)
	lr := 0.01
	for epoch := 0; epoch < 60; epoch++ {
		newLR, changed := s.Apply(epoch, lr)
		switch epoch {
		case 20, 40:
			require.True(t, changed, "epoch %d", epoch)
			require.InDelta(t, lr*0.1, newLR, 1e-15, "epoch %d", epoch)
		default:
			require.False(t, changed, "epoch %d", epoch)
			require.Equal(t, lr, newLR, "epoch %d", epoch)
		}
		lr = newLR
	}
	assert.InDelta(t, 0.0001, lr, 1e-15)
}

func TestStepDecayNoMilestones(t *testing.T) {
	s := NewStepDecay()
	for epoch := 0; epoch < 10; epoch++ {
		assert.False(t, s.Triggers(epoch))
	}
}

type fakeRater struct {
	lr  float64
	err error
}

func (f *fakeRater) LearningRate() float64 { return f.lr }

func (f *fakeRater) SetLearningRate(lr float64) error {
	if f.err != nil {
		return f.err
	}
	f.lr = lr
	return nil
}

func TestUpdate(t *testing.T) {
	s := NewStepDecay(3)
	target := &fakeRater{lr: 1.0}
	lr, changed, err := s.Update(target, 2)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 1.0, lr)

	lr, changed, err = s.Update(target, 3)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.InDelta(t, 0.1, lr, 1e-15)
	assert.InDelta(t, 0.1, target.lr, 1e-15)

	target.err = errors.New("read-only")
	_, _, err = s.Update(target, 3)
	require.Error(t, err)
	assert.InDelta(t, 0.1, target.lr, 1e-15)
}
