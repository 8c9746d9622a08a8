// Copyright 2025 The SATNet Authors. SPDX-License-Identifier: Apache-2.0

// Package schedule implements the epoch based learning rate schedule: the learning rate is
// multiplied by a constant factor (0.1 by default) at a configured list of epochs.
package schedule

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"
)

// DefaultFactor is the multiplicative decay applied at each milestone.
const DefaultFactor = 0.1

// LearningRater is implemented by models (or optimizers) whose learning rate can be read and changed
// between epochs.
type LearningRater interface {
	LearningRate() float64
	SetLearningRate(lr float64) error
}

// StepDecay multiplies the learning rate by Factor when an epoch listed in Milestones starts.
// Epoch 0 never triggers a decay, even if listed.
type StepDecay struct {
	Milestones []int
	Factor     float64
}

// NewStepDecay creates a StepDecay with the DefaultFactor.
func NewStepDecay(milestones ...int) *StepDecay {
	return &StepDecay{
		Milestones: slices.Clone(milestones),
		Factor:     DefaultFactor,
	}
}

// Triggers returns whether the learning rate should be decayed at the start of epoch.
func (s *StepDecay) Triggers(epoch int) bool {
	return epoch != 0 && slices.Contains(s.Milestones, epoch)
}

// Apply returns the learning rate to use for epoch, given the current one, and whether it changed.
func (s *StepDecay) Apply(epoch int, lr float64) (float64, bool) {
	if !s.Triggers(epoch) {
		return lr, false
	}
	return lr * s.Factor, true
}

// Update applies the schedule to target at the start of epoch. It returns the new learning rate and
// whether it was changed.
func (s *StepDecay) Update(target LearningRater, epoch int) (float64, bool, error) {
	lr, changed := s.Apply(epoch, target.LearningRate())
	if !changed {
		return lr, false, nil
	}
	if err := target.SetLearningRate(lr); err != nil {
		return lr, false, errors.WithMessagef(err, "failed to set learning rate to %g at epoch %d", lr, epoch)
	}
	return lr, true, nil
}

// String implements fmt.Stringer.
func (s *StepDecay) String() string {
	return fmt.Sprintf("StepDecay(x%g at epochs %v)", s.Factor, s.Milestones)
}
