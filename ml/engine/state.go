// Copyright 2025 The SATNet Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"github.com/MrLinNing/SATNet/ml/data"
	"github.com/MrLinNing/SATNet/ml/iou"
	"github.com/MrLinNing/SATNet/ml/meters"
)

// Phase of an epoch.
type Phase int

const (
	PhaseTrain Phase = iota
	PhaseValidate
)

// String implements fmt.Stringer.
func (p Phase) String() string {
	if p == PhaseTrain {
		return "train"
	}
	return "validate"
}

// Summary of one pass over a dataset.
type Summary struct {
	Loss, Score float64
	Batches     int
}

// State is the progress of the engine. It is updated by the engine and read by hooks: hooks
// should not change it, except for the meters they own.
type State struct {
	Phase Phase

	// Epoch being run, starting from StartEpoch.
	Epoch      int
	StartEpoch int

	// Iteration is the index of the current batch within the epoch, and NumBatches the
	// number of batches of the epoch (-1 if not known).
	Iteration  int
	NumBatches int

	// Batch being processed, already split into stereo pairs, and its result (set before OnForward hooks).
	Batch  *data.Batch
	Result *StepResult

	// Loss of the batches of the current epoch.
	Loss meters.Average

	// Timer holds the data loading and batch times of the current epoch.
	Timer *meters.Timer

	// Accuracy accumulates the IoU of the current epoch.
	Accuracy *iou.Accumulator

	// LearningRate in use in the current epoch.
	LearningRate float64

	// BestScore is the best validation score so far, and IsBest is set if the last validation improved it.
	BestScore float64
	IsBest    bool

	// Last completed passes.
	Train, Validation Summary
}

func newState(cfg *Config) *State {
	return &State{
		StartEpoch: cfg.StartEpoch,
		NumBatches: -1,
		Timer:      meters.NewTimer(),
		Accuracy:   iou.NewAccumulator(cfg.NumClasses),
	}
}

// Training returns whether the current phase is training.
func (s *State) Training() bool { return s.Phase == PhaseTrain }
