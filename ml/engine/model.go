// Copyright 2025 The SATNet Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"github.com/MrLinNing/SATNet/ml/data"
	"github.com/MrLinNing/SATNet/ml/schedule"
	"github.com/gomlx/gomlx/ml/context"
)

// StepResult is the outcome of one forward (and optionally backward) pass over a batch.
type StepResult struct {
	// Loss is the mean loss over the batch.
	Loss float64

	// Predictions holds the predicted class (argmax) per pixel, with the same layout as data.Batch.Label.
	Predictions []int32
}

// Model is trained by the Engine.
//
// The batches given to TrainStep and EvalStep have already been split into stereo pairs (Views == 1).
type Model interface {
	schedule.LearningRater

	// Arch is the architecture tag saved with checkpoints.
	Arch() string

	// TrainStep runs forward, backward and the optimizer update on the batch.
	TrainStep(batch *data.Batch) (*StepResult, error)

	// EvalStep runs only the forward pass.
	EvalStep(batch *data.Batch) (*StepResult, error)

	// Context holds the weights and the optimizer state, saved and restored with checkpoints.
	Context() *context.Context
}
