// Copyright 2025 The SATNet Authors. SPDX-License-Identifier: Apache-2.0

package satnet

import (
	"github.com/MrLinNing/SATNet/ml/checkpoints"
	"github.com/MrLinNing/SATNet/ml/data"
	"github.com/MrLinNing/SATNet/ml/engine"
	"github.com/MrLinNing/SATNet/ml/inference"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Arch is the architecture tag saved with the checkpoints.
const Arch = "SATNet"

// Model holds the network weights and the compiled train, eval and predict computations.
//
// It implements engine.Model and inference.Predictor.
type Model struct {
	backend backends.Backend

	// ctx holds the hyperparameters, the weights and the optimizer state. It is unchecked, so
	// variables loaded from a checkpoint before the graphs are built are reused.
	ctx *context.Context

	optimizer optimizers.Interface

	trainExec, evalExec, predictExec *context.Exec
}

var (
	_ engine.Model        = (*Model)(nil)
	_ inference.Predictor = (*Model)(nil)
)

// New creates the model on the given backend. params override DefaultParams.
func New(backend backends.Backend, params map[string]any) (*Model, error) {
	ctx := context.New().Checked(false)
	ctx.SetParams(DefaultParams)
	ctx.SetParams(params)
	m := &Model{backend: backend, ctx: ctx}
	err := exceptions.TryCatch[error](func() {
		m.optimizer = optimizers.FromContext(ctx)
		// Create the learning rate variable upfront, so it can be read and scheduled before the first step.
		optimizers.LearningRateVar(ctx, dtypes.Float32, context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.001))
		m.trainExec = context.NewExec(backend, ctx, m.trainGraph)
		m.evalExec = context.NewExec(backend, ctx, m.evalGraph)
		m.predictExec = context.NewExec(backend, ctx, m.predictGraph)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create SATNet model")
	}
	return m, nil
}

// Context returns the context holding the model's hyperparameters and variables.
func (m *Model) Context() *context.Context { return m.ctx }

// NumClasses is the number of classes predicted.
func (m *Model) NumClasses() int {
	return context.GetParamOr(m.ctx, ParamNumClasses, 12)
}

// Arch implements engine.Model.
func (m *Model) Arch() string { return Arch }

func (m *Model) lossGraph(labels, logits *Node) *Node {
	return ReduceAllMean(losses.SparseCategoricalCrossEntropyLogits([]*Node{labels}, []*Node{logits}))
}

// trainGraph takes color, depth and labels and returns the loss and the predicted classes.
func (m *Model) trainGraph(ctx *context.Context, inputs []*Node) []*Node {
	g := inputs[0].Graph()
	ctx.SetTraining(g, true)
	logits := ModelGraph(ctx, inputs[0], inputs[1])
	loss := m.lossGraph(inputs[2], logits)
	m.optimizer.UpdateGraph(ctx, g, loss)
	return []*Node{loss, ArgMax(logits, -1, dtypes.Int32)}
}

// evalGraph is like trainGraph, but without the optimizer update.
func (m *Model) evalGraph(ctx *context.Context, inputs []*Node) []*Node {
	ctx.SetTraining(inputs[0].Graph(), false)
	logits := ModelGraph(ctx, inputs[0], inputs[1])
	loss := StopGradient(m.lossGraph(inputs[2], logits))
	return []*Node{loss, ArgMax(logits, -1, dtypes.Int32)}
}

func (m *Model) predictGraph(ctx *context.Context, inputs []*Node) []*Node {
	ctx.SetTraining(inputs[0].Graph(), false)
	return []*Node{ModelGraph(ctx, inputs[0], inputs[1])}
}

// batchInputs converts the batch to the color and depth tensors, and the labels if withLabels.
func batchInputs(batch *data.Batch, withLabels bool) ([]any, error) {
	if batch.Views != 1 {
		return nil, errors.Errorf("SATNet takes single view batches, got %s", batch)
	}
	inputs := []any{
		tensors.FromFlatDataAndDimensions(batch.Color, batch.ColorDims()...),
		tensors.FromFlatDataAndDimensions(batch.Depth, batch.DepthDims()...),
	}
	if withLabels {
		if batch.Label == nil {
			return nil, errors.Errorf("batch has no labels: %s", batch)
		}
		inputs = append(inputs, tensors.FromFlatDataAndDimensions(batch.Label, batch.LabelDims()...))
	}
	return inputs, nil
}

func (m *Model) step(exec *context.Exec, batch *data.Batch) (*engine.StepResult, error) {
	inputs, err := batchInputs(batch, true)
	if err != nil {
		return nil, err
	}
	var outputs []*tensors.Tensor
	err = exceptions.TryCatch[error](func() { outputs = exec.Call(inputs...) })
	if err != nil {
		return nil, err
	}
	return &engine.StepResult{
		Loss:        float64(tensors.ToScalar[float32](outputs[0])),
		Predictions: tensors.CopyFlatData[int32](outputs[1]),
	}, nil
}

// TrainStep implements engine.Model.
func (m *Model) TrainStep(batch *data.Batch) (*engine.StepResult, error) {
	res, err := m.step(m.trainExec, batch)
	return res, errors.WithMessage(err, "SATNet train step")
}

// EvalStep implements engine.Model.
func (m *Model) EvalStep(batch *data.Batch) (*engine.StepResult, error) {
	res, err := m.step(m.evalExec, batch)
	return res, errors.WithMessage(err, "SATNet eval step")
}

// Predict implements inference.Predictor.
func (m *Model) Predict(batch *data.Batch) (*inference.Logits, error) {
	inputs, err := batchInputs(batch, false)
	if err != nil {
		return nil, err
	}
	var outputs []*tensors.Tensor
	err = exceptions.TryCatch[error](func() { outputs = m.predictExec.Call(inputs...) })
	if err != nil {
		return nil, errors.WithMessage(err, "SATNet predict")
	}
	return &inference.Logits{
		Data: tensors.CopyFlatData[float32](outputs[0]),
		Dims: outputs[0].Shape().Dimensions,
	}, nil
}

func (m *Model) learningRateVar() *context.Variable {
	return optimizers.LearningRateVar(m.ctx, dtypes.Float32, context.GetParamOr(m.ctx, optimizers.ParamLearningRate, 0.001))
}

// LearningRate implements schedule.LearningRater.
func (m *Model) LearningRate() float64 {
	return float64(tensors.ToScalar[float32](m.learningRateVar().Value()))
}

// SetLearningRate implements schedule.LearningRater.
func (m *Model) SetLearningRate(lr float64) error {
	if lr <= 0 {
		return errors.Errorf("invalid learning rate %g", lr)
	}
	return exceptions.TryCatch[error](func() {
		m.learningRateVar().SetValue(tensors.FromScalar(float32(lr)))
	})
}

// LoadBranch copies the variables of one branch (ColorScope or DepthScope) from the checkpoint at
// path, usually a pretrained model. The other variables are left untouched.
func (m *Model) LoadBranch(scope, path string) error {
	c, err := checkpoints.Read(path)
	if err != nil {
		return errors.WithMessagef(err, "failed to load branch %q", scope)
	}
	n, err := c.CopyTo(m.ctx, context.RootScope+scope)
	if err != nil {
		return errors.WithMessagef(err, "failed to load branch %q from %q", scope, path)
	}
	if n == 0 {
		return errors.Errorf("checkpoint %q has no variables for branch %q", path, scope)
	}
	return nil
}
