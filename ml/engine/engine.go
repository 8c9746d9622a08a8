// Copyright 2025 The SATNet Authors. SPDX-License-Identifier: Apache-2.0

// Package engine implements the training engine: it iterates over the training and validation
// datasets for a number of epochs, measures the loss and IoU accuracy, decays the learning rate,
// saves checkpoints and keeps track of the best model.
//
// Functionality (logging, plots, dashboards, run history) is attached to the Engine with hooks:
// OnStartEpoch, OnEndEpoch, OnStartBatch, OnForward and OnEndBatch around every training and
// validation batch, and OnEpochDone once per epoch of Learn. The hooks read the progress
// from Engine.State.
package engine

import (
	"context"
	"io"
	"math"
	"time"

	"github.com/MrLinNing/SATNet/ml/checkpoints"
	"github.com/MrLinNing/SATNet/ml/data"
	"github.com/MrLinNing/SATNet/ml/iou"
	"github.com/MrLinNing/SATNet/ml/meters"
	"github.com/MrLinNing/SATNet/ml/schedule"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Engine trains and validates a Model. Create it with New.
type Engine struct {
	// Config is read at every call to Learn, Train or Validate.
	Config Config

	// State is the progress of the engine, to be read by hooks.
	State *State

	model   Model
	handler *checkpoints.Handler
	best    *checkpoints.Best
	now     func() time.Time

	onStartEpoch, onEndEpoch, onStartBatch, onForward, onEndBatch, onEpochDone *priorityHooks
}

// New creates an Engine with the given configuration and the built-in hooks: meters reset at the
// start of each epoch, IoU accumulation on forward, loss accumulation and progress lines at the
// end of each batch, and a summary at the end of each epoch.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		Config:       cfg,
		State:        newState(&cfg),
		best:         &checkpoints.Best{},
		now:          time.Now,
		onStartEpoch: newPriorityHooks(),
		onEndEpoch:   newPriorityHooks(),
		onStartBatch: newPriorityHooks(),
		onForward:    newPriorityHooks(),
		onEndBatch:   newPriorityHooks(),
		onEpochDone:  newPriorityHooks(),
	}
	e.OnStartEpoch("reset meters", MetersPriority, resetMeters)
	e.OnForward("iou", MetersPriority, accumulateIoU)
	e.OnEndBatch("loss", MetersPriority, accumulateLoss)
	e.OnEndBatch("log", LogPriority, logBatch)
	e.OnEndEpoch("log", LogPriority, logEpoch)
	return e, nil
}

// WithClock sets the clock used for timing. Used for testing.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	e.State.Timer = meters.NewTimerWithClock(now)
	return e
}

// Model returns the model being trained, or nil if none was given yet.
func (e *Engine) Model() Model { return e.model }

// Checkpoints returns the checkpoints handler, or nil if no checkpoint was saved yet.
func (e *Engine) Checkpoints() *checkpoints.Handler { return e.handler }

func resetMeters(e *Engine) error {
	e.State.Loss.Reset()
	e.State.Timer.Start()
	e.State.Accuracy.Reset()
	return nil
}

func accumulateIoU(e *Engine) error {
	s := e.State
	ious, err := iou.Compute(s.Result.Predictions, s.Batch.Label, s.Batch.Images(), s.Batch.Pixels(), e.Config.NumClasses)
	if err != nil {
		return err
	}
	return s.Accuracy.Add(ious)
}

func accumulateLoss(e *Engine) error {
	e.State.Loss.Add(e.State.Result.Loss)
	return nil
}

func logBatch(e *Engine) error {
	s := e.State
	freq := e.Config.PrintFreq
	if e.Config.Quiet || freq == 0 || s.Iteration%freq != 0 {
		return nil
	}
	if s.Training() {
		klog.Infof("Epoch: [%d][%d/%d]\tTime %.3f (%.3f)\tData %.3f (%.3f)\tLoss %.4f (%.4f)",
			s.Epoch, s.Iteration, s.NumBatches,
			s.Timer.Batch.Last(), s.Timer.Batch.Value(), s.Timer.Data.Last(), s.Timer.Data.Value(),
			s.Loss.Last(), s.Loss.Value())
	} else {
		klog.Infof("Test: [%d/%d]\tTime %.3f (%.3f)\tData %.3f (%.3f)\tLoss %.4f (%.4f)",
			s.Iteration, s.NumBatches,
			s.Timer.Batch.Last(), s.Timer.Batch.Value(), s.Timer.Data.Last(), s.Timer.Data.Value(),
			s.Loss.Last(), s.Loss.Value())
	}
	return nil
}

func logEpoch(e *Engine) error {
	if e.Config.Quiet {
		return nil
	}
	s := e.State
	if s.Training() {
		klog.Infof("Epoch: [%d]\tLoss %.4f\tAccuracy %.4f", s.Epoch, s.Train.Loss, s.Train.Score)
	} else {
		klog.Infof("Test: \tLoss %.4f\tAccuracy %.4f", s.Validation.Loss, s.Validation.Score)
	}
	return nil
}

// Learn trains model for the epochs [Config.StartEpoch, Config.MaxEpochs), validating after
// each epoch.
//
// If Config.Resume is set and the checkpoint exists, the model variables, start epoch and
// best score are restored from it first. If Config.Evaluate is set, only one validation pass is run.
//
// Each epoch: the learning rate is decayed if the epoch is listed in Config.EpochStep, the model
// is trained, a checkpoint is saved, the model is validated and a checkpoint is saved again, now
// marked as best if the validation score improved.
//
// Learn stops between batches if ctx is cancelled, returning ctx.Err().
func (e *Engine) Learn(ctx context.Context, model Model, train, val data.Dataset) error {
	if err := e.Config.Validate(); err != nil {
		return err
	}
	e.model = model
	s := e.State
	e.best = &checkpoints.Best{}
	s.StartEpoch = e.Config.StartEpoch
	if e.Config.Resume != "" {
		if err := e.resume(model); err != nil {
			return err
		}
	}
	s.BestScore = e.best.Score()
	s.LearningRate = model.LearningRate()

	if e.Config.Evaluate {
		s.Epoch = s.StartEpoch
		_, _, err := e.Validate(ctx, model, val)
		return err
	}

	klog.V(1).Infof("Learn: %s", e.Config)
	lrSchedule := schedule.NewStepDecay(e.Config.EpochStep...)
	for epoch := s.StartEpoch; epoch < e.Config.MaxEpochs; epoch++ {
		s.Epoch = epoch
		lr, changed, err := lrSchedule.Update(model, epoch)
		if err != nil {
			return err
		}
		if changed {
			klog.Infof("update learning rate: %g", lr)
		}
		s.LearningRate = model.LearningRate()

		if _, _, err = e.Train(ctx, model, train); err != nil {
			return err
		}
		if err = e.save(false); err != nil {
			return err
		}

		_, score, err := e.Validate(ctx, model, val)
		if err != nil {
			return err
		}
		s.IsBest = e.best.Observe(score)
		s.BestScore = e.best.Score()
		if err = e.save(s.IsBest); err != nil {
			return err
		}
		klog.Infof(" *** best=%.3f", s.BestScore)
		if err = e.onEpochDone.run(e, "OnEpochDone"); err != nil {
			return err
		}
	}
	return nil
}

// resume restores the training from the checkpoint in Config.Resume. A missing file is not an error.
func (e *Engine) resume(model Model) error {
	path := data.ReplaceTildeInDir(e.Config.Resume)
	found, err := data.FileExists(path)
	if err != nil {
		return errors.WithMessage(err, "failed to resume")
	}
	if !found {
		klog.Infof("=> no checkpoint found at %q", path)
		return nil
	}
	klog.Infof("=> loading checkpoint %q", path)
	rec, err := checkpoints.Load(model.Context(), path)
	if err != nil {
		return errors.WithMessage(err, "failed to resume")
	}
	if rec.Arch != "" && rec.Arch != model.Arch() {
		klog.Warningf("checkpoint %q was saved for arch %q, loaded into %q", path, rec.Arch, model.Arch())
	}
	if rec.LearningRate > 0 {
		if err = model.SetLearningRate(rec.LearningRate); err != nil {
			return errors.WithMessagef(err, "failed to restore learning rate from %q", path)
		}
	}
	e.State.StartEpoch = rec.Epoch
	e.best = checkpoints.NewBest(rec.BestScore)
	klog.Infof("=> loaded checkpoint %q (epoch %d)", path, rec.Epoch)
	return nil
}

// Train runs one training epoch over ds, and returns the mean loss and IoU score.
func (e *Engine) Train(ctx context.Context, model Model, ds data.Dataset) (loss, score float64, err error) {
	if err = e.Config.Validate(); err != nil {
		return
	}
	e.model = model
	return e.runEpoch(ctx, PhaseTrain, ds)
}

// Validate runs one validation epoch over ds, and returns the mean loss and IoU score.
func (e *Engine) Validate(ctx context.Context, model Model, ds data.Dataset) (loss, score float64, err error) {
	if err = e.Config.Validate(); err != nil {
		return
	}
	e.model = model
	return e.runEpoch(ctx, PhaseValidate, ds)
}

func (e *Engine) runEpoch(ctx context.Context, phase Phase, ds data.Dataset) (loss, score float64, err error) {
	s := e.State
	s.Phase = phase
	s.Iteration = 0
	s.NumBatches = ds.Len()
	s.Batch, s.Result = nil, nil
	if len(s.Accuracy.Total) != e.Config.NumClasses-1 {
		s.Accuracy = iou.NewAccumulator(e.Config.NumClasses)
	}
	defer ds.Reset()

	if err = e.onStartEpoch.run(e, "OnStartEpoch"); err != nil {
		return
	}
	for i := 0; ; i++ {
		if err = ctx.Err(); err != nil {
			return
		}
		var batch *data.Batch
		batch, err = ds.Yield()
		if err == io.EOF {
			err = nil
			break
		}
		if err != nil {
			err = errors.WithMessagef(err, "%s epoch %d: failed reading batch %d from %q", phase, s.Epoch, i, ds.Name())
			return
		}
		s.Iteration = i
		s.Timer.DataReady()
		s.Batch = batch.StereoPairs()
		if err = e.onStartBatch.run(e, "OnStartBatch"); err != nil {
			return
		}
		if err = e.step(); err != nil {
			err = errors.WithMessagef(err, "%s epoch %d, batch %d", phase, s.Epoch, i)
			return
		}
		if err = e.onForward.run(e, "OnForward"); err != nil {
			return
		}
		s.Timer.BatchDone()
		if err = e.onEndBatch.run(e, "OnEndBatch"); err != nil {
			return
		}
		if phase == PhaseTrain && e.Config.SaveIter != 0 && i != 0 && i%e.Config.SaveIter == 0 {
			klog.Infof("save checkpoint at iteration %d", i)
			if err = e.save(false); err != nil {
				return
			}
		}
	}

	summary := Summary{Loss: s.Loss.Value(), Score: s.Accuracy.Mean(), Batches: s.Loss.Count()}
	if phase == PhaseTrain {
		s.Train = summary
	} else {
		s.Validation = summary
	}
	if err = e.onEndEpoch.run(e, "OnEndEpoch"); err != nil {
		return
	}
	return summary.Loss, summary.Score, nil
}

// step runs the model on the current batch and checks the loss.
func (e *Engine) step() error {
	s := e.State
	var result *StepResult
	var err error
	if s.Training() {
		result, err = e.model.TrainStep(s.Batch)
	} else {
		result, err = e.model.EvalStep(s.Batch)
	}
	if err != nil {
		return err
	}
	if math.IsNaN(result.Loss) {
		return errors.Errorf("batch loss is NaN, %s interrupted", s.Phase)
	}
	if math.IsInf(result.Loss, 0) {
		return errors.Errorf("batch loss is infinity (%f), %s interrupted", result.Loss, s.Phase)
	}
	if len(result.Predictions) != len(s.Batch.Label) {
		return errors.Errorf("model returned %d predictions for %d labels", len(result.Predictions), len(s.Batch.Label))
	}
	s.Result = result
	return nil
}

// save writes a checkpoint of the model context and the progress. If isBest, the best
// checkpoints are rotated.
func (e *Engine) save(isBest bool) error {
	if e.model == nil {
		return errors.New("no model to save")
	}
	if e.handler == nil {
		handler, err := checkpoints.Build(e.Config.CheckpointDir()).Keep(e.Config.KeepCheckpoints).Done()
		if err != nil {
			return err
		}
		e.handler = handler
	}
	s := e.State
	rec := &checkpoints.Record{
		Epoch:        s.Epoch + 1,
		Arch:         e.model.Arch(),
		BestScore:    s.BestScore,
		LearningRate: e.model.LearningRate(),
		SavedAt:      e.now(),
	}
	klog.Infof("save model %s", e.handler.LatestPath())
	return e.handler.Save(e.model.Context(), rec, isBest)
}
