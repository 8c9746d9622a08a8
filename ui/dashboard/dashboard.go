// Copyright 2025 The SATNet Authors. SPDX-License-Identifier: Apache-2.0

package dashboard

import (
	"context"
	"fmt"

	"github.com/MrLinNing/SATNet/ml/engine"
	"k8s.io/klog/v2"
)

// Name of the hooks registered by Attach.
const Name = "satnet.ui.dashboard"

// Window names.
const (
	LossWindow   = "loss"
	LabelsWindow = "labels"
)

// Config of the dashboard.
type Config struct {
	// PrintFreq is the number of training iterations between loss plot updates. 0 disables them.
	PrintFreq int

	// ImageIters is the number of training iterations between label grid updates. 0 disables them.
	ImageIters int
}

// ConfigFrom takes the frequencies of the engine configuration.
func ConfigFrom(cfg engine.Config) Config {
	return Config{PrintFreq: cfg.PrintFreq, ImageIters: cfg.ImageIters()}
}

// Dashboard draws the training progress of an engine.
type Dashboard struct {
	client *Client
	cfg    Config

	// Loss series: the loss of the last batch and the running mean over the epoch.
	steps, batchLoss, meanLoss []float64
}

// Attach a dashboard drawing with client to the engine. It plots the batch loss and the running
// loss every cfg.PrintFreq training iterations, and the ground truth and predicted label maps of
// the batch every cfg.ImageIters training iterations (except the first of each epoch).
func Attach(e *engine.Engine, client *Client, cfg Config) *Dashboard {
	d := &Dashboard{client: client, cfg: cfg}
	engine.EveryNBatches(e, cfg.PrintFreq, Name+".loss", engine.LogPriority, d.plotLoss)
	engine.EveryNBatches(e, cfg.ImageIters, Name+".labels", engine.LogPriority, d.drawLabels)
	return d
}

func (d *Dashboard) plotLoss(e *engine.Engine) error {
	s := e.State
	if !s.Training() {
		return nil
	}
	d.steps = append(d.steps, float64(len(d.steps)+1))
	d.batchLoss = append(d.batchLoss, s.Loss.Last())
	d.meanLoss = append(d.meanLoss, s.Loss.Value())
	err := d.client.Line(context.Background(), LossWindow, "Training loss",
		Series{Name: "batch", X: d.steps, Y: d.batchLoss},
		Series{Name: "mean", X: d.steps, Y: d.meanLoss})
	if err != nil {
		klog.Warningf("dashboard: %v", err)
	}
	return nil
}

func (d *Dashboard) drawLabels(e *engine.Engine) error {
	s := e.State
	if !s.Training() || s.Iteration == 0 || s.Batch == nil || s.Batch.Label == nil || s.Result == nil {
		return nil
	}
	b := s.Batch
	grid, err := LabelGrid(b.Label, s.Result.Predictions, b.Images(), b.Height, b.Width)
	if err == nil {
		caption := fmt.Sprintf("epoch %d, iteration %d: ground truth (top) and predictions", s.Epoch, s.Iteration)
		err = d.client.Image(context.Background(), LabelsWindow, caption, grid)
	}
	if err != nil {
		klog.Warningf("dashboard: %v", err)
	}
	return nil
}
