// Copyright 2025 The SATNet Authors. SPDX-License-Identifier: Apache-2.0

package plots

import (
	"os"
	"path/filepath"

	"github.com/MrLinNing/SATNet/ml/engine"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CollectorName is the name of the hook registered by Attach.
const CollectorName = "satnet.ui.plots.collector"

// Charts rendered by the Collector in its directory.
const (
	LossChartFileName         = "loss.png"
	AccuracyChartFileName     = "accuracy.png"
	LearningRateChartFileName = "learning_rate.png"
)

// Collector records the epoch metrics of an engine as plot points.
//
// At the end of each epoch it appends them to TrainingPlotFileName and renders the loss, accuracy
// and learning rate charts, all in its directory. Failures are logged, and never interrupt training.
type Collector struct {
	dir    string
	points Points
	writer chan<- Point
	errs   <-chan error
}

// Attach creates a Collector saving to dir and attaches it to the engine.
// Points already saved in dir, from a previous run, are loaded so the charts continue them.
func Attach(e *engine.Engine, dir string) (*Collector, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create plots directory %q", dir)
	}
	c := &Collector{dir: dir, points: make(Points)}
	filePath := filepath.Join(dir, TrainingPlotFileName)
	if _, err := os.Stat(filePath); err == nil {
		previous, err := LoadPoints(filePath)
		if err != nil {
			return nil, err
		}
		c.points = NewPoints(previous)
	}
	c.writer, c.errs = CreatePointsWriter(filePath)
	e.OnEpochDone(CollectorName, engine.LogPriority, c.onEpochDone)
	return c, nil
}

// Points collected so far.
func (c *Collector) Points() Points { return c.points }

// EpochPoints returns the points of the last epoch run by the engine.
func EpochPoints(s *engine.State) []Point {
	step := float64(s.Epoch)
	return []Point{
		{MetricName: "Train: Loss", Short: "T/loss", MetricType: LossType, Step: step, Value: s.Train.Loss},
		{MetricName: "Validation: Loss", Short: "V/loss", MetricType: LossType, Step: step, Value: s.Validation.Loss},
		{MetricName: "Train: Accuracy", Short: "T/acc", MetricType: AccuracyType, Step: step, Value: s.Train.Score},
		{MetricName: "Validation: Accuracy", Short: "V/acc", MetricType: AccuracyType, Step: step, Value: s.Validation.Score},
		{MetricName: "Learning Rate", Short: "lr", MetricType: LearningRateType, Step: step, Value: s.LearningRate},
	}
}

func (c *Collector) onEpochDone(e *engine.Engine) error {
	newPoints := EpochPoints(e.State)
	// A resumed run replaces the points of the epochs it runs again, and drops the later ones.
	step := newPoints[0].Step
	c.points.Filter(func(p Point) bool { return p.Step < step })
	c.points.Add(NewPoints(newPoints))
	for _, pt := range newPoints {
		c.writer <- pt
	}
	c.render()
	return nil
}

func (c *Collector) render() {
	for _, chart := range []struct{ metricType, title, fileName string }{
		{LossType, "Loss", LossChartFileName},
		{AccuracyType, "Accuracy (mean IoU)", AccuracyChartFileName},
		{LearningRateType, "Learning rate", LearningRateChartFileName},
	} {
		if _, err := Render(c.points, chart.metricType, chart.title, filepath.Join(c.dir, chart.fileName)); err != nil {
			klog.Errorf("plots: %+v", err)
		}
	}
}

// Close flushes the points file. The collector must not be used afterward.
func (c *Collector) Close() error {
	close(c.writer)
	return <-c.errs
}
