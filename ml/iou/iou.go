// Copyright 2025 The SATNet Authors. SPDX-License-Identifier: Apache-2.0

// Package iou computes the per-class intersection-over-union accuracy of semantic label maps,
// and accumulates it over an epoch.
//
// Class 0 is the "empty" (unlabeled) class and is not scored: for numClasses classes there are
// numClasses-1 scored classes, 1 to numClasses-1.
package iou

import (
	"fmt"

	"github.com/pkg/errors"
)

// Absent is the IoU reported for a class that appears neither in the prediction nor in the target.
const Absent = -1.0

// validThreshold separates valid IoU values (>= 0) from Absent.
const validThreshold = -0.1

// Compute returns the IoU for each of the numSamples samples and each scored class, as a
// [numSamples][numClasses-1] matrix.
//
// predictions and targets hold numSamples*pixels class indices each, sample-major.
// Classes absent from both prediction and target get Absent.
func Compute(predictions, targets []int32, numSamples, pixels, numClasses int) ([][]float64, error) {
	if numClasses < 2 {
		return nil, errors.Errorf("iou.Compute requires at least 2 classes, got %d", numClasses)
	}
	if len(predictions) != numSamples*pixels || len(targets) != numSamples*pixels {
		return nil, errors.Errorf("iou.Compute: predictions (%d) and targets (%d) must both have %d x %d values",
			len(predictions), len(targets), numSamples, pixels)
	}
	intersection := make([]int, numClasses)
	union := make([]int, numClasses)
	result := make([][]float64, numSamples)
	for sample := range numSamples {
		clear(intersection)
		clear(union)
		start := sample * pixels
		for i := start; i < start+pixels; i++ {
			p, t := predictions[i], targets[i]
			if p == t {
				if inRange(p, numClasses) {
					intersection[p]++
					union[p]++
				}
				continue
			}
			if inRange(p, numClasses) {
				union[p]++
			}
			if inRange(t, numClasses) {
				union[t]++
			}
		}
		row := make([]float64, numClasses-1)
		for class := 1; class < numClasses; class++ {
			if union[class] == 0 {
				row[class-1] = Absent
				continue
			}
			row[class-1] = float64(intersection[class]) / float64(union[class])
		}
		result[sample] = row
	}
	return result, nil
}

func inRange(class int32, numClasses int) bool {
	return class >= 0 && int(class) < numClasses
}

// Accumulator sums the valid IoU values of each class over many batches.
type Accumulator struct {
	Total []float64
	Count []int
}

// NewAccumulator for numClasses classes (numClasses-1 scored).
func NewAccumulator(numClasses int) *Accumulator {
	return &Accumulator{
		Total: make([]float64, numClasses-1),
		Count: make([]int, numClasses-1),
	}
}

// Add the per-sample IoU matrix returned by Compute. Absent entries are counted out.
func (acc *Accumulator) Add(ious [][]float64) error {
	for sample, row := range ious {
		if len(row) != len(acc.Total) {
			return errors.Errorf("IoU row %d has %d classes, accumulator expects %d", sample, len(row), len(acc.Total))
		}
		for class, value := range row {
			if value > validThreshold {
				acc.Count[class]++
				acc.Total[class] += value
			}
		}
	}
	return nil
}

// PerClass returns the mean IoU of each scored class. Classes never seen get 0.
func (acc *Accumulator) PerClass() []float64 {
	means := make([]float64, len(acc.Total))
	for class := range acc.Total {
		means[class] = acc.Total[class] / (float64(acc.Count[class]) + 0.0001)
	}
	return means
}

// Mean over the scored classes of the per-class mean IoU. This is the accuracy reported per epoch.
func (acc *Accumulator) Mean() float64 {
	if len(acc.Total) == 0 {
		return 0
	}
	var sum float64
	for _, v := range acc.PerClass() {
		sum += v
	}
	return sum / float64(len(acc.Total))
}

// Reset zeroes the accumulated values.
func (acc *Accumulator) Reset() {
	clear(acc.Total)
	clear(acc.Count)
}

// String implements fmt.Stringer.
func (acc *Accumulator) String() string {
	return fmt.Sprintf("IoU(mean=%.4f, classes=%d)", acc.Mean(), len(acc.Total))
}
