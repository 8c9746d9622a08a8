// Copyright 2025 The SATNet Authors. SPDX-License-Identifier: Apache-2.0

// Package meters implements the running averages used to report training progress:
// loss per batch, time to fetch data and time to run a batch.
package meters

import "time"

// Average accumulates values and reports their running mean.
//
// The zero value is ready to use.
type Average struct {
	total float64
	count int
	last  float64
}

// Add records one more value.
func (a *Average) Add(value float64) {
	a.total += value
	a.count++
	a.last = value
}

// Value returns the cumulative sum divided by the number of values added.
// It returns 0 if nothing was recorded yet.
func (a *Average) Value() float64 {
	if a.count == 0 {
		return 0
	}
	return a.total / float64(a.count)
}

// Last value added, or 0 if none.
func (a *Average) Last() float64 { return a.last }

// Count of values added since the last Reset.
func (a *Average) Count() int { return a.count }

// Total sum of values added since the last Reset.
func (a *Average) Total() float64 { return a.total }

// Reset clears the accumulated values.
func (a *Average) Reset() {
	*a = Average{}
}

// Timer measures, for each iteration of a loop, the time spent waiting for data and the
// total time of the iteration, feeding both into Average meters (in seconds).
//
// Usage:
//
//	timer.Start()
//	for ... {
//		batch := next()
//		timer.DataReady()
//		process(batch)
//		timer.BatchDone()
//	}
type Timer struct {
	Data, Batch Average

	mark time.Time
	now  func() time.Time
}

// NewTimer returns a Timer using the wall clock.
func NewTimer() *Timer {
	return &Timer{now: time.Now}
}

// NewTimerWithClock returns a Timer that reads the time from the given function. Used for testing.
func NewTimerWithClock(now func() time.Time) *Timer {
	return &Timer{now: now}
}

// Start resets the meters and the reference time.
func (t *Timer) Start() {
	t.Data.Reset()
	t.Batch.Reset()
	t.mark = t.now()
}

// DataReady records the time since the end of the previous batch (or Start) as data loading time.
func (t *Timer) DataReady() {
	t.Data.Add(t.now().Sub(t.mark).Seconds())
}

// BatchDone records the time since the end of the previous batch (or Start) as the batch time,
// and moves the reference time to now.
func (t *Timer) BatchDone() {
	now := t.now()
	t.Batch.Add(now.Sub(t.mark).Seconds())
	t.mark = now
}
