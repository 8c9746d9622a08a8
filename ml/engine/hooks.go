// Copyright 2025 The SATNet Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

const (
	// MetersPriority is used by the built-in hooks that update the State meters, so that
	// hooks at the default priority see them updated.
	MetersPriority Priority = -100

	// LogPriority is used by the built-in logging hooks.
	LogPriority Priority = 100
)

// HookFn is the type of all hooks. The engine State is available in e.State.
type HookFn func(e *Engine) error

type hookWithName struct {
	name string
	fn   HookFn
}

type priorityHooks struct {
	hooks map[Priority][]*hookWithName
}

func newPriorityHooks() *priorityHooks {
	return &priorityHooks{hooks: make(map[Priority][]*hookWithName)}
}

// Add hook at the given priority.
func (h *priorityHooks) Add(priority Priority, hook *hookWithName) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// Enumerate calls fn for all registered hooks in priority order. Hooks with the same priority
// are called in the order they were added.
func (h *priorityHooks) Enumerate(fn func(hook *hookWithName)) {
	keys := make([]Priority, 0, len(h.hooks))
	for key := range h.hooks {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, key := range keys {
		for _, hook := range h.hooks[key] {
			fn(hook)
		}
	}
}

// run all hooks, stopping at the first error.
func (h *priorityHooks) run(e *Engine, kind string) (err error) {
	h.Enumerate(func(hook *hookWithName) {
		if err != nil {
			return
		}
		if err = hook.fn(e); err != nil {
			err = errors.WithMessagef(err, "%s(hook %q)", kind, hook.name)
		}
	})
	return
}

// OnStartEpoch adds a hook called at the start of every training or validation epoch.
func (e *Engine) OnStartEpoch(name string, priority Priority, fn HookFn) {
	e.onStartEpoch.Add(priority, &hookWithName{name: name, fn: fn})
}

// OnEndEpoch adds a hook called at the end of every training or validation epoch, after
// State.Train or State.Validation is updated.
func (e *Engine) OnEndEpoch(name string, priority Priority, fn HookFn) {
	e.onEndEpoch.Add(priority, &hookWithName{name: name, fn: fn})
}

// OnStartBatch adds a hook called after a batch is loaded, before the model runs.
func (e *Engine) OnStartBatch(name string, priority Priority, fn HookFn) {
	e.onStartBatch.Add(priority, &hookWithName{name: name, fn: fn})
}

// OnForward adds a hook called after the model ran on the batch. State.Result is set.
func (e *Engine) OnForward(name string, priority Priority, fn HookFn) {
	e.onForward.Add(priority, &hookWithName{name: name, fn: fn})
}

// OnEndBatch adds a hook called at the end of each batch, after the batch time is measured.
func (e *Engine) OnEndBatch(name string, priority Priority, fn HookFn) {
	e.onEndBatch.Add(priority, &hookWithName{name: name, fn: fn})
}

// OnEpochDone adds a hook called by Learn at the end of each epoch, after the validation, the
// best score update and the checkpoint save.
func (e *Engine) OnEpochDone(name string, priority Priority, fn HookFn) {
	e.onEpochDone.Add(priority, &hookWithName{name: name, fn: fn})
}

// EveryNBatches registers an OnEndBatch hook called when the iteration within the epoch is a
// multiple of n, including iteration 0. It is a no-op if n <= 0.
func EveryNBatches(e *Engine, n int, name string, priority Priority, fn HookFn) {
	if n <= 0 {
		return
	}
	e.OnEndBatch(fmt.Sprintf("EveryNBatches(%d): %s", n, name), priority, func(e *Engine) error {
		if e.State.Iteration%n != 0 {
			return nil
		}
		return fn(e)
	})
}

type periodicCallback struct {
	last    time.Time
	period  time.Duration
	started bool
	fn      HookFn
}

func (p *periodicCallback) onEndBatch(e *Engine) error {
	now := e.now()
	if !p.started {
		p.started = true
		p.last = now
		return nil
	}
	if now.Sub(p.last) < p.period {
		return nil
	}
	err := p.fn(e)
	p.last = e.now()
	return err
}

// PeriodicCallback registers an OnEndBatch hook called at most once every period of time.
// The period counts after the execution of fn. If callOnEndEpoch is set, fn is also called at the
// end of every epoch.
func PeriodicCallback(e *Engine, period time.Duration, callOnEndEpoch bool, name string, priority Priority, fn HookFn) {
	p := &periodicCallback{period: period, fn: fn}
	fullName := fmt.Sprintf("PeriodicCallback(%s): %s", period, name)
	e.OnEndBatch(fullName, priority, p.onEndBatch)
	if callOnEndEpoch {
		e.OnEndEpoch(fullName, priority, func(e *Engine) error { return p.fn(e) })
	}
}
