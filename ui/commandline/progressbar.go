// Copyright 2025 The SATNet Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/MrLinNing/SATNet/ml/engine"
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value.
type ExtraMetricFn func() (name, value string)

// RefreshPeriod is the time between terminal updates.
var RefreshPeriod = time.Second * 3

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
var ProgressbarStyle = progressbar.ThemeASCII

// ProgressBarName is the name of the hooks registered by AttachProgressBar.
const ProgressBarName = "satnet.ui.commandline.progressBar"

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// unknownLength is the progressbar length for datasets that don't know their number of batches.
const unknownLength = -1

// progressBar holds the progressbar of the epoch being run.
type progressBar struct {
	out              io.Writer
	lastIterReported int
	bar              *progressbar.ProgressBar

	termenv       *termenv.Output
	statsStyle    lipgloss.Style
	statsTable    *lgtable.Table
	isFirstOutput bool
	updates       chan progressBarUpdate
	drawer        sync.WaitGroup

	extraMetricFns []ExtraMetricFn
}

// progressBarUpdate is a snapshot of the engine state, drawn asynchronously.
type progressBarUpdate struct {
	amount int
	rows   [][2]string
}

func (pBar *progressBar) onStartEpoch(e *engine.Engine) error {
	// The previous epoch may have been interrupted before its OnEndEpoch.
	pBar.finish()
	s := e.State
	pBar.lastIterReported = 0
	pBar.isFirstOutput = true
	length := s.NumBatches
	if length <= 0 {
		length = unknownLength
	}
	description := fmt.Sprintf("[bold]Epoch %d[reset] ", s.Epoch)
	if !s.Training() {
		description = "[bold]Test[reset]    "
	}
	pBar.bar = progressbar.NewOptions(length,
		progressbar.OptionSetDescription(description),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("batches"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pBar.out),
	)
	pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so the engine is never blocked.
	pBar.drawer.Add(1)
	go pBar.draw(pBar.updates)
	return nil
}

// snapshot of the current state, to be drawn by draw.
func (pBar *progressBar) snapshot(e *engine.Engine) progressBarUpdate {
	s := e.State
	iterations := humanize.Comma(int64(s.Iteration + 1))
	if s.NumBatches > 0 {
		iterations += " of " + humanize.Comma(int64(s.NumBatches))
	}
	update := progressBarUpdate{
		amount: s.Iteration + 1 - pBar.lastIterReported,
		rows: [][2]string{
			{"Batches", iterations},
			{"Mean batch duration", FormatDuration(seconds(s.Timer.Batch.Value()))},
			{"Mean data duration", FormatDuration(seconds(s.Timer.Data.Value()))},
			{"Loss", fmt.Sprintf("%.4f (%.4f)", s.Loss.Last(), s.Loss.Value())},
			{"Accuracy", fmt.Sprintf("%.4f", s.Accuracy.Mean())},
		},
	}
	if s.Training() {
		update.rows = append(update.rows, [2]string{"Learning rate", fmt.Sprintf("%g", s.LearningRate)})
	}
	for _, extraMetric := range pBar.extraMetricFns {
		name, value := extraMetric()
		update.rows = append(update.rows, [2]string{name, value})
	}
	return update
}

func (pBar *progressBar) onBatch(e *engine.Engine) error {
	if pBar.bar == nil || pBar.bar.IsFinished() {
		return nil
	}
	update := pBar.snapshot(e)
	if update.amount <= 0 {
		return nil
	}
	pBar.lastIterReported = e.State.Iteration + 1
	pBar.updates <- update
	return nil
}

func (pBar *progressBar) onEndEpoch(e *engine.Engine) error {
	if pBar.updates == nil {
		return nil
	}
	if err := pBar.onBatch(e); err != nil {
		return err
	}
	pBar.finish()
	_, _ = fmt.Fprintln(pBar.out)
	return nil
}

// finish closes the updates of the current epoch, if any, and waits for them to be drawn.
func (pBar *progressBar) finish() {
	if pBar.updates == nil {
		return
	}
	close(pBar.updates)
	pBar.drawer.Wait()
	pBar.updates = nil
	if pBar.termenv != nil {
		pBar.termenv.ShowCursor()
	}
}

// draw the updates until the channel is closed, skipping to the latest one when the engine is
// faster than the terminal.
func (pBar *progressBar) draw(updates <-chan progressBarUpdate) {
	defer pBar.drawer.Done()
	for update := range updates {
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		pBar.statsTable.Data(lgtable.NewStringData())
		for _, row := range update.rows {
			pBar.statsTable.Row(row[0], row[1])
		}

		// Clear the previous lines that will be overwritten: table borders and the progress bar line.
		if pBar.termenv != nil {
			pBar.termenv.HideCursor()
			if !pBar.isFirstOutput {
				pBar.termenv.CursorPrevLine(len(update.rows) + 2 + 1)
			}
		}
		pBar.isFirstOutput = false

		_, _ = fmt.Fprintln(pBar.out, pBar.statsStyle.Render(pBar.statsTable.String()))
		_ = pBar.bar.Add(amount)
		_, _ = fmt.Fprintln(pBar.out)
		if pBar.termenv != nil {
			pBar.termenv.ShowCursor()
		}
		time.Sleep(maxUpdateFrequency)
	}
}

// AttachProgressBar creates a commandline progress bar and attaches it to the engine: for every
// training and validation epoch it displays the progression over the batches and a table with the
// loss, accuracy and timing statistics, refreshed every RefreshPeriod and at the end of the epoch.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
func AttachProgressBar(e *engine.Engine, extraMetrics ...ExtraMetricFn) {
	attachProgressBar(e, os.Stdout, termenv.NewOutput(os.Stdout), extraMetrics)
}

func attachProgressBar(e *engine.Engine, out io.Writer, term *termenv.Output, extraMetrics []ExtraMetricFn) *progressBar {
	pBar := &progressBar{
		out:            out,
		termenv:        term,
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
		statsTable:     newTable(),
		extraMetricFns: extraMetrics,
	}
	e.OnStartEpoch(ProgressBarName, 0, pBar.onStartEpoch)
	engine.PeriodicCallback(e, RefreshPeriod, false, ProgressBarName, 0, pBar.onBatch)
	e.OnEndEpoch(ProgressBarName, 0, pBar.onEndEpoch)
	return pBar
}
