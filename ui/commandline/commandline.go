// Copyright 2025 The SATNet Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI training tools for the command line: a progress bar
// with a live statistics table, and an epoch report.
package commandline

import (
	"fmt"

	"github.com/MrLinNing/SATNet/ml/engine"
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
)

// EpochReportName is the name of the hook registered by AttachEpochReport.
const EpochReportName = "satnet.ui.commandline.epochReport"

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	headerStyle       = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	bestStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("#50C878")).Bold(true)
	tableBorderColor  = "#705090"
)

func newTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
}

// EpochReport renders the summary of the last epoch run by the engine: loss and accuracy of the
// training and validation passes, the best score and the learning rate.
func EpochReport(e *engine.Engine) string {
	s := e.State
	best := fmt.Sprintf("%.4f", s.BestScore)
	if s.IsBest {
		best = bestStyle.Render(best + " *")
	}
	table := newTable().
		Headers(fmt.Sprintf("Epoch %d", s.Epoch), "Train", "Validation").
		Row("Loss", fmt.Sprintf("%.4f", s.Train.Loss), fmt.Sprintf("%.4f", s.Validation.Loss)).
		Row("Accuracy", fmt.Sprintf("%.4f", s.Train.Score), fmt.Sprintf("%.4f", s.Validation.Score)).
		Row("Batches", humanize.Comma(int64(s.Train.Batches)), humanize.Comma(int64(s.Validation.Batches))).
		Row("Best", best, "").
		Row("Learning rate", fmt.Sprintf("%g", s.LearningRate), "")
	return table.String()
}

// AttachEpochReport prints the EpochReport at the end of each epoch.
func AttachEpochReport(e *engine.Engine) {
	e.OnEpochDone(EpochReportName, engine.LogPriority+1, func(e *engine.Engine) error {
		fmt.Println(EpochReport(e))
		return nil
	})
}
