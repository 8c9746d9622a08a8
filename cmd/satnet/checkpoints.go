// Copyright 2025 The SATNet Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/MrLinNing/SATNet/ml/checkpoints"
	"github.com/MrLinNing/SATNet/ml/data"
	"github.com/MrLinNing/SATNet/ml/history"
	"github.com/MrLinNing/SATNet/ui/plots"
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	mlcontext "github.com/gomlx/gomlx/ml/context"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case withHeader && row == lgtable.HeaderRow:
				return headerRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

func newCheckpointsCmd() *cobra.Command {
	var (
		historyPath string
		showVars    bool
		showMetrics bool
	)
	cmd := &cobra.Command{
		Use:   "checkpoints <dir>",
		Short: "Inspect checkpoints and training history",
		Long: `Checkpoints lists the checkpoints of a directory, or summarizes one checkpoint.

With --metrics the metrics saved for plotting in the directory are printed, and with
--history the runs and epochs recorded in the history database.

Example:
  satnet checkpoints ./checkpoints --metrics --history runs.db
  satnet checkpoints ./checkpoints/model_best --vars`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			path := data.ReplaceTildeInDir(args[0])
			info, err := os.Stat(path)
			if err != nil {
				return err
			}
			if !info.IsDir() {
				return errors.Errorf("%q is not a directory", path)
			}
			isCheckpoint, err := checkpoints.IsCheckpoint(path)
			if err != nil {
				return err
			}
			if isCheckpoint {
				err = reportCheckpoint(out, path, showVars)
			} else {
				err = reportDir(out, path)
				if err == nil && showMetrics {
					err = reportMetrics(out, path)
				}
			}
			if err == nil && historyPath != "" {
				err = reportHistory(cmd.Context(), out, historyPath)
			}
			return err
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&historyPath, "history", "", "SQLite history database to report.")
	flags.BoolVar(&showVars, "vars", false, "List the variables of the checkpoint.")
	flags.BoolVar(&showMetrics, "metrics", false,
		fmt.Sprintf("Lists the metrics collected for plotting in file %q", plots.TrainingPlotFileName))
	return cmd
}

func reportDir(out io.Writer, dir string) error {
	list, err := checkpoints.List(dir)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out, titleStyle.Render("Checkpoints in "+dir))
	if len(list) == 0 {
		_, _ = fmt.Fprintln(out, "no checkpoints found")
		return nil
	}
	table := newPlainTable(true).
		Headers("Checkpoint", "Kind", "Epoch", "Arch", "Best", "Learning rate", "# parameters", "Size", "Modified")
	for _, info := range list {
		table.Row(filepath.Base(info.Path), info.Kind.String(), fmt.Sprint(info.Epoch), info.Arch,
			fmt.Sprintf("%.4f", info.BestScore), fmt.Sprintf("%g", info.LearningRate),
			humanize.Comma(int64(info.NumParams)), humanize.Bytes(uint64(info.Size)), humanize.Time(info.ModTime))
	}
	_, _ = fmt.Fprintln(out, table.Render())
	return nil
}

func reportCheckpoint(out io.Writer, path string, showVars bool) error {
	ckpt, err := checkpoints.Read(path)
	if err != nil {
		return err
	}
	vars := ckpt.Variables(mlcontext.RootScope)
	var numBytes, numFrozen int
	for _, v := range vars {
		numBytes += v.Shape().Size() * v.Shape().DType.Size()
		if !v.Trainable {
			numFrozen++
		}
	}
	_, _ = fmt.Fprintln(out, titleStyle.Render("Summary"))
	table := newPlainTable(false)
	table.Row("checkpoint", path)
	table.Row("arch", ckpt.Arch)
	table.Row("epoch", fmt.Sprint(ckpt.Epoch))
	table.Row("best accuracy", fmt.Sprintf("%.4f", ckpt.BestScore))
	table.Row("learning rate", fmt.Sprintf("%g", ckpt.LearningRate))
	table.Row("saved at", ckpt.SavedAt.Local().Format("2006-01-02 15:04:05"))
	table.Row("# variables", humanize.Comma(int64(len(vars))))
	table.Row("# parameters", humanize.Comma(int64(ckpt.NumParams())))
	table.Row("# bytes", humanize.Bytes(uint64(numBytes)))
	table.Row("# non-trainable variables", humanize.Comma(int64(numFrozen)))
	_, _ = fmt.Fprintln(out, table.Render())

	if showVars {
		_, _ = fmt.Fprintln(out, titleStyle.Render("Variables"))
		table := newPlainTable(true).Headers("Name", "DType", "Shape", "Size", "Trainable")
		for _, v := range vars {
			shape := v.Shape()
			table.Row(checkpoints.VariableKey(v), shape.DType.String(), fmt.Sprint(shape.Dimensions),
				humanize.Comma(int64(shape.Size())), fmt.Sprint(v.Trainable))
		}
		_, _ = fmt.Fprintln(out, table.Render())
	}
	return nil
}

func reportMetrics(out io.Writer, dir string) error {
	points, err := plots.LoadPointsFromCheckpoint(dir)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out, titleStyle.Render("Metrics"))
	_, _ = fmt.Fprintln(out, plots.NewPoints(points).TableForMetrics())
	return nil
}

func reportHistory(ctx context.Context, out io.Writer, path string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := history.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	runs, err := store.Runs(ctx)
	if err != nil {
		return err
	}
	for _, run := range runs {
		_, _ = fmt.Fprintln(out, titleStyle.Render(fmt.Sprintf("Run %s (%s, started %s)",
			run.ID, run.Arch, humanize.Time(run.StartedAt))))
		entries, err := store.Entries(ctx, run.ID)
		if err != nil {
			return err
		}
		table := newPlainTable(true).
			Headers("Epoch", "Train loss", "Train acc.", "Val. loss", "Val. acc.", "Best", "Learning rate")
		for _, entry := range entries {
			best := fmt.Sprintf("%.4f", entry.BestScore)
			if entry.IsBest {
				best += " *"
			}
			table.Row(fmt.Sprint(entry.Epoch),
				fmt.Sprintf("%.4f", entry.TrainLoss), fmt.Sprintf("%.4f", entry.TrainScore),
				fmt.Sprintf("%.4f", entry.ValLoss), fmt.Sprintf("%.4f", entry.ValScore),
				best, fmt.Sprintf("%g", entry.LearningRate))
		}
		_, _ = fmt.Fprintln(out, table.Render())
	}
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(out, "no runs recorded in "+path)
	}
	return nil
}
