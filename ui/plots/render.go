// Copyright 2025 The SATNet Authors. SPDX-License-Identifier: Apache-2.0

package plots

import (
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Size of the rendered charts.
var (
	ChartWidth  = 8 * vg.Inch
	ChartHeight = 5 * vg.Inch
)

// Render the metrics of the given type as a line chart saved to filePath. The image format is
// taken from the file extension (e.g. ".png", ".svg").
//
// It returns false, and writes nothing, if there are no points of the given type.
func Render(points Points, metricType, title, filePath string) (bool, error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = metricType
	p.Legend.Top = true
	p.Add(plotter.NewGrid())

	var numLines int
	for _, name := range points.MetricsNames() {
		var xys plotter.XYs
		points.Map(func(pt *Point) {
			if pt.MetricName == name && pt.MetricType == metricType {
				xys = append(xys, plotter.XY{X: pt.Step, Y: pt.Value})
			}
		})
		if len(xys) == 0 {
			continue
		}
		line, scatter, err := plotter.NewLinePoints(xys)
		if err != nil {
			return false, errors.Wrapf(err, "failed to plot %q", name)
		}
		line.Color = plotutil.Color(numLines)
		scatter.Color = line.Color
		scatter.Shape = plotutil.Shape(numLines)
		p.Add(line, scatter)
		p.Legend.Add(name, line, scatter)
		numLines++
	}
	if numLines == 0 {
		return false, nil
	}
	if err := p.Save(ChartWidth, ChartHeight, filePath); err != nil {
		return false, errors.Wrapf(err, "failed to save plot to %q", filePath)
	}
	return true, nil
}
