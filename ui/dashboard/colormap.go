// Copyright 2025 The SATNet Authors. SPDX-License-Identifier: Apache-2.0

package dashboard

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// Size of each label map in a LabelGrid.
const (
	TileWidth  = 192
	TileHeight = 144
)

// colormapRGB of the 12 classes, as fractions of the full intensity. It goes from dark blue for
// the empty class 0 to dark red.
var colormapRGB = [][3]float64{
	{0, 0, 0.6667},
	{0, 0, 1},
	{0, 0.3333, 1},
	{0, 0.6667, 1},
	{0, 1, 1},
	{0.3333, 1, 0.6667},
	{0.6667, 1, 0.3333},
	{1, 1, 0},
	{1, 0.6667, 0},
	{1, 0.3333, 0},
	{1, 0, 0},
	{0.6667, 0, 0},
}

// Colormap is the color of each class. Classes out of range are drawn black.
var Colormap = func() []color.NRGBA {
	colors := make([]color.NRGBA, len(colormapRGB))
	for i, rgb := range colormapRGB {
		colors[i] = color.NRGBA{
			R: uint8(math.Round(rgb[0] * 255)),
			G: uint8(math.Round(rgb[1] * 255)),
			B: uint8(math.Round(rgb[2] * 255)),
			A: 255,
		}
	}
	return colors
}()

var outOfRange = color.NRGBA{A: 255}

// ClassColor returns the color of class.
func ClassColor(class int32) color.NRGBA {
	if class < 0 || int(class) >= len(Colormap) {
		return outOfRange
	}
	return Colormap[class]
}

// LabelImage colors a label map of height x width classes.
func LabelImage(labels []int32, height, width int) (*image.NRGBA, error) {
	if len(labels) != height*width {
		return nil, errors.Errorf("label map of %dx%d requires %d values, got %d", height, width, height*width, len(labels))
	}
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			img.SetNRGBA(x, y, ClassColor(labels[y*width+x]))
		}
	}
	return img, nil
}

// LabelGrid draws the ground truth label maps on the top row and the predicted ones below, each
// resized (nearest neighbour) to TileWidth x TileHeight.
//
// truth and predictions hold numImages label maps of height x width each.
func LabelGrid(truth, predictions []int32, numImages, height, width int) (*image.NRGBA, error) {
	pixels := height * width
	if numImages <= 0 || len(truth) != numImages*pixels || len(predictions) != numImages*pixels {
		return nil, errors.Errorf("label grid of %d images of %dx%d: got %d ground truth and %d predicted values",
			numImages, height, width, len(truth), len(predictions))
	}
	grid := imaging.New(numImages*TileWidth, 2*TileHeight, color.Black)
	for row, labels := range [][]int32{truth, predictions} {
		for i := range numImages {
			img, err := LabelImage(labels[i*pixels:(i+1)*pixels], height, width)
			if err != nil {
				return nil, err
			}
			tile := imaging.Resize(img, TileWidth, TileHeight, imaging.NearestNeighbor)
			grid = imaging.Paste(grid, tile, image.Pt(i*TileWidth, row*TileHeight))
		}
	}
	return grid, nil
}
