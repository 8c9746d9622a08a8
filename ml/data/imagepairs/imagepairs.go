// Copyright 2025 The SATNet Authors. SPDX-License-Identifier: Apache-2.0

// Package imagepairs implements a data.Source reading stereo pairs of color, depth and label
// images from disk, listed in a sample list file.
//
// Each non-empty line of the sample list (lines starting with '#' are ignored) describes one
// sample: V color image paths, followed by V depth image paths and V label image paths, for V views
// (2 for a stereo pair). Paths are relative to the list's root directory.
//
//	color/0001_l.png color/0001_r.png depth/0001_l.png depth/0001_r.png label/0001_l.png label/0001_r.png
//
// Color images are resized to the configured size with linear interpolation, scaled to [0, 1] and
// normalized per channel. Depth images (16-bit gray, usually millimeters) are resized with nearest
// neighbor sampling and divided by DepthScale. Label images hold the class index as the gray level;
// values outside [0, NumClasses) are mapped to 0 (empty).
package imagepairs

import (
	"bufio"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"github.com/MrLinNing/SATNet/ml/data"
)

// Config of the images read.
type Config struct {
	// Root directory the paths in the sample list are relative to. If empty, the directory of
	// the sample list is used.
	Root string

	// Height and Width every image is resized to.
	Height, Width int

	// NumClasses in the label images.
	NumClasses int

	// DepthScale divides the raw depth values.
	DepthScale float64

	// Mean and Std used to normalize the color channels (after scaling to [0, 1]).
	Mean, Std [3]float32
}

// DefaultConfig uses 384x288 images, 12 classes, depth in millimeters and ImageNet normalization.
func DefaultConfig() Config {
	return Config{
		Height:     288,
		Width:      384,
		NumClasses: 12,
		DepthScale: 1000,
		Mean:       [3]float32{0.485, 0.456, 0.406},
		Std:        [3]float32{0.229, 0.224, 0.225},
	}
}

// entry of the sample list.
type entry struct {
	colors, depths, labels []string
}

// Source reads the samples listed in a sample list file. It is safe for concurrent use.
type Source struct {
	name    string
	config  Config
	entries []entry
}

var _ data.Source = (*Source)(nil)

// Open parses the sample list at listPath.
func Open(listPath string, config Config) (*Source, error) {
	listPath = data.ReplaceTildeInDir(listPath)
	f, err := os.Open(listPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open sample list %q", listPath)
	}
	defer func() { _ = f.Close() }()

	if config.Root == "" {
		config.Root = filepath.Dir(listPath)
	}
	config.Root = data.ReplaceTildeInDir(config.Root)
	if config.Height <= 0 || config.Width <= 0 {
		return nil, errors.Errorf("invalid image size %dx%d", config.Width, config.Height)
	}
	if config.NumClasses < 2 {
		return nil, errors.Errorf("invalid number of classes %d", config.NumClasses)
	}
	if config.DepthScale == 0 {
		config.DepthScale = 1
	}
	src := &Source{name: filepath.Base(listPath), config: config}

	scanner := bufio.NewScanner(f)
	lineNum := 0
	views := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields)%3 != 0 {
			return nil, errors.Errorf("%s:%d: expected 3 paths per view (color, depth, label), got %d fields",
				listPath, lineNum, len(fields))
		}
		v := len(fields) / 3
		if views == 0 {
			views = v
		} else if v != views {
			return nil, errors.Errorf("%s:%d: sample has %d views, previous samples have %d", listPath, lineNum, v, views)
		}
		src.entries = append(src.entries, entry{
			colors: fields[:v],
			depths: fields[v : 2*v],
			labels: fields[2*v:],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed reading sample list %q", listPath)
	}
	return src, nil
}

// Name implements data.Source.
func (src *Source) Name() string { return src.name }

// Len implements data.Source.
func (src *Source) Len() int { return len(src.entries) }

// Config returns the configuration used, with defaults resolved.
func (src *Source) Config() Config { return src.config }

// Sample implements data.Source.
func (src *Source) Sample(i int) (*data.Sample, error) {
	if i < 0 || i >= len(src.entries) {
		return nil, errors.Errorf("%s: sample index %d out of range [0, %d)", src.name, i, len(src.entries))
	}
	e := src.entries[i]
	cfg := src.config
	views := len(e.colors)
	pixels := cfg.Height * cfg.Width
	s := &data.Sample{
		Index:         i,
		Views:         views,
		Height:        cfg.Height,
		Width:         cfg.Width,
		ColorChannels: 3,
		DepthChannels: 1,
		Color:         make([]float32, views*pixels*3),
		Depth:         make([]float32, views*pixels),
		Label:         make([]int32, views*pixels),
	}
	for v := range views {
		if err := src.readColor(e.colors[v], s.Color[v*pixels*3:(v+1)*pixels*3]); err != nil {
			return nil, err
		}
		if err := src.readDepth(e.depths[v], s.Depth[v*pixels:(v+1)*pixels]); err != nil {
			return nil, err
		}
		if err := src.readLabel(e.labels[v], s.Label[v*pixels:(v+1)*pixels]); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (src *Source) path(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(src.config.Root, p)
}

func (src *Source) readColor(p string, dst []float32) error {
	img, err := imaging.Open(src.path(p))
	if err != nil {
		return errors.Wrapf(err, "failed to read color image %q", p)
	}
	cfg := src.config
	resized := imaging.Resize(img, cfg.Width, cfg.Height, imaging.Linear)
	idx := 0
	for y := range cfg.Height {
		row := resized.Pix[y*resized.Stride : y*resized.Stride+cfg.Width*4]
		for x := range cfg.Width {
			for c := range 3 {
				value := float32(row[x*4+c]) / 255
				dst[idx] = (value - cfg.Mean[c]) / cfg.Std[c]
				idx++
			}
		}
	}
	return nil
}

// readDepth keeps the full 16 bits of depth images, so it doesn't use imaging.Resize.
func (src *Source) readDepth(p string, dst []float32) error {
	img, err := decode(src.path(p))
	if err != nil {
		return errors.WithMessagef(err, "failed to read depth image %q", p)
	}
	cfg := src.config
	scale := float32(cfg.DepthScale)
	sampleNearest(img.Bounds(), cfg.Width, cfg.Height, func(i, x, y int) {
		var value uint16
		if gray16, ok := img.(*image.Gray16); ok {
			value = gray16.Gray16At(x, y).Y
		} else {
			value = color.Gray16Model.Convert(img.At(x, y)).(color.Gray16).Y
		}
		dst[i] = float32(value) / scale
	})
	return nil
}

func (src *Source) readLabel(p string, dst []int32) error {
	img, err := imaging.Open(src.path(p))
	if err != nil {
		return errors.Wrapf(err, "failed to read label image %q", p)
	}
	cfg := src.config
	resized := imaging.Resize(img, cfg.Width, cfg.Height, imaging.NearestNeighbor)
	for y := range cfg.Height {
		for x := range cfg.Width {
			class := int32(resized.Pix[y*resized.Stride+x*4])
			if int(class) >= cfg.NumClasses {
				class = 0
			}
			dst[y*cfg.Width+x] = class
		}
	}
	return nil
}

func decode(p string) (image.Image, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", p)
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode %q", p)
	}
	return img, nil
}

// sampleNearest calls fn for each pixel (x, y) of a width x height grid, with the coordinates of the
// nearest pixel in bounds and the flat destination index.
func sampleNearest(bounds image.Rectangle, width, height int, fn func(i, x, y int)) {
	srcW, srcH := bounds.Dx(), bounds.Dy()
	for y := range height {
		srcY := bounds.Min.Y + (y*srcH+srcH/2)/height
		srcY = min(srcY, bounds.Max.Y-1)
		for x := range width {
			srcX := bounds.Min.X + (x*srcW+srcW/2)/width
			srcX = min(srcX, bounds.Max.X-1)
			fn(y*width+x, srcX, srcY)
		}
	}
}
