// Copyright 2025 The SATNet Authors. SPDX-License-Identifier: Apache-2.0

package imagepairs

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrLinNing/SATNet/ml/data"
)

func writePNG(t *testing.T, path string, img image.Image) {
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

// writeView writes a uniform color image, a depth ramp and a label image split in two halves.
func writeView(t *testing.T, dir, name string, width, height int) {
	c := image.NewNRGBA(image.Rect(0, 0, width, height))
	d := image.NewGray16(image.Rect(0, 0, width, height))
	l := image.NewGray(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			c.Set(x, y, color.NRGBA{R: 255, G: 0, B: 51, A: 255})
			d.SetGray16(x, y, color.Gray16{Y: uint16(1000 * (x + 1))})
			class := uint8(3)
			if x >= width/2 {
				class = 200 // Out of range: mapped to 0.
			}
			l.SetGray(x, y, color.Gray{Y: class})
		}
	}
	writePNG(t, filepath.Join(dir, "color", name), c)
	writePNG(t, filepath.Join(dir, "depth", name), d)
	writePNG(t, filepath.Join(dir, "label", name), l)
}

func TestSource(t *testing.T) {
	dir := t.TempDir()
	const width, height = 8, 6
	for _, name := range []string{"a_l.png", "a_r.png", "b_l.png", "b_r.png"} {
		writeView(t, dir, name, width, height)
	}
	list := "# color depth label\n" +
		"color/a_l.png color/a_r.png depth/a_l.png depth/a_r.png label/a_l.png label/a_r.png\n" +
		"\n" +
		"color/b_l.png color/b_r.png depth/b_l.png depth/b_r.png label/b_l.png label/b_r.png\n"
	listPath := filepath.Join(dir, "train.txt")
	require.NoError(t, os.WriteFile(listPath, []byte(list), 0o644))

	cfg := DefaultConfig()
	cfg.Height, cfg.Width = height, width
	src, err := Open(listPath, cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, src.Len())
	assert.Equal(t, dir, src.Config().Root)

	s, err := src.Sample(1)
	require.NoError(t, err)
	require.NoError(t, s.Validate())
	assert.Equal(t, 2, s.Views)
	assert.Equal(t, 1, s.Index)

	// Red channel: (1 - 0.485) / 0.229.
	assert.InDelta(t, (1-0.485)/0.229, s.Color[0], 1e-4)
	assert.InDelta(t, (0-0.456)/0.224, s.Color[1], 1e-4)
	assert.InDelta(t, (0.2-0.406)/0.225, s.Color[2], 1e-4)

	// Depth in meters, ramp along x.
	assert.InDelta(t, 1.0, s.Depth[0], 1e-6)
	assert.InDelta(t, 8.0, s.Depth[width-1], 1e-6)

	// Labels: left half class 3, right half mapped to 0.
	assert.Equal(t, int32(3), s.Label[0])
	assert.Equal(t, int32(0), s.Label[width-1])

	_, err = src.Sample(2)
	require.Error(t, err)

	// Works with the data.Loader.
	loader := data.NewLoader(src, 2).Workers(2).Done()
	defer loader.Close()
	b, err := loader.Yield()
	require.NoError(t, err)
	assert.Equal(t, 4, b.StereoPairs().Size)
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()

	_, err := Open(filepath.Join(dir, "missing.txt"), cfg)
	require.Error(t, err)

	bad := filepath.Join(dir, "bad.txt")
	require.NoError(t, os.WriteFile(bad, []byte("a.png b.png\n"), 0o644))
	_, err = Open(bad, cfg)
	require.Error(t, err)

	mixed := filepath.Join(dir, "mixed.txt")
	require.NoError(t, os.WriteFile(mixed, []byte("a b c\na b c d e f\n"), 0o644))
	_, err = Open(mixed, cfg)
	require.Error(t, err)

	ok := filepath.Join(dir, "ok.txt")
	require.NoError(t, os.WriteFile(ok, []byte("a b c\n"), 0o644))
	src, err := Open(ok, cfg)
	require.NoError(t, err)
	_, err = src.Sample(0)
	require.Error(t, err, "images don't exist")
}
