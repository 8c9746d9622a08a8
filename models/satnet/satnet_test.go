// Copyright 2025 The SATNet Authors. SPDX-License-Identifier: Apache-2.0

package satnet

import (
	"maps"
	"math"
	"path/filepath"
	"testing"

	"github.com/MrLinNing/SATNet/ml/checkpoints"
	"github.com/MrLinNing/SATNet/ml/data"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testParams = map[string]any{
	ParamNumClasses:   3,
	ParamColorFilters: 4,
	ParamDepthFilters: 2,
	ParamFuseFilters:  4,
	ParamBranchLayers: 2,
	"learning_rate":   0.01,
}

func testBatch(numImages, height, width int) *data.Batch {
	b := &data.Batch{
		Size: numImages, Views: 1, Height: height, Width: width,
		ColorChannels: 3, DepthChannels: 1,
	}
	pixels := height * width
	for img := range numImages {
		b.Index = append(b.Index, img)
		for p := range pixels {
			v := float32(p%width) / float32(width)
			b.Color = append(b.Color, v, 1-v, float32(img))
			b.Depth = append(b.Depth, float32(p/width)/float32(height))
			b.Label = append(b.Label, int32(p%3))
		}
	}
	return b
}

func newTestModel(t *testing.T) *Model {
	if testing.Short() {
		t.Skip("skipping model test in short mode")
	}
	m, err := New(backends.MustNew(), testParams)
	require.NoError(t, err)
	return m
}

func TestTrainAndPredict(t *testing.T) {
	m := newTestModel(t)
	assert.Equal(t, Arch, m.Arch())
	assert.Equal(t, 3, m.NumClasses())
	assert.InDelta(t, 0.01, m.LearningRate(), 1e-6)
	require.NoError(t, m.SetLearningRate(0.005))
	assert.InDelta(t, 0.005, m.LearningRate(), 1e-6)
	assert.Error(t, m.SetLearningRate(0))

	batch := testBatch(2, 4, 5)
	for range 3 {
		res, err := m.TrainStep(batch)
		require.NoError(t, err)
		assert.False(t, math.IsNaN(res.Loss) || math.IsInf(res.Loss, 0))
		require.Len(t, res.Predictions, 2*4*5)
		for _, p := range res.Predictions {
			assert.True(t, p >= 0 && p < 3)
		}
	}
	res, err := m.EvalStep(batch)
	require.NoError(t, err)
	assert.Len(t, res.Predictions, 2*4*5)

	logits, err := m.Predict(batch)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 5, 3}, logits.Dims)
	require.NoError(t, logits.Validate())

	unlabeled := testBatch(1, 4, 5)
	unlabeled.Label = nil
	_, err = m.Predict(unlabeled)
	require.NoError(t, err)
	_, err = m.TrainStep(unlabeled)
	assert.Error(t, err)

	stereo := testBatch(2, 4, 5)
	stereo.Size, stereo.Views = 1, 2
	_, err = m.EvalStep(stereo)
	assert.Error(t, err)
}

// saveModel saves m into a new checkpoints directory, and returns the path of the latest checkpoint.
func saveModel(t *testing.T, m *Model) string {
	h, err := checkpoints.Build(t.TempDir()).Done()
	require.NoError(t, err)
	rec := &checkpoints.Record{Epoch: 1, Arch: Arch, LearningRate: m.LearningRate()}
	require.NoError(t, h.Save(m.Context(), rec, false))
	return h.LatestPath()
}

func TestCheckpoint(t *testing.T) {
	m := newTestModel(t)
	batch := testBatch(2, 4, 4)
	_, err := m.TrainStep(batch)
	require.NoError(t, err)
	path := saveModel(t, m)

	c, err := checkpoints.Read(path)
	require.NoError(t, err)
	assert.Equal(t, Arch, c.Arch)
	for _, scope := range []string{ColorScope, DepthScope, FuseScope} {
		assert.NotEmpty(t, c.Variables("/"+scope), "scope %q", scope)
	}
	assert.NotNil(t, c.Context.GetVariableByScopeAndName("/optimizers", "learning_rate"))
	assert.Positive(t, c.NumParams())

	want, err := m.EvalStep(batch)
	require.NoError(t, err)

	// A fresh model loaded from the checkpoint predicts the same.
	other := newTestModel(t)
	rec, err := checkpoints.Load(other.Context(), path)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Epoch)
	got, err := other.EvalStep(batch)
	require.NoError(t, err)
	assert.Equal(t, want.Predictions, got.Predictions)
	assert.InDelta(t, want.Loss, got.Loss, 1e-5)
	assert.InDelta(t, m.LearningRate(), other.LearningRate(), 1e-7)

	// Variables with different shapes are not loaded.
	params := maps.Clone(testParams)
	params[ParamColorFilters] = 8
	wider, err := New(backends.MustNew(), params)
	require.NoError(t, err)
	_, err = wider.EvalStep(batch)
	require.NoError(t, err)
	_, err = checkpoints.Load(wider.Context(), path)
	require.ErrorContains(t, err, "shape")
}

func TestLoadBranch(t *testing.T) {
	m := newTestModel(t)
	batch := testBatch(1, 4, 4)
	_, err := m.TrainStep(batch)
	require.NoError(t, err)
	path := saveModel(t, m)
	c, err := checkpoints.Read(path)
	require.NoError(t, err)

	other := newTestModel(t)
	require.NoError(t, other.LoadBranch(ColorScope, path))
	colorVars := c.Variables("/" + ColorScope)
	require.NotEmpty(t, colorVars)
	for _, v := range colorVars {
		loaded := other.Context().GetVariableByScopeAndName(v.Scope(), v.Name())
		require.NotNil(t, loaded, "%s/%s", v.Scope(), v.Name())
		assert.Equal(t, tensors.CopyFlatData[float32](v.Value()), tensors.CopyFlatData[float32](loaded.Value()),
			"%s/%s", v.Scope(), v.Name())
	}
	for _, v := range c.Variables("/" + DepthScope) {
		assert.Nil(t, other.Context().GetVariableByScopeAndName(v.Scope(), v.Name()), "%s/%s", v.Scope(), v.Name())
	}

	assert.Error(t, other.LoadBranch("missing", path))
	assert.Error(t, other.LoadBranch(DepthScope, filepath.Join(t.TempDir(), "nope")))
}
