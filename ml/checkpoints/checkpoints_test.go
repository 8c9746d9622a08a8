// Copyright 2025 The SATNet Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext() *context.Context {
	ctx := context.New().Checked(false)
	ctx.In("color").In("000_conv").VariableWithValue("weights", [][]float32{{1, 2}, {3, 4}})
	ctx.In("fuse").In("logits").VariableWithValue("biases", []float32{-1, 0, 1})
	ctx.InAbsPath("/optimizers").VariableWithValue("global_step", int64(0)).SetTrainable(false)
	return ctx
}

func testRecord(epoch int, best float64) *Record {
	return &Record{
		Epoch:        epoch,
		Arch:         "SATNet",
		BestScore:    best,
		LearningRate: 0.01,
		SavedAt:      time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// checkpointNames lists the published checkpoints of dir.
func checkpointNames(t *testing.T, dir string) []string {
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, entry := range entries {
		if entry.IsDir() && entry.Name() != stagingName {
			names = append(names, entry.Name())
		}
	}
	return names
}

func TestHandlerRotation(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "models")
	h, err := Build(dir).Done()
	require.NoError(t, err)
	assert.Equal(t, dir, h.Dir())
	assert.Empty(t, h.PreviousBest())
	ctx := testContext()

	require.NoError(t, h.Save(ctx, testRecord(1, 0), false))
	assert.ElementsMatch(t, []string{"checkpoint", "checkpoint_1"}, checkpointNames(t, dir))

	require.NoError(t, h.Save(ctx, testRecord(1, 0.25), true))
	assert.ElementsMatch(t, []string{"checkpoint", "checkpoint_1", "model_best", "model_best_0.2500"},
		checkpointNames(t, dir))

	// A new best removes exactly the previous scored best checkpoint.
	require.NoError(t, h.Save(ctx, testRecord(2, 0.375), true))
	assert.ElementsMatch(t, []string{"checkpoint", "checkpoint_1", "checkpoint_2", "model_best",
		"model_best_0.3750"}, checkpointNames(t, dir))
	best, err := Read(h.BestPath())
	require.NoError(t, err)
	assert.Equal(t, 2, best.Epoch)

	// Not best: best checkpoints untouched.
	require.NoError(t, h.Save(ctx, testRecord(3, 0.375), false))
	best, err = Read(h.BestPath())
	require.NoError(t, err)
	assert.Equal(t, 2, best.Epoch)
	latest, err := Read(h.LatestPath())
	require.NoError(t, err)
	assert.Equal(t, 3, latest.Epoch)

	// A new handler on the same directory finds the previous best checkpoint.
	h2, err := Build(dir).Done()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "model_best_0.3750"), h2.PreviousBest())
	require.NoError(t, h2.Save(testContext(), testRecord(4, 0.5), true))
	assert.NoDirExists(t, filepath.Join(dir, "model_best_0.3750"))
	assert.DirExists(t, filepath.Join(dir, "model_best_0.5000"))

	epochs, err := h2.Epochs()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4}, epochs)
}

func TestHandlerKeep(t *testing.T) {
	dir := t.TempDir()
	h, err := Build(dir).Keep(2).Done()
	require.NoError(t, err)
	ctx := testContext()
	for epoch := 1; epoch <= 5; epoch++ {
		require.NoError(t, h.Save(ctx, testRecord(epoch, 0), false))
	}
	epochs, err := h.Epochs()
	require.NoError(t, err)
	assert.Equal(t, []int{4, 5}, epochs)
	assert.DirExists(t, h.LatestPath())

	// Each published checkpoint holds only the last save.
	latest, err := Read(h.LatestPath())
	require.NoError(t, err)
	assert.Equal(t, 5, latest.Epoch)

	// The handler is bound to the first context saved.
	require.Error(t, h.Save(testContext(), testRecord(6, 0), false))
}

func TestBuildErrors(t *testing.T) {
	_, err := Build("").Done()
	require.Error(t, err)

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))
	_, err = Build(file).Done()
	require.ErrorContains(t, err, "not a directory")
}

func TestReadLoad(t *testing.T) {
	dir := t.TempDir()
	h, err := Build(dir).Done()
	require.NoError(t, err)
	require.NoError(t, h.Save(testContext(), testRecord(3, 0.4567), true))

	c, err := Read(h.BestPath())
	require.NoError(t, err)
	assert.Equal(t, h.BestPath(), c.Path)
	assert.Equal(t, 3, c.Epoch)
	assert.Equal(t, "SATNet", c.Arch)
	assert.InDelta(t, 0.4567, c.BestScore, 1e-9)
	assert.InDelta(t, 0.01, c.LearningRate, 1e-9)
	assert.True(t, c.SavedAt.Equal(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)), "saved at %s", c.SavedAt)
	assert.Equal(t, 7, c.NumParams())

	colorVars := c.Variables("/color")
	require.Len(t, colorVars, 1)
	assert.Equal(t, "/color/000_conv", colorVars[0].Scope())
	assert.Equal(t, []float32{1, 2, 3, 4}, tensors.CopyFlatData[float32](colorVars[0].Value()))
	assert.Len(t, c.Variables(context.RootScope), 3)
	assert.Empty(t, c.Variables("/col"))

	// Load creates missing variables and overwrites existing ones.
	ctx := context.New().Checked(false)
	ctx.In("fuse").In("logits").VariableWithValue("biases", []float32{7, 7, 7})
	rec, err := Load(ctx, h.LatestPath())
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Epoch)
	biases := ctx.GetVariableByScopeAndName("/fuse/logits", "biases")
	require.NotNil(t, biases)
	assert.Equal(t, []float32{-1, 0, 1}, tensors.CopyFlatData[float32](biases.Value()))
	weights := ctx.GetVariableByScopeAndName("/color/000_conv", "weights")
	require.NotNil(t, weights)
	assert.Equal(t, []int{2, 2}, weights.Shape().Dimensions)
	step := ctx.GetVariableByScopeAndName("/optimizers", "global_step")
	require.NotNil(t, step)
	assert.False(t, step.Trainable)

	// CopyTo a single branch.
	branch := context.New().Checked(false)
	n, err := c.CopyTo(branch, "/fuse")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Nil(t, branch.GetVariableByScopeAndName("/color/000_conv", "weights"))

	// Shape mismatch.
	bad := context.New().Checked(false)
	bad.In("fuse").In("logits").VariableWithValue("biases", []float32{1, 2})
	_, err = Load(bad, h.LatestPath())
	require.ErrorContains(t, err, "shape")
}

func TestReadErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := Read(filepath.Join(dir, "missing"))
	require.Error(t, err)

	_, err = Read(dir)
	require.ErrorContains(t, err, "no checkpoint found")

	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))
	_, err = Read(file)
	require.ErrorContains(t, err, "not a directory")

	ok, err := IsCheckpoint(dir)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBest(t *testing.T) {
	var b Best
	assert.Equal(t, 0.0, b.Score())
	scores := []float64{0, 0.3, 0.2, 0.3, 0.5, 0.1}
	wantIsBest := []bool{false, true, false, false, true, false}
	maxSoFar := 0.0
	for ii, score := range scores {
		assert.Equal(t, wantIsBest[ii], b.Observe(score), "score #%d=%g", ii, score)
		maxSoFar = max(maxSoFar, score)
		assert.Equal(t, maxSoFar, b.Score())
	}
	assert.Equal(t, 0.7, NewBest(0.7).Score())
}

func TestList(t *testing.T) {
	dir := t.TempDir()
	h, err := Build(dir).WithClock(func() time.Time { return time.Unix(0, 0) }).Done()
	require.NoError(t, err)
	ctx := testContext()
	require.NoError(t, h.Save(ctx, testRecord(1, 0.1), true))
	require.NoError(t, h.Save(ctx, testRecord(2, 0.1), false))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "garbage"), DirPermMode))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "garbage", "checkpoint-n0000001.json"), []byte("{"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))

	ok, err := IsCheckpoint(h.LatestPath())
	require.NoError(t, err)
	assert.True(t, ok)

	infos, err := List(dir)
	require.NoError(t, err)
	require.Len(t, infos, 5)
	kinds := make([]Kind, len(infos))
	for ii, info := range infos {
		kinds[ii] = info.Kind
		assert.Equal(t, "SATNet", info.Arch)
		assert.Equal(t, 7, info.NumParams)
		assert.Equal(t, 3, info.NumVariables)
		assert.Positive(t, info.Size)
	}
	assert.Equal(t, []Kind{KindLatest, KindEpoch, KindEpoch, KindBest, KindScoredBest}, kinds)
	assert.Equal(t, 1, infos[1].Epoch)
	assert.Equal(t, 2, infos[2].Epoch)
	assert.Equal(t, "scored_best", infos[4].Kind.String())
}
