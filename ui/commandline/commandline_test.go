// Copyright 2025 The SATNet Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrLinNing/SATNet/ml/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestParams() map[string]any {
	return map[string]any{
		"x":        11.0,
		"y":        7,
		"z":        false,
		"s":        "foo",
		"list_int": []int{},
		"list_str": []string{},
	}
}

func TestParseSettings(t *testing.T) {
	params := createTestParams()
	paramsSet, err := ParseSettings(params, "x=13;y=1_000;z=true;s=bar;list_int=1,3,7;list_str=a,b;")
	require.NoError(t, err)
	require.Equal(t, []string{"x", "y", "z", "s", "list_int", "list_str"}, paramsSet)
	assert.Equal(t, 13.0, params["x"])
	assert.Equal(t, 1000, params["y"])
	assert.Equal(t, true, params["z"])
	assert.Equal(t, "bar", params["s"])
	assert.Equal(t, []int{1, 3, 7}, params["list_int"])
	assert.Equal(t, []string{"a", "b"}, params["list_str"])

	// Parameter "q" is unknown.
	_, err = ParseSettings(params, "q=3")
	require.Error(t, err)

	// Cannot set the wrong type of value.
	_, err = ParseSettings(params, "y=3.14")
	require.Error(t, err)
	_, err = ParseSettings(params, "list_int=1,a")
	require.Error(t, err)

	// Missing "=".
	_, err = ParseSettings(params, "x")
	require.Error(t, err)
}

func TestParseSettingsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.txt")
	require.NoError(t, os.WriteFile(path, []byte("# model\nx=0.5\ny=3;z=true\n\n"), 0o644))
	params := createTestParams()
	paramsSet, err := ParseSettings(params, "file:"+path+";s=baz")
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y", "z", "s"}, paramsSet)
	assert.Equal(t, 0.5, params["x"])
	assert.Equal(t, "baz", params["s"])

	_, err = ParseSettings(params, "file:"+filepath.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)
}

func TestSprintSettings(t *testing.T) {
	params := map[string]any{"b": 2, "a": "one"}
	assert.Equal(t, "\t\"a\": (string) one\n\t\"b\": (int) 2", SprintSettings(params))
	usage := SettingsUsage(params)
	assert.Less(t, strings.Index(usage, `"a"`), strings.Index(usage, `"b"`))
}

func TestFormatDuration(t *testing.T) {
	for d, want := range map[time.Duration]string{
		0:                         "0s",
		500 * time.Nanosecond:     "500ns",
		1500 * time.Nanosecond:    "1.50µs",
		850 * time.Millisecond:    "850.00ms",
		3250 * time.Millisecond:   "3.25s",
		125400 * time.Millisecond: "2m5s",
	} {
		assert.Equal(t, want, FormatDuration(d), "duration %d", int64(d))
	}
}

func TestEpochReport(t *testing.T) {
	e, err := engine.New(engine.DefaultConfig())
	require.NoError(t, err)
	s := e.State
	s.Epoch = 3
	s.Train = engine.Summary{Loss: 0.5, Score: 0.25, Batches: 1200}
	s.Validation = engine.Summary{Loss: 0.75, Score: 0.3, Batches: 40}
	s.BestScore, s.IsBest = 0.3, true
	s.LearningRate = 0.001
	report := EpochReport(e)
	for _, want := range []string{"Epoch 3", "0.5000", "0.2500", "0.7500", "1,200", "0.3000", "0.001"} {
		assert.Contains(t, report, want)
	}
}

func TestProgressBar(t *testing.T) {
	e, err := engine.New(engine.DefaultConfig())
	require.NoError(t, err)
	var out bytes.Buffer
	pBar := attachProgressBar(e, &out, nil, []ExtraMetricFn{func() (string, string) { return "Extra", "42" }})

	s := e.State
	s.Epoch, s.NumBatches = 1, 4
	require.NoError(t, pBar.onStartEpoch(e))
	for iter := range 4 {
		s.Iteration = iter
		s.Loss.Add(float64(iter))
		require.NoError(t, pBar.onBatch(e))
	}
	require.NoError(t, pBar.onEndEpoch(e))
	assert.Contains(t, out.String(), "Extra")
	assert.Contains(t, out.String(), "4 of 4")
	assert.Contains(t, out.String(), "1.5000")
	assert.Nil(t, pBar.updates)

	// An epoch interrupted before OnEndEpoch: the next one stops its drawer first.
	require.NoError(t, pBar.onStartEpoch(e))
	s.Iteration = 0
	require.NoError(t, pBar.onBatch(e))
	interrupted := pBar.updates
	require.NoError(t, pBar.onStartEpoch(e))
	_, open := <-interrupted
	assert.False(t, open, "updates of the interrupted epoch must be closed")
	assert.NotEqual(t, interrupted, pBar.updates)
	require.NoError(t, pBar.onEndEpoch(e))
	assert.Nil(t, pBar.updates)
}
