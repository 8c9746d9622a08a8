// Copyright 2025 The SATNet Authors. SPDX-License-Identifier: Apache-2.0

package dashboard

import (
	"context"
	"encoding/json"
	"image/color"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/MrLinNing/SATNet/ml/data"
	"github.com/MrLinNing/SATNet/ml/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVisdom records the events posted.
type fakeVisdom struct {
	mu     sync.Mutex
	events []map[string]any
	status int
}

func (f *fakeVisdom) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.URL.Path != "/events" || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var ev map[string]any
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.events = append(f.events, ev)
	if f.status != 0 {
		w.WriteHeader(f.status)
		return
	}
	_, _ = w.Write([]byte(ev["win"].(string)))
}

func (f *fakeVisdom) byWindow(win string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var found []map[string]any
	for _, ev := range f.events {
		if ev["win"] == win {
			found = append(found, ev)
		}
	}
	return found
}

func TestClient(t *testing.T) {
	fake := &fakeVisdom{}
	server := httptest.NewServer(fake)
	defer server.Close()

	client := NewClient(server.URL+"/", "test_env")
	assert.Equal(t, "test_env", client.Env())
	ctx := context.Background()
	require.NoError(t, client.Line(ctx, "w1", "Loss", Series{Name: "a", X: []float64{1, 2}, Y: []float64{0.5, 0.25}}))
	assert.Error(t, client.Line(ctx, "w1", "Loss", Series{Name: "bad", X: []float64{1}}))

	img, err := LabelImage([]int32{0, 1, 2, 3}, 2, 2)
	require.NoError(t, err)
	require.NoError(t, client.Image(ctx, "w2", "labels", img))

	lines := fake.byWindow("w1")
	require.Len(t, lines, 1)
	assert.Equal(t, "test_env", lines[0]["eid"])
	traces := lines[0]["data"].([]any)
	require.Len(t, traces, 1)
	assert.Equal(t, "a", traces[0].(map[string]any)["name"])

	images := fake.byWindow("w2")
	require.Len(t, images, 1)
	pane := images[0]["data"].([]any)[0].(map[string]any)
	assert.Equal(t, "image", pane["type"])
	assert.True(t, strings.HasPrefix(pane["content"].(map[string]any)["src"].(string), "data:image/png;base64,"))

	fake.status = http.StatusInternalServerError
	assert.Error(t, client.Line(ctx, "w1", "Loss"))

	unique := NewClient(DefaultServer, "")
	assert.True(t, strings.HasPrefix(unique.Env(), "satnet_"))
	assert.NotEqual(t, unique.Env(), NewClient(DefaultServer, "").Env())
}

func TestColormap(t *testing.T) {
	require.Len(t, Colormap, 12)
	assert.Equal(t, color.NRGBA{R: 0, G: 0, B: 170, A: 255}, ClassColor(0))
	assert.Equal(t, color.NRGBA{R: 255, G: 255, B: 0, A: 255}, ClassColor(7))
	assert.Equal(t, color.NRGBA{R: 170, G: 0, B: 0, A: 255}, ClassColor(11))
	assert.Equal(t, color.NRGBA{A: 255}, ClassColor(12))
	assert.Equal(t, color.NRGBA{A: 255}, ClassColor(-1))
}

func TestLabelGrid(t *testing.T) {
	truth := []int32{1, 1, 2, 2, 3, 3, 4, 4}
	predictions := []int32{1, 2, 2, 2, 3, 3, 4, 5}
	grid, err := LabelGrid(truth, predictions, 2, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 2*TileWidth, grid.Bounds().Dx())
	assert.Equal(t, 2*TileHeight, grid.Bounds().Dy())

	// Top-left quadrant of the first ground truth tile is class 1.
	assert.Equal(t, ClassColor(1), grid.NRGBAAt(10, 10))
	// Top-right quadrant of the first predicted tile is class 2.
	assert.Equal(t, ClassColor(2), grid.NRGBAAt(TileWidth-10, TileHeight+10))
	// Bottom-right quadrant of the second predicted tile is class 5.
	assert.Equal(t, ClassColor(5), grid.NRGBAAt(2*TileWidth-10, 2*TileHeight-10))

	_, err = LabelGrid(truth, predictions[:4], 2, 2, 2)
	assert.Error(t, err)
	_, err = LabelImage(truth, 3, 3)
	assert.Error(t, err)
}

func TestAttach(t *testing.T) {
	fake := &fakeVisdom{}
	server := httptest.NewServer(fake)
	defer server.Close()

	cfg := engine.DefaultConfig()
	cfg.PrintFreq = 2
	e, err := engine.New(cfg)
	require.NoError(t, err)
	d := Attach(e, NewClient(server.URL, "attach"), Config{PrintFreq: 2, ImageIters: 3})

	s := e.State
	s.Batch = &data.Batch{Size: 1, Views: 1, Height: 2, Width: 2, Label: []int32{0, 1, 2, 3}}
	s.Result = &engine.StepResult{Loss: 1, Predictions: []int32{0, 1, 1, 3}}
	for iter := range 7 {
		s.Iteration = iter
		s.Loss.Add(float64(iter))
		require.NoError(t, d.plotLoss(e))
		require.NoError(t, d.drawLabels(e))
	}
	assert.Len(t, d.steps, 7)
	assert.Equal(t, []float64{0, 1, 2, 3, 4, 5, 6}, d.batchLoss)
	assert.Len(t, fake.byWindow(LossWindow), 7)
	assert.Len(t, fake.byWindow(LabelsWindow), 6)

	// Validation batches are not drawn.
	s.Phase = engine.PhaseValidate
	require.NoError(t, d.plotLoss(e))
	require.NoError(t, d.drawLabels(e))
	assert.Len(t, fake.byWindow(LossWindow), 7)

	// A broken server is only logged.
	server.Close()
	s.Phase = engine.PhaseTrain
	require.NoError(t, d.plotLoss(e))
}

func TestConfigFrom(t *testing.T) {
	cfg := engine.DefaultConfig()
	cfg.PrintFreq = 5
	assert.Equal(t, Config{PrintFreq: 5, ImageIters: 5}, ConfigFrom(cfg))
	cfg.ImageDashboardIters = 50
	assert.Equal(t, Config{PrintFreq: 5, ImageIters: 50}, ConfigFrom(cfg))
}
