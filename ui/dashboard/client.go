// Copyright 2025 The SATNet Authors. SPDX-License-Identifier: Apache-2.0

// Package dashboard pushes live training plots and label map grids to a Visdom server.
//
// The dashboard is a side channel: failures to reach the server are logged and never interrupt
// training.
package dashboard

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// DefaultServer is the address of a Visdom server started with default settings.
const DefaultServer = "http://localhost:8097"

// DefaultTimeout of each request to the server.
const DefaultTimeout = 5 * time.Second

// Client of a Visdom server. Each window is identified by a name, created on first use and
// replaced by later calls with the same name.
type Client struct {
	server string
	env    string
	http   *http.Client
}

// NewClient creates a client for the server (e.g. DefaultServer), drawing in the given Visdom
// environment. If env is empty a unique one is created.
func NewClient(server, env string) *Client {
	if env == "" {
		env = "satnet_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}
	return &Client{
		server: strings.TrimSuffix(server, "/"),
		env:    env,
		http:   &http.Client{Timeout: DefaultTimeout},
	}
}

// Env returns the Visdom environment the client draws in.
func (c *Client) Env() string { return c.env }

// Series is one named line of a Line plot.
type Series struct {
	Name string
	X, Y []float64
}

type trace struct {
	X    []float64 `json:"x"`
	Y    []float64 `json:"y"`
	Name string    `json:"name"`
	Type string    `json:"type"`
	Mode string    `json:"mode"`
}

type imageContent struct {
	Src     string `json:"src"`
	Caption string `json:"caption,omitempty"`
}

type imagePane struct {
	Content imageContent `json:"content"`
	Type    string       `json:"type"`
}

type event struct {
	Data   any            `json:"data"`
	Layout map[string]any `json:"layout,omitempty"`
	Opts   map[string]any `json:"opts,omitempty"`
	Win    string         `json:"win"`
	Eid    string         `json:"eid"`
}

// Line draws the series in window win.
func (c *Client) Line(ctx context.Context, win, title string, series ...Series) error {
	traces := make([]trace, 0, len(series))
	for _, s := range series {
		if len(s.X) != len(s.Y) {
			return errors.Errorf("series %q has %d x values and %d y values", s.Name, len(s.X), len(s.Y))
		}
		traces = append(traces, trace{X: s.X, Y: s.Y, Name: s.Name, Type: "scatter", Mode: "lines"})
	}
	return c.post(ctx, &event{
		Data:   traces,
		Layout: map[string]any{"title": title, "showlegend": true},
		Opts:   map[string]any{"title": title},
		Win:    win,
		Eid:    c.env,
	})
}

// Image draws img, PNG encoded, in window win.
func (c *Client) Image(ctx context.Context, win, caption string, img image.Image) error {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return errors.Wrap(err, "failed to encode dashboard image")
	}
	src := "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
	return c.post(ctx, &event{
		Data: []imagePane{{Content: imageContent{Src: src, Caption: caption}, Type: "image"}},
		Opts: map[string]any{"caption": caption},
		Win:  win,
		Eid:  c.env,
	})
}

func (c *Client) post(ctx context.Context, ev *event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "failed to encode dashboard event")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.server+"/events", bytes.NewReader(body))
	if err != nil {
		return errors.Wrapf(err, "invalid dashboard server %q", c.server)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "failed to post to dashboard %q", c.server)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("dashboard %q window %q: %s", c.server, ev.Win, resp.Status)
	}
	return nil
}
