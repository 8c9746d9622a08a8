// Copyright 2025 The SATNet Authors. SPDX-License-Identifier: Apache-2.0

// Package history keeps a SQLite record of training runs and the results of each of their epochs.
package history

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/MrLinNing/SATNet/ml/engine"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// timeLayout has a fixed width, so stored times sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Run is one invocation of the training.
type Run struct {
	ID        string
	Arch      string
	Config    string
	StartedAt time.Time
}

// Entry holds the results of one epoch.
type Entry struct {
	RunID                 string
	Epoch                 int
	TrainLoss, TrainScore float64
	ValLoss, ValScore     float64
	BestScore             float64
	IsBest                bool
	LearningRate          float64
	RecordedAt            time.Time
}

// String implements fmt.Stringer.
func (e Entry) String() string {
	return fmt.Sprintf("epoch %d: train loss=%.4f score=%.4f, val loss=%.4f score=%.4f, best=%.4f, lr=%g",
		e.Epoch, e.TrainLoss, e.TrainScore, e.ValLoss, e.ValScore, e.BestScore, e.LearningRate)
}

// Store of runs, backed by a SQLite database file.
type Store struct {
	mu  sync.Mutex
	db  *sql.DB
	now func() time.Time
}

// Open the store at path, creating the database and its directory if needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrapf(err, "failed to create directory for history %q", path)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open history %q", path)
	}
	db.SetMaxOpenConns(1)
	if _, err = db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "failed to create history schema in %q", path)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close the store.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, "failed to close history")
	}
	return nil
}

// NewRun registers a new run, storing its configuration as JSON, and returns its id.
func (s *Store) NewRun(ctx context.Context, arch string, config any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfgJSON, err := json.Marshal(config)
	if err != nil {
		return "", errors.Wrap(err, "failed to serialize run configuration")
	}
	id := uuid.New().String()
	_, err = s.db.ExecContext(ctx, `INSERT INTO runs (run_id, arch, config, started_at) VALUES (?, ?, ?, ?)`,
		id, arch, string(cfgJSON), s.now().UTC().Format(timeLayout))
	if err != nil {
		return "", errors.Wrap(err, "failed to insert run")
	}
	return id, nil
}

// RecordEpoch stores the entry, replacing a previous one of the same run and epoch (e.g. when
// an epoch is retrained after resuming).
func (s *Store) RecordEpoch(ctx context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = s.now()
	}
	isBest := 0
	if entry.IsBest {
		isBest = 1
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO epochs
		(run_id, epoch, train_loss, train_score, val_loss, val_score, best_score, is_best, learning_rate, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RunID, entry.Epoch, entry.TrainLoss, entry.TrainScore, entry.ValLoss, entry.ValScore,
		entry.BestScore, isBest, entry.LearningRate, entry.RecordedAt.UTC().Format(timeLayout))
	if err != nil {
		return errors.Wrapf(err, "failed to record epoch %d of run %s", entry.Epoch, entry.RunID)
	}
	return nil
}

// Entries returns the entries of a run, sorted by epoch.
func (s *Store) Entries(ctx context.Context, runID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, epoch, train_loss, train_score, val_loss, val_score,
		best_score, is_best, learning_rate, recorded_at FROM epochs WHERE run_id = ? ORDER BY epoch`, runID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query epochs of run %s", runID)
	}
	defer func() { _ = rows.Close() }()
	var entries []Entry
	for rows.Next() {
		var entry Entry
		var isBest int
		var recordedAt string
		if err = rows.Scan(&entry.RunID, &entry.Epoch, &entry.TrainLoss, &entry.TrainScore, &entry.ValLoss,
			&entry.ValScore, &entry.BestScore, &isBest, &entry.LearningRate, &recordedAt); err != nil {
			return nil, errors.Wrap(err, "failed to read epoch entry")
		}
		entry.IsBest = isBest != 0
		if entry.RecordedAt, err = time.Parse(timeLayout, recordedAt); err != nil {
			return nil, errors.Wrapf(err, "invalid time %q in epoch entry", recordedAt)
		}
		entries = append(entries, entry)
	}
	if err = rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read epoch entries")
	}
	return entries, nil
}

// Runs returns all runs, most recent first.
func (s *Store) Runs(ctx context.Context) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, arch, config, started_at FROM runs ORDER BY started_at DESC, rowid DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query runs")
	}
	defer func() { _ = rows.Close() }()
	var runs []Run
	for rows.Next() {
		var run Run
		var startedAt string
		if err = rows.Scan(&run.ID, &run.Arch, &run.Config, &startedAt); err != nil {
			return nil, errors.Wrap(err, "failed to read run")
		}
		if run.StartedAt, err = time.Parse(timeLayout, startedAt); err != nil {
			return nil, errors.Wrapf(err, "invalid time %q in run", startedAt)
		}
		runs = append(runs, run)
	}
	if err = rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read runs")
	}
	return runs, nil
}

// Attach registers an OnEpochDone hook on the engine that records every epoch in the store
// under runID. Failures to record are logged, not returned: the history never stops a training.
func Attach(e *engine.Engine, store *Store, runID string) {
	e.OnEpochDone("history", 0, func(e *engine.Engine) error {
		s := e.State
		entry := Entry{
			RunID:        runID,
			Epoch:        s.Epoch,
			TrainLoss:    s.Train.Loss,
			TrainScore:   s.Train.Score,
			ValLoss:      s.Validation.Loss,
			ValScore:     s.Validation.Score,
			BestScore:    s.BestScore,
			IsBest:       s.IsBest,
			LearningRate: s.LearningRate,
		}
		if err := store.RecordEpoch(context.Background(), entry); err != nil {
			klog.Errorf("history: %+v", err)
		}
		return nil
	})
}
