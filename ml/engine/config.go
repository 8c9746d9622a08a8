// Copyright 2025 The SATNet Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"

	"github.com/pkg/errors"
)

// Config of the training engine. Create it with DefaultConfig and change the fields as needed.
//
// The mapstructure tags are the keys used in configuration files.
type Config struct {
	// BatchSize is the number of stereo samples per batch: the model sees 2*BatchSize images.
	BatchSize int `mapstructure:"batch_size"`

	// Workers is the number of goroutines loading batches ahead of time.
	Workers int `mapstructure:"workers"`

	// Evaluate only runs one validation pass and returns.
	Evaluate bool `mapstructure:"evaluate"`

	// StartEpoch is overwritten when resuming from a checkpoint.
	StartEpoch int `mapstructure:"start_epoch"`
	MaxEpochs  int `mapstructure:"max_epochs"`

	// EpochStep lists the epochs at whose start the learning rate is multiplied by 0.1.
	EpochStep []int `mapstructure:"epoch_step"`

	// SaveIter saves a checkpoint every SaveIter training iterations within an epoch. 0 disables it.
	SaveIter int `mapstructure:"save_iter"`

	// PrintFreq is the number of iterations between progress lines. 0 disables them.
	PrintFreq int `mapstructure:"print_freq"`

	// ImageDashboardIters is the number of iterations between label images pushed to the dashboard.
	// If 0, PrintFreq is used.
	ImageDashboardIters int `mapstructure:"image_dashboard_iters"`

	// Resume is the path of a checkpoint to resume from. If the file doesn't exist training starts
	// from scratch.
	Resume string `mapstructure:"resume"`

	// SaveModelPath is the directory where checkpoints are saved. Defaults to the current directory.
	SaveModelPath string `mapstructure:"save_model_path"`

	// KeepCheckpoints is the number of numbered per-epoch checkpoints to keep, -1 keeps all.
	KeepCheckpoints int `mapstructure:"keep_checkpoints"`

	NumClasses int `mapstructure:"num_classes"`

	// Quiet disables the progress and epoch summary log lines.
	Quiet bool `mapstructure:"quiet"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:       1,
		Workers:         2,
		StartEpoch:      0,
		MaxEpochs:       80,
		EpochStep:       []int{},
		SaveIter:        300,
		PrintFreq:       1,
		KeepCheckpoints: -1,
		NumClasses:      12,
	}
}

// ImageIters returns the effective number of iterations between dashboard images.
func (c *Config) ImageIters() int {
	if c.ImageDashboardIters == 0 {
		return c.PrintFreq
	}
	return c.ImageDashboardIters
}

// CheckpointDir returns the directory for checkpoints.
func (c *Config) CheckpointDir() string {
	if c.SaveModelPath == "" {
		return "."
	}
	return c.SaveModelPath
}

// Validate returns an error if the configuration is invalid.
func (c *Config) Validate() error {
	switch {
	case c.BatchSize <= 0:
		return errors.Errorf("invalid batch_size %d, it must be > 0", c.BatchSize)
	case c.Workers < 0:
		return errors.Errorf("invalid workers %d, it must be >= 0", c.Workers)
	case c.StartEpoch < 0:
		return errors.Errorf("invalid start_epoch %d", c.StartEpoch)
	case c.MaxEpochs < 0:
		return errors.Errorf("invalid max_epochs %d", c.MaxEpochs)
	case c.SaveIter < 0:
		return errors.Errorf("invalid save_iter %d, use 0 to disable", c.SaveIter)
	case c.PrintFreq < 0:
		return errors.Errorf("invalid print_freq %d, use 0 to disable", c.PrintFreq)
	case c.ImageDashboardIters < 0:
		return errors.Errorf("invalid image_dashboard_iters %d", c.ImageDashboardIters)
	case c.NumClasses < 2:
		return errors.Errorf("invalid num_classes %d, it must be >= 2", c.NumClasses)
	}
	return nil
}

// String implements fmt.Stringer.
func (c Config) String() string {
	return fmt.Sprintf("batch_size=%d, workers=%d, epochs=[%d, %d), epoch_step=%v, save_iter=%d, print_freq=%d, save_model_path=%q",
		c.BatchSize, c.Workers, c.StartEpoch, c.MaxEpochs, c.EpochStep, c.SaveIter, c.PrintFreq, c.CheckpointDir())
}
