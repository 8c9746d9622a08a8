// Copyright 2025 The SATNet Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/MrLinNing/SATNet/ml/data/imagepairs"
	"github.com/MrLinNing/SATNet/ml/engine"
	"github.com/MrLinNing/SATNet/models/satnet"
	"github.com/MrLinNing/SATNet/ui/commandline"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// envPrefix of the environment variables overriding the settings: SATNET_BATCH_SIZE, SATNET_DATA_ROOT...
const envPrefix = "SATNET"

// Settings of a satnet run, read from the config file, the environment and the flags.
type Settings struct {
	Engine engine.Config `mapstructure:",squash"`

	Data DataSettings `mapstructure:"data"`

	// Model hyperparameters, see satnet.DefaultParams.
	Model map[string]any `mapstructure:"model"`

	// Pretrained branch checkpoints loaded before training.
	Pretrained struct {
		Color string `mapstructure:"color"`
		Depth string `mapstructure:"depth"`
	} `mapstructure:"pretrained"`

	Dashboard struct {
		// Server of the Visdom dashboard. Empty disables it.
		Server string `mapstructure:"server"`
		Env    string `mapstructure:"env"`
	} `mapstructure:"dashboard"`

	// History is the SQLite database recording each epoch. Empty disables it.
	History string `mapstructure:"history"`

	// Plots saves the metrics and renders charts into the checkpoint directory.
	Plots bool `mapstructure:"plots"`

	// ProgressBar replaces the per-batch log lines by a progress bar.
	ProgressBar bool `mapstructure:"progress_bar"`
}

// DataSettings locate and shape the images.
type DataSettings struct {
	TrainList string `mapstructure:"train_list"`
	ValList   string `mapstructure:"val_list"`
	TestList  string `mapstructure:"test_list"`

	// Root the list paths are relative to. Defaults to the directory of each list.
	Root string `mapstructure:"root"`

	Height     int     `mapstructure:"height"`
	Width      int     `mapstructure:"width"`
	DepthScale float64 `mapstructure:"depth_scale"`
}

// defaults of all settings, by key.
func defaults() map[string]any {
	cfg := engine.DefaultConfig()
	images := imagepairs.DefaultConfig()
	values := map[string]any{
		"batch_size":            cfg.BatchSize,
		"workers":               cfg.Workers,
		"evaluate":              cfg.Evaluate,
		"start_epoch":           cfg.StartEpoch,
		"max_epochs":            cfg.MaxEpochs,
		"epoch_step":            cfg.EpochStep,
		"save_iter":             cfg.SaveIter,
		"print_freq":            cfg.PrintFreq,
		"image_dashboard_iters": cfg.ImageDashboardIters,
		"resume":                cfg.Resume,
		"save_model_path":       cfg.SaveModelPath,
		"keep_checkpoints":      cfg.KeepCheckpoints,
		"num_classes":           cfg.NumClasses,
		"quiet":                 cfg.Quiet,
		"data.train_list":       "",
		"data.val_list":         "",
		"data.test_list":        "",
		"data.root":             "",
		"data.height":           images.Height,
		"data.width":            images.Width,
		"data.depth_scale":      images.DepthScale,
		"pretrained.color":      "",
		"pretrained.depth":      "",
		"dashboard.server":      "",
		"dashboard.env":         "",
		"history":               "",
		"plots":                 true,
		"progress_bar":          false,
	}
	for key, value := range satnet.DefaultParams {
		values["model."+key] = value
	}
	return values
}

// flagKeys maps command line flags to the settings they override.
var flagKeys = map[string]string{
	"batch-size":  "batch_size",
	"workers":     "workers",
	"evaluate":    "evaluate",
	"max-epochs":  "max_epochs",
	"resume":      "resume",
	"save-path":   "save_model_path",
	"print-freq":  "print_freq",
	"train-list":  "data.train_list",
	"val-list":    "data.val_list",
	"test-list":   "data.test_list",
	"data-root":   "data.root",
	"dashboard":   "dashboard.server",
	"history":     "history",
	"progressbar": "progress_bar",
}

// loadSettings reads the settings from the config file (if not empty), SATNET_* environment
// variables and the flags set, in increasing order of priority.
func loadSettings(configPath string, flags *pflag.FlagSet) (*Settings, error) {
	v := viper.New()
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config %q", configPath)
		}
	}
	if flags != nil {
		for flagName, key := range flagKeys {
			if f := flags.Lookup(flagName); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, errors.Wrapf(err, "flag --%s", flagName)
				}
			}
		}
	}
	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, errors.Wrap(err, "invalid settings")
	}
	if err := settings.Engine.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// ModelParams returns the model hyperparameters: the defaults, overridden by the settings and then
// by extra, in the "param=value;..." format of commandline.ParseSettings.
//
// The number of classes always follows the engine configuration.
func (s *Settings) ModelParams(extra string) (map[string]any, error) {
	params := maps.Clone(satnet.DefaultParams)
	// Values from YAML or the environment may have a different type (e.g. "1" for a float), so
	// they go through the same parser as the flag.
	parts := make([]string, 0, len(s.Model))
	for _, key := range slices.Sorted(maps.Keys(s.Model)) {
		parts = append(parts, fmt.Sprintf("%s=%v", key, s.Model[key]))
	}
	if _, err := commandline.ParseSettings(params, strings.Join(parts, ";")); err != nil {
		return nil, errors.WithMessage(err, "invalid model settings")
	}
	if _, err := commandline.ParseSettings(params, extra); err != nil {
		return nil, errors.WithMessage(err, "invalid --set")
	}
	params[satnet.ParamNumClasses] = s.Engine.NumClasses
	return params, nil
}

// ImagesConfig returns the configuration of the image reader.
func (s *Settings) ImagesConfig() imagepairs.Config {
	cfg := imagepairs.DefaultConfig()
	cfg.Root = s.Data.Root
	cfg.Height = s.Data.Height
	cfg.Width = s.Data.Width
	cfg.DepthScale = s.Data.DepthScale
	cfg.NumClasses = s.Engine.NumClasses
	return cfg
}
