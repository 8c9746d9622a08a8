// Copyright 2025 The SATNet Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/MrLinNing/SATNet/ml/data"
	"github.com/MrLinNing/SATNet/ml/data/imagepairs"
	"github.com/MrLinNing/SATNet/ml/engine"
	"github.com/MrLinNing/SATNet/ml/history"
	"github.com/MrLinNing/SATNet/models/satnet"
	"github.com/MrLinNing/SATNet/ui/commandline"
	"github.com/MrLinNing/SATNet/ui/dashboard"
	"github.com/MrLinNing/SATNet/ui/plots"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func newTrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train SATNet",
		Long: `Train SATNet on the samples of data.train_list, validating on data.val_list after
each epoch. Checkpoints are saved to save_model_path: checkpoint after every
training and validation pass, checkpoint_<epoch> per epoch, and model_best
whenever the validation accuracy improves.

Example:
  satnet train --config train.yaml
  satnet train --config train.yaml --resume checkpoints/checkpoint
  satnet train --train-list train.txt --val-list val.txt --set "learning_rate=0.0005;optimizer=sgd"`,
		Args: cobra.NoArgs,
		RunE: runTrain,
	}
	addCommonFlags(cmd)
	flags := cmd.Flags()
	flags.Int("max-epochs", 0, "Number of epochs to train.")
	flags.Bool("evaluate", false, "Only run one validation pass.")
	flags.String("resume", "", "Checkpoint to resume training from.")
	flags.String("save-path", "", "Directory where checkpoints are saved.")
	flags.Int("print-freq", 0, "Number of iterations between progress lines.")
	flags.String("train-list", "", "Sample list of the training set.")
	flags.String("val-list", "", "Sample list of the validation set.")
	flags.String("dashboard", "", "Visdom server, e.g. "+dashboard.DefaultServer+". Empty disables the dashboard.")
	flags.String("history", "", "SQLite database recording the run history.")
	flags.Bool("progressbar", false, "Display a progress bar instead of the per-batch log lines.")
	return cmd
}

// addCommonFlags adds the flags shared by train and infer.
func addCommonFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.Int("batch-size", 0, "Number of samples (stereo pairs) per batch.")
	flags.Int("workers", 0, "Number of parallel data loading workers.")
	flags.String("data-root", "", "Directory the paths in the sample lists are relative to.")
	flags.StringVar(&modelSettings, "set", "", commandline.SettingsUsage(satnet.DefaultParams))
}

func runTrain(cmd *cobra.Command, _ []string) error {
	settings, err := loadSettings(configFile, cmd.Flags())
	if err != nil {
		return err
	}
	cfg := settings.Engine
	if settings.Data.ValList == "" || (settings.Data.TrainList == "" && !cfg.Evaluate) {
		return errors.New("data.train_list and data.val_list (or --train-list and --val-list) are required")
	}
	params, err := settings.ModelParams(modelSettings)
	if err != nil {
		return err
	}
	klog.V(1).Infof("model hyperparameters:\n%s", commandline.SprintSettings(params))

	model := must.M1(satnet.New(backends.MustNew(), params))
	if settings.Pretrained.Color != "" {
		must.M(model.LoadBranch(satnet.ColorScope, settings.Pretrained.Color))
	}
	if settings.Pretrained.Depth != "" {
		must.M(model.LoadBranch(satnet.DepthScope, settings.Pretrained.Depth))
	}

	var train *data.Loader
	if settings.Data.TrainList != "" {
		src, err := imagepairs.Open(settings.Data.TrainList, settings.ImagesConfig())
		if err != nil {
			return err
		}
		train = data.NewLoader(src, cfg.BatchSize).Shuffle(true).Workers(cfg.Workers).Done()
		defer train.Close()
	}
	valSrc, err := imagepairs.Open(settings.Data.ValList, settings.ImagesConfig())
	if err != nil {
		return err
	}
	val := data.NewLoader(valSrc, cfg.BatchSize).Workers(cfg.Workers).Done()
	defer val.Close()

	if settings.ProgressBar {
		cfg.Quiet = true
	}
	e, err := engine.New(cfg)
	if err != nil {
		return err
	}
	if settings.ProgressBar {
		commandline.AttachProgressBar(e)
	}
	commandline.AttachEpochReport(e)
	if settings.Plots && !cfg.Evaluate {
		collector, err := plots.Attach(e, cfg.CheckpointDir())
		if err != nil {
			return err
		}
		defer func() {
			if err := collector.Close(); err != nil {
				klog.Errorf("failed to save plot points: %+v", err)
			}
		}()
	}
	if settings.Dashboard.Server != "" {
		client := dashboard.NewClient(settings.Dashboard.Server, settings.Dashboard.Env)
		dashboard.Attach(e, client, dashboard.ConfigFrom(cfg))
		klog.Infof("dashboard at %s, environment %q", settings.Dashboard.Server, client.Env())
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if settings.History != "" && !cfg.Evaluate {
		store, err := history.Open(settings.History)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
		runID, err := store.NewRun(ctx, model.Arch(), settings)
		if err != nil {
			return err
		}
		history.Attach(e, store, runID)
		klog.Infof("recording run %s in %q", runID, settings.History)
	}

	var trainDS data.Dataset
	if train != nil {
		trainDS = train
	}
	return e.Learn(ctx, model, trainDS, val)
}
