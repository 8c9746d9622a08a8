// Copyright 2025 The SATNet Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/MrLinNing/SATNet/ml/checkpoints"
	"github.com/MrLinNing/SATNet/ml/data"
	"github.com/MrLinNing/SATNet/ml/data/imagepairs"
	"github.com/MrLinNing/SATNet/ml/inference"
	"github.com/MrLinNing/SATNet/models/satnet"
	"github.com/gomlx/gomlx/backends"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// Inference defaults.
const (
	DefaultInferBatchSize = 4
	DefaultOutput         = "results/result.hdf5"
)

func newInferCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "infer",
		Short: "Write the class probabilities of a test set to HDF5",
		Long: `Infer loads a trained checkpoint, predicts every image of data.test_list (each
view of a stereo pair is one image), and writes the per-pixel class probabilities
to the HDF5 dataset "result", shaped [images, classes, height, width].

Example:
  satnet infer --config train.yaml --checkpoint checkpoints/model_best --test-list test.txt`,
		Args: cobra.NoArgs,
		RunE: runInfer,
	}
	addCommonFlags(cmd)
	flags := cmd.Flags()
	flags.String("checkpoint", checkpoints.BestName, "Checkpoint with the trained model.")
	flags.String("test-list", "", "Sample list of the test set.")
	flags.String("output", DefaultOutput, "HDF5 file to write.")
	return cmd
}

func runInfer(cmd *cobra.Command, _ []string) error {
	settings, err := loadSettings(configFile, cmd.Flags())
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	checkpointPath := must.M1(flags.GetString("checkpoint"))
	output := must.M1(flags.GetString("output"))
	batchSize := DefaultInferBatchSize
	if flags.Changed("batch-size") {
		batchSize = settings.Engine.BatchSize
	}
	if settings.Data.TestList == "" {
		return errors.New("data.test_list (or --test-list) is required")
	}

	ckpt, err := readCheckpoint(checkpointPath)
	if err != nil {
		return err
	}
	params, err := settings.ModelParams(modelSettings)
	if err != nil {
		return err
	}
	model := must.M1(satnet.New(backends.MustNew(), params))
	if err := ckpt.LoadInto(model.Context()); err != nil {
		return err
	}
	klog.Infof("=> loaded checkpoint '%s' (epoch %d, best accuracy %.4f)", checkpointPath, ckpt.Epoch, ckpt.BestScore)

	src, err := imagepairs.Open(settings.Data.TestList, settings.ImagesConfig())
	if err != nil {
		return err
	}
	loader := data.NewLoader(src, batchSize).Workers(settings.Engine.Workers).Done()
	defer loader.Close()

	writer, err := inference.CreateHDF5(output)
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	dims, err := inference.Run(ctx, model, loader, writer)
	if closeErr := writer.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	klog.Infof("wrote %q %v to %q", inference.DatasetName, dims, output)
	return nil
}

// readCheckpoint reads the trained SATNet checkpoint at path.
func readCheckpoint(path string) (*checkpoints.Checkpoint, error) {
	found, err := data.FileExists(path)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.Errorf("=> no checkpoint found at '%s'", path)
	}
	ckpt, err := checkpoints.Read(path)
	if err != nil {
		return nil, err
	}
	if ckpt.Arch != satnet.Arch {
		return nil, errors.Errorf("checkpoint %q has architecture %q, expected %q", path, ckpt.Arch, satnet.Arch)
	}
	return ckpt, nil
}
