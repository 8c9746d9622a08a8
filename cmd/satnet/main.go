// Copyright 2025 The SATNet Authors. SPDX-License-Identifier: Apache-2.0

// satnet trains the fused color and depth segmentation network, runs inference with a trained
// checkpoint and inspects checkpoint directories.
//
// The accelerator is selected with the GOMLX_BACKEND environment variable.
//
// Usage:
//
//	satnet train --config train.yaml
//	satnet infer --config train.yaml --checkpoint model_best --test-list test.txt
//	satnet checkpoints ./checkpoints --history runs.db
package main

import (
	goflag "flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

var (
	// configFile is set by the --config flag.
	configFile string

	// modelSettings is set by the --set flag.
	modelSettings string
)

func main() {
	err := rootCmd.Execute()
	klog.Flush()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "satnet",
	Short: "SATNet semantic segmentation from color and depth",
	Long: `SATNet trains a semantic segmentation network fusing color and depth images,
runs inference with a trained checkpoint writing the class probabilities to HDF5,
and inspects checkpoint directories and run history.`,
	SilenceUsage: true,
}

func init() {
	klog.InitFlags(nil)
	rootCmd.PersistentFlags().AddGoFlagSet(goflag.CommandLine)
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "",
		"YAML config file. Settings can also be given as SATNET_<KEY> environment variables, e.g. SATNET_BATCH_SIZE.")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(newTrainCmd())
	rootCmd.AddCommand(newInferCmd())
	rootCmd.AddCommand(newCheckpointsCmd())
}

// Version of satnet, set at link time with -ldflags "-X main.Version=...".
var Version = "v0.1.0-dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("satnet %s\n", Version)
	},
}
