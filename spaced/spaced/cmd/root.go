// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:          "spaced",
	Short:        "Serve and inspect a persistent tuple space",
	SilenceUsage: true,
}

// Execute runs the subcommand named on the command line.
func Execute() error {
	return rootCmd.Execute()
}
