// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"github.com/spf13/cobra"

	"github.com/NVIDIA/spacestore/spaced"
)

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats <conf-file> [Section.Option=value ...]",
	Short: "Open the configured space, recovering it if needed, and print its statistics",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return spaced.Stats(args[0], args[1:], cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
