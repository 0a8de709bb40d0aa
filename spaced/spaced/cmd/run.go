// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"log/syslog"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/NVIDIA/spacestore/spaced"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run <conf-file> [Section.Option=value ...]",
	Short: "Open the configured space and serve it until SIGINT or SIGTERM",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRunE,
}

func runRunE(cmd *cobra.Command, args []string) (err error) {
	errChan := make(chan error, 1) // Must be buffered to avoid race
	var wg sync.WaitGroup

	syslogger, syslogErr := syslog.Dial("", "", syslog.LOG_DAEMON, "spaced")
	if nil != syslogErr {
		fmt.Fprintf(os.Stderr, "spaced: syslog.Dial() failed: %v\n", syslogErr)
		syslogger = nil
	} else {
		syslogger.Info("starting up: calling Daemon()")
	}

	// empty signal list (final argument) means "catch all signals" its possible to catch
	go spaced.Daemon(args[0], args[1:], errChan, &wg, os.Args)

	// first receive reports startup, the second the outcome of shutdown
	err = <-errChan
	if nil == err {
		err = <-errChan
	}

	if nil != syslogger {
		if nil == err {
			syslogger.Info("shutting down: Daemon() finished")
		} else {
			syslogger.Err(fmt.Sprintf("shutting down: Daemon() returned error: %v", err))
		}
	}

	wg.Wait() // wait for services to go Down()

	if nil != err {
		fmt.Fprintf(os.Stderr, "spaced: Daemon(): returned error: %v\n", err) // Can't use logger.*() as it's not currently "up"
	}

	return
}

func init() {
	rootCmd.AddCommand(runCmd)
}
