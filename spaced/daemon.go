// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package spaced runs a space as a dæmon: it brings the packages Up, opens
// the space the configuration describes, optionally serves its statistics
// to Prometheus, and checkpoints and closes it on exit.
package spaced

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/NVIDIA/spacestore/bucketstats"
	"github.com/NVIDIA/spacestore/conf"
	"github.com/NVIDIA/spacestore/logger"
	"github.com/NVIDIA/spacestore/space"
	"github.com/NVIDIA/spacestore/statsexport"
	"github.com/NVIDIA/spacestore/statslogger"
	"github.com/NVIDIA/spacestore/transitions"
)

// Daemon is launched as a goroutine. During startup, the parent should read
// errChan to await Daemon getting to the point where it is ready to handle
// the specified signal set. Any errors encountered before or after this
// point will be sent to errChan (and be non-nil of course).
func Daemon(confFile string, confStrings []string, errChan chan error, wg *sync.WaitGroup, execArgs []string, signals ...os.Signal) {
	var (
		confMap        conf.ConfMap
		err            error
		metricsServer  *http.Server
		signalReceived os.Signal
		sp             *space.Space
	)

	confMap, err = loadConfMap(confFile, confStrings)
	if nil != err {
		errChan <- err
		return
	}

	// Note: signalChan must be buffered to avoid race with window between
	// arming handler and blocking on the chan read when signals might
	// otherwise be lost.
	signalChan := make(chan os.Signal, 16)

	// if signals is empty it means "catch all signals" it is possible to catch
	signal.Notify(signalChan, signals...)
	defer signal.Stop(signalChan)

	err = transitions.Up(confMap)
	if nil != err {
		errChan <- err
		return
	}

	config, err := space.ConfigFromConfMap(confMap)
	if nil == err {
		sp, err = space.Open(config)
	}
	if nil != err {
		logger.ErrorfWithError(err, "spaced unable to open space")
		_ = transitions.Down(confMap)
		errChan <- err
		return
	}

	if "" != config.MetricsAddr {
		metricsServer, err = serveMetrics(config.MetricsAddr)
		if nil != err {
			_ = sp.Close()
			_ = transitions.Down(confMap)
			errChan <- err
			return
		}
	}

	wg.Add(1)
	logger.Infof("spaced is starting up (PID %d); invoked as '%s'", os.Getpid(), strings.Join(execArgs, "' '"))
	defer func() {
		logger.Infof("spaced is shutting down (PID %d)", os.Getpid())

		if nil != metricsServer {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = metricsServer.Shutdown(ctx)
			cancel()
		}

		err = sp.Close()
		if nil != err {
			logger.ErrorfWithError(err, "space %s close failed", config.Name)
		}

		downErr := transitions.Down(confMap)
		if nil != downErr {
			logger.Errorf("transitions.Down() failed: %v", downErr)
			if nil == err {
				err = downErr
			}
		}

		errChan <- err
		wg.Done()
	}()

	// indicate the space is open and signal handlers have been armed successfully
	errChan <- nil

	// Await a signal - reloading confFile each SIGHUP - exiting otherwise
	for {
		signalReceived = <-signalChan
		logger.Infof("Received signal: '%v'", signalReceived)

		if signalReceived == unix.SIGCHLD || signalReceived == unix.SIGURG ||
			signalReceived == unix.SIGWINCH || signalReceived == unix.SIGCONT ||
			signalReceived == unix.SIGPIPE {
			logger.Infof("Ignored signal: '%v'", signalReceived)
			continue
		}

		// SIGHUP means reconfig but any other signal means time to exit
		if unix.SIGHUP != signalReceived {
			if signalReceived != unix.SIGTERM && signalReceived != unix.SIGINT {
				logger.Errorf("spaced received unexpected signal: %v", signalReceived)
			}
			return
		}

		confMap, err = loadConfMap(confFile, confStrings)
		if nil != err {
			logger.ErrorfWithError(err, "spaced failed to reload config; keeping the current one")
			continue
		}

		err = transitions.Signaled(confMap)
		if nil != err {
			logger.ErrorfWithError(err, "transitions.Signaled() failed")
		}

		statslogger.LogStats()
	}
}

// Stats opens the configured space, writes every statistic to writer and
// closes it again.
func Stats(confFile string, confStrings []string, writer io.Writer) (err error) {
	confMap, err := loadConfMap(confFile, confStrings)
	if nil != err {
		return
	}

	err = transitions.Up(confMap)
	if nil != err {
		return
	}
	defer func() {
		downErr := transitions.Down(confMap)
		if nil == err {
			err = downErr
		}
	}()

	config, err := space.ConfigFromConfMap(confMap)
	if nil != err {
		return
	}

	sp, err := space.Open(config)
	if nil != err {
		return
	}

	_, err = fmt.Fprintf(writer, "space %s: %d entries\n%s", sp.Name(), sp.Len(),
		bucketstats.SprintStats(bucketstats.StatFormatParsable1, "*", "*"))

	closeErr := sp.Close()
	if nil == err {
		err = closeErr
	}

	return
}

func loadConfMap(confFile string, confStrings []string) (confMap conf.ConfMap, err error) {
	confMap, err = conf.MakeConfMapFromFile(confFile)
	if nil != err {
		return
	}

	err = confMap.UpdateFromStrings(confStrings)

	return
}

func serveMetrics(addr string) (server *http.Server, err error) {
	handler, err := statsexport.Handler(statsexport.New("spacestore"))
	if nil != err {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	listener, err := net.Listen("tcp", addr)
	if nil != err {
		logger.ErrorfWithError(err, "spaced unable to listen on %s", addr)
		return
	}

	server = &http.Server{Handler: mux}

	go func() {
		serveErr := server.Serve(listener)
		if http.ErrServerClosed != serveErr {
			logger.ErrorfWithError(serveErr, "spaced metrics server on %s failed", addr)
		}
	}()

	logger.Infof("spaced serving metrics on %s/metrics", listener.Addr())

	return
}
