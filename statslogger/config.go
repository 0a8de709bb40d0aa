// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package statslogger periodically logs every registered bucketstats
// statistic along with the Go runtime's memory figures.
package statslogger

import (
	"time"

	"github.com/NVIDIA/spacestore/conf"
	"github.com/NVIDIA/spacestore/logger"
	"github.com/NVIDIA/spacestore/transitions"
)

type globalsStruct struct {
	collectTicker  *time.Ticker
	logTicker      *time.Ticker
	stopChan       chan bool     // time to shutdown and go home
	doneChan       chan bool     // shutdown complete
	statsLogPeriod time.Duration // time between statistics logging; 0 disables
	logged         uint64        // number of dumps written, for tests
}

var globals globalsStruct

func init() {
	transitions.Register("statslogger", &globals)
}

func parseConfMap(confMap conf.ConfMap) (err error) {
	if _, ok := confMap["StatsLogger"]["Period"]; !ok {
		globals.statsLogPeriod = 10 * time.Minute
		return
	}

	globals.statsLogPeriod, err = confMap.FetchOptionValueDuration("StatsLogger", "Period")
	if nil != err {
		logger.Warnf("config variable 'StatsLogger.Period' defaulting to '10m': %v", err)
		globals.statsLogPeriod = 10 * time.Minute
		err = nil
	}

	if (globals.statsLogPeriod < time.Second) && (0 != globals.statsLogPeriod) {
		logger.Warnf("config variable 'StatsLogger.Period' value is non-zero and less than 1 sec; defaulting to '10m'")
		globals.statsLogPeriod = 10 * time.Minute
	}

	return
}

func (dummy *globalsStruct) Up(confMap conf.ConfMap) (err error) {
	err = parseConfMap(confMap)
	if nil != err {
		return
	}

	if 0 == globals.statsLogPeriod {
		return
	}

	globals.collectTicker = time.NewTicker(time.Second)
	globals.logTicker = time.NewTicker(globals.statsLogPeriod)
	globals.stopChan = make(chan bool)
	globals.doneChan = make(chan bool)

	go statsLogger(globals.collectTicker.C, globals.logTicker.C, globals.stopChan, globals.doneChan)

	return
}

// Signaled restarts the logger if the period changed.
func (dummy *globalsStruct) Signaled(confMap conf.ConfMap) (err error) {
	oldLogPeriod := globals.statsLogPeriod

	err = parseConfMap(confMap)
	if nil != err {
		return
	}

	if globals.statsLogPeriod == oldLogPeriod {
		return
	}

	logger.Infof("statslogger log period changing from %v to %v", oldLogPeriod, globals.statsLogPeriod)

	stop(oldLogPeriod)

	err = dummy.Up(confMap)

	return
}

func (dummy *globalsStruct) Down(confMap conf.ConfMap) (err error) {
	stop(globals.statsLogPeriod)
	globals.statsLogPeriod = 0
	return
}

func stop(period time.Duration) {
	if 0 == period {
		return
	}

	globals.stopChan <- true
	<-globals.doneChan
	globals.collectTicker.Stop()
	globals.logTicker.Stop()
}
