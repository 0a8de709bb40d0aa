// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package statslogger

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/spacestore/bucketstats"
	"github.com/NVIDIA/spacestore/logger"
)

// goroutineLevel summarizes the goroutine counts seen since it was reset.
type goroutineLevel struct {
	low     int
	high    int
	sum     int
	samples int
}

func (level *goroutineLevel) sample() {
	n := runtime.NumGoroutine()
	if (0 == level.samples) || (n < level.low) {
		level.low = n
	}
	if n > level.high {
		level.high = n
	}
	level.sum += n
	level.samples++
}

// String renders the level as "low/mean/high over N samples".
func (level *goroutineLevel) String() string {
	mean := 0
	if 0 < level.samples {
		mean = level.sum / level.samples
	}
	return fmt.Sprintf("%d/%d/%d over %d samples", level.low, mean, level.high, level.samples)
}

// LogStats writes one dump of every statistic, plus memory use, to the log.
func LogStats() {
	level := &goroutineLevel{}
	level.sample()
	logStats(level)
}

func logStats(goroutines *goroutineLevel) {
	var memStats runtime.MemStats

	runtime.ReadMemStats(&memStats)

	logger.Infof("statslogger: HeapAlloc %d HeapInuse %d Sys %d NumGC %d Goroutines low/mean/high %v\n%s",
		memStats.HeapAlloc, memStats.HeapInuse, memStats.Sys, memStats.NumGC, goroutines,
		bucketstats.SprintStats(bucketstats.StatFormatParsable1, "*", "*"))

	atomic.AddUint64(&globals.logged, 1)
}

// statsLogger samples the goroutine count every collect tick and logs
// everything every log tick.
func statsLogger(collectChan <-chan time.Time, logChan <-chan time.Time, stopChan chan bool, doneChan chan bool) {
	goroutines := &goroutineLevel{}
	goroutines.sample()

	for {
		select {
		case <-collectChan:
			goroutines.sample()
		case <-logChan:
			logStats(goroutines)
			goroutines = &goroutineLevel{}
			goroutines.sample()
		case <-stopChan:
			// one last dump on the way out
			logStats(goroutines)
			doneChan <- true
			return
		}
	}
}
