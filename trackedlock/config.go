// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package trackedlock

import (
	"sync/atomic"
	"time"

	"github.com/NVIDIA/spacestore/conf"
	"github.com/NVIDIA/spacestore/logger"
	"github.com/NVIDIA/spacestore/transitions"
)

func init() {
	transitions.Register("trackedlock", &globals)
}

func parseConfMap(confMap conf.ConfMap) (lockHoldTimeLimit time.Duration, lockCheckPeriod time.Duration) {
	var (
		err error
	)

	lockHoldTimeLimit, err = confMap.FetchOptionValueDuration("TrackedLock", "LockHoldTimeLimit")
	if nil != err {
		lockHoldTimeLimit = 0
	}

	// lockHoldTimeLimit must be >= 1 sec or 0
	if (lockHoldTimeLimit < time.Second) && (0 != lockHoldTimeLimit) {
		logger.Warnf("config variable 'TrackedLock.LockHoldTimeLimit' value less than 1 sec; defaulting to '40s'")
		lockHoldTimeLimit = 40 * time.Second
	}

	lockCheckPeriod, err = confMap.FetchOptionValueDuration("TrackedLock", "LockCheckPeriod")
	if nil != err {
		lockCheckPeriod = 0
	}

	// lockCheckPeriod must be >= 1 sec or 0
	if (lockCheckPeriod < time.Second) && (0 != lockCheckPeriod) {
		logger.Warnf("config variable 'TrackedLock.LockCheckPeriod' value less than 1 sec; defaulting to '20s'")
		lockCheckPeriod = 20 * time.Second
	}

	return
}

// Up starts tracking (and the watcher) per the TrackedLock section.
func (dummy *globalsStruct) Up(confMap conf.ConfMap) (err error) {
	lockHoldTimeLimit, lockCheckPeriod := parseConfMap(confMap)

	logger.Infof("trackedlock.Up(): LockHoldTimeLimit %v LockCheckPeriod %v", lockHoldTimeLimit, lockCheckPeriod)

	globals.lockWatcherLocksLogged = 16

	startTracking(lockHoldTimeLimit, lockCheckPeriod)

	return
}

// Signaled restarts tracking if either setting changed.
func (dummy *globalsStruct) Signaled(confMap conf.ConfMap) (err error) {
	lockHoldTimeLimit, lockCheckPeriod := parseConfMap(confMap)

	if (lockHoldTimeLimit == holdTimeLimit()) && (lockCheckPeriod == checkPeriod()) {
		return
	}

	logger.Infof("trackedlock lock hold time limit/lock check period changing from %v/%v to %v/%v",
		holdTimeLimit(), checkPeriod(), lockHoldTimeLimit, lockCheckPeriod)

	stopTracking()
	startTracking(lockHoldTimeLimit, lockCheckPeriod)

	return
}

func (dummy *globalsStruct) Down(confMap conf.ConfMap) (err error) {
	logger.Infof("trackedlock.Down() called")

	stopTracking()

	return
}

func startTracking(lockHoldTimeLimit time.Duration, lockCheckPeriod time.Duration) {
	globals.mapMutex.Lock()
	globals.heldMap = make(map[*mutexTrack]interface{})
	globals.mapMutex.Unlock()

	atomic.StoreInt64(&globals.lockHoldTimeLimit, int64(lockHoldTimeLimit))
	atomic.StoreInt64(&globals.lockCheckPeriod, int64(lockCheckPeriod))

	if (0 == lockCheckPeriod) || (0 == lockHoldTimeLimit) {
		return
	}

	globals.lockCheckTicker = time.NewTicker(lockCheckPeriod)
	globals.stopChan = make(chan struct{})
	globals.doneChan = make(chan struct{})

	go lockWatcher(globals.lockCheckTicker.C, globals.stopChan, globals.doneChan)
}

func stopTracking() {
	if nil != globals.lockCheckTicker {
		globals.lockCheckTicker.Stop()
		globals.lockCheckTicker = nil
		close(globals.stopChan)
		<-globals.doneChan
	}

	atomic.StoreInt64(&globals.lockHoldTimeLimit, 0)
	atomic.StoreInt64(&globals.lockCheckPeriod, 0)

	globals.mapMutex.Lock()
	globals.heldMap = nil
	globals.mapMutex.Unlock()
}
