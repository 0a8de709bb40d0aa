// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package trackedlock

import (
	"bytes"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/spacestore/logger"
)

type globalsStruct struct {
	lockHoldTimeLimit      int64                       // (time.Duration) locks held longer than this get logged
	lockCheckPeriod        int64                       // (time.Duration) check held locks once each period
	lockWatcherLocksLogged int                         // max overlimit locks logged per lockWatcher() pass
	mapMutex               sync.Mutex                  // protects heldMap
	heldMap                map[*mutexTrack]interface{} // tracked locks currently held -> wrapping lock
	lockCheckTicker        *time.Ticker
	stopChan               chan struct{}
	doneChan               chan struct{}
}

var globals globalsStruct

const stackTraceBufSize = 4040

var stackTraceBufPool = sync.Pool{
	New: func() interface{} {
		return make([]byte, stackTraceBufSize)
	},
}

// mutexTrack is the tracking state for one lock held in exclusive mode.
//
// It is only modified by the goroutine holding the lock; the watcher reads it
// while holding globals.mapMutex, which also covers insertion and removal.
type mutexTrack struct {
	lockTime   time.Time // zero if the current hold is untracked
	lockerGoID uint64
	lockStack  []byte
}

func holdTimeLimit() time.Duration {
	return time.Duration(atomic.LoadInt64(&globals.lockHoldTimeLimit))
}

func checkPeriod() time.Duration {
	return time.Duration(atomic.LoadInt64(&globals.lockCheckPeriod))
}

func (mt *mutexTrack) lockTrack(wrappedLock interface{}) {
	if 0 == holdTimeLimit() {
		return
	}

	stackBuf := stackTraceBufPool.Get().([]byte)
	stack := stackBuf[:runtime.Stack(stackBuf, false)]
	goID := stackTraceToGoID(stack)
	now := time.Now()

	if 0 == checkPeriod() {
		mt.lockStack = stack
		mt.lockerGoID = goID
		mt.lockTime = now
		return
	}

	globals.mapMutex.Lock()
	mt.lockStack = stack
	mt.lockerGoID = goID
	mt.lockTime = now
	if nil != globals.heldMap {
		globals.heldMap[mt] = wrappedLock
	}
	globals.mapMutex.Unlock()
}

func (mt *mutexTrack) unlockTrack(wrappedLock interface{}) {
	if mt.lockTime.IsZero() {
		return
	}

	limit := holdTimeLimit()
	held := time.Since(mt.lockTime)

	if (0 != limit) && (held >= limit) {
		unlockBuf := make([]byte, stackTraceBufSize)
		unlockStack := unlockBuf[:runtime.Stack(unlockBuf, false)]
		logger.Warnf("Unlock(): %T at %p locked for %f sec; stack at call to Lock():\n%s\nstack at Unlock():\n%s",
			wrappedLock, wrappedLock, held.Seconds(), string(mt.lockStack), string(unlockStack))
	}

	globals.mapMutex.Lock()
	if nil != globals.heldMap {
		delete(globals.heldMap, mt)
	}
	stackTraceBufPool.Put(mt.lockStack[:cap(mt.lockStack)])
	mt.lockStack = nil
	mt.lockTime = time.Time{}
	globals.mapMutex.Unlock()
}

func stackTraceToGoID(stack []byte) (goID uint64) {
	stack = bytes.TrimPrefix(stack, []byte("goroutine "))
	if space := bytes.IndexByte(stack, ' '); 0 <= space {
		stack = stack[:space]
	}
	goID, _ = strconv.ParseUint(string(stack), 10, 64)
	return
}

type overLimitLock struct {
	wrappedLock interface{}
	lockTime    time.Time
	lockerGoID  uint64
	lockStack   string
}

// lockWatcher periodically logs locks that have been held too long.
func lockWatcher(ticker <-chan time.Time, stopChan chan struct{}, doneChan chan struct{}) {
	defer close(doneChan)

	for {
		select {
		case <-stopChan:
			return
		case <-ticker:
		}

		limit := holdTimeLimit()
		now := time.Now()
		overLimit := make([]overLimitLock, 0)

		globals.mapMutex.Lock()
		for mt, wrappedLock := range globals.heldMap {
			if !mt.lockTime.IsZero() && (now.Sub(mt.lockTime) >= limit) {
				overLimit = append(overLimit, overLimitLock{wrappedLock, mt.lockTime, mt.lockerGoID, string(mt.lockStack)})
			}
		}
		globals.mapMutex.Unlock()

		sort.Slice(overLimit, func(i, j int) bool { return overLimit[i].lockTime.Before(overLimit[j].lockTime) })

		for i, lock := range overLimit {
			if i >= globals.lockWatcherLocksLogged {
				logger.Warnf("trackedlock watcher: %d more locks over limit not logged", len(overLimit)-i)
				break
			}
			logger.Warnf("trackedlock watcher: %T at %p locked for %f sec by goroutine %d; stack at call to Lock():\n%s",
				lock.wrappedLock, lock.wrappedLock, now.Sub(lock.lockTime).Seconds(), lock.lockerGoID, lock.lockStack)
		}
	}
}
