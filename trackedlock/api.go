// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package trackedlock provides sync.Mutex and sync.RWMutex replacements that
// track lock hold time.
//
// If lock tracking is enabled, a lock held longer than "LockHoldTimeLimit"
// logs a warning at Unlock() with the stack traces of both the Lock() and the
// Unlock(). In addition, a watcher goroutine periodically scans the locks that
// are currently held and logs those held too long, along with the stack trace
// of the goroutine that acquired them.
//
// The config variable "TrackedLock.LockHoldTimeLimit" is the hold time that
// triggers warning messages being logged. If it is 0 then locks are not
// tracked and the overhead of this package is minimal.
//
// The config variable "TrackedLock.LockCheckPeriod" is how often the watcher
// checks held locks. If it is 0 then no watcher is created and lock hold time
// is checked only when the lock is unlocked.
//
// Locks may be used before this package is Up(), but they are not tracked
// until the first Lock() after it is.
package trackedlock

import (
	"sync"
	"sync/atomic"
)

// Mutex wraps sync.Mutex to add tracking of lock hold time and the stack
// trace of the locker.
type Mutex struct {
	wrappedMutex sync.Mutex
	tracker      mutexTrack
}

// RWMutex wraps sync.RWMutex. Exclusive holds are tracked like Mutex;
// shared holds are only counted.
type RWMutex struct {
	wrappedRWMutex sync.RWMutex
	tracker        mutexTrack
	readers        int32
}

func (m *Mutex) Lock() {
	m.wrappedMutex.Lock()

	m.tracker.lockTrack(m)
}

// TryLock acquires the lock only if it is immediately available.
func (m *Mutex) TryLock() (locked bool) {
	locked = m.wrappedMutex.TryLock()
	if locked {
		m.tracker.lockTrack(m)
	}
	return
}

func (m *Mutex) Unlock() {
	m.tracker.unlockTrack(m)

	m.wrappedMutex.Unlock()
}

func (m *RWMutex) Lock() {
	m.wrappedRWMutex.Lock()

	m.tracker.lockTrack(m)
}

func (m *RWMutex) TryLock() (locked bool) {
	locked = m.wrappedRWMutex.TryLock()
	if locked {
		m.tracker.lockTrack(m)
	}
	return
}

func (m *RWMutex) Unlock() {
	m.tracker.unlockTrack(m)

	m.wrappedRWMutex.Unlock()
}

func (m *RWMutex) RLock() {
	m.wrappedRWMutex.RLock()

	atomic.AddInt32(&m.readers, 1)
}

func (m *RWMutex) RUnlock() {
	atomic.AddInt32(&m.readers, -1)

	m.wrappedRWMutex.RUnlock()
}

// Readers returns the number of shared holders at the time of the call.
func (m *RWMutex) Readers() int {
	return int(atomic.LoadInt32(&m.readers))
}

// HeldLocks returns the number of tracked locks currently held (only
// maintained while a lock watcher is running).
func HeldLocks() int {
	globals.mapMutex.Lock()
	defer globals.mapMutex.Unlock()

	return len(globals.heldMap)
}
