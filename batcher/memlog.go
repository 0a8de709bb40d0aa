// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package batcher

import (
	"github.com/NVIDIA/spacestore/blunder"
	"github.com/NVIDIA/spacestore/trackedlock"
)

// MemLog is a ReplayLog held in memory. Records appended since the last
// Sync() are lost by Crash(), modelling a process crash.
type MemLog struct {
	trackedlock.Mutex
	name       string
	records    [][]byte
	synced     int // records[:synced] are durable
	appends    int
	syncs      int
	failAppend error
	failSync   error
}

func newMemLog(name string) (memLog *MemLog) {
	memLog = &MemLog{name: name}
	return
}

func (memLog *MemLog) Name() string {
	return memLog.name
}

func (memLog *MemLog) Append(cmd Command) (err error) {
	encoded, err := encodeCommand(cmd)
	if nil != err {
		return
	}

	memLog.Lock()
	defer memLog.Unlock()

	if nil != memLog.failAppend {
		err = memLog.failAppend
		return
	}

	memLog.records = append(memLog.records, encoded)
	memLog.appends++

	return
}

func (memLog *MemLog) Sync() (err error) {
	memLog.Lock()
	defer memLog.Unlock()

	memLog.syncs++

	if nil != memLog.failSync {
		err = memLog.failSync
		return
	}

	memLog.synced = len(memLog.records)

	return
}

// Replay decodes every record, durable or not, through registry.
func (memLog *MemLog) Replay(registry *Registry, fn func(cmd Command) (err error)) (replayed int, err error) {
	memLog.Lock()
	records := make([][]byte, len(memLog.records))
	copy(records, memLog.records)
	memLog.Unlock()

	for _, encoded := range records {
		var cmd Command

		cmd, err = decodeCommand(registry, encoded)
		if nil != err {
			return
		}

		err = fn(cmd)
		if nil != err {
			return
		}

		replayed++
	}

	return
}

func (memLog *MemLog) Truncate() (err error) {
	memLog.Lock()
	memLog.records = nil
	memLog.synced = 0
	memLog.Unlock()
	return
}

func (memLog *MemLog) Close() (err error) {
	return
}

// Crash discards every record not yet made durable by Sync().
func (memLog *MemLog) Crash() {
	memLog.Lock()
	memLog.records = memLog.records[:memLog.synced]
	memLog.Unlock()
}

// Counts returns how many Append() and Sync() calls the log has seen.
func (memLog *MemLog) Counts() (appends int, syncs int) {
	memLog.Lock()
	appends, syncs = memLog.appends, memLog.syncs
	memLog.Unlock()
	return
}

// Len returns the number of records held.
func (memLog *MemLog) Len() (records int) {
	memLog.Lock()
	records = len(memLog.records)
	memLog.Unlock()
	return
}

// FailWith makes later Append() and Sync() calls return the given errors
// (nil clears), classified as IOErrors.
func (memLog *MemLog) FailWith(appendErr error, syncErr error) {
	if nil != appendErr {
		appendErr = blunder.AddError(appendErr, blunder.IOError)
	}
	if nil != syncErr {
		syncErr = blunder.AddError(syncErr, blunder.IOError)
	}

	memLog.Lock()
	memLog.failAppend = appendErr
	memLog.failSync = syncErr
	memLog.Unlock()
}
