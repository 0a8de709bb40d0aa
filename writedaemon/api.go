// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package writedaemon is an asynchronous, throttled, batched dispatcher of
// write tasks. It lets a backing store offer a Save() that does not block
// while still providing completion barriers for checkpointing.
//
// Writes are handed to a worker pool in submission order but may complete in
// any order; only barrier ordering is guaranteed. A completion passed to
// PushBarrier() runs on a separate completion pool once every write queued
// before it has finished.
package writedaemon

import (
	"context"
	"time"

	"github.com/NVIDIA/spacestore/conf"
	"github.com/NVIDIA/spacestore/taskqueue"
)

// Config holds the tunables found in the WriteDaemon section.
type Config struct {
	WorkerPoolSize        int           // goroutines performing writes
	CompletionPoolSize    int           // goroutines running barrier completions
	DesiredPendingWrites  int           // queued writes accumulated before hand-off
	ThrottlePendingWrites int           // pending writes beyond which Queue() pauses
	ThrottlePause         time.Duration // length of that pause
}

// DefaultConfig returns the settings used for options absent from a ConfMap.
func DefaultConfig() (config *Config) {
	config = &Config{
		WorkerPoolSize:        4,
		CompletionPoolSize:    1,
		DesiredPendingWrites:  16,
		ThrottlePendingWrites: 1024,
		ThrottlePause:         10 * time.Millisecond,
	}
	return
}

// ConfigFromConfMap reads the WriteDaemon section, defaulting absent options.
func ConfigFromConfMap(confMap conf.ConfMap) (config *Config, err error) {
	return configFromConfMap(confMap)
}

// WriteDaemon queues and dispatches write tasks.
type WriteDaemon struct {
	wd *writeDaemonStruct
}

// New starts a WriteDaemon whose pools and statistics are named after name.
func New(name string, config *Config) (writeDaemon *WriteDaemon, err error) {
	return newWriteDaemon(name, config)
}

// Queue enqueues task, pausing first if too many writes are pending. It
// returns a ShutdownError once Halt() has been called.
func (writeDaemon *WriteDaemon) Queue(task taskqueue.Task) (err error) {
	return writeDaemon.wd.queue(context.Background(), task)
}

// QueueContext is Queue() with a throttle pause that ends early, returning an
// InterruptedError without enqueueing, if ctx is done.
func (writeDaemon *WriteDaemon) QueueContext(ctx context.Context, task taskqueue.Task) (err error) {
	return writeDaemon.wd.queue(ctx, task)
}

// Push hands every queued write to the worker pool now.
func (writeDaemon *WriteDaemon) Push() {
	writeDaemon.wd.push()
}

// PushBarrier pushes and arranges for completion to run on the completion pool
// once every write queued before this call has finished.
func (writeDaemon *WriteDaemon) PushBarrier(completion taskqueue.Task) (err error) {
	return writeDaemon.wd.pushBarrier(completion)
}

// Flush is a PushBarrier() that waits for its barrier.
func (writeDaemon *WriteDaemon) Flush() (err error) {
	doneChan := make(chan struct{})
	err = writeDaemon.wd.pushBarrier(taskqueue.TaskFunc(func() { close(doneChan) }))
	if nil != err {
		return
	}
	<-doneChan
	return
}

// Halt pushes, waits for every queued write and completion, and stops both
// pools. Later calls to Queue() or PushBarrier() fail.
func (writeDaemon *WriteDaemon) Halt() {
	writeDaemon.wd.halt()
}

// PendingWrites returns the number of writes queued or running.
func (writeDaemon *WriteDaemon) PendingWrites() int {
	return writeDaemon.wd.pendingWrites()
}

// ThrottleCount returns how many Queue() calls have paused.
func (writeDaemon *WriteDaemon) ThrottleCount() uint64 {
	return writeDaemon.wd.stats.Throttles.TotalGet()
}

func (writeDaemon *WriteDaemon) Name() string {
	return writeDaemon.wd.name
}
