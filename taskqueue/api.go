// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package taskqueue runs deferred units of work on named pools of worker
// goroutines. Pools are created on first use and torn down when the process
// transitions Down.
package taskqueue

import (
	"time"

	"github.com/NVIDIA/spacestore/bucketstats"
	"github.com/NVIDIA/spacestore/trackedlock"
)

// DefaultQueue is the queue name used when a caller has no particular queue.
const DefaultQueue = "default"

// Task is a unit of deferred work.
type Task interface {
	Run()
}

// TaskFunc adapts an ordinary func to a Task.
type TaskFunc func()

func (f TaskFunc) Run() {
	f()
}

type poolStats struct {
	Submitted  bucketstats.Total
	Completed  bucketstats.Total
	Depth      bucketstats.Gauge
	Running    bucketstats.Gauge
	QueueUsec  bucketstats.BucketLog2
	TaskUsec   bucketstats.BucketLog2
	Rejections bucketstats.Total
}

// Pool runs submitted Tasks in FIFO order on a fixed number of worker
// goroutines. Its queue is unbounded so Submit() never blocks.
type Pool struct {
	trackedlock.Mutex
	name     string
	workers  int
	pending  []queuedTask
	wakeChan chan struct{}
	stopping bool
	doneChan chan struct{}
	running  int
	stats    *poolStats
}

type queuedTask struct {
	task     Task
	queuedAt time.Time
}

// NewPool starts a Pool named name with workers worker goroutines. A pool
// created this way is not part of the named registry.
func NewPool(name string, workers int) (pool *Pool) {
	return newPool(name, workers)
}

// Submit queues task to run on one of the pool's workers.
func (pool *Pool) Submit(task Task) (err error) {
	return pool.submit(task)
}

// Len returns the number of tasks queued but not yet started.
func (pool *Pool) Len() (queued int) {
	pool.Lock()
	queued = len(pool.pending)
	pool.Unlock()
	return
}

func (pool *Pool) Name() string {
	return pool.name
}

func (pool *Pool) Workers() int {
	return pool.workers
}

// Shutdown rejects further submissions, waits for every queued task to run,
// and stops the workers.
func (pool *Pool) Shutdown() {
	pool.shutdown()
}

// Lookup returns the pool registered under name, creating it with
// TaskQueue.DefaultPoolSize workers if necessary.
func Lookup(name string) (pool *Pool) {
	return lookup(name)
}

// Submit queues task on the named pool.
func Submit(name string, task Task) (err error) {
	return lookup(name).Submit(task)
}
