// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package taskqueue

import (
	"time"

	"github.com/NVIDIA/spacestore/blunder"
	"github.com/NVIDIA/spacestore/bucketstats"
	"github.com/NVIDIA/spacestore/logger"
)

func newPool(name string, workers int) (pool *Pool) {
	if 1 > workers {
		workers = 1
	}

	pool = &Pool{
		name:     name,
		workers:  workers,
		pending:  make([]queuedTask, 0),
		wakeChan: make(chan struct{}, workers),
		doneChan: make(chan struct{}),
		running:  workers,
		stats:    &poolStats{},
	}

	bucketstats.Register("taskqueue", name, pool.stats)

	for i := 0; i < workers; i++ {
		go pool.worker()
	}

	logger.Tracef("taskqueue pool %s started with %d workers", name, workers)

	return
}

func (pool *Pool) submit(task Task) (err error) {
	pool.Lock()

	if pool.stopping {
		pool.Unlock()
		pool.stats.Rejections.Increment()
		err = blunder.NewError(blunder.ShutdownError, "taskqueue %s is shut down", pool.name)
		return
	}

	pool.pending = append(pool.pending, queuedTask{task: task, queuedAt: time.Now()})
	pool.stats.Submitted.Increment()
	pool.stats.Depth.Inc()

	pool.Unlock()

	select {
	case pool.wakeChan <- struct{}{}:
	default:
		// every worker already has a wakeup outstanding
	}

	return
}

// dequeue returns the next task or, once the pool is stopping and drained,
// ok == false.
func (pool *Pool) dequeue() (next queuedTask, ok bool) {
	for {
		pool.Lock()
		if 0 < len(pool.pending) {
			next = pool.pending[0]
			pool.pending[0] = queuedTask{}
			pool.pending = pool.pending[1:]
			pool.stats.Depth.Dec()
			pool.Unlock()
			ok = true
			return
		}
		stopping := pool.stopping
		pool.Unlock()

		if stopping {
			return
		}

		<-pool.wakeChan
	}
}

func (pool *Pool) worker() {
	defer func() {
		pool.Lock()
		pool.running--
		if 0 == pool.running {
			close(pool.doneChan)
		}
		pool.Unlock()
	}()

	for {
		next, ok := pool.dequeue()
		if !ok {
			return
		}

		started := time.Now()
		pool.stats.QueueUsec.Add(uint64(started.Sub(next.queuedAt) / time.Microsecond))
		pool.stats.Running.Inc()

		next.task.Run()

		pool.stats.Running.Dec()
		pool.stats.TaskUsec.Add(uint64(time.Since(started) / time.Microsecond))
		pool.stats.Completed.Increment()

		// keep a waiting peer moving if more work remains
		pool.Lock()
		more := (0 < len(pool.pending)) || pool.stopping
		pool.Unlock()
		if more {
			select {
			case pool.wakeChan <- struct{}{}:
			default:
			}
		}
	}
}

func (pool *Pool) shutdown() {
	pool.Lock()
	alreadyStopping := pool.stopping
	pool.stopping = true
	pool.Unlock()

	if !alreadyStopping {
		for i := 0; i < pool.workers; i++ {
			select {
			case pool.wakeChan <- struct{}{}:
			default:
			}
		}
	}

	<-pool.doneChan

	if !alreadyStopping {
		bucketstats.UnRegister("taskqueue", pool.name)
		logger.Tracef("taskqueue pool %s stopped", pool.name)
	}
}

func lookup(name string) (pool *Pool) {
	globals.Lock()
	defer globals.Unlock()

	pool, ok := globals.pools[name]
	if ok {
		return
	}

	pool = newPool(name, globals.defaultPoolSize)
	globals.pools[name] = pool

	return
}
