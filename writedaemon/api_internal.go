// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package writedaemon

import (
	"context"
	"time"

	"github.com/NVIDIA/spacestore/blunder"
	"github.com/NVIDIA/spacestore/bucketstats"
	"github.com/NVIDIA/spacestore/halter"
	"github.com/NVIDIA/spacestore/logger"
	"github.com/NVIDIA/spacestore/taskqueue"
	"github.com/NVIDIA/spacestore/trackedlock"
)

type statsStruct struct {
	Queued         bucketstats.Total
	Dispatched     bucketstats.Total
	Completed      bucketstats.Total
	Barriers       bucketstats.Total
	Throttles      bucketstats.Total
	Interrupted    bucketstats.Total
	QueueDepth     bucketstats.Gauge
	BatchSize      bucketstats.BucketLog2
	WriteUsec      bucketstats.BucketLog2
	ThrottleUsec   bucketstats.BucketLog2
	BarrierLagUsec bucketstats.BucketLog2
}

// epochStruct counts the writes queued between two barriers. The barriers
// closing an epoch run once it and every older epoch reach zero.
type epochStruct struct {
	outstanding int
	barriers    []barrierStruct
}

type barrierStruct struct {
	completion taskqueue.Task
	pushedAt   time.Time
}

type writeStruct struct {
	task  taskqueue.Task
	epoch *epochStruct
}

type writeDaemonStruct struct {
	trackedlock.Mutex
	name        string
	config      Config
	queued      []*writeStruct // not yet handed to workers
	running     int            // handed to workers, not yet finished
	epochs      []*epochStruct // oldest first; last is the open epoch
	workers     *taskqueue.Pool
	completions *taskqueue.Pool
	halted      bool
	stats       *statsStruct
}

func newWriteDaemon(name string, config *Config) (writeDaemon *WriteDaemon, err error) {
	if nil == config {
		config = DefaultConfig()
	}

	err = config.validate()
	if nil != err {
		return
	}

	wd := &writeDaemonStruct{
		name:        name,
		config:      *config,
		queued:      make([]*writeStruct, 0, config.DesiredPendingWrites),
		epochs:      []*epochStruct{{}},
		workers:     taskqueue.NewPool(name+".writer", config.WorkerPoolSize),
		completions: taskqueue.NewPool(name+".completion", config.CompletionPoolSize),
		stats:       &statsStruct{},
	}

	bucketstats.Register("writedaemon", name, wd.stats)

	logger.Infof("writedaemon %s started: %+v", name, *config)

	writeDaemon = &WriteDaemon{wd: wd}

	return
}

func (wd *writeDaemonStruct) pendingWritesLocked() int {
	return len(wd.queued) + wd.running
}

func (wd *writeDaemonStruct) pendingWrites() (pending int) {
	wd.Lock()
	pending = wd.pendingWritesLocked()
	wd.Unlock()
	return
}

func (wd *writeDaemonStruct) queue(ctx context.Context, task taskqueue.Task) (err error) {
	wd.Lock()
	if wd.halted {
		wd.Unlock()
		err = blunder.NewError(blunder.ShutdownError, "writedaemon %s halted", wd.name)
		return
	}
	overLimit := wd.pendingWritesLocked() > wd.config.ThrottlePendingWrites
	wd.Unlock()

	if overLimit {
		err = wd.throttle(ctx)
		if nil != err {
			return
		}
	}

	wd.Lock()

	if wd.halted {
		wd.Unlock()
		err = blunder.NewError(blunder.ShutdownError, "writedaemon %s halted", wd.name)
		return
	}

	epoch := wd.epochs[len(wd.epochs)-1]
	epoch.outstanding++
	wd.queued = append(wd.queued, &writeStruct{task: task, epoch: epoch})
	wd.stats.Queued.Increment()
	wd.stats.QueueDepth.Set(int64(wd.pendingWritesLocked()))

	dispatch := len(wd.queued) >= wd.config.DesiredPendingWrites

	wd.Unlock()

	if dispatch {
		halter.Trigger(halter.WriteDaemonDispatchEntry)
		wd.push()
	}

	return
}

// throttle pauses once for ThrottlePause. The pending count is not rechecked.
func (wd *writeDaemonStruct) throttle(ctx context.Context) (err error) {
	wd.stats.Throttles.Increment()

	logger.Tracef("writedaemon %s throttling for %v with %d pending writes", wd.name, wd.config.ThrottlePause, wd.pendingWrites())

	started := time.Now()
	timer := time.NewTimer(wd.config.ThrottlePause)

	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
		wd.stats.Interrupted.Increment()
		err = blunder.AddError(ctx.Err(), blunder.InterruptedError)
		logger.ErrorfWithError(err, "writedaemon %s enqueue interrupted during throttle pause", wd.name)
	}

	wd.stats.ThrottleUsec.Add(uint64(time.Since(started) / time.Microsecond))

	return
}

// dispatchLocked hands every queued write to the worker pool in queue order.
func (wd *writeDaemonStruct) dispatchLocked() {
	if 0 == len(wd.queued) {
		return
	}

	batch := wd.queued
	wd.queued = make([]*writeStruct, 0, wd.config.DesiredPendingWrites)
	wd.running += len(batch)

	wd.stats.BatchSize.Add(uint64(len(batch)))
	wd.stats.Dispatched.Add(uint64(len(batch)))

	for _, write := range batch {
		write := write
		err := wd.workers.Submit(taskqueue.TaskFunc(func() { wd.run(write) }))
		if nil != err {
			// halt() dispatches before stopping workers, so this is a protocol breach
			logger.PanicfWithError(err, "writedaemon %s worker pool rejected a write", wd.name)
		}
	}
}

func (wd *writeDaemonStruct) run(write *writeStruct) {
	started := time.Now()

	write.task.Run()

	wd.stats.WriteUsec.Add(uint64(time.Since(started) / time.Microsecond))
	wd.stats.Completed.Increment()

	wd.Lock()
	wd.running--
	write.epoch.outstanding--
	wd.stats.QueueDepth.Set(int64(wd.pendingWritesLocked()))
	wd.releaseBarriersLocked()
	wd.Unlock()
}

// releaseBarriersLocked submits the completions of every closed epoch that
// has drained along with all older epochs.
func (wd *writeDaemonStruct) releaseBarriersLocked() {
	for (1 < len(wd.epochs)) && (0 == wd.epochs[0].outstanding) {
		for _, barrier := range wd.epochs[0].barriers {
			wd.stats.BarrierLagUsec.Add(uint64(time.Since(barrier.pushedAt) / time.Microsecond))
			err := wd.completions.Submit(barrier.completion)
			if nil != err {
				logger.PanicfWithError(err, "writedaemon %s completion pool rejected a barrier", wd.name)
			}
		}
		wd.epochs[0] = nil
		wd.epochs = wd.epochs[1:]
	}
}

func (wd *writeDaemonStruct) push() {
	wd.Lock()
	wd.dispatchLocked()
	wd.Unlock()
}

func (wd *writeDaemonStruct) pushBarrier(completion taskqueue.Task) (err error) {
	wd.Lock()
	defer wd.Unlock()

	if wd.halted {
		err = blunder.NewError(blunder.ShutdownError, "writedaemon %s halted", wd.name)
		return
	}

	wd.pushBarrierLocked(completion)

	return
}

func (wd *writeDaemonStruct) pushBarrierLocked(completion taskqueue.Task) {
	epoch := wd.epochs[len(wd.epochs)-1]
	epoch.barriers = append(epoch.barriers, barrierStruct{completion: completion, pushedAt: time.Now()})
	wd.epochs = append(wd.epochs, &epochStruct{})
	wd.stats.Barriers.Increment()

	wd.dispatchLocked()
	wd.releaseBarriersLocked()
}

func (wd *writeDaemonStruct) halt() {
	wd.Lock()
	if wd.halted {
		wd.Unlock()
		return
	}
	doneChan := make(chan struct{})
	wd.pushBarrierLocked(taskqueue.TaskFunc(func() { close(doneChan) }))
	wd.halted = true
	wd.Unlock()

	<-doneChan

	wd.workers.Shutdown()
	wd.completions.Shutdown()

	bucketstats.UnRegister("writedaemon", wd.name)

	logger.Infof("writedaemon %s halted after %d writes", wd.name, wd.stats.Completed.TotalGet())
}
