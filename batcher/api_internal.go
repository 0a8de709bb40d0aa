// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package batcher

import (
	"encoding/json"
	"time"

	"github.com/NVIDIA/spacestore/blunder"
	"github.com/NVIDIA/spacestore/bucketstats"
	"github.com/NVIDIA/spacestore/halter"
	"github.com/NVIDIA/spacestore/logger"
	"github.com/NVIDIA/spacestore/trackedlock"
)

type statsStruct struct {
	Commands      bucketstats.Total
	Batches       bucketstats.Total
	Syncs         bucketstats.Total
	SkippedSyncs  bucketstats.Total
	AppendErrors  bucketstats.Total
	SyncErrors    bucketstats.Total
	ExecuteErrors bucketstats.Total
	BatchSize     bucketstats.BucketLog2
	SyncUsec      bucketstats.BucketLog2
	CommitUsec    bucketstats.BucketLog2
}

type request struct {
	cmd      Command
	sync     bool
	result   interface{}
	err      error
	done     chan struct{}
	promoted chan struct{} // told to lead the next batch
}

type batcherStruct struct {
	trackedlock.Mutex
	name       string
	log        Log
	system     System
	window     time.Duration
	optimistic bool
	queue      []*request // arrived, not yet taken by a leader
	leading    bool       // a leader owns the log
	failed     error      // sticky log failure
	closed     bool
	stats      *statsStruct
}

func newBatcher(log Log, system System, window time.Duration, optimistic bool) (batcher *batcherStruct) {
	batcher = &batcherStruct{
		name:       log.Name(),
		log:        log,
		system:     system,
		window:     window,
		optimistic: optimistic,
		stats:      &statsStruct{},
	}

	bucketstats.Register("batcher", batcher.name, batcher.stats)

	return
}

func (batcher *batcherStruct) Close() {
	batcher.Lock()
	batcher.closed = true
	batcher.Unlock()

	bucketstats.UnRegister("batcher", batcher.name)
}

func (batcher *batcherStruct) ExecuteCommand(cmd Command, sync bool) (result interface{}, err error) {
	startTime := time.Now()

	req := &request{
		cmd:      cmd,
		sync:     sync,
		done:     make(chan struct{}),
		promoted: make(chan struct{}, 1),
	}

	batcher.Lock()

	if batcher.closed {
		batcher.Unlock()
		err = blunder.NewError(blunder.ShutdownError, "batcher %s is closed", batcher.name)
		return
	}
	if nil != batcher.failed {
		err = batcher.failed
		batcher.Unlock()
		return
	}

	batcher.queue = append(batcher.queue, req)

	if batcher.leading {
		batcher.Unlock()
		select {
		case <-req.done:
		case <-req.promoted:
			batcher.lead()
		}
	} else {
		batcher.leading = true
		batcher.Unlock()
		batcher.lead()
	}

	<-req.done

	batcher.stats.CommitUsec.Add(uint64(time.Since(startTime).Microseconds()))

	result, err = req.result, req.err

	return
}

// take removes and returns everything queued.
func (batcher *batcherStruct) take() (taken []*request) {
	batcher.Lock()
	taken = batcher.queue
	batcher.queue = nil
	batcher.Unlock()
	return
}

// lead runs one batch then hands leadership to the oldest queued request.
func (batcher *batcherStruct) lead() {
	if 0 < batcher.window {
		time.Sleep(batcher.window)
	}

	batch := batcher.take()

	batcher.Lock()
	err := batcher.failed
	batcher.Unlock()

	if nil == err {
		err = batcher.appendAll(batch)
	}

	if batcher.optimistic {
		for {
			more := batcher.take()
			if 0 == len(more) {
				break
			}
			batch = append(batch, more...)
			if nil == err {
				err = batcher.appendAll(more)
			}
		}
	}

	if nil == err {
		err = batcher.syncIfNeeded(batch)
	}

	batcher.stats.Batches.Increment()
	batcher.stats.BatchSize.Add(uint64(len(batch)))

	if nil == err {
		batcher.apply(batch)
	} else {
		batcher.fail(err)
		for _, req := range batch {
			req.err = err
			close(req.done)
		}
	}

	batcher.Lock()
	if 0 < len(batcher.queue) {
		batcher.queue[0].promoted <- struct{}{}
	} else {
		batcher.leading = false
	}
	batcher.Unlock()
}

func (batcher *batcherStruct) appendAll(batch []*request) (err error) {
	for _, req := range batch {
		err = batcher.log.Append(req.cmd)
		if nil != err {
			batcher.stats.AppendErrors.Increment()
			if !blunder.HasValue(err) {
				err = blunder.AddError(err, blunder.IOError)
			}
			logger.ErrorfWithError(err, "batcher %s append of %s failed", batcher.name, req.cmd.Name())
			return
		}
		batcher.stats.Commands.Increment()
	}
	return
}

func (batcher *batcherStruct) syncIfNeeded(batch []*request) (err error) {
	needSync := false
	for _, req := range batch {
		if req.sync {
			needSync = true
			break
		}
	}

	if !needSync {
		batcher.stats.SkippedSyncs.Increment()
		return
	}

	syncStart := time.Now()
	err = batcher.log.Sync()
	batcher.stats.SyncUsec.Add(uint64(time.Since(syncStart).Microseconds()))
	batcher.stats.Syncs.Increment()

	if nil != err {
		batcher.stats.SyncErrors.Increment()
		if !blunder.HasValue(err) {
			err = blunder.AddError(err, blunder.IOError)
		}
		logger.ErrorfWithError(err, "batcher %s sync failed", batcher.name)
	}

	return
}

// apply executes the batch's commands in log order, completing each as it
// finishes.
func (batcher *batcherStruct) apply(batch []*request) {
	halter.Trigger(halter.BatcherApplyEntry)

	for _, req := range batch {
		req.result, req.err = req.cmd.Execute(batcher.system)
		if nil != req.err {
			batcher.stats.ExecuteErrors.Increment()
		}
		close(req.done)
	}
}

// fail makes every later ExecuteCommand() return err; after a failed append
// or sync the log's contents are unknown.
func (batcher *batcherStruct) fail(err error) {
	batcher.Lock()
	if nil == batcher.failed {
		batcher.failed = err
	}
	batcher.Unlock()
}

func (registry *Registry) register(name string, factory func() Command) {
	if _, ok := registry.factories[name]; ok {
		err := blunder.NewError(blunder.AlreadyExistsError, "command %s registered twice", name)
		logger.PanicfWithError(err, "batcher registry misuse")
	}
	registry.factories[name] = factory
}

func (registry *Registry) new(name string) (cmd Command, err error) {
	factory, ok := registry.factories[name]
	if !ok {
		err = blunder.NewError(blunder.CorruptionError, "logged command %s is not registered", name)
		return
	}
	cmd = factory()
	return
}

type envelope struct {
	Name string          `json:"name"`
	Body json.RawMessage `json:"body"`
}

func encodeCommand(cmd Command) (encoded []byte, err error) {
	body, err := json.Marshal(cmd)
	if nil != err {
		err = blunder.AddError(err, blunder.InvalidArgError)
		return
	}

	encoded, err = json.Marshal(&envelope{Name: cmd.Name(), Body: body})
	if nil != err {
		err = blunder.AddError(err, blunder.InvalidArgError)
	}

	return
}

func decodeCommand(registry *Registry, encoded []byte) (cmd Command, err error) {
	var env envelope

	err = json.Unmarshal(encoded, &env)
	if nil != err {
		err = blunder.AddError(err, blunder.CorruptionError)
		return
	}

	cmd, err = registry.new(env.Name)
	if nil != err {
		return
	}

	err = json.Unmarshal(env.Body, cmd)
	if nil != err {
		err = blunder.AddError(err, blunder.CorruptionError)
	}

	return
}
