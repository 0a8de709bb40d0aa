// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package txnlock

import (
	"time"

	"github.com/NVIDIA/spacestore/blunder"
	"github.com/NVIDIA/spacestore/bucketstats"
	"github.com/NVIDIA/spacestore/identifier"
	"github.com/NVIDIA/spacestore/logger"
	"github.com/NVIDIA/spacestore/taskqueue"
	"github.com/NVIDIA/spacestore/trackedlock"
)

type statsStruct struct {
	Acquires         bucketstats.Total
	RecoveryAcquires bucketstats.Total
	Successes        bucketstats.Total
	Conflicts        bucketstats.Total
	Fails            bucketstats.Total
	Releases         bucketstats.Total
	Wakeups          bucketstats.Total
	WakeupUsec       bucketstats.BucketLog2
	Creates          bucketstats.Total
	Reclaims         bucketstats.Total
	Live             bucketstats.Gauge
}

type lockCacheShard struct {
	trackedlock.Mutex
	locks map[identifier.Identifier]*TxnLock
}

func newLockCache(name string, shards int, wakeups *taskqueue.Pool) (cache *LockCache) {
	if 1 > shards {
		shards = 1
	}

	cache = &LockCache{
		name:    name,
		shards:  make([]*lockCacheShard, shards),
		wakeups: wakeups,
		stats:   &statsStruct{},
	}

	for i := range cache.shards {
		cache.shards[i] = &lockCacheShard{locks: make(map[identifier.Identifier]*TxnLock)}
	}

	bucketstats.Register("txnlock", name, cache.stats)

	return
}

func (cache *LockCache) close() {
	bucketstats.UnRegister("txnlock", cache.name)
}

func (cache *LockCache) shard(id identifier.Identifier) *lockCacheShard {
	return cache.shards[id.Hash()%uint64(len(cache.shards))]
}

func (cache *LockCache) get(id identifier.Identifier) (lock *TxnLock) {
	shard := cache.shard(id)

	shard.Lock()
	lock, ok := shard.locks[id]
	if !ok {
		lock = &TxnLock{id: id, cache: cache}
		shard.locks[id] = lock
		cache.stats.Creates.Increment()
		cache.stats.Live.Inc()
	}
	lock.refs++
	shard.Unlock()

	return
}

func (cache *LockCache) put(lock *TxnLock) {
	shard := cache.shard(lock.id)

	shard.Lock()
	defer shard.Unlock()

	if shard.locks[lock.id] != lock {
		err := blunder.NewError(blunder.CorruptionError, "TxnLock for %v is not the cached one", lock.id)
		logger.PanicfWithError(err, "txnlock cache %s breach", cache.name)
	}

	lock.refs--
	if 0 > lock.refs {
		err := blunder.NewError(blunder.LockProtocolError, "TxnLock for %v Put() more often than Get()", lock.id)
		logger.PanicfWithError(err, "txnlock cache %s breach", cache.name)
	}

	if (0 == lock.refs) && lock.IsIdle() {
		delete(shard.locks, lock.id)
		cache.stats.Reclaims.Increment()
		cache.stats.Live.Dec()
	}
}

func (cache *LockCache) len() (live int) {
	for _, shard := range cache.shards {
		shard.Lock()
		live += len(shard.locks)
		shard.Unlock()
	}
	return
}

func checkOp(op Op) {
	switch op {
	case Read, Write, Delete:
	default:
		err := blunder.NewError(blunder.InvalidArgError, "unknown txnlock op %v", op)
		logger.PanicfWithError(err, "txnlock given unknown op")
	}
}

// conflictLocked applies the conflict matrix, returning Success, Fail, or
// Conflict with the first conflicting transaction.
func (lock *TxnLock) conflictLocked(txn TxnID, op Op) (result Result, blockingTxn TxnID) {
	switch op {
	case Write:
		// writes are new records; nothing conflicts with them
	case Read:
		for _, state := range lock.states {
			if state.txn == txn {
				if Delete == state.op {
					result = Fail
					return
				}
				continue
			}
			if (Delete == state.op) || (Write == state.op) {
				if Conflict != result {
					result, blockingTxn = Conflict, state.txn
				}
			}
		}
	case Delete:
		for _, state := range lock.states {
			if state.txn == txn {
				if Delete == state.op {
					result = Fail
					return
				}
				continue
			}
			if Conflict != result {
				result, blockingTxn = Conflict, state.txn
			}
		}
	}
	return
}

func (lock *TxnLock) acquire(txn TxnID, op Op, blocker Blocker, handback interface{}, isRecovery bool) (result Result) {
	checkOp(op)

	stats := lock.cache.stats
	stats.Acquires.Increment()

	lock.Lock()

	if isRecovery {
		stats.RecoveryAcquires.Increment()
		lock.states = append(lock.states, lockState{op: op, txn: txn})
		lock.Unlock()
		result = Success
		stats.Successes.Increment()
		return
	}

	result, blockingTxn := lock.conflictLocked(txn, op)

	switch result {
	case Success:
		lock.states = append(lock.states, lockState{op: op, txn: txn})
		lock.Unlock()
		stats.Successes.Increment()
	case Conflict:
		if nil != blocker {
			lock.waiters = append(lock.waiters, waiter{blockingTxn: blockingTxn, blocker: blocker, handback: handback})
		}
		lock.Unlock()
		stats.Conflicts.Increment()
		logger.Tracef("txnlock %v: %v %v blocked by %v", lock.id, txn, op, blockingTxn)
		if nil != blocker {
			blocker.Blocked(handback)
		}
	case Fail:
		lock.Unlock()
		stats.Fails.Increment()
		logger.Warnf("txnlock %v: %v %v conflicts with its own Delete", lock.id, txn, op)
	}

	return
}

func (lock *TxnLock) release(txn TxnID, op Op) {
	checkOp(op)

	lock.Lock()

	found := -1
	stillHeld := false
	for i, state := range lock.states {
		if state.txn != txn {
			continue
		}
		if (-1 == found) && (state.op == op) {
			found = i
			continue
		}
		stillHeld = true
	}

	if -1 == found {
		lock.Unlock()
		err := blunder.NewError(blunder.LockProtocolError, "txnlock %v: %v never acquired %v", lock.id, txn, op)
		logger.PanicfWithError(err, "txnlock release without acquire")
	}

	lastIdx := len(lock.states) - 1
	lock.states[found] = lock.states[lastIdx]
	lock.states = lock.states[:lastIdx]

	lock.cache.stats.Releases.Increment()

	if stillHeld {
		lock.Unlock()
		return
	}

	var woken []waiter
	remaining := lock.waiters[:0]
	for _, w := range lock.waiters {
		if w.blockingTxn == txn {
			woken = append(woken, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	for i := len(remaining); i < len(lock.waiters); i++ {
		lock.waiters[i] = waiter{}
	}
	lock.waiters = remaining

	lock.Unlock()

	if 0 < len(woken) {
		lock.dispatchWakeups(woken)
	}
}

// dispatchWakeups tells each waiter it is Unblocked() from the wakeup queue
// rather than inline, so chains of waiting transactions do not recurse.
func (lock *TxnLock) dispatchWakeups(woken []waiter) {
	stats := lock.cache.stats
	submittedAt := time.Now()

	task := taskqueue.TaskFunc(func() {
		stats.WakeupUsec.Add(uint64(time.Since(submittedAt).Microseconds()))
		for _, w := range woken {
			stats.Wakeups.Increment()
			w.blocker.Unblocked(w.handback)
		}
	})

	err := lock.cache.wakeups.Submit(task)
	if nil != err {
		// wakeup queue already shut down
		logger.WarnfWithError(err, "txnlock %v waking %d waiters inline", lock.id, len(woken))
		task.Run()
	}
}
