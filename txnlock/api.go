// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package txnlock enforces read/write/delete isolation between transactions
// touching the same identifier.
//
// Each identifier of interest has one TxnLock holding an unordered multiset
// of (Op, TxnID) lock states. A conflicting Acquire() does not block: it
// returns Conflict after telling the caller's Blocker it is Blocked(), and
// the Blocker is later told it is Unblocked() once the conflicting
// transaction has released every state it held on the identifier. The
// caller then retries.
//
// TxnLocks live in a LockCache for as long as someone holds a reference or
// the lock holds state, so there is never more than one live TxnLock per
// identifier and idle ones do not accumulate.
package txnlock

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/NVIDIA/spacestore/blunder"
	"github.com/NVIDIA/spacestore/conf"
	"github.com/NVIDIA/spacestore/identifier"
	"github.com/NVIDIA/spacestore/taskqueue"
	"github.com/NVIDIA/spacestore/trackedlock"
)

type Op int

const (
	Read Op = iota + 1
	Write
	Delete
)

func (op Op) String() string {
	switch op {
	case Read:
		return "Read"
	case Write:
		return "Write"
	case Delete:
		return "Delete"
	default:
		return fmt.Sprintf("Op(%d)", int(op))
	}
}

type Result int

const (
	Success Result = iota
	Conflict
	Fail
)

func (result Result) String() string {
	switch result {
	case Success:
		return "Success"
	case Conflict:
		return "Conflict"
	case Fail:
		return "Fail"
	default:
		return fmt.Sprintf("Result(%d)", int(result))
	}
}

// TxnID names a transaction.
type TxnID uuid.UUID

// NilTxnID is the zero TxnID; no transaction is ever assigned it.
var NilTxnID TxnID

func NewTxnID() TxnID {
	return TxnID(uuid.New())
}

// ParseTxnID is the inverse of TxnID.String().
func ParseTxnID(s string) (txn TxnID, err error) {
	parsed, err := uuid.Parse(s)
	if nil != err {
		err = blunder.AddError(err, blunder.InvalidArgError)
		return
	}
	txn = TxnID(parsed)
	return
}

func (txn TxnID) String() string {
	return uuid.UUID(txn).String()
}

func (txn TxnID) MarshalText() ([]byte, error) {
	return uuid.UUID(txn).MarshalText()
}

func (txn *TxnID) UnmarshalText(text []byte) error {
	return (*uuid.UUID)(txn).UnmarshalText(text)
}

// Blocker is told, synchronously, that an Acquire() conflicted and, later
// and from another goroutine, that the conflicting transaction is gone.
type Blocker interface {
	Blocked(handback interface{})
	Unblocked(handback interface{})
}

// WaitBlocker is a one-shot Blocker whose Wait() returns once Unblocked()
// has been called. Use a fresh WaitBlocker for each Acquire() attempt.
type WaitBlocker struct {
	sync.Mutex
	blocked   bool
	unblocked chan struct{}
	handback  interface{}
}

func NewWaitBlocker() *WaitBlocker {
	return &WaitBlocker{unblocked: make(chan struct{})}
}

func (waitBlocker *WaitBlocker) Blocked(handback interface{}) {
	waitBlocker.Lock()
	waitBlocker.blocked = true
	waitBlocker.Unlock()
}

func (waitBlocker *WaitBlocker) Unblocked(handback interface{}) {
	waitBlocker.Lock()
	defer waitBlocker.Unlock()
	select {
	case <-waitBlocker.unblocked:
	default:
		waitBlocker.handback = handback
		close(waitBlocker.unblocked)
	}
}

// IsBlocked reports whether Blocked() has been called.
func (waitBlocker *WaitBlocker) IsBlocked() (blocked bool) {
	waitBlocker.Lock()
	blocked = waitBlocker.blocked
	waitBlocker.Unlock()
	return
}

// Done returns a channel closed once Unblocked() has been called.
func (waitBlocker *WaitBlocker) Done() <-chan struct{} {
	return waitBlocker.unblocked
}

// Wait returns the handback passed to Unblocked(), or an InterruptedError
// if ctx is done first.
func (waitBlocker *WaitBlocker) Wait(ctx context.Context) (handback interface{}, err error) {
	select {
	case <-waitBlocker.unblocked:
		waitBlocker.Lock()
		handback = waitBlocker.handback
		waitBlocker.Unlock()
	case <-ctx.Done():
		err = blunder.AddError(ctx.Err(), blunder.InterruptedError)
	}
	return
}

type lockState struct {
	op  Op
	txn TxnID
}

type waiter struct {
	blockingTxn TxnID
	blocker     Blocker
	handback    interface{}
}

// TxnLock holds the lock states of one identifier.
type TxnLock struct {
	trackedlock.Mutex
	id      identifier.Identifier
	states  []lockState
	waiters []waiter
	refs    int // guarded by the owning LockCache shard
	cache   *LockCache
}

func (lock *TxnLock) ID() identifier.Identifier {
	return lock.id
}

// Acquire adds (op, txn) to the lock's states unless it conflicts with a
// state held by another transaction (Conflict; blocker is registered and
// told Blocked(handback) before Acquire returns) or with one held by txn
// itself (Fail). isRecovery skips all checking. An unknown op panics.
func (lock *TxnLock) Acquire(txn TxnID, op Op, blocker Blocker, handback interface{}, isRecovery bool) (result Result) {
	return lock.acquire(txn, op, blocker, handback, isRecovery)
}

// Release removes one (op, txn) state. Once txn holds no state on the lock
// every Blocker waiting on txn is told Unblocked() from the wakeup queue.
// Releasing a state that is not held panics.
func (lock *TxnLock) Release(txn TxnID, op Op) {
	lock.release(txn, op)
}

// Holds reports whether txn holds an op state on the lock.
func (lock *TxnLock) Holds(txn TxnID, op Op) (held bool) {
	lock.Lock()
	for _, state := range lock.states {
		if (state.txn == txn) && (state.op == op) {
			held = true
			break
		}
	}
	lock.Unlock()
	return
}

// IsIdle reports whether the lock holds no states and no waiters.
func (lock *TxnLock) IsIdle() (idle bool) {
	lock.Lock()
	idle = (0 == len(lock.states)) && (0 == len(lock.waiters))
	lock.Unlock()
	return
}

// LockCache maps identifiers to their single live TxnLock.
type LockCache struct {
	name    string
	shards  []*lockCacheShard
	wakeups *taskqueue.Pool
	stats   *statsStruct
}

// NewLockCache returns an empty LockCache spread over shards shards whose
// wakeups run on wakeups.
func NewLockCache(name string, shards int, wakeups *taskqueue.Pool) (cache *LockCache) {
	return newLockCache(name, shards, wakeups)
}

// Get returns the identifier's TxnLock, creating it if there is none, with a
// reference the caller must drop with Put().
func (cache *LockCache) Get(id identifier.Identifier) (lock *TxnLock) {
	return cache.get(id)
}

// Put drops a reference returned by Get(). The lock leaves the cache once it
// is unreferenced and idle.
func (cache *LockCache) Put(lock *TxnLock) {
	cache.put(lock)
}

// Len returns the number of live TxnLocks.
func (cache *LockCache) Len() (live int) {
	return cache.len()
}

func (cache *LockCache) Name() string {
	return cache.name
}

// Close unregisters the cache's statistics.
func (cache *LockCache) Close() {
	cache.close()
}

// Config is the TxnLock section of a ConfMap.
type Config struct {
	CacheShards int
	WakeupQueue string
}

func DefaultConfig() *Config {
	return &Config{
		CacheShards: 64,
		WakeupQueue: "txnlock",
	}
}

// ConfigFromConfMap reads TxnLock.CacheShards and TxnLock.WakeupQueue,
// defaulting any that are absent.
func ConfigFromConfMap(confMap conf.ConfMap) (config *Config, err error) {
	config = DefaultConfig()

	if _, ok := confMap["TxnLock"]["CacheShards"]; ok {
		var shards uint32
		shards, err = confMap.FetchOptionValueUint32("TxnLock", "CacheShards")
		if nil != err {
			err = blunder.AddError(err, blunder.InvalidArgError)
			return
		}
		if 0 == shards {
			err = blunder.NewError(blunder.InvalidArgError, "TxnLock.CacheShards must be at least 1")
			return
		}
		config.CacheShards = int(shards)
	}

	if _, ok := confMap["TxnLock"]["WakeupQueue"]; ok {
		config.WakeupQueue, err = confMap.FetchOptionValueString("TxnLock", "WakeupQueue")
		if nil != err {
			err = blunder.AddError(err, blunder.InvalidArgError)
			return
		}
	}

	return
}

// LockMgr is the identifier-keyed front end to a LockCache.
type LockMgr struct {
	cache *LockCache
}

// New returns a LockMgr whose wakeups run on the named taskqueue.
func New(name string, config *Config) (mgr *LockMgr) {
	if nil == config {
		config = DefaultConfig()
	}
	mgr = &LockMgr{cache: newLockCache(name, config.CacheShards, taskqueue.Lookup(config.WakeupQueue))}
	return
}

// Acquire is TxnLock.Acquire() on id's lock.
func (mgr *LockMgr) Acquire(txn TxnID, id identifier.Identifier, op Op, blocker Blocker, handback interface{}, isRecovery bool) (result Result) {
	lock := mgr.cache.get(id)
	result = lock.acquire(txn, op, blocker, handback, isRecovery)
	mgr.cache.put(lock)
	return
}

// Release is TxnLock.Release() on id's lock.
func (mgr *LockMgr) Release(txn TxnID, id identifier.Identifier, op Op) {
	lock := mgr.cache.get(id)
	lock.release(txn, op)
	mgr.cache.put(lock)
}

// Holds reports whether txn holds an op state on id.
func (mgr *LockMgr) Holds(txn TxnID, id identifier.Identifier, op Op) (held bool) {
	lock := mgr.cache.get(id)
	held = lock.Holds(txn, op)
	mgr.cache.put(lock)
	return
}

// Locks returns the number of live TxnLocks.
func (mgr *LockMgr) Locks() int {
	return mgr.cache.len()
}

func (mgr *LockMgr) Cache() *LockCache {
	return mgr.cache
}

func (mgr *LockMgr) Close() {
	mgr.cache.close()
}
