// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package space is a transactional tuple space built from the engine's
// parts: entries live in an arccache.ArcCache over a backingstore, are
// guarded by txnlock locks, and every mutation is a batcher.Command logged
// before it is applied.
//
// Entries written under a transaction stay invisible to other transactions
// (their Read/Take conflicts on the writer's lock) until it commits; an
// entry taken under a transaction is removed when it commits and restored
// when it aborts. Read and Take match a template against entries of its
// Type in the order they were written.
//
// On Open the backing store is scanned to rebuild the index, the log is
// replayed, and transactions the log leaves open are aborted. Checkpoint()
// saves every cached entry and truncates the log.
package space

import (
	"context"
	"time"

	"github.com/google/btree"

	"github.com/NVIDIA/spacestore/arccache"
	"github.com/NVIDIA/spacestore/backingstore"
	"github.com/NVIDIA/spacestore/batcher"
	"github.com/NVIDIA/spacestore/identifier"
	"github.com/NVIDIA/spacestore/trackedlock"
	"github.com/NVIDIA/spacestore/txnlock"
)

// Space is an open tuple space.
type Space struct {
	trackedlock.Mutex // guards txns, notifies, arrival and closed

	checkpointLock trackedlock.RWMutex // held shared by every logged command
	config         *Config
	allocator      *identifier.Allocator
	store          entryStore
	deferred       *backingstore.DeferredStore // nil unless config.Deferred
	cache          *arccache.ArcCache
	locks          *txnlock.LockMgr
	log            batcher.ReplayLog
	batcher        batcher.Batcher
	index          *entryIndex
	txns           map[txnlock.TxnID]*Txn
	notifies       map[uint64]*notifyRegistration
	nextNotify     uint64
	arrival        chan struct{} // closed and replaced whenever entries may have become visible
	closing        chan struct{}
	closed         bool
	recovering     bool
	closers        []func() error
	reaperDone     chan struct{}
	stats          *statsStruct
}

// Txn is a transaction. Its methods are the Space's, given the Txn.
type Txn struct {
	trackedlock.Mutex
	id     txnlock.TxnID
	locks  *btree.BTree // of lockItem
	writes []*Entry
	takes  []identifier.Identifier
	state  txnState
}

// Open opens the space config describes, creating its files in
// config.Directory if needed, or an empty in-memory space if Directory is
// empty.
func Open(config *Config) (space *Space, err error) {
	return open(config)
}

// OpenWith opens a space over raw and log, which the caller keeps ownership
// of.
func OpenWith(config *Config, raw backingstore.RawStore, log batcher.ReplayLog) (space *Space, err error) {
	return openWith(config, raw, log, nil)
}

// Begin starts a transaction.
func (space *Space) Begin() (txn *Txn) {
	return space.begin()
}

// Write adds a copy of entry under txn, or under a transaction of its own
// if txn is nil. A zero lease never expires. The new entry's Key is
// returned.
func (space *Space) Write(txn *Txn, entry *Entry, lease time.Duration) (key identifier.Identifier, err error) {
	err = space.implicitly(txn, func(txn *Txn) (err error) {
		key, err = space.write(txn, entry, lease)
		return
	})
	return
}

// Read returns a copy of the oldest entry matching template visible to
// txn (nil meaning a transaction of its own), locking it against takes by
// others until txn ends. A zero timeout does not wait, a negative one
// waits until ctx is done. A miss is a NotFoundError, or a TryAgainError
// if every match was held by another transaction.
func (space *Space) Read(ctx context.Context, txn *Txn, template *Entry, timeout time.Duration) (entry *Entry, err error) {
	err = space.implicitly(txn, func(txn *Txn) (err error) {
		entry, err = space.read(ctx, txn, template, timeout)
		return
	})
	return
}

// Take is Read that also removes the entry when txn commits.
func (space *Space) Take(ctx context.Context, txn *Txn, template *Entry, timeout time.Duration) (entry *Entry, err error) {
	err = space.implicitly(txn, func(txn *Txn) (err error) {
		entry, err = space.take(ctx, txn, template, timeout)
		return
	})
	return
}

// Commit makes txn's writes visible and its takes permanent.
func (space *Space) Commit(txn *Txn) (err error) {
	err = space.checkOpen()
	if nil != err {
		return
	}
	return space.commit(txn)
}

// Abort discards txn's writes and restores its takes.
func (space *Space) Abort(txn *Txn) (err error) {
	err = space.checkOpen()
	if nil != err {
		return
	}
	return space.abort(txn)
}

// Notify calls fn, on the space's event taskqueue, with a copy of every
// entry matching template whose write commits from now on. cancel stops
// further calls.
func (space *Space) Notify(template *Entry, fn func(entry *Entry)) (cancel func()) {
	return space.notify(template, fn)
}

// Checkpoint saves every cached entry and truncates the log. It fails with
// a BusyError while any transaction is active.
func (space *Space) Checkpoint() (err error) {
	err = space.checkOpen()
	if nil != err {
		return
	}
	return space.checkpoint()
}

// Reap removes every entry whose lease has expired and returns how many
// were removed. Entries locked by a transaction are left for a later pass.
func (space *Space) Reap() (reaped int, err error) {
	err = space.checkOpen()
	if nil != err {
		return
	}
	return space.reap()
}

// Len returns the number of committed or pending entries indexed.
func (space *Space) Len() int {
	return space.index.len()
}

// ActiveTxns returns the number of transactions neither committed nor
// aborted.
func (space *Space) ActiveTxns() (active int) {
	space.Lock()
	active = len(space.txns)
	space.Unlock()
	return
}

func (space *Space) Cache() *arccache.ArcCache {
	return space.cache
}

func (space *Space) Locks() *txnlock.LockMgr {
	return space.locks
}

func (space *Space) Name() string {
	return space.config.Name
}

// Close aborts active transactions, checkpoints and releases everything
// Open() created.
func (space *Space) Close() (err error) {
	return space.close()
}

func (txn *Txn) ID() txnlock.TxnID {
	return txn.id
}
