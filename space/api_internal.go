// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package space

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/btree"

	"github.com/NVIDIA/spacestore/arccache"
	"github.com/NVIDIA/spacestore/backingstore"
	"github.com/NVIDIA/spacestore/batcher"
	"github.com/NVIDIA/spacestore/blunder"
	"github.com/NVIDIA/spacestore/bucketstats"
	"github.com/NVIDIA/spacestore/identifier"
	"github.com/NVIDIA/spacestore/logger"
	"github.com/NVIDIA/spacestore/taskqueue"
	"github.com/NVIDIA/spacestore/txnlock"
	"github.com/NVIDIA/spacestore/writedaemon"
)

type statsStruct struct {
	Writes        bucketstats.Total
	Reads         bucketstats.Total
	Takes         bucketstats.Total
	Commits       bucketstats.Total
	Aborts        bucketstats.Total
	Conflicts     bucketstats.Total
	Waits         bucketstats.Total
	Timeouts      bucketstats.Total
	Reaped        bucketstats.Total
	Notifications bucketstats.Total
	Checkpoints   bucketstats.Total
	Replayed      bucketstats.Total
	ActiveTxns    bucketstats.Gauge
	Entries       bucketstats.Gauge
	MatchUsec     bucketstats.BucketLog2
	CommitUsec    bucketstats.BucketLog2
}

type entryStore interface {
	backingstore.BackingStore
	backingstore.Scanner
	Close()
}

type txnState int

const (
	txnActive txnState = iota
	txnCommitted
	txnAborted
)

func (state txnState) String() string {
	switch state {
	case txnActive:
		return "active"
	case txnCommitted:
		return "committed"
	default:
		return "aborted"
	}
}

type lockItem struct {
	id identifier.Identifier
	op txnlock.Op
}

func (item lockItem) Less(than btree.Item) bool {
	other := than.(lockItem)
	if item.id != other.id {
		return item.id.Less(other.id)
	}
	return item.op < other.op
}

type notifyRegistration struct {
	template *Entry
	fn       func(entry *Entry)
}

func open(config *Config) (space *Space, err error) {
	if nil == config {
		err = blunder.NewError(blunder.InvalidArgError, "space.Open() needs a Config")
		return
	}

	var (
		raw     backingstore.RawStore
		log     batcher.ReplayLog
		closers []func() error
	)

	if "" == config.Directory {
		raw = backingstore.NewMemStore(config.Name)
		log = batcher.NewMemLog(config.Name)
		closers = append(closers, raw.Close)
		return openWith(config, raw, log, closers)
	}

	err = os.MkdirAll(config.Directory, 0700)
	if nil != err {
		err = blunder.AddError(err, blunder.IOError)
		return
	}

	if BackingStoreBolt == config.BackingStore {
		var (
			boltDB    *backingstore.BoltDB
			boltStore *backingstore.BoltStore
		)

		boltDB, err = backingstore.OpenBolt(filepath.Join(config.Directory, "space.db"))
		if nil != err {
			return
		}
		boltStore, err = boltDB.Store(config.Name)
		if nil != err {
			_ = boltDB.Close()
			return
		}
		raw = boltStore
		closers = append(closers, boltDB.Close, boltStore.Close)
	} else {
		logger.Warnf("space %s keeps entries in memory; only the log in %s survives a restart", config.Name, config.Directory)
		raw = backingstore.NewMemStore(config.Name)
		closers = append(closers, raw.Close)
	}

	fileLog, err := batcher.OpenFileLog(filepath.Join(config.Directory, "space.log"))
	if nil != err {
		runClosers(closers)
		return
	}
	closers = append(closers, fileLog.Close)

	return openWith(config, raw, fileLog, closers)
}

// openWith runs closers, last first, when the space closes or fails to open.
func openWith(config *Config, raw backingstore.RawStore, log batcher.ReplayLog, closers []func() error) (space *Space, err error) {
	err = config.validate()
	if nil != err {
		runClosers(closers)
		return
	}

	space = &Space{
		config:     config,
		allocator:  identifier.NewAllocator(config.Zone),
		log:        log,
		index:      newEntryIndex(),
		txns:       make(map[txnlock.TxnID]*Txn),
		notifies:   make(map[uint64]*notifyRegistration),
		arrival:    make(chan struct{}),
		closing:    make(chan struct{}),
		closers:    closers,
		reaperDone: make(chan struct{}),
		stats:      &statsStruct{},
	}

	bucketstats.Register("space", config.Name, space.stats)

	codec := &backingstore.JSONCodec{New: func() backingstore.Record { return &Entry{} }}

	if config.Deferred {
		var writeDaemon *writedaemon.WriteDaemon

		writeDaemon, err = writedaemon.New(config.Name, config.WriteDaemon)
		if nil != err {
			space.teardown()
			space = nil
			return
		}
		space.closers = append(space.closers, func() error { writeDaemon.Halt(); return nil })
		space.deferred = backingstore.NewDeferredStore(raw, codec, writeDaemon)
		space.store = space.deferred
	} else {
		space.store = backingstore.NewStore(raw, codec)
	}

	space.cache, err = arccache.New(config.Name, config.Capacity, space.store)
	if nil != err {
		space.teardown()
		space = nil
		return
	}

	space.locks = txnlock.New(config.Name, config.TxnLock)

	err = space.recover()
	if nil != err {
		space.teardown()
		space = nil
		return
	}

	space.batcher = batcher.New(config.Batcher, log, space)

	space.Lock()
	leftovers := make([]*Txn, 0, len(space.txns))
	for _, txn := range space.txns {
		leftovers = append(leftovers, txn)
	}
	space.Unlock()

	for _, txn := range leftovers {
		err = space.abort(txn)
		if nil != err {
			logger.ErrorfWithError(err, "space %s unable to abort transaction %v left open by the log", config.Name, txn.id)
			space.teardown()
			space = nil
			return
		}
	}

	if 0 < config.ReapInterval {
		go space.reaper()
	} else {
		close(space.reaperDone)
	}

	logger.Infof("space %s opened: %d entries, %d transactions aborted", config.Name, space.index.len(), len(leftovers))

	return
}

// recover rebuilds the index from the store then replays the log.
func (space *Space) recover() (err error) {
	err = space.store.Scan(func(record backingstore.Record) (err error) {
		entry := record.(*Entry)
		space.allocator.Observe(entry.Key)
		if !entry.Removed {
			space.index.insert(entry.Type, entry.Key)
		}
		return
	})
	if nil != err {
		logger.ErrorfWithError(err, "space %s unable to scan store %s", space.config.Name, space.store.Name())
		return
	}

	space.recovering = true

	replayed, err := space.log.Replay(newRegistry(), func(cmd batcher.Command) (err error) {
		_, err = cmd.Execute(space)
		return
	})

	space.recovering = false

	space.stats.Replayed.Add(uint64(replayed))

	if nil != err {
		logger.ErrorfWithError(err, "space %s log replay failed after %d commands", space.config.Name, replayed)
		return
	}

	space.stats.Entries.Set(int64(space.index.len()))

	logger.Infof("space %s replayed %d logged commands", space.config.Name, replayed)

	return
}

func runClosers(closers []func() error) (err error) {
	for i := len(closers) - 1; i >= 0; i-- {
		closeErr := closers[i]()
		if (nil == err) && (nil != closeErr) {
			err = closeErr
		}
	}
	return
}

func (space *Space) teardown() (err error) {
	if nil != space.batcher {
		space.batcher.Close()
	}
	if nil != space.cache {
		space.cache.Close()
	}
	if nil != space.locks {
		space.locks.Close()
	}
	if nil != space.store {
		space.store.Close()
	}

	err = runClosers(space.closers)
	space.closers = nil

	bucketstats.UnRegister("space", space.config.Name)

	return
}

func (space *Space) checkOpen() (err error) {
	space.Lock()
	if space.closed {
		err = blunder.NewError(blunder.ShutdownError, "space %s is closed", space.config.Name)
	}
	space.Unlock()
	return
}

func (space *Space) begin() (txn *Txn) {
	txn = newTxn(txnlock.NewTxnID())

	space.Lock()
	space.txns[txn.id] = txn
	space.stats.ActiveTxns.Set(int64(len(space.txns)))
	space.Unlock()

	return
}

func newTxn(id txnlock.TxnID) *Txn {
	return &Txn{id: id, locks: btree.New(4)}
}

// implicitly runs fn under txn, or under a fresh transaction committed if
// fn succeeds and aborted if not.
func (space *Space) implicitly(txn *Txn, fn func(txn *Txn) (err error)) (err error) {
	err = space.checkOpen()
	if nil != err {
		return
	}

	if nil != txn {
		return fn(txn)
	}

	txn = space.begin()

	err = fn(txn)
	if nil == err {
		err = space.commit(txn)
		return
	}

	abortErr := space.abort(txn)
	if nil != abortErr {
		logger.WarnfWithError(abortErr, "space %s implicit transaction %v abort failed", space.config.Name, txn.id)
	}

	return
}

// execute logs and applies cmd.
func (space *Space) execute(cmd batcher.Command, sync bool) (err error) {
	space.checkpointLock.RLock()
	_, err = space.batcher.ExecuteCommand(cmd, sync)
	space.checkpointLock.RUnlock()
	return
}

func (space *Space) write(txn *Txn, entry *Entry, lease time.Duration) (key identifier.Identifier, err error) {
	if (nil == entry) || ("" == entry.Type) {
		err = blunder.NewError(blunder.InvalidArgError, "space %s Write() needs an entry with a Type", space.config.Name)
		return
	}
	if 0 > lease {
		err = blunder.NewError(blunder.InvalidArgError, "space %s Write() given negative lease %v", space.config.Name, lease)
		return
	}

	err = txn.checkActive()
	if nil != err {
		return
	}

	written := entry.Clone()
	written.Key = space.allocator.Next()
	written.Removed = false
	written.Expires = time.Time{}
	if 0 < lease {
		written.Expires = time.Now().Add(lease)
	}

	// a write is synced since a cached entry may reach the store before
	// its transaction ends
	err = space.execute(&writeCommand{Txn: txn.id, Entry: written}, true)
	if nil != err {
		return
	}

	key = written.Key

	return
}

func (space *Space) read(ctx context.Context, txn *Txn, template *Entry, timeout time.Duration) (entry *Entry, err error) {
	entry, err = space.match(ctx, txn, template, timeout, txnlock.Read)
	if nil == err {
		space.stats.Reads.Increment()
	}
	return
}

func (space *Space) take(ctx context.Context, txn *Txn, template *Entry, timeout time.Duration) (entry *Entry, err error) {
	entry, err = space.match(ctx, txn, template, timeout, txnlock.Delete)
	if nil != err {
		return
	}

	// the commit record is synced and orders after this one
	err = space.execute(&takeCommand{Txn: txn.id, Key: entry.Key}, false)
	if nil != err {
		entry = nil
		return
	}

	space.stats.Takes.Increment()

	return
}

// match scans for an entry until one is claimed, the timeout passes or ctx
// is done. Between scans it waits for a conflicting transaction to end or
// for new entries to become visible.
func (space *Space) match(ctx context.Context, txn *Txn, template *Entry, timeout time.Duration, op txnlock.Op) (entry *Entry, err error) {
	var deadline <-chan time.Time

	if nil == template {
		template = &Entry{}
	}

	startTime := time.Now()
	defer func() {
		space.stats.MatchUsec.Add(uint64(time.Since(startTime).Microseconds()))
	}()

	if 0 < timeout {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		var unblocked <-chan struct{}

		err = txn.checkActive()
		if nil != err {
			return
		}

		space.Lock()
		arrival := space.arrival
		space.Unlock()

		blocker := txnlock.NewWaitBlocker()

		entry, err = space.scan(txn, template, op, blocker)
		if (nil != err) || (nil != entry) {
			return
		}

		if 0 == timeout {
			err = space.miss(template, blocker.IsBlocked())
			return
		}

		if blocker.IsBlocked() {
			unblocked = blocker.Done()
		}

		space.stats.Waits.Increment()

		select {
		case <-arrival:
		case <-unblocked:
		case <-deadline:
			space.stats.Timeouts.Increment()
			err = space.miss(template, blocker.IsBlocked())
			return
		case <-ctx.Done():
			err = blunder.AddError(ctx.Err(), blunder.InterruptedError)
			return
		case <-space.closing:
			err = blunder.NewError(blunder.ShutdownError, "space %s closed while waiting", space.config.Name)
			return
		}
	}
}

func (space *Space) miss(template *Entry, blocked bool) (err error) {
	if blocked {
		err = blunder.NewError(blunder.TryAgainError, "space %s entries of type %q matching are held by other transactions", space.config.Name, template.Type)
	} else {
		err = blunder.NewError(blunder.NotFoundError, "space %s has no entry of type %q matching", space.config.Name, template.Type)
	}
	return
}

func (space *Space) scan(txn *Txn, template *Entry, op txnlock.Op, blocker txnlock.Blocker) (entry *Entry, err error) {
	now := time.Now()

	accept := func(candidate *Entry) bool {
		return !candidate.Expired(now) && candidate.Matches(template)
	}

	for _, id := range space.index.snapshot(template.Type) {
		entry, err = space.claim(txn, id, op, blocker, accept)
		if (nil != err) || (nil != entry) {
			return
		}
	}

	return
}

// claim locks id for txn with op if its entry is present and accepted.
// The cache handle is held across the lock acquisition so that a take
// committing concurrently is seen either as a conflict or as a removal.
func (space *Space) claim(txn *Txn, id identifier.Identifier, op txnlock.Op, blocker txnlock.Blocker, accept func(candidate *Entry) bool) (entry *Entry, err error) {
	handle, err := space.cache.Find(id)
	if (nil != err) || (nil == handle) {
		return
	}
	defer handle.Release()

	candidate := handle.Record().(*Entry)
	if !accept(candidate) {
		return
	}

	if (txnlock.Read == op) && txn.holds(id, op) {
		entry = candidate.Clone()
		return
	}

	switch space.locks.Acquire(txn.id, id, op, blocker, nil, false) {
	case txnlock.Success:
		txn.addLock(id, op)
		entry = candidate.Clone()
	case txnlock.Conflict:
		space.stats.Conflicts.Increment()
	case txnlock.Fail:
		// txn already took it
	}

	return
}

func (space *Space) commit(txn *Txn) (err error) {
	startTime := time.Now()

	err = txn.checkActive()
	if nil != err {
		return
	}

	if txn.logged() {
		err = space.execute(&commitCommand{Txn: txn.id}, true)
	} else {
		space.finish(txn, txnCommitted)
		space.stats.Commits.Increment()
	}

	space.stats.CommitUsec.Add(uint64(time.Since(startTime).Microseconds()))

	return
}

func (space *Space) abort(txn *Txn) (err error) {
	err = txn.checkActive()
	if nil != err {
		return
	}

	if txn.logged() {
		// losing an abort record is harmless; recovery aborts the txn anyway
		err = space.execute(&abortCommand{Txn: txn.id}, false)
	} else {
		space.finish(txn, txnAborted)
		space.stats.Aborts.Increment()
	}

	return
}

// txnForApply finds txn for a command being applied; replay creates the
// transactions it meets.
func (space *Space) txnForApply(id txnlock.TxnID) (txn *Txn, err error) {
	space.Lock()
	defer space.Unlock()

	txn, ok := space.txns[id]
	if ok {
		return
	}

	if !space.recovering {
		err = blunder.NewError(blunder.InvalidArgError, "space %s transaction %v is not active", space.config.Name, id)
		return
	}

	txn = newTxn(id)
	space.txns[id] = txn

	return
}

// acquireForApply takes a lock state for a logged command. Such commands
// only follow lock states already granted (or, in recovery, forced), so
// anything but Success is a breach of the locking protocol.
func (space *Space) acquireForApply(txnID txnlock.TxnID, key identifier.Identifier, op txnlock.Op) {
	result := space.locks.Acquire(txnID, key, op, nil, nil, space.recovering)
	if txnlock.Success != result {
		err := blunder.NewError(blunder.LockProtocolError, "transaction %v got %v acquiring %v on %v", txnID, result, op, key)
		logger.PanicfWithError(err, "space %s lock protocol breach", space.config.Name)
	}
}

// applyFailed handles an error applying a command already in the log. While
// recovering it is returned so Open() fails. Otherwise the log and the cache
// now disagree and the space cannot continue.
func (space *Space) applyFailed(cause error, format string, args ...interface{}) (err error) {
	what := fmt.Sprintf(format, args...)
	if space.recovering {
		logger.ErrorfWithError(cause, "space %s unable to replay %s", space.config.Name, what)
		err = cause
		return
	}
	logger.PanicfWithError(cause, "space %s logged %s but cannot apply it", space.config.Name, what)
	return
}

func (space *Space) applyWrite(txnID txnlock.TxnID, entry *Entry) (err error) {
	var handle *arccache.Handle

	txn, err := space.txnForApply(txnID)
	if nil != err {
		return
	}

	space.acquireForApply(txnID, entry.Key, txnlock.Write)

	if space.recovering {
		space.allocator.Observe(entry.Key)
		handle, _, err = space.cache.Recover(entry.Clone())
	} else {
		handle, err = space.cache.Insert(entry.Clone())
	}
	if nil != err {
		space.locks.Release(txnID, entry.Key, txnlock.Write)
		err = space.applyFailed(err, "write of %v by transaction %v", entry.Key, txnID)
		return
	}
	handle.Release()

	txn.Lock()
	txn.locks.ReplaceOrInsert(lockItem{id: entry.Key, op: txnlock.Write})
	txn.writes = append(txn.writes, entry.Clone())
	txn.Unlock()

	space.index.insert(entry.Type, entry.Key)
	space.stats.Entries.Set(int64(space.index.len()))
	space.stats.Writes.Increment()

	return
}

func (space *Space) applyTake(txnID txnlock.TxnID, key identifier.Identifier) (err error) {
	txn, err := space.txnForApply(txnID)
	if nil != err {
		return
	}

	if space.recovering {
		space.acquireForApply(txnID, key, txnlock.Delete)
		txn.addLock(key, txnlock.Delete)
	}

	txn.Lock()
	txn.takes = append(txn.takes, key)
	txn.Unlock()

	return
}

func (space *Space) applyCommit(txnID txnlock.TxnID) (err error) {
	txn, err := space.txnForApply(txnID)
	if nil != err {
		return
	}

	txn.Lock()
	takes := txn.takes
	writes := txn.writes
	txn.Unlock()

	// the transaction stays active, still holding its locks, unless every
	// take was applied
	taken := make(map[identifier.Identifier]bool, len(takes))
	for _, key := range takes {
		taken[key] = true
		err = space.remove(key)
		if nil != err {
			err = space.applyFailed(err, "commit of transaction %v taking %v", txnID, key)
			return
		}
	}

	space.finish(txn, txnCommitted)
	space.stats.Commits.Increment()

	if space.recovering {
		return
	}

	visible := make([]*Entry, 0, len(writes))
	for _, entry := range writes {
		if !taken[entry.Key] {
			visible = append(visible, entry)
		}
	}
	space.dispatchNotifications(visible)

	return
}

func (space *Space) applyAbort(txnID txnlock.TxnID) (err error) {
	txn, err := space.txnForApply(txnID)
	if nil != err {
		return
	}

	txn.Lock()
	writes := txn.writes
	txn.Unlock()

	for _, entry := range writes {
		err = space.remove(entry.Key)
		if nil != err {
			err = space.applyFailed(err, "abort of transaction %v writing %v", txnID, entry.Key)
			return
		}
	}

	space.finish(txn, txnAborted)
	space.stats.Aborts.Increment()

	return
}

// remove tombstones key's cached entry, if present, and unindexes it.
func (space *Space) remove(key identifier.Identifier) (err error) {
	handle, err := space.cache.Find(key)
	if nil != err {
		logger.ErrorfWithError(err, "space %s unable to fetch %v for removal", space.config.Name, key)
		return
	}
	if nil == handle {
		return
	}

	entry := handle.Record().(*Entry)
	removed := entry.Clone()
	removed.Removed = true
	handle.SetRecord(removed)
	handle.Release()

	space.index.remove(entry.Type, key)
	space.stats.Entries.Set(int64(space.index.len()))

	return
}

// finish ends txn, releasing its locks, and wakes waiting matchers.
func (space *Space) finish(txn *Txn, state txnState) {
	var held []lockItem

	txn.Lock()
	txn.state = state
	txn.locks.Ascend(func(item btree.Item) bool {
		held = append(held, item.(lockItem))
		return true
	})
	txn.locks.Clear(false)
	txn.Unlock()

	space.Lock()
	delete(space.txns, txn.id)
	space.stats.ActiveTxns.Set(int64(len(space.txns)))
	space.Unlock()

	for _, item := range held {
		space.locks.Release(txn.id, item.id, item.op)
	}

	space.Lock()
	close(space.arrival)
	space.arrival = make(chan struct{})
	space.Unlock()
}

func (space *Space) notify(template *Entry, fn func(entry *Entry)) (cancel func()) {
	registration := &notifyRegistration{template: template.Clone(), fn: fn}

	space.Lock()
	space.nextNotify++
	handle := space.nextNotify
	space.notifies[handle] = registration
	space.Unlock()

	cancel = func() {
		space.Lock()
		delete(space.notifies, handle)
		space.Unlock()
	}

	return
}

func (space *Space) dispatchNotifications(entries []*Entry) {
	if 0 == len(entries) {
		return
	}

	space.Lock()
	registrations := make([]*notifyRegistration, 0, len(space.notifies))
	for _, registration := range space.notifies {
		registrations = append(registrations, registration)
	}
	space.Unlock()

	for _, entry := range entries {
		for _, registration := range registrations {
			if !entry.Matches(registration.template) {
				continue
			}
			fn := registration.fn
			delivered := entry.Clone()
			err := taskqueue.Submit(space.config.EventQueue, taskqueue.TaskFunc(func() { fn(delivered) }))
			if nil != err {
				logger.WarnfWithError(err, "space %s dropped notification of %v", space.config.Name, entry.Key)
				continue
			}
			space.stats.Notifications.Increment()
		}
	}
}

func (space *Space) checkpoint() (err error) {
	space.checkpointLock.Lock()
	defer space.checkpointLock.Unlock()

	active := space.ActiveTxns()
	if 0 < active {
		err = blunder.NewError(blunder.BusyError, "space %s has %d active transactions", space.config.Name, active)
		return
	}

	err = space.cache.Sync()
	if nil != err {
		logger.ErrorfWithError(err, "space %s checkpoint unable to save cached entries", space.config.Name)
		return
	}

	if nil != space.deferred {
		err = space.deferred.Flush()
		if nil != err {
			logger.ErrorfWithError(err, "space %s checkpoint unable to flush deferred writes", space.config.Name)
			return
		}
	}

	err = space.log.Truncate()
	if nil != err {
		logger.ErrorfWithError(err, "space %s checkpoint unable to truncate log", space.config.Name)
		return
	}

	space.stats.Checkpoints.Increment()

	logger.Infof("space %s checkpointed with %d entries", space.config.Name, space.index.len())

	return
}

// reap removes expired entries under one private transaction.
func (space *Space) reap() (reaped int, err error) {
	now := time.Now()
	txn := space.begin()
	blocker := txnlock.NewWaitBlocker()

	expired := func(candidate *Entry) bool {
		return candidate.Expired(now)
	}

	for _, id := range space.index.snapshot("") {
		var entry *Entry

		entry, err = space.claim(txn, id, txnlock.Delete, blocker, expired)
		if nil != err {
			break
		}
		if nil == entry {
			continue
		}

		err = space.execute(&takeCommand{Txn: txn.id, Key: id}, false)
		if nil != err {
			break
		}

		reaped++
	}

	if nil != err {
		abortErr := space.abort(txn)
		if nil != abortErr {
			logger.WarnfWithError(abortErr, "space %s reap transaction abort failed", space.config.Name)
		}
		reaped = 0
		return
	}

	err = space.commit(txn)
	if nil != err {
		reaped = 0
		return
	}

	space.stats.Reaped.Add(uint64(reaped))

	return
}

func (space *Space) reaper() {
	defer close(space.reaperDone)

	ticker := time.NewTicker(space.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-space.closing:
			return
		case <-ticker.C:
			reaped, err := space.reap()
			if nil != err {
				logger.WarnfWithError(err, "space %s reaper pass failed", space.config.Name)
			} else if 0 < reaped {
				logger.Infof("space %s reaped %d expired entries", space.config.Name, reaped)
			}
		}
	}
}

func (space *Space) close() (err error) {
	space.Lock()
	if space.closed {
		space.Unlock()
		return
	}
	space.closed = true
	close(space.closing)
	active := make([]*Txn, 0, len(space.txns))
	for _, txn := range space.txns {
		active = append(active, txn)
	}
	space.Unlock()

	<-space.reaperDone

	for _, txn := range active {
		abortErr := space.abort(txn)
		if nil != abortErr {
			logger.WarnfWithError(abortErr, "space %s unable to abort transaction %v at close", space.config.Name, txn.id)
		}
	}

	err = space.checkpoint()
	if nil != err {
		logger.ErrorfWithError(err, "space %s final checkpoint failed", space.config.Name)
	}

	teardownErr := space.teardown()
	if nil == err {
		err = teardownErr
	}

	logger.Infof("space %s closed", space.config.Name)

	return
}

func (txn *Txn) checkActive() (err error) {
	txn.Lock()
	if txnActive != txn.state {
		err = blunder.NewError(blunder.InvalidArgError, "transaction %v is %v", txn.id, txn.state)
	}
	txn.Unlock()
	return
}

func (txn *Txn) holds(id identifier.Identifier, op txnlock.Op) (held bool) {
	txn.Lock()
	held = txn.locks.Has(lockItem{id: id, op: op})
	txn.Unlock()
	return
}

func (txn *Txn) addLock(id identifier.Identifier, op txnlock.Op) {
	txn.Lock()
	txn.locks.ReplaceOrInsert(lockItem{id: id, op: op})
	txn.Unlock()
}

// logged reports whether txn has log records a commit or abort must follow.
func (txn *Txn) logged() (hasRecords bool) {
	txn.Lock()
	hasRecords = (0 < len(txn.writes)) || (0 < len(txn.takes))
	txn.Unlock()
	return
}
