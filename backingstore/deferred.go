// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package backingstore

import (
	"time"

	"github.com/NVIDIA/spacestore/bucketstats"
	"github.com/NVIDIA/spacestore/identifier"
	"github.com/NVIDIA/spacestore/logger"
	"github.com/NVIDIA/spacestore/taskqueue"
	"github.com/NVIDIA/spacestore/trackedlock"
	"github.com/NVIDIA/spacestore/writedaemon"
)

const deferredWriteStripes = 64

// DeferredStore is a BackingStore whose writes happen on a WriteDaemon.
//
// Saved content waits in pending until written. Writes of one identifier are
// serialized by its stripe lock and always write the newest pending content,
// so a stale write never lands after a newer one. Content whose write failed
// stays pending, and so visible to Load, until a retry stores it.
type DeferredStore struct {
	trackedlock.Mutex
	raw         RawStore
	codec       Codec
	writeDaemon *writedaemon.WriteDaemon
	pending     map[identifier.Identifier]*pendingWrite
	stripes     [deferredWriteStripes]trackedlock.Mutex
	stats       *storeStats
	deferred    *deferredStats
}

type pendingWrite struct {
	record  Record
	encoded []byte
	err     error // last failed attempt to write this content
}

type deferredStats struct {
	PendingHits  bucketstats.Total
	Superseded   bucketstats.Total
	WriteErrors  bucketstats.Total
	Retries      bucketstats.Total
	PendingCount bucketstats.Gauge
	FailedCount  bucketstats.Gauge
}

func newDeferredStore(raw RawStore, codec Codec, writeDaemon *writedaemon.WriteDaemon) (store *DeferredStore) {
	store = &DeferredStore{
		raw:         raw,
		codec:       codec,
		writeDaemon: writeDaemon,
		pending:     make(map[identifier.Identifier]*pendingWrite),
		deferred:    &deferredStats{},
	}

	store.stats = newStoreStats(raw.Name(), "deferred")
	bucketstats.Register("backingstore", raw.Name()+".pending", store.deferred)

	return
}

func (store *DeferredStore) Name() string {
	return store.raw.Name()
}

func (store *DeferredStore) Raw() RawStore {
	return store.raw
}

// Load returns pending content for id if any, else reads the RawStore.
func (store *DeferredStore) Load(id identifier.Identifier) (record Record, ok bool, err error) {
	store.Lock()
	pw, isPending := store.pending[id]
	store.Unlock()

	if !isPending {
		return loadRaw(store.raw, store.codec, store.stats, id)
	}

	store.deferred.PendingHits.Increment()

	if pw.record.Tombstoned() {
		return
	}

	record, err = store.codec.Decode(id, pw.encoded)
	ok = (nil == err)

	return
}

// Save encodes record now and queues its write. An error from the
// WriteDaemon (halted or interrupted) is returned and the content is not
// left pending.
func (store *DeferredStore) Save(record Record) (err error) {
	started := time.Now()

	pw := &pendingWrite{record: record}

	if !record.Tombstoned() {
		pw.encoded, err = store.codec.Encode(record)
		if nil != err {
			store.stats.Errors.Increment()
			return
		}
	}

	id := record.ID()

	store.Lock()
	if _, superseding := store.pending[id]; superseding {
		store.deferred.Superseded.Increment()
	}
	store.pending[id] = pw
	store.updateGaugesLocked()
	store.Unlock()

	err = store.writeDaemon.Queue(taskqueue.TaskFunc(func() { store.write(id) }))
	if nil != err {
		store.Lock()
		if pw == store.pending[id] {
			delete(store.pending, id)
			store.updateGaugesLocked()
		}
		store.Unlock()
		logger.ErrorfWithError(err, "backingstore %s unable to queue write of %v", store.raw.Name(), id)
	}

	store.stats.SaveUsec.Add(uint64(time.Since(started) / time.Microsecond))

	return
}

func (store *DeferredStore) write(id identifier.Identifier) {
	stripe := &store.stripes[id.Hash()%deferredWriteStripes]

	stripe.Lock()
	defer stripe.Unlock()

	store.Lock()
	pw, ok := store.pending[id]
	store.Unlock()

	if !ok {
		// an earlier write already stored the newest content
		return
	}

	var err error
	if pw.record.Tombstoned() {
		store.stats.Deletes.Increment()
		err = store.raw.Delete(id.Pack())
	} else {
		store.stats.Saves.Increment()
		store.stats.EncodedBytes.Add(uint64(len(pw.encoded)))
		err = store.raw.Put(id.Pack(), pw.encoded)
	}

	store.Lock()
	if nil != err {
		err = ioError(err)
		store.deferred.WriteErrors.Increment()
		store.stats.Errors.Increment()
		pw.err = err
	} else {
		pw.err = nil
		if pw == store.pending[id] {
			delete(store.pending, id)
		}
	}
	store.updateGaugesLocked()
	store.Unlock()

	if nil != err {
		logger.ErrorfWithError(err, "backingstore %s deferred write of %v failed; content kept pending", store.raw.Name(), id)
	}
}

func (store *DeferredStore) updateGaugesLocked() {
	failed := 0
	for _, pw := range store.pending {
		if nil != pw.err {
			failed++
		}
	}
	store.deferred.PendingCount.Set(int64(len(store.pending)))
	store.deferred.FailedCount.Set(int64(failed))
}

// Flush waits for every write queued so far, then retries each write that
// failed. It returns an error while any saved content remains unwritten
// because of a failure.
func (store *DeferredStore) Flush() (err error) {
	err = store.writeDaemon.Flush()
	if nil != err {
		return
	}

	store.Lock()
	failed := make([]identifier.Identifier, 0)
	for id, pw := range store.pending {
		if nil != pw.err {
			failed = append(failed, id)
		}
	}
	store.Unlock()

	for _, id := range failed {
		store.deferred.Retries.Increment()
		store.write(id)
	}

	store.Lock()
	for _, id := range failed {
		pw, ok := store.pending[id]
		if ok && (nil != pw.err) {
			err = pw.err
			break
		}
	}
	store.Unlock()

	return
}

// Pending returns the number of saves not yet written.
func (store *DeferredStore) Pending() (pending int) {
	store.Lock()
	pending = len(store.pending)
	store.Unlock()
	return
}

func (store *DeferredStore) Scan(fn func(record Record) (err error)) (err error) {
	err = store.Flush()
	if nil != err {
		return
	}
	return scanRaw(store.raw, store.codec, fn)
}

// Close unregisters the store's statistics. Neither the WriteDaemon nor the
// RawStore is closed.
func (store *DeferredStore) Close() {
	bucketstats.UnRegister("backingstore", store.raw.Name()+".deferred")
	bucketstats.UnRegister("backingstore", store.raw.Name()+".pending")
}
