// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package arccache implements an Adaptive Replacement Cache (ARC) of records
// over a backingstore.BackingStore.
//
// Each cached identifier is described by a CBD on one of four lists: T1
// (resident, seen once recently), T2 (resident, seen at least twice), and the
// ghost lists B1 and B2 remembering identifiers recently evicted from T1 and
// T2. The target size p of T1 adapts on ghost hits.
//
// Locking is two level. The cache's coarse lock guards the block index, the
// lists, p, and each CBD's list linkage and pin count. Each CBD's fine lock
// guards its payload. While holding the coarse lock only TryLock() is ever
// applied to a fine lock, so a goroutine holding a fine lock may safely wait
// for the coarse lock. Pinned CBDs (those with live Handles or waiters) are
// never evicted: a lookup that needs room while every resident CBD is pinned
// waits until one is unpinned. A goroutine must therefore not hold a Handle
// across a cache call that may need to evict.
package arccache

import (
	"sync"

	"github.com/NVIDIA/spacestore/backingstore"
	"github.com/NVIDIA/spacestore/blunder"
	"github.com/NVIDIA/spacestore/conf"
	"github.com/NVIDIA/spacestore/identifier"
	"github.com/NVIDIA/spacestore/logger"
	"github.com/NVIDIA/spacestore/trackedlock"
)

// CBD is the cache block descriptor of one identifier.
type CBD struct {
	trackedlock.Mutex // fine lock; guards the fields below it up to tag

	id     identifier.Identifier
	record backingstore.Record // nil means known not to exist
	valid  bool                // record reflects the store or a newer write
	dirty  bool                // record differs from the store
	dead   bool                // fetch failed; CBD left the index

	// guarded by the coarse lock
	tag   listTag
	older *CBD
	newer *CBD
	pins  int
}

// Listener is told about records entering the cache.
type Listener interface {
	Loaded(id identifier.Identifier)
}

// ArcCache caches the records of one backing store.
type ArcCache struct {
	trackedlock.Mutex // coarse lock

	name      string
	capacity  int // C
	target    int // p
	index     map[identifier.Identifier]*CBD
	t1        adaptiveList
	t2        adaptiveList
	b1        adaptiveList
	b2        adaptiveList
	store     backingstore.BackingStore
	listeners []Listener
	unpinned  *sync.Cond // on the coarse lock; broadcast when a pin count drops to zero
	stats     *statsStruct
}

// Handle is a pinned, locked CBD. It must be released exactly once.
type Handle struct {
	cache    *ArcCache
	cbd      *CBD
	released bool
}

// ConfigFromConfMap returns ArcCache.Capacity, defaulting to 1024.
func ConfigFromConfMap(confMap conf.ConfMap) (capacity int, err error) {
	if _, ok := confMap["ArcCache"]["Capacity"]; !ok {
		capacity = 1024
		return
	}

	capacity32, err := confMap.FetchOptionValueUint32("ArcCache", "Capacity")
	if nil != err {
		err = blunder.AddError(err, blunder.InvalidArgError)
		return
	}
	if 0 == capacity32 {
		err = blunder.NewError(blunder.InvalidArgError, "ArcCache.Capacity must be at least 1")
		return
	}

	capacity = int(capacity32)

	return
}

// New returns an empty ArcCache of the given capacity over store.
func New(name string, capacity int, store backingstore.BackingStore, listeners ...Listener) (cache *ArcCache, err error) {
	if 1 > capacity {
		err = blunder.NewError(blunder.InvalidArgError, "arccache %s capacity %d must be at least 1", name, capacity)
		return
	}

	cache = newArcCache(name, capacity, store, listeners)

	logger.Infof("arccache %s created with capacity %d over store %s", name, capacity, store.Name())

	return
}

// Find returns a Handle on the record named id, fetching it from the store
// if needed, or a nil Handle if no such record exists. A store failure is
// returned as an IOError.
func (cache *ArcCache) Find(id identifier.Identifier) (handle *Handle, err error) {
	return cache.find(id)
}

// Insert caches record, known by the caller not to be in the store, without
// consulting the store. It fails with AlreadyExistsError if a record with
// the same identifier is already resident.
func (cache *ArcCache) Insert(record backingstore.Record) (handle *Handle, err error) {
	return cache.insert(record)
}

// Recover caches the store's image of candidate's identifier if there is one,
// else candidate itself. wasOnDisk reports whether an existing image (stored,
// or already resident) won over candidate.
func (cache *ArcCache) Recover(candidate backingstore.Record) (handle *Handle, wasOnDisk bool, err error) {
	return cache.recover(candidate)
}

// Sync saves every resident record, dirty or not. All records are attempted; the first
// error is returned.
func (cache *ArcCache) Sync() (err error) {
	return cache.sync()
}

// ForceSync saves handle's record now. A tombstoned record becomes a
// negative entry once saved.
func (cache *ArcCache) ForceSync(handle *Handle) (err error) {
	handle.checkHeld("ForceSync")
	return cache.destage(handle.cbd, true)
}

// Validate checks the ARC invariants and index/list agreement.
func (cache *ArcCache) Validate() (err error) {
	return cache.validate()
}

// Len returns |T1| + |T2|.
func (cache *ArcCache) Len() (resident int) {
	cache.Lock()
	resident = cache.t1.len + cache.t2.len
	cache.Unlock()
	return
}

// ListLens returns the lengths of T1, T2, B1 and B2.
func (cache *ArcCache) ListLens() (t1 int, t2 int, b1 int, b2 int) {
	cache.Lock()
	t1, t2, b1, b2 = cache.t1.len, cache.t2.len, cache.b1.len, cache.b2.len
	cache.Unlock()
	return
}

// Target returns p, the current target size of T1.
func (cache *ArcCache) Target() (p int) {
	cache.Lock()
	p = cache.target
	cache.Unlock()
	return
}

func (cache *ArcCache) Capacity() int {
	return cache.capacity
}

func (cache *ArcCache) Name() string {
	return cache.name
}

// Close unregisters the cache's statistics. It does not Sync().
func (cache *ArcCache) Close() {
	cache.close()
}

func (handle *Handle) ID() identifier.Identifier {
	handle.checkHeld("ID")
	return handle.cbd.id
}

func (handle *Handle) Record() backingstore.Record {
	handle.checkHeld("Record")
	return handle.cbd.record
}

// SetRecord replaces the cached record and marks it dirty.
func (handle *Handle) SetRecord(record backingstore.Record) {
	handle.checkHeld("SetRecord")
	if (nil == record) || (record.ID() != handle.cbd.id) {
		err := blunder.NewError(blunder.InvalidArgError, "SetRecord on %v given a record for another identifier", handle.cbd.id)
		logger.PanicfWithError(err, "arccache %s handle misuse", handle.cache.name)
	}
	handle.cbd.record = record
	handle.cbd.dirty = true
}

// Dirty reports whether the record has changes not yet saved.
func (handle *Handle) Dirty() bool {
	handle.checkHeld("Dirty")
	return handle.cbd.dirty
}

// Release unlocks and unpins the CBD. Releasing twice panics.
func (handle *Handle) Release() {
	handle.checkHeld("Release")
	handle.released = true
	handle.cache.unpin(handle.cbd)
}
