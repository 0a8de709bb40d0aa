// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package backingstore provides the durable key to record stores beneath the
// cache. A BackingStore speaks records; a RawStore speaks bytes and is where
// the data actually lives (an in-memory LLRB tree or a bolt database). A Codec
// joins the two.
package backingstore

import (
	"github.com/NVIDIA/spacestore/identifier"
	"github.com/NVIDIA/spacestore/writedaemon"
)

// Record is anything storable under exactly one Identifier.
type Record interface {
	ID() identifier.Identifier
	// Tombstoned records are deleted, not written, when saved.
	Tombstoned() bool
}

// BackingStore is the record-level store consumed by the cache. Save must not
// block its caller on I/O for deferred configurations; both methods must be
// safe for concurrent use on different identifiers.
type BackingStore interface {
	Load(id identifier.Identifier) (record Record, ok bool, err error)
	Save(record Record) (err error)
	Name() string
}

// Scanner is implemented by stores able to enumerate every record they hold.
type Scanner interface {
	Scan(fn func(record Record) (err error)) (err error)
}

// RawTxn is the view of a RawStore inside RawStore.Update().
type RawTxn interface {
	Get(key []byte) (value []byte, ok bool, err error)
	Put(key []byte, value []byte) (err error)
	Delete(key []byte) (err error)
}

// RawStore is an ordered byte-keyed store. Values returned are owned by the
// caller. ForEach visits keys in ascending byte order.
type RawStore interface {
	RawTxn
	Update(fn func(txn RawTxn) (err error)) (err error)
	ForEach(fn func(key []byte, value []byte) (err error)) (err error)
	Name() string
	Close() (err error)
}

// Codec converts records to and from bytes.
type Codec interface {
	Encode(record Record) (encoded []byte, err error)
	Decode(id identifier.Identifier, encoded []byte) (record Record, err error)
}

// NewMemStore returns an empty in-memory RawStore.
func NewMemStore(name string) (memStore *MemStore) {
	return newMemStore(name)
}

// OpenBolt opens (creating if needed) the bolt database at path.
func OpenBolt(path string) (boltDB *BoltDB, err error) {
	return openBolt(path)
}

// NewStore returns a BackingStore that encodes and writes synchronously.
func NewStore(raw RawStore, codec Codec) (store *Store) {
	store = &Store{raw: raw, codec: codec}
	store.stats = newStoreStats(raw.Name(), "sync")
	return
}

// NewDeferredStore returns a BackingStore whose Save encodes immediately but
// writes through writeDaemon. Load sees saved records whose write is still
// pending.
func NewDeferredStore(raw RawStore, codec Codec, writeDaemon *writedaemon.WriteDaemon) (store *DeferredStore) {
	return newDeferredStore(raw, codec, writeDaemon)
}
