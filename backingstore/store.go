// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package backingstore

import (
	"time"

	"github.com/NVIDIA/spacestore/blunder"
	"github.com/NVIDIA/spacestore/bucketstats"
	"github.com/NVIDIA/spacestore/identifier"
	"github.com/NVIDIA/spacestore/logger"
)

type storeStats struct {
	Loads        bucketstats.Total
	LoadMisses   bucketstats.Total
	Saves        bucketstats.Total
	Deletes      bucketstats.Total
	Errors       bucketstats.Total
	LoadUsec     bucketstats.BucketLog2
	SaveUsec     bucketstats.BucketLog2
	EncodedBytes bucketstats.BucketLog2
}

func newStoreStats(name string, kind string) (stats *storeStats) {
	stats = &storeStats{}
	bucketstats.Register("backingstore", name+"."+kind, stats)
	return
}

// Store is a BackingStore whose Save writes before returning.
type Store struct {
	raw   RawStore
	codec Codec
	stats *storeStats
}

func (store *Store) Name() string {
	return store.raw.Name()
}

func (store *Store) Raw() RawStore {
	return store.raw
}

func (store *Store) Load(id identifier.Identifier) (record Record, ok bool, err error) {
	return loadRaw(store.raw, store.codec, store.stats, id)
}

func (store *Store) Save(record Record) (err error) {
	started := time.Now()

	err = saveRaw(store.raw, store.codec, store.stats, record)

	store.stats.SaveUsec.Add(uint64(time.Since(started) / time.Microsecond))

	return
}

func (store *Store) Scan(fn func(record Record) (err error)) (err error) {
	return scanRaw(store.raw, store.codec, fn)
}

// Close unregisters the store's statistics. The RawStore is not closed.
func (store *Store) Close() {
	bucketstats.UnRegister("backingstore", store.raw.Name()+".sync")
}

func loadRaw(raw RawStore, codec Codec, stats *storeStats, id identifier.Identifier) (record Record, ok bool, err error) {
	started := time.Now()
	defer func() {
		stats.LoadUsec.Add(uint64(time.Since(started) / time.Microsecond))
	}()

	stats.Loads.Increment()

	encoded, ok, err := raw.Get(id.Pack())
	if nil != err {
		stats.Errors.Increment()
		err = ioError(err)
		logger.ErrorfWithError(err, "backingstore %s load of %v failed", raw.Name(), id)
		return
	}
	if !ok {
		stats.LoadMisses.Increment()
		return
	}

	record, err = codec.Decode(id, encoded)
	if nil != err {
		stats.Errors.Increment()
		ok = false
		logger.ErrorfWithError(err, "backingstore %s decode of %v failed", raw.Name(), id)
	}

	return
}

func saveRaw(raw RawStore, codec Codec, stats *storeStats, record Record) (err error) {
	if record.Tombstoned() {
		stats.Deletes.Increment()
		err = raw.Delete(record.ID().Pack())
	} else {
		var encoded []byte
		encoded, err = codec.Encode(record)
		if nil != err {
			stats.Errors.Increment()
			return
		}
		stats.Saves.Increment()
		stats.EncodedBytes.Add(uint64(len(encoded)))
		err = raw.Put(record.ID().Pack(), encoded)
	}

	if nil != err {
		stats.Errors.Increment()
		err = ioError(err)
		logger.ErrorfWithError(err, "backingstore %s save of %v failed", raw.Name(), record.ID())
	}

	return
}

// ioError classifies an unclassified error as an IOError.
func ioError(err error) error {
	if blunder.HasValue(err) {
		return err
	}
	return blunder.AddError(err, blunder.IOError)
}

func scanRaw(raw RawStore, codec Codec, fn func(record Record) (err error)) (err error) {
	return raw.ForEach(func(key []byte, value []byte) (err error) {
		id, err := identifier.Unpack(key)
		if nil != err {
			return
		}
		record, err := codec.Decode(id, value)
		if nil != err {
			return
		}
		return fn(record)
	})
}
