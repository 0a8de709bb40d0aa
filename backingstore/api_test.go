// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package backingstore

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/spacestore/blunder"
	"github.com/NVIDIA/spacestore/identifier"
	"github.com/NVIDIA/spacestore/taskqueue"
	"github.com/NVIDIA/spacestore/writedaemon"
)

type testRecord struct {
	Key   identifier.Identifier `json:"id"`
	Value string                `json:"value"`
	Gone  bool                  `json:"-"`
}

func (record *testRecord) ID() identifier.Identifier { return record.Key }
func (record *testRecord) Tombstoned() bool          { return record.Gone }

func testCodec() Codec {
	return &JSONCodec{New: func() Record { return &testRecord{} }}
}

func id(seq uint64) identifier.Identifier {
	return identifier.Identifier{Zone: 1, Seq: seq}
}

// failingRawStore wraps a RawStore, failing writes while failing is set.
type failingRawStore struct {
	RawStore
	sync.Mutex
	failing bool
}

func (raw *failingRawStore) fail(failing bool) {
	raw.Lock()
	raw.failing = failing
	raw.Unlock()
}

func (raw *failingRawStore) Put(key []byte, value []byte) (err error) {
	raw.Lock()
	failing := raw.failing
	raw.Unlock()
	if failing {
		err = fmt.Errorf("injected put failure")
		return
	}
	return raw.RawStore.Put(key, value)
}

func exerciseRawStore(t *testing.T, raw RawStore) {
	assert := assert.New(t)

	_, ok, err := raw.Get([]byte("b"))
	assert.NoError(err)
	assert.False(ok)

	assert.NoError(raw.Put([]byte("b"), []byte("2")))
	assert.NoError(raw.Put([]byte("a"), []byte("1")))
	assert.NoError(raw.Put([]byte("c"), []byte("3")))
	assert.NoError(raw.Put([]byte("b"), []byte("22")))

	value, ok, err := raw.Get([]byte("b"))
	assert.NoError(err)
	assert.True(ok)
	assert.Equal([]byte("22"), value)
	value[0] = 'x'
	value, _, _ = raw.Get([]byte("b"))
	assert.Equal([]byte("22"), value)

	assert.NoError(raw.Delete([]byte("c")))
	assert.NoError(raw.Delete([]byte("never")))

	err = raw.Update(func(txn RawTxn) (err error) {
		value, ok, err := txn.Get([]byte("a"))
		if (nil != err) || !ok {
			return fmt.Errorf("missing a")
		}
		err = txn.Put([]byte("d"), append(value, '!'))
		if nil != err {
			return
		}
		return txn.Delete([]byte("a"))
	})
	assert.NoError(err)

	keys := make([]string, 0)
	values := make([]string, 0)
	assert.NoError(raw.ForEach(func(key []byte, value []byte) (err error) {
		keys = append(keys, string(key))
		values = append(values, string(value))
		return
	}))
	assert.Equal([]string{"b", "d"}, keys)
	assert.Equal([]string{"22", "1!"}, values)

	stop := fmt.Errorf("stop")
	visited := 0
	err = raw.ForEach(func(key []byte, value []byte) (err error) {
		visited++
		return stop
	})
	assert.Equal(1, visited)
	assert.Equal(stop, err)
}

func TestMemStore(t *testing.T) {
	assert := assert.New(t)

	memStore := NewMemStore("TestMemStore")
	assert.Equal("TestMemStore", memStore.Name())

	exerciseRawStore(t, memStore)
	assert.Equal(2, memStore.Len())

	assert.NoError(memStore.Close())
	_, _, err := memStore.Get([]byte("b"))
	assert.True(blunder.Is(err, blunder.ShutdownError))
	assert.True(blunder.Is(memStore.Put([]byte("b"), nil), blunder.ShutdownError))
}

func TestBoltStore(t *testing.T) {
	assert := assert.New(t)

	path := filepath.Join(t.TempDir(), "test.db")

	boltDB, err := OpenBolt(path)
	require.NoError(t, err)

	boltStore, err := boltDB.Store("TestBoltStore")
	require.NoError(t, err)
	assert.Equal("TestBoltStore", boltStore.Name())

	exerciseRawStore(t, boltStore)

	err = boltStore.Update(func(txn RawTxn) (err error) {
		assert.NoError(txn.Put([]byte("rolled"), []byte("back")))
		return blunder.NewError(blunder.BusyError, "abandon")
	})
	assert.True(blunder.Is(err, blunder.BusyError))
	_, ok, err := boltStore.Get([]byte("rolled"))
	assert.NoError(err)
	assert.False(ok)

	other, err := boltDB.Store("other")
	require.NoError(t, err)
	_, ok, err = other.Get([]byte("b"))
	assert.NoError(err)
	assert.False(ok)

	assert.NoError(boltStore.Close())
	assert.NoError(boltDB.Close())

	boltDB, err = OpenBolt(path)
	require.NoError(t, err)
	boltStore, err = boltDB.Store("TestBoltStore")
	require.NoError(t, err)
	value, ok, err := boltStore.Get([]byte("d"))
	assert.NoError(err)
	assert.True(ok)
	assert.Equal([]byte("1!"), value)
	assert.Equal(path, boltDB.Path())
	assert.NoError(boltDB.Close())
}

func TestStore(t *testing.T) {
	assert := assert.New(t)

	store := NewStore(NewMemStore("TestStore"), testCodec())
	defer store.Close()

	var _ BackingStore = store
	var _ Scanner = store

	_, ok, err := store.Load(id(1))
	assert.NoError(err)
	assert.False(ok)

	assert.NoError(store.Save(&testRecord{Key: id(2), Value: "two"}))
	assert.NoError(store.Save(&testRecord{Key: id(1), Value: "one"}))

	record, ok, err := store.Load(id(1))
	assert.NoError(err)
	assert.True(ok)
	assert.Equal("one", record.(*testRecord).Value)

	scanned := make([]string, 0)
	assert.NoError(store.Scan(func(record Record) (err error) {
		scanned = append(scanned, record.(*testRecord).Value)
		return
	}))
	assert.Equal([]string{"one", "two"}, scanned)

	assert.NoError(store.Save(&testRecord{Key: id(1), Gone: true}))
	_, ok, err = store.Load(id(1))
	assert.NoError(err)
	assert.False(ok)

	// content stored under the wrong key is corruption
	assert.NoError(store.Raw().Put(id(9).Pack(), []byte(`{"id":{"Zone":1,"Seq":8},"value":"x"}`)))
	_, ok, err = store.Load(id(9))
	assert.False(ok)
	assert.True(blunder.Is(err, blunder.CorruptionError))

	assert.NoError(store.Raw().Put(id(10).Pack(), []byte(`{`)))
	_, _, err = store.Load(id(10))
	assert.True(blunder.Is(err, blunder.CorruptionError))

	failing := &failingRawStore{RawStore: NewMemStore("TestStore.failing"), failing: true}
	failingStore := NewStore(failing, testCodec())
	defer failingStore.Close()
	err = failingStore.Save(&testRecord{Key: id(1), Value: "one"})
	assert.True(blunder.Is(err, blunder.IOError))
}

func TestDeferredStore(t *testing.T) {
	assert := assert.New(t)

	config := writedaemon.DefaultConfig()
	config.WorkerPoolSize = 1
	config.DesiredPendingWrites = 1
	writeDaemon, err := writedaemon.New("TestDeferredStore", config)
	require.NoError(t, err)

	raw := &failingRawStore{RawStore: NewMemStore("TestDeferredStore")}
	store := NewDeferredStore(raw, testCodec(), writeDaemon)
	defer store.Close()

	var _ BackingStore = store

	// park the only writer so saves stay pending
	gate := make(chan struct{})
	assert.NoError(writeDaemon.Queue(taskqueue.TaskFunc(func() { <-gate })))

	assert.NoError(store.Save(&testRecord{Key: id(1), Value: "first"}))
	assert.NoError(store.Save(&testRecord{Key: id(1), Value: "second"}))
	assert.Equal(1, store.Pending())

	_, ok, err := raw.Get(id(1).Pack())
	assert.NoError(err)
	assert.False(ok)

	record, ok, err := store.Load(id(1))
	assert.NoError(err)
	assert.True(ok)
	assert.Equal("second", record.(*testRecord).Value)

	assert.NoError(store.Save(&testRecord{Key: id(2), Value: "doomed"}))
	assert.NoError(store.Save(&testRecord{Key: id(2), Gone: true}))
	_, ok, err = store.Load(id(2))
	assert.NoError(err)
	assert.False(ok)

	close(gate)
	assert.NoError(store.Flush())
	assert.Equal(0, store.Pending())

	record, ok, err = store.Load(id(1))
	assert.NoError(err)
	assert.True(ok)
	assert.Equal("second", record.(*testRecord).Value)

	_, ok, err = raw.Get(id(2).Pack())
	assert.NoError(err)
	assert.False(ok)

	// a failed write keeps its content pending and readable until stored
	raw.fail(true)
	assert.NoError(store.Save(&testRecord{Key: id(3), Value: "kept"}))
	err = store.Flush()
	assert.True(blunder.Is(err, blunder.IOError))
	record, ok, err = store.Load(id(3))
	assert.NoError(err)
	assert.True(ok)
	assert.Equal("kept", record.(*testRecord).Value)
	err = store.Flush()
	assert.True(blunder.Is(err, blunder.IOError))
	assert.Equal(1, store.Pending())
	err = store.Scan(func(record Record) (err error) { return })
	assert.True(blunder.Is(err, blunder.IOError))

	raw.fail(false)
	assert.NoError(store.Flush())
	assert.Equal(0, store.Pending())
	_, ok, err = raw.Get(id(3).Pack())
	assert.NoError(err)
	assert.True(ok)

	count := 0
	assert.NoError(store.Scan(func(record Record) (err error) {
		count++
		return
	}))
	assert.Equal(2, count)

	writeDaemon.Halt()
	err = store.Save(&testRecord{Key: id(4), Value: "late"})
	assert.True(blunder.Is(err, blunder.ShutdownError))
	assert.Equal(0, store.Pending())
}

func TestDeferredStoreSameRecordOrdering(t *testing.T) {
	assert := assert.New(t)

	config := writedaemon.DefaultConfig()
	config.WorkerPoolSize = 8
	config.DesiredPendingWrites = 4
	writeDaemon, err := writedaemon.New("TestDeferredStoreSameRecordOrdering", config)
	require.NoError(t, err)
	defer writeDaemon.Halt()

	raw := NewMemStore("TestDeferredStoreSameRecordOrdering")
	store := NewDeferredStore(raw, testCodec(), writeDaemon)
	defer store.Close()

	for i := 0; i < 500; i++ {
		assert.NoError(store.Save(&testRecord{Key: id(uint64(i % 5)), Value: fmt.Sprintf("v%d", i)}))
	}
	assert.NoError(store.Flush())

	for seq := uint64(0); seq < 5; seq++ {
		record, ok, err := NewStore(raw, testCodec()).Load(id(seq))
		assert.NoError(err)
		assert.True(ok)
		assert.Equal(fmt.Sprintf("v%d", 495+seq), record.(*testRecord).Value)
	}

	time.Sleep(time.Millisecond)
	assert.Equal(0, store.Pending())
}
