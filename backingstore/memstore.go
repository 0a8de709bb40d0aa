// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package backingstore

import (
	"fmt"

	"github.com/NVIDIA/sortedmap"

	"github.com/NVIDIA/spacestore/blunder"
	"github.com/NVIDIA/spacestore/trackedlock"
)

// MemStore is a RawStore held in an LLRB tree keyed by string(key). Update is
// atomic with respect to every other MemStore operation.
type MemStore struct {
	trackedlock.Mutex
	name   string
	tree   sortedmap.LLRBTree
	closed bool
}

type memTxn struct {
	memStore *MemStore
}

func newMemStore(name string) (memStore *MemStore) {
	memStore = &MemStore{name: name}
	memStore.tree = sortedmap.NewLLRBTree(sortedmap.CompareString, memStore)
	return
}

func (memStore *MemStore) DumpKey(key sortedmap.Key) (keyAsString string, err error) {
	keyAsString = fmt.Sprintf("%x", key.(string))
	return
}

func (memStore *MemStore) DumpValue(value sortedmap.Value) (valueAsString string, err error) {
	valueAsString = fmt.Sprintf("%q", value.([]byte))
	return
}

func (memStore *MemStore) Name() string {
	return memStore.name
}

func (memStore *MemStore) checkOpen() (err error) {
	if memStore.closed {
		err = blunder.NewError(blunder.ShutdownError, "memstore %s is closed", memStore.name)
	}
	return
}

func (txn *memTxn) Get(key []byte) (value []byte, ok bool, err error) {
	valueAsValue, ok, err := txn.memStore.tree.GetByKey(string(key))
	if (nil != err) || !ok {
		return
	}
	value = append([]byte(nil), valueAsValue.([]byte)...)
	return
}

func (txn *memTxn) Put(key []byte, value []byte) (err error) {
	value = append([]byte(nil), value...)
	ok, err := txn.memStore.tree.PatchByKey(string(key), value)
	if (nil != err) || ok {
		return
	}
	_, err = txn.memStore.tree.Put(string(key), value)
	return
}

func (txn *memTxn) Delete(key []byte) (err error) {
	_, err = txn.memStore.tree.DeleteByKey(string(key))
	return
}

func (memStore *MemStore) Get(key []byte) (value []byte, ok bool, err error) {
	memStore.Lock()
	defer memStore.Unlock()
	if err = memStore.checkOpen(); nil != err {
		return
	}
	return (&memTxn{memStore}).Get(key)
}

func (memStore *MemStore) Put(key []byte, value []byte) (err error) {
	memStore.Lock()
	defer memStore.Unlock()
	if err = memStore.checkOpen(); nil != err {
		return
	}
	return (&memTxn{memStore}).Put(key, value)
}

func (memStore *MemStore) Delete(key []byte) (err error) {
	memStore.Lock()
	defer memStore.Unlock()
	if err = memStore.checkOpen(); nil != err {
		return
	}
	return (&memTxn{memStore}).Delete(key)
}

// Update runs fn under the store lock. A failed fn leaves the changes it made
// in place; MemStore has no rollback.
func (memStore *MemStore) Update(fn func(txn RawTxn) (err error)) (err error) {
	memStore.Lock()
	defer memStore.Unlock()
	if err = memStore.checkOpen(); nil != err {
		return
	}
	return fn(&memTxn{memStore})
}

func (memStore *MemStore) ForEach(fn func(key []byte, value []byte) (err error)) (err error) {
	memStore.Lock()
	if err = memStore.checkOpen(); nil != err {
		memStore.Unlock()
		return
	}

	numItems, err := memStore.tree.Len()
	if nil != err {
		memStore.Unlock()
		return
	}

	keys := make([][]byte, 0, numItems)
	values := make([][]byte, 0, numItems)
	for i := 0; i < numItems; i++ {
		key, value, ok, getErr := memStore.tree.GetByIndex(i)
		if nil != getErr {
			memStore.Unlock()
			err = getErr
			return
		}
		if !ok {
			memStore.Unlock()
			err = blunder.NewError(blunder.CorruptionError, "memstore %s lost index %d of %d", memStore.name, i, numItems)
			return
		}
		keys = append(keys, []byte(key.(string)))
		values = append(values, append([]byte(nil), value.([]byte)...))
	}
	memStore.Unlock()

	for i := range keys {
		err = fn(keys[i], values[i])
		if nil != err {
			return
		}
	}

	return
}

func (memStore *MemStore) Len() (numItems int) {
	memStore.Lock()
	numItems, _ = memStore.tree.Len()
	memStore.Unlock()
	return
}

func (memStore *MemStore) Close() (err error) {
	memStore.Lock()
	memStore.closed = true
	memStore.tree = sortedmap.NewLLRBTree(sortedmap.CompareString, memStore)
	memStore.Unlock()
	return
}
