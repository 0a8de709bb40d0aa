// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package backingstore

import (
	"time"

	"go.etcd.io/bbolt"

	"github.com/NVIDIA/spacestore/blunder"
	"github.com/NVIDIA/spacestore/logger"
)

// BoltDB is one bolt database file holding a bucket per BoltStore.
type BoltDB struct {
	db   *bbolt.DB
	path string
}

// BoltStore is a RawStore kept in one bucket of a BoltDB.
type BoltStore struct {
	boltDB *BoltDB
	bucket []byte
}

type boltTxn struct {
	bucket *bbolt.Bucket
}

func openBolt(path string) (boltDB *BoltDB, err error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if nil != err {
		err = blunder.AddError(err, blunder.IOError)
		logger.ErrorfWithError(err, "backingstore unable to open bolt database %s", path)
		return
	}

	boltDB = &BoltDB{db: db, path: path}

	logger.Infof("backingstore opened bolt database %s", path)

	return
}

// Store returns the BoltStore for bucket name, creating the bucket if needed.
func (boltDB *BoltDB) Store(name string) (boltStore *BoltStore, err error) {
	err = boltDB.db.Update(func(tx *bbolt.Tx) (err error) {
		_, err = tx.CreateBucketIfNotExists([]byte(name))
		return
	})
	if nil != err {
		err = blunder.AddError(err, blunder.IOError)
		return
	}

	boltStore = &BoltStore{boltDB: boltDB, bucket: []byte(name)}

	return
}

func (boltDB *BoltDB) Path() string {
	return boltDB.path
}

func (boltDB *BoltDB) Close() (err error) {
	err = boltDB.db.Close()
	if nil != err {
		err = blunder.AddError(err, blunder.IOError)
	}
	return
}

func (txn *boltTxn) Get(key []byte) (value []byte, ok bool, err error) {
	found := txn.bucket.Get(key)
	if nil == found {
		return
	}
	// bolt's slice is only valid for the life of the transaction
	value = append([]byte{}, found...)
	ok = true
	return
}

func (txn *boltTxn) Put(key []byte, value []byte) (err error) {
	err = txn.bucket.Put(key, value)
	return
}

func (txn *boltTxn) Delete(key []byte) (err error) {
	err = txn.bucket.Delete(key)
	return
}

func (boltStore *BoltStore) Name() string {
	return string(boltStore.bucket)
}

// view runs fn in a read-only transaction. Errors from bolt itself are
// classified as IOErrors; errors from fn are returned untouched.
func (boltStore *BoltStore) view(fn func(txn *boltTxn) (err error)) (err error) {
	var fnErr error
	err = boltStore.boltDB.db.View(func(tx *bbolt.Tx) (err error) {
		fnErr = fn(&boltTxn{bucket: tx.Bucket(boltStore.bucket)})
		return fnErr
	})
	if (nil != err) && (fnErr != err) {
		err = ioError(err)
	}
	return
}

func (boltStore *BoltStore) Get(key []byte) (value []byte, ok bool, err error) {
	err = boltStore.view(func(txn *boltTxn) (err error) {
		value, ok, err = txn.Get(key)
		return
	})
	return
}

func (boltStore *BoltStore) Put(key []byte, value []byte) (err error) {
	return boltStore.Update(func(txn RawTxn) (err error) { return txn.Put(key, value) })
}

func (boltStore *BoltStore) Delete(key []byte) (err error) {
	return boltStore.Update(func(txn RawTxn) (err error) { return txn.Delete(key) })
}

// Update runs fn in one bolt read-write transaction; an error from fn rolls
// every change back.
func (boltStore *BoltStore) Update(fn func(txn RawTxn) (err error)) (err error) {
	var fnErr error
	err = boltStore.boltDB.db.Update(func(tx *bbolt.Tx) (err error) {
		fnErr = fn(&boltTxn{bucket: tx.Bucket(boltStore.bucket)})
		return fnErr
	})
	if (nil != err) && (fnErr != err) {
		err = ioError(err)
	}
	return
}

func (boltStore *BoltStore) ForEach(fn func(key []byte, value []byte) (err error)) (err error) {
	return boltStore.view(func(txn *boltTxn) (err error) {
		return txn.bucket.ForEach(func(key []byte, value []byte) (err error) {
			return fn(append([]byte{}, key...), append([]byte{}, value...))
		})
	})
}

// Close is a no-op; the BoltDB is closed by its owner.
func (boltStore *BoltStore) Close() (err error) {
	return
}
