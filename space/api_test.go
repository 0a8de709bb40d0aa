// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package space

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/spacestore/backingstore"
	"github.com/NVIDIA/spacestore/batcher"
	"github.com/NVIDIA/spacestore/blunder"
	"github.com/NVIDIA/spacestore/conf"
	"github.com/NVIDIA/spacestore/identifier"
)

func testConfig(t *testing.T) (config *Config) {
	config = DefaultConfig()
	config.Name = t.Name()
	config.Capacity = 4
	return
}

func job(n int) *Entry {
	return &Entry{Type: "job", Fields: map[string]string{"n": fmt.Sprint(n)}}
}

func openTestSpace(t *testing.T) (space *Space) {
	space, err := Open(testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = space.Close() })
	return
}

func TestWriteReadTake(t *testing.T) {
	assert := assert.New(t)
	space := openTestSpace(t)
	ctx := context.Background()

	for n := 1; n <= 6; n++ {
		_, err := space.Write(nil, job(n), 0)
		require.NoError(t, err)
	}
	assert.Equal(6, space.Len())

	entry, err := space.Read(ctx, nil, &Entry{Type: "job"}, 0)
	assert.NoError(err)
	assert.Equal("1", entry.Fields["n"])

	entry, err = space.Read(ctx, nil, job(5), 0)
	assert.NoError(err)
	assert.Equal("5", entry.Fields["n"])

	entry, err = space.Take(ctx, nil, &Entry{Type: "job"}, 0)
	assert.NoError(err)
	assert.Equal("1", entry.Fields["n"])
	entry, err = space.Take(ctx, nil, nil, 0)
	assert.NoError(err)
	assert.Equal("2", entry.Fields["n"])
	assert.Equal(4, space.Len())

	_, err = space.Read(ctx, nil, job(1), 0)
	assert.True(blunder.Is(err, blunder.NotFoundError))
	_, err = space.Read(ctx, nil, &Entry{Type: "other"}, 0)
	assert.True(blunder.Is(err, blunder.NotFoundError))

	_, err = space.Write(nil, &Entry{}, 0)
	assert.True(blunder.Is(err, blunder.InvalidArgError))
	_, err = space.Write(nil, job(7), -time.Second)
	assert.True(blunder.Is(err, blunder.InvalidArgError))

	assert.NoError(space.Cache().Validate())
	assert.Equal(0, space.ActiveTxns())
	assert.Equal(0, space.Locks().Locks())
}

func TestWriteIsolation(t *testing.T) {
	assert := assert.New(t)
	space := openTestSpace(t)
	ctx := context.Background()

	writer := space.Begin()
	_, err := space.Write(writer, job(1), 0)
	require.NoError(t, err)

	// visible to its writer only
	entry, err := space.Read(ctx, writer, job(1), 0)
	assert.NoError(err)
	assert.NotNil(entry)

	_, err = space.Read(ctx, nil, job(1), 0)
	assert.True(blunder.Is(err, blunder.TryAgainError))

	assert.NoError(space.Commit(writer))

	_, err = space.Read(ctx, nil, job(1), 0)
	assert.NoError(err)

	assert.True(blunder.Is(space.Commit(writer), blunder.InvalidArgError))
}

func TestAbortDiscardsWritesAndRestoresTakes(t *testing.T) {
	assert := assert.New(t)
	space := openTestSpace(t)
	ctx := context.Background()

	_, err := space.Write(nil, job(1), 0)
	require.NoError(t, err)

	txn := space.Begin()
	_, err = space.Write(txn, job(2), 0)
	require.NoError(t, err)
	taken, err := space.Take(ctx, txn, job(1), 0)
	require.NoError(t, err)
	assert.Equal("1", taken.Fields["n"])

	// a txn cannot take the same entry twice
	_, err = space.Take(ctx, txn, job(1), 0)
	assert.True(blunder.Is(err, blunder.NotFoundError))

	_, err = space.Take(ctx, nil, job(1), 0)
	assert.True(blunder.Is(err, blunder.TryAgainError))

	assert.NoError(space.Abort(txn))

	assert.Equal(1, space.Len())
	_, err = space.Read(ctx, nil, job(2), 0)
	assert.True(blunder.Is(err, blunder.NotFoundError))
	taken, err = space.Take(ctx, nil, job(1), 0)
	assert.NoError(err)
	assert.Equal("1", taken.Fields["n"])
	assert.Equal(0, space.Len())
}

func TestBlockedReadWakesOnCommit(t *testing.T) {
	assert := assert.New(t)
	space := openTestSpace(t)

	writer := space.Begin()
	_, err := space.Write(writer, job(1), 0)
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() {
		_, err := space.Take(context.Background(), nil, job(1), 10*time.Second)
		result <- err
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-result:
		t.Fatal("take returned while the write was uncommitted")
	default:
	}

	assert.NoError(space.Commit(writer))
	assert.NoError(<-result)
	assert.Equal(0, space.Len())
}

func TestReadWaitsForArrival(t *testing.T) {
	assert := assert.New(t)
	space := openTestSpace(t)

	result := make(chan *Entry, 1)
	go func() {
		entry, err := space.Read(context.Background(), nil, &Entry{Type: "job"}, -1)
		assert.NoError(err)
		result <- entry
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := space.Write(nil, job(9), 0)
	require.NoError(t, err)

	select {
	case entry := <-result:
		assert.Equal("9", entry.Fields["n"])
	case <-time.After(10 * time.Second):
		t.Fatal("read never saw the arrival")
	}
}

func TestTimeoutAndCancel(t *testing.T) {
	assert := assert.New(t)
	space := openTestSpace(t)

	started := time.Now()
	_, err := space.Read(context.Background(), nil, job(1), 20*time.Millisecond)
	assert.True(blunder.Is(err, blunder.NotFoundError))
	assert.True(time.Since(started) >= 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err = space.Take(ctx, nil, job(1), -1)
	assert.True(blunder.Is(err, blunder.InterruptedError))
	assert.Equal(0, space.ActiveTxns())
}

func TestNotify(t *testing.T) {
	assert := assert.New(t)
	space := openTestSpace(t)

	delivered := make(chan *Entry, 4)
	cancel := space.Notify(&Entry{Type: "job"}, func(entry *Entry) { delivered <- entry })

	_, err := space.Write(nil, &Entry{Type: "other"}, 0)
	require.NoError(t, err)

	txn := space.Begin()
	_, err = space.Write(txn, job(1), 0)
	require.NoError(t, err)
	_, err = space.Write(txn, job(2), 0)
	require.NoError(t, err)
	_, err = space.Take(context.Background(), txn, job(2), 0)
	require.NoError(t, err)

	select {
	case <-delivered:
		t.Fatal("notified before commit")
	case <-time.After(10 * time.Millisecond):
	}

	require.NoError(t, space.Commit(txn))

	select {
	case entry := <-delivered:
		assert.Equal("1", entry.Fields["n"])
	case <-time.After(10 * time.Second):
		t.Fatal("no notification")
	}

	cancel()
	_, err = space.Write(nil, job(3), 0)
	require.NoError(t, err)

	select {
	case entry := <-delivered:
		t.Fatalf("notified of %v after cancel", entry.Key)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestReap(t *testing.T) {
	assert := assert.New(t)
	space := openTestSpace(t)
	ctx := context.Background()

	_, err := space.Write(nil, job(1), time.Millisecond)
	require.NoError(t, err)
	_, err = space.Write(nil, job(2), 0)
	require.NoError(t, err)

	held := space.Begin()
	_, err = space.Write(held, job(3), time.Millisecond)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	_, err = space.Read(ctx, nil, job(1), 0)
	assert.True(blunder.Is(err, blunder.NotFoundError))

	reaped, err := space.Reap()
	assert.NoError(err)
	assert.Equal(1, reaped)
	assert.Equal(2, space.Len())

	require.NoError(t, space.Commit(held))
	reaped, err = space.Reap()
	assert.NoError(err)
	assert.Equal(1, reaped)
	assert.Equal(1, space.Len())
}

func TestBackgroundReaper(t *testing.T) {
	config := testConfig(t)
	config.ReapInterval = 5 * time.Millisecond

	space, err := Open(config)
	require.NoError(t, err)
	defer space.Close()

	_, err = space.Write(nil, job(1), time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return 0 == space.Len() }, 10*time.Second, 5*time.Millisecond)
}

func TestCheckpoint(t *testing.T) {
	assert := assert.New(t)

	raw := backingstore.NewMemStore(t.Name())
	log := batcher.NewMemLog(t.Name())

	space, err := OpenWith(testConfig(t), raw, log)
	require.NoError(t, err)

	for n := 1; n <= 6; n++ {
		_, err = space.Write(nil, job(n), 0)
		require.NoError(t, err)
	}

	txn := space.Begin()
	assert.True(blunder.Is(space.Checkpoint(), blunder.BusyError))
	require.NoError(t, space.Abort(txn))

	assert.NoError(space.Checkpoint())
	assert.Equal(0, log.Len())
	assert.Equal(6, raw.Len())

	require.NoError(t, space.Close())

	_, err = space.Write(nil, job(7), 0)
	assert.True(blunder.Is(err, blunder.ShutdownError))

	reopened, err := OpenWith(testConfig(t), raw, log)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(6, reopened.Len())
	entry, err := reopened.Take(context.Background(), nil, &Entry{Type: "job"}, 0)
	assert.NoError(err)
	assert.Equal("1", entry.Fields["n"])
}

func TestCrashRecovery(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	raw := backingstore.NewMemStore(t.Name())
	log := batcher.NewMemLog(t.Name())

	config := testConfig(t)
	config.Capacity = 2

	space, err := OpenWith(config, raw, log)
	require.NoError(t, err)

	var lastKey identifier.Identifier

	for n := 1; n <= 5; n++ {
		lastKey, err = space.Write(nil, job(n), 0)
		require.NoError(t, err)
	}
	_, err = space.Take(ctx, nil, job(2), 0)
	require.NoError(t, err)

	open := space.Begin()
	_, err = space.Write(open, job(6), 0)
	require.NoError(t, err)
	_, err = space.Take(ctx, open, job(1), 0)
	require.NoError(t, err)

	// crash: the first space is abandoned along with its dirty cache
	log.Crash()

	recovered, err := OpenWith(config, raw, log)
	require.NoError(t, err)
	defer recovered.Close()

	assert.Equal(0, recovered.ActiveTxns())
	assert.Equal(4, recovered.Len())
	assert.NoError(recovered.Cache().Validate())

	for _, n := range []int{1, 3, 4, 5} {
		_, err = recovered.Read(ctx, nil, job(n), 0)
		assert.NoError(err, "job %d", n)
	}
	for _, n := range []int{2, 6} {
		_, err = recovered.Read(ctx, nil, job(n), 0)
		assert.True(blunder.Is(err, blunder.NotFoundError), "job %d", n)
	}

	key, err := recovered.Write(nil, job(7), 0)
	assert.NoError(err)
	assert.True(lastKey.Less(key))
}

func TestFileBackedSpace(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	config := testConfig(t)
	config.Directory = t.TempDir()

	space, err := Open(config)
	require.NoError(t, err)
	for n := 1; n <= 8; n++ {
		_, err = space.Write(nil, job(n), 0)
		require.NoError(t, err)
	}
	_, err = space.Take(ctx, nil, job(4), 0)
	require.NoError(t, err)
	require.NoError(t, space.Close())

	space, err = Open(config)
	require.NoError(t, err)
	defer space.Close()

	assert.Equal(7, space.Len())
	_, err = space.Read(ctx, nil, job(4), 0)
	assert.True(blunder.Is(err, blunder.NotFoundError))
	entry, err := space.Read(ctx, nil, job(8), 0)
	assert.NoError(err)
	assert.Equal("job", entry.Type)
}

func TestDeferredSpace(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	raw := backingstore.NewMemStore(t.Name())
	config := testConfig(t)
	config.Capacity = 1
	config.Deferred = true

	space, err := OpenWith(config, raw, batcher.NewMemLog(t.Name()))
	require.NoError(t, err)

	for n := 1; n <= 5; n++ {
		_, err = space.Write(nil, job(n), 0)
		require.NoError(t, err)
	}
	for n := 1; n <= 5; n++ {
		_, err = space.Read(ctx, nil, job(n), 0)
		assert.NoError(err, "job %d", n)
	}

	require.NoError(t, space.Close())
	assert.Equal(5, raw.Len())
}

func TestConfigFromConfMap(t *testing.T) {
	assert := assert.New(t)

	confMap, err := conf.MakeConfMapFromStrings([]string{
		"Space.Name=jobs",
		"Space.Directory=/var/lib/spaced",
		"Space.Zone=7",
		"Space.Deferred=true",
		"Space.ReapInterval=250ms",
		"ArcCache.Capacity=64",
		"Batcher.Policy=window",
		"Batcher.WindowMillis=3",
	})
	require.NoError(t, err)

	config, err := ConfigFromConfMap(confMap)
	require.NoError(t, err)
	assert.Equal("jobs", config.Name)
	assert.Equal("/var/lib/spaced", config.Directory)
	assert.Equal(uint32(7), config.Zone)
	assert.True(config.Deferred)
	assert.Equal(250*time.Millisecond, config.ReapInterval)
	assert.Equal(64, config.Capacity)
	assert.Equal(batcher.PolicyWindow, config.Batcher.Policy)
	assert.Equal(3*time.Millisecond, config.Batcher.Window)
	assert.Equal(BackingStoreBolt, config.BackingStore)

	confMap, err = conf.MakeConfMapFromStrings([]string{"Space.BackingStore=tape"})
	require.NoError(t, err)
	_, err = ConfigFromConfMap(confMap)
	assert.True(blunder.Is(err, blunder.InvalidArgError))
}

func TestCommitWaitsForPinnedCache(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	config := testConfig(t)
	config.Capacity = 1

	space, err := OpenWith(config, backingstore.NewMemStore(t.Name()), batcher.NewMemLog(t.Name()))
	require.NoError(t, err)
	defer space.Close()

	_, err = space.Write(nil, job(1), 0)
	require.NoError(t, err)

	txn := space.Begin()
	taken, err := space.Take(ctx, txn, job(1), 0)
	require.NoError(t, err)
	assert.Equal("1", taken.Fields["n"])

	key2, err := space.Write(nil, job(2), 0)
	require.NoError(t, err)

	// the only cache slot stays pinned while the commit needs it
	held, err := space.Cache().Find(key2)
	require.NoError(t, err)
	require.NotNil(t, held)

	committed := make(chan error, 1)
	go func() {
		committed <- space.Commit(txn)
	}()

	select {
	case err = <-committed:
		t.Fatalf("Commit() finished without a cache slot: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	held.Release()

	select {
	case err = <-committed:
		assert.NoError(err)
	case <-time.After(5 * time.Second):
		t.Fatal("Commit() still waiting after the cache slot was released")
	}

	_, err = space.Take(ctx, nil, job(1), 0)
	assert.True(blunder.Is(err, blunder.NotFoundError))
	entry, err := space.Take(ctx, nil, &Entry{Type: "job"}, 0)
	assert.NoError(err)
	assert.Equal("2", entry.Fields["n"])

	assert.Equal(0, space.ActiveTxns())
	assert.NoError(space.Cache().Validate())
}

// failingGetStore wraps a RawStore, failing reads while failing is set.
type failingGetStore struct {
	backingstore.RawStore
	sync.Mutex
	failing bool
}

func (raw *failingGetStore) fail(failing bool) {
	raw.Lock()
	raw.failing = failing
	raw.Unlock()
}

func (raw *failingGetStore) Get(key []byte) (value []byte, ok bool, err error) {
	raw.Lock()
	failing := raw.failing
	raw.Unlock()
	if failing {
		err = fmt.Errorf("injected get failure")
		return
	}
	return raw.RawStore.Get(key)
}

func TestUnappliableCommitPanics(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	raw := &failingGetStore{RawStore: backingstore.NewMemStore(t.Name())}
	config := testConfig(t)
	config.Capacity = 1

	space, err := OpenWith(config, raw, batcher.NewMemLog(t.Name()))
	require.NoError(t, err)
	defer space.Close()

	_, err = space.Write(nil, job(1), 0)
	require.NoError(t, err)

	txn := space.Begin()
	_, err = space.Take(ctx, txn, job(1), 0)
	require.NoError(t, err)

	// push the taken entry out of the cache so removing it must fetch
	_, err = space.Write(nil, job(2), 0)
	require.NoError(t, err)

	raw.fail(true)
	assert.Panics(func() { _ = space.applyCommit(txn.id) })
	raw.fail(false)

	// the half-applied transaction was not finished, so its take still holds
	assert.Equal(1, space.ActiveTxns())
	_, err = space.Take(ctx, nil, job(1), 0)
	assert.True(blunder.Is(err, blunder.TryAgainError))

	assert.NoError(space.Abort(txn))
	entry, err := space.Take(ctx, nil, job(1), 0)
	assert.NoError(err)
	assert.Equal("1", entry.Fields["n"])
	assert.NoError(space.Cache().Validate())
}
