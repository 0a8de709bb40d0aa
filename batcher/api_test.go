// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package batcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/spacestore/blunder"
	"github.com/NVIDIA/spacestore/conf"
)

// counterSystem is only touched by batch leaders, one at a time.
type counterSystem struct {
	values map[string]int
	events *eventLog
}

type eventLog struct {
	sync.Mutex
	events []string
}

func (events *eventLog) add(event string) {
	if nil == events {
		return
	}
	events.Lock()
	events.events = append(events.events, event)
	events.Unlock()
}

func (events *eventLog) snapshot() (snapshot []string) {
	events.Lock()
	snapshot = append(snapshot, events.events...)
	events.Unlock()
	return
}

func newCounterSystem(events *eventLog) *counterSystem {
	return &counterSystem{values: make(map[string]int), events: events}
}

type addCommand struct {
	Key   string
	Delta int
}

func (cmd *addCommand) Name() string { return "add" }

func (cmd *addCommand) Execute(system System) (result interface{}, err error) {
	counters := system.(*counterSystem)
	if 0 > cmd.Delta {
		err = fmt.Errorf("negative delta %d", cmd.Delta)
		return
	}
	counters.values[cmd.Key] += cmd.Delta
	counters.events.add("execute " + cmd.Key)
	result = counters.values[cmd.Key]
	return
}

func testRegistry() (registry *Registry) {
	registry = NewRegistry()
	registry.Register("add", func() Command { return &addCommand{} })
	return
}

// gatedLog wraps a MemLog, recording events and optionally holding the
// first Sync() until released.
type gatedLog struct {
	*MemLog
	events    *eventLog
	syncEnter chan struct{}
	syncGate  chan struct{}
	gateOnce  sync.Once
}

func (log *gatedLog) Append(cmd Command) (err error) {
	log.events.add("append " + cmd.(*addCommand).Key)
	return log.MemLog.Append(cmd)
}

func (log *gatedLog) Sync() (err error) {
	if nil != log.syncGate {
		log.gateOnce.Do(func() {
			close(log.syncEnter)
			<-log.syncGate
		})
	}
	log.events.add("sync")
	return log.MemLog.Sync()
}

func queued(batcher Batcher) (length int) {
	batcherStruct := batcher.(*batcherStruct)
	batcherStruct.Lock()
	length = len(batcherStruct.queue)
	batcherStruct.Unlock()
	return
}

func TestWindowFlushCount(t *testing.T) {
	assert := assert.New(t)

	memLog := NewMemLog(t.Name())
	system := newCounterSystem(nil)
	batcher := NewWindow(memLog, system, 300*time.Millisecond)
	defer batcher.Close()

	const callers = 8

	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		results [callers]interface{}
	)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			result, err := batcher.ExecuteCommand(&addCommand{Key: "k", Delta: 1}, true)
			assert.NoError(err)
			results[i] = result
		}(i)
	}
	close(start)
	wg.Wait()

	appends, syncs := memLog.Counts()
	assert.Equal(callers, appends)
	assert.Equal(1, syncs)
	assert.Equal(callers, system.values["k"])

	seen := make(map[int]bool)
	for _, result := range results {
		seen[result.(int)] = true
	}
	assert.Equal(callers, len(seen))
}

func TestOptimisticBatching(t *testing.T) {
	assert := assert.New(t)

	events := &eventLog{}
	log := &gatedLog{
		MemLog:    NewMemLog(t.Name()),
		events:    events,
		syncEnter: make(chan struct{}),
		syncGate:  make(chan struct{}),
	}
	system := newCounterSystem(events)
	batcher := NewOptimistic(log, system)
	defer batcher.Close()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		result, err := batcher.ExecuteCommand(&addCommand{Key: "first", Delta: 1}, true)
		assert.NoError(err)
		assert.Equal(1, result)
	}()

	<-log.syncEnter

	const followers = 5
	for i := 0; i < followers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := batcher.ExecuteCommand(&addCommand{Key: fmt.Sprintf("f%d", i), Delta: 1}, true)
			assert.NoError(err)
		}(i)
	}

	// let every follower queue behind the blocked leader
	require.Eventually(t, func() bool {
		return followers == queued(batcher)
	}, 5*time.Second, time.Millisecond)

	close(log.syncGate)
	wg.Wait()

	appends, syncs := log.Counts()
	assert.Equal(1+followers, appends)
	assert.Equal(2, syncs)

	// every execute follows the sync covering its append
	lastSync := -1
	for i, event := range events.snapshot() {
		if "sync" == event {
			lastSync = i
			continue
		}
		if strings.HasPrefix(event, "execute") {
			assert.True(lastSync > 0, "execute before any sync")
		}
	}
	assert.Equal("sync", events.snapshot()[1])
}

func TestAsyncSkipsSync(t *testing.T) {
	assert := assert.New(t)

	memLog := NewMemLog(t.Name())
	system := newCounterSystem(nil)
	batcher := NewOptimistic(memLog, system)
	defer batcher.Close()

	result, err := batcher.ExecuteCommand(&addCommand{Key: "a", Delta: 2}, false)
	assert.NoError(err)
	assert.Equal(2, result)

	_, syncs := memLog.Counts()
	assert.Equal(0, syncs)

	memLog.Crash()
	assert.Equal(0, memLog.Len())

	_, err = batcher.ExecuteCommand(&addCommand{Key: "a", Delta: 3}, true)
	assert.NoError(err)
	_, syncs = memLog.Counts()
	assert.Equal(1, syncs)
	memLog.Crash()
	assert.Equal(1, memLog.Len())
}

func TestExecuteAndLogErrors(t *testing.T) {
	assert := assert.New(t)

	memLog := NewMemLog(t.Name())
	system := newCounterSystem(nil)
	batcher := NewOptimistic(memLog, system)

	_, err := batcher.ExecuteCommand(&addCommand{Key: "a", Delta: -1}, true)
	assert.EqualError(err, "negative delta -1")

	memLog.FailWith(nil, fmt.Errorf("disk on fire"))
	_, err = batcher.ExecuteCommand(&addCommand{Key: "a", Delta: 1}, true)
	assert.True(blunder.Is(err, blunder.IOError))
	assert.Equal(0, system.values["a"])

	memLog.FailWith(nil, nil)
	_, err = batcher.ExecuteCommand(&addCommand{Key: "a", Delta: 1}, true)
	assert.True(blunder.Is(err, blunder.IOError))

	batcher.Close()
	_, err = batcher.ExecuteCommand(&addCommand{Key: "a", Delta: 1}, true)
	assert.True(blunder.Is(err, blunder.ShutdownError))
}

func TestFileLogReplay(t *testing.T) {
	assert := assert.New(t)

	path := filepath.Join(t.TempDir(), "space.log")
	registry := testRegistry()

	fileLog, err := OpenFileLog(path)
	require.NoError(t, err)

	system := newCounterSystem(nil)
	batcher := NewOptimistic(fileLog, system)
	for i := 1; i <= 3; i++ {
		_, err = batcher.ExecuteCommand(&addCommand{Key: "k", Delta: i}, true)
		require.NoError(t, err)
	}
	batcher.Close()

	intactSize, err := fileLog.Size()
	require.NoError(t, err)
	require.NoError(t, fileLog.Close())

	// a crash mid-append leaves a torn record behind
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0600)
	require.NoError(t, err)
	_, err = file.Write([]byte{0x53, 0x50, 0x4c, 0x47, 0x00, 0x00})
	require.NoError(t, err)
	require.NoError(t, file.Close())

	fileLog, err = OpenFileLog(path)
	require.NoError(t, err)

	replayedSystem := newCounterSystem(nil)
	replayed, err := fileLog.Replay(registry, func(cmd Command) (err error) {
		_, err = cmd.Execute(replayedSystem)
		return
	})
	assert.NoError(err)
	assert.Equal(3, replayed)
	assert.Equal(6, replayedSystem.values["k"])

	size, err := fileLog.Size()
	assert.NoError(err)
	assert.Equal(intactSize, size)

	require.NoError(t, fileLog.Append(&addCommand{Key: "k", Delta: 10}))
	require.NoError(t, fileLog.Sync())
	require.NoError(t, fileLog.Close())

	// corrupt the last record's body
	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	contents[len(contents)-2] ^= 0xff
	require.NoError(t, os.WriteFile(path, contents, 0600))

	fileLog, err = OpenFileLog(path)
	require.NoError(t, err)
	defer fileLog.Close()

	replayed, err = fileLog.Replay(registry, func(cmd Command) error { return nil })
	assert.NoError(err)
	assert.Equal(3, replayed)

	require.NoError(t, fileLog.Truncate())
	replayed, err = fileLog.Replay(registry, func(cmd Command) error { return nil })
	assert.NoError(err)
	assert.Equal(0, replayed)
}

func TestReplayUnknownCommand(t *testing.T) {
	assert := assert.New(t)

	memLog := NewMemLog(t.Name())
	require.NoError(t, memLog.Append(&addCommand{Key: "x", Delta: 1}))

	_, err := memLog.Replay(NewRegistry(), func(cmd Command) error { return nil })
	assert.True(blunder.Is(err, blunder.CorruptionError))

	registry := testRegistry()
	assert.Panics(func() { registry.Register("add", func() Command { return &addCommand{} }) })
}

func TestConfigFromConfMap(t *testing.T) {
	assert := assert.New(t)

	confMap, err := conf.MakeConfMapFromStrings([]string{})
	require.NoError(t, err)
	config, err := ConfigFromConfMap(confMap)
	assert.NoError(err)
	assert.Equal(PolicyOptimistic, config.Policy)

	confMap, err = conf.MakeConfMapFromStrings([]string{
		"Batcher.Policy=window",
		"Batcher.WindowMillis=2",
		"Batcher.WindowNanos=500",
	})
	require.NoError(t, err)
	config, err = ConfigFromConfMap(confMap)
	assert.NoError(err)
	assert.Equal(PolicyWindow, config.Policy)
	assert.Equal(2*time.Millisecond+500*time.Nanosecond, config.Window)

	confMap, err = conf.MakeConfMapFromStrings([]string{"Batcher.Policy=window"})
	require.NoError(t, err)
	_, err = ConfigFromConfMap(confMap)
	assert.True(blunder.Is(err, blunder.InvalidArgError))

	confMap, err = conf.MakeConfMapFromStrings([]string{"Batcher.Policy=eager"})
	require.NoError(t, err)
	_, err = ConfigFromConfMap(confMap)
	assert.True(blunder.Is(err, blunder.InvalidArgError))
}
