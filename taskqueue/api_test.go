// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package taskqueue

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/NVIDIA/spacestore/blunder"
	"github.com/NVIDIA/spacestore/bucketstats"
	"github.com/NVIDIA/spacestore/conf"
	"github.com/NVIDIA/spacestore/transitions"
)

func TestPoolFIFO(t *testing.T) {
	assert := assert.New(t)

	pool := NewPool("TestPoolFIFO", 1)

	var (
		order []int
		lock  sync.Mutex
	)
	for i := 0; i < 50; i++ {
		i := i
		assert.NoError(pool.Submit(TaskFunc(func() {
			lock.Lock()
			order = append(order, i)
			lock.Unlock()
		})))
	}

	pool.Shutdown()

	assert.Equal(50, len(order))
	for i := range order {
		assert.Equal(i, order[i])
	}

	err := pool.Submit(TaskFunc(func() {}))
	assert.True(blunder.Is(err, blunder.ShutdownError))
	assert.Equal(0, pool.Len())
}

func TestPoolParallel(t *testing.T) {
	assert := assert.New(t)

	pool := NewPool("TestPoolParallel", 4)
	assert.Equal(4, pool.Workers())

	var (
		running  int32
		peak     int32
		gate     = make(chan struct{})
		finished int32
	)
	for i := 0; i < 4; i++ {
		assert.NoError(pool.Submit(TaskFunc(func() {
			now := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if (now <= old) || atomic.CompareAndSwapInt32(&peak, old, now) {
					break
				}
			}
			<-gate
			atomic.AddInt32(&running, -1)
			atomic.AddInt32(&finished, 1)
		})))
	}

	assert.Eventually(func() bool { return 4 == atomic.LoadInt32(&running) }, 5*time.Second, time.Millisecond)
	assert.Contains(bucketstats.SprintStats(bucketstats.StatFormatParsable1, "taskqueue", "TestPoolParallel"), "Running level:4")
	close(gate)
	pool.Shutdown()

	assert.Equal(int32(4), atomic.LoadInt32(&peak))
	assert.Equal(int32(4), atomic.LoadInt32(&finished))
}

func TestShutdownDrains(t *testing.T) {
	assert := assert.New(t)

	pool := NewPool("TestShutdownDrains", 2)

	var ran int32
	for i := 0; i < 200; i++ {
		assert.NoError(pool.Submit(TaskFunc(func() {
			time.Sleep(50 * time.Microsecond)
			atomic.AddInt32(&ran, 1)
		})))
	}
	pool.Shutdown()
	pool.Shutdown()

	assert.Equal(int32(200), atomic.LoadInt32(&ran))
}

func TestRegistry(t *testing.T) {
	assert := assert.New(t)

	confMap, err := conf.MakeConfMapFromStrings([]string{
		"Logging.LogFilePath=/dev/null",
		"TaskQueue.DefaultPoolSize=3",
	})
	assert.NoError(err)
	assert.NoError(transitions.Up(confMap))

	pool := Lookup("registry.test")
	assert.Equal(3, pool.Workers())
	assert.True(pool == Lookup("registry.test"))

	done := make(chan struct{})
	assert.NoError(Submit("registry.test", TaskFunc(func() { close(done) })))
	<-done

	assert.NoError(transitions.Down(confMap))

	assert.True(blunder.Is(pool.Submit(TaskFunc(func() {})), blunder.ShutdownError))
	assert.False(pool == Lookup("registry.test"))
	Lookup("registry.test").Shutdown()
}
