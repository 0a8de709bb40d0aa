// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package trackedlock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/NVIDIA/spacestore/conf"
	"github.com/NVIDIA/spacestore/logger"
	"github.com/NVIDIA/spacestore/transitions"
)

func testUp(t *testing.T, confStrings []string) (confMap conf.ConfMap) {
	confMap, err := conf.MakeConfMapFromStrings(append([]string{"Logging.LogFilePath=/dev/null"}, confStrings...))
	if nil != err {
		t.Fatalf("conf.MakeConfMapFromStrings() failed: %v", err)
	}

	err = transitions.Up(confMap)
	if nil != err {
		t.Fatalf("transitions.Up() failed: %v", err)
	}

	return
}

func testDown(t *testing.T, confMap conf.ConfMap) {
	err := transitions.Down(confMap)
	if nil != err {
		t.Fatalf("transitions.Down() failed: %v", err)
	}
}

func TestUntracked(t *testing.T) {
	assert := assert.New(t)

	confMap := testUp(t, nil)
	defer testDown(t, confMap)

	var (
		m       Mutex
		rw      RWMutex
		counter int
		wg      sync.WaitGroup
	)

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Lock()
				counter++
				m.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(1600, counter)

	m.Lock()
	assert.False(m.TryLock())
	m.Unlock()
	assert.True(m.TryLock())
	m.Unlock()

	rw.RLock()
	rw.RLock()
	assert.Equal(2, rw.Readers())
	assert.False(rw.TryLock())
	rw.RUnlock()
	rw.RUnlock()
	assert.True(rw.TryLock())
	rw.Unlock()
	assert.Equal(0, HeldLocks())
}

func TestHoldTimeWarning(t *testing.T) {
	assert := assert.New(t)

	confMap := testUp(t, []string{
		"TrackedLock.LockHoldTimeLimit=1s",
		"TrackedLock.LockCheckPeriod=1s",
	})
	defer testDown(t, confMap)

	target := logger.NewLogTarget(16)
	logger.AddLogTarget(target)
	defer logger.RemoveLogTarget(target)

	var m Mutex

	m.Lock()
	assert.Equal(1, HeldLocks())
	time.Sleep(2100 * time.Millisecond)
	assert.True(target.Contains("trackedlock watcher"))
	m.Unlock()

	assert.True(target.Contains("Unlock(): *trackedlock.Mutex"))
	assert.Equal(0, HeldLocks())

	m.Lock()
	m.Unlock()
	assert.Equal(0, HeldLocks())
}
