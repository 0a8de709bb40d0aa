// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package taskqueue

import (
	"runtime"
	"sync"

	"github.com/NVIDIA/spacestore/conf"
	"github.com/NVIDIA/spacestore/logger"
	"github.com/NVIDIA/spacestore/transitions"
)

type globalsStruct struct {
	sync.Mutex
	defaultPoolSize int
	pools           map[string]*Pool
}

var globals globalsStruct

func init() {
	globals.defaultPoolSize = runtime.NumCPU()
	globals.pools = make(map[string]*Pool)

	transitions.Register("taskqueue", &globals)
}

func (dummy *globalsStruct) Up(confMap conf.ConfMap) (err error) {
	defaultPoolSize, err := confMap.FetchOptionValueUint32("TaskQueue", "DefaultPoolSize")
	if nil != err {
		defaultPoolSize = uint32(runtime.NumCPU())
		err = nil
	}

	globals.Lock()
	globals.defaultPoolSize = int(defaultPoolSize)
	globals.Unlock()

	logger.Infof("taskqueue.Up(): DefaultPoolSize %d", defaultPoolSize)

	return
}

// Signaled only affects pools created after the change.
func (dummy *globalsStruct) Signaled(confMap conf.ConfMap) (err error) {
	return dummy.Up(confMap)
}

// Down drains and stops every registered pool.
func (dummy *globalsStruct) Down(confMap conf.ConfMap) (err error) {
	globals.Lock()
	pools := globals.pools
	globals.pools = make(map[string]*Pool)
	globals.Unlock()

	for _, pool := range pools {
		pool.Shutdown()
	}

	return
}
