// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package transitions

import (
	"fmt"
	"sync"

	"github.com/NVIDIA/spacestore/conf"
	"github.com/NVIDIA/spacestore/logger"
)

type loggerCallbacksInterfaceStruct struct {
}

var loggerCallbacksInterface loggerCallbacksInterfaceStruct

type registrationItemStruct struct {
	packageName string
	callbacks   Callbacks
}

type globalsStruct struct {
	sync.Mutex
	registrationList []*registrationItemStruct
	registrationSet  map[string]*registrationItemStruct // Key: registrationItemStruct.packageName
	upCount          int                                // Number of registrationList entries currently Up
	up               bool
}

var globals globalsStruct

func init() {
	globals.registrationSet = make(map[string]*registrationItemStruct)

	Register("logger", &loggerCallbacksInterface)
}

func register(packageName string, callbacks Callbacks) {
	globals.Lock()
	defer globals.Unlock()

	_, alreadyRegistered := globals.registrationSet[packageName]
	if alreadyRegistered {
		logger.Fatalf("transitions.Register(%s,) called twice", packageName)
	}

	registrationItem := &registrationItemStruct{packageName, callbacks}
	globals.registrationList = append(globals.registrationList, registrationItem)
	globals.registrationSet[packageName] = registrationItem
}

func registered() (packageNames []string) {
	globals.Lock()
	defer globals.Unlock()

	packageNames = make([]string, 0, len(globals.registrationList))
	for _, registrationItem := range globals.registrationList {
		packageNames = append(packageNames, registrationItem.packageName)
	}

	return
}

func up(confMap conf.ConfMap) (err error) {
	globals.Lock()
	defer globals.Unlock()

	if globals.up {
		err = fmt.Errorf("transitions.Up() called while already up")
		return
	}

	for globals.upCount = 0; globals.upCount < len(globals.registrationList); globals.upCount++ {
		registrationItem := globals.registrationList[globals.upCount]
		logger.Tracef("transitions.Up() calling %s.Up()", registrationItem.packageName)
		err = registrationItem.callbacks.Up(confMap)
		if nil != err {
			logger.ErrorfWithError(err, "transitions.Up() call to %s.Up() failed", registrationItem.packageName)
			err = fmt.Errorf("%s.Up() failed: %v", registrationItem.packageName, err)
			_ = downLocked(confMap)
			return
		}
	}

	globals.up = true

	logger.Infof("transitions.Up() returning successfully")

	return
}

func signaled(confMap conf.ConfMap) (err error) {
	globals.Lock()
	defer globals.Unlock()

	if !globals.up {
		err = fmt.Errorf("transitions.Signaled() called while not up")
		return
	}

	for _, registrationItem := range globals.registrationList {
		err = registrationItem.callbacks.Signaled(confMap)
		if nil != err {
			logger.ErrorfWithError(err, "transitions.Signaled() call to %s.Signaled() failed", registrationItem.packageName)
			err = fmt.Errorf("%s.Signaled() failed: %v", registrationItem.packageName, err)
			return
		}
	}

	return
}

func down(confMap conf.ConfMap) (err error) {
	globals.Lock()
	defer globals.Unlock()

	logger.Infof("transitions.Down() called")

	err = downLocked(confMap)

	return
}

func downLocked(confMap conf.ConfMap) (err error) {
	for globals.upCount > 0 {
		globals.upCount--
		registrationItem := globals.registrationList[globals.upCount]
		downErr := registrationItem.callbacks.Down(confMap)
		if (nil != downErr) && (nil == err) {
			err = fmt.Errorf("%s.Down() failed: %v", registrationItem.packageName, downErr)
		}
	}

	globals.up = false

	return
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) Up(confMap conf.ConfMap) (err error) {
	return logger.Up(confMap)
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) Signaled(confMap conf.ConfMap) (err error) {
	return logger.Signaled(confMap)
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) Down(confMap conf.ConfMap) (err error) {
	return logger.Down(confMap)
}
