// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package halter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/NVIDIA/spacestore/conf"
)

func recoverHalt(fn func()) (err error) {
	defer func() {
		if r := recover(); nil != r {
			err = r.(error)
		}
	}()
	fn()
	return
}

func TestAPI(t *testing.T) {
	assert := assert.New(t)

	SetTestMode(true)
	defer SetTestMode(false)
	defer globals.Down(nil)

	assert.Equal(0, len(Dump()))

	err := recoverHalt(func() { Arm("halter.testHaltLabel0", 1) })
	assert.EqualError(err, "halter.Arm(haltLabelString='halter.testHaltLabel0',) - label unknown")

	err = recoverHalt(func() { Arm("halter.testHaltLabel1", 0) })
	assert.EqualError(err, "halter.Arm(haltLabel==halter.testHaltLabel1,) called with haltAfterCount==0")

	Arm("halter.testHaltLabel1", 1)
	Arm("halter.testHaltLabel2", 2)
	assert.Equal(map[string]uint32{"halter.testHaltLabel1": 1, "halter.testHaltLabel2": 2}, Dump())

	Disarm("halter.testHaltLabel1")
	assert.Equal(map[string]uint32{"halter.testHaltLabel2": 2}, Dump())

	assert.NoError(recoverHalt(func() { Trigger(apiTestHaltLabel1) }))
	assert.NoError(recoverHalt(func() { Trigger(apiTestHaltLabel2) }))
	assert.Equal(map[string]uint32{"halter.testHaltLabel2": 1}, Dump())

	err = recoverHalt(func() { Trigger(apiTestHaltLabel2) })
	haltErr, ok := err.(*HaltError)
	assert.True(ok)
	assert.Equal("halter.testHaltLabel2", haltErr.Label)
	assert.Equal(0, len(Dump()))

	assert.Contains(List(), "arccache.destage_Entry")
	assert.Equal(len(HaltLabelStrings), len(List()))
}

func TestUpFromConf(t *testing.T) {
	assert := assert.New(t)

	SetTestMode(true)
	defer SetTestMode(false)

	confMap, err := conf.MakeConfMapFromStrings([]string{"Halter.Arm=batcher.apply_Entry:3,writedaemon.dispatch_Entry:1"})
	assert.NoError(err)
	assert.NoError(globals.Up(confMap))
	assert.Equal(map[string]uint32{"batcher.apply_Entry": 3, "writedaemon.dispatch_Entry": 1}, Dump())
	assert.NoError(globals.Down(confMap))
	assert.Equal(0, len(Dump()))

	confMap, err = conf.MakeConfMapFromStrings([]string{"Halter.Arm=batcher.apply_Entry"})
	assert.NoError(err)
	assert.Error(globals.Up(confMap))
}
