// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package halter

import (
	"sync"

	"github.com/NVIDIA/spacestore/conf"
	"github.com/NVIDIA/spacestore/transitions"
)

type globalsStruct struct {
	sync.Mutex
	armedTriggers         map[uint32]uint32 // key: haltLabel; value: haltAfterCount (remaining)
	triggerNamesToNumbers map[string]uint32
	triggerNumbersToNames map[uint32]string
	testMode              bool
}

var globals globalsStruct

func init() {
	globals.armedTriggers = make(map[uint32]uint32)
	globals.triggerNamesToNumbers = make(map[string]uint32)
	globals.triggerNumbersToNames = make(map[uint32]string)
	for i, s := range HaltLabelStrings {
		globals.triggerNamesToNumbers[s] = uint32(i)
		globals.triggerNumbersToNames[uint32(i)] = s
	}

	transitions.Register("halter", &globals)
}

// Up arms any triggers listed in Halter.Arm as "label:count" pairs.
func (dummy *globalsStruct) Up(confMap conf.ConfMap) (err error) {
	armList, err := confMap.FetchOptionValueStringSlice("Halter", "Arm")
	if nil != err {
		err = nil
		return
	}

	for _, armSpec := range armList {
		label, count, parseErr := parseArmSpec(armSpec)
		if nil != parseErr {
			err = parseErr
			return
		}
		Arm(label, count)
	}

	return
}

func (dummy *globalsStruct) Signaled(confMap conf.ConfMap) (err error) {
	return
}

// Down disarms every trigger.
func (dummy *globalsStruct) Down(confMap conf.ConfMap) (err error) {
	globals.Lock()
	globals.armedTriggers = make(map[uint32]uint32)
	globals.Unlock()
	return
}
