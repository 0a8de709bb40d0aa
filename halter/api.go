// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package halter provides named fault-injection points. A point armed with a
// count halts the process on the count'th call to Trigger() for its label.
package halter

import (
	"fmt"
	"os"
	"sort"
	"syscall"

	"github.com/NVIDIA/spacestore/logger"
)

// Note 1: Following const block and HaltLabelStrings should be kept in sync
// Note 2: HaltLabelStrings should be easily parseable as URL components

const (
	apiTestHaltLabel1 = iota
	apiTestHaltLabel2
	BatcherApplyEntry
	ArcCacheDestageEntry
	WriteDaemonDispatchEntry
)

var (
	HaltLabelStrings = []string{
		"halter.testHaltLabel1",
		"halter.testHaltLabel2",
		"batcher.apply_Entry",
		"arccache.destage_Entry",
		"writedaemon.dispatch_Entry",
	}
)

// HaltError is the value passed to panic() when a trigger fires in test mode.
type HaltError struct {
	Label string
}

func (he *HaltError) Error() string {
	return fmt.Sprintf("halter.Trigger(haltLabelString==%v) triggered HALT", he.Label)
}

// Arm sets up a HALT on the haltAfterCount'd call to Trigger()
func Arm(haltLabelString string, haltAfterCount uint32) {
	globals.Lock()
	haltLabel, ok := globals.triggerNamesToNumbers[haltLabelString]
	if !ok {
		globals.Unlock()
		haltWithErr(fmt.Errorf("halter.Arm(haltLabelString='%v',) - label unknown", haltLabelString))
		return
	}
	if 0 == haltAfterCount {
		globals.Unlock()
		haltWithErr(fmt.Errorf("halter.Arm(haltLabel==%v,) called with haltAfterCount==0", haltLabelString))
		return
	}
	globals.armedTriggers[haltLabel] = haltAfterCount
	globals.Unlock()
}

// Disarm removes a previously armed trigger via a call to Arm()
func Disarm(haltLabelString string) {
	globals.Lock()
	haltLabel, ok := globals.triggerNamesToNumbers[haltLabelString]
	if !ok {
		globals.Unlock()
		haltWithErr(fmt.Errorf("halter.Disarm(haltLabelString='%v') - label unknown", haltLabelString))
		return
	}
	delete(globals.armedTriggers, haltLabel)
	globals.Unlock()
}

// Trigger decrements the haltAfterCount if armed and, should it reach 0, HALTs
func Trigger(haltLabel uint32) {
	globals.Lock()
	numTriggersRemaining, armed := globals.armedTriggers[haltLabel]
	if !armed {
		globals.Unlock()
		return
	}
	numTriggersRemaining--
	if 0 == numTriggersRemaining {
		delete(globals.armedTriggers, haltLabel)
		globals.Unlock()
		haltWithErr(&HaltError{Label: globals.triggerNumbersToNames[haltLabel]})
		return
	}
	globals.armedTriggers[haltLabel] = numTriggersRemaining
	globals.Unlock()
}

// Dump returns a map of currently armed triggers and their remaining trigger count
func Dump() (armedTriggers map[string]uint32) {
	globals.Lock()
	defer globals.Unlock()
	armedTriggers = make(map[string]uint32)
	for k, v := range globals.armedTriggers {
		armedTriggers[globals.triggerNumbersToNames[k]] = v
	}
	return
}

// List returns a sorted slice of available triggers
func List() (availableTriggers []string) {
	availableTriggers = make([]string, 0, len(HaltLabelStrings))
	availableTriggers = append(availableTriggers, HaltLabelStrings...)
	sort.Strings(availableTriggers)
	return
}

// SetTestMode makes a firing trigger panic with a *HaltError (or any error
// from Arm/Disarm) instead of killing the process.
func SetTestMode(enabled bool) {
	globals.Lock()
	globals.testMode = enabled
	globals.Unlock()
}

func haltWithErr(err error) {
	globals.Lock()
	testMode := globals.testMode
	globals.Unlock()

	if testMode {
		panic(err)
	}

	logger.ErrorfWithError(err, "halting")
	os.Exit(int(syscall.SIGKILL))
}
