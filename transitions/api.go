// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package transitions sequences the start-up, reconfiguration, and shutdown
// of the packages making up a spacestore process.
package transitions

import (
	"github.com/NVIDIA/spacestore/conf"
)

// Callbacks is the interface implemented by each package desiring notification of
// lifecycle changes. Each such package should implement a struct with pointer
// receivers for each API listed below even when there is no interest in being
// notified of a particular condition.
//
// Up() and Signaled() are issued in registration order. Down() is issued in
// reverse registration order.
type Callbacks interface {
	Up(confMap conf.ConfMap) (err error)
	Signaled(confMap conf.ConfMap) (err error)
	Down(confMap conf.ConfMap) (err error)
}

// Register should be called from a package's init() func should the package be interested
// in the callbacks. As an example, consider the following:
//
//   package foo
//
//   type globalsStruct struct {
//       ...
//   }
//
//   var globals globalsStruct
//
//   func init() {
//       transitions.Register("foo", &globals)
//   }
//
//   func (dummy *globalsStruct) Up(confMap conf.ConfMap) (err error) {
//       // Perform start-up initialization derived from confMap
//       return
//   }
//
// A special exception to the need for registration is the package logger. Package
// transitions makes an explicit reference to logging functions in package logger and,
// as such, will perform the registration for package logger itself.
func Register(packageName string, callbacks Callbacks) {
	register(packageName, callbacks)
}

// Up should be called at startup by the main() (or setup func) of each program including
// any of the packages needing callback notifications. Should any Up() callback fail,
// the packages already brought up are brought back Down() before the error is returned.
func Up(confMap conf.ConfMap) (err error) {
	return up(confMap)
}

// Signaled should be called during execution of a signal handler for e.g. SIGHUP.
func Signaled(confMap conf.ConfMap) (err error) {
	return signaled(confMap)
}

// Down should be called just before shutdown. The first failing Down() callback is
// reported but the remaining packages are still brought Down().
func Down(confMap conf.ConfMap) (err error) {
	return down(confMap)
}

// IsUp reports whether Up() has succeeded without a subsequent Down().
func IsUp() bool {
	globals.Lock()
	defer globals.Unlock()
	return globals.up
}

// Registered returns the registered package names in registration order.
func Registered() (packageNames []string) {
	return registered()
}
