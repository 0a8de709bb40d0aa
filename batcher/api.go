// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package batcher groups concurrent commits into batches that share one
// forced log flush.
//
// A Command is appended to a Log, the batch is made durable with a single
// Log.Sync(), and only then is each Command executed against the System, in
// log order. Two policies decide when a batch closes:
//
//   window     the first caller (the leader) waits a fixed window for
//              followers to join, then flushes the batch
//   optimistic the leader appends immediately, keeps appending whatever
//              arrived while it was writing until nothing new is waiting,
//              then flushes
//
// A batch made only of sync == false commands skips the flush.
package batcher

import (
	"time"

	"github.com/NVIDIA/spacestore/blunder"
	"github.com/NVIDIA/spacestore/conf"
)

// System is the in-memory state Commands are executed against.
type System interface{}

// Command is a logged, replayable mutation of a System. Commands are encoded
// to the log as JSON, so their state must be in exported fields.
type Command interface {
	Name() string
	Execute(system System) (result interface{}, err error)
}

// Log is an append-only command log. Append need not be durable until the
// following Sync() returns.
type Log interface {
	Name() string
	Append(cmd Command) (err error)
	Sync() (err error)
}

// ReplayLog is a Log that can be read back after a restart.
type ReplayLog interface {
	Log
	// Replay decodes every durable command in append order and passes it to
	// fn, stopping at the first error fn returns.
	Replay(registry *Registry, fn func(cmd Command) (err error)) (replayed int, err error)
	// Truncate discards every command; used once their effects are stored
	// elsewhere.
	Truncate() (err error)
	Close() (err error)
}

// Batcher is the commit path shared by every batching policy.
type Batcher interface {
	// ExecuteCommand appends cmd to the log and, once it is durable (or, with
	// sync == false, once it is ordered), executes it and returns its result.
	ExecuteCommand(cmd Command, sync bool) (result interface{}, err error)
	Close()
}

// NewWindow returns a Batcher whose leaders wait window for followers.
func NewWindow(log Log, system System, window time.Duration) Batcher {
	return newBatcher(log, system, window, false)
}

// NewOptimistic returns a Batcher that batches whatever arrives while its
// leader is writing.
func NewOptimistic(log Log, system System) Batcher {
	return newBatcher(log, system, 0, true)
}

const (
	PolicyWindow     = "window"
	PolicyOptimistic = "optimistic"
)

// Config is the Batcher section of a ConfMap.
type Config struct {
	Policy string
	Window time.Duration
}

// ConfigFromConfMap reads Batcher.Policy (default optimistic) and, for the
// window policy, Batcher.WindowMillis plus Batcher.WindowNanos.
func ConfigFromConfMap(confMap conf.ConfMap) (config *Config, err error) {
	config = &Config{Policy: PolicyOptimistic}

	if _, ok := confMap["Batcher"]["Policy"]; ok {
		config.Policy, err = confMap.FetchOptionValueString("Batcher", "Policy")
		if nil != err {
			err = blunder.AddError(err, blunder.InvalidArgError)
			return
		}
	}

	switch config.Policy {
	case PolicyOptimistic:
	case PolicyWindow:
		var millis, nanos uint32
		if _, ok := confMap["Batcher"]["WindowMillis"]; ok {
			millis, err = confMap.FetchOptionValueUint32("Batcher", "WindowMillis")
			if nil != err {
				err = blunder.AddError(err, blunder.InvalidArgError)
				return
			}
		}
		if _, ok := confMap["Batcher"]["WindowNanos"]; ok {
			nanos, err = confMap.FetchOptionValueUint32("Batcher", "WindowNanos")
			if nil != err {
				err = blunder.AddError(err, blunder.InvalidArgError)
				return
			}
		}
		config.Window = time.Duration(millis)*time.Millisecond + time.Duration(nanos)
		if 0 == config.Window {
			err = blunder.NewError(blunder.InvalidArgError, "Batcher.Policy %s needs a non-zero window", PolicyWindow)
			return
		}
	default:
		err = blunder.NewError(blunder.InvalidArgError, "Batcher.Policy %q unknown", config.Policy)
	}

	return
}

// New returns the Batcher config describes.
func New(config *Config, log Log, system System) (batcher Batcher) {
	if PolicyWindow == config.Policy {
		return NewWindow(log, system, config.Window)
	}
	return NewOptimistic(log, system)
}

// Registry maps command names to factories returning empty Commands to
// decode logged commands into.
type Registry struct {
	factories map[string]func() Command
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]func() Command)}
}

// Register adds a factory; registering a name twice panics.
func (registry *Registry) Register(name string, factory func() Command) {
	registry.register(name, factory)
}

// New returns an empty Command for name or a CorruptionError.
func (registry *Registry) New(name string) (cmd Command, err error) {
	return registry.new(name)
}

// OpenFileLog opens (creating if needed) the log file at path. Replay() it
// before appending.
func OpenFileLog(path string) (fileLog *FileLog, err error) {
	return openFileLog(path)
}

// NewMemLog returns an empty in-memory ReplayLog.
func NewMemLog(name string) (memLog *MemLog) {
	return newMemLog(name)
}
