// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package space

import (
	"time"

	"github.com/NVIDIA/spacestore/arccache"
	"github.com/NVIDIA/spacestore/batcher"
	"github.com/NVIDIA/spacestore/blunder"
	"github.com/NVIDIA/spacestore/conf"
	"github.com/NVIDIA/spacestore/txnlock"
	"github.com/NVIDIA/spacestore/writedaemon"
)

const (
	BackingStoreBolt   = "bolt"
	BackingStoreMemory = "memory"

	DefaultEventQueue = "space.events"
)

// Config describes a Space and the components beneath it.
type Config struct {
	Name         string        // names statistics, the log and the store bucket
	Directory    string        // holds space.db and space.log; "" keeps everything in memory
	Zone         uint32        // identifier zone of entries written here
	BackingStore string        // BackingStoreBolt or BackingStoreMemory
	Deferred     bool          // saves go through a WriteDaemon
	Capacity     int           // ArcCache capacity in entries
	ReapInterval time.Duration // 0 disables the background reaper
	MetricsAddr  string        // consumed by spaced only
	EventQueue   string        // taskqueue running Notify() callbacks
	Batcher      *batcher.Config
	TxnLock      *txnlock.Config
	WriteDaemon  *writedaemon.Config
}

func DefaultConfig() (config *Config) {
	config = &Config{
		Name:         "space",
		Zone:         1,
		BackingStore: BackingStoreBolt,
		Capacity:     1024,
		EventQueue:   DefaultEventQueue,
		Batcher:      &batcher.Config{Policy: batcher.PolicyOptimistic},
		TxnLock:      txnlock.DefaultConfig(),
		WriteDaemon:  writedaemon.DefaultConfig(),
	}
	return
}

// ConfigFromConfMap reads the Space section along with the ArcCache,
// Batcher, TxnLock and WriteDaemon sections.
func ConfigFromConfMap(confMap conf.ConfMap) (config *Config, err error) {
	config = DefaultConfig()

	stringOptions := []struct {
		name  string
		value *string
	}{
		{"Name", &config.Name},
		{"Directory", &config.Directory},
		{"BackingStore", &config.BackingStore},
		{"MetricsAddr", &config.MetricsAddr},
		{"EventQueue", &config.EventQueue},
	}
	for _, option := range stringOptions {
		if _, ok := confMap["Space"][option.name]; !ok {
			continue
		}
		*option.value, err = confMap.FetchOptionValueString("Space", option.name)
		if nil != err {
			err = blunder.AddError(err, blunder.InvalidArgError)
			return
		}
	}

	if _, ok := confMap["Space"]["Zone"]; ok {
		config.Zone, err = confMap.FetchOptionValueUint32("Space", "Zone")
		if nil != err {
			err = blunder.AddError(err, blunder.InvalidArgError)
			return
		}
	}

	if _, ok := confMap["Space"]["Deferred"]; ok {
		config.Deferred, err = confMap.FetchOptionValueBool("Space", "Deferred")
		if nil != err {
			err = blunder.AddError(err, blunder.InvalidArgError)
			return
		}
	}

	if _, ok := confMap["Space"]["ReapInterval"]; ok {
		config.ReapInterval, err = confMap.FetchOptionValueDuration("Space", "ReapInterval")
		if nil != err {
			err = blunder.AddError(err, blunder.InvalidArgError)
			return
		}
	}

	config.Capacity, err = arccache.ConfigFromConfMap(confMap)
	if nil != err {
		return
	}
	config.Batcher, err = batcher.ConfigFromConfMap(confMap)
	if nil != err {
		return
	}
	config.TxnLock, err = txnlock.ConfigFromConfMap(confMap)
	if nil != err {
		return
	}
	config.WriteDaemon, err = writedaemon.ConfigFromConfMap(confMap)
	if nil != err {
		return
	}

	err = config.validate()

	return
}

func (config *Config) validate() (err error) {
	switch {
	case "" == config.Name:
		err = blunder.NewError(blunder.InvalidArgError, "Space.Name must not be empty")
	case (BackingStoreBolt != config.BackingStore) && (BackingStoreMemory != config.BackingStore):
		err = blunder.NewError(blunder.InvalidArgError, "Space.BackingStore %q unknown", config.BackingStore)
	case 1 > config.Capacity:
		err = blunder.NewError(blunder.InvalidArgError, "ArcCache.Capacity must be at least 1")
	case 0 > config.ReapInterval:
		err = blunder.NewError(blunder.InvalidArgError, "Space.ReapInterval must not be negative")
	case "" == config.EventQueue:
		err = blunder.NewError(blunder.InvalidArgError, "Space.EventQueue must not be empty")
	case (nil == config.Batcher) || (nil == config.TxnLock) || (nil == config.WriteDaemon):
		err = blunder.NewError(blunder.InvalidArgError, "space %s config lacks a component section", config.Name)
	}
	return
}
