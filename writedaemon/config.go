// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package writedaemon

import (
	"github.com/NVIDIA/spacestore/blunder"
	"github.com/NVIDIA/spacestore/conf"
)

func configFromConfMap(confMap conf.ConfMap) (config *Config, err error) {
	config = DefaultConfig()

	for _, option := range []struct {
		name  string
		value *int
	}{
		{"WorkerPoolSize", &config.WorkerPoolSize},
		{"CompletionPoolSize", &config.CompletionPoolSize},
		{"DesiredPendingWrites", &config.DesiredPendingWrites},
		{"ThrottlePendingWrites", &config.ThrottlePendingWrites},
	} {
		if _, ok := confMap["WriteDaemon"][option.name]; !ok {
			continue
		}
		value, fetchErr := confMap.FetchOptionValueUint32("WriteDaemon", option.name)
		if nil != fetchErr {
			err = blunder.AddError(fetchErr, blunder.InvalidArgError)
			return
		}
		*option.value = int(value)
	}

	if _, ok := confMap["WriteDaemon"]["ThrottlePause"]; ok {
		config.ThrottlePause, err = confMap.FetchOptionValueDuration("WriteDaemon", "ThrottlePause")
		if nil != err {
			err = blunder.AddError(err, blunder.InvalidArgError)
			return
		}
	}

	err = config.validate()

	return
}

func (config *Config) validate() (err error) {
	switch {
	case 1 > config.WorkerPoolSize:
		err = blunder.NewError(blunder.InvalidArgError, "WriteDaemon.WorkerPoolSize must be at least 1")
	case 1 > config.CompletionPoolSize:
		err = blunder.NewError(blunder.InvalidArgError, "WriteDaemon.CompletionPoolSize must be at least 1")
	case 1 > config.DesiredPendingWrites:
		err = blunder.NewError(blunder.InvalidArgError, "WriteDaemon.DesiredPendingWrites must be at least 1")
	case 0 > config.ThrottlePendingWrites:
		err = blunder.NewError(blunder.InvalidArgError, "WriteDaemon.ThrottlePendingWrites must not be negative")
	case 0 > config.ThrottlePause:
		err = blunder.NewError(blunder.InvalidArgError, "WriteDaemon.ThrottlePause must not be negative")
	}
	return
}
