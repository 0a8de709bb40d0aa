// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package halter

import (
	"fmt"
	"strconv"
	"strings"
)

func parseArmSpec(armSpec string) (label string, count uint32, err error) {
	colon := strings.LastIndexByte(armSpec, ':')
	if 0 > colon {
		err = fmt.Errorf("halter arm spec '%s' must be label:count", armSpec)
		return
	}

	label = armSpec[:colon]

	count64, err := strconv.ParseUint(armSpec[colon+1:], 10, 32)
	if nil != err {
		err = fmt.Errorf("halter arm spec '%s' has bad count: %v", armSpec, err)
		return
	}

	count = uint32(count64)

	return
}
