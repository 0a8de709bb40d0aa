// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// The spaced program serves a single tuple space and is named accordingly.
package main

import (
	"os"

	"github.com/NVIDIA/spacestore/spaced/spaced/cmd"
)

func main() {
	err := cmd.Execute()
	if nil != err {
		os.Exit(1) // Exit with non-success status that can be checked from scripts
	}
}
