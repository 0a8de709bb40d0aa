// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package platform

import (
	"os"

	"golang.org/x/sys/unix"
)

// Fdatasync flushes file data (and only the metadata needed to read it back)
// to stable storage.
func Fdatasync(file *os.File) (err error) {
	for {
		err = unix.Fdatasync(int(file.Fd()))
		if unix.EINTR != err {
			return
		}
	}
}
