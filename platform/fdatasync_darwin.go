// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package platform

import (
	"os"

	"golang.org/x/sys/unix"
)

// Fdatasync on darwin issues F_FULLFSYNC since fsync(2) there does not flush
// the drive's write cache.
func Fdatasync(file *os.File) (err error) {
	_, err = unix.FcntlInt(file.Fd(), unix.F_FULLFSYNC, 0)
	if nil != err {
		err = file.Sync()
	}
	return
}
