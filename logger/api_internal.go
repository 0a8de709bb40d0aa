// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"bytes"
	"io"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

// callerFuncPackage returns the function and package names of the caller
// level frames above its own caller, plus the calling goroutine's id.
func callerFuncPackage(level int) (fn string, pkg string, gid uint64) {
	pc, _, _, ok := runtime.Caller(level + 1)
	if !ok {
		return "unknown", "unknown", goroutineID()
	}

	funcPkg := runtime.FuncForPC(pc).Name()
	if slash := strings.LastIndexByte(funcPkg, '/'); 0 <= slash {
		funcPkg = funcPkg[slash+1:]
	}

	if dot := strings.IndexByte(funcPkg, '.'); 0 <= dot {
		pkg = funcPkg[:dot]
	} else {
		pkg = funcPkg
	}
	if dot := strings.LastIndexByte(funcPkg, '.'); 0 <= dot {
		fn = funcPkg[dot+1:]
	} else {
		fn = funcPkg
	}

	gid = goroutineID()

	return
}

func goroutineID() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if space := bytes.IndexByte(b, ' '); 0 <= space {
		b = b[:space]
	}
	n, _ := strconv.ParseUint(string(b), 10, 64)
	return n
}

type multiWriter struct {
	sync.Mutex
	writers []io.Writer
}

func (mw *multiWriter) addWriter(writer io.Writer) {
	mw.Lock()
	mw.writers = append(mw.writers, writer)
	mw.Unlock()
}

func (mw *multiWriter) removeWriter(writer io.Writer) {
	mw.Lock()
	defer mw.Unlock()

	for i, w := range mw.writers {
		if w == writer {
			mw.writers = append(mw.writers[:i], mw.writers[i+1:]...)
			return
		}
	}
}

func (mw *multiWriter) setWriters(writers ...io.Writer) {
	mw.Lock()
	mw.writers = writers
	mw.Unlock()
}

func (mw *multiWriter) Write(p []byte) (n int, err error) {
	mw.Lock()
	defer mw.Unlock()

	for _, w := range mw.writers {
		n, err = w.Write(p)
		if nil != err {
			return
		}
	}

	n = len(p)
	return
}
