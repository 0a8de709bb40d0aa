// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package blunder

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestValues(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(int(unix.EIO), IOError.Value())
	assert.Equal(int(unix.ENOENT), NotFoundError.Value())
	assert.Equal(int(unix.EDEADLK), LockProtocolError.Value())
	assert.Equal(int(unix.ESHUTDOWN), ShutdownError.Value())
	assert.Equal("CorruptionError", CorruptionError.String())
}

func TestClassesAreDistinct(t *testing.T) {
	assert := assert.New(t)

	classes := []FsError{
		NotFoundError, IOError, TryAgainError, BusyError, AlreadyExistsError, InvalidArgError,
		LockProtocolError, InterruptedError, ShutdownError, CorruptionError, TimedOutError,
	}
	seen := make(map[int]FsError)

	for _, class := range classes {
		prev, ok := seen[class.Value()]
		assert.False(ok, "%v shares errno with %v", class, prev)
		seen[class.Value()] = class
	}
}

func TestNewAndAdd(t *testing.T) {
	assert := assert.New(t)

	err := NewError(IOError, "save of %v failed", "1:7")
	assert.True(Is(err, IOError))
	assert.True(IsNot(err, NotFoundError))
	assert.Equal("save of 1:7 failed", err.Error())
	assert.Contains(ErrorString(err), "IOError")

	file, line := Location(err)
	assert.Contains(file, "api_test.go")
	assert.NotZero(line)

	plain := fmt.Errorf("disk went away")
	assert.Equal(-1, Errno(plain))
	assert.Equal("disk went away", ErrorString(plain))

	wrapped := AddError(plain, IOError)
	assert.True(Is(wrapped, IOError))
	assert.Equal("disk went away", wrapped.Error())

	reclassified := AddError(wrapped, CorruptionError)
	assert.True(Is(reclassified, CorruptionError))

	fromNil := AddError(nil, BusyError)
	assert.True(Is(fromNil, BusyError))

	assert.False(HasValue(plain))
	assert.True(HasValue(wrapped))
	assert.False(HasValue(nil))

	assert.True(IsSuccess(nil))
	assert.Equal(0, Errno(nil))
	assert.Equal("", ErrorString(nil))
	assert.Contains(Details(err), "save of 1:7 failed")
}
