// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package blunder provides error-handling wrappers
//
// These wrappers allow callers to attach an errno-style classification to
// regular Go errors while still conforming to the Go error interface. Callers
// up the stack (the space engine, the daemon) decide recovery strategy by
// class; this package only records and reports the class faithfully.
//
// This package is currently implemented on top of the ansel1/merry package:
//   https://github.com/ansel1/merry
//
//   From merry godoc:
//     You can add any context information to an error with `e = merry.WithValue(e, "code", 12345)`
//     You can retrieve that value with `v, _ := merry.Value(e, "code").(int)`
package blunder

import (
	"fmt"

	"github.com/ansel1/merry"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/spacestore/logger"
)

// FsError is the classification attached to an error.
//
// Each value maps onto a linux/POSIX errno so that the classification
// survives being logged or exported as a plain integer. Distinct classes
// never share an errno here, so Is() can always tell them apart.
type FsError int

const (
	NotFoundError      FsError = FsError(int(unix.ENOENT))    // Record, entry, or command not found
	IOError            FsError = FsError(int(unix.EIO))       // Backing store or log I/O failed
	TryAgainError      FsError = FsError(int(unix.EAGAIN))    // Contention outlasted the caller's patience
	BusyError          FsError = FsError(int(unix.EBUSY))     // Operation requires quiescence
	AlreadyExistsError FsError = FsError(int(unix.EEXIST))    // Record already resident
	InvalidArgError    FsError = FsError(int(unix.EINVAL))    // Invalid argument or configuration
	LockProtocolError  FsError = FsError(int(unix.EDEADLK))   // Lock request refused (self-conflict)
	InterruptedError   FsError = FsError(int(unix.EINTR))     // Wait abandoned (context cancelled)
	ShutdownError      FsError = FsError(int(unix.ESHUTDOWN)) // Work submitted after halt
	CorruptionError    FsError = FsError(int(unix.EBADMSG))   // Torn or mis-checksummed log record
	TimedOutError      FsError = FsError(int(unix.ETIMEDOUT)) // Wait expired without a match
)

// Success error (sounds odd, no? - perhaps this could be renamed "NotAnError"?)
const SuccessError FsError = 0

const successErrno = 0
const failureErrno = -1

const errnoKey = "errno"

// Value returns the int value for the specified FsError constant
func (err FsError) Value() int {
	return int(err)
}

func (err FsError) String() string {
	switch err {
	case SuccessError:
		return "SuccessError"
	case NotFoundError:
		return "NotFoundError"
	case IOError:
		return "IOError"
	case TryAgainError:
		return "TryAgainError"
	case BusyError:
		return "BusyError"
	case AlreadyExistsError:
		return "AlreadyExistsError"
	case InvalidArgError:
		return "InvalidArgError"
	case LockProtocolError:
		return "LockProtocolError"
	case InterruptedError:
		return "InterruptedError"
	case ShutdownError:
		return "ShutdownError"
	case CorruptionError:
		return "CorruptionError"
	case TimedOutError:
		return "TimedOutError"
	default:
		return fmt.Sprintf("FsError(%d)", int(err))
	}
}

// NewError creates a new merry/blunder.FsError-annotated error using the given
// format string and arguments.
func NewError(errValue FsError, format string, a ...interface{}) error {
	return merry.WrapSkipping(fmt.Errorf(format, a...), 1).WithValue(errnoKey, int(errValue))
}

// AddError is used to add FsError detail to a Go error.
//
// NOTE: If the error already carries a (different) classification, the new
//       one replaces it; that is logged since it is usually unintentional.
func AddError(e error, errValue FsError) error {
	if nil == e {
		return merry.New("regular error").WithValue(errnoKey, int(errValue))
	}

	prevValue := Errno(e)
	if (prevValue != successErrno) && (prevValue != failureErrno) && (prevValue != int(errValue)) {
		logger.Warnf("replacing error value %v with value %v for error %v", FsError(prevValue), errValue, e)
	}

	return merry.WrapSkipping(e, 1).WithValue(errnoKey, int(errValue))
}

// Errno extracts errno from the error, if it was previously wrapped.
// Otherwise a default value is returned.
func Errno(e error) int {
	if nil == e {
		return successErrno
	}

	tmp := merry.Value(e, errnoKey)
	if nil == tmp {
		return failureErrno
	}

	return tmp.(int)
}

// ErrorString returns the error's message suffixed with its classification, if any.
func ErrorString(e error) string {
	if nil == e {
		return ""
	}

	errno := Errno(e)
	if failureErrno == errno {
		return e.Error()
	}

	return fmt.Sprintf("%s (%v)", e.Error(), FsError(errno))
}

// Is reports whether an error carries a particular FsError.
func Is(e error, theError FsError) bool {
	return Errno(e) == theError.Value()
}

// IsNot reports whether an error does not carry a particular FsError.
func IsNot(e error, theError FsError) bool {
	return Errno(e) != theError.Value()
}

// IsSuccess reports whether e is nil (the success FsError).
func IsSuccess(e error) bool {
	return Errno(e) == successErrno
}

// HasValue reports whether e carries any FsError classification.
func HasValue(e error) bool {
	return (nil != e) && (nil != merry.Value(e, errnoKey))
}

// Location returns the file and line number of the code that generated the error.
// Returns zero values if e has no stacktrace.
func Location(e error) (file string, line int) {
	file, line = merry.Location(e)
	return
}

// Details wraps merry.Details, which returns all error details including stacktrace in a string.
func Details(e error) string {
	return merry.Details(e)
}
