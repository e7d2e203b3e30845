// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package blunder provides error-handling wrappers
//
// These wrappers allow callers to provide additional information in Go errors
// while still conforming to the Go error interface.
//
// This package provides APIs to add errno and HTTP status information to regular Go errors.
//
// This package is currently implemented on top of the ansel1/merry package:
//   https://github.com/ansel1/merry
//
//   merry comes with built-in support for adding information to errors:
//    - stacktraces
//    - overriding the error message
//    - HTTP status codes
//    - end user error messages
//    - your own additional information
//
//   From merry godoc:
//     You can add any context information to an error with `e = merry.WithValue(e, "code", 12345)`
//     You can retrieve that value with `v, _ := merry.Value(e, "code").(int)`
//
package blunder

import (
	"fmt"

	"github.com/ansel1/merry"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/glockmgr/logger"
)

// Error constants to be used in the GlockMgr namespace.
//
// There are two groups of constants:
//  - constants that correspond to linux/POSIX errnos as defined in errno.h
//  - GlockMgr-specific constants for errors not covered in the errno space
//
// The linux/POSIX-related constants should be used in cases where there is a clear
// mapping to these errors. Using these constants makes it easier to map lock-layer
// errors onto the values a kernel DLM client would see.
//
//
// NOTE: unix.Errno is used here because they are errno constants that exist in Go-land.
//       This type consists of an unsigned number describing an error condition. It implements
//       the error interface; we need to cast it to an int to get the errno value.
//
type LockError int

// The following line of code is a directive to go generate that tells it to create a
// file called lockerror_string.go that implements the .String() method for type LockError.
//go:generate stringer -type=LockError

const (
	// Errors that map to linux/POSIX errnos as defined in errno.h
	//
	NotFoundError       LockError = LockError(int(unix.ENOENT))    // No such glock or lock space
	WithdrawError       LockError = LockError(int(unix.EIO))       // Lock space has been withdrawn
	TryAgainError       LockError = LockError(int(unix.EAGAIN))    // Try lock failed; try again later
	BusyError           LockError = LockError(int(unix.EBUSY))     // Glock or lock space busy
	NotMountedError     LockError = LockError(int(unix.ENODEV))    // Lock space not mounted
	InvalidArgError     LockError = LockError(int(unix.EINVAL))    // Invalid argument
	DeadlockError       LockError = LockError(int(unix.EDEADLK))   // Deadlock would result
	NoLocksError        LockError = LockError(int(unix.ENOLCK))    // Lock manager out of locks
	NotImplementedError LockError = LockError(int(unix.ENOSYS))    // Operation not implemented
	TimedOutError       LockError = LockError(int(unix.ETIMEDOUT)) // Operation timed out
	CanceledError       LockError = LockError(int(unix.ECANCELED)) // Operation canceled
)

// Errors that map to constants already defined above
const (
	StaleHolderError     LockError = InvalidArgError
	UnknownLockTypeError LockError = InvalidArgError
	NotHeldError         LockError = InvalidArgError
	RecoveryPendingError LockError = TryAgainError
	LockSpaceDownError   LockError = NotMountedError
)

// Success error (sounds odd, no? - perhaps this could be renamed "NotAnError"?)
const SuccessError LockError = 0

const ( // reset iota to 0
	// Errors that are internal/specific to GlockMgr
	UnpackError LockError = 1000 + iota
	PackError
	CorruptLVBError
)

// Default errno values for success and failure
const successErrno = 0
const failureErrno = -1

// Value returns the int value for the specified LockError constant
func (err LockError) Value() int {
	return int(err)
}

// NewError creates a new merry/blunder.LockError-annotated error using the given
// format string and arguments.
func NewError(errValue LockError, format string, a ...interface{}) error {
	return merry.WrapSkipping(fmt.Errorf(format, a...), 1).WithValue("errno", int(errValue))
}

// AddError is used to add lock error detail to a Go error.
//
// NOTE: Checks whether the error value has already been set
//       Note that by default merry will replace the old with the new.
//
func AddError(e error, errValue LockError) error {
	if e == nil {
		// Error hasn't been allocated yet; need to create one
		//
		// Usually we wouldn't want to mess with a nil error, but the caller of
		// this function obviously intends to make this a non-nil error.
		//
		// It's recommended that the caller create an error with some context
		// in the error string first, but we don't want to silently not work
		// if they forget to do that.
		//
		return merry.New("regular error").WithValue("errno", int(errValue))
	}

	// Make the error "merry", adding stack trace as well as errno value.
	// This is done all in one line because the merry APIs create a new error each time.

	// For now, check and log if an errno has already been added to
	// this error, to help debugging in the cases where this was not intentional.
	prevValue := Errno(e)
	if prevValue != successErrno && prevValue != failureErrno {
		logger.Warnf("replacing error value %v with value %v for error %v.\n", prevValue, int(errValue), e)
	}

	return merry.WrapSkipping(e, 1).WithValue("errno", int(errValue))
}

func hasErrnoValue(e error) bool {
	// If the "errno" key/value was not present, merry.Value returns nil.
	tmp := merry.Value(e, "errno")
	if tmp != nil {
		return true
	}

	return false
}

func AddHTTPCode(e error, statusCode int) error {
	if e == nil {
		// Error hasn't been allocated yet; need to create one
		//
		// Usually we wouldn't want to mess with a nil error, but the caller of
		// this function obviously intends to make this a non-nil error.
		//
		// It's recommended that the caller create an error with some context
		// in the error string first, but we don't want to silently not work
		// if they forget to do that.
		//
		return merry.New("HTTP error").WithHTTPCode(statusCode)
	}

	// Make the error "merry", adding stack trace as well as errno value.
	// This is done all in one line because the merry APIs create a new error each time.
	return merry.WrapSkipping(e, 1).WithHTTPCode(statusCode)
}

// Errno extracts errno from the error, if it was previously wrapped.
// Otherwise a default value is returned.
//
func Errno(e error) int {
	if e == nil {
		// nil error = success
		return successErrno
	}

	// If the "errno" key/value was not present, merry.Value returns nil.
	var errno = failureErrno
	tmp := merry.Value(e, "errno")
	if tmp != nil {
		errno = tmp.(int)
	}

	return errno
}

func ErrorString(e error) string {
	if e == nil {
		return ""
	}

	// Get the regular error string
	errPlusVal := e.Error()

	// Add the error value to it, if set
	var errno = failureErrno
	tmp := merry.Value(e, "errno")
	if tmp != nil {
		errno = tmp.(int)
		errPlusVal = fmt.Sprintf("%s. Error Value: %v\n", errPlusVal, errno)
	}

	return errPlusVal
}

// Check if an error matches a particular LockError
//
// NOTE: Because the value of the underlying errno is used to do this check, one cannot
//       use this API to distinguish between LockErrors that use the same errno value.
//       IOW, it can't tell the difference between StaleHolderError/NotHeldError/InvalidArgError,
//       since they all use unix.EINVAL as their underlying errno value.
//
func Is(e error, theError LockError) bool {
	return Errno(e) == theError.Value()
}

// Check if an error is NOT a particular LockError
func IsNot(e error, theError LockError) bool {
	return Errno(e) != theError.Value()
}

// Check if an error is the success LockError
func IsSuccess(e error) bool {
	return Errno(e) == successErrno
}

// Check if an error is NOT the success LockError
func IsNotSuccess(e error) bool {
	return Errno(e) != successErrno
}

func ErrorUpdate(e error, currentVal LockError, changeToVal LockError) error {
	errVal := Errno(e)

	if errVal == int(currentVal) {
		// Change to the new value
		return merry.Wrap(e).WithValue("errno", int(changeToVal))
	}

	return e
}

// HTTPCode wraps merry.HTTPCode, which returns the HTTP status code. Default value is 500.
func HTTPCode(e error) int {
	return merry.HTTPCode(e)
}

// Location returns the file and line number of the code that generated the error.
// Returns zero values if e has no stacktrace.
func Location(e error) (file string, line int) {
	file, line = merry.Location(e)
	return
}

// SourceLine returns the string representation of Location's result
// Returns empty stringif e has no stacktrace.
func SourceLine(e error) string {
	return merry.SourceLine(e)
}

// Details wraps merry.Details, which returns all error details including stacktrace in a string.
func Details(e error) string {
	return merry.Details(e)
}

// Stacktrace wraps merry.Stacktrace, which returns error stacktrace (if set) in a string.
func Stacktrace(e error) string {
	return merry.Stacktrace(e)
}
