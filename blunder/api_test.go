// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package blunder

import (
	"fmt"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/NVIDIA/glockmgr/conf"
	"github.com/NVIDIA/glockmgr/logger"
	"github.com/NVIDIA/glockmgr/transitions"
)

var testConfMap conf.ConfMap

func testSetup(t *testing.T) {
	var (
		err             error
		testConfStrings []string
	)

	testConfStrings = []string{
		"Logging.LogFilePath=/dev/null",
		"Logging.LogToConsole=false",
		"Glock.LockSpaceList=",
	}

	testConfMap, err = conf.MakeConfMapFromStrings(testConfStrings)
	if nil != err {
		t.Fatalf("conf.MakeConfMapFromStrings() failed: %v", err)
	}

	err = transitions.Up(testConfMap)
	if nil != err {
		t.Fatalf("transitions.Up() failed: %v", err)
	}
}

func testTeardown(t *testing.T) {
	var (
		err error
	)

	err = transitions.Down(testConfMap)
	if nil != err {
		t.Fatalf("transitions.Down() failed: %v", err)
	}
}

func TestValues(t *testing.T) {
	errConstant := TryAgainError
	expectedValue := int(unix.EAGAIN)
	if errConstant.Value() != expectedValue {
		t.Fatalf("Error, %s != %d", errConstant.String(), expectedValue)
	}

	errConstant = DeadlockError
	expectedValue = int(unix.EDEADLK)
	if errConstant.Value() != expectedValue {
		t.Fatalf("Error, %s != %d", errConstant.String(), expectedValue)
	}

	errConstant = CanceledError
	expectedValue = int(unix.ECANCELED)
	if errConstant.Value() != expectedValue {
		t.Fatalf("Error, %s != %d", errConstant.String(), expectedValue)
	}

	if SuccessError.Value() != 0 {
		t.Fatalf("Error, %s != 0", SuccessError.String())
	}
}

func TestStringer(t *testing.T) {
	if "TryAgainError" != TryAgainError.String() {
		t.Fatalf("Error, TryAgainError.String() returned %s", TryAgainError.String())
	}
	if "WithdrawError" != WithdrawError.String() {
		t.Fatalf("Error, WithdrawError.String() returned %s", WithdrawError.String())
	}
	if "LockError(4242)" != LockError(4242).String() {
		t.Fatalf("Error, LockError(4242).String() returned %s", LockError(4242).String())
	}
}

func checkValue(t *testing.T, testInfo string, actualVal int, expectedVal int) {
	if actualVal != expectedVal {
		t.Fatalf("Error, %s value was %d, expected %d", testInfo, actualVal, expectedVal)
	}
}

func TestDefaultErrno(t *testing.T) {
	testSetup(t)

	// Nil error test
	var err error

	// Now try to get error val out of err. We should get a default value, since error value hasn't been set.
	errno := Errno(err)

	// Since err is nil, the default value should be successErrno
	checkValue(t, "nil error", errno, successErrno)

	// IsSuccess should return true and IsNotSuccess should return false
	if !IsSuccess(err) {
		logger.Fatalf("Error, IsSuccess() returned false for error %v (errno %v)", ErrorString(err), Errno(err))
	}
	if IsNotSuccess(err) {
		logger.Fatalf("Error, IsNotSuccess() returned true for error %v", ErrorString(err))
	}

	// Non-nil error test
	err = fmt.Errorf("This is an ordinary error")

	// Since err is non-nil, the default value should be failureErrno (-1)
	errno = Errno(err)
	checkValue(t, "non-nil error", errno, failureErrno)

	// IsSuccess should return false and IsNotSuccess should return true
	if IsSuccess(err) {
		logger.Fatalf("Error, IsSuccess() returned true for error %v (errno %v)", ErrorString(err), Errno(err))
	}
	if !IsNotSuccess(err) {
		logger.Fatalf("Error, IsNotSuccess() returned false for error %v", ErrorString(err))
	}

	// Specific error test
	err = AddError(err, InvalidArgError)
	errno = Errno(err)
	checkValue(t, "specific error", errno, InvalidArgError.Value())

	testTeardown(t)
}

func TestAddValue(t *testing.T) {
	testSetup(t)

	// Add value to a nil error (not recommended as a strategy, but it needs to work anyway)
	var err error
	err = AddError(err, TryAgainError)
	errno := Errno(err)
	checkValue(t, "specific error", errno, TryAgainError.Value())
	if !hasErrnoValue(err) {
		logger.Fatalf("Error, hasErrnoValue returned false for error %v", ErrorString(err))
	}
	// Validate the Is* APIs on what started as a nil error
	if !Is(err, TryAgainError) {
		logger.Fatalf("Error, Is() returned false for error %v is TryAgainError", ErrorString(err))
	}
	if Is(err, NotFoundError) {
		logger.Fatalf("Error, Is() returned true for error %v is NotFoundError", ErrorString(err))
	}
	if !IsNot(err, InvalidArgError) {
		logger.Fatalf("Error, IsNot() returned false for error %v is InvalidArgError", ErrorString(err))
	}
	if IsSuccess(err) {
		logger.Fatalf("Error, IsSuccess() returned true for error %v", ErrorString(err))
	}
	if !IsNotSuccess(err) {
		logger.Fatalf("Error, IsNotSuccess() returned false for error %v", ErrorString(err))
	}

	// Add value to a non-nil error
	err = fmt.Errorf("This is an ordinary error")
	err = AddError(err, DeadlockError)
	errno = Errno(err)
	checkValue(t, "specific error", errno, DeadlockError.Value())
	if !hasErrnoValue(err) {
		logger.Fatalf("Error, hasErrnoValue returned false for error %v", ErrorString(err))
	}
	// Validate the Is* APIs on what started as a non-nil error
	if !Is(err, DeadlockError) {
		logger.Fatalf("Error, Is() returned false for error %v is DeadlockError", ErrorString(err))
	}
	if Is(err, WithdrawError) {
		logger.Fatalf("Error, Is() returned true for error %v is WithdrawError", ErrorString(err))
	}
	if !IsNot(err, WithdrawError) {
		logger.Fatalf("Error, IsNot() returned false for error %v is WithdrawError", ErrorString(err))
	}
	if IsSuccess(err) {
		logger.Fatalf("Error, IsSuccess() returned true for error %v", ErrorString(err))
	}
	if !IsNotSuccess(err) {
		logger.Fatalf("Error, IsNotSuccess() returned false for error %v", ErrorString(err))
	}

	// Add a different value to a non-nil error
	err = AddError(err, TryAgainError)
	errno = Errno(err)
	checkValue(t, "specific error", errno, TryAgainError.Value())
	if !hasErrnoValue(err) {
		logger.Fatalf("Error, hasErrnoValue returned false for error %v", ErrorString(err))
	}
	if !Is(err, TryAgainError) {
		logger.Fatalf("Error, Is() returned false for error %v is TryAgainError", ErrorString(err))
	}

	testTeardown(t)
}

func TestHTTPCode(t *testing.T) {
	testSetup(t)

	// Nil error test
	// Add http code to a nil error (not recommended as a strategy, but it needs to work anyway)
	var err error

	// Now try to get http code out of err. We should get a default value, since error value hasn't been set.
	code := HTTPCode(err)

	// Since err is nil, the default value should be 200 OK
	checkValue(t, "nil error", code, 200)

	// Non-nil error test
	err = fmt.Errorf("This is an ordinary error")

	// Err is non-nil but http code is not set, the default value should be 500
	code = HTTPCode(err)
	checkValue(t, "non-nil error", code, 500)

	// Specific error test
	err = AddHTTPCode(err, 400)
	code = HTTPCode(err)
	checkValue(t, "specific error", code, 400)

	testTeardown(t)
}
