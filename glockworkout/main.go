// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/NVIDIA/glockmgr/conf"
	"github.com/NVIDIA/glockmgr/glock"
	"github.com/NVIDIA/glockmgr/transitions"

	// Force importing of the available lock space backends
	_ "github.com/NVIDIA/glockmgr/nolock"
	_ "github.com/NVIDIA/glockmgr/ramdlm"
)

var (
	doNextStepChan  chan bool
	locksPerThread  uint64
	lockSpace       *glock.LockSpace
	measureDistinct bool
	measureShared   bool
	measureFought   bool
	stepErrChan     chan error
	threads         uint64
)

func usage(file *os.File) {
	fmt.Fprintf(file, "Usage:\n")
	fmt.Fprintf(file, "    %v [xsf] threads locks-per-thread conf-file [section.option=value]*\n", os.Args[0])
	fmt.Fprintf(file, "  where:\n")
	fmt.Fprintf(file, "    x                       run exclusive lock test on per thread glocks\n")
	fmt.Fprintf(file, "    s                       run shared    lock test on one common glock\n")
	fmt.Fprintf(file, "    f                       run exclusive lock test on one common glock\n")
	fmt.Fprintf(file, "    threads                 number of threads\n")
	fmt.Fprintf(file, "    locks-per-thread        number of lock/unlock cycles each thread will perform\n")
	fmt.Fprintf(file, "    conf-file               input to conf.MakeConfMapFromFile()\n")
	fmt.Fprintf(file, "    [section.option=value]* optional input to conf.UpdateFromStrings()\n")
	fmt.Fprintf(file, "\n")
	fmt.Fprintf(file, "Note: Precisely one test selector must be specified\n")
	fmt.Fprintf(file, "      The conf file must list at least one lock space in Glock.LockSpaceList\n")
}

func main() {
	var (
		confMap                      conf.ConfMap
		durationOfMeasuredOperations time.Duration
		err                          error
		latencyPerOpInMilliSeconds   float64
		lockSpaceList                []string
		opsPerSecond                 float64
		timeAfterMeasuredOperations  time.Time
		timeBeforeMeasuredOperations time.Time
	)

	// Parse arguments

	if 5 > len(os.Args) {
		usage(os.Stderr)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "x":
		measureDistinct = true
	case "s":
		measureShared = true
	case "f":
		measureFought = true
	default:
		fmt.Fprintf(os.Stderr, "os.Args[1] ('%v') must be one of 'x', 's', or 'f'\n", os.Args[1])
		os.Exit(1)
	}

	threads, err = strconv.ParseUint(os.Args[2], 10, 64)
	if nil != err {
		fmt.Fprintf(os.Stderr, "strconv.ParseUint(\"%v\", 10, 64) of threads failed: %v\n", os.Args[2], err)
		os.Exit(1)
	}
	if 0 == threads {
		fmt.Fprintf(os.Stderr, "threads must be a positive number\n")
		os.Exit(1)
	}

	locksPerThread, err = strconv.ParseUint(os.Args[3], 10, 64)
	if nil != err {
		fmt.Fprintf(os.Stderr, "strconv.ParseUint(\"%v\", 10, 64) of locks-per-thread failed: %v\n", os.Args[3], err)
		os.Exit(1)
	}
	if 0 == locksPerThread {
		fmt.Fprintf(os.Stderr, "locks-per-thread must be a positive number\n")
		os.Exit(1)
	}

	confMap, err = conf.MakeConfMapFromFile(os.Args[4])
	if nil != err {
		fmt.Fprintf(os.Stderr, "conf.MakeConfMapFromFile(\"%v\") failed: %v\n", os.Args[4], err)
		os.Exit(1)
	}

	if 5 < len(os.Args) {
		err = confMap.UpdateFromStrings(os.Args[5:])
		if nil != err {
			fmt.Fprintf(os.Stderr, "confMap.UpdateFromStrings(%#v) failed: %v\n", os.Args[5:], err)
			os.Exit(1)
		}
	}

	// Start up needed glock manager components

	err = transitions.Up(confMap)
	if nil != err {
		fmt.Fprintf(os.Stderr, "transitions.Up() failed: %v\n", err)
		os.Exit(1)
	}

	// Select first mounted lock space

	lockSpaceList = glock.ListLockSpaces()
	if 1 > len(lockSpaceList) {
		fmt.Fprintf(os.Stderr, "glock.ListLockSpaces() returned empty list; check Glock.LockSpaceList\n")
		os.Exit(1)
	}

	lockSpace, err = glock.LookupLockSpace(lockSpaceList[0])
	if nil != err {
		fmt.Fprintf(os.Stderr, "glock.LookupLockSpace(\"%v\") failed: %v\n", lockSpaceList[0], err)
		os.Exit(1)
	}

	// Perform tests

	stepErrChan = make(chan error, 0)
	doNextStepChan = make(chan bool, 0)

	// Do initialization step
	for threadIndex := uint64(0); threadIndex < threads; threadIndex++ {
		go glockWorkout(threadIndex)
	}
	for threadIndex := uint64(0); threadIndex < threads; threadIndex++ {
		err = <-stepErrChan
		if nil != err {
			fmt.Fprintf(os.Stderr, "glockWorkout() initialization step returned: %v\n", err)
			os.Exit(1)
		}
	}

	// Do measured operations step
	timeBeforeMeasuredOperations = time.Now()
	for threadIndex := uint64(0); threadIndex < threads; threadIndex++ {
		doNextStepChan <- true
	}
	for threadIndex := uint64(0); threadIndex < threads; threadIndex++ {
		err = <-stepErrChan
		if nil != err {
			fmt.Fprintf(os.Stderr, "glockWorkout() measured operations step returned: %v\n", err)
			os.Exit(1)
		}
	}
	timeAfterMeasuredOperations = time.Now()

	// Stop glock manager components launched above

	err = transitions.Down(confMap)
	if nil != err {
		fmt.Fprintf(os.Stderr, "transitions.Down() failed: %v\n", err)
		os.Exit(1)
	}

	// Report results

	durationOfMeasuredOperations = timeAfterMeasuredOperations.Sub(timeBeforeMeasuredOperations)

	opsPerSecond = float64(threads*locksPerThread*1000*1000*1000) / float64(durationOfMeasuredOperations.Nanoseconds())
	latencyPerOpInMilliSeconds = float64(durationOfMeasuredOperations.Nanoseconds()) / float64(locksPerThread*1000*1000)

	fmt.Printf("opsPerSecond = %10.2f\n", opsPerSecond)
	fmt.Printf("latencyPerOp = %10.2f ms\n", latencyPerOpInMilliSeconds)
}

func glockWorkout(threadIndex uint64) {
	var (
		err            error
		holder         *glock.Holder
		i              uint64
		name           glock.GlockName
		requestedState glock.LockState
	)

	// Do initialization step
	if measureDistinct {
		name = glock.GlockName{Type: glock.GlockTypeNondisk, Number: threadIndex + 1}
		requestedState = glock.Exclusive
	} else if measureShared {
		name = glock.GlockName{Type: glock.GlockTypeNondisk, Number: 1}
		requestedState = glock.Shared
	} else { // measureFought
		name = glock.GlockName{Type: glock.GlockTypeNondisk, Number: 1}
		requestedState = glock.Exclusive
	}

	// Indicate initialization step is done
	stepErrChan <- nil

	// Await signal to proceed with measured operations step
	_ = <-doNextStepChan

	// Do measured operations
	for i = 0; i < locksPerThread; i++ {
		holder, err = lockSpace.AcquireLock(name, nil, requestedState, 0)
		if nil != err {
			stepErrChan <- err
			runtime.Goexit()
		}
		err = lockSpace.ReleaseLock(holder)
		if nil != err {
			stepErrChan <- err
			runtime.Goexit()
		}
	}

	// Indicate measured operations step is done
	stepErrChan <- nil
}
