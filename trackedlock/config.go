// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package trackedlock

import (
	"sync/atomic"
	"time"

	"github.com/NVIDIA/glockmgr/conf"
	"github.com/NVIDIA/glockmgr/logger"
	"github.com/NVIDIA/glockmgr/transitions"
)

func parseConfMap(confMap conf.ConfMap) (err error) {
	var (
		lockCheckPeriod   time.Duration
		lockHoldTimeLimit time.Duration
	)

	lockHoldTimeLimit, err = confMap.FetchOptionValueDuration("TrackedLock", "LockHoldTimeLimit")
	if err != nil {
		logger.Warnf("config variable 'TrackedLock.LockHoldTimeLimit' defaulting to '0s': %v", err)
		lockHoldTimeLimit = time.Duration(0 * time.Second)
	}

	// lockHoldTimeLimit must be >= 1 sec or 0
	if lockHoldTimeLimit < time.Second && lockHoldTimeLimit != 0 {
		logger.Warnf("config variable 'TrackedLock.LockHoldTimeLimit' value less then 1 sec; defaulting to '40s'")
		lockHoldTimeLimit = time.Duration(40 * time.Second)
	}

	lockCheckPeriod, err = confMap.FetchOptionValueDuration("TrackedLock", "LockCheckPeriod")
	if err != nil {
		logger.Warnf("config variable 'TrackedLock.LockCheckPeriod' defaulting to '0s': %v", err)
		lockCheckPeriod = time.Duration(0 * time.Second)
	}

	// lockCheckPeriod must be >= 1 sec or 0
	if lockCheckPeriod < time.Second && lockCheckPeriod != 0 {
		logger.Warnf("config variable 'TrackedLock.LockCheckPeriod' value less then 1 sec; defaulting to '20s'")
		lockCheckPeriod = time.Duration(20 * time.Second)
	}

	// lock trackers running on other goroutines read these while we update them
	atomic.StoreInt64(&globals.lockHoldTimeLimit, int64(lockHoldTimeLimit))
	atomic.StoreInt64(&globals.lockCheckPeriod, int64(lockCheckPeriod))

	// log information upto 16 locks
	globals.lockWatcherLocksLogged = 16

	err = nil
	return
}

// Register trackedlock package with transitions so that transitions can call Up()/Down()/SignaledFinish()/etc.
// at the appropriate times and config changes.
//
func init() {
	transitions.Register("trackedlock", &globals)
}

// Up() initializes the package.  It must be called and successfully return
// before locks will be tracked.  Locks can still be used before it is called
// but tracking will not start until the first Lock() call after the package is
// initialized.
//
func (dummy *globalsStruct) Up(confMap conf.ConfMap) (err error) {

	err = parseConfMap(confMap)
	if err != nil {
		// parseConfMap() has logged an error
		return
	}

	lockHoldTimeLimit := time.Duration(atomic.LoadInt64(&globals.lockHoldTimeLimit))
	lockCheckPeriod := time.Duration(atomic.LoadInt64(&globals.lockCheckPeriod))
	logger.Infof("trackedlock.Up(): LockHoldTimeLimit %d sec  LockCheckPeriod %d sec",
		lockHoldTimeLimit/time.Second, lockCheckPeriod/time.Second)

	globals.mutexMap = make(map[*MutexTrack]interface{}, 128)
	globals.rwMutexMap = make(map[*RWMutexTrack]interface{}, 128)
	globals.stopChan = make(chan struct{})
	globals.doneChan = make(chan struct{})

	// if the lock checker is disabled or there's no time limit then
	// there's no need to start the watcher
	if lockCheckPeriod == 0 || lockHoldTimeLimit == 0 {
		return
	}

	// watch the locks to see if they are held too long
	globals.lockCheckTicker = time.NewTicker(lockCheckPeriod)
	globals.lockCheckChan = globals.lockCheckTicker.C
	go lockWatcher()

	return
}

func (dummy *globalsStruct) Down(confMap conf.ConfMap) (err error) {
	// shutdown lock tracker
	logger.Infof("trackedlock.Down() called")
	if globals.lockCheckTicker != nil {
		globals.lockCheckTicker.Stop()
		globals.lockCheckTicker = nil
		globals.stopChan <- struct{}{}
		_ = <-globals.doneChan
	}

	// err is already nil
	return
}

// Update lock tracking state based on confMap contents
func (dummy *globalsStruct) updateStateFromConfMap(confMap conf.ConfMap) (err error) {

	// read the new confmap; if the log period has changed or there was an
	// error shutdown the old watcher prior to starting a new one
	oldCheckPeriod := time.Duration(atomic.LoadInt64(&globals.lockCheckPeriod))
	oldTimeLimit := time.Duration(atomic.LoadInt64(&globals.lockHoldTimeLimit))
	err = parseConfMap(confMap)
	if err != nil {
		logger.ErrorWithError(err, "cannot parse confMap")
		if oldCheckPeriod != 0 {
			globals.stopChan <- struct{}{}
			_ = <-globals.doneChan
		}
		return
	}

	newCheckPeriod := time.Duration(atomic.LoadInt64(&globals.lockCheckPeriod))
	newTimeLimit := time.Duration(atomic.LoadInt64(&globals.lockHoldTimeLimit))

	// if no change required, just return
	if newCheckPeriod == oldCheckPeriod && newTimeLimit == oldTimeLimit {
		return
	}

	logger.Infof("trackedlock lock hold time limit/lock check period changing from %d/%d sec to %d/%d sec",
		oldTimeLimit/time.Second, oldCheckPeriod/time.Second,
		newTimeLimit/time.Second, newCheckPeriod/time.Second)

	// shutdown the old watcher (if any) and start a new one (if any)
	if oldCheckPeriod != 0 {
		globals.lockCheckTicker.Stop()
		globals.lockCheckTicker = nil
		globals.stopChan <- struct{}{}
		_ = <-globals.doneChan

		// if we're going to stop watching, clean out the map
		if newCheckPeriod == 0 {
			for key, _ := range globals.mutexMap {
				delete(globals.mutexMap, key)
			}
			for key, _ := range globals.rwMutexMap {
				delete(globals.rwMutexMap, key)
			}
		}
	}

	if newCheckPeriod == 0 || newTimeLimit == 0 {
		return
	}

	globals.lockCheckTicker = time.NewTicker(newCheckPeriod)
	globals.lockCheckChan = globals.lockCheckTicker.C
	go lockWatcher()

	return
}

// Placeholder functions so that *globalsStruct satisfies the transitions.Callbacks interface.
//
func (dummy *globalsStruct) LockSpaceCreated(confMap conf.ConfMap, lockSpaceName string, backendName string, nodeID string) (err error) {
	return nil
}

func (dummy *globalsStruct) LockSpaceDestroyed(confMap conf.ConfMap, lockSpaceName string) (err error) {
	return nil
}

func (dummy *globalsStruct) ServeLockSpace(confMap conf.ConfMap, lockSpaceName string) (err error) {
	return nil
}

func (dummy *globalsStruct) UnserveLockSpace(confMap conf.ConfMap, lockSpaceName string) (err error) {
	return nil
}

// SignaledStart does nothing (lock tracking is not changed until SignaledFinish() call)
func (dummy *globalsStruct) SignaledStart(confMap conf.ConfMap) (err error) {
	return
}

func (dummy *globalsStruct) SignaledFinish(confMap conf.ConfMap) error {
	return dummy.updateStateFromConfMap(confMap)
}
