// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package glock

import (
	"fmt"
	"time"

	"github.com/NVIDIA/glockmgr/conf"
	"github.com/NVIDIA/glockmgr/trackedlock"
	"github.com/NVIDIA/glockmgr/transitions"
)

type tunablesStruct struct {
	shardCount        uint64
	workerCount       uint64
	minHoldTime       time.Duration
	maxHoldTime       time.Duration
	idleGlockHoldTime time.Duration
	reaperPeriod      time.Duration
	purgeTimeout      time.Duration
	purgePollInterval time.Duration
}

type globalsStruct struct {
	trackedlock.Mutex

	tunables tunablesStruct

	// Backends register from their init() func's, which run before
	// transitions.Up(), so backendMap is allocated eagerly.
	backendMap map[string]Backend

	// Lock spaces mounted explicitly or served from the confMap.
	// NOTE: Both maps are protected by the Mutex.
	lockSpaceMap map[string]*LockSpace

	// Lock spaces mounted by ServeLockSpace() (as opposed to a direct
	// MountLockSpace() call); these are the ones UnserveLockSpace()
	// unmounts.
	servedLockSpaceMap map[string]*LockSpace
}

var globals = globalsStruct{
	backendMap:         make(map[string]Backend),
	lockSpaceMap:       make(map[string]*LockSpace),
	servedLockSpaceMap: make(map[string]*LockSpace),
}

func init() {
	transitions.Register("glock", &globals)
}

func parseTunables(confMap conf.ConfMap) (tunables tunablesStruct, err error) {
	tunables.shardCount, err = confMap.FetchOptionValueUint64("Glock", "ShardCount")
	if nil != err {
		tunables.shardCount = 128
	}
	if 0 == tunables.shardCount {
		err = fmt.Errorf("Glock.ShardCount must be non-zero")
		return
	}

	tunables.workerCount, err = confMap.FetchOptionValueUint64("Glock", "WorkerCount")
	if nil != err {
		tunables.workerCount = 4
	}
	if 0 == tunables.workerCount {
		err = fmt.Errorf("Glock.WorkerCount must be non-zero")
		return
	}

	tunables.minHoldTime, err = confMap.FetchOptionValueDuration("Glock", "MinHoldTime")
	if nil != err {
		tunables.minHoldTime = 50 * time.Millisecond
	}
	tunables.maxHoldTime, err = confMap.FetchOptionValueDuration("Glock", "MaxHoldTime")
	if nil != err {
		tunables.maxHoldTime = 200 * time.Millisecond
	}
	if tunables.maxHoldTime < tunables.minHoldTime {
		err = fmt.Errorf("Glock.MaxHoldTime (%v) must be >= Glock.MinHoldTime (%v)", tunables.maxHoldTime, tunables.minHoldTime)
		return
	}

	tunables.idleGlockHoldTime, err = confMap.FetchOptionValueDuration("Glock", "IdleGlockHoldTime")
	if nil != err {
		tunables.idleGlockHoldTime = 5 * time.Second
	}
	tunables.reaperPeriod, err = confMap.FetchOptionValueDuration("Glock", "ReaperPeriod")
	if nil != err {
		tunables.reaperPeriod = 1 * time.Second
	}
	tunables.purgeTimeout, err = confMap.FetchOptionValueDuration("Glock", "PurgeTimeout")
	if nil != err {
		tunables.purgeTimeout = 10 * time.Second
	}
	tunables.purgePollInterval, err = confMap.FetchOptionValueDuration("Glock", "PurgePollInterval")
	if nil != err {
		tunables.purgePollInterval = 50 * time.Millisecond
	}

	err = nil
	return
}

func registerBackend(backendName string, backend Backend) {
	globals.Lock()
	defer globals.Unlock()

	_, ok := globals.backendMap[backendName]
	if ok {
		panic(fmt.Sprintf("glock.RegisterBackend(): backend \"%s\" registered twice", backendName))
	}
	globals.backendMap[backendName] = backend
}

func (dummy *globalsStruct) Up(confMap conf.ConfMap) (err error) {
	globals.tunables, err = parseTunables(confMap)
	return
}

func (dummy *globalsStruct) LockSpaceCreated(confMap conf.ConfMap, lockSpaceName string, backendName string, nodeID string) (err error) {
	return nil
}

func (dummy *globalsStruct) LockSpaceDestroyed(confMap conf.ConfMap, lockSpaceName string) (err error) {
	return nil
}

func (dummy *globalsStruct) ServeLockSpace(confMap conf.ConfMap, lockSpaceName string) (err error) {
	var (
		backendName string
		ls          *LockSpace
		nodeID      string
	)

	backendName, err = confMap.FetchOptionValueString("LockSpace:"+lockSpaceName, "Backend")
	if nil != err {
		return
	}
	nodeID, err = confMap.FetchOptionValueString("LockSpace:"+lockSpaceName, "NodeID")
	if nil != err {
		if nil == confMap.VerifyOptionValueIsEmpty("LockSpace:"+lockSpaceName, "NodeID") {
			nodeID = ""
			err = nil
		} else {
			return
		}
	}

	ls, err = mountLockSpace(lockSpaceName, backendName, nodeID, confMap)
	if nil != err {
		return
	}

	globals.Lock()
	globals.servedLockSpaceMap[lockSpaceName] = ls
	globals.Unlock()

	return
}

func (dummy *globalsStruct) UnserveLockSpace(confMap conf.ConfMap, lockSpaceName string) (err error) {
	globals.Lock()
	ls, ok := globals.servedLockSpaceMap[lockSpaceName]
	if ok {
		delete(globals.servedLockSpaceMap, lockSpaceName)
	}
	globals.Unlock()

	if !ok {
		// Not mounted via ServeLockSpace(); nothing for us to unmount
		return nil
	}

	return ls.unmountLockSpace()
}

func (dummy *globalsStruct) SignaledStart(confMap conf.ConfMap) (err error) {
	return nil
}

func (dummy *globalsStruct) SignaledFinish(confMap conf.ConfMap) (err error) {
	// Tunables only apply to lock spaces mounted after this point; live
	// lock spaces keep the tunables they were mounted with.
	globals.tunables, err = parseTunables(confMap)
	return
}

func (dummy *globalsStruct) Down(confMap conf.ConfMap) (err error) {
	globals.Lock()
	remaining := len(globals.lockSpaceMap)
	globals.Unlock()

	if 0 != remaining {
		err = fmt.Errorf("glock.Down() called with %d lock space(s) still mounted", remaining)
	}
	return
}
