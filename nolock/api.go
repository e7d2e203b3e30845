// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package nolock provides the lock-manager backend for local (single-node)
// mounts: every request is granted immediately in the requested state,
// since no other node can contend. Lock value blocks are retained across
// glock reclamation so LVB-bearing types behave as they would on a real
// cluster.
package nolock

import (
	"github.com/NVIDIA/glockmgr/blunder"
	"github.com/NVIDIA/glockmgr/conf"
	"github.com/NVIDIA/glockmgr/glock"
	"github.com/NVIDIA/glockmgr/trackedlock"
)

type backendStruct struct{}

type lockSpaceStruct struct {
	trackedlock.Mutex
	lockSpaceName string
	callbacks     glock.BackendCallbacks
	lvbMap        map[glock.GlockName][]byte
	unmounted     bool
}

func init() {
	glock.RegisterBackend("nolock", &backendStruct{})
}

func (backend *backendStruct) MountLockSpace(lockSpaceName string, nodeID string, confMap conf.ConfMap, callbacks glock.BackendCallbacks) (backendLockSpace glock.BackendLockSpace, err error) {
	backendLockSpace = &lockSpaceStruct{
		lockSpaceName: lockSpaceName,
		callbacks:     callbacks,
		lvbMap:        make(map[glock.GlockName][]byte),
	}
	return
}

func (bls *lockSpaceStruct) Request(name glock.GlockName, state glock.LockState, flags glock.ReqFlag, lvb []byte) (err error) {
	bls.Lock()
	if bls.unmounted {
		bls.Unlock()
		return blunder.NewError(blunder.NotMountedError, "nolock lock space \"%s\" is unmounted", bls.lockSpaceName)
	}
	if lvb != nil {
		bls.lvbMap[name] = append([]byte(nil), lvb...)
	}
	var grantLVB []byte
	if flags&glock.ReqFlagLVB != 0 && state != glock.Unlocked {
		grantLVB = bls.lvbMap[name]
	}
	callbacks := bls.callbacks
	bls.Unlock()

	// No contention is possible; grant inline.
	callbacks.Completion(name, state, grantLVB, 0)
	return nil
}

func (bls *lockSpaceStruct) Cancel(name glock.GlockName) (err error) {
	// Nothing is ever in flight long enough to cancel.
	return nil
}

func (bls *lockSpaceStruct) Put(name glock.GlockName, lvb []byte) (err error) {
	bls.Lock()
	if lvb != nil {
		// Retain the final LVB so a future glock for this name sees it.
		bls.lvbMap[name] = append([]byte(nil), lvb...)
	}
	bls.Unlock()
	return nil
}

func (bls *lockSpaceStruct) Unmount() (err error) {
	bls.Lock()
	bls.unmounted = true
	bls.lvbMap = make(map[glock.GlockName][]byte)
	bls.Unlock()
	return nil
}
