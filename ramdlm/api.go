// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package ramdlm provides an in-memory distributed-lock-manager backend:
// N simulated nodes (one per MountLockSpace() call with the same lock space
// name) arbitrate over a single shared lock table with real contention,
// blocking notifications, conversion-deadlock detection, and per-name lock
// value blocks. It exists for tests and single-process development, where
// it exhibits the same asynchronous grant behavior a real cluster would.
//
// EvictNode() and CompleteRecovery() simulate node failure and journal
// recovery so the recovery freeze gate can be exercised.
package ramdlm

import (
	"github.com/NVIDIA/glockmgr/blunder"
	"github.com/NVIDIA/glockmgr/conf"
	"github.com/NVIDIA/glockmgr/glock"
	"github.com/NVIDIA/glockmgr/halter"
)

type backendStruct struct{}

func init() {
	globals.tableMap = make(map[string]*tableStruct)
	glock.RegisterBackend("ram", &backendStruct{})
}

// MountLockSpace attaches a node to the shared lock table for
// lockSpaceName, creating the table on first mount. Each distinct nodeID
// is one simulated cluster node.
func (backend *backendStruct) MountLockSpace(lockSpaceName string, nodeID string, confMap conf.ConfMap, callbacks glock.BackendCallbacks) (backendLockSpace glock.BackendLockSpace, err error) {
	globals.Lock()
	defer globals.Unlock()

	table, ok := globals.tableMap[lockSpaceName]
	if !ok {
		table = newTable(lockSpaceName)
		globals.tableMap[lockSpaceName] = table
	}

	table.Lock()
	defer table.Unlock()

	_, ok = table.nodeMap[nodeID]
	if ok {
		err = blunder.NewError(blunder.InvalidArgError, "ramdlm: node \"%s\" already mounted in lock space \"%s\"", nodeID, lockSpaceName)
		return
	}

	node := newNode(table, nodeID, callbacks)
	table.nodeMap[nodeID] = node

	backendLockSpace = node
	return
}

// Request submits a lock transition for this node. The outcome (grant,
// EAGAIN, EDEADLK) arrives asynchronously via the Completion callback.
func (node *nodeStruct) Request(name glock.GlockName, state glock.LockState, flags glock.ReqFlag, lvb []byte) (err error) {
	halter.Trigger(halter.RamdlmRequestEntry)

	table := node.table
	table.Lock()
	defer table.Unlock()

	if node.gone {
		return blunder.NewError(blunder.NotMountedError, "ramdlm: node \"%s\" no longer mounted in lock space \"%s\"", node.nodeID, table.lockSpaceName)
	}

	table.requestLocked(node, name, state, flags, lvb)
	return nil
}

// Cancel abandons this node's queued request for name, if one is still
// queued. Best effort; a grant that already left is delivered normally.
func (node *nodeStruct) Cancel(name glock.GlockName) (err error) {
	table := node.table
	table.Lock()
	defer table.Unlock()

	table.cancelLocked(node, name)
	return nil
}

// Put drops all local interest in name, retaining the final lock value
// block for future mounts of the lock.
func (node *nodeStruct) Put(name glock.GlockName, lvb []byte) (err error) {
	table := node.table
	table.Lock()
	defer table.Unlock()

	table.putLocked(node, name, lvb)
	return nil
}

// Unmount detaches the node, releasing its locks and waking any waiters
// they blocked. The shared table is discarded when the last node leaves.
func (node *nodeStruct) Unmount() (err error) {
	globals.Lock()
	table := node.table
	table.Lock()

	node.gone = true
	table.releaseAllLocksLocked(node)
	delete(table.nodeMap, node.nodeID)
	if len(table.nodeMap) == 0 {
		delete(globals.tableMap, table.lockSpaceName)
	}

	table.Unlock()
	globals.Unlock()

	node.stopDispatcher()
	return nil
}

// EvictNode simulates the failure and fencing of a node: its locks are
// dropped, its lock space is withdrawn, and every surviving node receives
// a RecoveryNeeded callback for the evicted node's journal. The returned
// jid is the journal the survivors must recover (see CompleteRecovery).
func EvictNode(lockSpaceName string, nodeID string) (jid uint64, err error) {
	globals.Lock()
	table, ok := globals.tableMap[lockSpaceName]
	globals.Unlock()
	if !ok {
		err = blunder.NewError(blunder.NotFoundError, "ramdlm: lock space \"%s\" has no mounted nodes", lockSpaceName)
		return
	}

	table.Lock()
	node, ok := table.nodeMap[nodeID]
	if !ok {
		table.Unlock()
		err = blunder.NewError(blunder.NotFoundError, "ramdlm: node \"%s\" not mounted in lock space \"%s\"", nodeID, lockSpaceName)
		return
	}

	jid = node.jid
	node.gone = true
	table.releaseAllLocksLocked(node)
	delete(table.nodeMap, node.nodeID)

	node.deliver(func() {
		node.callbacks.Withdraw(blunder.NewError(blunder.WithdrawError, "ramdlm: node \"%s\" evicted from lock space \"%s\"", nodeID, lockSpaceName))
	})
	for _, survivor := range table.nodeMap {
		cb := survivor.callbacks
		survivor.deliver(func() { cb.RecoveryNeeded(jid) })
	}
	table.Unlock()

	node.stopDispatcher()
	return
}

// CompleteRecovery reports the outcome of recovering journal jid to every
// surviving node and reopens their recovery freeze gates.
func CompleteRecovery(lockSpaceName string, jid uint64, status glock.RecoveryStatus) (err error) {
	globals.Lock()
	table, ok := globals.tableMap[lockSpaceName]
	globals.Unlock()
	if !ok {
		return blunder.NewError(blunder.NotFoundError, "ramdlm: lock space \"%s\" has no mounted nodes", lockSpaceName)
	}

	table.Lock()
	for _, node := range table.nodeMap {
		cb := node.callbacks
		node.deliver(func() {
			cb.RecoveryResult(jid, status)
			cb.FirstDone()
		})
	}
	table.Unlock()
	return nil
}
