// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ramdlm

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/NVIDIA/glockmgr/blunder"
	"github.com/NVIDIA/glockmgr/glock"
)

// testCallbacksStruct records every callback on buffered channels so tests
// can assert delivery order and absence without sleeping.

type testCompletionStruct struct {
	name  glock.GlockName
	state glock.LockState
	lvb   []byte
	errno int
}

type testNotifyStruct struct {
	name   glock.GlockName
	wanted glock.LockState
}

type testRecoveryResultStruct struct {
	jid    uint64
	status glock.RecoveryStatus
}

type testCallbacksStruct struct {
	completionChan     chan testCompletionStruct
	notifyChan         chan testNotifyStruct
	recoveryNeededChan chan uint64
	recoveryResultChan chan testRecoveryResultStruct
	firstDoneChan      chan struct{}
	withdrawChan       chan error
}

func newTestCallbacks() *testCallbacksStruct {
	return &testCallbacksStruct{
		completionChan:     make(chan testCompletionStruct, 64),
		notifyChan:         make(chan testNotifyStruct, 64),
		recoveryNeededChan: make(chan uint64, 8),
		recoveryResultChan: make(chan testRecoveryResultStruct, 8),
		firstDoneChan:      make(chan struct{}, 8),
		withdrawChan:       make(chan error, 8),
	}
}

func (cb *testCallbacksStruct) Completion(name glock.GlockName, granted glock.LockState, lvb []byte, errno int) {
	cb.completionChan <- testCompletionStruct{name: name, state: granted, lvb: lvb, errno: errno}
}

func (cb *testCallbacksStruct) BlockingNotify(name glock.GlockName, wanted glock.LockState) {
	cb.notifyChan <- testNotifyStruct{name: name, wanted: wanted}
}

func (cb *testCallbacksStruct) RecoveryNeeded(jid uint64) {
	cb.recoveryNeededChan <- jid
}

func (cb *testCallbacksStruct) RecoveryResult(jid uint64, status glock.RecoveryStatus) {
	cb.recoveryResultChan <- testRecoveryResultStruct{jid: jid, status: status}
}

func (cb *testCallbacksStruct) FirstDone() {
	cb.firstDoneChan <- struct{}{}
}

func (cb *testCallbacksStruct) Withdraw(err error) {
	cb.withdrawChan <- err
}

func (cb *testCallbacksStruct) expectCompletion(t *testing.T, who string) testCompletionStruct {
	t.Helper()
	select {
	case completion := <-cb.completionChan:
		return completion
	case <-time.After(5 * time.Second):
		t.Fatalf("%s: timed out waiting for a completion", who)
		return testCompletionStruct{}
	}
}

func (cb *testCallbacksStruct) expectGrant(t *testing.T, who string, state glock.LockState) testCompletionStruct {
	t.Helper()
	completion := cb.expectCompletion(t, who)
	if 0 != completion.errno {
		t.Fatalf("%s: completion carried errno %d; expected a %v grant", who, completion.errno, state)
	}
	if state != completion.state {
		t.Fatalf("%s: granted %v; expected %v", who, completion.state, state)
	}
	return completion
}

func (cb *testCallbacksStruct) expectErrno(t *testing.T, who string, errno int) {
	t.Helper()
	completion := cb.expectCompletion(t, who)
	if errno != completion.errno {
		t.Fatalf("%s: completion carried errno %d; expected %d", who, completion.errno, errno)
	}
}

func (cb *testCallbacksStruct) expectNotify(t *testing.T, who string, wanted glock.LockState) {
	t.Helper()
	select {
	case notify := <-cb.notifyChan:
		if wanted != notify.wanted {
			t.Fatalf("%s: blocking notify wanted %v; expected %v", who, notify.wanted, wanted)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("%s: timed out waiting for a blocking notify", who)
	}
}

func (cb *testCallbacksStruct) expectNoCompletion(t *testing.T, who string) {
	t.Helper()
	select {
	case completion := <-cb.completionChan:
		t.Fatalf("%s: unexpected completion (state %v, errno %d)", who, completion.state, completion.errno)
	case <-time.After(50 * time.Millisecond):
	}
}

func testMount(t *testing.T, lockSpaceName string, nodeID string) (node glock.BackendLockSpace, cb *testCallbacksStruct) {
	t.Helper()
	cb = newTestCallbacks()
	node, err := (&backendStruct{}).MountLockSpace(lockSpaceName, nodeID, nil, cb)
	if nil != err {
		t.Fatalf("MountLockSpace(\"%s\", \"%s\") failed: %v", lockSpaceName, nodeID, err)
	}
	return
}

func TestGrantAndContention(t *testing.T) {
	nodeA, cbA := testMount(t, "TestGrantAndContention", "nodeA")
	nodeB, cbB := testMount(t, "TestGrantAndContention", "nodeB")
	defer func() { _ = nodeA.Unmount(); _ = nodeB.Unmount() }()

	name := glock.GlockName{Type: glock.GlockTypeInode, Number: 1}

	if err := nodeA.Request(name, glock.Exclusive, 0, nil); nil != err {
		t.Fatalf("nodeA Request(Exclusive) failed: %v", err)
	}
	cbA.expectGrant(t, "nodeA", glock.Exclusive)

	// B queues behind A's Exclusive; A is told to drop to Unlocked.
	if err := nodeB.Request(name, glock.Exclusive, 0, nil); nil != err {
		t.Fatalf("nodeB Request(Exclusive) failed: %v", err)
	}
	cbA.expectNotify(t, "nodeA", glock.Unlocked)
	cbB.expectNoCompletion(t, "nodeB")

	if err := nodeA.Request(name, glock.Unlocked, 0, nil); nil != err {
		t.Fatalf("nodeA Request(Unlocked) failed: %v", err)
	}
	cbA.expectGrant(t, "nodeA", glock.Unlocked)
	cbB.expectGrant(t, "nodeB", glock.Exclusive)
}

func TestSharedCompatibility(t *testing.T) {
	nodeA, cbA := testMount(t, "TestSharedCompatibility", "nodeA")
	nodeB, cbB := testMount(t, "TestSharedCompatibility", "nodeB")
	defer func() { _ = nodeA.Unmount(); _ = nodeB.Unmount() }()

	name := glock.GlockName{Type: glock.GlockTypeInode, Number: 2}

	if err := nodeA.Request(name, glock.Shared, 0, nil); nil != err {
		t.Fatalf("nodeA Request(Shared) failed: %v", err)
	}
	cbA.expectGrant(t, "nodeA", glock.Shared)

	// Shared next to Shared: immediate.
	if err := nodeB.Request(name, glock.Shared, 0, nil); nil != err {
		t.Fatalf("nodeB Request(Shared) failed: %v", err)
	}
	cbB.expectGrant(t, "nodeB", glock.Shared)

	// Deferred against Shared: blocked; A demoted to Deferred at most.
	if err := nodeB.Request(name, glock.Deferred, 0, nil); nil != err {
		t.Fatalf("nodeB Request(Deferred) failed: %v", err)
	}
	cbA.expectNotify(t, "nodeA", glock.Deferred)
	cbB.expectNoCompletion(t, "nodeB")

	if err := nodeA.Request(name, glock.Unlocked, 0, nil); nil != err {
		t.Fatalf("nodeA Request(Unlocked) failed: %v", err)
	}
	cbA.expectGrant(t, "nodeA", glock.Unlocked)
	cbB.expectGrant(t, "nodeB", glock.Deferred)
}

func TestTryRequests(t *testing.T) {
	nodeA, cbA := testMount(t, "TestTryRequests", "nodeA")
	nodeB, cbB := testMount(t, "TestTryRequests", "nodeB")
	defer func() { _ = nodeA.Unmount(); _ = nodeB.Unmount() }()

	name := glock.GlockName{Type: glock.GlockTypeInode, Number: 3}

	if err := nodeA.Request(name, glock.Exclusive, 0, nil); nil != err {
		t.Fatalf("nodeA Request(Exclusive) failed: %v", err)
	}
	cbA.expectGrant(t, "nodeA", glock.Exclusive)

	// Plain TRY: fails without disturbing A.
	if err := nodeB.Request(name, glock.Shared, glock.ReqFlagTry, nil); nil != err {
		t.Fatalf("nodeB Request(Shared|Try) failed: %v", err)
	}
	cbB.expectErrno(t, "nodeB", int(unix.EAGAIN))
	select {
	case <-cbA.notifyChan:
		t.Fatalf("nodeA: plain TRY generated a blocking notify")
	case <-time.After(50 * time.Millisecond):
	}

	// TRY_1CB: fails but leaves A a demand to demote to Shared.
	if err := nodeB.Request(name, glock.Shared, glock.ReqFlagTry|glock.ReqFlagTry1CB, nil); nil != err {
		t.Fatalf("nodeB Request(Shared|Try|Try1CB) failed: %v", err)
	}
	cbB.expectErrno(t, "nodeB", int(unix.EAGAIN))
	cbA.expectNotify(t, "nodeA", glock.Shared)
}

func TestConversionDeadlock(t *testing.T) {
	nodeA, cbA := testMount(t, "TestConversionDeadlock", "nodeA")
	nodeB, cbB := testMount(t, "TestConversionDeadlock", "nodeB")
	defer func() { _ = nodeA.Unmount(); _ = nodeB.Unmount() }()

	name := glock.GlockName{Type: glock.GlockTypeInode, Number: 4}

	if err := nodeA.Request(name, glock.Shared, 0, nil); nil != err {
		t.Fatalf("nodeA Request(Shared) failed: %v", err)
	}
	cbA.expectGrant(t, "nodeA", glock.Shared)
	if err := nodeB.Request(name, glock.Shared, 0, nil); nil != err {
		t.Fatalf("nodeB Request(Shared) failed: %v", err)
	}
	cbB.expectGrant(t, "nodeB", glock.Shared)

	// A converts to Exclusive: queued, blocked by B's Shared.
	if err := nodeA.Request(name, glock.Exclusive, 0, nil); nil != err {
		t.Fatalf("nodeA Request(Exclusive) failed: %v", err)
	}
	cbB.expectNotify(t, "nodeB", glock.Unlocked)
	cbA.expectNoCompletion(t, "nodeA")

	// B converting to Exclusive too would deadlock (each waits on the
	// other's Shared); refused immediately.
	if err := nodeB.Request(name, glock.Exclusive, 0, nil); nil != err {
		t.Fatalf("nodeB Request(Exclusive) failed: %v", err)
	}
	cbB.expectErrno(t, "nodeB", int(unix.EDEADLK))

	// B drops instead; A's conversion proceeds.
	if err := nodeB.Request(name, glock.Unlocked, 0, nil); nil != err {
		t.Fatalf("nodeB Request(Unlocked) failed: %v", err)
	}
	cbB.expectGrant(t, "nodeB", glock.Unlocked)
	cbA.expectGrant(t, "nodeA", glock.Exclusive)
}

func TestWaiterBarrier(t *testing.T) {
	nodeA, cbA := testMount(t, "TestWaiterBarrier", "nodeA")
	nodeB, cbB := testMount(t, "TestWaiterBarrier", "nodeB")
	nodeC, cbC := testMount(t, "TestWaiterBarrier", "nodeC")
	defer func() { _ = nodeA.Unmount(); _ = nodeB.Unmount(); _ = nodeC.Unmount() }()

	name := glock.GlockName{Type: glock.GlockTypeInode, Number: 5}

	if err := nodeA.Request(name, glock.Shared, 0, nil); nil != err {
		t.Fatalf("nodeA Request(Shared) failed: %v", err)
	}
	cbA.expectGrant(t, "nodeA", glock.Shared)
	if err := nodeB.Request(name, glock.Exclusive, 0, nil); nil != err {
		t.Fatalf("nodeB Request(Exclusive) failed: %v", err)
	}
	cbA.expectNotify(t, "nodeA", glock.Unlocked)

	// C's Shared is compatible with A's but must not overtake the queued
	// Exclusive.
	if err := nodeC.Request(name, glock.Shared, 0, nil); nil != err {
		t.Fatalf("nodeC Request(Shared) failed: %v", err)
	}
	cbC.expectNoCompletion(t, "nodeC")

	if err := nodeA.Request(name, glock.Unlocked, 0, nil); nil != err {
		t.Fatalf("nodeA Request(Unlocked) failed: %v", err)
	}
	cbA.expectGrant(t, "nodeA", glock.Unlocked)
	cbB.expectGrant(t, "nodeB", glock.Exclusive)
	cbC.expectNoCompletion(t, "nodeC")

	if err := nodeB.Request(name, glock.Unlocked, 0, nil); nil != err {
		t.Fatalf("nodeB Request(Unlocked) failed: %v", err)
	}
	cbB.expectGrant(t, "nodeB", glock.Unlocked)
	cbC.expectGrant(t, "nodeC", glock.Shared)
}

func TestCancel(t *testing.T) {
	nodeA, cbA := testMount(t, "TestCancel", "nodeA")
	nodeB, cbB := testMount(t, "TestCancel", "nodeB")
	defer func() { _ = nodeA.Unmount(); _ = nodeB.Unmount() }()

	name := glock.GlockName{Type: glock.GlockTypeInode, Number: 6}

	if err := nodeA.Request(name, glock.Exclusive, 0, nil); nil != err {
		t.Fatalf("nodeA Request(Exclusive) failed: %v", err)
	}
	cbA.expectGrant(t, "nodeA", glock.Exclusive)
	if err := nodeB.Request(name, glock.Exclusive, 0, nil); nil != err {
		t.Fatalf("nodeB Request(Exclusive) failed: %v", err)
	}
	cbA.expectNotify(t, "nodeA", glock.Unlocked)

	if err := nodeB.Cancel(name); nil != err {
		t.Fatalf("nodeB Cancel() failed: %v", err)
	}
	cbB.expectErrno(t, "nodeB", int(unix.ECANCELED))

	// Canceling with nothing queued is a no-op.
	if err := nodeB.Cancel(name); nil != err {
		t.Fatalf("nodeB Cancel() [idle] failed: %v", err)
	}
	cbB.expectNoCompletion(t, "nodeB")
}

func TestLVBRetention(t *testing.T) {
	nodeA, cbA := testMount(t, "TestLVBRetention", "nodeA")
	nodeB, cbB := testMount(t, "TestLVBRetention", "nodeB")
	defer func() { _ = nodeA.Unmount(); _ = nodeB.Unmount() }()

	name := glock.GlockName{Type: glock.GlockTypeQuota, Number: 7}
	lvb := []byte("usage=31337")

	if err := nodeA.Request(name, glock.Exclusive, glock.ReqFlagLVB, nil); nil != err {
		t.Fatalf("nodeA Request(Exclusive|LVB) failed: %v", err)
	}
	cbA.expectGrant(t, "nodeA", glock.Exclusive)

	// Demote out of Exclusive writes the value block back.
	if err := nodeA.Request(name, glock.Unlocked, 0, lvb); nil != err {
		t.Fatalf("nodeA Request(Unlocked) failed: %v", err)
	}
	cbA.expectGrant(t, "nodeA", glock.Unlocked)

	// B's grant carries the block even though the table entry went idle
	// in between.
	if err := nodeB.Request(name, glock.Shared, glock.ReqFlagLVB, nil); nil != err {
		t.Fatalf("nodeB Request(Shared|LVB) failed: %v", err)
	}
	completion := cbB.expectGrant(t, "nodeB", glock.Shared)
	if string(completion.lvb) != string(lvb) {
		t.Fatalf("nodeB grant carried LVB %q; expected %q", completion.lvb, lvb)
	}

	// Put retention survives the same way.
	if err := nodeB.Put(name, nil); nil != err {
		t.Fatalf("nodeB Put() failed: %v", err)
	}
	if err := nodeA.Request(name, glock.Shared, glock.ReqFlagLVB, nil); nil != err {
		t.Fatalf("nodeA Request(Shared|LVB) failed: %v", err)
	}
	completion = cbA.expectGrant(t, "nodeA", glock.Shared)
	if string(completion.lvb) != string(lvb) {
		t.Fatalf("nodeA grant carried LVB %q; expected %q", completion.lvb, lvb)
	}
	if err := nodeA.Put(name, nil); nil != err {
		t.Fatalf("nodeA Put() failed: %v", err)
	}
}

func TestEvictAndRecovery(t *testing.T) {
	nodeA, cbA := testMount(t, "TestEvictAndRecovery", "nodeA")
	nodeB, cbB := testMount(t, "TestEvictAndRecovery", "nodeB")
	defer func() { _ = nodeB.Unmount() }()

	name := glock.GlockName{Type: glock.GlockTypeInode, Number: 8}

	if err := nodeA.Request(name, glock.Exclusive, 0, nil); nil != err {
		t.Fatalf("nodeA Request(Exclusive) failed: %v", err)
	}
	cbA.expectGrant(t, "nodeA", glock.Exclusive)

	jid, err := EvictNode("TestEvictAndRecovery", "nodeA")
	if nil != err {
		t.Fatalf("EvictNode(nodeA) failed: %v", err)
	}

	// The evicted node is withdrawn; survivors learn the journal to
	// recover.
	select {
	case withdrawErr := <-cbA.withdrawChan:
		if !blunder.Is(withdrawErr, blunder.WithdrawError) {
			t.Fatalf("nodeA withdraw carried %v; expected WithdrawError", withdrawErr)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("nodeA: timed out waiting for Withdraw")
	}
	select {
	case needJID := <-cbB.recoveryNeededChan:
		if jid != needJID {
			t.Fatalf("nodeB RecoveryNeeded(%d); expected journal %d", needJID, jid)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("nodeB: timed out waiting for RecoveryNeeded")
	}

	// The evicted node's Exclusive is gone; B gets the lock at once.
	if err = nodeB.Request(name, glock.Exclusive, 0, nil); nil != err {
		t.Fatalf("nodeB Request(Exclusive) failed: %v", err)
	}
	cbB.expectGrant(t, "nodeB", glock.Exclusive)

	// An evicted node's further requests are refused.
	err = nodeA.Request(name, glock.Shared, 0, nil)
	if !blunder.Is(err, blunder.NotMountedError) {
		t.Fatalf("evicted nodeA Request() returned %v; expected NotMountedError", err)
	}

	err = CompleteRecovery("TestEvictAndRecovery", jid, glock.RecoverySuccess)
	if nil != err {
		t.Fatalf("CompleteRecovery() failed: %v", err)
	}
	select {
	case result := <-cbB.recoveryResultChan:
		if jid != result.jid || glock.RecoverySuccess != result.status {
			t.Fatalf("nodeB RecoveryResult(%d, %d); expected (%d, RecoverySuccess)", result.jid, result.status, jid)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("nodeB: timed out waiting for RecoveryResult")
	}
	select {
	case <-cbB.firstDoneChan:
	case <-time.After(5 * time.Second):
		t.Fatalf("nodeB: timed out waiting for FirstDone")
	}
}

func TestUnmountReleasesLocks(t *testing.T) {
	nodeA, cbA := testMount(t, "TestUnmountReleasesLocks", "nodeA")
	nodeB, cbB := testMount(t, "TestUnmountReleasesLocks", "nodeB")
	defer func() { _ = nodeB.Unmount() }()

	name := glock.GlockName{Type: glock.GlockTypeInode, Number: 9}

	if err := nodeA.Request(name, glock.Exclusive, 0, nil); nil != err {
		t.Fatalf("nodeA Request(Exclusive) failed: %v", err)
	}
	cbA.expectGrant(t, "nodeA", glock.Exclusive)
	if err := nodeB.Request(name, glock.Exclusive, 0, nil); nil != err {
		t.Fatalf("nodeB Request(Exclusive) failed: %v", err)
	}
	cbA.expectNotify(t, "nodeA", glock.Unlocked)

	// A leaves without releasing; its locks are dropped and B's wait
	// completes.
	if err := nodeA.Unmount(); nil != err {
		t.Fatalf("nodeA Unmount() failed: %v", err)
	}
	cbB.expectGrant(t, "nodeB", glock.Exclusive)

	err := nodeA.Request(name, glock.Shared, 0, nil)
	if !blunder.Is(err, blunder.NotMountedError) {
		t.Fatalf("unmounted nodeA Request() returned %v; expected NotMountedError", err)
	}
}

func TestDuplicateNodeID(t *testing.T) {
	nodeA, _ := testMount(t, "TestDuplicateNodeID", "nodeA")
	defer func() { _ = nodeA.Unmount() }()

	_, err := (&backendStruct{}).MountLockSpace("TestDuplicateNodeID", "nodeA", nil, newTestCallbacks())
	if !blunder.Is(err, blunder.InvalidArgError) {
		t.Fatalf("duplicate mount returned %v; expected InvalidArgError", err)
	}
}
