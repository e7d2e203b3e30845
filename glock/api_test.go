// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package glock

import (
	"sync"
	"testing"
	"time"

	"github.com/NVIDIA/glockmgr/blunder"
	"github.com/NVIDIA/glockmgr/conf"
	"github.com/NVIDIA/glockmgr/transitions"
)

// testBackendStruct is a scriptable in-package lock-manager backend: by
// default it grants every request inline in the requested state; with
// holdRequests set it parks submissions until the test completes them.

type testRequestStruct struct {
	name  GlockName
	state LockState
	flags ReqFlag
	lvb   []byte
}

type testBackendLockSpaceStruct struct {
	sync.Mutex
	callbacks    BackendCallbacks
	requests     []testRequestStruct
	cancels      []GlockName
	putMap       map[GlockName][]byte
	lvbMap       map[GlockName][]byte
	holdRequests bool
	held         []testRequestStruct
	failTry      bool
}

type testBackendStruct struct {
	sync.Mutex
	bls *testBackendLockSpaceStruct
}

var testBackend = &testBackendStruct{}

func init() {
	RegisterBackend("testmock", testBackend)
}

func (backend *testBackendStruct) MountLockSpace(lockSpaceName string, nodeID string, confMap conf.ConfMap, callbacks BackendCallbacks) (backendLockSpace BackendLockSpace, err error) {
	bls := &testBackendLockSpaceStruct{
		callbacks: callbacks,
		putMap:    make(map[GlockName][]byte),
		lvbMap:    make(map[GlockName][]byte),
	}
	backend.Lock()
	backend.bls = bls
	backend.Unlock()
	backendLockSpace = bls
	return
}

func (bls *testBackendLockSpaceStruct) Request(name GlockName, state LockState, flags ReqFlag, lvb []byte) (err error) {
	bls.Lock()
	req := testRequestStruct{name: name, state: state, flags: flags, lvb: lvb}
	bls.requests = append(bls.requests, req)
	if lvb != nil {
		bls.lvbMap[name] = append([]byte(nil), lvb...)
	}
	if bls.holdRequests {
		bls.held = append(bls.held, req)
		bls.Unlock()
		return nil
	}
	if bls.failTry && flags&ReqFlagTry != 0 {
		cb := bls.callbacks
		bls.Unlock()
		cb.Completion(name, Unlocked, nil, testEAGAIN)
		return nil
	}
	var grantLVB []byte
	if flags&ReqFlagLVB != 0 && state != Unlocked {
		grantLVB = bls.lvbMap[name]
	}
	cb := bls.callbacks
	bls.Unlock()
	cb.Completion(name, state, grantLVB, 0)
	return nil
}

func (bls *testBackendLockSpaceStruct) Cancel(name GlockName) (err error) {
	bls.Lock()
	bls.cancels = append(bls.cancels, name)
	bls.Unlock()
	return nil
}

func (bls *testBackendLockSpaceStruct) Put(name GlockName, lvb []byte) (err error) {
	bls.Lock()
	bls.putMap[name] = append([]byte(nil), lvb...)
	bls.Unlock()
	return nil
}

func (bls *testBackendLockSpaceStruct) Unmount() (err error) {
	return nil
}

// completeHeldGrant pops the oldest held request and grants it as asked.
func (bls *testBackendLockSpaceStruct) completeHeldGrant(t *testing.T) {
	bls.Lock()
	if 0 == len(bls.held) {
		bls.Unlock()
		t.Fatalf("completeHeldGrant() called with no held request")
	}
	req := bls.held[0]
	bls.held = bls.held[1:]
	var grantLVB []byte
	if req.flags&ReqFlagLVB != 0 && req.state != Unlocked {
		grantLVB = bls.lvbMap[req.name]
	}
	cb := bls.callbacks
	bls.Unlock()
	cb.Completion(req.name, req.state, grantLVB, 0)
}

func (bls *testBackendLockSpaceStruct) requestStates() (states []LockState) {
	bls.Lock()
	for _, req := range bls.requests {
		states = append(states, req.state)
	}
	bls.Unlock()
	return
}

func (bls *testBackendLockSpaceStruct) requestCount() (count int) {
	bls.Lock()
	count = len(bls.requests)
	bls.Unlock()
	return
}

func (bls *testBackendLockSpaceStruct) cancelCount() (count int) {
	bls.Lock()
	count = len(bls.cancels)
	bls.Unlock()
	return
}

func (bls *testBackendLockSpaceStruct) heldCount() (count int) {
	bls.Lock()
	count = len(bls.held)
	bls.Unlock()
	return
}

const testEAGAIN = 11 // unix.EAGAIN on linux

var testBaseConfStrings = []string{
	"Logging.LogFilePath=/dev/null",
	"Logging.TraceLevelLogging=none",
	"Glock.LockSpaceList=",
	"Glock.ShardCount=16",
	"Glock.WorkerCount=2",
	"Glock.MinHoldTime=1ms",
	"Glock.MaxHoldTime=4ms",
	"Glock.IdleGlockHoldTime=1h",
	"Glock.ReaperPeriod=1h",
	"Glock.PurgeTimeout=2s",
	"Glock.PurgePollInterval=5ms",
}

func testSetup(t *testing.T, extraConfStrings []string) (ls *LockSpace, bls *testBackendLockSpaceStruct, confMap conf.ConfMap) {
	confStrings := append(append([]string{}, testBaseConfStrings...), extraConfStrings...)
	confMap, err := conf.MakeConfMapFromStrings(confStrings)
	if nil != err {
		t.Fatalf("MakeConfMapFromStrings() failed: %v", err)
	}
	err = transitions.Up(confMap)
	if nil != err {
		t.Fatalf("transitions.Up() failed: %v", err)
	}
	ls, err = MountLockSpace("TestLockSpace", "testmock", "TestNode", nil)
	if nil != err {
		t.Fatalf("MountLockSpace() failed: %v", err)
	}
	testBackend.Lock()
	bls = testBackend.bls
	testBackend.Unlock()
	return
}

func testTeardown(t *testing.T, ls *LockSpace, confMap conf.ConfMap) {
	err := ls.UnmountLockSpace()
	if nil != err {
		t.Fatalf("UnmountLockSpace() failed: %v", err)
	}
	err = transitions.Down(confMap)
	if nil != err {
		t.Fatalf("transitions.Down() failed: %v", err)
	}
}

func testWaitFor(t *testing.T, what string, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAcquireReleaseCachedState(t *testing.T) {
	ls, bls, confMap := testSetup(t, nil)
	defer testTeardown(t, ls, confMap)

	name := GlockName{Type: GlockTypeInode, Number: 17}

	h1, err := ls.AcquireLock(name, nil, Shared, 0)
	if nil != err {
		t.Fatalf("AcquireLock(Shared) failed: %v", err)
	}
	if Shared != h1.State() {
		t.Fatalf("holder granted %v; expected Shared", h1.State())
	}
	if 1 != bls.requestCount() {
		t.Fatalf("expected 1 backend request; got %d", bls.requestCount())
	}

	err = h1.Release()
	if nil != err {
		t.Fatalf("Release() failed: %v", err)
	}

	// Cached Shared satisfies a second Shared without a backend trip.
	h2, err := ls.AcquireLock(name, nil, Shared, 0)
	if nil != err {
		t.Fatalf("AcquireLock(Shared) [cached] failed: %v", err)
	}
	if 1 != bls.requestCount() {
		t.Fatalf("cached grant unexpectedly went to the backend (%d requests)", bls.requestCount())
	}
	_ = h2.Release()
}

func TestSharedHoldersCoexist(t *testing.T) {
	ls, bls, confMap := testSetup(t, nil)
	defer testTeardown(t, ls, confMap)

	name := GlockName{Type: GlockTypeInode, Number: 1}

	holders := make([]*Holder, 0, 4)
	for i := 0; i < 4; i++ {
		h, err := ls.AcquireLock(name, nil, Shared, 0)
		if nil != err {
			t.Fatalf("AcquireLock(Shared) #%d failed: %v", i, err)
		}
		holders = append(holders, h)
	}
	if 1 != bls.requestCount() {
		t.Fatalf("4 Shared holders took %d backend requests; expected 1", bls.requestCount())
	}
	for _, h := range holders {
		_ = h.Release()
	}
}

func TestExclusiveQueueJumpAndUpgradePath(t *testing.T) {
	ls, bls, confMap := testSetup(t, nil)
	defer testTeardown(t, ls, confMap)

	name := GlockName{Type: GlockTypeInode, Number: 42}

	// A holds Shared.
	hA, err := ls.AcquireLock(name, nil, Shared, 0)
	if nil != err {
		t.Fatalf("AcquireLock(A, Shared) failed: %v", err)
	}

	bls.Lock()
	bls.holdRequests = true
	bls.Unlock()

	// B queues Exclusive; C queues Shared after B. C is compatible with
	// the cached state but must not overtake the blocked Exclusive.
	hB, err := ls.AcquireLock(name, nil, Exclusive, FlagAsync)
	if nil != err {
		t.Fatalf("AcquireLock(B, Exclusive|Async) failed: %v", err)
	}
	hC, err := ls.AcquireLock(name, nil, Shared, FlagAsync)
	if nil != err {
		t.Fatalf("AcquireLock(C, Shared|Async) failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	select {
	case <-hB.Done():
		t.Fatalf("B granted while A still holds Shared")
	case <-hC.Done():
		t.Fatalf("C granted ahead of queued Exclusive")
	default:
	}

	// A releases: the glock must walk Shared -> Unlocked -> Exclusive,
	// one backend trip per edge.
	err = hA.Release()
	if nil != err {
		t.Fatalf("Release(A) failed: %v", err)
	}

	testWaitFor(t, "demote to Unlocked submission", func() bool { return bls.heldCount() == 1 })
	bls.completeHeldGrant(t) // Shared -> Unlocked
	testWaitFor(t, "promote to Exclusive submission", func() bool { return bls.heldCount() == 1 })
	bls.completeHeldGrant(t) // Unlocked -> Exclusive
	bls.Lock()
	bls.holdRequests = false
	bls.Unlock()

	if err = hB.Wait(); nil != err {
		t.Fatalf("B.Wait() failed: %v", err)
	}
	if Exclusive != hB.State() {
		t.Fatalf("B granted %v; expected Exclusive", hB.State())
	}
	select {
	case <-hC.Done():
		t.Fatalf("C granted while B holds Exclusive")
	default:
	}

	// B releases: C rides the cached Exclusive (state inheritance), no
	// further backend traffic.
	requestsBefore := bls.requestCount()
	_ = hB.Release()
	if err = hC.Wait(); nil != err {
		t.Fatalf("C.Wait() failed: %v", err)
	}
	if Shared != hC.State() {
		t.Fatalf("C granted %v; expected Shared", hC.State())
	}
	if bls.requestCount() != requestsBefore {
		t.Fatalf("C's grant unexpectedly went to the backend")
	}

	states := bls.requestStates()
	expected := []LockState{Shared, Unlocked, Exclusive}
	if len(states) != len(expected) {
		t.Fatalf("backend request sequence %v; expected %v", states, expected)
	}
	for i := range expected {
		if states[i] != expected[i] {
			t.Fatalf("backend request sequence %v; expected %v", states, expected)
		}
	}

	_ = hC.Release()
}

func TestAnyAndExactFlags(t *testing.T) {
	ls, bls, confMap := testSetup(t, nil)
	defer testTeardown(t, ls, confMap)

	name := GlockName{Type: GlockTypeInode, Number: 7}

	h, err := ls.AcquireLock(name, nil, Deferred, 0)
	if nil != err {
		t.Fatalf("AcquireLock(Deferred) failed: %v", err)
	}
	_ = h.Release()

	// FlagAny rides the cached Deferred.
	h, err = ls.AcquireLock(name, nil, Shared, FlagAny)
	if nil != err {
		t.Fatalf("AcquireLock(Shared|Any) failed: %v", err)
	}
	if Deferred != h.State() {
		t.Fatalf("FlagAny holder granted %v; expected cached Deferred", h.State())
	}
	if 1 != bls.requestCount() {
		t.Fatalf("FlagAny grant unexpectedly went to the backend")
	}
	_ = h.Release()

	// FlagExact refuses the cached Deferred; the glock must transition
	// Deferred -> Unlocked -> Shared.
	h, err = ls.AcquireLock(name, nil, Shared, FlagExact)
	if nil != err {
		t.Fatalf("AcquireLock(Shared|Exact) failed: %v", err)
	}
	if Shared != h.State() {
		t.Fatalf("FlagExact holder granted %v; expected Shared", h.State())
	}
	if 3 != bls.requestCount() {
		t.Fatalf("FlagExact path took %d backend requests; expected 3", bls.requestCount())
	}
	_ = h.Release()
}

func TestTryAcquire(t *testing.T) {
	ls, bls, confMap := testSetup(t, nil)
	defer testTeardown(t, ls, confMap)

	name := GlockName{Type: GlockTypeInode, Number: 9}

	hA, err := ls.AcquireLock(name, nil, Exclusive, 0)
	if nil != err {
		t.Fatalf("AcquireLock(Exclusive) failed: %v", err)
	}
	requestsBefore := bls.requestCount()

	// Blocked by a local holder: fail fast, no backend traffic.
	_, err = ls.TryAcquireLock(name, nil, Shared, 0)
	if !blunder.Is(err, blunder.TryAgainError) {
		t.Fatalf("TryAcquireLock() returned %v; expected TryAgainError", err)
	}
	if bls.requestCount() != requestsBefore {
		t.Fatalf("blocked TryAcquireLock() went to the backend")
	}

	// TRY_1CB leaves a demote demand behind; once A releases, the glock
	// demotes to the demanded state.
	_, err = ls.AcquireLock(name, nil, Shared, FlagTry|FlagTry1CB)
	if !blunder.Is(err, blunder.TryAgainError) {
		t.Fatalf("AcquireLock(Try|Try1CB) returned %v; expected TryAgainError", err)
	}
	_ = hA.Release()
	testWaitFor(t, "TRY_1CB-induced demote to Shared", func() bool {
		states := bls.requestStates()
		return len(states) > 0 && states[len(states)-1] == Shared
	})
}

func TestNoBlock(t *testing.T) {
	ls, bls, confMap := testSetup(t, nil)
	defer testTeardown(t, ls, confMap)

	name := GlockName{Type: GlockTypeInode, Number: 11}

	// Nothing cached: even an uncontended request needs a backend trip,
	// so NOBLOCK refuses it.
	_, err := ls.AcquireLock(name, nil, Shared, FlagNoBlock)
	if !blunder.Is(err, blunder.TryAgainError) {
		t.Fatalf("AcquireLock(NoBlock) on cold glock returned %v; expected TryAgainError", err)
	}
	if 0 != bls.requestCount() {
		t.Fatalf("NOBLOCK acquisition went to the backend")
	}

	h, err := ls.AcquireLock(name, nil, Shared, 0)
	if nil != err {
		t.Fatalf("AcquireLock(Shared) failed: %v", err)
	}
	_ = h.Release()

	// Cached Shared: NOBLOCK succeeds without a trip.
	h, err = ls.AcquireLock(name, nil, Shared, FlagNoBlock)
	if nil != err {
		t.Fatalf("AcquireLock(NoBlock) on cached glock failed: %v", err)
	}
	_ = h.Release()
}

func TestTimedAcquireAndLateCompletion(t *testing.T) {
	ls, bls, confMap := testSetup(t, nil)
	defer testTeardown(t, ls, confMap)

	name := GlockName{Type: GlockTypeInode, Number: 13}

	bls.Lock()
	bls.holdRequests = true
	bls.Unlock()

	_, err := ls.AcquireLockTimed(name, nil, Shared, 0, 50*time.Millisecond)
	if !blunder.Is(err, blunder.TimedOutError) {
		t.Fatalf("AcquireLockTimed() returned %v; expected TimedOutError", err)
	}
	testWaitFor(t, "backend cancel after timeout", func() bool { return bls.cancelCount() == 1 })

	// The abandoned grant still completes; it must be absorbed as cached
	// state with nobody waiting.
	bls.completeHeldGrant(t)
	bls.Lock()
	bls.holdRequests = false
	bls.Unlock()

	testWaitFor(t, "late grant absorbed into cache", func() bool {
		dump, dumpErr := ls.DumpGlock(name)
		return nil == dumpErr && dump.CurrentState == "Shared" && 0 == len(dump.Holders)
	})

	// And the cached state serves the next request without a new trip.
	requestsBefore := bls.requestCount()
	h, err := ls.AcquireLock(name, nil, Shared, 0)
	if nil != err {
		t.Fatalf("AcquireLock(Shared) after late completion failed: %v", err)
	}
	if bls.requestCount() != requestsBefore {
		t.Fatalf("grant after late completion unexpectedly went to the backend")
	}
	_ = h.Release()
}

func TestAsyncRelease(t *testing.T) {
	ls, bls, confMap := testSetup(t, nil)
	defer testTeardown(t, ls, confMap)

	name := GlockName{Type: GlockTypeInode, Number: 15}

	bls.Lock()
	bls.holdRequests = true
	bls.Unlock()

	h, err := ls.AcquireLock(name, nil, Exclusive, FlagAsync)
	if nil != err {
		t.Fatalf("AcquireLock(Async) failed: %v", err)
	}
	testWaitFor(t, "backend submission", func() bool { return bls.heldCount() == 1 })

	// Releasing a still-waiting holder cancels it.
	err = h.Release()
	if nil != err {
		t.Fatalf("Release() of waiting holder failed: %v", err)
	}
	if !blunder.Is(h.Err(), blunder.CanceledError) {
		t.Fatalf("canceled holder Err() = %v; expected CanceledError", h.Err())
	}
	testWaitFor(t, "backend cancel", func() bool { return bls.cancelCount() == 1 })

	bls.completeHeldGrant(t)
	bls.Lock()
	bls.holdRequests = false
	bls.Unlock()
}

func TestNodeScope(t *testing.T) {
	ls, _, confMap := testSetup(t, nil)
	defer testTeardown(t, ls, confMap)

	name := GlockName{Type: GlockTypeFlock, Number: 3}

	h1, err := ls.AcquireLock(name, nil, Exclusive, FlagNodeScope)
	if nil != err {
		t.Fatalf("AcquireLock(Exclusive|NodeScope) #1 failed: %v", err)
	}
	h2, err := ls.AcquireLock(name, nil, Exclusive, FlagNodeScope)
	if nil != err {
		t.Fatalf("AcquireLock(Exclusive|NodeScope) #2 failed: %v", err)
	}

	// A holder without NODE_SCOPE does not share.
	_, err = ls.TryAcquireLock(name, nil, Exclusive, 0)
	if !blunder.Is(err, blunder.TryAgainError) {
		t.Fatalf("TryAcquireLock(Exclusive) returned %v; expected TryAgainError", err)
	}

	_ = h1.Release()
	_ = h2.Release()
}

func TestServeLockSpaceEmptyNodeID(t *testing.T) {
	confStrings := append(append([]string{}, testBaseConfStrings...),
		"Glock.LockSpaceList=ServedLockSpace",
		"LockSpace:ServedLockSpace.Backend=testmock",
		"LockSpace:ServedLockSpace.NodeID=",
	)
	confMap, err := conf.MakeConfMapFromStrings(confStrings)
	if nil != err {
		t.Fatalf("MakeConfMapFromStrings() failed: %v", err)
	}

	// Single-node deployments leave NodeID empty; serving the lock space
	// from the confMap must tolerate that.
	err = transitions.Up(confMap)
	if nil != err {
		t.Fatalf("transitions.Up() with empty NodeID failed: %v", err)
	}

	globals.Lock()
	ls, ok := globals.servedLockSpaceMap["ServedLockSpace"]
	globals.Unlock()
	if !ok {
		t.Fatalf("ServedLockSpace was not mounted by ServeLockSpace()")
	}

	h, err := ls.AcquireLock(GlockName{Type: GlockTypeInode, Number: 1}, nil, Shared, 0)
	if nil != err {
		t.Fatalf("AcquireLock() on served lock space failed: %v", err)
	}
	_ = h.Release()

	err = transitions.Down(confMap)
	if nil != err {
		t.Fatalf("transitions.Down() failed: %v", err)
	}
}

// testOpsStruct is an instrumented caller-supplied ops table: each call is
// recorded along with how many backend requests had been submitted when it
// was made.
type testOpsEventStruct struct {
	call            string
	requestsAlready int
}

type testOpsStruct struct {
	sync.Mutex
	bls    *testBackendLockSpaceStruct
	events []testOpsEventStruct
}

func (ops *testOpsStruct) recordCall(call string) {
	requests := ops.bls.requestCount()
	ops.Lock()
	ops.events = append(ops.events, testOpsEventStruct{call: call, requestsAlready: requests})
	ops.Unlock()
}

func (ops *testOpsStruct) Sync(name GlockName, objectID uint64) (err error) {
	ops.recordCall("Sync")
	return nil
}

func (ops *testOpsStruct) PostGrant(name GlockName, state LockState, lvb []byte) (err error) {
	ops.recordCall("PostGrant")
	return nil
}

func (ops *testOpsStruct) Invalidate(name GlockName, objectID uint64) {
	ops.recordCall("Invalidate")
}

func (ops *testOpsStruct) DemoteOK(name GlockName, objectID uint64) (ok bool) {
	return true
}

func (ops *testOpsStruct) Flags() (flags OpsFlag) {
	return OpsFlagAspaceBacked
}

func (ops *testOpsStruct) eventIndexes() (syncIdx int, invalIdx int, events []testOpsEventStruct) {
	ops.Lock()
	events = append(events, ops.events...)
	ops.Unlock()

	syncIdx = -1
	invalIdx = -1
	for i, ev := range events {
		switch ev.call {
		case "Sync":
			syncIdx = i
		case "Invalidate":
			invalIdx = i
		}
	}
	return
}

func TestSyncBeforeDemote(t *testing.T) {
	ls, bls, confMap := testSetup(t, nil)
	defer testTeardown(t, ls, confMap)

	name := GlockName{Type: GlockTypeInode, Number: 23}
	ops := &testOpsStruct{bls: bls}

	h, err := ls.AcquireLock(name, ops, Exclusive, 0)
	if nil != err {
		t.Fatalf("AcquireLock(Exclusive) failed: %v", err)
	}
	_ = h.Release()

	// A remote demand forces the cached Exclusive down to Unlocked.
	bls.callbacks.BlockingNotify(name, Unlocked)
	testWaitFor(t, "demote to Unlocked submission", func() bool {
		states := bls.requestStates()
		return states[len(states)-1] == Unlocked
	})

	syncIdx, invalIdx, events := ops.eventIndexes()
	if syncIdx < 0 || invalIdx < 0 {
		t.Fatalf("demote skipped ops calls (events %v)", events)
	}
	if invalIdx < syncIdx {
		t.Fatalf("Invalidate() ran before Sync() (events %v)", events)
	}

	// At Sync() time the demote must not yet have reached the backend;
	// only the original Exclusive promotion may have been submitted.
	if 1 != events[syncIdx].requestsAlready {
		t.Fatalf("Sync() observed %d backend requests; the demote may be submitted only after it returns",
			events[syncIdx].requestsAlready)
	}
}

func TestValidateAcquireArgs(t *testing.T) {
	ls, _, confMap := testSetup(t, nil)
	defer testTeardown(t, ls, confMap)

	name := GlockName{Type: GlockTypeInode, Number: 99}

	cases := []struct {
		state LockState
		flags HolderFlag
	}{
		{Unlocked, 0},
		{Exclusive, FlagAny},
		{Shared, FlagAny | FlagExact},
		{Shared, FlagNodeScope},
		{Shared, FlagTry1CB},
	}
	for _, c := range cases {
		_, err := ls.AcquireLock(name, nil, c.state, c.flags)
		if !blunder.Is(err, blunder.InvalidArgError) {
			t.Fatalf("AcquireLock(%v, %#x) returned %v; expected InvalidArgError", c.state, c.flags, err)
		}
	}

	_, err := ls.AcquireLock(GlockName{Type: GlockType(200), Number: 1}, nil, Shared, 0)
	if !blunder.Is(err, blunder.UnknownLockTypeError) {
		t.Fatalf("AcquireLock(unknown type) returned %v; expected UnknownLockTypeError", err)
	}
}

func TestLVBRoundTrip(t *testing.T) {
	ls, bls, confMap := testSetup(t, nil)
	defer testTeardown(t, ls, confMap)

	name := GlockName{Type: GlockTypeNondisk, Number: 5}

	h, err := ls.AcquireLock(name, nil, Exclusive, FlagNoCache)
	if nil != err {
		t.Fatalf("AcquireLock(Exclusive|NoCache) failed: %v", err)
	}

	lvb := make([]byte, LVBSize)
	copy(lvb, []byte("generation 42"))
	err = h.SetLVB(lvb)
	if nil != err {
		t.Fatalf("SetLVB() failed: %v", err)
	}

	// NOCACHE: release drops the glock to Unlocked, writing the LVB back.
	_ = h.Release()
	testWaitFor(t, "LVB write-back on demote", func() bool {
		bls.Lock()
		stored, ok := bls.lvbMap[name]
		bls.Unlock()
		return ok && string(stored[:13]) == "generation 42"
	})

	// The next grant carries the block back.
	h, err = ls.AcquireLock(name, nil, Shared, 0)
	if nil != err {
		t.Fatalf("AcquireLock(Shared) failed: %v", err)
	}
	got := h.LVB()
	if nil == got || string(got[:13]) != "generation 42" {
		t.Fatalf("LVB() = %q; expected the written-back block", got)
	}

	// SetLVB requires an Exclusive grant.
	err = h.SetLVB(lvb)
	if !blunder.Is(err, blunder.NotHeldError) {
		t.Fatalf("SetLVB() on Shared holder returned %v; expected NotHeldError", err)
	}
	_ = h.Release()
}

func TestHoldTimeHysteresis(t *testing.T) {
	ls, bls, confMap := testSetup(t, []string{
		"Glock.MinHoldTime=150ms",
		"Glock.MaxHoldTime=600ms",
	})
	defer testTeardown(t, ls, confMap)

	name := GlockName{Type: GlockTypeInode, Number: 21}

	h, err := ls.AcquireLock(name, nil, Exclusive, 0)
	if nil != err {
		t.Fatalf("AcquireLock(Exclusive) failed: %v", err)
	}
	_ = h.Release()

	// A remote demand arriving inside the hold window is deferred.
	bls.callbacks.BlockingNotify(name, Unlocked)
	time.Sleep(40 * time.Millisecond)
	if 1 != bls.requestCount() {
		t.Fatalf("remote demand honored inside the hold window (%d requests)", bls.requestCount())
	}

	testWaitFor(t, "deferred demote after hold window", func() bool {
		states := bls.requestStates()
		return states[len(states)-1] == Unlocked
	})
}

func TestRecoveryFreezeGate(t *testing.T) {
	ls, bls, confMap := testSetup(t, nil)
	defer testTeardown(t, ls, confMap)

	name := GlockName{Type: GlockTypeInode, Number: 31}
	journalName := GlockName{Type: GlockTypeJournal, Number: 1}

	var (
		handlerMutex  sync.Mutex
		handlerJID    uint64
		handlerStatus RecoveryStatus
		handlerCalled bool
	)
	ls.SetRecoveryHandler(func(jid uint64, status RecoveryStatus) {
		handlerMutex.Lock()
		handlerJID = jid
		handlerStatus = status
		handlerCalled = true
		handlerMutex.Unlock()
	})

	bls.callbacks.RecoveryNeeded(7)

	// Frozen: TRY fails fast, plain acquisitions park at the gate.
	_, err := ls.TryAcquireLock(name, nil, Shared, 0)
	if !blunder.Is(err, blunder.RecoveryPendingError) {
		t.Fatalf("TryAcquireLock() under freeze returned %v; expected RecoveryPendingError", err)
	}

	blockedChan := make(chan error, 1)
	go func() {
		h, acquireErr := ls.AcquireLock(name, nil, Shared, 0)
		if nil == acquireErr {
			_ = h.Release()
		}
		blockedChan <- acquireErr
	}()
	select {
	case err = <-blockedChan:
		t.Fatalf("acquisition passed the recovery gate while frozen (err=%v)", err)
	case <-time.After(30 * time.Millisecond):
	}

	// NOEXP bypasses the gate (journal recovery acquiring its own locks).
	h, err := ls.AcquireLock(journalName, nil, Exclusive, FlagNoExp)
	if nil != err {
		t.Fatalf("AcquireLock(NoExp) under freeze failed: %v", err)
	}
	_ = h.Release()

	bls.callbacks.RecoveryResult(7, RecoverySuccess)
	bls.callbacks.FirstDone()

	err = <-blockedChan
	if nil != err {
		t.Fatalf("acquisition after thaw failed: %v", err)
	}

	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	if !handlerCalled || 7 != handlerJID || RecoverySuccess != handlerStatus {
		t.Fatalf("recovery handler called=%v jid=%d status=%d; expected (true, 7, RecoverySuccess)", handlerCalled, handlerJID, handlerStatus)
	}
}

func TestWithdraw(t *testing.T) {
	ls, bls, confMap := testSetup(t, nil)
	defer func() {
		err := transitions.Down(confMap)
		if nil != err {
			t.Fatalf("transitions.Down() failed: %v", err)
		}
	}()

	name := GlockName{Type: GlockTypeInode, Number: 51}

	hA, err := ls.AcquireLock(name, nil, Shared, 0)
	if nil != err {
		t.Fatalf("AcquireLock(Shared) failed: %v", err)
	}

	bls.Lock()
	bls.holdRequests = true
	bls.Unlock()

	hB, err := ls.AcquireLock(name, nil, Exclusive, FlagAsync)
	if nil != err {
		t.Fatalf("AcquireLock(Exclusive|Async) failed: %v", err)
	}

	bls.callbacks.Withdraw(blunder.NewError(blunder.WithdrawError, "injected fatal cluster error"))

	// Waiting holders fault out; new acquisitions fail fast; granted
	// holders remain releasable.
	if err = hB.Wait(); !blunder.Is(err, blunder.WithdrawError) {
		t.Fatalf("waiting holder got %v; expected WithdrawError", err)
	}
	_, err = ls.AcquireLock(name, nil, Shared, 0)
	if !blunder.Is(err, blunder.WithdrawError) {
		t.Fatalf("AcquireLock() after withdraw returned %v; expected WithdrawError", err)
	}
	err = hA.Release()
	if nil != err {
		t.Fatalf("Release() after withdraw failed: %v", err)
	}

	// Teardown still drains.
	err = ls.UnmountLockSpace()
	if nil != err {
		t.Fatalf("UnmountLockSpace() after withdraw failed: %v", err)
	}
}

func TestReaper(t *testing.T) {
	ls, bls, confMap := testSetup(t, []string{
		"Glock.IdleGlockHoldTime=30ms",
		"Glock.ReaperPeriod=10ms",
	})
	defer testTeardown(t, ls, confMap)

	name := GlockName{Type: GlockTypeInode, Number: 61}

	h, err := ls.AcquireLock(name, nil, Shared, 0)
	if nil != err {
		t.Fatalf("AcquireLock(Shared) failed: %v", err)
	}
	_ = h.Release()

	// The idle glock must demote its cached Shared and be reclaimed.
	testWaitFor(t, "idle reclamation", func() bool {
		bls.Lock()
		_, put := bls.putMap[name]
		bls.Unlock()
		return put
	})
	testWaitFor(t, "registry drain", func() bool {
		return 0 == ls.DumpLockSpace().GlockCount
	})
}

func TestPurge(t *testing.T) {
	ls, bls, confMap := testSetup(t, []string{
		"Glock.PurgeTimeout=100ms",
	})
	defer testTeardown(t, ls, confMap)

	inodeName := GlockName{Type: GlockTypeInode, Number: 71}
	rgrpName := GlockName{Type: GlockTypeRgrp, Number: 72}

	h, err := ls.AcquireLock(inodeName, nil, Exclusive, 0)
	if nil != err {
		t.Fatalf("AcquireLock(inode, Exclusive) failed: %v", err)
	}
	hRgrp, err := ls.AcquireLock(rgrpName, nil, Shared, 0)
	if nil != err {
		t.Fatalf("AcquireLock(rgrp, Shared) failed: %v", err)
	}
	_ = hRgrp.Release()

	// A live holder makes the purge report busy.
	err = ls.PurgeGlocks(GlockTypeInode, false)
	if !blunder.Is(err, blunder.BusyError) {
		t.Fatalf("PurgeGlocks() with live holder returned %v; expected BusyError", err)
	}

	// The typed purge must not have touched the rgrp glock.
	if _, err = ls.DumpGlock(rgrpName); nil != err {
		t.Fatalf("typed purge touched an unrelated glock type: %v", err)
	}

	_ = h.Release()
	err = ls.PurgeGlocks(GlockType(0), true)
	if nil != err {
		t.Fatalf("PurgeGlocks(all) failed: %v", err)
	}
	if 0 != ls.DumpLockSpace().GlockCount {
		t.Fatalf("glocks remain after full purge")
	}

	bls.Lock()
	_, inodePut := bls.putMap[inodeName]
	_, rgrpPut := bls.putMap[rgrpName]
	bls.Unlock()
	if !inodePut || !rgrpPut {
		t.Fatalf("purge did not Put() reclaimed glocks (inode=%v rgrp=%v)", inodePut, rgrpPut)
	}
}

func TestDumpAndObjectRelation(t *testing.T) {
	ls, _, confMap := testSetup(t, nil)
	defer testTeardown(t, ls, confMap)

	name := GlockName{Type: GlockTypeInode, Number: 81}

	_, err := ls.DumpGlock(name)
	if !blunder.Is(err, blunder.NotFoundError) {
		t.Fatalf("DumpGlock() of absent glock returned %v; expected NotFoundError", err)
	}

	h, err := ls.AcquireLock(name, nil, Exclusive, 0)
	if nil != err {
		t.Fatalf("AcquireLock(Exclusive) failed: %v", err)
	}
	ls.AttachObject(name, 0xCAFE)

	dump, err := ls.DumpGlock(name)
	if nil != err {
		t.Fatalf("DumpGlock() failed: %v", err)
	}
	if "Exclusive" != dump.CurrentState || 1 != len(dump.Holders) || 0xCAFE != dump.ObjectID {
		t.Fatalf("unexpected dump: %+v", dump)
	}
	if !dump.Holders[0].Granted || "Exclusive" != dump.Holders[0].GrantedState {
		t.Fatalf("unexpected holder dump: %+v", dump.Holders[0])
	}

	if objectID, ok := ls.LookupObject(name); !ok || 0xCAFE != objectID {
		t.Fatalf("LookupObject() = (%x, %v); expected (CAFE, true)", objectID, ok)
	}
	ls.DetachObject(name)
	if _, ok := ls.LookupObject(name); ok {
		t.Fatalf("object relation survived DetachObject()")
	}

	spaceDump := ls.DumpLockSpace()
	if "TestLockSpace" != spaceDump.Name || 1 != spaceDump.GlockCount {
		t.Fatalf("unexpected lock space dump: %+v", spaceDump)
	}

	_ = h.Release()
}

func TestConcurrentAcquireSingleton(t *testing.T) {
	ls, bls, confMap := testSetup(t, nil)
	defer testTeardown(t, ls, confMap)

	name := GlockName{Type: GlockTypeInode, Number: 91}

	var wg sync.WaitGroup
	errChan := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := ls.AcquireLock(name, nil, Shared, 0)
			if nil != err {
				errChan <- err
				return
			}
			time.Sleep(time.Millisecond)
			errChan <- h.Release()
		}()
	}
	wg.Wait()
	close(errChan)
	for err := range errChan {
		if nil != err {
			t.Fatalf("concurrent acquire/release failed: %v", err)
		}
	}

	// All 32 rode a single glock and at most one backend trip.
	if 1 != bls.requestCount() {
		t.Fatalf("32 concurrent Shared holders took %d backend requests; expected 1", bls.requestCount())
	}
}
