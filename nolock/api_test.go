// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package nolock

import (
	"testing"

	"github.com/NVIDIA/glockmgr/blunder"
	"github.com/NVIDIA/glockmgr/glock"
)

type testCompletionStruct struct {
	name  glock.GlockName
	state glock.LockState
	lvb   []byte
	errno int
}

type testCallbacksStruct struct {
	completions []testCompletionStruct
}

func (cb *testCallbacksStruct) Completion(name glock.GlockName, granted glock.LockState, lvb []byte, errno int) {
	cb.completions = append(cb.completions, testCompletionStruct{name: name, state: granted, lvb: lvb, errno: errno})
}

func (cb *testCallbacksStruct) BlockingNotify(name glock.GlockName, wanted glock.LockState) {}
func (cb *testCallbacksStruct) RecoveryNeeded(jid uint64)                                   {}
func (cb *testCallbacksStruct) RecoveryResult(jid uint64, status glock.RecoveryStatus)      {}
func (cb *testCallbacksStruct) FirstDone()                                                  {}
func (cb *testCallbacksStruct) Withdraw(err error)                                          {}

func TestInlineGrants(t *testing.T) {
	cb := &testCallbacksStruct{}
	bls, err := (&backendStruct{}).MountLockSpace("TestInlineGrants", "node1", nil, cb)
	if nil != err {
		t.Fatalf("MountLockSpace() failed: %v", err)
	}

	name := glock.GlockName{Type: glock.GlockTypeInode, Number: 1}

	// Grants arrive inline, in the requested state, before Request
	// returns.
	if err = bls.Request(name, glock.Exclusive, 0, nil); nil != err {
		t.Fatalf("Request(Exclusive) failed: %v", err)
	}
	if 1 != len(cb.completions) || glock.Exclusive != cb.completions[0].state || 0 != cb.completions[0].errno {
		t.Fatalf("unexpected completions after Request(Exclusive): %+v", cb.completions)
	}

	if err = bls.Request(name, glock.Unlocked, 0, nil); nil != err {
		t.Fatalf("Request(Unlocked) failed: %v", err)
	}
	if 2 != len(cb.completions) || glock.Unlocked != cb.completions[1].state {
		t.Fatalf("unexpected completions after Request(Unlocked): %+v", cb.completions)
	}

	if err = bls.Unmount(); nil != err {
		t.Fatalf("Unmount() failed: %v", err)
	}
	err = bls.Request(name, glock.Shared, 0, nil)
	if !blunder.Is(err, blunder.NotMountedError) {
		t.Fatalf("Request() after Unmount() returned %v; expected NotMountedError", err)
	}
}

func TestLVBRetention(t *testing.T) {
	cb := &testCallbacksStruct{}
	bls, err := (&backendStruct{}).MountLockSpace("TestLVBRetention", "node1", nil, cb)
	if nil != err {
		t.Fatalf("MountLockSpace() failed: %v", err)
	}

	name := glock.GlockName{Type: glock.GlockTypeQuota, Number: 2}
	lvb := []byte("usage=17")

	// Write-back on the demote out of Exclusive...
	if err = bls.Request(name, glock.Exclusive, glock.ReqFlagLVB, nil); nil != err {
		t.Fatalf("Request(Exclusive|LVB) failed: %v", err)
	}
	if err = bls.Request(name, glock.Unlocked, 0, lvb); nil != err {
		t.Fatalf("Request(Unlocked) failed: %v", err)
	}

	// ...is delivered with the next LVB-bearing grant.
	if err = bls.Request(name, glock.Shared, glock.ReqFlagLVB, nil); nil != err {
		t.Fatalf("Request(Shared|LVB) failed: %v", err)
	}
	last := cb.completions[len(cb.completions)-1]
	if string(last.lvb) != string(lvb) {
		t.Fatalf("grant carried LVB %q; expected %q", last.lvb, lvb)
	}

	// Put retains the block past glock reclamation.
	if err = bls.Request(name, glock.Unlocked, 0, nil); nil != err {
		t.Fatalf("Request(Unlocked) failed: %v", err)
	}
	if err = bls.Put(name, lvb); nil != err {
		t.Fatalf("Put() failed: %v", err)
	}
	if err = bls.Request(name, glock.Shared, glock.ReqFlagLVB, nil); nil != err {
		t.Fatalf("Request(Shared|LVB) failed: %v", err)
	}
	last = cb.completions[len(cb.completions)-1]
	if string(last.lvb) != string(lvb) {
		t.Fatalf("grant after Put() carried LVB %q; expected %q", last.lvb, lvb)
	}
}
