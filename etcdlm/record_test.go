// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package etcdlm

import (
	"testing"

	"github.com/NVIDIA/glockmgr/blunder"
	"github.com/NVIDIA/glockmgr/glock"
)

func TestRecordCodec(t *testing.T) {
	rec := &lockRecordStruct{
		Holders: map[string]glock.LockState{"node1": glock.Shared},
		Waiters: []waiterStruct{{NodeID: "node2", State: glock.Exclusive}},
		LVB:     []byte("block"),
	}

	buf, err := encodeLockRecord(rec)
	if nil != err {
		t.Fatalf("encodeLockRecord() failed: %v", err)
	}
	decoded, err := decodeLockRecord(buf)
	if nil != err {
		t.Fatalf("decodeLockRecord() failed: %v", err)
	}
	if glock.Shared != decoded.Holders["node1"] {
		t.Fatalf("decoded holder state %v; expected Shared", decoded.Holders["node1"])
	}
	if 1 != len(decoded.Waiters) || "node2" != decoded.Waiters[0].NodeID {
		t.Fatalf("decoded waiters %+v; expected the queued node2 Exclusive", decoded.Waiters)
	}
	if "block" != string(decoded.LVB) {
		t.Fatalf("decoded LVB %q; expected \"block\"", decoded.LVB)
	}

	// An absent key decodes to the zero record.
	decoded, err = decodeLockRecord(nil)
	if nil != err {
		t.Fatalf("decodeLockRecord(nil) failed: %v", err)
	}
	if !decoded.empty() {
		t.Fatalf("zero record not reported empty")
	}

	_, err = decodeLockRecord([]byte("not json"))
	if !blunder.Is(err, blunder.UnpackError) {
		t.Fatalf("decodeLockRecord(garbage) returned %v; expected UnpackError", err)
	}
}

func TestRecordEmpty(t *testing.T) {
	rec := &lockRecordStruct{}
	if !rec.empty() {
		t.Fatalf("zero record not reported empty")
	}

	// An LVB alone keeps the record alive so the block survives idle
	// periods.
	rec.LVB = []byte("x")
	if rec.empty() {
		t.Fatalf("LVB-only record reported empty")
	}
}

func TestApplyRequestGrantAndQueue(t *testing.T) {
	rec := &lockRecordStruct{}

	outcome, _ := rec.applyRequest("node1", glock.Exclusive, 0, nil)
	if outcomeGranted != outcome {
		t.Fatalf("uncontended Exclusive outcome %v; expected granted", outcome)
	}
	if glock.Exclusive != rec.Holders["node1"] {
		t.Fatalf("node1 holds %v; expected Exclusive", rec.Holders["node1"])
	}

	outcome, blockerIDs := rec.applyRequest("node2", glock.Shared, 0, nil)
	if outcomeQueued != outcome {
		t.Fatalf("contended Shared outcome %v; expected queued", outcome)
	}
	if 1 != len(blockerIDs) || "node1" != blockerIDs[0] {
		t.Fatalf("blockers %v; expected [node1]", blockerIDs)
	}
	if 1 != len(rec.Waiters) {
		t.Fatalf("wait queue %+v; expected one entry", rec.Waiters)
	}

	// node1 unlocking promotes node2.
	outcome, _ = rec.applyRequest("node1", glock.Unlocked, 0, nil)
	if outcomeGranted != outcome {
		t.Fatalf("Unlocked outcome %v; expected granted", outcome)
	}
	if glock.Shared != rec.Holders["node2"] {
		t.Fatalf("node2 holds %v; expected promoted Shared", rec.Holders["node2"])
	}
	if 0 != len(rec.Waiters) {
		t.Fatalf("wait queue %+v; expected empty after promotion", rec.Waiters)
	}
}

func TestApplyRequestBarrier(t *testing.T) {
	rec := &lockRecordStruct{}

	rec.applyRequest("node1", glock.Shared, 0, nil)
	rec.applyRequest("node2", glock.Exclusive, 0, nil)

	// node3's Shared is compatible with node1's but must queue behind the
	// waiting Exclusive.
	outcome, _ := rec.applyRequest("node3", glock.Shared, 0, nil)
	if outcomeQueued != outcome {
		t.Fatalf("barrier-crossing Shared outcome %v; expected queued", outcome)
	}

	// node1's in-place conversion to Deferred is not subject to the
	// barrier... but it is blocked here, so it queues on contention, not
	// on the barrier. Verify the conversion of a compatible state skips
	// the barrier instead: re-request the already-held Shared.
	outcome, _ = rec.applyRequest("node1", glock.Shared, 0, nil)
	if outcomeGranted != outcome {
		t.Fatalf("no-op conversion outcome %v; expected granted despite waiters", outcome)
	}

	// Release order: node1 out, Exclusive first, then the queued Shared.
	rec.applyRequest("node1", glock.Unlocked, 0, nil)
	if glock.Exclusive != rec.Holders["node2"] {
		t.Fatalf("node2 holds %v; expected Exclusive after node1 left", rec.Holders["node2"])
	}
	if _, held := rec.Holders["node3"]; held {
		t.Fatalf("node3 granted while node2 holds Exclusive")
	}
	rec.applyRequest("node2", glock.Unlocked, 0, nil)
	if glock.Shared != rec.Holders["node3"] {
		t.Fatalf("node3 holds %v; expected Shared after node2 left", rec.Holders["node3"])
	}
}

func TestApplyRequestTry(t *testing.T) {
	rec := &lockRecordStruct{}

	rec.applyRequest("node1", glock.Exclusive, 0, nil)

	outcome, _ := rec.applyRequest("node2", glock.Shared, glock.ReqFlagTry, nil)
	if outcomeTryFail != outcome {
		t.Fatalf("blocked TRY outcome %v; expected try-fail", outcome)
	}
	if 0 != len(rec.Waiters) {
		t.Fatalf("TRY request left a waiter behind: %+v", rec.Waiters)
	}
	if 0 != len(rec.Demands) {
		t.Fatalf("plain TRY left a demand behind: %+v", rec.Demands)
	}

	// TRY_1CB leaves a demote demand against the blocker.
	outcome, _ = rec.applyRequest("node2", glock.Shared, glock.ReqFlagTry|glock.ReqFlagTry1CB, nil)
	if outcomeTryFail != outcome {
		t.Fatalf("blocked TRY_1CB outcome %v; expected try-fail", outcome)
	}
	if glock.Shared != rec.Demands["node1"] {
		t.Fatalf("demand against node1 is %v; expected Shared", rec.Demands["node1"])
	}

	// A second, stronger contender weakens the demand to Unlocked.
	rec.applyRequest("node3", glock.Exclusive, glock.ReqFlagTry|glock.ReqFlagTry1CB, nil)
	if glock.Unlocked != rec.Demands["node1"] {
		t.Fatalf("demand against node1 is %v; expected weakened to Unlocked", rec.Demands["node1"])
	}
}

func TestApplyRequestConversionDeadlock(t *testing.T) {
	rec := &lockRecordStruct{}

	rec.applyRequest("node1", glock.Shared, 0, nil)
	rec.applyRequest("node2", glock.Shared, 0, nil)

	outcome, _ := rec.applyRequest("node1", glock.Exclusive, 0, nil)
	if outcomeQueued != outcome {
		t.Fatalf("first conversion outcome %v; expected queued", outcome)
	}

	// node2's symmetric conversion would wait on node1, which waits on
	// node2: refused.
	outcome, _ = rec.applyRequest("node2", glock.Exclusive, 0, nil)
	if outcomeDeadlock != outcome {
		t.Fatalf("second conversion outcome %v; expected deadlock", outcome)
	}

	// node2 backing off lets node1's conversion through.
	rec.applyRequest("node2", glock.Unlocked, 0, nil)
	if glock.Exclusive != rec.Holders["node1"] {
		t.Fatalf("node1 holds %v; expected Exclusive", rec.Holders["node1"])
	}
}

func TestApplyRequestLVBWriteBack(t *testing.T) {
	rec := &lockRecordStruct{}

	rec.applyRequest("node1", glock.Exclusive, 0, nil)
	rec.applyRequest("node1", glock.Unlocked, 0, []byte("generation 7"))

	if "generation 7" != string(rec.LVB) {
		t.Fatalf("record LVB %q; expected the written-back block", rec.LVB)
	}
	if rec.empty() {
		t.Fatalf("LVB-bearing record reported empty (the block would be lost)")
	}
}

func TestApplyNodeDeparture(t *testing.T) {
	rec := &lockRecordStruct{}

	rec.applyRequest("node1", glock.Exclusive, 0, nil)
	rec.applyRequest("node2", glock.Shared, 0, nil)
	rec.applyRequest("node3", glock.Shared, glock.ReqFlagTry|glock.ReqFlagTry1CB, nil)

	if !rec.applyNodeDeparture("node1") {
		t.Fatalf("departure of the holder reported no change")
	}
	if _, held := rec.Holders["node1"]; held {
		t.Fatalf("departed node1 still holds the lock")
	}
	if _, demanded := rec.Demands["node1"]; demanded {
		t.Fatalf("departed node1 still carries a demand")
	}
	if glock.Shared != rec.Holders["node2"] {
		t.Fatalf("node2 holds %v; expected promoted Shared after departure", rec.Holders["node2"])
	}

	if rec.applyNodeDeparture("node1") {
		t.Fatalf("repeated departure reported a change (scavenge must be idempotent)")
	}
}
