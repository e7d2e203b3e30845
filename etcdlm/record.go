// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package etcdlm

// The cluster-wide state of one lock is a single JSON record under the
// lock space's etcd prefix, transitioned atomically by compare-and-swap
// transactions. Arbitration over a record is pure code (no etcd in sight)
// so it can be reasoned about and tested without a server.

import (
	"encoding/json"

	"github.com/NVIDIA/glockmgr/blunder"
	"github.com/NVIDIA/glockmgr/glock"
)

// lockRecordStruct is the durable state of one named lock: the per-node
// granted states, the FIFO wait queue, pending demote demands, and the
// lock value block.
type lockRecordStruct struct {
	Holders map[string]glock.LockState `json:"holders,omitempty"`
	Waiters []waiterStruct             `json:"waiters,omitempty"`
	Demands map[string]glock.LockState `json:"demands,omitempty"`
	LVB     []byte                     `json:"lvb,omitempty"`
}

type waiterStruct struct {
	NodeID string          `json:"node"`
	State  glock.LockState `json:"state"`
	Flags  glock.ReqFlag   `json:"flags"`
}

type requestOutcome int

const (
	outcomeGranted requestOutcome = iota
	outcomeQueued
	outcomeTryFail
	outcomeDeadlock
)

func decodeLockRecord(buf []byte) (rec *lockRecordStruct, err error) {
	rec = &lockRecordStruct{}
	if len(buf) == 0 {
		return
	}
	err = json.Unmarshal(buf, rec)
	if err != nil {
		err = blunder.AddError(err, blunder.UnpackError)
	}
	return
}

func encodeLockRecord(rec *lockRecordStruct) (buf []byte, err error) {
	buf, err = json.Marshal(rec)
	if err != nil {
		err = blunder.AddError(err, blunder.PackError)
	}
	return
}

// empty reports whether the record carries no state worth keeping. A
// record holding only an LVB is retained so the value block survives
// periods with no holders.
func (rec *lockRecordStruct) empty() bool {
	return len(rec.Holders) == 0 && len(rec.Waiters) == 0 && len(rec.Demands) == 0 && len(rec.LVB) == 0
}

// modesCompatible is the cluster-wide compatibility relation: Exclusive is
// compatible with nothing, Shared and Deferred only with themselves.
func modesCompatible(state1 glock.LockState, state2 glock.LockState) bool {
	if state1 == glock.Unlocked || state2 == glock.Unlocked {
		return true
	}
	if state1 == glock.Exclusive || state2 == glock.Exclusive {
		return false
	}
	return state1 == state2
}

// demoteTargetFor is the strongest state a blocking node may retain while
// still admitting a request for wantedState.
func demoteTargetFor(wantedState glock.LockState) glock.LockState {
	if wantedState == glock.Exclusive {
		return glock.Unlocked
	}
	return wantedState
}

// blockers returns the nodes whose granted states are incompatible with
// nodeID acquiring wantedState.
func (rec *lockRecordStruct) blockers(nodeID string, wantedState glock.LockState) (blockerIDs []string) {
	for holderID, holderState := range rec.Holders {
		if holderID == nodeID {
			continue
		}
		if !modesCompatible(wantedState, holderState) {
			blockerIDs = append(blockerIDs, holderID)
		}
	}
	return
}

// demand records a demote demand against nodeID, keeping the weakest state
// demanded so far.
func (rec *lockRecordStruct) demand(nodeID string, demoteTo glock.LockState) {
	if rec.Demands == nil {
		rec.Demands = make(map[string]glock.LockState)
	}
	current, ok := rec.Demands[nodeID]
	if !ok || demoteTo < current {
		rec.Demands[nodeID] = demoteTo
	}
}

func (rec *lockRecordStruct) removeWaiter(nodeID string) (removed bool) {
	for i, waiter := range rec.Waiters {
		if waiter.NodeID == nodeID {
			rec.Waiters = append(rec.Waiters[:i], rec.Waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (rec *lockRecordStruct) removeHolder(nodeID string) (removed bool) {
	if _, ok := rec.Holders[nodeID]; ok {
		delete(rec.Holders, nodeID)
		return true
	}
	return false
}

// applyRequest arbitrates one transition request against the record,
// mutating it in place. A request for Unlocked always succeeds; anything
// else is granted, queued, or refused per the compatibility relation and
// the FIFO barrier (new requests queue behind existing waiters; in-place
// conversions of an already-granted state do not).
func (rec *lockRecordStruct) applyRequest(nodeID string, state glock.LockState, flags glock.ReqFlag, lvb []byte) (outcome requestOutcome, blockerIDs []string) {
	// A demote out of Exclusive carries the written-back value block.
	if lvb != nil {
		rec.LVB = append([]byte(nil), lvb...)
	}

	if state == glock.Unlocked {
		rec.removeHolder(nodeID)
		rec.removeWaiter(nodeID)
		rec.promoteWaiters()
		outcome = outcomeGranted
		return
	}

	heldState, conversion := rec.Holders[nodeID]
	blockerIDs = rec.blockers(nodeID, state)
	barrier := !conversion && len(rec.Waiters) != 0

	if len(blockerIDs) == 0 && !barrier {
		if rec.Holders == nil {
			rec.Holders = make(map[string]glock.LockState)
		}
		rec.Holders[nodeID] = state
		outcome = outcomeGranted
		return
	}

	if flags&glock.ReqFlagTry != 0 {
		if flags&glock.ReqFlagTry1CB != 0 {
			for _, blockerID := range blockerIDs {
				rec.demand(blockerID, demoteTargetFor(state))
			}
		}
		outcome = outcomeTryFail
		return
	}

	if conversion {
		// Conversion deadlock: we are blocked by a node whose own
		// queued conversion is in turn blocked by our granted state.
		for _, waiter := range rec.Waiters {
			if !modesCompatible(waiter.State, heldState) {
				for _, blockerID := range blockerIDs {
					if blockerID == waiter.NodeID {
						outcome = outcomeDeadlock
						return
					}
				}
			}
		}
	}

	rec.Waiters = append(rec.Waiters, waiterStruct{NodeID: nodeID, State: state, Flags: flags})
	outcome = outcomeQueued
	return
}

// promoteWaiters grants queued waiters in order, stopping at the first one
// still blocked.
func (rec *lockRecordStruct) promoteWaiters() {
	for len(rec.Waiters) != 0 {
		waiter := rec.Waiters[0]
		if len(rec.blockers(waiter.NodeID, waiter.State)) != 0 {
			return
		}
		rec.Waiters = rec.Waiters[1:]
		if rec.Holders == nil {
			rec.Holders = make(map[string]glock.LockState)
		}
		rec.Holders[waiter.NodeID] = waiter.State
	}
}

// applyNodeDeparture strips every trace of a departed node from the
// record, waking the waiters it blocked.
func (rec *lockRecordStruct) applyNodeDeparture(nodeID string) (changed bool) {
	if rec.removeHolder(nodeID) {
		changed = true
	}
	if rec.removeWaiter(nodeID) {
		changed = true
	}
	if _, ok := rec.Demands[nodeID]; ok {
		delete(rec.Demands, nodeID)
		changed = true
	}
	if changed {
		rec.promoteWaiters()
	}
	return
}
