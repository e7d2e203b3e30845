// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package glock

import (
	"container/list"
	"fmt"
	"time"

	"github.com/NVIDIA/glockmgr/trackedlock"
)

// Internal glock flags; protected by glockStruct.Mutex.
const (
	glockFlagReqInFlight uint32 = 1 << iota // backend request outstanding
	glockFlagReqCanceled                    // in-flight request was canceled; completion may still arrive
	glockFlagDemotePending                  // a remote (or TRY_1CB-induced) demote demand is outstanding
	glockFlagDemoteInProgress               // ops.Sync()/Invalidate() running with the Mutex dropped
	glockFlagNoCache                        // drop to Unlocked once the last holder releases
	glockFlagFaulted                        // lock space withdrawn while this glock was live
	glockFlagWorkQueued                     // queued to the worker pool
	glockFlagReclaim                        // demote to Unlocked and free (reaper/purge)
	glockFlagLVBStale                       // last delivered LVB failed validation
)

// Internal holder flags; protected by the owning glockStruct.Mutex.
const (
	holderFlagGranted uint32 = 1 << iota
	holderFlagDone            // doneChan closed (granted or failed)
	holderFlagDequeued        // no longer on the holder list
	holderFlagFaulted         // granted, then lock space withdrew
	holderFlagRefDropped      // glock reference released
)

type completionEventStruct struct {
	grantedState LockState
	lvb          []byte
	errno        int
}

type glockStruct struct {
	trackedlock.Mutex

	ls   *LockSpace
	name GlockName
	ops  GlockOps

	// Shared by every Holder plus transient lookups. Mutated only under
	// the owning shard's lock (so a zero observed under the shard lock
	// is stable); read atomically elsewhere.
	refCount int64

	flags uint32

	currentState LockState
	targetState  LockState

	// Strongest state we may retain per the pending demote demand.
	demoteState LockState
	demoteTime  time.Time

	// State requested from the backend while glockFlagReqInFlight.
	reqState      LockState
	reqSubmitTime time.Time

	// Granted holders precede waiting holders. Waiting Exclusive
	// requests are inserted ahead of waiting Shared/Deferred ones but
	// behind earlier waiting Exclusives (the queue-jump rule).
	holderList   *list.List
	grantedCount int
	waitingCount int

	lvb []byte

	// Hold-time hysteresis: remote demote demands arriving before
	// holdExpiry are deferred until the window expires.
	holdWindowStart time.Time
	holdExpiry      time.Time
	holdTimer       *time.Timer

	// Completions from the backend, delivered in order by the worker.
	completionList *list.List

	idleSeq uint64 // matches the live idle-LRU entry, if any
	freed   bool
}

// Holder is one task's request/grant record for a glock. Created by
// AcquireLock(); destroyed by Release().
type Holder struct {
	glk *glockStruct

	requestedState LockState
	granted        LockState
	flags          HolderFlag
	hFlags         uint32

	ownerGID  uint64
	queuedAt  time.Time
	grantedAt time.Time

	err      error
	doneChan chan struct{}
	elem     *list.Element
}

func (glk *glockStruct) flagIsSet(flag uint32) bool {
	return glk.flags&flag != 0
}

func (glk *glockStruct) setFlag(flag uint32) {
	glk.flags |= flag
}

func (glk *glockStruct) clearFlag(flag uint32) {
	glk.flags &^= flag
}

func (h *Holder) holderFlagIsSet(flag uint32) bool {
	return h.hFlags&flag != 0
}

func (h *Holder) setHolderFlag(flag uint32) {
	h.hFlags |= flag
}

func (h *Holder) clearHolderFlag(flag uint32) {
	h.hFlags &^= flag
}

// stateRank orders lock states by strength for target-state computation.
func stateRank(state LockState) int {
	switch state {
	case Unlocked:
		return 0
	case Shared:
		return 1
	case Deferred:
		return 2
	case Exclusive:
		return 3
	default:
		panic(fmt.Sprintf("stateRank(): invalid LockState %d", state))
	}
}

func (state LockState) String() string {
	switch state {
	case Unlocked:
		return "Unlocked"
	case Shared:
		return "Shared"
	case Deferred:
		return "Deferred"
	case Exclusive:
		return "Exclusive"
	default:
		return fmt.Sprintf("LockState(%d)", uint8(state))
	}
}

func (glockType GlockType) String() string {
	switch glockType {
	case GlockTypeNondisk:
		return "nondisk"
	case GlockTypeInode:
		return "inode"
	case GlockTypeRgrp:
		return "rgrp"
	case GlockTypeMeta:
		return "meta"
	case GlockTypeIopen:
		return "iopen"
	case GlockTypeFlock:
		return "flock"
	case GlockTypePlock:
		return "plock"
	case GlockTypeQuota:
		return "quota"
	case GlockTypeJournal:
		return "journal"
	default:
		return fmt.Sprintf("GlockType(%d)", uint16(glockType))
	}
}

func (name GlockName) String() string {
	return fmt.Sprintf("%s:%d", name.Type, name.Number)
}
