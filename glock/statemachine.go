// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package glock

// The state machine. Each runGlock() pass delivers pending backend
// completions, grants whatever waiters have become compatible, and then
// decides at most one next action: issue a backend request (promotion or
// demotion), arm the hysteresis timer, or free a reclaimable glock. All
// backend and ops calls are made with the glock Mutex dropped; the
// glockFlagReqInFlight / glockFlagDemoteInProgress flags keep concurrent
// passes from double-issuing.

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/NVIDIA/glockmgr/blunder"
	"github.com/NVIDIA/glockmgr/halter"
	"github.com/NVIDIA/glockmgr/logger"
	"github.com/NVIDIA/glockmgr/utils"
)

type glockActionType int

const (
	actionNone glockActionType = iota
	actionRequest
	actionTimer
	actionFree
)

type glockActionStruct struct {
	actionType glockActionType

	// actionRequest
	reqState  LockState
	reqFlags  ReqFlag
	needSync  bool
	needInval bool
	lvb       []byte

	// actionTimer
	delay time.Duration
}

func (ls *LockSpace) runGlock(glk *glockStruct) {
	for {
		glk.Lock()
		glk.clearFlag(glockFlagWorkQueued)

		for glk.completionList.Len() > 0 {
			event := glk.completionList.Remove(glk.completionList.Front()).(*completionEventStruct)
			ls.handleCompletionLocked(glk, event)
		}

		glk.promoteWaitersLocked()

		action := ls.decideActionLocked(glk)
		glk.Unlock()

		switch action.actionType {
		case actionNone:
			return
		case actionTimer:
			ls.armHoldTimer(glk, action.delay)
			return
		case actionFree:
			ls.freeGlock(glk)
			return
		case actionRequest:
			ls.issueRequest(glk, action)
			// Loop: a completion may have arrived synchronously
			// (nolock grants inline) and needs delivering even if
			// queueWork() coalesced into this pass.
		}
	}
}

// decideActionLocked picks the next state-machine action. Caller holds
// glk.Mutex.
func (ls *LockSpace) decideActionLocked(glk *glockStruct) (action glockActionStruct) {
	if glk.flagIsSet(glockFlagReqInFlight) || glk.flagIsSet(glockFlagDemoteInProgress) || glk.freed {
		return glockActionStruct{actionType: actionNone}
	}
	if glk.flagIsSet(glockFlagFaulted) {
		// Withdrawn: waiting holders were already faulted; cached
		// state is unrecoverable and only release/purge applies.
		return glockActionStruct{actionType: actionNone}
	}

	target := glk.computeTargetLocked()
	glk.targetState = target

	if target == glk.currentState {
		if glk.flagIsSet(glockFlagDemotePending) && stateRank(glk.currentState) <= stateRank(glk.demoteState) {
			glk.clearFlag(glockFlagDemotePending)
		}
		if glk.currentState == Unlocked && glk.grantedCount == 0 && glk.waitingCount == 0 {
			glk.clearFlag(glockFlagNoCache)
			if glk.flagIsSet(glockFlagReclaim) && atomic.LoadInt64(&glk.refCount) == 0 {
				return glockActionStruct{actionType: actionFree}
			}
		}
		return glockActionStruct{actionType: actionNone}
	}

	if stateRank(target) > stateRank(glk.currentState) {
		return ls.decidePromoteLocked(glk, target)
	}
	return ls.decideDemoteLocked(glk, target)
}

func (ls *LockSpace) decidePromoteLocked(glk *glockStruct, target LockState) (action glockActionStruct) {
	if glk.grantedCount > 0 {
		// A granted holder still pins the current (weaker or
		// incompatible) state; its release will requeue us.
		return glockActionStruct{actionType: actionNone}
	}

	if glk.currentState != Unlocked {
		// Upgrades pass through Unlocked (a direct conversion is a
		// cluster deadlock risk); one round trip per edge.
		return ls.prepareDemoteRequestLocked(glk, Unlocked)
	}

	action = glockActionStruct{
		actionType: actionRequest,
		reqState:   target,
	}
	if fw := glk.firstWaiterLocked(); fw != nil {
		if fw.flags&FlagTry != 0 {
			action.reqFlags |= ReqFlagTry
		}
		if fw.flags&FlagTry1CB != 0 {
			action.reqFlags |= ReqFlagTry1CB
		}
		if fw.flags&FlagNoExp != 0 {
			action.reqFlags |= ReqFlagNoExp
		}
	}
	if glk.ops.Flags()&OpsFlagLVB != 0 {
		action.reqFlags |= ReqFlagLVB
	}

	glk.setFlag(glockFlagReqInFlight)
	glk.clearFlag(glockFlagReqCanceled)
	glk.reqState = target
	glk.reqSubmitTime = time.Now()
	return
}

func (ls *LockSpace) decideDemoteLocked(glk *glockStruct, target LockState) (action glockActionStruct) {
	if glk.grantedCount > 0 {
		return glockActionStruct{actionType: actionNone}
	}

	// Hysteresis: a remote demand arriving inside the hold window is
	// deferred until the window expires, batching demote/promote
	// ping-pong. Reclaim/purge and locally driven transitions skip it.
	if glk.flagIsSet(glockFlagDemotePending) && !glk.flagIsSet(glockFlagReclaim) && glk.waitingCount == 0 {
		now := time.Now()
		if now.Before(glk.holdExpiry) {
			return glockActionStruct{
				actionType: actionTimer,
				delay:      glk.holdExpiry.Sub(now),
			}
		}
	}

	objectID, _ := ls.lookupObject(glk.name)
	if !glk.ops.DemoteOK(glk.name, objectID) {
		return glockActionStruct{
			actionType: actionTimer,
			delay:      ls.tunables.minHoldTime,
		}
	}

	if target != Unlocked && glk.currentState != Exclusive {
		// Only Exclusive may weaken in place (Exclusive covers both
		// Shared and Deferred). Shared and Deferred are siblings, so a
		// sideways move releases first and the next pass re-acquires.
		target = Unlocked
	}

	return ls.prepareDemoteRequestLocked(glk, target)
}

// prepareDemoteRequestLocked stages a downgrade request: the per-type sync
// op must flush dirty state before the downgrade becomes visible
// cluster-wide, and cached data is invalidated when the glock drops to
// Unlocked. Caller holds glk.Mutex.
func (ls *LockSpace) prepareDemoteRequestLocked(glk *glockStruct, target LockState) (action glockActionStruct) {
	action = glockActionStruct{
		actionType: actionRequest,
		reqState:   target,
		needSync:   glk.currentState == Exclusive,
		needInval:  target == Unlocked,
	}
	if glk.currentState == Exclusive && glk.ops.Flags()&OpsFlagLVB != 0 && !glk.flagIsSet(glockFlagLVBStale) {
		action.lvb = append([]byte(nil), glk.lvb...)
		action.reqFlags |= ReqFlagLVB
	}

	glk.setFlag(glockFlagDemoteInProgress)
	glk.setFlag(glockFlagReqInFlight)
	glk.clearFlag(glockFlagReqCanceled)
	glk.reqState = target
	glk.reqSubmitTime = time.Now()
	return
}

// issueRequest performs the ops calls and backend submission staged by
// decideActionLocked(). Must be called without glk.Mutex held.
func (ls *LockSpace) issueRequest(glk *glockStruct, action glockActionStruct) {
	if action.needSync || action.needInval {
		objectID, _ := ls.lookupObject(glk.name)

		if action.needSync {
			halter.Trigger(halter.GlockPreSync)
			sw := utils.NewStopwatch()
			err := glk.ops.Sync(glk.name, objectID)
			ls.stats.SyncUsec.Add(uint64(sw.Stop() / time.Microsecond))
			if err != nil {
				// A failed flush must not let the downgrade
				// proceed; surrendering the lock would expose
				// stale data cluster-wide.
				logger.ErrorfWithError(err, "glock %v: sync before demote failed; withdrawing lock space \"%s\"", glk.name, ls.name)
				glk.Lock()
				glk.clearFlag(glockFlagDemoteInProgress)
				glk.clearFlag(glockFlagReqInFlight)
				glk.Unlock()
				ls.withdraw(err)
				return
			}
		}
		if action.needInval {
			glk.ops.Invalidate(glk.name, objectID)
		}
	}

	halter.Trigger(halter.GlockPreRequest)

	glk.Lock()
	glk.clearFlag(glockFlagDemoteInProgress)
	glk.Unlock()

	err := ls.backend.Request(glk.name, action.reqState, action.reqFlags, action.lvb)
	if err != nil {
		// Submission failure: synthesize a completion so holder
		// errors flow through the one path.
		logger.ErrorfWithError(err, "glock %v: backend Request(%v) submission failed", glk.name, action.reqState)
		errno := blunder.Errno(err)
		if errno <= 0 {
			errno = int(unix.EIO)
		}
		glk.Lock()
		glk.completionList.PushBack(&completionEventStruct{
			grantedState: glk.currentState,
			errno:        errno,
		})
		glk.Unlock()
		ls.queueWork(glk)
	}
}

// handleCompletionLocked applies one backend completion. Caller holds
// glk.Mutex. Completions are idempotent with respect to canceled and
// abandoned requests: a grant nobody wants simply becomes cached state
// that the next decide pass demotes or reclaims.
func (ls *LockSpace) handleCompletionLocked(glk *glockStruct, event *completionEventStruct) {
	halter.Trigger(halter.GlockCompletionEntry)

	wasCanceled := glk.flagIsSet(glockFlagReqCanceled)
	if glk.flagIsSet(glockFlagReqInFlight) {
		ls.stats.AdapterRequestUsec.Add(uint64(time.Since(glk.reqSubmitTime) / time.Microsecond))
	} else {
		ls.stats.LateCompletions.Increment()
	}
	glk.clearFlag(glockFlagReqInFlight)
	glk.clearFlag(glockFlagReqCanceled)

	if event.errno != 0 {
		ls.handleCompletionErrorLocked(glk, event, wasCanceled)
		return
	}

	oldState := glk.currentState
	glk.currentState = event.grantedState
	if stateRank(event.grantedState) > stateRank(oldState) {
		ls.stats.Promotes.Increment()
	} else if stateRank(event.grantedState) < stateRank(oldState) {
		ls.stats.Demotes.Increment()
	}

	if event.lvb != nil {
		glk.lvb = append([]byte(nil), event.lvb...)
		glk.clearFlag(glockFlagLVBStale)
	}

	if event.grantedState != Unlocked {
		// Post-grant validation/instantiate hook.
		err := glk.ops.PostGrant(glk.name, event.grantedState, glk.lvb)
		if err != nil {
			glk.setFlag(glockFlagLVBStale)
			logger.WarnfWithError(err, "glock %v: post-grant validation failed; LVB marked stale", glk.name)
		}
	}

	if glk.flagIsSet(glockFlagDemotePending) && stateRank(glk.currentState) <= stateRank(glk.demoteState) {
		glk.clearFlag(glockFlagDemotePending)
	}

	// A grant weaker than requested (contention) leaves target above
	// current; the decide pass that follows re-issues automatically.
}

func (ls *LockSpace) handleCompletionErrorLocked(glk *glockStruct, event *completionEventStruct, wasCanceled bool) {
	switch event.errno {
	case int(unix.EAGAIN):
		// Surfaced only to TRY holders; anyone else is re-issued
		// automatically by the next decide pass.
		elem := glk.holderList.Front()
		for elem != nil {
			next := elem.Next()
			h := elem.Value.(*Holder)
			if !h.holderFlagIsSet(holderFlagGranted) && h.flags&FlagTry != 0 {
				glk.failHolderLocked(h, blunder.NewError(blunder.TryAgainError, "acquire of %v would block", glk.name))
				ls.stats.TryFailures.Increment()
			}
			elem = next
		}
	case int(unix.ECANCELED):
		if !wasCanceled {
			// Backend canceled something we did not ask to cancel;
			// fault the triggering holder.
			if fw := glk.firstWaiterLocked(); fw != nil {
				glk.failHolderLocked(fw, blunder.NewError(blunder.CanceledError, "acquire of %v canceled by lock manager", glk.name))
			}
		}
		// Our own cancel completing is a no-op: the holder already
		// left the queue.
	case int(unix.EDEADLK):
		ls.stats.Deadlocks.Increment()
		if fw := glk.firstWaiterLocked(); fw != nil {
			glk.failHolderLocked(fw, blunder.NewError(blunder.DeadlockError, "acquire of %v would deadlock", glk.name))
		}
	default:
		logger.Errorf("glock %v: backend completion reported errno %d", glk.name, event.errno)
		if fw := glk.firstWaiterLocked(); fw != nil {
			glk.failHolderLocked(fw, blunder.NewError(blunder.LockError(event.errno), "acquire of %v failed in lock manager (errno %d)", glk.name, event.errno))
		}
	}
}

// armHoldTimer schedules a state-machine pass when the hysteresis window
// expires. Must be called without glk.Mutex held.
func (ls *LockSpace) armHoldTimer(glk *glockStruct, delay time.Duration) {
	glk.Lock()
	if glk.holdTimer != nil || glk.freed {
		glk.Unlock()
		return
	}
	glk.holdTimer = time.AfterFunc(delay, func() {
		glk.Lock()
		glk.holdTimer = nil
		glk.Unlock()
		ls.queueWork(glk)
	})
	glk.Unlock()
}
