// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package glock

import (
	"time"

	"github.com/NVIDIA/glockmgr/blunder"
	"github.com/NVIDIA/glockmgr/logger"
)

// statesShareable reports whether two granted states may coexist on the
// same glock. anyBoth is true when both holders carried FlagAny; that is
// the only case Shared and Deferred coexist.
func statesShareable(state1 LockState, state2 LockState, anyBoth bool) bool {
	if state1 == Unlocked || state2 == Unlocked {
		return true
	}
	if state1 == Exclusive || state2 == Exclusive {
		return false
	}
	if state1 == state2 {
		return true
	}
	// One Shared, one Deferred
	return anyBoth
}

// grantedStateFor returns the state the holder would be granted in given
// the glock's cached state, or Unlocked if the cached state cannot satisfy
// the request without a backend round trip.
//
// A cached Exclusive satisfies weaker requests (state inheritance) unless
// the holder demanded FlagExact. FlagAny lets a Shared or Deferred request
// ride whichever of the two is cached.
func grantedStateFor(currentState LockState, h *Holder) LockState {
	if h.requestedState == currentState {
		return currentState
	}
	if h.flags&FlagExact != 0 {
		return Unlocked
	}
	if h.flags&FlagAny != 0 &&
		(h.requestedState == Shared || h.requestedState == Deferred) &&
		(currentState == Shared || currentState == Deferred) {
		return currentState
	}
	if currentState == Exclusive &&
		(h.requestedState == Shared || h.requestedState == Deferred) {
		return h.requestedState
	}
	return Unlocked
}

// holdersCompatible reports whether holder h may be granted grantAs
// alongside already-granted holder g.
func holdersCompatible(g *Holder, h *Holder, grantAs LockState) bool {
	if g.granted == Exclusive || grantAs == Exclusive {
		// Exclusive shares only with Exclusive when both are
		// node-scoped.
		return g.granted == Exclusive && grantAs == Exclusive &&
			g.flags&FlagNodeScope != 0 && h.flags&FlagNodeScope != 0
	}
	anyBoth := g.flags&FlagAny != 0 && h.flags&FlagAny != 0
	return statesShareable(g.granted, grantAs, anyBoth)
}

// mayGrantLocked determines whether waiting holder h can be granted right
// now from the cached state and the granted holder set, and in which
// state. Caller holds glk.Mutex. Ordering among waiters is the scan
// order's business, not this func's.
func (glk *glockStruct) mayGrantLocked(h *Holder) (grantAs LockState, ok bool) {
	grantAs = grantedStateFor(glk.currentState, h)
	if grantAs == Unlocked {
		return Unlocked, false
	}
	for elem := glk.holderList.Front(); elem != nil; elem = elem.Next() {
		g := elem.Value.(*Holder)
		if !g.holderFlagIsSet(holderFlagGranted) {
			continue
		}
		if !holdersCompatible(g, h, grantAs) {
			return Unlocked, false
		}
	}
	return grantAs, true
}

// insertHolderLocked places h on the holder list. Exclusive requests
// queue-jump ahead of waiting Shared/Deferred holders but never ahead of
// granted holders or previously queued Exclusives. Caller holds glk.Mutex.
//
// Returns whether the insert was a queue jump (for stats).
func (glk *glockStruct) insertHolderLocked(h *Holder) (jumped bool) {
	if h.requestedState == Exclusive {
		for elem := glk.holderList.Front(); elem != nil; elem = elem.Next() {
			other := elem.Value.(*Holder)
			if other.holderFlagIsSet(holderFlagGranted) {
				continue
			}
			if other.requestedState == Exclusive {
				continue
			}
			h.elem = glk.holderList.InsertBefore(h, elem)
			glk.waitingCount++
			return true
		}
	}
	h.elem = glk.holderList.PushBack(h)
	glk.waitingCount++
	return false
}

// removeHolderLocked takes h off the holder list. Caller holds glk.Mutex.
func (glk *glockStruct) removeHolderLocked(h *Holder) {
	if h.holderFlagIsSet(holderFlagDequeued) {
		return
	}
	glk.holderList.Remove(h.elem)
	h.elem = nil
	h.setHolderFlag(holderFlagDequeued)
	if h.holderFlagIsSet(holderFlagGranted) {
		glk.grantedCount--
	} else {
		glk.waitingCount--
	}
}

// grantHolderLocked marks waiting holder h granted in state grantAs and
// wakes its waiter. Caller holds glk.Mutex.
func (glk *glockStruct) grantHolderLocked(h *Holder, grantAs LockState) {
	h.granted = grantAs
	h.grantedAt = time.Now()
	h.setHolderFlag(holderFlagGranted)
	glk.waitingCount--
	glk.grantedCount++
	if h.flags&FlagNoCache != 0 {
		glk.setFlag(glockFlagNoCache)
	}

	glk.ls.stats.HolderWaitUsec.Add(uint64(h.grantedAt.Sub(h.queuedAt) / time.Microsecond))
	switch grantAs {
	case Shared:
		glk.ls.stats.SharedGrants.Increment()
	case Deferred:
		glk.ls.stats.DeferredGrants.Increment()
	case Exclusive:
		glk.ls.stats.ExclusiveGrants.Increment()
	}

	// Each grant (re)opens the hysteresis window, bounded by MaxHoldTime
	// from the start of the current churn window.
	now := h.grantedAt
	if glk.holdWindowStart.IsZero() || now.After(glk.holdWindowStart.Add(glk.ls.tunables.maxHoldTime)) {
		glk.holdWindowStart = now
	}
	expiry := now.Add(glk.ls.tunables.minHoldTime)
	windowMax := glk.holdWindowStart.Add(glk.ls.tunables.maxHoldTime)
	if expiry.After(windowMax) {
		expiry = windowMax
	}
	glk.holdExpiry = expiry

	h.markDoneLocked()
}

// failHolderLocked dequeues waiting holder h with the given error and
// wakes its waiter. Caller holds glk.Mutex.
func (glk *glockStruct) failHolderLocked(h *Holder, err error) {
	h.err = err
	glk.removeHolderLocked(h)
	h.markDoneLocked()
}

func (h *Holder) markDoneLocked() {
	if !h.holderFlagIsSet(holderFlagDone) {
		h.setHolderFlag(holderFlagDone)
		close(h.doneChan)
	}
}

// promoteWaitersLocked scans the holder list front to back, granting every
// waiting holder that is compatible until the first that is not. Stopping
// at the first blocked waiter (rather than skipping it) is what keeps a
// queued Exclusive from being starved by later-arriving Shared requests.
// Caller holds glk.Mutex.
func (glk *glockStruct) promoteWaitersLocked() (grantedAny bool) {
	for elem := glk.holderList.Front(); elem != nil; elem = elem.Next() {
		h := elem.Value.(*Holder)
		if h.holderFlagIsSet(holderFlagGranted) {
			continue
		}
		grantAs, ok := glk.mayGrantLocked(h)
		if !ok {
			break
		}
		glk.grantHolderLocked(h, grantAs)
		grantedAny = true
	}
	return
}

// computeTargetLocked derives the state the glock should be driven toward:
// the strongest state any granted or first-waiting holder needs, or the
// demote/reclaim target when no holder needs anything. Caller holds
// glk.Mutex.
func (glk *glockStruct) computeTargetLocked() (target LockState) {
	target = Unlocked
	needed := false

	for elem := glk.holderList.Front(); elem != nil; elem = elem.Next() {
		h := elem.Value.(*Holder)
		if h.holderFlagIsSet(holderFlagGranted) {
			if stateRank(h.granted) > stateRank(target) {
				target = h.granted
			}
			needed = true
			continue
		}
		// First waiting holder drives the next transition; later
		// waiters are re-evaluated once it is granted.
		if stateRank(h.requestedState) > stateRank(target) {
			target = h.requestedState
		}
		needed = true
		break
	}

	if needed {
		return
	}

	// No holder needs anything: honor a pending demote demand,
	// reclamation, or NOCACHE; otherwise stay cached as-is.
	if glk.flagIsSet(glockFlagReclaim) || glk.flagIsSet(glockFlagNoCache) {
		return Unlocked
	}
	if glk.flagIsSet(glockFlagDemotePending) {
		return glk.demoteState
	}
	return glk.currentState
}

// firstWaiterLocked returns the frontmost waiting holder, or nil. Caller
// holds glk.Mutex.
func (glk *glockStruct) firstWaiterLocked() (h *Holder) {
	for elem := glk.holderList.Front(); elem != nil; elem = elem.Next() {
		candidate := elem.Value.(*Holder)
		if !candidate.holderFlagIsSet(holderFlagGranted) {
			return candidate
		}
	}
	return nil
}

// blockedByLocalHoldersLocked reports whether waiting holder h is blocked
// by granted holders or by an earlier waiter (as opposed to merely needing
// a backend round trip on an otherwise idle glock). Drives TRY fast-fail.
// Caller holds glk.Mutex.
func (glk *glockStruct) blockedByLocalHoldersLocked(h *Holder) bool {
	if glk.grantedCount > 0 {
		return true
	}
	return glk.firstWaiterLocked() != h
}

func (h *Holder) getErr() (err error) {
	h.glk.Lock()
	err = h.err
	h.glk.Unlock()
	return
}

func (h *Holder) grantedState() (grantedState LockState) {
	h.glk.Lock()
	grantedState = h.granted
	h.glk.Unlock()
	return
}

func (h *Holder) wait() (err error) {
	<-h.doneChan
	err = h.getErr()
	if err != nil {
		// Failed holders were already dequeued; drop the glock
		// reference on behalf of the caller.
		h.dropRef()
	}
	return
}

// waitTimed waits for the holder to be granted or failed, dequeuing it
// with TimedOutError if the timeout expires first. A zero timeout waits
// forever.
func (h *Holder) waitTimed(timeout time.Duration) (err error) {
	if timeout == 0 {
		return h.wait()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-h.doneChan:
		return h.wait()
	case <-timer.C:
	}

	glk := h.glk
	glk.Lock()
	if h.holderFlagIsSet(holderFlagDone) {
		// Granted (or failed) while the timer was firing; the grant
		// wins the race.
		glk.Unlock()
		return h.wait()
	}
	cancelBackend := glk.dequeueWaiterLocked(h)
	err = blunder.NewError(blunder.TimedOutError, "acquire of %v timed out after %v", glk.name, timeout)
	h.err = err
	h.markDoneLocked()
	glk.Unlock()

	if cancelBackend {
		glk.cancelRequest()
	}
	glk.ls.stats.TimedOutAcquires.Increment()
	h.dropRef()
	return
}

// dequeueWaiterLocked removes a waiting holder and reports whether the
// in-flight backend request (if any) should be canceled because nobody is
// left waiting on it. Caller holds glk.Mutex.
func (glk *glockStruct) dequeueWaiterLocked(h *Holder) (cancelBackend bool) {
	glk.removeHolderLocked(h)
	if glk.flagIsSet(glockFlagReqInFlight) && !glk.flagIsSet(glockFlagReqCanceled) && glk.waitingCount == 0 {
		glk.setFlag(glockFlagReqCanceled)
		cancelBackend = true
	}
	return
}

// cancelRequest issues a best-effort backend cancel. Must be called
// without glk.Mutex held.
func (glk *glockStruct) cancelRequest() {
	err := glk.ls.backend.Cancel(glk.name)
	if err != nil {
		logger.WarnfWithError(err, "glock %v: backend Cancel() failed", glk.name)
	}
	glk.ls.stats.CanceledRequests.Increment()
}

func (h *Holder) getLVB() (lvb []byte) {
	h.glk.Lock()
	if len(h.glk.lvb) > 0 {
		lvb = append([]byte(nil), h.glk.lvb...)
	}
	h.glk.Unlock()
	return
}

func (h *Holder) setLVB(lvb []byte) (err error) {
	glk := h.glk
	glk.Lock()
	defer glk.Unlock()

	if !h.holderFlagIsSet(holderFlagGranted) || h.granted != Exclusive {
		return blunder.NewError(blunder.NotHeldError, "SetLVB() requires an Exclusive grant on %v", glk.name)
	}
	if glk.ops.Flags()&OpsFlagLVB == 0 {
		return blunder.NewError(blunder.InvalidArgError, "glock type %v does not carry an LVB", glk.name.Type)
	}
	if len(lvb) > LVBSize {
		return blunder.NewError(blunder.InvalidArgError, "LVB exceeds %d bytes", LVBSize)
	}
	glk.lvb = append([]byte(nil), lvb...)
	glk.clearFlag(glockFlagLVBStale)
	return nil
}

func (h *Holder) dropRef() {
	h.glk.Lock()
	dropped := h.holderFlagIsSet(holderFlagRefDropped)
	if !dropped {
		h.setHolderFlag(holderFlagRefDropped)
	}
	h.glk.Unlock()
	if !dropped {
		h.glk.ls.putGlock(h.glk)
	}
}

func (h *Holder) release() (err error) {
	if h == nil {
		return blunder.NewError(blunder.InvalidArgError, "Release() called with nil holder")
	}

	glk := h.glk
	cancelBackend := false

	glk.Lock()
	if h.holderFlagIsSet(holderFlagDequeued) {
		// Already failed/timed out and dequeued; release is a no-op
		// beyond dropping the reference.
		glk.Unlock()
		h.dropRef()
		return nil
	}

	if !h.holderFlagIsSet(holderFlagGranted) {
		// Canceling a still-waiting (async) holder.
		cancelBackend = glk.dequeueWaiterLocked(h)
		h.err = blunder.NewError(blunder.CanceledError, "acquire of %v canceled by caller", glk.name)
		h.markDoneLocked()
	} else {
		glk.removeHolderLocked(h)
		glk.ls.stats.Releases.Increment()
	}

	needWork := glk.waitingCount > 0 ||
		(glk.grantedCount == 0 &&
			(glk.flagIsSet(glockFlagDemotePending) || glk.flagIsSet(glockFlagNoCache) || glk.flagIsSet(glockFlagReclaim)))
	glk.Unlock()

	if cancelBackend {
		glk.cancelRequest()
	}
	if needWork {
		glk.ls.queueWork(glk)
	}
	h.dropRef()
	return nil
}
