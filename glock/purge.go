// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package glock

import (
	"sync/atomic"
	"time"

	"github.com/NVIDIA/glockmgr/blunder"
	"github.com/NVIDIA/glockmgr/logger"
	"github.com/NVIDIA/glockmgr/utils"
)

// purgeGlocks drains every glock of the given type (or all types). Idle
// glocks are demoted and freed immediately (hysteresis is skipped);
// glocks with holders or live references are polled up to PurgeTimeout,
// then dumped to the log and reported via BusyError. Never silently
// ignores a stuck glock.
func (ls *LockSpace) purgeGlocks(glockType GlockType, all bool) (err error) {
	deadline := time.Now().Add(ls.tunables.purgeTimeout)

	for {
		busy := ls.purgePass(glockType, all)
		if busy == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(ls.tunables.purgePollInterval)
	}

	// Timed out: dump what is stuck.
	stuck := ls.orderedGlocks(glockType, all)
	stuckCount := 0
	for _, glk := range stuck {
		glk.Lock()
		if glk.freed {
			glk.Unlock()
			continue
		}
		dump := ls.dumpGlockLocked(glk)
		glk.Unlock()
		stuckCount++
		logger.Errorf("glock: purge of lock space \"%s\" stuck on glock: %s", ls.name, utils.JSONify(dump, false))
	}
	if stuckCount == 0 {
		// Everything drained between the last pass and the dump scan.
		return nil
	}
	err = blunder.NewError(blunder.BusyError, "purge of lock space \"%s\" timed out with %d glock(s) still busy", ls.name, stuckCount)
	return
}

// purgePass reclaims what it can and returns how many glocks of interest
// remain.
func (ls *LockSpace) purgePass(glockType GlockType, all bool) (busy int) {
	for _, glk := range ls.orderedGlocks(glockType, all) {
		glk.Lock()
		if glk.freed {
			glk.Unlock()
			continue
		}
		if glk.grantedCount != 0 || glk.waitingCount != 0 || atomic.LoadInt64(&glk.refCount) != 0 {
			glk.Unlock()
			busy++
			continue
		}
		if glk.flagIsSet(glockFlagFaulted) {
			// Withdrawn: the cached state is unrecoverable and the
			// backend is not coming back; discard rather than demote.
			glk.currentState = Unlocked
			glk.clearFlag(glockFlagReqInFlight)
		}
		if glk.currentState == Unlocked && !glk.flagIsSet(glockFlagReqInFlight) {
			glk.Unlock()
			if !ls.freeGlock(glk) {
				busy++
			}
			continue
		}
		// Cached state to drop first; reclaim bypasses hysteresis.
		glk.setFlag(glockFlagReclaim)
		glk.Unlock()
		ls.queueWork(glk)
		busy++
	}
	return
}
