// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package glock

import (
	"container/list"
	"sync/atomic"
	"time"

	"github.com/creachadair/cityhash"
	"github.com/google/btree"

	"github.com/NVIDIA/glockmgr/logger"
	"github.com/NVIDIA/glockmgr/utils"
)

// shardForName selects the registry shard for a name by hashing its packed
// (type, number) form.
func (ls *LockSpace) shardForName(name GlockName) *glockShardStruct {
	packed := make([]byte, 0, 10)
	packed = append(packed, utils.Uint16ToByteSlice(uint16(name.Type))...)
	packed = append(packed, utils.Uint64ToByteSlice(name.Number)...)
	index := cityhash.Hash64(packed) % uint64(len(ls.shards))
	return &ls.shards[index]
}

// getGlock returns the glock for name, creating it in Unlocked state on a
// miss, and takes a reference. Exactly one creation wins under concurrent
// callers for the same name; losers get the winner's instance.
func (ls *LockSpace) getGlock(name GlockName, ops GlockOps) (glk *glockStruct) {
	ls.stats.GlockLookups.Increment()

	shard := ls.shardForName(name)

	shard.Lock()
	glk, ok := shard.glockMap[name]
	if ok {
		atomic.AddInt64(&glk.refCount, 1)
		shard.Unlock()
		ls.stats.GlockHits.Increment()
		return
	}

	glk = &glockStruct{
		ls:             ls,
		name:           name,
		ops:            ops,
		refCount:       1,
		currentState:   Unlocked,
		targetState:    Unlocked,
		holderList:     list.New(),
		completionList: list.New(),
	}
	shard.glockMap[name] = glk
	shard.Unlock()

	ls.stats.GlockCreates.Increment()

	ls.nameIndexMutex.Lock()
	_, err := ls.nameIndex.Put(name, glk)
	ls.nameIndexMutex.Unlock()
	if err != nil {
		logger.PanicfWithError(err, "glock %v: nameIndex.Put() failed", name)
	}

	return
}

// lookupGlockAndRef returns the live glock for name, if any, with a
// reference taken. Used by backend callbacks; never creates.
func (ls *LockSpace) lookupGlockAndRef(name GlockName) (glk *glockStruct, ok bool) {
	shard := ls.shardForName(name)
	shard.Lock()
	glk, ok = shard.glockMap[name]
	if ok {
		atomic.AddInt64(&glk.refCount, 1)
	}
	shard.Unlock()
	return
}

// idleItemStruct orders refcount-zero glocks oldest-first for the reaper.
type idleItemStruct struct {
	idleSince time.Time
	seq       uint64
	glk       *glockStruct
}

func (item *idleItemStruct) Less(than btree.Item) bool {
	other := than.(*idleItemStruct)
	if item.idleSince.Equal(other.idleSince) {
		return item.seq < other.seq
	}
	return item.idleSince.Before(other.idleSince)
}

// putGlock drops a reference. At zero the glock goes on the idle LRU; the
// reaper reclaims it later unless a re-lookup revives it first.
func (ls *LockSpace) putGlock(glk *glockStruct) {
	shard := ls.shardForName(glk.name)

	shard.Lock()
	newCount := atomic.AddInt64(&glk.refCount, -1)
	if newCount < 0 {
		shard.Unlock()
		logger.Fatalf("glock %v: reference count went negative", glk.name)
		return
	}
	if newCount > 0 || glk.freed {
		shard.Unlock()
		return
	}

	ls.idleMutex.Lock()
	ls.idleSeq++
	item := &idleItemStruct{
		idleSince: time.Now(),
		seq:       ls.idleSeq,
		glk:       glk,
	}
	glk.idleSeq = item.seq
	ls.idleTree.ReplaceOrInsert(item)
	ls.idleMutex.Unlock()

	shard.Unlock()
}

func (ls *LockSpace) glockCount() (count int) {
	for i := range ls.shards {
		shard := &ls.shards[i]
		shard.Lock()
		count += len(shard.glockMap)
		shard.Unlock()
	}
	return
}

// freeGlock removes a verified-idle glock from the registry and tells the
// backend to forget it. Returns false if the glock was revived (or freed)
// since the caller last looked.
func (ls *LockSpace) freeGlock(glk *glockStruct) (freed bool) {
	var lvb []byte

	shard := ls.shardForName(glk.name)

	shard.Lock()
	if atomic.LoadInt64(&glk.refCount) != 0 || glk.freed {
		shard.Unlock()
		return false
	}
	glk.Lock()
	if glk.grantedCount != 0 || glk.waitingCount != 0 ||
		glk.currentState != Unlocked || glk.flagIsSet(glockFlagReqInFlight) {
		glk.Unlock()
		shard.Unlock()
		return false
	}
	glk.freed = true
	lvb = glk.lvb
	glk.Unlock()
	delete(shard.glockMap, glk.name)
	shard.Unlock()

	ls.nameIndexMutex.Lock()
	_, err := ls.nameIndex.DeleteByKey(glk.name)
	ls.nameIndexMutex.Unlock()
	if err != nil {
		logger.PanicfWithError(err, "glock %v: nameIndex.DeleteByKey() failed", glk.name)
	}

	ls.detachObject(glk.name)

	err = ls.backend.Put(glk.name, lvb)
	if err != nil {
		logger.WarnfWithError(err, "glock %v: backend Put() failed", glk.name)
	}

	ls.stats.GlockReclaims.Increment()
	return true
}

// queueWork schedules glk for a state-machine pass. Callers must not hold
// glk.Mutex. Duplicate scheduling is coalesced via glockFlagWorkQueued.
func (ls *LockSpace) queueWork(glk *glockStruct) {
	glk.Lock()
	if glk.flagIsSet(glockFlagWorkQueued) || glk.freed {
		glk.Unlock()
		return
	}
	glk.setFlag(glockFlagWorkQueued)
	glk.Unlock()

	select {
	case ls.workChan <- glk:
	default:
		// Channel full; hand off without blocking the caller (which
		// may be a backend callback path that must not stall).
		go func() {
			select {
			case ls.workChan <- glk:
			case <-ls.stopChan:
			}
		}()
	}
}

func (ls *LockSpace) glockWorker() {
	defer ls.workersWG.Done()

	for {
		select {
		case glk := <-ls.workChan:
			ls.runGlock(glk)
		case <-ls.stopChan:
			// Drain whatever is already queued, then exit.
			for {
				select {
				case glk := <-ls.workChan:
					ls.runGlock(glk)
				default:
					return
				}
			}
		}
	}
}

// glockReaper periodically reclaims glocks that have sat on the idle LRU
// longer than IdleGlockHoldTime: cached state is demoted to Unlocked via
// the state machine, then the entry is freed.
func (ls *LockSpace) glockReaper() {
	defer ls.workersWG.Done()

	ticker := time.NewTicker(ls.tunables.reaperPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ls.reapIdleGlocks(ls.tunables.idleGlockHoldTime)
		case <-ls.stopChan:
			return
		}
	}
}

// reapIdleGlocks reclaims idle-LRU entries older than maxAge, oldest
// first. Entries whose glock was revived since enqueue are discarded.
func (ls *LockSpace) reapIdleGlocks(maxAge time.Duration) {
	var expired []*idleItemStruct

	cutoff := time.Now().Add(-maxAge)

	ls.idleMutex.Lock()
	ls.idleTree.Ascend(func(i btree.Item) bool {
		item := i.(*idleItemStruct)
		if item.idleSince.After(cutoff) {
			return false
		}
		expired = append(expired, item)
		return true
	})
	for _, item := range expired {
		ls.idleTree.Delete(item)
	}
	ls.idleMutex.Unlock()

	for _, item := range expired {
		glk := item.glk

		glk.Lock()
		if glk.freed || glk.idleSeq != item.seq || atomic.LoadInt64(&glk.refCount) != 0 ||
			glk.grantedCount != 0 || glk.waitingCount != 0 {
			// Revived since it went idle; the next refcount-zero
			// transition re-enqueues it.
			glk.Unlock()
			continue
		}
		if glk.currentState == Unlocked && !glk.flagIsSet(glockFlagReqInFlight) {
			glk.Unlock()
			ls.freeGlock(glk)
			continue
		}
		// Cached state must be dropped first; the state machine will
		// free the glock once Unlocked.
		glk.setFlag(glockFlagReclaim)
		glk.Unlock()
		ls.queueWork(glk)
	}
}
