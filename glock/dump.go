// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package glock

// Structured introspection snapshots: JSON-ready views of a glock or a
// whole lock space, produced without behavioral side effects. Served by
// package httpserver and rendered to the log on purge timeout and
// withdrawal.

import (
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/glockmgr/blunder"
)

type HolderDump struct {
	RequestedState string
	GrantedState   string
	Flags          []string
	Granted        bool
	Faulted        bool
	OwnerGID       uint64
	QueuedAt       time.Time
	GrantedAt      time.Time `json:",omitempty"`
	AgeMS          int64
	Error          string `json:",omitempty"`
}

type GlockDump struct {
	Type         string
	Number       uint64
	CurrentState string
	TargetState  string
	DemoteState  string `json:",omitempty"`
	Flags        []string
	RefCount     int64
	ObjectID     uint64 `json:",omitempty"`
	LVB          string `json:",omitempty"`
	Holders      []HolderDump
}

type LockSpaceDump struct {
	Name       string
	Backend    string
	NodeID     string
	Withdrawn  bool
	Frozen     bool
	GlockCount int
	Glocks     []GlockDump
}

var holderFlagNames = []struct {
	flag HolderFlag
	name string
}{
	{FlagTry, "TRY"},
	{FlagTry1CB, "TRY_1CB"},
	{FlagNoExp, "NOEXP"},
	{FlagAny, "ANY"},
	{FlagNodeScope, "NODE_SCOPE"},
	{FlagAsync, "ASYNC"},
	{FlagNoCache, "NOCACHE"},
	{FlagNoBlock, "NOBLOCK"},
	{FlagExact, "EXACT"},
}

var glockFlagNames = []struct {
	flag uint32
	name string
}{
	{glockFlagReqInFlight, "REQ_IN_FLIGHT"},
	{glockFlagReqCanceled, "REQ_CANCELED"},
	{glockFlagDemotePending, "DEMOTE_PENDING"},
	{glockFlagDemoteInProgress, "DEMOTE_IN_PROGRESS"},
	{glockFlagNoCache, "NOCACHE"},
	{glockFlagFaulted, "FAULTED"},
	{glockFlagWorkQueued, "WORK_QUEUED"},
	{glockFlagReclaim, "RECLAIM"},
	{glockFlagLVBStale, "LVB_STALE"},
}

func holderFlagStrings(flags HolderFlag) (names []string) {
	names = make([]string, 0)
	for _, entry := range holderFlagNames {
		if flags&entry.flag != 0 {
			names = append(names, entry.name)
		}
	}
	return
}

func glockFlagStrings(flags uint32) (names []string) {
	names = make([]string, 0)
	for _, entry := range glockFlagNames {
		if flags&entry.flag != 0 {
			names = append(names, entry.name)
		}
	}
	return
}

// dumpGlockLocked snapshots one glock. Caller holds glk.Mutex.
func (ls *LockSpace) dumpGlockLocked(glk *glockStruct) (dump GlockDump) {
	now := time.Now()

	dump = GlockDump{
		Type:         glk.name.Type.String(),
		Number:       glk.name.Number,
		CurrentState: glk.currentState.String(),
		TargetState:  glk.targetState.String(),
		Flags:        glockFlagStrings(glk.flags),
		RefCount:     atomic.LoadInt64(&glk.refCount),
		Holders:      make([]HolderDump, 0, glk.grantedCount+glk.waitingCount),
	}
	if glk.flagIsSet(glockFlagDemotePending) {
		dump.DemoteState = glk.demoteState.String()
	}
	if objectID, ok := ls.lookupObject(glk.name); ok {
		dump.ObjectID = objectID
	}
	if len(glk.lvb) > 0 {
		dump.LVB = hex.EncodeToString(glk.lvb)
	}

	for elem := glk.holderList.Front(); elem != nil; elem = elem.Next() {
		h := elem.Value.(*Holder)
		hd := HolderDump{
			RequestedState: h.requestedState.String(),
			GrantedState:   h.granted.String(),
			Flags:          holderFlagStrings(h.flags),
			Granted:        h.holderFlagIsSet(holderFlagGranted),
			Faulted:        h.holderFlagIsSet(holderFlagFaulted),
			OwnerGID:       h.ownerGID,
			QueuedAt:       h.queuedAt,
			AgeMS:          int64(now.Sub(h.queuedAt) / time.Millisecond),
		}
		if hd.Granted {
			hd.GrantedAt = h.grantedAt
		}
		if h.err != nil {
			hd.Error = h.err.Error()
		}
		dump.Holders = append(dump.Holders, hd)
	}
	return
}

// DumpGlock returns a structured snapshot of the named glock.
func (ls *LockSpace) DumpGlock(name GlockName) (dump GlockDump, err error) {
	glk, ok := ls.lookupGlockAndRef(name)
	if !ok {
		err = blunder.NewError(blunder.NotFoundError, "glock %v not present in lock space \"%s\"", name, ls.name)
		return
	}
	glk.Lock()
	dump = ls.dumpGlockLocked(glk)
	glk.Unlock()
	ls.putGlock(glk)
	return
}

// DumpLockSpace returns a structured snapshot of every live glock, in
// (type, number) order.
func (ls *LockSpace) DumpLockSpace() (dump LockSpaceDump) {
	dump = LockSpaceDump{
		Name:    ls.name,
		Backend: ls.backendName,
		NodeID:  ls.nodeID,
		Glocks:  make([]GlockDump, 0),
	}

	ls.stateMutex.Lock()
	dump.Withdrawn = ls.withdrawn
	dump.Frozen = ls.frozen
	ls.stateMutex.Unlock()

	for _, glk := range ls.orderedGlocks(GlockType(0), true) {
		glk.Lock()
		if !glk.freed {
			dump.Glocks = append(dump.Glocks, ls.dumpGlockLocked(glk))
		}
		glk.Unlock()
	}
	dump.GlockCount = len(dump.Glocks)
	return
}

// orderedGlocks collects live glocks of the given type (or all) in name
// order via the LLRB name index.
func (ls *LockSpace) orderedGlocks(glockType GlockType, all bool) (glks []*glockStruct) {
	glks = make([]*glockStruct, 0)

	ls.nameIndexMutex.Lock()
	defer ls.nameIndexMutex.Unlock()

	index := 0
	if !all {
		// Seek to the first name of the requested type.
		i, _, err := ls.nameIndex.BisectRight(GlockName{Type: glockType, Number: 0})
		if err != nil {
			return
		}
		index = i
	}
	for {
		key, value, ok, err := ls.nameIndex.GetByIndex(index)
		if err != nil || !ok {
			return
		}
		name := key.(GlockName)
		if !all && name.Type != glockType {
			return
		}
		glks = append(glks, value.(*glockStruct))
		index++
	}
}
