// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package glock

import (
	"fmt"
	"sync"
	"time"

	"github.com/NVIDIA/sortedmap"
	"github.com/google/btree"

	"github.com/NVIDIA/glockmgr/blunder"
	"github.com/NVIDIA/glockmgr/bucketstats"
	"github.com/NVIDIA/glockmgr/conf"
	"github.com/NVIDIA/glockmgr/halter"
	"github.com/NVIDIA/glockmgr/logger"
	"github.com/NVIDIA/glockmgr/trackedlock"
	"github.com/NVIDIA/glockmgr/utils"
)

// LockSpace is one mounted lock space: a registry of glocks served by one
// lock-manager backend. Obtained from MountLockSpace().
type LockSpace struct {
	name        string
	backendName string
	nodeID      string
	tunables    tunablesStruct
	backend     BackendLockSpace

	shards []glockShardStruct

	// Ordered (type, number) index over all live glocks; used for
	// ordered dumps and typed purge scans. Its mutex is never held
	// while a shard or glock lock is held.
	nameIndexMutex trackedlock.Mutex
	nameIndex      sortedmap.LLRBTree

	// Idle-LRU of refcount-zero glocks, oldest first, consumed by the
	// reaper.
	idleMutex trackedlock.Mutex
	idleTree  *btree.BTree
	idleSeq   uint64

	workChan  chan *glockStruct
	stopChan  chan struct{}
	workersWG sync.WaitGroup

	// Glock-to-object relation (arena-style: name to caller-owned id).
	objectMutex trackedlock.Mutex
	objectMap   map[GlockName]uint64

	// Guards the terminal/frozen state below. Never held while a shard
	// or glock lock is held.
	stateMutex      trackedlock.Mutex
	unmounted       bool
	withdrawn       bool
	withdrawnErr    error
	frozen          bool
	thawChan        chan struct{}
	recoveryHandler func(jid uint64, status RecoveryStatus)

	stats statsStruct
}

type glockShardStruct struct {
	trackedlock.Mutex
	glockMap map[GlockName]*glockStruct
}

// backendCallbacksStruct is the BackendCallbacks implementation handed to
// the backend at mount time.
type backendCallbacksStruct struct {
	ls *LockSpace
}

func mountLockSpace(lockSpaceName string, backendName string, nodeID string, confMap conf.ConfMap) (ls *LockSpace, err error) {
	globals.Lock()
	_, ok := globals.lockSpaceMap[lockSpaceName]
	if ok {
		globals.Unlock()
		err = blunder.NewError(blunder.InvalidArgError, "lock space \"%s\" already mounted", lockSpaceName)
		return
	}
	backend, ok := globals.backendMap[backendName]
	if !ok {
		globals.Unlock()
		err = blunder.NewError(blunder.NotFoundError, "unknown lock-manager backend \"%s\"", backendName)
		return
	}
	tunables := globals.tunables
	globals.Unlock()

	if confMap != nil {
		tunables, err = parseTunables(confMap)
		if err != nil {
			err = blunder.AddError(err, blunder.InvalidArgError)
			return
		}
	}

	ls = &LockSpace{
		name:        lockSpaceName,
		backendName: backendName,
		nodeID:      nodeID,
		tunables:    tunables,
		shards:      make([]glockShardStruct, tunables.shardCount),
		idleTree:    btree.New(2),
		workChan:    make(chan *glockStruct, 1024),
		stopChan:    make(chan struct{}),
		objectMap:   make(map[GlockName]uint64),
		thawChan:    nil,
	}
	for i := range ls.shards {
		ls.shards[i].glockMap = make(map[GlockName]*glockStruct)
	}
	ls.nameIndex = sortedmap.NewLLRBTree(compareGlockName, &nameIndexCallbacksStruct{})

	ls.backend, err = backend.MountLockSpace(lockSpaceName, nodeID, confMap, &backendCallbacksStruct{ls: ls})
	if err != nil {
		logger.ErrorfWithError(err, "glock: mount of lock space \"%s\" via backend \"%s\" failed", lockSpaceName, backendName)
		return nil, err
	}

	bucketstats.Register("glock", lockSpaceName, &ls.stats)

	for i := uint64(0); i < tunables.workerCount; i++ {
		ls.workersWG.Add(1)
		go ls.glockWorker()
	}
	ls.workersWG.Add(1)
	go ls.glockReaper()

	globals.Lock()
	globals.lockSpaceMap[lockSpaceName] = ls
	globals.Unlock()

	logger.Infof("glock: mounted lock space \"%s\" (backend \"%s\", node \"%s\")", lockSpaceName, backendName, nodeID)
	return
}

func lookupLockSpace(lockSpaceName string) (ls *LockSpace, err error) {
	globals.Lock()
	ls, ok := globals.lockSpaceMap[lockSpaceName]
	globals.Unlock()
	if !ok {
		err = blunder.NewError(blunder.NotFoundError, "lock space \"%s\" is not mounted", lockSpaceName)
	}
	return
}

func listLockSpaces() (lockSpaceNames []string) {
	globals.Lock()
	lockSpaceNames = make([]string, 0, len(globals.lockSpaceMap))
	for lockSpaceName := range globals.lockSpaceMap {
		lockSpaceNames = append(lockSpaceNames, lockSpaceName)
	}
	globals.Unlock()
	return
}

func (ls *LockSpace) unmountLockSpace() (err error) {
	ls.stateMutex.Lock()
	if ls.unmounted {
		ls.stateMutex.Unlock()
		return blunder.NewError(blunder.NotMountedError, "lock space \"%s\" already unmounted", ls.name)
	}
	ls.stateMutex.Unlock()

	err = ls.purgeGlocks(GlockType(0), true)
	if err != nil {
		return
	}

	ls.stateMutex.Lock()
	ls.unmounted = true
	ls.stateMutex.Unlock()

	close(ls.stopChan)
	ls.workersWG.Wait()

	err = ls.backend.Unmount()
	if err != nil {
		logger.ErrorfWithError(err, "glock: backend unmount of lock space \"%s\" failed", ls.name)
	}

	bucketstats.UnRegister("glock", ls.name)

	globals.Lock()
	delete(globals.lockSpaceMap, ls.name)
	delete(globals.servedLockSpaceMap, ls.name)
	globals.Unlock()

	logger.Infof("glock: unmounted lock space \"%s\"", ls.name)
	return
}

// checkUsable reports the terminal-state errors every new acquisition must
// respect.
func (ls *LockSpace) checkUsable() (err error) {
	ls.stateMutex.Lock()
	defer ls.stateMutex.Unlock()
	if ls.unmounted {
		return blunder.NewError(blunder.NotMountedError, "lock space \"%s\" is unmounted", ls.name)
	}
	if ls.withdrawn {
		return blunder.NewError(blunder.WithdrawError, "lock space \"%s\" has been withdrawn: %v", ls.name, ls.withdrawnErr)
	}
	return nil
}

// waitRecoveryGate blocks non-NOEXP acquisitions while the lock space is
// frozen for journal recovery.
func (ls *LockSpace) waitRecoveryGate(flags HolderFlag, timeout time.Duration) (err error) {
	if flags&FlagNoExp != 0 {
		return nil
	}

	var timeoutChan <-chan time.Time
	if timeout != 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutChan = timer.C
	}

	for {
		ls.stateMutex.Lock()
		if !ls.frozen {
			ls.stateMutex.Unlock()
			return nil
		}
		thawChan := ls.thawChan
		ls.stateMutex.Unlock()

		if flags&(FlagTry|FlagNoBlock) != 0 {
			return blunder.NewError(blunder.RecoveryPendingError, "lock space \"%s\" frozen for recovery", ls.name)
		}

		select {
		case <-thawChan:
		case <-timeoutChan:
			return blunder.NewError(blunder.TimedOutError, "acquire timed out waiting for recovery of lock space \"%s\"", ls.name)
		}
	}
}

func validateAcquireArgs(requestedState LockState, flags HolderFlag) (err error) {
	switch requestedState {
	case Shared, Deferred, Exclusive:
	default:
		return blunder.NewError(blunder.InvalidArgError, "invalid requested state %v", requestedState)
	}
	if flags&FlagAny != 0 {
		if requestedState == Exclusive {
			return blunder.NewError(blunder.InvalidArgError, "FlagAny is only valid with Shared or Deferred")
		}
		if flags&FlagExact != 0 {
			return blunder.NewError(blunder.InvalidArgError, "FlagAny and FlagExact are mutually exclusive")
		}
	}
	if flags&FlagNodeScope != 0 && requestedState != Exclusive {
		return blunder.NewError(blunder.InvalidArgError, "FlagNodeScope is only valid with Exclusive")
	}
	if flags&FlagTry1CB != 0 && flags&FlagTry == 0 {
		return blunder.NewError(blunder.InvalidArgError, "FlagTry1CB requires FlagTry")
	}
	return nil
}

func (ls *LockSpace) acquireLock(name GlockName, ops GlockOps, requestedState LockState, flags HolderFlag, timeout time.Duration) (holder *Holder, err error) {
	halter.Trigger(halter.GlockAcquireEntry)

	ctx := logger.TraceEnter("name:", name, requestedState, flags)
	defer func() { ctx.TraceExitErr("name:", err, name) }()

	err = validateAcquireArgs(requestedState, flags)
	if err != nil {
		return nil, err
	}
	err = ls.checkUsable()
	if err != nil {
		return nil, err
	}
	err = ls.waitRecoveryGate(flags, timeout)
	if err != nil {
		return nil, err
	}
	if ops == nil {
		ops, err = ls.lookupOps(name.Type)
		if err != nil {
			return nil, err
		}
	}

	glk := ls.getGlock(name, ops)

	h := &Holder{
		glk:            glk,
		requestedState: requestedState,
		flags:          flags,
		ownerGID:       utils.GetGID(),
		queuedAt:       time.Now(),
		doneChan:       make(chan struct{}),
	}

	needWork := false
	failNow := error(nil)

	glk.Lock()
	if glk.flagIsSet(glockFlagFaulted) {
		glk.Unlock()
		h.dropRef()
		return nil, blunder.NewError(blunder.WithdrawError, "lock space \"%s\" has been withdrawn", ls.name)
	}
	glk.clearFlag(glockFlagReclaim)

	jumped := glk.insertHolderLocked(h)
	if jumped {
		ls.stats.QueueJumps.Increment()
	}

	glk.promoteWaitersLocked()

	if !h.holderFlagIsSet(holderFlagGranted) {
		if flags&FlagNoBlock != 0 {
			glk.removeHolderLocked(h)
			failNow = blunder.NewError(blunder.TryAgainError, "acquire of %v would block", name)
		} else if flags&FlagTry != 0 && glk.blockedByLocalHoldersLocked(h) {
			// Blocked by holders already on this node; fail
			// without queueing. TRY_1CB leaves a demote demand
			// behind so the current holders release the cached
			// state sooner.
			glk.removeHolderLocked(h)
			if flags&FlagTry1CB != 0 {
				glk.demandDemoteLocked(demoteStateFor(requestedState))
			}
			failNow = blunder.NewError(blunder.TryAgainError, "acquire of %v would block", name)
		} else {
			needWork = true
		}
	}
	glk.Unlock()

	if failNow != nil {
		ls.stats.TryFailures.Increment()
		h.dropRef()
		return nil, failNow
	}

	if needWork {
		ls.queueWork(glk)
	}

	if flags&FlagAsync != 0 {
		return h, nil
	}

	err = h.waitTimed(timeout)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// demoteStateFor maps a contender's requested state to the strongest state
// the current holders may retain.
func demoteStateFor(wantedState LockState) LockState {
	if wantedState == Exclusive {
		return Unlocked
	}
	return wantedState
}

// demandDemoteLocked records a demote demand, keeping the weakest state
// demanded so far. Caller holds glk.Mutex.
func (glk *glockStruct) demandDemoteLocked(demoteTo LockState) {
	if glk.flagIsSet(glockFlagDemotePending) {
		if stateRank(demoteTo) < stateRank(glk.demoteState) {
			glk.demoteState = demoteTo
		}
	} else {
		glk.setFlag(glockFlagDemotePending)
		glk.demoteState = demoteTo
		glk.demoteTime = time.Now()
	}
}

func (ls *LockSpace) withdraw(cause error) {
	ls.stateMutex.Lock()
	if ls.withdrawn {
		ls.stateMutex.Unlock()
		return
	}
	ls.withdrawn = true
	ls.withdrawnErr = cause
	if ls.frozen {
		// A frozen lock space can never thaw once withdrawn; release
		// the gate so blocked acquirers observe the withdrawal.
		ls.frozen = false
		close(ls.thawChan)
	}
	ls.stateMutex.Unlock()

	ls.stats.Withdrawals.Increment()
	logger.ErrorfWithError(cause, "glock: lock space \"%s\" withdrawn", ls.name)

	// Fault every glock: waiting holders fail, granted holders are
	// marked faulted but remain releasable.
	for i := range ls.shards {
		shard := &ls.shards[i]
		shard.Lock()
		glks := make([]*glockStruct, 0, len(shard.glockMap))
		for _, glk := range shard.glockMap {
			glks = append(glks, glk)
		}
		shard.Unlock()

		for _, glk := range glks {
			glk.Lock()
			glk.setFlag(glockFlagFaulted)
			elem := glk.holderList.Front()
			for elem != nil {
				next := elem.Next()
				h := elem.Value.(*Holder)
				if h.holderFlagIsSet(holderFlagGranted) {
					h.setHolderFlag(holderFlagFaulted)
					h.err = blunder.NewError(blunder.WithdrawError, "lock space \"%s\" withdrawn", ls.name)
				} else {
					glk.failHolderLocked(h, blunder.NewError(blunder.WithdrawError, "lock space \"%s\" withdrawn", ls.name))
				}
				elem = next
			}
			glk.Unlock()
		}
	}
}

func (ls *LockSpace) setRecoveryHandler(handler func(jid uint64, status RecoveryStatus)) {
	ls.stateMutex.Lock()
	ls.recoveryHandler = handler
	ls.stateMutex.Unlock()
}

func (ls *LockSpace) attachObject(name GlockName, objectID uint64) {
	ls.objectMutex.Lock()
	ls.objectMap[name] = objectID
	ls.objectMutex.Unlock()
}

func (ls *LockSpace) lookupObject(name GlockName) (objectID uint64, ok bool) {
	ls.objectMutex.Lock()
	objectID, ok = ls.objectMap[name]
	ls.objectMutex.Unlock()
	return
}

func (ls *LockSpace) detachObject(name GlockName) {
	ls.objectMutex.Lock()
	delete(ls.objectMap, name)
	ls.objectMutex.Unlock()
}

// BackendCallbacks implementation. Backends serialize callbacks per name;
// the worker pool serializes the resulting glock work.

func (cb *backendCallbacksStruct) Completion(name GlockName, granted LockState, lvb []byte, errno int) {
	ls := cb.ls
	glk, ok := ls.lookupGlockAndRef(name)
	if !ok {
		// Late completion for an already-reclaimed glock; tolerated
		// by design of the cancel protocol.
		ls.stats.LateCompletions.Increment()
		return
	}

	glk.Lock()
	glk.completionList.PushBack(&completionEventStruct{
		grantedState: granted,
		lvb:          lvb,
		errno:        errno,
	})
	glk.Unlock()

	ls.queueWork(glk)
	ls.putGlock(glk)
}

func (cb *backendCallbacksStruct) BlockingNotify(name GlockName, wanted LockState) {
	ls := cb.ls
	glk, ok := ls.lookupGlockAndRef(name)
	if !ok {
		return
	}

	glk.Lock()
	glk.demandDemoteLocked(wanted)
	glk.Unlock()

	ls.stats.BlockingNotifies.Increment()
	ls.queueWork(glk)
	ls.putGlock(glk)
}

func (cb *backendCallbacksStruct) RecoveryNeeded(jid uint64) {
	ls := cb.ls
	ls.stateMutex.Lock()
	if !ls.frozen && !ls.withdrawn {
		ls.frozen = true
		ls.thawChan = make(chan struct{})
	}
	ls.stateMutex.Unlock()
	logger.Infof("glock: lock space \"%s\" frozen pending recovery of journal %d", ls.name, jid)
}

func (cb *backendCallbacksStruct) RecoveryResult(jid uint64, status RecoveryStatus) {
	ls := cb.ls
	ls.stateMutex.Lock()
	handler := ls.recoveryHandler
	ls.stateMutex.Unlock()

	logger.Infof("glock: lock space \"%s\" recovery of journal %d completed with status %d", ls.name, jid, status)
	if handler != nil {
		handler(jid, status)
	}
}

func (cb *backendCallbacksStruct) FirstDone() {
	ls := cb.ls
	ls.stateMutex.Lock()
	if ls.frozen {
		ls.frozen = false
		close(ls.thawChan)
	}
	ls.stateMutex.Unlock()
	logger.Infof("glock: lock space \"%s\" recovery gate opened", ls.name)
}

func (cb *backendCallbacksStruct) Withdraw(err error) {
	cb.ls.withdraw(err)
}

// nameIndexCallbacksStruct supplies the sortedmap dump callbacks for the
// ordered name index.
type nameIndexCallbacksStruct struct{}

func (*nameIndexCallbacksStruct) DumpKey(key sortedmap.Key) (keyAsString string, err error) {
	name, ok := key.(GlockName)
	if !ok {
		err = fmt.Errorf("nameIndex DumpKey() passed a non-GlockName key")
		return
	}
	keyAsString = name.String()
	return
}

func (*nameIndexCallbacksStruct) DumpValue(value sortedmap.Value) (valueAsString string, err error) {
	glk, ok := value.(*glockStruct)
	if !ok {
		err = fmt.Errorf("nameIndex DumpValue() passed a non-glockStruct value")
		return
	}
	valueAsString = fmt.Sprintf("%p", glk)
	return
}

func compareGlockName(key1 sortedmap.Key, key2 sortedmap.Key) (result int, err error) {
	name1, ok := key1.(GlockName)
	if !ok {
		err = fmt.Errorf("compareGlockName() passed a non-GlockName key1")
		return
	}
	name2, ok := key2.(GlockName)
	if !ok {
		err = fmt.Errorf("compareGlockName() passed a non-GlockName key2")
		return
	}
	if name1.Type != name2.Type {
		if name1.Type < name2.Type {
			result = -1
		} else {
			result = 1
		}
		return
	}
	if name1.Number < name2.Number {
		result = -1
	} else if name1.Number > name2.Number {
		result = 1
	} else {
		result = 0
	}
	return
}
