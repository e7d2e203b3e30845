// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ramdlm

import (
	"container/list"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/NVIDIA/glockmgr/glock"
	"github.com/NVIDIA/glockmgr/halter"
	"github.com/NVIDIA/glockmgr/trackedlock"
)

var globals struct {
	trackedlock.Mutex
	tableMap map[string]*tableStruct
}

// tableStruct is one shared lock table: the cluster-wide state for a lock
// space, arbitrated under its Mutex. Callbacks are never invoked with the
// Mutex held; they are enqueued to the target node's dispatcher.
type tableStruct struct {
	trackedlock.Mutex
	lockSpaceName string
	nodeMap       map[string]*nodeStruct
	lockMap       map[glock.GlockName]*lockStruct
	lvbMap        map[glock.GlockName][]byte
	nextJID       uint64
}

// lockStruct tracks one named lock: the granted entries (at most one per
// node, that node's cluster-visible state) and the FIFO wait queue.
type lockStruct struct {
	name        glock.GlockName
	grantedList *list.List // *requestStruct
	waitList    *list.List // *requestStruct
	lvb         []byte
}

type requestStruct struct {
	node  *nodeStruct
	state glock.LockState
	flags glock.ReqFlag
}

// nodeStruct is one simulated cluster node; it implements
// glock.BackendLockSpace. Callbacks for the node are run in order by a
// dedicated dispatcher goroutine, so completions and blocking notifies
// never reenter the glock core from under the table Mutex.
type nodeStruct struct {
	table     *tableStruct
	nodeID    string
	jid       uint64
	callbacks glock.BackendCallbacks
	gone      bool // evicted or unmounted; guarded by table Mutex

	dispatchMutex trackedlock.Mutex
	dispatchCond  *sync.Cond
	dispatchList  *list.List // func()
	dispatchStop  bool
	dispatchWG    sync.WaitGroup
}

func newTable(lockSpaceName string) (table *tableStruct) {
	return &tableStruct{
		lockSpaceName: lockSpaceName,
		nodeMap:       make(map[string]*nodeStruct),
		lockMap:       make(map[glock.GlockName]*lockStruct),
		lvbMap:        make(map[glock.GlockName][]byte),
	}
}

// newNode allocates a node and starts its dispatcher. Caller holds the
// table Mutex (jid assignment).
func newNode(table *tableStruct, nodeID string, callbacks glock.BackendCallbacks) (node *nodeStruct) {
	table.nextJID++
	node = &nodeStruct{
		table:        table,
		nodeID:       nodeID,
		jid:          table.nextJID,
		callbacks:    callbacks,
		dispatchList: list.New(),
	}
	node.dispatchCond = sync.NewCond(&node.dispatchMutex)
	node.dispatchWG.Add(1)
	go node.dispatcher()
	return
}

func (node *nodeStruct) dispatcher() {
	defer node.dispatchWG.Done()
	for {
		node.dispatchMutex.Lock()
		for node.dispatchList.Len() == 0 {
			if node.dispatchStop {
				node.dispatchMutex.Unlock()
				return
			}
			node.dispatchCond.Wait()
		}
		elem := node.dispatchList.Front()
		node.dispatchList.Remove(elem)
		node.dispatchMutex.Unlock()

		halter.Trigger(halter.RamdlmCallbackEntry)
		elem.Value.(func())()
	}
}

// deliver enqueues a callback for in-order execution on the node's
// dispatcher. Safe to call with the table Mutex held.
func (node *nodeStruct) deliver(fn func()) {
	node.dispatchMutex.Lock()
	if !node.dispatchStop {
		node.dispatchList.PushBack(fn)
		node.dispatchCond.Signal()
	}
	node.dispatchMutex.Unlock()
}

// stopDispatcher drains the queued callbacks and stops the dispatcher.
// Must not be called with the table Mutex held.
func (node *nodeStruct) stopDispatcher() {
	node.dispatchMutex.Lock()
	node.dispatchStop = true
	node.dispatchCond.Signal()
	node.dispatchMutex.Unlock()
	node.dispatchWG.Wait()
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

// getLockLocked finds or creates the lock table entry for name, seeding
// its LVB from the retained value of a previously discarded entry.
func (table *tableStruct) getLockLocked(name glock.GlockName) (lk *lockStruct) {
	lk, ok := table.lockMap[name]
	if !ok {
		lk = &lockStruct{
			name:        name,
			grantedList: list.New(),
			waitList:    list.New(),
		}
		if lvb, ok := table.lvbMap[name]; ok {
			lk.lvb = append([]byte(nil), lvb...)
		}
		table.lockMap[name] = lk
	}
	return
}

// discardLockIfIdleLocked drops the table entry once no node holds or
// waits on it, moving the LVB to the retention map.
func (table *tableStruct) discardLockIfIdleLocked(lk *lockStruct) {
	if lk.grantedList.Len() != 0 || lk.waitList.Len() != 0 {
		return
	}
	if lk.lvb != nil {
		table.lvbMap[lk.name] = lk.lvb
	}
	delete(table.lockMap, lk.name)
}

func (lk *lockStruct) findGrantedLocked(node *nodeStruct) (elem *list.Element, req *requestStruct) {
	for elem = lk.grantedList.Front(); elem != nil; elem = elem.Next() {
		req = elem.Value.(*requestStruct)
		if req.node == node {
			return
		}
	}
	return nil, nil
}

func (lk *lockStruct) findWaitingLocked(node *nodeStruct) (elem *list.Element, req *requestStruct) {
	for elem = lk.waitList.Front(); elem != nil; elem = elem.Next() {
		req = elem.Value.(*requestStruct)
		if req.node == node {
			return
		}
	}
	return nil, nil
}

// blockersLocked returns the nodes whose granted entries are incompatible
// with node acquiring wantedState.
func (lk *lockStruct) blockersLocked(node *nodeStruct, wantedState glock.LockState) (blockers []*requestStruct) {
	for elem := lk.grantedList.Front(); elem != nil; elem = elem.Next() {
		req := elem.Value.(*requestStruct)
		if req.node == node {
			continue
		}
		if !modesCompatible(wantedState, req.state) {
			blockers = append(blockers, req)
		}
	}
	return
}

// grantLocked installs node's granted entry in state (replacing a prior
// entry for conversions) and delivers the completion.
func (table *tableStruct) grantLocked(lk *lockStruct, node *nodeStruct, state glock.LockState, flags glock.ReqFlag) {
	_, req := lk.findGrantedLocked(node)
	if req != nil {
		req.state = state
	} else {
		lk.grantedList.PushBack(&requestStruct{node: node, state: state, flags: flags})
	}

	var grantLVB []byte
	if flags&glock.ReqFlagLVB != 0 && lk.lvb != nil {
		grantLVB = append([]byte(nil), lk.lvb...)
	}

	name := lk.name
	cb := node.callbacks
	node.deliver(func() { cb.Completion(name, state, grantLVB, 0) })
}

// failLocked delivers an errno completion for a request that will not be
// granted.
func failLocked(node *nodeStruct, name glock.GlockName, errno int) {
	cb := node.callbacks
	node.deliver(func() { cb.Completion(name, glock.Unlocked, nil, errno) })
}

// notifyBlockersLocked sends each blocking node one demand to demote to
// the strongest state compatible with wantedState.
func notifyBlockersLocked(blockers []*requestStruct, name glock.GlockName, wantedState glock.LockState) {
	target := demoteTargetFor(wantedState)
	for _, blocker := range blockers {
		cb := blocker.node.callbacks
		blocker.node.deliver(func() { cb.BlockingNotify(name, target) })
	}
}

// requestLocked arbitrates one transition request. Caller holds the table
// Mutex.
func (table *tableStruct) requestLocked(node *nodeStruct, name glock.GlockName, state glock.LockState, flags glock.ReqFlag, lvb []byte) {
	lk := table.getLockLocked(name)

	// A demote out of Exclusive carries the written-back value block.
	if lvb != nil {
		lk.lvb = append([]byte(nil), lvb...)
	}

	if state == glock.Unlocked {
		elem, _ := lk.findGrantedLocked(node)
		if elem != nil {
			lk.grantedList.Remove(elem)
		}
		cb := node.callbacks
		node.deliver(func() { cb.Completion(name, glock.Unlocked, nil, 0) })
		table.promoteLocked(lk)
		table.discardLockIfIdleLocked(lk)
		return
	}

	_, held := lk.findGrantedLocked(node)
	conversion := held != nil

	blockers := lk.blockersLocked(node, state)

	// New requests queue behind existing waiters; conversions do not
	// (conversion priority, as a real DLM grants them).
	barrier := !conversion && lk.waitList.Len() != 0

	if len(blockers) == 0 && !barrier {
		table.grantLocked(lk, node, state, flags)
		return
	}

	if flags&glock.ReqFlagTry != 0 {
		if flags&glock.ReqFlagTry1CB != 0 {
			notifyBlockersLocked(blockers, name, state)
		}
		failLocked(node, name, int(unix.EAGAIN))
		table.discardLockIfIdleLocked(lk)
		return
	}

	if conversion {
		// Conversion deadlock: we are blocked by a node whose own
		// queued conversion is in turn blocked by our granted state.
		for elem := lk.waitList.Front(); elem != nil; elem = elem.Next() {
			waiter := elem.Value.(*requestStruct)
			blockedByUs := !modesCompatible(waiter.state, held.state)
			for _, blocker := range blockers {
				if blocker.node == waiter.node && blockedByUs {
					failLocked(node, name, int(unix.EDEADLK))
					return
				}
			}
		}
	}

	lk.waitList.PushBack(&requestStruct{node: node, state: state, flags: flags})
	notifyBlockersLocked(blockers, name, state)
}

// promoteLocked grants queued waiters in order, stopping at the first one
// still blocked.
func (table *tableStruct) promoteLocked(lk *lockStruct) {
	for {
		elem := lk.waitList.Front()
		if elem == nil {
			return
		}
		waiter := elem.Value.(*requestStruct)
		if len(lk.blockersLocked(waiter.node, waiter.state)) != 0 {
			return
		}
		lk.waitList.Remove(elem)
		table.grantLocked(lk, waiter.node, waiter.state, waiter.flags)
	}
}

// cancelLocked removes node's queued request, if still queued, and
// delivers the canceled completion.
func (table *tableStruct) cancelLocked(node *nodeStruct, name glock.GlockName) {
	lk, ok := table.lockMap[name]
	if !ok {
		return
	}
	elem, _ := lk.findWaitingLocked(node)
	if elem == nil {
		return
	}
	lk.waitList.Remove(elem)
	failLocked(node, name, int(unix.ECANCELED))
	table.promoteLocked(lk)
	table.discardLockIfIdleLocked(lk)
}

// putLocked drops all of node's interest in name, retaining lvb for
// future holders of the lock.
func (table *tableStruct) putLocked(node *nodeStruct, name glock.GlockName, lvb []byte) {
	if lvb != nil {
		table.lvbMap[name] = append([]byte(nil), lvb...)
	}
	lk, ok := table.lockMap[name]
	if !ok {
		return
	}
	if lvb != nil {
		lk.lvb = append([]byte(nil), lvb...)
	}
	if elem, _ := lk.findGrantedLocked(node); elem != nil {
		lk.grantedList.Remove(elem)
	}
	if elem, _ := lk.findWaitingLocked(node); elem != nil {
		lk.waitList.Remove(elem)
	}
	table.promoteLocked(lk)
	table.discardLockIfIdleLocked(lk)
}

// releaseAllLocksLocked drops every lock node holds or waits on, waking
// the waiters they blocked. Used by unmount and eviction.
func (table *tableStruct) releaseAllLocksLocked(node *nodeStruct) {
	locks := make([]*lockStruct, 0, len(table.lockMap))
	for _, lk := range table.lockMap {
		locks = append(locks, lk)
	}
	for _, lk := range locks {
		if elem, _ := lk.findGrantedLocked(node); elem != nil {
			lk.grantedList.Remove(elem)
		}
		if elem, _ := lk.findWaitingLocked(node); elem != nil {
			lk.waitList.Remove(elem)
		}
		table.promoteLocked(lk)
		table.discardLockIfIdleLocked(lk)
	}
}
