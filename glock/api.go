// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package glock provides cluster-aware generalized locks ("glocks") that
// mediate cache coherency and mutual exclusion for shared storage objects
// (inodes, resource groups, metadata blocks) across the nodes of a cluster.
//
// A caller acquires a Holder on a glock named by (type, number). The glock
// core grants the request immediately when the cached lock state and the
// already-granted holders allow it; otherwise it drives an asynchronous
// round trip through the mounted lock-manager backend and wakes the holder
// when the grant completes. Released glocks are cached in their granted
// state until remote contention, a NOCACHE release, or idle reclamation
// demotes them.
//
// Backends (package nolock, ramdlm, etcdlm) register themselves with this
// package via RegisterBackend() from their init() func's.
package glock

import (
	"time"

	"github.com/NVIDIA/glockmgr/conf"
)

// GlockType selects the per-type behavior (ops table) and is the first half
// of a glock's name.
type GlockType uint16

const (
	GlockTypeNondisk GlockType = iota + 1
	GlockTypeInode
	GlockTypeRgrp
	GlockTypeMeta
	GlockTypeIopen
	GlockTypeFlock
	GlockTypePlock
	GlockTypeQuota
	GlockTypeJournal
)

// GlockName uniquely identifies a glock within a lock space. Immutable once
// assigned; used as the lookup key.
type GlockName struct {
	Type   GlockType
	Number uint64
}

// LockState is the strength of a lock grant. Exclusive is the strongest;
// Deferred and Shared are mutually incompatible siblings (unless both
// holders passed FlagAny); Unlocked is compatible with everything.
type LockState uint8

const (
	Unlocked LockState = iota
	Shared
	Deferred
	Exclusive
)

// HolderFlag values modify a single acquisition request.
type HolderFlag uint32

const (
	// FlagTry fails the acquisition immediately with TryAgainError rather
	// than waiting, locally or in the backend.
	FlagTry HolderFlag = 1 << iota

	// FlagTry1CB is FlagTry plus one blocking-notification to the current
	// holders (local and remote) before failing, encouraging them to
	// release sooner.
	FlagTry1CB

	// FlagNoExp bypasses the recovery freeze gate. Used by journal
	// recovery to avoid deadlocking on its own locks.
	FlagNoExp

	// FlagAny accepts a grant in either Shared or Deferred when the
	// requested state is one of those two.
	FlagAny

	// FlagNodeScope allows Exclusive holders carrying this flag to share
	// the glock with each other on the same lock space (exclusivity is
	// node-wide, not holder-wide).
	FlagNodeScope

	// FlagAsync returns the Holder immediately; the caller polls/waits on
	// Holder.Done() / Holder.Wait().
	FlagAsync

	// FlagNoCache drops the glock to Unlocked when this holder releases
	// and no other holder needs it.
	FlagNoCache

	// FlagNoBlock fails with TryAgainError unless the request is
	// grantable from the cached state without any backend round trip.
	FlagNoBlock

	// FlagExact grants only when the cached state equals the requested
	// state exactly (no inheritance of a cached stronger state).
	FlagExact
)

// OpsFlag values describe static properties of a glock type.
type OpsFlag uint32

const (
	// OpsFlagAspaceBacked marks types whose glocks guard an address space
	// of cached data pages (Sync()/Invalidate() are meaningful).
	OpsFlagAspaceBacked OpsFlag = 1 << iota

	// OpsFlagLVB marks types that carry a lock value block with grants.
	OpsFlagLVB
)

// GlockOps supplies the per-type behavior of a glock. The glock core never
// branches on a concrete object type; all type-specific semantics enter
// through this interface.
//
// objectID is the caller-attached object identity for the glock (see
// LockSpace.AttachObject()), or 0 when nothing is attached.
type GlockOps interface {
	// Sync flushes dirty cached state before a downgrade or release is
	// made visible cluster-wide.
	Sync(name GlockName, objectID uint64) (err error)

	// PostGrant runs after a grant completes, validating cached state
	// and the delivered lock value block (nil for non-LVB types).
	PostGrant(name GlockName, state LockState, lvb []byte) (err error)

	// Invalidate discards cached data when a conflicting grant was made
	// elsewhere in the cluster.
	Invalidate(name GlockName, objectID uint64)

	// DemoteOK reports whether the glock may be demoted right now.
	DemoteOK(name GlockName, objectID uint64) (ok bool)

	// Flags returns the static properties of the type.
	Flags() (flags OpsFlag)
}

// RecoveryStatus is the outcome of a journal recovery pass reported by the
// backend.
type RecoveryStatus uint32

const (
	RecoverySuccess RecoveryStatus = iota
	RecoveryGaveUp
	RecoveryFailed
)

// ReqFlag values accompany a backend request.
type ReqFlag uint32

const (
	ReqFlagTry ReqFlag = 1 << iota
	ReqFlagTry1CB
	ReqFlagNoExp
	ReqFlagLVB
)

// BackendCallbacks is implemented by the glock core and handed to a backend
// at mount time. Backends must serialize callbacks for a given name;
// callbacks for distinct names may arrive concurrently.
type BackendCallbacks interface {
	// Completion reports the outcome of a prior Request(). granted is the
	// state actually granted (possibly weaker than requested under
	// contention); lvb is non-nil for LVB-bearing grants; errno is 0 on
	// success or a unix errno (EAGAIN, EDEADLK, ECANCELED, EIO, ENOLCK).
	Completion(name GlockName, granted LockState, lvb []byte, errno int)

	// BlockingNotify reports that another node wants the named lock in a
	// state incompatible with our cached state; wanted is the strongest
	// state we may retain.
	BlockingNotify(name GlockName, wanted LockState)

	// RecoveryNeeded freezes the lock space pending journal recovery.
	RecoveryNeeded(jid uint64)

	// RecoveryResult reports the outcome of recovering journal jid.
	RecoveryResult(jid uint64, status RecoveryStatus)

	// FirstDone reports that first-mount/recovery work has completed;
	// the freeze gate opens.
	FirstDone()

	// Withdraw reports a fatal cluster-wide error; the lock space
	// transitions to its terminal state.
	Withdraw(err error)
}

// BackendLockSpace is one mounted lock space as seen by the glock core.
// Request() and Cancel() are asynchronous: they only submit; outcomes
// arrive via BackendCallbacks.Completion().
type BackendLockSpace interface {
	// Request asks the backend to transition the named lock to state.
	// lvb carries the lock value block to write back when transitioning
	// out of Exclusive (nil otherwise).
	Request(name GlockName, state LockState, flags ReqFlag, lvb []byte) (err error)

	// Cancel asks the backend to abandon an in-flight Request(). Best
	// effort: a completion may still arrive and is handled idempotently.
	Cancel(name GlockName) (err error)

	// Put tells the backend all local interest in the name is gone (the
	// glock is being reclaimed). lvb is the final value block when the
	// lock was cached Exclusive.
	Put(name GlockName, lvb []byte) (err error)

	// Unmount detaches from the cluster.
	Unmount() (err error)
}

// Backend is a lock-manager backend factory, registered via
// RegisterBackend().
type Backend interface {
	MountLockSpace(lockSpaceName string, nodeID string, confMap conf.ConfMap, callbacks BackendCallbacks) (backendLockSpace BackendLockSpace, err error)
}

// RegisterBackend makes a backend available to MountLockSpace() under the
// given name. Backends call this from their init() func's.
func RegisterBackend(backendName string, backend Backend) {
	registerBackend(backendName, backend)
}

// MountLockSpace creates a lock space served by the named backend and
// registers it for introspection. nodeID identifies this node to the
// cluster.
func MountLockSpace(lockSpaceName string, backendName string, nodeID string, confMap conf.ConfMap) (ls *LockSpace, err error) {
	return mountLockSpace(lockSpaceName, backendName, nodeID, confMap)
}

// LookupLockSpace returns a previously mounted lock space by name.
func LookupLockSpace(lockSpaceName string) (ls *LockSpace, err error) {
	return lookupLockSpace(lockSpaceName)
}

// ListLockSpaces returns the names of the currently mounted lock spaces.
func ListLockSpaces() (lockSpaceNames []string) {
	return listLockSpaces()
}

// LookupOps returns the built-in ops table for a glock type, bound to this
// lock space. Callers may instead supply their own GlockOps to
// AcquireLock().
func (ls *LockSpace) LookupOps(glockType GlockType) (ops GlockOps, err error) {
	return ls.lookupOps(glockType)
}

// AcquireLock obtains a holder on the named glock in the requested state,
// creating the glock if absent. Without FlagAsync the call blocks until the
// holder is granted or fails; with FlagAsync the holder is returned
// immediately and the caller waits via Holder.Wait() or Holder.Done().
//
// ops may be nil, selecting the built-in ops table for name.Type.
func (ls *LockSpace) AcquireLock(name GlockName, ops GlockOps, requestedState LockState, flags HolderFlag) (holder *Holder, err error) {
	return ls.acquireLock(name, ops, requestedState, flags, time.Duration(0))
}

// AcquireLockTimed is AcquireLock with a bounded wait. On expiry the holder
// is dequeued and TimedOutError returned; other holders are unaffected.
// A zero timeout means wait forever.
func (ls *LockSpace) AcquireLockTimed(name GlockName, ops GlockOps, requestedState LockState, flags HolderFlag, timeout time.Duration) (holder *Holder, err error) {
	return ls.acquireLock(name, ops, requestedState, flags, timeout)
}

// TryAcquireLock is AcquireLock with FlagTry implied: it returns
// immediately with TryAgainError instead of waiting.
func (ls *LockSpace) TryAcquireLock(name GlockName, ops GlockOps, requestedState LockState, flags HolderFlag) (holder *Holder, err error) {
	return ls.acquireLock(name, ops, requestedState, flags|FlagTry, time.Duration(0))
}

// ReleaseLock dequeues the holder. The holder must not be used afterward.
// Equivalent to holder.Release().
func (ls *LockSpace) ReleaseLock(holder *Holder) (err error) {
	return holder.release()
}

// PurgeGlocks drains every idle glock of the given type (or of all types
// when all is true), demoting cached state and reclaiming the entries. It
// polls busy glocks up to Glock.PurgeTimeout; on expiry the still-busy
// glocks are dumped to the log and BusyError is returned.
func (ls *LockSpace) PurgeGlocks(glockType GlockType, all bool) (err error) {
	return ls.purgeGlocks(glockType, all)
}

// UnmountLockSpace purges all glocks and detaches the backend. Fails with
// BusyError (lock space left mounted) if holders remain.
func (ls *LockSpace) UnmountLockSpace() (err error) {
	return ls.unmountLockSpace()
}

// Withdraw transitions the lock space to its terminal state: waiting
// holders are faulted with WithdrawError, new acquisitions fail fast, and
// granted holders are marked faulted but remain releasable. Purge and
// unmount remain permitted for teardown.
func (ls *LockSpace) Withdraw(err error) {
	ls.withdraw(err)
}

// SetRecoveryHandler registers a func invoked for each backend
// RecoveryResult notification.
func (ls *LockSpace) SetRecoveryHandler(handler func(jid uint64, status RecoveryStatus)) {
	ls.setRecoveryHandler(handler)
}

// GlockCount returns the number of live glocks in the lock space. Cheap;
// suitable for periodic sampling.
func (ls *LockSpace) GlockCount() (count int) {
	return ls.glockCount()
}

// AttachObject records the caller's object identity for the named glock.
// The association is cleared by DetachObject() and by the built-in
// Invalidate ops when a conflicting remote grant discards cached state.
func (ls *LockSpace) AttachObject(name GlockName, objectID uint64) {
	ls.attachObject(name, objectID)
}

// LookupObject returns the object identity attached to the named glock.
func (ls *LockSpace) LookupObject(name GlockName) (objectID uint64, ok bool) {
	return ls.lookupObject(name)
}

// DetachObject clears the object association for the named glock.
func (ls *LockSpace) DetachObject(name GlockName) {
	ls.detachObject(name)
}

// Wait blocks until the holder is granted or failed and returns the
// holder's error. Only meaningful for FlagAsync holders; for blocking
// acquisitions AcquireLock has already waited.
func (h *Holder) Wait() (err error) {
	return h.wait()
}

// Done returns a channel closed when the holder has been granted or
// failed. Use Err() afterward to learn the outcome.
func (h *Holder) Done() (doneChan <-chan struct{}) {
	return h.doneChan
}

// Err returns the holder's error, or nil if granted (or still waiting).
func (h *Holder) Err() (err error) {
	return h.getErr()
}

// State returns the state the holder was actually granted in. With FlagAny
// this may differ from the requested state. Unlocked until granted.
func (h *Holder) State() (grantedState LockState) {
	return h.grantedState()
}

// Release dequeues the holder, waking compatible waiters. Releasing a
// still-waiting FlagAsync holder cancels it.
func (h *Holder) Release() (err error) {
	return h.release()
}

// LVB returns a copy of the glock's current lock value block, or nil for
// non-LVB types or before any grant delivered one.
func (h *Holder) LVB() (lvb []byte) {
	return h.getLVB()
}

// SetLVB stages a new lock value block for the glock. Permitted only
// while the holder is granted Exclusive; the block is written back to the
// cluster when the glock demotes out of Exclusive.
func (h *Holder) SetLVB(lvb []byte) (err error) {
	return h.setLVB(lvb)
}
