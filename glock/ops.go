// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package glock

// Built-in ops tables, one per glock type. The glock core itself has no
// dirty pages to flush; Sync()/Invalidate() at this layer manage the
// object relation and LVB validation. Callers guarding real cached data
// supply their own GlockOps to AcquireLock() instead.

import (
	"github.com/NVIDIA/glockmgr/blunder"
)

type builtinOpsStruct struct {
	ls        *LockSpace
	glockType GlockType
	flags     OpsFlag
}

var builtinOpsFlags = map[GlockType]OpsFlag{
	GlockTypeNondisk: OpsFlagLVB,
	GlockTypeInode:   OpsFlagAspaceBacked,
	GlockTypeRgrp:    OpsFlagAspaceBacked | OpsFlagLVB,
	GlockTypeMeta:    OpsFlagAspaceBacked,
	GlockTypeIopen:   0,
	GlockTypeFlock:   0,
	GlockTypePlock:   0,
	GlockTypeQuota:   OpsFlagLVB,
	GlockTypeJournal: 0,
}

func (ls *LockSpace) lookupOps(glockType GlockType) (ops GlockOps, err error) {
	flags, ok := builtinOpsFlags[glockType]
	if !ok {
		err = blunder.NewError(blunder.UnknownLockTypeError, "unknown glock type %d", glockType)
		return
	}
	ops = &builtinOpsStruct{ls: ls, glockType: glockType, flags: flags}
	return
}

func (ops *builtinOpsStruct) Sync(name GlockName, objectID uint64) (err error) {
	return nil
}

func (ops *builtinOpsStruct) PostGrant(name GlockName, state LockState, lvb []byte) (err error) {
	if ops.flags&OpsFlagLVB == 0 || lvb == nil {
		return nil
	}
	switch ops.glockType {
	case GlockTypeRgrp:
		_, err = UnpackRgrpLVB(lvb)
	case GlockTypeQuota:
		_, err = UnpackQuotaLVB(lvb)
	}
	return
}

func (ops *builtinOpsStruct) Invalidate(name GlockName, objectID uint64) {
	// Losing the cached state severs the glock-to-object relation; the
	// owning subsystem re-attaches after revalidating.
	ops.ls.detachObject(name)
}

func (ops *builtinOpsStruct) DemoteOK(name GlockName, objectID uint64) (ok bool) {
	return true
}

func (ops *builtinOpsStruct) Flags() (flags OpsFlag) {
	return ops.flags
}
