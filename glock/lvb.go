// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package glock

// Lock value blocks: a 32-byte opaque payload carried with grants of
// LVB-bearing glock types (resource-group, quota, nondisk), delivered by
// the backend on grant and written back on demote out of Exclusive. The
// fixed little-endian layouts below are the cluster-wide wire form.

import (
	"github.com/NVIDIA/cstruct"

	"github.com/NVIDIA/glockmgr/blunder"
)

// All LVB cstruct's are serialized in LittleEndian form
var LittleEndian = cstruct.LittleEndian

const LVBSize = 32

const (
	RgrpLVBMagic    uint32 = 0x52677242 // "RgrB"
	RgrpLVBVersion  uint32 = 1
	QuotaLVBMagic   uint32 = 0x51746142 // "QtaB"
	QuotaLVBVersion uint32 = 1
)

// RgrpLVBStruct caches a resource group's allocation summary so Shared
// holders can read it without a disk hit. 32 bytes packed.
type RgrpLVBStruct struct {
	Magic   uint32
	Version uint32
	Flags   uint32
	Dinodes uint32
	Free    uint64
	Used    uint64
}

// QuotaLVBStruct caches a quota record. 32 bytes packed.
type QuotaLVBStruct struct {
	Magic   uint32
	Version uint32
	Limit   uint64
	Warn    uint64
	Value   int64
}

func PackRgrpLVB(lvbStruct *RgrpLVBStruct) (lvb []byte, err error) {
	lvb, err = cstruct.Pack(lvbStruct, LittleEndian)
	if err != nil {
		err = blunder.AddError(err, blunder.PackError)
	}
	return
}

func UnpackRgrpLVB(lvb []byte) (lvbStruct *RgrpLVBStruct, err error) {
	lvbStruct = &RgrpLVBStruct{}
	_, err = cstruct.Unpack(lvb, lvbStruct, LittleEndian)
	if err != nil {
		return nil, blunder.AddError(err, blunder.UnpackError)
	}
	if lvbStruct.Magic != RgrpLVBMagic || lvbStruct.Version != RgrpLVBVersion {
		return nil, blunder.NewError(blunder.CorruptLVBError, "rgrp LVB magic/version mismatch (got %08X/%d)", lvbStruct.Magic, lvbStruct.Version)
	}
	return
}

func PackQuotaLVB(lvbStruct *QuotaLVBStruct) (lvb []byte, err error) {
	lvb, err = cstruct.Pack(lvbStruct, LittleEndian)
	if err != nil {
		err = blunder.AddError(err, blunder.PackError)
	}
	return
}

func UnpackQuotaLVB(lvb []byte) (lvbStruct *QuotaLVBStruct, err error) {
	lvbStruct = &QuotaLVBStruct{}
	_, err = cstruct.Unpack(lvb, lvbStruct, LittleEndian)
	if err != nil {
		return nil, blunder.AddError(err, blunder.UnpackError)
	}
	if lvbStruct.Magic != QuotaLVBMagic || lvbStruct.Version != QuotaLVBVersion {
		return nil, blunder.NewError(blunder.CorruptLVBError, "quota LVB magic/version mismatch (got %08X/%d)", lvbStruct.Magic, lvbStruct.Version)
	}
	return
}
