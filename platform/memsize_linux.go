// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package platform

import (
	"syscall"
)

func MemSize() (memSize uint64) {
	var (
		err     error
		sysinfo syscall.Sysinfo_t
	)

	err = syscall.Sysinfo(&sysinfo)
	if nil != err {
		panic(err)
	}

	memSize = sysinfo.Totalram

	return
}
