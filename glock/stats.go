// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package glock

import (
	"github.com/NVIDIA/glockmgr/bucketstats"
)

// Per-lock-space statistics, registered with bucketstats under
// ("glock", <lock space name>) at mount and unregistered at unmount.
type statsStruct struct {
	GlockLookups  bucketstats.Total
	GlockHits     bucketstats.Total
	GlockCreates  bucketstats.Total
	GlockReclaims bucketstats.Total

	SharedGrants    bucketstats.Total
	DeferredGrants  bucketstats.Total
	ExclusiveGrants bucketstats.Total
	Releases        bucketstats.Total

	Promotes bucketstats.Total
	Demotes  bucketstats.Total

	QueueJumps       bucketstats.Total
	TryFailures      bucketstats.Total
	TimedOutAcquires bucketstats.Total
	CanceledRequests bucketstats.Total
	LateCompletions  bucketstats.Total
	BlockingNotifies bucketstats.Total
	Deadlocks        bucketstats.Total
	Withdrawals      bucketstats.Total

	AdapterRequestUsec bucketstats.BucketLog2Round // bucketized by time
	HolderWaitUsec     bucketstats.BucketLog2Round // bucketized by time
	SyncUsec           bucketstats.BucketLog2Round // bucketized by time
}
