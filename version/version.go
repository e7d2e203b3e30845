// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package version

// GlockMgrVersion is reported by the /version endpoint and at daemon
// start-up.
const GlockMgrVersion = "1.16.3"
