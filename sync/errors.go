// Copyright 2024 nkcore authors. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package sync

import "github.com/rtnucleus/nkcore/errno"

// Failure semantics (spec §4.3.8): sleep_on/acquire return exactly one of
// these, or nil on success.
var ErrTimeout = errno.New(errno.ETIMEDOUT, "sync: wait timed out")
var ErrBreak = errno.New(errno.EAGAIN, "sync: wait interrupted out of band")
var ErrRMID = errno.New(errno.ENOTRECOVERABLE, "sync: wait object was destroyed")
var ErrPerm = errno.New(errno.EPERM, "sync: acquire from a context that cannot own")
var ErrWouldBlock = errno.New(errno.EAGAIN, "sync: non-blocking request and lock held")
var ErrDeadlock = errno.New(errno.EDEADLK, "sync: re-lock by current owner")
var ErrInvalid = errno.New(errno.EINVAL, "sync: invalid wait object flags")
