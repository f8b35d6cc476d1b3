// Copyright 2024 nkcore authors. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package timer

import "github.com/rtnucleus/nkcore/errno"

var ErrInactiveTimer = errno.New(errno.EINVAL, "timer: called on inactive timer")
var ErrNotResetTimer = errno.New(errno.EINVAL, "timer: called on not reset/init timer")
var ErrActiveTimer = errno.New(errno.EBUSY, "timer: called on active timer")
var ErrRunningTimer = errno.New(errno.EAGAIN, "timer: called on running timer")
var ErrDeletedTimer = errno.New(errno.EAGAIN, "timer: called on already delete-marked timer")
var ErrAlreadyRemovedTimer = errno.New(errno.ENOENT, "timer: called on already removed timer")
var ErrInvalidTimer = errno.New(errno.EINVAL, "timer: called on invalid timer handle")
var ErrTicksTooHigh = errno.New(errno.EINVAL, "timer: ticks delta too high")
var ErrDurationTooSmall = errno.New(errno.EINVAL, "timer: duration smaller than a tick")
var ErrInvalidParameters = errno.New(errno.EINVAL, "timer: invalid parameters")
var ErrNoCPU = errno.New(errno.ENOENT, "timer: no such CPU wheel")
