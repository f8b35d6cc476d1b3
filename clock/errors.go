// Copyright 2024 nkcore authors. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package clock

import "github.com/rtnucleus/nkcore/errno"

var ErrTickDurationTooSmall = errno.New(errno.EINVAL, "clock: tick duration too small")
var ErrTickDurationTooLarge = errno.New(errno.EINVAL, "clock: tick duration too high")
