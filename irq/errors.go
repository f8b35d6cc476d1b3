// Copyright 2024 nkcore authors. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package irq

import "github.com/rtnucleus/nkcore/errno"

var ErrIncompatibleHandler = errno.New(errno.EINVAL, "irq: handler flags incompatible with the line's dispatch strategy")
var ErrHandlerNotFound = errno.New(errno.ENOENT, "irq: handler not attached to this line")
var ErrAlreadyAttached = errno.New(errno.EBUSY, "irq: handler already attached")
