// Copyright 2024 nkcore authors. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package nk

import "github.com/rtnucleus/nkcore/errno"

var ErrAlreadyInitialized = errno.New(errno.EBUSY, "nk: already initialized, reinit only from the detached state")
var ErrNotInitialized = errno.New(errno.EINVAL, "nk: nucleus not initialized")
var ErrAlreadyStarted = errno.New(errno.EBUSY, "nk: already started")
