// Copyright 2024 nkcore authors. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package errno gives every nkcore sentinel error a stable POSIX-style
// errno, the way ksrc/skins/posix/signal.c and ksrc/skins/vxworks/syscall.c
// each translate the same core error into a different ABI's errno. nkcore
// has no ABI adapter of its own (out of scope), but keeps the core/adapter
// boundary clean by carrying the number on every sentinel from day one.
package errno

import "errors"

// common values, named after their POSIX counterparts; packages are free
// to reuse them instead of minting their own numbers.
const (
	EPERM   = 1
	ENOENT  = 2
	EAGAIN  = 11
	EBUSY   = 16
	EINVAL  = 22
	EDEADLK = 35
	ETIMEDOUT = 110
	ENOTRECOVERABLE = 131
)

// Error is a sentinel error carrying a stable errno alongside its message.
type Error struct {
	msg string
	no  int
}

// New creates a new Error. no is normally one of the constants above, or a
// package-local extension of them.
func New(no int, msg string) *Error {
	return &Error{msg: msg, no: no}
}

func (e *Error) Error() string { return e.msg }

// Errno returns the stable errno associated with e.
func (e *Error) Errno() int { return e.no }

// Of extracts the errno from err if it (or something it wraps) is an *Error,
// returning ok=false otherwise.
func Of(err error) (no int, ok bool) {
	type errnoer interface{ Errno() int }
	var e errnoer
	if errors.As(err, &e) {
		return e.Errno(), true
	}
	return 0, false
}
