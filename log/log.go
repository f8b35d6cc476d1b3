// Copyright 2024 nkcore authors. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package log centralises the logging conventions used throughout nkcore:
// leveled DBG/INFO/WARN/ERR messages, plus the two "something is wrong"
// helpers, BUG (a recoverable invariant violation, logged and counted) and
// PANIC (a fatal assertion the core cannot continue past).
package log

import (
	"sync/atomic"

	"github.com/intuitivelabs/slog"
)

// L is the package-wide logger. Subsystems that need a different verbosity
// at runtime (e.g. for a test) can mutate L.Level directly.
var L = slog.Log{
	Level:  slog.LWARN,
	Prefix: "nkcore: ",
}

// bugCnt counts invariant violations reported through BUG(), so tests and
// monitoring can assert that the core never silently corrupted its state.
var bugCnt uint64

// BugCount returns the number of BUG() reports since start-up.
func BugCount() uint64 { return atomic.LoadUint64(&bugCnt) }

func DBGon() bool  { return L.DBGon() }
func INFOon() bool { return L.INFOon() }
func WARNon() bool { return L.WARNon() }
func ERRon() bool  { return L.ERRon() }

func DBG(f string, a ...interface{})  { L.DBG(f, a...) }
func INFO(f string, a ...interface{}) { L.INFO(f, a...) }
func WARN(f string, a ...interface{}) { L.WARN(f, a...) }
func ERR(f string, a ...interface{})  { L.ERR(f, a...) }

// BUG reports a violated internal invariant. The core keeps running: the
// caller is expected to fall back to a safe default, since most invariant
// violations here are racy debug conditions rather than corruption.
func BUG(f string, a ...interface{}) {
	atomic.AddUint64(&bugCnt, 1)
	L.BUG(f, a...)
}

// PANIC reports an unrecoverable assertion failure (nesting underflow, stack
// corruption, ...). It never returns.
func PANIC(f string, a ...interface{}) {
	L.PANIC(f, a...)
}
