// Copyright 2024 nkcore authors. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package timer

import (
	"time"

	"github.com/rtnucleus/nkcore/clock"
)

// SameInterval, returned as the delta from a Handler, re-arms the timer with
// its original interval (a true periodic reload, as opposed to a one-off
// re-arm with a new interval).
const SameInterval time.Duration = time.Duration(^int64(0))

// A Handler is invoked when a timer expires. w is the wheel the timer fired
// on, t the expired timer handle, arg the opaque value given at Start().
//
// Returning (true, delta) re-arms the timer to fire again after delta
// (SameInterval to reuse the original interval); returning (false, _) lets
// the timer finish. The only operation a Handler may perform on t itself is
// Stop(); Start()/Reset() return ErrActiveTimer if called from inside the
// callback that owns t.
type Handler func(w *Wheel, t *Timer, arg interface{}) (rearm bool, delta time.Duration)

const (
	wheelNone  uint8  = 255
	wheelExp   uint8  = 254
	wheelNoIdx uint16 = 65535
)

// internal bookkeeping flags, packed into tInfo alongside the wheel/idx.
const (
	fHead    = 1  // list head sentinel (debugging)
	fActive  = 2  // timer is armed
	fDelete  = 4  // marked for removal once the running handler returns
	fRunning = 8  // handler currently executing
	fRemoved = 16 // timer fully detached
	// internal flags mask
	fInternalMask = fHead | fActive | fDelete | fRunning | fRemoved
)

// Mode selects how Start() interprets its value/interval arguments (spec
// §4.1/§4.2: RELATIVE, ABSOLUTE and REALTIME timer arm modes).
type Mode uint8

const (
	// Relative arms the timer value ticks/duration from now.
	Relative Mode = iota
	// Absolute arms the timer at an absolute monotonic tick value.
	Absolute
	// Realtime arms the timer at an absolute wall-clock instant; the
	// timer is re-sorted whenever the wheel's clock.Source realtime
	// offset is adjusted (Wheel.AdjustAll).
	Realtime
)

// Status reports whether Start armed the timer for a future expiry or found
// it already due (spec §4.2: "start(timer, ...) -> {Ok, Elapsed}").
type Status uint8

const (
	// Ok means the timer was inserted into the wheel for a future expiry.
	Ok Status = iota
	// Elapsed means value resolved to an expiry before now (an
	// absolute/realtime date already in the past, or a negative relative
	// value); the timer was still armed, clamped to fire on the next Tick.
	Elapsed
)

// user-visible (public) flags, independent of the internal bookkeeping ones.
const (
	// Periodic marks the timer as reloading with the same interval on
	// every expiry (teacher's Periodic sentinel, promoted to a flag so it
	// can be queried after Start()).
	fPeriodic uint8 = 1 << iota
	// fRealtimeFlag mirrors Mode == Realtime, so AdjustAll can find every
	// realtime timer without scanning the mode of each one individually.
	fRealtimeFlag
	// fKilled marks a timer stopped through Wheel.Destroy.
	fKilled
	// fHostTickFlag marks the host-tick emulation timer: on expiry the
	// wheel raises a pending host-tick request instead of invoking a
	// handler (spec §4.2.1's "host tick emulation timer" special case).
	fHostTickFlag
)

// Timer is the handle clients embed in their own structures and pass to
// Wheel.Start/Stop/Reset. It must be zero-valued (or produced by
// Wheel.NewTimer) before first use.
type Timer struct {
	next, prev *Timer

	expire  clock.Tick // absolute expiry, in ticks
	pexpect clock.Tick // next *ideal* expiry, for overrun accounting

	info tInfo // wheel/idx + internal flags

	mode  Mode
	uflag uint8 // public flags: periodic / realtime / killed

	intvl time.Duration // current reload interval

	fn  Handler
	arg interface{}

	overruns uint64
}

// Detached reports whether t is not currently linked into any wheel list.
func (t *Timer) Detached() bool {
	return t == t.next || (t.next == nil && t.prev == nil)
}

// Expire returns the absolute expiry of t, in ticks.
func (t *Timer) Expire() clock.Tick { return t.expire }

// Interval returns the currently configured reload interval.
func (t *Timer) Interval() time.Duration { return t.intvl }

// Periodic reports whether t reloads itself on every expiry.
func (t *Timer) Periodic() bool { return t.uflag&fPeriodic != 0 }

// IsRealtime reports whether t was armed in Realtime mode.
func (t *Timer) IsRealtime() bool { return t.uflag&fRealtimeFlag != 0 }

// IsHostTick reports whether t is marked as the host-tick emulation timer
// (spec §4.2.1/§4.2.2).
func (t *Timer) IsHostTick() bool { return t.uflag&fHostTickFlag != 0 }

// Overruns returns the number of overruns accumulated by the last
// GetOverruns() call (or zero if it was never called).
func (t *Timer) Overruns() uint64 { return t.overruns }
