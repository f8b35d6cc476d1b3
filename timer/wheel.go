// Copyright 2024 nkcore authors. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package timer implements the per-CPU hierarchical timer wheel driving a
// dual-kernel nucleus's oneshot hardware timer (spec §4.1/§4.2): a
// four-level wheel of intrusive lists, relative/absolute/realtime arming,
// periodic reload with overrun collapsing, and realtime-offset
// re-adjustment of every armed realtime timer.
package timer

import (
	"runtime"
	"sync"
	"time"

	"github.com/rtnucleus/nkcore/clock"
	"github.com/rtnucleus/nkcore/log"
)

const (
	levelsNo = 4
	// the sum of all level bits must equal clock.TickBits; no level may
	// hold more than 2^15 entries.
	L0Bits = 14
	L1Bits = 14
	L2Bits = 10
	L3Bits = 10

	L0Entries = 1 << L0Bits
	L1Entries = 1 << L1Bits
	L2Entries = 1 << L2Bits
	L3Entries = 1 << L3Bits

	L0Mask = L0Entries - 1
	L1Mask = L1Entries - 1
	L2Mask = L2Entries - 1
	L3Mask = L3Entries - 1

	totalEntries = L0Entries + L1Entries + L2Entries + L3Entries
)

var levelEntries = [levelsNo]uint16{L0Entries, L1Entries, L2Entries, L3Entries}

func level0Pos(t uint64) uint64 { return t & L0Mask }
func level1Pos(t uint64) uint64 { return (t >> L0Bits) & L1Mask }
func level2Pos(t uint64) uint64 { return (t >> (L0Bits + L1Bits)) & L2Mask }
func level3Pos(t uint64) uint64 { return (t >> (L0Bits + L1Bits + L2Bits)) & L3Mask }

// getWheelPos returns the level and slot index a timer expiring at exp
// belongs to, given the current tick now. If exp == now it returns
// (wheelExp, wheelNoIdx): already due, goes straight to the expired list.
func getWheelPos(exp, now clock.Tick) (uint8, uint16) {
	delta := exp.Sub(now).Val()
	e := exp.Val()
	switch {
	case delta < L0Entries:
		if delta == 0 {
			return wheelExp, wheelNoIdx
		}
		return 0, uint16(level0Pos(e))
	case delta < L0Entries*L1Entries:
		return 1, uint16(level1Pos(e))
	case delta < L0Entries*L1Entries*L2Entries:
		return 2, uint16(level2Pos(e))
	}
	return 3, uint16(level3Pos(e))
}

type level struct {
	no   uint8
	lsts []list
}

func (lv *level) init(n uint8, lsts []list) {
	lv.no = n
	lv.lsts = lsts
	for i := range lv.lsts {
		lv.lsts[i].init(lv.no, uint16(i))
	}
}

// Wheel is one CPU's hierarchical timer wheel. Every hardware tick, Tick()
// must be called once with the wheel's lock not held by the caller; it
// redistributes due timers down the levels and runs every timer that has
// reached the expired list, in strict non-decreasing expiry order.
type Wheel struct {
	mu     sync.Mutex
	cpu    int
	clk    *clock.Source
	levels [levelsNo]level
	slots  [totalEntries]list
	expired list

	running *Timer // timer handler currently executing, nil otherwise

	armed    bool       // a hardware oneshot is currently programmed
	nextShot clock.Tick // the expiry it was programmed for, if armed

	// IPI, if set, is invoked with the wheel's own CPU index whenever a
	// migrated-in timer is due sooner than the oneshot this wheel currently
	// has programmed (or none is programmed), modeling the
	// inter-processor interrupt a real nucleus sends to make the target
	// CPU reprogram its oneshot hardware timer (spec §4.1 "migrate").
	IPI func(cpu int)

	// DeferHostTick, if set, is consulted whenever the host-tick emulation
	// timer is about to fire; returning true postpones propagation to the
	// next Tick() (spec §4.2.2: a reschedule pending, or the current
	// thread a primary-mode realtime thread).
	DeferHostTick func() bool
	// OnHostTick is called once per non-deferred host-tick expiry, instead
	// of running a Handler (spec §4.2.1's host-tick special case).
	OnHostTick func()

	deferredHostTick *Timer
}

// New creates a Wheel bound to cpu, driven by clk. It registers itself as
// an clock.Adjustable so realtime offset changes on clk propagate to every
// Realtime-mode timer armed on this wheel.
func New(cpu int, clk *clock.Source) *Wheel {
	w := &Wheel{cpu: cpu, clk: clk}
	for i, pos := 0, 0; i < levelsNo; i++ {
		sz := int(levelEntries[i])
		w.levels[i].init(uint8(i), w.slots[pos:pos+sz])
		pos += sz
	}
	w.expired.init(wheelExp, wheelNoIdx)
	clk.Register(w)
	return w
}

// CPU returns the CPU this wheel is bound to.
func (w *Wheel) CPU() int { return w.cpu }

func (w *Wheel) lock()   { w.mu.Lock() }
func (w *Wheel) unlock() { w.mu.Unlock() }

// NewTimer allocates and initializes a Timer handle.
func (w *Wheel) NewTimer() *Timer {
	t := &Timer{}
	t.info.setWheel(wheelNone, wheelNoIdx)
	return t
}

// Reset prepares t for re-use after it finished or was stopped. It is an
// error to call it on an armed, not-yet-fired timer.
func (w *Wheel) Reset(t *Timer) error {
	f := t.info.flags()
	if f&fActive != 0 && f&fRemoved == 0 {
		return ErrActiveTimer
	}
	if t.next != nil || t.prev != nil {
		return ErrInvalidTimer
	}
	t.info.chgFlags(0, fInternalMask)
	t.uflag = 0
	t.overruns = 0
	return nil
}

func (w *Wheel) appendTimer(t *Timer, lvl uint8, idx uint16) error {
	if lvl < levelsNo {
		w.levels[lvl].lsts[idx].append(t)
	} else if lvl == wheelExp {
		w.expired.append(t)
	} else {
		log.BUG("timer: invalid level %d idx %d for %p\n", lvl, idx, t)
		return ErrInvalidTimer
	}
	return nil
}

// resolveExpire computes the absolute tick a Start() call with the given
// mode/value/now should expire at.
func (w *Wheel) resolveExpire(value time.Duration, mode Mode, now clock.Tick) clock.Tick {
	switch mode {
	case Absolute:
		return w.clk.ToTicksRoundUp(value)
	case Realtime:
		// value is an absolute duration since the realtime epoch;
		// convert to the equivalent monotonic tick.
		rt := w.clk.ReadRealtime()
		return now.Add(w.clk.ToTicksRoundUp(value - rt))
	default: // Relative
		return now.Add(w.clk.ToTicksRoundUp(value))
	}
}

func (w *Wheel) addSanityChecks(t *Timer, fn Handler) error {
	if t.info.flags()&fActive != 0 {
		return ErrActiveTimer
	}
	if t.info.flags()&fRunning != 0 {
		return ErrNotResetTimer
	}
	if t.info.flags()&fRemoved != 0 {
		return ErrNotResetTimer
	}
	if t.next != nil || t.prev != nil {
		log.BUG("timer: Start called with linked timer %p\n", t)
		return ErrInvalidTimer
	}
	lvl, idx := t.info.wheelPos()
	if lvl != wheelNone || idx != wheelNoIdx {
		log.BUG("timer: Start called on non-init timer %p\n", t)
		return ErrInvalidTimer
	}
	if fn == nil {
		log.ERR("timer: Start called with nil handler\n")
		return ErrInvalidParameters
	}
	return nil
}

// Start arms t to fire fn(arg) after value (interpreted per mode), and every
// interval thereafter (interval == 0 means one-shot). It is spec §4.1's
// "start" operation: returns Elapsed (rather than Ok) when value resolves to
// an expiry before now — an absolute/realtime date already in the
// past, or a negative relative value — in which case t is still armed, just
// clamped to fire on the wheel's next Tick instead of being sorted arbitrarily
// far into the future by the wraparound-safe tick arithmetic.
func (w *Wheel) Start(t *Timer, value, interval time.Duration, mode Mode,
	fn Handler, arg interface{}) (Status, error) {

	w.lock()
	defer w.unlock()
	if err := w.addSanityChecks(t, fn); err != nil {
		return Ok, err
	}
	t.fn = fn
	t.arg = arg
	t.mode = mode
	t.intvl = value
	t.uflag = 0
	if interval != 0 {
		t.uflag |= fPeriodic
		t.intvl = interval
	}
	if mode == Realtime {
		t.uflag |= fRealtimeFlag
	}

	now := w.now()
	t.expire = w.resolveExpire(value, mode, now)
	status := Ok
	if t.expire.LT(now) {
		status = Elapsed
		t.expire = now
	}
	t.pexpect = t.expire

	t.info.chgFlags(fActive, fInternalMask)
	lvl, idx := getWheelPos(t.expire, now)
	ret := w.appendTimer(t, lvl, idx)
	if ret != nil {
		t.info.setFlags(fRemoved)
		return status, ret
	}
	w.maybeProgramShot(now, t.expire)
	return status, ret
}

// maybeProgramShot reprograms the platform oneshot hardware timer (via
// clock.Source.ProgramShot, a no-op without a driver installed) whenever exp
// is sooner than whatever this wheel currently believes is programmed (spec
// §4.1/§4.2.1 step 4: "if the timer is now the head ... programs the
// hardware"). It never widens the programmed shot back out after a Stop or
// a fire removes the head — Tick() keeps polling every hardware tick
// regardless of what is currently armed, so under-reprogramming here only
// costs an extra, harmless early interrupt rather than a missed timer. Must
// be called with w.mu held.
func (w *Wheel) maybeProgramShot(now, exp clock.Tick) {
	if w.armed && !exp.LT(w.nextShot) {
		return
	}
	delay := exp.Sub(now)
	if exp.LE(now) {
		delay = clock.NewTick(0)
	}
	if err := w.clk.ProgramShot(delay); err != nil {
		if log.ERRon() {
			log.ERR("timer: ProgramShot failed for cpu %d: %v\n", w.cpu, err)
		}
		return
	}
	w.nextShot = exp
	w.armed = true
}

// StartHostTick arms t as the host-tick emulation timer (spec §4.2.1): on
// every non-deferred expiry it invokes OnHostTick instead of a Handler, and
// reloads every interval ticks if periodic (interval == 0 means a
// one-shot host tick, which per spec "does not re-enqueue").
func (w *Wheel) StartHostTick(t *Timer, interval time.Duration) error {
	noop := func(*Wheel, *Timer, interface{}) (bool, time.Duration) { return false, 0 }
	if _, err := w.Start(t, interval, interval, Relative, noop, nil); err != nil {
		return err
	}
	w.lock()
	t.uflag |= fHostTickFlag
	w.unlock()
	return nil
}

func (w *Wheel) now() clock.Tick { return w.clk.ReadRaw() }

type delFlags uint8

const (
	fDelTry delFlags = 1 << iota // don't mark fDelete if running, just report
)

// stop attempts to remove t. Returns (true, nil) if removed, (false, nil) if
// t is currently running its handler (and, unless fDelTry, was marked so it
// will not re-arm once the handler returns).
func (w *Wheel) stop(t *Timer, delF delFlags) (bool, error) {
	w.lock()
	defer w.unlock()

	flags, lvl, idx := t.info.getAll()
	if flags&(fActive|fDelete) != fActive {
		if flags&fActive == 0 {
			return true, ErrInactiveTimer
		}
		// already marked for delete
		return flags&fRemoved != 0, ErrDeletedTimer
	}

	if lvl == wheelNone {
		// running (w.running == t) or already removed.
		if w.running == t {
			if delF&fDelTry == 0 {
				t.info.setFlags(fDelete)
			}
			return false, nil
		}
		if flags&fRemoved == 0 {
			log.BUG("timer: %p off-wheel but neither running nor removed\n", t)
		}
		return true, ErrAlreadyRemovedTimer
	}

	if lvl < levelsNo {
		w.levels[lvl].lsts[idx].rm(t)
	} else if lvl == wheelExp {
		w.expired.rm(t)
	} else {
		log.PANIC("timer: Stop found unknown level %d for %p\n", lvl, t)
	}
	t.next, t.prev = nil, nil
	t.info.setFlags(fRemoved)
	return true, nil
}

// Stop removes t, or marks it so it will not re-arm if it is currently
// running its handler. It may be called safely from inside the handler
// itself.
func (w *Wheel) Stop(t *Timer) (bool, error) {
	return w.stop(t, 0)
}

// Destroy marks t KILLED and dequeues it (spec §4.1: "destroy(timer): marks
// KILLED, dequeues"). Unlike Stop, it treats
// "already inactive/removed" as success rather than an error.
func (w *Wheel) Destroy(t *Timer) error {
	t.uflag |= fKilled
	_, err := w.stop(t, 0)
	if err == ErrInactiveTimer || err == ErrAlreadyRemovedTimer {
		return nil
	}
	return err
}

// StopWait removes t, busy-waiting for a concurrently-running handler to
// finish first if necessary. Supplements Stop with the teacher's DelWait
// semantics for callers that need the handler to have fully returned
// before StopWait itself returns.
func (w *Wheel) StopWait(t *Timer) (bool, error) {
	for {
		ok, err := w.stop(t, 0)
		if !ok && (err == nil || err == ErrDeletedTimer) {
			// t is (or was) running its handler and is now marked for
			// delete: wait until the handler has returned.
			w.lock()
			running := w.running == t
			w.unlock()
			if running {
				runtime.Gosched()
				continue
			}
			return true, nil
		}
		if ok && (err == ErrAlreadyRemovedTimer || err == ErrDeletedTimer) {
			err = nil
		}
		return ok, err
	}
}

// Migrate moves an armed, not-currently-running timer from w to dst (spec
// §4.1: "migrate(timer, target_cpu): ... stops, reassigns, re-enqueues,
// sends an IPI to the target CPU if the moved timer is now the new head").
// The caller is responsible for ensuring it runs on w's own CPU, per the
// invariant that migration is only ever initiated from the owning CPU.
func (w *Wheel) Migrate(t *Timer, dst *Wheel) error {
	w.lock()
	flags, lvl, idx := t.info.getAll()
	if flags&fActive == 0 {
		w.unlock()
		return ErrInactiveTimer
	}
	if lvl == wheelNone {
		w.unlock()
		return ErrRunningTimer
	}
	if lvl < levelsNo {
		w.levels[lvl].lsts[idx].rm(t)
	} else {
		w.expired.rm(t)
	}
	t.next, t.prev = nil, nil
	w.unlock()

	dst.lock()
	now := dst.now()
	newLvl, newIdx := getWheelPos(t.expire, now)
	err := dst.appendTimer(t, newLvl, newIdx)
	becameHead := err == nil && (!dst.armed || t.expire.LT(dst.nextShot))
	if err == nil {
		dst.maybeProgramShot(now, t.expire)
	}
	dst.unlock()

	if becameHead && dst.IPI != nil {
		dst.IPI(dst.cpu)
	}
	return err
}

// GetTimeout returns the remaining time until t's next expiry (0 once that
// expiry is reached), or the largest time.Duration, the duration
// counterpart of clock.Never, if t is not armed.
func (w *Wheel) GetTimeout(t *Timer) time.Duration {
	w.lock()
	defer w.unlock()
	if f := t.info.flags(); f&fActive == 0 || f&fRemoved != 0 {
		return time.Duration(1<<63 - 1)
	}
	now := w.now()
	if t.expire.LE(now) {
		return 0
	}
	return w.clk.TicksToNS(t.expire.Sub(now))
}

// GetOverruns reports how many periods of a periodic timer elapsed without
// the handler being run, since the last call (or since Start()), then
// advances the internal "ideal" expiry bookkeeping accordingly. Grounded on
// the xntimer_get_overruns overrun-collapse formula: non-periodic timers
// always report 0.
func (w *Wheel) GetOverruns(t *Timer) uint64 {
	w.lock()
	defer w.unlock()
	if t.uflag&fPeriodic == 0 || t.intvl <= 0 {
		return 0
	}
	period := w.clk.ToTicksRoundUp(t.intvl)
	now := w.now()
	delta := now.Sub(t.pexpect).Val()
	var overruns uint64
	if delta >= period.Val() && period.Val() != 0 {
		overruns = delta / period.Val()
		t.pexpect = t.pexpect.AddUint64(period.Val() * overruns)
	}
	t.pexpect = t.pexpect.Add(period)
	t.overruns = overruns
	return overruns
}

// AdjustAll implements clock.Adjustable: every Realtime-armed timer on this
// wheel is re-sorted by delta ticks (spec §4.1's "realtime adjustments
// become a bulk operation on the wheel"). delta is the change just applied
// to the realtime offset (ReadRealtime = monotonic + offset): a timer's
// monotonic expiry must move by -delta to keep firing at the same
// wall-clock instant, since less (or more) monotonic time now remains
// before the wall clock reaches that fixed point.
func (w *Wheel) AdjustAll(delta clock.Tick) {
	w.lock()
	defer w.unlock()
	now := w.now()
	pass := func(f func(l *list, e *Timer)) {
		for lvl := range w.levels {
			for i := range w.levels[lvl].lsts {
				w.levels[lvl].lsts[i].forEachSafeRm(f)
			}
		}
		w.expired.forEachSafeRm(f)
	}
	// Shift every realtime expiry first, then re-sort: re-sorting is
	// idempotent, so a timer moved into a list not yet scanned is not
	// shifted a second time.
	pass(func(l *list, e *Timer) {
		if e.uflag&fRealtimeFlag != 0 {
			e.expire = e.expire.Sub(delta)
		}
	})
	pass(func(l *list, e *Timer) {
		if e.uflag&fRealtimeFlag != 0 {
			w.redistTimer(l, e, now)
		}
	})
}

// redistTimer relocates t, currently in lst, to the list matching its
// expire relative to now.
func (w *Wheel) redistTimer(lst *list, t *Timer, now clock.Tick) {
	expire := t.expire
	if expire.LT(now) {
		expire = now
	}
	lvl, idx := getWheelPos(expire, now)
	if lvl == lst.wheelNo && idx == lst.wheelIdx {
		return
	}
	lst.rm(t)
	if w.appendTimer(t, lvl, idx) != nil {
		t.next, t.prev = nil, nil
		t.info.setFlags(fRemoved)
	}
}

func (w *Wheel) redistLst(lst *list, now clock.Tick) {
	lst.forEachSafeRm(func(l *list, e *Timer) {
		w.redistTimer(l, e, now)
	})
}

// redistribute cascades due levels down to level 0, then moves level 0's
// current slot into the expired list.
func (w *Wheel) redistribute(now clock.Tick) {
	t := now.Val()
	idx0 := level0Pos(t)
	if idx0 == 0 {
		idx1 := level1Pos(t)
		if idx1 == 0 {
			idx2 := level2Pos(t)
			if idx2 == 0 {
				idx3 := level3Pos(t)
				w.redistLst(&w.levels[3].lsts[idx3], now)
			}
			w.redistLst(&w.levels[2].lsts[idx2], now)
		}
		w.redistLst(&w.levels[1].lsts[idx1], now)
	}
	w.levels[0].lsts[idx0].mv(&w.expired)
}

// afterRun handles a handler's return value: re-arm if requested (and not
// killed meanwhile), otherwise finish. Must be called with w.mu held.
func (w *Wheel) afterRun(t *Timer, rearm bool, delta time.Duration) {
	if rearm && t.info.flags()&fDelete == 0 {
		t.info.resetFlags(fRunning)
		if delta != SameInterval && delta != 0 {
			t.intvl = delta
		}
		now := w.now()
		t.expire = now.Add(w.clk.ToTicksRoundUp(t.intvl))
		t.info.chgFlags(fActive, fInternalMask&^fActive)
		lvl, idx := getWheelPos(t.expire, now)
		if w.appendTimer(t, lvl, idx) != nil {
			log.BUG("timer: re-arm failed for %p\n", t)
			t.info.setFlags(fRemoved)
			return
		}
		w.maybeProgramShot(now, t.expire)
		return
	}
	if rearm {
		// fDelete was set while the handler ran.
		t.info.chgFlags(fRemoved, fRunning)
		return
	}
	// rearm == false: the handler may have freed t, touch only the flag
	// word the caller is guaranteed still owns.
	t.info.chgFlags(fRemoved, fRunning)
}

// processExpired runs every timer on the expired list, in list (hence
// expiry) order, one at a time: strict non-decreasing per-CPU execution
// order (spec §5). Must be called with w.mu held; releases it around each
// handler invocation so Start/Stop can be called reentrantly from within a
// handler.
func (w *Wheel) processExpired() {
	for !w.expired.isEmpty() {
		t := w.expired.head.next

		if t.uflag&fHostTickFlag != 0 && w.DeferHostTick != nil && w.DeferHostTick() {
			w.expired.rm(t)
			t.next, t.prev = nil, nil
			w.deferredHostTick = t
			continue
		}

		w.expired.rm(t)
		t.next, t.prev = nil, nil

		if t.uflag&fHostTickFlag != 0 {
			if w.OnHostTick != nil {
				w.OnHostTick()
			}
			w.running = t
			t.info.setFlags(fRunning)
			rearm := t.uflag&fPeriodic != 0
			w.afterRun(t, rearm, SameInterval)
			w.running = nil
			continue
		}

		w.running = t
		t.info.setFlags(fRunning)
		w.unlock()
		rearm, delta := t.fn(w, t, t.arg)
		w.lock()
		w.afterRun(t, rearm, delta)
		w.running = nil
	}
}

// DrainAll forcibly removes every timer still armed on this wheel without
// running their handlers, for nucleus teardown (spec §9: "drain timer
// wheels").
func (w *Wheel) DrainAll() {
	w.lock()
	defer w.unlock()
	drop := func(lst *list) {
		lst.forEachSafeRm(func(l *list, e *Timer) {
			l.rm(e)
			e.next, e.prev = nil, nil
			e.info.setFlags(fRemoved)
		})
	}
	for lvl := range w.levels {
		for i := range w.levels[lvl].lsts {
			drop(&w.levels[lvl].lsts[i])
		}
	}
	drop(&w.expired)
}

// Tick advances the wheel by one hardware tick, cascading due timers and
// running every expired handler. Callers must serialize Tick() calls for a
// given Wheel (normally: only the CPU's own tick/IRQ context calls it).
func (w *Wheel) Tick() {
	w.lock()
	now := w.now()
	// Whatever oneshot was last programmed has now fired (or this Tick was
	// driven some other way); maybeProgramShot calls below must be free to
	// reprogram rather than see a stale "already armed for this" skip.
	w.armed = false
	w.redistribute(now)
	w.processExpired()
	if w.deferredHostTick != nil {
		t := w.deferredHostTick
		w.deferredHostTick = nil
		w.expired.append(t)
	}
	w.unlock()
}
