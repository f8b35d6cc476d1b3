// Copyright 2024 nkcore authors. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package sync implements the wait object (spec §4.3): a polymorphic wait
// queue carrying optional ownership, priority inheritance, priority-protect
// (ceiling), robust ownership stealing, FIFO/priority ordering, and a
// fastlock word standing in for an uncontended userland CAS fast path.
// Grounded on original_source/kernel/cobalt/synch.c (xnsynch_*).
package sync

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"v.io/x/lib/nsync"

	"github.com/rtnucleus/nkcore/log"
	"github.com/rtnucleus/nkcore/sched"
)

// Flag is a subset of a wait object's flags (spec §3).
type Flag uint32

const (
	PrioOrder Flag = 1 << iota
	OwnerTracked
	PIEnabled
	DisableReorder
	Exported
	claimedFlag // internal: mirrors "CLAIMED" in spec text; exported as Claimed() accessor
	Boosted
)

// NoHandle is the fastlock value meaning "free".
const NoHandle uint64 = 0

// ClaimedMask is the fastlock bit meaning "at least one waiter is queued".
const ClaimedMask uint64 = 1 << 63

// WaitObject is the core's polymorphic wait queue. The zero value is not
// usable; create with New.
type WaitObject struct {
	mu sync.Mutex

	flags Flag
	pendq []*sched.Thread // ordered waiters, pendq[0] = head (next granted)
	owner *sched.Thread

	fastlock uint64 // atomic

	ceiling int

	sc sched.Scheduler

	cleanup func(*WaitObject)
}

// New creates a wait object with the given flags. PIEnabled implies both
// PrioOrder and OwnerTracked (spec §4.3.1). sc may be nil, in which case
// Reschedule notifications are simply dropped.
func New(flags Flag, sc sched.Scheduler) *WaitObject {
	if flags&PIEnabled != 0 {
		flags |= PrioOrder | OwnerTracked
	}
	w := &WaitObject{flags: flags, sc: sc}
	if flags&OwnerTracked != 0 {
		atomic.StoreUint64(&w.fastlock, NoHandle)
	}
	return w
}

// SetCleanup installs a destructor invoked once from Destroy.
func (w *WaitObject) SetCleanup(f func(*WaitObject)) {
	w.mu.Lock()
	w.cleanup = f
	w.mu.Unlock()
}

func (w *WaitObject) reschedule() {
	if w.sc != nil {
		w.sc.Reschedule()
	}
}

// Owner returns the current owner, or nil if unowned or not OwnerTracked.
func (w *WaitObject) Owner() *sched.Thread {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.owner
}

// Len returns the number of queued waiters.
func (w *WaitObject) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pendq)
}

// Claimed reports whether the CLAIMED bit is set (pendq non-empty and
// PIEnabled).
func (w *WaitObject) Claimed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flags&claimedFlag != 0
}

// ClaimPrio implements sched.Claimed: the priority this object currently
// contributes to its owner's boost. Priority-protect (a non-zero ceiling)
// dominates priority-inheritance (the head waiter's weighted priority).
func (w *WaitObject) ClaimPrio() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.claimPrioLocked()
}

func (w *WaitObject) claimPrioLocked() int {
	if w.ceiling != 0 {
		return w.ceiling
	}
	if w.flags&PIEnabled != 0 && len(w.pendq) > 0 {
		return w.pendq[0].WPrio()
	}
	return math.MinInt32
}

// SetPrioCeiling sets the priority-protect ceiling (0 disables PP). Raising
// it while held is legal. The ceiling is reported through ClaimPrio only:
// Acquire and Release do not boost the owner to it or restore it, so it
// affects an owner's priority only while this object sits on that owner's
// claim queue (after a priority-inheritance claim).
func (w *WaitObject) SetPrioCeiling(ceiling int) {
	w.mu.Lock()
	w.ceiling = ceiling
	w.mu.Unlock()
}

// PrioCeiling returns the current ceiling.
func (w *WaitObject) PrioCeiling() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ceiling
}

// insertPriority inserts t into pendq in descending-WPrio order, after any
// existing equal-priority entries (FIFO among equals).
func insertPriority(pendq []*sched.Thread, t *sched.Thread) []*sched.Thread {
	p := t.WPrio()
	i := 0
	for ; i < len(pendq); i++ {
		if pendq[i].WPrio() < p {
			break
		}
	}
	pendq = append(pendq, nil)
	copy(pendq[i+1:], pendq[i:])
	pendq[i] = t
	return pendq
}

func (w *WaitObject) removeWaiter(t *sched.Thread) bool {
	for i, v := range w.pendq {
		if v == t {
			w.pendq = append(w.pendq[:i], w.pendq[i+1:]...)
			return true
		}
	}
	return false
}

// deadlineFor turns a caller's timeout into an nsync deadline. Relative is
// exact; Absolute is approximated as relative-from-now too, since sched has
// no monotonic epoch of its own to measure against (it deliberately doesn't
// import clock, to keep sched/timer free of a cycle) — callers wanting a
// true fixed-point deadline should compute the remaining duration themselves
// from a clock.Source before calling in.
func deadlineFor(timeout time.Duration, mode sched.TimeoutMode) time.Time {
	if mode == sched.NoTimeout || timeout <= 0 {
		return nsync.NoDeadline
	}
	return time.Now().Add(timeout)
}

// SleepOn implements the ownerless wait path (spec §4.3.2): insert self
// into pendq (tail if FIFO, priority-sorted otherwise), suspend, and report
// whichever of {RMID, TIMEO, BREAK} caused the wakeup (nil on a normal
// signal).
func (w *WaitObject) SleepOn(self *sched.Thread, timeout time.Duration, mode sched.TimeoutMode, cancel <-chan struct{}) error {
	w.mu.Lock()
	if w.flags&PrioOrder != 0 {
		w.pendq = insertPriority(w.pendq, self)
	} else {
		w.pendq = append(w.pendq, self)
	}
	self.Wchan = w
	w.mu.Unlock()

	info := self.Suspend(deadlineFor(timeout, mode), cancel)

	w.mu.Lock()
	if self.Wchan == w {
		// still queued: nothing woke it via wakeup_*; this was a
		// timeout/cancel, so forget it ourselves.
		w.removeWaiter(self)
		self.Wchan = nil
	}
	w.mu.Unlock()

	return errFromInfo(info)
}

func errFromInfo(info sched.InfoFlag) error {
	switch {
	case info&sched.RMID != 0:
		return ErrRMID
	case info&sched.Timeo != 0:
		return ErrTimeout
	case info&sched.Break != 0:
		return ErrBreak
	}
	return nil
}

// WakeupOneSleeper pops the head waiter, clears its wchan, and resumes it.
// Returns the woken thread, or nil if pendq was empty.
func (w *WaitObject) WakeupOneSleeper() *sched.Thread {
	w.mu.Lock()
	if len(w.pendq) == 0 {
		w.mu.Unlock()
		return nil
	}
	t := w.pendq[0]
	w.pendq = w.pendq[1:]
	t.Wchan = nil
	w.mu.Unlock()

	t.Resume()
	w.reschedule()
	return t
}

// WakeupNSleepers calls WakeupOneSleeper up to n times.
func (w *WaitObject) WakeupNSleepers(n int) []*sched.Thread {
	woken := make([]*sched.Thread, 0, n)
	for i := 0; i < n; i++ {
		t := w.WakeupOneSleeper()
		if t == nil {
			break
		}
		woken = append(woken, t)
	}
	return woken
}

// WakeupThisSleeper removes and resumes a specific queued waiter. It is a
// no-op (false) if t is not currently queued here.
func (w *WaitObject) WakeupThisSleeper(t *sched.Thread) bool {
	w.mu.Lock()
	if !w.removeWaiter(t) {
		w.mu.Unlock()
		return false
	}
	t.Wchan = nil
	w.mu.Unlock()

	t.Resume()
	w.reschedule()
	return true
}

// Flush drains every waiter, ORing reason into each one's info bits (spec
// §4.3.2). Returns the number of threads woken.
func (w *WaitObject) Flush(reason sched.InfoFlag) int {
	w.mu.Lock()
	waiters := w.pendq
	w.pendq = nil
	for _, t := range waiters {
		t.Wchan = nil
	}
	w.mu.Unlock()

	for _, t := range waiters {
		t.Wake(reason)
	}
	if len(waiters) > 0 {
		w.reschedule()
	}
	return len(waiters)
}

// Destroy wakes every waiter with RMID, clears the owner, and runs the
// cleanup callback if any (spec §3: "Destroying a wait object wakes all
// waiters with a RMID info flag and transfers ownership to nobody").
func (w *WaitObject) Destroy() {
	w.Flush(sched.RMID)
	w.mu.Lock()
	w.owner = nil
	cleanup := w.cleanup
	if w.flags&OwnerTracked != 0 {
		atomic.StoreUint64(&w.fastlock, NoHandle)
	}
	w.mu.Unlock()
	if cleanup != nil {
		cleanup(w)
	}
}

// boostOwnerLocked implements the PI-boost half of Acquire's contended path
// (spec §4.3.3): record/move this object on the owner's claimq at self's
// priority and renice the owner, propagating through the PI chain.
func (w *WaitObject) boostOwnerLocked(owner, self *sched.Thread) {
	if !owner.HasState(sched.Boost) {
		owner.SetState(sched.Boost)
	}
	wasClaimed := w.flags&claimedFlag != 0
	w.flags |= claimedFlag
	w.mu.Unlock()
	if wasClaimed {
		owner.ReorderClaim(w)
	} else {
		owner.AddClaim(w)
	}
	owner.Renice()
	w.mu.Lock()
	w.flags |= Boosted
}

// clearBoostLocked implements Release's "clear boost" step (spec §4.3.3): remove
// w from oldOwner's claimq, clear CLAIMED, and renice oldOwner from its
// remaining held objects.
func (w *WaitObject) clearBoostLocked(oldOwner *sched.Thread) {
	w.flags &^= claimedFlag
	w.flags &^= Boosted
	w.mu.Unlock()
	oldOwner.RemoveClaim(w)
	if !oldOwner.HasClaims() {
		oldOwner.ClearState(sched.Boost)
	}
	oldOwner.Renice()
	w.mu.Lock()
}

// Acquire implements the owner-tracked contended path (spec §4.3.3): a
// successful uncontended CAS on the fastlock is the fast path; otherwise
// self queues (FIFO or priority order), optionally boosts the current
// owner (PI), and suspends until granted, timed out, or broken.
//
// nonBlocking, if true, makes a held lock return ErrWouldBlock instead of
// queuing (spec §4.3.8's EWOULDBLOCK).
func (w *WaitObject) Acquire(self *sched.Thread, timeout time.Duration, mode sched.TimeoutMode, cancel <-chan struct{}, nonBlocking bool) error {
	if w.flags&OwnerTracked == 0 {
		return ErrInvalid
	}

	if atomic.CompareAndSwapUint64(&w.fastlock, NoHandle, self.Handle()) {
		w.mu.Lock()
		w.owner = self
		w.mu.Unlock()
		sched.EnterPrimary(self)
		return nil
	}

	w.mu.Lock()
	if w.owner == self {
		w.mu.Unlock()
		return ErrDeadlock
	}
	owner := w.owner
	if owner == nil {
		w.mu.Unlock()
		log.BUG("sync: fastlock contended but owner is nil\n")
		return ErrRMID
	}

	if nonBlocking {
		w.mu.Unlock()
		return ErrWouldBlock
	}
	atomic.StoreUint64(&w.fastlock, w.fastlock|ClaimedMask)

	selfPrio := self.WPrio()
	stolen := false
	if w.flags&PrioOrder == 0 {
		w.pendq = append(w.pendq, self)
	} else if selfPrio > owner.WPrio() && owner.HasState(sched.Waken) {
		// owner was just woken for hand-off but hasn't resumed yet:
		// steal ownership outright (spec §4.3.3).
		w.owner = self
		owner.SetState(sched.Robbed)
		self.ClearInfo(sched.RMID | sched.Timeo | sched.Break)
		stolen = true
	} else if selfPrio > owner.WPrio() {
		w.pendq = insertPriority(w.pendq, self)
		if w.flags&PIEnabled != 0 {
			w.boostOwnerLocked(owner, self)
		}
	} else {
		w.pendq = insertPriority(w.pendq, self)
	}

	if stolen {
		claimed := len(w.pendq) > 0
		newHandle := self.Handle()
		if claimed {
			newHandle |= ClaimedMask
		}
		atomic.StoreUint64(&w.fastlock, newHandle)
		w.mu.Unlock()
		sched.EnterPrimary(self)
		w.reschedule()
		return nil
	}

	self.Wchan = w
	w.mu.Unlock()

	for {
		info := self.Suspend(deadlineFor(timeout, mode), cancel)
		self.Wwake = nil
		self.ClearState(sched.Waken)

		if info&(sched.RMID|sched.Timeo|sched.Break) != 0 {
			w.mu.Lock()
			w.removeWaiter(self)
			self.Wchan = nil
			w.mu.Unlock()
			return errFromInfo(info)
		}
		if self.HasState(sched.Robbed) {
			self.ClearState(sched.Robbed)
			// A higher-priority thief arrived while we were
			// runnable but not yet resumed; retry the fast path.
			if atomic.CompareAndSwapUint64(&w.fastlock, NoHandle, self.Handle()) {
				w.mu.Lock()
				w.owner = self
				w.mu.Unlock()
				sched.EnterPrimary(self)
				return nil
			}
			// Still contended: the thief now owns it. Re-join the
			// wait queue (we were popped off it by the hand-off
			// that got stolen) before suspending again.
			w.mu.Lock()
			owner = w.owner
			if w.flags&PrioOrder == 0 {
				w.pendq = append(w.pendq, self)
			} else {
				w.pendq = insertPriority(w.pendq, self)
				if w.flags&PIEnabled != 0 && owner != nil && self.WPrio() > owner.WPrio() {
					w.boostOwnerLocked(owner, self)
				}
			}
			self.Wchan = w
			w.mu.Unlock()
			continue
		}
		break
	}

	w.mu.Lock()
	claimed := len(w.pendq) > 0
	newHandle := self.Handle()
	if claimed {
		newHandle |= ClaimedMask
	}
	atomic.StoreUint64(&w.fastlock, newHandle)
	w.mu.Unlock()
	sched.EnterPrimary(self)
	return nil
}

// Release implements the release path (spec §4.3.3): hand off to the head
// waiter if any, else clear the owner and fastlock. Returns the thread
// handed ownership to, or nil if the object is now free.
func (w *WaitObject) Release(self *sched.Thread) *sched.Thread {
	w.mu.Lock()
	if len(w.pendq) == 0 {
		w.owner = nil
		atomic.StoreUint64(&w.fastlock, NoHandle)
		w.mu.Unlock()
		sched.ExitPrimary(self)
		return nil
	}

	next := w.pendq[0]
	w.pendq = w.pendq[1:]
	next.Wchan = nil
	next.Wwake = self
	next.SetState(sched.Waken)
	w.owner = next

	wasClaimed := w.flags&claimedFlag != 0
	w.mu.Unlock()

	if wasClaimed {
		w.mu.Lock()
		w.clearBoostLocked(self)
		w.mu.Unlock()
	}
	sched.ExitPrimary(self)

	w.mu.Lock()
	claimedNow := len(w.pendq) > 0
	newHandle := next.Handle()
	if claimedNow {
		newHandle |= ClaimedMask
	}
	atomic.StoreUint64(&w.fastlock, newHandle)
	w.mu.Unlock()

	next.Resume()
	w.reschedule()
	return next
}

// Requeue re-sorts a queued waiter after its priority changed, and, if it
// now outranks the owner, boosts the owner (spec §4.3.4).
func (w *WaitObject) Requeue(t *sched.Thread) {
	w.mu.Lock()
	if w.flags&PrioOrder == 0 || !w.removeWaiter(t) {
		w.mu.Unlock()
		return
	}
	w.pendq = insertPriority(w.pendq, t)
	owner := w.owner
	if owner != nil && w.flags&PIEnabled != 0 && len(w.pendq) > 0 && w.pendq[0] == t && t.WPrio() > owner.WPrio() {
		w.boostOwnerLocked(owner, t)
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()
}

// ForgetSleeper removes a waiter that is leaving the queue for a reason
// other than a regular release (timeout, cancellation, delete): spec
// §4.3.7. If it was claiming on behalf of the head, the owner's boost is
// lowered or cleared to match the new head.
func (w *WaitObject) ForgetSleeper(t *sched.Thread) {
	w.mu.Lock()
	wasHead := len(w.pendq) > 0 && w.pendq[0] == t
	if !w.removeWaiter(t) {
		w.mu.Unlock()
		return
	}
	t.Wchan = nil
	owner := w.owner
	claimed := w.flags&claimedFlag != 0
	empty := len(w.pendq) == 0
	w.mu.Unlock()

	if owner == nil || !claimed || !wasHead {
		return
	}
	if empty {
		w.mu.Lock()
		w.clearBoostLocked(owner)
		w.mu.Unlock()
		return
	}
	owner.ReorderClaim(w)
	owner.Renice()
}
