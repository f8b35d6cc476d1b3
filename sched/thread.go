// Copyright 2024 nkcore authors. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package sched provides the external scheduling collaborator the
// synchronization core blocks against: a Thread handle carrying the
// priority/state/claim bookkeeping synch.c keeps directly on xnthread_t, and
// a reference suspend/resume implementation built on v.io/x/lib/nsync's
// Mesa-style condition variable (spec §3's "Thread (external)").
package sched

import (
	"sync/atomic"
	"time"

	"v.io/x/lib/nsync"
)

// StateFlag is a subset of a thread's state_bits (spec §3).
type StateFlag uint32

const (
	Pend StateFlag = 1 << iota
	Relax
	TrapSW
	Weak
	Boost
	Robbed
	Waken
)

// InfoFlag is a subset of a thread's info_bits (spec §3).
type InfoFlag uint32

const (
	RMID InfoFlag = 1 << iota
	Timeo
	Break
	SWRep
)

// TimeoutMode selects how a caller's timeout is interpreted: no timeout,
// relative, or absolute. Unlike timer.Mode there is no realtime mode.
type TimeoutMode uint8

const (
	NoTimeout TimeoutMode = iota
	Relative
	Absolute
)

// Claimed is implemented by anything a Thread can hold in its claimq: an
// owner-tracked wait object contributes the wprio of its current head
// waiter (PI) or its ceiling (priority-protect).
type Claimed interface {
	// ClaimPrio returns the priority this held object currently
	// contributes to its owner's boost.
	ClaimPrio() int
}

var handleSeq uint64

// Thread is the scheduling collaborator's handle for one schedulable
// context. The zero value is not usable; create with New.
type Thread struct {
	mu nsync.Mu
	cv nsync.CV

	handle uint64

	Name        string
	basePrio    int
	classWeight int
	curPrio     int

	state StateFlag
	info  InfoFlag

	claimq []Claimed // owned boosting objects, highest ClaimPrio first

	// Wchan is an opaque back-pointer to the wait object this thread is
	// currently blocked on (nil otherwise). Owned by the sync package.
	Wchan interface{}
	// Wwake records the thread that handed ownership to this one in a
	// release hand-off; the woken acquirer clears it once it resumes. The
	// ownership-stealing check (spec §4.3.3) reads the Waken state bit,
	// not this field.
	Wwake *Thread

	woken bool
}

// New creates a Thread with the given base priority and scheduling-class
// weight (spec §4.3.2's wprio = base_prio + sched_class.weight).
func New(name string, basePrio, classWeight int) *Thread {
	return &Thread{
		Name:        name,
		handle:      atomic.AddUint64(&handleSeq, 1),
		basePrio:    basePrio,
		classWeight: classWeight,
		curPrio:     basePrio,
	}
}

// Handle returns a stable non-zero identifier, the Thread analogue of the
// fastlock word's packed thread reference.
func (t *Thread) Handle() uint64 { return t.handle }

// BasePrio returns the thread's unboosted priority.
func (t *Thread) BasePrio() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.basePrio
}

// Prio returns the thread's current (possibly boosted) priority.
func (t *Thread) Prio() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.curPrio
}

// WPrio returns the thread's weighted scheduling priority.
func (t *Thread) WPrio() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.curPrio + t.classWeight
}

// SetBasePrio changes the thread's base priority and recomputes its
// effective priority from the current claim queue.
func (t *Thread) SetBasePrio(p int) {
	t.mu.Lock()
	t.basePrio = p
	t.recomputePrioLocked()
	t.mu.Unlock()
}

func (t *Thread) recomputePrioLocked() int {
	p := t.basePrio
	for _, c := range t.claimq {
		if cp := c.ClaimPrio(); cp > p {
			p = cp
		}
	}
	if p != t.basePrio {
		t.state |= Boost
	} else {
		t.state &^= Boost
	}
	t.curPrio = p
	return p
}

// Renice recomputes t's effective priority from its current claimq (spec
// §4.3.3's "renice(owner, ...)"). It returns the new effective priority so
// callers can propagate the change through an outer PI chain.
func (t *Thread) Renice() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recomputePrioLocked()
}

// AddClaim inserts c into t's claim queue, highest ClaimPrio first.
func (t *Thread) AddClaim(c Claimed) {
	t.mu.Lock()
	i := 0
	for ; i < len(t.claimq); i++ {
		if t.claimq[i].ClaimPrio() < c.ClaimPrio() {
			break
		}
	}
	t.claimq = append(t.claimq, nil)
	copy(t.claimq[i+1:], t.claimq[i:])
	t.claimq[i] = c
	t.recomputePrioLocked()
	t.mu.Unlock()
}

// RemoveClaim removes c from t's claim queue, if present.
func (t *Thread) RemoveClaim(c Claimed) {
	t.mu.Lock()
	for i, v := range t.claimq {
		if v == c {
			t.claimq = append(t.claimq[:i], t.claimq[i+1:]...)
			break
		}
	}
	t.recomputePrioLocked()
	t.mu.Unlock()
}

// ReorderClaim re-sorts c within t's claim queue after its ClaimPrio has
// changed in place.
func (t *Thread) ReorderClaim(c Claimed) {
	t.mu.Lock()
	for i, v := range t.claimq {
		if v == c {
			t.claimq = append(t.claimq[:i], t.claimq[i+1:]...)
			break
		}
	}
	i := 0
	for ; i < len(t.claimq); i++ {
		if t.claimq[i].ClaimPrio() < c.ClaimPrio() {
			break
		}
	}
	t.claimq = append(t.claimq, nil)
	copy(t.claimq[i+1:], t.claimq[i:])
	t.claimq[i] = c
	t.recomputePrioLocked()
	t.mu.Unlock()
}

// HasClaims reports whether t currently boosts from any held object.
func (t *Thread) HasClaims() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.claimq) > 0
}

// State/Info bit helpers. All are safe for concurrent use.

func (t *Thread) SetState(f StateFlag) {
	t.mu.Lock()
	t.state |= f
	t.mu.Unlock()
}

func (t *Thread) ClearState(f StateFlag) {
	t.mu.Lock()
	t.state &^= f
	t.mu.Unlock()
}

func (t *Thread) HasState(f StateFlag) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state&f != 0
}

func (t *Thread) SetInfo(f InfoFlag) {
	t.mu.Lock()
	t.info |= f
	t.mu.Unlock()
}

func (t *Thread) ClearInfo(f InfoFlag) {
	t.mu.Lock()
	t.info &^= f
	t.mu.Unlock()
}

func (t *Thread) Info() InfoFlag {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.info
}

// Suspend parks the calling goroutine (standing in for the real thread)
// until Resume or Wake is called on t, the deadline (if any) passes, or
// cancel is closed. It returns the info bits that caused the wakeup: 0 on a
// normal resume, Timeo on deadline expiry, Break if cancel fired.
func (t *Thread) Suspend(deadline time.Time, cancel <-chan struct{}) InfoFlag {
	t.mu.Lock()
	t.state |= Pend
	for !t.woken {
		outcome := t.cv.WaitWithDeadline(&t.mu, deadline, cancel)
		if outcome == nsync.Expired {
			t.info |= Timeo
			break
		}
		if outcome == nsync.Cancelled {
			t.info |= Break
			break
		}
	}
	t.woken = false
	t.state &^= Pend
	info := t.info
	t.info = 0
	t.mu.Unlock()
	return info
}

// Resume wakes t from Suspend with no info bits set (a normal signal).
func (t *Thread) Resume() {
	t.mu.Lock()
	t.woken = true
	t.cv.Signal()
	t.mu.Unlock()
}

// Wake wakes t from Suspend, ORing info into its info_bits first (used to
// deliver RMID/TIMEO/BREAK out of band).
func (t *Thread) Wake(info InfoFlag) {
	t.mu.Lock()
	t.info |= info
	t.woken = true
	t.cv.Signal()
	t.mu.Unlock()
}
