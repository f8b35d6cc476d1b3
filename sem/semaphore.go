// Copyright 2024 nkcore authors. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package sem implements the counting semaphore (FIFO or priority queueing,
// plus "pulse" semantics) as a thin composition layer over
// sync.WaitObject — no independent queueing or boosting logic of its own.
// There is no separate binary or mutex flavor: the count is not capped and
// the semaphore has no owner.
// Grounded on original_source/ksrc/skins/native/sem.c.
package sem

import (
	"sync"
	"time"

	"github.com/rtnucleus/nkcore/sched"
	nsync "github.com/rtnucleus/nkcore/sync"
)

// Flag selects a semaphore's queueing discipline and signal-memory
// behavior (spec §3/§4.4).
type Flag uint32

const (
	// FIFO orders waiters by arrival (the default if neither FIFO nor
	// Prio is set).
	FIFO Flag = 1 << iota
	// Prio orders waiters by weighted priority.
	Prio
	// Pulse makes v() lose its signal when no waiter is present, instead
	// of incrementing count: "edge-triggered producer semantics".
	Pulse
)

// Semaphore is {count, flags, wait_object} (spec §3).
type Semaphore struct {
	mu    sync.Mutex
	count int
	flags Flag
	wo    *nsync.WaitObject
}

// New creates a semaphore with the given initial count and flags. Pulse
// requires icount == 0 (spec §4.4).
func New(icount int, flags Flag, sc sched.Scheduler) (*Semaphore, error) {
	if flags&Pulse != 0 && icount != 0 {
		return nil, ErrInvalidParameters
	}
	var woFlags nsync.Flag
	if flags&Prio != 0 {
		woFlags |= nsync.PrioOrder
	}
	return &Semaphore{
		count: icount,
		flags: flags,
		wo:    nsync.New(woFlags, sc),
	}, nil
}

// Count returns the current signal count (always 0 for a Pulse semaphore
// with no pending waiter, spec invariant 6).
func (s *Semaphore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// P decrements and returns immediately if count > 0; otherwise blocks
// (spec §4.4's p/p_until, unified behind a single timeout mode the way
// sync.WaitObject.SleepOn already does for Acquire).
func (s *Semaphore) P(self *sched.Thread, timeout time.Duration, mode sched.TimeoutMode, cancel <-chan struct{}, nonBlocking bool) error {
	s.mu.Lock()
	if s.count > 0 {
		s.count--
		s.mu.Unlock()
		return nil
	}
	if nonBlocking {
		s.mu.Unlock()
		return nsync.ErrWouldBlock
	}
	s.mu.Unlock()

	return s.wo.SleepOn(self, timeout, mode, cancel)
}

// V implements the post/signal path (spec §4.4): wake one waiter if any,
// else — unless Pulse — increment count.
func (s *Semaphore) V() {
	if woken := s.wo.WakeupOneSleeper(); woken != nil {
		return
	}
	s.mu.Lock()
	if s.flags&Pulse == 0 {
		s.count++
	}
	s.mu.Unlock()
}

// Broadcast wakes every waiter with a normal (non-error) wakeup and resets
// count to 0 (spec §4.4: "flush(0); set count <- 0").
func (s *Semaphore) Broadcast() {
	s.wo.Flush(0)
	s.mu.Lock()
	s.count = 0
	s.mu.Unlock()
}

// Delete wakes every waiter with RMID (spec §4.4's "flush(RMID)").
func (s *Semaphore) Delete() {
	s.wo.Flush(sched.RMID)
}
