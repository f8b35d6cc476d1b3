// Copyright 2024 nkcore authors. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package nk ties the clock, timer, synchronization, semaphore, and IRQ
// cores together, with the lifecycle spec §9 describes:
// Init/Start/Shutdown, re-initialization only from the "detached" state.
package nk

import (
	"sync"
	"time"

	"v.io/x/lib/nsync"

	"github.com/rtnucleus/nkcore/clock"
	"github.com/rtnucleus/nkcore/irq"
	"github.com/rtnucleus/nkcore/sched"
	nsynccore "github.com/rtnucleus/nkcore/sync"
	"github.com/rtnucleus/nkcore/timer"
)

type state uint8

const (
	detached state = iota
	initialized
	started
)

// Nucleus owns the module-level global mutable state spec §9 calls out:
// the nucleus lock, the per-CPU timer wheels, and the per-CPU scheduler
// slots, with a defined init/teardown sequence.
type Nucleus struct {
	// Lock is the global big-kernel lock (spec §5's nklock), available to
	// callers. Nothing in this package or in the clock, timer, sync, sem
	// or irq packages takes it: each of those serializes its own state
	// with its own mutex.
	Lock nsync.Mu

	mu    sync.Mutex
	st    state
	clk   *clock.Source
	tm    *timer.System
	irqd  *irq.Dispatcher
	sc    *sched.RefScheduler

	waitObjs []*nsynccore.WaitObject
}

// New creates a detached Nucleus. Call Init before using it.
func New() *Nucleus { return &Nucleus{} }

// Init brings the nucleus up with a tick period and a CPU count (spec §9).
// It is only legal from the detached state; a live Nucleus must be
// Shutdown first.
func (n *Nucleus) Init(tickDuration time.Duration, ncpu int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.st != detached {
		return ErrAlreadyInitialized
	}

	clk, err := clock.New(tickDuration)
	if err != nil {
		return err
	}
	n.clk = clk
	n.sc = sched.NewRefScheduler()
	n.tm = timer.NewSystem(clk, ncpu)
	n.irqd = irq.NewDispatcher(ncpu, n.sc)
	n.irqd.ClockTick = func(cpu int) {
		if w, err := n.tm.Wheel(cpu); err == nil {
			w.Tick()
		}
	}
	n.waitObjs = nil
	n.st = initialized
	return nil
}

// Clock returns the shared tick source.
func (n *Nucleus) Clock() *clock.Source {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.clk
}

// Timers returns the per-CPU timer wheel system.
func (n *Nucleus) Timers() *timer.System {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.tm
}

// IRQ returns the interrupt dispatcher.
func (n *Nucleus) IRQ() *irq.Dispatcher {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.irqd
}

// Scheduler returns the reference scheduler collaborator every
// sync/sem/irq operation reschedules through.
func (n *Nucleus) Scheduler() *sched.RefScheduler {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sc
}

// NewWaitObject creates a wait object wired to this nucleus's scheduler and
// registers it so Shutdown can cancel any thread still blocked on it.
func (n *Nucleus) NewWaitObject(flags nsynccore.Flag) *nsynccore.WaitObject {
	n.mu.Lock()
	defer n.mu.Unlock()
	wo := nsynccore.New(flags, n.sc)
	n.waitObjs = append(n.waitObjs, wo)
	return wo
}

// Start transitions an initialized nucleus to running. There is currently
// nothing to do beyond the state check: the clock/timer/irq subsystems are
// driven by the caller's own tick/interrupt loop rather than an internal
// goroutine, so Start is the point past which Init may no longer be
// called again without an intervening Shutdown.
func (n *Nucleus) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch n.st {
	case detached:
		return ErrNotInitialized
	case started:
		return ErrAlreadyStarted
	}
	n.st = started
	return nil
}

// Shutdown tears the nucleus down in the order spec §9 names: stop the
// timer source, cancel every thread still waiting on a registered wait
// object, drain the timer wheels, free per-CPU state. The nucleus Lock is
// not touched. After Shutdown, Init may be called again (the "detached"
// state).
func (n *Nucleus) Shutdown() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.st == detached {
		return
	}

	if n.clk != nil {
		n.clk.StopHardware()
	}
	for _, wo := range n.waitObjs {
		wo.Destroy()
	}
	if n.tm != nil {
		n.tm.DrainAll()
	}

	n.clk = nil
	n.tm = nil
	n.irqd = nil
	n.sc = nil
	n.waitObjs = nil
	n.st = detached
}
