// Copyright 2024 nkcore authors. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package irq

import (
	"sync"
	"sync/atomic"

	"github.com/rtnucleus/nkcore/sched"
)

// noClockIRQ means no line is registered as the clock-tick bypass.
const noClockIRQ = -1

// Dispatcher owns every Line on a system, the per-CPU IN_IRQ nesting
// counters feeding the scheduler's entry point, and the hardware-timer
// bypass (spec §4.5.3).
type Dispatcher struct {
	mu    sync.Mutex
	lines map[int]*Line
	ncpu  int

	nesting []int32 // atomic, per CPU
	inIRQ   []int32 // atomic bool, per CPU

	sc sched.Scheduler

	// Propagate forwards an unhandled-but-PROPAGATE-flagged IRQ to the
	// host pipeline (spec §4.5.2 step 5). Nil is a no-op.
	Propagate func(irq int)

	clockIRQ  int
	ClockTick func(cpu int) // bypasses the general chain entirely
}

// NewDispatcher creates a Dispatcher for ncpu CPUs.
func NewDispatcher(ncpu int, sc sched.Scheduler) *Dispatcher {
	return &Dispatcher{
		lines:    make(map[int]*Line),
		ncpu:     ncpu,
		nesting:  make([]int32, ncpu),
		inIRQ:    make([]int32, ncpu),
		sc:       sc,
		clockIRQ: noClockIRQ,
	}
}

// Line returns the line for irq, creating it on first use.
func (d *Dispatcher) Line(irq int) *Line {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.lines[irq]
	if !ok {
		l = newLine(irq, d.ncpu)
		d.lines[irq] = l
	}
	return l
}

// SetClockIRQ designates irq as the hardware-timer line bypassing the
// general chain straight into the clock tick handler (spec §4.5.3).
func (d *Dispatcher) SetClockIRQ(irq int) {
	d.mu.Lock()
	d.clockIRQ = irq
	d.mu.Unlock()
}

// Dispatch runs the handler chain (or the clock-tick bypass) for irq on
// cpu (spec §4.5.2). Interrupts are assumed already disabled by hardware,
// per spec §4.5's preamble.
func (d *Dispatcher) Dispatch(cpu, irq int) {
	d.mu.Lock()
	if irq == d.clockIRQ && d.ClockTick != nil {
		d.mu.Unlock()
		d.ClockTick(cpu)
		return
	}
	l, ok := d.lines[irq]
	d.mu.Unlock()
	if !ok {
		return
	}

	atomic.AddInt32(&d.nesting[cpu], 1)
	atomic.StoreInt32(&d.inIRQ[cpu], 1)

	flags := l.dispatch(cpu)
	if flags&Propagate != 0 && d.Propagate != nil {
		d.Propagate(irq)
	}

	if atomic.AddInt32(&d.nesting[cpu], -1) == 0 {
		atomic.StoreInt32(&d.inIRQ[cpu], 0)
		if d.sc != nil {
			d.sc.Reschedule()
		}
	}
}

// InIRQ reports whether cpu is currently inside interrupt context.
func (d *Dispatcher) InIRQ(cpu int) bool {
	return atomic.LoadInt32(&d.inIRQ[cpu]) != 0
}
