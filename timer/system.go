// Copyright 2024 nkcore authors. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package timer

import "github.com/rtnucleus/nkcore/clock"

// System owns one Wheel per CPU, all driven by the same clock.Source. It is
// the unit nk.Nucleus wires up (spec §3's "Timer wheel (per CPU)").
type System struct {
	clk    *clock.Source
	wheels []*Wheel
}

// NewSystem creates a System with one Wheel per CPU in [0, ncpus).
func NewSystem(clk *clock.Source, ncpus int) *System {
	s := &System{clk: clk, wheels: make([]*Wheel, ncpus)}
	for i := range s.wheels {
		s.wheels[i] = New(i, clk)
	}
	return s
}

// NCPU returns the number of CPU wheels in the system.
func (s *System) NCPU() int { return len(s.wheels) }

// Wheel returns the wheel bound to cpu.
func (s *System) Wheel(cpu int) (*Wheel, error) {
	if cpu < 0 || cpu >= len(s.wheels) {
		return nil, ErrNoCPU
	}
	return s.wheels[cpu], nil
}

// TickAll advances every CPU's wheel by one hardware tick. Real deployments
// instead call Wheel(cpu).Tick() directly from each CPU's own tick/IRQ
// context; TickAll is a convenience for single-threaded tests and
// simulations.
func (s *System) TickAll() {
	for _, w := range s.wheels {
		w.Tick()
	}
}

// DrainAll removes every armed timer on every CPU's wheel without running
// their handlers (spec §9's teardown step "drain timer wheels").
func (s *System) DrainAll() {
	for _, w := range s.wheels {
		w.DrainAll()
	}
}

// Migrate moves t from its current CPU's wheel to target. The caller must
// already be running on fromCPU (spec §3: "migration ... initiated from the
// owning CPU"); System itself does not check or enforce this, since it has
// no notion of "current CPU" outside of the sched package.
func (s *System) Migrate(t *Timer, fromCPU, targetCPU int) error {
	from, err := s.Wheel(fromCPU)
	if err != nil {
		return err
	}
	to, err := s.Wheel(targetCPU)
	if err != nil {
		return err
	}
	return from.Migrate(t, to)
}
