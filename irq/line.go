// Copyright 2024 nkcore authors. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package irq implements the per-line interrupt handler chain: non-shared,
// level-shared, and edge-shared dispatch, attach/detach with a
// synchronization fence, per-CPU execution-time accounting, the
// 1000-unhandled auto-disable, and the 128-pass edge-drain bound. Grounded
// on original_source/kernel/cobalt/intr.c.
package irq

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/intuitivelabs/timestamp"

	"github.com/rtnucleus/nkcore/log"
)

// LineFlag is a subset of a line's {SHARED, EDGE} flags (spec §4.5).
type LineFlag uint32

const (
	Shared LineFlag = 1 << iota
	Edge
)

// EdgeMaxPasses is the bound on edge-shared redrain passes (spec §4.5.2:
// "up to a bound of 128 passes"). A package variable rather than a
// constant per spec §9's Open Questions: "implementers may expose it as a
// tunable but should preserve the default".
var EdgeMaxPasses = 128

var revision uint64

// Revision returns the global attach/detach topology counter, incremented
// on every successful Attach and Detach (spec §4.5.1: "a global revision counter used
// by statistical readers to detect concurrent topology changes").
func Revision() uint64 { return atomic.LoadUint64(&revision) }

// Line is one IRQ line: zero, one, or a chain of Handlers, plus the
// dispatch strategy the first attached handler picked (spec §4.5).
type Line struct {
	irq int
	ncpu int

	mu       sync.Mutex // dispatch lock: also the detach synchronization fence
	flags    LineFlag
	iack     func(int) bool
	handlers []*Handler

	enabled       bool
	forceNoEnable bool // edge-burst tripwire: the whole line stays off

	// Enable/Disable talk to the PIC. Nil is legal in tests: the line
	// then just tracks its own enabled bit.
	Enable  func(irq int)
	Disable func(irq int)
}

func newLine(irq, ncpu int) *Line {
	return &Line{irq: irq, ncpu: ncpu, enabled: true}
}

func (l *Line) strategy() (shared, edge bool) {
	return l.flags&Shared != 0, l.flags&Edge != 0
}

// Attach adds a handler to the line (spec §4.5.1). The first handler
// chooses the line's flags; later handlers must request the same
// SHARED/EDGE combination, and must supply an iack exactly when the first
// handler did (the iack function values themselves are not compared).
func (l *Line) Attach(name string, isr func(*Handler) ISRFlag, flags LineFlag, iack func(int) bool, cookie interface{}) (*Handler, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.handlers) == 0 {
		l.flags = flags
		l.iack = iack
	} else {
		if l.flags != flags {
			return nil, ErrIncompatibleHandler
		}
		if l.flags&Shared == 0 {
			return nil, ErrAlreadyAttached
		}
		if (l.iack == nil) != (iack == nil) {
			return nil, ErrIncompatibleHandler
		}
	}

	h := newHandler(name, isr, iack, cookie, l.ncpu)
	h.line = l
	l.handlers = append(l.handlers, h)
	atomic.AddUint64(&revision, 1)
	return h, nil
}

// Detach unlinks h from the line under the dispatch lock, which doubles as
// the synchronization fence: any CPU mid-dispatch for this line holds the
// same lock, so Detach cannot return until that dispatch cycle is done
// (spec §4.5.1).
func (l *Line) Detach(h *Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, v := range l.handlers {
		if v == h {
			l.handlers = append(l.handlers[:i], l.handlers[i+1:]...)
			atomic.AddUint64(&revision, 1)
			return nil
		}
	}
	return ErrHandlerNotFound
}

func (l *Line) doEnable() {
	l.enabled = true
	if l.Enable != nil {
		l.Enable(l.irq)
	}
}

func (l *Line) doDisable() {
	l.enabled = false
	if l.Disable != nil {
		l.Disable(l.irq)
	}
}

func (l *Line) runOne(cpu int, h *Handler) ISRFlag {
	start := timestamp.Now()
	var flags ISRFlag
	if h.ISR != nil {
		flags = h.ISR(h)
	} else {
		flags = None
	}
	dur := time.Duration(timestamp.Now().Sub(start))
	h.charge(cpu, dur, flags&None != 0)

	if flags&None != 0 && h.checkAutoDisable(cpu) {
		if log.WARNon() {
			log.WARN("irq: line %d handler %q forced NOENABLE after %d unhandled hits\n",
				l.irq, h.Name, unhandledLimit)
		}
	}
	if h.autoDisabled() {
		flags |= NoEnable
	}
	return flags
}

// dispatch runs the appropriate strategy for cpu and reports the OR'd
// result flags (spec §4.5.2).
func (l *Line) dispatch(cpu int) ISRFlag {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.handlers) == 0 {
		return None
	}

	shared, edge := l.strategy()

	if !shared {
		flags := l.runOne(cpu, l.handlers[0])
		l.settle(flags)
		return flags
	}

	if !edge {
		var all ISRFlag
		for _, h := range l.handlers {
			all |= l.runOne(cpu, h)
		}
		l.settle(all)
		return all
	}

	var all ISRFlag
	pass := 0
	for {
		pass++
		var passFlags ISRFlag
		anyHandled := false
		for _, h := range l.handlers {
			f := l.runOne(cpu, h)
			passFlags |= f
			if f&Handled != 0 {
				anyHandled = true
			}
		}
		all |= passFlags
		if !anyHandled {
			break
		}
		if pass >= EdgeMaxPasses {
			if log.WARNon() {
				log.WARN("irq: line %d exceeded %d edge-drain passes, forcing NOENABLE\n",
					l.irq, EdgeMaxPasses)
			}
			l.forceNoEnable = true
			all |= NoEnable
			break
		}
	}
	l.settle(all)
	return all
}

// settle applies the post-dispatch PROPAGATE/NOENABLE decision (spec
// §4.5.2 steps 5): re-enable unless the OR'd result (or a prior edge-burst
// trip) says otherwise.
func (l *Line) settle(flags ISRFlag) {
	if flags&Propagate != 0 {
		return
	}
	if flags&NoEnable != 0 || l.forceNoEnable {
		l.doDisable()
		return
	}
	l.doEnable()
}

// Enabled reports whether the line is currently enabled at the PIC.
func (l *Line) Enabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// IRQ returns the line number.
func (l *Line) IRQ() int { return l.irq }
