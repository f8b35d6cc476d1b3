// Copyright 2024 nkcore authors. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package irq

import (
	"sync"
	"time"
)

// ISRFlag is the subset of {HANDLED, NONE, PROPAGATE, NOENABLE} an isr()
// call returns (spec §4.5).
type ISRFlag uint32

const (
	Handled ISRFlag = 1 << iota
	None
	Propagate
	NoEnable
)

// HandlerStats is one CPU's view of a handler's hit/exec-time/unhandled
// counters (spec §4.5: "per-CPU statistics (hits, execution time, account
// block)").
type HandlerStats struct {
	Hits      uint64
	Unhandled uint64
	ExecTime  time.Duration
}

// unhandledLimit is XNINTR_MAX_UNHANDLED: the number of consecutive NONE
// results that force a handler's line permanently disabled.
const unhandledLimit = 1000

// Handler is one handler record on a Line (spec §4.5).
type Handler struct {
	Name string
	// ISR runs with the line's dispatch lock held; its return flags
	// drive re-enable/propagate/unhandled-counting decisions.
	ISR func(h *Handler) ISRFlag
	// IAck is the platform-specific PIC acknowledge, shared by every
	// handler on a line (spec §4.5.1: "the same iack").
	IAck   func(irq int) bool
	Cookie interface{}

	line *Line

	mu           sync.Mutex
	stats        []HandlerStats
	consec       []uint64 // consecutive NONE results since the last HANDLED, per CPU
	forcedNoEnab bool
}

func newHandler(name string, isr func(*Handler) ISRFlag, iack func(int) bool, cookie interface{}, ncpu int) *Handler {
	return &Handler{
		Name:   name,
		ISR:    isr,
		IAck:   iack,
		Cookie: cookie,
		stats:  make([]HandlerStats, ncpu),
		consec: make([]uint64, ncpu),
	}
}

// Stats returns a snapshot of cpu's counters for this handler.
func (h *Handler) Stats(cpu int) HandlerStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats[cpu]
}

func (h *Handler) charge(cpu int, dur time.Duration, unhandled bool) {
	h.mu.Lock()
	h.stats[cpu].Hits++
	h.stats[cpu].ExecTime += dur
	if unhandled {
		h.stats[cpu].Unhandled++
		h.consec[cpu]++
	} else {
		h.consec[cpu] = 0
	}
	h.mu.Unlock()
}

// checkAutoDisable checks the per-handler consecutive-unhandled counter
// (bumped by charge) and forces NOENABLE once it reaches unhandledLimit
// (spec §4.5.2 step 4). It reports true only on that transition, so the
// caller logs it exactly once. Grounded on
// original_source/kernel/cobalt/intr.c's shirq->unhandled, which resets to
// 0 on any HANDLED result rather than accumulating over the handler's
// lifetime like the Unhandled stat does.
func (h *Handler) checkAutoDisable(cpu int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.forcedNoEnab {
		return false
	}
	if h.consec[cpu] >= unhandledLimit {
		h.forcedNoEnab = true
		return true
	}
	return false
}

func (h *Handler) autoDisabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.forcedNoEnab
}
