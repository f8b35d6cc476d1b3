// Copyright 2024 nkcore authors. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package clock provides the monotonic tick source shared by every per-CPU
// timer wheel: a wraparound-safe Tick counter, ns<->tick conversion, and
// realtime/monotonic offset tracking. It owns driving the platform oneshot
// timer hardware (through the HardwareTimer capability) and broadcasting
// realtime adjustments to every registered Adjustable (normally the per-CPU
// timer wheels), per spec §4.1.
package clock

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/intuitivelabs/timestamp"

	"github.com/rtnucleus/nkcore/log"
)

// HardwareTimer is the downward-facing capability the platform driver
// implements (spec §6: "Clock source driver (downward)").
type HardwareTimer interface {
	// ProgramShot arms the oneshot hardware to fire after delay ticks.
	// Implementations must cap delay at their own 32-bit range; a stray
	// early interrupt caused by wraparound is idempotent and harmless.
	ProgramShot(delay Tick) error
	// Stop disarms the hardware timer.
	Stop()
	// Calibrate returns the driver's best estimate of the tick period.
	Calibrate() (time.Duration, error)
}

// Adjustable receives realtime-offset adjustments (spec §4.2:
// adjust_all(delta_ticks)), normally implemented by a per-CPU timer.Wheel.
type Adjustable interface {
	AdjustAll(delta Tick)
}

// Source is a thin, platform-agnostic monotonic clock: a tick counter,
// ns<->tick conversion, and the realtime offset. Any number of Adjustable
// listeners (one per CPU's timer wheel) can be registered; Adjust()
// broadcasts to all of them atomically with respect to each other.
type Source struct {
	tickDuration time.Duration

	nowTicks uint64 // atomic

	offsetMu sync.Mutex
	offsetNs int64 // realtime = monotonic + offsetNs

	lastTickT timestamp.TS // last time the tick loop updated nowTicks
	badTime   uint32       // count of "time went backwards" events
	refTS     timestamp.TS // reference wall-clock timestamp
	refTicks  Tick         // tick value corresponding to refTS

	listenersMu sync.Mutex
	listeners   []Adjustable

	driver HardwareTimer

	// HostTime returns the host OS wall clock; overridable in tests.
	HostTime func() time.Time
}

// New creates a Source with the given tick duration. Tick durations under a
// microsecond cause excessive wakeups when idle; above a day is almost
// certainly a configuration mistake.
func New(tickDuration time.Duration) (*Source, error) {
	if tickDuration < time.Microsecond {
		return nil, ErrTickDurationTooSmall
	}
	if tickDuration > 24*time.Hour {
		return nil, ErrTickDurationTooLarge
	}
	c := &Source{
		tickDuration: tickDuration,
		HostTime:     time.Now,
	}
	now := timestamp.Now()
	c.lastTickT = now
	c.refTS = now
	return c, nil
}

// SetDriver installs the platform hardware timer driver.
func (c *Source) SetDriver(d HardwareTimer) { c.driver = d }

// Register adds a listener notified on every Adjust() call.
func (c *Source) Register(a Adjustable) {
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, a)
	c.listenersMu.Unlock()
}

// ReadRaw returns the current monotonic tick count (wall-time offset not
// applied).
func (c *Source) ReadRaw() Tick {
	return NewTick(atomic.LoadUint64(&c.nowTicks))
}

// ReadMonotonic returns the current monotonic time as a duration since the
// clock was created.
func (c *Source) ReadMonotonic() time.Duration {
	return c.TicksToNS(c.ReadRaw())
}

// ReadRealtime returns monotonic + offset.
func (c *Source) ReadRealtime() time.Duration {
	c.offsetMu.Lock()
	off := c.offsetNs
	c.offsetMu.Unlock()
	return c.ReadMonotonic() + time.Duration(off)
}

// GetHostTime samples the host OS wall clock. Used once at start-up to seed
// the realtime offset.
func (c *Source) GetHostTime() time.Time {
	return c.HostTime()
}

// SeedOffset sets the realtime offset so that ReadRealtime() matches the
// host wall clock right now.
func (c *Source) SeedOffset() {
	host := c.GetHostTime()
	c.offsetMu.Lock()
	c.offsetNs = int64(host.Sub(time.Unix(0, 0))) - int64(c.ReadMonotonic())
	c.offsetMu.Unlock()
}

// Adjust shifts the realtime offset by delta and notifies every registered
// Adjustable (spec §4.1: "realtime adjustments become a bulk operation on
// the wheel").
func (c *Source) Adjust(delta time.Duration) {
	c.offsetMu.Lock()
	c.offsetNs += int64(delta)
	c.offsetMu.Unlock()

	deltaTicks, _ := c.ToTicks(delta)
	c.listenersMu.Lock()
	ls := append([]Adjustable(nil), c.listeners...)
	c.listenersMu.Unlock()
	for _, l := range ls {
		l.AdjustAll(deltaTicks)
	}
}

// ToTicks converts d to ticks (rounded down) and the remainder.
func (c *Source) ToTicks(d time.Duration) (Tick, time.Duration) {
	if c.tickDuration == 0 {
		return NewTick(0), d
	}
	neg := d < 0
	if neg {
		d = -d
	}
	t := uint64(d / c.tickDuration)
	rest := d % c.tickDuration
	if neg {
		return NewTick(0).SubUint64(t), -rest
	}
	return NewTick(t), rest
}

// ToTicksRoundUp converts d to ticks, rounding up whenever d is smaller than
// one tick or falls past the mid-point between ticks. This is the rounding
// rule used internally for every expiry computation: better a timer fires
// one tick late than one tick early.
func (c *Source) ToTicksRoundUp(d time.Duration) Tick {
	ticks, rest := c.ToTicks(d)
	if ticks.Val() == 0 || rest >= c.tickDuration/2 {
		return ticks.AddUint64(1)
	}
	return ticks
}

// TicksToNS converts a tick count to a duration.
func (c *Source) TicksToNS(t Tick) time.Duration {
	return time.Duration(t.Val()) * c.tickDuration
}

// TickDuration returns the configured tick period.
func (c *Source) TickDuration() time.Duration { return c.tickDuration }

// ProgramShot arms the platform hardware timer, if one is installed.
func (c *Source) ProgramShot(delay Tick) error {
	if c.driver == nil {
		return nil
	}
	return c.driver.ProgramShot(delay)
}

// StopHardware disarms the platform hardware timer.
func (c *Source) StopHardware() {
	if c.driver != nil {
		c.driver.Stop()
	}
}

// AdvanceHostTick should be called once per host tick period (normally from
// a time.Ticker-driven goroutine emulating the platform oneshot interrupt).
// It accounts for scheduling latency and clock drift the same way the
// reference tick loop does, then invokes onTick once per elapsed tick,
// in order, with the new "now" value. It returns the number of ticks
// consumed.
func (c *Source) AdvanceHostTick(onTick func(now Tick)) uint64 {
	now := timestamp.Now()
	if now.Before(c.lastTickT) {
		c.badTime++
		if c.badTime > 10 {
			if log.ERRon() {
				log.ERR("clock: recovering after time going backward"+
					" %d times (%s)\n", c.badTime, c.lastTickT.Sub(now))
			}
			c.lastTickT = now
			c.refTS = now
			c.refTicks = c.ReadRaw()
		} else if log.DBGon() {
			log.DBG("clock: time going backward by %s (%d times)\n",
				c.lastTickT.Sub(now), c.badTime)
		}
		return 0
	}
	c.badTime = 0

	if now.Sub(c.refTS)/c.tickDuration > (MaxTickDiff - 2) {
		// Avoid overflowing the tick counter: re-anchor the reference
		// point at the last tick we processed.
		diff, _ := c.ToTicks(now.Sub(c.lastTickT))
		c.refTS = c.lastTickT
		c.refTicks = c.ReadRaw().Sub(diff)
	}

	diff := now.Sub(c.lastTickT)
	if diff < c.tickDuration {
		return 0
	}
	ticks, rest := c.ToTicks(diff)
	c.lastTickT = now.Add(-rest)

	target := c.ReadRaw().Add(ticks)
	n := uint64(0)
	for cur := c.ReadRaw(); cur.NE(target); cur = c.ReadRaw() {
		atomic.AddUint64(&c.nowTicks, 1)
		n++
		if onTick != nil {
			onTick(c.ReadRaw())
		}
	}
	return n
}
