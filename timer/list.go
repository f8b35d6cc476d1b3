// Copyright 2024 nkcore authors. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package timer

import "github.com/rtnucleus/nkcore/log"

// list is an intrusive circular doubly-linked list of *Timer, used both for
// a wheel slot and for the expired list. There is no internal locking; the
// owning Wheel's lock must be held by the caller.
type list struct {
	head     Timer // used only as list head (only next & prev are valid)
	wheelNo  uint8 // mostly for debugging
	wheelIdx uint16
}

func (lst *list) init(wheelNo uint8, wheelIdx uint16) {
	lst.forceEmpty()
	lst.wheelNo = wheelNo
	lst.wheelIdx = wheelIdx
	lst.head.info.setFlags(fHead)
	lst.head.info.setWheel(wheelNo, wheelIdx)
}

func (lst *list) forceEmpty() {
	lst.head.next = &lst.head
	lst.head.prev = &lst.head
}

func (lst *list) isEmpty() bool {
	return lst.head.next == &lst.head
}

// insert adds e at the front of lst. e must be detached.
func (lst *list) insert(e *Timer) {
	if !e.Detached() {
		w, idx := e.info.wheelPos()
		log.PANIC("timer: list insert on non-detached entry: "+
			"wheel %d idx %d, target wheel %d idx %d next %p prev %p\n",
			w, idx, lst.wheelNo, lst.wheelIdx, e.next, e.prev)
	}
	e.prev = &lst.head
	e.next = lst.head.next
	e.next.prev = e
	lst.head.next = e
	e.info.setWheel(lst.wheelNo, lst.wheelIdx)
}

// append adds e at the end of lst. e must be detached.
func (lst *list) append(e *Timer) {
	if !e.Detached() {
		w, idx := e.info.wheelPos()
		log.PANIC("timer: list append on non-detached entry: "+
			"wheel %d idx %d, target wheel %d idx %d next %p prev %p\n",
			w, idx, lst.wheelNo, lst.wheelIdx, e.next, e.prev)
	}
	e.prev = lst.head.prev
	e.next = &lst.head
	e.prev.next = e
	lst.head.prev = e
	e.info.setWheel(lst.wheelNo, lst.wheelIdx)
}

// rm unlinks e from lst.
func (lst *list) rm(e *Timer) {
	if e == nil || e.next == nil || e.prev == nil {
		log.PANIC("timer: rm called with nil-detached element %p\n", e)
	}
	if e.next == e || e.prev == e {
		log.PANIC("timer: rm called with already-detached element %p\n", e)
	}
	e.prev.next = e.next
	e.next.prev = e.prev
	e.next = e
	e.prev = e

	w, idx := e.info.wheelPos()
	if w != lst.wheelNo || idx != lst.wheelIdx {
		log.PANIC("timer: rm called on entry from a different list: "+
			"entry wheel %d idx %d, list wheel %d idx %d\n",
			w, idx, lst.wheelNo, lst.wheelIdx)
	}
	e.info.setWheel(wheelNone, wheelNoIdx)
}

// mv moves every element of lst to the end of dst. Returns true if any
// element was moved.
func (lst *list) mv(dst *list) bool {
	if lst.isEmpty() {
		return false
	}
	s := lst.head.next
	e := lst.head.prev

	s.prev.next = e.next
	e.next.prev = s.prev
	lst.forceEmpty()

	s.prev = dst.head.prev
	e.next = &dst.head
	dst.head.prev.next = s
	dst.head.prev = e
	for v := s; v != &dst.head; v = v.next {
		v.info.setWheel(dst.wheelNo, dst.wheelIdx)
	}
	return true
}

// forEachSafeRm iterates lst calling f for every element; f may remove the
// current element (but not other list elements) from lst.
func (lst *list) forEachSafeRm(f func(l *list, e *Timer)) {
	s := lst.head.next
	for v, nxt := s, s.next; v != &lst.head; v, nxt = nxt, nxt.next {
		f(lst, v)
	}
}
