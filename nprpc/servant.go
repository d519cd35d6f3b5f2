// Copyright 2025 The NPRPC Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package nprpc

import "sync/atomic"

// Servant is the local implementation object behind an activated Object
// reference (spec §4.B "Servant"). A Servant is owned exclusively by the
// POA it was activated in; dispatch increments its in-use counter before
// invoking a method and decrements it after, so deactivation never races a
// call in flight.
type Servant interface {
	// ClassId is the interface type tag embedded in every ObjectId this
	// servant is activated under (spec §4.B ObjectId.class_id).
	ClassId() string
	// Dispatch invokes functionIdx with the raw (already-deserialized-free)
	// parameter bytes in req, writing the reply payload into resp. ctx is
	// the SessionContext synthesized for this dispatch (spec §4.G step 2);
	// a method that calls get_cookie/set_cookie reads and writes through
	// it. Code-gen stubs implement this per interface; it is the single
	// entry point the session's dispatch loop calls after a POA/object
	// lookup.
	Dispatch(ctx *SessionContext, functionIdx uint32, req []byte, resp *FlatBuffer) error
}

// servantSlot pairs a registered Servant with the bookkeeping the POA needs
// to guarantee "a servant observed via get_object is never deleted before
// the returned guard is dropped" (spec §8 invariant).
type servantSlot struct {
	servant    Servant
	inUse      atomic.Int32
	deactivated atomic.Bool
}

// ServantGuard is returned by POA.GetObject; it must be released exactly
// once. Release only decrements the in-use counter; it does not remove a
// deactivated servant from its POA's table.
type ServantGuard struct {
	slot *servantSlot
}

// Servant returns the guarded Servant. It remains safe to call methods on it
// until Release.
func (g ServantGuard) Servant() Servant {
	if g.slot == nil {
		return nil
	}
	return g.slot.servant
}

// Release drops this guard's hold on the servant's in-use counter.
func (g ServantGuard) Release() {
	if g.slot == nil {
		return
	}
	g.slot.inUse.Add(-1)
}

func newServantSlot(s Servant) *servantSlot {
	slot := &servantSlot{servant: s}
	return slot
}

func (s *servantSlot) acquire() ServantGuard {
	s.inUse.Add(1)
	if s.deactivated.Load() {
		// Lost the race with deactivate_object; the caller must not use
		// this guard, so drop the hold immediately and report failure by
		// returning the zero guard.
		s.inUse.Add(-1)
		return ServantGuard{}
	}
	return ServantGuard{slot: s}
}

// readyToDelete reports whether the slot has been marked to-delete and no
// dispatch currently holds it, per the POA deactivation invariant.
func (s *servantSlot) readyToDelete() bool {
	return s.deactivated.Load() && s.inUse.Load() == 0
}
