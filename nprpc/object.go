// Copyright 2025 The NPRPC Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package nprpc

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultCallTimeout is the per-object call timeout new Object references
// start with (spec §4.B "per-object call timeout").
const DefaultCallTimeout = 30 * time.Second

// Object is a reference to a remote (or local, same-process) servant. Its
// logical identity is its ObjectId; everything else is local, mutable
// bookkeeping: the endpoint currently selected for calls, the call timeout,
// and a reference count (spec §4.B "Object (reference)").
type Object struct {
	Id ObjectId

	core *RPCCore

	endpoint atomic.Pointer[Endpoint]
	timeout  atomic.Int64 // nanoseconds

	refCount atomic.Int32
}

// NewObject wraps id as a reference, selecting its initial endpoint via
// selectEndpoint. core is nil for a purely local ObjectId (e.g. one just
// parsed from an IOR string that has not yet been resolved against a live
// session pool).
func NewObject(core *RPCCore, id ObjectId) (*Object, error) {
	o := &Object{Id: id, core: core}
	o.refCount.Store(1)
	o.timeout.Store(int64(DefaultCallTimeout))
	if err := o.selectEndpoint(""); err != nil {
		return nil, err
	}
	return o, nil
}

// selectEndpoint implements spec §4.D: prefer a shared-memory candidate
// when the object's origin matches this process, otherwise the first
// network URL; hint, if non-empty, overrides the automatic choice.
func (o *Object) selectEndpoint(hint string) error {
	var raw string
	if hint != "" {
		raw = hint
	} else {
		var processId uuid.UUID
		if o.core != nil {
			processId = o.core.ProcessId()
		}
		u, ok := o.Id.PreferredURL(processId)
		if !ok {
			return fmt.Errorf("%w: object id %s has no candidate urls", ErrConnectionFailed, o.Id.ClassId)
		}
		raw = u
	}
	ep, err := ParseEndpoint(raw)
	if err != nil {
		return err
	}
	o.endpoint.Store(&ep)
	return nil
}

// Endpoint returns the currently selected Endpoint.
func (o *Object) Endpoint() Endpoint {
	ep := o.endpoint.Load()
	if ep == nil {
		return Endpoint{}
	}
	return *ep
}

// SetEndpoint overrides the automatically selected endpoint, e.g. after a
// caller learns that a network candidate listed in the object's urls is the
// only reachable one.
func (o *Object) SetEndpoint(ep Endpoint) { o.endpoint.Store(&ep) }

// Timeout returns this object's per-call timeout.
func (o *Object) Timeout() time.Duration { return time.Duration(o.timeout.Load()) }

// SetTimeout changes this object's per-call timeout.
func (o *Object) SetTimeout(d time.Duration) { o.timeout.Store(int64(d)) }

// AddRef increments the reference count (mirrors a remote AddReference
// message arriving for this object, or a second local holder).
func (o *Object) AddRef() int32 { return o.refCount.Add(1) }

// Release decrements the reference count and reports whether it reached
// zero, at which point the caller must stop using o and, for a remote
// object, send ReleaseObject (spec §4.B "Releasing to zero permits remote
// ReleaseObject and local destruction").
func (o *Object) Release() bool {
	return o.refCount.Add(-1) == 0
}

// RefCount returns the current reference count, for diagnostics/tests only.
func (o *Object) RefCount() int32 { return o.refCount.Load() }
