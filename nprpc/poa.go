// Copyright 2025 The NPRPC Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package nprpc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Lifespan controls whether a POA's object-id allocations must survive
// process restarts (spec §4.F).
type Lifespan int

const (
	Transient Lifespan = iota
	Persistent
)

// IdPolicy selects how a POA assigns object ids on activation (spec §4.F).
type IdPolicy int

const (
	SystemGenerated IdPolicy = iota
	UserSupplied
)

// MaxPoaCount is the default bound on the per-process POA array (spec §4.F
// "small fixed pool per process, default max 6").
const MaxPoaCount = 6

// DefaultUserSuppliedSlots bounds the UserSupplied atomic slot array; a POA
// configured with a larger expected population should pass its own size to
// NewPOA.
const DefaultUserSuppliedSlots = 4096

// PoaIdStore persists a SystemGenerated POA's next-id counter across
// process restarts (spec §4.F "implementers must durably persist id
// allocations externally if they require cross-restart stability" for
// Persistent lifespan). Implementations must be safe for concurrent use.
type PoaIdStore interface {
	LoadNextId(ctx context.Context, poaName string) (uint64, error)
	SaveNextId(ctx context.Context, poaName string, next uint64) error
}

// MemoryPoaIdStore is an in-memory PoaIdStore. It satisfies the Persistent
// lifespan API but does not itself survive a process restart — a real
// Persistent deployment supplies an external store (spec §4.F note).
type MemoryPoaIdStore struct {
	mu   sync.Mutex
	next map[string]uint64
}

func NewMemoryPoaIdStore() *MemoryPoaIdStore {
	return &MemoryPoaIdStore{next: make(map[string]uint64)}
}

func (s *MemoryPoaIdStore) LoadNextId(ctx context.Context, poaName string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next[poaName], nil
}

func (s *MemoryPoaIdStore) SaveNextId(ctx context.Context, poaName string, next uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.next[poaName] = next
	s.mu.Unlock()
	return nil
}

// POA (Portable Object Adapter) registers servants and allocates object ids
// for them (spec §4.F / GLOSSARY). An object_id identifies at most one live
// servant per POA at any time.
type POA struct {
	Name     string
	Idx      uint16
	Lifespan Lifespan
	IdPolicy IdPolicy

	core *RPCCore

	// SystemGenerated storage: a growable slice of slots under mu, indexed
	// by allocation order (sysNextId, always small and sequential).
	// generation is OR'd into the high 32 bits of every id this POA hands
	// out; for Transient it is a per-incarnation nonce (spec §4.F), for
	// Persistent it stays zero since those ids are meant to survive a
	// restart unchanged.
	mu         sync.Mutex
	sysSlots   []*servantSlot
	sysNextId  uint64
	generation uint64
	idStore    PoaIdStore

	// UserSupplied storage: a bounded array of atomic pointers, addressed
	// directly by the caller-chosen id — wait-free lookup (spec §4.H).
	userSlots []atomic.Pointer[servantSlot]
}

// POAOptions configures NewPOA beyond the spec-mandated fields.
type POAOptions struct {
	IdStore         PoaIdStore // required for Persistent + SystemGenerated
	UserSuppliedMax uint64     // size of the UserSupplied slot array; 0 -> DefaultUserSuppliedSlots
}

// transientGeneration packs the low 32 bits of the current time (nanosecond
// resolution) into the high half of a uint64, leaving the low half as
// headroom for a sequential per-activation counter. Two process
// incarnations starting apart by even a microsecond get disjoint id ranges
// for all but pathological activation counts (spec §4.F Transient
// generation nonce).
func transientGeneration() uint64 {
	return uint64(uint32(time.Now().UnixNano())) << 32
}

// sysIdGenerationMask isolates the generation half of a SystemGenerated id;
// the low 32 bits are the sequential index into sysSlots.
const sysIdGenerationMask = ^uint64(0) << 32

// packSysId combines a sysSlots index with this POA's generation into the
// externally visible object id.
func (p *POA) packSysId(idx uint64) uint64 { return idx | p.generation }

// unpackSysId recovers a sysSlots index from an externally supplied id,
// rejecting one stamped with a different generation than this POA's
// current one (spec §4.F: a Transient id from a prior incarnation must
// resolve as ObjectNotExist, never alias a freshly activated object).
func (p *POA) unpackSysId(id uint64) (idx uint64, ok bool) {
	if id&sysIdGenerationMask != p.generation {
		return 0, false
	}
	return id &^ sysIdGenerationMask, true
}

// NewPOA constructs a POA. idx must be unique within core and < MaxPoaCount.
func NewPOA(core *RPCCore, name string, idx uint16, lifespan Lifespan, policy IdPolicy, opts POAOptions) (*POA, error) {
	if idx >= MaxPoaCount {
		return nil, fmt.Errorf("%w: poa index %d >= max %d", ErrBadInput, idx, MaxPoaCount)
	}
	p := &POA{Name: name, Idx: idx, Lifespan: lifespan, IdPolicy: policy, core: core}
	if policy == UserSupplied {
		n := opts.UserSuppliedMax
		if n == 0 {
			n = DefaultUserSuppliedSlots
		}
		p.userSlots = make([]atomic.Pointer[servantSlot], n)
	} else {
		p.idStore = opts.IdStore
		if p.idStore == nil {
			p.idStore = NewMemoryPoaIdStore()
		}
		if lifespan == Persistent {
			next, err := p.idStore.LoadNextId(context.Background(), name)
			if err != nil {
				return nil, fmt.Errorf("nprpc: restore poa %q id counter: %w", name, err)
			}
			p.sysNextId = next
		} else {
			// Transient ids are never persisted, so a process that restarts
			// with the same Config.Uuid (origin) would otherwise hand out
			// ids starting from 0 again, which a client's stale, pre-restart
			// reference could alias (spec §4.F: a Transient reference must
			// not outlive the process incarnation that minted it). Stamp
			// every id this POA hands out with a nonce tied to this
			// incarnation's start time, so a prior run's ids are rejected as
			// ObjectNotExist instead of resolving against this run's slots.
			p.generation = transientGeneration()
		}
	}
	return p, nil
}

// ActivateObject registers servant, allocates (or validates) its id per
// p.IdPolicy, and synthesizes the candidate URL list from flags and the
// core's configured listeners (spec §4.F activate_object).
func (p *POA) ActivateObject(ctx context.Context, servant Servant, flags ActivationFlags, userId uint64) (ObjectId, error) {
	slot := newServantSlot(servant)
	var oid uint64

	switch p.IdPolicy {
	case UserSupplied:
		if userId >= uint64(len(p.userSlots)) {
			return ObjectId{}, fmt.Errorf("%w: user-supplied id %d out of range", ErrBadInput, userId)
		}
		if !p.userSlots[userId].CompareAndSwap(nil, slot) {
			return ObjectId{}, fmt.Errorf("%w: poa %q id %d already active", ErrPoaDuplicateId, p.Name, userId)
		}
		oid = userId
	case SystemGenerated:
		p.mu.Lock()
		idx := p.sysNextId
		p.sysNextId++
		next := p.sysNextId
		p.sysSlots = append(p.sysSlots, slot)
		p.mu.Unlock()
		oid = p.packSysId(idx)
		if p.Lifespan == Persistent {
			if err := p.idStore.SaveNextId(ctx, p.Name, next); err != nil {
				return ObjectId{}, fmt.Errorf("nprpc: persist poa %q id counter: %w", p.Name, err)
			}
		}
	}

	return ObjectId{
		ObjectId: oid,
		PoaIdx:   p.Idx,
		Flags:    flags,
		Origin:   p.core.ProcessId(),
		ClassId:  servant.ClassId(),
		Urls:     p.core.synthesizeUrls(flags),
	}, nil
}

// DeactivateObject marks id's slot to-delete (spec §4.F deactivate_object);
// from then on GetObject reports ErrObjectNotExist for id. If no
// ServantGuard for it is outstanding, the slot is cleared at once. If one
// is, the slot stays in the table, marked deactivated, and is not cleared
// when that guard is later released.
func (p *POA) DeactivateObject(id uint64) error {
	switch p.IdPolicy {
	case UserSupplied:
		if id >= uint64(len(p.userSlots)) {
			return fmt.Errorf("%w: id %d out of range", ErrObjectNotExist, id)
		}
		slot := p.userSlots[id].Load()
		if slot == nil {
			return fmt.Errorf("%w: poa %q id %d", ErrObjectNotExist, p.Name, id)
		}
		slot.deactivated.Store(true)
		if slot.readyToDelete() {
			p.userSlots[id].CompareAndSwap(slot, nil)
		}
		return nil
	case SystemGenerated:
		idx, ok := p.unpackSysId(id)
		if !ok {
			return fmt.Errorf("%w: poa %q id %d", ErrObjectNotExist, p.Name, id)
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		if idx >= uint64(len(p.sysSlots)) || p.sysSlots[idx] == nil {
			return fmt.Errorf("%w: poa %q id %d", ErrObjectNotExist, p.Name, id)
		}
		p.sysSlots[idx].deactivated.Store(true)
		if p.sysSlots[idx].readyToDelete() {
			p.sysSlots[idx] = nil
		}
		return nil
	}
	return fmt.Errorf("%w: unknown id policy", ErrBadAccess)
}

// GetObject returns a guard over the live servant for id, or
// ErrObjectNotExist if none is registered (or it has been fully
// deactivated and deleted).
func (p *POA) GetObject(id uint64) (ServantGuard, error) {
	var slot *servantSlot
	switch p.IdPolicy {
	case UserSupplied:
		if id >= uint64(len(p.userSlots)) {
			return ServantGuard{}, fmt.Errorf("%w: id %d out of range", ErrObjectNotExist, id)
		}
		slot = p.userSlots[id].Load()
	case SystemGenerated:
		idx, ok := p.unpackSysId(id)
		if !ok {
			return ServantGuard{}, fmt.Errorf("%w: poa %q id %d", ErrObjectNotExist, p.Name, id)
		}
		p.mu.Lock()
		if idx < uint64(len(p.sysSlots)) {
			slot = p.sysSlots[idx]
		}
		p.mu.Unlock()
	}
	if slot == nil {
		return ServantGuard{}, fmt.Errorf("%w: poa %q id %d", ErrObjectNotExist, p.Name, id)
	}
	guard := slot.acquire()
	if guard.slot == nil {
		return ServantGuard{}, fmt.Errorf("%w: poa %q id %d", ErrObjectNotExist, p.Name, id)
	}
	return guard, nil
}
