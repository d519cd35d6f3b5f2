// Copyright 2025 The NPRPC Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package nprpc

// CommitHook is called by a view-mode FlatBuffer the moment it must grow
// past its preallocated capacity, before it demotes to a heap buffer. It
// exists so a shared-memory sender can flush/commit whatever was already
// written into the ring reservation before the buffer stops aliasing it.
type CommitHook func(bytesUsed int)

// FlatBuffer is an append-only write region plus a consume-from-front read
// region (spec §4.A). It is backed either by a growable heap slice, or by a
// view into foreign memory (used for zero-copy shared-memory sends).
//
// The zero value is a ready-to-use heap-backed buffer.
type FlatBuffer struct {
	buf    []byte // committed bytes start at buf[consumed:len(buf)]
	consumed int

	// view-mode fields. view is nil for a heap-backed buffer.
	view        []byte // foreign memory, capacity is fixed
	viewOffset  int     // next writable offset within view
	strict      bool    // true: Prepare past capacity returns BufferOverflow instead of demoting
	commitHook  CommitHook
	reservation int // bytes reserved by the most recent Prepare call, not yet committed
}

// NewFlatBuffer returns an empty heap-backed FlatBuffer.
func NewFlatBuffer() *FlatBuffer {
	return &FlatBuffer{}
}

// NewViewFlatBuffer returns a FlatBuffer that writes into view starting at
// offset. If strict is true, a Prepare call that would overflow view's
// capacity fails with ErrBufferOverflow instead of demoting to a heap
// buffer — used during zero-copy sends where demotion would defeat the
// purpose of reserving ring space up front.
func NewViewFlatBuffer(view []byte, offset int, strict bool, hook CommitHook) *FlatBuffer {
	return &FlatBuffer{
		view:       view,
		viewOffset: offset,
		strict:     strict,
		commitHook: hook,
	}
}

// IsView reports whether b is still backed by foreign memory (has not
// demoted to a heap buffer).
func (b *FlatBuffer) IsView() bool { return b.view != nil }

// Size returns the number of committed bytes currently readable.
func (b *FlatBuffer) Size() int {
	if b.view != nil {
		return b.viewOffset
	}
	return len(b.buf) - b.consumed
}

// Prepare reserves n writable bytes and returns a mutable region of exactly
// that length. The region becomes part of Data() only after Commit.
//
// In strict view mode, a reservation that would overflow the view's fixed
// capacity panics with *Error{Kind: KindBufferOverflow} — use PrepareErr to
// handle that case without a panic. Strict mode exists for zero-copy sends,
// where a caller has already committed to a specific ring reservation size
// and a silent demotion to a heap buffer would defeat the purpose.
func (b *FlatBuffer) Prepare(n int) []byte {
	region, err := b.PrepareErr(n)
	if err != nil {
		panic(err)
	}
	return region
}

// PrepareErr is like Prepare but returns ErrBufferOverflow instead of
// panicking when a strict view-mode buffer cannot satisfy the reservation.
func (b *FlatBuffer) PrepareErr(n int) ([]byte, error) {
	if b.view != nil {
		if b.viewOffset+n > len(b.view) {
			if b.strict {
				return nil, ErrBufferOverflow
			}
			b.demoteToHeap(n)
		} else {
			b.reservation = n
			return b.view[b.viewOffset : b.viewOffset+n : b.viewOffset+n], nil
		}
	}
	need := len(b.buf) + n
	if cap(b.buf) < need {
		grown := make([]byte, len(b.buf), need*2+64)
		copy(grown, b.buf)
		b.buf = grown
	}
	b.buf = b.buf[:len(b.buf)+n]
	b.reservation = n
	return b.buf[len(b.buf)-n:], nil
}

func (b *FlatBuffer) demoteToHeap(extra int) {
	used := b.viewOffset
	if b.commitHook != nil {
		b.commitHook(used)
	}
	heap := make([]byte, used, (used+extra)*2+64)
	copy(heap, b.view[:used])
	b.buf = heap
	b.consumed = 0
	b.view = nil
	b.viewOffset = 0
}

// Commit advances the committed size by k, which must be <= the size most
// recently reserved by Prepare.
func (b *FlatBuffer) Commit(k int) {
	if k > b.reservation {
		panic("nprpc: Commit exceeds last Prepare reservation")
	}
	if b.view != nil {
		b.viewOffset += k
	} else {
		b.buf = b.buf[:len(b.buf)-(b.reservation-k)]
	}
	b.reservation = 0
}

// Consume discards n bytes from the front of the committed region.
func (b *FlatBuffer) Consume(n int) {
	if n > b.Size() {
		panic("nprpc: Consume exceeds Size")
	}
	if b.view != nil {
		// Consuming a view-mode buffer is only meaningful for reads; shift the
		// remaining bytes down so Data() keeps starting at index 0.
		copy(b.view, b.view[n:b.viewOffset])
		b.viewOffset -= n
		return
	}
	b.consumed += n
}

// Data returns a mutable view over the committed bytes.
func (b *FlatBuffer) Data() []byte {
	if b.view != nil {
		return b.view[:b.viewOffset]
	}
	return b.buf[b.consumed:]
}

// CData returns a read-only view over the committed bytes.
func (b *FlatBuffer) CData() []byte { return b.Data() }

// Reset empties b without releasing any backing heap capacity, for reuse
// across dispatch calls (MakeSimpleAnswer relies on this).
func (b *FlatBuffer) Reset() {
	if b.view != nil {
		b.viewOffset = 0
		return
	}
	b.buf = b.buf[:0]
	b.consumed = 0
}

// Append is a convenience wrapper: Prepare(len(p)), copy, Commit(len(p)).
func (b *FlatBuffer) Append(p []byte) {
	region := b.Prepare(len(p))
	copy(region, p)
	b.Commit(len(p))
}
