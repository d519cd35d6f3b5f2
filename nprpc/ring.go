// Copyright 2025 The NPRPC Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package nprpc

import (
	"encoding/binary"
	"log"
	"sync/atomic"
	"unsafe"

	"github.com/nikitapn/nprpc/internal/nprpcdebug"
)

// DefaultRingSize is the default per-direction ring window (spec §4.B).
const DefaultRingSize = 16 * 1024 * 1024

// MaxRingMessageSize is the largest single message a ring accepts before
// the caller must chunk it or grow the ring (spec §4.B).
const MaxRingMessageSize = 32 * 1024 * 1024

// ringFramePrefix is the size of the u32 length prefix LockFreeRing writes
// ahead of every message payload.
const ringFramePrefix = 4

// ringMem is the memory-mapping backend for a ring's payload bytes. It is
// satisfied by a real double (mirror) mapping on platforms that support it
// (shm_mmap_linux.go) and by a plain heap slice with scatter reads
// elsewhere (shm_mmap_other.go) — the spec explicitly allows a scatter-read
// fallback for implementers that cannot mirror-map.
type ringMem interface {
	// Mirror returns a contiguous []byte window of length n starting at
	// byte offset off (mod the ring's buffer size). On a true mirror
	// mapping this is always possible; on the fallback backend it copies
	// into a scratch buffer when the window wraps.
	Mirror(off uint64, n int) []byte
	// WriteAt copies p into the ring's backing storage starting at byte
	// offset off (mod buffer size), wrapping as needed.
	WriteAt(off uint64, p []byte)
	Size() int
	Close() error
}

// ringHeaderMem backs the small, single-mapped (never mirrored) control
// block living "at the ring's base" per spec §4.B: the two atomic offsets
// and the futex word used as the cross-process condition variable. The
// buffer size and the maximum message size are not stored in it; each side
// passes the ring size in when it opens the ring. Because it is genuine shared memory
// (on the Linux backend), atomic ops through pointers into it are valid
// across process boundaries, not just within one process.
type ringHeaderMem interface {
	Bytes() []byte // fixed length ringHeaderSize, zeroed on first creation
	Close() error
	Unlink() error
}

const ringHeaderSize = 32

// ringHeader is the platform-independent view over a ringHeaderMem: it
// knows the byte layout (two uint64 offsets followed by a uint32 futex
// word) but not how the bytes got mapped.
type ringHeader struct {
	mem      ringHeaderMem
	writeIdx *uint64
	readIdx  *uint64
	waiter   ringWaiter
}

func newRingHeader(mem ringHeaderMem) *ringHeader {
	b := mem.Bytes()
	if len(b) < ringHeaderSize {
		panic("nprpc: ring header memory too small")
	}
	return &ringHeader{
		mem:      mem,
		writeIdx: (*uint64)(unsafe.Pointer(&b[0])),
		readIdx:  (*uint64)(unsafe.Pointer(&b[8])),
		waiter:   newFutexWaiterAt(b[16:20]),
	}
}

func (h *ringHeader) loadWrite() uint64  { return atomic.LoadUint64(h.writeIdx) }
func (h *ringHeader) storeWrite(v uint64) { atomic.StoreUint64(h.writeIdx, v) }
func (h *ringHeader) loadRead() uint64   { return atomic.LoadUint64(h.readIdx) }
func (h *ringHeader) storeRead(v uint64)  { atomic.StoreUint64(h.readIdx, v) }

func (h *ringHeader) Close() error  { return h.mem.Close() }
func (h *ringHeader) Unlink() error { return h.mem.Unlink() }

// WriteReservation is returned by TryReserveWrite: a writable window the
// caller fills in before calling CommitWrite.
type WriteReservation struct {
	offset  uint64 // ring-relative byte offset of the payload (after the frame prefix)
	maxSize int
}

// ReadView exposes a received message's payload as a contiguous slice.
type ReadView struct {
	Data     []byte
	offset   uint64 // ring-relative offset of the frame start, for CommitRead
	frameLen int
}

// LockFreeRing is a single-producer single-consumer byte ring carrying
// length-prefixed messages (spec §4.B). Ordering: the writer publishes
// writeIdx with release semantics; the reader observes writeIdx with
// acquire, reads the payload, then publishes readIdx with release. Only
// the writer observes readIdx (acquire), to compute available space.
//
// writeIdx/readIdx are monotonically increasing byte counters (never
// wrapped); a position in the ring is idx % size, which makes "bytes
// available" arithmetic branch-free.
type LockFreeRing struct {
	mem  ringMem
	hdr  *ringHeader
	size uint64
}

// NewLockFreeRing wraps mem (whose capacity is mem.Size()) and hdr as a
// ring. hdr's offsets must start at zero for a freshly created ring.
func NewLockFreeRing(mem ringMem, hdr *ringHeader) *LockFreeRing {
	return &LockFreeRing{mem: mem, hdr: hdr, size: uint64(mem.Size())}
}

// TryReserveWrite reserves room for a message of up to minSize bytes. It
// never blocks.
func (r *LockFreeRing) TryReserveWrite(minSize int) (WriteReservation, bool) {
	if minSize < 0 || uint64(minSize+ringFramePrefix) > r.size {
		return WriteReservation{}, false
	}
	w := r.hdr.loadWrite()
	rd := r.hdr.loadRead() // acquire: writer's only read of readIdx
	used := w - rd
	free := r.size - used
	need := uint64(minSize + ringFramePrefix)
	if free < need {
		return WriteReservation{}, false
	}
	return WriteReservation{offset: w + ringFramePrefix, maxSize: minSize}, true
}

// CommitWrite writes the u32 frame-length prefix for reservation, publishes
// the new writeIdx with release semantics, and wakes a sleeping reader.
// actualSize must be <= the reservation's maxSize.
func (r *LockFreeRing) CommitWrite(reservation WriteReservation, payload []byte) {
	actualSize := len(payload)
	if actualSize > reservation.maxSize {
		panic("nprpc: CommitWrite payload exceeds reservation")
	}
	frameStart := reservation.offset - ringFramePrefix
	var lp [4]byte
	binary.LittleEndian.PutUint32(lp[:], uint32(actualSize))
	r.mem.WriteAt(frameStart, lp[:])
	if actualSize > 0 {
		r.mem.WriteAt(reservation.offset, payload)
	}
	r.hdr.storeWrite(frameStart + uint64(ringFramePrefix+actualSize)) // release
	r.hdr.waiter.Wake()
	if ringtrace {
		log.Printf("nprpc: ring commit write off=%d size=%d", frameStart, actualSize)
	}
}

// Write is a convenience wrapper combining TryReserveWrite+CommitWrite for
// callers that already have the payload in hand (no zero-copy benefit).
func (r *LockFreeRing) Write(payload []byte) bool {
	res, ok := r.TryReserveWrite(len(payload))
	if !ok {
		return false
	}
	r.CommitWrite(res, payload)
	return true
}

// TryReadView exposes the next queued message's payload, hiding the frame's
// length prefix. The returned view is valid until CommitRead.
func (r *LockFreeRing) TryReadView() (ReadView, bool) {
	rd := r.hdr.loadRead()
	w := r.hdr.loadWrite() // acquire
	if w == rd {
		return ReadView{}, false
	}
	prefix := r.mem.Mirror(rd, ringFramePrefix)
	n := int(binary.LittleEndian.Uint32(prefix))
	data := r.mem.Mirror(rd+ringFramePrefix, n)
	return ReadView{Data: data, offset: rd, frameLen: ringFramePrefix + n}, true
}

// CommitRead publishes the new readIdx with release semantics, freeing the
// space the view occupied for the writer to reuse, and wakes anyone
// blocked waiting for space (Channel.Send's backoff loop).
func (r *LockFreeRing) CommitRead(v ReadView) {
	r.hdr.storeRead(v.offset + uint64(v.frameLen))
	r.hdr.waiter.Wake()
	if ringtrace {
		log.Printf("nprpc: ring commit read off=%d frameLen=%d", v.offset, v.frameLen)
	}
}

// ringtrace mirrors NPRPC_DEBUG=ringtrace=1, logging every ring commit.
// Read once at package init since nprpcdebug's own env parsing already
// happens at init and rings are created long after process startup.
var ringtrace = nprpcdebug.Bool("ringtrace")

// Waiter exposes the ring's waiter so callers can block until the ring's
// state changes (used for empty-ring reader sleep and full-ring writer
// backoff alike — the spec mandates only the former, but reusing the same
// primitive for the latter avoids inventing a second one).
func (r *LockFreeRing) Waiter() ringWaiter { return r.hdr.waiter }

// Close releases the ring's backing memory (both the payload mapping and
// the header mapping).
func (r *LockFreeRing) Close() error {
	err1 := r.mem.Close()
	err2 := r.hdr.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Unlink removes the ring's backing files, for orphaned-ring cleanup
// (spec §4.C).
func (r *LockFreeRing) Unlink() error {
	err1 := r.hdr.Unlink()
	if m, ok := r.mem.(interface{ Unlink() error }); ok {
		err2 := m.Unlink()
		if err1 != nil {
			return err1
		}
		return err2
	}
	return err1
}

// ringWaiter lets a reader sleep when the ring is empty instead of
// busy-polling, and lets a writer wake it on commit — the header's
// cross-process mutex+condvar, used only off the fast path (spec §4.B).
type ringWaiter interface {
	// Wait blocks until Wake has been called at least once since Wait was
	// entered (a spurious return is always safe: callers recheck the ring
	// state in a loop).
	Wait()
	Wake()
}
