// Copyright 2025 The NPRPC Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build linux

package nprpc

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// shmRoot is the writable shared-memory root the spec requires the runtime
// to have access to (spec §6). /dev/shm is the POSIX convention; override
// for tests or non-standard deployments.
var shmRoot = "/dev/shm/nprpc"

func shmPath(name string) string {
	return filepath.Join(shmRoot, name)
}

func ensureShmRoot() error {
	return os.MkdirAll(shmRoot, 0o700)
}

// mirrorMem is the Linux ringMem backend: it maps the ring's data file
// twice at adjacent virtual addresses, so [0, size) and [size, 2*size)
// alias the same physical pages. A reader addressing the contiguous
// window [off%size, off%size+n) therefore never needs to special-case
// wraparound, satisfying the spec's "contiguous view to the reader"
// invariant even when a message straddles the physical end of the buffer.
type mirrorMem struct {
	fd   int
	size int
	data []byte // length 2*size, double-mapped
	path string
}

// newMirrorMem creates (or opens) a named shared-memory ring data file of
// the given size and mirror-maps it.
func newMirrorMem(name string, size int) (*mirrorMem, error) {
	if err := ensureShmRoot(); err != nil {
		return nil, fmt.Errorf("nprpc: shm root: %w", err)
	}
	path := shmPath(name + ".data")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("nprpc: open ring data file: %w", err)
	}
	defer f.Close()
	if err := f.Truncate(int64(size)); err != nil {
		return nil, fmt.Errorf("nprpc: truncate ring data file: %w", err)
	}
	fd := int(f.Fd())

	// Reserve 2*size of contiguous address space with an anonymous
	// mapping, then remap each half onto the ring file at the reserved
	// addresses (MAP_FIXED), realizing the mirror.
	reservation, err := unix.Mmap(-1, 0, 2*size, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("nprpc: reserve ring address space: %w", err)
	}
	base := uintptr(unsafe.Pointer(&reservation[0]))

	if err := mmapFixed(fd, 0, size, base); err != nil {
		unix.Munmap(reservation)
		return nil, fmt.Errorf("nprpc: map ring half 1: %w", err)
	}
	if err := mmapFixed(fd, 0, size, base+uintptr(size)); err != nil {
		unix.Munmap(reservation)
		return nil, fmt.Errorf("nprpc: map ring half 2: %w", err)
	}

	data := unsafe.Slice((*byte)(unsafe.Pointer(base)), 2*size)
	return &mirrorMem{fd: fd, size: size, data: data, path: path}, nil
}

// mmapFixed maps length bytes of fd at offset onto the fixed virtual
// address addr, overwriting whatever reservation lived there. x/sys/unix's
// Mmap helper does not accept a target address, so this goes through the
// raw mmap(2) syscall directly.
func mmapFixed(fd int, offset int64, length int, addr uintptr) error {
	_, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		addr,
		uintptr(length),
		uintptr(unix.PROT_READ|unix.PROT_WRITE),
		uintptr(unix.MAP_SHARED|unix.MAP_FIXED),
		uintptr(fd),
		uintptr(offset),
	)
	if errno != 0 {
		return errno
	}
	return nil
}

func (m *mirrorMem) Size() int { return m.size }

func (m *mirrorMem) Mirror(off uint64, n int) []byte {
	pos := int(off % uint64(m.size))
	return m.data[pos : pos+n : pos+n]
}

func (m *mirrorMem) WriteAt(off uint64, p []byte) {
	pos := int(off % uint64(m.size))
	copy(m.data[pos:pos+len(p)], p)
}

func (m *mirrorMem) Close() error {
	if m.data != nil {
		unix.Munmap(m.data)
		m.data = nil
	}
	return unix.Close(m.fd)
}

func (m *mirrorMem) Unlink() error { return os.Remove(m.path) }

// mmapHeaderMem is the Linux ringHeaderMem backend: a single ordinary
// (non-mirrored) page shared across processes, holding the ring's atomic
// offsets and futex word (spec §4.B "header struct at the ring's base").
type mmapHeaderMem struct {
	fd   int
	data []byte
	path string
}

func newMmapHeaderMem(name string) (*mmapHeaderMem, error) {
	if err := ensureShmRoot(); err != nil {
		return nil, fmt.Errorf("nprpc: shm root: %w", err)
	}
	path := shmPath(name + ".hdr")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("nprpc: open ring header file: %w", err)
	}
	defer f.Close()
	if err := f.Truncate(ringHeaderSize); err != nil {
		return nil, fmt.Errorf("nprpc: truncate ring header file: %w", err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, ringHeaderSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("nprpc: map ring header: %w", err)
	}
	return &mmapHeaderMem{fd: int(f.Fd()), data: data, path: path}, nil
}

func (h *mmapHeaderMem) Bytes() []byte { return h.data }

func (h *mmapHeaderMem) Close() error {
	if h.data != nil {
		unix.Munmap(h.data)
		h.data = nil
	}
	return unix.Close(h.fd)
}

func (h *mmapHeaderMem) Unlink() error { return os.Remove(h.path) }

// newFutexWaiterAt builds a ringWaiter over the futex word living inside
// word (must be >= 4 bytes, part of shared ring-header memory) — the
// spec's "cross-process mutex and condition variable ... used ONLY to let
// the reader sleep when the ring is empty", realized here without a
// separate lock object: the futex word itself carries both the wait
// address and the generation counter.
func newFutexWaiterAt(word []byte) ringWaiter {
	return &futexWaiter{word: (*uint32)(unsafe.Pointer(&word[0]))}
}

type futexWaiter struct {
	word *uint32
}

func (w *futexWaiter) Wait() {
	val := atomic.LoadUint32(w.word)
	_, _, _ = unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(w.word)),
		uintptr(unix.FUTEX_WAIT), uintptr(val), 0, 0, 0)
}

func (w *futexWaiter) Wake() {
	atomic.AddUint32(w.word, 1)
	_, _, _ = unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(w.word)),
		uintptr(unix.FUTEX_WAKE), ^uintptr(0)>>1, 0, 0, 0)
}
