// Copyright 2025 The NPRPC Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build !linux

package nprpc

import "sync"

// mirrorMem on non-Linux platforms falls back to a plain heap-allocated
// buffer with scatter reads at the wrap point, as the spec explicitly
// allows ("Implementers that cannot mirror-map must fall back to a scatter
// read that presents two segments"). This backend only supports
// same-process SharedMemoryChannel use (no real inter-process mapping);
// cross-process shared memory requires the Linux mirror-mapped backend.
//
// Two independent newMirrorMem calls for the same name must observe the
// same bytes (a server's "c2s" ring and a client's "c2s" ring are the same
// ring), so same-process sharing goes through a process-wide registry
// keyed by name rather than allocating a fresh buffer per call.
type mirrorMem struct {
	mu   sync.Mutex
	name string
	buf  []byte
	size int
	// scratch holds the last Mirror() result when it had to be assembled
	// from two segments, so the returned slice stays valid until the next
	// call.
	scratch []byte
}

var (
	mirrorRegistryMu sync.Mutex
	mirrorRegistry   = map[string]*mirrorMem{}
)

func newMirrorMem(name string, size int) (*mirrorMem, error) {
	mirrorRegistryMu.Lock()
	defer mirrorRegistryMu.Unlock()
	if m, ok := mirrorRegistry[name]; ok {
		return m, nil
	}
	m := &mirrorMem{name: name, buf: make([]byte, size), size: size}
	mirrorRegistry[name] = m
	return m, nil
}

func (m *mirrorMem) Size() int { return m.size }

func (m *mirrorMem) Mirror(off uint64, n int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos := int(off % uint64(m.size))
	if pos+n <= m.size {
		return m.buf[pos : pos+n : pos+n]
	}
	if cap(m.scratch) < n {
		m.scratch = make([]byte, n)
	}
	m.scratch = m.scratch[:n]
	first := m.size - pos
	copy(m.scratch, m.buf[pos:])
	copy(m.scratch[first:], m.buf[:n-first])
	return m.scratch
}

func (m *mirrorMem) WriteAt(off uint64, p []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos := int(off % uint64(m.size))
	n := copy(m.buf[pos:], p)
	if n < len(p) {
		copy(m.buf, p[n:])
	}
}

func (m *mirrorMem) Close() error { return nil }

func (m *mirrorMem) Unlink() error {
	mirrorRegistryMu.Lock()
	defer mirrorRegistryMu.Unlock()
	delete(mirrorRegistry, m.name)
	return nil
}

// heapHeaderMem is the non-Linux ringHeaderMem fallback: a plain
// process-local byte slice. Because it is not real shared memory, the
// futex-style waiter built over it (see newFutexWaiterAt) only works
// within a single process — cross-process SharedMemoryChannel use requires
// the Linux mirror-mapped backend. Like mirrorMem, two calls for the same
// name must share one buffer, so allocation goes through a name-keyed
// registry.
type heapHeaderMem struct {
	name string
	buf  []byte
}

var (
	headerRegistryMu sync.Mutex
	headerRegistry   = map[string]*heapHeaderMem{}
)

func newHeapHeaderMem(name string) *heapHeaderMem {
	headerRegistryMu.Lock()
	defer headerRegistryMu.Unlock()
	if h, ok := headerRegistry[name]; ok {
		return h
	}
	h := &heapHeaderMem{name: name, buf: make([]byte, ringHeaderSize)}
	headerRegistry[name] = h
	return h
}

func (h *heapHeaderMem) Bytes() []byte { return h.buf }
func (h *heapHeaderMem) Close() error  { return nil }
func (h *heapHeaderMem) Unlink() error {
	headerRegistryMu.Lock()
	defer headerRegistryMu.Unlock()
	delete(headerRegistry, h.name)
	return nil
}

func newMmapHeaderMem(name string) (ringHeaderMem, error) {
	return newHeapHeaderMem(name), nil
}

// futexWaiter falls back to a condition variable on non-Linux platforms.
// newFutexWaiterAt ignores the shared header bytes here — there is no real
// futex primitive to wake across processes without true shared memory, so
// this backend is documented as same-process only.
type futexWaiter struct {
	mu   sync.Mutex
	cond *sync.Cond
}

func newFutexWaiterAt(word []byte) ringWaiter {
	w := &futexWaiter{}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *futexWaiter) Wait() {
	w.mu.Lock()
	w.cond.Wait()
	w.mu.Unlock()
}

func (w *futexWaiter) Wake() {
	w.mu.Lock()
	w.cond.Broadcast()
	w.mu.Unlock()
}
