// Copyright 2025 The NPRPC Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package nprpc

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// OnDataReceived is invoked with a heap copy of a received message.
type OnDataReceived func(payload []byte)

// OnDataReceivedView is invoked with a zero-copy view directly into the
// receive ring. The callback must not retain the slice past its return —
// the next CommitRead may let the writer overwrite it. Exactly one of
// OnDataReceived / OnDataReceivedView is active on a given Channel.
type OnDataReceivedView func(view []byte)

// SharedMemoryChannel is a UUID-named pair of rings forming one
// bidirectional IPC link (spec §4.C). Each channel owns exactly one send
// ring and one receive ring, and spawns a single reader goroutine.
type SharedMemoryChannel struct {
	ID   uuid.UUID
	send *LockFreeRing
	recv *LockFreeRing

	log *slog.Logger

	mu          sync.Mutex
	onData      OnDataReceived
	onDataView  OnDataReceivedView
	closed      bool
	stopReader  chan struct{}
	readerDone  chan struct{}

	hb       *readyFlag
	hbSeq    uint64
	hbStop   chan struct{}
	hbDone   chan struct{}
}

// ringName derives a well-known ring name from a channel UUID and a
// direction suffix; server and client invert the suffixes so that what one
// side calls "send" the other opens as "recv" (spec §4.C).
func ringName(id uuid.UUID, suffix string) string {
	return fmt.Sprintf("%s.%s", id.String(), suffix)
}

// newSharedMemoryChannel creates (or opens) the two rings for id.
// isServer picks which of the two direction suffixes this end writes to.
func newSharedMemoryChannel(id uuid.UUID, isServer bool, ringSize int, log *slog.Logger) (*SharedMemoryChannel, error) {
	sendSuffix, recvSuffix := "c2s", "s2c"
	if isServer {
		sendSuffix, recvSuffix = "s2c", "c2s"
	}
	sendMem, err := newMirrorMem(ringName(id, sendSuffix), ringSize)
	if err != nil {
		return nil, fmt.Errorf("nprpc: create send ring: %w", err)
	}
	recvMem, err := newMirrorMem(ringName(id, recvSuffix), ringSize)
	if err != nil {
		return nil, fmt.Errorf("nprpc: create recv ring: %w", err)
	}
	sendHdrMem, err := newMmapHeaderMem(ringName(id, sendSuffix))
	if err != nil {
		return nil, fmt.Errorf("nprpc: create send ring header: %w", err)
	}
	recvHdrMem, err := newMmapHeaderMem(ringName(id, recvSuffix))
	if err != nil {
		return nil, fmt.Errorf("nprpc: create recv ring header: %w", err)
	}
	ch := &SharedMemoryChannel{
		ID:         id,
		send:       NewLockFreeRing(sendMem, newRingHeader(sendHdrMem)),
		recv:       NewLockFreeRing(recvMem, newRingHeader(recvHdrMem)),
		log:        log,
		stopReader: make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	return ch, nil
}

// Start spawns the reader goroutine. Exactly one of onData / onDataView
// should be non-nil.
func (c *SharedMemoryChannel) Start(onData OnDataReceived, onDataView OnDataReceivedView) {
	c.mu.Lock()
	c.onData = onData
	c.onDataView = onDataView
	c.mu.Unlock()
	go c.readLoop()
}

func (c *SharedMemoryChannel) readLoop() {
	defer close(c.readerDone)
	for {
		select {
		case <-c.stopReader:
			return
		default:
		}
		view, ok := c.recv.TryReadView()
		if !ok {
			c.recv.Waiter().Wait()
			continue
		}
		c.dispatch(view)
		c.recv.CommitRead(view)
	}
}

func (c *SharedMemoryChannel) dispatch(v ReadView) {
	c.mu.Lock()
	onData, onView := c.onData, c.onDataView
	c.mu.Unlock()
	if onView != nil {
		onView(v.Data)
		return
	}
	if onData != nil {
		cp := make([]byte, len(v.Data))
		copy(cp, v.Data)
		onData(cp)
	}
}

// Send writes payload into the send ring. While the ring is full it sleeps
// on the send ring's waiter and retries when woken; the closed flag is
// checked before each attempt.
func (c *SharedMemoryChannel) Send(payload []byte) error {
	for {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return ErrSessionClosed
		}
		if c.send.Write(payload) {
			return nil
		}
		// Back off briefly; a full send ring means the peer isn't
		// draining fast enough, not that it's gone.
		c.send.Waiter().Wait()
	}
}

// ReserveZeroCopy reserves minSize bytes directly in the send ring for a
// zero-copy write, returning a FlatBuffer in strict view mode over the
// reservation (spec §4.G prepare_zero_copy_buffer). The caller must call
// CommitZeroCopy with the same reservation once it has written the
// payload.
func (c *SharedMemoryChannel) ReserveZeroCopy(minSize int) (WriteReservation, *FlatBuffer, bool) {
	res, ok := c.send.TryReserveWrite(minSize)
	if !ok {
		return WriteReservation{}, nil, false
	}
	region := c.send.mem.Mirror(res.offset, minSize)
	buf := NewViewFlatBuffer(region, 0, true, nil)
	return res, buf, true
}

// CommitZeroCopy flushes a reservation made by ReserveZeroCopy using the
// bytes actually committed into buf.
func (c *SharedMemoryChannel) CommitZeroCopy(res WriteReservation, buf *FlatBuffer) {
	c.send.CommitWrite(res, buf.Data())
}

// startHeartbeat takes ownership of rf and bumps its monotonic counter every
// handshakeHeartbeatInterval for as long as the channel is open, so the
// owning Listener's janitor can tell this channel apart from one whose peer
// vanished without closing it (spec §9 stale-ring cleanup). Close stops the
// goroutine and releases rf.
func (c *SharedMemoryChannel) startHeartbeat(rf *readyFlag) {
	c.mu.Lock()
	c.hb = rf
	c.hbStop = make(chan struct{})
	c.hbDone = make(chan struct{})
	stop, done := c.hbStop, c.hbDone
	c.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(handshakeHeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.hbSeq++
				rf.bumpHeartbeat(c.hbSeq)
			}
		}
	}()
}

// Close stops the reader goroutine and releases both rings.
func (c *SharedMemoryChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	hb, hbStop, hbDone := c.hb, c.hbStop, c.hbDone
	c.mu.Unlock()

	close(c.stopReader)
	c.recv.Waiter().Wake() // unstick a sleeping reader
	<-c.readerDone

	if hbStop != nil {
		close(hbStop)
		<-hbDone
	}
	if hb != nil {
		_ = hb.Close()
		_ = hb.Unlink()
	}

	err1 := c.send.Close()
	err2 := c.recv.Close()
	_ = c.send.Unlink()
	_ = c.recv.Unlink()
	if err1 != nil {
		return err1
	}
	return err2
}
