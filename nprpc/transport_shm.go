// Copyright 2025 The NPRPC Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package nprpc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nikitapn/nprpc/internal/nprpcdebug"
)

// shmDialTimeout bounds how long DialChannel waits for the peer's ready
// flag before giving up (spec §4.C; the handshake itself is otherwise
// unbounded since it is purely local IPC).
const shmDialTimeout = 5 * time.Second

// shmTransport's WriteFrame writes straight into the channel's send ring:
// unlike TCP/WebSocket, a ring entry already carries exactly one message,
// so no length-prefix framing is needed on top (spec §4.C).
type shmTransport struct {
	ch *SharedMemoryChannel
}

func (t *shmTransport) WriteFrame(ctx context.Context, payload []byte) error {
	return t.ch.Send(payload)
}

func (t *shmTransport) Close() error { return t.ch.Close() }

// shmSession pairs baseSession with a SharedMemoryChannel, additionally
// implementing ZeroCopyCapable so RPCCore.PrepareZeroCopyBuffer can hand
// callers a FlatBuffer backed directly by the send ring (spec §4.G
// prepare_zero_copy_buffer, §4.C "shared memory is the zero-copy path").
type shmSession struct {
	*baseSession
	core *RPCCore
	ch   *SharedMemoryChannel
}

func newSHMSession(core *RPCCore, ep Endpoint, ch *SharedMemoryChannel, log *slog.Logger) *shmSession {
	bs := newBaseSession(ep, &shmTransport{ch: ch}, log, 0, func(b *baseSession) { core.dropSession(ep) })
	s := &shmSession{baseSession: bs, core: core, ch: ch}
	ch.Start(nil, s.onView)
	return s
}

// onView is the channel's zero-copy receive callback: it decodes just the
// fixed Header in place, then either resolves a pending call (reply) or
// dispatches a request (spec §4.C). The body is always copied off the ring
// before it is handed on, so the receive side is not zero-copy.
func (s *shmSession) onView(view []byte) {
	if len(view) < HeaderSize {
		return
	}
	h, err := DecodeHeader(view)
	if err != nil {
		return
	}
	cp := append([]byte(nil), view[HeaderSize:]...)
	s.HandleInbound(s.core, s, nil, h, cp, false)
}

// ReserveZeroCopy implements ZeroCopyCapable. Setting NPRPC_DEBUG=forceheap=1
// disables it process-wide, so PrepareZeroCopyBuffer's callers fall back to
// their ordinary heap-allocated path — useful for isolating a bug to the
// zero-copy path versus the ring transport underneath it.
func (s *shmSession) ReserveZeroCopy(minSize int) (WriteReservation, *FlatBuffer, bool) {
	if nprpcdebug.Bool("forceheap") {
		return WriteReservation{}, nil, false
	}
	return s.ch.ReserveZeroCopy(minSize)
}

// CommitZeroCopy implements ZeroCopyCapable.
func (s *shmSession) CommitZeroCopy(res WriteReservation, buf *FlatBuffer) {
	s.ch.CommitZeroCopy(res, buf)
}

// dialSHM is the Dialer RegisterDialer installs under SchemeSharedMemory.
// ep.ShmID names the target process's well-known Listener.
func dialSHM(ctx context.Context, core *RPCCore, ep Endpoint) (Session, error) {
	if ep.ShmID == uuid.Nil {
		return nil, fmt.Errorf("%w: shared-memory endpoint missing channel id", ErrBadInput)
	}
	ringSize := core.Config().RingSize
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	deadline := shmDialTimeout
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d > 0 {
			deadline = d
		}
	}
	ch, err := DialChannel(ep.ShmID, ringSize, deadline, core.Logger())
	if err != nil {
		return nil, err
	}
	return newSHMSession(core, ep, ch, core.Logger()), nil
}

// ServeSHM runs ln's accept loop, wrapping every completed handshake as a
// server-role shmSession dispatched through core. It blocks until ln is
// closed; callers typically run it in its own goroutine.
func ServeSHM(core *RPCCore, ln *Listener) {
	ln.Serve(func(ch *SharedMemoryChannel) {
		ep := Endpoint{Scheme: SchemeSharedMemory, ShmID: ch.ID}
		newSHMSession(core, ep, ch, core.Logger())
	})
}
