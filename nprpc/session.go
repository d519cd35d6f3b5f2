// Copyright 2025 The NPRPC Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package nprpc

import (
	"context"
	"encoding/binary"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// patchRequestId overwrites buf's Header.RequestId field (bytes 12:16, per
// Header.Encode's layout) with id in place. Callers build buf with a
// placeholder request id, since only the owning session assigns the real
// one — the id a reply must echo back for Deliver to find its pendingCall
// (spec §4.E, §6).
func patchRequestId(buf []byte, id uint32) {
	if len(buf) < HeaderSize {
		return
	}
	binary.LittleEndian.PutUint32(buf[12:16], id)
}

// Transport is the per-scheme driver a Session writes frames through. Each
// concrete transport (tcp, websocket, udp, quic, shm) implements this
// against its own connection type (spec §4.I); the HTTP request path has
// no Transport.
type Transport interface {
	// WriteFrame sends one already-length-prefixed-or-not message (the
	// transport decides framing) and returns once it is queued for the
	// wire, not once it is acknowledged.
	WriteFrame(ctx context.Context, payload []byte) error
	// Close tears down the underlying connection.
	Close() error
}

// Session abstracts send/receive from the transport (spec §4.E). The TCP,
// WebSocket, UDP, QUIC and shared-memory sessions embed one *baseSession
// and differ mainly in how they construct it and feed it inbound frames
// (udpSession also overrides SendReceive); the HTTP request path uses a
// separate httpRpcSession that cannot issue calls.
type Session interface {
	Endpoint() Endpoint
	// SendReceive writes buf and blocks for a reply carrying the same
	// request id, or returns ErrTimeout/ErrCommFailure.
	SendReceive(ctx context.Context, buf []byte, timeout time.Duration) ([]byte, error)
	// SendReceiveAsync is SendReceive's non-blocking twin; completion is
	// invoked exactly once, from some other goroutine.
	SendReceiveAsync(ctx context.Context, buf []byte, timeout time.Duration, completion func([]byte, error))
	// SendDatagram is fire-and-forget; the baseSession implementation
	// delegates to SendReceiveAsync with a nil completion, and no session
	// type overrides it. On UDP that write is itself one datagram; on QUIC
	// it travels on the main stream, not as a QUIC datagram.
	SendDatagram(ctx context.Context, buf []byte) error
	// SendStreamMessage is fire-and-forget for streaming control frames.
	SendStreamMessage(ctx context.Context, buf []byte) error
	Close() error
	Closed() bool
}

// pendingCall is one outstanding SendReceive[Async] awaiting a reply.
type pendingCall struct {
	requestId uint32
	done      chan struct{} // closed exactly once
	reply     []byte
	err       error
	completion func([]byte, error) // nil for the synchronous path
	timer     *time.Timer
}

// baseSession implements the Session contract's request-id correlation,
// outbound work queue, and idle timer once, shared by every transport. The
// transport supplies WriteFrame and feeds inbound bytes to deliver.
//
// Locking discipline follows mcp/streamable.go's StreamableServerTransport:
// a single mutex guards the pending-call map and the closed flag; I/O never
// happens while the lock is held.
type baseSession struct {
	endpoint  Endpoint
	transport Transport
	log       *slog.Logger

	nextRequestId atomic.Uint32

	mu      sync.Mutex
	pending map[uint32]*pendingCall
	closed  bool

	// outbox serializes writes so two concurrent calls never interleave
	// their frames on the wire (spec §4.E "work queue for outbound
	// traffic").
	outbox chan outboxItem

	idleTimer     *time.Timer
	idleTimeout   time.Duration
	timeoutAction func()

	onClose func(*baseSession) // removes self from the RPC core's pool

	// streams demultiplexes Stream* frames for this session (spec §4.H).
	// Every session gets one; a transport with a native per-stream or
	// datagram path (QUIC) reconfigures its send funcs via
	// setStreamSendFuncs, everyone else keeps the mainSend-only default.
	streams *StreamManager

	stop chan struct{}
	done chan struct{}
}

type outboxItem struct {
	payload []byte
	errCh   chan error
}

func newBaseSession(ep Endpoint, t Transport, log *slog.Logger, idleTimeout time.Duration, onClose func(*baseSession)) *baseSession {
	s := &baseSession{
		endpoint:    ep,
		transport:   t,
		log:         log,
		pending:     make(map[uint32]*pendingCall),
		outbox:      make(chan outboxItem, 64),
		idleTimeout: idleTimeout,
		onClose:     onClose,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	s.timeoutAction = func() { _ = s.Close() }
	if idleTimeout > 0 {
		s.idleTimer = time.AfterFunc(idleTimeout, s.timeoutAction)
	}
	s.streams = NewStreamManager(s.write, nil, nil)
	go s.writeLoop()
	return s
}

func (s *baseSession) Endpoint() Endpoint { return s.endpoint }

// Streams returns the session's per-connection stream demultiplexer (spec
// §4.H); RegisterStream/RegisterReader/SendChunk etc. are called on it.
func (s *baseSession) Streams() *StreamManager { return s.streams }

// setStreamSendFuncs lets a transport with a native logical-stream path
// and/or an unreliable datagram path wire them in place of the
// mainSend-only default every session starts with.
func (s *baseSession) setStreamSendFuncs(native func(uint64, []byte) error, datagram func([]byte) error) {
	s.streams.nativeSend = native
	s.streams.datagramSend = datagram
}

// HandleInbound is the shared ingress switch every transport's read loop
// calls with one decoded frame: Stream* kinds go to the StreamManager,
// answers resolve a pending call, anything else is a fresh request
// dispatched through core and written back on the session's main path
// (spec §4.G/§4.H). unreliable marks frames that arrived over a datagram
// path, where StreamDataChunk's sequence gaps are tolerated rather than
// fatal.
func (s *baseSession) HandleInbound(core *RPCCore, self Session, inCookies map[string]string, h Header, body []byte, unreliable bool) {
	switch h.Kind {
	case KindStreamDataChunk:
		_ = s.streams.HandleDataChunk(body, unreliable)
		return
	case KindStreamCompletion:
		_ = s.streams.HandleCompletion(body)
		return
	case KindStreamError:
		_ = s.streams.HandleError(body)
		return
	case KindStreamCancellation:
		_ = s.streams.HandleCancellation(body)
		return
	case KindStreamWindowUpdate:
		_ = s.streams.HandleWindowUpdate(body)
		return
	}
	if h.Type == MessageTypeAnswer {
		s.Deliver(h, body)
		return
	}
	tx := NewFlatBuffer()
	core.Dispatch(self, inCookies, h, body, tx)
	_ = s.write(tx.Data())
}

func (s *baseSession) writeLoop() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case item := <-s.outbox:
			err := s.transport.WriteFrame(context.Background(), item.payload)
			if item.errCh != nil {
				item.errCh <- err
			}
			if err != nil {
				s.log.Warn("nprpc: session write failed, closing", "endpoint", s.endpoint, "error", err)
				// Close blocks on <-s.done, which only this goroutine's
				// deferred close(s.done) can unblock; calling it inline
				// here would be a self-join deadlock. Hand the teardown
				// to a separate goroutine and return, letting the defer
				// run immediately.
				go func() { _ = s.Close() }()
				return
			}
		}
	}
}

func (s *baseSession) write(payload []byte) error {
	errCh := make(chan error, 1)
	select {
	case s.outbox <- outboxItem{payload: payload, errCh: errCh}:
	case <-s.stop:
		return ErrSessionClosed
	}
	select {
	case err := <-errCh:
		return err
	case <-s.stop:
		return ErrSessionClosed
	}
}

func (s *baseSession) rearmIdle() {
	if s.idleTimer != nil {
		s.idleTimer.Reset(s.idleTimeout)
	}
}

// register allocates a fresh request id and records a pendingCall for it.
func (s *baseSession) register(timeout time.Duration, completion func([]byte, error)) *pendingCall {
	id := s.nextRequestId.Add(1)
	pc := &pendingCall{requestId: id, done: make(chan struct{}), completion: completion}
	s.mu.Lock()
	s.pending[id] = pc
	s.mu.Unlock()
	if timeout > 0 {
		pc.timer = time.AfterFunc(timeout, func() { s.expire(id) })
	}
	return pc
}

func (s *baseSession) expire(id uint32) {
	s.mu.Lock()
	pc, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.resolve(pc, nil, ErrTimeout)
}

func (s *baseSession) resolve(pc *pendingCall, reply []byte, err error) {
	pc.reply, pc.err = reply, err
	close(pc.done)
	if pc.timer != nil {
		pc.timer.Stop()
	}
	if pc.completion != nil {
		pc.completion(reply, err)
	}
}

// Deliver is called by the transport's read loop with one fully-framed
// inbound message; it demultiplexes by request id. A late reply (request id
// no longer pending, e.g. it already timed out) is dropped, per spec §7.
func (s *baseSession) Deliver(h Header, body []byte) {
	s.rearmIdle()
	s.mu.Lock()
	pc, ok := s.pending[h.RequestId]
	if ok {
		delete(s.pending, h.RequestId)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	outcome, err := HandleStandardReply(h)
	switch outcome {
	case ReplySuccess:
		s.resolve(pc, nil, nil)
	case ReplyBlockResponse, ReplyException:
		s.resolve(pc, body, err)
	default:
		s.resolve(pc, nil, err)
	}
}

func (s *baseSession) SendReceive(ctx context.Context, buf []byte, timeout time.Duration) ([]byte, error) {
	pc := s.register(timeout, nil)
	patchRequestId(buf, pc.requestId)
	if err := s.write(buf); err != nil {
		s.mu.Lock()
		delete(s.pending, pc.requestId)
		s.mu.Unlock()
		return nil, err
	}
	select {
	case <-pc.done:
		return pc.reply, pc.err
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, pc.requestId)
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (s *baseSession) SendReceiveAsync(ctx context.Context, buf []byte, timeout time.Duration, completion func([]byte, error)) {
	pc := s.register(timeout, completion)
	patchRequestId(buf, pc.requestId)
	if err := s.write(buf); err != nil {
		s.mu.Lock()
		delete(s.pending, pc.requestId)
		s.mu.Unlock()
		s.resolve(pc, nil, err)
	}
}

func (s *baseSession) SendDatagram(ctx context.Context, buf []byte) error {
	s.SendReceiveAsync(ctx, buf, 0, nil)
	return nil
}

func (s *baseSession) SendStreamMessage(ctx context.Context, buf []byte) error {
	return s.write(buf)
}

func (s *baseSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *baseSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, pc := range pending {
		s.resolve(pc, nil, ErrCommFailure)
	}
	s.streams.CloseAll()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	close(s.stop)
	<-s.done
	err := s.transport.Close()
	if s.onClose != nil {
		s.onClose(s)
	}
	return err
}
