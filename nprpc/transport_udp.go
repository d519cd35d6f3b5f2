// Copyright 2025 The NPRPC Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package nprpc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// udpRetransmitInterval/udpMaxRetries implement spec §4.I UDP "[reliable]
// methods attach a request id; the sender maintains a pending-call table
// with a retransmit timer (default 500 ms, up to 3 retries)".
const (
	udpRetransmitInterval = 500 * time.Millisecond
	udpMaxRetries         = 3
)

// udpTransport writes unframed datagrams (no length prefix, spec §4.I),
// each carrying a complete NPRPC message. A client-role transport owns a
// connected socket it also closes; a server-role transport shares the
// listener's socket and addresses replies with WriteToUDP, since dialing a
// fresh per-remote socket would send replies from the wrong source port.
type udpTransport struct {
	conn   *net.UDPConn
	remote *net.UDPAddr // non-nil for server-role (shared-socket) sessions
	owned  bool         // Close() closes conn only if this transport owns it
}

func (t *udpTransport) WriteFrame(ctx context.Context, payload []byte) error {
	if t.remote != nil {
		_, err := t.conn.WriteToUDP(payload, t.remote)
		return err
	}
	_, err := t.conn.Write(payload)
	return err
}

func (t *udpTransport) Close() error {
	if !t.owned {
		return nil
	}
	return t.conn.Close()
}

// udpSession overrides baseSession's request path with a retransmit loop:
// [reliable] calls resend on udpRetransmitInterval up to udpMaxRetries
// before giving up with ErrTimeout. SendDatagram (unreliable) writes
// straight through with no retry bookkeeping, matching spec §4.I
// "Unreliable methods fire-and-forget".
type udpSession struct {
	*baseSession
	core *RPCCore
	conn *net.UDPConn
}

// newUDPSession constructs a client-role session: it owns conn (a socket
// connect()ed to a single remote) and runs its own read loop.
func newUDPSession(core *RPCCore, ep Endpoint, conn *net.UDPConn, log *slog.Logger) *udpSession {
	bs := newBaseSession(ep, &udpTransport{conn: conn, owned: true}, log, 0, func(b *baseSession) { core.dropSession(ep) })
	s := &udpSession{baseSession: bs, core: core, conn: conn}
	go s.readLoop()
	return s
}

// newServerUDPSession constructs a server-role session sharing conn (the
// process's single bound listening socket) with every other session
// ServeUDP has created; it runs no read loop of its own since ServeUDP's
// central loop demultiplexes by remote address and calls HandleInbound
// directly.
func newServerUDPSession(core *RPCCore, ep Endpoint, conn *net.UDPConn, remote *net.UDPAddr, log *slog.Logger) *udpSession {
	bs := newBaseSession(ep, &udpTransport{conn: conn, remote: remote}, log, 0, func(b *baseSession) { core.dropSession(ep) })
	return &udpSession{baseSession: bs, core: core, conn: conn}
}

// SendReceive overrides baseSession's single-write semantics with
// bounded retransmission, since a UDP datagram can be silently dropped.
func (s *udpSession) SendReceive(ctx context.Context, buf []byte, timeout time.Duration) ([]byte, error) {
	pc := s.register(timeout, nil)
	patchRequestId(buf, pc.requestId)
	defer func() {
		s.mu.Lock()
		if s.pending != nil {
			delete(s.pending, pc.requestId)
		}
		s.mu.Unlock()
	}()

	var retransmit *time.Timer
	attempts := 0
	send := func() error { return s.write(buf) }
	if err := send(); err != nil {
		return nil, err
	}
	attempts++
	retransmit = time.NewTimer(udpRetransmitInterval)
	defer retransmit.Stop()

	for {
		wait := udpRetransmitInterval
		retransmit.Reset(wait)
		select {
		case <-pc.done:
			return pc.reply, pc.err
		case <-retransmit.C:
			if attempts > udpMaxRetries {
				return nil, ErrTimeout
			}
			if err := send(); err != nil {
				return nil, err
			}
			attempts++
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *udpSession) readLoop() {
	buf := make([]byte, MaxMessageSize)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			break
		}
		if n < HeaderSize {
			continue
		}
		h, decErr := DecodeHeader(buf[:n])
		if decErr != nil {
			continue
		}
		body := append([]byte(nil), buf[HeaderSize:n]...)
		s.HandleInbound(s.core, s, nil, h, body, true)
	}
	_ = s.Close()
}

// dialUDP is the Dialer RegisterDialer installs under SchemeUDP.
func dialUDP(ctx context.Context, core *RPCCore, ep Endpoint) (Session, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", ep.Host, ep.Port))
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, err
	}
	return newUDPSession(core, ep, conn, core.Logger()), nil
}

// ServeUDP dispatches every datagram arriving on conn through core, using
// a single shared server-role udpSession per distinct remote address.
func ServeUDP(core *RPCCore, conn *net.UDPConn) {
	var mu sync.Mutex
	sessions := make(map[string]*udpSession)
	buf := make([]byte, MaxMessageSize)
	for {
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		key := remote.String()
		mu.Lock()
		sess, ok := sessions[key]
		if !ok {
			ep := Endpoint{Scheme: SchemeUDP, Host: remote.IP.String(), Port: uint16(remote.Port)}
			sess = newServerUDPSession(core, ep, conn, remote, core.Logger())
			sessions[key] = sess
		}
		mu.Unlock()

		if n < HeaderSize {
			continue
		}
		h, decErr := DecodeHeader(buf[:n])
		if decErr != nil {
			continue
		}
		body := append([]byte(nil), buf[HeaderSize:n]...)
		sess.HandleInbound(core, sess, nil, h, body, true)
	}
}
