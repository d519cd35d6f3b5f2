// Copyright 2025 The NPRPC Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package nprpc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
)

// tcpTransport frames every message with a little-endian u32 length prefix
// (spec §4.I TCP).
type tcpTransport struct {
	conn net.Conn
}

func (t *tcpTransport) WriteFrame(ctx context.Context, payload []byte) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(dl)
	}
	framed := WriteLengthPrefix(make([]byte, 0, 4+len(payload)), len(payload))
	framed = append(framed, payload...)
	_, err := t.conn.Write(framed)
	return err
}

func (t *tcpTransport) Close() error { return t.conn.Close() }

// readFramedLoop reads length-prefixed frames from conn until it errors or
// stop is closed, invoking deliver for each complete frame's raw bytes
// (header + body, undecoded). Shared by the TCP driver and the QUIC
// driver's main and logical streams, which use the same length-prefix
// framing; the WebSocket driver reads whole messages instead.
func readFramedLoop(conn io.Reader, stop <-chan struct{}, deliver func([]byte) bool) error {
	buf := make([]byte, 4096)
	var pending []byte
	for {
		select {
		case <-stop:
			return nil
		default:
		}
		n, err := conn.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				if len(pending) < 4 {
					break
				}
				size, _ := ReadLengthPrefix(pending)
				if uint32(len(pending)-4) < size {
					break
				}
				frame := pending[4 : 4+size]
				pending = pending[4+size:]
				if !deliver(frame) {
					return nil
				}
			}
		}
		if err != nil {
			return err
		}
	}
}

// dialTCP is the Dialer RegisterDialer installs under SchemeTCP.
func dialTCP(ctx context.Context, core *RPCCore, ep Endpoint) (Session, error) {
	d := net.Dialer{}
	addr := fmt.Sprintf("%s:%d", ep.Host, ep.Port)
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return newTCPSession(core, ep, conn, core.Logger()), nil
}

// tcpSession wraps baseSession with the TCP read loop, demultiplexing
// inbound frames into replies (handled by baseSession.Deliver) and inbound
// requests (handled by RPCCore.Dispatch, for a server-role TCP connection).
type tcpSession struct {
	*baseSession
	core *RPCCore
	conn net.Conn
}

func newTCPSession(core *RPCCore, ep Endpoint, conn net.Conn, log *slog.Logger) *tcpSession {
	bs := newBaseSession(ep, &tcpTransport{conn: conn}, log, 0, func(b *baseSession) { core.dropSession(ep) })
	s := &tcpSession{baseSession: bs, core: core, conn: conn}
	go s.readLoop()
	return s
}

func (s *tcpSession) readLoop() {
	err := readFramedLoop(s.conn, s.stop, func(frame []byte) bool {
		h, decErr := DecodeHeader(frame)
		if decErr != nil {
			return true
		}
		s.HandleInbound(s.core, s, nil, h, frame[HeaderSize:], false)
		return true
	})
	if err != nil && !s.Closed() {
		s.core.Logger().Debug("nprpc: tcp session read loop ended", "endpoint", s.endpoint, "error", err)
	}
	_ = s.Close()
}

// AcceptTCP serves incoming TCP connections on ln, wrapping each as a
// server-role tcpSession dispatched through core.
func AcceptTCP(core *RPCCore, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		ep := Endpoint{Scheme: SchemeTCP, Host: conn.RemoteAddr().(*net.TCPAddr).IP.String(), Port: uint16(conn.RemoteAddr().(*net.TCPAddr).Port)}
		newTCPSession(core, ep, conn, core.Logger())
	}
}
