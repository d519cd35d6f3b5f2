// Copyright 2025 The NPRPC Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package nprpc

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"

	"github.com/quic-go/quic-go"
)

// quicALPN is the protocol nprpc negotiates over QUIC/HTTP-3's shared UDP
// socket (spec §4.I "QUIC is ... using its native stream API for the main
// RPC stream plus per-logical-stream uni/bidirectional streams, and its
// SendDatagram/ReceiveDatagram for [unreliable] methods").
const quicALPN = "nprpc/1"

// quicTransport's WriteFrame writes one length-prefixed frame on the
// connection's single long-lived main stream (the bidirectional stream
// opened at connection setup), matching every other stream transport's
// framing so baseSession's outbox/readFramedLoop machinery works unchanged.
type quicTransport struct {
	conn   quic.Connection
	main   quic.Stream
	mu     sync.Mutex
}

func (t *quicTransport) WriteFrame(ctx context.Context, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	framed := WriteLengthPrefix(make([]byte, 0, 4+len(payload)), len(payload))
	framed = append(framed, payload...)
	_, err := t.main.Write(framed)
	return err
}

func (t *quicTransport) Close() error { return t.conn.CloseWithError(0, "closed") }

// quicSession wraps baseSession with the QUIC read loop on the main stream,
// plus native per-logical-stream and datagram paths baseSession's
// StreamManager is reconfigured to use instead of falling back to the main
// stream (spec §4.H outbound routing; §4.I QUIC transport).
type quicSession struct {
	*baseSession
	core *RPCCore
	conn quic.Connection
}

func newQUICSession(core *RPCCore, ep Endpoint, conn quic.Connection, main quic.Stream, log *slog.Logger) *quicSession {
	t := &quicTransport{conn: conn, main: main}
	bs := newBaseSession(ep, t, log, 0, func(b *baseSession) { core.dropSession(ep) })
	s := &quicSession{baseSession: bs, core: core, conn: conn}
	s.setStreamSendFuncs(s.sendNativeStream, s.sendDatagram)
	go s.readMainLoop(main)
	go s.acceptLogicalStreams()
	return s
}

func (s *quicSession) readMainLoop(main quic.Stream) {
	err := readFramedLoop(main, s.stop, func(frame []byte) bool {
		h, decErr := DecodeHeader(frame)
		if decErr != nil {
			return true
		}
		s.HandleInbound(s.core, s, nil, h, frame[HeaderSize:], false)
		return true
	})
	if err != nil && !s.Closed() {
		s.core.Logger().Debug("nprpc: quic session main stream ended", "endpoint", s.endpoint, "error", err)
	}
	_ = s.Close()
}

// acceptLogicalStreams accepts per-logical-stream uni/bidirectional QUIC
// streams a peer opens for a registered StreamWriter/Reader, reading each
// to completion as a single framed chunk sequence.
func (s *quicSession) acceptLogicalStreams() {
	for {
		st, err := s.conn.AcceptStream(context.Background())
		if err != nil {
			return
		}
		go func(st quic.Stream) {
			_ = readFramedLoop(st, s.stop, func(frame []byte) bool {
				h, decErr := DecodeHeader(frame)
				if decErr != nil {
					return true
				}
				s.HandleInbound(s.core, s, nil, h, frame[HeaderSize:], false)
				return true
			})
		}(st)
	}
}

// sendNativeStream opens (or reuses) a dedicated bidirectional QUIC stream
// per streamId for reliable logical-stream data, rather than interleaving
// it on the main stream.
func (s *quicSession) sendNativeStream(streamId uint64, payload []byte) error {
	st, err := s.conn.OpenStreamSync(context.Background())
	if err != nil {
		return err
	}
	framed := WriteLengthPrefix(make([]byte, 0, 4+len(payload)), len(payload))
	framed = append(framed, payload...)
	_, err = st.Write(framed)
	return err
}

// sendDatagram uses QUIC's unreliable datagram extension for
// [unreliable]-marked methods and unreliable stream chunks (spec §4.I).
func (s *quicSession) sendDatagram(payload []byte) error {
	return s.conn.SendDatagram(payload)
}

func (s *quicSession) readDatagramLoop() {
	for {
		data, err := s.conn.ReceiveDatagram(context.Background())
		if err != nil {
			return
		}
		h, decErr := DecodeHeader(data)
		if decErr != nil {
			continue
		}
		s.HandleInbound(s.core, s, nil, h, data[HeaderSize:], true)
	}
}

// dialQUIC is the Dialer RegisterDialer installs under SchemeQUIC.
func dialQUIC(ctx context.Context, core *RPCCore, ep Endpoint) (Session, error) {
	addr := fmt.Sprintf("%s:%d", ep.Host, ep.Port)
	tlsConf := &tls.Config{NextProtos: []string{quicALPN}, InsecureSkipVerify: core.Config().QuicInsecureSkipVerify}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, nil)
	if err != nil {
		return nil, err
	}
	main, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "handshake failed")
		return nil, err
	}
	s := newQUICSession(core, ep, conn, main, core.Logger())
	go s.readDatagramLoop()
	return s, nil
}

// ServeQUIC accepts connections on ln (built by the caller from
// quic.Listen with the process's QuicCertFile/QuicKeyFile), wrapping each
// connection's first stream as a server-role quicSession dispatched
// through core.
func ServeQUIC(ctx context.Context, core *RPCCore, ln *quic.Listener) {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			return
		}
		go func(conn quic.Connection) {
			main, err := conn.AcceptStream(ctx)
			if err != nil {
				_ = conn.CloseWithError(1, "no main stream")
				return
			}
			addr := conn.RemoteAddr()
			ep := Endpoint{Scheme: SchemeQUIC, Host: addr.String()}
			s := newQUICSession(core, ep, conn, main, core.Logger())
			go s.readDatagramLoop()
		}(conn)
	}
}
