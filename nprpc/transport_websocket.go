// Copyright 2025 The NPRPC Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package nprpc

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// wsTransport frames every NPRPC message as one binary WebSocket message
// (spec §4.I WebSocket "as TCP but inside a WebSocket message").
type wsTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (t *wsTransport) WriteFrame(ctx context.Context, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteMessage(websocket.BinaryMessage, payload)
}

func (t *wsTransport) Close() error { return t.conn.Close() }

// wsSession pairs baseSession with the WebSocket read loop, and carries the
// cookies captured from the initial HTTP Upgrade request so every dispatch
// over this connection reuses them (spec §4.I "cookies from the initial
// HTTP Upgrade are captured into the session's context and reused for
// every dispatch").
type wsSession struct {
	*baseSession
	core      *RPCCore
	conn      *websocket.Conn
	cookies   map[string]string
}

func newWSSession(core *RPCCore, ep Endpoint, conn *websocket.Conn, cookies map[string]string, log *slog.Logger) *wsSession {
	bs := newBaseSession(ep, &wsTransport{conn: conn}, log, 0, func(b *baseSession) { core.dropSession(ep) })
	s := &wsSession{baseSession: bs, core: core, conn: conn, cookies: cookies}
	go s.readLoop()
	return s
}

func (s *wsSession) readLoop() {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			break
		}
		if mt != websocket.BinaryMessage || len(data) < HeaderSize {
			continue
		}
		h, decErr := DecodeHeader(data)
		if decErr != nil {
			continue
		}
		s.HandleInbound(s.core, s, s.cookies, h, data[HeaderSize:], false)
	}
	_ = s.Close()
}

// dialWS is the Dialer RegisterDialer installs under SchemeWS/SchemeWSS.
func dialWS(ctx context.Context, core *RPCCore, ep Endpoint) (Session, error) {
	scheme := "ws"
	if ep.Scheme == SchemeWSS {
		scheme = "wss"
	}
	path := ep.Path
	if path == "" {
		path = "/nprpc-ws"
	}
	url := fmt.Sprintf("%s://%s:%d%s", scheme, ep.Host, ep.Port, path)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return newWSSession(core, ep, conn, nil, core.Logger()), nil
}

// UpgradeHTTP upgrades an inbound HTTP request to a WebSocket connection
// and starts a server-role Session dispatched through core, capturing the
// request's cookies into the session per spec §4.I.
func UpgradeHTTP(core *RPCCore, w http.ResponseWriter, r *http.Request, upgrader *websocket.Upgrader) error {
	if upgrader == nil {
		upgrader = &websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	cookies := ParseCookieHeader(r.Header.Get("Cookie"))
	ep := Endpoint{Scheme: SchemeWS, Host: r.RemoteAddr}
	newWSSession(core, ep, conn, cookies, core.Logger())
	return nil
}
