// Copyright 2025 The NPRPC Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package nprpc

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// httpRpcSession is the "thin session that cannot issue outbound calls"
// spec §4.J requires for the HTTP request path: it satisfies Session so
// Dispatch can use it uniformly, but every outbound method fails fast
// since an HTTP request/response cycle has nowhere to deliver an
// unsolicited call.
type httpRpcSession struct {
	ep Endpoint
}

func (s *httpRpcSession) Endpoint() Endpoint { return s.ep }

func (s *httpRpcSession) SendReceive(ctx context.Context, buf []byte, timeout time.Duration) ([]byte, error) {
	return nil, fmt.Errorf("%w: HTTP request-path sessions cannot issue calls", ErrBadAccess)
}

func (s *httpRpcSession) SendReceiveAsync(ctx context.Context, buf []byte, timeout time.Duration, completion func([]byte, error)) {
	if completion != nil {
		completion(nil, fmt.Errorf("%w: HTTP request-path sessions cannot issue calls", ErrBadAccess))
	}
}

func (s *httpRpcSession) SendDatagram(ctx context.Context, buf []byte) error {
	return fmt.Errorf("%w: HTTP request-path sessions cannot issue calls", ErrBadAccess)
}

func (s *httpRpcSession) SendStreamMessage(ctx context.Context, buf []byte) error {
	return fmt.Errorf("%w: HTTP request-path sessions cannot issue calls", ErrBadAccess)
}

func (s *httpRpcSession) Close() error { return nil }
func (s *httpRpcSession) Closed() bool { return true }

// writeCORSHeaders implements spec §4.I "CORS on HTTP ingress: any
// cross-origin request echoes the exact Origin back in
// Access-Control-Allow-Origin and sets Access-Control-Allow-Credentials:
// true".
func writeCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if origin := r.Header.Get("Origin"); origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Cookie")
	}
}

// RPCHandler builds the http.Handler spec §4.J describes for /rpc: it reads
// the entire body (bounded by maxBodyBytes, adapted from
// mcp/http_limits.go's effectiveMaxBodyBytes/MaxBytesReader guard) as one
// NPRPC message, dispatches it through core, and writes the reply body plus
// any queued Set-Cookie headers.
func RPCHandler(core *RPCCore, maxBodyBytes int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeCORSHeaders(w, r)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		limit := effectiveHTTPBodyLimit(maxBodyBytes)
		body := r.Body
		if limit > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			body = r.Body
		}
		buf := make([]byte, 0, 4096)
		tmp := make([]byte, 4096)
		for {
			n, err := body.Read(tmp)
			if n > 0 {
				buf = append(buf, tmp[:n]...)
			}
			if err != nil {
				if isMaxBytesHTTPError(err) {
					w.Header().Set("Connection", "close")
					http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
					return
				}
				break
			}
		}

		if len(buf) < HeaderSize {
			http.Error(w, "short message", http.StatusBadRequest)
			return
		}
		h, err := DecodeHeader(buf)
		if err != nil {
			http.Error(w, "bad header", http.StatusBadRequest)
			return
		}

		ep := Endpoint{Scheme: SchemeHTTP, Host: r.RemoteAddr}
		sess := &httpRpcSession{ep: ep}
		inCookies := ParseCookieHeader(r.Header.Get("Cookie"))

		tx := NewFlatBuffer()
		outCookies := core.Dispatch(sess, inCookies, h, buf[HeaderSize:], tx)
		for _, c := range outCookies {
			w.Header().Add("Set-Cookie", c.String())
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(tx.Data())
	})
}

// effectiveHTTPBodyLimit mirrors mcp/http_limits.go's
// effectiveMaxBodyBytes: 0 means a sane default, negative means no limit.
func effectiveHTTPBodyLimit(maxBodyBytes int64) int64 {
	const defaultMaxBodyBytes int64 = 4_000_000
	switch {
	case maxBodyBytes == 0:
		return defaultMaxBodyBytes
	case maxBodyBytes < 0:
		return 0
	default:
		return maxBodyBytes
	}
}

func isMaxBytesHTTPError(err error) bool {
	_, ok := err.(*http.MaxBytesError)
	return ok
}

// StaticContentProvider is the pluggable file cache spec.md's Non-goals
// explicitly exclude the implementation of ("The HTTP static-file cache and
// MIME-type helpers, treated as a pluggable static content provider").
// ServeHTTPRoot delegates every non-/rpc request to whatever provider the
// caller configures; nprpc ships none itself.
type StaticContentProvider interface {
	ServeHTTP(w http.ResponseWriter, r *http.Request) (handled bool)
}

// SSRHandler is the pluggable server-side-render bridge ("Embedded...
// framing libraries" and SSR process management are out of scope; spec
// §4.I "The same path handles SSR forwarding (delegated)"). nprpc only
// defines the seam a host process wires an SSR worker into.
type SSRHandler interface {
	ServeSSR(w http.ResponseWriter, r *http.Request) (handled bool)
}

// Mux builds the top-level HTTP handler spec §4.J's triage describes:
// /rpc goes to RPCHandler; everything else is offered to ssr then static,
// in that order, falling back to 404 if neither handles it.
func Mux(core *RPCCore, maxBodyBytes int64, static StaticContentProvider, ssr SSRHandler) http.Handler {
	rpc := RPCHandler(core, maxBodyBytes)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/rpc" {
			rpc.ServeHTTP(w, r)
			return
		}
		if ssr != nil {
			if ssr.ServeSSR(w, r) {
				return
			}
		}
		if static != nil {
			if static.ServeHTTP(w, r) {
				return
			}
		}
		http.NotFound(w, r)
	})
}
