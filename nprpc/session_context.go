// Copyright 2025 The NPRPC Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package nprpc

import "sync"

// SessionContext is synthesized on the goroutine handling one dispatch
// (spec §4.G step 2 "synthesize a SessionContext on the current thread so
// servants can call get_cookie/set_cookie"). It is not safe for use after
// the dispatch call that created it returns.
type SessionContext struct {
	session Session

	mu          sync.Mutex
	inCookies   map[string]string
	outCookies  []Cookie
}

func newSessionContext(s Session, inCookies map[string]string) *SessionContext {
	return &SessionContext{session: s, inCookies: inCookies}
}

// Session returns the Session this dispatch is running on.
func (c *SessionContext) Session() Session { return c.session }

// GetCookie looks up an inbound cookie by name (HTTP/WebSocket sessions
// only; other transports report ok=false for every name).
func (c *SessionContext) GetCookie(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.inCookies[name]
	return v, ok
}

// SetCookie queues an outbound Set-Cookie, flushed by the HTTP/WebSocket
// driver after dispatch completes (spec §4.J).
func (c *SessionContext) SetCookie(ck Cookie) {
	c.mu.Lock()
	c.outCookies = append(c.outCookies, ck)
	c.mu.Unlock()
}

// OutCookies drains the cookies queued by SetCookie during this dispatch.
func (c *SessionContext) OutCookies() []Cookie {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.outCookies
	c.outCookies = nil
	return out
}
