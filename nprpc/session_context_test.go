// Copyright 2025 The NPRPC Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package nprpc

import (
	"context"
	"testing"
	"time"
)

// fakeSession is a no-op Session, only standing in for newSessionContext's
// session field — none of these tests exercise actual I/O.
type fakeSession struct{ ep Endpoint }

func (s *fakeSession) Endpoint() Endpoint { return s.ep }
func (s *fakeSession) SendReceive(ctx context.Context, buf []byte, timeout time.Duration) ([]byte, error) {
	return nil, nil
}
func (s *fakeSession) SendReceiveAsync(ctx context.Context, buf []byte, timeout time.Duration, completion func([]byte, error)) {
}
func (s *fakeSession) SendDatagram(ctx context.Context, buf []byte) error      { return nil }
func (s *fakeSession) SendStreamMessage(ctx context.Context, buf []byte) error { return nil }
func (s *fakeSession) Close() error                                           { return nil }
func (s *fakeSession) Closed() bool                                           { return false }

func TestSessionContextGetCookie(t *testing.T) {
	sess := &fakeSession{}
	ctx := newSessionContext(sess, map[string]string{"a": "1"})
	if got, ok := ctx.GetCookie("a"); !ok || got != "1" {
		t.Errorf("GetCookie(a) = %q, %v, want 1, true", got, ok)
	}
	if _, ok := ctx.GetCookie("missing"); ok {
		t.Error("GetCookie(missing) should report ok=false")
	}
	if ctx.Session() != Session(sess) {
		t.Error("Session() did not return the constructing session")
	}
}

func TestSessionContextSetCookieDrains(t *testing.T) {
	ctx := newSessionContext(&fakeSession{}, nil)
	ctx.SetCookie(Cookie{Name: "a", Value: "1"})
	ctx.SetCookie(Cookie{Name: "b", Value: "2"})
	out := ctx.OutCookies()
	if len(out) != 2 {
		t.Fatalf("OutCookies() = %v, want 2 entries", out)
	}
	if out[0].Name != "a" || out[1].Name != "b" {
		t.Errorf("OutCookies() = %v, want a then b in queue order", out)
	}
	if again := ctx.OutCookies(); len(again) != 0 {
		t.Errorf("second OutCookies() = %v, want empty (drained)", again)
	}
}

func TestSessionContextGetCookieNilMap(t *testing.T) {
	ctx := newSessionContext(&fakeSession{}, nil)
	if _, ok := ctx.GetCookie("anything"); ok {
		t.Error("GetCookie against a nil inbound map should report ok=false, not panic")
	}
}
