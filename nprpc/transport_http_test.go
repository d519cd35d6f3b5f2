// Copyright 2025 The NPRPC Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package nprpc

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func httpFunctionCallFrame(id ObjectId, params []byte) []byte {
	h := Header{Kind: KindFunctionCall, Type: MessageTypeRequest, RequestId: 7}
	body := make([]byte, functionCallHeaderSize+len(params))
	binaryPutU16(body[0:2], id.PoaIdx)
	binaryPutU64(body[2:10], id.ObjectId)
	binaryPutU32(body[10:14], 0)
	copy(body[functionCallHeaderSize:], params)
	enc := h.Encode()
	frame := make([]byte, 0, HeaderSize+len(body))
	frame = append(frame, enc[:]...)
	frame = append(frame, body...)
	return frame
}

func newHTTPTestCore(t *testing.T) (*RPCCore, ObjectId) {
	t.Helper()
	core := NewRPCCore(nil)
	poa, err := NewPOA(core, "test", 0, Transient, SystemGenerated, POAOptions{})
	if err != nil {
		t.Fatalf("NewPOA: %v", err)
	}
	if err := core.RegisterPOA(poa); err != nil {
		t.Fatalf("RegisterPOA: %v", err)
	}
	id, err := poa.ActivateObject(context.Background(), echoTestServant{}, AllowHTTP, 0)
	if err != nil {
		t.Fatalf("ActivateObject: %v", err)
	}
	return core, id
}

// TestRPCHandlerFunctionCallRoundTrip posts a FunctionCall frame to the
// /rpc handler and checks the dispatched reply comes back as the response
// body (spec §4.J "POST /rpc carries one NPRPC message as the body").
func TestRPCHandlerFunctionCallRoundTrip(t *testing.T) {
	core, id := newHTTPTestCore(t)
	handler := RPCHandler(core, 0)

	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(httpFunctionCallFrame(id, []byte("http-echo"))))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.Bytes()
	h, err := DecodeHeader(body)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if h.Kind != KindBlockResponse {
		t.Fatalf("reply kind = %v, want KindBlockResponse", h.Kind)
	}
	if got := string(body[HeaderSize:]); got != "http-echo" {
		t.Errorf("reply payload = %q, want http-echo", got)
	}
}

// TestRPCHandlerRejectsNonPost verifies GET is rejected with 405, leaving
// POST and the CORS preflight OPTIONS as the only accepted methods.
func TestRPCHandlerRejectsNonPost(t *testing.T) {
	core, _ := newHTTPTestCore(t)
	handler := RPCHandler(core, 0)

	req := httptest.NewRequest(http.MethodGet, "/rpc", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

// TestRPCHandlerCORSPreflight verifies the Origin-echoing CORS headers
// spec §4.I "CORS on HTTP ingress" describes, on both the OPTIONS
// preflight and a regular POST.
func TestRPCHandlerCORSPreflight(t *testing.T) {
	core, id := newHTTPTestCore(t)
	handler := RPCHandler(core, 0)

	req := httptest.NewRequest(http.MethodOptions, "/rpc", nil)
	req.Header.Set("Origin", "https://example.test")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://example.test" {
		t.Errorf("Access-Control-Allow-Origin = %q, want https://example.test", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Access-Control-Allow-Credentials = %q, want true", got)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(httpFunctionCallFrame(id, nil)))
	req2.Header.Set("Origin", "https://example.test")
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	if got := rec2.Header().Get("Access-Control-Allow-Origin"); got != "https://example.test" {
		t.Errorf("POST Access-Control-Allow-Origin = %q, want https://example.test", got)
	}
}

// TestRPCHandlerRejectsOversizedBody verifies a body over the configured
// limit gets a 413 instead of being dispatched.
func TestRPCHandlerRejectsOversizedBody(t *testing.T) {
	core, id := newHTTPTestCore(t)
	handler := RPCHandler(core, 16) // tiny limit, smaller than any real frame

	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(httpFunctionCallFrame(id, []byte("this payload is definitely too large"))))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

// TestRPCHandlerRejectsShortBody verifies a body shorter than the fixed
// Header gets a 400 instead of a panic decoding it.
func TestRPCHandlerRejectsShortBody(t *testing.T) {
	core, _ := newHTTPTestCore(t)
	handler := RPCHandler(core, 0)

	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader([]byte{1, 2, 3}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

// TestMuxRoutesRPCAndFallsBackToStatic verifies Mux's triage: /rpc goes to
// RPCHandler, everything else falls through to the static provider, and an
// unhandled path reaching neither ssr nor static 404s (spec §4.J).
func TestMuxRoutesRPCAndFallsBackToStatic(t *testing.T) {
	core, id := newHTTPTestCore(t)

	static := staticProviderFunc(func(w http.ResponseWriter, r *http.Request) bool {
		if r.URL.Path == "/index.html" {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("static content"))
			return true
		}
		return false
	})
	mux := Mux(core, 0, static, nil)

	rpcReq := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(httpFunctionCallFrame(id, []byte("mux-echo"))))
	rpcRec := httptest.NewRecorder()
	mux.ServeHTTP(rpcRec, rpcReq)
	if rpcRec.Code != http.StatusOK || !strings.Contains(rpcRec.Body.String(), "mux-echo") {
		t.Errorf("/rpc via Mux = %d %q, want 200 containing mux-echo", rpcRec.Code, rpcRec.Body.String())
	}

	staticReq := httptest.NewRequest(http.MethodGet, "/index.html", nil)
	staticRec := httptest.NewRecorder()
	mux.ServeHTTP(staticRec, staticReq)
	if staticRec.Code != http.StatusOK || staticRec.Body.String() != "static content" {
		t.Errorf("/index.html via Mux = %d %q, want 200 static content", staticRec.Code, staticRec.Body.String())
	}

	missingReq := httptest.NewRequest(http.MethodGet, "/missing", nil)
	missingRec := httptest.NewRecorder()
	mux.ServeHTTP(missingRec, missingReq)
	if missingRec.Code != http.StatusNotFound {
		t.Errorf("/missing via Mux = %d, want 404", missingRec.Code)
	}
}

type staticProviderFunc func(w http.ResponseWriter, r *http.Request) bool

func (f staticProviderFunc) ServeHTTP(w http.ResponseWriter, r *http.Request) bool { return f(w, r) }
