// Copyright 2025 The NPRPC Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package nprpc_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/nikitapn/nprpc"
)

// recordingReader implements nprpc.StreamReader, recording every callback
// so tests can assert on delivery order and terminal state.
type recordingReader struct {
	mu       sync.Mutex
	chunks   []string // seq:data pairs in delivery order
	complete bool
	err      error
}

func (r *recordingReader) OnChunk(seq uint64, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, string(data))
}
func (r *recordingReader) OnComplete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.complete = true
}
func (r *recordingReader) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *recordingReader) snapshot() ([]string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.chunks...), r.complete, r.err
}

// recordingWriter implements nprpc.StreamWriter, tracking whether Cancel
// fired.
type recordingWriter struct {
	mu        sync.Mutex
	cancelled bool
}

func (w *recordingWriter) Cancel() {
	w.mu.Lock()
	w.cancelled = true
	w.mu.Unlock()
}

func (w *recordingWriter) isCancelled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancelled
}

// loopbackPair wires two StreamManagers' mainSend funcs directly into each
// other's inbound handlers, modeling a single reliable main stream carrying
// both directions' control/data frames — the same shape every non-native
// transport driver gives its StreamManager (spec §4.H).
type loopbackPair struct {
	server *nprpc.StreamManager // owns the writer (register_stream)
	client *nprpc.StreamManager // owns the reader (register_reader)
}

func newLoopbackPair() *loopbackPair {
	p := &loopbackPair{}
	p.server = nprpc.NewStreamManager(func(payload []byte) error {
		return routeStreamFrame(p.client, payload)
	}, nil, nil)
	p.client = nprpc.NewStreamManager(func(payload []byte) error {
		return routeStreamFrame(p.server, payload)
	}, nil, nil)
	return p
}

// routeStreamFrame is a tiny stand-in for baseSession.HandleInbound's
// Stream* switch: it decodes the Header every outbound StreamManager send
// now prefixes onto its frame and dispatches body (the bytes following the
// header) to the matching Handle* method, the same split HandleInbound
// performs for every transport.
func routeStreamFrame(dst *nprpc.StreamManager, frame []byte) error {
	h, err := nprpc.DecodeHeader(frame)
	if err != nil {
		return err
	}
	body := frame[nprpc.HeaderSize:]
	switch h.Kind {
	case nprpc.KindStreamDataChunk:
		return dst.HandleDataChunk(body, false)
	case nprpc.KindStreamCompletion:
		return dst.HandleCompletion(body)
	case nprpc.KindStreamError:
		return dst.HandleError(body)
	case nprpc.KindStreamCancellation:
		return dst.HandleCancellation(body)
	}
	return nil
}

func TestStreamManagerChunkCompleteRoundTrip(t *testing.T) {
	p := newLoopbackPair()
	reader := &recordingReader{}
	p.client.RegisterReader(1, reader)
	p.server.RegisterStream(1, &recordingWriter{}, false)

	if err := p.server.SendChunk(1, []byte("a")); err != nil {
		t.Fatalf("SendChunk 1: %v", err)
	}
	if err := p.server.SendChunk(1, []byte("b")); err != nil {
		t.Fatalf("SendChunk 2: %v", err)
	}
	if err := p.server.SendComplete(1, 2); err != nil {
		t.Fatalf("SendComplete: %v", err)
	}

	chunks, complete, err := reader.snapshot()
	if err != nil {
		t.Fatalf("reader reported error: %v", err)
	}
	if !complete {
		t.Error("expected OnComplete to have fired")
	}
	if len(chunks) != 2 || chunks[0] != "a" || chunks[1] != "b" {
		t.Errorf("chunks = %v, want [a b] in order", chunks)
	}
}

func TestStreamManagerOutOfOrderReliableFailsStream(t *testing.T) {
	p := newLoopbackPair()
	reader := &recordingReader{}
	p.client.RegisterReader(7, reader)

	// Directly feed the client an out-of-order chunk (seq 5, expected 0) to
	// exercise the reliable-stream ordering guard without needing the
	// server side to misbehave.
	if err := p.client.HandleDataChunk(rawChunk(7, 5, []byte("x")), false); err != nil {
		t.Fatalf("HandleDataChunk: %v", err)
	}
	_, _, err := reader.snapshot()
	if !errors.Is(err, nprpc.ErrBadInput) {
		t.Errorf("reader error = %v, want ErrBadInput for an out-of-order reliable chunk", err)
	}
}

func TestStreamManagerSendError(t *testing.T) {
	p := newLoopbackPair()
	reader := &recordingReader{}
	p.client.RegisterReader(3, reader)
	p.server.RegisterStream(3, &recordingWriter{}, false)

	if err := p.server.SendError(3, 500, []byte("boom")); err != nil {
		t.Fatalf("SendError: %v", err)
	}
	_, _, err := reader.snapshot()
	if err == nil {
		t.Fatal("expected OnError to fire after SendError")
	}
}

func TestStreamManagerCancelInvokesWriter(t *testing.T) {
	p := newLoopbackPair()
	writer := &recordingWriter{}
	p.server.RegisterStream(9, writer, false)

	if err := p.client.SendCancel(9); err != nil {
		t.Fatalf("SendCancel: %v", err)
	}
	if !writer.isCancelled() {
		t.Error("expected the server-side writer's Cancel to fire after a client SendCancel")
	}
}

func TestStreamManagerSendChunkUnknownStream(t *testing.T) {
	p := newLoopbackPair()
	err := p.server.SendChunk(404, []byte("x"))
	if !errors.Is(err, nprpc.ErrObjectNotExist) {
		t.Errorf("SendChunk on an unregistered stream = %v, want ErrObjectNotExist", err)
	}
}

func TestStreamManagerCloseAllFailsReadersAndCancelsWriters(t *testing.T) {
	p := newLoopbackPair()
	reader := &recordingReader{}
	writer := &recordingWriter{}
	p.client.RegisterReader(1, reader)
	p.server.RegisterStream(1, writer, false)

	p.client.CloseAll()
	p.server.CloseAll()

	_, _, err := reader.snapshot()
	if !errors.Is(err, nprpc.ErrSessionClosed) {
		t.Errorf("reader error after CloseAll = %v, want ErrSessionClosed", err)
	}
	if !writer.isCancelled() {
		t.Error("expected writer Cancel to fire on CloseAll")
	}
}

// rawChunk builds a minimal StreamDataChunk body (stream_id, seq, payload)
// matching stream.go's private wire layout, duplicated here only because
// HandleDataChunk's input is the already-framed body a transport would
// otherwise supply.
func rawChunk(streamId, seq uint64, payload []byte) []byte {
	buf := make([]byte, 16+len(payload))
	putU64(buf[0:8], streamId)
	putU64(buf[8:16], seq)
	copy(buf[16:], payload)
	return buf
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
