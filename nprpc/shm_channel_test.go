// Copyright 2025 The NPRPC Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package nprpc

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// newLoopbackChannelPair builds two SharedMemoryChannels sharing a pair of
// fake (heap-backed) rings, one per direction — mirroring the real
// newSharedMemoryChannel's c2s/s2c swap without touching an mmap backend,
// so the send/receive/dispatch wiring can be tested off-platform.
func newLoopbackChannelPair(t *testing.T) (a, b *SharedMemoryChannel) {
	t.Helper()
	aToB := newTestRing(4096)
	bToA := newTestRing(4096)
	mk := func(send, recv *LockFreeRing) *SharedMemoryChannel {
		return &SharedMemoryChannel{
			ID:         uuid.New(),
			send:       send,
			recv:       recv,
			log:        slog.Default(),
			stopReader: make(chan struct{}),
			readerDone: make(chan struct{}),
		}
	}
	return mk(aToB, bToA), mk(bToA, aToB)
}

func TestSharedMemoryChannelSendReceive(t *testing.T) {
	a, b := newLoopbackChannelPair(t)
	received := make(chan string, 1)
	b.Start(func(payload []byte) { received <- string(payload) }, nil)
	a.Start(nil, nil)
	defer a.Close()
	defer b.Close()

	if err := a.Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case got := <-received:
		if got != "hello" {
			t.Errorf("got %q, want hello", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("b never received a's message")
	}
}

func TestSharedMemoryChannelViewCallback(t *testing.T) {
	a, b := newLoopbackChannelPair(t)
	var mu sync.Mutex
	var gotCopy []byte
	b.Start(nil, func(view []byte) {
		mu.Lock()
		gotCopy = append([]byte(nil), view...)
		mu.Unlock()
	})
	a.Start(nil, nil)
	defer a.Close()
	defer b.Close()

	if err := a.Send([]byte("zero-copy")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := string(gotCopy)
		mu.Unlock()
		if got == "zero-copy" {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("b's view callback never observed a's message")
}

func TestSharedMemoryChannelSendAfterCloseFails(t *testing.T) {
	a, b := newLoopbackChannelPair(t)
	a.Start(nil, nil)
	b.Start(func([]byte) {}, nil)
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.Send([]byte("x")); err != ErrSessionClosed {
		t.Errorf("Send after Close = %v, want ErrSessionClosed", err)
	}
	_ = b.Close()
}

func TestSharedMemoryChannelZeroCopyRoundTrip(t *testing.T) {
	a, b := newLoopbackChannelPair(t)
	received := make(chan string, 1)
	b.Start(func(payload []byte) { received <- string(payload) }, nil)
	a.Start(nil, nil)
	defer a.Close()
	defer b.Close()

	res, buf, ok := a.ReserveZeroCopy(5)
	if !ok {
		t.Fatal("ReserveZeroCopy failed, expected room in a fresh ring")
	}
	buf.Append([]byte("abcde"))
	a.CommitZeroCopy(res, buf)

	select {
	case got := <-received:
		if got != "abcde" {
			t.Errorf("got %q, want abcde", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("b never received a's zero-copy write")
	}
}
