// Copyright 2025 The NPRPC Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package nprpc_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/nikitapn/nprpc"
)

func TestParseEndpointRoundTrip(t *testing.T) {
	id := uuid.New()
	cases := []string{
		"tcp://example.com:7000",
		"ws://localhost:8080/nprpc-ws",
		"wss://api.example.com:443/nprpc-ws",
		"http://127.0.0.1:9000/rpc",
		"https://example.com:9443/rpc",
		"udp://10.0.0.1:5000",
		"quic://edge.example.com:4433",
		"mem://" + id.String(),
	}
	for _, raw := range cases {
		t.Run(raw, func(t *testing.T) {
			ep, err := nprpc.ParseEndpoint(raw)
			if err != nil {
				t.Fatalf("ParseEndpoint(%q): %v", raw, err)
			}
			if got := ep.String(); got != raw {
				t.Errorf("round trip mismatch: parsed %q, formatted back %q", raw, got)
			}
		})
	}
}

func TestParseEndpointTCPNoPort(t *testing.T) {
	ep, err := nprpc.ParseEndpoint("tcp://example.com")
	if err != nil {
		t.Fatalf("ParseEndpoint: %v", err)
	}
	if ep.Host != "example.com" || ep.Port != 0 {
		t.Errorf("got host=%q port=%d, want host=example.com port=0", ep.Host, ep.Port)
	}
	if got := ep.String(); got != "tcp://example.com" {
		t.Errorf("String() = %q, want tcp://example.com", got)
	}
}

func TestParseEndpointErrors(t *testing.T) {
	cases := []string{
		"",
		"not-a-url",
		"ftp://example.com",
		"mem://",
		"mem://not-a-uuid",
		"tcp://",
		"tcp://:8080",
	}
	for _, raw := range cases {
		t.Run(raw, func(t *testing.T) {
			_, err := nprpc.ParseEndpoint(raw)
			if err == nil {
				t.Fatalf("ParseEndpoint(%q): expected error, got nil", raw)
			}
			if !errors.Is(err, nprpc.ErrInvalidEndpoint) {
				t.Errorf("ParseEndpoint(%q): error %v does not match ErrInvalidEndpoint", raw, err)
			}
		})
	}
}

func TestEndpointEqual(t *testing.T) {
	a, err := nprpc.ParseEndpoint("tcp://example.com:7000")
	if err != nil {
		t.Fatal(err)
	}
	b, err := nprpc.ParseEndpoint("tcp://example.com:7000")
	if err != nil {
		t.Fatal(err)
	}
	c, err := nprpc.ParseEndpoint("tcp://example.com:7001")
	if err != nil {
		t.Fatal(err)
	}
	if !a.Equal(b) {
		t.Error("expected a.Equal(b)")
	}
	if a.Equal(c) {
		t.Error("expected !a.Equal(c)")
	}
}

func TestEndpointIsLoopback(t *testing.T) {
	mem, err := nprpc.ParseEndpoint("mem://" + uuid.New().String())
	if err != nil {
		t.Fatal(err)
	}
	if !mem.IsLoopback() {
		t.Error("shared-memory endpoints are always loopback")
	}
	remote, err := nprpc.ParseEndpoint("tcp://example.com:7000")
	if err != nil {
		t.Fatal(err)
	}
	if remote.IsLoopback() {
		t.Error("example.com should not be loopback")
	}
	local, err := nprpc.ParseEndpoint("tcp://127.0.0.1:7000")
	if err != nil {
		t.Fatal(err)
	}
	if !local.IsLoopback() {
		t.Error("127.0.0.1 should be loopback")
	}
}
