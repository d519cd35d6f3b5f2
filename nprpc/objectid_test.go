// Copyright 2025 The NPRPC Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package nprpc_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/nikitapn/nprpc"
)

func TestObjectIdMarshalRoundTrip(t *testing.T) {
	id := nprpc.ObjectId{
		ObjectId: 42,
		PoaIdx:   3,
		Flags:    nprpc.AllowTCP | nprpc.AllowSharedMemory,
		Origin:   uuid.New(),
		ClassId:  "example.Counter",
		Urls:     []string{"mem://" + uuid.New().String(), "tcp://example.com:7000"},
	}

	buf := id.Marshal()
	got, err := nprpc.UnmarshalObjectId(buf)
	if err != nil {
		t.Fatalf("UnmarshalObjectId: %v", err)
	}
	if diff := cmp.Diff(id, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestObjectIdMarshalEmptyUrls(t *testing.T) {
	id := nprpc.ObjectId{ObjectId: 1, ClassId: "x"}
	got, err := nprpc.UnmarshalObjectId(id.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalObjectId: %v", err)
	}
	if len(got.Urls) != 0 {
		t.Errorf("expected nil/empty Urls, got %v", got.Urls)
	}
}

func TestObjectIdIORRoundTrip(t *testing.T) {
	id := nprpc.ObjectId{
		ObjectId: 7,
		PoaIdx:   1,
		Origin:   uuid.New(),
		ClassId:  "example.Thing",
		Urls:     []string{"tcp://example.com:9000"},
	}
	ior := id.IOR()
	got, err := nprpc.ParseIOR(ior)
	if err != nil {
		t.Fatalf("ParseIOR: %v", err)
	}
	if diff := cmp.Diff(id, got); diff != "" {
		t.Errorf("IOR round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestParseIORRejectsBadPrefix(t *testing.T) {
	if _, err := nprpc.ParseIOR("not-an-ior"); err == nil {
		t.Fatal("expected error for missing prefix")
	}
}

func TestUnmarshalObjectIdRejectsShortBuffer(t *testing.T) {
	if _, err := nprpc.UnmarshalObjectId([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for short buffer")
	}
}

func TestObjectIdPreferredURL(t *testing.T) {
	origin := uuid.New()
	other := uuid.New()
	id := nprpc.ObjectId{
		Origin: origin,
		Urls:   []string{"mem://" + origin.String(), "tcp://example.com:7000"},
	}

	if got, ok := id.PreferredURL(origin); !ok || got != "mem://"+origin.String() {
		t.Errorf("same-process PreferredURL = %q, %v; want mem:// url", got, ok)
	}
	if got, ok := id.PreferredURL(other); !ok || got != "tcp://example.com:7000" {
		t.Errorf("cross-process PreferredURL = %q, %v; want tcp url", got, ok)
	}
}

func TestObjectIdPreferredURLNone(t *testing.T) {
	id := nprpc.ObjectId{}
	if _, ok := id.PreferredURL(uuid.New()); ok {
		t.Error("expected no preferred URL for an ObjectId with no candidates")
	}
}
