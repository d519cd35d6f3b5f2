// Copyright 2025 The NPRPC Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package nprpc

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// iorPrefix tags the base64 payload of a serialized ObjectId for
// cross-process reference transfer (spec §4.F "Object IOR string").
const iorPrefix = "NPRPC1:"

// ObjectId is the value-type identity of a remote object reference
// (spec §4.B types summary, §4.F serialization). Two ObjectId values with
// the same fields name the same remote object regardless of which process
// holds them.
type ObjectId struct {
	ObjectId uint64
	PoaIdx   uint16
	Flags    ActivationFlags
	Origin   uuid.UUID // process UUID of the activating POA
	ClassId  string    // interface type tag
	Urls     []string  // candidate endpoints, preferred first
}

// ActivationFlags controls which transport URLs a POA synthesizes when
// activating an object (spec §4.D).
type ActivationFlags uint16

const (
	AllowTCP ActivationFlags = 1 << iota
	AllowWS
	AllowHTTP
	AllowQUIC
	AllowUDP
	AllowSharedMemory
	AllowAll = AllowTCP | AllowWS | AllowHTTP | AllowQUIC | AllowUDP | AllowSharedMemory
)

// joinUrls/splitUrls implement the spec's "semicolon-separated candidate
// endpoint list" encoding for ObjectId.urls both inside the binary IOR
// payload and wherever a debug dump renders an ObjectId as text.
func joinUrls(urls []string) string { return strings.Join(urls, ";") }

func splitUrls(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ";")
}

// Marshal serializes id per spec §4.F: object_id (u64 LE), poa_idx (u16 LE),
// flags (u16 LE), origin (16 bytes), class_id (u32 LE length + UTF-8),
// urls (u32 LE length + UTF-8, semicolon-joined).
func (id ObjectId) Marshal() []byte {
	urls := joinUrls(id.Urls)
	size := 8 + 2 + 2 + 16 + 4 + len(id.ClassId) + 4 + len(urls)
	buf := make([]byte, size)
	off := 0
	binary.LittleEndian.PutUint64(buf[off:], id.ObjectId)
	off += 8
	binary.LittleEndian.PutUint16(buf[off:], id.PoaIdx)
	off += 2
	binary.LittleEndian.PutUint16(buf[off:], uint16(id.Flags))
	off += 2
	copy(buf[off:off+16], id.Origin[:])
	off += 16
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(id.ClassId)))
	off += 4
	off += copy(buf[off:], id.ClassId)
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(urls)))
	off += 4
	copy(buf[off:], urls)
	return buf
}

// UnmarshalObjectId is the inverse of Marshal.
func UnmarshalObjectId(buf []byte) (ObjectId, error) {
	const minSize = 8 + 2 + 2 + 16 + 4 + 4
	if len(buf) < minSize {
		return ObjectId{}, fmt.Errorf("%w: object id buffer too short", ErrBadInput)
	}
	var id ObjectId
	off := 0
	id.ObjectId = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	id.PoaIdx = binary.LittleEndian.Uint16(buf[off:])
	off += 2
	id.Flags = ActivationFlags(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	copy(id.Origin[:], buf[off:off+16])
	off += 16
	classLen := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	if off+int(classLen) > len(buf) {
		return ObjectId{}, fmt.Errorf("%w: object id class_id truncated", ErrBadInput)
	}
	id.ClassId = string(buf[off : off+int(classLen)])
	off += int(classLen)
	if off+4 > len(buf) {
		return ObjectId{}, fmt.Errorf("%w: object id missing urls length", ErrBadInput)
	}
	urlsLen := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	if off+int(urlsLen) > len(buf) {
		return ObjectId{}, fmt.Errorf("%w: object id urls truncated", ErrBadInput)
	}
	id.Urls = splitUrls(string(buf[off : off+int(urlsLen)]))
	return id, nil
}

// IOR renders id as "NPRPC1:<base64>", the textual form used to pass an
// object reference outside of an active session (spec's GLOSSARY "IOR").
func (id ObjectId) IOR() string {
	return iorPrefix + base64.StdEncoding.EncodeToString(id.Marshal())
}

// ParseIOR is the inverse of ObjectId.IOR.
func ParseIOR(s string) (ObjectId, error) {
	if !strings.HasPrefix(s, iorPrefix) {
		return ObjectId{}, fmt.Errorf("%w: ior missing %q prefix", ErrBadInput, iorPrefix)
	}
	raw, err := base64.StdEncoding.DecodeString(s[len(iorPrefix):])
	if err != nil {
		return ObjectId{}, fmt.Errorf("%w: ior base64: %v", ErrBadInput, err)
	}
	return UnmarshalObjectId(raw)
}

// PreferredURL returns the URL a caller in process readerOrigin should try
// first: a mem:// candidate when readerOrigin matches id.Origin, else the
// first network URL (spec §4.D selectEndpoint / ObjectId invariant).
func (id ObjectId) PreferredURL(readerOrigin uuid.UUID) (string, bool) {
	sameProcess := readerOrigin == id.Origin
	if sameProcess {
		for _, u := range id.Urls {
			if strings.HasPrefix(u, "mem://") {
				return u, true
			}
		}
	}
	for _, u := range id.Urls {
		if !strings.HasPrefix(u, "mem://") {
			return u, true
		}
	}
	if len(id.Urls) > 0 {
		return id.Urls[0], true
	}
	return "", false
}
