// Copyright 2025 The NPRPC Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package nprpc

import (
	"encoding/binary"
	"time"
)

// StreamState is a stream's lifecycle state (spec §4.H / GLOSSARY).
type StreamState int

const (
	StreamOpening StreamState = iota
	StreamActive
	StreamCompleted
	StreamFailed
	StreamCancelled
)

func (s StreamState) String() string {
	switch s {
	case StreamOpening:
		return "Opening"
	case StreamActive:
		return "Active"
	case StreamCompleted:
		return "Completed"
	case StreamFailed:
		return "Failed"
	case StreamCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// DefaultStreamWindow is the reader-advertised window size in chunks
// (spec §4.H "default 16 chunks").
const DefaultStreamWindow = 16

// DefaultStreamTimeout is the per-stream inactivity timer (spec §4.H
// "default 30 s").
const DefaultStreamTimeout = 30 * time.Second

// StreamErrorTimeout is the StreamError code sent when a stream's inactivity
// timer fires (spec §4.H Timeouts).
const StreamErrorTimeout uint32 = 1

// StreamReorderWindow bounds how far out of order an unreliable stream's
// chunks may arrive before a gap is treated as a permanent drop rather than
// pending reordering (spec §4.H "drop on sequence gap exceeding a small
// reorder window").
const StreamReorderWindow = 8

// StreamReader is implemented by the application-owned object registered
// against an inbound stream id on the client/requesting side (spec §4.H
// register_reader). Exactly one goroutine calls into a given StreamReader
// at a time (the owning session's strand).
type StreamReader interface {
	OnChunk(seq uint64, data []byte)
	OnComplete()
	OnError(err error)
}

// StreamWriter is implemented by the server side producing a stream's data
// (spec §4.H register_stream). Cancel is invoked when the peer sends
// StreamCancellation; the writer must stop producing further chunks.
type StreamWriter interface {
	Cancel()
}

// streamChunkHeader is the body shape for StreamDataChunk: stream_id (u64),
// seq (u64), payload bytes follow.
type streamChunkHeader struct {
	StreamId uint64
	Seq      uint64
}

const streamChunkHeaderSize = 16

func encodeStreamChunk(streamId, seq uint64, payload []byte) []byte {
	buf := make([]byte, streamChunkHeaderSize+len(payload))
	binary.LittleEndian.PutUint64(buf[0:8], streamId)
	binary.LittleEndian.PutUint64(buf[8:16], seq)
	copy(buf[streamChunkHeaderSize:], payload)
	return buf
}

func decodeStreamChunk(body []byte) (streamChunkHeader, []byte, error) {
	if len(body) < streamChunkHeaderSize {
		return streamChunkHeader{}, nil, WrapError(KindBadInput, "short stream chunk", nil)
	}
	h := streamChunkHeader{
		StreamId: binary.LittleEndian.Uint64(body[0:8]),
		Seq:      binary.LittleEndian.Uint64(body[8:16]),
	}
	return h, body[streamChunkHeaderSize:], nil
}

// encodeStreamIdU64 builds the StreamCompletion body (id, final_seq).
// StreamError (id, code, data) uses encodeStreamError, and
// StreamCancellation/StreamWindowUpdate (id) use encodeStreamId.
func encodeStreamIdU64(streamId, v uint64) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], streamId)
	binary.LittleEndian.PutUint64(buf[8:16], v)
	return buf
}

func decodeStreamIdU64(body []byte) (uint64, uint64, error) {
	if len(body) < 16 {
		return 0, 0, WrapError(KindBadInput, "short stream control body", nil)
	}
	return binary.LittleEndian.Uint64(body[0:8]), binary.LittleEndian.Uint64(body[8:16]), nil
}

func encodeStreamId(streamId uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, streamId)
	return buf
}

func decodeStreamId(body []byte) (uint64, error) {
	if len(body) < 8 {
		return 0, WrapError(KindBadInput, "short stream id", nil)
	}
	return binary.LittleEndian.Uint64(body), nil
}

// wrapStreamMessage prefixes body with a Header carrying kind, so a peer's
// ordinary frame-decode-then-route path (HandleInbound's switch on h.Kind)
// can dispatch it exactly like any other message (spec §4.H/§6). Stream
// frames are not request/answer-correlated, so RequestId is always 0 and
// Type is a fixed placeholder (MessageTypeRequest) never inspected for
// the five stream Kinds.
func wrapStreamMessage(kind MessageKind, body []byte) []byte {
	h := Header{Size: uint32(len(body)), Kind: kind, Type: MessageTypeRequest, RequestId: 0}
	enc := h.Encode()
	out := make([]byte, 0, HeaderSize+len(body))
	out = append(out, enc[:]...)
	out = append(out, body...)
	return out
}

func encodeStreamError(streamId uint64, code uint32, data []byte) []byte {
	buf := make([]byte, 12+len(data))
	binary.LittleEndian.PutUint64(buf[0:8], streamId)
	binary.LittleEndian.PutUint32(buf[8:12], code)
	copy(buf[12:], data)
	return buf
}

func decodeStreamError(body []byte) (uint64, uint32, []byte, error) {
	if len(body) < 12 {
		return 0, 0, nil, WrapError(KindBadInput, "short stream error", nil)
	}
	streamId := binary.LittleEndian.Uint64(body[0:8])
	code := binary.LittleEndian.Uint32(body[8:12])
	return streamId, code, body[12:], nil
}
