// Copyright 2025 The NPRPC Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package nprpc

import "encoding/binary"

// MessageKind is the wire protocol vocabulary (spec §3).
type MessageKind uint32

const (
	KindFunctionCall MessageKind = iota
	KindBlockResponse
	KindAddReference
	KindReleaseObject
	KindSuccess
	KindException_
	KindErrorPoaNotExist
	KindErrorObjectNotExist
	KindErrorCommFailure
	KindErrorUnknownFunctionIdx
	KindErrorUnknownMessageId
	KindErrorBadAccess
	KindErrorBadInput
	KindStreamInit
	KindStreamDataChunk
	KindStreamCompletion
	KindStreamError
	KindStreamCancellation
	KindStreamWindowUpdate
)

func (k MessageKind) String() string {
	switch k {
	case KindFunctionCall:
		return "FunctionCall"
	case KindBlockResponse:
		return "BlockResponse"
	case KindAddReference:
		return "AddReference"
	case KindReleaseObject:
		return "ReleaseObject"
	case KindSuccess:
		return "Success"
	case KindException_:
		return "Exception"
	case KindErrorPoaNotExist:
		return "Error_PoaNotExist"
	case KindErrorObjectNotExist:
		return "Error_ObjectNotExist"
	case KindErrorCommFailure:
		return "Error_CommFailure"
	case KindErrorUnknownFunctionIdx:
		return "Error_UnknownFunctionIdx"
	case KindErrorUnknownMessageId:
		return "Error_UnknownMessageId"
	case KindErrorBadAccess:
		return "Error_BadAccess"
	case KindErrorBadInput:
		return "Error_BadInput"
	case KindStreamInit:
		return "StreamInit"
	case KindStreamDataChunk:
		return "StreamDataChunk"
	case KindStreamCompletion:
		return "StreamCompletion"
	case KindStreamError:
		return "StreamError"
	case KindStreamCancellation:
		return "StreamCancellation"
	case KindStreamWindowUpdate:
		return "StreamWindowUpdate"
	default:
		return "Unknown"
	}
}

// errorKindFor maps an error Kind to its terminal wire MessageKind, used by
// RPCCore when turning a dispatch failure into a reply message.
func errorKindFor(k Kind) (MessageKind, bool) {
	switch k {
	case KindPoaNotExist:
		return KindErrorPoaNotExist, true
	case KindObjectNotExist:
		return KindErrorObjectNotExist, true
	case KindCommFailure:
		return KindErrorCommFailure, true
	case KindUnknownFunctionIdx:
		return KindErrorUnknownFunctionIdx, true
	case KindUnknownMessageId:
		return KindErrorUnknownMessageId, true
	case KindBadAccess:
		return KindErrorBadAccess, true
	case KindBadInput:
		return KindErrorBadInput, true
	default:
		return 0, false
	}
}

// MessageType distinguishes a call from its reply.
type MessageType uint32

const (
	MessageTypeRequest MessageType = iota
	MessageTypeAnswer
)

// HeaderSize is the fixed, natural-alignment-packed size of a Header: four
// u32 fields, 16 bytes total (spec §6).
const HeaderSize = 16

// Header is the fixed-size prefix of every NPRPC message body (the message
// the stream-oriented transports additionally wrap in a 4-byte length
// prefix, see WriteLengthPrefix/ReadLengthPrefix).
type Header struct {
	Size      uint32 // payload size, excluding the header itself
	Kind      MessageKind
	Type      MessageType
	RequestId uint32
}

// Encode writes h in little-endian order into a fixed 16-byte array.
func (h Header) Encode() [HeaderSize]byte {
	var b [HeaderSize]byte
	binary.LittleEndian.PutUint32(b[0:4], h.Size)
	binary.LittleEndian.PutUint32(b[4:8], uint32(h.Kind))
	binary.LittleEndian.PutUint32(b[8:12], uint32(h.Type))
	binary.LittleEndian.PutUint32(b[12:16], h.RequestId)
	return b
}

// DecodeHeader reads a Header from the first HeaderSize bytes of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, WrapError(KindBadInput, "short header", nil)
	}
	return Header{
		Size:      binary.LittleEndian.Uint32(b[0:4]),
		Kind:      MessageKind(binary.LittleEndian.Uint32(b[4:8])),
		Type:      MessageType(binary.LittleEndian.Uint32(b[8:12])),
		RequestId: binary.LittleEndian.Uint32(b[12:16]),
	}, nil
}

// MaxMessageSize bounds a single NPRPC message (header + body) accepted by
// any transport driver, matching the ring's max single message size
// (spec §4.B).
const MaxMessageSize = 32 * 1024 * 1024

// WriteLengthPrefix appends a little-endian u32 length prefix for payload to
// dst and returns the result. The TCP driver and the QUIC driver's streams
// frame messages this way (spec §6); WebSocket sends each message as one
// binary WebSocket message and HTTP carries it as the bare request body,
// neither with a length prefix.
func WriteLengthPrefix(dst []byte, payloadLen int) []byte {
	var lp [4]byte
	binary.LittleEndian.PutUint32(lp[:], uint32(payloadLen))
	return append(dst, lp[:]...)
}

// ReadLengthPrefix reads a little-endian u32 length prefix from the front
// of b.
func ReadLengthPrefix(b []byte) (uint32, error) {
	if len(b) < 4 {
		return 0, WrapError(KindBadInput, "short length prefix", nil)
	}
	return binary.LittleEndian.Uint32(b[:4]), nil
}

// MakeSimpleAnswer resets buf and writes a minimal header-only message with
// the given kind and request id — the canonical helper used for Success,
// every Error_* kind, and control acknowledgments (spec §4.G).
func MakeSimpleAnswer(buf *FlatBuffer, kind MessageKind, requestId uint32) {
	buf.Reset()
	h := Header{Size: 0, Kind: kind, Type: MessageTypeAnswer, RequestId: requestId}
	enc := h.Encode()
	region := buf.Prepare(HeaderSize)
	copy(region, enc[:])
	buf.Commit(HeaderSize)
}

// StandardReplyOutcome is the result of classifying a reply header on the
// client side (spec §4.G handle_standard_reply).
type StandardReplyOutcome int

const (
	ReplySuccess      StandardReplyOutcome = 0 // no data
	ReplyBlockResponse StandardReplyOutcome = -1 // caller must unmarshal
	ReplyException     StandardReplyOutcome = 1  // caller must read exception variant
)

// HandleStandardReply classifies a decoded reply Header, returning a typed
// error for every Error_* kind.
func HandleStandardReply(h Header) (StandardReplyOutcome, error) {
	switch h.Kind {
	case KindSuccess:
		return ReplySuccess, nil
	case KindBlockResponse:
		return ReplyBlockResponse, nil
	case KindException_:
		return ReplyException, nil
	case KindErrorPoaNotExist:
		return 0, ErrPoaNotExist
	case KindErrorObjectNotExist:
		return 0, ErrObjectNotExist
	case KindErrorCommFailure:
		return 0, ErrCommFailure
	case KindErrorUnknownFunctionIdx:
		return 0, ErrUnknownFunctionIdx
	case KindErrorUnknownMessageId:
		return 0, ErrUnknownMessageId
	case KindErrorBadAccess:
		return 0, ErrBadAccess
	case KindErrorBadInput:
		return 0, ErrBadInput
	default:
		return 0, ErrUnknownMessageId
	}
}
