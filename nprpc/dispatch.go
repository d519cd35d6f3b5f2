// Copyright 2025 The NPRPC Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package nprpc

import "encoding/binary"

// functionCallHeader is the FunctionCall-specific body prefix that follows
// the fixed Header: poa_idx (u16), object_id (u64), function_idx (u32).
// Parameter bytes follow immediately.
type functionCallHeader struct {
	PoaIdx      uint16
	ObjectId    uint64
	FunctionIdx uint32
}

const functionCallHeaderSize = 2 + 8 + 4

func decodeFunctionCallHeader(b []byte) (functionCallHeader, []byte, error) {
	if len(b) < functionCallHeaderSize {
		return functionCallHeader{}, nil, WrapError(KindBadInput, "short function call header", nil)
	}
	h := functionCallHeader{
		PoaIdx:      binary.LittleEndian.Uint16(b[0:2]),
		ObjectId:    binary.LittleEndian.Uint64(b[2:10]),
		FunctionIdx: binary.LittleEndian.Uint32(b[10:14]),
	}
	return h, b[functionCallHeaderSize:], nil
}

// objectAddressHeader is the AddReference/ReleaseObject body: poa_idx (u16)
// followed by object_id (u64) — no function_idx, these never reach a
// servant method.
type objectAddressHeader struct {
	PoaIdx   uint16
	ObjectId uint64
}

const objectAddressHeaderSize = 2 + 8

func decodeObjectAddressHeader(b []byte) (objectAddressHeader, error) {
	if len(b) < objectAddressHeaderSize {
		return objectAddressHeader{}, WrapError(KindBadInput, "short object address header", nil)
	}
	return objectAddressHeader{
		PoaIdx:   binary.LittleEndian.Uint16(b[0:2]),
		ObjectId: binary.LittleEndian.Uint64(b[2:10]),
	}, nil
}

// Dispatch implements spec §4.G's server-ingress switch: it reads the
// header, acquires the target object if the message is a FunctionCall,
// synthesizes a SessionContext, invokes the servant's generated Dispatch,
// and writes the reply into tx. Control messages (AddReference,
// ReleaseObject) are handled without calling into user code. Stream* kinds
// are routed to StreamManager by the caller before Dispatch ever sees them.
func (c *RPCCore) Dispatch(sess Session, inCookies map[string]string, h Header, body []byte, tx *FlatBuffer) []Cookie {
	ctx := newSessionContext(sess, inCookies)

	switch h.Kind {
	case KindFunctionCall:
		c.dispatchFunctionCall(ctx, h, body, tx)
	case KindAddReference:
		c.dispatchObjectAddress(h, body, tx)
	case KindReleaseObject:
		c.dispatchObjectAddress(h, body, tx)
	default:
		MakeSimpleAnswer(tx, KindErrorUnknownMessageId, h.RequestId)
	}
	return ctx.OutCookies()
}

func (c *RPCCore) dispatchFunctionCall(ctx *SessionContext, h Header, body []byte, tx *FlatBuffer) {
	fc, params, err := decodeFunctionCallHeader(body)
	if err != nil {
		MakeSimpleAnswer(tx, KindErrorBadInput, h.RequestId)
		return
	}

	poa, err := c.POA(fc.PoaIdx)
	if err != nil {
		MakeSimpleAnswer(tx, KindErrorPoaNotExist, h.RequestId)
		return
	}
	guard, err := poa.GetObject(fc.ObjectId)
	if err != nil {
		MakeSimpleAnswer(tx, KindErrorObjectNotExist, h.RequestId)
		return
	}
	defer guard.Release()

	reply := NewFlatBuffer()
	if dispatchErr := guard.Servant().Dispatch(ctx, fc.FunctionIdx, params, reply); dispatchErr != nil {
		writeDispatchError(tx, h.RequestId, dispatchErr)
		return
	}

	if reply.Size() == 0 {
		MakeSimpleAnswer(tx, KindSuccess, h.RequestId)
		return
	}
	writeBlockResponse(tx, h.RequestId, reply.Data())
}

func (c *RPCCore) dispatchObjectAddress(h Header, body []byte, tx *FlatBuffer) {
	oa, err := decodeObjectAddressHeader(body)
	if err != nil {
		MakeSimpleAnswer(tx, KindErrorBadInput, h.RequestId)
		return
	}
	poa, err := c.POA(oa.PoaIdx)
	if err != nil {
		MakeSimpleAnswer(tx, KindErrorPoaNotExist, h.RequestId)
		return
	}
	guard, err := poa.GetObject(oa.ObjectId)
	if err != nil {
		MakeSimpleAnswer(tx, KindErrorObjectNotExist, h.RequestId)
		return
	}
	guard.Release()
	MakeSimpleAnswer(tx, KindSuccess, h.RequestId)
}

// writeDispatchError turns a servant-raised error into the matching reply
// message: a typed Error_* kind for every taxonomy member that has a wire
// counterpart, Exception (with the servant's encoded variant as payload)
// for KindException, and Error_BadAccess as the catch-all for anything a
// servant returned that does not fit the taxonomy.
func writeDispatchError(tx *FlatBuffer, requestId uint32, err error) {
	kind, ok := KindOf(err)
	if !ok {
		MakeSimpleAnswer(tx, KindErrorBadAccess, requestId)
		return
	}
	if kind == KindException {
		var payload []byte
		var nprpcErr *Error
		if e, ok := err.(*Error); ok {
			nprpcErr = e
		}
		if nprpcErr != nil {
			payload = []byte(nprpcErr.Msg)
		}
		writeException(tx, requestId, payload)
		return
	}
	if wireKind, ok := errorKindFor(kind); ok {
		MakeSimpleAnswer(tx, wireKind, requestId)
		return
	}
	MakeSimpleAnswer(tx, KindErrorBadAccess, requestId)
}

// writeBlockResponse resets tx and writes a Header followed by payload
// verbatim — the counterpart to MakeSimpleAnswer for replies that carry
// data (spec §4.G "BlockResponse -> caller must unmarshal").
func writeBlockResponse(tx *FlatBuffer, requestId uint32, payload []byte) {
	writeFramedReply(tx, KindBlockResponse, requestId, payload)
}

// writeException is writeBlockResponse's twin for the Exception kind
// (spec §4.G "encode Exception ... and replace the tx buffer contents").
func writeException(tx *FlatBuffer, requestId uint32, payload []byte) {
	writeFramedReply(tx, KindException_, requestId, payload)
}

func writeFramedReply(tx *FlatBuffer, kind MessageKind, requestId uint32, payload []byte) {
	tx.Reset()
	h := Header{Size: uint32(len(payload)), Kind: kind, Type: MessageTypeAnswer, RequestId: requestId}
	enc := h.Encode()
	region := tx.Prepare(HeaderSize + len(payload))
	copy(region, enc[:])
	copy(region[HeaderSize:], payload)
	tx.Commit(HeaderSize + len(payload))
}
