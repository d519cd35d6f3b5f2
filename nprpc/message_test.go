// Copyright 2025 The NPRPC Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package nprpc_test

import (
	"errors"
	"testing"

	"github.com/nikitapn/nprpc"
)

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := nprpc.Header{Size: 128, Kind: nprpc.KindFunctionCall, Type: nprpc.MessageTypeRequest, RequestId: 99}
	enc := h.Encode()
	got, err := nprpc.DecodeHeader(enc[:])
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if got != h {
		t.Errorf("got %+v, want %+v", got, h)
	}
}

func TestDecodeHeaderRejectsShortBuffer(t *testing.T) {
	if _, err := nprpc.DecodeHeader([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error decoding a too-short header")
	}
}

func TestLengthPrefixRoundTrip(t *testing.T) {
	dst := nprpc.WriteLengthPrefix(nil, 12345)
	got, err := nprpc.ReadLengthPrefix(dst)
	if err != nil {
		t.Fatalf("ReadLengthPrefix: %v", err)
	}
	if got != 12345 {
		t.Errorf("got %d, want 12345", got)
	}
}

func TestReadLengthPrefixRejectsShortBuffer(t *testing.T) {
	if _, err := nprpc.ReadLengthPrefix([]byte{1, 2}); err == nil {
		t.Fatal("expected error for a short length prefix")
	}
}

func TestMakeSimpleAnswer(t *testing.T) {
	buf := nprpc.NewFlatBuffer()
	nprpc.MakeSimpleAnswer(buf, nprpc.KindSuccess, 42)
	if buf.Size() != nprpc.HeaderSize {
		t.Fatalf("Size() = %d, want %d", buf.Size(), nprpc.HeaderSize)
	}
	h, err := nprpc.DecodeHeader(buf.Data())
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if h.Kind != nprpc.KindSuccess || h.Type != nprpc.MessageTypeAnswer || h.RequestId != 42 || h.Size != 0 {
		t.Errorf("got %+v, want Kind=Success Type=Answer RequestId=42 Size=0", h)
	}
}

func TestHandleStandardReplyOutcomes(t *testing.T) {
	cases := []struct {
		kind    nprpc.MessageKind
		outcome nprpc.StandardReplyOutcome
		wantErr error
	}{
		{nprpc.KindSuccess, nprpc.ReplySuccess, nil},
		{nprpc.KindBlockResponse, nprpc.ReplyBlockResponse, nil},
		{nprpc.KindException_, nprpc.ReplyException, nil},
		{nprpc.KindErrorPoaNotExist, 0, nprpc.ErrPoaNotExist},
		{nprpc.KindErrorObjectNotExist, 0, nprpc.ErrObjectNotExist},
		{nprpc.KindErrorCommFailure, 0, nprpc.ErrCommFailure},
		{nprpc.KindErrorUnknownFunctionIdx, 0, nprpc.ErrUnknownFunctionIdx},
		{nprpc.KindErrorUnknownMessageId, 0, nprpc.ErrUnknownMessageId},
		{nprpc.KindErrorBadAccess, 0, nprpc.ErrBadAccess},
		{nprpc.KindErrorBadInput, 0, nprpc.ErrBadInput},
	}
	for _, tc := range cases {
		t.Run(tc.kind.String(), func(t *testing.T) {
			outcome, err := nprpc.HandleStandardReply(nprpc.Header{Kind: tc.kind})
			if outcome != tc.outcome {
				t.Errorf("outcome = %v, want %v", outcome, tc.outcome)
			}
			if tc.wantErr == nil {
				if err != nil {
					t.Errorf("err = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("err = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestHandleStandardReplyUnknownKind(t *testing.T) {
	_, err := nprpc.HandleStandardReply(nprpc.Header{Kind: nprpc.MessageKind(9999)})
	if !errors.Is(err, nprpc.ErrUnknownMessageId) {
		t.Errorf("err = %v, want ErrUnknownMessageId", err)
	}
}
