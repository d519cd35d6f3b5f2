// Copyright 2025 The NPRPC Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package nprpc

import "errors"

// Kind identifies one member of the NPRPC error taxonomy (spec §7). Kind is
// a distinct type, not a string, so callers switch on it exhaustively.
type Kind int

const (
	_ Kind = iota
	KindPoaNotExist
	KindObjectNotExist
	KindUnknownFunctionIdx
	KindUnknownMessageId
	KindBadAccess
	KindBadInput
	KindCommFailure
	KindTimeout
	KindSessionClosed
	KindConnectionFailed
	KindException
	KindBufferOverflow
	KindPoaDuplicateId
	KindInvalidEndpoint
)

func (k Kind) String() string {
	switch k {
	case KindPoaNotExist:
		return "PoaNotExist"
	case KindObjectNotExist:
		return "ObjectNotExist"
	case KindUnknownFunctionIdx:
		return "UnknownFunctionIdx"
	case KindUnknownMessageId:
		return "UnknownMessageId"
	case KindBadAccess:
		return "BadAccess"
	case KindBadInput:
		return "BadInput"
	case KindCommFailure:
		return "CommFailure"
	case KindTimeout:
		return "Timeout"
	case KindSessionClosed:
		return "SessionClosed"
	case KindConnectionFailed:
		return "ConnectionFailed"
	case KindException:
		return "Exception"
	case KindBufferOverflow:
		return "BufferOverflow"
	case KindPoaDuplicateId:
		return "PoaDuplicateId"
	case KindInvalidEndpoint:
		return "InvalidEndpoint"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type carried by every failure the runtime
// produces. It wraps an optional cause so errors.Is/errors.As and %w chains
// keep working across the transport boundary.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func NewError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func WrapError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	if e.Cause != nil {
		return e.Kind.String() + ": " + e.Msg + ": " + e.Cause.Error()
	}
	return e.Kind.String() + ": " + e.Msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, ErrTimeout) match any *Error with KindTimeout,
// regardless of message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels usable with errors.Is. Only the Kind field is compared.
var (
	ErrPoaNotExist        = &Error{Kind: KindPoaNotExist}
	ErrObjectNotExist     = &Error{Kind: KindObjectNotExist}
	ErrUnknownFunctionIdx = &Error{Kind: KindUnknownFunctionIdx}
	ErrUnknownMessageId   = &Error{Kind: KindUnknownMessageId}
	ErrBadAccess          = &Error{Kind: KindBadAccess}
	ErrBadInput           = &Error{Kind: KindBadInput}
	ErrCommFailure        = &Error{Kind: KindCommFailure}
	ErrTimeout            = &Error{Kind: KindTimeout}
	ErrSessionClosed      = &Error{Kind: KindSessionClosed}
	ErrConnectionFailed   = &Error{Kind: KindConnectionFailed}
	ErrException          = &Error{Kind: KindException}
	ErrBufferOverflow     = &Error{Kind: KindBufferOverflow}
	ErrPoaDuplicateId     = &Error{Kind: KindPoaDuplicateId}
	ErrInvalidEndpoint    = &Error{Kind: KindInvalidEndpoint}
)

// KindOf extracts the Kind of err if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
