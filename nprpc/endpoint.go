// Copyright 2025 The NPRPC Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package nprpc

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/nikitapn/nprpc/internal/util"
)

// EndpointScheme identifies which transport an Endpoint addresses
// (spec §4.D).
type EndpointScheme int

const (
	SchemeTCP EndpointScheme = iota
	SchemeTCPTethered
	SchemeWS
	SchemeWSS
	SchemeHTTP
	SchemeHTTPS
	SchemeSharedMemory
	SchemeUDP
	SchemeQUIC
)

func (s EndpointScheme) String() string {
	switch s {
	case SchemeTCP:
		return "tcp"
	case SchemeTCPTethered:
		return "tcp-tethered"
	case SchemeWS:
		return "ws"
	case SchemeWSS:
		return "wss"
	case SchemeHTTP:
		return "http"
	case SchemeHTTPS:
		return "https"
	case SchemeSharedMemory:
		return "mem"
	case SchemeUDP:
		return "udp"
	case SchemeQUIC:
		return "quic"
	default:
		return "unknown"
	}
}

// schemeFromURL maps the literal URL scheme token to an EndpointScheme.
// "tcp-tethered" has no wire-URL form (it never leaves the process that
// invented it — see RPCCore's ephemeral HTTP-session bookkeeping), so it is
// intentionally absent from this table.
func schemeFromURL(s string) (EndpointScheme, bool) {
	switch s {
	case "tcp":
		return SchemeTCP, true
	case "ws":
		return SchemeWS, true
	case "wss":
		return SchemeWSS, true
	case "http":
		return SchemeHTTP, true
	case "https":
		return SchemeHTTPS, true
	case "mem":
		return SchemeSharedMemory, true
	case "udp":
		return SchemeUDP, true
	case "quic":
		return SchemeQUIC, true
	default:
		return 0, false
	}
}

// Endpoint is a parsed, scheme-addressed transport destination
// (spec §4.D). The zero value is not a valid Endpoint; use ParseEndpoint.
type Endpoint struct {
	Scheme EndpointScheme
	Host   string      // empty for SchemeSharedMemory
	Port   uint16      // 0 for SchemeSharedMemory
	Path   string      // optional, HTTP/WS family only
	ShmID  uuid.UUID   // valid only for SchemeSharedMemory
}

// ParseEndpoint parses a URL of the form scheme://[host][:port][/path], or
// mem://<uuid> for shared memory. Any other shape, or an unrecognized
// scheme, is ErrInvalidEndpoint (spec §4.D).
func ParseEndpoint(raw string) (Endpoint, error) {
	schemeSep := strings.Index(raw, "://")
	if schemeSep < 0 {
		return Endpoint{}, fmt.Errorf("%w: %q: missing scheme", ErrInvalidEndpoint, raw)
	}
	schemeStr, rest := raw[:schemeSep], raw[schemeSep+3:]
	scheme, ok := schemeFromURL(schemeStr)
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: %q: unknown scheme %q", ErrInvalidEndpoint, raw, schemeStr)
	}

	if scheme == SchemeSharedMemory {
		if rest == "" {
			return Endpoint{}, fmt.Errorf("%w: %q: empty shared-memory id", ErrInvalidEndpoint, raw)
		}
		id, err := uuid.Parse(rest)
		if err != nil {
			return Endpoint{}, fmt.Errorf("%w: %q: %v", ErrInvalidEndpoint, raw, err)
		}
		return Endpoint{Scheme: scheme, ShmID: id}, nil
	}

	hostport := rest
	var path string
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		hostport, path = rest[:i], rest[i:]
	}
	if hostport == "" {
		return Endpoint{}, fmt.Errorf("%w: %q: empty host", ErrInvalidEndpoint, raw)
	}
	host, portStr := hostport, ""
	if i := strings.LastIndexByte(hostport, ':'); i >= 0 {
		host, portStr = hostport[:i], hostport[i+1:]
	}
	if host == "" {
		return Endpoint{}, fmt.Errorf("%w: %q: empty host", ErrInvalidEndpoint, raw)
	}
	var port uint16
	if portStr != "" {
		p, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return Endpoint{}, fmt.Errorf("%w: %q: bad port %q", ErrInvalidEndpoint, raw, portStr)
		}
		port = uint16(p)
	}
	return Endpoint{Scheme: scheme, Host: host, Port: port, Path: path}, nil
}

// String is the exact inverse of ParseEndpoint for every value ParseEndpoint
// can produce (spec §8 round-trip invariant).
func (e Endpoint) String() string {
	if e.Scheme == SchemeSharedMemory {
		return "mem://" + e.ShmID.String()
	}
	var b strings.Builder
	b.WriteString(e.Scheme.String())
	b.WriteString("://")
	b.WriteString(e.Host)
	if e.Port != 0 {
		b.WriteByte(':')
		b.WriteString(strconv.FormatUint(uint64(e.Port), 10))
	}
	b.WriteString(e.Path)
	return b.String()
}

// Equal reports whether e and o name the same endpoint.
func (e Endpoint) Equal(o Endpoint) bool {
	if e.Scheme != o.Scheme {
		return false
	}
	if e.Scheme == SchemeSharedMemory {
		return e.ShmID == o.ShmID
	}
	return e.Host == o.Host && e.Port == o.Port && e.Path == o.Path
}

// IsLoopback reports whether e addresses this same machine, used to decide
// whether a tethered TCP session can be upgraded (spec's TcpTethered
// variant exists for exactly this case: an ephemeral HTTP session that
// turns out to share a host with the server).
func (e Endpoint) IsLoopback() bool {
	if e.Scheme == SchemeSharedMemory {
		return true
	}
	return util.IsLoopback(e.Host)
}
