// Copyright 2025 The NPRPC Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package util holds small host/network helpers; nprpc's Endpoint uses
// IsLoopback.
package util

import (
	"net"
	"net/netip"
	"strings"
)

// IsLoopback reports whether addr (a "host", "host:port", or "[ipv6]:port"
// string) refers to the local host. Endpoint.IsLoopback in package nprpc
// is its caller.
func IsLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = strings.Trim(addr, "[]")
	}
	if host == "localhost" {
		return true
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return ip.IsLoopback()
}

// SplitHostPort is a tolerant wrapper around net.SplitHostPort that returns
// the whole string as host when no port is present, instead of erroring —
// endpoints such as "mem://<uuid>" never carry a port.
func SplitHostPort(addr string) (host, port string) {
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, ""
	}
	return h, p
}
