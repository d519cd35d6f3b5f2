// Copyright 2025 The NPRPC Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package nprpc

import (
	"fmt"
	"strings"
	"time"
)

// SameSite mirrors the Set-Cookie SameSite attribute (spec §6 Cookies).
type SameSite string

const (
	SameSiteStrict SameSite = "Strict"
	SameSiteLax    SameSite = "Lax"
	SameSiteNone   SameSite = "None"
)

// Cookie is an outbound Set-Cookie a servant queues via SessionContext
// (spec §4.J).
type Cookie struct {
	Name     string
	Value    string
	Path     string
	Domain   string
	MaxAge   time.Duration // 0 means omit Max-Age
	SameSite SameSite      // "" means omit SameSite
	Secure   bool
	HttpOnly bool
}

// ParseCookieHeader parses an inbound "Cookie" header value into a
// name->value map using the spec's "simple name/value split on ';' with
// trimmed whitespace" rule (§4.J) — deliberately not net/http.Cookie's
// parser, which enforces RFC 6265 token syntax the spec does not ask for.
func ParseCookieHeader(header string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return out
}

// String renders c as an RFC 6265-shaped Set-Cookie header value (spec §6
// "RFC-compliant Set-Cookie emission").
func (c Cookie) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s=%s", c.Name, c.Value)
	if c.Path != "" {
		fmt.Fprintf(&b, "; Path=%s", c.Path)
	}
	if c.Domain != "" {
		fmt.Fprintf(&b, "; Domain=%s", c.Domain)
	}
	if c.MaxAge > 0 {
		fmt.Fprintf(&b, "; Max-Age=%d", int(c.MaxAge.Seconds()))
	}
	if c.SameSite != "" {
		fmt.Fprintf(&b, "; SameSite=%s", c.SameSite)
	}
	if c.Secure {
		b.WriteString("; Secure")
	}
	if c.HttpOnly {
		b.WriteString("; HttpOnly")
	}
	return b.String()
}
