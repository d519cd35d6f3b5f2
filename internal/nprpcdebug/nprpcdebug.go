// Copyright 2025 The NPRPC Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package nprpcdebug provides a mechanism to configure low-level
// compatibility/debug parameters via the NPRPC_DEBUG environment variable,
// without threading them through Config.
//
// The value of NPRPC_DEBUG is a comma-separated list of key=value pairs,
// for example:
//
//	NPRPC_DEBUG=forceheap=1,ringtrace=1
package nprpcdebug

import (
	"fmt"
	"os"
	"strings"
)

const envKey = "NPRPC_DEBUG"

var params map[string]string

func init() {
	var err error
	params, err = parse(os.Getenv(envKey))
	if err != nil {
		panic(err)
	}
}

// Value returns the value of the debug parameter with the given key, or the
// empty string if it was not set.
func Value(key string) string {
	return params[key]
}

// Bool reports whether the debug parameter with the given key was set to a
// truthy value ("1", "true", "yes").
func Bool(key string) bool {
	switch strings.ToLower(params[key]) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

func parse(env string) (map[string]string, error) {
	if env == "" {
		return nil, nil
	}
	out := make(map[string]string)
	for _, part := range strings.Split(env, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%s: invalid format: %q", envKey, part)
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out, nil
}
