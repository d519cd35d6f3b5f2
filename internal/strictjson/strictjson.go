// Copyright 2025 The NPRPC Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package strictjson decodes Config files with stricter rules than
// encoding/json's default Unmarshal: it rejects unknown fields and rejects
// keys that differ from a struct's json tags only in case. A config file
// that silently drops a security-relevant field (e.g. "Http_ssl_enabled"
// instead of "http_ssl_enabled") fails loudly instead of leaving TLS off.
package strictjson

import (
	"bytes"
	"fmt"
	"reflect"
	"strings"

	"github.com/segmentio/encoding/json"
)

// Unmarshal decodes data into v, which must be a pointer to a struct (or a
// pointer to a struct containing further struct fields). It fails on:
//   - duplicate JSON object keys that differ only in case
//   - JSON field names that don't case-sensitively match v's "json" tags
//   - any field not present in v
func Unmarshal(data []byte, v any) error {
	if err := checkDuplicateKeys(data); err != nil {
		return fmt.Errorf("strictjson: %w", err)
	}
	if err := checkFieldCase(data, v); err != nil {
		return fmt.Errorf("strictjson: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("strictjson: %w", err)
	}
	return nil
}

func checkDuplicateKeys(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil // not an object; nothing to check here
	}
	if err := checkCaseVariants(raw); err != nil {
		return err
	}
	for key, val := range raw {
		if err := checkDuplicateKeysRecursive(val); err != nil {
			return fmt.Errorf("in field %q: %w", key, err)
		}
	}
	return nil
}

func checkDuplicateKeysRecursive(data json.RawMessage) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err == nil {
		if err := checkCaseVariants(obj); err != nil {
			return err
		}
		for key, val := range obj {
			if err := checkDuplicateKeysRecursive(val); err != nil {
				return fmt.Errorf("in field %q: %w", key, err)
			}
		}
		return nil
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err == nil {
		for i, elem := range arr {
			if err := checkDuplicateKeysRecursive(elem); err != nil {
				return fmt.Errorf("in array index %d: %w", i, err)
			}
		}
	}
	return nil
}

func checkCaseVariants(obj map[string]json.RawMessage) error {
	seen := make(map[string]string, len(obj))
	for key := range obj {
		lower := strings.ToLower(key)
		if original, ok := seen[lower]; ok && original != key {
			return fmt.Errorf("duplicate key with different case: %q and %q", original, key)
		}
		seen[lower] = key
	}
	return nil
}

func checkFieldCase(data []byte, v any) error {
	expected := expectedFields(v)
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	for key := range raw {
		if expected[key] {
			continue
		}
		lower := strings.ToLower(key)
		for field := range expected {
			if strings.ToLower(field) == lower {
				return fmt.Errorf("field name case mismatch: got %q, expected %q", key, field)
			}
		}
	}
	return nil
}

func expectedFields(v any) map[string]bool {
	fields := make(map[string]bool)
	t := reflect.TypeOf(v)
	if t == nil {
		return fields
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return fields
	}
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("json")
		if tag == "" || tag == "-" {
			continue
		}
		if idx := strings.Index(tag, ","); idx != -1 {
			tag = tag[:idx]
		}
		if tag != "" {
			fields[tag] = true
		}
	}
	return fields
}
