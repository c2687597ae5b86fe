// Package authstate bridges the transport library's credential access
// pattern onto the credential store, including the binary-safe codec.
package authstate

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Binary payloads inside credential values are replaced by a tagged wrapper
// so they survive JSON. The transform is recursive over maps and arrays.
const bytesKind = "bytes"

// Encode serializes v to JSON after replacing every []byte anywhere in the
// structure with {"kind":"bytes","data":"<base64>"}.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(wrapBytes(v))
	if err != nil {
		return nil, fmt.Errorf("encode credential value: %w", err)
	}
	return data, nil
}

// Decode is the exact inverse of Encode: it parses JSON and restores byte
// slices from every node matching the wrapper shape.
func Decode(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode credential value: %w", err)
	}
	return unwrapBytes(v), nil
}

func wrapBytes(v any) any {
	switch t := v.(type) {
	case []byte:
		return map[string]any{
			"kind": bytesKind,
			"data": base64.StdEncoding.EncodeToString(t),
		}
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = wrapBytes(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = wrapBytes(item)
		}
		return out
	default:
		return v
	}
}

func unwrapBytes(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if raw, ok := wrapperPayload(t); ok {
			return raw
		}
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = unwrapBytes(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = unwrapBytes(item)
		}
		return out
	default:
		return v
	}
}

func wrapperPayload(m map[string]any) ([]byte, bool) {
	if len(m) != 2 {
		return nil, false
	}
	if kind, ok := m["kind"].(string); !ok || kind != bytesKind {
		return nil, false
	}
	data, ok := m["data"].(string)
	if !ok {
		return nil, false
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, false
	}
	if raw == nil {
		raw = []byte{}
	}
	return raw, true
}
