// Copyright 2025 James Ross

// Package contenthash implements the deterministic content addressing
// scheme shared by the job queue and the cache: identical (type, payload,
// provider) tuples must hash identically regardless of key order or
// timestamp-like noise fields.
package contenthash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// strippedFields are recursively removed before hashing because they are
// timestamp-like or identity noise, not part of a job's semantic content.
var strippedFields = map[string]bool{
	"timestamp": true,
	"createdAt": true,
	"updatedAt": true,
	"id":        true,
}

// Normalize walks v (already unmarshalled into generic Go values), strips
// noise fields from every object, and returns a structure whose map keys
// will marshal in sorted order.
func Normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if strippedFields[k] {
				continue
			}
			out[k] = Normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Normalize(val)
		}
		return out
	default:
		return t
	}
}

// CanonicalJSON produces a byte-stable JSON encoding of v: object keys are
// sorted and noise fields are stripped, so two structurally-equal payloads
// (modulo key order and noise fields) always produce the same bytes.
func CanonicalJSON(v any) ([]byte, error) {
	// Round-trip through json so arbitrary struct values become generic
	// map[string]any/[]any/scalar trees that Normalize can walk uniformly.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	normalized := Normalize(generic)
	return marshalSorted(normalized)
}

// marshalSorted marshals value with map keys in sorted order at every
// level: objects and arrays are written out by hand with their keys sorted
// explicitly, and only scalars and object keys go through json.Marshal.
func marshalSorted(value any) ([]byte, error) {
	if m, ok := value.(map[string]any); ok {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, _ := json.Marshal(k)
			buf = append(buf, kb...)
			buf = append(buf, ':')
			vb, err := marshalSorted(m[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		buf = append(buf, '}')
		return buf, nil
	}
	if arr, ok := value.([]any); ok {
		buf := []byte{'['}
		for i, v := range arr {
			if i > 0 {
				buf = append(buf, ',')
			}
			vb, err := marshalSorted(v)
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		buf = append(buf, ']')
		return buf, nil
	}
	return json.Marshal(value)
}

// Hash computes the job content hash: SHA-256 over the canonical JSON of
// {type, payload, providerId ?? "default"}, returned as 64 lowercase hex
// characters.
func Hash(jobType string, payload any, providerID string) (string, error) {
	if providerID == "" {
		providerID = "default"
	}
	envelope := map[string]any{
		"type":       jobType,
		"payload":    payload,
		"providerId": providerID,
	}
	canonical, err := CanonicalJSON(envelope)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
