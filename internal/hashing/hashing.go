// Package hashing computes the canonical payload hash used to detect
// idempotency-key reuse with a different request body.
package hashing

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Volatile client-supplied fields that legitimately differ between retries
// of the same logical request. They are stripped at every nesting level
// before hashing so a retry with a fresh trace id still matches.
var volatileKeys = map[string]struct{}{
	"trace_id":       {},
	"client_version": {},
	"client_name":    {},
}

// PayloadHash returns the hex SHA-256 of the canonical encoding of a JSON
// payload: object keys sorted, insignificant whitespace removed, number
// literals preserved verbatim, volatile fields stripped recursively.
//
// Two byte-different payloads that decode to the same stripped value hash
// identically; that is the point.
func PayloadHash(raw []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var payload interface{}
	if err := dec.Decode(&payload); err != nil {
		return "", fmt.Errorf("decode payload: %w", err)
	}

	canonical, err := json.Marshal(strip(payload))
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// strip removes volatile keys from objects at every depth. Arrays recurse;
// scalars pass through. UseNumber above keeps numbers as their source
// literals, so 1 and 1.0 stay distinct instead of colliding via float64.
func strip(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			if _, volatile := volatileKeys[k]; volatile {
				continue
			}
			out[k] = strip(inner)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			out[i] = strip(inner)
		}
		return out
	default:
		return v
	}
}
