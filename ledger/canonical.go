// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// CanonicalHash digests the semantically normalized payload: strings are
// trimmed, absent optional fields (nulls) are stripped, and map keys are
// emitted sorted (encoding/json sorts map keys). Two requests with the
// same meaning therefore hash identically even if their JSON differs in
// whitespace, key order, or explicit-vs-omitted nulls, and the ledger
// can detect "same key, different payload" misuse.
func CanonicalHash(payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return "", fmt.Errorf("decode payload: %w", err)
	}

	canonical, err := json.Marshal(normalize(decoded))
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func normalize(v any) any {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if item == nil {
				continue
			}
			out[k] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	default:
		return v
	}
}
