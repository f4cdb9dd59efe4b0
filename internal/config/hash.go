package config

import (
	"encoding/json"
	"hash/fnv"
)

// hashBytes is FNV-1a over b, or 0 for empty input.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	h.Write(b)
	return h.Sum64()
}

// canonicalJSON re-encodes raw so formatting and key order do not matter
// when comparing. Invalid JSON is returned as is.
func canonicalJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if json.Unmarshal(raw, &v) != nil {
		return raw
	}
	if b, err := json.Marshal(v); err == nil {
		return b
	}
	return raw
}
