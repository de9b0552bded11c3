package config

import (
	"encoding/json"
	"hash/fnv"
)

// hashBytes returns a stable 64-bit hash of bytes. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// canonicalHash hashes v's JSON form after canonicalizing it, so key order
// inside free-form maps does not matter.
func canonicalHash(v any) uint64 {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return hashBytes(b)
	}
	b, err = json.Marshal(generic)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}
