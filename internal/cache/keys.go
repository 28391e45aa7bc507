package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Policy decides which methods are eligible for response caching. The
// method set comes from configuration; there is nothing protocol-specific
// baked in.
type Policy struct {
	methods map[string]bool
}

// NewPolicy creates a caching policy for the given method names
func NewPolicy(methods []string) *Policy {
	set := make(map[string]bool, len(methods))
	for _, m := range methods {
		set[m] = true
	}
	return &Policy{methods: set}
}

// IsCacheable reports whether responses for method may be cached
func (p *Policy) IsCacheable(method string) bool {
	if p == nil {
		return false
	}
	return p.methods[method]
}

// GenerateKey builds a cache key from group, method and raw params.
// Params bytes are hashed as-is; two textually different encodings of the
// same params miss each other, which only costs a cache miss.
func GenerateKey(group, method string, params json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(group))
	h.Write([]byte{0})
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write(params)
	return hex.EncodeToString(h.Sum(nil))
}
