// Package hash derives stable content identifiers.
package hash

import (
	"crypto/md5" //nolint:gosec // identifiers only, not a security boundary
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	stdhash "hash"
	"strings"
)

// Supported algorithm names.
const (
	SHA256 = "sha256"
	MD5    = "md5"
)

// Hasher hashes concatenated string parts into a hex digest.
type Hasher struct {
	algorithm string
	newHash   func() stdhash.Hash
}

// New returns a hasher for algorithm. An empty name selects SHA256.
func New(algorithm string) (*Hasher, error) {
	switch strings.ToLower(strings.TrimSpace(algorithm)) {
	case "", SHA256:
		return &Hasher{algorithm: SHA256, newHash: sha256.New}, nil
	case MD5:
		return &Hasher{algorithm: MD5, newHash: md5.New}, nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", algorithm)
	}
}

// Algorithm reports the configured algorithm name.
func (h *Hasher) Algorithm() string {
	return h.algorithm
}

// Sum hashes the parts, concatenated without separator, and returns a hex digest.
func (h *Hasher) Sum(parts ...string) string {
	d := h.newHash()
	for _, p := range parts {
		_, _ = d.Write([]byte(p))
	}
	return hex.EncodeToString(d.Sum(nil))
}
