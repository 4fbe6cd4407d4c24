// Package canonicalize produces deterministic byte representations for
// hashing and signing, using the RFC 8785 JSON Canonicalization Scheme
// (gowebpki/jcs) instead of a hand-rolled marshal.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JSON marshals v and canonicalizes the result per RFC 8785.
func JSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform: %w", err)
	}
	return canon, nil
}

// Hash returns the lowercase hex SHA-256 digest of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashJSON canonicalizes v and returns its SHA-256 digest, the primitive
// used for genesis hashes, audit entry content hashes, and message
// fingerprints throughout the runtime.
func HashJSON(v interface{}) (string, error) {
	b, err := JSON(v)
	if err != nil {
		return "", err
	}
	return Hash(b), nil
}

// DomainBytes prefixes data with a domain-separation tag before hashing,
// mirroring the "helm:evidence:leaf:v1\0..." leaf construction pattern
// from merkle tree hashing — distinct record kinds must never collide
// under hashing even if their canonical bytes happen to coincide.
func DomainBytes(domain string, parts ...[]byte) []byte {
	buf := make([]byte, 0, len(domain)+1)
	buf = append(buf, domain...)
	buf = append(buf, 0)
	for _, p := range parts {
		buf = append(buf, p...)
		buf = append(buf, 0)
	}
	return buf
}
