package model

import (
	"encoding/hex"
	"fmt"
)

// DigestSize is the width of all content digests in bytes.
const DigestSize = 32

// Digest is a 256-bit content digest. It is used both for chunk ciphertext
// fingerprints and for Merkle tree nodes.
type Digest [DigestSize]byte

// String returns the digest as lowercase hex.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether the digest is all zero bytes.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// ParseDigest parses a lowercase or uppercase hex digest string.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("parse digest: %w", err)
	}
	if len(raw) != DigestSize {
		return d, fmt.Errorf("parse digest: expected %d bytes, got %d", DigestSize, len(raw))
	}
	copy(d[:], raw)
	return d, nil
}
