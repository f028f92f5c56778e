// Package model provides the data structures shared across veilstream.
package model

import "time"

// Chunk is one bounded-size, independently encrypted unit of a session's
// byte stream. Chunks are owned by their Manifest; the replica store keeps
// its own StoredChunkMetadata record keyed by ChunkID.
type Chunk struct {
	// ID uniquely identifies the chunk within its session.
	ID string

	// SessionID is the owning session.
	SessionID string

	// SequenceIndex is the zero-based, dense ordering of the chunk within
	// the session stream.
	SequenceIndex int

	// Offset is the byte offset of the chunk's plaintext in the original
	// stream. Offsets are strictly increasing and non-overlapping.
	Offset int64

	// OriginalSize is the plaintext size in bytes.
	OriginalSize int64

	// CompressedSize is the size after compression, before encryption.
	CompressedSize int64

	// CiphertextSize is the size of the AEAD output (tag included).
	CiphertextSize int64

	// CiphertextDigest is the digest of the encrypted bytes. It is the
	// chunk's content fingerprint and feeds the Merkle tree.
	CiphertextDigest Digest

	// KeyRef is an opaque reference to the key derivation input, never the
	// session key itself.
	KeyRef string

	// LocalPath is where the sealed chunk object was spilled to disk.
	LocalPath string

	// CreatedAt is when the chunk was finalized.
	CreatedAt time.Time
}
