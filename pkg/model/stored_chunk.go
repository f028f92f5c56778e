package model

import "time"

// ChunkStatus represents the replication state of a stored chunk.
type ChunkStatus uint8

const (
	// ChunkPending indicates the store operation has not completed yet.
	ChunkPending ChunkStatus = iota
	// ChunkStored indicates the chunk is stored, possibly with a minority of
	// failing replicas.
	ChunkStored
	// ChunkVerified indicates every replica independently reproduced the
	// checksum.
	ChunkVerified
	// ChunkReplicated indicates a repair restored failed replicas.
	ChunkReplicated
	// ChunkCorrupted indicates a majority of replicas failed verification.
	ChunkCorrupted
	// ChunkMissing indicates no replica could be read at all.
	ChunkMissing
	// ChunkArchived indicates the chunk was moved to cold storage.
	ChunkArchived
)

// String returns a human-readable representation of the chunk status.
func (s ChunkStatus) String() string {
	switch s {
	case ChunkPending:
		return "Pending"
	case ChunkStored:
		return "Stored"
	case ChunkVerified:
		return "Verified"
	case ChunkReplicated:
		return "Replicated"
	case ChunkCorrupted:
		return "Corrupted"
	case ChunkMissing:
		return "Missing"
	case ChunkArchived:
		return "Archived"
	default:
		return "Unknown"
	}
}

// StoredChunkMetadata is the replica store's per-chunk record. It is
// distinct from the Chunk owned by the manifest and references storage
// nodes only through their addresses embedded in StoragePaths.
// This record is persisted so verification state survives restarts.
type StoredChunkMetadata struct {
	// ChunkID identifies the chunk.
	ChunkID string

	// SessionID is the owning session.
	SessionID string

	// StoragePaths holds one object path per replica.
	StoragePaths []string

	// ReplicationFactor is the number of replicas the chunk was stored with.
	ReplicationFactor int

	// Size is the stored object size in bytes (nonce plus ciphertext).
	Size int64

	// Checksum is a fast integrity check over the stored object,
	// independent of the cryptographic ciphertext digest.
	Checksum uint64

	// Status is the current replication state.
	Status ChunkStatus

	StoredAt       time.Time
	LastVerifiedAt time.Time
}
