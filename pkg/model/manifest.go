package model

import "time"

// ManifestStatus represents the lifecycle state of a session manifest.
type ManifestStatus uint8

const (
	// ManifestDraft indicates recording is still in progress.
	ManifestDraft ManifestStatus = iota
	// ManifestReady indicates the manifest validated successfully and may be
	// anchored.
	ManifestReady
	// ManifestAnchored indicates a ledger submission was accepted.
	ManifestAnchored
	// ManifestVerified indicates an external proof check succeeded.
	ManifestVerified
	// ManifestInvalid indicates validation found violations.
	ManifestInvalid
)

// String returns a human-readable representation of the manifest status.
func (s ManifestStatus) String() string {
	switch s {
	case ManifestDraft:
		return "Draft"
	case ManifestReady:
		return "Ready"
	case ManifestAnchored:
		return "Anchored"
	case ManifestVerified:
		return "Verified"
	case ManifestInvalid:
		return "Invalid"
	default:
		return "Unknown"
	}
}

// Manifest is the ordered collection of chunks for one session plus its
// Merkle commitment. The manifest exclusively owns its chunk sequence.
type Manifest struct {
	// SessionID uniquely identifies the recorded session.
	SessionID string

	// Owner is the identity the session belongs to.
	Owner string

	// Chunks is the ordered chunk sequence (order equals SequenceIndex).
	Chunks []Chunk

	// TotalSize is the sum of OriginalSize across all chunks.
	TotalSize int64

	// MerkleRoot commits to the offset-sorted chunk digests.
	MerkleRoot Digest

	// ManifestHash fingerprints the whole manifest document.
	ManifestHash Digest

	// Status is the current lifecycle state.
	Status ManifestStatus

	StartedAt time.Time
	EndedAt   time.Time
}

// ChunkByID returns the chunk with the given id, or false if absent.
func (m *Manifest) ChunkByID(chunkID string) (Chunk, bool) {
	for _, c := range m.Chunks {
		if c.ID == chunkID {
			return c, true
		}
	}
	return Chunk{}, false
}
