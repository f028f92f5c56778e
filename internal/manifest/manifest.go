// Package manifest assembles ordered session chunks into a validated
// manifest carrying the session's Merkle commitment.
package manifest

import (
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/zeebo/blake3"

	"github.com/veilstream/veilstream/pkg/merkle"
	"github.com/veilstream/veilstream/pkg/model"
)

// ValidationError carries every violation found in a manifest, not just
// the first, so callers can batch-report all problems at once.
type ValidationError struct {
	SessionID  string
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("manifest: %s failed validation with %d violations (first: %s)",
		e.SessionID, len(e.Violations), e.Violations[0])
}

// Builder collects the chunks of one session in sequence order and
// produces the finalized manifest. Chunk admission enforces the session's
// ordering invariants up front: dense sequence indexes and strictly
// increasing, non-overlapping offsets.
type Builder struct {
	sessionID string
	owner     string
	startedAt time.Time
	chunks    []model.Chunk
}

// NewBuilder starts a draft manifest for one session.
func NewBuilder(sessionID, owner string, startedAt time.Time) *Builder {
	return &Builder{sessionID: sessionID, owner: owner, startedAt: startedAt}
}

// Add appends a finalized chunk. The chunk must carry the next dense
// sequence index and an offset immediately following the previous chunk's
// plaintext.
func (b *Builder) Add(c model.Chunk) error {
	if c.SessionID != b.sessionID {
		return fmt.Errorf("manifest: chunk %s belongs to session %s, not %s", c.ID, c.SessionID, b.sessionID)
	}
	if c.SequenceIndex != len(b.chunks) {
		return fmt.Errorf("manifest: chunk %s has sequence index %d, expected %d", c.ID, c.SequenceIndex, len(b.chunks))
	}
	if n := len(b.chunks); n > 0 {
		prev := b.chunks[n-1]
		if c.Offset != prev.Offset+prev.OriginalSize {
			return fmt.Errorf("manifest: chunk %s offset %d does not follow %d+%d",
				c.ID, c.Offset, prev.Offset, prev.OriginalSize)
		}
	} else if c.Offset != 0 {
		return fmt.Errorf("manifest: first chunk %s has offset %d, expected 0", c.ID, c.Offset)
	}

	b.chunks = append(b.chunks, c)
	return nil
}

// ChunkCount returns the number of chunks added so far.
func (b *Builder) ChunkCount() int { return len(b.chunks) }

// Build computes totals, the Merkle root, and the manifest hash, then
// validates the result. A valid manifest is returned in Ready state; an
// invalid one is returned in Invalid state together with a
// ValidationError listing the violations.
func (b *Builder) Build(endedAt time.Time) (model.Manifest, error) {
	m := model.Manifest{
		SessionID:  b.sessionID,
		Owner:      b.owner,
		Chunks:     append([]model.Chunk(nil), b.chunks...),
		MerkleRoot: merkle.Root(b.chunks),
		Status:     model.ManifestDraft,
		StartedAt:  b.startedAt,
		EndedAt:    endedAt,
	}
	for _, c := range m.Chunks {
		m.TotalSize += c.OriginalSize
	}
	m.ManifestHash = Fingerprint(m)

	if violations := Validate(m); len(violations) > 0 {
		m.Status = model.ManifestInvalid
		return m, &ValidationError{SessionID: m.SessionID, Violations: violations}
	}
	m.Status = model.ManifestReady
	return m, nil
}

// Validate checks a manifest's structural invariants and Merkle
// commitment. It returns human-readable violation messages; an empty
// slice means the manifest is valid.
func Validate(m model.Manifest) []string {
	var violations []string

	if m.SessionID == "" {
		violations = append(violations, "session id is required")
	}
	if m.Owner == "" {
		violations = append(violations, "owner is required")
	}
	if len(m.Chunks) == 0 {
		violations = append(violations, "at least one chunk is required")
	}

	var totalSize int64
	for i, c := range m.Chunks {
		if c.ID == "" {
			violations = append(violations, fmt.Sprintf("chunk %d: id is required", i))
		}
		if c.CiphertextDigest.IsZero() {
			violations = append(violations, fmt.Sprintf("chunk %d: ciphertext digest is required", i))
		}
		if c.OriginalSize <= 0 {
			violations = append(violations, fmt.Sprintf("chunk %d: invalid size %d", i, c.OriginalSize))
		}
		if c.Offset < 0 {
			violations = append(violations, fmt.Sprintf("chunk %d: invalid offset %d", i, c.Offset))
		}
		totalSize += c.OriginalSize
	}

	if totalSize != m.TotalSize {
		violations = append(violations,
			fmt.Sprintf("total size mismatch: calculated %d, recorded %d", totalSize, m.TotalSize))
	}

	if recomputed := merkle.Root(m.Chunks); recomputed != m.MerkleRoot {
		violations = append(violations,
			fmt.Sprintf("merkle root mismatch: calculated %s, recorded %s", recomputed, m.MerkleRoot))
	}

	return violations
}

// Fingerprint hashes the manifest document over its canonical fields. The
// offset-sorted chunk order makes the fingerprint input-order independent,
// matching the Merkle root.
func Fingerprint(m model.Manifest) model.Digest {
	sorted := append([]model.Chunk(nil), m.Chunks...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	h := blake3.New()
	h.Write([]byte(m.SessionID))
	h.Write([]byte{0})
	h.Write([]byte(m.Owner))
	h.Write([]byte{0})
	h.Write(m.MerkleRoot[:])

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(m.TotalSize))
	h.Write(buf[:])
	for _, c := range sorted {
		h.Write([]byte(c.ID))
		h.Write([]byte{0})
		h.Write(c.CiphertextDigest[:])
		binary.BigEndian.PutUint64(buf[:], uint64(c.OriginalSize))
		h.Write(buf[:])
		binary.BigEndian.PutUint64(buf[:], uint64(c.Offset))
		h.Write(buf[:])
	}

	var d model.Digest
	h.Sum(d[:0])
	return d
}
