// Package merkle builds the binary Merkle commitment over a manifest's
// chunk digests and produces inclusion proofs for single chunks.
//
// Leaves are computed over the chunks sorted by stream offset, so the root
// is independent of the order chunks are supplied in. Levels with an odd
// number of nodes duplicate their last node.
package merkle

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/veilstream/veilstream/pkg/model"
)

// Leaf computes the leaf digest for a chunk:
// sha256(chunkID || 0x00 || ciphertextDigest || be64(size) || be64(offset)).
func Leaf(c model.Chunk) model.Digest {
	h := sha256.New()
	h.Write([]byte(c.ID))
	h.Write([]byte{0})
	h.Write(c.CiphertextDigest[:])

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(c.OriginalSize))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(c.Offset))
	h.Write(buf[:])

	var d model.Digest
	h.Sum(d[:0])
	return d
}

func combine(left, right model.Digest) model.Digest {
	h := sha256.New()
	h.Write(left[:])
	h.Write(right[:])
	var d model.Digest
	h.Sum(d[:0])
	return d
}

// sortedByOffset returns a copy of chunks ordered by stream offset.
func sortedByOffset(chunks []model.Chunk) []model.Chunk {
	sorted := make([]model.Chunk, len(chunks))
	copy(sorted, chunks)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Offset < sorted[j].Offset
	})
	return sorted
}

func leaves(chunks []model.Chunk) []model.Digest {
	sorted := sortedByOffset(chunks)
	out := make([]model.Digest, len(sorted))
	for i, c := range sorted {
		out[i] = Leaf(c)
	}
	return out
}

// Root computes the Merkle root over the chunk set. An empty set yields the
// zero digest.
func Root(chunks []model.Chunk) model.Digest {
	level := leaves(chunks)
	if len(level) == 0 {
		return model.Digest{}
	}

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]model.Digest, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, combine(level[i], level[i+1]))
		}
		level = next
	}
	return level[0]
}

// Proof is an inclusion proof for a single chunk. Path holds the sibling
// digest at each tree level, bottom up; LeafIndex locates the leaf in the
// offset-sorted order and decides the combine direction per level.
type Proof struct {
	LeafIndex int
	Path      []model.Digest
}

// GenerateProof produces the inclusion proof for chunkID within the chunk
// set. The chunk's own leaf digest is not part of the proof.
func GenerateProof(chunks []model.Chunk, chunkID string) (Proof, error) {
	sorted := sortedByOffset(chunks)

	index := -1
	for i, c := range sorted {
		if c.ID == chunkID {
			index = i
			break
		}
	}
	if index == -1 {
		return Proof{}, fmt.Errorf("merkle: chunk %s not in set", chunkID)
	}

	level := make([]model.Digest, len(sorted))
	for i, c := range sorted {
		level[i] = Leaf(c)
	}

	proof := Proof{LeafIndex: index}
	pos := index
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}

		sibling := pos ^ 1
		proof.Path = append(proof.Path, level[sibling])

		next := make([]model.Digest, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, combine(level[i], level[i+1]))
		}
		level = next
		pos /= 2
	}
	return proof, nil
}

// VerifyProof recomputes the root from a leaf digest and its proof and
// compares it against the expected root.
func VerifyProof(leaf model.Digest, proof Proof, root model.Digest) bool {
	acc := leaf
	pos := proof.LeafIndex
	for _, sibling := range proof.Path {
		if pos%2 == 0 {
			acc = combine(acc, sibling)
		} else {
			acc = combine(sibling, acc)
		}
		pos /= 2
	}
	return acc == root
}
