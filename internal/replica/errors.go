package replica

import (
	"errors"
	"fmt"
)

// ErrChunkNotFound is returned when no metadata record exists for a chunk.
var ErrChunkNotFound = errors.New("replica: chunk not found")

// ErrNoHealthyReplica is returned by Retrieve when every storage path
// failed to produce verifiable content.
var ErrNoHealthyReplica = errors.New("replica: no replica returned verifiable content")

// ErrRepairInProgress is returned when a repair is already running for
// the chunk; overlapping repairs on one chunk are not allowed.
var ErrRepairInProgress = errors.New("replica: repair already in progress")

// InsufficientReplicasError reports a store operation that could not reach
// the requested replication factor. No metadata is persisted in that case.
type InsufficientReplicasError struct {
	ChunkID string
	Got     int
	Want    int
}

func (e *InsufficientReplicasError) Error() string {
	return fmt.Sprintf("replica: stored chunk %s on %d of %d required nodes", e.ChunkID, e.Got, e.Want)
}

// CorruptedError reports that a majority of replicas failed verification
// and no verified source existed for repair. This signals potential data
// loss and must never be swallowed.
type CorruptedError struct {
	ChunkID string
}

func (e *CorruptedError) Error() string {
	return fmt.Sprintf("replica: chunk %s corrupted with no verified source", e.ChunkID)
}
