package model

import "time"

// ChunkerConfig holds configuration for the session chunk pipeline.
type ChunkerConfig struct {
	// MinChunkSize triggers finalization once the buffer reaches it.
	// Default: 8 MiB.
	MinChunkSize int

	// MaxChunkSize caps a single chunk's plaintext. Default: 16 MiB.
	MaxChunkSize int
}

// DefaultChunkerConfig returns a configuration with sensible defaults.
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{
		MinChunkSize: 8 * 1024 * 1024,
		MaxChunkSize: 16 * 1024 * 1024,
	}
}

// ReplicaConfig holds configuration for the replica store.
type ReplicaConfig struct {
	// ReplicationFactor is the number of nodes each chunk is placed on.
	// Default: 3.
	ReplicationFactor int

	// VerifyQuorum is the minimum number of passing replicas for a chunk to
	// remain accepted as Stored. Zero means strict majority
	// (ReplicationFactor/2 + 1).
	VerifyQuorum int

	// WriteTimeout bounds a single replica write or read.
	WriteTimeout time.Duration

	// VerifyInterval is the delay before a freshly stored chunk is first
	// re-verified.
	VerifyInterval time.Duration

	// SweepInterval is the period of the global verify-then-repair sweep.
	SweepInterval time.Duration

	// SweepWorkers bounds concurrent verification jobs in the sweep.
	SweepWorkers int
}

// DefaultReplicaConfig returns a configuration with sensible defaults.
func DefaultReplicaConfig() ReplicaConfig {
	return ReplicaConfig{
		ReplicationFactor: 3,
		WriteTimeout:      30 * time.Second,
		VerifyInterval:    time.Minute,
		SweepInterval:     5 * time.Minute,
		SweepWorkers:      4,
	}
}

// Quorum returns the effective verification quorum for a replication
// factor, honoring an explicit VerifyQuorum override.
func (c ReplicaConfig) Quorum(replicationFactor int) int {
	if c.VerifyQuorum > 0 {
		return c.VerifyQuorum
	}
	return replicationFactor/2 + 1
}

// AnchorConfig holds configuration for the anchor client.
type AnchorConfig struct {
	// PollInterval is the delay between receipt checks.
	PollInterval time.Duration

	// MaxPollAttempts bounds receipt checks before the transaction is
	// declared expired.
	MaxPollAttempts int

	// GasBudget is passed to the ledger on submission.
	GasBudget uint64
}

// DefaultAnchorConfig returns a configuration with sensible defaults.
func DefaultAnchorConfig() AnchorConfig {
	return AnchorConfig{
		PollInterval:    10 * time.Second,
		MaxPollAttempts: 20,
		GasBudget:       1_000_000,
	}
}
