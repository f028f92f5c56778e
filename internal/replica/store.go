// Package replica places sealed chunk objects on storage nodes, tracks
// per-chunk replica metadata, and keeps replicas healthy through periodic
// verification and repair.
package replica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/veilstream/veilstream/internal/state"
	"github.com/veilstream/veilstream/pkg/model"
	"github.com/veilstream/veilstream/pkg/transport"
	"github.com/veilstream/veilstream/pkg/workerpool"
)

// Store is the replica store. It owns the StoredChunkMetadata table and
// the storage node registry; both are persisted so verification state and
// capacity accounting survive restarts.
type Store struct {
	cfg   model.ReplicaConfig
	state *state.Store
	tr    transport.NodeTransport
	log   *slog.Logger

	// mu guards nodes and failures; capacity accounting happens only under
	// this lock.
	mu       sync.Mutex
	nodes    map[string]*model.StorageNode
	failures map[string]int

	// chunkMu guards chunks, repairing, and nextCheck. Every status write
	// is a single authoritative transition under this lock.
	chunkMu   sync.Mutex
	chunks    map[string]*model.StoredChunkMetadata
	repairing map[string]bool
	nextCheck map[string]time.Time

	pool      *workerpool.Pool
	bg        sync.WaitGroup
	stopSweep context.CancelFunc
}

// NewStore creates a replica store and reloads persisted nodes and chunk
// metadata from the state store.
func NewStore(st *state.Store, tr transport.NodeTransport, cfg model.ReplicaConfig, logger *slog.Logger) (*Store, error) {
	def := model.DefaultReplicaConfig()
	if cfg.ReplicationFactor == 0 {
		cfg.ReplicationFactor = def.ReplicationFactor
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.VerifyInterval == 0 {
		cfg.VerifyInterval = def.VerifyInterval
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.SweepWorkers == 0 {
		cfg.SweepWorkers = def.SweepWorkers
	}

	s := &Store{
		cfg:       cfg,
		state:     st,
		tr:        tr,
		log:       logger,
		nodes:     make(map[string]*model.StorageNode),
		failures:  make(map[string]int),
		chunks:    make(map[string]*model.StoredChunkMetadata),
		repairing: make(map[string]bool),
		nextCheck: make(map[string]time.Time),
		pool:      workerpool.New(cfg.SweepWorkers, 256),
	}

	err := st.Scan(state.PrefixNode, func(key string, raw []byte) error {
		var node model.StorageNode
		if err := state.Decode(raw, &node); err != nil {
			return nil // skip corrupted records
		}
		s.nodes[node.NodeID] = &node
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("replica: load nodes: %w", err)
	}

	err = st.Scan(state.PrefixChunkMeta, func(key string, raw []byte) error {
		var meta model.StoredChunkMetadata
		if err := state.Decode(raw, &meta); err != nil {
			return nil
		}
		s.chunks[meta.ChunkID] = &meta
		s.nextCheck[meta.ChunkID] = time.Now().Add(cfg.VerifyInterval)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("replica: load chunk metadata: %w", err)
	}

	return s, nil
}

// Store places object on replicationFactor nodes. Writes are issued
// concurrently, one per node, each bounded by the configured write
// timeout. If fewer than replicationFactor writes succeed the operation
// fails entirely: written copies are deleted best-effort, reserved
// capacity is refunded, and no metadata is persisted.
func (s *Store) Store(ctx context.Context, chunkID, sessionID string, object []byte, replicationFactor int) error {
	if replicationFactor <= 0 {
		replicationFactor = s.cfg.ReplicationFactor
	}
	size := int64(len(object))
	checksum := xxhash.Sum64(object)

	s.chunkMu.Lock()
	if existing, ok := s.chunks[chunkID]; ok {
		s.chunkMu.Unlock()
		if existing.Checksum == checksum {
			return nil // already stored
		}
		return fmt.Errorf("replica: chunk %s already stored with different content", chunkID)
	}
	s.chunkMu.Unlock()

	selected, err := s.selectNodes(replicationFactor, size, nil)
	if err != nil {
		var insufficient *InsufficientReplicasError
		if errors.As(err, &insufficient) {
			insufficient.ChunkID = chunkID
		}
		return err
	}

	type writeResult struct {
		nodeID string
		path   string
		err    error
	}

	results := make([]writeResult, len(selected))
	var wg sync.WaitGroup
	for i, node := range selected {
		wg.Add(1)
		go func(i int, node model.StorageNode) {
			defer wg.Done()
			writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			defer cancel()
			path, err := s.tr.Write(writeCtx, node.Address, chunkID, object)
			results[i] = writeResult{nodeID: node.NodeID, path: path, err: err}
		}(i, node)
	}
	wg.Wait()

	var paths []string
	for _, res := range results {
		if res.err != nil {
			s.log.Warn("replica write failed", "chunk", chunkID, "node", res.nodeID, "error", res.err)
			s.recordWriteFailure(res.nodeID)
			s.refundCapacity(res.nodeID, size)
			continue
		}
		paths = append(paths, res.path)
	}

	if len(paths) < replicationFactor {
		// All-or-nothing: roll back the copies that did land.
		for _, res := range results {
			if res.err != nil {
				continue
			}
			delCtx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
			if err := s.tr.Delete(delCtx, res.path); err != nil {
				s.log.Warn("rollback delete failed", "chunk", chunkID, "path", res.path, "error", err)
			}
			cancel()
			s.refundCapacity(res.nodeID, size)
		}
		return &InsufficientReplicasError{ChunkID: chunkID, Got: len(paths), Want: replicationFactor}
	}

	for _, res := range results {
		s.confirmWrite(res.nodeID, chunkID)
	}

	meta := &model.StoredChunkMetadata{
		ChunkID:           chunkID,
		SessionID:         sessionID,
		StoragePaths:      paths,
		ReplicationFactor: replicationFactor,
		Size:              size,
		Checksum:          checksum,
		Status:            model.ChunkStored,
		StoredAt:          time.Now().UTC(),
	}

	s.chunkMu.Lock()
	defer s.chunkMu.Unlock()
	if err := s.state.Put(state.PrefixChunkMeta+chunkID, *meta); err != nil {
		return fmt.Errorf("replica: persist chunk metadata: %w", err)
	}
	s.chunks[chunkID] = meta
	s.nextCheck[chunkID] = time.Now().Add(s.cfg.VerifyInterval)

	s.log.Info("chunk stored", "chunk", chunkID, "session", sessionID, "replicas", len(paths), "size", size)
	return nil
}

// Retrieve returns the chunk object from the first storage path whose
// content reproduces the recorded checksum and size. Failures on
// individual replicas are absorbed and the next path is tried.
func (s *Store) Retrieve(ctx context.Context, chunkID string) ([]byte, error) {
	meta, err := s.Metadata(chunkID)
	if err != nil {
		return nil, err
	}

	for _, path := range meta.StoragePaths {
		readCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
		object, err := s.tr.Read(readCtx, path)
		cancel()
		if err != nil {
			s.log.Warn("replica read failed", "chunk", chunkID, "path", path, "error", err)
			continue
		}
		if int64(len(object)) != meta.Size || xxhash.Sum64(object) != meta.Checksum {
			s.log.Warn("replica content mismatch", "chunk", chunkID, "path", path)
			continue
		}
		return object, nil
	}
	return nil, fmt.Errorf("retrieve chunk %s: %w", chunkID, ErrNoHealthyReplica)
}

// Verify re-reads every storage path and recomputes the fast checksum.
// All paths passing yields Verified; at least the configured quorum
// passing keeps the chunk Stored (degraded but accepted); fewer yields
// Corrupted, or Missing when nothing could be read at all.
func (s *Store) Verify(ctx context.Context, chunkID string) (model.ChunkStatus, error) {
	meta, err := s.Metadata(chunkID)
	if err != nil {
		return 0, err
	}

	passed := 0
	readable := 0
	for _, path := range meta.StoragePaths {
		readCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
		object, err := s.tr.Read(readCtx, path)
		cancel()
		if err != nil {
			continue
		}
		readable++
		if int64(len(object)) == meta.Size && xxhash.Sum64(object) == meta.Checksum {
			passed++
		}
	}

	status := model.ChunkCorrupted
	switch {
	case passed == len(meta.StoragePaths):
		status = model.ChunkVerified
	case passed >= s.cfg.Quorum(meta.ReplicationFactor):
		status = model.ChunkStored
	case readable == 0:
		status = model.ChunkMissing
	}

	s.setStatus(chunkID, status)
	s.log.Debug("chunk verified", "chunk", chunkID, "passed", passed, "replicas", len(meta.StoragePaths), "status", status.String())
	return status, nil
}

// Repair restores failed replicas from a verified source. It locates one
// path whose content independently verifies, copies it to freshly
// selected replacement nodes for each failing path, and records each
// replacement in the metadata as it lands, so partial progress survives
// a failed run. Repair without any verified source fails with a
// CorruptedError; that is potential data loss and is never silent.
func (s *Store) Repair(ctx context.Context, chunkID string) error {
	meta, err := s.Metadata(chunkID)
	if err != nil {
		return err
	}

	s.chunkMu.Lock()
	if s.repairing[chunkID] {
		s.chunkMu.Unlock()
		return ErrRepairInProgress
	}
	s.repairing[chunkID] = true
	s.chunkMu.Unlock()
	defer func() {
		s.chunkMu.Lock()
		delete(s.repairing, chunkID)
		s.chunkMu.Unlock()
	}()

	var source []byte
	var healthy, failed []string
	for _, path := range meta.StoragePaths {
		readCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
		object, err := s.tr.Read(readCtx, path)
		cancel()
		if err == nil && int64(len(object)) == meta.Size && xxhash.Sum64(object) == meta.Checksum {
			healthy = append(healthy, path)
			if source == nil {
				source = object
			}
		} else {
			failed = append(failed, path)
		}
	}

	if source == nil {
		return &CorruptedError{ChunkID: chunkID}
	}
	if len(failed) == 0 {
		s.setStatus(chunkID, model.ChunkVerified)
		return nil
	}

	// Nodes already holding a healthy replica are excluded from
	// replacement selection.
	exclude := make(map[string]bool)
	for _, path := range healthy {
		if nodeID, ok := s.nodeForPath(path); ok {
			exclude[nodeID] = true
		}
	}

	repairedAll := true
	for _, failedPath := range failed {
		replacement, err := s.selectNodes(1, meta.Size, exclude)
		if err != nil {
			s.log.Warn("no replacement node for repair", "chunk", chunkID, "error", err)
			repairedAll = false
			continue
		}
		node := replacement[0]

		writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
		path, err := s.tr.Write(writeCtx, node.Address, chunkID, source)
		cancel()
		if err != nil {
			s.recordWriteFailure(node.NodeID)
			s.refundCapacity(node.NodeID, meta.Size)
			repairedAll = false
			continue
		}
		s.confirmWrite(node.NodeID, chunkID)
		exclude[node.NodeID] = true

		// Persist the swap before moving on: if a later replacement
		// fails, this replica must already be recorded, otherwise it is
		// orphaned and a retried repair writes yet another copy.
		if err := s.swapPath(chunkID, failedPath, path); err != nil {
			return err
		}
		if nodeID, ok := s.nodeForPath(failedPath); ok {
			s.refundCapacity(nodeID, meta.Size)
			s.dropChunkBackref(nodeID, chunkID)
		}
	}

	if !repairedAll {
		return fmt.Errorf("repair chunk %s: could not restore every replica", chunkID)
	}

	s.setStatus(chunkID, model.ChunkReplicated)
	s.log.Info("chunk repaired", "chunk", chunkID, "restored", len(failed))
	return nil
}

// swapPath replaces one storage path in the chunk metadata and persists
// the record.
func (s *Store) swapPath(chunkID, oldPath, newPath string) error {
	s.chunkMu.Lock()
	defer s.chunkMu.Unlock()

	meta, ok := s.chunks[chunkID]
	if !ok {
		return ErrChunkNotFound
	}
	for i, path := range meta.StoragePaths {
		if path == oldPath {
			meta.StoragePaths[i] = newPath
			break
		}
	}
	if err := s.state.Put(state.PrefixChunkMeta+chunkID, *meta); err != nil {
		return fmt.Errorf("replica: persist replaced path: %w", err)
	}
	return nil
}

// Delete removes every replica of a chunk and its metadata, restoring
// node capacity.
func (s *Store) Delete(ctx context.Context, chunkID string) error {
	meta, err := s.Metadata(chunkID)
	if err != nil {
		return err
	}

	for _, path := range meta.StoragePaths {
		delCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
		if err := s.tr.Delete(delCtx, path); err != nil {
			s.log.Warn("replica delete failed", "chunk", chunkID, "path", path, "error", err)
		}
		cancel()
		if nodeID, ok := s.nodeForPath(path); ok {
			s.refundCapacity(nodeID, meta.Size)
			s.dropChunkBackref(nodeID, chunkID)
		}
	}

	s.chunkMu.Lock()
	defer s.chunkMu.Unlock()
	if err := s.state.Delete(state.PrefixChunkMeta + chunkID); err != nil {
		return err
	}
	delete(s.chunks, chunkID)
	delete(s.nextCheck, chunkID)
	return nil
}

// Metadata returns a copy of the chunk's metadata record. It is
// queryable at any time, including mid-repair.
func (s *Store) Metadata(chunkID string) (model.StoredChunkMetadata, error) {
	s.chunkMu.Lock()
	defer s.chunkMu.Unlock()

	meta, ok := s.chunks[chunkID]
	if !ok {
		return model.StoredChunkMetadata{}, ErrChunkNotFound
	}
	out := *meta
	out.StoragePaths = append([]string(nil), meta.StoragePaths...)
	return out, nil
}

// ListChunks returns chunk metadata filtered by session (empty matches
// all) and optionally by status, newest first.
func (s *Store) ListChunks(sessionID string, status model.ChunkStatus, hasStatus bool) []model.StoredChunkMetadata {
	s.chunkMu.Lock()
	defer s.chunkMu.Unlock()

	out := make([]model.StoredChunkMetadata, 0, len(s.chunks))
	for _, meta := range s.chunks {
		if sessionID != "" && meta.SessionID != sessionID {
			continue
		}
		if hasStatus && meta.Status != status {
			continue
		}
		out = append(out, *meta)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StoredAt.After(out[j].StoredAt)
	})
	return out
}

// setStatus applies one authoritative status transition under the chunk
// lock and persists it.
func (s *Store) setStatus(chunkID string, status model.ChunkStatus) {
	s.chunkMu.Lock()
	defer s.chunkMu.Unlock()

	meta, ok := s.chunks[chunkID]
	if !ok {
		return
	}
	meta.Status = status
	meta.LastVerifiedAt = time.Now().UTC()
	if err := s.state.Put(state.PrefixChunkMeta+chunkID, *meta); err != nil {
		s.log.Warn("persist chunk status failed", "chunk", chunkID, "error", err)
	}
}
