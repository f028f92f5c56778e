package replica

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilstream/veilstream/internal/state"
	"github.com/veilstream/veilstream/internal/transport"
	"github.com/veilstream/veilstream/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestState(t *testing.T) *state.Store {
	t.Helper()
	st, err := state.Open(t.TempDir(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// newTestStore builds a store over the in-memory transport with nodeCount
// registered 1 GiB nodes.
func newTestStore(t *testing.T, nodeCount int, cfg model.ReplicaConfig) (*Store, *transport.Memory) {
	t.Helper()

	tr := transport.NewMemory()
	s, err := NewStore(openTestState(t), tr, cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(s.Close)

	for i := 0; i < nodeCount; i++ {
		require.NoError(t, s.RegisterNode(model.StorageNode{
			NodeID:          fmt.Sprintf("node-%d", i),
			Address:         fmt.Sprintf("http://node-%d:9420", i),
			StorageCapacity: 1 << 30,
		}))
	}
	return s, tr
}

func TestStorePlacesOnReplicationFactorNodes(t *testing.T) {
	s, tr := newTestStore(t, 5, model.ReplicaConfig{ReplicationFactor: 3})

	object := []byte("sealed chunk object")
	require.NoError(t, s.Store(context.Background(), "c1", "sess", object, 3))

	meta, err := s.Metadata("c1")
	require.NoError(t, err)
	assert.Len(t, meta.StoragePaths, 3)
	assert.Equal(t, model.ChunkStored, meta.Status)
	assert.Equal(t, int64(len(object)), meta.Size)
	assert.Equal(t, 3, meta.ReplicationFactor)
	assert.Equal(t, 3, tr.ObjectCount())
}

func TestStoreReservesCapacity(t *testing.T) {
	s, _ := newTestStore(t, 3, model.ReplicaConfig{ReplicationFactor: 3})

	object := make([]byte, 4096)
	require.NoError(t, s.Store(context.Background(), "c1", "sess", object, 3))

	for _, node := range s.Nodes() {
		assert.Equal(t, int64(1<<30)-4096, node.AvailableCapacity, node.NodeID)
		assert.Contains(t, node.ChunksStored, "c1")
	}
}

func TestStoreInsufficientNodesIsAllOrNothing(t *testing.T) {
	s, tr := newTestStore(t, 2, model.ReplicaConfig{ReplicationFactor: 3})

	err := s.Store(context.Background(), "c1", "sess", []byte("x"), 3)
	var insufficient *InsufficientReplicasError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "c1", insufficient.ChunkID)

	_, err = s.Metadata("c1")
	assert.ErrorIs(t, err, ErrChunkNotFound)
	assert.Equal(t, 0, tr.ObjectCount())

	for _, node := range s.Nodes() {
		assert.Equal(t, int64(1<<30), node.AvailableCapacity)
	}
}

func TestStoreRollsBackOnPartialWriteFailure(t *testing.T) {
	s, tr := newTestStore(t, 3, model.ReplicaConfig{ReplicationFactor: 3, WriteTimeout: time.Second})
	tr.SetDown("http://node-1:9420", true)

	err := s.Store(context.Background(), "c1", "sess", []byte("x"), 3)
	var insufficient *InsufficientReplicasError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 2, insufficient.Got)

	assert.Equal(t, 0, tr.ObjectCount(), "landed copies rolled back")
	for _, node := range s.Nodes() {
		assert.Equal(t, int64(1<<30), node.AvailableCapacity, node.NodeID)
	}
}

func TestStoreIsIdempotentForSameContent(t *testing.T) {
	s, tr := newTestStore(t, 3, model.ReplicaConfig{ReplicationFactor: 3})

	object := []byte("same object")
	require.NoError(t, s.Store(context.Background(), "c1", "sess", object, 3))
	require.NoError(t, s.Store(context.Background(), "c1", "sess", object, 3))
	assert.Equal(t, 3, tr.ObjectCount())

	err := s.Store(context.Background(), "c1", "sess", []byte("different"), 3)
	assert.Error(t, err)
}

func TestRetrieveSkipsBadReplica(t *testing.T) {
	s, tr := newTestStore(t, 3, model.ReplicaConfig{ReplicationFactor: 3})

	object := []byte("retrievable object")
	require.NoError(t, s.Store(context.Background(), "c1", "sess", object, 3))

	meta, err := s.Metadata("c1")
	require.NoError(t, err)
	require.True(t, tr.Corrupt(meta.StoragePaths[0]))

	got, err := s.Retrieve(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, object, got)
}

func TestRetrieveFailsWhenAllReplicasBad(t *testing.T) {
	s, tr := newTestStore(t, 3, model.ReplicaConfig{ReplicationFactor: 3})

	require.NoError(t, s.Store(context.Background(), "c1", "sess", []byte("doomed"), 3))
	meta, err := s.Metadata("c1")
	require.NoError(t, err)
	for _, path := range meta.StoragePaths {
		tr.Corrupt(path)
	}

	_, err = s.Retrieve(context.Background(), "c1")
	assert.ErrorIs(t, err, ErrNoHealthyReplica)
}

func TestVerifyAllHealthyIsVerified(t *testing.T) {
	s, _ := newTestStore(t, 3, model.ReplicaConfig{ReplicationFactor: 3})
	require.NoError(t, s.Store(context.Background(), "c1", "sess", []byte("ok"), 3))

	status, err := s.Verify(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, model.ChunkVerified, status)

	meta, err := s.Metadata("c1")
	require.NoError(t, err)
	assert.Equal(t, model.ChunkVerified, meta.Status)
	assert.False(t, meta.LastVerifiedAt.IsZero())
}

func TestVerifyQuorumKeepsStored(t *testing.T) {
	s, tr := newTestStore(t, 3, model.ReplicaConfig{ReplicationFactor: 3})
	require.NoError(t, s.Store(context.Background(), "c1", "sess", []byte("degraded"), 3))

	meta, err := s.Metadata("c1")
	require.NoError(t, err)
	tr.Corrupt(meta.StoragePaths[0])

	status, err := s.Verify(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, model.ChunkStored, status, "2 of 3 passing meets the rf/2+1 quorum")
}

func TestVerifyBelowQuorumIsCorrupted(t *testing.T) {
	s, tr := newTestStore(t, 3, model.ReplicaConfig{ReplicationFactor: 3})
	require.NoError(t, s.Store(context.Background(), "c1", "sess", []byte("rotten"), 3))

	meta, err := s.Metadata("c1")
	require.NoError(t, err)
	tr.Corrupt(meta.StoragePaths[0])
	tr.Corrupt(meta.StoragePaths[1])

	status, err := s.Verify(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, model.ChunkCorrupted, status)
}

func TestVerifyNothingReadableIsMissing(t *testing.T) {
	s, tr := newTestStore(t, 3, model.ReplicaConfig{ReplicationFactor: 3})
	require.NoError(t, s.Store(context.Background(), "c1", "sess", []byte("gone"), 3))

	meta, err := s.Metadata("c1")
	require.NoError(t, err)
	for _, path := range meta.StoragePaths {
		tr.Drop(path)
	}

	status, err := s.Verify(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, model.ChunkMissing, status)
}

func TestVerifyExplicitQuorumOverride(t *testing.T) {
	s, tr := newTestStore(t, 4, model.ReplicaConfig{ReplicationFactor: 4, VerifyQuorum: 1})
	require.NoError(t, s.Store(context.Background(), "c1", "sess", []byte("lenient"), 4))

	meta, err := s.Metadata("c1")
	require.NoError(t, err)
	for _, path := range meta.StoragePaths[:3] {
		tr.Corrupt(path)
	}

	status, err := s.Verify(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, model.ChunkStored, status, "single replica satisfies the override")
}

func TestRepairRestoresFailedReplicas(t *testing.T) {
	s, tr := newTestStore(t, 5, model.ReplicaConfig{ReplicationFactor: 3})

	object := []byte("repair me")
	require.NoError(t, s.Store(context.Background(), "c1", "sess", object, 3))

	meta, err := s.Metadata("c1")
	require.NoError(t, err)
	tr.Corrupt(meta.StoragePaths[0])

	require.NoError(t, s.Repair(context.Background(), "c1"))

	meta, err = s.Metadata("c1")
	require.NoError(t, err)
	assert.Equal(t, model.ChunkReplicated, meta.Status)
	assert.Len(t, meta.StoragePaths, 3)

	status, err := s.Verify(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, model.ChunkVerified, status)

	got, err := s.Retrieve(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, object, got)
}

// pathNode resolves the node serving a storage path.
func pathNode(t *testing.T, s *Store, path string) string {
	t.Helper()
	for _, node := range s.Nodes() {
		if strings.HasPrefix(path, node.Address+"/") {
			return node.NodeID
		}
	}
	t.Fatalf("no node serves path %s", path)
	return ""
}

func TestRepairRecordsPartialProgress(t *testing.T) {
	s, tr := newTestStore(t, 3, model.ReplicaConfig{ReplicationFactor: 3})

	object := []byte("half repairable")
	require.NoError(t, s.Store(context.Background(), "c1", "sess", object, 3))

	meta, err := s.Metadata("c1")
	require.NoError(t, err)
	corrupted := append([]string(nil), meta.StoragePaths[:2]...)
	for _, path := range corrupted {
		require.True(t, tr.Corrupt(path))
		require.NoError(t, s.SetNodeStatus(pathNode(t, s, path), model.NodeFailed))
	}

	// One spare: the first replacement lands, the second has nowhere to go.
	require.NoError(t, s.RegisterNode(model.StorageNode{
		NodeID:          "node-3",
		Address:         "http://node-3:9420",
		StorageCapacity: 1 << 30,
	}))

	require.Error(t, s.Repair(context.Background(), "c1"))

	// The replica that did land is recorded, not orphaned.
	meta, err = s.Metadata("c1")
	require.NoError(t, err)
	require.Len(t, meta.StoragePaths, 3)
	assert.Contains(t, meta.StoragePaths, "http://node-3:9420/objects/c1")
	assert.NotContains(t, meta.StoragePaths, corrupted[0])
	assert.Contains(t, meta.StoragePaths, corrupted[1])

	// With fresh capacity the next repair finishes without writing a
	// second copy to the node already repaired.
	require.NoError(t, s.RegisterNode(model.StorageNode{
		NodeID:          "node-4",
		Address:         "http://node-4:9420",
		StorageCapacity: 1 << 30,
	}))
	require.NoError(t, s.Repair(context.Background(), "c1"))

	meta, err = s.Metadata("c1")
	require.NoError(t, err)
	assert.Equal(t, model.ChunkReplicated, meta.Status)
	assert.Contains(t, meta.StoragePaths, "http://node-3:9420/objects/c1")
	assert.Contains(t, meta.StoragePaths, "http://node-4:9420/objects/c1")
	assert.Equal(t, 5, tr.ObjectCount(), "3 originals plus the two replacements")

	got, err := s.Retrieve(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, object, got)
}

func TestRepairWithoutVerifiedSourceFails(t *testing.T) {
	s, tr := newTestStore(t, 3, model.ReplicaConfig{ReplicationFactor: 3})
	require.NoError(t, s.Store(context.Background(), "c1", "sess", []byte("lost"), 3))

	meta, err := s.Metadata("c1")
	require.NoError(t, err)
	for _, path := range meta.StoragePaths {
		tr.Corrupt(path)
	}

	err = s.Repair(context.Background(), "c1")
	var corrupted *CorruptedError
	require.ErrorAs(t, err, &corrupted)
	assert.Equal(t, "c1", corrupted.ChunkID)
}

func TestRepairAllHealthyIsNoop(t *testing.T) {
	s, _ := newTestStore(t, 3, model.ReplicaConfig{ReplicationFactor: 3})
	require.NoError(t, s.Store(context.Background(), "c1", "sess", []byte("fine"), 3))

	require.NoError(t, s.Repair(context.Background(), "c1"))

	meta, err := s.Metadata("c1")
	require.NoError(t, err)
	assert.Equal(t, model.ChunkVerified, meta.Status)
}

func TestDeleteRefundsNodeWithPrefixedAddress(t *testing.T) {
	tr := transport.NewMemory()
	s, err := NewStore(openTestState(t), tr, model.ReplicaConfig{ReplicationFactor: 1}, testLogger())
	require.NoError(t, err)
	t.Cleanup(s.Close)

	// "http://n:1" is a prefix of "http://n:10"; path accounting must not
	// confuse the two nodes.
	require.NoError(t, s.RegisterNode(model.StorageNode{
		NodeID:          "short",
		Address:         "http://n:1",
		StorageCapacity: 1 << 20,
	}))
	require.NoError(t, s.RegisterNode(model.StorageNode{
		NodeID:          "long",
		Address:         "http://n:10",
		StorageCapacity: 1 << 20,
	}))
	require.NoError(t, s.SetNodeStatus("short", model.NodeInactive))

	require.NoError(t, s.Store(context.Background(), "c1", "sess", []byte("prefix check"), 1))
	long, err := s.Node("long")
	require.NoError(t, err)
	require.Contains(t, long.ChunksStored, "c1")

	require.NoError(t, s.Delete(context.Background(), "c1"))

	long, err = s.Node("long")
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), long.AvailableCapacity)
	assert.NotContains(t, long.ChunksStored, "c1")

	short, err := s.Node("short")
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), short.AvailableCapacity)
	assert.Empty(t, short.ChunksStored)
}

func TestDeleteRemovesReplicasAndMetadata(t *testing.T) {
	s, tr := newTestStore(t, 3, model.ReplicaConfig{ReplicationFactor: 3})
	require.NoError(t, s.Store(context.Background(), "c1", "sess", []byte("bye"), 3))

	require.NoError(t, s.Delete(context.Background(), "c1"))

	assert.Equal(t, 0, tr.ObjectCount())
	_, err := s.Metadata("c1")
	assert.ErrorIs(t, err, ErrChunkNotFound)
	for _, node := range s.Nodes() {
		assert.Equal(t, int64(1<<30), node.AvailableCapacity)
		assert.NotContains(t, node.ChunksStored, "c1")
	}
}

func TestListChunksFilters(t *testing.T) {
	s, _ := newTestStore(t, 3, model.ReplicaConfig{ReplicationFactor: 3})

	require.NoError(t, s.Store(context.Background(), "a1", "sess-a", []byte("1"), 3))
	require.NoError(t, s.Store(context.Background(), "a2", "sess-a", []byte("2"), 3))
	require.NoError(t, s.Store(context.Background(), "b1", "sess-b", []byte("3"), 3))

	_, err := s.Verify(context.Background(), "a1")
	require.NoError(t, err)

	assert.Len(t, s.ListChunks("", 0, false), 3)
	assert.Len(t, s.ListChunks("sess-a", 0, false), 2)

	verified := s.ListChunks("sess-a", model.ChunkVerified, true)
	require.Len(t, verified, 1)
	assert.Equal(t, "a1", verified[0].ChunkID)
}

func TestMetadataSurvivesReload(t *testing.T) {
	st := openTestState(t)
	tr := transport.NewMemory()
	cfg := model.ReplicaConfig{ReplicationFactor: 3}

	s1, err := NewStore(st, tr, cfg, testLogger())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, s1.RegisterNode(model.StorageNode{
			NodeID:          fmt.Sprintf("node-%d", i),
			Address:         fmt.Sprintf("http://node-%d:9420", i),
			StorageCapacity: 1 << 30,
		}))
	}
	require.NoError(t, s1.Store(context.Background(), "c1", "sess", []byte("durable"), 3))
	s1.Close()

	s2, err := NewStore(st, tr, cfg, testLogger())
	require.NoError(t, err)
	defer s2.Close()

	meta, err := s2.Metadata("c1")
	require.NoError(t, err)
	assert.Equal(t, model.ChunkStored, meta.Status)
	assert.Len(t, meta.StoragePaths, 3)
	assert.Len(t, s2.Nodes(), 3)
}

func TestNodeFailureMarksNodeFailed(t *testing.T) {
	s, tr := newTestStore(t, 3, model.ReplicaConfig{ReplicationFactor: 3, WriteTimeout: time.Second})
	tr.SetDown("http://node-2:9420", true)

	for i := 0; i < failuresBeforeFailed; i++ {
		_ = s.Store(context.Background(), fmt.Sprintf("c%d", i), "sess", []byte("x"), 3)
	}

	node, err := s.Node("node-2")
	require.NoError(t, err)
	assert.Equal(t, model.NodeFailed, node.Status)
	assert.Less(t, node.PerformanceScore, 1.0)
}

func TestRemoveAndStatusTransitions(t *testing.T) {
	s, _ := newTestStore(t, 2, model.ReplicaConfig{ReplicationFactor: 1})

	require.NoError(t, s.SetNodeStatus("node-0", model.NodeMaintenance))
	node, err := s.Node("node-0")
	require.NoError(t, err)
	assert.Equal(t, model.NodeMaintenance, node.Status)

	// Maintenance nodes are skipped by placement.
	require.NoError(t, s.Store(context.Background(), "c1", "sess", []byte("x"), 1))
	meta, err := s.Metadata("c1")
	require.NoError(t, err)
	assert.Contains(t, meta.StoragePaths[0], "node-1")

	require.NoError(t, s.RemoveNode("node-0"))
	_, err = s.Node("node-0")
	assert.ErrorIs(t, err, ErrNodeNotFound)
	assert.ErrorIs(t, s.RemoveNode("node-0"), ErrNodeNotFound)
}
