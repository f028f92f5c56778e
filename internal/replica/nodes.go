package replica

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/veilstream/veilstream/internal/state"
	"github.com/veilstream/veilstream/pkg/model"
)

// ErrNodeNotFound is returned when a node id is not registered.
var ErrNodeNotFound = errors.New("replica: node not found")

// failuresBeforeFailed is the number of consecutive unreachable writes
// after which a node is marked Failed.
const failuresBeforeFailed = 3

// RegisterNode adds a storage node to the pool. A zero AvailableCapacity
// starts at the full storage capacity; a zero status starts Active.
func (s *Store) RegisterNode(node model.StorageNode) error {
	if node.NodeID == "" || node.Address == "" {
		return fmt.Errorf("replica: node id and address are required")
	}
	if node.AvailableCapacity == 0 {
		node.AvailableCapacity = node.StorageCapacity
	}
	if node.PerformanceScore == 0 {
		node.PerformanceScore = 1.0
	}
	node.LastHeartbeat = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.state.Put(state.PrefixNode+node.NodeID, node); err != nil {
		return err
	}
	s.nodes[node.NodeID] = &node
	s.log.Info("storage node registered", "node", node.NodeID, "address", node.Address, "capacity", node.StorageCapacity)
	return nil
}

// RemoveNode deletes a node from the pool. Replicas it held are repaired
// by the next sweep.
func (s *Store) RemoveNode(nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[nodeID]; !ok {
		return ErrNodeNotFound
	}
	if err := s.state.Delete(state.PrefixNode + nodeID); err != nil {
		return err
	}
	delete(s.nodes, nodeID)
	return nil
}

// SetNodeStatus transitions a node's availability state.
func (s *Store) SetNodeStatus(nodeID string, status model.NodeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[nodeID]
	if !ok {
		return ErrNodeNotFound
	}
	node.Status = status
	return s.state.Put(state.PrefixNode+nodeID, *node)
}

// Node returns a copy of the node record.
func (s *Store) Node(nodeID string) (model.StorageNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[nodeID]
	if !ok {
		return model.StorageNode{}, ErrNodeNotFound
	}
	return *node, nil
}

// Nodes returns all registered nodes, highest performance score first.
func (s *Store) Nodes() []model.StorageNode {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.StorageNode, 0, len(s.nodes))
	for _, node := range s.nodes {
		out = append(out, *node)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PerformanceScore > out[j].PerformanceScore
	})
	return out
}

// selectNodes picks count active nodes with room for size bytes, largest
// available capacity first, and reserves the capacity under the lock so
// concurrent stores cannot oversubscribe a node. Callers must refund
// reservations for writes that do not complete.
func (s *Store) selectNodes(count int, size int64, exclude map[string]bool) ([]model.StorageNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := make([]*model.StorageNode, 0, len(s.nodes))
	for _, node := range s.nodes {
		if node.Status != model.NodeActive {
			continue
		}
		if exclude[node.NodeID] {
			continue
		}
		if node.AvailableCapacity < size {
			continue
		}
		candidates = append(candidates, node)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].AvailableCapacity > candidates[j].AvailableCapacity
	})

	if len(candidates) < count {
		return nil, &InsufficientReplicasError{Got: len(candidates), Want: count}
	}

	selected := make([]model.StorageNode, 0, count)
	for _, node := range candidates[:count] {
		node.AvailableCapacity -= size
		selected = append(selected, *node)
	}
	return selected, nil
}

// refundCapacity returns a reservation to a node after a failed or
// deleted write.
func (s *Store) refundCapacity(nodeID string, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[nodeID]
	if !ok {
		return
	}
	node.AvailableCapacity += size
	if node.AvailableCapacity > node.StorageCapacity {
		node.AvailableCapacity = node.StorageCapacity
	}
}

// confirmWrite records a successful placement on a node and persists the
// node's accounting.
func (s *Store) confirmWrite(nodeID, chunkID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[nodeID]
	if !ok {
		return
	}
	node.ChunksStored = append(node.ChunksStored, chunkID)
	node.LastHeartbeat = time.Now().UTC()
	s.failures[nodeID] = 0
	if err := s.state.Put(state.PrefixNode+nodeID, *node); err != nil {
		s.log.Warn("persist node accounting failed", "node", nodeID, "error", err)
	}
}

// recordWriteFailure tracks consecutive failures; sustained
// unreachability marks the node Failed so selection skips it.
func (s *Store) recordWriteFailure(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[nodeID]
	if !ok {
		return
	}
	s.failures[nodeID]++
	node.PerformanceScore *= 0.9
	if s.failures[nodeID] >= failuresBeforeFailed && node.Status == model.NodeActive {
		node.Status = model.NodeFailed
		s.log.Warn("storage node marked failed", "node", nodeID, "failures", s.failures[nodeID])
		if err := s.state.Put(state.PrefixNode+nodeID, *node); err != nil {
			s.log.Warn("persist node status failed", "node", nodeID, "error", err)
		}
	}
}

// nodeForPath maps an object path back to the node serving it.
func (s *Store) nodeForPath(path string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Match on the address plus separator: a bare prefix check would let
	// an address that prefixes another (http://n:1 vs http://n:10) claim
	// the other node's paths.
	for id, node := range s.nodes {
		if strings.HasPrefix(path, node.Address+"/") {
			return id, true
		}
	}
	return "", false
}

// dropChunkBackref removes a chunk back-reference from a node record.
func (s *Store) dropChunkBackref(nodeID, chunkID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[nodeID]
	if !ok {
		return
	}
	kept := node.ChunksStored[:0]
	for _, id := range node.ChunksStored {
		if id != chunkID {
			kept = append(kept, id)
		}
	}
	node.ChunksStored = kept
	if err := s.state.Put(state.PrefixNode+nodeID, *node); err != nil {
		s.log.Warn("persist node backrefs failed", "node", nodeID, "error", err)
	}
}
