package model

import "time"

// NodeStatus represents the availability state of a storage node.
type NodeStatus uint8

const (
	// NodeActive indicates the node accepts reads and writes.
	NodeActive NodeStatus = iota
	// NodeInactive indicates the node is registered but not serving.
	NodeInactive
	// NodeMaintenance indicates the node is temporarily drained.
	NodeMaintenance
	// NodeFailed indicates sustained unreachability.
	NodeFailed
)

// String returns a human-readable representation of the node status.
func (s NodeStatus) String() string {
	switch s {
	case NodeActive:
		return "Active"
	case NodeInactive:
		return "Inactive"
	case NodeMaintenance:
		return "Maintenance"
	case NodeFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// StorageNode describes one registered replica target. AvailableCapacity is
// decremented on confirmed writes and restored on deletion; the replica
// store is the only writer.
type StorageNode struct {
	// NodeID uniquely identifies the node.
	NodeID string

	// Address is the node's transport address, including scheme.
	Address string

	// StorageCapacity is the total capacity in bytes.
	StorageCapacity int64

	// AvailableCapacity is the remaining capacity in bytes.
	AvailableCapacity int64

	// Status is the current availability state.
	Status NodeStatus

	// ChunksStored lists chunk ids placed on this node. Back-reference
	// only; the metadata records own the placement.
	ChunksStored []string

	// PerformanceScore ranks nodes for listing. Higher is better.
	PerformanceScore float64

	LastHeartbeat time.Time
}
