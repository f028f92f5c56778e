// Package transport defines the storage-node transport boundary used by
// the replica store. Implementations live in internal/transport: an HTTP
// client for real nodes and an in-memory fake for tests.
package transport

import "context"

// NodeTransport is a simple addressable byte-object transport. Write
// places an object on the node at nodeAddress and returns the object path
// used for later reads; Read returns the object stored at path.
//
// Implementations must honor context cancellation and deadlines; a timeout
// is reported as an error, not a hang.
type NodeTransport interface {
	// Write stores object under key on the node at nodeAddress and returns
	// the full object path.
	Write(ctx context.Context, nodeAddress, key string, object []byte) (string, error)

	// Read returns the object at path.
	Read(ctx context.Context, path string) ([]byte, error)

	// Delete removes the object at path. Deleting a missing object is not
	// an error.
	Delete(ctx context.Context, path string) error

	// Ping reports whether the node at nodeAddress is reachable.
	Ping(ctx context.Context, nodeAddress string) error
}
