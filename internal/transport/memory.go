// Package transport provides the storage node transports: an HTTP client
// for real nodes and an in-memory implementation for tests and embedded
// single-process deployments.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/veilstream/veilstream/pkg/transport"
)

// ErrObjectNotFound is returned when no object exists at a path.
var ErrObjectNotFound = errors.New("transport: object not found")

// ErrNodeDown is returned by the in-memory transport for addresses marked
// unreachable.
var ErrNodeDown = errors.New("transport: node unreachable")

// Memory is an in-memory node transport. Objects live in a map keyed by
// path; nodes can be marked down and objects corrupted to exercise
// failure paths.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
	down    map[string]bool
}

var _ transport.NodeTransport = (*Memory)(nil)

// NewMemory creates an empty in-memory transport.
func NewMemory() *Memory {
	return &Memory{
		objects: make(map[string][]byte),
		down:    make(map[string]bool),
	}
}

func (m *Memory) Write(ctx context.Context, nodeAddress, key string, object []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.down[nodeAddress] {
		return "", fmt.Errorf("write %s to %s: %w", key, nodeAddress, ErrNodeDown)
	}
	path := nodeAddress + "/objects/" + key
	m.objects[path] = append([]byte(nil), object...)
	return path, nil
}

func (m *Memory) Read(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for addr, down := range m.down {
		if down && strings.HasPrefix(path, addr) {
			return nil, fmt.Errorf("read %s: %w", path, ErrNodeDown)
		}
	}
	object, ok := m.objects[path]
	if !ok {
		return nil, fmt.Errorf("read %s: %w", path, ErrObjectNotFound)
	}
	return append([]byte(nil), object...), nil
}

func (m *Memory) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.objects, path)
	return nil
}

func (m *Memory) Ping(ctx context.Context, nodeAddress string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.down[nodeAddress] {
		return fmt.Errorf("ping %s: %w", nodeAddress, ErrNodeDown)
	}
	return nil
}

// SetDown marks a node address reachable or unreachable.
func (m *Memory) SetDown(nodeAddress string, down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down[nodeAddress] = down
}

// Corrupt flips bytes of the object at path, simulating bit rot.
func (m *Memory) Corrupt(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	object, ok := m.objects[path]
	if !ok || len(object) == 0 {
		return false
	}
	object[0] ^= 0xff
	if len(object) > 1 {
		object[len(object)/2] ^= 0xff
	}
	return true
}

// Drop removes the object at path, simulating disk loss.
func (m *Memory) Drop(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, path)
}

// ObjectCount reports how many objects are held, for tests.
func (m *Memory) ObjectCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
