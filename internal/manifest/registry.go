package manifest

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/veilstream/veilstream/internal/state"
	"github.com/veilstream/veilstream/pkg/model"
)

// ErrNotFound is returned when no manifest exists for a session.
var ErrNotFound = errors.New("manifest: not found")

// Registry owns the persisted manifests. All status transitions go
// through it so concurrent readers never observe a half-written record.
type Registry struct {
	store *state.Store

	mu        sync.RWMutex
	manifests map[string]model.Manifest
}

// NewRegistry loads all persisted manifests from the state store.
func NewRegistry(store *state.Store) (*Registry, error) {
	r := &Registry{
		store:     store,
		manifests: make(map[string]model.Manifest),
	}

	err := store.Scan(state.PrefixManifest, func(key string, raw []byte) error {
		var m model.Manifest
		if err := state.Decode(raw, &m); err != nil {
			return nil // skip corrupted records
		}
		r.manifests[m.SessionID] = m
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("manifest: load registry: %w", err)
	}
	return r, nil
}

// Put persists a manifest and makes it visible to readers.
func (r *Registry) Put(m model.Manifest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.Put(state.PrefixManifest+m.SessionID, m); err != nil {
		return err
	}
	r.manifests[m.SessionID] = m
	return nil
}

// Get returns the manifest for a session.
func (r *Registry) Get(sessionID string) (model.Manifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.manifests[sessionID]
	if !ok {
		return model.Manifest{}, ErrNotFound
	}
	return m, nil
}

// SetStatus applies a single authoritative status transition and persists
// it.
func (r *Registry) SetStatus(sessionID string, status model.ManifestStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.manifests[sessionID]
	if !ok {
		return ErrNotFound
	}
	m.Status = status
	if err := r.store.Put(state.PrefixManifest+sessionID, m); err != nil {
		return err
	}
	r.manifests[sessionID] = m
	return nil
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Owner  string
	Status model.ManifestStatus
	// HasStatus must be set for Status to apply, since ManifestDraft is the
	// zero value.
	HasStatus bool
}

// List returns manifests matching the filter, newest session first.
func (r *Registry) List(filter ListFilter) []model.Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Manifest, 0, len(r.manifests))
	for _, m := range r.manifests {
		if filter.Owner != "" && m.Owner != filter.Owner {
			continue
		}
		if filter.HasStatus && m.Status != filter.Status {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}
