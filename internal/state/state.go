// Package state provides the durable record store shared by the replica
// store, manifest registry, and anchor client. Records are gob-encoded
// into BadgerDB under string key prefixes so in-flight work can be
// reloaded after a restart.
package state

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes. Callers build keys as prefix + identifier.
const (
	PrefixChunkMeta = "chunk:meta:"
	PrefixManifest  = "manifest:"
	PrefixAnchorTx  = "anchor:tx:"
	PrefixNode      = "node:"
)

// ErrNotFound is returned when a key has no record.
var ErrNotFound = errors.New("state: key not found")

// Store wraps a BadgerDB instance with gob encoding.
type Store struct {
	db  *badger.DB
	log *slog.Logger
}

// Open opens (or creates) the store at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	opts.ValueLogFileSize = 1024 * 1024 * 100

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open state store at %s: %w", path, err)
	}
	return &Store{db: db, log: logger}, nil
}

// Put gob-encodes value under key.
func (s *Store) Put(key string, value any) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(value); err != nil {
		return fmt.Errorf("encode record %s: %w", key, err)
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), buf.Bytes())
	})
	if err != nil {
		return fmt.Errorf("put record %s: %w", key, err)
	}
	return nil
}

// Get decodes the record under key into value. Returns ErrNotFound if the
// key is absent.
func (s *Store) Get(key string, value any) error {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return gob.NewDecoder(bytes.NewReader(v)).Decode(value)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get record %s: %w", key, err)
	}
	return nil
}

// Delete removes the record under key. Deleting a missing key is not an
// error.
func (s *Store) Delete(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("delete record %s: %w", key, err)
	}
	return nil
}

// Scan iterates all records under prefix. Corrupted records are skipped by
// returning a nil error from fn after a failed decode; fn receives the raw
// value and decodes it itself via Decode.
func (s *Store) Scan(prefix string, fn func(key string, value []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			key := string(item.KeyCopy(nil))
			err := item.Value(func(v []byte) error {
				return fn(key, v)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Decode gob-decodes a raw record value, for use inside Scan callbacks.
func Decode(raw []byte, value any) error {
	return gob.NewDecoder(bytes.NewReader(raw)).Decode(value)
}

// Close syncs and closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Sync(); err != nil {
		s.log.Warn("state store sync failed", "error", err)
	}
	return s.db.Close()
}
