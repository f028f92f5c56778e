// Package veilstream records session byte streams as encrypted,
// replicated chunks, commits each session to a Merkle manifest, and
// anchors the commitment on an external ledger.
package veilstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/veilstream/veilstream/internal/anchor"
	"github.com/veilstream/veilstream/internal/chunker"
	"github.com/veilstream/veilstream/internal/manifest"
	"github.com/veilstream/veilstream/internal/replica"
	"github.com/veilstream/veilstream/internal/state"
	"github.com/veilstream/veilstream/pkg/ledger"
	"github.com/veilstream/veilstream/pkg/model"
	"github.com/veilstream/veilstream/pkg/transport"
)

var (
	ErrNotStarted      = errors.New("veilstream: vault not started")
	ErrClosed          = errors.New("veilstream: vault closed")
	ErrSessionNotFound = errors.New("veilstream: session not found")
	ErrSessionActive   = errors.New("veilstream: session still recording")
)

// Config configures a vault instance.
type Config struct {
	// DataDir holds the state database and locally spilled chunk objects.
	DataDir string

	// MasterKey is the root key that per-session keys derive from. It must
	// be at least 32 bytes.
	MasterKey []byte

	// Logger is an optional structured logger. If nil, a stderr logger is
	// used.
	Logger *slog.Logger

	Chunker model.ChunkerConfig
	Replica model.ReplicaConfig
	Anchor  model.AnchorConfig
}

// Vault is the main handle. It owns the state store, the session
// recorders, the replica store, and the anchor client lifecycle.
type Vault struct {
	log    *slog.Logger
	config Config

	tr     transport.NodeTransport
	ledger ledger.Client

	state     *state.Store
	manifests *manifest.Registry
	replicas  *replica.Store
	anchors   *anchor.Client

	sessMu   sync.Mutex
	sessions map[string]*session

	started   atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

// session is one live recording: a chunk recorder plus the draft
// manifest collecting its output. pending holds chunks that are sealed
// and spilled locally but not yet replicated; they survive a failed
// placement so a retried Append or FinishSession picks them up instead
// of dropping recorded bytes.
type session struct {
	owner    string
	recorder *chunker.Recorder
	builder  *manifest.Builder
	pending  []chunker.Sealed
}

// defaultLogger returns a logger that writes text logs to stderr at Info
// level. Applications can inject their own slog.Logger for JSON,
// different levels, etc.
func defaultLogger() *slog.Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return slog.New(h)
}

// New constructs a vault handle. New does not perform heavy I/O or start
// background goroutines. Call Start to initialize subsystems.
func New(conf Config, tr transport.NodeTransport, ledgerClient ledger.Client) (*Vault, error) {
	if conf.DataDir == "" {
		return nil, fmt.Errorf("veilstream: data dir must be provided in config")
	}
	if len(conf.MasterKey) < 32 {
		return nil, fmt.Errorf("veilstream: master key must be at least 32 bytes")
	}
	if tr == nil {
		return nil, fmt.Errorf("veilstream: node transport must be provided")
	}
	if ledgerClient == nil {
		return nil, fmt.Errorf("veilstream: ledger client must be provided")
	}
	if conf.Logger == nil {
		conf.Logger = defaultLogger()
	}
	return &Vault{
		log:      conf.Logger,
		config:   conf,
		tr:       tr,
		ledger:   ledgerClient,
		sessions: make(map[string]*session),
	}, nil
}

// Start opens the state store and brings up the replica store and anchor
// client, including their background loops. Start is safe to call
// multiple times; only the first call has effect.
func (v *Vault) Start(ctx context.Context) error {
	var startErr error
	v.startOnce.Do(func() {
		if err := os.MkdirAll(v.config.DataDir, 0o700); err != nil {
			startErr = fmt.Errorf("mkdir %s: %w", v.config.DataDir, err)
			return
		}

		st, err := state.Open(filepath.Join(v.config.DataDir, "state"), v.log)
		if err != nil {
			startErr = fmt.Errorf("open state store: %w", err)
			return
		}

		manifests, err := manifest.NewRegistry(st)
		if err != nil {
			st.Close()
			startErr = err
			return
		}
		replicas, err := replica.NewStore(st, v.tr, v.config.Replica, v.log)
		if err != nil {
			st.Close()
			startErr = err
			return
		}
		anchors, err := anchor.NewClient(st, manifests, v.ledger, v.config.Anchor, v.log)
		if err != nil {
			st.Close()
			startErr = err
			return
		}

		v.state = st
		v.manifests = manifests
		v.replicas = replicas
		v.anchors = anchors

		v.replicas.Start(ctx)
		v.anchors.Run(ctx)

		v.started.Store(true)
		v.log.Info("vault started", "path", v.config.DataDir)
	})
	return startErr
}

// Run starts the vault, then blocks until ctx is canceled, and finally
// performs a bounded graceful shutdown. It is a convenience for services.
func (v *Vault) Run(ctx context.Context) error {
	if err := v.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return v.Close(shutdownCtx)
}

// Close stops background loops and releases resources. Close is
// idempotent and safe to call multiple times.
func (v *Vault) Close(ctx context.Context) error {
	var closeErr error
	v.closeOnce.Do(func() {
		if !v.started.Load() {
			return
		}
		v.started.Store(false)

		v.anchors.Close()
		v.replicas.Close()

		v.sessMu.Lock()
		for id, s := range v.sessions {
			if err := s.recorder.Close(); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("close recorder %s: %w", id, err))
			}
		}
		v.sessions = make(map[string]*session)
		v.sessMu.Unlock()

		if err := v.state.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close state store: %w", err))
		}
		v.log.Info("vault closed")
	})
	return closeErr
}

func (v *Vault) checkStarted() error {
	if !v.started.Load() {
		return ErrNotStarted
	}
	return nil
}

// StartSession begins recording a new session for owner and returns the
// session id.
func (v *Vault) StartSession(ctx context.Context, owner string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := v.checkStarted(); err != nil {
		return "", err
	}
	if owner == "" {
		return "", fmt.Errorf("veilstream: owner is required")
	}

	sessionID := uuid.NewString()
	recorder, err := chunker.NewRecorder(sessionID, v.config.DataDir, v.config.MasterKey, v.config.Chunker, v.log)
	if err != nil {
		return "", err
	}

	v.sessMu.Lock()
	v.sessions[sessionID] = &session{
		owner:    owner,
		recorder: recorder,
		builder:  manifest.NewBuilder(sessionID, owner, time.Now().UTC()),
	}
	v.sessMu.Unlock()

	v.log.Info("session started", "session", sessionID, "owner", owner)
	return sessionID, nil
}

// Append feeds raw bytes into a live session. Chunks that fill up are
// sealed, replicated, and admitted to the draft manifest before Append
// returns.
func (v *Vault) Append(ctx context.Context, sessionID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := v.checkStarted(); err != nil {
		return err
	}

	s, err := v.session(sessionID)
	if err != nil {
		return err
	}

	sealed, err := s.recorder.Append(data)
	s.pending = append(s.pending, sealed...)
	if flushErr := v.flushPending(ctx, s); flushErr != nil {
		return flushErr
	}
	return err
}

// FinishSession seals the remaining buffer, replicates the final chunk,
// and builds the session manifest. The manifest is persisted in Ready
// state, or in Invalid state together with the validation error.
func (v *Vault) FinishSession(ctx context.Context, sessionID string) (model.Manifest, error) {
	if err := ctx.Err(); err != nil {
		return model.Manifest{}, err
	}
	if err := v.checkStarted(); err != nil {
		return model.Manifest{}, err
	}

	s, err := v.session(sessionID)
	if err != nil {
		return model.Manifest{}, err
	}

	last, err := s.recorder.Finalize()
	if err != nil {
		return model.Manifest{}, err
	}
	if last != nil {
		s.pending = append(s.pending, *last)
	}
	if err := v.flushPending(ctx, s); err != nil {
		return model.Manifest{}, err
	}

	m, buildErr := s.builder.Build(time.Now().UTC())
	if err := v.manifests.Put(m); err != nil {
		return model.Manifest{}, err
	}

	v.sessMu.Lock()
	delete(v.sessions, sessionID)
	v.sessMu.Unlock()
	if err := s.recorder.Close(); err != nil {
		v.log.Warn("recorder close failed", "session", sessionID, "error", err)
	}

	if buildErr != nil {
		return m, buildErr
	}
	v.log.Info("session finished", "session", sessionID, "chunks", len(m.Chunks), "bytes", m.TotalSize, "root", m.MerkleRoot)
	return m, nil
}

// flushPending replicates queued chunks in sequence order and admits
// each to the draft manifest only after replication succeeded, so the
// manifest never references a chunk that is not durably stored. A chunk
// whose placement fails stays at the head of the queue; the session
// remains retryable and the manifest can never silently omit it.
func (v *Vault) flushPending(ctx context.Context, s *session) error {
	for len(s.pending) > 0 {
		sealed := s.pending[0]
		err := v.replicas.Store(ctx, sealed.Chunk.ID, sealed.Chunk.SessionID, sealed.Object, v.config.Replica.ReplicationFactor)
		if err != nil {
			return err
		}
		if err := s.builder.Add(sealed.Chunk); err != nil {
			return err
		}
		s.pending = s.pending[1:]
	}
	return nil
}

// AnchorSession submits the session's manifest commitment to the ledger.
// A zero gasBudget uses the configured default.
func (v *Vault) AnchorSession(ctx context.Context, sessionID string, gasBudget uint64) (model.AnchorTransaction, error) {
	if err := v.checkStarted(); err != nil {
		return model.AnchorTransaction{}, err
	}
	return v.anchors.Anchor(ctx, sessionID, gasBudget)
}

// AnchorTransaction returns the session's anchor record.
func (v *Vault) AnchorTransaction(sessionID string) (model.AnchorTransaction, error) {
	if err := v.checkStarted(); err != nil {
		return model.AnchorTransaction{}, err
	}
	return v.anchors.Transaction(sessionID)
}

// SessionProof returns the anchoring proof document for a confirmed
// session.
func (v *Vault) SessionProof(sessionID string) ([]byte, error) {
	if err := v.checkStarted(); err != nil {
		return nil, err
	}
	return v.anchors.BuildProof(sessionID)
}

// VerifySessionProof checks an anchoring proof document against the
// session's confirmed transaction and manifest.
func (v *Vault) VerifySessionProof(sessionID string, proof []byte) error {
	if err := v.checkStarted(); err != nil {
		return err
	}
	return v.anchors.VerifyProof(sessionID, proof)
}

// Manifest returns the finished manifest for a session.
func (v *Vault) Manifest(sessionID string) (model.Manifest, error) {
	if err := v.checkStarted(); err != nil {
		return model.Manifest{}, err
	}
	return v.manifests.Get(sessionID)
}

// ListManifests returns finished manifests matching the filter.
func (v *Vault) ListManifests(filter manifest.ListFilter) ([]model.Manifest, error) {
	if err := v.checkStarted(); err != nil {
		return nil, err
	}
	return v.manifests.List(filter), nil
}

// RetrieveChunk fetches a chunk from the replica store, checks its
// ciphertext against the manifest, and returns the decrypted plaintext.
func (v *Vault) RetrieveChunk(ctx context.Context, sessionID, chunkID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := v.checkStarted(); err != nil {
		return nil, err
	}

	m, err := v.manifests.Get(sessionID)
	if err != nil {
		return nil, err
	}

	object, err := v.replicas.Retrieve(ctx, chunkID)
	if err != nil {
		return nil, err
	}

	aead, err := chunker.NewAEAD(v.config.MasterKey, sessionID)
	if err != nil {
		return nil, err
	}
	plain, err := chunker.Open(object, aead)
	if err != nil {
		return nil, err
	}

	c, ok := m.ChunkByID(chunkID)
	if !ok {
		return nil, fmt.Errorf("veilstream: chunk %s not in manifest of session %s", chunkID, sessionID)
	}
	if int64(len(plain)) != c.OriginalSize {
		return nil, fmt.Errorf("veilstream: chunk %s decrypted to %d bytes, manifest records %d", chunkID, len(plain), c.OriginalSize)
	}
	return plain, nil
}

// VerifyChunk checks raw chunk ciphertext against the session manifest.
func (v *Vault) VerifyChunk(sessionID, chunkID string, ciphertext []byte) (bool, error) {
	if err := v.checkStarted(); err != nil {
		return false, err
	}
	m, err := v.manifests.Get(sessionID)
	if err != nil {
		return false, err
	}
	return anchor.VerifyChunk(m, chunkID, ciphertext), nil
}

// ChunkMetadata returns the replica store's record for a chunk.
func (v *Vault) ChunkMetadata(chunkID string) (model.StoredChunkMetadata, error) {
	if err := v.checkStarted(); err != nil {
		return model.StoredChunkMetadata{}, err
	}
	return v.replicas.Metadata(chunkID)
}

// ListChunks returns replica metadata for a session.
func (v *Vault) ListChunks(sessionID string) ([]model.StoredChunkMetadata, error) {
	if err := v.checkStarted(); err != nil {
		return nil, err
	}
	return v.replicas.ListChunks(sessionID, 0, false), nil
}

// RegisterNode adds a storage node to the replica pool.
func (v *Vault) RegisterNode(node model.StorageNode) error {
	if err := v.checkStarted(); err != nil {
		return err
	}
	return v.replicas.RegisterNode(node)
}

// RemoveNode removes a storage node from the replica pool.
func (v *Vault) RemoveNode(nodeID string) error {
	if err := v.checkStarted(); err != nil {
		return err
	}
	return v.replicas.RemoveNode(nodeID)
}

// SetNodeStatus transitions a node's availability state.
func (v *Vault) SetNodeStatus(nodeID string, status model.NodeStatus) error {
	if err := v.checkStarted(); err != nil {
		return err
	}
	return v.replicas.SetNodeStatus(nodeID, status)
}

// Nodes returns all registered storage nodes.
func (v *Vault) Nodes() ([]model.StorageNode, error) {
	if err := v.checkStarted(); err != nil {
		return nil, err
	}
	return v.replicas.Nodes(), nil
}

func (v *Vault) session(sessionID string) (*session, error) {
	v.sessMu.Lock()
	defer v.sessMu.Unlock()

	s, ok := v.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return s, nil
}
