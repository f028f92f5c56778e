// Package anchor submits manifest Merkle commitments to an external
// ledger, tracks each transaction to confirmation or a terminal failure,
// and verifies anchoring proofs against the confirmed record.
package anchor

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veilstream/veilstream/internal/manifest"
	"github.com/veilstream/veilstream/internal/state"
	"github.com/veilstream/veilstream/pkg/ledger"
	"github.com/veilstream/veilstream/pkg/model"
)

// ErrAnchorNotFound is returned when a session has no anchor transaction.
var ErrAnchorNotFound = errors.New("anchor: no transaction for session")

// ErrAnchorInFlight is returned when a session already has a live
// (Pending or Submitted) transaction.
var ErrAnchorInFlight = errors.New("anchor: transaction already in flight")

// ErrManifestNotReady is returned when anchoring is requested for a
// session whose manifest is not in Ready state.
var ErrManifestNotReady = errors.New("anchor: manifest is not ready")

// ProofMismatchError reports which proof field disagreed with the
// confirmed anchor record.
type ProofMismatchError struct {
	SessionID string
	Field     string
}

func (e *ProofMismatchError) Error() string {
	return fmt.Sprintf("anchor: proof for session %s does not match confirmed record: %s", e.SessionID, e.Field)
}

// Client owns the anchor transaction table and the confirmation poll
// loop. Submitted transactions reload from the state store on startup so
// polling resumes where it stopped.
type Client struct {
	cfg       model.AnchorConfig
	ledger    ledger.Client
	state     *state.Store
	manifests *manifest.Registry
	log       *slog.Logger

	mu  sync.Mutex
	txs map[string]*model.AnchorTransaction

	bg       sync.WaitGroup
	stopPoll context.CancelFunc
}

// NewClient creates the anchor client and reloads persisted transactions.
func NewClient(st *state.Store, manifests *manifest.Registry, lc ledger.Client, cfg model.AnchorConfig, logger *slog.Logger) (*Client, error) {
	def := model.DefaultAnchorConfig()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxPollAttempts == 0 {
		cfg.MaxPollAttempts = def.MaxPollAttempts
	}
	if cfg.GasBudget == 0 {
		cfg.GasBudget = def.GasBudget
	}

	c := &Client{
		cfg:       cfg,
		ledger:    lc,
		state:     st,
		manifests: manifests,
		log:       logger,
		txs:       make(map[string]*model.AnchorTransaction),
	}

	err := st.Scan(state.PrefixAnchorTx, func(key string, raw []byte) error {
		var tx model.AnchorTransaction
		if err := state.Decode(raw, &tx); err != nil {
			return nil // skip corrupted records
		}
		c.txs[tx.SessionID] = &tx
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("anchor: load transactions: %w", err)
	}
	return c, nil
}

// Anchor submits the session's manifest commitment to the ledger. The
// manifest must be Ready, and only one live transaction may exist per
// session; a session whose previous attempt failed or expired may be
// re-anchored. On acceptance the manifest optimistically moves to
// Anchored while the poll loop drives the transaction to its fate.
func (c *Client) Anchor(ctx context.Context, sessionID string, gasBudget uint64) (model.AnchorTransaction, error) {
	m, err := c.manifests.Get(sessionID)
	if err != nil {
		return model.AnchorTransaction{}, err
	}
	if m.Status != model.ManifestReady {
		return model.AnchorTransaction{}, fmt.Errorf("%w: session %s is %s", ErrManifestNotReady, sessionID, m.Status)
	}
	if gasBudget == 0 {
		gasBudget = c.cfg.GasBudget
	}

	c.mu.Lock()
	if prev, ok := c.txs[sessionID]; ok {
		if prev.Status == model.AnchorPending || prev.Status == model.AnchorSubmitted {
			c.mu.Unlock()
			return model.AnchorTransaction{}, fmt.Errorf("%w: session %s, transaction %s", ErrAnchorInFlight, sessionID, prev.AnchorID)
		}
	}
	tx := &model.AnchorTransaction{
		AnchorID:   uuid.NewString(),
		SessionID:  sessionID,
		Commitment: m.MerkleRoot,
		Status:     model.AnchorPending,
		CreatedAt:  time.Now().UTC(),
	}
	c.txs[sessionID] = tx
	c.mu.Unlock()

	txRef, err := c.ledger.Submit(ctx, sessionID, m.MerkleRoot, gasBudget)
	if err != nil {
		c.transition(sessionID, func(tx *model.AnchorTransaction) {
			tx.Status = model.AnchorFailed
			tx.ErrorMessage = err.Error()
		})
		return c.get(sessionID), fmt.Errorf("anchor: submit session %s: %w", sessionID, err)
	}

	c.transition(sessionID, func(tx *model.AnchorTransaction) {
		tx.TransactionRef = txRef
		tx.Status = model.AnchorSubmitted
		tx.SubmittedAt = time.Now().UTC()
	})

	if err := c.manifests.SetStatus(sessionID, model.ManifestAnchored); err != nil {
		c.log.Warn("manifest status update failed", "session", sessionID, "error", err)
	}
	c.log.Info("commitment submitted", "session", sessionID, "tx", txRef)
	return c.get(sessionID), nil
}

// Transaction returns the current anchor record for a session.
func (c *Client) Transaction(sessionID string) (model.AnchorTransaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, ok := c.txs[sessionID]
	if !ok {
		return model.AnchorTransaction{}, ErrAnchorNotFound
	}
	return *tx, nil
}

// Run starts the confirmation poll loop. Every poll interval it checks
// each Submitted transaction against the ledger and applies exactly one
// transition when its fate is known.
func (c *Client) Run(ctx context.Context) {
	pollCtx, cancel := context.WithCancel(ctx)
	c.stopPoll = cancel

	c.bg.Add(1)
	go func() {
		defer c.bg.Done()

		ticker := time.NewTicker(c.cfg.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
				c.pollAll(pollCtx)
			}
		}
	}()
}

// Close stops the poll loop and waits for it to exit.
func (c *Client) Close() {
	if c.stopPoll != nil {
		c.stopPoll()
	}
	c.bg.Wait()
}

func (c *Client) pollAll(ctx context.Context) {
	c.mu.Lock()
	pending := make([]string, 0, len(c.txs))
	for sessionID, tx := range c.txs {
		if tx.Status == model.AnchorSubmitted {
			pending = append(pending, sessionID)
		}
	}
	c.mu.Unlock()

	for _, sessionID := range pending {
		if ctx.Err() != nil {
			return
		}
		c.Poll(ctx, sessionID)
	}
}

// Poll performs one receipt check for the session's Submitted
// transaction. A receipt confirms it; a transaction the ledger no longer
// knows was dropped and fails; exhausting the attempt budget expires it.
// Transient RPC errors consume an attempt but apply no transition.
func (c *Client) Poll(ctx context.Context, sessionID string) {
	c.mu.Lock()
	tx, ok := c.txs[sessionID]
	if !ok || tx.Status != model.AnchorSubmitted {
		c.mu.Unlock()
		return
	}
	txRef := tx.TransactionRef
	attempts := tx.RetryCount + 1
	c.mu.Unlock()

	c.transition(sessionID, func(tx *model.AnchorTransaction) {
		tx.RetryCount = attempts
	})

	receipt, err := c.ledger.GetReceipt(ctx, txRef)
	switch {
	case err == nil:
		if receipt.Success {
			c.transition(sessionID, func(tx *model.AnchorTransaction) {
				tx.Status = model.AnchorConfirmed
				tx.BlockNumber = receipt.BlockNumber
				tx.ConfirmedAt = time.Now().UTC()
			})
			c.log.Info("commitment confirmed", "session", sessionID, "tx", txRef, "block", receipt.BlockNumber)
		} else {
			c.transition(sessionID, func(tx *model.AnchorTransaction) {
				tx.Status = model.AnchorFailed
				tx.ErrorMessage = "transaction reverted"
			})
			c.log.Warn("commitment reverted", "session", sessionID, "tx", txRef)
		}
		return

	case errors.Is(err, ledger.ErrReceiptNotFound):
		exists, existsErr := c.ledger.TransactionExists(ctx, txRef)
		if existsErr == nil && !exists {
			c.transition(sessionID, func(tx *model.AnchorTransaction) {
				tx.Status = model.AnchorFailed
				tx.ErrorMessage = "transaction dropped from mempool"
			})
			c.log.Warn("commitment dropped", "session", sessionID, "tx", txRef)
			return
		}

	default:
		c.log.Warn("receipt poll failed", "session", sessionID, "tx", txRef, "error", err)
	}

	if attempts >= c.cfg.MaxPollAttempts {
		c.transition(sessionID, func(tx *model.AnchorTransaction) {
			tx.Status = model.AnchorExpired
			tx.ErrorMessage = "transaction timeout"
		})
		c.log.Warn("commitment expired", "session", sessionID, "tx", txRef, "attempts", attempts)
	}
}

// anchorProof is the wire form of an anchoring proof document.
type anchorProof struct {
	MerkleRoot     string `json:"merkleRoot"`
	TransactionRef string `json:"transactionRef"`
	BlockNumber    uint64 `json:"blockNumber"`
}

// VerifyProof checks a proof document against the session's confirmed
// anchor transaction and manifest. All three fields must match; on
// success the manifest transitions to Verified.
func (c *Client) VerifyProof(sessionID string, proof []byte) error {
	var p anchorProof
	if err := json.Unmarshal(proof, &p); err != nil {
		return fmt.Errorf("anchor: decode proof: %w", err)
	}

	tx, err := c.Transaction(sessionID)
	if err != nil {
		return err
	}
	if tx.Status != model.AnchorConfirmed {
		return fmt.Errorf("anchor: session %s transaction is %s, not Confirmed", sessionID, tx.Status)
	}
	m, err := c.manifests.Get(sessionID)
	if err != nil {
		return err
	}

	root, err := model.ParseDigest(p.MerkleRoot)
	if err != nil {
		return fmt.Errorf("anchor: decode proof merkle root: %w", err)
	}
	if root != m.MerkleRoot || root != tx.Commitment {
		return &ProofMismatchError{SessionID: sessionID, Field: "merkleRoot"}
	}
	if p.TransactionRef != tx.TransactionRef {
		return &ProofMismatchError{SessionID: sessionID, Field: "transactionRef"}
	}
	if p.BlockNumber != tx.BlockNumber {
		return &ProofMismatchError{SessionID: sessionID, Field: "blockNumber"}
	}

	if err := c.manifests.SetStatus(sessionID, model.ManifestVerified); err != nil {
		return err
	}
	c.log.Info("anchoring proof verified", "session", sessionID, "block", tx.BlockNumber)
	return nil
}

// BuildProof produces the proof document for a confirmed session, the
// counterpart to VerifyProof.
func (c *Client) BuildProof(sessionID string) ([]byte, error) {
	tx, err := c.Transaction(sessionID)
	if err != nil {
		return nil, err
	}
	if tx.Status != model.AnchorConfirmed {
		return nil, fmt.Errorf("anchor: session %s transaction is %s, not Confirmed", sessionID, tx.Status)
	}
	return json.Marshal(anchorProof{
		MerkleRoot:     tx.Commitment.String(),
		TransactionRef: tx.TransactionRef,
		BlockNumber:    tx.BlockNumber,
	})
}

// VerifyChunk checks raw chunk ciphertext against the digest and size
// recorded in the manifest.
func VerifyChunk(m model.Manifest, chunkID string, ciphertext []byte) bool {
	c, ok := m.ChunkByID(chunkID)
	if !ok {
		return false
	}
	if int64(len(ciphertext)) != c.CiphertextSize {
		return false
	}
	return model.Digest(sha256.Sum256(ciphertext)) == c.CiphertextDigest
}

// get returns the session's record without the not-found distinction;
// callers already hold a reference.
func (c *Client) get(sessionID string) model.AnchorTransaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tx, ok := c.txs[sessionID]; ok {
		return *tx
	}
	return model.AnchorTransaction{}
}

// transition applies a mutation to the session's record under the lock
// and persists the result.
func (c *Client) transition(sessionID string, mutate func(*model.AnchorTransaction)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, ok := c.txs[sessionID]
	if !ok {
		return
	}
	mutate(tx)
	if err := c.state.Put(state.PrefixAnchorTx+sessionID, *tx); err != nil {
		c.log.Warn("persist anchor transaction failed", "session", sessionID, "error", err)
	}
}
