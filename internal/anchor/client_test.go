package anchor

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilstream/veilstream/internal/manifest"
	"github.com/veilstream/veilstream/internal/state"
	"github.com/veilstream/veilstream/pkg/ledger"
	"github.com/veilstream/veilstream/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeLedger is a scripted ledger: receipts appear after a configured
// number of polls, and transactions can be made to vanish.
type fakeLedger struct {
	mu             sync.Mutex
	submits        int
	polls          int
	confirmAfter   int  // polls before a receipt appears
	receiptSuccess bool // receipt status once it appears
	dropped        bool // transaction vanished from the mempool
	submitErr      error
	blockNumber    uint64
}

var _ ledger.Client = (*fakeLedger)(nil)

func (f *fakeLedger) Submit(ctx context.Context, sessionID string, commitment model.Digest, gasBudget uint64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submits++
	return fmt.Sprintf("0xtx%04d", f.submits), nil
}

func (f *fakeLedger) GetReceipt(ctx context.Context, txRef string) (ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.dropped || f.polls <= f.confirmAfter {
		return ledger.Receipt{}, ledger.ErrReceiptNotFound
	}
	return ledger.Receipt{BlockNumber: f.blockNumber, Success: f.receiptSuccess}, nil
}

func (f *fakeLedger) TransactionExists(ctx context.Context, txRef string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.dropped, nil
}

func testChunk(sessionID string, seq int, offset, size int64) model.Chunk {
	return model.Chunk{
		ID:               fmt.Sprintf("%s-%06d", sessionID, seq),
		SessionID:        sessionID,
		SequenceIndex:    seq,
		Offset:           offset,
		OriginalSize:     size,
		CiphertextSize:   size + 40,
		CiphertextDigest: model.Digest(sha256.Sum256([]byte(fmt.Sprintf("%s-%d", sessionID, seq)))),
	}
}

// newTestClient returns a client plus a registry holding one Ready
// manifest for sessionID.
func newTestClient(t *testing.T, sessionID string, lc ledger.Client, cfg model.AnchorConfig) (*Client, *manifest.Registry) {
	t.Helper()

	st, err := state.Open(t.TempDir(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg, err := manifest.NewRegistry(st)
	require.NoError(t, err)

	b := manifest.NewBuilder(sessionID, "alice", time.Now().Add(-time.Minute))
	require.NoError(t, b.Add(testChunk(sessionID, 0, 0, 1024)))
	require.NoError(t, b.Add(testChunk(sessionID, 1, 1024, 2048)))
	m, err := b.Build(time.Now())
	require.NoError(t, err)
	require.NoError(t, reg.Put(m))

	c, err := NewClient(st, reg, lc, cfg, testLogger())
	require.NoError(t, err)
	return c, reg
}

func TestAnchorSubmitsReadyManifest(t *testing.T) {
	lc := &fakeLedger{}
	c, reg := newTestClient(t, "sess-submit", lc, model.AnchorConfig{})

	tx, err := c.Anchor(context.Background(), "sess-submit", 0)
	require.NoError(t, err)

	assert.Equal(t, model.AnchorSubmitted, tx.Status)
	assert.NotEmpty(t, tx.TransactionRef)
	assert.NotEmpty(t, tx.AnchorID)

	m, err := reg.Get("sess-submit")
	require.NoError(t, err)
	assert.Equal(t, model.ManifestAnchored, m.Status)
	assert.Equal(t, m.MerkleRoot, tx.Commitment)
}

func TestAnchorRejectsNonReadyManifest(t *testing.T) {
	lc := &fakeLedger{}
	c, reg := newTestClient(t, "sess-draft", lc, model.AnchorConfig{})
	require.NoError(t, reg.SetStatus("sess-draft", model.ManifestDraft))

	_, err := c.Anchor(context.Background(), "sess-draft", 0)
	assert.ErrorIs(t, err, ErrManifestNotReady)
}

func TestAnchorRejectsSecondLiveTransaction(t *testing.T) {
	lc := &fakeLedger{}
	c, reg := newTestClient(t, "sess-dup", lc, model.AnchorConfig{})

	_, err := c.Anchor(context.Background(), "sess-dup", 0)
	require.NoError(t, err)

	// Even with the manifest forced back to Ready, the live transaction
	// blocks a second submission.
	require.NoError(t, reg.SetStatus("sess-dup", model.ManifestReady))
	_, err = c.Anchor(context.Background(), "sess-dup", 0)
	assert.ErrorIs(t, err, ErrAnchorInFlight)
}

func TestPollConfirmsAfterPendingAttempts(t *testing.T) {
	lc := &fakeLedger{confirmAfter: 2, receiptSuccess: true, blockNumber: 1234}
	c, _ := newTestClient(t, "sess-confirm", lc, model.AnchorConfig{MaxPollAttempts: 20})

	_, err := c.Anchor(context.Background(), "sess-confirm", 0)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		c.Poll(context.Background(), "sess-confirm")
	}

	tx, err := c.Transaction("sess-confirm")
	require.NoError(t, err)
	assert.Equal(t, model.AnchorConfirmed, tx.Status)
	assert.Equal(t, uint64(1234), tx.BlockNumber)
	assert.Equal(t, 3, tx.RetryCount)
	assert.False(t, tx.ConfirmedAt.IsZero())
}

func TestPollDroppedTransactionFails(t *testing.T) {
	lc := &fakeLedger{}
	c, _ := newTestClient(t, "sess-drop", lc, model.AnchorConfig{MaxPollAttempts: 20})

	_, err := c.Anchor(context.Background(), "sess-drop", 0)
	require.NoError(t, err)

	lc.mu.Lock()
	lc.dropped = true
	lc.mu.Unlock()

	c.Poll(context.Background(), "sess-drop")

	tx, err := c.Transaction("sess-drop")
	require.NoError(t, err)
	assert.Equal(t, model.AnchorFailed, tx.Status)
	assert.Equal(t, "transaction dropped from mempool", tx.ErrorMessage)
}

func TestPollBudgetExhaustedExpires(t *testing.T) {
	lc := &fakeLedger{confirmAfter: 100}
	c, _ := newTestClient(t, "sess-expire", lc, model.AnchorConfig{MaxPollAttempts: 3})

	_, err := c.Anchor(context.Background(), "sess-expire", 0)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		c.Poll(context.Background(), "sess-expire")
	}

	tx, err := c.Transaction("sess-expire")
	require.NoError(t, err)
	assert.Equal(t, model.AnchorExpired, tx.Status)
	assert.Equal(t, "transaction timeout", tx.ErrorMessage)
}

func TestPollRevertedTransactionFails(t *testing.T) {
	lc := &fakeLedger{confirmAfter: 0, receiptSuccess: false}
	c, _ := newTestClient(t, "sess-revert", lc, model.AnchorConfig{MaxPollAttempts: 20})

	_, err := c.Anchor(context.Background(), "sess-revert", 0)
	require.NoError(t, err)

	c.Poll(context.Background(), "sess-revert")

	tx, err := c.Transaction("sess-revert")
	require.NoError(t, err)
	assert.Equal(t, model.AnchorFailed, tx.Status)
}

func TestReanchorAfterFailure(t *testing.T) {
	lc := &fakeLedger{confirmAfter: 100}
	c, reg := newTestClient(t, "sess-retry", lc, model.AnchorConfig{MaxPollAttempts: 1})

	_, err := c.Anchor(context.Background(), "sess-retry", 0)
	require.NoError(t, err)
	c.Poll(context.Background(), "sess-retry") // expires after one attempt

	tx, err := c.Transaction("sess-retry")
	require.NoError(t, err)
	require.Equal(t, model.AnchorExpired, tx.Status)

	require.NoError(t, reg.SetStatus("sess-retry", model.ManifestReady))
	tx2, err := c.Anchor(context.Background(), "sess-retry", 0)
	require.NoError(t, err)
	assert.Equal(t, model.AnchorSubmitted, tx2.Status)
	assert.NotEqual(t, tx.AnchorID, tx2.AnchorID)
}

func confirmSession(t *testing.T, c *Client, sessionID string) model.AnchorTransaction {
	t.Helper()
	_, err := c.Anchor(context.Background(), sessionID, 0)
	require.NoError(t, err)
	c.Poll(context.Background(), sessionID)

	tx, err := c.Transaction(sessionID)
	require.NoError(t, err)
	require.Equal(t, model.AnchorConfirmed, tx.Status)
	return tx
}

func TestProofRoundTrip(t *testing.T) {
	lc := &fakeLedger{receiptSuccess: true, blockNumber: 99}
	c, reg := newTestClient(t, "sess-proof", lc, model.AnchorConfig{MaxPollAttempts: 20})
	confirmSession(t, c, "sess-proof")

	proof, err := c.BuildProof("sess-proof")
	require.NoError(t, err)

	require.NoError(t, c.VerifyProof("sess-proof", proof))

	m, err := reg.Get("sess-proof")
	require.NoError(t, err)
	assert.Equal(t, model.ManifestVerified, m.Status)
}

func TestVerifyProofMismatches(t *testing.T) {
	lc := &fakeLedger{receiptSuccess: true, blockNumber: 7}
	c, _ := newTestClient(t, "sess-mismatch", lc, model.AnchorConfig{MaxPollAttempts: 20})
	tx := confirmSession(t, c, "sess-mismatch")

	cases := []struct {
		name  string
		field string
		doc   anchorProof
	}{
		{
			name:  "wrong root",
			field: "merkleRoot",
			doc: anchorProof{
				MerkleRoot:     model.Digest(sha256.Sum256([]byte("bogus"))).String(),
				TransactionRef: tx.TransactionRef,
				BlockNumber:    tx.BlockNumber,
			},
		},
		{
			name:  "wrong tx ref",
			field: "transactionRef",
			doc: anchorProof{
				MerkleRoot:     tx.Commitment.String(),
				TransactionRef: "0xdeadbeef",
				BlockNumber:    tx.BlockNumber,
			},
		},
		{
			name:  "wrong block",
			field: "blockNumber",
			doc: anchorProof{
				MerkleRoot:     tx.Commitment.String(),
				TransactionRef: tx.TransactionRef,
				BlockNumber:    tx.BlockNumber + 1,
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := json.Marshal(tc.doc)
			require.NoError(t, err)

			err = c.VerifyProof("sess-mismatch", raw)
			var mismatch *ProofMismatchError
			require.ErrorAs(t, err, &mismatch)
			assert.Equal(t, tc.field, mismatch.Field)
		})
	}
}

func TestVerifyProofRequiresConfirmedTransaction(t *testing.T) {
	lc := &fakeLedger{confirmAfter: 100}
	c, _ := newTestClient(t, "sess-early", lc, model.AnchorConfig{MaxPollAttempts: 20})

	_, err := c.Anchor(context.Background(), "sess-early", 0)
	require.NoError(t, err)

	_, err = c.BuildProof("sess-early")
	assert.Error(t, err)

	err = c.VerifyProof("sess-early", []byte(`{"merkleRoot":"","transactionRef":"","blockNumber":0}`))
	assert.Error(t, err)
}

func TestTransactionsSurviveReload(t *testing.T) {
	st, err := state.Open(t.TempDir(), testLogger())
	require.NoError(t, err)
	defer st.Close()

	reg, err := manifest.NewRegistry(st)
	require.NoError(t, err)
	b := manifest.NewBuilder("sess-reload", "alice", time.Now())
	require.NoError(t, b.Add(testChunk("sess-reload", 0, 0, 1024)))
	m, err := b.Build(time.Now())
	require.NoError(t, err)
	require.NoError(t, reg.Put(m))

	lc := &fakeLedger{}
	c1, err := NewClient(st, reg, lc, model.AnchorConfig{}, testLogger())
	require.NoError(t, err)
	_, err = c1.Anchor(context.Background(), "sess-reload", 0)
	require.NoError(t, err)

	c2, err := NewClient(st, reg, lc, model.AnchorConfig{}, testLogger())
	require.NoError(t, err)
	tx, err := c2.Transaction("sess-reload")
	require.NoError(t, err)
	assert.Equal(t, model.AnchorSubmitted, tx.Status)
	assert.NotEmpty(t, tx.TransactionRef)
}

func TestVerifyChunkIntegrity(t *testing.T) {
	ciphertext := []byte("ciphertext bytes of chunk zero")
	c := model.Chunk{
		ID:               "sess-chk-000000",
		SessionID:        "sess-chk",
		CiphertextSize:   int64(len(ciphertext)),
		CiphertextDigest: model.Digest(sha256.Sum256(ciphertext)),
		OriginalSize:     1024,
	}
	m := model.Manifest{SessionID: "sess-chk", Chunks: []model.Chunk{c}}

	assert.True(t, VerifyChunk(m, "sess-chk-000000", ciphertext))

	tampered := append([]byte(nil), ciphertext...)
	tampered[3] ^= 0xff
	assert.False(t, VerifyChunk(m, "sess-chk-000000", tampered))

	assert.False(t, VerifyChunk(m, "sess-chk-000000", ciphertext[:10]))
	assert.False(t, VerifyChunk(m, "unknown", ciphertext))
}
