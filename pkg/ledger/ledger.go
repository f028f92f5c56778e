// Package ledger defines the external ledger boundary used by the anchor
// client. The real JSON-RPC implementation lives in internal/ledgerrpc; a
// scripted fake lives in the anchor client's tests.
package ledger

import (
	"context"
	"errors"

	"github.com/veilstream/veilstream/pkg/model"
)

// ErrReceiptNotFound is returned by GetReceipt while the transaction has
// not been included in a block yet.
var ErrReceiptNotFound = errors.New("ledger: receipt not found")

// Receipt is the ledger's record of an included transaction.
type Receipt struct {
	// BlockNumber is the block the transaction was included in.
	BlockNumber uint64

	// Success reports whether the transaction executed successfully.
	Success bool
}

// Client submits manifest commitments and reports their fate. Any RPC
// failure is retryable from the anchor client's point of view; the anchor
// client owns the attempt budget.
type Client interface {
	// Submit sends the commitment for sessionID to the ledger and returns
	// the transaction reference on acceptance.
	Submit(ctx context.Context, sessionID string, commitment model.Digest, gasBudget uint64) (string, error)

	// GetReceipt returns the receipt for txRef, or ErrReceiptNotFound while
	// the transaction is pending.
	GetReceipt(ctx context.Context, txRef string) (Receipt, error)

	// TransactionExists reports whether the ledger still knows txRef. A
	// previously submitted transaction that disappears was dropped.
	TransactionExists(ctx context.Context, txRef string) (bool, error)
}
