package model

import "time"

// AnchorStatus represents the state of a ledger anchoring transaction.
type AnchorStatus uint8

const (
	// AnchorPending indicates the transaction was created but not submitted.
	AnchorPending AnchorStatus = iota
	// AnchorSubmitted indicates the ledger accepted the transaction and
	// returned a reference.
	AnchorSubmitted
	// AnchorConfirmed indicates a receipt with a block number was observed.
	AnchorConfirmed
	// AnchorFailed indicates the transaction was dropped or rejected.
	AnchorFailed
	// AnchorExpired indicates the poll budget ran out without a receipt.
	AnchorExpired
)

// String returns a human-readable representation of the anchor status.
func (s AnchorStatus) String() string {
	switch s {
	case AnchorPending:
		return "Pending"
	case AnchorSubmitted:
		return "Submitted"
	case AnchorConfirmed:
		return "Confirmed"
	case AnchorFailed:
		return "Failed"
	case AnchorExpired:
		return "Expired"
	default:
		return "Unknown"
	}
}

// AnchorTransaction tracks one manifest commitment submitted to the
// external ledger. At most one live transaction exists per session.
// The record is persisted so confirmation polling survives restarts.
type AnchorTransaction struct {
	// AnchorID uniquely identifies this anchoring attempt.
	AnchorID string

	// SessionID is the session whose manifest is being anchored.
	SessionID string

	// Commitment is the manifest's Merkle root as submitted.
	Commitment Digest

	// TransactionRef is the external ledger handle. Empty until submitted.
	TransactionRef string

	// BlockNumber is set once the transaction is confirmed.
	BlockNumber uint64

	// Status is the current state machine position.
	Status AnchorStatus

	// RetryCount counts receipt poll attempts while Submitted.
	RetryCount int

	// ErrorMessage records the terminal failure reason, if any.
	ErrorMessage string

	CreatedAt   time.Time
	SubmittedAt time.Time
	ConfirmedAt time.Time
}
