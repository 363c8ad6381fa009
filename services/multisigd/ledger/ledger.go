package ledger

import (
	"context"
	"errors"
)

var (
	// ErrRejected marks a submission the ledger definitively refused.
	ErrRejected = errors.New("ledger rejected transaction")
	// ErrAccountNotFound is returned when the ledger has no such account.
	ErrAccountNotFound = errors.New("account not found")
)

// RoundReader reports the ledger's current round (epoch).
type RoundReader interface {
	CurrentRound(ctx context.Context) (uint64, error)
}

// PolicyReader reads an account's live authorization policy.
type PolicyReader interface {
	ReadPolicy(ctx context.Context, account string) (*Policy, error)
}

// Submitter sends notarized transactions and reports their status.
type Submitter interface {
	Submit(ctx context.Context, payload []byte) (SubmitResult, error)
	PollStatus(ctx context.Context, txID string) (TxStatus, error)
}

// Previewer dry-runs a transaction without committing it.
type Previewer interface {
	Preview(ctx context.Context, payload []byte) error
}

// Gateway is the full ledger surface used by the service.
type Gateway interface {
	RoundReader
	PolicyReader
	Submitter
	Previewer
}

// SubmitResult is the ledger's answer to a send.
type SubmitResult struct {
	Duplicate bool
}

// TxState is the ledger's view of a submitted transaction.
type TxState string

const (
	TxPending   TxState = "Pending"
	TxCommitted TxState = "CommittedSuccess"
	TxFailed    TxState = "CommittedFailure"
	TxRejected  TxState = "Rejected"
	TxUnknown   TxState = "Unknown"
)

// Final reports whether the state will not change again.
func (s TxState) Final() bool {
	return s == TxCommitted || s == TxFailed || s == TxRejected
}

// TxStatus is the result of PollStatus.
type TxStatus struct {
	State        TxState
	ErrorMessage string
}
