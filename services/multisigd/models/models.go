package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ProposalStatus represents a state in the proposal lifecycle.
type ProposalStatus string

// All lifecycle states.
const (
	StatusCreated    ProposalStatus = "CREATED"
	StatusSigning    ProposalStatus = "SIGNING"
	StatusReady      ProposalStatus = "READY"
	StatusSubmitting ProposalStatus = "SUBMITTING"
	StatusCommitted  ProposalStatus = "COMMITTED"
	StatusFailed     ProposalStatus = "FAILED"
	StatusExpired    ProposalStatus = "EXPIRED"
	StatusInvalid    ProposalStatus = "INVALID"
)

// Terminal reports whether no further transition is expected from s.
func (s ProposalStatus) Terminal() bool {
	switch s {
	case StatusCommitted, StatusFailed, StatusExpired, StatusInvalid:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s ProposalStatus) Valid() bool {
	switch s {
	case StatusCreated, StatusSigning, StatusReady, StatusSubmitting,
		StatusCommitted, StatusFailed, StatusExpired, StatusInvalid:
		return true
	}
	return false
}

// Proposal is a pending multisig action and its lifecycle state. The round
// window is half-open: the action is valid while round_min <= round < round_max.
type Proposal struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ActionText    string    `gorm:"type:text;not null" json:"manifest"`
	TargetAccount string    `gorm:"size:128;not null" json:"target_account"`
	RoundMin      uint64    `gorm:"not null" json:"round_min"`
	RoundMax      uint64    `gorm:"not null" json:"round_max"`
	// Threshold is the account's threshold when the proposal was created.
	Threshold      int            `gorm:"not null;default:0" json:"threshold_at_creation"`
	Status         ProposalStatus `gorm:"size:16;not null;index" json:"status"`
	ActionHash     string         `gorm:"size:64" json:"action_hash,omitempty"`
	Discriminator  string         `gorm:"size:16" json:"discriminator,omitempty"`
	UnsignedAction []byte         `json:"-"`
	TxID           string         `gorm:"size:128" json:"tx_id,omitempty"`
	Reason         string         `gorm:"type:text" json:"reason,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Composed reports whether the unsigned sub-action has been attached.
func (p *Proposal) Composed() bool {
	return p.ActionHash != ""
}

// Signature is one signer's approval of a proposal's action hash.
type Signature struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	ProposalID     uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_signatures_proposal_signer,priority:1" json:"proposal_id"`
	KeyHash        string     `gorm:"size:58;not null;uniqueIndex:idx_signatures_proposal_signer,priority:2" json:"key_hash"`
	KeyType        string     `gorm:"size:16;not null" json:"key_type"`
	PublicKey      string     `gorm:"size:130;not null" json:"public_key"`
	Signature      []byte     `gorm:"not null" json:"-"`
	SignedArtifact []byte     `gorm:"not null" json:"-"`
	IsValid        bool       `gorm:"not null;default:true" json:"is_valid"`
	InvalidatedAt  *time.Time `json:"invalidated_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// AttemptOutcome records what the ledger said about one submission attempt.
type AttemptOutcome string

// Accepted rows are pending on ledger. Unknown rows come from sends that
// produced no answer and must be resolved by polling.
const (
	OutcomeAccepted  AttemptOutcome = "ACCEPTED"
	OutcomeRejected  AttemptOutcome = "REJECTED"
	OutcomeUnknown   AttemptOutcome = "UNKNOWN"
	OutcomeCommitted AttemptOutcome = "COMMITTED"
	OutcomeFailed    AttemptOutcome = "FAILED"
)

// SubmissionAttempt is an append-only record of one send or one resolved
// status. The newest row for a proposal is its visible outcome.
type SubmissionAttempt struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ProposalID uuid.UUID      `gorm:"type:uuid;not null;index" json:"proposal_id"`
	Sequence   int            `gorm:"not null" json:"sequence"`
	TxID       string         `gorm:"size:128;not null;index" json:"tx_id"`
	FeePayer   string         `gorm:"size:128" json:"fee_payer"`
	Outcome    AttemptOutcome `gorm:"size:16;not null" json:"outcome"`
	Detail     string         `gorm:"type:text" json:"detail,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// IdempotencyKey stores request idempotency metadata.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Proposal{},
		&Signature{},
		&SubmissionAttempt{},
		&IdempotencyKey{},
	)
}
