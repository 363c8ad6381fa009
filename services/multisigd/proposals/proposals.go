package proposals

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"multisigd/crypto"
	"multisigd/services/multisigd/composer"
	"multisigd/services/multisigd/ledger"
	"multisigd/services/multisigd/models"
	"multisigd/services/multisigd/store"
)

var (
	// ErrInvalidExpiry is returned for expiry windows outside the allowed range.
	ErrInvalidExpiry = errors.New("invalid expiry")
	// ErrLedgerUnavailable wraps gateway failures while reading round or policy.
	ErrLedgerUnavailable = errors.New("ledger unavailable")
)

// Defaults for the expiry window, in rounds.
const (
	DefaultExpiryRounds = 100
	DefaultMaxExpiry    = 10_000
)

// Ledger is the read side of the gateway used when proposals are created.
type Ledger interface {
	ledger.RoundReader
	ledger.PolicyReader
}

// Coordinator creates proposals for the multisig account and serves the
// read models the API exposes.
type Coordinator struct {
	store     *store.Store
	composer  *composer.Composer
	ledger    Ledger
	account   string
	maxExpiry uint64
	logger    *slog.Logger
}

// Config wires a Coordinator.
type Config struct {
	Store     *store.Store
	Composer  *composer.Composer
	Ledger    Ledger
	Account   string
	MaxExpiry uint64
	Logger    *slog.Logger
}

// New constructs a Coordinator.
func New(cfg Config) *Coordinator {
	maxExpiry := cfg.MaxExpiry
	if maxExpiry == 0 {
		maxExpiry = DefaultMaxExpiry
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:     cfg.Store,
		composer:  cfg.Composer,
		ledger:    cfg.Ledger,
		account:   strings.TrimSpace(cfg.Account),
		maxExpiry: maxExpiry,
		logger:    logger.With("component", "proposals"),
	}
}

// Account returns the multisig account proposals are created for.
func (c *Coordinator) Account() string {
	return c.account
}

// Create opens a proposal valid from the current round for expiryRounds
// rounds. The manifest may only require authorization from the multisig
// account. The unsigned sub-action is built and stored with the proposal.
func (c *Coordinator) Create(ctx context.Context, actionText string, expiryRounds uint64) (*models.Proposal, error) {
	if expiryRounds == 0 {
		expiryRounds = DefaultExpiryRounds
	}
	if expiryRounds > c.maxExpiry {
		return nil, fmt.Errorf("%w: %d rounds exceeds maximum of %d", ErrInvalidExpiry, expiryRounds, c.maxExpiry)
	}
	round, err := c.ledger.CurrentRound(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: read current round: %w", ErrLedgerUnavailable, err)
	}
	policy, err := c.Policy(ctx)
	if err != nil {
		return nil, err
	}
	window := composer.Window{Min: round, Max: round + expiryRounds}
	unsigned, err := c.composer.BuildUnsigned(actionText, c.account, window)
	if err != nil {
		return nil, err
	}
	proposal, err := c.store.Create(ctx, store.NewProposal{
		ActionText:    actionText,
		TargetAccount: c.account,
		RoundMin:      window.Min,
		RoundMax:      window.Max,
		Threshold:     policy.Threshold,
		Artifact: &store.Artifact{
			ActionHash:    unsigned.Hash.Hex(),
			Discriminator: unsigned.DiscriminatorHex(),
			Unsigned:      unsigned.Bytes,
		},
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("proposal created",
		"proposal_id", proposal.ID,
		"action_hash", proposal.ActionHash,
		"round_min", proposal.RoundMin,
		"round_max", proposal.RoundMax,
		"threshold", policy.Threshold)
	return proposal, nil
}

// Get returns one proposal.
func (c *Coordinator) Get(ctx context.Context, id uuid.UUID) (*models.Proposal, error) {
	return c.store.Get(ctx, id)
}

// List returns proposals, optionally only those in status.
func (c *Coordinator) List(ctx context.Context, status models.ProposalStatus) ([]models.Proposal, error) {
	if status == "" {
		return c.store.List(ctx)
	}
	return c.store.List(ctx, status)
}

// Attempts returns the submission history of a proposal.
func (c *Coordinator) Attempts(ctx context.Context, id uuid.UUID) ([]models.SubmissionAttempt, error) {
	if _, err := c.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return c.store.Attempts(ctx, id)
}

// Policy reads the multisig account's live authorization policy.
func (c *Coordinator) Policy(ctx context.Context) (*ledger.Policy, error) {
	policy, err := c.ledger.ReadPolicy(ctx, c.account)
	if err != nil {
		return nil, fmt.Errorf("%w: read policy: %w", ErrLedgerUnavailable, err)
	}
	return policy, nil
}

// Unsigned is what a wallet needs to sign a proposal.
type Unsigned struct {
	ProposalID    uuid.UUID `json:"proposal_id"`
	ActionHash    string    `json:"action_hash"`
	SubActionID   string    `json:"subintent_hash"`
	UnsignedHex   string    `json:"unsigned_subintent_hex"`
	Discriminator string    `json:"intent_discriminator"`
	RoundMin      uint64    `json:"round_min"`
	RoundMax      uint64    `json:"round_max"`
}

// Unsigned returns the stored unsigned sub-action of a proposal.
func (c *Coordinator) Unsigned(ctx context.Context, id uuid.UUID) (*Unsigned, error) {
	proposal, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !proposal.Composed() {
		return nil, composer.ErrNotComposed
	}
	hash, err := composer.ParseHash(proposal.ActionHash)
	if err != nil {
		return nil, err
	}
	display, err := crypto.EncodeHash(c.composer.Network().SubActionHRP(), hash[:])
	if err != nil {
		return nil, err
	}
	return &Unsigned{
		ProposalID:    proposal.ID,
		ActionHash:    proposal.ActionHash,
		SubActionID:   display,
		UnsignedHex:   hex.EncodeToString(proposal.UnsignedAction),
		Discriminator: proposal.Discriminator,
		RoundMin:      proposal.RoundMin,
		RoundMax:      proposal.RoundMax,
	}, nil
}
