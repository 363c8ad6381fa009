package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"multisigd/observability"
	"multisigd/services/multisigd/models"
)

var (
	ErrNotFound          = errors.New("proposal not found")
	ErrInvalidWindow     = errors.New("invalid round window")
	ErrStaleTransition   = errors.New("stale transition")
	ErrIllegalTransition = errors.New("illegal transition")
	ErrAlreadyComposed   = errors.New("proposal already composed")
	ErrDuplicateSigner   = errors.New("signer already signed this proposal")
	ErrNotTerminal       = errors.New("status is not terminal")
)

// Store owns every persisted proposal, signature and submission attempt row.
// Status changes are compare-and-swap updates so concurrent writers lose
// cleanly instead of overwriting each other.
type Store struct {
	db          *gorm.DB
	now         func() time.Time
	transitions map[models.ProposalStatus][]models.ProposalStatus
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithInvalidRecovery makes INVALID non-terminal: a new valid signature moves
// the proposal back to SIGNING, and the window can still expire it.
func WithInvalidRecovery() Option {
	return func(s *Store) {
		for from, to := range recoveryTransitions {
			s.transitions[from] = append(s.transitions[from], to...)
		}
	}
}

// New builds a Store over an already migrated database.
func New(db *gorm.DB, opts ...Option) *Store {
	s := &Store{
		db:          db,
		now:         time.Now,
		transitions: copyTransitions(defaultTransitions),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB exposes the underlying handle for middleware that shares the database.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Artifact is the composed, unsigned sub-action of a proposal.
type Artifact struct {
	ActionHash    string
	Discriminator string
	Unsigned      []byte
}

// NewProposal carries the inputs of Create.
type NewProposal struct {
	ActionText    string
	TargetAccount string
	RoundMin      uint64
	RoundMax      uint64
	Threshold     int
	Artifact      *Artifact
}

// Create persists a proposal in CREATED. The artifact may be attached in the
// same write or later through AttachComposedArtifact.
func (s *Store) Create(ctx context.Context, in NewProposal) (*models.Proposal, error) {
	if in.RoundMin >= in.RoundMax {
		return nil, fmt.Errorf("%w: round_min %d must be below round_max %d", ErrInvalidWindow, in.RoundMin, in.RoundMax)
	}
	if strings.TrimSpace(in.ActionText) == "" {
		return nil, errors.New("action text is required")
	}
	if strings.TrimSpace(in.TargetAccount) == "" {
		return nil, errors.New("target account is required")
	}
	now := s.now().UTC()
	proposal := &models.Proposal{
		ID:            uuid.New(),
		ActionText:    in.ActionText,
		TargetAccount: in.TargetAccount,
		RoundMin:      in.RoundMin,
		RoundMax:      in.RoundMax,
		Threshold:     in.Threshold,
		Status:        models.StatusCreated,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if in.Artifact != nil {
		if in.Artifact.ActionHash == "" {
			return nil, errors.New("artifact action hash is required")
		}
		proposal.ActionHash = in.Artifact.ActionHash
		proposal.Discriminator = in.Artifact.Discriminator
		proposal.UnsignedAction = in.Artifact.Unsigned
	}
	if err := s.db.WithContext(ctx).Create(proposal).Error; err != nil {
		return nil, err
	}
	return proposal, nil
}

// Get loads one proposal.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.Proposal, error) {
	var proposal models.Proposal
	if err := s.db.WithContext(ctx).First(&proposal, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &proposal, nil
}

// List returns proposals oldest first, optionally restricted to statuses.
func (s *Store) List(ctx context.Context, statuses ...models.ProposalStatus) ([]models.Proposal, error) {
	query := s.db.WithContext(ctx).Order("created_at ASC")
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}
	var proposals []models.Proposal
	if err := query.Find(&proposals).Error; err != nil {
		return nil, err
	}
	return proposals, nil
}

// Transition moves a proposal from an expected status to the next one. It
// fails with ErrStaleTransition when the row is no longer in from.
func (s *Store) Transition(ctx context.Context, id uuid.UUID, from, to models.ProposalStatus) (*models.Proposal, error) {
	return s.swap(ctx, id, from, to, nil)
}

// RecordTerminal performs a guarded transition into a terminal status and
// stores its detail: the transaction id for COMMITTED, a reason otherwise.
func (s *Store) RecordTerminal(ctx context.Context, id uuid.UUID, from, to models.ProposalStatus, detail string) (*models.Proposal, error) {
	if !to.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrNotTerminal, to)
	}
	extra := map[string]any{}
	if to == models.StatusCommitted {
		extra["tx_id"] = detail
	} else {
		extra["reason"] = detail
	}
	return s.swap(ctx, id, from, to, extra)
}

func (s *Store) swap(ctx context.Context, id uuid.UUID, from, to models.ProposalStatus, extra map[string]any) (*models.Proposal, error) {
	if err := s.ValidateTransition(from, to); err != nil {
		return nil, err
	}
	var proposal models.Proposal
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{
			"status":     to,
			"updated_at": s.now().UTC(),
		}
		for k, v := range extra {
			updates[k] = v
		}
		res := tx.Model(&models.Proposal{}).Where("id = ? AND status = ?", id, from).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var current models.Proposal
			if err := tx.First(&current, "id = ?", id).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return fmt.Errorf("%w: %s", ErrNotFound, id)
				}
				return err
			}
			return fmt.Errorf("%w: proposal %s is %s, expected %s", ErrStaleTransition, id, current.Status, from)
		}
		return tx.First(&proposal, "id = ?", id).Error
	})
	if err != nil {
		return nil, err
	}
	observability.Multisig().RecordTransition(string(from), string(to))
	return &proposal, nil
}

// AttachComposedArtifact writes the unsigned sub-action once. A second call
// fails with ErrAlreadyComposed and leaves the stored artifact untouched.
func (s *Store) AttachComposedArtifact(ctx context.Context, id uuid.UUID, artifact Artifact) error {
	if artifact.ActionHash == "" {
		return errors.New("artifact action hash is required")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Proposal{}).
			Where("id = ? AND (action_hash IS NULL OR action_hash = '')", id).
			Updates(map[string]any{
				"action_hash":     artifact.ActionHash,
				"discriminator":   artifact.Discriminator,
				"unsigned_action": artifact.Unsigned,
				"updated_at":      s.now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&models.Proposal{}).Where("id = ?", id).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			return fmt.Errorf("%w: %s", ErrAlreadyComposed, id)
		}
		return nil
	})
}
