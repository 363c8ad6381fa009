package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"multisigd/services/multisigd/models"
)

// ErrNoAttempts is returned when a proposal has never been sent.
var ErrNoAttempts = errors.New("no submission attempts")

// AppendAttempt adds an immutable submission attempt row and assigns its
// per-proposal sequence number.
func (s *Store) AppendAttempt(ctx context.Context, attempt *models.SubmissionAttempt) error {
	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.New()
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = s.now().UTC()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxSeq struct{ Max int }
		if err := tx.Model(&models.SubmissionAttempt{}).
			Select("COALESCE(MAX(sequence), 0) AS max").
			Where("proposal_id = ?", attempt.ProposalID).
			Scan(&maxSeq).Error; err != nil {
			return err
		}
		attempt.Sequence = maxSeq.Max + 1
		return tx.Create(attempt).Error
	})
}

// SettleAttempt records the ledger's answer on an attempt that was written
// as UNKNOWN before its send. Rows that already carry an answer are left
// untouched.
func (s *Store) SettleAttempt(ctx context.Context, attemptID uuid.UUID, outcome models.AttemptOutcome, detail string) error {
	res := s.db.WithContext(ctx).Model(&models.SubmissionAttempt{}).
		Where("id = ? AND outcome = ?", attemptID, models.OutcomeUnknown).
		Updates(map[string]any{"outcome": outcome, "detail": detail})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: unsettled attempt %s", ErrNoAttempts, attemptID)
	}
	return nil
}

// Attempts returns all attempts for a proposal in the order they were written.
func (s *Store) Attempts(ctx context.Context, proposalID uuid.UUID) ([]models.SubmissionAttempt, error) {
	var attempts []models.SubmissionAttempt
	if err := s.db.WithContext(ctx).
		Where("proposal_id = ?", proposalID).
		Order("sequence ASC").
		Find(&attempts).Error; err != nil {
		return nil, err
	}
	return attempts, nil
}

// LatestAttempt returns the visible outcome of the proposal's submission.
func (s *Store) LatestAttempt(ctx context.Context, proposalID uuid.UUID) (*models.SubmissionAttempt, error) {
	var attempt models.SubmissionAttempt
	err := s.db.WithContext(ctx).
		Where("proposal_id = ?", proposalID).
		Order("sequence DESC").
		First(&attempt).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNoAttempts, proposalID)
		}
		return nil, err
	}
	return &attempt, nil
}

// SendCount counts attempts that represent an actual send to the ledger.
func (s *Store) SendCount(ctx context.Context, proposalID uuid.UUID) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.SubmissionAttempt{}).
		Where("proposal_id = ? AND outcome IN ?", proposalID,
			[]models.AttemptOutcome{models.OutcomeAccepted, models.OutcomeRejected, models.OutcomeUnknown}).
		Count(&count).Error
	return int(count), err
}
