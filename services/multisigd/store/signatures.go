package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"multisigd/services/multisigd/models"
)

// InsertSignature stores a verified signature. A second signature from the same
// key hash on the same proposal fails with ErrDuplicateSigner, whether the
// race is lost before or at the unique index.
func (s *Store) InsertSignature(ctx context.Context, sig *models.Signature) error {
	if sig.ID == uuid.Nil {
		sig.ID = uuid.New()
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = s.now().UTC()
	}
	sig.IsValid = true
	sig.InvalidatedAt = nil
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Signature{}).
			Where("proposal_id = ? AND key_hash = ?", sig.ProposalID, sig.KeyHash).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: %s", ErrDuplicateSigner, sig.KeyHash)
		}
		if err := tx.Create(sig).Error; err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", ErrDuplicateSigner, sig.KeyHash)
			}
			return err
		}
		return nil
	})
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

// Signatures lists every signature recorded for a proposal, valid or not.
func (s *Store) Signatures(ctx context.Context, proposalID uuid.UUID) ([]models.Signature, error) {
	var sigs []models.Signature
	if err := s.db.WithContext(ctx).
		Where("proposal_id = ?", proposalID).
		Order("created_at ASC").
		Find(&sigs).Error; err != nil {
		return nil, err
	}
	return sigs, nil
}

// ValidSignatures lists the signatures that still count toward quorum.
func (s *Store) ValidSignatures(ctx context.Context, proposalID uuid.UUID) ([]models.Signature, error) {
	var sigs []models.Signature
	if err := s.db.WithContext(ctx).
		Where("proposal_id = ? AND is_valid = ?", proposalID, true).
		Order("created_at ASC").
		Find(&sigs).Error; err != nil {
		return nil, err
	}
	return sigs, nil
}

// InvalidateSignature soft-deletes a signature. The row is kept for audit and
// reports whether this call flipped it. With statuses given, the flip only
// happens while the owning proposal is in one of them.
func (s *Store) InvalidateSignature(ctx context.Context, signatureID uuid.UUID, statuses ...models.ProposalStatus) (bool, error) {
	now := s.now().UTC()
	db := s.db.WithContext(ctx)
	q := db.Model(&models.Signature{}).Where("id = ? AND is_valid = ?", signatureID, true)
	if len(statuses) > 0 {
		q = q.Where("proposal_id IN (?)", s.db.Model(&models.Proposal{}).Select("id").Where("status IN ?", statuses))
	}
	res := q.Updates(map[string]any{"is_valid": false, "invalidated_at": now})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
