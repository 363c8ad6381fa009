package store

import (
	"fmt"

	"multisigd/services/multisigd/models"
)

var defaultTransitions = map[models.ProposalStatus][]models.ProposalStatus{
	models.StatusCreated:    {models.StatusSigning, models.StatusExpired},
	models.StatusSigning:    {models.StatusReady, models.StatusExpired, models.StatusInvalid},
	models.StatusReady:      {models.StatusSubmitting, models.StatusExpired, models.StatusInvalid},
	models.StatusSubmitting: {models.StatusCommitted, models.StatusFailed},
}

// recoveryTransitions lets an invalidated proposal collect signatures again
// from the signers that remain, until its window closes.
var recoveryTransitions = map[models.ProposalStatus][]models.ProposalStatus{
	models.StatusInvalid: {models.StatusSigning, models.StatusExpired},
}

func copyTransitions(src map[models.ProposalStatus][]models.ProposalStatus) map[models.ProposalStatus][]models.ProposalStatus {
	out := make(map[models.ProposalStatus][]models.ProposalStatus, len(src))
	for from, to := range src {
		out[from] = append([]models.ProposalStatus(nil), to...)
	}
	return out
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func (s *Store) CanTransition(from, to models.ProposalStatus) bool {
	for _, state := range s.transitions[from] {
		if state == to {
			return true
		}
	}
	return false
}

// ValidateTransition ensures the transition follows the lifecycle.
func (s *Store) ValidateTransition(from, to models.ProposalStatus) error {
	if _, ok := s.transitions[from]; !ok {
		return fmt.Errorf("%w: no transitions allowed from %s", ErrIllegalTransition, from)
	}
	if !s.CanTransition(from, to) {
		return fmt.Errorf("%w: %s to %s", ErrIllegalTransition, from, to)
	}
	return nil
}
