package submission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"multisigd/services/multisigd/composer"
	"multisigd/services/multisigd/ledger"
	"multisigd/services/multisigd/models"
)

// ResolveReport summarises one resolver pass.
type ResolveReport struct {
	Checked     int
	Committed   int
	Failed      int
	Resubmitted int
	Errors      int
}

// Start runs the resolver on its interval until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	if s == nil || s.store == nil {
		return
	}
	ticker := time.NewTicker(s.resolveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ResolveOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("submission resolver run failed", "error", err)
			}
		}
	}
}

// ResolveOnce settles every SUBMITTING proposal it can. Each sent
// transaction is polled; a commit of any of them commits the proposal. A
// transaction the ledger still does not know after the resubmit delay is
// replaced by a freshly composed wrapper recorded as a new attempt.
func (s *Service) ResolveOnce(ctx context.Context) (ResolveReport, error) {
	var report ResolveReport
	proposals, err := s.store.List(ctx, models.StatusSubmitting)
	if err != nil {
		return report, fmt.Errorf("list submitting proposals: %w", err)
	}
	for i := range proposals {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++
		if err := s.resolveProposal(ctx, &proposals[i], &report); err != nil {
			report.Errors++
			s.logger.Warn("submission resolve failed", "proposal_id", proposals[i].ID, "error", err)
		}
	}
	return report, nil
}

func (s *Service) resolveProposal(ctx context.Context, proposal *models.Proposal, report *ResolveReport) error {
	attempts, err := s.store.Attempts(ctx, proposal.ID)
	if err != nil {
		return err
	}
	var sent []models.SubmissionAttempt
	for _, attempt := range attempts {
		if attempt.Outcome == models.OutcomeAccepted || attempt.Outcome == models.OutcomeUnknown {
			sent = append(sent, attempt)
		}
	}
	if len(sent) == 0 {
		if len(attempts) > 0 {
			// Every send was answered definitively but the terminal write was lost.
			last := attempts[len(attempts)-1]
			target, detail := models.StatusFailed, fmt.Sprintf("transaction %s %s: %s", last.TxID, strings.ToLower(string(last.Outcome)), last.Detail)
			if last.Outcome == models.OutcomeCommitted {
				target, detail = models.StatusCommitted, last.TxID
			}
			if err := s.finish(ctx, proposal.ID, target, detail); err != nil {
				return err
			}
			if target == models.StatusCommitted {
				report.Committed++
			} else {
				report.Failed++
			}
			return nil
		}
		// A send row is written before any bytes leave, so nothing reached
		// the ledger yet.
		return s.resubmit(ctx, proposal, 0, "", report)
	}

	newest := sent[len(sent)-1]
	var newestStatus ledger.TxStatus
	var newestErr error
	for i := len(sent) - 1; i >= 0; i-- {
		status, err := s.ledger.PollStatus(ctx, sent[i].TxID)
		if i == len(sent)-1 {
			newestStatus, newestErr = status, err
		}
		if err == nil && status.State == ledger.TxCommitted {
			if _, err := s.resolve(ctx, proposal.ID, &sent[i], status); err != nil {
				return err
			}
			report.Committed++
			return nil
		}
	}
	if newestErr != nil {
		return fmt.Errorf("poll %s: %w", newest.TxID, newestErr)
	}
	switch {
	case newestStatus.State.Final():
		if _, err := s.resolve(ctx, proposal.ID, &newest, newestStatus); err != nil {
			return err
		}
		report.Failed++
		return nil
	case newestStatus.State == ledger.TxPending:
		return nil
	}
	if s.now().Sub(newest.CreatedAt) < s.resubmitAfter {
		return nil
	}
	sends, err := s.store.SendCount(ctx, proposal.ID)
	if err != nil {
		return err
	}
	return s.resubmit(ctx, proposal, sends, newest.FeePayer, report)
}

func (s *Service) resubmit(ctx context.Context, proposal *models.Proposal, sends int, feePayer string, report *ResolveReport) error {
	if sends >= s.maxAttempts {
		reason := fmt.Sprintf("no ledger record of the transaction after %d submission attempt(s)", sends)
		if err := s.finish(ctx, proposal.ID, models.StatusFailed, reason); err != nil {
			return err
		}
		report.Failed++
		s.logger.Warn("submission abandoned", "proposal_id", proposal.ID, "attempts", sends)
		return nil
	}
	payer := s.payer
	if feePayer != "" {
		payer.Account = feePayer
	}
	if payer.Key == nil || payer.Account == "" {
		return ErrNoFeePayer
	}
	tx, err := s.compose(ctx, proposal, payer)
	if err != nil {
		if errors.Is(err, composer.ErrIncompleteQuorum) {
			if err := s.finish(ctx, proposal.ID, models.StatusFailed, "quorum lost before resubmission: "+err.Error()); err != nil {
				return err
			}
			report.Failed++
			return nil
		}
		return err
	}
	attempt, err := s.send(ctx, proposal, tx, payer.Account)
	if err != nil {
		return err
	}
	if attempt.Outcome == models.OutcomeRejected {
		report.Failed++
	} else {
		report.Resubmitted++
	}
	return nil
}
