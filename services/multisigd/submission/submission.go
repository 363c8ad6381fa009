package submission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"multisigd/observability"
	"multisigd/services/multisigd/composer"
	"multisigd/services/multisigd/ledger"
	"multisigd/services/multisigd/models"
	"multisigd/services/multisigd/store"
)

var (
	// ErrNotReady is returned when submission is requested before quorum.
	ErrNotReady = errors.New("proposal is not ready for submission")
	// ErrPreviewFailed is returned when the ledger dry run rejects the wrapper.
	ErrPreviewFailed = errors.New("transaction preview failed")
	// ErrNoFeePayer is returned when no fee payer key is configured.
	ErrNoFeePayer = errors.New("fee payer not configured")
)

// Ledger is the gateway surface used to send and resolve transactions.
type Ledger interface {
	ledger.Submitter
	ledger.Previewer
}

// Service moves READY proposals onto the ledger and resolves the outcome of
// everything left in SUBMITTING.
type Service struct {
	store    *store.Store
	composer *composer.Composer
	ledger   Ledger
	payer    composer.FeePayer
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	preview         bool
	sendTimeout     time.Duration
	pollAttempts    int
	pollInterval    time.Duration
	resubmitAfter   time.Duration
	maxAttempts     int
	resolveInterval time.Duration
}

// Option customises the service.
type Option func(*Service)

// WithPreview dry-runs every wrapper before it is sent.
func WithPreview(enabled bool) Option {
	return func(s *Service) { s.preview = enabled }
}

// WithSendTimeout bounds a single send to the ledger.
func WithSendTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.sendTimeout = d
		}
	}
}

// WithPolling sets how often and how many times Submit polls for a commit
// before leaving the proposal to the resolver.
func WithPolling(attempts int, interval time.Duration) Option {
	return func(s *Service) {
		if attempts >= 0 {
			s.pollAttempts = attempts
		}
		if interval > 0 {
			s.pollInterval = interval
		}
	}
}

// WithResubmit configures how long an unseen transaction may stay unknown
// before a fresh wrapper is sent, and how many sends are allowed in total.
func WithResubmit(after time.Duration, maxAttempts int) Option {
	return func(s *Service) {
		if after > 0 {
			s.resubmitAfter = after
		}
		if maxAttempts > 0 {
			s.maxAttempts = maxAttempts
		}
	}
}

// WithResolveInterval sets the resolver cadence used by Start.
func WithResolveInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.resolveInterval = d
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock sets the function used to age attempts.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.now = clock
		}
	}
}

// New constructs a submission service paying fees with payer.
func New(st *store.Store, comp *composer.Composer, gw Ledger, payer composer.FeePayer, opts ...Option) *Service {
	s := &Service{
		store:           st,
		composer:        comp,
		ledger:          gw,
		payer:           payer,
		logger:          slog.Default(),
		tracer:          otel.Tracer("multisigd/submission"),
		now:             time.Now,
		sendTimeout:     20 * time.Second,
		pollAttempts:    5,
		pollInterval:    2 * time.Second,
		resubmitAfter:   2 * time.Minute,
		maxAttempts:     3,
		resolveInterval: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "submission")
	return s
}

// Result is the state after a submission call.
type Result struct {
	Proposal *models.Proposal          `json:"proposal"`
	Attempt  *models.SubmissionAttempt `json:"attempt,omitempty"`
}

// Submit composes the wrapper for a READY proposal, sends it once and polls
// briefly for the outcome. A send without a definitive answer leaves the
// proposal SUBMITTING for the resolver; it is never marked failed on a guess.
// feePayerAccount overrides the configured fee payer account when set.
func (s *Service) Submit(ctx context.Context, proposalID uuid.UUID, feePayerAccount string) (result *Result, err error) {
	ctx, span := s.tracer.Start(ctx, "submission.submit", trace.WithAttributes(attribute.String("proposal.id", proposalID.String())))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	payer := s.payer
	if account := strings.TrimSpace(feePayerAccount); account != "" {
		payer.Account = account
	}
	if payer.Key == nil || payer.Account == "" {
		return nil, ErrNoFeePayer
	}

	proposal, err := s.store.Get(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if proposal.Status != models.StatusReady {
		return nil, fmt.Errorf("%w: status %s", ErrNotReady, proposal.Status)
	}
	tx, err := s.compose(ctx, proposal, payer)
	if err != nil {
		return nil, err
	}
	if s.preview {
		if err := s.ledger.Preview(ctx, tx.Bytes); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPreviewFailed, err)
		}
	}

	proposal, err = s.store.Transition(ctx, proposal.ID, models.StatusReady, models.StatusSubmitting)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("tx.id", tx.TxID))

	attempt, err := s.send(ctx, proposal, tx, payer.Account)
	if err != nil {
		return nil, err
	}
	if attempt.Outcome == models.OutcomeAccepted {
		if resolved, err := s.pollUntilFinal(ctx, proposal, attempt); err != nil {
			s.logger.Warn("commit poll failed", "proposal_id", proposal.ID, "tx_id", attempt.TxID, "error", err)
		} else if resolved != nil {
			attempt = resolved
		}
	}
	if proposal, err = s.store.Get(ctx, proposal.ID); err != nil {
		return nil, err
	}
	return &Result{Proposal: proposal, Attempt: attempt}, nil
}

func (s *Service) compose(ctx context.Context, proposal *models.Proposal, payer composer.FeePayer) (*composer.Submittable, error) {
	sigs, err := s.store.ValidSignatures(ctx, proposal.ID)
	if err != nil {
		return nil, err
	}
	return s.composer.ComposeFinal(ctx, proposal, sigs, payer)
}

// send delivers one wrapper. The attempt row is written as UNKNOWN with the
// wrapper's tx id before the bytes leave, so every send is pollable even when
// the caller goes away mid-flight. Definitive ledger rejection fails the
// proposal; any other error leaves the row unknown.
func (s *Service) send(ctx context.Context, proposal *models.Proposal, tx *composer.Submittable, feePayer string) (*models.SubmissionAttempt, error) {
	attempt := &models.SubmissionAttempt{
		ProposalID: proposal.ID,
		TxID:       tx.TxID,
		FeePayer:   feePayer,
		Outcome:    models.OutcomeUnknown,
		Detail:     "send in flight",
	}
	if err := s.store.AppendAttempt(ctx, attempt); err != nil {
		return nil, fmt.Errorf("record attempt: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	res, sendErr := s.ledger.Submit(sendCtx, tx.Bytes)
	cancel()

	// The ledger may hold the bytes now; bookkeeping outlives the caller.
	ctx = context.WithoutCancel(ctx)
	switch {
	case sendErr == nil:
		attempt.Outcome = models.OutcomeAccepted
		attempt.Detail = ""
		if res.Duplicate {
			attempt.Detail = "ledger already knew this transaction"
		}
	case errors.Is(sendErr, ledger.ErrRejected):
		attempt.Outcome = models.OutcomeRejected
		attempt.Detail = sendErr.Error()
	default:
		attempt.Detail = sendErr.Error()
	}
	if err := s.store.SettleAttempt(ctx, attempt.ID, attempt.Outcome, attempt.Detail); err != nil {
		return nil, fmt.Errorf("record attempt: %w", err)
	}
	observability.Multisig().RecordSubmission(string(attempt.Outcome))
	s.logger.Info("transaction sent",
		"proposal_id", proposal.ID,
		"tx_id", tx.TxID,
		"attempt", attempt.Sequence,
		"outcome", attempt.Outcome)

	if attempt.Outcome == models.OutcomeRejected {
		if err := s.finish(ctx, proposal.ID, models.StatusFailed, "ledger rejected transaction: "+attempt.Detail); err != nil {
			return nil, err
		}
	}
	return attempt, nil
}

func (s *Service) appendAttempt(ctx context.Context, attempt *models.SubmissionAttempt) error {
	if err := s.store.AppendAttempt(ctx, attempt); err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	observability.Multisig().RecordSubmission(string(attempt.Outcome))
	return nil
}

// pollUntilFinal polls a bounded number of times. It returns the resolving
// attempt row, or nil while the ledger still has no final answer.
func (s *Service) pollUntilFinal(ctx context.Context, proposal *models.Proposal, sent *models.SubmissionAttempt) (*models.SubmissionAttempt, error) {
	for i := 0; i < s.pollAttempts; i++ {
		if i > 0 {
			timer := time.NewTimer(s.pollInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
		status, err := s.ledger.PollStatus(ctx, sent.TxID)
		if err != nil {
			s.logger.Debug("status poll failed", "tx_id", sent.TxID, "error", err)
			continue
		}
		if status.State.Final() {
			return s.resolve(ctx, proposal.ID, sent, status)
		}
	}
	return nil, nil
}

// resolve records a final ledger status for the proposal.
func (s *Service) resolve(ctx context.Context, proposalID uuid.UUID, sent *models.SubmissionAttempt, status ledger.TxStatus) (*models.SubmissionAttempt, error) {
	attempt := &models.SubmissionAttempt{
		ProposalID: proposalID,
		TxID:       sent.TxID,
		FeePayer:   sent.FeePayer,
		Detail:     status.ErrorMessage,
	}
	target := models.StatusCommitted
	detail := sent.TxID
	if status.State == ledger.TxCommitted {
		attempt.Outcome = models.OutcomeCommitted
	} else {
		attempt.Outcome = models.OutcomeFailed
		target = models.StatusFailed
		detail = failureReason(sent.TxID, status)
		if attempt.Detail == "" {
			attempt.Detail = string(status.State)
		}
	}
	if err := s.appendAttempt(ctx, attempt); err != nil {
		return nil, err
	}
	if err := s.finish(ctx, proposalID, target, detail); err != nil {
		return nil, err
	}
	s.logger.Info("submission resolved", "proposal_id", proposalID, "tx_id", sent.TxID, "status", target)
	return attempt, nil
}

func (s *Service) finish(ctx context.Context, proposalID uuid.UUID, to models.ProposalStatus, detail string) error {
	_, err := s.store.RecordTerminal(ctx, proposalID, models.StatusSubmitting, to, detail)
	if errors.Is(err, store.ErrStaleTransition) {
		return nil
	}
	return err
}

func failureReason(txID string, status ledger.TxStatus) string {
	reason := fmt.Sprintf("transaction %s %s", txID, strings.ToLower(string(status.State)))
	if status.ErrorMessage != "" {
		reason += ": " + status.ErrorMessage
	}
	return reason
}
