package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"multisigd/crypto"
	"multisigd/observability"
	"multisigd/services/multisigd/ledger"
	"multisigd/services/multisigd/models"
	"multisigd/services/multisigd/store"
)

// DefaultInterval is the sweep cadence when none is configured.
const DefaultInterval = 30 * time.Second

// Ledger is the slice of the gateway the monitor reads.
type Ledger interface {
	ledger.RoundReader
	ledger.PolicyReader
}

// Config configures the validity monitor.
type Config struct {
	Store    *store.Store
	Ledger   Ledger
	Interval time.Duration
	Logger   *slog.Logger
}

// Monitor expires proposals whose round window has closed and invalidates
// proposals whose collected signatures no longer satisfy the live policy.
type Monitor struct {
	store    *store.Store
	ledger   Ledger
	interval time.Duration
	logger   *slog.Logger
}

// Report summarises one sweep.
type Report struct {
	Checked     int
	Expired     int
	Invalidated int
	Revoked     int
	Failed      int
}

// New constructs a monitor with defaults applied.
func New(cfg Config) *Monitor {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		store:    cfg.Store,
		ledger:   cfg.Ledger,
		interval: interval,
		logger:   logger.With("component", "monitor"),
	}
}

// Start sweeps on every tick until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	if m == nil || m.store == nil || m.ledger == nil {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.logger.Info("validity monitor started", "interval", m.interval)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("validity monitor stopped")
			return
		case <-ticker.C:
			if _, err := m.SweepOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Warn("validity sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce checks every open proposal once. A failure on one proposal is
// logged and counted; the sweep moves on to the next. Cancelling ctx stops
// the sweep between proposals.
func (m *Monitor) SweepOnce(ctx context.Context) (report Report, err error) {
	ctx, span := otel.Tracer("multisigd/monitor").Start(ctx, "monitor.sweep")
	started := time.Now()
	defer func() {
		observability.Multisig().ObserveSweep(time.Since(started), report.Failed)
		span.SetAttributes(
			attribute.Int("monitor.checked", report.Checked),
			attribute.Int("monitor.expired", report.Expired),
			attribute.Int("monitor.invalidated", report.Invalidated),
			attribute.Int("monitor.failed", report.Failed),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	statuses := []models.ProposalStatus{models.StatusCreated, models.StatusSigning, models.StatusReady}
	if m.store.CanTransition(models.StatusInvalid, models.StatusExpired) {
		statuses = append(statuses, models.StatusInvalid)
	}
	proposals, err := m.store.List(ctx, statuses...)
	if err != nil {
		return report, fmt.Errorf("list open proposals: %w", err)
	}
	if len(proposals) == 0 {
		return report, nil
	}
	round, err := m.ledger.CurrentRound(ctx)
	if err != nil {
		return report, fmt.Errorf("read current round: %w", err)
	}

	for i := range proposals {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		proposal := &proposals[i]
		report.Checked++
		if err := m.check(ctx, proposal, round, &report); err != nil {
			report.Failed++
			m.logger.Warn("proposal check failed", "proposal_id", proposal.ID, "status", proposal.Status, "error", err)
		}
	}
	if report.Expired > 0 || report.Invalidated > 0 || report.Revoked > 0 {
		m.logger.Info("validity sweep complete",
			"checked", report.Checked,
			"expired", report.Expired,
			"invalidated", report.Invalidated,
			"revoked_signatures", report.Revoked,
			"round", round)
	}
	return report, nil
}

func (m *Monitor) check(ctx context.Context, proposal *models.Proposal, round uint64, report *Report) error {
	if round >= proposal.RoundMax {
		reason := fmt.Sprintf("round window closed: current round %d reached round_max %d", round, proposal.RoundMax)
		if _, err := m.store.RecordTerminal(ctx, proposal.ID, proposal.Status, models.StatusExpired, reason); err != nil {
			if errors.Is(err, store.ErrStaleTransition) {
				return nil
			}
			return err
		}
		report.Expired++
		m.logger.Info("proposal expired", "proposal_id", proposal.ID, "round", round, "round_max", proposal.RoundMax)
		return nil
	}
	if proposal.Status != models.StatusSigning && proposal.Status != models.StatusReady {
		return nil
	}

	policy, err := m.ledger.ReadPolicy(ctx, proposal.TargetAccount)
	if err != nil {
		return fmt.Errorf("read policy: %w", err)
	}
	sigs, err := m.store.ValidSignatures(ctx, proposal.ID)
	if err != nil {
		return err
	}
	var removed []string
	valid := 0
	for _, sig := range sigs {
		if policy.Contains(sig.KeyHash) {
			valid++
			continue
		}
		// A proposal that moved on to SUBMITTING since the listing keeps its signatures.
		flipped, err := m.store.InvalidateSignature(ctx, sig.ID, models.StatusSigning, models.StatusReady)
		if err != nil {
			return fmt.Errorf("invalidate signature %s: %w", sig.ID, err)
		}
		if flipped {
			report.Revoked++
			removed = append(removed, shortKeyHash(sig.KeyHash))
			m.logger.Info("signature invalidated", "proposal_id", proposal.ID, "key_hash", sig.KeyHash)
		}
	}

	if valid >= policy.Threshold {
		return nil
	}
	// A SIGNING proposal below threshold is still collecting; it only turns
	// invalid when drift took signatures away from it.
	if proposal.Status == models.StatusSigning && len(removed) == 0 {
		return nil
	}
	reason := invalidReason(removed, proposal.Threshold, policy.Threshold, valid)
	if _, err := m.store.RecordTerminal(ctx, proposal.ID, proposal.Status, models.StatusInvalid, reason); err != nil {
		if errors.Is(err, store.ErrStaleTransition) {
			return nil
		}
		return err
	}
	report.Invalidated++
	m.logger.Warn("proposal invalidated", "proposal_id", proposal.ID, "reason", reason)
	return nil
}

func invalidReason(removed []string, createdThreshold, threshold, valid int) string {
	parts := []string{"access rule changed"}
	if len(removed) > 0 {
		parts = append(parts, "signer(s) removed: "+strings.Join(removed, ", "))
	}
	if createdThreshold > 0 && createdThreshold != threshold {
		parts = append(parts, fmt.Sprintf("threshold changed from %d to %d", createdThreshold, threshold))
	}
	parts = append(parts, fmt.Sprintf("%d valid signature(s), %d required", valid, threshold))
	return strings.Join(parts, "; ")
}

func shortKeyHash(keyHash string) string {
	parsed, err := crypto.ParseKeyHash(keyHash)
	if err != nil {
		return keyHash
	}
	return parsed.Short()
}
