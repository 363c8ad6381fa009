package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"multisigd/observability"
	"multisigd/services/multisigd/composer"
	"multisigd/services/multisigd/ledger"
	"multisigd/services/multisigd/models"
	"multisigd/services/multisigd/store"
)

var (
	ErrHashMismatch       = errors.New("signed artifact does not match proposal action hash")
	ErrBadSignature       = errors.New("signature does not verify")
	ErrUnauthorizedSigner = errors.New("signer is not in the account's current signer set")
	ErrNotAccepting       = errors.New("proposal is not accepting signatures")
	ErrPolicyUnavailable  = errors.New("authorization policy unavailable")

	ErrMalformedArtifact = composer.ErrMalformedArtifact
	ErrDuplicateSigner   = store.ErrDuplicateSigner
)

// Collector validates incoming signatures and advances proposals toward
// READY as the live threshold is met.
type Collector struct {
	store  *store.Store
	policy ledger.PolicyReader
	logger *slog.Logger
}

// New constructs a Collector.
func New(st *store.Store, policy ledger.PolicyReader, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{store: st, policy: policy, logger: logger.With("component", "collector")}
}

// Signer states reported by Status.
const (
	SignerSigned      = "signed"
	SignerNotSigned   = "not_signed"
	SignerInvalidated = "invalidated"
)

// SignerStatus is one signer's standing on a proposal.
type SignerStatus struct {
	KeyHash  string     `json:"key_hash"`
	KeyType  string     `json:"key_type,omitempty"`
	Status   string     `json:"status"`
	SignedAt *time.Time `json:"signed_at,omitempty"`
}

// SignatureStatus is the per-proposal signature summary.
type SignatureStatus struct {
	ProposalID     uuid.UUID             `json:"proposal_id"`
	ProposalStatus models.ProposalStatus `json:"proposal_status"`
	Signers        []SignerStatus        `json:"signers"`
	// Former lists signatures from keys that have since left the signer set.
	Former    []SignerStatus `json:"former_signers,omitempty"`
	Collected int            `json:"signatures_collected"`
	Threshold int            `json:"threshold"`
	Remaining int            `json:"signatures_remaining"`
}

func (c *Collector) accepting(status models.ProposalStatus) bool {
	switch status {
	case models.StatusCreated, models.StatusSigning, models.StatusReady:
		return true
	case models.StatusInvalid:
		return c.store.CanTransition(models.StatusInvalid, models.StatusSigning)
	}
	return false
}

// AddSignature validates a wallet's signed artifact against the proposal and
// the live policy, records it and advances the proposal when quorum is met.
// Checks run in a fixed order and the first failure is returned.
func (c *Collector) AddSignature(ctx context.Context, proposalID uuid.UUID, artifact []byte) (status *SignatureStatus, err error) {
	defer func() {
		observability.Multisig().RecordSignature(outcomeLabel(err))
	}()

	proposal, err := c.store.Get(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if !c.accepting(proposal.Status) {
		return nil, fmt.Errorf("%w: status %s", ErrNotAccepting, proposal.Status)
	}
	if !proposal.Composed() {
		return nil, fmt.Errorf("%w: %v", ErrNotAccepting, composer.ErrNotComposed)
	}

	partial, err := composer.DecodeSignedPartial(artifact)
	if err != nil {
		return nil, err
	}
	if len(partial.Signatures) != 1 {
		return nil, fmt.Errorf("%w: expected exactly one signature, got %d", ErrMalformedArtifact, len(partial.Signatures))
	}
	_, hash, err := composer.DecodeSubAction(partial.SubAction)
	if err != nil {
		return nil, err
	}
	if hash.Hex() != proposal.ActionHash {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrHashMismatch, hash.Hex(), proposal.ActionHash)
	}
	entry := partial.Signatures[0]
	key, err := entry.Key()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedArtifact, err)
	}
	if !key.Verify(hash[:], entry.Signature) {
		return nil, ErrBadSignature
	}

	policy, err := c.policy.ReadPolicy(ctx, proposal.TargetAccount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPolicyUnavailable, err)
	}
	keyHash := key.Hash().String()
	if !policy.Contains(keyHash) {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorizedSigner, key.Hash().Short())
	}

	sig := &models.Signature{
		ProposalID:     proposal.ID,
		KeyHash:        keyHash,
		KeyType:        string(key.Type),
		PublicKey:      key.Hex(),
		Signature:      entry.Signature,
		SignedArtifact: artifact,
	}
	if err := c.store.InsertSignature(ctx, sig); err != nil {
		return nil, err
	}
	c.logger.Info("signature accepted", "proposal_id", proposal.ID, "key_hash", keyHash)

	if err := c.advance(ctx, proposal.ID, policy); err != nil {
		return nil, err
	}
	return c.summarize(ctx, proposal.ID, policy)
}

// advance applies the transitions a new signature can cause. With a threshold
// of 1 the first signature takes CREATED through SIGNING to READY in one call.
// Losing a race to another writer is fine: the winner's status stands.
func (c *Collector) advance(ctx context.Context, id uuid.UUID, policy *ledger.Policy) error {
	proposal, err := c.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if c.store.CanTransition(proposal.Status, models.StatusSigning) {
		if _, err := c.store.Transition(ctx, id, proposal.Status, models.StatusSigning); err != nil && !errors.Is(err, store.ErrStaleTransition) {
			return err
		}
		if proposal, err = c.store.Get(ctx, id); err != nil {
			return err
		}
	}
	if proposal.Status != models.StatusSigning {
		return nil
	}
	collected, err := c.countAuthorized(ctx, id, policy)
	if err != nil {
		return err
	}
	if collected < policy.Threshold {
		return nil
	}
	if _, err := c.store.Transition(ctx, id, models.StatusSigning, models.StatusReady); err != nil {
		if errors.Is(err, store.ErrStaleTransition) {
			return nil
		}
		return err
	}
	c.logger.Info("proposal ready", "proposal_id", id, "signatures", collected, "threshold", policy.Threshold)
	return nil
}

func (c *Collector) countAuthorized(ctx context.Context, id uuid.UUID, policy *ledger.Policy) (int, error) {
	sigs, err := c.store.ValidSignatures(ctx, id)
	if err != nil {
		return 0, err
	}
	collected := 0
	for _, sig := range sigs {
		if policy.Contains(sig.KeyHash) {
			collected++
		}
	}
	return collected, nil
}

// Status recomputes the signature summary from the live policy and the
// stored signatures.
func (c *Collector) Status(ctx context.Context, proposalID uuid.UUID) (*SignatureStatus, error) {
	proposal, err := c.store.Get(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	policy, err := c.policy.ReadPolicy(ctx, proposal.TargetAccount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPolicyUnavailable, err)
	}
	return c.summarize(ctx, proposalID, policy)
}

func (c *Collector) summarize(ctx context.Context, id uuid.UUID, policy *ledger.Policy) (*SignatureStatus, error) {
	proposal, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	sigs, err := c.store.Signatures(ctx, id)
	if err != nil {
		return nil, err
	}
	byHash := make(map[string]models.Signature, len(sigs))
	for _, sig := range sigs {
		byHash[sig.KeyHash] = sig
	}

	out := &SignatureStatus{
		ProposalID:     id,
		ProposalStatus: proposal.Status,
		Threshold:      policy.Threshold,
		Signers:        make([]SignerStatus, 0, len(policy.Signers)),
	}
	current := policy.KeyHashes()
	for _, signer := range policy.Signers {
		entry := SignerStatus{KeyHash: signer.KeyHash, KeyType: string(signer.KeyType), Status: SignerNotSigned}
		if sig, ok := byHash[signer.KeyHash]; ok {
			signedAt := sig.CreatedAt
			entry.SignedAt = &signedAt
			if sig.IsValid {
				entry.Status = SignerSigned
				out.Collected++
			} else {
				entry.Status = SignerInvalidated
			}
		}
		out.Signers = append(out.Signers, entry)
	}
	for _, sig := range sigs {
		if _, ok := current[sig.KeyHash]; ok {
			continue
		}
		signedAt := sig.CreatedAt
		out.Former = append(out.Former, SignerStatus{
			KeyHash:  sig.KeyHash,
			KeyType:  sig.KeyType,
			Status:   SignerInvalidated,
			SignedAt: &signedAt,
		})
	}
	if out.Collected < out.Threshold {
		out.Remaining = out.Threshold - out.Collected
	}
	return out, nil
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, ErrMalformedArtifact):
		return "malformed"
	case errors.Is(err, ErrHashMismatch):
		return "hash_mismatch"
	case errors.Is(err, ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, ErrUnauthorizedSigner):
		return "unauthorized"
	case errors.Is(err, ErrDuplicateSigner):
		return "duplicate"
	case errors.Is(err, ErrNotAccepting):
		return "not_accepting"
	default:
		return "error"
	}
}
