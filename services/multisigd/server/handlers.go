package server

import (
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"multisigd/services/multisigd/collector"
	"multisigd/services/multisigd/composer"
	"multisigd/services/multisigd/ledger"
	"multisigd/services/multisigd/models"
	"multisigd/services/multisigd/proposals"
	"multisigd/services/multisigd/store"
	"multisigd/services/multisigd/submission"
)

type accessRuleResponse struct {
	Account string `json:"account_address"`
	*ledger.Policy
}

// AccessRule returns the live authorization policy of the multisig account.
func (s *Server) AccessRule(w http.ResponseWriter, r *http.Request) {
	policy, err := s.proposals.Policy(r.Context())
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, accessRuleResponse{Account: s.proposals.Account(), Policy: policy})
}

// CreateProposal opens a proposal for a manifest.
func (s *Server) CreateProposal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Manifest     string `json:"manifest"`
		ExpiryRounds uint64 `json:"expiry_rounds"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Manifest) == "" {
		writeJSONError(w, http.StatusBadRequest, "manifest is required")
		return
	}
	proposal, err := s.proposals.Create(r.Context(), req.Manifest, req.ExpiryRounds)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, proposal)
}

// ListProposals lists proposals, optionally filtered by ?status=.
func (s *Server) ListProposals(w http.ResponseWriter, r *http.Request) {
	status := models.ProposalStatus(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))))
	if status != "" && !status.Valid() {
		writeJSONError(w, http.StatusBadRequest, "unknown status "+string(status))
		return
	}
	list, err := s.proposals.List(r.Context(), status)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"proposals": list})
}

// GetProposal returns one proposal.
func (s *Server) GetProposal(w http.ResponseWriter, r *http.Request) {
	id, ok := proposalID(w, r)
	if !ok {
		return
	}
	proposal, err := s.proposals.Get(r.Context(), id)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, proposal)
}

// GetUnsigned returns the unsigned sub-action wallets sign.
func (s *Server) GetUnsigned(w http.ResponseWriter, r *http.Request) {
	id, ok := proposalID(w, r)
	if !ok {
		return
	}
	unsigned, err := s.proposals.Unsigned(r.Context(), id)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, unsigned)
}

// AddSignature accepts a wallet's signed partial transaction.
func (s *Server) AddSignature(w http.ResponseWriter, r *http.Request) {
	id, ok := proposalID(w, r)
	if !ok {
		return
	}
	var req struct {
		SignedPartialHex string `json:"signed_partial_transaction_hex"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	artifact, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(req.SignedPartialHex), "0x"))
	if err != nil || len(artifact) == 0 {
		writeJSONError(w, http.StatusBadRequest, "signed_partial_transaction_hex must be non-empty hex")
		return
	}
	status, err := s.collector.AddSignature(r.Context(), id, artifact)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

// GetSignatures returns per-signer progress against the live policy.
func (s *Server) GetSignatures(w http.ResponseWriter, r *http.Request) {
	id, ok := proposalID(w, r)
	if !ok {
		return
	}
	status, err := s.collector.Status(r.Context(), id)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

// SubmitProposal sends a READY proposal to the ledger.
func (s *Server) SubmitProposal(w http.ResponseWriter, r *http.Request) {
	id, ok := proposalID(w, r)
	if !ok {
		return
	}
	var req struct {
		FeePayerAccount string `json:"fee_payer_account"`
	}
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	result, err := s.submission.Submit(r.Context(), id, req.FeePayerAccount)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	code := http.StatusOK
	if result.Proposal.Status == models.StatusSubmitting {
		code = http.StatusAccepted
	}
	s.writeJSON(w, code, result)
}

// GetAttempts lists the submission attempts of a proposal.
func (s *Server) GetAttempts(w http.ResponseWriter, r *http.Request) {
	id, ok := proposalID(w, r)
	if !ok {
		return
	}
	attempts, err := s.proposals.Attempts(r.Context(), id)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"attempts": attempts})
}

func proposalID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid proposal id")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeJSONError(w, status, err.Error())
}

func statusFor(err error) int {
	var gwErr *ledger.StatusError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, composer.ErrManifest),
		errors.Is(err, composer.ErrMalformedArtifact),
		errors.Is(err, store.ErrInvalidWindow),
		errors.Is(err, proposals.ErrInvalidExpiry):
		return http.StatusBadRequest
	case errors.Is(err, collector.ErrHashMismatch),
		errors.Is(err, collector.ErrBadSignature),
		errors.Is(err, collector.ErrUnauthorizedSigner),
		errors.Is(err, submission.ErrPreviewFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrDuplicateSigner),
		errors.Is(err, store.ErrStaleTransition),
		errors.Is(err, store.ErrIllegalTransition),
		errors.Is(err, store.ErrAlreadyComposed),
		errors.Is(err, collector.ErrNotAccepting),
		errors.Is(err, submission.ErrNotReady),
		errors.Is(err, composer.ErrIncompleteQuorum),
		errors.Is(err, composer.ErrNotComposed):
		return http.StatusConflict
	case errors.Is(err, submission.ErrNoFeePayer):
		return http.StatusServiceUnavailable
	case errors.Is(err, collector.ErrPolicyUnavailable),
		errors.Is(err, proposals.ErrLedgerUnavailable),
		errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, ledger.ErrDenyAll),
		errors.Is(err, ledger.ErrUnsupportedRule),
		errors.As(err, &gwErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
