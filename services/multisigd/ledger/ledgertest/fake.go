// Package ledgertest provides a scriptable in-memory ledger gateway.
package ledgertest

import (
	"context"
	"fmt"
	"sync"

	"multisigd/crypto"
	"multisigd/services/multisigd/ledger"
)

// Gateway is a ledger.Gateway whose round, policies and transaction
// outcomes are set by the test.
type Gateway struct {
	mu        sync.Mutex
	round     uint64
	policies  map[string]*ledger.Policy
	statuses  map[string][]ledger.TxStatus
	fallback  []ledger.TxStatus
	sendErrs  []error
	submitted [][]byte

	RoundErr   error
	PolicyErr  error
	SubmitErr  error
	PreviewErr error
	PollErr    error
}

var _ ledger.Gateway = (*Gateway)(nil)

// New returns a gateway at the given round.
func New(round uint64) *Gateway {
	return &Gateway{
		round:    round,
		policies: map[string]*ledger.Policy{},
		statuses: map[string][]ledger.TxStatus{},
	}
}

// SetRound moves the ledger clock.
func (g *Gateway) SetRound(round uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.round = round
}

// SetPolicy installs the live policy of account.
func (g *Gateway) SetPolicy(account string, threshold int, keys ...crypto.PublicKey) {
	g.mu.Lock()
	defer g.mu.Unlock()
	policy := &ledger.Policy{Threshold: threshold, Updatable: true}
	for _, key := range keys {
		policy.Signers = append(policy.Signers, ledger.Signer{KeyHash: key.Hash().String(), KeyType: key.Type})
	}
	g.policies[account] = policy
}

// ScriptStatus queues the answers PollStatus returns for txID, one per call.
// The last answer repeats once the queue is drained.
func (g *Gateway) ScriptStatus(txID string, statuses ...ledger.TxStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[txID] = append(g.statuses[txID], statuses...)
}

// ScriptAnyStatus queues answers for transactions without their own script.
// Tests use it when the transaction id is only known after composition.
func (g *Gateway) ScriptAnyStatus(statuses ...ledger.TxStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fallback = append(g.fallback, statuses...)
}

// FailNextSubmits makes the next sends fail with errs, in order. A nil entry
// lets that send through.
func (g *Gateway) FailNextSubmits(errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sendErrs = append(g.sendErrs, errs...)
}

// Submitted returns the payloads sent so far.
func (g *Gateway) Submitted() [][]byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([][]byte(nil), g.submitted...)
}

func (g *Gateway) CurrentRound(context.Context) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.RoundErr != nil {
		return 0, g.RoundErr
	}
	return g.round, nil
}

func (g *Gateway) ReadPolicy(_ context.Context, account string) (*ledger.Policy, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.PolicyErr != nil {
		return nil, g.PolicyErr
	}
	policy, ok := g.policies[account]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, account)
	}
	out := *policy
	out.Signers = append([]ledger.Signer(nil), policy.Signers...)
	return &out, nil
}

func (g *Gateway) Submit(_ context.Context, payload []byte) (ledger.SubmitResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submitted = append(g.submitted, append([]byte(nil), payload...))
	if len(g.sendErrs) > 0 {
		err := g.sendErrs[0]
		g.sendErrs = g.sendErrs[1:]
		if err != nil {
			return ledger.SubmitResult{}, err
		}
	}
	if g.SubmitErr != nil {
		return ledger.SubmitResult{}, g.SubmitErr
	}
	return ledger.SubmitResult{}, nil
}

func (g *Gateway) PollStatus(_ context.Context, txID string) (ledger.TxStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.PollErr != nil {
		return ledger.TxStatus{}, g.PollErr
	}
	if queue, ok := g.statuses[txID]; ok && len(queue) > 0 {
		next := queue[0]
		if len(queue) > 1 {
			g.statuses[txID] = queue[1:]
		}
		return next, nil
	}
	if len(g.fallback) == 0 {
		return ledger.TxStatus{State: ledger.TxUnknown}, nil
	}
	next := g.fallback[0]
	if len(g.fallback) > 1 {
		g.fallback = g.fallback[1:]
	}
	return next, nil
}

func (g *Gateway) Preview(context.Context, []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.PreviewErr
}
