package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"multisigd/services/multisigd/internal/testdb"
	"multisigd/services/multisigd/models"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	return New(testdb.Open(t), opts...)
}

func createProposal(t *testing.T, s *Store) *models.Proposal {
	t.Helper()
	p, err := s.Create(context.Background(), NewProposal{
		ActionText:    `CALL_METHOD Address("account_a") "withdraw" Address("res") Decimal("1");`,
		TargetAccount: "account_a",
		RoundMin:      100,
		RoundMax:      110,
	})
	require.NoError(t, err)
	return p
}

func TestCreateRejectsEmptyWindow(t *testing.T) {
	s := newTestStore(t)
	for _, window := range [][2]uint64{{100, 100}, {101, 100}} {
		_, err := s.Create(context.Background(), NewProposal{
			ActionText:    "X;",
			TargetAccount: "account_a",
			RoundMin:      window[0],
			RoundMax:      window[1],
		})
		require.ErrorIs(t, err, ErrInvalidWindow)
	}
}

func TestCreateStartsInCreated(t *testing.T) {
	s := newTestStore(t)
	p := createProposal(t, s)
	require.Equal(t, models.StatusCreated, p.Status)

	loaded, err := s.Get(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, p.ID, loaded.ID)
	require.False(t, loaded.Composed())

	_, err = s.Get(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTransitionFollowsLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createProposal(t, s)

	_, err := s.Transition(ctx, p.ID, models.StatusCreated, models.StatusReady)
	require.ErrorIs(t, err, ErrIllegalTransition)

	updated, err := s.Transition(ctx, p.ID, models.StatusCreated, models.StatusSigning)
	require.NoError(t, err)
	require.Equal(t, models.StatusSigning, updated.Status)

	_, err = s.Transition(ctx, p.ID, models.StatusCreated, models.StatusSigning)
	require.ErrorIs(t, err, ErrStaleTransition)

	_, err = s.Transition(ctx, p.ID, models.StatusSigning, models.StatusReady)
	require.NoError(t, err)
	_, err = s.Transition(ctx, p.ID, models.StatusReady, models.StatusSubmitting)
	require.NoError(t, err)

	committed, err := s.RecordTerminal(ctx, p.ID, models.StatusSubmitting, models.StatusCommitted, "txid_sim1abc")
	require.NoError(t, err)
	require.Equal(t, models.StatusCommitted, committed.Status)
	require.Equal(t, "txid_sim1abc", committed.TxID)

	_, err = s.Transition(ctx, p.ID, models.StatusCommitted, models.StatusSigning)
	require.ErrorIs(t, err, ErrIllegalTransition)
}

func TestRecordTerminalRejectsNonTerminal(t *testing.T) {
	s := newTestStore(t)
	p := createProposal(t, s)
	_, err := s.RecordTerminal(context.Background(), p.ID, models.StatusCreated, models.StatusSigning, "")
	require.ErrorIs(t, err, ErrNotTerminal)
}

func TestRecordTerminalStoresReason(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createProposal(t, s)
	expired, err := s.RecordTerminal(ctx, p.ID, models.StatusCreated, models.StatusExpired, "window closed")
	require.NoError(t, err)
	require.Equal(t, "window closed", expired.Reason)
	require.Empty(t, expired.TxID)
}

func TestConcurrentTransitionsExactlyOneWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createProposal(t, s)
	_, err := s.Transition(ctx, p.ID, models.StatusCreated, models.StatusSigning)
	require.NoError(t, err)

	targets := []models.ProposalStatus{models.StatusReady, models.StatusExpired, models.StatusInvalid, models.StatusReady}
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		wins   int
		stales int
	)
	for _, target := range targets {
		wg.Add(1)
		go func(to models.ProposalStatus) {
			defer wg.Done()
			_, err := s.Transition(ctx, p.ID, models.StatusSigning, to)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrStaleTransition):
				stales++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(target)
	}
	wg.Wait()
	require.Equal(t, 1, wins)
	require.Equal(t, len(targets)-1, stales)
}

func TestAttachComposedArtifactOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createProposal(t, s)

	first := Artifact{ActionHash: "aa", Discriminator: "01", Unsigned: []byte{1, 2, 3}}
	require.NoError(t, s.AttachComposedArtifact(ctx, p.ID, first))

	err := s.AttachComposedArtifact(ctx, p.ID, Artifact{ActionHash: "bb", Unsigned: []byte{9}})
	require.ErrorIs(t, err, ErrAlreadyComposed)

	loaded, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, "aa", loaded.ActionHash)
	require.Equal(t, []byte{1, 2, 3}, loaded.UnsignedAction)

	err = s.AttachComposedArtifact(ctx, uuid.New(), first)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreateWithArtifactIsComposed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p, err := s.Create(ctx, NewProposal{
		ActionText:    "X;",
		TargetAccount: "account_a",
		RoundMin:      1,
		RoundMax:      2,
		Artifact:      &Artifact{ActionHash: "cc", Unsigned: []byte{7}},
	})
	require.NoError(t, err)
	require.True(t, p.Composed())
	require.ErrorIs(t, s.AttachComposedArtifact(ctx, p.ID, Artifact{ActionHash: "dd"}), ErrAlreadyComposed)
}

func TestListFiltersByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := createProposal(t, s)
	createProposal(t, s)
	_, err := s.Transition(ctx, a.ID, models.StatusCreated, models.StatusSigning)
	require.NoError(t, err)

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	signing, err := s.List(ctx, models.StatusSigning)
	require.NoError(t, err)
	require.Len(t, signing, 1)
	require.Equal(t, a.ID, signing[0].ID)
}

func TestInsertSignatureRejectsDuplicateSigner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createProposal(t, s)

	sig := &models.Signature{ProposalID: p.ID, KeyHash: "k1", KeyType: "ed25519", PublicKey: "00", Signature: []byte{1}, SignedArtifact: []byte{2}}
	require.NoError(t, s.InsertSignature(ctx, sig))

	dup := &models.Signature{ProposalID: p.ID, KeyHash: "k1", KeyType: "ed25519", PublicKey: "00", Signature: []byte{3}, SignedArtifact: []byte{4}}
	require.ErrorIs(t, s.InsertSignature(ctx, dup), ErrDuplicateSigner)

	other := &models.Signature{ProposalID: p.ID, KeyHash: "k2", KeyType: "ed25519", PublicKey: "01", Signature: []byte{5}, SignedArtifact: []byte{6}}
	require.NoError(t, s.InsertSignature(ctx, other))

	sigs, err := s.Signatures(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, sigs, 2)
}

func TestInvalidateSignatureIsSoft(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createProposal(t, s)
	sig := &models.Signature{ProposalID: p.ID, KeyHash: "k1", KeyType: "ed25519", PublicKey: "00", Signature: []byte{1}, SignedArtifact: []byte{2}}
	require.NoError(t, s.InsertSignature(ctx, sig))

	flipped, err := s.InvalidateSignature(ctx, sig.ID)
	require.NoError(t, err)
	require.True(t, flipped)

	flipped, err = s.InvalidateSignature(ctx, sig.ID)
	require.NoError(t, err)
	require.False(t, flipped)

	valid, err := s.ValidSignatures(ctx, p.ID)
	require.NoError(t, err)
	require.Empty(t, valid)

	all, err := s.Signatures(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.False(t, all[0].IsValid)
	require.NotNil(t, all[0].InvalidatedAt)

	// The signer stays recorded, so signing again is still a duplicate.
	again := &models.Signature{ProposalID: p.ID, KeyHash: "k1", KeyType: "ed25519", PublicKey: "00", Signature: []byte{1}, SignedArtifact: []byte{2}}
	require.ErrorIs(t, s.InsertSignature(ctx, again), ErrDuplicateSigner)
}

func TestInvalidateSignatureGuardedByProposalStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createProposal(t, s)
	sig := &models.Signature{ProposalID: p.ID, KeyHash: "k1", KeyType: "ed25519", PublicKey: "00", Signature: []byte{1}, SignedArtifact: []byte{2}}
	require.NoError(t, s.InsertSignature(ctx, sig))

	flipped, err := s.InvalidateSignature(ctx, sig.ID, models.StatusSigning, models.StatusReady)
	require.NoError(t, err)
	require.False(t, flipped)

	flipped, err = s.InvalidateSignature(ctx, sig.ID, models.StatusCreated)
	require.NoError(t, err)
	require.True(t, flipped)
}

func TestAttemptsAreSequenced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createProposal(t, s)

	_, err := s.LatestAttempt(ctx, p.ID)
	require.ErrorIs(t, err, ErrNoAttempts)

	require.NoError(t, s.AppendAttempt(ctx, &models.SubmissionAttempt{ProposalID: p.ID, TxID: "tx1", Outcome: models.OutcomeUnknown}))
	require.NoError(t, s.AppendAttempt(ctx, &models.SubmissionAttempt{ProposalID: p.ID, TxID: "tx2", Outcome: models.OutcomeAccepted}))
	require.NoError(t, s.AppendAttempt(ctx, &models.SubmissionAttempt{ProposalID: p.ID, TxID: "tx2", Outcome: models.OutcomeCommitted}))

	latest, err := s.LatestAttempt(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, 3, latest.Sequence)
	require.Equal(t, models.OutcomeCommitted, latest.Outcome)

	sends, err := s.SendCount(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, 2, sends)
}

func TestInvalidRecoveryOption(t *testing.T) {
	strict := newTestStore(t)
	require.False(t, strict.CanTransition(models.StatusInvalid, models.StatusSigning))

	lenient := newTestStore(t, WithInvalidRecovery())
	require.True(t, lenient.CanTransition(models.StatusInvalid, models.StatusSigning))

	ctx := context.Background()
	p := createProposal(t, lenient)
	_, err := lenient.Transition(ctx, p.ID, models.StatusCreated, models.StatusSigning)
	require.NoError(t, err)
	_, err = lenient.RecordTerminal(ctx, p.ID, models.StatusSigning, models.StatusInvalid, "signer removed")
	require.NoError(t, err)
	back, err := lenient.Transition(ctx, p.ID, models.StatusInvalid, models.StatusSigning)
	require.NoError(t, err)
	require.Equal(t, models.StatusSigning, back.Status)
}
