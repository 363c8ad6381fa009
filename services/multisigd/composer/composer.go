package composer

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"multisigd/crypto"
	"multisigd/services/multisigd/ledger"
	"multisigd/services/multisigd/models"
)

var (
	// ErrIncompleteQuorum is returned when fewer currently authorized
	// signatures than the live threshold are available.
	ErrIncompleteQuorum = errors.New("incomplete quorum")
	// ErrNotComposed is returned for proposals without an unsigned sub-action.
	ErrNotComposed = errors.New("proposal has no composed sub-action")
)

// WrapperValidity is how many rounds a wrapper transaction stays valid.
const WrapperValidity = 100

// Window is a half-open round range [Min, Max).
type Window struct {
	Min uint64
	Max uint64
}

// Composer builds unsigned sub-actions and the final submittable wrapper.
type Composer struct {
	network crypto.Network
	random  io.Reader
	rounds  ledger.RoundReader
	policy  ledger.PolicyReader
}

// Option customises a Composer.
type Option func(*Composer)

// WithRandom overrides the discriminator source.
func WithRandom(r io.Reader) Option {
	return func(c *Composer) {
		if r != nil {
			c.random = r
		}
	}
}

// New returns a Composer for network. The readers are consulted by
// ComposeFinal for the live policy and the wrapper's validity window.
func New(network crypto.Network, rounds ledger.RoundReader, policy ledger.PolicyReader, opts ...Option) *Composer {
	c := &Composer{network: network, random: rand.Reader, rounds: rounds, policy: policy}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Network returns the network the composer encodes for.
func (c *Composer) Network() crypto.Network {
	return c.network
}

// UnsignedSubAction is the composed artifact persisted with a proposal.
type UnsignedSubAction struct {
	SubAction     *SubAction
	Bytes         []byte
	Hash          Hash
	Discriminator uint64
}

// DisplayHash renders the action hash for wallets.
func (u *UnsignedSubAction) DisplayHash(network crypto.Network) (string, error) {
	return crypto.EncodeHash(network.SubActionHRP(), u.Hash[:])
}

// DiscriminatorHex is the persisted form of the discriminator.
func (u *UnsignedSubAction) DiscriminatorHex() string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], u.Discriminator)
	return hex.EncodeToString(b[:])
}

// BuildUnsigned parses action text, appends the yield-to-parent trailer,
// draws a fresh discriminator and encodes the sub-action for window. Two
// calls with the same input produce different hashes.
func (c *Composer) BuildUnsigned(actionText, targetAccount string, window Window) (*UnsignedSubAction, error) {
	if window.Min >= window.Max {
		return nil, fmt.Errorf("invalid round window [%d, %d)", window.Min, window.Max)
	}
	manifest, err := ParseManifest(actionText)
	if err != nil {
		return nil, err
	}
	if err := CheckAuthorization(manifest, targetAccount); err != nil {
		return nil, err
	}
	manifest.EnsureYieldToParent()

	var buf [8]byte
	if _, err := io.ReadFull(c.random, buf[:]); err != nil {
		return nil, fmt.Errorf("draw discriminator: %w", err)
	}
	discriminator := binary.BigEndian.Uint64(buf[:])

	sa := &SubAction{
		Header: IntentHeader{
			NetworkID:     c.network.ID,
			RoundMin:      window.Min,
			RoundMax:      window.Max,
			Discriminator: discriminator,
		},
		Instructions: manifest.Lines(),
	}
	raw, hash, err := EncodeSubAction(sa)
	if err != nil {
		return nil, err
	}
	return &UnsignedSubAction{SubAction: sa, Bytes: raw, Hash: hash, Discriminator: discriminator}, nil
}

// FeePayer is the account and key that pay for and notarize the wrapper.
type FeePayer struct {
	Account string
	Key     *crypto.PrivateKey
	LockFee *uint256.Int
}

// Submittable is a notarized wrapper ready to send.
type Submittable struct {
	TxID       string
	IntentHash Hash
	Bytes      []byte
	RoundMin   uint64
	RoundMax   uint64
	Signers    []string
}

// ComposeFinal wraps the proposal's signed sub-action in a fee-paying
// transaction. The live policy is read again: only valid signatures from
// keys still in the signer set are included, and fewer of them than the
// live threshold fails with ErrIncompleteQuorum.
func (c *Composer) ComposeFinal(ctx context.Context, proposal *models.Proposal, signatures []models.Signature, payer FeePayer) (*Submittable, error) {
	if !proposal.Composed() || len(proposal.UnsignedAction) == 0 {
		return nil, ErrNotComposed
	}
	if payer.Key == nil || strings.TrimSpace(payer.Account) == "" {
		return nil, errors.New("fee payer account and key are required")
	}
	_, hash, err := DecodeSubAction(proposal.UnsignedAction)
	if err != nil {
		return nil, err
	}
	if hash.Hex() != proposal.ActionHash {
		return nil, fmt.Errorf("stored sub-action does not match action hash %s", proposal.ActionHash)
	}

	policy, err := c.policy.ReadPolicy(ctx, proposal.TargetAccount)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	child := &SignedPartial{SubAction: proposal.UnsignedAction}
	var signers []string
	seen := make(map[string]struct{}, len(signatures))
	for _, sig := range signatures {
		if !sig.IsValid || sig.ProposalID != proposal.ID || !policy.Contains(sig.KeyHash) {
			continue
		}
		if _, dup := seen[sig.KeyHash]; dup {
			continue
		}
		raw, err := hex.DecodeString(sig.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("decode public key of %s: %w", sig.KeyHash, err)
		}
		pub, err := crypto.ParsePublicKey(crypto.KeyType(sig.KeyType), raw)
		if err != nil {
			return nil, fmt.Errorf("decode public key of %s: %w", sig.KeyHash, err)
		}
		// A row whose key does not hash to its recorded signer counts for nobody.
		if pub.Hash().String() != sig.KeyHash {
			continue
		}
		seen[sig.KeyHash] = struct{}{}
		child.Signatures = append(child.Signatures, SignerSignature{
			KeyType:   sig.KeyType,
			PublicKey: raw,
			Signature: sig.Signature,
		})
		signers = append(signers, sig.KeyHash)
	}
	if len(seen) < policy.Threshold {
		return nil, fmt.Errorf("%w: have %d of %d", ErrIncompleteQuorum, len(seen), policy.Threshold)
	}
	childBytes, err := EncodeSignedPartial(child)
	if err != nil {
		return nil, err
	}

	round, err := c.rounds.CurrentRound(ctx)
	if err != nil {
		return nil, fmt.Errorf("read current round: %w", err)
	}
	return c.wrap(round, payer, childBytes, signers)
}

func (c *Composer) wrap(round uint64, payer FeePayer, child []byte, signers []string) (*Submittable, error) {
	fee := payer.LockFee
	if fee == nil {
		fee = new(uint256.Int)
	}
	_, childHash, err := childSubActionHash(child)
	if err != nil {
		return nil, err
	}
	childID, err := crypto.EncodeHash(c.network.SubActionHRP(), childHash[:])
	if err != nil {
		return nil, err
	}
	manifestText := fmt.Sprintf(
		"USE_CHILD NamedIntent(\"child\") Intent(%q);\n"+
			"CALL_METHOD Address(%q) \"lock_fee\" Decimal(%q);\n"+
			"YIELD_TO_CHILD NamedIntent(\"child\");\n"+
			"CALL_METHOD Address(%q) \"deposit_batch\" Expression(\"ENTIRE_WORKTOP\");",
		childID, payer.Account, FormatDecimal(fee), payer.Account,
	)
	manifest, err := ParseManifest(manifestText)
	if err != nil {
		return nil, err
	}

	var buf [8]byte
	if _, err := io.ReadFull(c.random, buf[:]); err != nil {
		return nil, fmt.Errorf("draw discriminator: %w", err)
	}
	notary := payer.Key.PublicKey()
	intent := &WrapperIntent{
		Header: IntentHeader{
			NetworkID:     c.network.ID,
			RoundMin:      round,
			RoundMax:      round + WrapperValidity,
			Discriminator: binary.BigEndian.Uint64(buf[:]),
		},
		NotaryKeyType: string(notary.Type),
		NotaryKey:     notary.Bytes,
		FeePayer:      payer.Account,
		LockFee:       fee,
		Instructions:  manifest.Lines(),
		Children:      [][]byte{child},
	}
	intentBytes, err := rlp.EncodeToBytes(intent)
	if err != nil {
		return nil, fmt.Errorf("encode wrapper: %w", err)
	}
	intentHash := domainHash(wrapperIntentDomain, intentBytes)

	// The fee payer signs the intent to authorize lock_fee, then notarizes.
	intentSig, err := payer.Key.Sign(intentHash[:])
	if err != nil {
		return nil, err
	}
	signed := &SignedIntent{
		Intent: intentBytes,
		Signatures: []SignerSignature{{
			KeyType:   string(notary.Type),
			PublicKey: notary.Bytes,
			Signature: intentSig,
		}},
	}
	signedBytes, err := rlp.EncodeToBytes(signed)
	if err != nil {
		return nil, err
	}
	signedHash := domainHash(signedIntentDomain, signedBytes)
	notarySig, err := payer.Key.Sign(signedHash[:])
	if err != nil {
		return nil, err
	}
	payload, err := rlp.EncodeToBytes(&NotarizedTransaction{Signed: signedBytes, NotarySignature: notarySig})
	if err != nil {
		return nil, err
	}
	txID, err := crypto.EncodeHash(c.network.TransactionHRP(), intentHash[:])
	if err != nil {
		return nil, err
	}
	return &Submittable{
		TxID:       txID,
		IntentHash: intentHash,
		Bytes:      payload,
		RoundMin:   intent.Header.RoundMin,
		RoundMax:   intent.Header.RoundMax,
		Signers:    signers,
	}, nil
}

func childSubActionHash(child []byte) (*SignedPartial, Hash, error) {
	sp, err := DecodeSignedPartial(child)
	if err != nil {
		return nil, Hash{}, err
	}
	_, hash, err := DecodeSubAction(sp.SubAction)
	return sp, hash, err
}

// VerifyNotarized checks the intent and notary signatures of a payload built
// by ComposeFinal and returns its intent hash.
func VerifyNotarized(raw []byte) (Hash, error) {
	nt, si, wi, err := DecodeNotarized(raw)
	if err != nil {
		return Hash{}, err
	}
	intentHash := domainHash(wrapperIntentDomain, si.Intent)
	notaryType, err := crypto.ParseKeyType(wi.NotaryKeyType)
	if err != nil {
		return Hash{}, err
	}
	notary, err := crypto.ParsePublicKey(notaryType, wi.NotaryKey)
	if err != nil {
		return Hash{}, err
	}
	for _, sig := range si.Signatures {
		key, err := sig.Key()
		if err != nil {
			return Hash{}, err
		}
		if !key.Verify(intentHash[:], sig.Signature) {
			return Hash{}, errors.New("invalid intent signature")
		}
	}
	signedHash := domainHash(signedIntentDomain, nt.Signed)
	if !notary.Verify(signedHash[:], nt.NotarySignature) {
		return Hash{}, errors.New("invalid notary signature")
	}
	return intentHash, nil
}
