package composer

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"multisigd/crypto"
	"multisigd/services/multisigd/ledger/ledgertest"
	"multisigd/services/multisigd/models"
)

const (
	multisigAccount = "account_tdx_2_1cx3u3xgr9anc9fk54dxzsz6k2n6lnadludkx4mx5re5erl8jt9lpnp"
	otherAccount    = "account_tdx_2_12xsvygvltz4uhsht6tdrfxktzpmnl77r0d40j8agmujgdj02el3l9v"
	feePayerAccount = "account_tdx_2_1feepayerxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"
	xrd             = "resource_tdx_2_1tknxxxxxxxxxradxrdxxxxxxxxx009923554798xxxxxxxxxtfd2jc"
)

var withdrawManifest = `CALL_METHOD
    Address("` + multisigAccount + `")
    "withdraw"
    Address("` + xrd + `")
    Decimal("100")
;
TAKE_ALL_FROM_WORKTOP
    Address("` + xrd + `")
    Bucket("xrd_bucket")
;
CALL_METHOD
    Address("` + otherAccount + `")
    "deposit"
    Bucket("xrd_bucket")
;`

func TestParseManifestNormalisesWhitespace(t *testing.T) {
	m, err := ParseManifest(withdrawManifest)
	require.NoError(t, err)
	require.Len(t, m.Instructions, 3)
	require.Equal(t, `CALL_METHOD Address("`+multisigAccount+`") "withdraw" Address("`+xrd+`") Decimal("100");`, m.Lines()[0])

	again, err := ParseManifest(m.String())
	require.NoError(t, err)
	require.Equal(t, m.Lines(), again.Lines())
}

func TestParseManifestErrors(t *testing.T) {
	cases := map[string]string{
		"empty":         "   // nothing here\n",
		"unknown":       `EXPLODE Address("x");`,
		"unterminated":  `CALL_METHOD Address("x) "withdraw";`,
		"missing semi":  `CALL_METHOD Address("x") "withdraw"`,
		"unclosed call": `CALL_METHOD Address("x" "withdraw";`,
		"bad char":      `CALL_METHOD Address("x") @;`,
		"missing comma": `CALL_METHOD Tuple(1u8 2u8);`,
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseManifest(text)
			require.ErrorIs(t, err, ErrManifest)
		})
	}
}

func TestParseManifestTypedValues(t *testing.T) {
	m, err := ParseManifest(`CALL_METHOD Address("a") "f" Array<Bucket>(Bucket("b"), Bucket("c")) Map<String, Tuple>() true -5i32;`)
	require.NoError(t, err)
	args := m.Instructions[0].Args
	require.Len(t, args, 6)
	require.Equal(t, KindCall, args[2].Kind)
	require.Equal(t, "Array<Bucket>", args[2].Text)
	require.Len(t, args[2].Args, 2)
	require.Equal(t, "Map<String,Tuple>", args[3].Text)
	require.Equal(t, KindIdent, args[4].Kind)
	require.Equal(t, KindNumber, args[5].Kind)
}

func TestYieldToParentAppendedOnce(t *testing.T) {
	m, err := ParseManifest(withdrawManifest)
	require.NoError(t, err)
	m.EnsureYieldToParent()
	m.EnsureYieldToParent()
	require.Len(t, m.Instructions, 4)
	require.Equal(t, "YIELD_TO_PARENT;", m.Lines()[3])
}

func TestAccountsRequiringAuth(t *testing.T) {
	m, err := ParseManifest(withdrawManifest)
	require.NoError(t, err)
	require.Equal(t, []string{multisigAccount}, AccountsRequiringAuth(m))
	require.NoError(t, CheckAuthorization(m, multisigAccount))
	require.ErrorIs(t, CheckAuthorization(m, otherAccount), ErrManifest)

	both, err := ParseManifest(`
CALL_METHOD Address("` + multisigAccount + `") "withdraw" Address("` + xrd + `") Decimal("50");
CALL_METHOD Address("` + otherAccount + `") "withdraw" Address("` + xrd + `") Decimal("50");
CALL_METHOD Address("` + multisigAccount + `") "create_proof_of_amount" Address("` + xrd + `") Decimal("1");`)
	require.NoError(t, err)
	require.Equal(t, []string{multisigAccount, otherAccount}, AccountsRequiringAuth(both))
}

func newTestComposer(t *testing.T, gw *ledgertest.Gateway) *Composer {
	t.Helper()
	return New(crypto.Stokenet, gw, gw)
}

func TestBuildUnsignedIsFreshAndHashed(t *testing.T) {
	gw := ledgertest.New(100)
	c := newTestComposer(t, gw)

	first, err := c.BuildUnsigned(withdrawManifest, multisigAccount, Window{Min: 100, Max: 110})
	require.NoError(t, err)
	second, err := c.BuildUnsigned(withdrawManifest, multisigAccount, Window{Min: 100, Max: 110})
	require.NoError(t, err)

	require.NotEqual(t, first.Hash, second.Hash)
	require.NotEqual(t, first.Discriminator, second.Discriminator)
	require.Equal(t, "YIELD_TO_PARENT;", first.SubAction.Instructions[len(first.SubAction.Instructions)-1])

	decoded, hash, err := DecodeSubAction(first.Bytes)
	require.NoError(t, err)
	require.Equal(t, first.Hash, hash)
	require.Equal(t, uint64(110), decoded.Header.RoundMax)
	require.Equal(t, crypto.Stokenet.ID, decoded.Header.NetworkID)

	display, err := first.DisplayHash(crypto.Stokenet)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(display, "subtxid_tdx_2_1"))
	require.Len(t, first.DiscriminatorHex(), 16)
}

func TestBuildUnsignedDeterministicWithFixedRandom(t *testing.T) {
	gw := ledgertest.New(1)
	seed := bytes.Repeat([]byte{7}, 16)
	a, err := New(crypto.Simulator, gw, gw, WithRandom(bytes.NewReader(seed))).BuildUnsigned(withdrawManifest, multisigAccount, Window{Min: 1, Max: 2})
	require.NoError(t, err)
	b, err := New(crypto.Simulator, gw, gw, WithRandom(bytes.NewReader(seed))).BuildUnsigned(withdrawManifest, multisigAccount, Window{Min: 1, Max: 2})
	require.NoError(t, err)
	require.Equal(t, a.Hash, b.Hash)
}

func TestBuildUnsignedRejects(t *testing.T) {
	c := newTestComposer(t, ledgertest.New(1))
	_, err := c.BuildUnsigned("NOT A MANIFEST", multisigAccount, Window{Min: 1, Max: 5})
	require.ErrorIs(t, err, ErrManifest)

	_, err = c.BuildUnsigned(withdrawManifest, otherAccount, Window{Min: 1, Max: 5})
	require.ErrorIs(t, err, ErrManifest)

	_, err = c.BuildUnsigned(withdrawManifest, multisigAccount, Window{Min: 5, Max: 5})
	require.Error(t, err)
}

func TestSignSubActionVerifies(t *testing.T) {
	c := newTestComposer(t, ledgertest.New(1))
	unsigned, err := c.BuildUnsigned(withdrawManifest, multisigAccount, Window{Min: 1, Max: 5})
	require.NoError(t, err)
	key, err := crypto.GeneratePrivateKey(crypto.KeyTypeSecp256k1)
	require.NoError(t, err)

	raw, err := SignSubAction(unsigned.Bytes, key)
	require.NoError(t, err)
	sp, err := DecodeSignedPartial(raw)
	require.NoError(t, err)
	require.Len(t, sp.Signatures, 1)
	pub, err := sp.Signatures[0].Key()
	require.NoError(t, err)
	require.True(t, pub.Verify(unsigned.Hash[:], sp.Signatures[0].Signature))

	_, err = DecodeSignedPartial([]byte{0xff, 0x00})
	require.ErrorIs(t, err, ErrMalformedArtifact)
}

type signedProposal struct {
	proposal *models.Proposal
	sigs     []models.Signature
	keys     []*crypto.PrivateKey
}

func composedProposal(t *testing.T, c *Composer, signers int) signedProposal {
	t.Helper()
	unsigned, err := c.BuildUnsigned(withdrawManifest, multisigAccount, Window{Min: 100, Max: 110})
	require.NoError(t, err)
	p := &models.Proposal{
		ID:             uuid.New(),
		ActionText:     withdrawManifest,
		TargetAccount:  multisigAccount,
		RoundMin:       100,
		RoundMax:       110,
		Status:         models.StatusReady,
		ActionHash:     unsigned.Hash.Hex(),
		UnsignedAction: unsigned.Bytes,
	}
	out := signedProposal{proposal: p}
	for i := 0; i < signers; i++ {
		key, err := crypto.GeneratePrivateKey(crypto.KeyTypeEd25519)
		require.NoError(t, err)
		sig, err := key.Sign(unsigned.Hash[:])
		require.NoError(t, err)
		pub := key.PublicKey()
		out.keys = append(out.keys, key)
		out.sigs = append(out.sigs, models.Signature{
			ID:         uuid.New(),
			ProposalID: p.ID,
			KeyHash:    pub.Hash().String(),
			KeyType:    string(pub.Type),
			PublicKey:  pub.Hex(),
			Signature:  sig,
			IsValid:    true,
		})
	}
	return out
}

func feePayer(t *testing.T) FeePayer {
	t.Helper()
	key, err := crypto.GeneratePrivateKey(crypto.KeyTypeEd25519)
	require.NoError(t, err)
	fee, err := ParseDecimal("10")
	require.NoError(t, err)
	return FeePayer{Account: feePayerAccount, Key: key, LockFee: fee}
}

func TestComposeFinalWrapsSignedSubAction(t *testing.T) {
	gw := ledgertest.New(105)
	c := newTestComposer(t, gw)
	sp := composedProposal(t, c, 3)
	gw.SetPolicy(multisigAccount, 2, sp.keys[0].PublicKey(), sp.keys[1].PublicKey(), sp.keys[2].PublicKey())

	out, err := c.ComposeFinal(context.Background(), sp.proposal, sp.sigs, feePayer(t))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out.TxID, "txid_tdx_2_1"))
	require.Equal(t, uint64(105), out.RoundMin)
	require.Equal(t, uint64(105+WrapperValidity), out.RoundMax)
	require.Len(t, out.Signers, 3)

	hash, err := VerifyNotarized(out.Bytes)
	require.NoError(t, err)
	require.Equal(t, out.IntentHash, hash)

	_, _, wrapper, err := DecodeNotarized(out.Bytes)
	require.NoError(t, err)
	require.Equal(t, feePayerAccount, wrapper.FeePayer)
	require.Equal(t, "10", FormatDecimal(wrapper.LockFee))
	require.Len(t, wrapper.Children, 1)
	require.Contains(t, wrapper.Instructions[1], `"lock_fee"`)
	require.True(t, strings.HasPrefix(wrapper.Instructions[2], "YIELD_TO_CHILD"))

	child, err := DecodeSignedPartial(wrapper.Children[0])
	require.NoError(t, err)
	require.Equal(t, sp.proposal.UnsignedAction, child.SubAction)
	require.Len(t, child.Signatures, 3)
}

func TestComposeFinalRevalidatesAgainstLivePolicy(t *testing.T) {
	gw := ledgertest.New(105)
	c := newTestComposer(t, gw)
	sp := composedProposal(t, c, 2)

	// One of the two signers was removed from the policy after signing.
	stranger, err := crypto.GeneratePrivateKey(crypto.KeyTypeEd25519)
	require.NoError(t, err)
	gw.SetPolicy(multisigAccount, 2, sp.keys[0].PublicKey(), stranger.PublicKey())
	_, err = c.ComposeFinal(context.Background(), sp.proposal, sp.sigs, feePayer(t))
	require.ErrorIs(t, err, ErrIncompleteQuorum)

	// Soft-invalidated signatures never count.
	gw.SetPolicy(multisigAccount, 2, sp.keys[0].PublicKey(), sp.keys[1].PublicKey())
	sp.sigs[1].IsValid = false
	_, err = c.ComposeFinal(context.Background(), sp.proposal, sp.sigs, feePayer(t))
	require.ErrorIs(t, err, ErrIncompleteQuorum)
}

func TestComposeFinalCountsDistinctSigners(t *testing.T) {
	gw := ledgertest.New(105)
	c := newTestComposer(t, gw)
	sp := composedProposal(t, c, 3)
	gw.SetPolicy(multisigAccount, 2, sp.keys[0].PublicKey(), sp.keys[1].PublicKey(), sp.keys[2].PublicKey())

	repeated := []models.Signature{sp.sigs[0], sp.sigs[0]}
	_, err := c.ComposeFinal(context.Background(), sp.proposal, repeated, feePayer(t))
	require.ErrorIs(t, err, ErrIncompleteQuorum)

	// A row claiming another signer's hash is not that signer.
	forged := sp.sigs[0]
	forged.ID = uuid.New()
	forged.KeyHash = sp.sigs[1].KeyHash
	_, err = c.ComposeFinal(context.Background(), sp.proposal, []models.Signature{sp.sigs[0], forged}, feePayer(t))
	require.ErrorIs(t, err, ErrIncompleteQuorum)

	tx, err := c.ComposeFinal(context.Background(), sp.proposal, []models.Signature{sp.sigs[0], sp.sigs[0], sp.sigs[2]}, feePayer(t))
	require.NoError(t, err)
	require.ElementsMatch(t, []string{sp.sigs[0].KeyHash, sp.sigs[2].KeyHash}, tx.Signers)
}

func TestComposeFinalRequiresComposedProposal(t *testing.T) {
	gw := ledgertest.New(1)
	c := newTestComposer(t, gw)
	_, err := c.ComposeFinal(context.Background(), &models.Proposal{ID: uuid.New()}, nil, feePayer(t))
	require.ErrorIs(t, err, ErrNotComposed)
}

func TestDecimalRoundTrip(t *testing.T) {
	for _, in := range []string{"0", "1", "10.5", "0.000000000000000001", "123456789.25"} {
		v, err := ParseDecimal(in)
		require.NoError(t, err)
		require.Equal(t, in, FormatDecimal(v))
	}
	v, err := ParseDecimal(".5")
	require.NoError(t, err)
	require.Equal(t, "0.5", FormatDecimal(v))

	_, err = ParseDecimal("1.0000000000000000001")
	require.Error(t, err)
	_, err = ParseDecimal("abc")
	require.Error(t, err)
	require.Equal(t, "0", FormatDecimal(uint256.NewInt(0)))
}
