package composer

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"lukechampine.com/blake3"

	"multisigd/crypto"
)

// Hash domains keep sub-action, wrapper and notarization digests disjoint.
const (
	subActionDomain     = "multisig/subaction/v1"
	wrapperIntentDomain = "multisig/transaction/v1"
	signedIntentDomain  = "multisig/signed-intent/v1"
)

// ErrMalformedArtifact is returned for bytes that do not decode as the
// expected artifact.
var ErrMalformedArtifact = errors.New("malformed artifact")

// Hash is a 32-byte blake3 digest.
type Hash [32]byte

func (h Hash) Hex() string { return hex.EncodeToString(h[:]) }

// ParseHash decodes a hex digest.
func ParseHash(s string) (Hash, error) {
	var out Hash
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(out) {
		return out, fmt.Errorf("invalid hash %q", s)
	}
	copy(out[:], raw)
	return out, nil
}

// IntentHeader carries the network and validity window of an intent. The
// window is [RoundMin, RoundMax).
type IntentHeader struct {
	NetworkID     uint8
	RoundMin      uint64
	RoundMax      uint64
	Discriminator uint64
}

// SubAction is the signable unit a proposal's signers approve.
type SubAction struct {
	Header       IntentHeader
	Instructions []string
}

// EncodeSubAction returns the canonical bytes and the action hash.
func EncodeSubAction(sa *SubAction) ([]byte, Hash, error) {
	raw, err := rlp.EncodeToBytes(sa)
	if err != nil {
		return nil, Hash{}, fmt.Errorf("encode sub-action: %w", err)
	}
	return raw, domainHash(subActionDomain, raw), nil
}

// DecodeSubAction parses canonical sub-action bytes and recomputes the hash
// they commit to.
func DecodeSubAction(raw []byte) (*SubAction, Hash, error) {
	var sa SubAction
	if err := rlp.DecodeBytes(raw, &sa); err != nil {
		return nil, Hash{}, fmt.Errorf("%w: sub-action: %v", ErrMalformedArtifact, err)
	}
	return &sa, domainHash(subActionDomain, raw), nil
}

// SignerSignature is one signature together with the key that made it.
type SignerSignature struct {
	KeyType   string
	PublicKey []byte
	Signature []byte
}

// Key validates and returns the signer's public key.
func (s SignerSignature) Key() (crypto.PublicKey, error) {
	keyType, err := crypto.ParseKeyType(s.KeyType)
	if err != nil {
		return crypto.PublicKey{}, err
	}
	return crypto.ParsePublicKey(keyType, s.PublicKey)
}

// SignedPartial is what a wallet returns after signing a sub-action: the exact
// sub-action bytes it signed plus its signatures.
type SignedPartial struct {
	SubAction  []byte
	Signatures []SignerSignature
}

// EncodeSignedPartial serialises a signed partial.
func EncodeSignedPartial(sp *SignedPartial) ([]byte, error) {
	return rlp.EncodeToBytes(sp)
}

// DecodeSignedPartial parses wallet output.
func DecodeSignedPartial(raw []byte) (*SignedPartial, error) {
	var sp SignedPartial
	if err := rlp.DecodeBytes(raw, &sp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedArtifact, err)
	}
	if len(sp.SubAction) == 0 {
		return nil, fmt.Errorf("%w: empty sub-action", ErrMalformedArtifact)
	}
	return &sp, nil
}

// SignSubAction is the wallet side of signing: it signs the hash of unsigned
// with every key and returns the encoded signed partial.
func SignSubAction(unsigned []byte, keys ...*crypto.PrivateKey) ([]byte, error) {
	_, hash, err := DecodeSubAction(unsigned)
	if err != nil {
		return nil, err
	}
	sp := &SignedPartial{SubAction: unsigned}
	for _, key := range keys {
		sig, err := key.Sign(hash[:])
		if err != nil {
			return nil, err
		}
		pub := key.PublicKey()
		sp.Signatures = append(sp.Signatures, SignerSignature{
			KeyType:   string(pub.Type),
			PublicKey: pub.Bytes,
			Signature: sig,
		})
	}
	return EncodeSignedPartial(sp)
}

// WrapperIntent is the fee-paying outer transaction that yields to the
// signed sub-action.
type WrapperIntent struct {
	Header        IntentHeader
	NotaryKeyType string
	NotaryKey     []byte
	FeePayer      string
	LockFee       *uint256.Int
	Instructions  []string
	Children      [][]byte
}

// SignedIntent is the wrapper together with its intent signatures.
type SignedIntent struct {
	Intent     []byte
	Signatures []SignerSignature
}

// NotarizedTransaction is the submittable form of a wrapper.
type NotarizedTransaction struct {
	Signed          []byte
	NotarySignature []byte
}

// DecodeNotarized unpacks a submittable transaction down to its wrapper.
func DecodeNotarized(raw []byte) (*NotarizedTransaction, *SignedIntent, *WrapperIntent, error) {
	var nt NotarizedTransaction
	if err := rlp.DecodeBytes(raw, &nt); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: notarized transaction: %v", ErrMalformedArtifact, err)
	}
	var si SignedIntent
	if err := rlp.DecodeBytes(nt.Signed, &si); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: signed intent: %v", ErrMalformedArtifact, err)
	}
	var wi WrapperIntent
	if err := rlp.DecodeBytes(si.Intent, &wi); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: wrapper intent: %v", ErrMalformedArtifact, err)
	}
	return &nt, &si, &wi, nil
}

func domainHash(domain string, raw []byte) Hash {
	h := blake3.New(32, nil)
	_, _ = h.Write([]byte(domain))
	_, _ = h.Write(raw)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}
