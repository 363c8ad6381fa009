package crypto

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/blake2b"
)

// KeyType identifies the signature scheme of a signer key.
type KeyType string

const (
	KeyTypeEd25519   KeyType = "ed25519"
	KeyTypeSecp256k1 KeyType = "secp256k1"
)

// KeyHashLength is the number of trailing blake2b-256 bytes the ledger keeps
// when deriving a signer badge from a public key.
const KeyHashLength = 29

var (
	ErrUnknownKeyType   = errors.New("crypto: unknown key type")
	ErrInvalidPublicKey = errors.New("crypto: invalid public key")
	ErrInvalidKeyHash   = errors.New("crypto: invalid key hash")
)

// ParseKeyType normalises the textual key type used by wallets and the gateway.
func ParseKeyType(raw string) (KeyType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "ed25519", "eddsaed25519", "eddsa_ed25519":
		return KeyTypeEd25519, nil
	case "secp256k1", "ecdsasecp256k1", "ecdsa_secp256k1":
		return KeyTypeSecp256k1, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKeyType, raw)
	}
}

// KeyHash is the policy-comparable identity of a signer key.
type KeyHash [KeyHashLength]byte

func (h KeyHash) String() string {
	return hex.EncodeToString(h[:])
}

// Short renders the hash the way operators see it in invalidation reasons.
func (h KeyHash) Short() string {
	s := h.String()
	return s[:8] + "..." + s[len(s)-6:]
}

// ParseKeyHash decodes a hex key hash.
func ParseKeyHash(s string) (KeyHash, error) {
	var out KeyHash
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidKeyHash, err)
	}
	if len(raw) != KeyHashLength {
		return out, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKeyHash, KeyHashLength, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// PublicKey is a signer key of either supported scheme. Secp256k1 keys are held
// in 33-byte compressed form.
type PublicKey struct {
	Type  KeyType
	Bytes []byte
}

// ParsePublicKey validates the encoding of raw for the given scheme.
func ParsePublicKey(keyType KeyType, raw []byte) (PublicKey, error) {
	switch keyType {
	case KeyTypeEd25519:
		if len(raw) != ed25519.PublicKeySize {
			return PublicKey{}, fmt.Errorf("%w: ed25519 key must be %d bytes", ErrInvalidPublicKey, ed25519.PublicKeySize)
		}
	case KeyTypeSecp256k1:
		switch len(raw) {
		case 33:
			if _, err := crypto.DecompressPubkey(raw); err != nil {
				return PublicKey{}, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
			}
		case 65:
			pub, err := crypto.UnmarshalPubkey(raw)
			if err != nil {
				return PublicKey{}, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
			}
			raw = crypto.CompressPubkey(pub)
		default:
			return PublicKey{}, fmt.Errorf("%w: secp256k1 key must be 33 or 65 bytes", ErrInvalidPublicKey)
		}
	default:
		return PublicKey{}, fmt.Errorf("%w: %q", ErrUnknownKeyType, keyType)
	}
	return PublicKey{Type: keyType, Bytes: append([]byte(nil), raw...)}, nil
}

// Hash derives the signer badge identity from the key bytes.
func (k PublicKey) Hash() KeyHash {
	sum := blake2b.Sum256(k.Bytes)
	var out KeyHash
	copy(out[:], sum[len(sum)-KeyHashLength:])
	return out
}

func (k PublicKey) Hex() string {
	return hex.EncodeToString(k.Bytes)
}

// Verify checks sig over the 32-byte digest. Secp256k1 signatures may carry a
// trailing recovery byte.
func (k PublicKey) Verify(digest, sig []byte) bool {
	switch k.Type {
	case KeyTypeEd25519:
		if len(k.Bytes) != ed25519.PublicKeySize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(k.Bytes), digest, sig)
	case KeyTypeSecp256k1:
		if len(digest) != 32 {
			return false
		}
		if len(sig) == crypto.SignatureLength {
			sig = sig[:crypto.SignatureLength-1]
		}
		if len(sig) != crypto.SignatureLength-1 {
			return false
		}
		return crypto.VerifySignature(k.Bytes, digest, sig)
	default:
		return false
	}
}

// PrivateKey signs digests for either supported scheme.
type PrivateKey struct {
	keyType KeyType
	ed      ed25519.PrivateKey
	secp    *ecdsa.PrivateKey
}

// GeneratePrivateKey creates a fresh key of the requested scheme.
func GeneratePrivateKey(keyType KeyType) (*PrivateKey, error) {
	switch keyType {
	case KeyTypeEd25519:
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		return &PrivateKey{keyType: keyType, ed: priv}, nil
	case KeyTypeSecp256k1:
		key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
		if err != nil {
			return nil, err
		}
		return &PrivateKey{keyType: keyType, secp: key}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKeyType, keyType)
	}
}

// PrivateKeyFromBytes restores a key from its raw encoding: the 32-byte seed
// for ed25519 and the 32-byte scalar for secp256k1.
func PrivateKeyFromBytes(keyType KeyType, b []byte) (*PrivateKey, error) {
	switch keyType {
	case KeyTypeEd25519:
		if len(b) != ed25519.SeedSize {
			return nil, fmt.Errorf("crypto: ed25519 seed must be %d bytes", ed25519.SeedSize)
		}
		return &PrivateKey{keyType: keyType, ed: ed25519.NewKeyFromSeed(b)}, nil
	case KeyTypeSecp256k1:
		key, err := crypto.ToECDSA(b)
		if err != nil {
			return nil, err
		}
		return &PrivateKey{keyType: keyType, secp: key}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKeyType, keyType)
	}
}

// PrivateKeyFromHex is PrivateKeyFromBytes for hex input, as found in config files.
func PrivateKeyFromHex(keyType KeyType, s string) (*PrivateKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: decode private key: %w", err)
	}
	return PrivateKeyFromBytes(keyType, raw)
}

func (k *PrivateKey) Type() KeyType {
	return k.keyType
}

// Bytes returns the raw encoding accepted by PrivateKeyFromBytes.
func (k *PrivateKey) Bytes() []byte {
	if k.keyType == KeyTypeEd25519 {
		return k.ed.Seed()
	}
	return crypto.FromECDSA(k.secp)
}

func (k *PrivateKey) PublicKey() PublicKey {
	if k.keyType == KeyTypeEd25519 {
		return PublicKey{Type: k.keyType, Bytes: append([]byte(nil), k.ed.Public().(ed25519.PublicKey)...)}
	}
	return PublicKey{Type: k.keyType, Bytes: crypto.CompressPubkey(&k.secp.PublicKey)}
}

// Sign produces a signature over a 32-byte digest.
func (k *PrivateKey) Sign(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("crypto: digest must be 32 bytes, got %d", len(digest))
	}
	if k.keyType == KeyTypeEd25519 {
		return ed25519.Sign(k.ed, digest), nil
	}
	return crypto.Sign(digest, k.secp)
}
