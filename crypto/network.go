package crypto

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
)

// Network describes a ledger network and the human readable suffix used in
// its bech32 identifiers.
type Network struct {
	ID     byte
	Name   string
	Suffix string
}

var (
	Mainnet   = Network{ID: 0x01, Name: "mainnet", Suffix: "rdx"}
	Stokenet  = Network{ID: 0x02, Name: "stokenet", Suffix: "tdx_2_"}
	Simulator = Network{ID: 0xf2, Name: "simulator", Suffix: "sim"}
)

// NetworkByName resolves a configured network name.
func NetworkByName(name string) (Network, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case Mainnet.Name:
		return Mainnet, nil
	case Stokenet.Name:
		return Stokenet, nil
	case Simulator.Name:
		return Simulator, nil
	default:
		return Network{}, fmt.Errorf("unknown network %q", name)
	}
}

// SubActionHRP is the prefix for signable sub-action hashes.
func (n Network) SubActionHRP() string { return "subtxid_" + n.Suffix }

// TransactionHRP is the prefix for submitted transaction ids.
func (n Network) TransactionHRP() string { return "txid_" + n.Suffix }

// EncodeHash renders a hash in bech32 under the given prefix.
func EncodeHash(hrp string, hash []byte) (string, error) {
	conv, err := bech32.ConvertBits(hash, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(hrp, conv)
}

// DecodeHash reverses EncodeHash.
func DecodeHash(s string) (string, []byte, error) {
	hrp, decoded, err := bech32.Decode(s)
	if err != nil {
		return "", nil, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return "", nil, fmt.Errorf("error converting bits: %w", err)
	}
	return hrp, conv, nil
}
