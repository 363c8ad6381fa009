package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"multisigd/crypto"
)

var (
	// ErrDenyAll is returned for accounts nobody can authorize.
	ErrDenyAll = errors.New("account has DenyAll access rule")
	// ErrUnsupportedRule is returned for rule shapes this service cannot count.
	ErrUnsupportedRule = errors.New("unsupported access rule")
)

// Signer is one key listed in an account's authorization policy.
type Signer struct {
	KeyHash       string         `json:"key_hash"`
	KeyType       crypto.KeyType `json:"key_type"`
	BadgeResource string         `json:"badge_resource"`
	BadgeLocalID  string         `json:"badge_local_id"`
}

// Policy is the live signer set and threshold of an account. It is read fresh
// for every decision and never cached.
type Policy struct {
	Signers   []Signer `json:"signers"`
	Threshold int      `json:"threshold"`
	Updatable bool     `json:"is_updatable"`
}

// Contains reports whether keyHash is currently an authorized signer.
func (p *Policy) Contains(keyHash string) bool {
	if p == nil {
		return false
	}
	keyHash = strings.ToLower(keyHash)
	for _, s := range p.Signers {
		if s.KeyHash == keyHash {
			return true
		}
	}
	return false
}

// KeyHashes returns the signer set as a lookup table.
func (p *Policy) KeyHashes() map[string]struct{} {
	out := make(map[string]struct{}, len(p.Signers))
	for _, s := range p.Signers {
		out[s.KeyHash] = struct{}{}
	}
	return out
}

type ruleNode struct {
	Type       string      `json:"type"`
	AccessRule *accessRule `json:"access_rule"`
}

type accessRule struct {
	Type      string     `json:"type"`
	ProofRule *proofRule `json:"proof_rule"`
}

type proofRule struct {
	Type        string        `json:"type"`
	Count       *int          `json:"count"`
	List        []requirement `json:"list"`
	Requirement *requirement  `json:"requirement"`
}

type requirement struct {
	Type        string `json:"type"`
	NonFungible *struct {
		ResourceAddress string `json:"resource_address"`
		LocalID         struct {
			SimpleRep string `json:"simple_rep"`
		} `json:"local_id"`
	} `json:"non_fungible"`
}

// ParseOwnerRule converts the gateway's owner rule JSON into a Policy.
func ParseOwnerRule(raw json.RawMessage) (*Policy, error) {
	var node ruleNode
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, fmt.Errorf("decode owner rule: %w", err)
	}
	switch node.Type {
	case "Protected":
		if node.AccessRule == nil || node.AccessRule.ProofRule == nil {
			return nil, fmt.Errorf("%w: protected rule without proof_rule", ErrUnsupportedRule)
		}
		return parseProofRule(node.AccessRule.ProofRule)
	case "AllowAll":
		return &Policy{Threshold: 0}, nil
	case "DenyAll":
		return nil, ErrDenyAll
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrUnsupportedRule)
	default:
		return nil, fmt.Errorf("%w: rule type %s", ErrUnsupportedRule, node.Type)
	}
}

func parseProofRule(rule *proofRule) (*Policy, error) {
	switch rule.Type {
	case "CountOf":
		if rule.Count == nil {
			return nil, fmt.Errorf("%w: missing count in CountOf rule", ErrUnsupportedRule)
		}
		signers, err := parseRequirements(rule.List)
		if err != nil {
			return nil, err
		}
		return &Policy{Signers: signers, Threshold: *rule.Count}, nil
	case "Require":
		if rule.Requirement == nil {
			return nil, fmt.Errorf("%w: missing requirement", ErrUnsupportedRule)
		}
		signer, err := parseRequirement(*rule.Requirement)
		if err != nil {
			return nil, err
		}
		return &Policy{Signers: []Signer{signer}, Threshold: 1}, nil
	case "AllOf":
		signers, err := parseRequirements(rule.List)
		if err != nil {
			return nil, err
		}
		return &Policy{Signers: signers, Threshold: len(signers)}, nil
	case "AnyOf":
		signers, err := parseRequirements(rule.List)
		if err != nil {
			return nil, err
		}
		return &Policy{Signers: signers, Threshold: 1}, nil
	default:
		return nil, fmt.Errorf("%w: proof rule type %q", ErrUnsupportedRule, rule.Type)
	}
}

func parseRequirements(list []requirement) ([]Signer, error) {
	if list == nil {
		return nil, fmt.Errorf("%w: missing list", ErrUnsupportedRule)
	}
	signers := make([]Signer, 0, len(list))
	for _, req := range list {
		signer, err := parseRequirement(req)
		if err != nil {
			return nil, err
		}
		signers = append(signers, signer)
	}
	return signers, nil
}

func parseRequirement(req requirement) (Signer, error) {
	if req.Type != "NonFungible" {
		return Signer{}, fmt.Errorf("%w: expected NonFungible requirement, got %q", ErrUnsupportedRule, req.Type)
	}
	if req.NonFungible == nil || req.NonFungible.ResourceAddress == "" {
		return Signer{}, fmt.Errorf("%w: missing resource_address", ErrUnsupportedRule)
	}
	rep := req.NonFungible.LocalID.SimpleRep
	if rep == "" {
		return Signer{}, fmt.Errorf("%w: missing simple_rep", ErrUnsupportedRule)
	}
	resource := req.NonFungible.ResourceAddress
	var keyType crypto.KeyType
	switch {
	case strings.Contains(resource, "ed25sg"):
		keyType = crypto.KeyTypeEd25519
	case strings.Contains(resource, "secpsg"):
		keyType = crypto.KeyTypeSecp256k1
	}
	return Signer{
		KeyHash:       strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(rep, "["), "]")),
		KeyType:       keyType,
		BadgeResource: resource,
		BadgeLocalID:  rep,
	}, nil
}
