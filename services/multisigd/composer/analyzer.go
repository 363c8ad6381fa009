package composer

import (
	"fmt"
	"sort"
	"strings"
)

// authRequiringMethods are account methods that only run with owner authorization.
var authRequiringMethods = map[string]struct{}{
	"withdraw":                      {},
	"withdraw_non_fungibles":        {},
	"lock_fee":                      {},
	"lock_contingent_fee":           {},
	"lock_fee_and_withdraw":         {},
	"create_proof_of_amount":        {},
	"create_proof_of_non_fungibles": {},
	"securify":                      {},
}

// AccountsRequiringAuth lists, sorted and deduplicated, every account whose
// owner must authorize the manifest.
func AccountsRequiringAuth(m *Manifest) []string {
	seen := map[string]struct{}{}
	for _, ins := range m.Instructions {
		if ins.Name != "CALL_METHOD" || len(ins.Args) < 2 {
			continue
		}
		address, ok := ins.Args[0].StringArg()
		if !ok || ins.Args[0].Kind != KindCall || ins.Args[0].Text != "Address" {
			continue
		}
		if !strings.HasPrefix(address, "account_") {
			continue
		}
		method, ok := ins.Args[1].StringArg()
		if !ok || ins.Args[1].Kind != KindString {
			continue
		}
		if _, auth := authRequiringMethods[method]; auth {
			seen[address] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for account := range seen {
		out = append(out, account)
	}
	sort.Strings(out)
	return out
}

// CheckAuthorization rejects manifests that need owner authorization from any
// account other than target, since only target's signers will sign.
func CheckAuthorization(m *Manifest, target string) error {
	var foreign []string
	for _, account := range AccountsRequiringAuth(m) {
		if account != target {
			foreign = append(foreign, account)
		}
	}
	if len(foreign) > 0 {
		return fmt.Errorf("%w: manifest requires authorization from %s", ErrManifest, strings.Join(foreign, ", "))
	}
	return nil
}
