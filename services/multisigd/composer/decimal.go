package composer

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// DecimalPlaces is the fixed-point precision of ledger amounts.
const DecimalPlaces = 18

var decimalScale = new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(DecimalPlaces))

// ParseDecimal converts a non-negative decimal string such as "10.5" into
// atto units.
func ParseDecimal(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty decimal")
	}
	whole, frac, _ := strings.Cut(s, ".")
	if len(frac) > DecimalPlaces {
		return nil, fmt.Errorf("decimal %q has more than %d fractional digits", s, DecimalPlaces)
	}
	if whole == "" {
		whole = "0"
	}
	w, err := uint256.FromDecimal(whole)
	if err != nil {
		return nil, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	out, overflow := new(uint256.Int).MulOverflow(w, decimalScale)
	if overflow {
		return nil, fmt.Errorf("decimal %q overflows", s)
	}
	if frac != "" {
		f, err := uint256.FromDecimal(frac + strings.Repeat("0", DecimalPlaces-len(frac)))
		if err != nil {
			return nil, fmt.Errorf("invalid decimal %q: %w", s, err)
		}
		if _, overflow := out.AddOverflow(out, f); overflow {
			return nil, fmt.Errorf("decimal %q overflows", s)
		}
	}
	return out, nil
}

// FormatDecimal renders atto units in the shortest decimal form.
func FormatDecimal(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	whole, frac := new(uint256.Int).DivMod(v, decimalScale, new(uint256.Int))
	if frac.IsZero() {
		return whole.Dec()
	}
	fracText := frac.Dec()
	fracText = strings.Repeat("0", DecimalPlaces-len(fracText)) + fracText
	return whole.Dec() + "." + strings.TrimRight(fracText, "0")
}
