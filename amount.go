package agentgate

import (
	"math/big"
	"strings"
)

// AmountToUnits converts a display-unit decimal string to smallest units.
// For example, "1.5" with 6 decimals becomes 1500000. The conversion is pure
// integer arithmetic: the string is split on the decimal point and the
// fraction is right-padded to the token's decimals. Amounts with more
// fractional digits than the token supports, negative amounts, and malformed
// strings return ErrInvalidAmount.
func AmountToUnits(amount string, decimals int) (*big.Int, error) {
	if amount == "" || decimals < 0 {
		return nil, ErrInvalidAmount
	}
	if strings.HasPrefix(amount, "-") || strings.HasPrefix(amount, "+") {
		return nil, ErrInvalidAmount
	}

	whole, frac := amount, ""
	if i := strings.IndexByte(amount, '.'); i >= 0 {
		whole, frac = amount[:i], amount[i+1:]
	}
	if whole == "" && frac == "" {
		return nil, ErrInvalidAmount
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > decimals {
		return nil, ErrInvalidAmount
	}
	frac += strings.Repeat("0", decimals-len(frac))

	units, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok || units.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	return units, nil
}

// UnitsToAmount converts smallest units back to a display-unit decimal
// string, trimming trailing fractional zeros. For example, 1500000 with 6
// decimals becomes "1.5".
func UnitsToAmount(units *big.Int, decimals int) string {
	if units == nil {
		return "0"
	}
	s := units.String()
	if decimals == 0 {
		return s
	}

	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	if len(s) <= decimals {
		s = strings.Repeat("0", decimals-len(s)+1) + s
	}
	whole, frac := s[:len(s)-decimals], s[len(s)-decimals:]
	frac = strings.TrimRight(frac, "0")

	out := whole
	if frac != "" {
		out += "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}
