package ledger

import (
	"fmt"
	"strings"

	"bountyline/internal/domain"
)

// StroopsPerUnit is the fixed-point scale of the ledger asset: one unit is
// 10^7 stroops, so seven fractional digits are representable exactly.
const StroopsPerUnit int64 = 10_000_000

const maxWhole = int64(1)<<62 / StroopsPerUnit

// SupportedCurrencies are the bounty units the platform accepts.
var SupportedCurrencies = []string{"XLM", "USDC"}

func ValidCurrency(c string) bool {
	for _, s := range SupportedCurrencies {
		if s == c {
			return true
		}
	}
	return false
}

// ToStroops converts a user-facing decimal amount to stroops. Digits beyond
// the seventh fractional place are rounded half-even. The conversion happens
// once at the lifecycle boundary; no float is ever involved.
func ToStroops(amount string) (int64, error) {
	s := strings.TrimSpace(amount)
	if s == "" {
		return 0, domain.Validationf("amount is required")
	}
	if strings.HasPrefix(s, "-") {
		return 0, domain.Validationf("amount must be non-negative: %s", amount)
	}
	s = strings.TrimPrefix(s, "+")
	intPart, fracPart, _ := strings.Cut(s, ".")
	if intPart == "" {
		intPart = "0"
	}
	if !digitsOnly(intPart) || !digitsOnly(fracPart) {
		return 0, domain.Validationf("invalid amount: %s", amount)
	}

	var whole int64
	for _, d := range intPart {
		whole = whole*10 + int64(d-'0')
		if whole > maxWhole {
			return 0, domain.Validationf("amount too large: %s", amount)
		}
	}

	kept := fracPart
	rest := ""
	if len(fracPart) > 7 {
		kept = fracPart[:7]
		rest = fracPart[7:]
	}
	var frac int64
	for _, d := range kept {
		frac = frac*10 + int64(d-'0')
	}
	for i := len(kept); i < 7; i++ {
		frac *= 10
	}

	stroops := whole*StroopsPerUnit + frac
	stroops += roundHalfEven(stroops, rest)
	return stroops, nil
}

// roundHalfEven decides whether the dropped digits push the value up by one
// stroop. Ties go to the even stroop value.
func roundHalfEven(stroops int64, rest string) int64 {
	rest = strings.TrimRight(rest, "0")
	if rest == "" {
		return 0
	}
	first := rest[0]
	switch {
	case first > '5':
		return 1
	case first < '5':
		return 0
	case len(rest) > 1: // 5 followed by a nonzero digit
		return 1
	case stroops%2 != 0: // exact tie, odd rounds up to even
		return 1
	default:
		return 0
	}
}

// FromStroops renders a stroop amount as a decimal string with trailing
// zeros trimmed. FromStroops(ToStroops(x)) == x numerically for any x with
// at most seven fractional digits.
func FromStroops(stroops int64) string {
	neg := ""
	if stroops < 0 {
		neg = "-"
		stroops = -stroops
	}
	whole := stroops / StroopsPerUnit
	frac := stroops % StroopsPerUnit
	if frac == 0 {
		return fmt.Sprintf("%s%d", neg, whole)
	}
	fracStr := strings.TrimRight(fmt.Sprintf("%07d", frac), "0")
	return fmt.Sprintf("%s%d.%s", neg, whole, fracStr)
}

func digitsOnly(s string) bool {
	for _, d := range s {
		if d < '0' || d > '9' {
			return false
		}
	}
	return true
}
