package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// SettleTolerance is the largest shortfall, in minor units, still treated as fully paid.
const SettleTolerance int64 = 1

// ErrInvalidAmount reports a monetary value that cannot be represented in minor units.
var ErrInvalidAmount = errors.New("domain: invalid amount")

var zeroDecimalCurrencies = map[string]struct{}{
	"JPY": {},
	"KRW": {},
	"IDR": {},
	"VND": {},
}

// CurrencyExponent returns the number of decimal places used by the currency's minor unit.
func CurrencyExponent(currency string) int32 {
	if _, ok := zeroDecimalCurrencies[strings.ToUpper(strings.TrimSpace(currency))]; ok {
		return 0
	}
	return 2
}

// ParseMajorAmount converts a gateway amount expressed in major units ("1180.00") into minor units.
// Amounts with more precision than the currency allows are rejected rather than rounded.
func ParseMajorAmount(raw string, currency string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	if value.IsNegative() {
		return 0, fmt.Errorf("%w: negative amount %q", ErrInvalidAmount, raw)
	}
	minor := value.Shift(CurrencyExponent(currency))
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("%w: %q has sub-minor precision", ErrInvalidAmount, raw)
	}
	return minor.IntPart(), nil
}

// FormatMajorAmount renders minor units as a major-unit string for gateways and notifications.
func FormatMajorAmount(amount int64, currency string) string {
	exp := CurrencyExponent(currency)
	return decimal.New(amount, -exp).StringFixed(exp)
}

// PercentageOf returns round(amount * pct / 100) in minor units, rounding half away from zero.
func PercentageOf(amount int64, pct decimal.Decimal) int64 {
	return decimal.NewFromInt(amount).Mul(pct).Div(decimal.NewFromInt(100)).Round(0).IntPart()
}

// ProportionOf returns round(amount * part / whole), or zero when whole is not positive.
func ProportionOf(amount, part, whole int64) int64 {
	if whole <= 0 {
		return 0
	}
	return decimal.NewFromInt(amount).Mul(decimal.NewFromInt(part)).Div(decimal.NewFromInt(whole)).Round(0).IntPart()
}

// Allocate splits total across weights proportionally using the largest remainder method, so the
// returned shares always sum to total exactly.
func Allocate(total int64, weights []int64) []int64 {
	shares := make([]int64, len(weights))
	if len(weights) == 0 || total == 0 {
		return shares
	}

	var weightSum int64
	for _, w := range weights {
		if w > 0 {
			weightSum += w
		}
	}
	if weightSum == 0 {
		return shares
	}

	sign := int64(1)
	if total < 0 {
		sign = -1
		total = -total
	}

	totalDec := decimal.NewFromInt(total)
	sumDec := decimal.NewFromInt(weightSum)
	remainders := make([]decimal.Decimal, len(weights))
	var allocated int64
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		exact := totalDec.Mul(decimal.NewFromInt(w)).Div(sumDec)
		floor := exact.Floor()
		shares[i] = floor.IntPart()
		remainders[i] = exact.Sub(floor)
		allocated += shares[i]
	}

	for left := total - allocated; left > 0; left-- {
		best := -1
		for i, w := range weights {
			if w <= 0 {
				continue
			}
			if best == -1 || remainders[i].GreaterThan(remainders[best]) {
				best = i
			}
		}
		if best == -1 {
			break
		}
		shares[best]++
		remainders[best] = decimal.NewFromInt(-1)
	}

	if sign < 0 {
		for i := range shares {
			shares[i] = -shares[i]
		}
	}
	return shares
}
