package id

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	clierr "github.com/ggonzalez94/defi-sim/internal/errors"
)

var decimalPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// ParseDecimal parses a non-negative decimal amount such as "1.25".
func ParseDecimal(input string) (decimal.Decimal, error) {
	raw := strings.ReplaceAll(strings.TrimSpace(input), ",", "")
	if !decimalPattern.MatchString(raw) {
		return decimal.Decimal{}, clierr.Newf(clierr.CodeUsage, "amount must be in decimal form like 1.23, got %q", input)
	}
	return decimal.NewFromString(raw)
}

// ToBaseUnits converts a decimal amount into integer base units. Digits beyond the
// token's precision are truncated.
func ToBaseUnits(amount decimal.Decimal, decimals int) (*big.Int, error) {
	if decimals < 0 {
		return nil, clierr.New(clierr.CodeUsage, "decimals must be >= 0")
	}
	if amount.IsNegative() {
		return nil, clierr.New(clierr.CodeUsage, "amount must be non-negative")
	}
	return amount.Shift(int32(decimals)).Truncate(0).BigInt(), nil
}

// FromBaseUnits converts integer base units into a decimal amount.
func FromBaseUnits(base *big.Int, decimals int) decimal.Decimal {
	if base == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(base, int32(-decimals))
}

// FormatBaseUnits renders base units as a trimmed decimal string.
func FormatBaseUnits(base *big.Int, decimals int) string {
	if base == nil {
		return "0"
	}
	s := new(big.Int).Abs(base).String()
	sign := ""
	if base.Sign() < 0 {
		sign = "-"
	}
	if decimals == 0 {
		return sign + s
	}
	if len(s) <= decimals {
		s = strings.Repeat("0", decimals-len(s)+1) + s
	}
	intPart := s[:len(s)-decimals]
	fracPart := strings.TrimRight(s[len(s)-decimals:], "0")
	if fracPart == "" {
		return sign + intPart
	}
	return fmt.Sprintf("%s%s.%s", sign, intPart, fracPart)
}

// ApplyBasisPoints returns floor(base * bps / 10000).
func ApplyBasisPoints(base *big.Int, bps int64) *big.Int {
	if base == nil {
		return new(big.Int)
	}
	out := new(big.Int).Mul(base, big.NewInt(bps))
	return out.Quo(out, big.NewInt(10_000))
}

// Gas buffers applied when reserving native balance for later actions.
const (
	bridgeGasNumerator  = 49
	defaultGasNumerator = 28
	gasDenominator      = 15
)

var baseGasReserve = map[int64]string{
	1:     "0.003",
	10:    "0.0002",
	56:    "0.002",
	137:   "0.2",
	8453:  "0.0002",
	42161: "0.0003",
	43114: "0.02",
	59144: "0.0003",
	81457: "0.0002",
}

// NativeGasReserve is the native amount kept back for one future action on the
// chain, in base units.
func NativeGasReserve(chainID int64, bridge bool) *big.Int {
	raw, ok := baseGasReserve[chainID]
	if !ok {
		raw = "0.001"
	}
	base, _ := ToBaseUnits(decimal.RequireFromString(raw), 18)
	num := int64(defaultGasNumerator)
	if bridge {
		num = bridgeGasNumerator
	}
	base.Mul(base, big.NewInt(num))
	return base.Quo(base, big.NewInt(gasDenominator))
}
