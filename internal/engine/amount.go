package engine

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	clierr "github.com/ggonzalez94/defi-sim/internal/errors"
	"github.com/ggonzalez94/defi-sim/internal/id"
)

type AmountKind uint8

const (
	AmountUnset AmountKind = iota
	AmountLiteral
	AmountPercentage
	AmountHalf
	AmountAll
	AmountDerive
	AmountInvalid
)

func (k AmountKind) String() string {
	switch k {
	case AmountLiteral:
		return "literal"
	case AmountPercentage:
		return "percentage"
	case AmountHalf:
		return "half"
	case AmountAll:
		return "all"
	case AmountDerive:
		return "outputAmount"
	case AmountInvalid:
		return "invalid"
	default:
		return "unset"
	}
}

// Amount is a user amount before it is fixed against a balance.
type Amount struct {
	Kind AmountKind
	// Value is set for literals.
	Value decimal.Decimal
	// BPS is set for percentages, in basis points.
	BPS int64
	Raw string
	err error
}

func Literal(v decimal.Decimal) Amount { return Amount{Kind: AmountLiteral, Value: v, Raw: v.String()} }
func Percentage(bps int64) Amount {
	return Amount{Kind: AmountPercentage, BPS: bps, Raw: decimal.New(bps, -2).String() + "%"}
}
func Half() Amount               { return Amount{Kind: AmountHalf, Raw: "half"} }
func All() Amount                { return Amount{Kind: AmountAll, Raw: "all"} }
func DeriveFromPrevious() Amount { return Amount{Kind: AmountDerive, Raw: "outputAmount"} }

// Err returns the parse failure of an AmountInvalid.
func (a Amount) Err() error { return a.err }

func (a Amount) IsSet() bool { return a.Kind != AmountUnset }

// Relative amounts are fixed against the balance at execution time.
func (a Amount) Relative() bool {
	switch a.Kind {
	case AmountPercentage, AmountHalf, AmountAll:
		return true
	default:
		return false
	}
}

func (a Amount) String() string {
	if a.Kind == AmountLiteral {
		return a.Value.String()
	}
	if a.Raw != "" {
		return a.Raw
	}
	return a.Kind.String()
}

// ParseAmount parses the user forms: "1.5", "50%", "half", "all", "outputAmount".
// Percentages outside (0, 100] and non-positive literals are domain-invalid.
func ParseAmount(input string) (Amount, error) {
	raw := strings.TrimSpace(input)
	norm := strings.ToLower(raw)
	switch norm {
	case "":
		return Amount{}, nil
	case "all", "max", "everything":
		return All(), nil
	case "half":
		return Half(), nil
	case "outputamount", "output", "previous":
		return DeriveFromPrevious(), nil
	}
	if strings.HasSuffix(norm, "%") {
		pct, err := decimal.NewFromString(strings.TrimSpace(strings.TrimSuffix(norm, "%")))
		if err != nil {
			return Amount{}, clierr.Newf(clierr.CodeAmbiguity, "could not parse percentage %q", raw)
		}
		if !pct.IsPositive() || pct.GreaterThan(decimal.NewFromInt(100)) {
			return Amount{}, clierr.Newf(clierr.CodeDomainInvalid, "percentage %s is out of range, use a value above 0%% and at most 100%%", raw)
		}
		bps := pct.Mul(decimal.NewFromInt(100)).Truncate(0).IntPart()
		if bps == 0 {
			return Amount{}, clierr.Newf(clierr.CodeDomainInvalid, "percentage %s is below one basis point", raw)
		}
		if bps == 10_000 {
			return All(), nil
		}
		return Percentage(bps), nil
	}
	value, err := id.ParseDecimal(raw)
	if err != nil {
		return Amount{}, clierr.Newf(clierr.CodeAmbiguity, "could not parse amount %q", raw)
	}
	if !value.IsPositive() {
		return Amount{}, clierr.Newf(clierr.CodeDomainInvalid, "amount %s must be greater than zero", raw)
	}
	return Literal(value), nil
}

func invalidAmount(raw string, err error) Amount {
	return Amount{Kind: AmountInvalid, Raw: raw, err: err}
}

// Fix converts a literal or relative amount to base units. balance is only read
// for relative amounts.
func (a Amount) Fix(balance *big.Int, decimals int) (*big.Int, error) {
	switch a.Kind {
	case AmountLiteral:
		return id.ToBaseUnits(a.Value, decimals)
	case AmountPercentage:
		return id.ApplyBasisPoints(balance, a.BPS), nil
	case AmountHalf:
		return id.ApplyBasisPoints(balance, 5_000), nil
	case AmountAll:
		if balance == nil {
			return new(big.Int), nil
		}
		return new(big.Int).Set(balance), nil
	default:
		return nil, fmt.Errorf("amount %s cannot be fixed from a balance", a.Kind)
	}
}

// TokenRef is a token as written in the plan.
type TokenRef struct {
	Symbol string
	// Derive takes the output token of the previous action ("outputToken").
	Derive bool
	All    bool
}

func ParseTokenRef(input string) TokenRef {
	norm := strings.ToLower(strings.TrimSpace(input))
	switch norm {
	case "":
		return TokenRef{}
	case "outputtoken", "output":
		return TokenRef{Derive: true}
	case "all":
		return TokenRef{All: true}
	}
	return TokenRef{Symbol: norm}
}

func (t TokenRef) IsSet() bool { return t.Symbol != "" || t.Derive || t.All }

func (t TokenRef) String() string {
	switch {
	case t.Derive:
		return "outputToken"
	case t.All:
		return "all"
	default:
		return t.Symbol
	}
}
