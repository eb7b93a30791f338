package engine

import (
	"errors"
	"regexp"
	"strings"

	clierr "github.com/ggonzalez94/defi-sim/internal/errors"
	"github.com/ggonzalez94/defi-sim/internal/fork"
)

type revertCause uint8

const (
	causeUnknown revertCause = iota
	causeInsufficientBalance
	causeInsufficientGas
	causeNoRoute
	causeNoBridgeRoute
	causeSlippage
	causeProtocol
)

func (c revertCause) String() string {
	switch c {
	case causeInsufficientBalance:
		return "insufficient balance"
	case causeInsufficientGas:
		return "insufficient gas"
	case causeNoRoute:
		return "no route"
	case causeNoBridgeRoute:
		return "no bridge route"
	case causeSlippage:
		return "slippage"
	case causeProtocol:
		return "protocol rejected"
	default:
		return "unknown"
	}
}

// Ordered: the first matching pattern wins.
var revertPatterns = []struct {
	substr string
	cause  revertCause
}{
	{"no bridge route", causeNoBridgeRoute},
	{"route not enabled", causeNoBridgeRoute},
	{"disabledroute", causeNoBridgeRoute},
	{"insufficient funds for gas", causeInsufficientGas},
	{"insufficient funds", causeInsufficientGas},
	{"out of gas", causeInsufficientGas},
	{"gas required exceeds", causeInsufficientGas},
	{"transfer amount exceeds balance", causeInsufficientBalance},
	{"exceeds balance", causeInsufficientBalance},
	{"insufficient balance", causeInsufficientBalance},
	{"stf", causeInsufficientBalance},
	{"too little received", causeSlippage},
	{"return amount is not enough", causeSlippage},
	{"insufficient output amount", causeSlippage},
	{"min return", causeSlippage},
	{"slippage", causeSlippage},
	{"no route", causeNoRoute},
	{"no liquidity", causeNoRoute},
	{"spl", causeNoRoute},
	{"insufficient liquidity", causeNoRoute},
	{"insufficient_liquidity", causeNoRoute},
	{"insufficient cash", causeProtocol},
	{"comptroller rejection", causeProtocol},
	{"redeemtokens zero", causeProtocol},
	{"market not listed", causeProtocol},
}

// Aave V3 pool error codes and their user-facing meaning.
var aaveErrors = map[string]string{
	"26": "the amount must be greater than zero",
	"27": "the market is not active",
	"28": "the market is frozen",
	"29": "the market is paused",
	"30": "borrowing is not enabled for this asset",
	"32": "there is not enough balance supplied to withdraw that much",
	"34": "there is no collateral supplied",
	"35": "the health factor would fall below the liquidation threshold",
	"36": "the collateral cannot cover this borrow",
	"39": "there is no debt of this type to repay",
	"43": "an explicit amount is required to repay on behalf of another account",
	"50": "the borrow cap of this market is reached",
	"51": "the supply cap of this market is reached",
}

var aaveCode = regexp.MustCompile(`^\d{1,2}$`)

type classified struct {
	cause  revertCause
	reason string
	// detail is a plain-language explanation for protocol rejections.
	detail string
}

// classify maps a failed call or build error to a known cause.
func classify(err error) classified {
	reason := err.Error()
	var rev *fork.RevertError
	if errors.As(err, &rev) {
		reason = rev.Reason
	} else if typed, ok := clierr.As(err); ok {
		reason = typed.Message
	}
	trimmed := strings.TrimSpace(reason)
	if aaveCode.MatchString(trimmed) {
		if detail, ok := aaveErrors[trimmed]; ok {
			return classified{cause: causeProtocol, reason: trimmed, detail: detail}
		}
	}
	lower := strings.ToLower(trimmed)
	for _, p := range revertPatterns {
		if matchesPattern(lower, p.substr) {
			return classified{cause: p.cause, reason: trimmed}
		}
	}
	return classified{cause: causeUnknown, reason: trimmed}
}

// matchesPattern matches short codes such as Uniswap's "STF" only as whole
// reasons or words, longer phrases as substrings.
func matchesPattern(reason, pattern string) bool {
	if len(pattern) > 4 {
		return strings.Contains(reason, pattern)
	}
	for _, field := range strings.FieldsFunc(reason, func(r rune) bool {
		return r == ' ' || r == ':' || r == ',' || r == '\'' || r == '"'
	}) {
		if field == pattern {
			return true
		}
	}
	return false
}
