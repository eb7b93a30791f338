package engine

import (
	"fmt"
	"math/big"
	"slices"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/ggonzalez94/defi-sim/internal/id"
)

type Kind string

const (
	KindSwap     Kind = "swap"
	KindBridge   Kind = "bridge"
	KindTransfer Kind = "transfer"
	KindDeposit  Kind = "deposit"
	KindLend     Kind = "lend"
	KindWithdraw Kind = "withdraw"
	KindBorrow   Kind = "borrow"
	KindRepay    Kind = "repay"
	KindClaim    Kind = "claim"
	KindStake    Kind = "stake"
	KindUnstake  Kind = "unstake"
	KindLock     Kind = "lock"
	KindUnlock   Kind = "unlock"
	KindLong     Kind = "long"
	KindShort    Kind = "short"
	KindClose    Kind = "close"
	KindVote     Kind = "vote"
)

var kindAliases = map[string]Kind{
	"buy":      KindSwap,
	"sell":     KindSwap,
	"exchange": KindSwap,
	"send":     KindTransfer,
	"supply":   KindDeposit,
	"redeem":   KindWithdraw,
	"harvest":  KindClaim,
}

var allKinds = []Kind{
	KindSwap, KindBridge, KindTransfer, KindDeposit, KindLend, KindWithdraw, KindBorrow,
	KindRepay, KindClaim, KindStake, KindUnstake, KindLock, KindUnlock, KindLong, KindShort,
	KindClose, KindVote,
}

// Kinds lists every supported action kind.
func Kinds() []Kind {
	return append([]Kind(nil), allKinds...)
}

// KindAliases returns the alternate action names accepted for kind.
func KindAliases(kind Kind) []string {
	var out []string
	for alias, k := range kindAliases {
		if k == kind {
			out = append(out, alias)
		}
	}
	sort.Strings(out)
	return out
}

// ParseKind maps an action name to its kind.
func ParseKind(name string) (Kind, bool) {
	norm := Kind(strings.ToLower(strings.TrimSpace(name)))
	if slices.Contains(allKinds, norm) {
		return norm, true
	}
	alias, ok := kindAliases[string(norm)]
	return alias, ok
}

// Kinds whose output lands in protocol custody instead of the wallet.
func (k Kind) Custodial() bool {
	switch k {
	case KindDeposit, KindLend, KindStake, KindLock, KindRepay, KindLong, KindShort, KindVote:
		return true
	}
	return false
}

// Kinds that spend a wallet balance of their input token.
func (k Kind) SpendsWallet() bool {
	switch k {
	case KindSwap, KindBridge, KindTransfer, KindDeposit, KindLend, KindStake, KindLock,
		KindRepay, KindLong, KindShort:
		return true
	}
	return false
}

// NeedsAmount is false for kinds that act on a whole position.
func (k Kind) NeedsAmount() bool {
	switch k {
	case KindClaim, KindVote, KindClose:
		return false
	}
	return true
}

// NeedsProtocol is true for kinds that act on a protocol position.
func (k Kind) NeedsProtocol() bool {
	switch k {
	case KindSwap, KindBridge, KindTransfer:
		return false
	}
	return true
}

// RawAction is one action as declared by the user.
type RawAction struct {
	Name string         `json:"name" yaml:"name"`
	Args map[string]any `json:"args" yaml:"args"`
}

func (r RawAction) Clone() RawAction {
	args := make(map[string]any, len(r.Args))
	for k, v := range r.Args {
		args[k] = v
	}
	return RawAction{Name: r.Name, Args: args}
}

func (r RawAction) String() string {
	return fmt.Sprintf("%s%v", r.Name, r.Args)
}

func ClonePlan(plan []RawAction) []RawAction {
	out := make([]RawAction, len(plan))
	for i, a := range plan {
		out[i] = a.Clone()
	}
	return out
}

// BalanceDelta is the observed change of one token balance of the user.
type BalanceDelta struct {
	Token  id.Token
	Amount *big.Int
}

// ResolvedAction is the working projection of a raw action for one attempt.
type ResolvedAction struct {
	// Origin is the index of the raw action this entry was derived from.
	Origin   int
	Kind     Kind
	Protocol string
	Pool     string
	Chain    id.Chain
	// DestChain is set for bridges.
	DestChain id.Chain

	TokenRef  TokenRef
	Token     id.Token
	Token2Ref TokenRef
	// Token2 is the second asset of a dual-asset deposit.
	Token2    *id.Token
	OutputRef TokenRef
	// OutputToken is the swap/perp output, or the bridged token on DestChain.
	OutputToken id.Token

	Amount  Amount
	Amount2 Amount
	// AmountBase and Amount2Base are fixed immediately before simulation.
	AmountBase  *big.Int
	Amount2Base *big.Int

	Recipient      common.Address
	Leverage       decimal.Decimal
	RateMode       int64
	SlippageBps    int64
	RelaxLiquidity bool
	// GasCheck marks actions that spend the native token and need gas headroom.
	GasCheck bool
	// Optional entries come from "all" fan-out and are dropped when empty.
	Optional bool

	Deltas  []BalanceDelta
	GasUsed uint64
	Touched []common.Address
	Venue   string
	// Output is the observed amount of OutputToken (or Token for position exits)
	// that landed in the wallet.
	Output *big.Int

	// altVenues and fallbacks travel with the entry so that list edits never
	// hand one action's remaining venues to another.
	altVenues []string
	fallbacks int
}

// ProducedToken is the wallet token this action yields, if any.
func (a ResolvedAction) ProducedToken() (id.Token, bool) {
	switch a.Kind {
	case KindSwap:
		return a.OutputToken, !a.OutputToken.IsZero()
	case KindBridge:
		return a.OutputToken, !a.OutputToken.IsZero()
	case KindWithdraw, KindClaim, KindUnstake, KindUnlock, KindBorrow, KindClose:
		if !a.OutputToken.IsZero() {
			return a.OutputToken, true
		}
		return a.Token, !a.Token.IsZero()
	}
	return id.Token{}, false
}

// degenerateSwap reports a swap whose input and output are the same listing.
func (a ResolvedAction) degenerateSwap() bool {
	return a.Kind == KindSwap && !a.Token.IsZero() && a.Token.Same(a.OutputToken)
}

// OutputChain is where the produced token lands.
func (a ResolvedAction) OutputChain() id.Chain {
	if a.Kind == KindBridge {
		return a.DestChain
	}
	return a.Chain
}

func (a ResolvedAction) label() string {
	if a.Protocol != "" {
		return fmt.Sprintf("%s on %s", a.Kind, a.Protocol)
	}
	return string(a.Kind)
}
