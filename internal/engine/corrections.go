package engine

import (
	"fmt"
	"strings"

	clierr "github.com/ggonzalez94/defi-sim/internal/errors"
	"github.com/ggonzalez94/defi-sim/internal/id"
)

type CorrectionKind string

const (
	CorrectInsertBridge    CorrectionKind = "insert-bridge"
	CorrectSubstituteToken CorrectionKind = "substitute-token"
	CorrectSubstituteChain CorrectionKind = "substitute-chain"
	CorrectReduceNative    CorrectionKind = "reduce-native-amount"
	CorrectRelaxLiquidity  CorrectionKind = "relax-liquidity"
)

// Correction is a narrowly scoped edit of the raw plan.
type Correction struct {
	Kind        CorrectionKind
	Origin      int
	Description string
	apply       func(plan []RawAction) ([]RawAction, error)
}

// Apply returns an edited copy of plan. plan itself is never modified.
func (c *Correction) Apply(plan []RawAction) ([]RawAction, error) {
	if c.Origin < 0 || c.Origin >= len(plan) {
		return nil, clierr.Newf(clierr.CodeInternal, "correction %s targets action %d of %d", c.Kind, c.Origin, len(plan))
	}
	out := ClonePlan(plan)
	kind, _ := ParseKind(out[c.Origin].Name)
	out[c.Origin].Args = ArgsFor(kind, out[c.Origin].Args)
	return c.apply(out)
}

// Marker identifies the correction in the budget trail.
func (c *Correction) Marker() string {
	return fmt.Sprintf("%s@%d:%s", c.Kind, c.Origin, c.Description)
}

func tokenKey(kind Kind) string {
	switch kind {
	case KindSwap, KindLong, KindShort, KindClose:
		return "inputToken"
	}
	return "token"
}

func amountKey(kind Kind) string {
	switch kind {
	case KindSwap, KindLong, KindShort, KindClose:
		return "inputAmount"
	}
	return "amount"
}

func insertAt(plan []RawAction, at int, actions ...RawAction) []RawAction {
	out := make([]RawAction, 0, len(plan)+len(actions))
	out = append(out, plan[:at]...)
	out = append(out, actions...)
	return append(out, plan[at:]...)
}

func bridgeAction(token string, src, dst id.Chain, amount string) RawAction {
	return RawAction{Name: string(KindBridge), Args: map[string]any{
		"sourceChainName":      src.Slug,
		"destinationChainName": dst.Slug,
		"token":                token,
		"amount":               amount,
	}}
}

// insertBridge prepends a bridge that moves token from src to the chain of the
// action at origin. The action then spends what the bridge delivers.
func insertBridge(origin int, kind Kind, token string, src, dst id.Chain, amount string) *Correction {
	if amount == "" {
		amount = "all"
	}
	return &Correction{
		Kind:        CorrectInsertBridge,
		Origin:      origin,
		Description: fmt.Sprintf("no %s on %s; bridging %s %s from %s first", strings.ToUpper(token), dst.Name, amount, strings.ToUpper(token), src.Name),
		apply: func(plan []RawAction) ([]RawAction, error) {
			plan[origin].Args[amountKey(kind)] = "outputAmount"
			return insertAt(plan, origin, bridgeAction(token, src, dst, amount)), nil
		},
	}
}

func substituteToken(origin int, key, from, to string) *Correction {
	return &Correction{
		Kind:        CorrectSubstituteToken,
		Origin:      origin,
		Description: fmt.Sprintf("using %s instead of %s", strings.ToUpper(to), strings.ToUpper(from)),
		apply: func(plan []RawAction) ([]RawAction, error) {
			plan[origin].Args[key] = to
			return plan, nil
		},
	}
}

// substituteChain moves a swap to the chain where its output is listed. The
// input is bridged across directly when it exists on both chains, otherwise it is
// swapped into the middle token, bridged, and swapped from there.
func substituteChain(origin int, input, output string, amount string, from, to id.Chain) *Correction {
	middle, hasMiddle := id.MiddleToken(from, to, output)
	direct := id.HasToken(to.ChainID, input)
	desc := fmt.Sprintf("%s is not on %s; swapping on %s instead", strings.ToUpper(output), from.Name, to.Name)
	return &Correction{
		Kind:        CorrectSubstituteChain,
		Origin:      origin,
		Description: desc,
		apply: func(plan []RawAction) ([]RawAction, error) {
			swap := plan[origin].Args
			swap["chainName"] = to.Slug
			if direct {
				swap["inputAmount"] = "outputAmount"
				return insertAt(plan, origin, bridgeAction(input, from, to, amount)), nil
			}
			if !hasMiddle {
				return nil, clierr.Newf(clierr.CodeAmbiguity, "no token to route %s from %s to %s", strings.ToUpper(input), from.Name, to.Name)
			}
			swap["inputToken"] = middle
			swap["inputAmount"] = "outputAmount"
			leg := RawAction{Name: string(KindSwap), Args: map[string]any{
				"chainName":   from.Slug,
				"inputToken":  input,
				"outputToken": middle,
				"inputAmount": amount,
			}}
			return insertAt(plan, origin, leg, bridgeAction(middle, from, to, "outputAmount")), nil
		},
	}
}

func reduceNative(origin int, kind Kind, amount string, native string) *Correction {
	return &Correction{
		Kind:        CorrectReduceNative,
		Origin:      origin,
		Description: fmt.Sprintf("lowering %s amount to %s to leave gas", strings.ToUpper(native), amount),
		apply: func(plan []RawAction) ([]RawAction, error) {
			plan[origin].Args[amountKey(kind)] = amount
			return plan, nil
		},
	}
}

func relaxLiquidity(origin int, token string) *Correction {
	return &Correction{
		Kind:        CorrectRelaxLiquidity,
		Origin:      origin,
		Description: fmt.Sprintf("retrying %s route with relaxed slippage", strings.ToUpper(token)),
		apply: func(plan []RawAction) ([]RawAction, error) {
			plan[origin].Args["relaxLiquidity"] = true
			return plan, nil
		},
	}
}
