package engine

import (
	"strings"

	clierr "github.com/ggonzalez94/defi-sim/internal/errors"
	"github.com/ggonzalez94/defi-sim/internal/id"
)

// postprocess cleans the resolved list before simulation.
func (e *Engine) postprocess(ac *AttemptContext) *Failure {
	if len(ac.Working) == 0 {
		return fail(clierr.CodeAmbiguity, -1, "nothing to do: no matching balances or positions were found")
	}
	list, f := dropDegenerateSwaps(ac.Working)
	if f != nil {
		return f
	}
	list = e.mergeDeposits(list)
	list, f = spliceBridgeRoutes(list)
	if f != nil {
		return f
	}
	ac.Working = list
	return nil
}

// dropDegenerateSwaps removes swaps whose input and output are the same listing.
func dropDegenerateSwaps(list []ResolvedAction) ([]ResolvedAction, *Failure) {
	out := make([]ResolvedAction, 0, len(list))
	var last *ResolvedAction
	for k := range list {
		a := list[k]
		if a.degenerateSwap() {
			last = &list[k]
			continue
		}
		out = append(out, a)
	}
	if len(out) == 0 && last != nil {
		return nil, fail(clierr.CodeDomainInvalid, last.Origin, "swapping %s for %s does nothing; the tokens are the same",
			strings.ToUpper(last.Token.Symbol), strings.ToUpper(last.OutputToken.Symbol))
	}
	return out, nil
}

// mergeDeposits joins two adjacent deposits into the same dual-asset protocol on
// the same chain with no specific pool into one deposit into the pair's pool.
func (e *Engine) mergeDeposits(list []ResolvedAction) []ResolvedAction {
	out := make([]ResolvedAction, 0, len(list))
	for k := 0; k < len(list); k++ {
		a := list[k]
		if k+1 < len(list) && e.mergeable(a, list[k+1]) {
			out = append(out, e.MergeDeposits(a, list[k+1]))
			k++
			continue
		}
		out = append(out, a)
	}
	return out
}

func (e *Engine) mergeable(a, b ResolvedAction) bool {
	if a.Kind != KindDeposit || b.Kind != KindDeposit {
		return false
	}
	if a.Protocol == "" || a.Protocol != b.Protocol || a.Chain.ChainID != b.Chain.ChainID {
		return false
	}
	if a.Pool != "" || b.Pool != "" || a.Token2 != nil || b.Token2 != nil {
		return false
	}
	if a.Token.Same(b.Token) {
		return false
	}
	p, ok := e.deps.Names.Protocol(a.Protocol)
	return ok && p.UniswapLike
}

// MergeDeposits combines two single-asset deposits into one dual-asset deposit.
// The pool is the registry pool of the pair when one exists.
func (e *Engine) MergeDeposits(a, b ResolvedAction) ResolvedAction {
	merged := a
	second := b.Token
	merged.Token2 = &second
	merged.Token2Ref = b.TokenRef
	merged.Amount2 = b.Amount
	merged.Amount2Base = b.AmountBase
	merged.Pool = e.pairPool(a.Protocol, a.Token, b.Token)
	merged.GasCheck = a.GasCheck || b.GasCheck
	merged.Optional = a.Optional && b.Optional
	return merged
}

// SplitDeposit undoes MergeDeposits.
func SplitDeposit(a ResolvedAction) (ResolvedAction, ResolvedAction) {
	first := a
	first.Token2, first.Token2Ref, first.Amount2, first.Amount2Base = nil, TokenRef{}, Amount{}, nil
	first.Pool = ""
	if a.Token2 == nil {
		return first, ResolvedAction{}
	}
	second := first
	second.Token = *a.Token2
	second.TokenRef = a.Token2Ref
	second.Amount = a.Amount2
	second.AmountBase = a.Amount2Base
	second.GasCheck = a.Token2.Native
	return first, second
}

func (e *Engine) pairPool(protocol string, x, y id.Token) string {
	a, b := strings.ToLower(x.Symbol), strings.ToLower(y.Symbol)
	for _, candidate := range []string{a + "-" + b, b + "-" + a} {
		if pool, err := e.deps.Names.ResolvePool(protocol, candidate); err == nil && pool == candidate {
			return pool
		}
	}
	return a + "-" + b
}

// spliceBridgeRoutes handles a swap immediately followed by a bridge of its
// output where that listing does not exist the same way on both chains. The swap
// is pointed at an intermediate token valid on both sides, the bridge carries
// it, and a new swap on the destination recovers the original token.
func spliceBridgeRoutes(list []ResolvedAction) ([]ResolvedAction, *Failure) {
	out := make([]ResolvedAction, 0, len(list))
	for k := 0; k < len(list); k++ {
		a := list[k]
		if a.Kind != KindBridge || k == 0 {
			out = append(out, a)
			continue
		}
		swap := out[len(out)-1]
		symbol := strings.ToLower(a.Token.Symbol)
		if swap.Kind != KindSwap || !swap.OutputToken.Same(a.Token) || (!a.OutputToken.IsZero() && id.SameListing(symbol, a.Chain.ChainID, a.DestChain.ChainID)) {
			if a.OutputToken.IsZero() {
				return nil, fail(clierr.CodeAmbiguity, a.Origin, "%s has no listing on %s to bridge to", strings.ToUpper(symbol), a.DestChain.Name)
			}
			out = append(out, a)
			continue
		}
		middleSym, ok := id.MiddleToken(a.Chain, a.DestChain, symbol)
		if !ok {
			return nil, fail(clierr.CodeAmbiguity, a.Origin, "no token can carry %s from %s to %s", strings.ToUpper(symbol), a.Chain.Name, a.DestChain.Name)
		}
		srcMiddle, err := id.LookupToken(a.Chain.ChainID, middleSym)
		if err != nil {
			return nil, failFrom(err, a.Origin, "intermediate token lookup failed")
		}
		dstMiddle, err := id.LookupToken(a.DestChain.ChainID, middleSym)
		if err != nil {
			return nil, failFrom(err, a.Origin, "intermediate token lookup failed")
		}
		target, err := id.LookupToken(a.DestChain.ChainID, symbol)
		if err != nil {
			// nothing to recover on the destination; carry the intermediate only
			target = dstMiddle
		}

		a.Token = srcMiddle
		a.OutputToken = dstMiddle
		a.GasCheck = srcMiddle.Native
		if swap.Token.Same(srcMiddle) {
			// the swap already starts from the intermediate; bridge it directly
			out = out[:len(out)-1]
			a.TokenRef, a.Amount = swap.TokenRef, swap.Amount
		} else {
			swap.OutputToken = srcMiddle
			swap.OutputRef = TokenRef{Symbol: middleSym}
			out[len(out)-1] = swap
			a.TokenRef, a.Amount = TokenRef{Derive: true}, DeriveFromPrevious()
		}
		out = append(out, a)

		if !target.Same(dstMiddle) {
			out = append(out, ResolvedAction{
				Origin:      a.Origin,
				Kind:        KindSwap,
				Protocol:    swap.Protocol,
				Chain:       a.DestChain,
				TokenRef:    TokenRef{Derive: true},
				Token:       dstMiddle,
				OutputRef:   TokenRef{Symbol: symbol},
				OutputToken: target,
				Amount:      DeriveFromPrevious(),
				SlippageBps: swap.SlippageBps,
				GasCheck:    dstMiddle.Native,
			})
		}
	}
	return out, nil
}
