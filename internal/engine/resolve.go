package engine

import (
	"context"
	"math/big"
	"sort"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"

	clierr "github.com/ggonzalez94/defi-sim/internal/errors"
	"github.com/ggonzalez94/defi-sim/internal/id"
)

// resolve fills token, chain and amount for every working action, left to right.
// A step may rewrite the list and ask for the same index again.
func (e *Engine) resolve(ctx context.Context, ac *AttemptContext) *Failure {
	guard := len(ac.Working)*8 + 32
	for i := 0; i < len(ac.Working); {
		guard--
		if guard < 0 {
			return fail(clierr.CodeAmbiguity, ac.Working[i].Origin, "resolution did not settle")
		}
		out := e.resolveStep(ctx, ac, i)
		switch out.kind {
		case outcomeContinue:
			i++
		case outcomeRedo:
			ac.Working = out.list
		case outcomeAbort:
			return out.failure
		}
	}
	return nil
}

func (e *Engine) resolveStep(ctx context.Context, ac *AttemptContext, i int) StepOutcome {
	a := ac.Working[i]

	if a.Token.IsZero() && a.Kind != KindVote {
		if out, done := e.resolveToken(ctx, ac, i); done {
			return out
		}
		a = ac.Working[i]
	}
	if a.Token2Ref.IsSet() && a.Token2 == nil {
		token, f := e.lookupSymbol(a, "token2", a.Token2Ref.Symbol, a.Chain)
		if f != nil {
			return Abort(f)
		}
		a.Token2 = &token
	}
	if a.OutputRef.IsSet() && a.OutputToken.IsZero() {
		if f := e.resolveOutput(&a); f != nil {
			return Abort(f)
		}
	}
	if a.Kind == KindBridge && a.OutputToken.IsZero() {
		if f := resolveBridgeOutput(ac.Working, i, &a); f != nil {
			return Abort(f)
		}
	}
	a.GasCheck = a.Token.Native && a.Kind.SpendsWallet()
	ac.Working[i] = a

	// a swap into its own input is dropped by the post-processor and never funded
	if a.Kind.SpendsWallet() && !a.degenerateSwap() {
		if f := e.checkFunding(ctx, ac, i); f != nil {
			// fan-out stubs without funds are dropped, never repaired
			if a.Optional && !f.Retryable() {
				ac.Log.Debug("dropping optional action", zap.Int("origin", a.Origin), zap.String("reason", f.Message))
				return Redo(removeAt(ac.Working, i))
			}
			return Abort(f)
		}
	}
	return Continue()
}

// resolveToken fills the input token. done is true when the step outcome is
// decided here.
func (e *Engine) resolveToken(ctx context.Context, ac *AttemptContext, i int) (StepOutcome, bool) {
	a := ac.Working[i]
	switch {
	case a.TokenRef.Derive:
		producer, ok := producerBefore(ac.Working, i)
		if !ok {
			return Abort(fail(clierr.CodeAmbiguity, a.Origin, "%s takes the output of the previous action, but nothing earlier on %s produces a token", a.Kind, a.Chain.Name)), true
		}
		produced, _ := producer.ProducedToken()
		ac.Working[i].Token = produced
		return StepOutcome{}, false
	case a.TokenRef.Symbol != "":
		token, f := e.lookupSymbol(a, tokenKey(a.Kind), a.TokenRef.Symbol, a.Chain)
		if f != nil {
			return Abort(f), true
		}
		ac.Working[i].Token = token
		return StepOutcome{}, false
	}

	candidates, err := e.discoverTokens(ctx, ac, a)
	if err != nil {
		return Abort(failFrom(err, a.Origin, "could not read live balances and positions")), true
	}
	switch {
	case len(candidates) == 0:
		if a.Optional || a.TokenRef.All {
			return Redo(removeAt(ac.Working, i)), true
		}
		return Abort(fail(clierr.CodeAmbiguity, a.Origin, "could not find a token to %s on %s; name one", a.Kind, a.Chain.Name)), true
	case len(candidates) == 1 && !a.TokenRef.All:
		ac.Working[i].Token = candidates[0]
		return StepOutcome{}, false
	case a.TokenRef.All || a.Amount.Kind == AmountAll:
		stubs := make([]ResolvedAction, len(candidates))
		for k, token := range candidates {
			stub := a
			stub.Token = token
			stub.TokenRef = TokenRef{Symbol: strings.ToLower(token.Symbol)}
			stub.Optional = true
			stubs[k] = stub
		}
		return Redo(replaceAt(ac.Working, i, stubs...)), true
	default:
		symbols := lo.Map(candidates, func(t id.Token, _ int) string { return t.Symbol })
		return Abort(fail(clierr.CodeAmbiguity, a.Origin, "found several tokens to %s on %s (%s); name one", a.Kind, a.Chain.Name, strings.Join(symbols, ", "))), true
	}
}

// lookupSymbol resolves symbol on chain. A missing listing with a similarly
// named one on the chain becomes a substitution correction.
func (e *Engine) lookupSymbol(a ResolvedAction, key, symbol string, chain id.Chain) (id.Token, *Failure) {
	token, err := id.LookupToken(chain.ChainID, symbol)
	if err == nil {
		return token, nil
	}
	if token.IsMultiple {
		return id.Token{}, failFrom(err, a.Origin, "token is ambiguous")
	}
	if similar := id.SimilarTokens(chain.ChainID, symbol); len(similar) > 0 {
		return id.Token{}, fail(clierr.CodeAmbiguity, a.Origin, "%s is not listed on %s", strings.ToUpper(symbol), chain.Name).
			withCorrection(substituteToken(a.Origin, key, symbol, similar[0]))
	}
	return id.Token{}, fail(clierr.CodeAmbiguity, a.Origin, "%s is not listed on %s", strings.ToUpper(symbol), chain.Name)
}

// resolveOutput fills the swap or perp output token. A swap output missing on
// its chain moves the swap to a chain that lists it.
func (e *Engine) resolveOutput(a *ResolvedAction) *Failure {
	symbol := a.OutputRef.Symbol
	if a.OutputRef.Derive || symbol == "" {
		return fail(clierr.CodeAmbiguity, a.Origin, "%s needs an explicit output token", a.Kind)
	}
	token, err := id.LookupToken(a.Chain.ChainID, symbol)
	if err == nil {
		a.OutputToken = token
		return nil
	}
	if token.IsMultiple {
		return failFrom(err, a.Origin, "output token is ambiguous")
	}
	if a.Kind == KindSwap {
		if similar := id.SimilarTokens(a.Chain.ChainID, symbol); len(similar) > 0 {
			return fail(clierr.CodeAmbiguity, a.Origin, "%s is not listed on %s", strings.ToUpper(symbol), a.Chain.Name).
				withCorrection(substituteToken(a.Origin, "outputToken", symbol, similar[0]))
		}
		for _, chain := range id.ChainsWithToken(symbol) {
			if chain.ChainID == a.Chain.ChainID {
				continue
			}
			input := strings.ToLower(a.Token.Symbol)
			_, hasMiddle := id.MiddleToken(a.Chain, chain, symbol)
			if !id.HasToken(chain.ChainID, input) && !hasMiddle {
				continue
			}
			return fail(clierr.CodeAmbiguity, a.Origin, "%s is not listed on %s", strings.ToUpper(symbol), a.Chain.Name).
				withCorrection(substituteChain(a.Origin, input, symbol, a.Amount.String(), a.Chain, chain))
		}
	}
	return fail(clierr.CodeAmbiguity, a.Origin, "%s is not listed on %s", strings.ToUpper(symbol), a.Chain.Name)
}

// resolveBridgeOutput finds the listing a bridge delivers on its destination.
// Native tokens arrive as the destination's wrapped native when the gas tokens
// differ. A token produced by a swap just before the bridge is left for the
// post-processor to route.
func resolveBridgeOutput(list []ResolvedAction, i int, a *ResolvedAction) *Failure {
	symbol := strings.ToLower(a.Token.Symbol)
	if token, err := id.LookupToken(a.DestChain.ChainID, symbol); err == nil {
		a.OutputToken = token
		return nil
	}
	if a.Token.Native {
		if token, err := id.LookupToken(a.DestChain.ChainID, "weth"); err == nil {
			a.OutputToken = token
			return nil
		}
	}
	if i > 0 && list[i-1].Kind == KindSwap && list[i-1].Chain.ChainID == a.Chain.ChainID {
		return nil
	}
	return fail(clierr.CodeAmbiguity, a.Origin, "%s has no listing on %s to bridge to", strings.ToUpper(symbol), a.DestChain.Name)
}

// checkFunding verifies that a spending action can be funded, by an earlier
// action or by the live wallet balance. Live balances are only a hint here; the
// amount is fixed right before the action is simulated.
func (e *Engine) checkFunding(ctx context.Context, ac *AttemptContext, i int) *Failure {
	a := ac.Working[i]
	if a.Amount.Kind == AmountDerive {
		sources, blocker := e.deriveSources(ac.Working, i, a.Token)
		if len(sources) == 0 {
			return underivable(ac.Working, i, a.Token, blocker)
		}
		return nil
	}
	bal, err := e.deps.Lookups.Balance(ctx, a.Chain.ChainID, ac.Address, a.Token)
	if err != nil {
		return failFrom(err, a.Origin, "could not read live balance")
	}
	if bal != nil && bal.Sign() > 0 {
		return nil
	}
	sources, blocker := e.deriveSources(ac.Working, i, a.Token)
	if len(sources) > 0 {
		return nil
	}
	if blocker != nil && blocker.Kind == KindBorrow {
		return underivable(ac.Working, i, a.Token, blocker)
	}
	return e.missingBalance(ctx, ac, a)
}

// discoverTokens lists candidate input tokens from live positions for position
// exits and from live wallet balances for spending actions. The gas token is
// only a candidate when nothing else is held.
func (e *Engine) discoverTokens(ctx context.Context, ac *AttemptContext, a ResolvedAction) ([]id.Token, error) {
	if kinds := positionKindsFor(a.Kind); len(kinds) > 0 {
		positions, err := e.deps.Lookups.Positions(ctx, a.Chain.ChainID, ac.Address, a.Protocol)
		if err != nil {
			return nil, err
		}
		var out []id.Token
		for _, p := range positions {
			if !lo.Contains(kinds, p.Kind) || (a.Protocol != "" && p.Protocol != "" && p.Protocol != a.Protocol) {
				continue
			}
			if p.Amount != nil && p.Amount.Sign() <= 0 {
				continue
			}
			out = append(out, p.Token)
		}
		return uniqTokens(out), nil
	}
	var held, native []id.Token
	for _, token := range id.TokensOn(a.Chain.ChainID) {
		bal, err := e.deps.Lookups.Balance(ctx, a.Chain.ChainID, ac.Address, token)
		if err != nil {
			return nil, err
		}
		if bal == nil || bal.Sign() <= 0 {
			continue
		}
		if token.Native {
			native = append(native, token)
			continue
		}
		held = append(held, token)
	}
	if len(held) == 0 {
		return native, nil
	}
	return held, nil
}

func positionKindsFor(kind Kind) []PositionKind {
	switch kind {
	case KindWithdraw:
		return []PositionKind{PositionSupply, PositionLP}
	case KindRepay:
		return []PositionKind{PositionBorrow}
	case KindUnstake:
		return []PositionKind{PositionStake}
	case KindUnlock:
		return []PositionKind{PositionLock}
	case KindClaim:
		return []PositionKind{PositionReward}
	case KindClose:
		return []PositionKind{PositionPerp}
	}
	return nil
}

func uniqTokens(tokens []id.Token) []id.Token {
	out := lo.UniqBy(tokens, func(t id.Token) string { return t.Key() })
	sort.SliceStable(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func removeAt(list []ResolvedAction, i int) []ResolvedAction {
	return replaceAt(list, i)
}

func replaceAt(list []ResolvedAction, i int, with ...ResolvedAction) []ResolvedAction {
	out := make([]ResolvedAction, 0, len(list)-1+len(with))
	out = append(out, list[:i]...)
	out = append(out, with...)
	return append(out, list[i+1:]...)
}

func positive(v *big.Int) bool { return v != nil && v.Sign() > 0 }
