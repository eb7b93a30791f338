package engine

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/samber/lo"

	clierr "github.com/ggonzalez94/defi-sim/internal/errors"
	"github.com/ggonzalez94/defi-sim/internal/id"
)

// holdings lists the other chains where the user holds symbol, by live balance.
func (e *Engine) holdings(ctx context.Context, ac *AttemptContext, symbol string, except int64) ([]id.Chain, error) {
	var out []id.Chain
	for _, chain := range id.ChainsWithToken(symbol) {
		if chain.ChainID == except {
			continue
		}
		token, err := id.LookupToken(chain.ChainID, symbol)
		if err != nil {
			continue
		}
		bal, err := e.deps.Lookups.Balance(ctx, chain.ChainID, ac.Address, token)
		if err != nil {
			return nil, err
		}
		if bal != nil && bal.Sign() > 0 {
			out = append(out, chain)
		}
	}
	return out, nil
}

// missingBalance handles an action that spends a token the wallet does not hold
// on its chain. It proposes a bridge from the single chain that holds it, or a
// similarly named listing held on the same chain, and otherwise explains where
// the token is.
func (e *Engine) missingBalance(ctx context.Context, ac *AttemptContext, a ResolvedAction) *Failure {
	symbol := strings.ToLower(a.Token.Symbol)
	holders, err := e.holdings(ctx, ac, symbol, a.Chain.ChainID)
	if err != nil {
		return failFrom(err, a.Origin, "could not read balances on other chains")
	}
	if len(holders) == 1 && a.Kind != KindBridge {
		return fail(clierr.CodeAmbiguity, a.Origin, "no %s on %s", strings.ToUpper(symbol), a.Chain.Name).
			withCorrection(insertBridge(a.Origin, a.Kind, symbol, holders[0], a.Chain, a.Amount.String()))
	}

	for _, alt := range id.SimilarTokens(a.Chain.ChainID, symbol) {
		token, err := id.LookupToken(a.Chain.ChainID, alt)
		if err != nil {
			continue
		}
		bal, err := e.deps.Lookups.Balance(ctx, a.Chain.ChainID, ac.Address, token)
		if err != nil {
			return failFrom(err, a.Origin, "could not read balances")
		}
		if bal != nil && bal.Sign() > 0 && a.TokenRef.Symbol != "" {
			return fail(clierr.CodeAmbiguity, a.Origin, "no %s on %s", strings.ToUpper(symbol), a.Chain.Name).
				withCorrection(substituteToken(a.Origin, tokenKey(a.Kind), symbol, alt))
		}
	}

	msg := fmt.Sprintf("Not able to %s %s, you don't have %s on %s.", a.Kind, strings.ToUpper(symbol), strings.ToUpper(symbol), a.Chain.Name)
	f := fail(clierr.CodeAmbiguity, a.Origin, "%s", msg)
	if len(holders) > 0 {
		names := lo.Map(holders, func(c id.Chain, _ int) string { return c.Name })
		f.Message += fmt.Sprintf(" You only have %s on %s.", strings.ToUpper(symbol), strings.Join(names, ", "))
		f = f.withChain(holders[0].Slug)
	}
	return f
}

// insufficient explains a wallet balance below the fixed amount.
func insufficient(a ResolvedAction, amount, balance *big.Int) *Failure {
	symbol := strings.ToUpper(a.Token.Symbol)
	return fail(clierr.CodeAmbiguity, a.Origin, "Not able to %s %s %s, you only have %s %s on %s.",
		a.Kind,
		id.FormatBaseUnits(amount, a.Token.Decimals), symbol,
		id.FormatBaseUnits(balance, a.Token.Decimals), symbol,
		a.Chain.Name)
}
