package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	clierr "github.com/ggonzalez94/defi-sim/internal/errors"
	"github.com/ggonzalez94/defi-sim/internal/fork"
	"github.com/ggonzalez94/defi-sim/internal/id"
	"github.com/ggonzalez94/defi-sim/internal/txbuild"
)

// simulate executes the working list in order against the forks.
func (e *Engine) simulate(ctx context.Context, ac *AttemptContext) *Failure {
	for i := 0; i < len(ac.Working); {
		out := e.simulateStep(ctx, ac, i)
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

func (e *Engine) simulateStep(ctx context.Context, ac *AttemptContext, i int) StepOutcome {
	a := ac.Working[i]
	a.Deltas, a.Touched, a.GasUsed, a.Output = nil, nil, 0, nil

	fc, err := ac.Forks.Ensure(ctx, a.Chain.ChainID)
	if err != nil {
		return Abort(failFrom(err, a.Origin, "could not open a fork of "+a.Chain.Name))
	}
	amount, all, f := e.fixAmount(ctx, ac, i, fc)
	if f != nil {
		if a.Optional && f.Correction == nil {
			ac.Log.Debug("dropping optional action", zap.Int("origin", a.Origin), zap.String("reason", f.Message))
			return Redo(removeAt(ac.Working, i))
		}
		return Abort(f)
	}
	a.AmountBase = amount
	if a.Token2 != nil {
		amount2, f := e.fixSecondAmount(ctx, ac, a, fc)
		if f != nil {
			return Abort(f)
		}
		a.Amount2Base = amount2
	}

	snapshot, err := fc.Snapshot(ctx)
	if err != nil {
		return Abort(failFrom(err, a.Origin, "could not snapshot the fork of "+a.Chain.Name))
	}
	res, err := e.deps.Builder.Build(ctx, e.request(ac, a, amount, all, fc))
	if err != nil {
		return e.onCallFailure(ctx, ac, i, a, fc, snapshot, err)
	}
	if a.fallbacks == 0 {
		a.altVenues = res.AlternativeVenues
	}
	a.Venue = res.Venue
	if res.OutputToken != nil && a.Kind != KindBridge && !res.OutputToken.Same(a.OutputToken) {
		retargetDerived(ac.Working, i, a.OutputToken, *res.OutputToken)
		a.OutputToken = *res.OutputToken
	}

	produced, measure := a.ProducedToken()
	measure = measure && a.Kind != KindBridge
	var before *big.Int
	if measure {
		if before, err = fc.Balance(ctx, ac.Address, produced); err != nil {
			return Abort(failFrom(err, a.Origin, "could not read fork balance"))
		}
	}

	deltas := newDeltaSet()
	gasCost := new(big.Int)
	for _, call := range res.Calls {
		receipt, err := fc.Send(ctx, fork.Call{From: ac.Address, To: call.To, Data: call.Data, Value: call.Value})
		if err != nil {
			return e.onCallFailure(ctx, ac, i, a, fc, snapshot, err)
		}
		if receipt.Status == types.ReceiptStatusFailed {
			return e.onCallFailure(ctx, ac, i, a, fc, snapshot, &fork.RevertError{Reason: "transaction reverted"})
		}
		a.GasUsed += receipt.GasUsed
		if receipt.EffectiveGasPrice != nil {
			gasCost.Add(gasCost, new(big.Int).Mul(receipt.EffectiveGasPrice, new(big.Int).SetUint64(receipt.GasUsed)))
		}
		if call.Value != nil && call.Value.Sign() > 0 {
			deltas.add(id.NativeToken(a.Chain), new(big.Int).Neg(call.Value))
		}
		deltas.addLogs(a.Chain.ChainID, ac.Address, receipt.Logs)
		a.Touched = appendTouched(a.Touched, call.To, receipt.Logs)
	}

	switch {
	case a.Kind == KindBridge:
		out, f := e.settleBridge(ctx, ac, a, res, amount)
		if f != nil {
			return Abort(f)
		}
		a.Output = out
		if res.OutputToken != nil {
			a.OutputToken = *res.OutputToken
		}
		deltas.add(a.OutputToken, out)
	case measure:
		after, err := fc.Balance(ctx, ac.Address, produced)
		if err != nil {
			return Abort(failFrom(err, a.Origin, "could not read fork balance"))
		}
		out := new(big.Int).Sub(after, before)
		if produced.Native {
			out.Add(out, gasCost)
		}
		if out.Sign() < 0 {
			out.SetInt64(0)
		}
		a.Output = out
	}
	a.Deltas = deltas.list()
	ac.Working[i] = a
	ac.Log.Debug("action simulated",
		zap.Int("origin", a.Origin),
		zap.String("kind", string(a.Kind)),
		zap.String("venue", a.Venue),
		zap.Uint64("gas_used", a.GasUsed),
	)
	return Continue()
}

func (e *Engine) request(ac *AttemptContext, a ResolvedAction, amount *big.Int, all bool, fc *fork.Context) txbuild.Request {
	return txbuild.Request{
		Kind:        string(a.Kind),
		ChainID:     a.Chain.ChainID,
		DestChainID: a.DestChain.ChainID,
		Protocol:    a.Protocol,
		Pool:        a.Pool,
		Venue:       a.Venue,
		From:        ac.Address,
		Recipient:   a.Recipient,
		Token:       a.Token,
		Token2:      a.Token2,
		OutputToken: a.OutputToken,
		Amount:      amount,
		Amount2:     a.Amount2Base,
		All:         all,
		RateMode:    a.RateMode,
		Leverage:    a.Leverage,
		SlippageBps: a.SlippageBps,
		Reader:      fc,
	}
}

// fixAmount converts the action amount to base units against the fork state
// right before the action runs. all is true when the whole position is meant.
func (e *Engine) fixAmount(ctx context.Context, ac *AttemptContext, i int, fc *fork.Context) (*big.Int, bool, *Failure) {
	a := ac.Working[i]
	switch {
	case a.Amount.Kind == AmountUnset:
		return nil, true, nil
	case a.Amount.Kind == AmountDerive:
		amount, f := e.derivedAmount(ac.Working, i)
		return amount, false, f
	case !a.Kind.SpendsWallet():
		return e.fixPositionAmount(ctx, ac, a)
	}

	bal, err := fc.Balance(ctx, ac.Address, a.Token)
	if err != nil {
		return nil, false, failFrom(err, a.Origin, "could not read fork balance")
	}
	reserve := new(big.Int)
	if a.Token.Native {
		reserve = gasReserve(ac.Working, i)
	}

	if a.Amount.Kind == AmountLiteral {
		amount, err := a.Amount.Fix(nil, a.Token.Decimals)
		if err != nil {
			return nil, false, failFrom(err, a.Origin, "invalid amount")
		}
		if amount.Sign() <= 0 {
			return nil, false, fail(clierr.CodeDomainInvalid, a.Origin, "amount %s is below the smallest unit of %s", a.Amount, strings.ToUpper(a.Token.Symbol))
		}
		if bal.Sign() == 0 {
			return nil, false, e.missingBalance(ctx, ac, a)
		}
		if amount.Cmp(bal) > 0 {
			return nil, false, insufficient(a, amount, bal)
		}
		if a.Token.Native && new(big.Int).Add(amount, reserve).Cmp(bal) > 0 {
			return nil, false, e.reduceNativeFailure(a, bal, reserve)
		}
		return amount, false, nil
	}

	if bal.Sign() == 0 {
		return nil, false, e.missingBalance(ctx, ac, a)
	}
	// only "all" is taken net of the gas reserve; fractions apply to the full balance
	base := bal
	if a.Amount.Kind == AmountAll {
		base = new(big.Int).Sub(bal, reserve)
		if base.Sign() <= 0 {
			return nil, false, fail(clierr.CodeAmbiguity, a.Origin, "Not able to %s %s on %s, the balance is needed for gas.", a.Kind, strings.ToUpper(a.Token.Symbol), a.Chain.Name)
		}
	}
	amount, err := a.Amount.Fix(base, a.Token.Decimals)
	if err != nil {
		return nil, false, failFrom(err, a.Origin, "invalid amount")
	}
	if amount.Sign() <= 0 {
		return nil, false, fail(clierr.CodeAmbiguity, a.Origin, "%s of the %s balance on %s rounds to zero", a.Amount, strings.ToUpper(a.Token.Symbol), a.Chain.Name)
	}
	if a.Token.Native && a.Amount.Kind != AmountAll && new(big.Int).Add(amount, reserve).Cmp(bal) > 0 {
		return nil, false, e.reduceNativeFailure(a, bal, reserve)
	}
	return amount, a.Kind == KindRepay && a.Amount.Kind == AmountAll, nil
}

// fixPositionAmount fixes amounts of actions that draw from a protocol position.
func (e *Engine) fixPositionAmount(ctx context.Context, ac *AttemptContext, a ResolvedAction) (*big.Int, bool, *Failure) {
	if a.Amount.Kind == AmountLiteral {
		amount, err := a.Amount.Fix(nil, a.Token.Decimals)
		if err != nil {
			return nil, false, failFrom(err, a.Origin, "invalid amount")
		}
		return amount, false, nil
	}
	if a.Kind == KindBorrow {
		return nil, false, fail(clierr.CodeAmbiguity, a.Origin, "borrow needs an explicit amount, not %s", a.Amount)
	}
	position, err := e.positionAmount(ctx, ac, a)
	if err != nil {
		return nil, false, failFrom(err, a.Origin, "could not read live positions")
	}
	if a.Amount.Kind == AmountAll {
		return position, true, nil
	}
	if !positive(position) {
		return nil, false, fail(clierr.CodeAmbiguity, a.Origin, "no %s position on %s to %s from", strings.ToUpper(a.Token.Symbol), orProtocol(a.Protocol), a.Kind)
	}
	amount, err := a.Amount.Fix(position, a.Token.Decimals)
	if err != nil {
		return nil, false, failFrom(err, a.Origin, "invalid amount")
	}
	return amount, false, nil
}

func (e *Engine) positionAmount(ctx context.Context, ac *AttemptContext, a ResolvedAction) (*big.Int, error) {
	positions, err := e.deps.Lookups.Positions(ctx, a.Chain.ChainID, ac.Address, a.Protocol)
	if err != nil {
		return nil, err
	}
	kinds := positionKindsFor(a.Kind)
	total := new(big.Int)
	for _, p := range positions {
		if !p.Token.Same(a.Token) || p.Amount == nil {
			continue
		}
		if len(kinds) > 0 && !containsKind(kinds, p.Kind) {
			continue
		}
		total.Add(total, p.Amount)
	}
	return total, nil
}

func (e *Engine) fixSecondAmount(ctx context.Context, ac *AttemptContext, a ResolvedAction, fc *fork.Context) (*big.Int, *Failure) {
	token := *a.Token2
	bal, err := fc.Balance(ctx, ac.Address, token)
	if err != nil {
		return nil, failFrom(err, a.Origin, "could not read fork balance")
	}
	switch a.Amount2.Kind {
	case AmountLiteral:
		amount, err := a.Amount2.Fix(nil, token.Decimals)
		if err != nil {
			return nil, failFrom(err, a.Origin, "invalid second amount")
		}
		if amount.Cmp(bal) > 0 {
			second := a
			second.Token = token
			return nil, insufficient(second, amount, bal)
		}
		return amount, nil
	case AmountUnset, AmountDerive:
		// the pool takes whatever matches the first leg
		return bal, nil
	default:
		amount, err := a.Amount2.Fix(bal, token.Decimals)
		if err != nil {
			return nil, failFrom(err, a.Origin, "invalid second amount")
		}
		return amount, nil
	}
}

// gasReserve is the native amount kept back for the actions from i onward that
// run on the same chain.
func gasReserve(list []ResolvedAction, i int) *big.Int {
	chainID := list[i].Chain.ChainID
	total := new(big.Int)
	for _, a := range list[i:] {
		if a.Chain.ChainID == chainID {
			total.Add(total, id.NativeGasReserve(chainID, a.Kind == KindBridge))
		}
	}
	return total
}

func (e *Engine) reduceNativeFailure(a ResolvedAction, bal, reserve *big.Int) *Failure {
	symbol := strings.ToUpper(a.Token.Symbol)
	reduced := new(big.Int).Sub(bal, reserve)
	if reduced.Sign() <= 0 || a.Amount.Kind != AmountLiteral {
		return fail(clierr.CodeAmbiguity, a.Origin, "Not able to %s %s on %s, there would be nothing left for gas.", a.Kind, symbol, a.Chain.Name)
	}
	amount := id.FormatBaseUnits(reduced, a.Token.Decimals)
	return fail(clierr.CodeAmbiguity, a.Origin, "%s %s on %s leaves nothing for gas", a.Amount, symbol, a.Chain.Name).
		withCorrection(reduceNative(a.Origin, a.Kind, amount, symbol))
}

// settleBridge credits the bridged amount on the destination fork.
func (e *Engine) settleBridge(ctx context.Context, ac *AttemptContext, a ResolvedAction, res txbuild.Result, amount *big.Int) (*big.Int, *Failure) {
	out := res.ExpectedOutput
	if out == nil {
		out = new(big.Int).Set(amount)
	}
	token := a.OutputToken
	if res.OutputToken != nil {
		token = *res.OutputToken
	}
	dest, err := ac.Forks.Ensure(ctx, a.DestChain.ChainID)
	if err != nil {
		return nil, failFrom(err, a.Origin, "could not open a fork of "+a.DestChain.Name)
	}
	if err := dest.Fund(ctx, ac.Address, token, out); err != nil {
		return nil, failFrom(err, a.Origin, "could not settle the bridge on "+a.DestChain.Name)
	}
	return out, nil
}

// onCallFailure classifies a failed build or call of list[i] and picks a venue
// fallback, a correction, or a terminal message.
func (e *Engine) onCallFailure(ctx context.Context, ac *AttemptContext, i int, a ResolvedAction, fc *fork.Context, snapshot string, err error) StepOutcome {
	var rev *fork.RevertError
	if !errors.As(err, &rev) {
		switch clierr.CodeOf(err) {
		case clierr.CodeInfrastructure, clierr.CodeUnavailable, clierr.CodeRateLimited:
			return Abort(failFrom(err, a.Origin, "the fork did not respond"))
		}
	}
	c := classify(err)
	ac.Log.Info("action failed",
		zap.Int("origin", a.Origin),
		zap.String("kind", string(a.Kind)),
		zap.String("venue", a.Venue),
		zap.Stringer("cause", c.cause),
		zap.String("reason", c.reason),
	)

	switch c.cause {
	case causeInsufficientBalance:
		bal, berr := fc.Balance(ctx, ac.Address, a.Token)
		if berr != nil {
			return Abort(failFrom(berr, a.Origin, "could not read fork balance"))
		}
		if bal.Sign() == 0 {
			return Abort(onChain(e.missingBalance(ctx, ac, a)))
		}
		amount := a.AmountBase
		if amount == nil {
			amount = bal
		}
		return Abort(onChain(insufficient(a, amount, bal)))
	case causeInsufficientGas:
		if a.Token.Native && a.Amount.Kind == AmountLiteral {
			bal, berr := fc.Balance(ctx, ac.Address, a.Token)
			if berr != nil {
				return Abort(failFrom(berr, a.Origin, "could not read fork balance"))
			}
			return Abort(onChain(e.reduceNativeFailure(a, bal, gasReserve(ac.Working, i))))
		}
		native := id.NativeToken(a.Chain)
		return Abort(fail(clierr.CodeOnChain, a.Origin, "not enough %s on %s to pay for gas", native.Symbol, a.Chain.Name))
	case causeProtocol:
		detail := c.detail
		if detail == "" {
			detail = c.reason
		}
		return Abort(fail(clierr.CodeOnChain, a.Origin, "%s rejected the %s: %s", orProtocol(a.Protocol), a.Kind, detail))
	}

	if next, ok := a.nextVenue(ac.Opts.MaxVenueFallbacks); ok {
		if err := fc.Revert(ctx, snapshot); err != nil {
			return Abort(failFrom(err, a.Origin, "could not roll back the fork of "+a.Chain.Name))
		}
		e.deps.Metrics.incFallback()
		ac.Log.Info("trying alternative venue", zap.Int("origin", a.Origin), zap.String("venue", next))
		a.Venue = next
		ac.Working[i] = a
		return Redo(ac.Working)
	}

	switch c.cause {
	case causeNoRoute, causeSlippage:
		if minor, ok := minorLeg(a); ok && a.Kind == KindSwap && !a.RelaxLiquidity {
			return Abort(fail(clierr.CodeOnChain, a.Origin, "no route to swap %s for %s on %s", strings.ToUpper(a.Token.Symbol), strings.ToUpper(a.OutputToken.Symbol), a.Chain.Name).
				withCorrection(relaxLiquidity(a.Origin, minor.Symbol)))
		}
		if a.Kind == KindSwap {
			return Abort(fail(clierr.CodeOnChain, a.Origin, "no route to swap %s for %s on %s (%s)", strings.ToUpper(a.Token.Symbol), strings.ToUpper(a.OutputToken.Symbol), a.Chain.Name, c.reason))
		}
	case causeNoBridgeRoute:
		return Abort(fail(clierr.CodeOnChain, a.Origin, "no bridge route for %s from %s to %s", strings.ToUpper(a.Token.Symbol), a.Chain.Name, a.DestChain.Name))
	}
	return Abort(&Failure{
		Class:   clierr.CodeOnChain,
		Index:   a.Origin,
		Message: fmt.Sprintf("%s failed on %s: %s", a.label(), a.Chain.Name, c.reason),
		Cause:   err,
	})
}

// nextVenue pops the next alternative venue of a while fewer than limit
// fallbacks were taken.
func (a *ResolvedAction) nextVenue(limit int) (string, bool) {
	if len(a.altVenues) == 0 || a.fallbacks >= limit {
		return "", false
	}
	next := a.altVenues[0]
	a.fallbacks++
	a.altVenues = a.altVenues[1:]
	return next, true
}

// retargetDerived points later actions that take the output of list[i] at the
// token the venue actually delivers.
func retargetDerived(list []ResolvedAction, i int, from, to id.Token) {
	for k := i + 1; k < len(list); k++ {
		if list[k].Chain.ChainID != from.ChainID {
			return
		}
		if list[k].TokenRef.Derive && list[k].Token.Same(from) {
			list[k].Token = to
			list[k].GasCheck = to.Native
		}
	}
}

// minorLeg returns the thinly traded side of a swap, if any.
func minorLeg(a ResolvedAction) (id.Token, bool) {
	switch {
	case a.Token.Liquidity == id.LiquidityMinor:
		return a.Token, true
	case a.OutputToken.Liquidity == id.LiquidityMinor:
		return a.OutputToken, true
	}
	return id.Token{}, false
}

func onChain(f *Failure) *Failure {
	if f.Correction == nil {
		f.Class = clierr.CodeOnChain
	}
	return f
}

func orProtocol(protocol string) string {
	if protocol == "" {
		return "the protocol"
	}
	return protocol
}

func containsKind(kinds []PositionKind, k PositionKind) bool {
	for _, want := range kinds {
		if want == k {
			return true
		}
	}
	return false
}
