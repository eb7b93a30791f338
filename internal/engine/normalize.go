package engine

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	clierr "github.com/ggonzalez94/defi-sim/internal/errors"
	"github.com/ggonzalez94/defi-sim/internal/id"
	"github.com/ggonzalez94/defi-sim/internal/registry"
)

// placeholderPools are pool names that only say "some pool of this protocol".
var placeholderPools = map[string]bool{"": true, "all": true, "pool": true, "lp": true, "any": true}

// normalize turns the raw plan into working stubs. It is a pure list
// transformation: no lookups and no fork access.
func (e *Engine) normalize(ac *AttemptContext) ([]ResolvedAction, *Failure) {
	var out []ResolvedAction
	prevChain := ac.ChainHint
	prevProtocol := ""
	for i, raw := range ac.Raw {
		stubs, f := e.normalizeOne(ac, i, raw, prevChain, prevProtocol)
		if f != nil {
			return nil, f
		}
		if len(stubs) > 0 {
			last := stubs[len(stubs)-1]
			prevChain = last.OutputChain()
			if last.Protocol != "" {
				prevProtocol = last.Protocol
			}
		}
		out = append(out, stubs...)
	}
	if len(out) == 0 {
		return nil, fail(clierr.CodeAmbiguity, 0, "the plan has no actions")
	}
	return out, nil
}

func (e *Engine) normalizeOne(ac *AttemptContext, i int, raw RawAction, prevChain id.Chain, prevProtocol string) ([]ResolvedAction, *Failure) {
	kind, ok := ParseKind(raw.Name)
	if !ok {
		return nil, fail(clierr.CodeAmbiguity, i, "unknown action %q", raw.Name)
	}
	args := ArgsFor(kind, raw.Args)
	if kind == KindTransfer {
		if p, _ := args["protocol"].(string); strings.TrimSpace(p) != "" {
			kind = KindDeposit
		}
	}
	typed, err := DecodeArgs(kind, args)
	if err != nil {
		return nil, failFrom(err, i, "could not read the action arguments")
	}

	a := ResolvedAction{Origin: i, Kind: kind, SlippageBps: ac.Opts.DefaultSlippageBps}
	var chainArg, protocolArg string
	switch t := typed.(type) {
	case SwapArgs:
		chainArg, protocolArg = t.Chain, t.Protocol
		a.TokenRef, a.OutputRef, a.Amount = t.InputToken, t.OutputToken, t.InputAmount
		if t.SlippageBps > 0 {
			a.SlippageBps = t.SlippageBps
		}
		if t.RelaxLiquidity {
			a.RelaxLiquidity = true
			a.SlippageBps = max(a.SlippageBps, ac.Opts.RelaxedSlippageBps)
		}
		if !a.OutputRef.IsSet() {
			return nil, fail(clierr.CodeAmbiguity, i, "swap needs an output token")
		}
	case BridgeArgs:
		chainArg, protocolArg = t.SourceChain, t.Protocol
		a.TokenRef, a.Amount = t.Token, t.Amount
		dest, f := parseChainArg(i, t.DestinationChain, "destination chain")
		if f != nil {
			return nil, f
		}
		if dest.IsZero() {
			return nil, fail(clierr.CodeAmbiguity, i, "bridge needs a destination chain")
		}
		a.DestChain = dest
	case TransferArgs:
		chainArg, protocolArg = t.Chain, t.Protocol
		a.TokenRef, a.Amount = t.Token, t.Amount
		if !common.IsHexAddress(t.Recipient) {
			return nil, fail(clierr.CodeAmbiguity, i, "transfer needs a recipient address, got %q", t.Recipient)
		}
		a.Recipient = common.HexToAddress(t.Recipient)
	case PositionArgs:
		chainArg, protocolArg = t.Chain, t.Protocol
		a.TokenRef, a.Amount, a.Pool, a.RateMode = t.Token, t.Amount, t.Pool, t.RateMode
		a.Token2Ref, a.Amount2 = t.Token2, t.Amount2
	case PerpArgs:
		chainArg, protocolArg = t.Chain, t.Protocol
		a.TokenRef, a.OutputRef, a.Amount = t.InputToken, t.OutputToken, t.InputAmount
		lev, f := parseLeverage(i, t.Leverage)
		if f != nil {
			return nil, f
		}
		a.Leverage = lev
	case VoteArgs:
		chainArg, protocolArg, a.Pool = t.Chain, t.Protocol, t.Pool
	}

	if err := a.Amount.Err(); err != nil {
		return nil, failFrom(err, i, "invalid amount")
	}
	if err := a.Amount2.Err(); err != nil {
		return nil, failFrom(err, i, "invalid second amount")
	}
	if !a.Amount.IsSet() && kind.NeedsAmount() {
		if i == 0 {
			return nil, fail(clierr.CodeAmbiguity, i, "%s needs an amount", kind)
		}
		a.Amount = DeriveFromPrevious()
	}
	if !a.TokenRef.IsSet() && i > 0 && a.Amount.Kind == AmountDerive {
		a.TokenRef = TokenRef{Derive: true}
	}

	if f := e.normalizeProtocol(&a, protocolArg, prevProtocol); f != nil {
		return nil, f
	}

	if strings.EqualFold(strings.TrimSpace(chainArg), "all") {
		return fanOutChains(a)
	}
	chain, f := parseChainArg(i, chainArg, "chain")
	if f != nil {
		return nil, f
	}
	if chain.IsZero() {
		chain = prevChain
	}
	if chain.IsZero() {
		return nil, fail(clierr.CodeAmbiguity, i, "could not tell which chain to %s on; name a chain", kind)
	}
	a.Chain = chain
	if kind == KindBridge && a.DestChain.ChainID == a.Chain.ChainID {
		return nil, fail(clierr.CodeDomainInvalid, i, "bridge source and destination are both %s", a.Chain.Name)
	}
	return []ResolvedAction{a}, nil
}

func (e *Engine) normalizeProtocol(a *ResolvedAction, protocolArg, prevProtocol string) *Failure {
	protocol := strings.TrimSpace(protocolArg)
	if protocol == "" {
		if implied, ok := registry.ImpliedProtocol(a.Pool); ok {
			protocol = implied
		}
	}
	if protocol == "" && a.Kind.NeedsProtocol() {
		protocol = prevProtocol
	}
	if protocol == "" {
		if a.Kind.NeedsProtocol() {
			return fail(clierr.CodeAmbiguity, a.Origin, "%s needs a protocol", a.Kind)
		}
		return nil
	}
	canonical, err := e.deps.Names.Resolve(protocol, registry.NameProtocol)
	if err != nil {
		if errors.Is(err, registry.ErrNameNotFound) {
			return fail(clierr.CodeAmbiguity, a.Origin, "name not recognized: protocol %q", protocol)
		}
		return failFrom(err, a.Origin, "could not resolve protocol")
	}
	a.Protocol = canonical

	if placeholderPools[strings.ToLower(strings.TrimSpace(a.Pool))] {
		a.Pool = ""
		return nil
	}
	pool, err := e.deps.Names.ResolvePool(canonical, a.Pool)
	if err != nil {
		if errors.Is(err, registry.ErrNameNotFound) {
			return fail(clierr.CodeAmbiguity, a.Origin, "name not recognized: pool %q on %s", a.Pool, canonical)
		}
		return failFrom(err, a.Origin, "could not resolve pool")
	}
	a.Pool = pool
	return nil
}

// fanOutChains expands a chain of "all" into one optional stub per chain that
// lists the token.
func fanOutChains(a ResolvedAction) ([]ResolvedAction, *Failure) {
	if a.TokenRef.Symbol == "" {
		return nil, fail(clierr.CodeAmbiguity, a.Origin, "%s on all chains needs an explicit token", a.Kind)
	}
	chains := id.ChainsWithToken(a.TokenRef.Symbol)
	if len(chains) == 0 {
		return nil, fail(clierr.CodeAmbiguity, a.Origin, "%s is not listed on any supported chain", strings.ToUpper(a.TokenRef.Symbol))
	}
	out := make([]ResolvedAction, 0, len(chains))
	for _, chain := range chains {
		if a.Kind == KindBridge && chain.ChainID == a.DestChain.ChainID {
			continue
		}
		stub := a
		stub.Chain = chain
		stub.Optional = true
		out = append(out, stub)
	}
	return out, nil
}

func parseChainArg(i int, raw, what string) (id.Chain, *Failure) {
	if strings.TrimSpace(raw) == "" {
		return id.Chain{}, nil
	}
	chain, err := id.ParseChain(raw)
	if err != nil {
		return id.Chain{}, fail(clierr.CodeAmbiguity, i, "name not recognized: %s %q", what, raw)
	}
	return chain, nil
}

// parseLeverage reads a perp multiplier. Empty means 1x; zero and negative
// multipliers are domain-invalid.
func parseLeverage(i int, raw string) (decimal.Decimal, *Failure) {
	raw = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(raw)), "x")
	if raw == "" {
		return decimal.NewFromInt(1), nil
	}
	lev, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fail(clierr.CodeAmbiguity, i, "could not parse leverage %q", raw)
	}
	if !lev.IsPositive() {
		return decimal.Zero, fail(clierr.CodeDomainInvalid, i, "leverage %s must be above 0x", lev)
	}
	return lev, nil
}
