package engine

import (
	"math/big"
	"strings"

	clierr "github.com/ggonzalez94/defi-sim/internal/errors"
	"github.com/ggonzalez94/defi-sim/internal/id"
)

// deriveSources scans backward from i over the contiguous run of actions whose
// output lands on the chain of list[i], collecting those that yield token into
// the wallet. The scan stops at a chain boundary or at the first action that
// keeps its funds in protocol custody; that action is returned as the blocker.
func (e *Engine) deriveSources(list []ResolvedAction, i int, token id.Token) ([]int, *ResolvedAction) {
	cur := list[i]
	var sources []int
	for j := i - 1; j >= 0; j-- {
		prev := list[j]
		if prev.OutputChain().ChainID != cur.Chain.ChainID {
			break
		}
		if prev.Kind == KindBorrow && e.offWalletDebt(prev.Protocol) {
			if prev.Token.Same(token) || token.IsZero() {
				return sources, &list[j]
			}
			continue
		}
		if produced, ok := prev.ProducedToken(); ok && (token.IsZero() || produced.Same(token)) {
			sources = append(sources, j)
			continue
		}
		if prev.Kind.Custodial() {
			return sources, &list[j]
		}
	}
	return sources, nil
}

// producerBefore is the nearest earlier action whose output lands on the chain of
// list[i].
func producerBefore(list []ResolvedAction, i int) (ResolvedAction, bool) {
	chainID := list[i].Chain.ChainID
	for j := i - 1; j >= 0; j-- {
		prev := list[j]
		if prev.OutputChain().ChainID != chainID {
			return ResolvedAction{}, false
		}
		if _, ok := prev.ProducedToken(); ok {
			return prev, true
		}
		if prev.Kind.Custodial() {
			return ResolvedAction{}, false
		}
	}
	return ResolvedAction{}, false
}

func (e *Engine) offWalletDebt(protocol string) bool {
	if protocol == "" {
		return false
	}
	p, ok := e.deps.Names.Protocol(protocol)
	return ok && p.OffWalletDebt
}

// underivable explains why list[i] has no upstream output to spend.
func underivable(list []ResolvedAction, i int, token id.Token, blocker *ResolvedAction) *Failure {
	a := list[i]
	symbol := strings.ToUpper(token.Symbol)
	if symbol == "" {
		symbol = "the previous output"
	}
	if blocker == nil {
		return fail(clierr.CodeAmbiguity, a.Origin,
			"could not work out how much %s to %s: no earlier action on %s produces it", symbol, a.Kind, a.Chain.Name)
	}
	if blocker.Kind == KindBorrow {
		return fail(clierr.CodeAmbiguity, a.Origin,
			"could not work out how much %s to %s: %s keeps borrowed funds inside %s, so they never reach the wallet",
			symbol, a.Kind, where(*blocker), blocker.Protocol)
	}
	return fail(clierr.CodeAmbiguity, a.Origin,
		"could not work out how much %s to %s: %s leaves its funds in the protocol, not the wallet",
		symbol, a.Kind, where(*blocker))
}

// derivedAmount sums the observed outputs of the sources of list[i].
func (e *Engine) derivedAmount(list []ResolvedAction, i int) (*big.Int, *Failure) {
	a := list[i]
	sources, blocker := e.deriveSources(list, i, a.Token)
	if len(sources) == 0 {
		return nil, underivable(list, i, a.Token, blocker)
	}
	total := new(big.Int)
	for _, j := range sources {
		if out := list[j].Output; out != nil {
			total.Add(total, out)
		}
	}
	if total.Sign() <= 0 {
		return nil, fail(clierr.CodeAmbiguity, a.Origin, "%s yielded no %s to %s", where(list[sources[0]]), strings.ToUpper(a.Token.Symbol), a.Kind)
	}
	return total, nil
}
