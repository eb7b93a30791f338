package engine

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/ggonzalez94/defi-sim/internal/id"
	"github.com/ggonzalez94/defi-sim/internal/registry"
)

type PositionKind string

const (
	PositionSupply PositionKind = "supply"
	PositionBorrow PositionKind = "borrow"
	PositionStake  PositionKind = "stake"
	PositionLock   PositionKind = "lock"
	PositionLP     PositionKind = "lp"
	PositionPerp   PositionKind = "perp"
	PositionReward PositionKind = "reward"
)

// Position is a live protocol position of the user.
type Position struct {
	Protocol string
	ChainID  int64
	Kind     PositionKind
	Token    id.Token
	Amount   *big.Int
	Pool     string
}

// Lookups reads live, non-forked state. Results are hints for resolution only.
type Lookups interface {
	Balance(ctx context.Context, chainID int64, owner common.Address, token id.Token) (*big.Int, error)
	Positions(ctx context.Context, chainID int64, owner common.Address, protocol string) ([]Position, error)
}

// NameResolver maps partial protocol and pool names to canonical ones.
type NameResolver interface {
	Resolve(partial string, kind registry.NameKind) (string, error)
	ResolvePool(protocol, partial string) (string, error)
	Protocol(name string) (registry.Protocol, bool)
}

// Explainer receives a description of every corrective edit together with the
// plan as the user wrote it. Calls must not block.
type Explainer interface {
	Explain(description string, original []RawAction)
}

type ExplainerFunc func(description string, original []RawAction)

func (f ExplainerFunc) Explain(description string, original []RawAction) { f(description, original) }

// LogExplainer writes corrections to a zap logger.
type LogExplainer struct {
	Log *zap.Logger
}

func (e LogExplainer) Explain(description string, original []RawAction) {
	if e.Log == nil {
		return
	}
	e.Log.Info("plan corrected",
		zap.String("correction", description),
		zap.Int("actions", len(original)),
		zap.Stringers("plan", original),
	)
}
