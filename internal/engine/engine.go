package engine

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	clierr "github.com/ggonzalez94/defi-sim/internal/errors"
	"github.com/ggonzalez94/defi-sim/internal/fork"
	"github.com/ggonzalez94/defi-sim/internal/id"
	"github.com/ggonzalez94/defi-sim/internal/registry"
	"github.com/ggonzalez94/defi-sim/internal/txbuild"
)

// Options tune one ResolveAndSimulate call.
type Options struct {
	// Retries is the recursion budget: corrective or infrastructure retries
	// allowed after the first attempt.
	Retries int
	// MaxVenueFallbacks bounds how many alternative venues one action may try.
	MaxVenueFallbacks  int
	DefaultSlippageBps int64
	RelaxedSlippageBps int64
}

func DefaultOptions() Options {
	return Options{
		Retries:            4,
		MaxVenueFallbacks:  2,
		DefaultSlippageBps: 50,
		RelaxedSlippageBps: 300,
	}
}

// ForkFactory returns a fresh manager for each attempt.
type ForkFactory func() *fork.Manager

type Deps struct {
	Forks     ForkFactory
	Lookups   Lookups
	Names     NameResolver
	Builder   txbuild.Builder
	Explainer Explainer
	Metrics   *Metrics
	Log       *zap.Logger
}

// Engine resolves ambiguous plans and verifies them against forked chains.
type Engine struct {
	deps Deps
}

func New(deps Deps) (*Engine, error) {
	if deps.Forks == nil {
		return nil, clierr.New(clierr.CodeInternal, "engine requires a fork factory")
	}
	if deps.Lookups == nil {
		return nil, clierr.New(clierr.CodeInternal, "engine requires balance and position lookups")
	}
	if deps.Builder == nil {
		return nil, clierr.New(clierr.CodeInternal, "engine requires a transaction builder")
	}
	if deps.Names == nil {
		deps.Names = registry.DefaultNames()
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Explainer == nil {
		deps.Explainer = LogExplainer{Log: deps.Log}
	}
	return &Engine{deps: deps}, nil
}

// SimResult is the terminal outcome of one ResolveAndSimulate call.
type SimResult struct {
	Success bool
	Actions []ResolvedAction
	// Plan is the raw plan after all corrections; Index refers to it.
	Plan      []RawAction
	Message   string
	Index     *int
	ChainHint string
	Class     clierr.Code

	RunID       string
	Attempts    int
	Corrections []string
}

// Err returns the failure as a typed error, or nil on success.
func (r SimResult) Err() error {
	if r.Success {
		return nil
	}
	if r.Index != nil {
		return clierr.Newf(r.Class, "action %d: %s", *r.Index+1, r.Message)
	}
	return clierr.New(r.Class, r.Message)
}

// AttemptContext is the state of one attempt. It is owned by the driver and
// passed to each stage in turn.
type AttemptContext struct {
	RunID     string
	Attempt   int
	Address   common.Address
	ChainHint id.Chain
	// Raw is the plan this attempt resolves. Stages never modify it.
	Raw     []RawAction
	Working []ResolvedAction

	Forks       *fork.Manager
	Checkpoints fork.Checkpoints
	Opts        Options
	Log         *zap.Logger
}

func newAttemptContext(runID string, attempt int, address common.Address, hint id.Chain, raw []RawAction, opts Options, log *zap.Logger) *AttemptContext {
	return &AttemptContext{
		RunID:     runID,
		Attempt:   attempt,
		Address:   address,
		ChainHint: hint,
		Raw:       raw,
		Opts:      opts,
		Log:       log.With(zap.Int("attempt", attempt)),
	}
}

// where names an action for user-facing messages.
func where(a ResolvedAction) string {
	return fmt.Sprintf("action %d (%s)", a.Origin+1, a.label())
}
