package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	clierr "github.com/ggonzalez94/defi-sim/internal/errors"
	"github.com/ggonzalez94/defi-sim/internal/id"
)

// ResolveAndSimulate resolves raw against live state and runs it on forks of the
// chains it touches. Failures that a plan edit can repair are corrected and the
// whole plan is attempted again until it succeeds, fails terminally, or the
// retry budget is spent. raw is never modified.
func (e *Engine) ResolveAndSimulate(ctx context.Context, raw []RawAction, address common.Address, chainHint string, opts Options) SimResult {
	opts = e.withDefaults(opts)
	runID := uuid.NewString()
	log := e.deps.Log.With(zap.String("run_id", runID))

	var hint id.Chain
	if strings.TrimSpace(chainHint) != "" {
		chain, err := id.ParseChain(chainHint)
		if err != nil {
			return e.finish(SimResult{RunID: runID, Class: clierr.CodeAmbiguity, Message: "unknown chain " + chainHint, Plan: ClonePlan(raw)})
		}
		hint = chain
	}

	original := ClonePlan(raw)
	plan := ClonePlan(raw)
	budget := NewBudget(opts.Retries)
	seen := map[string]bool{}
	var corrections []string

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return e.finish(SimResult{RunID: runID, Attempts: attempt - 1, Plan: plan, Corrections: corrections,
				Class: clierr.CodeInfrastructure, Message: "simulation cancelled: " + err.Error()})
		}
		e.deps.Metrics.incAttempt()
		ac := newAttemptContext(runID, attempt, address, hint, plan, opts, log)
		f := e.attempt(ctx, ac)
		if f == nil {
			log.Info("simulation succeeded", zap.Int("attempts", attempt), zap.Int("actions", len(ac.Working)))
			return e.finish(SimResult{Success: true, Actions: ac.Working, Plan: plan, RunID: runID, Attempts: attempt, Corrections: corrections})
		}

		result := SimResult{
			RunID:       runID,
			Attempts:    attempt,
			Plan:        plan,
			Class:       f.Class,
			Message:     f.Message,
			ChainHint:   f.ChainHint,
			Corrections: corrections,
		}
		if f.Index >= 0 && f.Index < len(plan) {
			index := f.Index
			result.Index = &index
		}

		var marker string
		switch {
		case f.Retryable():
			marker = "retry:" + f.Message
		case f.Correction != nil:
			marker = f.Correction.Marker()
			if seen[marker] {
				log.Info("correction repeated", zap.String("correction", f.Correction.Description))
				return e.finish(result)
			}
		default:
			return e.finish(result)
		}
		if !budget.Spend(marker) {
			log.Warn("retry budget exhausted", zap.Strings("trail", budget.Trail()))
			result.Class = clierr.CodeBudgetExhausted
			result.Message = fmt.Sprintf("simulation retry budget exhausted after %d attempts: %s", attempt, f.Message)
			return e.finish(result)
		}

		if f.Retryable() {
			e.deps.Metrics.incInfraRetry()
			log.Warn("retrying after infrastructure failure", zap.Error(f))
			continue
		}
		next, err := f.Correction.Apply(plan)
		if err != nil {
			result.Class = clierr.CodeInternal
			result.Message = err.Error()
			return e.finish(result)
		}
		seen[marker] = true
		plan = next
		corrections = append(corrections, f.Correction.Description)
		e.deps.Metrics.incCorrection(f.Correction.Kind)
		e.deps.Explainer.Explain(f.Correction.Description, original)
	}
}

// attempt runs every stage once on fresh forks.
func (e *Engine) attempt(ctx context.Context, ac *AttemptContext) *Failure {
	list, f := e.normalize(ac)
	if f != nil {
		return f
	}
	ac.Working = list

	ac.Forks = e.deps.Forks()
	defer func() {
		cleanup := context.WithoutCancel(ctx)
		if err := ac.Forks.Rollback(cleanup, ac.Checkpoints); err != nil {
			ac.Log.Warn("fork rollback failed", zap.Error(err))
		}
		ac.Forks.Close(cleanup)
	}()
	checkpoints, err := ac.Forks.Checkpoint(ctx, touchedChains(list))
	if err != nil {
		return failFrom(err, -1, "could not prepare forks")
	}
	ac.Checkpoints = checkpoints

	if f := e.resolve(ctx, ac); f != nil {
		return f
	}
	if f := e.postprocess(ac); f != nil {
		return f
	}
	return e.simulate(ctx, ac)
}

func touchedChains(list []ResolvedAction) []int64 {
	var ids []int64
	for _, a := range list {
		ids = append(ids, a.Chain.ChainID)
		if a.Kind == KindBridge && !a.DestChain.IsZero() {
			ids = append(ids, a.DestChain.ChainID)
		}
	}
	return lo.Uniq(ids)
}

func (e *Engine) withDefaults(opts Options) Options {
	def := DefaultOptions()
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.MaxVenueFallbacks <= 0 {
		opts.MaxVenueFallbacks = def.MaxVenueFallbacks
	}
	if opts.DefaultSlippageBps <= 0 {
		opts.DefaultSlippageBps = def.DefaultSlippageBps
	}
	if opts.RelaxedSlippageBps <= 0 {
		opts.RelaxedSlippageBps = def.RelaxedSlippageBps
	}
	return opts
}

func (e *Engine) finish(r SimResult) SimResult {
	outcome := "success"
	if !r.Success {
		outcome = r.Class.String()
	}
	e.deps.Metrics.incResult(outcome)
	return r
}
