package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ggonzalez94/defi-sim/internal/engine"
	clierr "github.com/ggonzalez94/defi-sim/internal/errors"
	"github.com/ggonzalez94/defi-sim/internal/model"
	"github.com/ggonzalez94/defi-sim/internal/store"
)

// planFile is the on-disk plan. A bare list of actions is accepted as well.
type planFile struct {
	Address string             `yaml:"address"`
	Chain   string             `yaml:"chain"`
	Actions []engine.RawAction `yaml:"actions"`
}

// simulateOutput is the data payload of a successful simulate call.
type simulateOutput struct {
	engine.Report
	Metrics []model.MetricSample `json:"metrics,omitempty"`
}

func (s *runtimeState) newSimulateCommand() *cobra.Command {
	var planPath, addressArg, chainArg string
	var deadline time.Duration
	var withMetrics bool
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Resolve a plan against live state and simulate it on forks",
		Long: "Resolve a plan of partially specified actions against live balances and positions,\n" +
			"then execute it on forks of every chain it touches. Failures that an edit of the\n" +
			"plan can repair are corrected and the plan is attempted again.",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := trimRootPath(cmd.CommandPath())
			plan, err := readPlan(cmd.InOrStdin(), planPath)
			if err != nil {
				return err
			}
			if strings.TrimSpace(addressArg) != "" {
				plan.Address = addressArg
			}
			if strings.TrimSpace(chainArg) != "" {
				plan.Chain = chainArg
			}
			if !common.IsHexAddress(plan.Address) {
				return clierr.Newf(clierr.CodeUsage, "--address must be a hex account address, got %q", plan.Address)
			}
			if len(plan.Actions) == 0 {
				return clierr.New(clierr.CodeUsage, "plan has no actions")
			}

			eng, err := s.engineFor()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if deadline > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, deadline)
				defer cancel()
			}

			result := eng.ResolveAndSimulate(ctx, plan.Actions, common.HexToAddress(plan.Address), plan.Chain, s.engineOptions())
			s.saveRun(plan, result)

			if !result.Success {
				s.lastResult = &result
				return result.Err()
			}
			data := simulateOutput{Report: result.Report()}
			if withMetrics {
				samples, err := gatherMetrics(s.registry)
				if err != nil {
					return clierr.Wrap(clierr.CodeInternal, "gather metrics", err)
				}
				data.Metrics = samples
			}
			return s.emitSuccessMeta(path, data, s.lastWarnings, model.EnvelopeMeta{RunID: result.RunID, Attempts: result.Attempts})
		},
	}
	cmd.Flags().StringVar(&planPath, "plan", "", "Plan file (YAML or JSON); - reads stdin")
	cmd.Flags().StringVar(&addressArg, "address", "", "Account the plan runs for (overrides the plan file)")
	cmd.Flags().StringVar(&chainArg, "chain", "", "Chain hint for actions that do not name one")
	cmd.Flags().DurationVar(&deadline, "deadline", 0, "Overall simulation deadline (0 disables)")
	cmd.Flags().BoolVar(&withMetrics, "metrics", false, "Include engine counters in the output")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func (s *runtimeState) engineOptions() engine.Options {
	return engine.Options{
		Retries:            s.settings.Retries,
		MaxVenueFallbacks:  s.settings.MaxVenueFallbacks,
		DefaultSlippageBps: s.settings.DefaultSlippageBps,
		RelaxedSlippageBps: s.settings.RelaxedSlippageBps,
	}
}

// saveRun records the run. A store failure never fails the command.
func (s *runtimeState) saveRun(plan planFile, result engine.SimResult) {
	runs, err := s.runStore()
	if err == nil {
		err = runs.Save(store.NewRecord(plan.Actions, plan.Address, plan.Chain, result, s.runner.now()))
	}
	if err != nil {
		s.log.Warn("run not recorded", zap.String("run_id", result.RunID), zap.Error(err))
		s.lastWarnings = append(s.lastWarnings, fmt.Sprintf("run %s was not recorded: %v", result.RunID, err))
	}
}

func readPlan(stdin io.Reader, path string) (planFile, error) {
	var (
		buf []byte
		err error
	)
	if path == "-" {
		buf, err = io.ReadAll(stdin)
	} else {
		buf, err = os.ReadFile(path)
	}
	if err != nil {
		return planFile{}, clierr.Wrap(clierr.CodeUsage, "read plan", err)
	}
	return parsePlan(buf)
}

func parsePlan(buf []byte) (planFile, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(buf, &node); err != nil {
		return planFile{}, clierr.Wrap(clierr.CodeUsage, "parse plan", err)
	}
	if len(node.Content) == 0 {
		return planFile{}, clierr.New(clierr.CodeUsage, "plan is empty")
	}
	var plan planFile
	var err error
	if node.Content[0].Kind == yaml.SequenceNode {
		err = node.Content[0].Decode(&plan.Actions)
	} else {
		err = node.Content[0].Decode(&plan)
	}
	if err != nil {
		return planFile{}, clierr.Wrap(clierr.CodeUsage, "decode plan", err)
	}
	for i, a := range plan.Actions {
		if strings.TrimSpace(a.Name) == "" {
			return planFile{}, clierr.Newf(clierr.CodeUsage, "plan action %d has no name", i+1)
		}
		if a.Args == nil {
			plan.Actions[i].Args = map[string]any{}
		}
	}
	return plan, nil
}

func gatherMetrics(g prometheus.Gatherer) ([]model.MetricSample, error) {
	families, err := g.Gather()
	if err != nil {
		return nil, err
	}
	var samples []model.MetricSample
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			sample := model.MetricSample{Name: mf.GetName()}
			if len(m.GetLabel()) > 0 {
				sample.Labels = map[string]string{}
				for _, l := range m.GetLabel() {
					sample.Labels[l.GetName()] = l.GetValue()
				}
			}
			switch {
			case m.GetCounter() != nil:
				sample.Value = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				sample.Value = m.GetGauge().GetValue()
			default:
				continue
			}
			samples = append(samples, sample)
		}
	}
	sort.SliceStable(samples, func(i, j int) bool { return samples[i].Name < samples[j].Name })
	return samples, nil
}
