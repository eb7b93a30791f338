package app

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ggonzalez94/defi-sim/internal/cache"
	"github.com/ggonzalez94/defi-sim/internal/config"
	"github.com/ggonzalez94/defi-sim/internal/engine"
	clierr "github.com/ggonzalez94/defi-sim/internal/errors"
	"github.com/ggonzalez94/defi-sim/internal/fork"
	"github.com/ggonzalez94/defi-sim/internal/httpx"
	"github.com/ggonzalez94/defi-sim/internal/logging"
	"github.com/ggonzalez94/defi-sim/internal/lookup"
	"github.com/ggonzalez94/defi-sim/internal/model"
	"github.com/ggonzalez94/defi-sim/internal/out"
	"github.com/ggonzalez94/defi-sim/internal/registry"
	"github.com/ggonzalez94/defi-sim/internal/schema"
	"github.com/ggonzalez94/defi-sim/internal/store"
	"github.com/ggonzalez94/defi-sim/internal/txbuild"
	"github.com/ggonzalez94/defi-sim/internal/version"
)

type Runner struct {
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdout: stdout,
		stderr: stderr,
		now:    time.Now,
	}
}

type runtimeState struct {
	runner   *Runner
	flags    config.GlobalFlags
	settings config.Settings
	root     *cobra.Command
	log      *zap.Logger

	cache    *cache.Store
	runs     *store.Store
	live     *lookup.Live
	engine   *engine.Engine
	registry *prometheus.Registry
	names    *registry.Names

	lastCommand  string
	lastWarnings []string
	// lastResult is the failed simulation behind the current error, if any.
	lastResult *engine.SimResult
}

func (r *Runner) Run(args []string) int {
	state := &runtimeState{runner: r, names: registry.DefaultNames()}
	root := state.newRootCommand()
	state.root = root
	state.resetCommandDiagnostics()
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.Execute()
	err = normalizeRunError(err)
	if err != nil {
		state.renderError("", err, state.lastWarnings)
	}
	state.close()
	return clierr.ExitCode(err)
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Resolve and simulate multi-step DeFi plans on forked chains",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load configuration", err)
			}
			s.settings = settings
			s.lastCommand = trimRootPath(cmd.CommandPath())

			if s.log == nil {
				log, err := logging.New(logging.Options{Level: settings.LogLevel, Output: s.runner.stderr})
				if err != nil {
					return clierr.Wrap(clierr.CodeUsage, "configure logging", err)
				}
				s.log = log
			}
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeUsage, "parse flags", err)
	})

	cmd.PersistentFlags().BoolVar(&s.flags.JSON, "json", false, "Output JSON (default)")
	cmd.PersistentFlags().BoolVar(&s.flags.Plain, "plain", false, "Output plain text")
	cmd.PersistentFlags().StringVar(&s.flags.Select, "select", "", "Select fields from data (comma-separated)")
	cmd.PersistentFlags().BoolVar(&s.flags.ResultsOnly, "results-only", false, "Output only data payload")
	cmd.PersistentFlags().StringVar(&s.flags.Timeout, "timeout", "", "Request timeout for lookups, builders and fork provisioning")
	cmd.PersistentFlags().IntVar(&s.flags.Retries, "retries", -1, "Simulation retry budget (corrective and infrastructure retries)")
	cmd.PersistentFlags().StringVar(&s.flags.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&s.flags.ForkProvider, "fork-provider", "", "Fork provider (static, http)")
	cmd.PersistentFlags().StringVar(&s.flags.MaxStale, "max-stale", "", "Maximum stale fallback window for cached lookups")
	cmd.PersistentFlags().BoolVar(&s.flags.NoCache, "no-cache", false, "Disable the lookup cache")
	cmd.PersistentFlags().StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")

	cmd.AddCommand(s.newSimulateCommand())
	cmd.AddCommand(s.newRunsCommand())
	cmd.AddCommand(s.newNamesCommand())
	cmd.AddCommand(s.newChainsCommand())
	cmd.AddCommand(s.newProtocolsCommand())
	cmd.AddCommand(s.newSchemaCommand())
	cmd.AddCommand(s.newVersionCommand())

	return cmd
}

func (s *runtimeState) newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		RunE: func(cmd *cobra.Command, args []string) error {
			if s.flags.JSON {
				info := model.VersionInfo{Name: version.CLIName, Version: version.CLIVersion, Commit: version.Commit, BuildDate: version.BuildDate}
				return s.emitSuccess(trimRootPath(cmd.CommandPath()), info, nil)
			}
			if long {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Long())
				return nil
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.CLIVersion)
			return nil
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print extended build metadata")
	return cmd
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema [command path]",
		Short: "Print machine-readable command schema",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) > 0 {
				path = strings.Join(args, " ")
			}
			data, err := schema.Build(s.root, path)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "build schema", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil)
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "actions",
		Short: "List plan actions, their aliases and argument keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), schema.Actions(), nil)
		},
	})
	return cmd
}

// engineFor builds the engine and its collaborators from the loaded settings.
// It is called once per process by commands that simulate.
func (s *runtimeState) engineFor() (*engine.Engine, error) {
	if s.engine != nil {
		return s.engine, nil
	}
	settings := s.settings
	httpClient := httpx.New(settings.Timeout, settings.HTTPRetries, s.log)

	var provider fork.Provider
	switch settings.Fork.Provider {
	case "http":
		provider = fork.NewHTTPProvider(httpClient, settings.Fork.APIURL, settings.Fork.APIKey)
	default:
		provider = fork.StaticProvider{Endpoints: settings.Fork.Endpoints}
	}
	ledgerOpts := fork.DefaultLedgerOptions()
	ledgerOpts.Dialect = fork.Dialect(settings.Fork.Dialect)
	dial := fork.NewDialer(ledgerOpts)
	log := s.log

	liveOpts := lookup.Options{
		RPC: settings.RPC,
		Sources: map[string]lookup.PositionSource{
			"morpho": lookup.NewMorpho(httpClient, settings.MorphoEndpoint),
		},
		Log: log,
	}
	if strings.TrimSpace(settings.PositionsURL) != "" {
		liveOpts.Fallback = lookup.NewService(httpClient, settings.PositionsURL, settings.PositionsKey)
	}
	s.live = lookup.NewLive(liveOpts)

	var lookups engine.Lookups = s.live
	if settings.CacheEnabled {
		cacheStore, err := cache.Open(settings.CachePath, settings.CacheLockPath)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeInternal, "open cache", err)
		}
		if err := cacheStore.Prune(); err != nil {
			log.Warn("cache prune failed", zap.Error(err))
		}
		s.cache = cacheStore
		lookups = lookup.NewCached(s.live, cacheStore, lookup.CacheOptions{
			BalanceTTL:  settings.BalanceTTL,
			PositionTTL: settings.PositionTTL,
			MaxStale:    settings.MaxStale,
		}, log)
	}

	var remote txbuild.Builder
	if strings.TrimSpace(settings.BuilderURL) != "" {
		remote = txbuild.NewRemote(httpClient, settings.BuilderURL, settings.BuilderAPIKey)
	}

	s.registry = prometheus.NewRegistry()
	eng, err := engine.New(engine.Deps{
		Forks: func() *fork.Manager {
			return fork.NewManager(provider, dial, settings.Fork.BlockHeights, log)
		},
		Lookups: lookups,
		Names:   s.names,
		Builder: txbuild.Default(remote),
		Explainer: engine.ExplainerFunc(func(description string, original []engine.RawAction) {
			s.lastWarnings = append(s.lastWarnings, "corrected: "+description)
			engine.LogExplainer{Log: log}.Explain(description, original)
		}),
		Metrics: engine.NewMetrics(s.registry),
		Log:     log,
	})
	if err != nil {
		return nil, err
	}
	s.engine = eng
	return eng, nil
}

func (s *runtimeState) runStore() (*store.Store, error) {
	if s.runs != nil {
		return s.runs, nil
	}
	runs, err := store.Open(s.settings.RunStorePath, s.settings.RunLockPath)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "open run store", err)
	}
	s.runs = runs
	return runs, nil
}

func (s *runtimeState) close() {
	if s.live != nil {
		s.live.Close()
	}
	if s.cache != nil {
		_ = s.cache.Close()
	}
	if s.runs != nil {
		_ = s.runs.Close()
	}
	if s.log != nil {
		_ = s.log.Sync()
	}
}

func (s *runtimeState) emitSuccess(commandPath string, data any, warnings []string) error {
	return s.emitSuccessMeta(commandPath, data, warnings, model.EnvelopeMeta{})
}

func (s *runtimeState) emitSuccessMeta(commandPath string, data any, warnings []string, meta model.EnvelopeMeta) error {
	meta.RequestID = newRequestID()
	meta.Timestamp = s.runner.now().UTC()
	meta.Command = commandPath
	if meta.Cache.Status == "" {
		meta.Cache = s.cacheMeta()
	}
	env := model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  true,
		Data:     data,
		Error:    nil,
		Warnings: warnings,
		Meta:     meta,
	}
	return out.Render(s.runner.stdout, env, s.settings)
}

func (s *runtimeState) renderError(commandPath string, err error, warnings []string) {
	if strings.TrimSpace(commandPath) == "" {
		commandPath = s.lastCommand
		if commandPath == "" {
			commandPath = version.CLIName
		}
	}
	code := clierr.ExitCode(err)
	message := err.Error()
	if cErr, ok := clierr.As(err); ok {
		message = cErr.Message
		if cErr.Cause != nil {
			message = fmt.Sprintf("%s: %v", cErr.Message, cErr.Cause)
		}
	}

	settings := s.settings
	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	settings.ResultsOnly = false
	settings.SelectFields = nil
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: false,
		Data:    []any{},
		Error: &model.ErrorBody{
			Code:    code,
			Type:    errorType(clierr.CodeOf(err)),
			Message: message,
		},
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Cache:     s.cacheMeta(),
		},
	}
	if r := s.lastResult; r != nil {
		env.Data = r.Report()
		env.Error.Index = r.Index
		env.Error.ChainHint = r.ChainHint
		env.Meta.RunID = r.RunID
		env.Meta.Attempts = r.Attempts
	}
	_ = out.Render(s.runner.stderr, env, settings)
}

func errorType(code clierr.Code) string {
	switch code {
	case clierr.CodeUsage:
		return "usage_error"
	case clierr.CodeAuth:
		return "auth_error"
	case clierr.CodeRateLimited:
		return "rate_limited"
	case clierr.CodeUnavailable:
		return "provider_unavailable"
	case clierr.CodeUnsupported:
		return "unsupported"
	case clierr.CodeInfrastructure:
		return "infrastructure_error"
	case clierr.CodeAmbiguity:
		return "ambiguous_plan"
	case clierr.CodeDomainInvalid:
		return "invalid_plan"
	case clierr.CodeOnChain:
		return "execution_reverted"
	case clierr.CodeBudgetExhausted:
		return "retry_budget_exhausted"
	default:
		return "internal_error"
	}
}

func (s *runtimeState) cacheMeta() model.CacheStatus {
	if s.cache == nil {
		return model.CacheStatus{Status: "bypass"}
	}
	return model.CacheStatus{Status: "enabled"}
}

func newRequestID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	if errors.Is(err, registry.ErrNameNotFound) {
		return clierr.Wrap(clierr.CodeAmbiguity, "resolve name", err)
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.CodeUsage, "invalid command input", err)
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}

func isLikelyUsageError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	patterns := []string{
		"unknown command",
		"unknown flag",
		"required flag(s)",
		"flag needs an argument",
		"requires at least",
		"requires exactly",
		"accepts ",
		"invalid argument",
		"invalid args",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func (s *runtimeState) resetCommandDiagnostics() {
	s.lastWarnings = nil
	s.lastResult = nil
}
