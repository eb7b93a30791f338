package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const envPrefix = "DEFISIM_"

type GlobalFlags struct {
	ConfigPath   string
	JSON         bool
	Plain        bool
	Select       string
	ResultsOnly  bool
	Timeout      string
	Retries      int
	LogLevel     string
	ForkProvider string
	MaxStale     string
	NoCache      bool
}

type ForkSettings struct {
	// Provider is "static" (pre-started endpoints) or "http" (provisioning API).
	Provider     string
	Dialect      string
	Endpoints    map[int64]string
	APIURL       string
	APIKey       string
	BlockHeights map[int64]uint64
}

type Settings struct {
	OutputMode   string
	SelectFields []string
	ResultsOnly  bool
	Timeout      time.Duration
	HTTPRetries  int
	LogLevel     string

	// Retries is the simulation recursion budget.
	Retries            int
	MaxVenueFallbacks  int
	DefaultSlippageBps int64
	RelaxedSlippageBps int64

	Fork ForkSettings
	RPC  map[int64]string

	BuilderURL     string
	BuilderAPIKey  string
	MorphoEndpoint string
	PositionsURL   string
	PositionsKey   string

	CacheEnabled  bool
	CachePath     string
	CacheLockPath string
	MaxStale      time.Duration
	BalanceTTL    time.Duration
	PositionTTL   time.Duration
	RunStorePath  string
	RunLockPath   string
}

type secret struct {
	APIKey    string `yaml:"api_key"`
	APIKeyEnv string `yaml:"api_key_env"`
}

func (s secret) resolve() string {
	if s.APIKeyEnv != "" {
		return os.Getenv(s.APIKeyEnv)
	}
	return s.APIKey
}

type fileConfig struct {
	Output      string `yaml:"output"`
	Timeout     string `yaml:"timeout"`
	HTTPRetries *int   `yaml:"http_retries"`
	LogLevel    string `yaml:"log_level"`
	Simulation  struct {
		Retries            *int   `yaml:"retries"`
		MaxVenueFallbacks  *int   `yaml:"max_venue_fallbacks"`
		DefaultSlippageBps *int64 `yaml:"default_slippage_bps"`
		RelaxedSlippageBps *int64 `yaml:"relaxed_slippage_bps"`
	} `yaml:"simulation"`
	Fork struct {
		Provider     string           `yaml:"provider"`
		Dialect      string           `yaml:"dialect"`
		Endpoints    map[int64]string `yaml:"endpoints"`
		APIURL       string           `yaml:"api_url"`
		BlockHeights map[int64]uint64 `yaml:"block_heights"`
		secret       `yaml:",inline"`
	} `yaml:"fork"`
	RPC     map[int64]string `yaml:"rpc"`
	Builder struct {
		URL    string `yaml:"url"`
		secret `yaml:",inline"`
	} `yaml:"builder"`
	Positions struct {
		MorphoEndpoint string `yaml:"morpho_endpoint"`
		ServiceURL     string `yaml:"service_url"`
		secret         `yaml:",inline"`
	} `yaml:"positions"`
	Cache struct {
		Enabled     *bool  `yaml:"enabled"`
		MaxStale    string `yaml:"max_stale"`
		BalanceTTL  string `yaml:"balance_ttl"`
		PositionTTL string `yaml:"position_ttl"`
		Path        string `yaml:"path"`
		LockPath    string `yaml:"lock_path"`
	} `yaml:"cache"`
	Runs struct {
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"runs"`
}

// Load layers defaults, the YAML config file, DEFISIM_* environment variables
// and flags, in that order.
func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}
	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}
	if err := applyEnv(&settings); err != nil {
		return Settings{}, err
	}
	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}
	return settings, validate(&settings)
}

func defaultSettings() (Settings, error) {
	dir, err := defaultDataDir()
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		OutputMode:         "json",
		Timeout:            20 * time.Second,
		HTTPRetries:        2,
		LogLevel:           "info",
		Retries:            4,
		MaxVenueFallbacks:  2,
		DefaultSlippageBps: 50,
		RelaxedSlippageBps: 300,
		Fork: ForkSettings{
			Provider:     "static",
			Dialect:      "anvil",
			Endpoints:    map[int64]string{},
			BlockHeights: map[int64]uint64{},
		},
		RPC:           map[int64]string{},
		CacheEnabled:  true,
		CachePath:     filepath.Join(dir, "cache.db"),
		CacheLockPath: filepath.Join(dir, "cache.lock"),
		MaxStale:      5 * time.Minute,
		BalanceTTL:    15 * time.Second,
		PositionTTL:   time.Minute,
		RunStorePath:  filepath.Join(dir, "runs.db"),
		RunLockPath:   filepath.Join(dir, "runs.lock"),
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "defisim", "config.yaml"), nil
}

func defaultDataDir() (string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".cache")
	}
	return filepath.Join(base, "defisim"), nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if err := setDuration(&settings.Timeout, cfg.Timeout, "config timeout"); err != nil {
		return err
	}
	if cfg.HTTPRetries != nil {
		settings.HTTPRetries = *cfg.HTTPRetries
	}
	if cfg.LogLevel != "" {
		settings.LogLevel = cfg.LogLevel
	}

	if v := cfg.Simulation.Retries; v != nil {
		settings.Retries = *v
	}
	if v := cfg.Simulation.MaxVenueFallbacks; v != nil {
		settings.MaxVenueFallbacks = *v
	}
	if v := cfg.Simulation.DefaultSlippageBps; v != nil {
		settings.DefaultSlippageBps = *v
	}
	if v := cfg.Simulation.RelaxedSlippageBps; v != nil {
		settings.RelaxedSlippageBps = *v
	}

	if cfg.Fork.Provider != "" {
		settings.Fork.Provider = strings.ToLower(cfg.Fork.Provider)
	}
	if cfg.Fork.Dialect != "" {
		settings.Fork.Dialect = strings.ToLower(cfg.Fork.Dialect)
	}
	if cfg.Fork.APIURL != "" {
		settings.Fork.APIURL = cfg.Fork.APIURL
	}
	if key := cfg.Fork.resolve(); key != "" {
		settings.Fork.APIKey = key
	}
	for chainID, endpoint := range cfg.Fork.Endpoints {
		settings.Fork.Endpoints[chainID] = endpoint
	}
	for chainID, height := range cfg.Fork.BlockHeights {
		settings.Fork.BlockHeights[chainID] = height
	}
	for chainID, url := range cfg.RPC {
		settings.RPC[chainID] = url
	}

	if cfg.Builder.URL != "" {
		settings.BuilderURL = cfg.Builder.URL
	}
	if key := cfg.Builder.resolve(); key != "" {
		settings.BuilderAPIKey = key
	}
	if cfg.Positions.MorphoEndpoint != "" {
		settings.MorphoEndpoint = cfg.Positions.MorphoEndpoint
	}
	if cfg.Positions.ServiceURL != "" {
		settings.PositionsURL = cfg.Positions.ServiceURL
	}
	if key := cfg.Positions.resolve(); key != "" {
		settings.PositionsKey = key
	}

	if cfg.Cache.Enabled != nil {
		settings.CacheEnabled = *cfg.Cache.Enabled
	}
	if err := setDuration(&settings.MaxStale, cfg.Cache.MaxStale, "config cache.max_stale"); err != nil {
		return err
	}
	if err := setDuration(&settings.BalanceTTL, cfg.Cache.BalanceTTL, "config cache.balance_ttl"); err != nil {
		return err
	}
	if err := setDuration(&settings.PositionTTL, cfg.Cache.PositionTTL, "config cache.position_ttl"); err != nil {
		return err
	}
	if cfg.Cache.Path != "" {
		settings.CachePath = cfg.Cache.Path
	}
	if cfg.Cache.LockPath != "" {
		settings.CacheLockPath = cfg.Cache.LockPath
	}
	if cfg.Runs.Path != "" {
		settings.RunStorePath = cfg.Runs.Path
	}
	if cfg.Runs.LockPath != "" {
		settings.RunLockPath = cfg.Runs.LockPath
	}
	return nil
}

func applyEnv(settings *Settings) error {
	if v := os.Getenv(envPrefix + "OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if v := os.Getenv(envPrefix + "TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.Timeout = d
		}
	}
	if v := os.Getenv(envPrefix + "RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.Retries = n
		}
	}
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		settings.LogLevel = v
	}
	if v := os.Getenv(envPrefix + "NO_CACHE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.CacheEnabled = !b
		}
	}
	if v := os.Getenv(envPrefix + "MAX_STALE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.MaxStale = d
		}
	}
	if v := os.Getenv(envPrefix + "CACHE_PATH"); v != "" {
		settings.CachePath = v
	}
	if v := os.Getenv(envPrefix + "CACHE_LOCK_PATH"); v != "" {
		settings.CacheLockPath = v
	}
	if v := os.Getenv(envPrefix + "RUNS_PATH"); v != "" {
		settings.RunStorePath = v
	}
	if v := os.Getenv(envPrefix + "RUNS_LOCK_PATH"); v != "" {
		settings.RunLockPath = v
	}
	if v := os.Getenv(envPrefix + "FORK_PROVIDER"); v != "" {
		settings.Fork.Provider = strings.ToLower(v)
	}
	if v := os.Getenv(envPrefix + "FORK_DIALECT"); v != "" {
		settings.Fork.Dialect = strings.ToLower(v)
	}
	if v := os.Getenv(envPrefix + "FORK_API_URL"); v != "" {
		settings.Fork.APIURL = v
	}
	if v := os.Getenv(envPrefix + "FORK_API_KEY"); v != "" {
		settings.Fork.APIKey = v
	}
	if v := os.Getenv(envPrefix + "BUILDER_URL"); v != "" {
		settings.BuilderURL = v
	}
	if v := os.Getenv(envPrefix + "BUILDER_API_KEY"); v != "" {
		settings.BuilderAPIKey = v
	}
	if v := os.Getenv(envPrefix + "POSITIONS_URL"); v != "" {
		settings.PositionsURL = v
	}
	if v := os.Getenv(envPrefix + "POSITIONS_API_KEY"); v != "" {
		settings.PositionsKey = v
	}

	// Per-chain maps: DEFISIM_RPC_<chain id> and DEFISIM_FORK_ENDPOINT_<chain id>.
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" {
			continue
		}
		if chainID, ok := chainSuffix(key, envPrefix+"RPC_"); ok {
			settings.RPC[chainID] = value
		}
		if chainID, ok := chainSuffix(key, envPrefix+"FORK_ENDPOINT_"); ok {
			settings.Fork.Endpoints[chainID] = value
		}
		if chainID, ok := chainSuffix(key, envPrefix+"FORK_BLOCK_"); ok {
			height, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return fmt.Errorf("parse %s: %w", key, err)
			}
			settings.Fork.BlockHeights[chainID] = height
		}
	}
	return nil
}

func chainSuffix(key, prefix string) (int64, bool) {
	if !strings.HasPrefix(key, prefix) {
		return 0, false
	}
	chainID, err := strconv.ParseInt(strings.TrimPrefix(key, prefix), 10, 64)
	if err != nil || chainID <= 0 {
		return 0, false
	}
	return chainID, true
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if strings.TrimSpace(flags.Select) != "" {
		parts := strings.Split(flags.Select, ",")
		fields := make([]string, 0, len(parts))
		for _, part := range parts {
			f := strings.TrimSpace(part)
			if f != "" {
				fields = append(fields, f)
			}
		}
		settings.SelectFields = fields
	}
	settings.ResultsOnly = flags.ResultsOnly

	if err := setDuration(&settings.Timeout, flags.Timeout, "parse --timeout"); err != nil {
		return err
	}
	if flags.Retries >= 0 {
		settings.Retries = flags.Retries
	}
	if flags.LogLevel != "" {
		settings.LogLevel = flags.LogLevel
	}
	if flags.ForkProvider != "" {
		settings.Fork.Provider = strings.ToLower(flags.ForkProvider)
	}
	if err := setDuration(&settings.MaxStale, flags.MaxStale, "parse --max-stale"); err != nil {
		return err
	}
	if flags.NoCache {
		settings.CacheEnabled = false
	}
	return nil
}

func validate(settings *Settings) error {
	if settings.OutputMode != "json" && settings.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 20 * time.Second
	}
	if settings.Retries < 0 {
		settings.Retries = 0
	}
	if settings.HTTPRetries < 0 {
		settings.HTTPRetries = 0
	}
	if _, err := zapcore.ParseLevel(settings.LogLevel); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	switch settings.Fork.Provider {
	case "static":
	case "http":
		if strings.TrimSpace(settings.Fork.APIURL) == "" {
			return fmt.Errorf("fork provider http requires fork.api_url")
		}
	default:
		return fmt.Errorf("fork provider must be static or http, got %q", settings.Fork.Provider)
	}
	if settings.Fork.Dialect != "anvil" && settings.Fork.Dialect != "tenderly" {
		return fmt.Errorf("fork dialect must be anvil or tenderly, got %q", settings.Fork.Dialect)
	}
	if settings.RelaxedSlippageBps < settings.DefaultSlippageBps {
		return fmt.Errorf("relaxed slippage (%d bps) must not be tighter than the default (%d bps)", settings.RelaxedSlippageBps, settings.DefaultSlippageBps)
	}
	return nil
}

func setDuration(dst *time.Duration, raw, label string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", label, err)
	}
	*dst = d
	return nil
}
