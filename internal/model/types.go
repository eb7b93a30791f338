package model

import "time"

const EnvelopeVersion = "v1"

type Envelope struct {
	Version  string       `json:"version"`
	Success  bool         `json:"success"`
	Data     any          `json:"data,omitempty"`
	Error    *ErrorBody   `json:"error"`
	Warnings []string     `json:"warnings,omitempty"`
	Meta     EnvelopeMeta `json:"meta"`
}

type ErrorBody struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
	// Index is the zero-based position of the failing action in the plan.
	Index     *int   `json:"index,omitempty"`
	ChainHint string `json:"chain_hint,omitempty"`
}

type EnvelopeMeta struct {
	RequestID string      `json:"request_id"`
	Timestamp time.Time   `json:"timestamp"`
	Command   string      `json:"command"`
	RunID     string      `json:"run_id,omitempty"`
	Attempts  int         `json:"attempts,omitempty"`
	Cache     CacheStatus `json:"cache"`
}

type CacheStatus struct {
	Status string `json:"status"`
}

type ChainInfo struct {
	Name        string   `json:"name"`
	Slug        string   `json:"slug"`
	ChainID     string   `json:"chain_id"`
	Native      string   `json:"native"`
	Tokens      []string `json:"tokens"`
	DefaultRPC  string   `json:"default_rpc,omitempty"`
	ForkBlock   uint64   `json:"fork_block,omitempty"`
	ForkEnabled bool     `json:"fork_endpoint_configured"`
}

type ProtocolInfo struct {
	Name        string   `json:"name"`
	Aliases     []string `json:"aliases,omitempty"`
	Pools       []string `json:"pools,omitempty"`
	UniswapLike bool     `json:"dual_token_pools"`
	Perp        bool     `json:"perp"`
	// OffWalletDebt protocols keep borrowed funds inside the protocol.
	OffWalletDebt bool `json:"off_wallet_debt"`
}

type NameResolution struct {
	Input    string `json:"input"`
	Kind     string `json:"kind"`
	Protocol string `json:"protocol,omitempty"`
	Resolved string `json:"resolved"`
}

type VersionInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

type MetricSample struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}
