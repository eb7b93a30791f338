package registry

import (
	"fmt"
	"strings"
)

// Public RPC endpoints for live balance reads, by chain ID.
var defaultRPCByChainID = map[int64]string{
	1:     "https://eth.llamarpc.com",
	10:    "https://mainnet.optimism.io",
	56:    "https://bsc-dataseed.binance.org",
	137:   "https://polygon-rpc.com",
	8453:  "https://mainnet.base.org",
	42161: "https://arb1.arbitrum.io/rpc",
	43114: "https://api.avax.network/ext/bc/C/rpc",
	59144: "https://rpc.linea.build",
	81457: "https://rpc.blast.io",
}

func DefaultRPCURL(chainID int64) (string, bool) {
	value, ok := defaultRPCByChainID[chainID]
	return value, ok
}

func ResolveRPCURL(overrides map[int64]string, chainID int64) (string, error) {
	if value := strings.TrimSpace(overrides[chainID]); value != "" {
		return value, nil
	}
	if value, ok := DefaultRPCURL(chainID); ok {
		return value, nil
	}
	return "", fmt.Errorf("no rpc configured for chain id %d; set rpc.%d in config", chainID, chainID)
}
