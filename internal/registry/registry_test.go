package registry

import (
	"errors"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

func TestUniswapRouterAndAavePool(t *testing.T) {
	if _, ok := UniswapRouter(8453); !ok {
		t.Fatal("expected base router")
	}
	if _, ok := UniswapRouter(81457); ok {
		t.Fatal("did not expect router on blast")
	}
	for _, chainID := range []int64{1, 8453, 42161, 10, 137, 43114} {
		if addr, ok := AavePool(chainID); !ok || addr.Hex() == "0x0000000000000000000000000000000000000000" {
			t.Fatalf("expected aave pool for chain %d", chainID)
		}
	}
	if _, ok := AcrossSpokePool(42161); !ok {
		t.Fatal("expected arbitrum spoke pool")
	}
	if _, ok := AcrossSpokePool(56); ok {
		t.Fatal("did not expect spoke pool on bsc")
	}
}

func TestABIConstantsParse(t *testing.T) {
	for _, raw := range []string{ERC20ABI, WETHABI, UniswapV3RouterABI, UniswapV3QuoterABI, AavePoolABI, AcrossSpokePoolABI} {
		if _, err := abi.JSON(strings.NewReader(raw)); err != nil {
			t.Fatalf("failed to parse abi json: %v", err)
		}
	}
}

func TestResolveRPCURL(t *testing.T) {
	override, err := ResolveRPCURL(map[int64]string{1: " http://127.0.0.1:8545 "}, 1)
	if err != nil || override != "http://127.0.0.1:8545" {
		t.Fatalf("unexpected override result %q err=%v", override, err)
	}
	if def, err := ResolveRPCURL(nil, 8453); err != nil || def == "" {
		t.Fatalf("expected base default, got %q err=%v", def, err)
	}
	if _, err := ResolveRPCURL(nil, 999999); err == nil {
		t.Fatal("expected error for unknown chain")
	}
}

func TestNamesResolveProtocol(t *testing.T) {
	names := DefaultNames()
	cases := map[string]string{
		"Uniswap":     "uniswap",
		"aave v3":     "aave",
		"aero":        "aerodrome",
		"velo":        "velodrome",
		"hyperliq":    "hyperliquid",
		"  LIDO  ":    "lido",
		"morpho blue": "morpho",
	}
	for input, want := range cases {
		got, err := names.Resolve(input, NameProtocol)
		if err != nil {
			t.Fatalf("Resolve(%q) failed: %v", input, err)
		}
		if got != want {
			t.Fatalf("Resolve(%q) = %q, want %q", input, got, want)
		}
	}
	if _, err := names.Resolve("zzqx", NameProtocol); !errors.Is(err, ErrNameNotFound) {
		t.Fatalf("expected ErrNameNotFound, got %v", err)
	}
	if _, err := names.Resolve("", NameProtocol); !errors.Is(err, ErrNameNotFound) {
		t.Fatalf("expected ErrNameNotFound for empty input, got %v", err)
	}
}

func TestNamesResolvePool(t *testing.T) {
	names := DefaultNames()
	got, err := names.ResolvePool("aerodrome", "AERO/USDC")
	if err != nil || got != "aero-usdc" {
		t.Fatalf("unexpected pool %q err=%v", got, err)
	}
	got, err = names.ResolvePool("gmx", "eth/usd")
	if err != nil || got != "eth-usd" {
		t.Fatalf("protocols without a pool list should pass through, got %q err=%v", got, err)
	}
	if _, err := names.ResolvePool("thruster", "doge-shib"); !errors.Is(err, ErrNameNotFound) {
		t.Fatalf("expected ErrNameNotFound, got %v", err)
	}
}

func TestSplitPoolAndImpliedProtocol(t *testing.T) {
	if legs := SplitPool("ETH / usdc"); len(legs) != 2 || legs[0] != "eth" || legs[1] != "usdc" {
		t.Fatalf("unexpected legs %v", legs)
	}
	if p, ok := ImpliedProtocol("PT-weETH"); !ok || p != "pendle" {
		t.Fatalf("expected pendle, got %q %v", p, ok)
	}
	if _, ok := ImpliedProtocol("eth-usdc"); ok {
		t.Fatal("did not expect an implied protocol")
	}
}
