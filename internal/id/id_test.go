package id

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

func TestParseChainVariants(t *testing.T) {
	for _, input := range []string{"arbitrum", "Arbitrum One", "42161", "eip155:42161", " ARB "} {
		chain, err := ParseChain(input)
		if err != nil {
			t.Fatalf("ParseChain(%q) failed: %v", input, err)
		}
		if chain.ChainID != 42161 || chain.Slug != "arbitrum" {
			t.Fatalf("ParseChain(%q) returned %+v", input, chain)
		}
	}
	if _, err := ParseChain("mainnet"); err != nil {
		t.Fatalf("mainnet alias: %v", err)
	}
	if _, err := ParseChain("eip155:999999"); err == nil {
		t.Fatal("expected unknown chain id to fail")
	}
	if _, err := ParseChain(""); err == nil {
		t.Fatal("expected empty chain to fail")
	}
}

func TestLookupTokenSymbolAddressAndNative(t *testing.T) {
	usdc, err := LookupToken(1, "usdc")
	if err != nil {
		t.Fatalf("LookupToken(usdc) failed: %v", err)
	}
	if usdc.Decimals != 6 || usdc.Native {
		t.Fatalf("unexpected token %+v", usdc)
	}
	byAddr, err := LookupToken(1, "0xA0B86991C6218B36C1D19D4A2E9EB0CE3606EB48")
	if err != nil {
		t.Fatalf("LookupToken(address) failed: %v", err)
	}
	if !byAddr.Same(usdc) {
		t.Fatalf("expected %+v to equal %+v", byAddr, usdc)
	}
	eth, err := LookupToken(8453, "ETH")
	if err != nil || !eth.Native || eth.Decimals != 18 {
		t.Fatalf("unexpected native token %+v err=%v", eth, err)
	}
	if eth.Key() != "eth" {
		t.Fatalf("unexpected native key %q", eth.Key())
	}
	if _, ok := LookupByAddress(1, common.HexToAddress("0x0000000000000000000000000000000000000001")); ok {
		t.Fatal("unexpected registry hit")
	}
}

func TestSimilarTokensAndMiddleToken(t *testing.T) {
	similar := SimilarTokens(42161, "usdc")
	if len(similar) == 0 || similar[0] != "usdt" && similar[0] != "usdc.e" {
		t.Fatalf("unexpected similar tokens %v", similar)
	}

	arb, _ := ParseChain("arbitrum")
	base, _ := ParseChain("base")
	bsc, _ := ParseChain("bsc")
	if got, ok := MiddleToken(arb, base, "toshi"); !ok || got != "eth" {
		t.Fatalf("expected eth middle token, got %q %v", got, ok)
	}
	if got, ok := MiddleToken(arb, base, "eth"); !ok || got != "weth" {
		t.Fatalf("expected weth middle token, got %q %v", got, ok)
	}
	if got, ok := MiddleToken(arb, bsc, "usdt"); !ok || got != "weth" {
		t.Fatalf("expected weth middle token for bsc, got %q %v", got, ok)
	}
	if !SameListing("usdc", 42161, 8453) {
		t.Fatal("usdc should be listed on both chains")
	}
	if SameListing("usdc.e", 42161, 8453) {
		t.Fatal("usdc.e is not listed on base")
	}
}

func TestBaseUnitConversions(t *testing.T) {
	base, err := ToBaseUnits(decimal.RequireFromString("1.2345678"), 6)
	if err != nil {
		t.Fatalf("ToBaseUnits failed: %v", err)
	}
	if base.String() != "1234567" {
		t.Fatalf("expected truncation to 1234567, got %s", base)
	}
	if got := FormatBaseUnits(big.NewInt(1500000), 6); got != "1.5" {
		t.Fatalf("unexpected format %q", got)
	}
	if got := FormatBaseUnits(big.NewInt(-5), 2); got != "-0.05" {
		t.Fatalf("unexpected negative format %q", got)
	}
	if !FromBaseUnits(big.NewInt(1500000), 6).Equal(decimal.RequireFromString("1.5")) {
		t.Fatal("FromBaseUnits mismatch")
	}
	if _, err := ParseDecimal("1.2.3"); err == nil {
		t.Fatal("expected malformed decimal to fail")
	}
}

func TestApplyBasisPointsFloors(t *testing.T) {
	got := ApplyBasisPoints(big.NewInt(333), 5000)
	if got.Int64() != 166 {
		t.Fatalf("expected floor(333*0.5)=166, got %s", got)
	}
	if ApplyBasisPoints(big.NewInt(999), 10_000).Int64() != 999 {
		t.Fatal("100% must return the full balance")
	}
}

func TestNativeGasReserveUsesBridgeBuffer(t *testing.T) {
	plain := NativeGasReserve(1, false)
	bridge := NativeGasReserve(1, true)
	if bridge.Cmp(plain) <= 0 {
		t.Fatalf("expected bridge reserve %s > plain reserve %s", bridge, plain)
	}
}
