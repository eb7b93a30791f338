package txbuild

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	clierr "github.com/ggonzalez94/defi-sim/internal/errors"
	"github.com/ggonzalez94/defi-sim/internal/httpx"
	"github.com/ggonzalez94/defi-sim/internal/id"
	"github.com/ggonzalez94/defi-sim/internal/registry"
)

var (
	sender    = common.HexToAddress("0x00000000000000000000000000000000000000AA")
	recipient = common.HexToAddress("0x00000000000000000000000000000000000000BB")
)

// allowanceReader answers allowance reads and Uniswap quotes. Without a quote
// set the quoter looks undeployed.
type allowanceReader struct {
	allowance *big.Int
	calls     int

	quote    *big.Int
	quoteErr error
	quotes   []quoteExactInputSingleParams
}

func (r *allowanceReader) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	method := quoterABI.Methods["quoteExactInputSingle"]
	if len(msg.Data) >= 4 && bytes.Equal(msg.Data[:4], method.ID) {
		args, err := method.Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		params := abi.ConvertType(args[0], new(quoteExactInputSingleParams)).(*quoteExactInputSingleParams)
		r.quotes = append(r.quotes, *params)
		if r.quoteErr != nil {
			return nil, r.quoteErr
		}
		if r.quote == nil {
			return nil, nil
		}
		return method.Outputs.Pack(r.quote, big.NewInt(0), uint32(1), big.NewInt(90_000))
	}
	r.calls++
	return common.LeftPadBytes(r.allowance.Bytes(), 32), nil
}

func swapParams(t *testing.T, call Call) exactInputSingleParams {
	t.Helper()
	method := routerABI.Methods["exactInputSingle"]
	args, err := method.Inputs.Unpack(call.Data[4:])
	if err != nil {
		t.Fatalf("unpack swap calldata: %v", err)
	}
	return *abi.ConvertType(args[0], new(exactInputSingleParams)).(*exactInputSingleParams)
}

func mustToken(t *testing.T, chainID int64, symbol string) id.Token {
	t.Helper()
	token, err := id.LookupToken(chainID, symbol)
	if err != nil {
		t.Fatalf("lookup %s: %v", symbol, err)
	}
	return token
}

func TestTransferNativeAndERC20(t *testing.T) {
	base, _ := id.ParseChain("base")
	res, err := Transfer{}.Build(context.Background(), Request{
		Kind: "transfer", ChainID: base.ChainID, From: sender, Recipient: recipient,
		Token: id.NativeToken(base), Amount: big.NewInt(5),
	})
	if err != nil {
		t.Fatalf("native transfer: %v", err)
	}
	if len(res.Calls) != 1 || res.Calls[0].To != recipient || res.Calls[0].Value.Int64() != 5 {
		t.Fatalf("unexpected native transfer calls: %+v", res.Calls)
	}

	usdc := mustToken(t, base.ChainID, "usdc")
	res, err = Transfer{}.Build(context.Background(), Request{
		Kind: "transfer", ChainID: base.ChainID, From: sender, Recipient: recipient,
		Token: usdc, Amount: big.NewInt(1_000_000),
	})
	if err != nil {
		t.Fatalf("erc20 transfer: %v", err)
	}
	if res.Calls[0].To != usdc.Address || res.Calls[0].Value.Sign() != 0 {
		t.Fatalf("unexpected erc20 transfer call: %+v", res.Calls[0])
	}

	if _, err := (Transfer{}).Build(context.Background(), Request{Kind: "transfer", Token: usdc, Amount: big.NewInt(1)}); err == nil {
		t.Fatal("expected error without recipient")
	}
}

func TestUniswapFeeTierVenues(t *testing.T) {
	usdc := mustToken(t, 8453, "usdc")
	aero := mustToken(t, 8453, "aero")
	reader := &allowanceReader{allowance: big.NewInt(0)}
	req := Request{Kind: "swap", ChainID: 8453, From: sender, Token: usdc, OutputToken: aero, Amount: big.NewInt(1_000_000), Reader: reader}

	res, err := Uniswap{}.Build(context.Background(), req)
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if res.Venue != "uniswap:3000" {
		t.Fatalf("unexpected venue %s", res.Venue)
	}
	if len(res.AlternativeVenues) != 2 || res.AlternativeVenues[0] != "uniswap:500" {
		t.Fatalf("unexpected alternatives %v", res.AlternativeVenues)
	}
	if len(res.Calls) != 2 {
		t.Fatalf("expected approve + swap, got %d calls", len(res.Calls))
	}
	router, _ := registry.UniswapRouter(8453)
	if res.Calls[1].To != router {
		t.Fatalf("swap should target router, got %s", res.Calls[1].To.Hex())
	}

	req.Venue = "uniswap:10000"
	res, err = Uniswap{}.Build(context.Background(), req)
	if err != nil {
		t.Fatalf("swap on last tier: %v", err)
	}
	if len(res.AlternativeVenues) != 0 {
		t.Fatalf("last tier should have no alternatives, got %v", res.AlternativeVenues)
	}

	req.Venue = "sushiswap"
	if _, err := (Uniswap{}).Build(context.Background(), req); clierr.CodeOf(err) != clierr.CodeUsage {
		t.Fatalf("expected usage error for unknown venue, got %v", err)
	}
}

func TestUniswapSkipsApprovalWithAllowance(t *testing.T) {
	usdc := mustToken(t, 8453, "usdc")
	weth := mustToken(t, 8453, "weth")
	reader := &allowanceReader{allowance: big.NewInt(10_000_000)}
	res, err := Uniswap{}.Build(context.Background(), Request{
		Kind: "swap", ChainID: 8453, From: sender, Token: usdc, OutputToken: weth, Amount: big.NewInt(1_000_000), Reader: reader,
	})
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if len(res.Calls) != 1 || reader.calls != 1 {
		t.Fatalf("expected single swap call after one allowance read, got %d calls %d reads", len(res.Calls), reader.calls)
	}
}

func TestUniswapMinimumOutputFollowsSlippage(t *testing.T) {
	usdc := mustToken(t, 8453, "usdc")
	weth := mustToken(t, 8453, "weth")
	req := Request{
		Kind: "swap", ChainID: 8453, From: sender, Token: usdc, OutputToken: weth,
		Amount: big.NewInt(1_000_000), SlippageBps: 50,
	}

	res, err := Uniswap{}.Build(context.Background(), req)
	if err != nil {
		t.Fatalf("swap without reader: %v", err)
	}
	if got := swapParams(t, res.Calls[len(res.Calls)-1]).AmountOutMinimum; got.Sign() != 0 {
		t.Fatalf("no reader means no quote, got minimum %s", got)
	}

	reader := &allowanceReader{allowance: big.NewInt(10_000_000), quote: big.NewInt(2_000_000)}
	req.Reader = reader
	res, err = Uniswap{}.Build(context.Background(), req)
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if got := swapParams(t, res.Calls[0]).AmountOutMinimum; got.Int64() != 1_990_000 {
		t.Fatalf("expected 50 bps below the quote, got %s", got)
	}
	if len(reader.quotes) != 1 || reader.quotes[0].Fee.Int64() != 3000 || reader.quotes[0].AmountIn.Int64() != 1_000_000 {
		t.Fatalf("unexpected quote request %+v", reader.quotes)
	}

	req.SlippageBps = 300
	res, err = Uniswap{}.Build(context.Background(), req)
	if err != nil {
		t.Fatalf("relaxed swap: %v", err)
	}
	if got := swapParams(t, res.Calls[0]).AmountOutMinimum; got.Int64() != 1_940_000 {
		t.Fatalf("expected 300 bps below the quote, got %s", got)
	}
}

func TestUniswapQuoteRevertIsNoLiquidity(t *testing.T) {
	usdc := mustToken(t, 8453, "usdc")
	aero := mustToken(t, 8453, "aero")
	reader := &allowanceReader{allowance: big.NewInt(0), quoteErr: errors.New("execution reverted")}
	_, err := Uniswap{}.Build(context.Background(), Request{
		Kind: "swap", ChainID: 8453, From: sender, Token: usdc, OutputToken: aero,
		Amount: big.NewInt(1_000_000), SlippageBps: 50, Reader: reader, Venue: "uniswap:500",
	})
	if clierr.CodeOf(err) != clierr.CodeOnChain || !strings.Contains(err.Error(), "no liquidity in the uniswap:500 pool") {
		t.Fatalf("expected no-liquidity failure, got %v", err)
	}

	reader.quoteErr = clierr.New(clierr.CodeInfrastructure, "eth_call")
	_, err = Uniswap{}.Build(context.Background(), Request{
		Kind: "swap", ChainID: 8453, From: sender, Token: usdc, OutputToken: aero,
		Amount: big.NewInt(1_000_000), SlippageBps: 50, Reader: reader,
	})
	if clierr.CodeOf(err) != clierr.CodeInfrastructure {
		t.Fatalf("fork outages should stay infrastructure failures, got %v", err)
	}
}

func TestUniswapNativeLegs(t *testing.T) {
	base, _ := id.ParseChain("base")
	eth := id.NativeToken(base)
	weth := mustToken(t, base.ChainID, "weth")
	usdc := mustToken(t, base.ChainID, "usdc")

	res, err := Uniswap{}.Build(context.Background(), Request{Kind: "swap", ChainID: base.ChainID, From: sender, Token: eth, OutputToken: weth, Amount: big.NewInt(7)})
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if res.Venue != "weth" || res.Calls[0].To != weth.Address || res.Calls[0].Value.Int64() != 7 {
		t.Fatalf("unexpected wrap result: %+v", res)
	}

	res, err = Uniswap{}.Build(context.Background(), Request{Kind: "swap", ChainID: base.ChainID, From: sender, Token: eth, OutputToken: usdc, Amount: big.NewInt(7)})
	if err != nil {
		t.Fatalf("native swap: %v", err)
	}
	if len(res.Calls) != 1 || res.Calls[0].Value.Int64() != 7 {
		t.Fatalf("native input should be paid as value: %+v", res.Calls)
	}

	res, err = Uniswap{}.Build(context.Background(), Request{Kind: "swap", ChainID: base.ChainID, From: sender, Token: usdc, OutputToken: eth, Amount: big.NewInt(7)})
	if err != nil {
		t.Fatalf("swap to native: %v", err)
	}
	if res.OutputToken == nil || !res.OutputToken.Same(weth) {
		t.Fatalf("expected weth output override, got %+v", res.OutputToken)
	}
}

func TestAaveKinds(t *testing.T) {
	usdc := mustToken(t, 42161, "usdc")
	pool, _ := registry.AavePool(42161)
	for _, tc := range []struct {
		kind  string
		calls int
	}{
		{kind: "deposit", calls: 2},
		{kind: "withdraw", calls: 1},
		{kind: "borrow", calls: 1},
		{kind: "repay", calls: 2},
	} {
		res, err := Aave{}.Build(context.Background(), Request{
			Kind: tc.kind, ChainID: 42161, From: sender, Token: usdc, Amount: big.NewInt(1_000_000),
			Reader: &allowanceReader{allowance: big.NewInt(0)},
		})
		if err != nil {
			t.Fatalf("%s: %v", tc.kind, err)
		}
		if len(res.Calls) != tc.calls {
			t.Fatalf("%s: expected %d calls, got %d", tc.kind, tc.calls, len(res.Calls))
		}
		if res.Calls[len(res.Calls)-1].To != pool {
			t.Fatalf("%s: last call should target the pool", tc.kind)
		}
	}

	if _, err := (Aave{}).Build(context.Background(), Request{Kind: "borrow", ChainID: 42161, From: sender, Token: usdc, Amount: big.NewInt(1), RateMode: 3}); clierr.CodeOf(err) != clierr.CodeUsage {
		t.Fatalf("expected usage error for rate mode, got %v", err)
	}
	if _, err := (Aave{}).Build(context.Background(), Request{Kind: "deposit", ChainID: 81457, From: sender, Token: mustToken(t, 81457, "usdb"), Amount: big.NewInt(1)}); clierr.CodeOf(err) != clierr.CodeUnsupported {
		t.Fatalf("expected unsupported chain, got %v", err)
	}
}

func TestAcrossExpectedOutput(t *testing.T) {
	now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	defer func() { now = time.Now }()

	usdc := mustToken(t, 42161, "usdc")
	res, err := Across{FeeBps: 10}.Build(context.Background(), Request{
		Kind: "bridge", ChainID: 42161, DestChainID: 8453, From: sender, Token: usdc, Amount: big.NewInt(1_000_000),
	})
	if err != nil {
		t.Fatalf("bridge: %v", err)
	}
	if res.ExpectedOutput.Int64() != 999_000 {
		t.Fatalf("unexpected expected output %s", res.ExpectedOutput)
	}
	if res.OutputToken == nil || res.OutputToken.ChainID != 8453 || res.OutputToken.Symbol != "USDC" {
		t.Fatalf("unexpected output token %+v", res.OutputToken)
	}
	if len(res.Calls) != 2 {
		t.Fatalf("expected approve + deposit without reader, got %d", len(res.Calls))
	}

	if _, err := (Across{}).Build(context.Background(), Request{Kind: "bridge", ChainID: 42161, DestChainID: 56, From: sender, Token: usdc, Amount: big.NewInt(1)}); clierr.CodeOf(err) != clierr.CodeUnsupported {
		t.Fatalf("expected no route to bsc, got %v", err)
	}
}

func TestRouterDispatchAndRemoteFallback(t *testing.T) {
	var remoteHits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remoteHits++
		var body remoteRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if body.Action == "vote" {
			_ = json.NewEncoder(w).Encode(map[string]any{"error": "no route for vote"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"venue":           "lifi",
			"expected_output": "42",
			"calls":           []map[string]any{{"to": "0x00000000000000000000000000000000000000CC", "data": "0x1234", "value": "0x10"}},
		})
	}))
	defer srv.Close()

	router := Default(NewRemote(httpx.New(2*time.Second, 0, nil), srv.URL, "key"))
	usdc := mustToken(t, 8453, "usdc")

	res, err := router.Build(context.Background(), Request{Kind: "transfer", ChainID: 8453, From: sender, Recipient: recipient, Token: usdc, Amount: big.NewInt(1)})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if res.Venue != "native" || len(res.AlternativeVenues) != 1 || res.AlternativeVenues[0] != RemoteVenue {
		t.Fatalf("local result should offer the remote venue: %+v", res)
	}

	res, err = router.Build(context.Background(), Request{Kind: "stake", ChainID: 8453, Protocol: "lido", From: sender, Token: usdc, Amount: big.NewInt(1)})
	if err != nil {
		t.Fatalf("stake via remote: %v", err)
	}
	if res.Venue != "lifi" || res.ExpectedOutput.Int64() != 42 || res.Calls[0].Value.Int64() != 16 || len(res.Calls[0].Data) != 2 {
		t.Fatalf("unexpected remote result: %+v", res)
	}

	res, err = router.Build(context.Background(), Request{Kind: "transfer", Venue: RemoteVenue, ChainID: 8453, From: sender, Recipient: recipient, Token: usdc, Amount: big.NewInt(1)})
	if err != nil || res.Venue != "lifi" {
		t.Fatalf("explicit remote venue: %+v err=%v", res, err)
	}

	if _, err := router.Build(context.Background(), Request{Kind: "vote", ChainID: 8453, From: sender}); err == nil {
		t.Fatal("expected remote error for vote")
	}
	if remoteHits != 3 {
		t.Fatalf("expected 3 remote calls, got %d", remoteHits)
	}
}

func TestRouterWithoutRemote(t *testing.T) {
	router := Default(nil)
	_, err := router.Build(context.Background(), Request{Kind: "vote", ChainID: 8453, Protocol: "aerodrome"})
	if clierr.CodeOf(err) != clierr.CodeUnsupported {
		t.Fatalf("expected unsupported, got %v", err)
	}
}
