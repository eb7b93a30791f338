package txbuild

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	clierr "github.com/ggonzalez94/defi-sim/internal/errors"
	"github.com/ggonzalez94/defi-sim/internal/id"
	"github.com/ggonzalez94/defi-sim/internal/registry"
)

// Uniswap builds single-hop swaps through SwapRouter02. Each fee tier is a venue;
// native legs are routed as WETH.
type Uniswap struct{}

type quoteExactInputSingleParams struct {
	TokenIn           common.Address
	TokenOut          common.Address
	AmountIn          *big.Int
	Fee               *big.Int
	SqrtPriceLimitX96 *big.Int
}

type exactInputSingleParams struct {
	TokenIn           common.Address
	TokenOut          common.Address
	Fee               *big.Int
	Recipient         common.Address
	AmountIn          *big.Int
	AmountOutMinimum  *big.Int
	SqrtPriceLimitX96 *big.Int
}

func (Uniswap) Build(ctx context.Context, req Request) (Result, error) {
	if err := requireAmount(req); err != nil {
		return Result{}, err
	}
	chain, ok := id.ChainByID(req.ChainID)
	if !ok {
		return Result{}, clierr.Newf(clierr.CodeUnsupported, "unsupported chain id: %d", req.ChainID)
	}
	weth, err := id.LookupToken(req.ChainID, "weth")
	if err != nil {
		return Result{}, clierr.Newf(clierr.CodeUnsupported, "no wrapped native token on %s", chain.Name)
	}
	if res, ok, err := wrapOrUnwrap(req, weth); ok || err != nil {
		return res, err
	}

	router, ok := registry.UniswapRouter(req.ChainID)
	if !ok {
		return Result{}, clierr.Newf(clierr.CodeUnsupported, "no swap router on %s", chain.Name)
	}
	tier, alternatives, err := pickFeeTier(req.Venue)
	if err != nil {
		return Result{}, err
	}

	tokenIn, tokenOut := req.Token, req.OutputToken
	value := new(big.Int)
	if tokenIn.Native {
		tokenIn = weth
		value.Set(req.Amount)
	}
	var override *id.Token
	if tokenOut.Native {
		tokenOut = weth
		override = &weth
	}
	recipient := req.Recipient
	if recipient == (common.Address{}) {
		recipient = req.From
	}

	var calls []Call
	if !req.Token.Native {
		calls, err = appendApprovalIfNeeded(ctx, req.Reader, calls, req.Token, req.From, router, req.Amount)
		if err != nil {
			return Result{}, err
		}
	}
	minOut, err := minimumOutput(ctx, req, tokenIn, tokenOut, tier)
	if err != nil {
		return Result{}, err
	}
	data, err := routerABI.Pack("exactInputSingle", exactInputSingleParams{
		TokenIn:           tokenIn.Address,
		TokenOut:          tokenOut.Address,
		Fee:               big.NewInt(int64(tier)),
		Recipient:         recipient,
		AmountIn:          req.Amount,
		AmountOutMinimum:  minOut,
		SqrtPriceLimitX96: new(big.Int),
	})
	if err != nil {
		return Result{}, clierr.Wrap(clierr.CodeInternal, "pack swap calldata", err)
	}
	calls = append(calls, Call{
		To:          router,
		Data:        data,
		Value:       value,
		Description: fmt.Sprintf("%s for %s", describe("Swap", req.Token, req.Amount), strings.ToUpper(req.OutputToken.Symbol)),
	})
	return Result{
		Calls:             calls,
		Venue:             feeTierVenue(tier),
		AlternativeVenues: alternatives,
		OutputToken:       override,
	}, nil
}

// minimumOutput quotes the swap on the fork and allows req.SlippageBps below the
// quote. Without a reader or a quoter on the chain there is no minimum.
func minimumOutput(ctx context.Context, req Request, tokenIn, tokenOut id.Token, tier uint32) (*big.Int, error) {
	quoter, ok := registry.UniswapQuoter(req.ChainID)
	if req.Reader == nil || !ok {
		return new(big.Int), nil
	}
	data, err := quoterABI.Pack("quoteExactInputSingle", quoteExactInputSingleParams{
		TokenIn:           tokenIn.Address,
		TokenOut:          tokenOut.Address,
		AmountIn:          req.Amount,
		Fee:               big.NewInt(int64(tier)),
		SqrtPriceLimitX96: new(big.Int),
	})
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack quote calldata", err)
	}
	raw, err := req.Reader.CallContract(ctx, ethereum.CallMsg{From: req.From, To: &quoter, Data: data}, nil)
	if err != nil {
		if clierr.CodeOf(err) == clierr.CodeInfrastructure {
			return nil, err
		}
		// the quoter reverts when the tier has no pool or no liquidity
		return nil, clierr.Newf(clierr.CodeOnChain, "no liquidity in the %s pool", feeTierVenue(tier))
	}
	if len(raw) == 0 {
		// no quoter deployed on this fork
		return new(big.Int), nil
	}
	out, err := quoterABI.Unpack("quoteExactInputSingle", raw)
	if err != nil || len(out) == 0 {
		return nil, clierr.Wrap(clierr.CodeUnsupported, "decode swap quote", err)
	}
	quoted, ok := out[0].(*big.Int)
	if !ok {
		return nil, clierr.New(clierr.CodeUnsupported, "invalid swap quote")
	}
	bps := min(max(req.SlippageBps, 0), 10_000)
	return id.ApplyBasisPoints(quoted, 10_000-bps), nil
}

func wrapOrUnwrap(req Request, weth id.Token) (Result, bool, error) {
	switch {
	case req.Token.Native && req.OutputToken.Same(weth):
		data, err := wethABI.Pack("deposit")
		if err != nil {
			return Result{}, false, clierr.Wrap(clierr.CodeInternal, "pack wrap calldata", err)
		}
		return Result{Venue: "weth", Calls: []Call{{
			To:          weth.Address,
			Data:        data,
			Value:       new(big.Int).Set(req.Amount),
			Description: describe("Wrap", req.Token, req.Amount),
		}}}, true, nil
	case req.Token.Same(weth) && req.OutputToken.Native:
		data, err := wethABI.Pack("withdraw", req.Amount)
		if err != nil {
			return Result{}, false, clierr.Wrap(clierr.CodeInternal, "pack unwrap calldata", err)
		}
		return Result{Venue: "weth", Calls: []Call{{
			To:          weth.Address,
			Data:        data,
			Value:       new(big.Int),
			Description: describe("Unwrap", req.Token, req.Amount),
		}}}, true, nil
	}
	return Result{}, false, nil
}

// pickFeeTier returns the tier named by venue (the first tier when empty) and the
// tiers left to try after it.
func pickFeeTier(venue string) (uint32, []string, error) {
	tiers := registry.UniswapFeeTiers
	idx := 0
	if venue != "" {
		raw := strings.TrimPrefix(venue, "uniswap:")
		fee, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return 0, nil, clierr.Newf(clierr.CodeUsage, "unknown swap venue %q", venue)
		}
		idx = -1
		for i, tier := range tiers {
			if uint64(tier) == fee {
				idx = i
			}
		}
		if idx < 0 {
			return 0, nil, clierr.Newf(clierr.CodeUsage, "unknown swap venue %q", venue)
		}
	}
	alternatives := make([]string, 0, len(tiers)-idx-1)
	for _, tier := range tiers[idx+1:] {
		alternatives = append(alternatives, feeTierVenue(tier))
	}
	return tiers[idx], alternatives, nil
}

func feeTierVenue(tier uint32) string {
	return fmt.Sprintf("uniswap:%d", tier)
}
