package txbuild

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	clierr "github.com/ggonzalez94/defi-sim/internal/errors"
	"github.com/ggonzalez94/defi-sim/internal/id"
	"github.com/ggonzalez94/defi-sim/internal/registry"
)

// Across builds a depositV3 on the source SpokePool. The relayer fee is
// estimated with a flat rate in basis points.
type Across struct {
	FeeBps int64
}

const (
	defaultAcrossFeeBps = 12
	acrossFillDeadline  = 6 * time.Hour
)

var now = time.Now

func (a Across) Build(ctx context.Context, req Request) (Result, error) {
	if err := requireAmount(req); err != nil {
		return Result{}, err
	}
	if req.DestChainID == 0 || req.DestChainID == req.ChainID {
		return Result{}, clierr.New(clierr.CodeUsage, "bridge requires a destination chain different from the source")
	}
	spoke, ok := registry.AcrossSpokePool(req.ChainID)
	if !ok {
		return Result{}, clierr.Newf(clierr.CodeUnsupported, "no bridge route from chain %d", req.ChainID)
	}
	if _, ok := registry.AcrossSpokePool(req.DestChainID); !ok {
		return Result{}, clierr.Newf(clierr.CodeUnsupported, "no bridge route to chain %d", req.DestChainID)
	}

	input, value, err := acrossInputToken(req)
	if err != nil {
		return Result{}, err
	}
	output := req.OutputToken
	if output.IsZero() {
		output, err = id.LookupToken(req.DestChainID, req.Token.Symbol)
		if err != nil {
			return Result{}, clierr.Newf(clierr.CodeUnsupported, "no bridge route for %s to chain %d", req.Token.Symbol, req.DestChainID)
		}
	}
	outputAddr := output.Address
	if output.Native {
		weth, err := id.LookupToken(req.DestChainID, "weth")
		if err != nil {
			return Result{}, clierr.Newf(clierr.CodeUnsupported, "no bridge route for %s to chain %d", req.Token.Symbol, req.DestChainID)
		}
		outputAddr = weth.Address
	}

	feeBps := a.FeeBps
	if feeBps <= 0 {
		feeBps = defaultAcrossFeeBps
	}
	expected := id.ApplyBasisPoints(req.Amount, 10_000-feeBps)
	recipient := req.Recipient
	if recipient == (common.Address{}) {
		recipient = req.From
	}

	var calls []Call
	if !req.Token.Native {
		calls, err = appendApprovalIfNeeded(ctx, req.Reader, calls, req.Token, req.From, spoke, req.Amount)
		if err != nil {
			return Result{}, err
		}
	}
	ts := now()
	data, err := spokeABI.Pack("depositV3",
		req.From,
		recipient,
		input,
		outputAddr,
		req.Amount,
		expected,
		big.NewInt(req.DestChainID),
		common.Address{},
		uint32(ts.Unix()),
		uint32(ts.Add(acrossFillDeadline).Unix()),
		uint32(0),
		[]byte{},
	)
	if err != nil {
		return Result{}, clierr.Wrap(clierr.CodeInternal, "pack bridge calldata", err)
	}
	calls = append(calls, Call{
		To:          spoke,
		Data:        data,
		Value:       value,
		Description: describe("Bridge", req.Token, req.Amount),
	})
	return Result{
		Calls:          calls,
		Venue:          "across",
		ExpectedOutput: expected,
		OutputToken:    &output,
	}, nil
}

func acrossInputToken(req Request) (common.Address, *big.Int, error) {
	if !req.Token.Native {
		return req.Token.Address, new(big.Int), nil
	}
	weth, err := id.LookupToken(req.ChainID, "weth")
	if err != nil {
		return common.Address{}, nil, clierr.Newf(clierr.CodeUnsupported, "no bridge route for %s from chain %d", req.Token.Symbol, req.ChainID)
	}
	return weth.Address, new(big.Int).Set(req.Amount), nil
}
