package txbuild

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	clierr "github.com/ggonzalez94/defi-sim/internal/errors"
	"github.com/ggonzalez94/defi-sim/internal/registry"
)

// Aave builds supply, withdraw, borrow and repay calls against the V3 pool.
type Aave struct{}

func (Aave) Build(ctx context.Context, req Request) (Result, error) {
	if err := requireAmount(req); err != nil && !req.All {
		return Result{}, err
	}
	if req.Token.Native {
		return Result{}, clierr.New(clierr.CodeUnsupported, "aave markets take wrapped native tokens, not the gas token")
	}
	pool, ok := registry.AavePool(req.ChainID)
	if !ok {
		return Result{}, clierr.Newf(clierr.CodeUnsupported, "aave is not deployed on chain %d", req.ChainID)
	}
	onBehalfOf := req.From
	recipient := req.Recipient
	if recipient == (common.Address{}) {
		recipient = req.From
	}
	amount := req.Amount
	if req.All && (req.Kind == "withdraw" || req.Kind == "repay") {
		amount = maxUint256
	}

	var calls []Call
	var err error
	var data []byte
	switch req.Kind {
	case "deposit", "lend":
		calls, err = appendApprovalIfNeeded(ctx, req.Reader, calls, req.Token, req.From, pool, amount)
		if err != nil {
			return Result{}, err
		}
		data, err = aaveABI.Pack("supply", req.Token.Address, amount, onBehalfOf, uint16(0))
	case "withdraw":
		data, err = aaveABI.Pack("withdraw", req.Token.Address, amount, recipient)
	case "borrow":
		rateMode, rerr := aaveRateMode(req.RateMode)
		if rerr != nil {
			return Result{}, rerr
		}
		data, err = aaveABI.Pack("borrow", req.Token.Address, amount, big.NewInt(rateMode), uint16(0), onBehalfOf)
	case "repay":
		rateMode, rerr := aaveRateMode(req.RateMode)
		if rerr != nil {
			return Result{}, rerr
		}
		calls, err = appendApprovalIfNeeded(ctx, req.Reader, calls, req.Token, req.From, pool, amount)
		if err != nil {
			return Result{}, err
		}
		data, err = aaveABI.Pack("repay", req.Token.Address, amount, big.NewInt(rateMode), onBehalfOf)
	default:
		return Result{}, clierr.Newf(clierr.CodeUnsupported, "aave does not support %s", req.Kind)
	}
	if err != nil {
		return Result{}, clierr.Wrap(clierr.CodeInternal, "pack aave "+req.Kind+" calldata", err)
	}
	calls = append(calls, Call{
		To:          pool,
		Data:        data,
		Value:       new(big.Int),
		Description: "Aave " + req.Kind + " " + req.Token.Symbol,
	})
	return Result{Calls: calls, Venue: "aave"}, nil
}

func aaveRateMode(mode int64) (int64, error) {
	if mode == 0 {
		return 2, nil
	}
	if mode != 1 && mode != 2 {
		return 0, clierr.New(clierr.CodeUsage, "interest rate mode must be 1 (stable) or 2 (variable)")
	}
	return mode, nil
}
