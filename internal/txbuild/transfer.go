package txbuild

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	clierr "github.com/ggonzalez94/defi-sim/internal/errors"
)

// Transfer sends native or ERC20 tokens to a recipient.
type Transfer struct{}

func (Transfer) Build(_ context.Context, req Request) (Result, error) {
	if err := requireAmount(req); err != nil {
		return Result{}, err
	}
	if req.Recipient == (common.Address{}) {
		return Result{}, clierr.New(clierr.CodeUsage, "transfer requires a recipient address")
	}
	if req.Token.Native {
		return Result{
			Venue: "native",
			Calls: []Call{{
				To:          req.Recipient,
				Value:       new(big.Int).Set(req.Amount),
				Description: describe("Send", req.Token, req.Amount),
			}},
		}, nil
	}
	data, err := erc20ABI.Pack("transfer", req.Recipient, req.Amount)
	if err != nil {
		return Result{}, clierr.Wrap(clierr.CodeInternal, "pack transfer calldata", err)
	}
	return Result{
		Venue: "native",
		Calls: []Call{{
			To:          req.Token.Address,
			Data:        data,
			Value:       new(big.Int),
			Description: describe("Transfer", req.Token, req.Amount),
		}},
	}, nil
}
