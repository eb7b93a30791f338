package txbuild

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	clierr "github.com/ggonzalez94/defi-sim/internal/errors"
	"github.com/ggonzalez94/defi-sim/internal/id"
	"github.com/ggonzalez94/defi-sim/internal/registry"
)

var (
	erc20ABI  = mustABI(registry.ERC20ABI)
	wethABI   = mustABI(registry.WETHABI)
	aaveABI   = mustABI(registry.AavePoolABI)
	routerABI = mustABI(registry.UniswapV3RouterABI)
	quoterABI = mustABI(registry.UniswapV3QuoterABI)
	spokeABI  = mustABI(registry.AcrossSpokePoolABI)
)

// maxUint256 asks a venue for the whole position.
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// appendApprovalIfNeeded prepends an approve call when the current allowance of
// spender is below amount. Without a reader the approval is always added.
func appendApprovalIfNeeded(ctx context.Context, reader ethereum.ContractCaller, calls []Call, token id.Token, owner, spender common.Address, amount *big.Int) ([]Call, error) {
	if token.Native {
		return calls, nil
	}
	if reader != nil {
		allowanceData, err := erc20ABI.Pack("allowance", owner, spender)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeInternal, "pack allowance calldata", err)
		}
		raw, err := reader.CallContract(ctx, ethereum.CallMsg{From: owner, To: &token.Address, Data: allowanceData}, nil)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUnavailable, "read token allowance", err)
		}
		out, err := erc20ABI.Unpack("allowance", raw)
		if err != nil || len(out) == 0 {
			return nil, clierr.Wrap(clierr.CodeUnavailable, "decode token allowance", err)
		}
		current, ok := out[0].(*big.Int)
		if !ok {
			return nil, clierr.New(clierr.CodeUnavailable, "invalid allowance response")
		}
		if current.Cmp(amount) >= 0 {
			return calls, nil
		}
	}
	data, err := erc20ABI.Pack("approve", spender, amount)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack approve calldata", err)
	}
	return append(calls, Call{
		To:          token.Address,
		Data:        data,
		Value:       new(big.Int),
		Description: fmt.Sprintf("Approve %s for %s", strings.ToUpper(token.Symbol), spender.Hex()),
	}), nil
}

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
