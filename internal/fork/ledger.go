package fork

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	clierr "github.com/ggonzalez94/defi-sim/internal/errors"
	"github.com/ggonzalez94/defi-sim/internal/id"
	"github.com/ggonzalez94/defi-sim/internal/registry"
)

// Dialect selects the node-specific cheat methods of a fork.
type Dialect string

const (
	DialectAnvil    Dialect = "anvil"
	DialectTenderly Dialect = "tenderly"
)

// RevertError is returned when a call fails on the fork. Reason holds the decoded
// revert string when one is available.
type RevertError struct {
	Reason string
	Data   []byte
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return "execution reverted"
	}
	return "execution reverted: " + e.Reason
}

type LedgerOptions struct {
	Dialect      Dialect
	PollInterval time.Duration
	WaitTimeout  time.Duration
}

func DefaultLedgerOptions() LedgerOptions {
	return LedgerOptions{
		Dialect:      DialectAnvil,
		PollInterval: 250 * time.Millisecond,
		WaitTimeout:  30 * time.Second,
	}
}

// RPCLedger drives a fork over JSON-RPC.
type RPCLedger struct {
	rpc    *rpc.Client
	client *ethclient.Client
	opts   LedgerOptions

	mu           sync.Mutex
	impersonated map[common.Address]bool
}

// NewDialer returns a Dialer producing RPCLedgers with the given options.
func NewDialer(opts LedgerOptions) Dialer {
	return func(ctx context.Context, _ int64, endpoint string) (Ledger, error) {
		raw, err := rpc.DialContext(ctx, endpoint)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeInfrastructure, "connect fork rpc", err)
		}
		return &RPCLedger{
			rpc:          raw,
			client:       ethclient.NewClient(raw),
			opts:         opts,
			impersonated: map[common.Address]bool{},
		}, nil
	}
}

func (l *RPCLedger) Snapshot(ctx context.Context) (string, error) {
	var checkpoint string
	if err := l.rpc.CallContext(ctx, &checkpoint, "evm_snapshot"); err != nil {
		return "", clierr.Wrap(clierr.CodeInfrastructure, "evm_snapshot", err)
	}
	return checkpoint, nil
}

func (l *RPCLedger) Revert(ctx context.Context, checkpoint string) error {
	var ok bool
	if err := l.rpc.CallContext(ctx, &ok, "evm_revert", checkpoint); err != nil {
		return clierr.Wrap(clierr.CodeInfrastructure, "evm_revert", err)
	}
	if !ok {
		return clierr.Newf(clierr.CodeInfrastructure, "evm_revert rejected checkpoint %s", checkpoint)
	}
	return nil
}

type sendArgs struct {
	From  common.Address  `json:"from"`
	To    *common.Address `json:"to"`
	Data  hexutil.Bytes   `json:"data"`
	Value *hexutil.Big    `json:"value"`
	Gas   *hexutil.Uint64 `json:"gas,omitempty"`
}

// Send dry-runs the call to surface revert data, submits it unsigned from the
// impersonated sender, and waits for the receipt.
func (l *RPCLedger) Send(ctx context.Context, call Call) (*types.Receipt, error) {
	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	msg := ethereum.CallMsg{From: call.From, To: &call.To, Data: call.Data, Value: value}
	if _, err := l.client.CallContract(ctx, msg, nil); err != nil {
		return nil, revertFromError(err)
	}
	if err := l.impersonate(ctx, call.From); err != nil {
		return nil, err
	}
	args := sendArgs{From: call.From, To: &call.To, Data: call.Data, Value: (*hexutil.Big)(value)}
	if call.Gas > 0 {
		gas := hexutil.Uint64(call.Gas)
		args.Gas = &gas
	}
	var hash common.Hash
	if err := l.rpc.CallContext(ctx, &hash, "eth_sendTransaction", args); err != nil {
		if rev := asRevert(err); rev != nil {
			return nil, rev
		}
		return nil, clierr.Wrap(clierr.CodeInfrastructure, "eth_sendTransaction", err)
	}
	return l.waitReceipt(ctx, hash)
}

func (l *RPCLedger) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, l.opts.WaitTimeout)
	defer cancel()
	ticker := time.NewTicker(l.opts.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := l.client.TransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, &RevertError{Reason: "transaction reverted"}
			}
			return receipt, nil
		}
		// NotFound and transient polling failures are retried until the deadline.
		select {
		case <-waitCtx.Done():
			return nil, clierr.Wrap(clierr.CodeInfrastructure, "timed out waiting for fork receipt", waitCtx.Err())
		case <-ticker.C:
		}
	}
}

func (l *RPCLedger) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	out, err := l.client.CallContract(ctx, msg, block)
	if err != nil {
		return nil, revertFromError(err)
	}
	return out, nil
}

func (l *RPCLedger) Balance(ctx context.Context, owner common.Address, token id.Token) (*big.Int, error) {
	if token.Native {
		bal, err := l.client.BalanceAt(ctx, owner, nil)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeInfrastructure, "read native balance", err)
		}
		return bal, nil
	}
	data, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack balanceOf", err)
	}
	out, err := l.client.CallContract(ctx, ethereum.CallMsg{To: &token.Address, Data: data}, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInfrastructure, fmt.Sprintf("read %s balance", token.Symbol), err)
	}
	decoded, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil || len(decoded) == 0 {
		return nil, clierr.Wrap(clierr.CodeInfrastructure, "decode balanceOf", err)
	}
	bal, ok := decoded[0].(*big.Int)
	if !ok {
		return nil, clierr.New(clierr.CodeInfrastructure, "invalid balanceOf response")
	}
	return bal, nil
}

// Fund credits amount of token to owner using the dialect's cheat methods.
func (l *RPCLedger) Fund(ctx context.Context, owner common.Address, token id.Token, amount *big.Int) error {
	current, err := l.Balance(ctx, owner, token)
	if err != nil {
		return err
	}
	target := (*hexutil.Big)(new(big.Int).Add(current, amount))
	var method string
	var params []any
	switch {
	case token.Native && l.opts.Dialect == DialectTenderly:
		method, params = "tenderly_setBalance", []any{owner, target}
	case token.Native:
		method, params = "anvil_setBalance", []any{owner, target}
	case l.opts.Dialect == DialectTenderly:
		method, params = "tenderly_setErc20Balance", []any{token.Address, owner, target}
	default:
		method, params = "anvil_dealERC20", []any{owner, token.Address, target}
	}
	if err := l.rpc.CallContext(ctx, nil, method, params...); err != nil {
		return clierr.Wrap(clierr.CodeInfrastructure, method, err)
	}
	return nil
}

func (l *RPCLedger) Close() {
	l.client.Close()
}

func (l *RPCLedger) impersonate(ctx context.Context, addr common.Address) error {
	if l.opts.Dialect != DialectAnvil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.impersonated[addr] {
		return nil
	}
	if err := l.rpc.CallContext(ctx, nil, "anvil_impersonateAccount", addr); err != nil {
		return clierr.Wrap(clierr.CodeInfrastructure, "anvil_impersonateAccount", err)
	}
	l.impersonated[addr] = true
	return nil
}

func revertFromError(err error) error {
	if rev := asRevert(err); rev != nil {
		return rev
	}
	return clierr.Wrap(clierr.CodeInfrastructure, "eth_call", err)
}

// asRevert extracts revert data from a JSON-RPC error. Nodes report reverts either
// with an ErrorData payload or only in the message.
func asRevert(err error) *RevertError {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if raw := revertBytes(dataErr.ErrorData()); len(raw) > 0 {
			reason, uerr := abi.UnpackRevert(raw)
			if uerr != nil {
				reason = hexutil.Encode(raw)
			}
			return &RevertError{Reason: reason, Data: raw}
		}
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "revert") || strings.Contains(lower, "insufficient funds") {
		reason := msg
		if idx := strings.Index(lower, "reverted:"); idx >= 0 {
			reason = strings.TrimSpace(msg[idx+len("reverted:"):])
		}
		return &RevertError{Reason: reason}
	}
	return nil
}

func revertBytes(data any) []byte {
	switch v := data.(type) {
	case string:
		raw, err := hexutil.Decode(v)
		if err != nil {
			return nil
		}
		return raw
	case []byte:
		return v
	default:
		return nil
	}
}

var erc20ABI = mustABI(registry.ERC20ABI)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
