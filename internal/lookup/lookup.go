// Package lookup reads live chain state for plan resolution: wallet balances
// over public RPC and protocol positions from indexers.
package lookup

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ggonzalez94/defi-sim/internal/engine"
	clierr "github.com/ggonzalez94/defi-sim/internal/errors"
	"github.com/ggonzalez94/defi-sim/internal/id"
	"github.com/ggonzalez94/defi-sim/internal/registry"
)

var erc20ABI = mustABI(registry.ERC20ABI)

// ChainClient is the part of an RPC client balance reads need.
type ChainClient interface {
	BalanceAt(ctx context.Context, account common.Address, block *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error)
	Close()
}

type ClientDialer func(ctx context.Context, rawURL string) (ChainClient, error)

func dialEthclient(ctx context.Context, rawURL string) (ChainClient, error) {
	c, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// PositionSource lists the positions one indexer knows about.
type PositionSource interface {
	Positions(ctx context.Context, chainID int64, owner common.Address, protocol string) ([]engine.Position, error)
}

type Options struct {
	// RPC overrides the default public endpoint per chain id.
	RPC map[int64]string
	// Sources maps a protocol name to its indexer. Protocols without an entry
	// use Fallback, if set.
	Sources  map[string]PositionSource
	Fallback PositionSource
	Dial     ClientDialer
	Log      *zap.Logger
}

// Live satisfies engine.Lookups against mainnet state.
type Live struct {
	rpc      map[int64]string
	sources  map[string]PositionSource
	fallback PositionSource
	dial     ClientDialer
	log      *zap.Logger

	mu      sync.Mutex
	clients map[int64]ChainClient
}

func NewLive(opts Options) *Live {
	if opts.Dial == nil {
		opts.Dial = dialEthclient
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	sources := map[string]PositionSource{}
	for name, src := range opts.Sources {
		sources[strings.ToLower(name)] = src
	}
	return &Live{
		rpc:      opts.RPC,
		sources:  sources,
		fallback: opts.Fallback,
		dial:     opts.Dial,
		log:      opts.Log,
		clients:  map[int64]ChainClient{},
	}
}

func (l *Live) client(ctx context.Context, chainID int64) (ChainClient, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.clients[chainID]; ok {
		return c, nil
	}
	url, err := registry.ResolveRPCURL(l.rpc, chainID)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "resolve rpc", err)
	}
	c, err := l.dial(ctx, url)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, fmt.Sprintf("connect rpc for chain %d", chainID), err)
	}
	l.clients[chainID] = c
	return c, nil
}

func (l *Live) Balance(ctx context.Context, chainID int64, owner common.Address, token id.Token) (*big.Int, error) {
	c, err := l.client(ctx, chainID)
	if err != nil {
		return nil, err
	}
	if token.Native {
		bal, err := c.BalanceAt(ctx, owner, nil)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUnavailable, "read native balance", err)
		}
		return bal, nil
	}
	data, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack balanceOf", err)
	}
	out, err := c.CallContract(ctx, ethereum.CallMsg{To: &token.Address, Data: data}, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, fmt.Sprintf("read %s balance", token.Symbol), err)
	}
	decoded, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil || len(decoded) == 0 {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "decode balanceOf", err)
	}
	bal, ok := decoded[0].(*big.Int)
	if !ok {
		return nil, clierr.New(clierr.CodeUnavailable, "invalid balanceOf response")
	}
	return bal, nil
}

// Positions queries the indexer for protocol, or every configured indexer
// when protocol is empty.
func (l *Live) Positions(ctx context.Context, chainID int64, owner common.Address, protocol string) ([]engine.Position, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	if protocol != "" {
		src := l.sourceFor(protocol)
		if src == nil {
			l.log.Debug("no position source", zap.String("protocol", protocol))
			return nil, nil
		}
		return src.Positions(ctx, chainID, owner, protocol)
	}

	var (
		mu  sync.Mutex
		out []engine.Position
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, src := range l.allSources() {
		g.Go(func() error {
			items, err := src.Positions(gctx, chainID, owner, "")
			if err != nil {
				return err
			}
			mu.Lock()
			out = append(out, items...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sortPositions(out)
	return out, nil
}

func (l *Live) sourceFor(protocol string) PositionSource {
	if src, ok := l.sources[protocol]; ok {
		return src
	}
	return l.fallback
}

func (l *Live) allSources() []PositionSource {
	names := make([]string, 0, len(l.sources))
	for name := range l.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]PositionSource, 0, len(names)+1)
	for _, name := range names {
		out = append(out, l.sources[name])
	}
	if l.fallback != nil {
		out = append(out, l.fallback)
	}
	return out
}

func (l *Live) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for chainID, c := range l.clients {
		c.Close()
		delete(l.clients, chainID)
	}
}

func sortPositions(items []engine.Position) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Protocol != items[j].Protocol {
			return items[i].Protocol < items[j].Protocol
		}
		if items[i].Kind != items[j].Kind {
			return items[i].Kind < items[j].Kind
		}
		return items[i].Token.Key() < items[j].Token.Key()
	})
}

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
