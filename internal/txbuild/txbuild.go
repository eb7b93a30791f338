package txbuild

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	clierr "github.com/ggonzalez94/defi-sim/internal/errors"
	"github.com/ggonzalez94/defi-sim/internal/id"
)

// Request is one resolved action with concrete amounts, ready for call construction.
type Request struct {
	Kind        string
	ChainID     int64
	DestChainID int64
	Protocol    string
	Pool        string
	// Venue selects an alternative route returned by a previous build.
	Venue string

	From      common.Address
	Recipient common.Address

	Token       id.Token
	Token2      *id.Token
	OutputToken id.Token

	Amount  *big.Int
	Amount2 *big.Int
	// All asks for the whole protocol position where the venue supports it.
	All bool

	RateMode    int64
	Leverage    decimal.Decimal
	SlippageBps int64

	// Reader reads the fork state, e.g. allowances. It may be nil.
	Reader ethereum.ContractCaller
}

// Call is one unsigned call payload.
type Call struct {
	To          common.Address
	Data        []byte
	Value       *big.Int
	Description string
}

type Result struct {
	Calls []Call
	Venue string
	// AlternativeVenues can be passed back in Request.Venue when this venue fails.
	AlternativeVenues []string
	// ExpectedOutput is the amount credited on the destination chain for bridges.
	ExpectedOutput *big.Int
	// OutputToken overrides the token the action yields, e.g. WETH for a swap
	// routed to ETH.
	OutputToken *id.Token
}

type Builder interface {
	Build(ctx context.Context, req Request) (Result, error)
}

// BuilderFunc adapts a function to Builder.
type BuilderFunc func(ctx context.Context, req Request) (Result, error)

func (f BuilderFunc) Build(ctx context.Context, req Request) (Result, error) { return f(ctx, req) }

// RemoteVenue routes a request to the remote builder.
const RemoteVenue = "remote"

type routeKey struct {
	kind     string
	protocol string
}

// Router dispatches requests by action kind and protocol. Requests with no local
// builder go to the remote builder when one is configured.
type Router struct {
	mu     sync.RWMutex
	routes map[routeKey]Builder
	remote Builder
}

func NewRouter(remote Builder) *Router {
	return &Router{routes: map[routeKey]Builder{}, remote: remote}
}

// Handle registers b for kind. An empty protocol matches any protocol.
func (r *Router) Handle(kind, protocol string, b Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[routeKey{kind: normalize(kind), protocol: normalize(protocol)}] = b
}

func (r *Router) Build(ctx context.Context, req Request) (Result, error) {
	if req.Venue == RemoteVenue {
		if r.remote == nil {
			return Result{}, clierr.New(clierr.CodeUnsupported, "remote builder is not configured")
		}
		req.Venue = ""
		return r.remote.Build(ctx, req)
	}
	local, ok := r.lookup(req.Kind, req.Protocol)
	if !ok {
		if r.remote == nil {
			return Result{}, clierr.Newf(clierr.CodeUnsupported, "no builder for %s on %s", req.Kind, orAny(req.Protocol))
		}
		return r.remote.Build(ctx, req)
	}
	res, err := local.Build(ctx, req)
	if err != nil {
		if r.remote != nil && clierr.CodeOf(err) == clierr.CodeUnsupported {
			return r.remote.Build(ctx, req)
		}
		return Result{}, err
	}
	if r.remote != nil {
		res.AlternativeVenues = append(res.AlternativeVenues, RemoteVenue)
	}
	return res, nil
}

func (r *Router) lookup(kind, protocol string) (Builder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if b, ok := r.routes[routeKey{kind: normalize(kind), protocol: normalize(protocol)}]; ok {
		return b, true
	}
	b, ok := r.routes[routeKey{kind: normalize(kind)}]
	return b, ok
}

// Default wires the local builders. remote may be nil.
func Default(remote Builder) *Router {
	r := NewRouter(remote)
	r.Handle("transfer", "", Transfer{})
	r.Handle("swap", "", Uniswap{})
	r.Handle("bridge", "", Across{})
	r.Handle("bridge", "across", Across{})
	for _, kind := range []string{"deposit", "lend", "withdraw", "borrow", "repay"} {
		r.Handle(kind, "aave", Aave{})
	}
	return r
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func orAny(protocol string) string {
	if protocol == "" {
		return "any protocol"
	}
	return protocol
}

func requireAmount(req Request) error {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return clierr.Newf(clierr.CodeUsage, "%s amount must be a positive integer in base units", req.Kind)
	}
	return nil
}

func describe(verb string, token id.Token, amount *big.Int) string {
	return fmt.Sprintf("%s %s %s", verb, id.FormatBaseUnits(amount, token.Decimals), strings.ToUpper(token.Symbol))
}
