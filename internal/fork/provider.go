package fork

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	clierr "github.com/ggonzalez94/defi-sim/internal/errors"
	"github.com/ggonzalez94/defi-sim/internal/httpx"
	"github.com/ggonzalez94/defi-sim/internal/id"
)

// Provider creates and destroys forked copies of a chain.
type Provider interface {
	Provision(ctx context.Context, chainID int64, blockHeight uint64) (string, error)
	Release(ctx context.Context, endpoint string) error
}

// Call is one unsigned call submitted from the simulated user account.
type Call struct {
	From  common.Address
	To    common.Address
	Data  []byte
	Value *big.Int
	Gas   uint64
}

// Ledger is the RPC surface of one forked chain.
type Ledger interface {
	Snapshot(ctx context.Context) (string, error)
	Revert(ctx context.Context, checkpoint string) error
	Send(ctx context.Context, call Call) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error)
	Balance(ctx context.Context, owner common.Address, token id.Token) (*big.Int, error)
	Fund(ctx context.Context, owner common.Address, token id.Token, amount *big.Int) error
	Close()
}

// Dialer connects a Ledger to a provisioned endpoint.
type Dialer func(ctx context.Context, chainID int64, endpoint string) (Ledger, error)

// StaticProvider hands out pre-started fork endpoints, one per chain.
type StaticProvider struct {
	Endpoints map[int64]string
}

func (p StaticProvider) Provision(_ context.Context, chainID int64, _ uint64) (string, error) {
	endpoint := strings.TrimSpace(p.Endpoints[chainID])
	if endpoint == "" {
		return "", clierr.Newf(clierr.CodeInfrastructure, "no fork endpoint configured for chain %d", chainID)
	}
	return endpoint, nil
}

func (StaticProvider) Release(context.Context, string) error { return nil }

// HTTPProvider provisions forks through a virtual-testnet style HTTP API:
//
//	POST   {base}/forks        {"chain_id":8453,"block_number":0} -> {"id":"...","rpc_url":"..."}
//	DELETE {base}/forks/{id}
type HTTPProvider struct {
	client  *httpx.Client
	baseURL string

	mu  sync.Mutex
	ids map[string]string
}

func NewHTTPProvider(client *httpx.Client, baseURL, accessKey string) *HTTPProvider {
	return &HTTPProvider{
		client:  client.WithHeader("X-Access-Key", accessKey),
		baseURL: strings.TrimRight(baseURL, "/"),
		ids:     map[string]string{},
	}
}

type provisionRequest struct {
	ChainID     int64  `json:"chain_id"`
	BlockNumber uint64 `json:"block_number,omitempty"`
}

type provisionResponse struct {
	ID     string `json:"id"`
	RPCURL string `json:"rpc_url"`
}

func (p *HTTPProvider) Provision(ctx context.Context, chainID int64, blockHeight uint64) (string, error) {
	var resp provisionResponse
	_, err := p.client.DoBodyJSON(ctx, http.MethodPost, p.baseURL+"/forks", provisionRequest{ChainID: chainID, BlockNumber: blockHeight}, &resp)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeInfrastructure, fmt.Sprintf("provision fork for chain %d", chainID), err)
	}
	if strings.TrimSpace(resp.RPCURL) == "" {
		return "", clierr.Newf(clierr.CodeInfrastructure, "fork service returned no rpc url for chain %d", chainID)
	}
	p.mu.Lock()
	p.ids[resp.RPCURL] = resp.ID
	p.mu.Unlock()
	return resp.RPCURL, nil
}

func (p *HTTPProvider) Release(ctx context.Context, endpoint string) error {
	p.mu.Lock()
	forkID, ok := p.ids[endpoint]
	delete(p.ids, endpoint)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	if _, err := p.client.DoBodyJSON(ctx, http.MethodDelete, p.baseURL+"/forks/"+forkID, nil, nil); err != nil {
		return clierr.Wrap(clierr.CodeInfrastructure, "release fork", err)
	}
	return nil
}
