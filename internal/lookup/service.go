package lookup

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ggonzalez94/defi-sim/internal/engine"
	clierr "github.com/ggonzalez94/defi-sim/internal/errors"
	"github.com/ggonzalez94/defi-sim/internal/httpx"
	"github.com/ggonzalez94/defi-sim/internal/id"
)

// Service reads positions from a portfolio indexer:
//
//	GET {base}/positions?chain_id=42161&owner=0x..&protocol=aave
//	-> {"positions":[{"protocol":"aave","kind":"supply","token":"0x..","amount":"100","pool":""}]}
//
// Token is an address, or the native symbol.
type Service struct {
	http    *httpx.Client
	baseURL string
}

func NewService(client *httpx.Client, baseURL, apiKey string) *Service {
	return &Service{
		http:    client.WithHeader("X-API-Key", apiKey),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

type servicePosition struct {
	Protocol string `json:"protocol"`
	Kind     string `json:"kind"`
	Token    string `json:"token"`
	Amount   string `json:"amount"`
	Pool     string `json:"pool"`
}

type serviceResponse struct {
	Positions []servicePosition `json:"positions"`
}

func (s *Service) Positions(ctx context.Context, chainID int64, owner common.Address, protocol string) ([]engine.Position, error) {
	q := url.Values{}
	q.Set("chain_id", strconv.FormatInt(chainID, 10))
	q.Set("owner", strings.ToLower(owner.Hex()))
	if protocol != "" {
		q.Set("protocol", protocol)
	}
	var resp serviceResponse
	if _, err := s.http.DoBodyJSON(ctx, http.MethodGet, s.baseURL+"/positions?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}

	out := make([]engine.Position, 0, len(resp.Positions))
	for _, p := range resp.Positions {
		token, err := serviceToken(chainID, p.Token)
		if err != nil {
			continue
		}
		amount, ok := new(big.Int).SetString(strings.TrimSpace(p.Amount), 10)
		if !ok {
			return nil, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("position service returned invalid amount %q", p.Amount))
		}
		if amount.Sign() <= 0 {
			continue
		}
		out = append(out, engine.Position{
			Protocol: strings.ToLower(p.Protocol),
			ChainID:  chainID,
			Kind:     engine.PositionKind(strings.ToLower(p.Kind)),
			Token:    token,
			Amount:   amount,
			Pool:     p.Pool,
		})
	}
	sortPositions(out)
	return out, nil
}

func serviceToken(chainID int64, raw string) (id.Token, error) {
	return id.LookupToken(chainID, raw)
}
