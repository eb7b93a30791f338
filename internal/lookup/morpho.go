package lookup

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ggonzalez94/defi-sim/internal/engine"
	clierr "github.com/ggonzalez94/defi-sim/internal/errors"
	"github.com/ggonzalez94/defi-sim/internal/httpx"
	"github.com/ggonzalez94/defi-sim/internal/id"
)

const MorphoGraphQLEndpoint = "https://blue-api.morpho.org/graphql"

const morphoPositionsQuery = `query Positions($first:Int,$where:MarketPositionFilters){
  marketPositions(first:$first, where:$where){
    items{
      market{
        uniqueKey
        loanAsset{ address symbol decimals }
        collateralAsset{ address symbol decimals }
      }
      state{ supplyAssets borrowAssets collateral }
    }
  }
}`

// Morpho reads Morpho Blue market positions from the public GraphQL API.
type Morpho struct {
	http     *httpx.Client
	endpoint string
}

func NewMorpho(client *httpx.Client, endpoint string) *Morpho {
	if strings.TrimSpace(endpoint) == "" {
		endpoint = MorphoGraphQLEndpoint
	}
	return &Morpho{http: client, endpoint: endpoint}
}

type morphoAsset struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

type morphoPositionsResponse struct {
	Data struct {
		MarketPositions struct {
			Items []struct {
				Market struct {
					UniqueKey       string       `json:"uniqueKey"`
					LoanAsset       morphoAsset  `json:"loanAsset"`
					CollateralAsset *morphoAsset `json:"collateralAsset"`
				} `json:"market"`
				State *struct {
					SupplyAssets bigintString `json:"supplyAssets"`
					BorrowAssets bigintString `json:"borrowAssets"`
					Collateral   bigintString `json:"collateral"`
				} `json:"state"`
			} `json:"items"`
		} `json:"marketPositions"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (m *Morpho) Positions(ctx context.Context, chainID int64, owner common.Address, _ string) ([]engine.Position, error) {
	req := map[string]any{
		"query": morphoPositionsQuery,
		"variables": map[string]any{
			"first": 200,
			"where": map[string]any{
				"userAddress_in": []string{strings.ToLower(owner.Hex())},
				"chainId_in":     []int64{chainID},
				"marketListed":   true,
			},
		},
	}
	var resp morphoPositionsResponse
	if _, err := m.http.DoBodyJSON(ctx, http.MethodPost, m.endpoint, req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Errors) > 0 {
		return nil, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("morpho graphql error: %s", resp.Errors[0].Message))
	}

	var out []engine.Position
	add := func(kind engine.PositionKind, asset morphoAsset, amount bigintString, pool string) {
		base := amount.value()
		if base.Sign() <= 0 {
			return
		}
		token, ok := id.LookupByAddress(chainID, common.HexToAddress(asset.Address))
		if !ok {
			return
		}
		out = append(out, engine.Position{
			Protocol: "morpho",
			ChainID:  chainID,
			Kind:     kind,
			Token:    token,
			Amount:   base,
			Pool:     pool,
		})
	}
	for _, item := range resp.Data.MarketPositions.Items {
		if item.State == nil {
			continue
		}
		key := strings.TrimSpace(item.Market.UniqueKey)
		add(engine.PositionSupply, item.Market.LoanAsset, item.State.SupplyAssets, key)
		add(engine.PositionBorrow, item.Market.LoanAsset, item.State.BorrowAssets, key)
		if item.Market.CollateralAsset != nil {
			add(engine.PositionSupply, *item.Market.CollateralAsset, item.State.Collateral, key)
		}
	}
	sortPositions(out)
	return out, nil
}

// bigintString accepts integers encoded either as JSON strings or numbers.
type bigintString string

func (b *bigintString) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "" || raw == "null" {
		*b = "0"
		return nil
	}
	if strings.HasPrefix(raw, "\"") {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*b = bigintString(strings.TrimSpace(s))
		return nil
	}
	*b = bigintString(raw)
	return nil
}

func (b bigintString) value() *big.Int {
	n, ok := new(big.Int).SetString(strings.TrimSpace(string(b)), 10)
	if !ok || n.Sign() < 0 {
		return new(big.Int)
	}
	return n
}
