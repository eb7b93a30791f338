package txbuild

import (
	"context"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	clierr "github.com/ggonzalez94/defi-sim/internal/errors"
	"github.com/ggonzalez94/defi-sim/internal/httpx"
	"github.com/ggonzalez94/defi-sim/internal/id"
)

// Remote delegates call construction to an HTTP builder service:
//
//	POST {base}/build -> {"calls":[...],"venue":"...","alternative_venues":[...],"expected_output":"..."}
type Remote struct {
	client  *httpx.Client
	baseURL string
}

func NewRemote(client *httpx.Client, baseURL, apiKey string) *Remote {
	if strings.TrimSpace(apiKey) != "" {
		client = client.WithHeader("Authorization", "Bearer "+apiKey)
	}
	return &Remote{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

type remoteToken struct {
	Symbol   string `json:"symbol"`
	Address  string `json:"address,omitempty"`
	Decimals int    `json:"decimals"`
	Native   bool   `json:"native,omitempty"`
}

type remoteRequest struct {
	Action      string       `json:"action"`
	ChainID     int64        `json:"chain_id"`
	DestChainID int64        `json:"destination_chain_id,omitempty"`
	Protocol    string       `json:"protocol,omitempty"`
	Pool        string       `json:"pool,omitempty"`
	Venue       string       `json:"venue,omitempty"`
	From        string       `json:"from"`
	Recipient   string       `json:"recipient,omitempty"`
	Token       remoteToken  `json:"token"`
	Token2      *remoteToken `json:"token2,omitempty"`
	OutputToken *remoteToken `json:"output_token,omitempty"`
	Amount      string       `json:"amount,omitempty"`
	Amount2     string       `json:"amount2,omitempty"`
	All         bool         `json:"all,omitempty"`
	RateMode    int64        `json:"rate_mode,omitempty"`
	Leverage    string       `json:"leverage,omitempty"`
	SlippageBps int64        `json:"slippage_bps,omitempty"`
}

type remoteCall struct {
	To          string `json:"to"`
	Data        string `json:"data"`
	Value       string `json:"value"`
	Description string `json:"description"`
}

type remoteResponse struct {
	Calls             []remoteCall `json:"calls"`
	Venue             string       `json:"venue"`
	AlternativeVenues []string     `json:"alternative_venues"`
	ExpectedOutput    string       `json:"expected_output"`
	OutputToken       *remoteToken `json:"output_token"`
	Error             string       `json:"error"`
}

func (r *Remote) Build(ctx context.Context, req Request) (Result, error) {
	body := remoteRequest{
		Action:      req.Kind,
		ChainID:     req.ChainID,
		DestChainID: req.DestChainID,
		Protocol:    req.Protocol,
		Pool:        req.Pool,
		Venue:       req.Venue,
		From:        req.From.Hex(),
		Token:       toRemoteToken(req.Token),
		Amount:      bigString(req.Amount),
		Amount2:     bigString(req.Amount2),
		All:         req.All,
		RateMode:    req.RateMode,
		SlippageBps: req.SlippageBps,
	}
	if req.Recipient != (common.Address{}) {
		body.Recipient = req.Recipient.Hex()
	}
	if req.Token2 != nil {
		t := toRemoteToken(*req.Token2)
		body.Token2 = &t
	}
	if !req.OutputToken.IsZero() {
		t := toRemoteToken(req.OutputToken)
		body.OutputToken = &t
	}
	if !req.Leverage.IsZero() {
		body.Leverage = req.Leverage.String()
	}

	var resp remoteResponse
	if _, err := r.client.DoBodyJSON(ctx, http.MethodPost, r.baseURL+"/build", body, &resp); err != nil {
		return Result{}, err
	}
	if resp.Error != "" {
		return Result{}, clierr.New(clierr.CodeUnsupported, resp.Error)
	}
	if len(resp.Calls) == 0 {
		return Result{}, clierr.Newf(clierr.CodeUnsupported, "builder returned no calls for %s", req.Kind)
	}
	out := Result{Venue: resp.Venue, AlternativeVenues: resp.AlternativeVenues}
	for _, c := range resp.Calls {
		call, err := fromRemoteCall(c)
		if err != nil {
			return Result{}, err
		}
		out.Calls = append(out.Calls, call)
	}
	if resp.ExpectedOutput != "" {
		expected, ok := new(big.Int).SetString(resp.ExpectedOutput, 10)
		if !ok {
			return Result{}, clierr.Newf(clierr.CodeUnavailable, "builder returned invalid expected output %q", resp.ExpectedOutput)
		}
		out.ExpectedOutput = expected
	}
	if resp.OutputToken != nil {
		chainID := req.ChainID
		if req.Kind == "bridge" && req.DestChainID != 0 {
			chainID = req.DestChainID
		}
		t := id.Token{
			Symbol:   strings.ToUpper(resp.OutputToken.Symbol),
			Address:  common.HexToAddress(resp.OutputToken.Address),
			Decimals: resp.OutputToken.Decimals,
			ChainID:  chainID,
			Native:   resp.OutputToken.Native,
		}
		out.OutputToken = &t
	}
	return out, nil
}

func fromRemoteCall(c remoteCall) (Call, error) {
	if !common.IsHexAddress(c.To) {
		return Call{}, clierr.Newf(clierr.CodeUnavailable, "builder returned invalid target %q", c.To)
	}
	var data []byte
	if c.Data != "" && c.Data != "0x" {
		decoded, err := hexutil.Decode(c.Data)
		if err != nil {
			return Call{}, clierr.Wrap(clierr.CodeUnavailable, "decode builder calldata", err)
		}
		data = decoded
	}
	value := new(big.Int)
	if c.Value != "" {
		if _, ok := value.SetString(c.Value, 0); !ok {
			return Call{}, clierr.Newf(clierr.CodeUnavailable, "builder returned invalid value %q", c.Value)
		}
	}
	return Call{To: common.HexToAddress(c.To), Data: data, Value: value, Description: c.Description}, nil
}

func toRemoteToken(t id.Token) remoteToken {
	out := remoteToken{Symbol: t.Symbol, Decimals: t.Decimals, Native: t.Native}
	if !t.Native {
		out.Address = t.Address.Hex()
	}
	return out
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}
