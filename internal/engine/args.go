package engine

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// Args is the typed argument set of one action kind.
type Args interface {
	args()
}

type SwapArgs struct {
	Protocol       string   `mapstructure:"protocol"`
	Chain          string   `mapstructure:"chainName"`
	InputToken     TokenRef `mapstructure:"inputToken"`
	OutputToken    TokenRef `mapstructure:"outputToken"`
	InputAmount    Amount   `mapstructure:"inputAmount"`
	SlippageBps    int64    `mapstructure:"slippageBps"`
	RelaxLiquidity bool     `mapstructure:"relaxLiquidity"`
}

type BridgeArgs struct {
	Protocol         string   `mapstructure:"protocol"`
	SourceChain      string   `mapstructure:"sourceChainName"`
	DestinationChain string   `mapstructure:"destinationChainName"`
	Token            TokenRef `mapstructure:"token"`
	Amount           Amount   `mapstructure:"amount"`
}

type TransferArgs struct {
	Protocol  string   `mapstructure:"protocol"`
	Chain     string   `mapstructure:"chainName"`
	Token     TokenRef `mapstructure:"token"`
	Amount    Amount   `mapstructure:"amount"`
	Recipient string   `mapstructure:"recipient"`
}

// PositionArgs covers deposit, lend, withdraw, borrow, repay, claim, stake,
// unstake, lock and unlock.
type PositionArgs struct {
	Protocol string   `mapstructure:"protocol"`
	Chain    string   `mapstructure:"chainName"`
	Token    TokenRef `mapstructure:"token"`
	Amount   Amount   `mapstructure:"amount"`
	Pool     string   `mapstructure:"poolName"`
	Token2   TokenRef `mapstructure:"token2"`
	Amount2  Amount   `mapstructure:"amount2"`
	RateMode int64    `mapstructure:"rateMode"`
}

// PerpArgs covers long, short and close.
type PerpArgs struct {
	Protocol    string   `mapstructure:"protocol"`
	Chain       string   `mapstructure:"chainName"`
	InputToken  TokenRef `mapstructure:"inputToken"`
	InputAmount Amount   `mapstructure:"inputAmount"`
	OutputToken TokenRef `mapstructure:"outputToken"`
	Leverage    string   `mapstructure:"leverage"`
}

type VoteArgs struct {
	Protocol string `mapstructure:"protocol"`
	Chain    string `mapstructure:"chainName"`
	Pool     string `mapstructure:"poolName"`
}

func (SwapArgs) args()     {}
func (BridgeArgs) args()   {}
func (TransferArgs) args() {}
func (PositionArgs) args() {}
func (PerpArgs) args()     {}
func (VoteArgs) args()     {}

// argKeyAliases maps alternate spellings onto the canonical keys.
var argKeyAliases = map[string]string{
	"chain":                "chainName",
	"chainname":            "chainName",
	"sourcechain":          "sourceChainName",
	"sourcechainname":      "sourceChainName",
	"destinationchain":     "destinationChainName",
	"destinationchainname": "destinationChainName",
	"pool":                 "poolName",
	"poolname":             "poolName",
	"amount_units":         "amount",
	"inputtoken":           "inputToken",
	"outputtoken":          "outputToken",
	"inputamount":          "inputAmount",
	"slippage_bps":         "slippageBps",
	"relaxliquidity":       "relaxLiquidity",
	"ratemode":             "rateMode",
}

// CanonicalArgs returns a copy of args with known key aliases folded and values
// trimmed.
func CanonicalArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		key := k
		if alias, ok := argKeyAliases[strings.ToLower(k)]; ok {
			key = alias
		}
		if s, ok := v.(string); ok {
			v = strings.TrimSpace(s)
		}
		out[key] = v
	}
	return out
}

// ArgsFor canonicalizes args for kind, folding the generic token and amount keys
// into the input keys of swaps and perps.
func ArgsFor(kind Kind, args map[string]any) map[string]any {
	out := CanonicalArgs(args)
	switch kind {
	case KindSwap, KindLong, KindShort, KindClose:
		for from, to := range map[string]string{"token": "inputToken", "amount": "inputAmount"} {
			if v, ok := out[from]; ok {
				if _, set := out[to]; !set {
					out[to] = v
				}
				delete(out, from)
			}
		}
	}
	return out
}

// ArgKeys lists the canonical argument keys accepted by kind.
func ArgKeys(kind Kind) []string {
	t := reflect.TypeOf(argsTarget(kind)).Elem()
	keys := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		if tag := t.Field(i).Tag.Get("mapstructure"); tag != "" {
			keys = append(keys, tag)
		}
	}
	return keys
}

func argsTarget(kind Kind) Args {
	switch kind {
	case KindSwap:
		return &SwapArgs{}
	case KindBridge:
		return &BridgeArgs{}
	case KindTransfer:
		return &TransferArgs{}
	case KindLong, KindShort, KindClose:
		return &PerpArgs{}
	case KindVote:
		return &VoteArgs{}
	default:
		return &PositionArgs{}
	}
}

// DecodeArgs decodes a raw argument map into the typed arguments for kind.
func DecodeArgs(kind Kind, raw map[string]any) (Args, error) {
	target := argsTarget(kind)
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.ComposeDecodeHookFunc(amountHook, tokenRefHook),
		WeaklyTypedInput: true,
		Result:           target,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(ArgsFor(kind, raw)); err != nil {
		return nil, fmt.Errorf("decode %s args: %w", kind, err)
	}
	return reflect.ValueOf(target).Elem().Interface().(Args), nil
}

var (
	amountType   = reflect.TypeOf(Amount{})
	tokenRefType = reflect.TypeOf(TokenRef{})
)

func amountHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != amountType {
		return data, nil
	}
	raw := fmt.Sprint(data)
	if data == nil {
		raw = ""
	}
	amount, err := ParseAmount(raw)
	if err != nil {
		return invalidAmount(raw, err), nil
	}
	return amount, nil
}

func tokenRefHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != tokenRefType {
		return data, nil
	}
	if data == nil {
		return TokenRef{}, nil
	}
	return ParseTokenRef(fmt.Sprint(data)), nil
}
