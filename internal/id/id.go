package id

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"

	clierr "github.com/ggonzalez94/defi-sim/internal/errors"
)

var (
	eip155ChainPattern = regexp.MustCompile(`^eip155:[0-9]+$`)
	evmAddressPattern  = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
)

// Liquidity classifies how deep the on-chain markets for a token are.
type Liquidity string

const (
	LiquidityMajor Liquidity = "major"
	LiquidityMinor Liquidity = "minor"
)

type Chain struct {
	Name    string
	Slug    string
	ChainID int64
	Native  string
}

func (c Chain) CAIP2() string {
	return fmt.Sprintf("eip155:%d", c.ChainID)
}

func (c Chain) IsZero() bool {
	return c.ChainID == 0
}

// Token is a token identity on a specific chain.
type Token struct {
	Symbol    string
	Address   common.Address
	Decimals  int
	ChainID   int64
	Native    bool
	Liquidity Liquidity
	// IsMultiple marks a symbol with more than one listing on the chain; callers
	// must disambiguate by address.
	IsMultiple bool
}

func (t Token) IsZero() bool {
	return t.Symbol == "" && t.Address == (common.Address{})
}

// Key identifies the token on its chain. Native tokens key on their symbol.
func (t Token) Key() string {
	if t.Native {
		return strings.ToLower(t.Symbol)
	}
	return strings.ToLower(t.Address.Hex())
}

// Same reports whether two identities refer to the same listing.
func (t Token) Same(other Token) bool {
	if t.ChainID != other.ChainID {
		return false
	}
	if t.Native || other.Native {
		return t.Native == other.Native && strings.EqualFold(t.Symbol, other.Symbol)
	}
	return t.Address == other.Address
}

var chainBySlug = map[string]Chain{
	"ethereum":  {Name: "Ethereum", Slug: "ethereum", ChainID: 1, Native: "ETH"},
	"optimism":  {Name: "Optimism", Slug: "optimism", ChainID: 10, Native: "ETH"},
	"bsc":       {Name: "BSC", Slug: "bsc", ChainID: 56, Native: "BNB"},
	"polygon":   {Name: "Polygon", Slug: "polygon", ChainID: 137, Native: "POL"},
	"base":      {Name: "Base", Slug: "base", ChainID: 8453, Native: "ETH"},
	"arbitrum":  {Name: "Arbitrum", Slug: "arbitrum", ChainID: 42161, Native: "ETH"},
	"avalanche": {Name: "Avalanche", Slug: "avalanche", ChainID: 43114, Native: "AVAX"},
	"blast":     {Name: "Blast", Slug: "blast", ChainID: 81457, Native: "ETH"},
	"linea":     {Name: "Linea", Slug: "linea", ChainID: 59144, Native: "ETH"},
}

var chainAliases = map[string]string{
	"mainnet":      "ethereum",
	"eth mainnet":  "ethereum",
	"eth":          "ethereum",
	"arbitrum one": "arbitrum",
	"arb":          "arbitrum",
	"op":           "optimism",
	"op mainnet":   "optimism",
	"matic":        "polygon",
	"avax":         "avalanche",
	"bnb":          "bsc",
	"binance":      "bsc",
}

var chainByID = func() map[int64]Chain {
	out := make(map[int64]Chain, len(chainBySlug))
	for _, chain := range chainBySlug {
		out[chain.ChainID] = chain
	}
	return out
}()

type tokenEntry struct {
	Symbol    string
	Address   string
	Decimals  int
	Liquidity Liquidity
}

var tokenRegistry = map[int64][]tokenEntry{
	1: {
		{Symbol: "USDC", Address: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", Decimals: 6, Liquidity: LiquidityMajor},
		{Symbol: "USDT", Address: "0xdac17f958d2ee523a2206206994597c13d831ec7", Decimals: 6, Liquidity: LiquidityMajor},
		{Symbol: "DAI", Address: "0x6b175474e89094c44da98b954eedeac495271d0f", Decimals: 18, Liquidity: LiquidityMajor},
		{Symbol: "WETH", Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", Decimals: 18, Liquidity: LiquidityMajor},
		{Symbol: "WBTC", Address: "0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599", Decimals: 8, Liquidity: LiquidityMajor},
		{Symbol: "PENDLE", Address: "0x808507121B80c02388fAd14726482e061B8da827", Decimals: 18, Liquidity: LiquidityMinor},
	},
	8453: {
		{Symbol: "USDC", Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Decimals: 6, Liquidity: LiquidityMajor},
		{Symbol: "USDBC", Address: "0xd9aAEc86B65D86f6A7B5B1b0c42FFA531710b6CA", Decimals: 6, Liquidity: LiquidityMajor},
		{Symbol: "DAI", Address: "0x50c5725949A6F0c72E6C4a641F24049A917DB0Cb", Decimals: 18, Liquidity: LiquidityMajor},
		{Symbol: "WETH", Address: "0x4200000000000000000000000000000000000006", Decimals: 18, Liquidity: LiquidityMajor},
		{Symbol: "AERO", Address: "0x940181a94A35A4569E4529A3CDfB74e38FD98631", Decimals: 18, Liquidity: LiquidityMinor},
		{Symbol: "TOSHI", Address: "0xAC1Bd2486aAf3B5C0fc3Fd868558b082a531B2B4", Decimals: 18, Liquidity: LiquidityMinor},
	},
	42161: {
		{Symbol: "USDC", Address: "0xaf88d065e77c8cC2239327C5EDb3A432268e5831", Decimals: 6, Liquidity: LiquidityMajor},
		{Symbol: "USDC.E", Address: "0xFF970A61A04b1cA14834A43f5dE4533eBDDB5CC8", Decimals: 6, Liquidity: LiquidityMajor},
		{Symbol: "USDT", Address: "0xFd086bC7CD5C481DCC9C85ebe478A1C0b69FCbb9", Decimals: 6, Liquidity: LiquidityMajor},
		{Symbol: "DAI", Address: "0xDA10009cBd5D07dd0CeCc66161FC93D7c9000da1", Decimals: 18, Liquidity: LiquidityMajor},
		{Symbol: "WETH", Address: "0x82aF49447D8a07e3bd95BD0d56f35241523fBab1", Decimals: 18, Liquidity: LiquidityMajor},
		{Symbol: "ARB", Address: "0x912CE59144191C1204E64559FE8253a0e49E6548", Decimals: 18, Liquidity: LiquidityMajor},
		{Symbol: "GMX", Address: "0xfc5A1A6EB076a2C7aD06eD22C90d7E710E35ad0a", Decimals: 18, Liquidity: LiquidityMinor},
		{Symbol: "PENDLE", Address: "0x0c880f6761F1af8d9Aa9C466984b80DAb9a8c9e8", Decimals: 18, Liquidity: LiquidityMinor},
	},
	10: {
		{Symbol: "USDC", Address: "0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85", Decimals: 6, Liquidity: LiquidityMajor},
		{Symbol: "USDC.E", Address: "0x7F5c764cBc14f9669B88837ca1490cCa17c31607", Decimals: 6, Liquidity: LiquidityMajor},
		{Symbol: "USDT", Address: "0x94b008aA00579c1307B0EF2c499aD98a8ce58e58", Decimals: 6, Liquidity: LiquidityMajor},
		{Symbol: "DAI", Address: "0xDA10009cBd5D07dd0CeCc66161FC93D7c9000da1", Decimals: 18, Liquidity: LiquidityMajor},
		{Symbol: "WETH", Address: "0x4200000000000000000000000000000000000006", Decimals: 18, Liquidity: LiquidityMajor},
		{Symbol: "OP", Address: "0x4200000000000000000000000000000000000042", Decimals: 18, Liquidity: LiquidityMajor},
		{Symbol: "VELO", Address: "0x9560e827aF36c94D2Ac33a39bCE1Fe78631088Db", Decimals: 18, Liquidity: LiquidityMinor},
	},
	137: {
		{Symbol: "USDC", Address: "0x3c499c542cef5e3811e1192ce70d8cc03d5c3359", Decimals: 6, Liquidity: LiquidityMajor},
		{Symbol: "USDC.E", Address: "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174", Decimals: 6, Liquidity: LiquidityMajor},
		{Symbol: "USDT", Address: "0xc2132D05D31c914a87C6611C10748AEb04B58e8F", Decimals: 6, Liquidity: LiquidityMajor},
		{Symbol: "DAI", Address: "0x8f3Cf7ad23Cd3CaDbD9735AFf958023239c6A063", Decimals: 18, Liquidity: LiquidityMajor},
		{Symbol: "WETH", Address: "0x7ceB23fD6bC0adD59E62ac25578270cFf1b9f619", Decimals: 18, Liquidity: LiquidityMajor},
	},
	56: {
		{Symbol: "USDC", Address: "0x8ac76a51cc950d9822d68b83fe1ad97b32cd580d", Decimals: 18, Liquidity: LiquidityMajor},
		{Symbol: "USDT", Address: "0x55d398326f99059fF775485246999027B3197955", Decimals: 18, Liquidity: LiquidityMajor},
		{Symbol: "WETH", Address: "0x2170Ed0880ac9A755fd29B2688956BD959F933F8", Decimals: 18, Liquidity: LiquidityMajor},
	},
	43114: {
		{Symbol: "USDC", Address: "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E", Decimals: 6, Liquidity: LiquidityMajor},
		{Symbol: "USDT", Address: "0x9702230A8Ea53601f5cD2dc00fDBc13d4dF4A8c7", Decimals: 6, Liquidity: LiquidityMajor},
		{Symbol: "WETH", Address: "0x49D5c2BdFfac6CE2BFdB6640F4F80f226bc10bAB", Decimals: 18, Liquidity: LiquidityMajor},
	},
	81457: {
		{Symbol: "USDB", Address: "0x4300000000000000000000000000000000000003", Decimals: 18, Liquidity: LiquidityMajor},
		{Symbol: "WETH", Address: "0x4300000000000000000000000000000000000004", Decimals: 18, Liquidity: LiquidityMajor},
	},
	59144: {
		{Symbol: "USDC", Address: "0x176211869cA2b568f2A7D4EE941E073a821EE1ff", Decimals: 6, Liquidity: LiquidityMajor},
		{Symbol: "WETH", Address: "0xe5D7C2a44FfDDf6b295A15c148167daaAf5Cf34f", Decimals: 18, Liquidity: LiquidityMajor},
	},
}

// ParseChain accepts a slug, an alias, a numeric chain id, or an eip155 CAIP-2 id.
func ParseChain(input string) (Chain, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return Chain{}, clierr.New(clierr.CodeUsage, "chain is required")
	}
	norm := strings.Join(strings.Fields(strings.ToLower(raw)), " ")
	if alias, ok := chainAliases[norm]; ok {
		norm = alias
	}
	if chain, ok := chainBySlug[norm]; ok {
		return chain, nil
	}
	if eip155ChainPattern.MatchString(norm) {
		norm = strings.TrimPrefix(norm, "eip155:")
	}
	if id, err := strconv.ParseInt(norm, 10, 64); err == nil {
		if chain, ok := chainByID[id]; ok {
			return chain, nil
		}
		return Chain{}, clierr.Newf(clierr.CodeUnsupported, "unsupported chain id: %d", id)
	}
	return Chain{}, clierr.Newf(clierr.CodeUsage, "unsupported chain input: %s", input)
}

func ChainByID(chainID int64) (Chain, bool) {
	chain, ok := chainByID[chainID]
	return chain, ok
}

// Chains returns the supported chains ordered by chain id.
func Chains() []Chain {
	out := lo.Values(chainByID)
	sort.Slice(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	return out
}

// NativeToken returns the gas token identity for a chain.
func NativeToken(chain Chain) Token {
	return Token{Symbol: chain.Native, Decimals: 18, ChainID: chain.ChainID, Native: true, Liquidity: LiquidityMajor}
}

// LookupToken resolves a symbol or an address on a chain. A symbol with more than
// one listing is returned with IsMultiple set and a usage error.
func LookupToken(chainID int64, input string) (Token, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return Token{}, clierr.New(clierr.CodeUsage, "token is required")
	}
	chain, ok := chainByID[chainID]
	if !ok {
		return Token{}, clierr.Newf(clierr.CodeUnsupported, "unsupported chain id: %d", chainID)
	}
	if strings.EqualFold(raw, chain.Native) {
		return NativeToken(chain), nil
	}
	if evmAddressPattern.MatchString(raw) {
		if token, ok := LookupByAddress(chainID, common.HexToAddress(raw)); ok {
			return token, nil
		}
		return Token{}, clierr.Newf(clierr.CodeUsage, "token %s not found in registry for %s", raw, chain.Name)
	}
	matches := findTokensBySymbol(chainID, raw)
	switch len(matches) {
	case 0:
		return Token{}, clierr.Newf(clierr.CodeUsage, "token %s not found in registry for %s", raw, chain.Name)
	case 1:
		return matches[0], nil
	default:
		addresses := lo.Map(matches, func(t Token, _ int) string { return t.Address.Hex() })
		sort.Strings(addresses)
		first := matches[0]
		first.IsMultiple = true
		return first, clierr.Newf(clierr.CodeUsage, "token %s is ambiguous on %s, use an address (%s)", raw, chain.Name, strings.Join(addresses, ", "))
	}
}

// HasToken reports whether symbol is listed (or native) on the chain.
func HasToken(chainID int64, symbol string) bool {
	_, err := LookupToken(chainID, symbol)
	return err == nil
}

func LookupByAddress(chainID int64, address common.Address) (Token, bool) {
	for _, entry := range tokenRegistry[chainID] {
		if common.HexToAddress(entry.Address) == address {
			return entry.token(chainID), true
		}
	}
	return Token{}, false
}

// TokensOn lists the registry tokens of a chain, native first.
func TokensOn(chainID int64) []Token {
	chain, ok := chainByID[chainID]
	if !ok {
		return nil
	}
	out := []Token{NativeToken(chain)}
	for _, entry := range tokenRegistry[chainID] {
		out = append(out, entry.token(chainID))
	}
	return out
}

// ChainsWithToken lists the chains where symbol resolves unambiguously.
func ChainsWithToken(symbol string) []Chain {
	return lo.Filter(Chains(), func(chain Chain, _ int) bool {
		return HasToken(chain.ChainID, symbol)
	})
}

// SimilarTokens returns registry symbols on the chain within edit distance 2 of
// symbol, closest first.
func SimilarTokens(chainID int64, symbol string) []string {
	target := strings.ToLower(strings.TrimSpace(symbol))
	type candidate struct {
		symbol string
		dist   int
	}
	var found []candidate
	for _, token := range TokensOn(chainID) {
		sym := strings.ToLower(token.Symbol)
		if sym == target {
			continue
		}
		if d := editDistance(sym, target); d < 3 {
			found = append(found, candidate{symbol: sym, dist: d})
		}
	}
	sort.SliceStable(found, func(i, j int) bool {
		if found[i].dist != found[j].dist {
			return found[i].dist < found[j].dist
		}
		return found[i].symbol < found[j].symbol
	})
	return lo.Map(found, func(c candidate, _ int) string { return c.symbol })
}

// MiddleToken picks the token used to route a swap across a bridge. It is eth when
// both chains use ETH for gas and the final output is not eth, weth otherwise. The
// token must exist on both chains.
func MiddleToken(src, dst Chain, output string) (string, bool) {
	middle := "weth"
	if strings.EqualFold(src.Native, "ETH") && strings.EqualFold(dst.Native, "ETH") && !strings.EqualFold(output, "eth") {
		middle = "eth"
	}
	if !HasToken(src.ChainID, middle) || !HasToken(dst.ChainID, middle) {
		return "", false
	}
	return middle, true
}

// SameListing reports whether symbol resolves to an equivalent listing on both
// chains: both native, or both registered under the same canonical symbol.
func SameListing(symbol string, src, dst int64) bool {
	a, errA := LookupToken(src, symbol)
	b, errB := LookupToken(dst, symbol)
	if errA != nil || errB != nil {
		return false
	}
	return a.Native == b.Native && strings.EqualFold(a.Symbol, b.Symbol)
}

func (e tokenEntry) token(chainID int64) Token {
	return Token{
		Symbol:    strings.ToUpper(e.Symbol),
		Address:   common.HexToAddress(e.Address),
		Decimals:  e.Decimals,
		ChainID:   chainID,
		Liquidity: e.Liquidity,
	}
}

func findTokensBySymbol(chainID int64, symbol string) []Token {
	var matches []Token
	for _, entry := range tokenRegistry[chainID] {
		if strings.EqualFold(entry.Symbol, symbol) {
			matches = append(matches, entry.token(chainID))
		}
	}
	return matches
}

func editDistance(a, b string) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}
