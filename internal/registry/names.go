package registry

import (
	"errors"
	"sort"
	"strings"

	"github.com/sahilm/fuzzy"
)

var ErrNameNotFound = errors.New("name not recognized")

type NameKind string

const (
	NameProtocol NameKind = "protocol"
	NamePool     NameKind = "pool"
)

// Protocol describes what the engine needs to know about a venue.
type Protocol struct {
	Name    string
	Aliases []string
	// UniswapLike protocols take dual-asset deposits into a named pool.
	UniswapLike bool
	// OffWalletDebt protocols keep borrowed funds inside the protocol, so a
	// borrow never yields a wallet balance that a later repay can spend.
	OffWalletDebt bool
	// Perp protocols custody margin for long/short positions.
	Perp  bool
	Pools []string
}

var defaultProtocols = []Protocol{
	{Name: "aave", Aliases: []string{"aave v3", "aavev3"}},
	{Name: "compound", Aliases: []string{"compound v3", "comet"}},
	{Name: "lodestar"},
	{Name: "morpho", Aliases: []string{"morpho blue"}},
	{Name: "uniswap", Aliases: []string{"uni", "uniswap v3"}, UniswapLike: true, Pools: []string{"eth-usdc", "weth-usdc", "usdc-usdt", "wbtc-eth", "arb-eth"}},
	{Name: "velodrome", UniswapLike: true, Pools: []string{"velo-usdc", "weth-usdc", "op-usdc"}},
	{Name: "aerodrome", Aliases: []string{"aero"}, UniswapLike: true, Pools: []string{"aero-usdc", "weth-usdc", "usdc-usdbc"}},
	{Name: "camelot", UniswapLike: true, Pools: []string{"eth-usdc", "arb-eth", "grail-eth"}},
	{Name: "thruster", UniswapLike: true, Pools: []string{"eth-usdb"}},
	{Name: "curve", Pools: []string{"3pool", "tricrypto", "steth"}},
	{Name: "pendle", Pools: []string{"pt-weeth", "yt-weeth", "pt-steth", "yt-steth", "sy-weeth"}},
	{Name: "lido", Aliases: []string{"steth"}},
	{Name: "gmx", Perp: true},
	{Name: "hyperliquid", Aliases: []string{"hl"}, Perp: true},
	{Name: "gearbox", OffWalletDebt: true},
	{Name: "dolomite", OffWalletDebt: true},
	{Name: "stargate", Pools: []string{"usdc", "eth"}},
	{Name: "across"},
	{Name: "lifi", Aliases: []string{"li.fi", "jumper"}},
}

// Names resolves partial protocol and pool names against a fixed registry.
type Names struct {
	protocols []Protocol
	byName    map[string]int
	pools     []string
}

func DefaultNames() *Names {
	return NewNames(defaultProtocols)
}

func NewNames(protocols []Protocol) *Names {
	n := &Names{protocols: protocols, byName: map[string]int{}}
	seenPool := map[string]bool{}
	for i, p := range protocols {
		n.byName[strings.ToLower(p.Name)] = i
		for _, alias := range p.Aliases {
			n.byName[strings.ToLower(alias)] = i
		}
		for _, pool := range p.Pools {
			if !seenPool[pool] {
				seenPool[pool] = true
				n.pools = append(n.pools, pool)
			}
		}
	}
	sort.Strings(n.pools)
	return n
}

// Protocol returns the registry entry for an exact name or alias.
func (n *Names) Protocol(name string) (Protocol, bool) {
	idx, ok := n.byName[normalizeName(name)]
	if !ok {
		return Protocol{}, false
	}
	return n.protocols[idx], true
}

func (n *Names) Protocols() []Protocol {
	return append([]Protocol(nil), n.protocols...)
}

// Resolve maps a partial name to its canonical form. Matching is exact, then by
// alias, then prefix, then fuzzy subsequence.
func (n *Names) Resolve(partial string, kind NameKind) (string, error) {
	norm := normalizeName(partial)
	if norm == "" {
		return "", ErrNameNotFound
	}
	switch kind {
	case NameProtocol:
		if p, ok := n.Protocol(norm); ok {
			return p.Name, nil
		}
		candidates := make([]string, 0, len(n.protocols))
		for _, p := range n.protocols {
			candidates = append(candidates, p.Name)
		}
		return matchCandidate(norm, candidates)
	case NamePool:
		return matchCandidate(SplitPoolKey(norm), n.pools)
	default:
		return "", ErrNameNotFound
	}
}

// ResolvePool resolves a pool name within one protocol. Protocols that do not
// enumerate their pools accept the normalized input as is.
func (n *Names) ResolvePool(protocol, partial string) (string, error) {
	p, ok := n.Protocol(protocol)
	if !ok || len(p.Pools) == 0 {
		norm := SplitPoolKey(normalizeName(partial))
		if norm == "" {
			return "", ErrNameNotFound
		}
		return norm, nil
	}
	return matchCandidate(SplitPoolKey(normalizeName(partial)), p.Pools)
}

// SplitPool splits a pool name such as "eth/usdc" or "eth-usdc" into its legs.
func SplitPool(pool string) []string {
	fields := strings.FieldsFunc(strings.ToLower(pool), func(r rune) bool {
		return r == '-' || r == '/'
	})
	out := fields[:0]
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// SplitPoolKey canonicalizes pool separators to "-".
func SplitPoolKey(pool string) string {
	return strings.Join(SplitPool(pool), "-")
}

// ImpliedProtocol infers a protocol from a pool name prefix.
func ImpliedProtocol(pool string) (string, bool) {
	norm := strings.ToLower(strings.TrimSpace(pool))
	for _, prefix := range []string{"pt-", "yt-", "sy-"} {
		if strings.HasPrefix(norm, prefix) {
			return "pendle", true
		}
	}
	return "", false
}

func matchCandidate(norm string, candidates []string) (string, error) {
	if norm == "" {
		return "", ErrNameNotFound
	}
	for _, c := range candidates {
		if c == norm {
			return c, nil
		}
	}
	var prefixed []string
	for _, c := range candidates {
		if strings.HasPrefix(c, norm) {
			prefixed = append(prefixed, c)
		}
	}
	if len(prefixed) == 1 {
		return prefixed[0], nil
	}
	matches := fuzzy.Find(norm, candidates)
	if len(matches) == 0 {
		return "", ErrNameNotFound
	}
	return matches[0].Str, nil
}

func normalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}
