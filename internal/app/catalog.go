package app

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	clierr "github.com/ggonzalez94/defi-sim/internal/errors"
	"github.com/ggonzalez94/defi-sim/internal/id"
	"github.com/ggonzalez94/defi-sim/internal/model"
	"github.com/ggonzalez94/defi-sim/internal/registry"
)

func (s *runtimeState) newNamesCommand() *cobra.Command {
	root := &cobra.Command{Use: "names", Short: "Protocol and pool name registry"}

	var kind, protocol string
	resolve := &cobra.Command{
		Use:   "resolve <partial name>",
		Short: "Resolve a partial protocol or pool name to its canonical form",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := strings.Join(args, " ")
			res := model.NameResolution{Input: input, Kind: kind}
			var (
				resolved string
				err      error
			)
			switch registry.NameKind(kind) {
			case registry.NameProtocol:
				resolved, err = s.names.Resolve(input, registry.NameProtocol)
			case registry.NamePool:
				if strings.TrimSpace(protocol) == "" {
					resolved, err = s.names.Resolve(input, registry.NamePool)
					break
				}
				canonical, perr := s.names.Resolve(protocol, registry.NameProtocol)
				if perr != nil {
					return clierr.Wrap(clierr.CodeAmbiguity, fmt.Sprintf("resolve protocol %q", protocol), perr)
				}
				res.Protocol = canonical
				resolved, err = s.names.ResolvePool(canonical, input)
			default:
				return clierr.Newf(clierr.CodeUsage, "--kind must be protocol or pool, got %q", kind)
			}
			if err != nil {
				return clierr.Wrap(clierr.CodeAmbiguity, fmt.Sprintf("resolve %s %q", kind, input), err)
			}
			res.Resolved = resolved
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), res, nil)
		},
	}
	resolve.Flags().StringVar(&kind, "kind", string(registry.NameProtocol), "Name kind (protocol, pool)")
	resolve.Flags().StringVar(&protocol, "protocol", "", "Protocol to resolve a pool within")
	root.AddCommand(resolve)
	return root
}

func (s *runtimeState) newChainsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "chains",
		Short: "List supported chains with their tokens and fork configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			chains := id.Chains()
			items := make([]model.ChainInfo, 0, len(chains))
			for _, c := range chains {
				info := model.ChainInfo{
					Name:    c.Name,
					Slug:    c.Slug,
					ChainID: c.CAIP2(),
					Native:  c.Native,
					Tokens: lo.Map(id.TokensOn(c.ChainID), func(t id.Token, _ int) string {
						return t.Symbol
					}),
					ForkBlock:   s.settings.Fork.BlockHeights[c.ChainID],
					ForkEnabled: s.settings.Fork.Provider == "http" || strings.TrimSpace(s.settings.Fork.Endpoints[c.ChainID]) != "",
				}
				if rpcURL, err := registry.ResolveRPCURL(s.settings.RPC, c.ChainID); err == nil {
					info.DefaultRPC = rpcURL
				}
				items = append(items, info)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), items, nil)
		},
	}
}

func (s *runtimeState) newProtocolsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "protocols",
		Short: "List protocols the resolver recognizes",
		RunE: func(cmd *cobra.Command, args []string) error {
			items := lo.Map(s.names.Protocols(), func(p registry.Protocol, _ int) model.ProtocolInfo {
				return model.ProtocolInfo{
					Name:          p.Name,
					Aliases:       p.Aliases,
					Pools:         p.Pools,
					UniswapLike:   p.UniswapLike,
					Perp:          p.Perp,
					OffWalletDebt: p.OffWalletDebt,
				}
			})
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), items, nil)
		},
	}
}
