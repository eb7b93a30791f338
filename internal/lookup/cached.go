package lookup

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/ggonzalez94/defi-sim/internal/cache"
	"github.com/ggonzalez94/defi-sim/internal/engine"
	clierr "github.com/ggonzalez94/defi-sim/internal/errors"
	"github.com/ggonzalez94/defi-sim/internal/id"
)

type CacheOptions struct {
	BalanceTTL  time.Duration
	PositionTTL time.Duration
	// MaxStale bounds how old an expired entry may be and still be served when
	// the live read fails.
	MaxStale time.Duration
}

func DefaultCacheOptions() CacheOptions {
	return CacheOptions{
		BalanceTTL:  15 * time.Second,
		PositionTTL: time.Minute,
		MaxStale:    5 * time.Minute,
	}
}

// Cached serves lookups from a shared cache and falls back to stale entries
// when the live source is unavailable.
type Cached struct {
	next  engine.Lookups
	store *cache.Store
	opts  CacheOptions
	log   *zap.Logger
}

func NewCached(next engine.Lookups, store *cache.Store, opts CacheOptions, log *zap.Logger) *Cached {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cached{next: next, store: store, opts: opts, log: log}
}

func (c *Cached) Balance(ctx context.Context, chainID int64, owner common.Address, token id.Token) (*big.Int, error) {
	key := fmt.Sprintf("balance:%d:%s:%s", chainID, strings.ToLower(owner.Hex()), token.Key())
	var cached string
	res, ok := c.read(key, &cached)
	if ok && !res.Stale {
		if bal, valid := new(big.Int).SetString(cached, 10); valid {
			return bal, nil
		}
	}

	bal, err := c.next.Balance(ctx, chainID, owner, token)
	if err != nil {
		if ok && retryable(err) {
			if stale, valid := new(big.Int).SetString(cached, 10); valid {
				c.log.Warn("serving stale balance", zap.String("key", key), zap.Duration("age", res.Age), zap.Error(err))
				return stale, nil
			}
		}
		return nil, err
	}
	c.write(key, bal.String(), c.opts.BalanceTTL)
	return bal, nil
}

type cachedPosition struct {
	Protocol string `json:"protocol"`
	ChainID  int64  `json:"chain_id"`
	Kind     string `json:"kind"`
	Token    string `json:"token"`
	Amount   string `json:"amount"`
	Pool     string `json:"pool,omitempty"`
}

func (c *Cached) Positions(ctx context.Context, chainID int64, owner common.Address, protocol string) ([]engine.Position, error) {
	key := fmt.Sprintf("positions:%d:%s:%s", chainID, strings.ToLower(owner.Hex()), strings.ToLower(protocol))
	var cached []cachedPosition
	res, ok := c.read(key, &cached)
	if ok && !res.Stale {
		if out, err := decodePositions(cached); err == nil {
			return out, nil
		}
	}

	positions, err := c.next.Positions(ctx, chainID, owner, protocol)
	if err != nil {
		if ok && retryable(err) {
			if out, derr := decodePositions(cached); derr == nil {
				c.log.Warn("serving stale positions", zap.String("key", key), zap.Duration("age", res.Age), zap.Error(err))
				return out, nil
			}
		}
		return nil, err
	}
	c.write(key, encodePositions(positions), c.opts.PositionTTL)
	return positions, nil
}

func (c *Cached) read(key string, out any) (cache.Result, bool) {
	if c.store == nil {
		return cache.Result{}, false
	}
	res, ok, err := c.store.GetJSON(key, c.opts.MaxStale, true, out)
	if err != nil {
		c.log.Debug("cache read failed", zap.String("key", key), zap.Error(err))
		return res, false
	}
	return res, ok
}

func (c *Cached) write(key string, value any, ttl time.Duration) {
	if c.store == nil {
		return
	}
	if err := c.store.SetJSON(key, value, ttl); err != nil {
		c.log.Debug("cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func retryable(err error) bool {
	switch clierr.CodeOf(err) {
	case clierr.CodeUnavailable, clierr.CodeRateLimited, clierr.CodeInfrastructure:
		return true
	}
	return false
}

func encodePositions(items []engine.Position) []cachedPosition {
	out := make([]cachedPosition, 0, len(items))
	for _, p := range items {
		token := p.Token.Symbol
		if !p.Token.Native {
			token = p.Token.Address.Hex()
		}
		amount := "0"
		if p.Amount != nil {
			amount = p.Amount.String()
		}
		out = append(out, cachedPosition{
			Protocol: p.Protocol,
			ChainID:  p.ChainID,
			Kind:     string(p.Kind),
			Token:    token,
			Amount:   amount,
			Pool:     p.Pool,
		})
	}
	return out
}

func decodePositions(items []cachedPosition) ([]engine.Position, error) {
	out := make([]engine.Position, 0, len(items))
	for _, p := range items {
		token, err := serviceToken(p.ChainID, p.Token)
		if err != nil {
			return nil, err
		}
		amount, ok := new(big.Int).SetString(p.Amount, 10)
		if !ok {
			return nil, fmt.Errorf("invalid cached amount %q", p.Amount)
		}
		out = append(out, engine.Position{
			Protocol: p.Protocol,
			ChainID:  p.ChainID,
			Kind:     engine.PositionKind(p.Kind),
			Token:    token,
			Amount:   amount,
			Pool:     p.Pool,
		})
	}
	return out, nil
}
