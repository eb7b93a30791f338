package fork

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	clierr "github.com/ggonzalez94/defi-sim/internal/errors"
	"github.com/ggonzalez94/defi-sim/internal/id"
)

// Context is the forked ledger of one chain for the lifetime of one attempt.
// Sends are serialized so calls on a chain apply strictly in submission order.
type Context struct {
	ChainID  int64
	Endpoint string

	ledger     Ledger
	mu         sync.Mutex
	checkpoint string
}

func (c *Context) Send(ctx context.Context, call Call) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.Send(ctx, call)
}

func (c *Context) Balance(ctx context.Context, owner common.Address, token id.Token) (*big.Int, error) {
	return c.ledger.Balance(ctx, owner, token)
}

func (c *Context) Fund(ctx context.Context, owner common.Address, token id.Token, amount *big.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.Fund(ctx, owner, token, amount)
}

func (c *Context) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	return c.ledger.CallContract(ctx, msg, block)
}

// Snapshot marks the current fork state so a failed action can be undone.
func (c *Context) Snapshot(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.Snapshot(ctx)
}

func (c *Context) Revert(ctx context.Context, snapshot string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.Revert(ctx, snapshot)
}

// Checkpoint returns the rollback point captured at attempt start, if any.
func (c *Context) Checkpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkpoint
}

// Checkpoints maps chain ids to the snapshot taken on each fork.
type Checkpoints map[int64]string

type entry struct {
	once sync.Once
	ctx  *Context
	err  error
}

// Manager lazily provisions one Context per chain id.
type Manager struct {
	provider     Provider
	dial         Dialer
	blockHeights map[int64]uint64
	log          *zap.Logger

	mu      sync.Mutex
	entries map[int64]*entry
}

func NewManager(provider Provider, dial Dialer, blockHeights map[int64]uint64, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		provider:     provider,
		dial:         dial,
		blockHeights: blockHeights,
		log:          log,
		entries:      map[int64]*entry{},
	}
}

// Ensure returns the Context for chainID, provisioning it on first use.
func (m *Manager) Ensure(ctx context.Context, chainID int64) (*Context, error) {
	m.mu.Lock()
	e, ok := m.entries[chainID]
	if !ok {
		e = &entry{}
		m.entries[chainID] = e
	}
	m.mu.Unlock()

	e.once.Do(func() {
		e.ctx, e.err = m.open(ctx, chainID)
	})
	return e.ctx, e.err
}

func (m *Manager) open(ctx context.Context, chainID int64) (*Context, error) {
	endpoint, err := m.provider.Provision(ctx, chainID, m.blockHeights[chainID])
	if err != nil {
		return nil, infrastructure(fmt.Sprintf("provision fork for chain %d", chainID), err)
	}
	ledger, err := m.dial(ctx, chainID, endpoint)
	if err != nil {
		_ = m.provider.Release(ctx, endpoint)
		return nil, infrastructure(fmt.Sprintf("connect fork for chain %d", chainID), err)
	}
	m.log.Debug("fork provisioned", zap.Int64("chain_id", chainID), zap.String("endpoint", endpoint))
	return &Context{ChainID: chainID, Endpoint: endpoint, ledger: ledger}, nil
}

// Checkpoint provisions the distinct chain ids concurrently and snapshots each.
// Any failure fails the whole call.
func (m *Manager) Checkpoint(ctx context.Context, chainIDs []int64) (Checkpoints, error) {
	distinct := lo.Uniq(chainIDs)
	out := make(Checkpoints, len(distinct))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, chainID := range distinct {
		g.Go(func() error {
			fc, err := m.Ensure(gctx, chainID)
			if err != nil {
				return err
			}
			checkpoint, err := fc.ledger.Snapshot(gctx)
			if err != nil {
				return infrastructure(fmt.Sprintf("snapshot fork for chain %d", chainID), err)
			}
			fc.mu.Lock()
			fc.checkpoint = checkpoint
			fc.mu.Unlock()
			mu.Lock()
			out[chainID] = checkpoint
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Rollback reverts every checkpointed fork concurrently, then releases forks that
// were provisioned without a checkpoint.
func (m *Manager) Rollback(ctx context.Context, checkpoints Checkpoints) error {
	g, gctx := errgroup.WithContext(ctx)
	for chainID, checkpoint := range checkpoints {
		fc, ok := m.lookup(chainID)
		if !ok {
			continue
		}
		g.Go(func() error {
			if err := fc.ledger.Revert(gctx, checkpoint); err != nil {
				return infrastructure(fmt.Sprintf("revert fork for chain %d", chainID), err)
			}
			return nil
		})
	}
	err := g.Wait()

	for _, chainID := range m.ChainIDs() {
		if _, ok := checkpoints[chainID]; ok {
			continue
		}
		m.release(ctx, chainID)
	}
	m.log.Debug("forks rolled back", zap.Int("checkpoints", len(checkpoints)))
	return err
}

// Close releases every fork held by the manager.
func (m *Manager) Close(ctx context.Context) {
	for _, chainID := range m.ChainIDs() {
		m.release(ctx, chainID)
	}
}

// ChainIDs lists the chains with a live Context, ascending.
func (m *Manager) ChainIDs() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int64, 0, len(m.entries))
	for chainID, e := range m.entries {
		if e.ctx != nil {
			out = append(out, chainID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *Manager) lookup(chainID int64) (*Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[chainID]
	if !ok || e.ctx == nil {
		return nil, false
	}
	return e.ctx, true
}

func (m *Manager) release(ctx context.Context, chainID int64) {
	m.mu.Lock()
	e, ok := m.entries[chainID]
	delete(m.entries, chainID)
	m.mu.Unlock()
	if !ok || e.ctx == nil {
		return
	}
	e.ctx.ledger.Close()
	if err := m.provider.Release(ctx, e.ctx.Endpoint); err != nil {
		m.log.Warn("release fork failed", zap.Int64("chain_id", chainID), zap.Error(err))
	}
}

func infrastructure(message string, err error) error {
	if typed, ok := clierr.As(err); ok && typed.Code == clierr.CodeInfrastructure {
		return err
	}
	return clierr.Wrap(clierr.CodeInfrastructure, message, err)
}
