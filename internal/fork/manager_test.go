package fork

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/goleak"

	clierr "github.com/ggonzalez94/defi-sim/internal/errors"
	"github.com/ggonzalez94/defi-sim/internal/httpx"
	"github.com/ggonzalez94/defi-sim/internal/id"
)

type countingProvider struct {
	mu        sync.Mutex
	provision map[int64]int
	released  []string
	fail      map[int64]bool
	inflight  int32
	maxFlight int32
}

func newCountingProvider() *countingProvider {
	return &countingProvider{provision: map[int64]int{}, fail: map[int64]bool{}}
}

func (p *countingProvider) Provision(_ context.Context, chainID int64, _ uint64) (string, error) {
	n := atomic.AddInt32(&p.inflight, 1)
	defer atomic.AddInt32(&p.inflight, -1)
	for {
		cur := atomic.LoadInt32(&p.maxFlight)
		if n <= cur || atomic.CompareAndSwapInt32(&p.maxFlight, cur, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.provision[chainID]++
	if p.fail[chainID] {
		return "", errors.New("capacity exhausted")
	}
	return fmt.Sprintf("http://fork-%d", chainID), nil
}

func (p *countingProvider) Release(_ context.Context, endpoint string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, endpoint)
	return nil
}

type memLedger struct {
	mu        sync.Mutex
	snapshots int
	reverted  []string
	closed    bool
}

func (l *memLedger) Snapshot(context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snapshots++
	return fmt.Sprintf("0x%x", l.snapshots), nil
}

func (l *memLedger) Revert(_ context.Context, checkpoint string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reverted = append(l.reverted, checkpoint)
	return nil
}

func (l *memLedger) Send(context.Context, Call) (*types.Receipt, error) {
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
}

func (l *memLedger) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, nil
}

func (l *memLedger) Balance(context.Context, common.Address, id.Token) (*big.Int, error) {
	return new(big.Int), nil
}

func (l *memLedger) Fund(context.Context, common.Address, id.Token, *big.Int) error { return nil }

func (l *memLedger) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}

type ledgerSet struct {
	mu      sync.Mutex
	ledgers map[int64]*memLedger
}

func (s *ledgerSet) dial(_ context.Context, chainID int64, _ string) (Ledger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := &memLedger{}
	s.ledgers[chainID] = l
	return l, nil
}

func TestCheckpointProvisionsDistinctChainsConcurrently(t *testing.T) {
	defer goleak.VerifyNone(t)
	provider := newCountingProvider()
	set := &ledgerSet{ledgers: map[int64]*memLedger{}}
	mgr := NewManager(provider, set.dial, nil, nil)

	checkpoints, err := mgr.Checkpoint(context.Background(), []int64{1, 8453, 1, 42161, 8453})
	if err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	if len(checkpoints) != 3 {
		t.Fatalf("expected 3 checkpoints, got %v", checkpoints)
	}
	for chainID, n := range provider.provision {
		if n != 1 {
			t.Fatalf("chain %d provisioned %d times", chainID, n)
		}
	}
	if atomic.LoadInt32(&provider.maxFlight) < 2 {
		t.Fatalf("expected concurrent provisioning, max in flight %d", provider.maxFlight)
	}

	again, err := mgr.Ensure(context.Background(), 8453)
	if err != nil || again.Checkpoint() != checkpoints[8453] {
		t.Fatalf("Ensure should return the checkpointed context, got %+v err=%v", again, err)
	}
	if provider.provision[8453] != 1 {
		t.Fatal("Ensure must not provision twice")
	}
}

func TestCheckpointFailureIsInfrastructure(t *testing.T) {
	defer goleak.VerifyNone(t)
	provider := newCountingProvider()
	provider.fail[42161] = true
	set := &ledgerSet{ledgers: map[int64]*memLedger{}}
	mgr := NewManager(provider, set.dial, nil, nil)

	_, err := mgr.Checkpoint(context.Background(), []int64{1, 42161})
	if err == nil {
		t.Fatal("expected provisioning failure")
	}
	if clierr.CodeOf(err) != clierr.CodeInfrastructure || !clierr.Retryable(err) {
		t.Fatalf("expected retryable infrastructure error, got %v", err)
	}
	mgr.Close(context.Background())
}

func TestRollbackRevertsCheckpointsAndReleasesOthers(t *testing.T) {
	defer goleak.VerifyNone(t)
	provider := newCountingProvider()
	set := &ledgerSet{ledgers: map[int64]*memLedger{}}
	mgr := NewManager(provider, set.dial, nil, nil)
	ctx := context.Background()

	checkpoints, err := mgr.Checkpoint(ctx, []int64{1})
	if err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	if _, err := mgr.Ensure(ctx, 10); err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}

	if err := mgr.Rollback(ctx, checkpoints); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if got := set.ledgers[1].reverted; len(got) != 1 || got[0] != checkpoints[1] {
		t.Fatalf("expected revert to %s, got %v", checkpoints[1], got)
	}
	if !set.ledgers[10].closed {
		t.Fatal("fork without checkpoint should be released")
	}
	if ids := mgr.ChainIDs(); len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("unexpected live chains %v", ids)
	}
	mgr.Close(ctx)
	if !set.ledgers[1].closed || len(provider.released) != 2 {
		t.Fatalf("expected all forks released, got %v", provider.released)
	}
}

func TestHTTPProviderProvisionAndRelease(t *testing.T) {
	var deleted atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/forks":
			var req provisionRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.ChainID != 8453 || req.BlockNumber != 8404000 {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_ = json.NewEncoder(w).Encode(provisionResponse{ID: "vnet-1", RPCURL: "http://rpc.vnet-1"})
		case r.Method == http.MethodDelete:
			deleted.Store(r.URL.Path)
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	provider := NewHTTPProvider(httpx.New(2*time.Second, 0, nil), srv.URL+"/", "key")
	endpoint, err := provider.Provision(context.Background(), 8453, 8404000)
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	if endpoint != "http://rpc.vnet-1" {
		t.Fatalf("unexpected endpoint %q", endpoint)
	}
	if err := provider.Release(context.Background(), endpoint); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if deleted.Load() != "/forks/vnet-1" {
		t.Fatalf("unexpected delete path %v", deleted.Load())
	}

	_, err = provider.Provision(context.Background(), 1, 0)
	if clierr.CodeOf(err) != clierr.CodeInfrastructure {
		t.Fatalf("expected infrastructure error, got %v", err)
	}
}

func TestStaticProvider(t *testing.T) {
	p := StaticProvider{Endpoints: map[int64]string{1: "http://127.0.0.1:8545"}}
	if ep, err := p.Provision(context.Background(), 1, 0); err != nil || ep != "http://127.0.0.1:8545" {
		t.Fatalf("unexpected endpoint %q err=%v", ep, err)
	}
	if _, err := p.Provision(context.Background(), 10, 0); clierr.CodeOf(err) != clierr.CodeInfrastructure {
		t.Fatalf("expected infrastructure error, got %v", err)
	}
}
