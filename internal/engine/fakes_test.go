package engine

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ggonzalez94/defi-sim/internal/fork"
	"github.com/ggonzalez94/defi-sim/internal/id"
	"github.com/ggonzalez94/defi-sim/internal/txbuild"
)

var (
	testUser = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	testPool = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

var testPrices = map[string]decimal.Decimal{
	"ETH":    decimal.NewFromInt(2000),
	"WETH":   decimal.NewFromInt(2000),
	"USDC":   decimal.NewFromInt(1),
	"USDC.E": decimal.NewFromInt(1),
	"USDT":   decimal.NewFromInt(1),
	"DAI":    decimal.NewFromInt(1),
	"ARB":    decimal.NewFromInt(1),
	"GMX":    decimal.NewFromInt(20),
}

type leg struct {
	token  id.Token
	amount *big.Int
}

type effect struct {
	debit  []leg
	credit []leg
	revert string
}

// world is the live chain state seen by lookups, and the seed of every fork.
type world struct {
	mu           sync.Mutex
	live         map[int64]map[string]*big.Int
	positions    map[int64][]Position
	effects      []effect
	failVenues   map[string]string
	provisionErr error
	provisions   int
	builds       []txbuild.Request
}

func newWorld() *world {
	return &world{
		live:       map[int64]map[string]*big.Int{},
		positions:  map[int64][]Position{},
		failVenues: map[string]string{},
	}
}

func testToken(t *testing.T, chainID int64, symbol string) id.Token {
	t.Helper()
	token, err := id.LookupToken(chainID, symbol)
	if err != nil {
		t.Fatalf("lookup %s on %d: %v", symbol, chainID, err)
	}
	return token
}

func units(t *testing.T, token id.Token, amount string) *big.Int {
	t.Helper()
	out, err := id.ToBaseUnits(decimal.RequireFromString(amount), token.Decimals)
	if err != nil {
		t.Fatalf("base units: %v", err)
	}
	return out
}

func (w *world) give(t *testing.T, chainID int64, symbol, amount string) id.Token {
	t.Helper()
	token := testToken(t, chainID, symbol)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.live[chainID] == nil {
		w.live[chainID] = map[string]*big.Int{}
	}
	w.live[chainID][token.Key()] = units(t, token, amount)
	return token
}

// hold records a live protocol position of the test user.
func (w *world) hold(t *testing.T, chainID int64, protocol string, kind PositionKind, symbol, amount string) id.Token {
	t.Helper()
	token := testToken(t, chainID, symbol)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.positions[chainID] = append(w.positions[chainID], Position{
		Protocol: protocol,
		ChainID:  chainID,
		Kind:     kind,
		Token:    token,
		Amount:   units(t, token, amount),
	})
	return token
}

func (w *world) Balance(_ context.Context, chainID int64, _ common.Address, token id.Token) (*big.Int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if bal, ok := w.live[chainID][token.Key()]; ok {
		return new(big.Int).Set(bal), nil
	}
	return new(big.Int), nil
}

func (w *world) Positions(_ context.Context, chainID int64, _ common.Address, protocol string) ([]Position, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []Position
	for _, p := range w.positions[chainID] {
		if protocol == "" || p.Protocol == protocol {
			out = append(out, p)
		}
	}
	return out, nil
}

func (w *world) Provision(_ context.Context, chainID int64, _ uint64) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.provisions++
	if w.provisionErr != nil {
		return "", w.provisionErr
	}
	return fmt.Sprintf("mem://%d", chainID), nil
}

func (w *world) Release(context.Context, string) error { return nil }

func (w *world) dial(_ context.Context, chainID int64, _ string) (fork.Ledger, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return &memLedger{w: w, balances: copyBalances(w.live[chainID])}, nil
}

func (w *world) addEffect(e effect) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.effects = append(w.effects, e)
	return len(w.effects) - 1
}

func (w *world) effect(i int) effect {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.effects[i]
}

func copyBalances(in map[string]*big.Int) map[string]*big.Int {
	out := make(map[string]*big.Int, len(in))
	for k, v := range in {
		out[k] = new(big.Int).Set(v)
	}
	return out
}

// memLedger is a forked chain held in memory. Snapshots follow evm_revert
// semantics: reverting drops the snapshot and every later one.
type memLedger struct {
	w         *world
	mu        sync.Mutex
	balances  map[string]*big.Int
	snapshots []map[string]*big.Int
}

func (l *memLedger) Snapshot(context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snapshots = append(l.snapshots, copyBalances(l.balances))
	return strconv.Itoa(len(l.snapshots) - 1), nil
}

func (l *memLedger) Revert(_ context.Context, checkpoint string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx, err := strconv.Atoi(checkpoint)
	if err != nil || idx >= len(l.snapshots) {
		return fmt.Errorf("unknown snapshot %s", checkpoint)
	}
	l.balances = copyBalances(l.snapshots[idx])
	l.snapshots = l.snapshots[:idx]
	return nil
}

func (l *memLedger) Send(_ context.Context, call fork.Call) (*types.Receipt, error) {
	eff := l.w.effect(int(new(big.Int).SetBytes(call.Data).Int64()))
	if eff.revert != "" {
		return nil, &fork.RevertError{Reason: eff.revert}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, d := range eff.debit {
		bal := l.balances[d.token.Key()]
		if bal == nil || bal.Cmp(d.amount) < 0 {
			return nil, &fork.RevertError{Reason: "ERC20: transfer amount exceeds balance"}
		}
	}
	receipt := &types.Receipt{Status: types.ReceiptStatusSuccessful, GasUsed: 21_000}
	for _, d := range eff.debit {
		l.balances[d.token.Key()] = new(big.Int).Sub(l.balances[d.token.Key()], d.amount)
		if !d.token.Native {
			receipt.Logs = append(receipt.Logs, transferLog(d.token, call.From, testPool, d.amount))
		}
	}
	for _, c := range eff.credit {
		l.add(c.token, c.amount)
		if !c.token.Native {
			receipt.Logs = append(receipt.Logs, transferLog(c.token, testPool, call.From, c.amount))
		}
	}
	return receipt, nil
}

func (l *memLedger) add(token id.Token, amount *big.Int) {
	cur := l.balances[token.Key()]
	if cur == nil {
		cur = new(big.Int)
	}
	l.balances[token.Key()] = new(big.Int).Add(cur, amount)
}

func (l *memLedger) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, nil
}

func (l *memLedger) Balance(_ context.Context, _ common.Address, token id.Token) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if bal, ok := l.balances[token.Key()]; ok {
		return new(big.Int).Set(bal), nil
	}
	return new(big.Int), nil
}

func (l *memLedger) Fund(_ context.Context, _ common.Address, token id.Token, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.add(token, amount)
	return nil
}

func (l *memLedger) Close() {}

func transferLog(token id.Token, from, to common.Address, amount *big.Int) *types.Log {
	return &types.Log{
		Address: token.Address,
		Topics:  []common.Hash{transferTopic, common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes())},
		Data:    common.LeftPadBytes(amount.Bytes(), 32),
	}
}

// fakeBuilder turns requests into scripted ledger effects priced by testPrices.
type fakeBuilder struct {
	w            *world
	bridgeFeeBps int64
}

func (b *fakeBuilder) Build(_ context.Context, req txbuild.Request) (txbuild.Result, error) {
	b.w.mu.Lock()
	b.w.builds = append(b.w.builds, req)
	b.w.mu.Unlock()

	var eff effect
	res := txbuild.Result{Venue: req.Venue}
	amount := req.Amount
	if amount == nil {
		amount = new(big.Int)
	}
	switch req.Kind {
	case "swap":
		if res.Venue == "" {
			res.Venue = "uniswap:3000"
			res.AlternativeVenues = []string{"uniswap:500", "uniswap:10000"}
		}
		out := convert(amount, req.Token, req.OutputToken)
		eff.debit = []leg{{req.Token, amount}}
		eff.credit = []leg{{req.OutputToken, out}}
		res.ExpectedOutput = out
	case "bridge":
		if res.Venue == "" {
			res.Venue = "across"
		}
		eff.debit = []leg{{req.Token, amount}}
		res.ExpectedOutput = id.ApplyBasisPoints(amount, 10_000-b.bridgeFeeBps)
	case "withdraw", "borrow", "claim", "unstake", "unlock", "close":
		eff.credit = []leg{{req.Token, amount}}
	default:
		eff.debit = []leg{{req.Token, amount}}
	}
	if reason, ok := b.w.failVenues[res.Venue]; ok {
		eff.revert = reason
	}
	idx := b.w.addEffect(eff)
	call := txbuild.Call{To: testPool, Data: common.LeftPadBytes(big.NewInt(int64(idx)).Bytes(), 32), Description: req.Kind}
	if req.Token.Native && len(eff.debit) > 0 {
		call.Value = new(big.Int).Set(amount)
	}
	res.Calls = []txbuild.Call{call}
	return res, nil
}

func convert(amount *big.Int, in, out id.Token) *big.Int {
	pIn, pOut := testPrices[strings.ToUpper(in.Symbol)], testPrices[strings.ToUpper(out.Symbol)]
	if pIn.IsZero() || pOut.IsZero() {
		return new(big.Int)
	}
	value := id.FromBaseUnits(amount, in.Decimals).Mul(pIn).Div(pOut)
	base, _ := id.ToBaseUnits(value, out.Decimals)
	return base
}

type recordingExplainer struct {
	mu    sync.Mutex
	calls []string
	plans [][]RawAction
}

func (r *recordingExplainer) Explain(description string, original []RawAction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, description)
	r.plans = append(r.plans, ClonePlan(original))
}

func newTestEngine(t *testing.T, w *world) (*Engine, *recordingExplainer) {
	t.Helper()
	explainer := &recordingExplainer{}
	e, err := New(Deps{
		Forks: func() *fork.Manager {
			return fork.NewManager(w, w.dial, nil, zap.NewNop())
		},
		Lookups:   w,
		Builder:   &fakeBuilder{w: w, bridgeFeeBps: 10},
		Explainer: explainer,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e, explainer
}

func action(name string, args map[string]any) RawAction {
	return RawAction{Name: name, Args: args}
}
