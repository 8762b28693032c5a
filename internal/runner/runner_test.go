package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/GoPolymarket/mmengine/internal/exchange"
	"github.com/GoPolymarket/mmengine/internal/market"
	"github.com/GoPolymarket/mmengine/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingReporter struct {
	mu        sync.Mutex
	failing   []int
	recovered int
}

func (r *recordingReporter) Failing(_ string, failures int, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failing = append(r.failing, failures)
}

func (r *recordingReporter) Recovered(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recovered++
}

func (r *recordingReporter) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.failing), r.recovered
}

type fixture struct {
	paper *exchange.PaperExchange
	cache *market.Cache
	bid   *exchange.Handle
	ask   *exchange.Handle
}

func newFixture() *fixture {
	paper := exchange.NewPaperExchange(exchange.PaperOptions{Seed: 42})
	handle := func(id string) *exchange.Handle {
		acct := &model.Account{ID: id, Exchange: "paper", Status: model.AccountActive}
		return &exchange.Handle{Account: acct, Gateway: paper.Account(acct)}
	}
	return &fixture{
		paper: paper,
		cache: market.NewCache(paper),
		bid:   handle("a1"),
		ask:   handle("a2"),
	}
}

func randomStrategy() *model.Strategy {
	return &model.Strategy{
		ID:               "s1",
		Kind:             model.KindRandom,
		Exchange:         "paper",
		Pair:             "BTC/USDT",
		Account1ID:       "a1",
		Account2ID:       "a2",
		Quantity:         tiers("1", "2"),
		MinOrderInterval: 1,
		MaxOrderInterval: 2,
		Random: &model.RandomParams{
			MinMakerPrice: d("200"),
			MaxMakerPrice: d("210"),
			Volatility:    0.01,
		},
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestRunnerQuotesAndCleansUpOnStop(t *testing.T) {
	f := newFixture()
	store := NewMemoryStateStore()
	r := New(randomStrategy(), f.bid, f.ask, Deps{
		Cache:    f.cache,
		Store:    store,
		Settings: testSettings(),
		Seed:     1,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	require.NoError(t, <-r.Ready())

	waitFor(t, 2*time.Second, func() bool {
		return len(f.paper.Orders("a1")) == 1 && len(f.paper.Orders("a2")) == 1
	})
	for _, o := range f.paper.Orders("a1") {
		assert.Equal(t, market.Buy, o.Side)
	}
	for _, o := range f.paper.Orders("a2") {
		assert.Equal(t, market.Sell, o.Side)
	}
	assert.Equal(t, 1, f.cache.Refs(market.NewKey("paper", "BTC/USDT")))

	cancel()
	exit := r.Exit()
	assert.NoError(t, exit.Err)
	assert.Empty(t, exit.Leaked)
	assert.Empty(t, f.paper.Orders("a1"))
	assert.Empty(t, f.paper.Orders("a2"))
	assert.Equal(t, 0, f.cache.Refs(market.NewKey("paper", "BTC/USDT")))

	p, err := store.Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.Nil(t, p, "clean stop should drop persisted state")
}

func TestRunnerReadyFailsOnPing(t *testing.T) {
	f := newFixture()
	f.paper.FailNext("a1", exchange.Fatal("paper", "ping", errors.New("invalid api key")))
	r := New(randomStrategy(), f.bid, f.ask, Deps{Cache: f.cache, Settings: testSettings()})

	go r.Run(context.Background())
	err := <-r.Ready()
	require.Error(t, err)
	assert.True(t, exchange.IsFatal(err))
	<-r.Done()
	assert.Equal(t, 0, f.cache.Refs(market.NewKey("paper", "BTC/USDT")))
}

func TestRunnerReportsFailureAndRecovery(t *testing.T) {
	f := newFixture()
	// 第一个 nil 给 Ping, 随后一次 OpenOrders 失败
	f.paper.FailNext("a1", nil, exchange.Transient("paper", "open_orders", errors.New("timeout")))
	rep := &recordingReporter{}
	r := New(randomStrategy(), f.bid, f.ask, Deps{
		Cache:    f.cache,
		Settings: testSettings(),
		Reporter: rep,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)
	require.NoError(t, <-r.Ready())

	waitFor(t, 2*time.Second, func() bool {
		failing, recovered := rep.counts()
		return failing == 1 && recovered == 1
	})
	cancel()
	assert.NoError(t, r.Exit().Err)
}

func TestRunnerGivesUpAfterMaxFailures(t *testing.T) {
	f := newFixture()
	boom := exchange.Transient("paper", "open_orders", errors.New("503"))
	f.paper.FailNext("a1", nil, boom, boom, boom)
	rep := &recordingReporter{}
	r := New(randomStrategy(), f.bid, f.ask, Deps{
		Cache:    f.cache,
		Settings: testSettings(),
		Reporter: rep,
	})

	go r.Run(context.Background())
	require.NoError(t, <-r.Ready())

	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("runner did not give up")
	}
	exit := r.Exit()
	require.Error(t, exit.Err)
	assert.ErrorIs(t, exit.Err, boom)
	failing, _ := rep.counts()
	// 第三次失败直接退出, 不再上报 Failing
	assert.Equal(t, 2, failing)
	assert.Empty(t, f.paper.Orders("a1"))
}

func TestRunnerCancelsOrphansFromPreviousRun(t *testing.T) {
	f := newFixture()
	orphan, err := f.bid.Gateway.PlaceOrder(context.Background(), exchange.OrderRequest{
		Pair:  "BTC/USDT",
		Side:  market.Buy,
		Price: d("1"),
		Qty:   d("1"),
	})
	require.NoError(t, err)

	store := NewMemoryStateStore()
	require.NoError(t, store.Save(context.Background(), &Persisted{
		StrategyID: "s1",
		Orders:     []PersistedOrder{{AccountID: "a1", OrderID: orphan.ID, Pair: "BTC/USDT"}},
	}))

	r := New(randomStrategy(), f.bid, f.ask, Deps{Cache: f.cache, Store: store, Settings: testSettings()})
	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	require.NoError(t, <-r.Ready())

	for _, o := range f.paper.Orders("a1") {
		assert.NotEqual(t, orphan.ID, o.ID, "orphan should be canceled on first tick")
	}
	cancel()
	<-r.Done()
}
