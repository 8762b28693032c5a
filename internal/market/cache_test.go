package market

import (
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	mu     sync.Mutex
	opens  map[Key]int
	closes map[Key]int
	fail   error
}

func newCountingSource() *countingSource {
	return &countingSource{opens: make(map[Key]int), closes: make(map[Key]int)}
}

func (s *countingSource) Open(key Key, _ *Orderbook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.opens[key]++
	return nil
}

func (s *countingSource) Close(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes[key]++
}

func TestCacheRefCounting(t *testing.T) {
	src := newCountingSource()
	cache := NewCache(src)
	key := NewKey("binance", "btc/usdt")

	require.NoError(t, cache.Subscribe(key))
	require.NoError(t, cache.Subscribe(NewKey(" binance ", "BTC/USDT")))
	assert.Equal(t, 2, cache.Refs(key))
	assert.Equal(t, 1, src.opens[key], "source opened once per key")

	cache.Unsubscribe(key)
	assert.Equal(t, 1, cache.Refs(key))
	assert.Zero(t, src.closes[key])
	_, ok := cache.Snapshot(key)
	assert.True(t, ok)

	cache.Unsubscribe(key)
	assert.Zero(t, cache.Refs(key))
	assert.Equal(t, 1, src.closes[key])
	_, ok = cache.Snapshot(key)
	assert.False(t, ok)
	assert.Empty(t, cache.Keys())

	// extra unsubscribes are ignored
	cache.Unsubscribe(key)
	assert.Equal(t, 1, src.closes[key])
}

func TestCacheSubscribeFailureLeavesNoEntry(t *testing.T) {
	src := newCountingSource()
	src.fail = errors.New("unsupported market")
	cache := NewCache(src)
	key := NewKey("okx", "ETH-USDT-SWAP")

	err := cache.Subscribe(key)
	require.Error(t, err)
	assert.ErrorIs(t, err, src.fail)
	assert.Zero(t, cache.Refs(key))
}

func TestOrderbookLevels(t *testing.T) {
	ob := NewOrderbook(NewKey("paper", "BTC/USDT"))
	require.NoError(t, ob.Update(Buy, "99", "1"))
	require.NoError(t, ob.Update(Buy, "100", "2"))
	require.NoError(t, ob.Update(Sell, "102", "1"))
	require.NoError(t, ob.Update(Sell, "101", "3"))
	require.Error(t, ob.Update(Buy, "abc", "1"))

	snap := ob.GetCopy()
	assert.True(t, snap.Bids[0].Price.Equal(decimal.NewFromInt(100)))
	assert.True(t, snap.Asks[0].Price.Equal(decimal.NewFromInt(101)))
	assert.True(t, snap.Mid().Equal(decimal.RequireFromString("100.5")))

	require.NoError(t, ob.Update(Buy, "100", "0"))
	snap = ob.GetCopy()
	require.Len(t, snap.Bids, 1)
	assert.True(t, snap.Bids[0].Price.Equal(decimal.NewFromInt(99)))

	ob.Replace(nil, nil)
	ob.SetLast(decimal.NewFromInt(98))
	snap = ob.GetCopy()
	assert.False(t, snap.Empty())
	assert.True(t, snap.Mid().Equal(decimal.NewFromInt(98)), "one-sided book falls back to last trade")
}
