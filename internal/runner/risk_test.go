package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/GoPolymarket/mmengine/internal/config"
	"github.com/GoPolymarket/mmengine/internal/exchange"
	"github.com/GoPolymarket/mmengine/internal/market"
	"github.com/GoPolymarket/mmengine/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckQuote(t *testing.T) {
	acct := &model.Account{ID: "a1", Exchange: "paper"}
	book := market.Snapshot{
		Bids: []market.Level{{Price: d("99"), Size: d("1")}},
		Asks: []market.Level{{Price: d("101"), Size: d("1")}},
	}
	limits := RiskLimits{MaxOrderValue: d("500"), MaxDeviation: d("0.05")}

	cases := []struct {
		name   string
		quote  Quote
		reason string
	}{
		{"passive bid", Quote{Side: market.Buy, Price: d("100"), Qty: d("2")}, ""},
		{"passive ask", Quote{Side: market.Sell, Price: d("102"), Qty: d("2")}, ""},
		{"zero price", Quote{Side: market.Buy, Price: d("0"), Qty: d("1")}, "price_bounds"},
		{"zero qty", Quote{Side: market.Buy, Price: d("100"), Qty: d("0")}, "invalid_size"},
		{"too large", Quote{Side: market.Buy, Price: d("100"), Qty: d("6")}, "max_value"},
		{"bid far through the ask", Quote{Side: market.Buy, Price: d("107"), Qty: d("1")}, "deviation"},
		{"ask far through the bid", Quote{Side: market.Sell, Price: d("90"), Qty: d("1")}, "deviation"},
		{"bid slightly through the ask", Quote{Side: market.Buy, Price: d("105"), Qty: d("1")}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := checkQuote(limits, acct, "BTC/USDT", tc.quote, book)
			if tc.reason == "" {
				assert.NoError(t, err)
				return
			}
			var rj *RiskReject
			require.True(t, errors.As(err, &rj), "got %v", err)
			assert.Equal(t, tc.reason, rj.Reason)
			assert.False(t, exchange.IsFatal(err))
		})
	}
}

func TestCheckQuoteDisabledLimits(t *testing.T) {
	acct := &model.Account{ID: "a1", Exchange: "paper"}
	q := Quote{Side: market.Buy, Price: d("1000000"), Qty: d("1000")}
	assert.NoError(t, checkQuote(RiskLimits{}, acct, "BTC/USDT", q, market.Snapshot{}))
}

func TestRiskLimitsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.MaxOrderValue = 2500
	limits := SettingsFromConfig(cfg).Risk
	assert.True(t, limits.MaxOrderValue.Equal(d("2500")))
	assert.True(t, limits.MaxDeviation.Equal(d("0.05")))
}

func TestCheckQuotePairNotPermittedIsFatal(t *testing.T) {
	acct := &model.Account{ID: "a1", Exchange: "paper", TradingPairs: []string{"ETH/USDT"}}
	err := checkQuote(RiskLimits{}, acct, "BTC/USDT", Quote{Side: market.Buy, Price: d("1"), Qty: d("1")}, market.Snapshot{})
	require.Error(t, err)
	assert.True(t, exchange.IsFatal(err))
}

func TestRunnerSkipsRejectedQuotes(t *testing.T) {
	f := newFixture()
	settings := testSettings()
	settings.Risk = RiskLimits{MaxOrderValue: d("1")}
	r := New(randomStrategy(), f.bid, f.ask, Deps{Cache: f.cache, Settings: settings, Seed: 1})

	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	require.NoError(t, <-r.Ready())

	// a completed cycle sets NextActionAt
	waitFor(t, 2*time.Second, func() bool { return !r.Info().NextActionAt.IsZero() })
	assert.Empty(t, f.paper.Orders("a1"))
	assert.Empty(t, f.paper.Orders("a2"))

	cancel()
	assert.NoError(t, r.Exit().Err, "rejected quotes do not count as failures")
}

func TestRunnerHaltsOnForbiddenPair(t *testing.T) {
	f := newFixture()
	f.ask.Account.TradingPairs = []string{"ETH/USDT"}
	r := New(randomStrategy(), f.bid, f.ask, Deps{Cache: f.cache, Settings: testSettings(), Seed: 1})

	go r.Run(context.Background())
	require.NoError(t, <-r.Ready())

	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("runner kept quoting a forbidden pair")
	}
	assert.True(t, exchange.IsFatal(r.Exit().Err))
	assert.Empty(t, f.paper.Orders("a1"), "own orders are canceled on halt")
	assert.Empty(t, f.paper.Orders("a2"))
}
