package runner

import (
	"fmt"

	"github.com/GoPolymarket/mmengine/internal/exchange"
	"github.com/GoPolymarket/mmengine/internal/market"
	"github.com/GoPolymarket/mmengine/internal/model"
	"github.com/GoPolymarket/mmengine/internal/pkg/metrics"
	"github.com/shopspring/decimal"
)

// RiskLimits are checked before every order a runner places. Zero disables
// a limit.
type RiskLimits struct {
	MaxOrderValue decimal.Decimal // price * qty
	// MaxDeviation bounds how far through the opposite side of the book a
	// quote may sit, relative to the best opposite price.
	MaxDeviation decimal.Decimal
}

// RiskReject is returned for a quote that must not be placed. The runner
// skips it and keeps quoting the rest.
type RiskReject struct {
	Reason string
	Detail string
}

func (e *RiskReject) Error() string {
	return fmt.Sprintf("risk reject (%s): %s", e.Reason, e.Detail)
}

func reject(reason, format string, args ...any) error {
	metrics.RiskRejects.WithLabelValues(reason).Inc()
	return &RiskReject{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// checkQuote 下单前风控. 账户无权交易该币对属于配置错误, 返回 fatal 让策略停止
func checkQuote(limits RiskLimits, acct *model.Account, pair string, q Quote, book market.Snapshot) error {
	if !acct.TradesPair(pair) {
		metrics.RiskRejects.WithLabelValues("pair_not_permitted").Inc()
		return exchange.Fatal(acct.Exchange, "risk", fmt.Errorf("account %s is not allowed to trade %s", acct.ID, pair))
	}
	if !q.Price.IsPositive() {
		return reject("price_bounds", "price %s must be positive", q.Price)
	}
	if !q.Qty.IsPositive() {
		return reject("invalid_size", "qty %s must be positive", q.Qty)
	}

	if limits.MaxOrderValue.IsPositive() {
		if value := q.Price.Mul(q.Qty); value.GreaterThan(limits.MaxOrderValue) {
			return reject("max_value", "order value %s exceeds limit %s", value, limits.MaxOrderValue)
		}
	}

	if limits.MaxDeviation.IsPositive() {
		one := decimal.NewFromInt(1)
		switch q.Side {
		case market.Buy:
			if len(book.Asks) > 0 {
				ceiling := book.Asks[0].Price.Mul(one.Add(limits.MaxDeviation))
				if q.Price.GreaterThan(ceiling) {
					return reject("deviation", "buy %s is above best ask %s by more than %s", q.Price, book.Asks[0].Price, limits.MaxDeviation)
				}
			}
		case market.Sell:
			if len(book.Bids) > 0 {
				floor := book.Bids[0].Price.Mul(one.Sub(limits.MaxDeviation))
				if q.Price.LessThan(floor) {
					return reject("deviation", "sell %s is below best bid %s by more than %s", q.Price, book.Bids[0].Price, limits.MaxDeviation)
				}
			}
		}
	}
	return nil
}
