package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/GoPolymarket/mmengine/internal/market"
	"github.com/GoPolymarket/mmengine/internal/model"
	"github.com/shopspring/decimal"
)

type OrderRequest struct {
	Pair     string
	Side     market.Side
	Price    decimal.Decimal
	Qty      decimal.Decimal
	PostOnly bool
}

type Order struct {
	ID        string          `json:"id"`
	AccountID string          `json:"account_id"`
	Pair      string          `json:"pair"`
	Side      market.Side     `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Qty       decimal.Decimal `json:"qty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Gateway is one authenticated session on one exchange account.
type Gateway interface {
	Ping(ctx context.Context) error
	PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error)
	CancelOrder(ctx context.Context, pair, orderID string) error
	OpenOrders(ctx context.Context, pair string) ([]Order, error)
}

// Handle is a resolved account together with its gateway session.
type Handle struct {
	Account *model.Account
	Gateway Gateway
}

type ErrorKind string

const (
	KindTransient ErrorKind = "transient"
	KindFatal     ErrorKind = "fatal"
)

// ExchangeError 区分可重试 (网络, 限流) 与不可重试 (鉴权, 交易对不存在) 错误
type ExchangeError struct {
	Kind     ErrorKind
	Exchange string
	Op       string
	Err      error
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("%s %s (%s): %v", e.Exchange, e.Op, e.Kind, e.Err)
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}

func (e *ExchangeError) Transient() bool {
	return e.Kind == KindTransient
}

func Transient(exchange, op string, err error) *ExchangeError {
	return &ExchangeError{Kind: KindTransient, Exchange: exchange, Op: op, Err: err}
}

func Fatal(exchange, op string, err error) *ExchangeError {
	return &ExchangeError{Kind: KindFatal, Exchange: exchange, Op: op, Err: err}
}

// IsTransient reports whether err may succeed on retry. Unclassified errors
// count as transient.
func IsTransient(err error) bool {
	var exErr *ExchangeError
	if errors.As(err, &exErr) {
		return exErr.Transient()
	}
	return true
}

func IsFatal(err error) bool {
	var exErr *ExchangeError
	return errors.As(err, &exErr) && !exErr.Transient()
}
