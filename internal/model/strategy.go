package model

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

type StrategyKind string

const (
	KindRandom        StrategyKind = "random"
	KindFollow        StrategyKind = "follow"
	KindOrderBook     StrategyKind = "orderbook"
	KindPriceBoundary StrategyKind = "priceboundary"
)

func (k StrategyKind) Valid() bool {
	switch k {
	case KindRandom, KindFollow, KindOrderBook, KindPriceBoundary:
		return true
	default:
		return false
	}
}

type StrategyStatus string

const (
	StatusStopped StrategyStatus = "stopped"
	StatusRunning StrategyStatus = "running"
	StatusError   StrategyStatus = "error"
)

// QtySpec 分档下单量; 每 ChangePeriodMinutes 分钟轮换一档
type QtySpec struct {
	MinList             []decimal.Decimal `json:"min_list"`
	MaxList             []decimal.Decimal `json:"max_list"`
	ChangePeriodMinutes int               `json:"change_period_minutes"`
}

func (q QtySpec) Tiers() int {
	return len(q.MinList)
}

type RandomParams struct {
	MinMakerPrice decimal.Decimal `json:"min_maker_price"`
	MaxMakerPrice decimal.Decimal `json:"max_maker_price"`
	Volatility    float64         `json:"volatility"`
}

type FollowSource struct {
	Exchange string `json:"exchange"`
	Pair     string `json:"pair"`
}

type FollowParams struct {
	Sources               []FollowSource `json:"sources"`
	Weights               []float64      `json:"weights"`
	FollowTransactionType string         `json:"follow_transaction_type"`
	ChangePeriodMinutes   int            `json:"follow_change_period_minutes"`
}

type OrderBookParams struct {
	Volatility float64 `json:"volatility"`
	Depth      int     `json:"depth"`
}

type PriceBoundaryParams struct {
	MinMakerPrice decimal.Decimal `json:"min_maker_price"`
	MaxMakerPrice decimal.Decimal `json:"max_maker_price"`
	FloatingValue decimal.Decimal `json:"floating_value"`
}

// Strategy is a tagged union: exactly one of the variant pointers matching
// Kind is non-nil.
type Strategy struct {
	ID               string         `json:"id"`
	TaskID           string         `json:"task_id"`
	Kind             StrategyKind   `json:"kind"`
	Exchange         string         `json:"exchange"`
	Pair             string         `json:"pair"`
	TransactionType  string         `json:"transaction_type"`
	Account1ID       string         `json:"account1_id"`
	Account2ID       string         `json:"account2_id,omitempty"`
	Quantity         QtySpec        `json:"quantity"`
	MinOrderInterval int            `json:"min_order_interval"` // seconds
	MaxOrderInterval int            `json:"max_order_interval"` // seconds
	Status           StrategyStatus `json:"status"`
	LastError        string         `json:"last_error,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`

	Random        *RandomParams        `json:"random,omitempty"`
	Follow        *FollowParams        `json:"follow,omitempty"`
	OrderBook     *OrderBookParams     `json:"orderbook,omitempty"`
	PriceBoundary *PriceBoundaryParams `json:"priceboundary,omitempty"`
}

// AccountIDs returns the distinct accounts the strategy trades with.
func (s *Strategy) AccountIDs() []string {
	ids := []string{s.Account1ID}
	if s.Account2ID != "" && s.Account2ID != s.Account1ID {
		ids = append(ids, s.Account2ID)
	}
	return ids
}

func (s *Strategy) References(accountID string) bool {
	return s.Account1ID == accountID || s.Account2ID == accountID
}

// AskAccountID 双账户策略由 account2 挂卖单, 单账户策略两侧都用 account1
func (s *Strategy) AskAccountID() string {
	if s.Account2ID != "" {
		return s.Account2ID
	}
	return s.Account1ID
}

func (s *Strategy) Clone() *Strategy {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Quantity.MinList = slices.Clone(s.Quantity.MinList)
	cp.Quantity.MaxList = slices.Clone(s.Quantity.MaxList)
	if s.Random != nil {
		r := *s.Random
		cp.Random = &r
	}
	if s.Follow != nil {
		f := *s.Follow
		f.Sources = slices.Clone(s.Follow.Sources)
		f.Weights = slices.Clone(s.Follow.Weights)
		cp.Follow = &f
	}
	if s.OrderBook != nil {
		o := *s.OrderBook
		cp.OrderBook = &o
	}
	if s.PriceBoundary != nil {
		p := *s.PriceBoundary
		cp.PriceBoundary = &p
	}
	return &cp
}
