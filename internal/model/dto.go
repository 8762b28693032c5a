package model

import "github.com/shopspring/decimal"

// StrategyRequest is the console's wire shape for create/update. Quantity
// lists and follow sources arrive as CSV ("100,399,699"; full-width commas
// are accepted).
type StrategyRequest struct {
	TaskID           string `json:"task_id"`
	Kind             string `json:"kind"`
	Exchange         string `json:"exchange"`
	Pair             string `json:"pair"`
	TransactionType  string `json:"transaction_type"`
	Account1ID       string `json:"account1_id"`
	Account2ID       string `json:"account2_id"`
	MinQtyList       string `json:"min_qty_list"`
	MaxQtyList       string `json:"max_qty_list"`
	QtyChangePeriod  int    `json:"qty_change_period"`
	MinOrderInterval int    `json:"min_order_interval"`
	MaxOrderInterval int    `json:"max_order_interval"`

	// Random / PriceBoundary
	MinMakerPrice decimal.Decimal `json:"min_maker_price"`
	MaxMakerPrice decimal.Decimal `json:"max_maker_price"`
	// Random / OrderBook
	Volatility float64 `json:"volatility"`
	// OrderBook
	Depth int `json:"depth"`
	// PriceBoundary
	FloatingValue decimal.Decimal `json:"floating_value"`
	// Follow
	FollowExchanges       string `json:"follow_exchanges"`
	FollowPairs           string `json:"follow_pairs"`
	Weights               string `json:"weights"`
	FollowTransactionType string `json:"follow_transaction_type"`
	FollowChangePeriod    int    `json:"follow_change_period"`
}

type StrategyFilter struct {
	Kind            string `form:"kind"`
	Exchange        string `form:"exchange"`
	Pair            string `form:"pair"`
	TransactionType string `form:"type"`
	Account         string `form:"account"`
	TaskID          string `form:"task_id"`
	Page            int    `form:"page"`
	PageSize        int    `form:"page_size"`
}

type AccountRequest struct {
	UID              string   `json:"uid"`
	Name             string   `json:"name"`
	Exchange         string   `json:"exchange"`
	APIKey           string   `json:"api_key"`
	APISecret        string   `json:"api_secret"`
	Passphrase       string   `json:"passphrase"`
	IPWhitelist      []string `json:"ip_whitelist"`
	TransactionTypes []string `json:"transaction_types"`
	TradingPairs     []string `json:"trading_pairs"`
	Partition        string   `json:"partition"`
	Leverage         *int     `json:"leverage"`
}

type AccountFilter struct {
	Name      string `form:"name"`
	Exchange  string `form:"exchange"`
	Partition string `form:"partition"`
	Page      int    `form:"page"`
	PageSize  int    `form:"page_size"`
}

type RoleRequest struct {
	Name                    string   `json:"name"`
	Description             string   `json:"description"`
	AllowedPartitions       []string `json:"allowed_partitions"`
	AllowedModules          []string `json:"allowed_modules"`
	AllowedExchanges        []string `json:"allowed_exchanges"`
	AllowedTransactionTypes []string `json:"allowed_transaction_types"`
}

// PermissionToggle flips one value in one of a role's permission sets.
type PermissionToggle struct {
	Set   string `json:"set" binding:"required"`
	Value string `json:"value" binding:"required"`
}

type OperatorRequest struct {
	Account string `json:"account"`
	Role    string `json:"role"`
}

type OperatorFilter struct {
	Account  string `form:"account"`
	Role     string `form:"role"`
	Status   string `form:"status"`
	Page     int    `form:"page"`
	PageSize int    `form:"page_size"`
}

type StatusRequest struct {
	Status string `json:"status" binding:"required"`
}

type BatchRequest struct {
	IDs []string `json:"ids" binding:"required"`
}

type Page[T any] struct {
	Items    []T `json:"items"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// Paginate 按 1 起始页码切片, 越界返回空页
func Paginate[T any](items []T, page, pageSize int) Page[T] {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	total := len(items)
	// 先比较页码再相乘, 超大页码不会溢出
	start := total
	if page-1 <= total/pageSize {
		start = (page - 1) * pageSize
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	out := make([]T, end-start)
	copy(out, items[start:end])
	return Page[T]{Items: out, Total: total, Page: page, PageSize: pageSize}
}
