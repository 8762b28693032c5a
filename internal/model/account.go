package model

import (
	"encoding/json"
	"log/slog"
	"slices"
	"strings"
	"time"
)

type AccountStatus string

const (
	AccountActive   AccountStatus = "active"
	AccountDisabled AccountStatus = "disabled"
)

// TransactionTypeContract 合约类交易需要配置杠杆
const TransactionTypeContract = "Contract"

// Secret 保存交易所凭证的明文, 但在日志和 JSON 输出中始终脱敏
type Secret string

func (s Secret) Reveal() string {
	return string(s)
}

func (s Secret) String() string {
	return MaskSecret(string(s))
}

func (s Secret) LogValue() slog.Value {
	return slog.StringValue(s.String())
}

func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// MaskSecret keeps the first and last four characters of long values.
func MaskSecret(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if len(value) <= 8 {
		return "****"
	}
	return value[:4] + "..." + value[len(value)-4:]
}

type Credentials struct {
	APIKey     Secret `json:"api_key"`
	APISecret  Secret `json:"api_secret"`
	Passphrase Secret `json:"passphrase,omitempty"`
}

// Account 代表一个做市账户 (交易所 API 凭证 + 权限范围)
type Account struct {
	ID               string        `json:"id"`
	UID              string        `json:"uid"`
	Name             string        `json:"name"`
	Exchange         string        `json:"exchange"`
	Creds            Credentials   `json:"creds"`
	IPWhitelist      []string      `json:"ip_whitelist"`
	TransactionTypes []string      `json:"transaction_types"`
	TradingPairs     []string      `json:"trading_pairs"`
	Partition        string        `json:"partition"`
	Leverage         *int          `json:"leverage,omitempty"`
	Status           AccountStatus `json:"status"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

func (a *Account) Permits(transactionType string) bool {
	return slices.Contains(a.TransactionTypes, transactionType)
}

// TradesPair reports whether the account may quote pair. An empty
// trading_pairs list allows every pair.
func (a *Account) TradesPair(pair string) bool {
	if len(a.TradingPairs) == 0 {
		return true
	}
	pair = strings.ToUpper(strings.TrimSpace(pair))
	for _, p := range a.TradingPairs {
		if strings.ToUpper(strings.TrimSpace(p)) == pair {
			return true
		}
	}
	return false
}

func (a *Account) AllowsContract() bool {
	return a.Permits(TransactionTypeContract)
}

func (a *Account) Disabled() bool {
	return a.Status == AccountDisabled
}

// Clone returns a deep copy so callers can't mutate stored state.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	cp := *a
	cp.IPWhitelist = slices.Clone(a.IPWhitelist)
	cp.TransactionTypes = slices.Clone(a.TransactionTypes)
	cp.TradingPairs = slices.Clone(a.TradingPairs)
	if a.Leverage != nil {
		lev := *a.Leverage
		cp.Leverage = &lev
	}
	return &cp
}

type Role struct {
	ID                      string   `json:"id"`
	Name                    string   `json:"name"`
	Description             string   `json:"description,omitempty"`
	AllowedPartitions       []string `json:"allowed_partitions"`
	AllowedModules          []string `json:"allowed_modules"`
	AllowedExchanges        []string `json:"allowed_exchanges"`
	AllowedTransactionTypes []string `json:"allowed_transaction_types"`
}

// Permission sets that can be toggled on a role.
const (
	PermPartitions       = "partitions"
	PermModules          = "modules"
	PermExchanges        = "exchanges"
	PermTransactionTypes = "transaction_types"
)

// Console modules guarded by RBAC.
const (
	ModuleStrategy = "strategy"
	ModuleAccount  = "account"
	ModuleRole     = "role"
	ModuleOperator = "operator"
	ModuleAudit    = "audit"
)

func (r *Role) HasModule(module string) bool {
	return slices.Contains(r.AllowedModules, module)
}

// CanSeeAccount 账户可见性: 分区与交易所都在角色允许范围内
func (r *Role) CanSeeAccount(a *Account) bool {
	return slices.Contains(r.AllowedPartitions, a.Partition) &&
		slices.Contains(r.AllowedExchanges, a.Exchange)
}

func (r *Role) CanSeeStrategy(s *Strategy) bool {
	return slices.Contains(r.AllowedExchanges, s.Exchange) &&
		slices.Contains(r.AllowedTransactionTypes, s.TransactionType)
}

func (r *Role) Clone() *Role {
	if r == nil {
		return nil
	}
	cp := *r
	cp.AllowedPartitions = slices.Clone(r.AllowedPartitions)
	cp.AllowedModules = slices.Clone(r.AllowedModules)
	cp.AllowedExchanges = slices.Clone(r.AllowedExchanges)
	cp.AllowedTransactionTypes = slices.Clone(r.AllowedTransactionTypes)
	return &cp
}

type OperatorStatus string

const (
	OperatorNormal    OperatorStatus = "normal"
	OperatorForbidden OperatorStatus = "forbidden"
)

// Operator 控制台登录身份, 一个操作员对应一个角色
type Operator struct {
	ID        string         `json:"id"`
	Account   string         `json:"account"`
	APIKey    Secret         `json:"api_key"`
	Role      string         `json:"role"`
	Status    OperatorStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	LoginAt   *time.Time     `json:"login_at,omitempty"`
}

func (o *Operator) Clone() *Operator {
	if o == nil {
		return nil
	}
	cp := *o
	if o.LoginAt != nil {
		t := *o.LoginAt
		cp.LoginAt = &t
	}
	return &cp
}
