package model

import (
	"time"
)

// AuditLog 代表一次完整的操作审计记录
type AuditLog struct {
	ID         string `json:"id"`          // 唯一请求 ID (UUID)
	OperatorID string `json:"operator_id"` // 操作员 ID, admin key 请求为 "admin"
	Method     string `json:"method"`
	Path       string `json:"path"`
	IP         string `json:"ip"`
	UserAgent  string `json:"user_agent"`

	RequestBody  string `json:"request_body"` // 脱敏后
	StatusCode   int    `json:"status_code"`
	ResponseBody string `json:"response_body"`
	LatencyMs    int64  `json:"latency_ms"`

	// 业务上下文, 例如启停的策略 ID
	Context map[string]interface{} `json:"context"`

	CreatedAt time.Time `json:"created_at"`
}

type AuditFilter struct {
	OperatorID string     `form:"operator_id"`
	Limit      int        `form:"limit"`
	From       *time.Time `form:"from" time_format:"2006-01-02T15:04:05Z07:00"`
	To         *time.Time `form:"to" time_format:"2006-01-02T15:04:05Z07:00"`
}

// StrategyEvent is pushed to /v1/events subscribers on every lifecycle change.
type StrategyEvent struct {
	StrategyID string         `json:"strategy_id"`
	Status     StrategyStatus `json:"status"`
	Lifecycle  string         `json:"lifecycle"`
	LastError  string         `json:"last_error,omitempty"`
	At         time.Time      `json:"at"`
}
