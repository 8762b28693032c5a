package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/GoPolymarket/mmengine/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type auditRow struct {
	ID           string    `gorm:"column:id;primaryKey"`
	OperatorID   string    `gorm:"column:operator_id;index:idx_audit_logs_operator,priority:1"`
	Method       string    `gorm:"column:method"`
	Path         string    `gorm:"column:path"`
	IP           string    `gorm:"column:ip"`
	UserAgent    string    `gorm:"column:user_agent"`
	RequestBody  string    `gorm:"column:request_body"`
	StatusCode   int       `gorm:"column:status_code"`
	ResponseBody string    `gorm:"column:response_body"`
	LatencyMs    int64     `gorm:"column:latency_ms"`
	Context      []byte    `gorm:"column:context;type:jsonb"`
	CreatedAt    time.Time `gorm:"column:created_at;index:idx_audit_logs_operator,priority:2,sort:desc"`
}

func (auditRow) TableName() string { return "audit_logs" }

type PostgresAuditRepo struct {
	db *gorm.DB
}

func NewPostgresAuditRepo(db *gorm.DB) *PostgresAuditRepo {
	return &PostgresAuditRepo{db: db}
}

func (r *PostgresAuditRepo) Insert(ctx context.Context, entry *model.AuditLog) error {
	if entry == nil {
		return nil
	}
	contextJSON, _ := json.Marshal(entry.Context)
	row := auditRow{
		ID:           entry.ID,
		OperatorID:   entry.OperatorID,
		Method:       entry.Method,
		Path:         entry.Path,
		IP:           entry.IP,
		UserAgent:    entry.UserAgent,
		RequestBody:  entry.RequestBody,
		StatusCode:   entry.StatusCode,
		ResponseBody: entry.ResponseBody,
		LatencyMs:    entry.LatencyMs,
		Context:      contextJSON,
		CreatedAt:    entry.CreatedAt,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

func (r *PostgresAuditRepo) List(ctx context.Context, f model.AuditFilter) ([]*model.AuditLog, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	q := r.db.WithContext(ctx).Model(&auditRow{})
	if f.OperatorID != "" {
		q = q.Where("operator_id = ?", f.OperatorID)
	}
	if f.From != nil {
		q = q.Where("created_at >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("created_at <= ?", *f.To)
	}

	var rows []auditRow
	if err := q.Order("created_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	records := make([]*model.AuditLog, 0, len(rows))
	for _, row := range rows {
		entry := &model.AuditLog{
			ID:           row.ID,
			OperatorID:   row.OperatorID,
			Method:       row.Method,
			Path:         row.Path,
			IP:           row.IP,
			UserAgent:    row.UserAgent,
			RequestBody:  row.RequestBody,
			StatusCode:   row.StatusCode,
			ResponseBody: row.ResponseBody,
			LatencyMs:    row.LatencyMs,
			CreatedAt:    row.CreatedAt,
		}
		if len(row.Context) > 0 {
			_ = json.Unmarshal(row.Context, &entry.Context)
		} else {
			entry.Context = map[string]interface{}{}
		}
		records = append(records, entry)
	}
	return records, nil
}

func (r *PostgresAuditRepo) Cleanup(ctx context.Context, olderThan time.Duration) error {
	if olderThan <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	return r.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&auditRow{}).Error
}
