package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/GoPolymarket/mmengine/internal/model"
	"gorm.io/gorm"
)

// pgTable maps a domain type T onto a gorm row R. Rows keep a few indexed
// columns plus the full record as JSONB.
type pgTable[T any, R any] struct {
	db     *gorm.DB
	encode func(T) (*R, error)
	decode func(*R) (T, error)
}

func (t *pgTable[T, R]) Create(ctx context.Context, v T) error {
	row, err := t.encode(v)
	if err != nil {
		return err
	}
	return t.db.WithContext(ctx).Create(row).Error
}

func (t *pgTable[T, R]) Update(ctx context.Context, v T) error {
	row, err := t.encode(v)
	if err != nil {
		return err
	}
	res := t.db.WithContext(ctx).Model(row).Select("*").Omit("created_at").Updates(row)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (t *pgTable[T, R]) Get(ctx context.Context, id string) (T, error) {
	return t.first(ctx, "id = ?", id)
}

func (t *pgTable[T, R]) first(ctx context.Context, query string, args ...any) (T, error) {
	var zero T
	var row R
	err := t.db.WithContext(ctx).Where(query, args...).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return zero, model.ErrNotFound
	}
	if err != nil {
		return zero, err
	}
	return t.decode(&row)
}

func (t *pgTable[T, R]) List(ctx context.Context) ([]T, error) {
	var rows []R
	if err := t.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]T, 0, len(rows))
	for i := range rows {
		v, err := t.decode(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Delete removes all ids in one transaction, rolling back if any is missing.
func (t *pgTable[T, R]) Delete(ctx context.Context, ids ...string) error {
	uniq := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			uniq = append(uniq, id)
		}
	}
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id IN ?", uniq).Delete(new(R))
		if res.Error != nil {
			return res.Error
		}
		if int(res.RowsAffected) != len(uniq) {
			return model.ErrNotFound
		}
		return nil
	})
}

type strategyRow struct {
	ID        string    `gorm:"column:id;primaryKey"`
	TaskID    string    `gorm:"column:task_id;index"`
	Kind      string    `gorm:"column:kind"`
	Exchange  string    `gorm:"column:exchange"`
	Pair      string    `gorm:"column:pair"`
	Status    string    `gorm:"column:status"`
	Payload   []byte    `gorm:"column:payload;type:jsonb"`
	CreatedAt time.Time `gorm:"column:created_at;index"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (strategyRow) TableName() string { return "strategies" }

type PostgresStrategyRepo struct {
	*pgTable[*model.Strategy, strategyRow]
}

func NewPostgresStrategyRepo(db *gorm.DB) *PostgresStrategyRepo {
	return &PostgresStrategyRepo{&pgTable[*model.Strategy, strategyRow]{
		db: db,
		encode: func(s *model.Strategy) (*strategyRow, error) {
			payload, err := json.Marshal(s)
			if err != nil {
				return nil, err
			}
			return &strategyRow{
				ID:        s.ID,
				TaskID:    s.TaskID,
				Kind:      string(s.Kind),
				Exchange:  s.Exchange,
				Pair:      s.Pair,
				Status:    string(s.Status),
				Payload:   payload,
				CreatedAt: s.CreatedAt,
				UpdatedAt: s.UpdatedAt,
			}, nil
		},
		decode: func(r *strategyRow) (*model.Strategy, error) {
			var s model.Strategy
			if err := json.Unmarshal(r.Payload, &s); err != nil {
				return nil, err
			}
			return &s, nil
		},
	}}
}

// accountRow 凭证单独存列, payload 中的 JSON 是脱敏后的
type accountRow struct {
	ID         string    `gorm:"column:id;primaryKey"`
	Name       string    `gorm:"column:name"`
	Exchange   string    `gorm:"column:exchange"`
	Partition  string    `gorm:"column:partition"`
	Status     string    `gorm:"column:status"`
	APIKey     string    `gorm:"column:api_key"`
	APISecret  string    `gorm:"column:api_secret"`
	Passphrase string    `gorm:"column:passphrase"`
	Payload    []byte    `gorm:"column:payload;type:jsonb"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at"`
}

func (accountRow) TableName() string { return "accounts" }

type PostgresAccountRepo struct {
	*pgTable[*model.Account, accountRow]
}

func NewPostgresAccountRepo(db *gorm.DB) *PostgresAccountRepo {
	return &PostgresAccountRepo{&pgTable[*model.Account, accountRow]{
		db: db,
		encode: func(a *model.Account) (*accountRow, error) {
			payload, err := json.Marshal(a)
			if err != nil {
				return nil, err
			}
			return &accountRow{
				ID:         a.ID,
				Name:       a.Name,
				Exchange:   a.Exchange,
				Partition:  a.Partition,
				Status:     string(a.Status),
				APIKey:     a.Creds.APIKey.Reveal(),
				APISecret:  a.Creds.APISecret.Reveal(),
				Passphrase: a.Creds.Passphrase.Reveal(),
				Payload:    payload,
				UpdatedAt:  a.UpdatedAt,
			}, nil
		},
		decode: func(r *accountRow) (*model.Account, error) {
			var a model.Account
			if err := json.Unmarshal(r.Payload, &a); err != nil {
				return nil, err
			}
			a.Creds = model.Credentials{
				APIKey:     model.Secret(r.APIKey),
				APISecret:  model.Secret(r.APISecret),
				Passphrase: model.Secret(r.Passphrase),
			}
			return &a, nil
		},
	}}
}

type roleRow struct {
	ID        string    `gorm:"column:id;primaryKey"`
	Name      string    `gorm:"column:name;uniqueIndex"`
	Payload   []byte    `gorm:"column:payload;type:jsonb"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (roleRow) TableName() string { return "roles" }

type PostgresRoleRepo struct {
	*pgTable[*model.Role, roleRow]
}

func NewPostgresRoleRepo(db *gorm.DB) *PostgresRoleRepo {
	return &PostgresRoleRepo{&pgTable[*model.Role, roleRow]{
		db: db,
		encode: func(r *model.Role) (*roleRow, error) {
			payload, err := json.Marshal(r)
			if err != nil {
				return nil, err
			}
			return &roleRow{ID: r.ID, Name: r.Name, Payload: payload}, nil
		},
		decode: func(row *roleRow) (*model.Role, error) {
			var r model.Role
			if err := json.Unmarshal(row.Payload, &r); err != nil {
				return nil, err
			}
			return &r, nil
		},
	}}
}

type operatorRow struct {
	ID        string     `gorm:"column:id;primaryKey"`
	Account   string     `gorm:"column:account;uniqueIndex"`
	APIKey    string     `gorm:"column:api_key;uniqueIndex"`
	Role      string     `gorm:"column:role"`
	Status    string     `gorm:"column:status"`
	LoginAt   *time.Time `gorm:"column:login_at"`
	CreatedAt time.Time  `gorm:"column:created_at"`
}

func (operatorRow) TableName() string { return "operators" }

type PostgresOperatorRepo struct {
	*pgTable[*model.Operator, operatorRow]
}

func NewPostgresOperatorRepo(db *gorm.DB) *PostgresOperatorRepo {
	return &PostgresOperatorRepo{&pgTable[*model.Operator, operatorRow]{
		db: db,
		encode: func(o *model.Operator) (*operatorRow, error) {
			return &operatorRow{
				ID:        o.ID,
				Account:   o.Account,
				APIKey:    o.APIKey.Reveal(),
				Role:      o.Role,
				Status:    string(o.Status),
				LoginAt:   o.LoginAt,
				CreatedAt: o.CreatedAt,
			}, nil
		},
		decode: func(r *operatorRow) (*model.Operator, error) {
			return &model.Operator{
				ID:        r.ID,
				Account:   r.Account,
				APIKey:    model.Secret(r.APIKey),
				Role:      r.Role,
				Status:    model.OperatorStatus(r.Status),
				LoginAt:   r.LoginAt,
				CreatedAt: r.CreatedAt,
			}, nil
		},
	}}
}

func (r *PostgresOperatorRepo) GetByAPIKey(ctx context.Context, apiKey string) (*model.Operator, error) {
	if apiKey == "" {
		return nil, model.ErrNotFound
	}
	return r.first(ctx, "api_key = ?", apiKey)
}
