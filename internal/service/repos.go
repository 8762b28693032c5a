package service

import (
	"context"

	"github.com/GoPolymarket/mmengine/internal/model"
)

// Repositories return model.ErrNotFound for missing records. List returns
// records in insertion order. Delete is all-or-nothing.

type StrategyRepo interface {
	Create(ctx context.Context, s *model.Strategy) error
	Update(ctx context.Context, s *model.Strategy) error
	Get(ctx context.Context, id string) (*model.Strategy, error)
	List(ctx context.Context) ([]*model.Strategy, error)
	Delete(ctx context.Context, ids ...string) error
}

type AccountRepo interface {
	Create(ctx context.Context, a *model.Account) error
	Update(ctx context.Context, a *model.Account) error
	Get(ctx context.Context, id string) (*model.Account, error)
	List(ctx context.Context) ([]*model.Account, error)
	Delete(ctx context.Context, ids ...string) error
}

type RoleRepo interface {
	Create(ctx context.Context, r *model.Role) error
	Update(ctx context.Context, r *model.Role) error
	Get(ctx context.Context, id string) (*model.Role, error)
	List(ctx context.Context) ([]*model.Role, error)
	Delete(ctx context.Context, ids ...string) error
}

type OperatorRepo interface {
	Create(ctx context.Context, o *model.Operator) error
	Update(ctx context.Context, o *model.Operator) error
	Get(ctx context.Context, id string) (*model.Operator, error)
	GetByAPIKey(ctx context.Context, apiKey string) (*model.Operator, error)
	List(ctx context.Context) ([]*model.Operator, error)
	Delete(ctx context.Context, ids ...string) error
}
