package service

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/GoPolymarket/mmengine/internal/model"
	"github.com/GoPolymarket/mmengine/internal/pkg/apperrors"
	"github.com/google/uuid"
)

// Guard serializes config edits against start/stop of the same strategy.
// WithIdle runs fn only while the strategy is stopped or in error.
type Guard interface {
	WithIdle(ctx context.Context, id string, fn func() error) error
}

type AccountLookup interface {
	Get(ctx context.Context, id string) (*model.Account, error)
}

// StrategyRegistry is the authoritative store of strategy configs.
type StrategyRegistry struct {
	repo     StrategyRepo
	accounts AccountLookup

	mu    sync.Mutex // task id allocation
	guard Guard
	now   func() time.Time
}

func NewStrategyRegistry(repo StrategyRepo, accounts AccountLookup) *StrategyRegistry {
	return &StrategyRegistry{repo: repo, accounts: accounts, now: time.Now}
}

func (r *StrategyRegistry) SetGuard(g Guard) {
	r.guard = g
}

func (r *StrategyRegistry) withIdle(ctx context.Context, id string, fn func() error) error {
	if r.guard == nil {
		return fn()
	}
	return r.guard.WithIdle(ctx, id, fn)
}

func (r *StrategyRegistry) Get(ctx context.Context, id string) (*model.Strategy, error) {
	s, err := r.repo.Get(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return nil, apperrors.NotFound("strategy", id)
	}
	return s, err
}

func (r *StrategyRegistry) Create(ctx context.Context, req model.StrategyRequest) (*model.Strategy, error) {
	s, err := BuildStrategy(req)
	if err != nil {
		return nil, err
	}
	if err := r.checkAccounts(ctx, s); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s.TaskID == "" {
		if s.TaskID, err = r.nextTaskID(ctx); err != nil {
			return nil, err
		}
	}
	now := r.now().UTC()
	s.ID = uuid.NewString()
	s.Status = model.StatusStopped
	s.CreatedAt = now
	s.UpdatedAt = now
	if err := r.repo.Create(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Update replaces every editable field of a stopped strategy.
func (r *StrategyRegistry) Update(ctx context.Context, id string, req model.StrategyRequest) (*model.Strategy, error) {
	next, err := BuildStrategy(req)
	if err != nil {
		return nil, err
	}
	var out *model.Strategy
	err = r.withIdle(ctx, id, func() error {
		cur, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := r.checkAccounts(ctx, next); err != nil {
			return err
		}
		next.ID = cur.ID
		if next.TaskID == "" {
			next.TaskID = cur.TaskID
		}
		next.Status = cur.Status
		next.LastError = cur.LastError
		next.CreatedAt = cur.CreatedAt
		next.UpdatedAt = r.now().UTC()
		if err := r.repo.Update(ctx, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

func (r *StrategyRegistry) Delete(ctx context.Context, id string) error {
	return r.withIdle(ctx, id, func() error {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return r.repo.Delete(ctx, id)
	})
}

// remove deletes without consulting the guard. The scheduler calls it while
// holding every id's lock.
func (r *StrategyRegistry) remove(ctx context.Context, ids []string) error {
	return r.repo.Delete(ctx, ids...)
}

func (r *StrategyRegistry) List(ctx context.Context, f model.StrategyFilter, role *model.Role) (model.Page[*model.Strategy], error) {
	all, err := r.repo.List(ctx)
	if err != nil {
		return model.Page[*model.Strategy]{}, err
	}
	names := map[string]string{}
	needle := strings.ToLower(strings.TrimSpace(f.Account))
	if needle != "" {
		for _, s := range all {
			for _, id := range s.AccountIDs() {
				if _, ok := names[id]; ok {
					continue
				}
				if acct, err := r.accounts.Get(ctx, id); err == nil {
					names[id] = strings.ToLower(acct.Name)
				} else {
					names[id] = ""
				}
			}
		}
	}

	out := make([]*model.Strategy, 0, len(all))
	for _, s := range all {
		if role != nil && !role.CanSeeStrategy(s) {
			continue
		}
		if f.Kind != "" && !strings.EqualFold(string(s.Kind), f.Kind) {
			continue
		}
		if f.Exchange != "" && !strings.EqualFold(s.Exchange, f.Exchange) {
			continue
		}
		if f.Pair != "" && !strings.Contains(s.Pair, strings.ToUpper(strings.TrimSpace(f.Pair))) {
			continue
		}
		if f.TransactionType != "" && !strings.EqualFold(s.TransactionType, f.TransactionType) {
			continue
		}
		if f.TaskID != "" && s.TaskID != f.TaskID {
			continue
		}
		if needle != "" {
			hit := false
			for _, id := range s.AccountIDs() {
				if strings.Contains(names[id], needle) {
					hit = true
					break
				}
			}
			if !hit {
				continue
			}
		}
		out = append(out, s)
	}
	return model.Paginate(out, f.Page, f.PageSize), nil
}

// SetStatus records the lifecycle outcome reported by the scheduler.
func (r *StrategyRegistry) SetStatus(ctx context.Context, id string, status model.StrategyStatus, lastError string) error {
	s, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if s.Status == status && s.LastError == lastError {
		return nil
	}
	s.Status = status
	s.LastError = lastError
	s.UpdatedAt = r.now().UTC()
	return r.repo.Update(ctx, s)
}

func (r *StrategyRegistry) ReferencingAccount(ctx context.Context, accountID string) ([]*model.Strategy, error) {
	all, err := r.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []*model.Strategy
	for _, s := range all {
		if s.References(accountID) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *StrategyRegistry) checkAccounts(ctx context.Context, s *model.Strategy) error {
	refs := []struct{ field, id string }{{"account1_id", s.Account1ID}}
	if s.Account2ID != "" {
		refs = append(refs, struct{ field, id string }{"account2_id", s.Account2ID})
	}
	for _, ref := range refs {
		acct, err := r.accounts.Get(ctx, ref.id)
		if apperrors.Is(err, apperrors.ErrNotFound) || errors.Is(err, model.ErrNotFound) {
			return apperrors.Validation(ref.field, "account %s does not exist", ref.id)
		}
		if err != nil {
			return err
		}
		if err := checkAccountRef(ref.field, acct, s); err != nil {
			return err
		}
	}
	return nil
}

// nextTaskID 沿用控制台的数字任务编号
func (r *StrategyRegistry) nextTaskID(ctx context.Context) (string, error) {
	all, err := r.repo.List(ctx)
	if err != nil {
		return "", err
	}
	highest := 0
	for _, s := range all {
		if n, err := strconv.Atoi(s.TaskID); err == nil && n > highest {
			highest = n
		}
	}
	return strconv.Itoa(highest + 1), nil
}
