package service

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/GoPolymarket/mmengine/internal/config"
	"github.com/GoPolymarket/mmengine/internal/model"
	"github.com/GoPolymarket/mmengine/internal/pkg/apperrors"
	"github.com/google/uuid"
)

var knownModules = []string{
	model.ModuleStrategy,
	model.ModuleAccount,
	model.ModuleRole,
	model.ModuleOperator,
	model.ModuleAudit,
}

// RoleService manages roles and their four permission sets.
type RoleService struct {
	repo RoleRepo
}

func NewRoleService(repo RoleRepo) *RoleService {
	return &RoleService{repo: repo}
}

func (s *RoleService) List(ctx context.Context) ([]*model.Role, error) {
	return s.repo.List(ctx)
}

func (s *RoleService) Get(ctx context.Context, id string) (*model.Role, error) {
	r, err := s.repo.Get(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return nil, apperrors.NotFound("role", id)
	}
	return r, err
}

// ByName resolves the role an operator is bound to.
func (s *RoleService) ByName(ctx context.Context, name string) (*model.Role, error) {
	all, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range all {
		if r.Name == name {
			return r, nil
		}
	}
	return nil, apperrors.NotFound("role", name)
}

func (s *RoleService) Create(ctx context.Context, req model.RoleRequest) (*model.Role, error) {
	role := &model.Role{ID: uuid.NewString()}
	if err := s.apply(ctx, role, req); err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, role); err != nil {
		return nil, err
	}
	return role, nil
}

func (s *RoleService) Update(ctx context.Context, id string, req model.RoleRequest) (*model.Role, error) {
	role, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.apply(ctx, role, req); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, role); err != nil {
		return nil, err
	}
	return role, nil
}

func (s *RoleService) apply(ctx context.Context, role *model.Role, req model.RoleRequest) error {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return apperrors.Validation("name", "name is required")
	}
	if existing, err := s.ByName(ctx, name); err == nil && existing.ID != role.ID {
		return apperrors.Validation("name", "role %q already exists", name)
	}
	for _, m := range req.AllowedModules {
		if !slices.Contains(knownModules, m) {
			return apperrors.Validation("allowed_modules", "unknown module %q", m)
		}
	}
	role.Name = name
	role.Description = strings.TrimSpace(req.Description)
	role.AllowedPartitions = dedupe(req.AllowedPartitions)
	role.AllowedModules = dedupe(req.AllowedModules)
	role.AllowedExchanges = dedupe(req.AllowedExchanges)
	role.AllowedTransactionTypes = dedupe(req.AllowedTransactionTypes)
	return nil
}

// TogglePermission 勾选/取消角色某个权限集合中的一项
func (s *RoleService) TogglePermission(ctx context.Context, id string, t model.PermissionToggle) (*model.Role, error) {
	role, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	value := strings.TrimSpace(t.Value)
	if value == "" {
		return nil, apperrors.Validation("value", "value is required")
	}
	var set *[]string
	switch t.Set {
	case model.PermPartitions:
		set = &role.AllowedPartitions
	case model.PermModules:
		if !slices.Contains(knownModules, value) {
			return nil, apperrors.Validation("value", "unknown module %q", value)
		}
		set = &role.AllowedModules
	case model.PermExchanges:
		set = &role.AllowedExchanges
	case model.PermTransactionTypes:
		set = &role.AllowedTransactionTypes
	default:
		return nil, apperrors.Validation("set", "unknown permission set %q", t.Set)
	}
	if i := slices.Index(*set, value); i >= 0 {
		*set = slices.Delete(*set, i, i+1)
	} else {
		*set = append(*set, value)
	}
	if err := s.repo.Update(ctx, role); err != nil {
		return nil, err
	}
	return role, nil
}

func (s *RoleService) Seed(ctx context.Context, seeds []config.RoleSeed) error {
	for _, seed := range seeds {
		if _, err := s.ByName(ctx, seed.Name); err == nil {
			continue
		}
		role := &model.Role{ID: seed.ID}
		if role.ID == "" {
			role.ID = uuid.NewString()
		}
		err := s.apply(ctx, role, model.RoleRequest{
			Name:                    seed.Name,
			Description:             seed.Description,
			AllowedPartitions:       seed.AllowedPartitions,
			AllowedModules:          seed.AllowedModules,
			AllowedExchanges:        seed.AllowedExchanges,
			AllowedTransactionTypes: seed.AllowedTransactionTypes,
		})
		if err != nil {
			return err
		}
		if err := s.repo.Create(ctx, role); err != nil {
			return err
		}
	}
	return nil
}

// OperatorService manages console login identities.
type OperatorService struct {
	repo  OperatorRepo
	roles *RoleService
	now   func() time.Time
}

func NewOperatorService(repo OperatorRepo, roles *RoleService) *OperatorService {
	return &OperatorService{repo: repo, roles: roles, now: time.Now}
}

func (s *OperatorService) Get(ctx context.Context, id string) (*model.Operator, error) {
	o, err := s.repo.Get(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return nil, apperrors.NotFound("operator", id)
	}
	return o, err
}

func (s *OperatorService) List(ctx context.Context, f model.OperatorFilter) (model.Page[*model.Operator], error) {
	all, err := s.repo.List(ctx)
	if err != nil {
		return model.Page[*model.Operator]{}, err
	}
	out := make([]*model.Operator, 0, len(all))
	for _, o := range all {
		if f.Account != "" && !strings.Contains(strings.ToLower(o.Account), strings.ToLower(f.Account)) {
			continue
		}
		if f.Role != "" && o.Role != f.Role {
			continue
		}
		if f.Status != "" && string(o.Status) != f.Status {
			continue
		}
		out = append(out, o)
	}
	return model.Paginate(out, f.Page, f.PageSize), nil
}

// Create returns the operator together with its plaintext api key, which is
// never shown again.
func (s *OperatorService) Create(ctx context.Context, req model.OperatorRequest) (*model.Operator, string, error) {
	key := newOperatorKey()
	op := &model.Operator{
		ID:        uuid.NewString(),
		APIKey:    model.Secret(key),
		Status:    model.OperatorNormal,
		CreatedAt: s.now().UTC(),
	}
	if err := s.apply(ctx, op, req); err != nil {
		return nil, "", err
	}
	if err := s.repo.Create(ctx, op); err != nil {
		return nil, "", err
	}
	return op, key, nil
}

func (s *OperatorService) Update(ctx context.Context, id string, req model.OperatorRequest) (*model.Operator, error) {
	op, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.apply(ctx, op, req); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, op); err != nil {
		return nil, err
	}
	return op, nil
}

func (s *OperatorService) apply(ctx context.Context, op *model.Operator, req model.OperatorRequest) error {
	account := strings.TrimSpace(req.Account)
	role := strings.TrimSpace(req.Role)
	if account == "" {
		return apperrors.Validation("account", "account is required")
	}
	if role == "" {
		return apperrors.Validation("role", "role is required")
	}
	if _, err := s.roles.ByName(ctx, role); err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return apperrors.Validation("role", "role %q does not exist", role)
		}
		return err
	}
	all, err := s.repo.List(ctx)
	if err != nil {
		return err
	}
	for _, o := range all {
		if o.Account == account && o.ID != op.ID {
			return apperrors.Validation("account", "account %q already exists", account)
		}
	}
	op.Account = account
	op.Role = role
	return nil
}

func (s *OperatorService) SetStatus(ctx context.Context, id string, status model.OperatorStatus) (*model.Operator, error) {
	if status != model.OperatorNormal && status != model.OperatorForbidden {
		return nil, apperrors.Validation("status", "status must be normal or forbidden")
	}
	op, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	op.Status = status
	if err := s.repo.Update(ctx, op); err != nil {
		return nil, err
	}
	return op, nil
}

// Delete removes every listed operator or none. Only forbidden operators
// can be deleted.
func (s *OperatorService) Delete(ctx context.Context, ids []string) error {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return apperrors.Validation("ids", "ids must not be empty")
	}
	var normal []string
	for _, id := range ids {
		op, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if op.Status == model.OperatorNormal {
			normal = append(normal, id)
		}
	}
	if len(normal) > 0 {
		return apperrors.Conflict("cannot delete operators in normal status", normal...)
	}
	return s.repo.Delete(ctx, ids...)
}

// Authenticate resolves an api key to an operator and its role.
func (s *OperatorService) Authenticate(ctx context.Context, apiKey string) (*model.Operator, *model.Role, error) {
	op, err := s.repo.GetByAPIKey(ctx, apiKey)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil, apperrors.New(apperrors.ErrAuthFailed, "invalid operator key", nil)
	}
	if err != nil {
		return nil, nil, err
	}
	if op.Status == model.OperatorForbidden {
		return nil, nil, apperrors.New(apperrors.ErrForbidden, "operator is forbidden", nil)
	}
	role, err := s.roles.ByName(ctx, op.Role)
	if err != nil {
		return nil, nil, apperrors.New(apperrors.ErrForbidden, "operator role is missing", err)
	}
	now := s.now().UTC()
	if op.LoginAt == nil || now.Sub(*op.LoginAt) > time.Minute {
		op.LoginAt = &now
		_ = s.repo.Update(ctx, op)
	}
	return op, role, nil
}

func (s *OperatorService) Seed(ctx context.Context, seeds []config.OperatorSeed) error {
	for _, seed := range seeds {
		if _, err := s.repo.GetByAPIKey(ctx, seed.APIKey); err == nil {
			continue
		}
		op := &model.Operator{
			ID:        seed.ID,
			APIKey:    model.Secret(seed.APIKey),
			Status:    model.OperatorNormal,
			CreatedAt: s.now().UTC(),
		}
		if op.ID == "" {
			op.ID = uuid.NewString()
		}
		if seed.APIKey == "" {
			op.APIKey = model.Secret(newOperatorKey())
		}
		if err := s.apply(ctx, op, model.OperatorRequest{Account: seed.Account, Role: seed.Role}); err != nil {
			return err
		}
		if err := s.repo.Create(ctx, op); err != nil {
			return err
		}
	}
	return nil
}

func newOperatorKey() string {
	return "mk_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// VisibleAccounts filters accounts by the role's partitions and exchanges.
// A nil role (admin key) sees everything.
func VisibleAccounts(role *model.Role, accounts []*model.Account) []*model.Account {
	if role == nil {
		return accounts
	}
	out := make([]*model.Account, 0, len(accounts))
	for _, a := range accounts {
		if role.CanSeeAccount(a) {
			out = append(out, a)
		}
	}
	return out
}

func VisibleStrategy(role *model.Role, s *model.Strategy) bool {
	return role == nil || role.CanSeeStrategy(s)
}
