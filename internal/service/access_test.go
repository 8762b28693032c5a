package service_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/GoPolymarket/mmengine/internal/config"
	"github.com/GoPolymarket/mmengine/internal/model"
	"github.com/GoPolymarket/mmengine/internal/pkg/apperrors"
	"github.com/GoPolymarket/mmengine/internal/repository"
	"github.com/GoPolymarket/mmengine/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAccess(t *testing.T) (*service.RoleService, *service.OperatorService) {
	t.Helper()
	roles := service.NewRoleService(repository.NewMemoryRoleRepo())
	err := roles.Seed(context.Background(), []config.RoleSeed{{
		Name:                    "trader",
		AllowedPartitions:       []string{"A"},
		AllowedModules:          []string{model.ModuleStrategy},
		AllowedExchanges:        []string{"binance"},
		AllowedTransactionTypes: []string{"Spot"},
	}})
	require.NoError(t, err)
	return roles, service.NewOperatorService(repository.NewMemoryOperatorRepo(), roles)
}

func TestRoleTogglePermission(t *testing.T) {
	roles, _ := newAccess(t)
	ctx := context.Background()
	role, err := roles.ByName(ctx, "trader")
	require.NoError(t, err)

	role, err = roles.TogglePermission(ctx, role.ID, model.PermissionToggle{Set: model.PermModules, Value: model.ModuleAudit})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{model.ModuleStrategy, model.ModuleAudit}, role.AllowedModules)

	role, err = roles.TogglePermission(ctx, role.ID, model.PermissionToggle{Set: model.PermModules, Value: model.ModuleStrategy})
	require.NoError(t, err)
	assert.Equal(t, []string{model.ModuleAudit}, role.AllowedModules)

	_, err = roles.TogglePermission(ctx, role.ID, model.PermissionToggle{Set: model.PermModules, Value: "orders"})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
	_, err = roles.TogglePermission(ctx, role.ID, model.PermissionToggle{Set: "colors", Value: "red"})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	stored, err := roles.Get(ctx, role.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{model.ModuleAudit}, stored.AllowedModules)
}

func TestRoleNamesAreUnique(t *testing.T) {
	roles, _ := newAccess(t)
	_, err := roles.Create(context.Background(), model.RoleRequest{Name: "trader"})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	// reseeding is idempotent
	require.NoError(t, roles.Seed(context.Background(), []config.RoleSeed{{Name: "trader"}}))
	all, err := roles.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestOperatorAuthenticate(t *testing.T) {
	_, ops := newAccess(t)
	ctx := context.Background()

	op, key, err := ops.Create(ctx, model.OperatorRequest{Account: "alice", Role: "trader"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "mk_"))

	got, role, err := ops.Authenticate(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, op.ID, got.ID)
	assert.Equal(t, "trader", role.Name)
	assert.NotNil(t, got.LoginAt)

	_, _, err = ops.Authenticate(ctx, "mk_unknown")
	assert.True(t, apperrors.Is(err, apperrors.ErrAuthFailed))

	_, err = ops.SetStatus(ctx, op.ID, model.OperatorForbidden)
	require.NoError(t, err)
	_, _, err = ops.Authenticate(ctx, key)
	assert.True(t, apperrors.Is(err, apperrors.ErrForbidden))
}

func TestOperatorCreateValidation(t *testing.T) {
	_, ops := newAccess(t)
	ctx := context.Background()

	_, _, err := ops.Create(ctx, model.OperatorRequest{Account: "bob", Role: "ghost"})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	_, _, err = ops.Create(ctx, model.OperatorRequest{Account: "bob", Role: "trader"})
	require.NoError(t, err)
	_, _, err = ops.Create(ctx, model.OperatorRequest{Account: "bob", Role: "trader"})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

func TestOperatorBatchDeleteRequiresForbidden(t *testing.T) {
	_, ops := newAccess(t)
	ctx := context.Background()

	a, _, err := ops.Create(ctx, model.OperatorRequest{Account: "a", Role: "trader"})
	require.NoError(t, err)
	b, _, err := ops.Create(ctx, model.OperatorRequest{Account: "b", Role: "trader"})
	require.NoError(t, err)
	_, err = ops.SetStatus(ctx, a.ID, model.OperatorForbidden)
	require.NoError(t, err)

	err = ops.Delete(ctx, []string{a.ID, b.ID})
	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperrors.ErrConflict, appErr.Type)
	assert.Equal(t, []string{b.ID}, appErr.IDs)

	_, err = ops.Get(ctx, a.ID)
	require.NoError(t, err, "nothing is deleted when one id conflicts")

	require.NoError(t, ops.Delete(ctx, []string{a.ID}))
	_, err = ops.Get(ctx, a.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestOperatorListFilters(t *testing.T) {
	_, ops := newAccess(t)
	ctx := context.Background()
	for _, name := range []string{"alice", "alan", "bob"} {
		_, _, err := ops.Create(ctx, model.OperatorRequest{Account: name, Role: "trader"})
		require.NoError(t, err)
	}
	page, err := ops.List(ctx, model.OperatorFilter{Account: "AL"})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	page, err = ops.List(ctx, model.OperatorFilter{Page: 2, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "bob", page.Items[0].Account)
}

func TestVisibleAccounts(t *testing.T) {
	role := &model.Role{AllowedPartitions: []string{"A"}, AllowedExchanges: []string{"binance"}}
	accounts := []*model.Account{
		{ID: "1", Partition: "A", Exchange: "binance"},
		{ID: "2", Partition: "B", Exchange: "binance"},
		{ID: "3", Partition: "A", Exchange: "okx"},
	}
	visible := service.VisibleAccounts(role, accounts)
	require.Len(t, visible, 1)
	assert.Equal(t, "1", visible[0].ID)
	assert.Len(t, service.VisibleAccounts(nil, accounts), 3)
}

func TestAuditServiceWritesFileAndBuffer(t *testing.T) {
	dir := t.TempDir()
	svc, err := service.NewAuditService(dir, 2, nil)
	require.NoError(t, err)

	now := time.Now().UTC()
	for i, op := range []string{"admin", "op-1", "op-2"} {
		svc.Log(&model.AuditLog{ID: op, OperatorID: op, Method: "POST", Path: "/v1/strategies", CreatedAt: now.Add(time.Duration(i) * time.Second)})
	}

	recent, err := svc.List(context.Background(), model.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, recent, 2, "buffer keeps the newest entries")
	assert.Equal(t, "op-2", recent[0].OperatorID)
	assert.Equal(t, "op-1", recent[1].OperatorID)

	filtered, err := svc.List(context.Background(), model.AuditFilter{OperatorID: "op-1"})
	require.NoError(t, err)
	require.Len(t, filtered, 1)

	svc.Close()
	files, err := filepath.Glob(filepath.Join(dir, "audit-*.jsonl"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	raw, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(raw), "\n"))
}

func TestEventHubDropsForSlowSubscribers(t *testing.T) {
	hub := service.NewEventHub()
	ch, unsubscribe := hub.Subscribe()
	assert.Equal(t, 1, hub.Subscribers())

	for i := 0; i < 100; i++ {
		hub.Publish(model.StrategyEvent{StrategyID: "s1"})
	}
	assert.Len(t, ch, 64)

	unsubscribe()
	unsubscribe()
	assert.Zero(t, hub.Subscribers())

	var nilHub *service.EventHub
	nilHub.Publish(model.StrategyEvent{})
}
