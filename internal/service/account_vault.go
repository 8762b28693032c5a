package service

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/GoPolymarket/mmengine/internal/config"
	"github.com/GoPolymarket/mmengine/internal/exchange"
	"github.com/GoPolymarket/mmengine/internal/model"
	"github.com/GoPolymarket/mmengine/internal/pkg/apperrors"
	"github.com/GoPolymarket/mmengine/internal/pkg/logger"
	"github.com/google/uuid"
)

// AccountUsage reports which strategies reference an account and which of
// them currently block it from being disabled or deleted.
type AccountUsage interface {
	ActiveReferencing(ctx context.Context, accountID string) ([]string, error)
	Referencing(ctx context.Context, accountID string) ([]*model.Strategy, error)
}

// AccountVault 管理做市账户凭证, 并把账户解析为带网关的 Handle
type AccountVault struct {
	repo     AccountRepo
	gateways *exchange.Factory

	mu    sync.Mutex
	usage AccountUsage
	stale map[string]bool // 编辑时仍被运行中策略使用, 会话待空闲后重建
	now   func() time.Time
}

func NewAccountVault(repo AccountRepo, gateways *exchange.Factory) *AccountVault {
	return &AccountVault{repo: repo, gateways: gateways, stale: make(map[string]bool), now: time.Now}
}

// SetUsage wires the scheduler in after construction.
func (v *AccountVault) SetUsage(u AccountUsage) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.usage = u
}

func (v *AccountVault) Get(ctx context.Context, id string) (*model.Account, error) {
	acct, err := v.repo.Get(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return nil, apperrors.NotFound("account", id)
	}
	return acct, err
}

func (v *AccountVault) List(ctx context.Context, f model.AccountFilter, role *model.Role) (model.Page[*model.Account], error) {
	all, err := v.repo.List(ctx)
	if err != nil {
		return model.Page[*model.Account]{}, err
	}
	out := make([]*model.Account, 0, len(all))
	for _, a := range all {
		if role != nil && !role.CanSeeAccount(a) {
			continue
		}
		if f.Name != "" && !strings.Contains(strings.ToLower(a.Name), strings.ToLower(f.Name)) {
			continue
		}
		if f.Exchange != "" && !strings.EqualFold(a.Exchange, f.Exchange) {
			continue
		}
		if f.Partition != "" && a.Partition != f.Partition {
			continue
		}
		out = append(out, a)
	}
	return model.Paginate(out, f.Page, f.PageSize), nil
}

func (v *AccountVault) Create(ctx context.Context, req model.AccountRequest) (*model.Account, error) {
	acct := &model.Account{ID: uuid.NewString(), Status: model.AccountActive}
	if err := applyAccountRequest(acct, req, true); err != nil {
		return nil, err
	}
	acct.UpdatedAt = v.now().UTC()
	if err := v.repo.Create(ctx, acct); err != nil {
		return nil, err
	}
	logger.Info("account created", "account_id", acct.ID, "exchange", acct.Exchange, "api_key", acct.Creds.APIKey)
	return acct, nil
}

// Update replaces the editable fields. Empty credential fields keep the
// stored value since the console only ever sees them masked. An edit that
// would leave a referencing strategy unable to trade on the account is
// rejected. The gateway session of an account in use is rebuilt only once
// its strategies are idle.
func (v *AccountVault) Update(ctx context.Context, id string, req model.AccountRequest) (*model.Account, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	acct, err := v.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := applyAccountRequest(acct, req, false); err != nil {
		return nil, err
	}
	if v.usage != nil {
		refs, err := v.usage.Referencing(ctx, id)
		if err != nil {
			return nil, err
		}
		var broken []string
		for _, s := range refs {
			if checkAccountRef("account", acct, s) != nil {
				broken = append(broken, s.ID)
			}
		}
		if len(broken) > 0 {
			return nil, apperrors.Conflict("account edit would break strategies that use it", broken...)
		}
	}
	acct.UpdatedAt = v.now().UTC()
	if err := v.repo.Update(ctx, acct); err != nil {
		return nil, err
	}

	blocking, err := v.blocking(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(blocking) > 0 {
		v.stale[id] = true
		logger.Info("account session kept until strategies stop", "account_id", id, "strategies", blocking)
	} else {
		delete(v.stale, id)
		v.gateways.Invalidate(id)
	}
	return acct, nil
}

// ReleaseIdle rebuilds the gateway session of an account edited while in
// use, once nothing running references it any more.
func (v *AccountVault) ReleaseIdle(ctx context.Context, accountID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.stale[accountID] {
		return
	}
	blocking, err := v.blocking(ctx, accountID)
	if err != nil || len(blocking) > 0 {
		return
	}
	delete(v.stale, accountID)
	v.gateways.Invalidate(accountID)
}

func (v *AccountVault) SetStatus(ctx context.Context, id string, status model.AccountStatus) (*model.Account, error) {
	if status != model.AccountActive && status != model.AccountDisabled {
		return nil, apperrors.Validation("status", "status must be active or disabled")
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	acct, err := v.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if status == model.AccountDisabled {
		blocking, err := v.blocking(ctx, id)
		if err != nil {
			return nil, err
		}
		if len(blocking) > 0 {
			return nil, apperrors.Conflict("account is used by running strategies", blocking...)
		}
	}
	acct.Status = status
	acct.UpdatedAt = v.now().UTC()
	if err := v.repo.Update(ctx, acct); err != nil {
		return nil, err
	}
	if status == model.AccountDisabled {
		delete(v.stale, id)
		v.gateways.Invalidate(id)
	}
	return acct, nil
}

// Delete removes every listed account or none of them.
func (v *AccountVault) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return apperrors.Validation("ids", "ids must not be empty")
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	var offending []string
	for _, id := range ids {
		if _, err := v.Get(ctx, id); err != nil {
			return err
		}
		blocking, err := v.blocking(ctx, id)
		if err != nil {
			return err
		}
		if len(blocking) > 0 {
			offending = append(offending, id)
		}
	}
	if len(offending) > 0 {
		return apperrors.Conflict("accounts are used by active strategies", offending...)
	}
	if err := v.repo.Delete(ctx, ids...); err != nil {
		return err
	}
	for _, id := range ids {
		delete(v.stale, id)
		v.gateways.Forget(id)
	}
	logger.Info("accounts deleted", "ids", ids)
	return nil
}

func (v *AccountVault) blocking(ctx context.Context, id string) ([]string, error) {
	if v.usage == nil {
		return nil, nil
	}
	return v.usage.ActiveReferencing(ctx, id)
}

// Resolve returns the account with a rate-limited gateway session. It runs
// under the vault lock so a concurrent disable either lands first or sees the
// caller's strategy as starting.
func (v *AccountVault) Resolve(ctx context.Context, id string) (*exchange.Handle, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	acct, err := v.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if acct.Disabled() {
		return nil, apperrors.DisabledAccount(id)
	}
	gw, err := v.gateways.ForAccount(acct)
	if err != nil {
		return nil, apperrors.Wrap(err)
	}
	return &exchange.Handle{Account: acct, Gateway: gw}, nil
}

// Seed inserts configured accounts that do not exist yet.
func (v *AccountVault) Seed(ctx context.Context, seeds []config.AccountSeed) error {
	for _, s := range seeds {
		if _, err := v.repo.Get(ctx, s.ID); err == nil {
			continue
		} else if !errors.Is(err, model.ErrNotFound) {
			return err
		}
		req := model.AccountRequest{
			UID:              s.UID,
			Name:             s.Name,
			Exchange:         s.Exchange,
			APIKey:           s.APIKey,
			APISecret:        s.APISecret,
			Passphrase:       s.Passphrase,
			IPWhitelist:      s.IPWhitelist,
			TransactionTypes: s.TransactionTypes,
			TradingPairs:     s.TradingPairs,
			Partition:        s.Partition,
		}
		if s.Leverage > 0 {
			lev := s.Leverage
			req.Leverage = &lev
		}
		acct := &model.Account{ID: s.ID, Status: model.AccountActive}
		if acct.ID == "" {
			acct.ID = uuid.NewString()
		}
		if err := applyAccountRequest(acct, req, true); err != nil {
			return err
		}
		acct.UpdatedAt = v.now().UTC()
		if err := v.repo.Create(ctx, acct); err != nil {
			return err
		}
	}
	return nil
}

func applyAccountRequest(acct *model.Account, req model.AccountRequest, create bool) error {
	name := strings.TrimSpace(req.Name)
	exch := strings.TrimSpace(req.Exchange)
	switch {
	case name == "":
		return apperrors.Validation("name", "name is required")
	case exch == "":
		return apperrors.Validation("exchange", "exchange is required")
	case create && strings.TrimSpace(req.APIKey) == "":
		return apperrors.Validation("api_key", "api_key is required")
	case create && strings.TrimSpace(req.APISecret) == "":
		return apperrors.Validation("api_secret", "api_secret is required")
	case len(req.TransactionTypes) == 0:
		return apperrors.Validation("transaction_types", "at least one transaction type is required")
	}

	types := dedupe(req.TransactionTypes)
	contract := slices.Contains(types, model.TransactionTypeContract)
	if req.Leverage != nil && !contract {
		return apperrors.Validation("leverage", "leverage is only allowed for contract trading")
	}
	if contract {
		if req.Leverage == nil {
			return apperrors.Validation("leverage", "leverage is required for contract trading")
		}
		if *req.Leverage < 1 || *req.Leverage > maxLeverage {
			return apperrors.Validation("leverage", "leverage must be within [1, %d]", maxLeverage)
		}
	}

	acct.UID = strings.TrimSpace(req.UID)
	acct.Name = name
	acct.Exchange = exch
	if k := strings.TrimSpace(req.APIKey); k != "" {
		acct.Creds.APIKey = model.Secret(k)
	}
	if s := strings.TrimSpace(req.APISecret); s != "" {
		acct.Creds.APISecret = model.Secret(s)
	}
	if p := strings.TrimSpace(req.Passphrase); p != "" || create {
		acct.Creds.Passphrase = model.Secret(p)
	}
	acct.IPWhitelist = dedupe(req.IPWhitelist)
	acct.TransactionTypes = types
	pairs := make([]string, 0, len(req.TradingPairs))
	for _, p := range req.TradingPairs {
		pairs = append(pairs, strings.ToUpper(strings.TrimSpace(p)))
	}
	acct.TradingPairs = dedupe(pairs)
	acct.Partition = strings.TrimSpace(req.Partition)
	acct.Leverage = nil
	if contract {
		lev := *req.Leverage
		acct.Leverage = &lev
	}
	return nil
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || slices.Contains(out, v) {
			continue
		}
		out = append(out, v)
	}
	return out
}
