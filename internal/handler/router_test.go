package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/GoPolymarket/mmengine/internal/config"
	"github.com/GoPolymarket/mmengine/internal/exchange"
	"github.com/GoPolymarket/mmengine/internal/market"
	"github.com/GoPolymarket/mmengine/internal/middleware"
	"github.com/GoPolymarket/mmengine/internal/model"
	"github.com/GoPolymarket/mmengine/internal/repository"
	"github.com/GoPolymarket/mmengine/internal/runner"
	"github.com/GoPolymarket/mmengine/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adminKey = "admin-test-key"

type testAPI struct {
	router *gin.Engine
	svc    Services
	paper  *exchange.PaperExchange
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{}
	cfg.Auth.AdminKey = adminKey
	cfg.Auth.OperatorQPS = 1000
	cfg.Auth.OperatorBurst = 1000

	paper := exchange.NewPaperExchange(exchange.PaperOptions{Seed: 3})
	factory := exchange.NewFactory(exchange.ModePaper, paper, 0, 0)
	vault := service.NewAccountVault(repository.NewMemoryAccountRepo(), factory)
	registry := service.NewStrategyRegistry(repository.NewMemoryStrategyRepo(), vault)
	roles := service.NewRoleService(repository.NewMemoryRoleRepo())
	operators := service.NewOperatorService(repository.NewMemoryOperatorRepo(), roles)
	audit, err := service.NewAuditService("", 100, nil)
	require.NoError(t, err)
	events := service.NewEventHub()
	cache := market.NewCache(paper)
	sched := service.NewScheduler(registry, vault, cache, service.SchedulerOptions{
		StartTimeout: 2 * time.Second,
		StopTimeout:  2 * time.Second,
		Runner: runner.Settings{
			MaxFailures:      3,
			QuoteSpread:      0.002,
			RepriceTolerance: 0.001,
			PricePrecision:   4,
			QtyPrecision:     2,
			CleanupTimeout:   time.Second,
			IntervalUnit:     time.Millisecond,
		},
		Store:  runner.NewMemoryStateStore(),
		Events: events,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = sched.Shutdown(ctx)
		audit.Close()
	})

	svc := Services{
		Registry:  registry,
		Scheduler: sched,
		Vault:     vault,
		Cache:     cache,
		Roles:     roles,
		Operators: operators,
		Audit:     audit,
		Events:    events,
	}
	return &testAPI{router: NewRouter(cfg, svc), svc: svc, paper: paper}
}

// do sends body as JSON; key is the admin key when it equals adminKey,
// otherwise an operator key.
func (a *testAPI) do(t *testing.T, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if key == adminKey {
		req.Header.Set(middleware.HeaderAdminKey, key)
	} else if key != "" {
		req.Header.Set(middleware.HeaderOperatorKey, key)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func accountBody(name, partition string) gin.H {
	return gin.H{
		"name":              name,
		"exchange":          "paper",
		"api_key":           "AKIA-" + name + "-0000-1111",
		"api_secret":        "secret-" + name + "-2222-3333",
		"transaction_types": []string{"Spot"},
		"partition":         partition,
	}
}

func strategyBody(a1, a2 string) gin.H {
	return gin.H{
		"kind":               "random",
		"exchange":           "paper",
		"pair":               "BTC/USDT",
		"transaction_type":   "Spot",
		"account1_id":        a1,
		"account2_id":        a2,
		"min_qty_list":       "1",
		"max_qty_list":       "2",
		"min_order_interval": 1,
		"max_order_interval": 2,
		"min_maker_price":    "100",
		"max_maker_price":    "105",
		"volatility":         0.01,
	}
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t)
	w := api.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "mmengine", body["service"])
}

func TestAccountCredentialsAreMasked(t *testing.T) {
	api := newTestAPI(t)
	w := api.do(t, http.MethodPost, "/v1/accounts", adminKey, accountBody("maker", "A"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "secret-maker-2222-3333")
	assert.NotContains(t, w.Body.String(), "AKIA-maker-0000-1111")

	acct := decode[model.Account](t, w)
	stored, err := api.svc.Vault.Get(context.Background(), acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "secret-maker-2222-3333", stored.Creds.APISecret.Reveal())

	// masked values sent back on update keep the stored secret
	update := accountBody("maker", "A")
	update["api_key"] = ""
	update["api_secret"] = ""
	w = api.do(t, http.MethodPut, "/v1/accounts/"+acct.ID, adminKey, update)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	stored, err = api.svc.Vault.Get(context.Background(), acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "secret-maker-2222-3333", stored.Creds.APISecret.Reveal())
}

func TestValidationErrorNamesField(t *testing.T) {
	api := newTestAPI(t)
	body := accountBody("maker", "A")
	delete(body, "api_secret")
	w := api.do(t, http.MethodPost, "/v1/accounts", adminKey, body)
	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decode[map[string]any](t, w)
	assert.Equal(t, "VALIDATION_ERROR", resp["code"])
	assert.Equal(t, "api_secret", resp["field"])
}

func TestOperatorScopedByRole(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodPost, "/v1/roles", adminKey, gin.H{
		"name":                      "desk-a",
		"allowed_partitions":        []string{"A"},
		"allowed_modules":           []string{model.ModuleAccount, model.ModuleStrategy},
		"allowed_exchanges":         []string{"paper"},
		"allowed_transaction_types": []string{"Spot"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = api.do(t, http.MethodPost, "/v1/operators", adminKey, gin.H{"account": "alice", "role": "desk-a"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[struct {
		APIKey string `json:"api_key"`
	}](t, w)
	require.NotEmpty(t, created.APIKey)
	opKey := created.APIKey

	w = api.do(t, http.MethodPost, "/v1/accounts", adminKey, accountBody("in-scope", "A"))
	require.Equal(t, http.StatusCreated, w.Code)
	inScope := decode[model.Account](t, w)
	w = api.do(t, http.MethodPost, "/v1/accounts", adminKey, accountBody("out-of-scope", "B"))
	require.Equal(t, http.StatusCreated, w.Code)
	outOfScope := decode[model.Account](t, w)

	w = api.do(t, http.MethodGet, "/v1/accounts", opKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[model.Page[model.Account]](t, w)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, inScope.ID, page.Items[0].ID)

	w = api.do(t, http.MethodGet, "/v1/accounts/"+outOfScope.ID, opKey, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = api.do(t, http.MethodPost, "/v1/accounts", opKey, accountBody("sneaky", "B"))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = api.do(t, http.MethodGet, "/v1/roles", opKey, nil)
	assert.Equal(t, http.StatusForbidden, w.Code, "role module not granted")

	w = api.do(t, http.MethodGet, "/v1/accounts", "mk_bogus", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStrategyLifecycleOverHTTP(t *testing.T) {
	api := newTestAPI(t)

	ids := make([]string, 0, 2)
	for _, name := range []string{"bid", "ask"} {
		w := api.do(t, http.MethodPost, "/v1/accounts", adminKey, accountBody(name, "A"))
		require.Equal(t, http.StatusCreated, w.Code)
		ids = append(ids, decode[model.Account](t, w).ID)
	}

	w := api.do(t, http.MethodPost, "/v1/strategies", adminKey, strategyBody(ids[0], ids[1]))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	running := decode[model.Strategy](t, w)
	assert.Equal(t, "1", running.TaskID)
	w = api.do(t, http.MethodPost, "/v1/strategies", adminKey, strategyBody(ids[0], ids[1]))
	require.Equal(t, http.StatusCreated, w.Code)
	idle := decode[model.Strategy](t, w)
	assert.Equal(t, "2", idle.TaskID)

	w = api.do(t, http.MethodPost, "/v1/strategies/"+running.ID+"/start", adminKey, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	state := decode[service.StrategyState](t, w)
	assert.Equal(t, model.StatusRunning, state.Status)

	w = api.do(t, http.MethodPost, "/v1/strategies/"+running.ID+"/start", adminKey, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = api.do(t, http.MethodDelete, "/v1/strategies", adminKey, gin.H{"ids": []string{idle.ID, running.ID}})
	require.Equal(t, http.StatusConflict, w.Code)
	conflict := decode[map[string]any](t, w)
	assert.Equal(t, []any{running.ID}, conflict["ids"])

	w = api.do(t, http.MethodDelete, "/v1/accounts", adminKey, gin.H{"ids": []string{ids[1]}})
	assert.Equal(t, http.StatusConflict, w.Code, "account referenced by a running strategy")

	w = api.do(t, http.MethodPost, "/v1/strategies/"+running.ID+"/stop", adminKey, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Empty(t, api.paper.Orders(ids[0]))
	assert.Empty(t, api.paper.Orders(ids[1]))

	w = api.do(t, http.MethodDelete, "/v1/strategies", adminKey, gin.H{"ids": []string{idle.ID, running.ID}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = api.do(t, http.MethodGet, "/v1/strategies/"+running.ID, adminKey, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuditRecordsMutations(t *testing.T) {
	api := newTestAPI(t)
	w := api.do(t, http.MethodPost, "/v1/accounts", adminKey, accountBody("maker", "A"))
	require.Equal(t, http.StatusCreated, w.Code)
	api.do(t, http.MethodGet, "/v1/accounts", adminKey, nil)

	w = api.do(t, http.MethodGet, "/v1/audit?operator_id=admin", adminKey, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	entries := decode[[]model.AuditLog](t, w)
	require.Len(t, entries, 1, "reads are not audited")
	assert.Equal(t, "/v1/accounts", entries[0].Path)
	assert.Equal(t, http.StatusCreated, entries[0].StatusCode)
	assert.NotContains(t, entries[0].RequestBody, "secret-maker-2222-3333")
}

func (a *testAPI) accounts(t *testing.T, names ...string) []string {
	t.Helper()
	ids := make([]string, 0, len(names))
	for _, name := range names {
		w := a.do(t, http.MethodPost, "/v1/accounts", adminKey, accountBody(name, "A"))
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		ids = append(ids, decode[model.Account](t, w).ID)
	}
	return ids
}

func (a *testAPI) createStrategy(t *testing.T, body gin.H) model.Strategy {
	t.Helper()
	w := a.do(t, http.MethodPost, "/v1/strategies", adminKey, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[model.Strategy](t, w)
}

func TestListStrategiesFilters(t *testing.T) {
	api := newTestAPI(t)
	ids := api.accounts(t, "alice", "bob")

	btc := api.createStrategy(t, strategyBody(ids[0], ids[1]))
	eth := strategyBody(ids[0], ids[1])
	eth["pair"] = "ETH/USDT"
	api.createStrategy(t, eth)

	w := api.do(t, http.MethodGet, "/v1/strategies?kind=random&exchange=paper&pair=btc&type=Spot&account=ali&task_id=1&page=1&page_size=5", adminKey, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	page := decode[model.Page[model.Strategy]](t, w)
	assert.Equal(t, 1, page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, btc.ID, page.Items[0].ID)

	w = api.do(t, http.MethodGet, "/v1/strategies?pair=usdt&page=2&page_size=1", adminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	page = decode[model.Page[model.Strategy]](t, w)
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "ETH/USDT", page.Items[0].Pair)

	w = api.do(t, http.MethodGet, "/v1/strategies?page=922337203685477582&page_size=10", adminKey, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	page = decode[model.Page[model.Strategy]](t, w)
	assert.Empty(t, page.Items)
	assert.Equal(t, 2, page.Total)

	w = api.do(t, http.MethodGet, "/v1/strategies?page=abc", adminKey, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMarketBookFollowsSubscriptions(t *testing.T) {
	api := newTestAPI(t)
	ids := api.accounts(t, "bid", "ask")
	s := api.createStrategy(t, strategyBody(ids[0], ids[1]))

	w := api.do(t, http.MethodGet, "/v1/markets/paper/BTC-USDT/book", adminKey, nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "nobody subscribed yet")

	w = api.do(t, http.MethodPost, "/v1/strategies/"+s.ID+"/start", adminKey, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = api.do(t, http.MethodGet, "/v1/markets/paper/btc_usdt/book", adminKey, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	book := decode[struct {
		Key         market.Key     `json:"key"`
		Bids        []market.Level `json:"bids"`
		Asks        []market.Level `json:"asks"`
		Subscribers int            `json:"subscribers"`
	}](t, w)
	assert.Equal(t, market.NewKey("paper", "BTC/USDT"), book.Key)
	assert.Equal(t, 1, book.Subscribers)
	assert.NotEmpty(t, append(book.Bids, book.Asks...))

	w = api.do(t, http.MethodPost, "/v1/strategies/"+s.ID+"/stop", adminKey, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = api.do(t, http.MethodGet, "/v1/markets/paper/BTC-USDT/book", adminKey, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDashboardSummary(t *testing.T) {
	api := newTestAPI(t)
	ids := api.accounts(t, "bid", "ask", "bid-2", "ask-2")
	running := api.createStrategy(t, strategyBody(ids[0], ids[1]))
	broken := api.createStrategy(t, strategyBody(ids[2], ids[3]))
	api.createStrategy(t, strategyBody(ids[0], ids[1]))

	w := api.do(t, http.MethodPost, "/v1/strategies/"+running.ID+"/start", adminKey, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	api.paper.FailNext(ids[2], exchange.Fatal("paper", "ping", errors.New("invalid api key")))
	w = api.do(t, http.MethodPost, "/v1/strategies/"+broken.ID+"/start", adminKey, nil)
	require.NotEqual(t, http.StatusOK, w.Code)

	w = api.do(t, http.MethodGet, "/v1/dashboard", adminKey, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	d := decode[service.Dashboard](t, w)
	assert.Equal(t, 1, d.Running)
	assert.Equal(t, 1, d.Error)
	assert.Equal(t, 1, d.Stopped)
	require.Len(t, d.RecentErrors, 1)
	assert.Equal(t, broken.ID, d.RecentErrors[0].StrategyID)
	assert.Contains(t, d.RecentErrors[0].LastError, "invalid api key")
}
