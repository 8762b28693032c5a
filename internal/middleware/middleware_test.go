package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/GoPolymarket/mmengine/internal/config"
	"github.com/GoPolymarket/mmengine/internal/exchange"
	"github.com/GoPolymarket/mmengine/internal/model"
	"github.com/GoPolymarket/mmengine/internal/pkg/apperrors"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAuth map[string]*model.Role

func (s stubAuth) Authenticate(_ context.Context, key string) (*model.Operator, *model.Role, error) {
	role, ok := s[key]
	if !ok {
		return nil, nil, apperrors.New(apperrors.ErrAuthFailed, "invalid operator key", nil)
	}
	return &model.Operator{ID: "op-" + key, Role: role.Name}, role, nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Auth.AdminKey = "admin-secret"
	return cfg
}

func newEngine(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(ErrorHandler())
	r.Use(handlers...)
	return r
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) apperrors.AppError {
	t.Helper()
	var body apperrors.AppError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func TestAuthMiddleware(t *testing.T) {
	auth := stubAuth{"mk_trader": {Name: "trader", AllowedModules: []string{model.ModuleStrategy}}}
	r := newEngine(AuthMiddleware(testConfig(), auth))
	r.GET("/v1/strategies", RequireModule(model.ModuleStrategy), func(c *gin.Context) {
		c.String(http.StatusOK, PrincipalFrom(c).OperatorID)
	})
	r.GET("/v1/roles", RequireModule(model.ModuleRole), func(c *gin.Context) {
		c.String(http.StatusOK, "roles")
	})

	cases := []struct {
		name   string
		path   string
		header string
		value  string
		status int
		body   string
		code   apperrors.ErrorType
	}{
		{"admin", "/v1/roles", HeaderAdminKey, "admin-secret", http.StatusOK, "roles", ""},
		{"bad admin", "/v1/roles", HeaderAdminKey, "nope", http.StatusUnauthorized, "", apperrors.ErrAuthFailed},
		{"operator", "/v1/strategies", HeaderOperatorKey, "mk_trader", http.StatusOK, "op-mk_trader", ""},
		{"module denied", "/v1/roles", HeaderOperatorKey, "mk_trader", http.StatusForbidden, "", apperrors.ErrForbidden},
		{"unknown key", "/v1/strategies", HeaderOperatorKey, "mk_other", http.StatusUnauthorized, "", apperrors.ErrAuthFailed},
		{"missing key", "/v1/strategies", "", "", http.StatusUnauthorized, "", apperrors.ErrAuthFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.status, w.Code)
			if tc.code != "" {
				assert.Equal(t, tc.code, decodeError(t, w).Type)
				return
			}
			assert.Equal(t, tc.body, w.Body.String())
		})
	}
}

func TestAdminKeyNotConfigured(t *testing.T) {
	r := newEngine(AuthMiddleware(&config.Config{}, stubAuth{}))
	r.GET("/v1/roles", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/v1/roles", nil)
	req.Header.Set(HeaderAdminKey, "anything")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestReadOnlyAllowsStop(t *testing.T) {
	r := newEngine(ReadOnlyMiddleware(true))
	ok := func(c *gin.Context) { c.Status(http.StatusNoContent) }
	r.GET("/v1/strategies", ok)
	r.POST("/v1/strategies/:id/start", ok)
	r.POST("/v1/strategies/:id/stop", ok)
	r.DELETE("/v1/accounts", ok)

	for path, want := range map[string]int{
		"GET /v1/strategies":           http.StatusNoContent,
		"POST /v1/strategies/s1/stop":  http.StatusNoContent,
		"POST /v1/strategies/s1/start": http.StatusForbidden,
		"DELETE /v1/accounts":          http.StatusForbidden,
	} {
		method, target, _ := strings.Cut(path, " ")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(method, target, nil))
		assert.Equal(t, want, w.Code, path)
		if want == http.StatusForbidden {
			assert.Equal(t, apperrors.ErrReadOnly, decodeError(t, w).Type)
		}
	}
}

func TestErrorHandlerMapsErrors(t *testing.T) {
	r := newEngine()
	r.GET("/conflict", func(c *gin.Context) {
		_ = c.Error(apperrors.Conflict("cannot delete running strategies", "s1", "s2"))
	})
	r.GET("/fatal", func(c *gin.Context) {
		_ = c.Error(exchange.Fatal("binance", "place", errors.New("invalid symbol")))
	})
	r.GET("/transient", func(c *gin.Context) {
		_ = c.Error(exchange.Transient("binance", "ping", errors.New("timeout")))
	})
	r.GET("/bind", func(c *gin.Context) {
		_ = c.Error(errors.New("unexpected EOF")).SetType(gin.ErrorTypeBind)
	})
	r.GET("/plain", func(c *gin.Context) {
		_ = c.Error(errors.New("db down"))
	})

	cases := map[string]struct {
		status int
		code   apperrors.ErrorType
	}{
		"/conflict":  {http.StatusConflict, apperrors.ErrConflict},
		"/fatal":     {http.StatusBadGateway, apperrors.ErrExchangeFatal},
		"/transient": {http.StatusServiceUnavailable, apperrors.ErrExchangeTransient},
		"/bind":      {http.StatusBadRequest, apperrors.ErrValidation},
		"/plain":     {http.StatusInternalServerError, apperrors.ErrInternal},
	}
	for path, want := range cases {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, want.status, w.Code, path)
		body := decodeError(t, w)
		assert.Equal(t, want.code, body.Type, path)
		if path == "/conflict" {
			assert.Equal(t, []string{"s1", "s2"}, body.IDs)
			assert.NotEmpty(t, body.Suggestion)
		}
	}
}

func TestIdempotencyReplaysSuccessOnly(t *testing.T) {
	store := NewInMemIdempotencyStore(0)
	calls := 0
	fail := true
	r := newEngine(func(c *gin.Context) {
		c.Set(ContextPrincipalKey, &Principal{OperatorID: "op-1"})
		c.Next()
	}, IdempotencyMiddleware(store))
	r.POST("/v1/strategies/:id/start", func(c *gin.Context) {
		calls++
		if fail {
			_ = c.Error(exchange.Transient("paper", "ping", errors.New("timeout")))
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "calls": calls})
	})

	send := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.Header.Set(HeaderIdempotencyKey, "k1")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := send("/v1/strategies/s1/start")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	fail = false
	first := send("/v1/strategies/s1/start")
	require.Equal(t, http.StatusOK, first.Code)
	replay := send("/v1/strategies/s1/start")
	assert.Equal(t, first.Body.String(), replay.Body.String())
	assert.Equal(t, 2, calls, "failed attempts are not cached, replays do not execute")

	other := send("/v1/strategies/s2/start")
	assert.Equal(t, http.StatusOK, other.Code)
	assert.Equal(t, 3, calls, "same key on another path is a different request")
}

func TestRateLimitPerOperator(t *testing.T) {
	limiter := NewOperatorLimiter(1, 1)
	op := "op-1"
	r := newEngine(func(c *gin.Context) {
		c.Set(ContextPrincipalKey, &Principal{OperatorID: op})
		c.Next()
	}, RateLimitMiddleware(limiter))
	r.GET("/v1/strategies", func(c *gin.Context) { c.Status(http.StatusOK) })

	get := func() int {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/strategies", nil))
		return w.Code
	}
	assert.Equal(t, http.StatusOK, get())
	assert.Equal(t, http.StatusTooManyRequests, get())
	op = "op-2"
	assert.Equal(t, http.StatusOK, get())
}
