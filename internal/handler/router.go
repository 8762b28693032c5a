package handler

import (
	"net/http"

	"github.com/GoPolymarket/mmengine/internal/config"
	"github.com/GoPolymarket/mmengine/internal/market"
	"github.com/GoPolymarket/mmengine/internal/middleware"
	"github.com/GoPolymarket/mmengine/internal/model"
	"github.com/GoPolymarket/mmengine/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Services is everything the console API needs.
type Services struct {
	Registry    *service.StrategyRegistry
	Scheduler   *service.Scheduler
	Vault       *service.AccountVault
	Cache       *market.Cache
	Roles       *service.RoleService
	Operators   *service.OperatorService
	Audit       *service.AuditService
	Events      *service.EventHub
	Idempotency middleware.IdempotencyStore
}

func NewRouter(cfg *config.Config, svc Services) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	// Audit 在 ErrorHandler 外层, 才能记录到渲染后的错误状态码
	r.Use(middleware.MetricsMiddleware())
	r.Use(middleware.AuditMiddleware(svc.Audit))
	r.Use(middleware.ErrorHandler())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "mmengine",
			"running": len(svc.Scheduler.Running()),
		})
	})
	if cfg.Metrics.Enabled {
		r.GET(cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	idem := svc.Idempotency
	if idem == nil {
		idem = middleware.NewInMemIdempotencyStore(0)
	}

	v1 := r.Group("/v1")
	v1.Use(middleware.AuthMiddleware(cfg, svc.Operators))
	v1.Use(middleware.RateLimitMiddleware(middleware.NewOperatorLimiter(cfg.Auth.OperatorQPS, cfg.Auth.OperatorBurst)))
	v1.Use(middleware.ReadOnlyMiddleware(cfg.Server.ReadOnly))
	v1.Use(middleware.IdempotencyMiddleware(idem))

	strategies := NewStrategyHandler(svc.Registry, svc.Scheduler)
	st := v1.Group("/strategies", middleware.RequireModule(model.ModuleStrategy))
	{
		st.GET("", strategies.List)
		st.POST("", strategies.Create)
		st.DELETE("", strategies.BatchDelete)
		st.GET("/:id", strategies.Get)
		st.PUT("/:id", strategies.Update)
		st.GET("/:id/status", strategies.Status)
		st.POST("/:id/start", strategies.Start)
		st.POST("/:id/stop", strategies.Stop)
		st.POST("/:id/ack", strategies.Ack)
	}

	accounts := NewAccountHandler(svc.Vault)
	ac := v1.Group("/accounts", middleware.RequireModule(model.ModuleAccount))
	{
		ac.GET("", accounts.List)
		ac.POST("", accounts.Create)
		ac.DELETE("", accounts.BatchDelete)
		ac.GET("/:id", accounts.Get)
		ac.PUT("/:id", accounts.Update)
		ac.POST("/:id/enable", accounts.Enable)
		ac.POST("/:id/disable", accounts.Disable)
	}

	roles := NewRoleHandler(svc.Roles)
	rl := v1.Group("/roles", middleware.RequireModule(model.ModuleRole))
	{
		rl.GET("", roles.List)
		rl.POST("", roles.Create)
		rl.GET("/:id", roles.Get)
		rl.PUT("/:id", roles.Update)
		rl.POST("/:id/permissions", roles.TogglePermission)
	}

	operators := NewOperatorHandler(svc.Operators)
	op := v1.Group("/operators", middleware.RequireModule(model.ModuleOperator))
	{
		op.GET("", operators.List)
		op.POST("", operators.Create)
		op.DELETE("", operators.BatchDelete)
		op.GET("/:id", operators.Get)
		op.PUT("/:id", operators.Update)
		op.POST("/:id/status", operators.SetStatus)
	}

	markets := NewMarketHandler(svc.Cache, svc.Scheduler)
	v1.GET("/markets/:exchange/:pair/book", middleware.RequireModule(model.ModuleStrategy), markets.Book)
	v1.GET("/dashboard", middleware.RequireModule(model.ModuleStrategy), markets.Dashboard)

	v1.GET("/audit", middleware.RequireModule(model.ModuleAudit), NewAuditHandler(svc.Audit).List)
	v1.GET("/events", middleware.RequireModule(model.ModuleStrategy), NewEventsHandler(svc.Events, svc.Registry).Stream)

	return r
}
