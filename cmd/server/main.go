package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GoPolymarket/mmengine/internal/config"
	"github.com/GoPolymarket/mmengine/internal/exchange"
	"github.com/GoPolymarket/mmengine/internal/handler"
	"github.com/GoPolymarket/mmengine/internal/market"
	"github.com/GoPolymarket/mmengine/internal/middleware"
	"github.com/GoPolymarket/mmengine/internal/pkg/logger"
	"github.com/GoPolymarket/mmengine/internal/repository"
	"github.com/GoPolymarket/mmengine/internal/runner"
	"github.com/GoPolymarket/mmengine/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	gin.SetMode(gin.ReleaseMode)

	// 2. Initialize Persistence
	// Postgres > Memory
	var db *gorm.DB
	if cfg.Database.DSN != "" {
		db, err = repository.NewDB(cfg)
		if err != nil {
			log.Fatalf("Failed to connect to PostgreSQL: %v", err)
		}
		if err := repository.Migrate(db); err != nil {
			log.Fatalf("Failed to migrate schema: %v", err)
		}
		logger.Info("✅ Connected to PostgreSQL")
	}

	var rdb *redis.Client
	keys := repository.NewKeyspace(cfg.Redis.KeyPrefix)
	if cfg.Redis.Addr != "" {
		rdb, err = repository.NewRedis(cfg)
		if err == nil {
			logger.Info("✅ Connected to Redis")
		} else {
			logger.Error("⚠️ Failed to connect to Redis, falling back to memory", "error", err)
			rdb = nil
		}
	}

	var (
		strategyRepo service.StrategyRepo
		accountRepo  service.AccountRepo
		roleRepo     service.RoleRepo
		operatorRepo service.OperatorRepo
		auditRepo    service.AuditRepo
	)
	if db != nil {
		strategyRepo = repository.NewPostgresStrategyRepo(db)
		accountRepo = repository.NewPostgresAccountRepo(db)
		roleRepo = repository.NewPostgresRoleRepo(db)
		operatorRepo = repository.NewPostgresOperatorRepo(db)
		pgAudit := repository.NewPostgresAuditRepo(db)
		auditRepo = pgAudit
		if retention := cfg.Audit.Retention(); retention > 0 {
			go pruneAudit(pgAudit, retention)
		}
	} else {
		strategyRepo = repository.NewMemoryStrategyRepo()
		accountRepo = repository.NewMemoryAccountRepo()
		roleRepo = repository.NewMemoryRoleRepo()
		operatorRepo = repository.NewMemoryOperatorRepo()
		if rdb != nil {
			auditRepo = repository.NewRedisAuditRepo(rdb, keys, 0)
		}
	}

	var (
		stateStore runner.StateStore = runner.NewMemoryStateStore()
		locker     service.Locker
		idemStore  middleware.IdempotencyStore = middleware.NewInMemIdempotencyStore(24 * time.Hour)
	)
	if rdb != nil {
		stateStore = repository.NewRedisStateStore(rdb, keys)
		locker = repository.NewRedsyncLocker(rdb, keys, cfg.Redis.LockTTL())
		idemStore = repository.NewRedisIdempotencyStore(rdb, keys, 24*time.Hour)
	}

	// 3. Market data and exchange sessions
	var source market.Source
	var paper *exchange.PaperExchange
	switch cfg.Gateway.Mode {
	case exchange.ModeLive:
		feed := market.NewFeed(cfg.Market.FeedURL)
		feed.Start()
		defer feed.Stop()
		source = feed
	default:
		paper = exchange.NewPaperExchange(exchange.PaperOptions{
			Tick:       time.Duration(cfg.Paper.TickMs) * time.Millisecond,
			Volatility: cfg.Paper.Volatility,
			Depth:      cfg.Market.Depth,
			Prices:     cfg.Paper.Prices,
		})
		paper.Start()
		defer paper.Stop()
		source = paper
	}
	gateways := exchange.NewFactory(cfg.Gateway.Mode, paper, cfg.Gateway.QPS, cfg.Gateway.Burst)
	cache := market.NewCache(source)

	// 4. Initialize Core Services
	ctx := context.Background()
	vault := service.NewAccountVault(accountRepo, gateways)
	registry := service.NewStrategyRegistry(strategyRepo, vault)
	roles := service.NewRoleService(roleRepo)
	operators := service.NewOperatorService(operatorRepo, roles)
	events := service.NewEventHub()

	if err := vault.Seed(ctx, cfg.Accounts); err != nil {
		log.Fatalf("Failed to seed accounts: %v", err)
	}
	if err := roles.Seed(ctx, cfg.Roles); err != nil {
		log.Fatalf("Failed to seed roles: %v", err)
	}
	if err := operators.Seed(ctx, cfg.Operators); err != nil {
		log.Fatalf("Failed to seed operators: %v", err)
	}

	auditSvc, err := service.NewAuditService(cfg.Audit.Dir, cfg.Audit.BufferSize, auditRepo)
	if err != nil {
		log.Fatalf("Failed to initialize audit service: %v", err)
	}

	scheduler := service.NewScheduler(registry, vault, cache, service.SchedulerOptions{
		StartTimeout: cfg.Engine.StartTimeout(),
		StopTimeout:  cfg.Engine.StopTimeout(),
		Runner:       runner.SettingsFromConfig(cfg),
		Store:        stateStore,
		Locker:       locker,
		Events:       events,
	})
	if cfg.Engine.ResumeOnBoot {
		n, err := scheduler.Resume(ctx)
		if err != nil {
			logger.Error("resume failed", "error", err)
		} else if n > 0 {
			logger.Info("resumed strategies", "count", n)
		}
	}

	// 5. Setup Router
	r := handler.NewRouter(cfg, handler.Services{
		Registry:    registry,
		Scheduler:   scheduler,
		Vault:       vault,
		Cache:       cache,
		Roles:       roles,
		Operators:   operators,
		Audit:       auditSvc,
		Events:      events,
		Idempotency: idemStore,
	})

	// 6. Start Server with Graceful Shutdown
	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}

	go func() {
		logger.Info("🚀 mmengine started", "port", cfg.Server.Port, "gateway_mode", gateways.Mode())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server listen failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("🛑 Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.StopTimeout()+5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	// 先撤单再关存储: runner 清理阶段还要写状态
	if err := scheduler.Shutdown(shutdownCtx); err != nil {
		logger.Error("scheduler shutdown incomplete", "error", err)
	}
	auditSvc.Close()
	if rdb != nil {
		_ = rdb.Close()
	}
	if db != nil {
		_ = repository.CloseDB(db)
	}

	logger.Info("Server exiting")
}

// pruneAudit 每天清理一次过期审计日志
func pruneAudit(repo *repository.PostgresAuditRepo, retention time.Duration) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		if err := repo.Cleanup(ctx, retention); err != nil {
			logger.Warn("audit cleanup failed", "error", err)
		}
		cancel()
		<-ticker.C
	}
}
