package handler

import (
	"net/http"
	"slices"
	"strings"

	"github.com/GoPolymarket/mmengine/internal/market"
	"github.com/GoPolymarket/mmengine/internal/middleware"
	"github.com/GoPolymarket/mmengine/internal/pkg/apperrors"
	"github.com/GoPolymarket/mmengine/internal/service"
	"github.com/gin-gonic/gin"
)

// MarketHandler exposes the shared book cache and the dashboard summary.
type MarketHandler struct {
	cache     *market.Cache
	scheduler *service.Scheduler
}

func NewMarketHandler(cache *market.Cache, scheduler *service.Scheduler) *MarketHandler {
	return &MarketHandler{cache: cache, scheduler: scheduler}
}

type bookView struct {
	market.Snapshot
	Subscribers int `json:"subscribers"`
}

// pairParam 路径里不能带 "/", 控制台传 BTC-USDT 或 BTC_USDT
func pairParam(raw string) string {
	return strings.NewReplacer("-", "/", "_", "/").Replace(raw)
}

// Book returns the cached book for a key some runner subscribes to.
func (h *MarketHandler) Book(c *gin.Context) {
	key := market.NewKey(c.Param("exchange"), pairParam(c.Param("pair")))
	if role := middleware.RoleFrom(c); role != nil && !slices.Contains(role.AllowedExchanges, key.Exchange) {
		_ = c.Error(apperrors.NotFound("market", key.String()))
		return
	}
	refs := h.cache.Refs(key)
	snap, ok := h.cache.Snapshot(key)
	if refs == 0 || !ok {
		_ = c.Error(apperrors.NotFound("market", key.String()))
		return
	}
	c.JSON(http.StatusOK, bookView{Snapshot: snap, Subscribers: refs})
}

func (h *MarketHandler) Dashboard(c *gin.Context) {
	d, err := h.scheduler.Dashboard(c.Request.Context(), middleware.RoleFrom(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, d)
}
