package handler

import (
	"context"
	"net/http"

	"github.com/GoPolymarket/mmengine/internal/middleware"
	"github.com/GoPolymarket/mmengine/internal/model"
	"github.com/GoPolymarket/mmengine/internal/pkg/apperrors"
	"github.com/GoPolymarket/mmengine/internal/service"
	"github.com/gin-gonic/gin"
)

type StrategyHandler struct {
	registry  *service.StrategyRegistry
	scheduler *service.Scheduler
}

func NewStrategyHandler(registry *service.StrategyRegistry, scheduler *service.Scheduler) *StrategyHandler {
	return &StrategyHandler{registry: registry, scheduler: scheduler}
}

func (h *StrategyHandler) List(c *gin.Context) {
	var f model.StrategyFilter
	if !bindQuery(c, &f) {
		return
	}
	page, err := h.registry.List(c.Request.Context(), f, middleware.RoleFrom(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *StrategyHandler) Get(c *gin.Context) {
	s, ok := h.visible(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *StrategyHandler) Create(c *gin.Context) {
	var req model.StrategyRequest
	if !bindJSON(c, &req) {
		return
	}
	if !h.permitted(c, req.Exchange, req.TransactionType) {
		return
	}
	s, err := h.registry.Create(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	middleware.AddAuditContext(c, "strategy_id", s.ID)
	c.JSON(http.StatusCreated, s)
}

func (h *StrategyHandler) Update(c *gin.Context) {
	if _, ok := h.visible(c); !ok {
		return
	}
	var req model.StrategyRequest
	if !bindJSON(c, &req) {
		return
	}
	if !h.permitted(c, req.Exchange, req.TransactionType) {
		return
	}
	s, err := h.registry.Update(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	middleware.AddAuditContext(c, "strategy_id", s.ID)
	c.JSON(http.StatusOK, s)
}

func (h *StrategyHandler) Status(c *gin.Context) {
	if _, ok := h.visible(c); !ok {
		return
	}
	st, err := h.scheduler.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *StrategyHandler) Start(c *gin.Context) {
	h.transition(c, "start", h.scheduler.Start)
}

func (h *StrategyHandler) Stop(c *gin.Context) {
	h.transition(c, "stop", h.scheduler.Stop)
}

func (h *StrategyHandler) Ack(c *gin.Context) {
	h.transition(c, "ack", h.scheduler.Acknowledge)
}

func (h *StrategyHandler) transition(c *gin.Context, action string, fn func(ctx context.Context, id string) (*service.StrategyState, error)) {
	if _, ok := h.visible(c); !ok {
		return
	}
	id := c.Param("id")
	middleware.AddAuditContext(c, "action", action)
	middleware.AddAuditContext(c, "strategy_id", id)
	st, err := fn(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// BatchDelete 任一策略运行中则整体拒绝, 错误中列出运行中的 id
func (h *StrategyHandler) BatchDelete(c *gin.Context) {
	ids, ok := bindIDs(c)
	if !ok {
		return
	}
	role := middleware.RoleFrom(c)
	for _, id := range ids {
		s, err := h.registry.Get(c.Request.Context(), id)
		if err != nil {
			_ = c.Error(err)
			return
		}
		if !service.VisibleStrategy(role, s) {
			_ = c.Error(apperrors.NotFound("strategy", id))
			return
		}
	}
	middleware.AddAuditContext(c, "strategy_ids", ids)
	if err := h.scheduler.BatchDelete(c.Request.Context(), ids); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": ids})
}

// visible loads the :id strategy; strategies outside the caller's role are
// reported as not found.
func (h *StrategyHandler) visible(c *gin.Context) (*model.Strategy, bool) {
	id := c.Param("id")
	s, err := h.registry.Get(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return nil, false
	}
	if !service.VisibleStrategy(middleware.RoleFrom(c), s) {
		_ = c.Error(apperrors.NotFound("strategy", id))
		return nil, false
	}
	return s, true
}

func (h *StrategyHandler) permitted(c *gin.Context, exchange, transactionType string) bool {
	role := middleware.RoleFrom(c)
	if role == nil {
		return true
	}
	scope := &model.Strategy{Exchange: exchange, TransactionType: transactionType}
	if !role.CanSeeStrategy(scope) {
		_ = c.Error(apperrors.New(apperrors.ErrForbidden, "role "+role.Name+" may not manage "+exchange+" "+transactionType, nil))
		return false
	}
	return true
}
