package handler

import (
	"net/http"

	"github.com/GoPolymarket/mmengine/internal/middleware"
	"github.com/GoPolymarket/mmengine/internal/model"
	"github.com/GoPolymarket/mmengine/internal/service"
	"github.com/gin-gonic/gin"
)

type RoleHandler struct {
	svc *service.RoleService
}

func NewRoleHandler(svc *service.RoleService) *RoleHandler {
	return &RoleHandler{svc: svc}
}

func (h *RoleHandler) List(c *gin.Context) {
	roles, err := h.svc.List(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	if roles == nil {
		roles = []*model.Role{}
	}
	c.JSON(http.StatusOK, roles)
}

func (h *RoleHandler) Get(c *gin.Context) {
	role, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, role)
}

func (h *RoleHandler) Create(c *gin.Context) {
	var req model.RoleRequest
	if !bindJSON(c, &req) {
		return
	}
	role, err := h.svc.Create(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	middleware.AddAuditContext(c, "role_id", role.ID)
	c.JSON(http.StatusCreated, role)
}

func (h *RoleHandler) Update(c *gin.Context) {
	var req model.RoleRequest
	if !bindJSON(c, &req) {
		return
	}
	role, err := h.svc.Update(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	middleware.AddAuditContext(c, "role_id", role.ID)
	c.JSON(http.StatusOK, role)
}

func (h *RoleHandler) TogglePermission(c *gin.Context) {
	var req model.PermissionToggle
	if !bindJSON(c, &req) {
		return
	}
	role, err := h.svc.TogglePermission(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	middleware.AddAuditContext(c, "role_id", role.ID)
	middleware.AddAuditContext(c, "permission", req.Set+":"+req.Value)
	c.JSON(http.StatusOK, role)
}

type OperatorHandler struct {
	svc *service.OperatorService
}

func NewOperatorHandler(svc *service.OperatorService) *OperatorHandler {
	return &OperatorHandler{svc: svc}
}

func (h *OperatorHandler) List(c *gin.Context) {
	var f model.OperatorFilter
	if !bindQuery(c, &f) {
		return
	}
	page, err := h.svc.List(c.Request.Context(), f)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *OperatorHandler) Get(c *gin.Context) {
	op, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, op)
}

// Create 返回明文 api_key, 之后只能看到脱敏值
func (h *OperatorHandler) Create(c *gin.Context) {
	var req model.OperatorRequest
	if !bindJSON(c, &req) {
		return
	}
	op, key, err := h.svc.Create(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	middleware.AddAuditContext(c, "operator_id", op.ID)
	c.JSON(http.StatusCreated, gin.H{"operator": op, "api_key": key})
}

func (h *OperatorHandler) Update(c *gin.Context) {
	var req model.OperatorRequest
	if !bindJSON(c, &req) {
		return
	}
	op, err := h.svc.Update(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	middleware.AddAuditContext(c, "operator_id", op.ID)
	c.JSON(http.StatusOK, op)
}

func (h *OperatorHandler) SetStatus(c *gin.Context) {
	var req model.StatusRequest
	if !bindJSON(c, &req) {
		return
	}
	op, err := h.svc.SetStatus(c.Request.Context(), c.Param("id"), model.OperatorStatus(req.Status))
	if err != nil {
		_ = c.Error(err)
		return
	}
	middleware.AddAuditContext(c, "operator_id", op.ID)
	middleware.AddAuditContext(c, "status", req.Status)
	c.JSON(http.StatusOK, op)
}

func (h *OperatorHandler) BatchDelete(c *gin.Context) {
	ids, ok := bindIDs(c)
	if !ok {
		return
	}
	middleware.AddAuditContext(c, "operator_ids", ids)
	if err := h.svc.Delete(c.Request.Context(), ids); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": ids})
}
