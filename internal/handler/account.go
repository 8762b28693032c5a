package handler

import (
	"net/http"

	"github.com/GoPolymarket/mmengine/internal/middleware"
	"github.com/GoPolymarket/mmengine/internal/model"
	"github.com/GoPolymarket/mmengine/internal/pkg/apperrors"
	"github.com/GoPolymarket/mmengine/internal/service"
	"github.com/gin-gonic/gin"
)

// AccountHandler serves the account vault. Credentials leave the process
// masked: model.Secret renders as "abcd...wxyz" in JSON.
type AccountHandler struct {
	vault *service.AccountVault
}

func NewAccountHandler(vault *service.AccountVault) *AccountHandler {
	return &AccountHandler{vault: vault}
}

func (h *AccountHandler) List(c *gin.Context) {
	var f model.AccountFilter
	if !bindQuery(c, &f) {
		return
	}
	page, err := h.vault.List(c.Request.Context(), f, middleware.RoleFrom(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *AccountHandler) Get(c *gin.Context) {
	a, ok := h.visible(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *AccountHandler) Create(c *gin.Context) {
	var req model.AccountRequest
	if !bindJSON(c, &req) {
		return
	}
	if !h.permitted(c, req.Partition, req.Exchange) {
		return
	}
	a, err := h.vault.Create(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	middleware.AddAuditContext(c, "account_id", a.ID)
	c.JSON(http.StatusCreated, a)
}

func (h *AccountHandler) Update(c *gin.Context) {
	if _, ok := h.visible(c); !ok {
		return
	}
	var req model.AccountRequest
	if !bindJSON(c, &req) {
		return
	}
	if !h.permitted(c, req.Partition, req.Exchange) {
		return
	}
	a, err := h.vault.Update(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	middleware.AddAuditContext(c, "account_id", a.ID)
	c.JSON(http.StatusOK, a)
}

func (h *AccountHandler) Enable(c *gin.Context) {
	h.setStatus(c, model.AccountActive)
}

func (h *AccountHandler) Disable(c *gin.Context) {
	h.setStatus(c, model.AccountDisabled)
}

func (h *AccountHandler) setStatus(c *gin.Context, status model.AccountStatus) {
	if _, ok := h.visible(c); !ok {
		return
	}
	a, err := h.vault.SetStatus(c.Request.Context(), c.Param("id"), status)
	if err != nil {
		_ = c.Error(err)
		return
	}
	middleware.AddAuditContext(c, "account_id", a.ID)
	middleware.AddAuditContext(c, "status", string(status))
	c.JSON(http.StatusOK, a)
}

func (h *AccountHandler) BatchDelete(c *gin.Context) {
	ids, ok := bindIDs(c)
	if !ok {
		return
	}
	role := middleware.RoleFrom(c)
	for _, id := range ids {
		a, err := h.vault.Get(c.Request.Context(), id)
		if err != nil {
			_ = c.Error(err)
			return
		}
		if role != nil && !role.CanSeeAccount(a) {
			_ = c.Error(apperrors.NotFound("account", id))
			return
		}
	}
	middleware.AddAuditContext(c, "account_ids", ids)
	if err := h.vault.Delete(c.Request.Context(), ids); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": ids})
}

func (h *AccountHandler) visible(c *gin.Context) (*model.Account, bool) {
	id := c.Param("id")
	a, err := h.vault.Get(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return nil, false
	}
	if role := middleware.RoleFrom(c); role != nil && !role.CanSeeAccount(a) {
		_ = c.Error(apperrors.NotFound("account", id))
		return nil, false
	}
	return a, true
}

// permitted 操作员只能在自己角色的分区和交易所内录入账户
func (h *AccountHandler) permitted(c *gin.Context, partition, exchange string) bool {
	role := middleware.RoleFrom(c)
	if role == nil {
		return true
	}
	if !role.CanSeeAccount(&model.Account{Partition: partition, Exchange: exchange}) {
		_ = c.Error(apperrors.New(apperrors.ErrForbidden, "role "+role.Name+" may not manage accounts in "+partition+"/"+exchange, nil))
		return false
	}
	return true
}
