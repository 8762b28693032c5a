package handler

import (
	"strings"

	"github.com/GoPolymarket/mmengine/internal/model"
	"github.com/GoPolymarket/mmengine/internal/pkg/apperrors"
	"github.com/gin-gonic/gin"
)

func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		_ = c.Error(err).SetType(gin.ErrorTypeBind)
		return false
	}
	return true
}

func bindQuery(c *gin.Context, v any) bool {
	if err := c.ShouldBindQuery(v); err != nil {
		_ = c.Error(err).SetType(gin.ErrorTypeBind)
		return false
	}
	return true
}

// bindIDs reads a batch body and trims blanks.
func bindIDs(c *gin.Context) ([]string, bool) {
	var req model.BatchRequest
	if !bindJSON(c, &req) {
		return nil, false
	}
	ids := make([]string, 0, len(req.IDs))
	for _, id := range req.IDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		_ = c.Error(apperrors.Validation("ids", "ids must not be empty"))
		return nil, false
	}
	return ids, true
}
