package middleware

import (
	"github.com/GoPolymarket/mmengine/internal/pkg/apperrors"
	"github.com/GoPolymarket/mmengine/internal/pkg/logger"
	"github.com/gin-gonic/gin"
)

// ErrorHandler renders the last error pushed with c.Error as an AppError.
// Exchange errors become EXCHANGE_TRANSIENT or EXCHANGE_FATAL; bind errors
// become VALIDATION_ERROR.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		last := c.Errors.Last()
		var appErr *apperrors.AppError
		if last.IsType(gin.ErrorTypeBind) {
			appErr = apperrors.Validation("body", "malformed request: %v", last.Err)
		} else {
			appErr = apperrors.Wrap(last.Err)
		}

		logFields := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"code", appErr.Type,
			"client_ip", c.ClientIP(),
		}
		if p := PrincipalFrom(c); p != nil {
			logFields = append(logFields, "operator_id", p.OperatorID)
		}
		if len(appErr.IDs) > 0 {
			logFields = append(logFields, "ids", appErr.IDs)
		}

		if appErr.HTTPStatus >= 500 {
			logger.LogError(c.Request.Context(), appErr, "request failed", logFields...)
		} else {
			logger.Warn(appErr.Message, logFields...)
		}

		c.JSON(appErr.HTTPStatus, appErr)
	}
}
