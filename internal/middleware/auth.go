package middleware

import (
	"context"
	"crypto/subtle"

	"github.com/GoPolymarket/mmengine/internal/config"
	"github.com/GoPolymarket/mmengine/internal/model"
	"github.com/GoPolymarket/mmengine/internal/pkg/apperrors"
	"github.com/gin-gonic/gin"
)

const (
	HeaderOperatorKey   = "X-Operator-Key"
	HeaderAdminKey      = "X-Admin-Key"
	ContextPrincipalKey = "principal"
	AdminOperatorID     = "admin"
)

// Principal is the authenticated caller of a console request. Role is nil
// for the bootstrap admin key, which sees every module and record.
type Principal struct {
	OperatorID string
	Operator   *model.Operator
	Role       *model.Role
}

func (p *Principal) Admin() bool {
	return p.Role == nil
}

type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) (*model.Operator, *model.Role, error)
}

func AuthMiddleware(cfg *config.Config, auth Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminKey := c.GetHeader(HeaderAdminKey); adminKey != "" {
			if cfg == nil || cfg.Auth.AdminKey == "" {
				_ = c.Error(apperrors.New(apperrors.ErrForbidden, "admin key not configured", nil))
				c.Abort()
				return
			}
			if subtle.ConstantTimeCompare([]byte(adminKey), []byte(cfg.Auth.AdminKey)) != 1 {
				_ = c.Error(apperrors.New(apperrors.ErrAuthFailed, "invalid admin key", nil))
				c.Abort()
				return
			}
			c.Set(ContextPrincipalKey, &Principal{OperatorID: AdminOperatorID})
			c.Next()
			return
		}

		apiKey := c.GetHeader(HeaderOperatorKey)
		if apiKey == "" {
			_ = c.Error(apperrors.New(apperrors.ErrAuthFailed, "missing operator key", nil))
			c.Abort()
			return
		}
		op, role, err := auth.Authenticate(c.Request.Context(), apiKey)
		if err != nil {
			_ = c.Error(err)
			c.Abort()
			return
		}

		// 将操作员信息存入上下文
		c.Set(ContextPrincipalKey, &Principal{OperatorID: op.ID, Operator: op, Role: role})
		c.Next()
	}
}

// RequireModule rejects operators whose role lacks the module.
func RequireModule(module string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := PrincipalFrom(c)
		if p == nil {
			_ = c.Error(apperrors.New(apperrors.ErrAuthFailed, "unauthorized", nil))
			c.Abort()
			return
		}
		if !p.Admin() && !p.Role.HasModule(module) {
			_ = c.Error(apperrors.New(apperrors.ErrForbidden, "role "+p.Role.Name+" has no access to "+module, nil))
			c.Abort()
			return
		}
		c.Next()
	}
}

func PrincipalFrom(c *gin.Context) *Principal {
	v, ok := c.Get(ContextPrincipalKey)
	if !ok {
		return nil
	}
	p, _ := v.(*Principal)
	return p
}

// RoleFrom returns the caller's role, nil for admin.
func RoleFrom(c *gin.Context) *model.Role {
	if p := PrincipalFrom(c); p != nil {
		return p.Role
	}
	return nil
}
