package middleware

import (
	"course_access_backend/internal/config"
	"course_access_backend/internal/model"
	"course_access_backend/internal/service"
	"course_access_backend/internal/util"
	"course_access_backend/pkg/logger"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AuthMiddleware 校验会话（HttpOnly Cookie 优先，其次 Bearer），重新校验账号状态后通过角色解析链确定角色
func AuthMiddleware(session *config.SessionConfig, guard *service.SessionGuard, roles *service.RoleResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, _ := c.Cookie(session.CookieName)
		if tokenString == "" {
			if authHeader := c.GetHeader("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
				tokenString = strings.TrimPrefix(authHeader, "Bearer ")
			}
		}

		if tokenString == "" {
			util.Unauthorized(c)
			c.Abort()
			return
		}

		claims, err := util.ParseJWT(tokenString, session.Secret)
		if err != nil {
			logger.Log.Debug("session verification failed", zap.Error(err))
			util.Unauthorized(c)
			c.Abort()
			return
		}

		id, err := guard.Admit(c.Request.Context(), service.Identity{
			UserID:    claims.UserID,
			Email:     claims.Email,
			ClaimRole: claims.Role,
		})
		if err != nil {
			util.HandleError(c, err)
			c.Abort()
			return
		}

		claims.Role = roles.Resolve(c.Request.Context(), id)

		c.Set(util.ContextUserKey, claims)
		c.Next()
	}
}

// RoleMiddleware 未登录返回 401，角色不足返回 403；管理员放行所有角色
func RoleMiddleware(roles ...model.UserRole) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := util.GetUserFromContext(c)
		if user == nil {
			util.Unauthorized(c)
			c.Abort()
			return
		}

		if user.Role == model.Admin {
			c.Next()
			return
		}
		for _, role := range roles {
			if user.Role == role {
				c.Next()
				return
			}
		}

		util.Forbidden(c)
		c.Abort()
	}
}

// Requester 从上下文取出当前用户
func Requester(c *gin.Context) (service.Requester, bool) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		return service.Requester{}, false
	}
	return service.Requester{UserID: claims.UserID, Role: claims.Role}, true
}
