package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/yoockh/audioproctor/internal/models"
	"github.com/yoockh/audioproctor/internal/utils"
)

func RequireRole(allowed ...models.UserRole) gin.HandlerFunc {
	allow := map[models.UserRole]struct{}{}
	for _, a := range allowed {
		allow[a] = struct{}{}
	}

	return func(c *gin.Context) {
		u, ok := CurrentUser(c)
		if !ok {
			abortAuth(c, http.StatusUnauthorized, utils.CodeUnauthorized, "unauthorized")
			return
		}
		if _, ok := allow[u.Role]; !ok {
			abortAuth(c, http.StatusForbidden, utils.CodeForbidden, "forbidden")
			return
		}
		c.Next()
	}
}

func RequireTeacher() gin.HandlerFunc { return RequireRole(models.RoleTeacher) }
func RequireStudent() gin.HandlerFunc { return RequireRole(models.RoleStudent) }
