package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// RequireRole checks that the JWT carries one of roles. It must run after
// RequireJWT.
func RequireRole(code response.ErrCode, roles ...service.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}

		if !claims.HasRole(roles...) {
			response.AbortFail(c, http.StatusForbidden, code)
			return
		}

		c.Next()
	}
}
