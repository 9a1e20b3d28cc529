package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-live/internal/response"
	"github.com/stemsi/exstem-live/internal/service"
)

// RequireAdmin allows only admin tokens. Must run after RequireJWT.
func RequireAdmin() gin.HandlerFunc {
	return requireTokenType(service.TokenTypeAdmin, response.ErrAdminAccessOnly)
}

// RequireStudent allows only student tokens. Must run after RequireJWT.
func RequireStudent() gin.HandlerFunc {
	return requireTokenType(service.TokenTypeStudent, response.ErrStudentAccessOnly)
}

func requireTokenType(want service.TokenType, code response.ErrCode) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}
		if claims.TokenType != want {
			response.AbortFail(c, http.StatusForbidden, code)
			return
		}
		c.Next()
	}
}
