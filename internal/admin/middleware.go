package admin

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const ctxAdminClaims = "certroot_admin_claims"

// RequireAdmin returns a Gin middleware that enforces a valid admin Bearer
// token. On success the claims are available through Claims.
func RequireAdmin(tokens *TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing or invalid authorization header",
			})
			return
		}

		claims, err := tokens.Verify(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid or expired token",
			})
			return
		}

		c.Set(ctxAdminClaims, claims)
		c.Next()
	}
}

// Claims returns the admin claims set by RequireAdmin, or nil.
func Claims(c *gin.Context) *TokenClaims {
	v, ok := c.Get(ctxAdminClaims)
	if !ok {
		return nil
	}
	claims, _ := v.(*TokenClaims)
	return claims
}
