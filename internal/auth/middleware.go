package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const claimsKey = "claims"

// Require enforces bearer JWT tokens signed with HS256.
func Require(signingKey, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenStr := strings.TrimSpace(authz[len("bearer "):])
		claims, err := Parse(tokenStr, signingKey, issuer)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// RequireStaff rejects requests whose token is not a staff-tier role.
func RequireStaff() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !StaffRole(FromContext(c).Role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "staff role required"})
			return
		}
		c.Next()
	}
}

// FromContext returns the parsed claims set by Require.
func FromContext(c *gin.Context) Claims {
	v, _ := c.Get(claimsKey)
	claims, _ := v.(Claims)
	return claims
}
