package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ServiceAuthMiddleware validates service-to-service auth tokens. The
// scheduler that triggers per-company processing authenticates this way.
func ServiceAuthMiddleware(expectedToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header"})
			c.Abort()
			return
		}

		if err := ValidateServiceToken(token, expectedToken); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		c.Set("role", "service")
		c.Set("auth_type", "service")
		c.Next()
	}
}

// JWTAuthMiddleware validates JWT tokens for dashboard sessions and falls back
// to the service token for service-to-service calls. On success the request
// context carries user_id, company_id, email and role.
func JWTAuthMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "No authorization header"})
			c.Abort()
			return
		}

		claims, err := ValidateJWT(token, secret)
		if err == nil {
			c.Set("user_id", claims.UserID)
			c.Set("company_id", claims.CompanyID)
			c.Set("email", claims.Email)
			c.Set("role", claims.Role)
			c.Set("auth_type", "jwt")
			c.Next()
			return
		}

		serviceToken := GetServiceToken()
		if serviceToken != "" && ValidateServiceToken(token, serviceToken) == nil {
			c.Set("role", "service")
			c.Set("auth_type", "service")
			c.Next()
			return
		}

		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid JWT token"})
		c.Abort()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	auth := c.GetHeader("Authorization")
	if auth == "" {
		// Browser clients typically use httpOnly cookies for auth.
		if cookieToken, err := c.Cookie("access_token"); err == nil && cookieToken != "" {
			return cookieToken, true
		}
		return "", false
	}

	parts := strings.Split(auth, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", false
	}
	return parts[1], true
}
