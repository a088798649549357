package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/metermint/creditledger/internal/config"
	"github.com/metermint/creditledger/internal/security"
)

// Context keys set by the auth middlewares.
const (
	ctxAccountKey = "account_key"
	ctxAdminID    = "admin_id"
)

// bearerToken extracts the token from an Authorization header.
func bearerToken(c *gin.Context) string {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// accountAuthMiddleware validates the account JWT issued by the identity
// collaborator and stores the account key on the request context.
func accountAuthMiddleware(authCfg config.AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		claims, errParse := security.ParseAccountToken(authCfg.JWTSecret, token)
		if errParse != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(ctxAccountKey, claims.AccountKey)
		c.Next()
	}
}

// serviceKeyMiddleware authorizes internal callers of the metering endpoints.
func serviceKeyMiddleware(authCfg config.AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !security.MatchServiceKey(authCfg.ServiceKeys, bearerToken(c)) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// adminAuthMiddleware validates an admin JWT.
func adminAuthMiddleware(authCfg config.AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		claims, errParse := security.ParseAdminToken(authCfg.JWTSecret, token)
		if errParse != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(ctxAdminID, claims.AdminID)
		c.Next()
	}
}

// accountKeyFromContext returns the authenticated account key, if any.
func accountKeyFromContext(c *gin.Context) string {
	value, ok := c.Get(ctxAccountKey)
	if !ok {
		return ""
	}
	key, _ := value.(string)
	return key
}
