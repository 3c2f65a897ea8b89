package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// contextPrincipalKey and contextRoleKey are the gin.Context keys
// RequireAuth populates for downstream handlers and the per-principal rate
// limiter to read.
const (
	contextPrincipalKey = "auth_principal"
	contextRoleKey      = "auth_role"
)

// Middleware wraps a JWTService as gin handler funcs.
type Middleware struct {
	jwtService *JWTService
}

// NewMiddleware constructs a Middleware over jwtService.
func NewMiddleware(jwtService *JWTService) *Middleware {
	return &Middleware{jwtService: jwtService}
}

// RequireAuth rejects any request without a valid bearer token, storing the
// token's principal and role in the gin context for downstream handlers.
func (m *Middleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "authorization token required",
				"code":  "AUTH_TOKEN_MISSING",
			})
			c.Abort()
			return
		}

		claims, err := m.jwtService.ValidateToken(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or expired token",
				"code":  "AUTH_TOKEN_INVALID",
			})
			c.Abort()
			return
		}

		c.Set(contextPrincipalKey, claims.Subject)
		c.Set(contextRoleKey, claims.Role)
		c.Next()
	}
}

// RequireOperator additionally rejects principals whose role is not
// RoleOperator — used on cancel/retry, which can act on another
// principal's build.
func (m *Middleware) RequireOperator() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Validates inline rather than calling RequireAuth, whose c.Next
		// would run the route handler before the role check.
		claims, err := m.jwtService.ValidateToken(extractBearerToken(c))
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or expired token",
				"code":  "AUTH_TOKEN_INVALID",
			})
			c.Abort()
			return
		}
		c.Set(contextPrincipalKey, claims.Subject)
		c.Set(contextRoleKey, claims.Role)
		if claims.Role != RoleOperator {
			c.JSON(http.StatusForbidden, gin.H{
				"error": "operator role required",
				"code":  "AUTH_INSUFFICIENT_ROLE",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

func extractBearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

// Principal returns the authenticated principal set by RequireAuth.
func Principal(c *gin.Context) (string, bool) {
	v, ok := c.Get(contextPrincipalKey)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
