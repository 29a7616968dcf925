package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"storefront/internal/core/apperror"
	appctx "storefront/internal/core/context"
)

// TokenValidator validates session tokens.
type TokenValidator interface {
	ValidateToken(tokenString string) (*appctx.SessionContext, error)
}

// Auth middleware validates the session token and populates the session
// context.
func Auth(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortUnauthorized(c, "missing authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			abortUnauthorized(c, "invalid authorization header format")
			return
		}

		sc, err := validator.ValidateToken(parts[1])
		if err != nil {
			abortUnauthorized(c, "invalid token")
			return
		}

		ctx := appctx.WithSession(c.Request.Context(), sc)
		c.Request = c.Request.WithContext(ctx)

		c.Set("session_id", sc.SessionID)
		c.Set("customer_id", sc.CustomerID)

		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, message string) {
	_ = c.Error(apperror.NewUnauthorized(message))
	c.Abort()
}
