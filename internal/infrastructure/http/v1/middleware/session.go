package middleware

import (
	"context"

	"github.com/gin-gonic/gin"

	"storefront/internal/core/apperror"
	appctx "storefront/internal/core/context"
	"storefront/internal/domain/session"
)

// HeaderPageURL carries the shopper's current page for a session opened
// implicitly by a request.
const HeaderPageURL = "X-Page-URL"

const sessionKey = "live_session"

// SessionOpener returns the live session for a token.
type SessionOpener interface {
	Open(ctx context.Context, sc *appctx.SessionContext, rawURL string) (*session.Session, error)
}

// LiveSession attaches the shopper's live session to the request.
//
// This middleware must run AFTER Auth, which puts the SessionContext in the
// request context. A token whose session was evicted gets a fresh one
// started at X-Page-URL.
func LiveSession(opener SessionOpener) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		sc := appctx.GetSession(ctx)
		if sc == nil {
			abortUnauthorized(c, "session required")
			return
		}

		s, err := opener.Open(ctx, sc, c.GetHeader(HeaderPageURL))
		if err != nil {
			_ = c.Error(err)
			c.Abort()
			return
		}
		c.Set(sessionKey, s)
		c.Next()
	}
}

// GetLiveSession returns the session attached by LiveSession.
func GetLiveSession(c *gin.Context) (*session.Session, error) {
	if v, ok := c.Get(sessionKey); ok {
		if s, ok := v.(*session.Session); ok {
			return s, nil
		}
	}
	return nil, apperror.NewUnauthorized("session required")
}
