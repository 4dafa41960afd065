// Package middleware guards operator and account routes with session
// authentication. Authorization decisions are session-based and provider-
// agnostic.
package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"member-identity/internal/session"
)

// AccountIDKey is the gin context key carrying the authenticated account id.
const AccountIDKey = "accountID"

// RequireAuth rejects requests without a live session cookie and attaches
// the session's account id to the gin context.
func RequireAuth(store session.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		cookie, err := c.Request.Cookie(session.CookieName)
		if err != nil || cookie.Value == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		sess, err := store.Get(c.Request.Context(), cookie.Value)
		if err != nil || sess == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		// Enforce expiry even if the backend's TTL lags.
		if time.Now().After(sess.ExpiresAt) {
			_ = store.Delete(c.Request.Context(), cookie.Value)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		c.Set(AccountIDKey, sess.AccountID)
		c.Next()
	}
}
