package handler

import (
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"member-identity/internal/utils"
)

// Short-lived cookies bridging the redirect and callback legs of the OAuth
// flow: the CSRF state echo and the PKCE verifier. Neither outlives the
// flow; the login session cookie is issued separately once an account is
// bound.
const (
	stateCookieName = "__oauth_state"
	pkceCookieName  = "__oauth_pkce"
	flowCookieTTL   = 5 * time.Minute
)

func setFlowCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(flowCookieTTL.Seconds()),
	})
}

// issueState sets the CSRF state cookie and returns the value to embed in
// the authorization URL.
func issueState(c *gin.Context) (string, error) {
	state, err := utils.RandomToken(32)
	if err != nil {
		return "", err
	}
	setFlowCookie(c.Writer, stateCookieName, state)
	return state, nil
}

// checkState compares the state echoed by the provider against the cookie
// set on the redirect leg.
func checkState(c *gin.Context) bool {
	echoed := c.Query("state")
	if echoed == "" {
		return false
	}
	cookie, err := c.Request.Cookie(stateCookieName)
	return err == nil && cookie.Value == echoed
}

// issuePKCE parks a fresh code verifier in a cookie and returns its S256
// challenge for the authorization URL.
func issuePKCE(c *gin.Context) (string, error) {
	verifier, err := utils.RandomToken(32)
	if err != nil {
		return "", err
	}
	setFlowCookie(c.Writer, pkceCookieName, verifier)

	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// pkceVerifier reads back the verifier parked on the redirect leg.
func pkceVerifier(c *gin.Context) string {
	cookie, err := c.Request.Cookie(pkceCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}
