// Package provider is the credential-provider collaborator: it verifies
// third-party identities out of band and hands the service a post-
// verification assertion. No raw secrets cross this boundary.
package provider

import (
	"context"

	"member-identity/internal/identity"
)

// OAuthProvider defines the contract every external credential provider
// must implement. Implementations return identity facts only and must not
// perform account creation, linking, or session management.
type OAuthProvider interface {
	// Name returns the provider identifier (e.g. "google", "keycloak").
	Name() string

	// AuthCodeURL returns the OAuth authorization URL.
	// State and PKCE parameters are provided by the caller.
	AuthCodeURL(state string, codeChallenge string) string

	// ExchangeCode exchanges the authorization code for provider
	// credentials and returns a verified assertion. No binding decisions
	// are made here.
	ExchangeCode(
		ctx context.Context,
		code string,
		codeVerifier string,
	) (*identity.ProviderAssertion, error)
}
