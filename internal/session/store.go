// Package session stores authenticated login sessions. Linking itself
// never leans on session state; sessions only exist after an account is
// bound or for operator tooling.
package session

import (
	"context"
	"time"

	"member-identity/internal/utils"
)

// Session represents an authenticated login session. It stores identity
// pointers only, no claims.
type Session struct {
	SessionID string    `json:"sessionId"`
	AccountID string    `json:"accountId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"` // absolute expiry
}

// Store defines how sessions are stored and retrieved. Get returns
// (nil, nil) for unknown ids.
type Store interface {
	Create(ctx context.Context, s Session) error
	Get(ctx context.Context, sessionID string) (*Session, error)
	Delete(ctx context.Context, sessionID string) error
}

// GenerateID generates a cryptographically secure session id with 256 bits
// of entropy.
func GenerateID() (string, error) {
	return utils.RandomToken(32)
}
