// Package store is the document-store layer. It exposes narrow interfaces
// consumed by the resolver, linker and merger, with a MongoDB implementation
// for production and an in-memory implementation for tests.
package store

import (
	"context"

	"member-identity/internal/identity"
)

// Accounts is the account collection. Lookups by email and phone only see
// live accounts (status != merged); member id lookups see every account
// regardless of status, since member ids are never reassigned.
//
// Update is an optimistic conditional write: it succeeds only when the
// stored version matches the in-memory one, and bumps the version on
// success. A version mismatch surfaces as identity.ErrUniquenessConflict so
// callers treat lost races and unique-index collisions uniformly.
type Accounts interface {
	Insert(ctx context.Context, a *identity.Account) error
	Get(ctx context.Context, id string) (*identity.Account, error)
	FindByEmail(ctx context.Context, email string) (*identity.Account, error)
	FindByPhone(ctx context.Context, phone string) (*identity.Account, error)
	FindByMemberID(ctx context.Context, memberID string) (*identity.Account, error)
	FindByProviderSubject(ctx context.Context, provider, subject string) (*identity.Account, error)
	Update(ctx context.Context, a *identity.Account) error

	// MaxMemberNumber returns the highest numeric member id issued under
	// the given prefix, or 0 when none exist. Used by the sequential
	// generator's optimistic loop.
	MaxMemberNumber(ctx context.Context, prefix string) (int64, error)
}

// References rewrites foreign keys pointing at one account so they point at
// another. Each call is an idempotent batch update returning the number of
// documents touched; re-running a completed rewrite touches zero.
type References interface {
	RewriteOrders(ctx context.Context, fromID, toID string) (int64, error)
	RewriteLedger(ctx context.Context, fromID, toID string) (int64, error)
	RewriteVisits(ctx context.Context, fromID, toID string) (int64, error)
	RewriteEventParticipants(ctx context.Context, fromID, toID string) (int64, error)
	RewriteReferralBackLinks(ctx context.Context, fromID, toID string) (int64, error)
}
