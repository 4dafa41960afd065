// Package resolver answers "who is this caller": it looks up accounts by
// email, phone or provider subject and classifies combined claims as no
// match, a unique match, or a conflict between two accounts.
package resolver

import (
	"context"
	"errors"
	"fmt"

	"member-identity/internal/identity"
	"member-identity/internal/store"
)

// MatchKind classifies a Probe outcome.
type MatchKind string

const (
	NoMatch     MatchKind = "no_match"
	UniqueMatch MatchKind = "unique_match"
	Conflict    MatchKind = "conflict"
)

// MatchResult is the outcome of a Probe. Account is set for UniqueMatch;
// ConflictA and ConflictB for Conflict.
type MatchResult struct {
	Kind      MatchKind
	Account   *identity.Account
	ConflictA *identity.Account
	ConflictB *identity.Account
}

// Resolver is the only place identity-to-account mapping logic lives.
type Resolver struct {
	accounts store.Accounts
}

func New(accounts store.Accounts) *Resolver {
	return &Resolver{accounts: accounts}
}

// ResolveByEmail returns the live account bound to the email, or
// identity.ErrNotFound. Malformed input is rejected before any lookup.
func (r *Resolver) ResolveByEmail(ctx context.Context, email string) (*identity.Account, error) {
	email, err := identity.NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	return r.accounts.FindByEmail(ctx, email)
}

// ResolveByPhone returns the live account bound to the E.164 phone, or
// identity.ErrNotFound.
func (r *Resolver) ResolveByPhone(ctx context.Context, phone string) (*identity.Account, error) {
	phone, err := identity.NormalizePhone(phone)
	if err != nil {
		return nil, err
	}
	return r.accounts.FindByPhone(ctx, phone)
}

// ResolveByProviderSubject returns the live account carrying the given
// provider link, or identity.ErrNotFound.
func (r *Resolver) ResolveByProviderSubject(ctx context.Context, provider, subject string) (*identity.Account, error) {
	if provider == "" || subject == "" {
		return nil, fmt.Errorf("%w: provider and subject required", identity.ErrValidation)
	}
	return r.accounts.FindByProviderSubject(ctx, provider, subject)
}

// Probe resolves every supplied claim and classifies the combined result.
// Claims pointing at two different accounts yield Conflict; the caller
// decides what to do, the resolver never picks a side.
func (r *Resolver) Probe(ctx context.Context, claims identity.Claims) (*MatchResult, error) {
	if claims.Empty() {
		return nil, fmt.Errorf("%w: at least one claim required", identity.ErrValidation)
	}

	var matches []*identity.Account

	add := func(a *identity.Account) {
		for _, m := range matches {
			if m.ID == a.ID {
				return
			}
		}
		matches = append(matches, a)
	}

	if claims.Email != "" {
		a, err := r.ResolveByEmail(ctx, claims.Email)
		if err != nil && !errors.Is(err, identity.ErrNotFound) {
			return nil, err
		}
		if a != nil {
			add(a)
		}
	}
	if claims.Phone != "" {
		a, err := r.ResolveByPhone(ctx, claims.Phone)
		if err != nil && !errors.Is(err, identity.ErrNotFound) {
			return nil, err
		}
		if a != nil {
			add(a)
		}
	}
	if claims.Provider != "" && claims.Subject != "" {
		a, err := r.ResolveByProviderSubject(ctx, claims.Provider, claims.Subject)
		if err != nil && !errors.Is(err, identity.ErrNotFound) {
			return nil, err
		}
		if a != nil {
			add(a)
		}
	}

	switch len(matches) {
	case 0:
		return &MatchResult{Kind: NoMatch}, nil
	case 1:
		return &MatchResult{Kind: UniqueMatch, Account: matches[0]}, nil
	default:
		return &MatchResult{Kind: Conflict, ConflictA: matches[0], ConflictB: matches[1]}, nil
	}
}
