package linker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"member-identity/internal/credentials"
	"member-identity/internal/identity"
	"member-identity/internal/logger"
	"member-identity/internal/memberid"
	"member-identity/internal/resolver"
	"member-identity/internal/store"
	"member-identity/internal/utils"
)

// Outcome is a terminal state of the linking state machine.
type Outcome string

const (
	OutcomeBound             Outcome = "bound"
	OutcomeCreated           Outcome = "created"
	OutcomeNeedsRegistration Outcome = "needs_registration"
	OutcomeRejected          Outcome = "rejected"
)

// Result carries the terminal outcome and, for Bound and Created, the
// affected account.
type Result struct {
	Outcome Outcome
	Account *identity.Account
}

// Linker implements the two-phase account linking protocol. Phase 1 writes
// nothing to any account, so an abandoned flow leaves no partial state —
// only a hold that expires on its own.
type Linker struct {
	accounts store.Accounts
	resolver *resolver.Resolver
	ids      *memberid.Generator
	holds    HoldStore
	holdTTL  time.Duration
}

func New(
	accounts store.Accounts,
	res *resolver.Resolver,
	ids *memberid.Generator,
	holds HoldStore,
	holdTTL time.Duration,
) *Linker {
	return &Linker{
		accounts: accounts,
		resolver: res,
		ids:      ids,
		holds:    holds,
		holdTTL:  holdTTL,
	}
}

// BeginLink parks a verified provider assertion in an ephemeral hold and
// returns it. The caller must complete phase 2 with the hold's token before
// it expires; any session the provider created should be invalidated by the
// caller so no half-authenticated state survives.
func (l *Linker) BeginLink(ctx context.Context, assertion identity.ProviderAssertion) (*Hold, error) {
	if assertion.Provider == "" || assertion.Subject == "" {
		return nil, fmt.Errorf("%w: assertion missing provider or subject", identity.ErrValidation)
	}
	email, err := identity.NormalizeEmail(assertion.Email)
	if err != nil {
		return nil, err
	}
	assertion.Email = email

	token, err := utils.RandomToken(32)
	if err != nil {
		return nil, fmt.Errorf("generate linking token: %w", err)
	}

	now := time.Now().UTC()
	hold := Hold{
		Token:     token,
		Assertion: assertion,
		CreatedAt: now,
		ExpiresAt: now.Add(l.holdTTL),
	}
	if err := l.holds.Put(ctx, hold); err != nil {
		return nil, fmt.Errorf("store linking hold: %w", err)
	}

	logger.Info("link phase 1 started", map[string]any{
		"provider": assertion.Provider,
	})
	return &hold, nil
}

// CompleteLink consumes the hold and resolves the caller's phone:
//
//   - no account for the phone: NeedsRegistration, hold discarded
//   - account bound to the asserted email: password check, then Bound
//   - account bound to a different email: Rejected, ErrConflictingIdentity
//   - account with no email: bind email, provider link and password
//     credential in one guarded write, then Bound
//
// Concurrent completions against the same account serialize on the version
// guard; the loser gets ErrUniquenessConflict and nothing is partially
// applied. The hold is cleared on every path that reaches a decision.
func (l *Linker) CompleteLink(ctx context.Context, token, phone, password string) (*Result, error) {
	hold, err := l.holds.Get(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("load linking hold: %w", err)
	}
	if hold == nil || hold.Expired(time.Now().UTC()) {
		if hold != nil {
			_ = l.holds.Delete(ctx, token)
		}
		return nil, identity.ErrEphemeralExpired
	}

	phone, err = identity.NormalizePhone(phone)
	if err != nil {
		return nil, err
	}

	acct, err := l.accounts.FindByPhone(ctx, phone)
	if errors.Is(err, identity.ErrNotFound) {
		_ = l.holds.Delete(ctx, token)
		return &Result{Outcome: OutcomeNeedsRegistration}, nil
	}
	if err != nil {
		return nil, err
	}

	asserted := hold.Assertion

	// Account already carries an email: this is either an ordinary login
	// (emails agree) or a conflicting identity (they don't).
	if acct.Email != "" {
		if acct.Email != asserted.Email {
			_ = l.holds.Delete(ctx, token)
			return &Result{Outcome: OutcomeRejected},
				fmt.Errorf("%w: phone account is bound to a different email", identity.ErrConflictingIdentity)
		}
		if err := credentials.VerifyPassword(acct.PasswordHash, password); err != nil {
			return nil, err
		}
		if !acct.HasProviderLink(asserted.Provider, asserted.Subject) {
			acct.ProviderLinks = append(acct.ProviderLinks, identity.ProviderLink{
				Provider: asserted.Provider,
				Subject:  asserted.Subject,
			})
			if err := l.accounts.Update(ctx, acct); err != nil {
				return nil, err
			}
		}
		_ = l.holds.Delete(ctx, token)
		return &Result{Outcome: OutcomeBound, Account: acct}, nil
	}

	// The asserted email must not belong to another account, otherwise the
	// phone and email claims identify two different people.
	if other, err := l.accounts.FindByEmail(ctx, asserted.Email); err == nil && other.ID != acct.ID {
		_ = l.holds.Delete(ctx, token)
		return &Result{Outcome: OutcomeRejected},
			fmt.Errorf("%w: asserted email belongs to another account", identity.ErrConflictingIdentity)
	} else if err != nil && !errors.Is(err, identity.ErrNotFound) {
		return nil, err
	}

	hash, hashVersion, err := credentials.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", identity.ErrValidation, err)
	}

	acct.Email = asserted.Email
	acct.PasswordHash = hash
	acct.HashVersion = hashVersion
	if acct.DisplayName == "" {
		acct.DisplayName = asserted.DisplayName
	}
	if !acct.HasProviderLink(asserted.Provider, asserted.Subject) {
		acct.ProviderLinks = append(acct.ProviderLinks, identity.ProviderLink{
			Provider: asserted.Provider,
			Subject:  asserted.Subject,
		})
	}

	err = l.accounts.Update(ctx, acct)
	_ = l.holds.Delete(ctx, token)
	if err != nil {
		return nil, err
	}

	logger.Info("link completed", map[string]any{
		"account_id": acct.ID,
		"provider":   asserted.Provider,
	})
	return &Result{Outcome: OutcomeBound, Account: acct}, nil
}

// ResolveOrCreate logs in or registers directly from a provider assertion:
// known subject means login, known email means a new provider link on that
// account, no match means a fresh account with a newly minted member id.
// Used by the OAuth callback when no phone binding is requested.
func (l *Linker) ResolveOrCreate(ctx context.Context, assertion identity.ProviderAssertion) (*Result, error) {
	if assertion.Provider == "" || assertion.Subject == "" {
		return nil, fmt.Errorf("%w: assertion missing provider or subject", identity.ErrValidation)
	}
	email, err := identity.NormalizeEmail(assertion.Email)
	if err != nil {
		return nil, err
	}

	acct, err := l.accounts.FindByProviderSubject(ctx, assertion.Provider, assertion.Subject)
	if err == nil {
		return &Result{Outcome: OutcomeBound, Account: acct}, nil
	}
	if !errors.Is(err, identity.ErrNotFound) {
		return nil, err
	}

	acct, err = l.accounts.FindByEmail(ctx, email)
	if err == nil {
		acct.ProviderLinks = append(acct.ProviderLinks, identity.ProviderLink{
			Provider: assertion.Provider,
			Subject:  assertion.Subject,
		})
		if err := l.accounts.Update(ctx, acct); err != nil {
			return nil, err
		}
		return &Result{Outcome: OutcomeBound, Account: acct}, nil
	}
	if !errors.Is(err, identity.ErrNotFound) {
		return nil, err
	}

	memberID, err := l.ids.Generate(ctx, assertion.Provider+":"+assertion.Subject)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	acct = &identity.Account{
		ID:          uuid.NewString(),
		MemberID:    memberID,
		Email:       email,
		DisplayName: assertion.DisplayName,
		ProviderLinks: []identity.ProviderLink{
			{Provider: assertion.Provider, Subject: assertion.Subject},
		},
		Membership: identity.Membership{Level: "standard", JoinDate: &now},
		Status:     identity.StatusActive,
	}
	if err := l.accounts.Insert(ctx, acct); err != nil {
		return nil, err
	}

	logger.Info("account created from provider assertion", map[string]any{
		"account_id": acct.ID,
		"provider":   assertion.Provider,
	})
	return &Result{Outcome: OutcomeCreated, Account: acct}, nil
}

// Register creates an account from a phone (and optional email) plus a
// password. This is the path a NeedsRegistration caller lands on.
func (l *Linker) Register(ctx context.Context, email, phone, password string) (*Result, error) {
	phone, err := identity.NormalizePhone(phone)
	if err != nil {
		return nil, err
	}
	if email != "" {
		if email, err = identity.NormalizeEmail(email); err != nil {
			return nil, err
		}
	}

	match, err := l.resolver.Probe(ctx, identity.Claims{Email: email, Phone: phone})
	if err != nil {
		return nil, err
	}
	switch match.Kind {
	case resolver.Conflict:
		return nil, fmt.Errorf("%w: email and phone identify different accounts", identity.ErrConflictingIdentity)
	case resolver.UniqueMatch:
		return nil, fmt.Errorf("%w: account already exists", identity.ErrUniquenessConflict)
	}

	hash, hashVersion, err := credentials.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", identity.ErrValidation, err)
	}

	memberID, err := l.ids.Generate(ctx, phone)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	acct := &identity.Account{
		ID:           uuid.NewString(),
		MemberID:     memberID,
		Email:        email,
		Phone:        phone,
		PasswordHash: hash,
		HashVersion:  hashVersion,
		Membership:   identity.Membership{Level: "standard", JoinDate: &now},
		Status:       identity.StatusActive,
	}
	if err := l.accounts.Insert(ctx, acct); err != nil {
		return nil, err
	}
	return &Result{Outcome: OutcomeCreated, Account: acct}, nil
}
