package linker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"member-identity/internal/credentials"
	"member-identity/internal/identity"
	"member-identity/internal/memberid"
	"member-identity/internal/resolver"
	"member-identity/internal/store"
)

func newTestLinker(ttl time.Duration) (*Linker, *store.Memory, *MemoryHolds) {
	accounts := store.NewMemory()
	holds := NewMemoryHolds()
	l := New(accounts, resolver.New(accounts), memberid.New(accounts), holds, ttl)
	return l, accounts, holds
}

func testAssertion() identity.ProviderAssertion {
	return identity.ProviderAssertion{
		Provider:    "google",
		Subject:     "sub-1",
		Email:       "member@example.com",
		DisplayName: "Member One",
	}
}

func phoneOnlyAccount(t *testing.T, accounts *store.Memory, phone string) *identity.Account {
	t.Helper()
	a := &identity.Account{
		ID:       uuid.NewString(),
		MemberID: "M-TESTACCT",
		Phone:    phone,
		Status:   identity.StatusActive,
	}
	require.NoError(t, accounts.Insert(context.Background(), a))
	return a
}

func TestBeginLinkStoresHold(t *testing.T) {
	l, _, holds := newTestLinker(10 * time.Minute)

	hold, err := l.BeginLink(context.Background(), testAssertion())
	require.NoError(t, err)
	require.NotEmpty(t, hold.Token)
	assert.True(t, hold.ExpiresAt.After(hold.CreatedAt))

	stored, err := holds.Get(context.Background(), hold.Token)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "member@example.com", stored.Assertion.Email)
}

func TestBeginLinkRejectsBadAssertion(t *testing.T) {
	l, _, _ := newTestLinker(10 * time.Minute)

	_, err := l.BeginLink(context.Background(), identity.ProviderAssertion{
		Provider: "google",
		Email:    "member@example.com",
	})
	require.ErrorIs(t, err, identity.ErrValidation)

	badEmail := testAssertion()
	badEmail.Email = "not-an-email"
	_, err = l.BeginLink(context.Background(), badEmail)
	require.ErrorIs(t, err, identity.ErrValidation)
}

func TestCompleteLinkBindsPhoneOnlyAccount(t *testing.T) {
	l, accounts, holds := newTestLinker(10 * time.Minute)
	ctx := context.Background()

	existing := phoneOnlyAccount(t, accounts, "+60123456789")

	hold, err := l.BeginLink(ctx, testAssertion())
	require.NoError(t, err)

	res, err := l.CompleteLink(ctx, hold.Token, "+60 12-345 6789", "s3cretpass")
	require.NoError(t, err)
	require.Equal(t, OutcomeBound, res.Outcome)
	assert.Equal(t, existing.ID, res.Account.ID)
	assert.Equal(t, "member@example.com", res.Account.Email)
	assert.Equal(t, "Member One", res.Account.DisplayName)
	assert.True(t, res.Account.HasProviderLink("google", "sub-1"))
	assert.NoError(t, credentials.VerifyPassword(res.Account.PasswordHash, "s3cretpass"))

	// Hold is single-use.
	stored, err := holds.Get(ctx, hold.Token)
	require.NoError(t, err)
	assert.Nil(t, stored)

	// The bound email now resolves to the same account.
	byEmail, err := accounts.FindByEmail(ctx, "member@example.com")
	require.NoError(t, err)
	assert.Equal(t, existing.ID, byEmail.ID)
}

func TestCompleteLinkMatchingEmailIsLogin(t *testing.T) {
	l, accounts, _ := newTestLinker(10 * time.Minute)
	ctx := context.Background()

	hash, hashVersion, err := credentials.HashPassword("s3cretpass")
	require.NoError(t, err)
	existing := &identity.Account{
		ID:           uuid.NewString(),
		MemberID:     "M-TESTACCT",
		Email:        "member@example.com",
		Phone:        "+60123456789",
		PasswordHash: hash,
		HashVersion:  hashVersion,
		Status:       identity.StatusActive,
	}
	require.NoError(t, accounts.Insert(ctx, existing))

	hold, err := l.BeginLink(ctx, testAssertion())
	require.NoError(t, err)

	res, err := l.CompleteLink(ctx, hold.Token, "+60123456789", "s3cretpass")
	require.NoError(t, err)
	require.Equal(t, OutcomeBound, res.Outcome)
	assert.True(t, res.Account.HasProviderLink("google", "sub-1"))
}

func TestCompleteLinkWrongPasswordKeepsHold(t *testing.T) {
	l, accounts, holds := newTestLinker(10 * time.Minute)
	ctx := context.Background()

	hash, hashVersion, err := credentials.HashPassword("s3cretpass")
	require.NoError(t, err)
	require.NoError(t, accounts.Insert(ctx, &identity.Account{
		ID:           uuid.NewString(),
		MemberID:     "M-TESTACCT",
		Email:        "member@example.com",
		Phone:        "+60123456789",
		PasswordHash: hash,
		HashVersion:  hashVersion,
		Status:       identity.StatusActive,
	}))

	hold, err := l.BeginLink(ctx, testAssertion())
	require.NoError(t, err)

	_, err = l.CompleteLink(ctx, hold.Token, "+60123456789", "wrong-password")
	require.ErrorIs(t, err, credentials.ErrInvalidCredentials)

	// A failed password check is retryable with the same token.
	stored, err := holds.Get(ctx, hold.Token)
	require.NoError(t, err)
	assert.NotNil(t, stored)
}

func TestCompleteLinkDifferentEmailRejected(t *testing.T) {
	l, accounts, _ := newTestLinker(10 * time.Minute)
	ctx := context.Background()

	require.NoError(t, accounts.Insert(ctx, &identity.Account{
		ID:       uuid.NewString(),
		MemberID: "M-TESTACCT",
		Email:    "other@example.com",
		Phone:    "+60123456789",
		Status:   identity.StatusActive,
	}))

	hold, err := l.BeginLink(ctx, testAssertion())
	require.NoError(t, err)

	res, err := l.CompleteLink(ctx, hold.Token, "+60123456789", "s3cretpass")
	require.ErrorIs(t, err, identity.ErrConflictingIdentity)
	require.NotNil(t, res)
	assert.Equal(t, OutcomeRejected, res.Outcome)
}

func TestCompleteLinkEmailOwnedElsewhereRejected(t *testing.T) {
	l, accounts, _ := newTestLinker(10 * time.Minute)
	ctx := context.Background()

	phoneOnlyAccount(t, accounts, "+60123456789")
	require.NoError(t, accounts.Insert(ctx, &identity.Account{
		ID:       uuid.NewString(),
		MemberID: "M-OTHERONE",
		Email:    "member@example.com",
		Status:   identity.StatusActive,
	}))

	hold, err := l.BeginLink(ctx, testAssertion())
	require.NoError(t, err)

	res, err := l.CompleteLink(ctx, hold.Token, "+60123456789", "s3cretpass")
	require.ErrorIs(t, err, identity.ErrConflictingIdentity)
	require.NotNil(t, res)
	assert.Equal(t, OutcomeRejected, res.Outcome)
}

func TestCompleteLinkUnknownPhoneNeedsRegistration(t *testing.T) {
	l, _, holds := newTestLinker(10 * time.Minute)
	ctx := context.Background()

	hold, err := l.BeginLink(ctx, testAssertion())
	require.NoError(t, err)

	res, err := l.CompleteLink(ctx, hold.Token, "+60123456789", "s3cretpass")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNeedsRegistration, res.Outcome)
	assert.Nil(t, res.Account)

	stored, err := holds.Get(ctx, hold.Token)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestCompleteLinkExpiredHold(t *testing.T) {
	l, accounts, _ := newTestLinker(-time.Second)
	ctx := context.Background()

	phoneOnlyAccount(t, accounts, "+60123456789")

	hold, err := l.BeginLink(ctx, testAssertion())
	require.NoError(t, err)

	_, err = l.CompleteLink(ctx, hold.Token, "+60123456789", "s3cretpass")
	require.ErrorIs(t, err, identity.ErrEphemeralExpired)

	// The account was never touched.
	acct, err := accounts.FindByPhone(ctx, "+60123456789")
	require.NoError(t, err)
	assert.Empty(t, acct.Email)
	assert.Empty(t, acct.ProviderLinks)
}

func TestCompleteLinkUnknownToken(t *testing.T) {
	l, _, _ := newTestLinker(10 * time.Minute)

	_, err := l.CompleteLink(context.Background(), "no-such-token", "+60123456789", "s3cretpass")
	require.ErrorIs(t, err, identity.ErrEphemeralExpired)
}

func TestCompleteLinkConcurrentDistinctEmails(t *testing.T) {
	l, accounts, _ := newTestLinker(10 * time.Minute)
	ctx := context.Background()

	existing := phoneOnlyAccount(t, accounts, "+60123456789")

	// Two completions race to bind the same phone account, each carrying a
	// different provider-asserted email.
	emails := []string{"first@example.com", "second@example.com"}
	tokens := make([]string, 2)
	for i, email := range emails {
		hold, err := l.BeginLink(ctx, identity.ProviderAssertion{
			Provider: "google",
			Subject:  fmt.Sprintf("sub-%d", i),
			Email:    email,
		})
		require.NoError(t, err)
		tokens[i] = hold.Token
	}

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = l.CompleteLink(ctx, tokens[i], "+60123456789", "s3cretpass")
		}(i)
	}
	wg.Wait()

	winner := -1
	for i := 0; i < 2; i++ {
		if errs[i] == nil {
			require.NotNil(t, results[i])
			require.Equal(t, OutcomeBound, results[i].Outcome)
			require.Equal(t, -1, winner, "both completions bound")
			winner = i
			continue
		}
		// The loser hit the version guard, or reloaded the account after
		// the winner's write and saw a different bound email.
		ok := errors.Is(errs[i], identity.ErrUniquenessConflict) ||
			errors.Is(errs[i], identity.ErrConflictingIdentity)
		assert.True(t, ok, "unexpected loser error: %v", errs[i])
	}
	require.NotEqual(t, -1, winner)

	// Exactly the winner's email and provider link landed on the account.
	acct, err := accounts.Get(ctx, existing.ID)
	require.NoError(t, err)
	assert.Equal(t, emails[winner], acct.Email)
	require.Len(t, acct.ProviderLinks, 1)
	assert.Equal(t, fmt.Sprintf("sub-%d", winner), acct.ProviderLinks[0].Subject)
	assert.NoError(t, credentials.VerifyPassword(acct.PasswordHash, "s3cretpass"))
}

func TestResolveOrCreateKnownSubject(t *testing.T) {
	l, accounts, _ := newTestLinker(10 * time.Minute)
	ctx := context.Background()

	existing := &identity.Account{
		ID:            uuid.NewString(),
		MemberID:      "M-TESTACCT",
		Email:         "member@example.com",
		ProviderLinks: []identity.ProviderLink{{Provider: "google", Subject: "sub-1"}},
		Status:        identity.StatusActive,
	}
	require.NoError(t, accounts.Insert(ctx, existing))

	res, err := l.ResolveOrCreate(ctx, testAssertion())
	require.NoError(t, err)
	require.Equal(t, OutcomeBound, res.Outcome)
	assert.Equal(t, existing.ID, res.Account.ID)
}

func TestResolveOrCreateKnownEmailAddsLink(t *testing.T) {
	l, accounts, _ := newTestLinker(10 * time.Minute)
	ctx := context.Background()

	existing := &identity.Account{
		ID:       uuid.NewString(),
		MemberID: "M-TESTACCT",
		Email:    "member@example.com",
		Status:   identity.StatusActive,
	}
	require.NoError(t, accounts.Insert(ctx, existing))

	res, err := l.ResolveOrCreate(ctx, testAssertion())
	require.NoError(t, err)
	require.Equal(t, OutcomeBound, res.Outcome)
	assert.Equal(t, existing.ID, res.Account.ID)
	assert.True(t, res.Account.HasProviderLink("google", "sub-1"))
}

func TestResolveOrCreateNewAccount(t *testing.T) {
	l, accounts, _ := newTestLinker(10 * time.Minute)
	ctx := context.Background()

	res, err := l.ResolveOrCreate(ctx, testAssertion())
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, res.Outcome)
	require.NotNil(t, res.Account)
	assert.NotEmpty(t, res.Account.MemberID)
	assert.Equal(t, "standard", res.Account.Membership.Level)
	assert.True(t, res.Account.HasProviderLink("google", "sub-1"))

	// Same assertion again resolves to the same account instead of creating.
	again, err := l.ResolveOrCreate(ctx, testAssertion())
	require.NoError(t, err)
	assert.Equal(t, OutcomeBound, again.Outcome)
	assert.Equal(t, res.Account.ID, again.Account.ID)

	_, err = accounts.FindByMemberID(ctx, res.Account.MemberID)
	require.NoError(t, err)
}

func TestRegisterCreatesAccount(t *testing.T) {
	l, _, _ := newTestLinker(10 * time.Minute)

	res, err := l.Register(context.Background(), "member@example.com", "+60123456789", "s3cretpass")
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, res.Outcome)
	assert.Equal(t, "+60123456789", res.Account.Phone)
	assert.NotEmpty(t, res.Account.MemberID)
	assert.NoError(t, credentials.VerifyPassword(res.Account.PasswordHash, "s3cretpass"))
}

func TestRegisterExistingPhoneRejected(t *testing.T) {
	l, accounts, _ := newTestLinker(10 * time.Minute)

	phoneOnlyAccount(t, accounts, "+60123456789")

	_, err := l.Register(context.Background(), "", "+60123456789", "s3cretpass")
	require.ErrorIs(t, err, identity.ErrUniquenessConflict)
}

func TestRegisterConflictingClaimsRejected(t *testing.T) {
	l, accounts, _ := newTestLinker(10 * time.Minute)
	ctx := context.Background()

	phoneOnlyAccount(t, accounts, "+60123456789")
	require.NoError(t, accounts.Insert(ctx, &identity.Account{
		ID:       uuid.NewString(),
		MemberID: "M-OTHERONE",
		Email:    "member@example.com",
		Status:   identity.StatusActive,
	}))

	_, err := l.Register(ctx, "member@example.com", "+60123456789", "s3cretpass")
	require.ErrorIs(t, err, identity.ErrConflictingIdentity)
}
