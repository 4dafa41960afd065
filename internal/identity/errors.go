package identity

import "errors"

// Error taxonomy shared across the resolver, linker and merger. Handlers map
// these onto HTTP statuses; everything else wraps them with %w.
var (
	// ErrValidation indicates a malformed email or phone, rejected at the
	// boundary before any lookup.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound indicates no account matched the lookup key.
	ErrNotFound = errors.New("account not found")

	// ErrUniquenessConflict indicates the email, phone or member id is
	// already bound to another live account.
	ErrUniquenessConflict = errors.New("uniqueness conflict")

	// ErrGenerationExhausted indicates the member id generator ran out of
	// bounded retry attempts.
	ErrGenerationExhausted = errors.New("member id generation exhausted")

	// ErrPolicyViolation indicates a merge precondition failed, e.g. the
	// duplicate carries its own login identity.
	ErrPolicyViolation = errors.New("merge policy violation")

	// ErrConflictingIdentity indicates the phone and email claims point at
	// two different existing accounts.
	ErrConflictingIdentity = errors.New("conflicting identity")

	// ErrEphemeralExpired indicates the linking token's TTL elapsed; the
	// caller must restart from phase 1.
	ErrEphemeralExpired = errors.New("linking token expired")

	// ErrPartialMergeFailure indicates one or more merge rewrite steps
	// failed. The job is retryable from its cursor; no data is lost.
	ErrPartialMergeFailure = errors.New("partial merge failure")
)
