// Package memberid mints the public member identifier: a fixed-length code
// over a restricted alphabet derived deterministically from a seed, checked
// for uniqueness against the account store. A sequential strategy is
// provided for deployments that want ordered ids.
package memberid

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"

	"member-identity/internal/identity"
	"member-identity/internal/store"
)

// Digits and uppercase letters minus the visually ambiguous 0, O, 1 and I.
const alphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

const (
	codeLength  = 8
	maxAttempts = 5

	// HashPrefix marks hash-derived ids, SeqPrefix sequential ones.
	HashPrefix = "M-"
	SeqPrefix  = "M"
)

// Generator derives member ids and checks them against the account store.
// It never writes; assigning the id is the caller's job, done in the same
// operation that creates the account.
type Generator struct {
	accounts store.Accounts
}

func New(accounts store.Accounts) *Generator {
	return &Generator{accounts: accounts}
}

// Candidate computes the id a given seed and attempt index would produce.
// Attempt 0 hashes the seed as-is; attempt n salts it with the attempt
// index, keeping the retry policy an explicit, auditable derivation instead
// of a recursive rehash.
func Candidate(seed string, attempt int) string {
	salted := seed
	if attempt > 0 {
		salted = seed + strconv.Itoa(attempt)
	}

	h := fnv.New64a()
	h.Write([]byte(salted))
	v := h.Sum64()

	buf := make([]byte, codeLength)
	for i := range buf {
		buf[i] = alphabet[v%uint64(len(alphabet))]
		v /= uint64(len(alphabet))
	}
	return HashPrefix + string(buf)
}

// Generate returns a member id derived from seed that is not currently
// issued. On collision it salts the seed with the attempt index and retries
// up to the bound; exhausting every attempt fails with
// identity.ErrGenerationExhausted.
func (g *Generator) Generate(ctx context.Context, seed string) (string, error) {
	if seed == "" {
		return "", fmt.Errorf("%w: empty seed", identity.ErrValidation)
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		candidate := Candidate(seed, attempt)

		_, err := g.accounts.FindByMemberID(ctx, candidate)
		if errors.Is(err, identity.ErrNotFound) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("member id uniqueness check: %w", err)
		}
	}
	return "", fmt.Errorf("%w: %d attempts for seed", identity.ErrGenerationExhausted, maxAttempts)
}

// GenerateSequential returns the next free zero-padded sequential id. Two
// generators may read the same maximum concurrently, so the result is
// re-verified and the read repeated on a race rather than held under a
// global lock.
func (g *Generator) GenerateSequential(ctx context.Context) (string, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		max, err := g.accounts.MaxMemberNumber(ctx, SeqPrefix)
		if err != nil {
			return "", fmt.Errorf("member id sequence read: %w", err)
		}
		candidate := fmt.Sprintf("%s%08d", SeqPrefix, max+1)

		_, err = g.accounts.FindByMemberID(ctx, candidate)
		if errors.Is(err, identity.ErrNotFound) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("member id uniqueness check: %w", err)
		}
	}
	return "", fmt.Errorf("%w: sequential race not resolved in %d attempts", identity.ErrGenerationExhausted, maxAttempts)
}
