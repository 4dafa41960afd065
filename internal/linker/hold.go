// Package linker turns a freshly verified third-party identity plus a
// caller-supplied phone into a login, a newly bound account, or a
// rejection. Phase 1 parks the verified claims in an ephemeral hold; phase
// 2 consumes the hold and performs the single guarded account write.
package linker

import (
	"context"
	"sync"
	"time"

	"member-identity/internal/identity"
)

// Hold is the ephemeral record bridging the two linking phases: a verified
// but not-yet-bound provider assertion addressed by an opaque token. It is
// explicitly time-boxed and is not durable state; when it expires, phase 2
// must restart from phase 1.
type Hold struct {
	Token     string                     `json:"token"`
	Assertion identity.ProviderAssertion `json:"assertion"`
	CreatedAt time.Time                  `json:"createdAt"`
	ExpiresAt time.Time                  `json:"expiresAt"`
}

// Expired reports whether the hold's TTL has elapsed.
func (h *Hold) Expired(now time.Time) bool {
	return now.After(h.ExpiresAt)
}

// HoldStore stores pending holds. Get returns (nil, nil) for unknown
// tokens; the expiry check stays with the linker so it is enforced even if
// the backend's own TTL lags.
type HoldStore interface {
	Put(ctx context.Context, h Hold) error
	Get(ctx context.Context, token string) (*Hold, error)
	Delete(ctx context.Context, token string) error
}

// MemoryHolds is an in-process HoldStore for tests.
type MemoryHolds struct {
	mu    sync.Mutex
	holds map[string]Hold
}

func NewMemoryHolds() *MemoryHolds {
	return &MemoryHolds{holds: make(map[string]Hold)}
}

func (m *MemoryHolds) Put(_ context.Context, h Hold) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holds[h.Token] = h
	return nil
}

func (m *MemoryHolds) Get(_ context.Context, token string) (*Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.holds[token]
	if !ok {
		return nil, nil
	}
	return &h, nil
}

func (m *MemoryHolds) Delete(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.holds, token)
	return nil
}
