package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"member-identity/internal/identity"
)

// Memory implements Accounts and References on maps. It mirrors the
// uniqueness and optimistic-write semantics of the Mongo implementation and
// exists for tests and local runs without a database.
type Memory struct {
	mu       sync.Mutex
	accounts map[string]*identity.Account

	// Related documents, keyed by document id. Only the fields the merge
	// engine rewrites are modeled.
	Orders map[string]string   // order id -> account id
	Ledger map[string]string   // entry id -> account id
	Visits map[string]string   // visit id -> account id
	Events map[string][]string // event id -> participant account ids
}

func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[string]*identity.Account),
		Orders:   make(map[string]string),
		Ledger:   make(map[string]string),
		Visits:   make(map[string]string),
		Events:   make(map[string][]string),
	}
}

func (m *Memory) clone(a *identity.Account) *identity.Account {
	cp := *a
	cp.ProviderLinks = append([]identity.ProviderLink(nil), a.ProviderLinks...)
	cp.Referral.Referrals = append([]string(nil), a.Referral.Referrals...)
	cp.MergedFrom = append([]string(nil), a.MergedFrom...)
	return &cp
}

func (m *Memory) live(a *identity.Account) bool {
	return a.Status != identity.StatusMerged
}

// checkUnique enforces the uniqueness rules against every stored account
// other than the one being written.
func (m *Memory) checkUnique(a *identity.Account) error {
	for id, other := range m.accounts {
		if id == a.ID {
			continue
		}
		if other.MemberID == a.MemberID {
			return fmt.Errorf("%w: member id %s already issued", identity.ErrUniquenessConflict, a.MemberID)
		}
		if !m.live(other) || !m.live(a) {
			continue
		}
		if a.Email != "" && other.Email == a.Email {
			return fmt.Errorf("%w: email already in use", identity.ErrUniquenessConflict)
		}
		if a.Phone != "" && other.Phone == a.Phone {
			return fmt.Errorf("%w: phone already in use", identity.ErrUniquenessConflict)
		}
	}
	return nil
}

func (m *Memory) Insert(_ context.Context, a *identity.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[a.ID]; ok {
		return fmt.Errorf("%w: account id %s already exists", identity.ErrUniquenessConflict, a.ID)
	}
	if err := m.checkUnique(a); err != nil {
		return err
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	a.Version = 1
	m.accounts[a.ID] = m.clone(a)
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*identity.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok {
		return nil, identity.ErrNotFound
	}
	return m.clone(a), nil
}

func (m *Memory) FindByEmail(_ context.Context, email string) (*identity.Account, error) {
	return m.findLive(func(a *identity.Account) bool { return a.Email != "" && a.Email == email })
}

func (m *Memory) FindByPhone(_ context.Context, phone string) (*identity.Account, error) {
	return m.findLive(func(a *identity.Account) bool { return a.Phone != "" && a.Phone == phone })
}

func (m *Memory) FindByProviderSubject(_ context.Context, provider, subject string) (*identity.Account, error) {
	return m.findLive(func(a *identity.Account) bool { return a.HasProviderLink(provider, subject) })
}

func (m *Memory) findLive(match func(*identity.Account) bool) (*identity.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.accounts {
		if m.live(a) && match(a) {
			return m.clone(a), nil
		}
	}
	return nil, identity.ErrNotFound
}

func (m *Memory) FindByMemberID(_ context.Context, memberID string) (*identity.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.accounts {
		if a.MemberID == memberID {
			return m.clone(a), nil
		}
	}
	return nil, identity.ErrNotFound
}

func (m *Memory) Update(_ context.Context, a *identity.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.accounts[a.ID]
	if !ok || stored.Version != a.Version {
		return fmt.Errorf("%w: account %s changed concurrently", identity.ErrUniquenessConflict, a.ID)
	}
	if err := m.checkUnique(a); err != nil {
		return err
	}
	a.Version++
	a.UpdatedAt = time.Now().UTC()
	m.accounts[a.ID] = m.clone(a)
	return nil
}

func (m *Memory) MaxMemberNumber(_ context.Context, prefix string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var max int64
	for _, a := range m.accounts {
		rest := strings.TrimPrefix(a.MemberID, prefix)
		if rest == a.MemberID {
			continue
		}
		n, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
	}
	return max, nil
}

func (m *Memory) RewriteOrders(_ context.Context, fromID, toID string) (int64, error) {
	return m.rewriteMap(m.Orders, fromID, toID), nil
}

func (m *Memory) RewriteLedger(_ context.Context, fromID, toID string) (int64, error) {
	return m.rewriteMap(m.Ledger, fromID, toID), nil
}

func (m *Memory) RewriteVisits(_ context.Context, fromID, toID string) (int64, error) {
	return m.rewriteMap(m.Visits, fromID, toID), nil
}

func (m *Memory) rewriteMap(docs map[string]string, fromID, toID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, acct := range docs {
		if acct == fromID {
			docs[id] = toID
			n++
		}
	}
	return n
}

func (m *Memory) RewriteEventParticipants(_ context.Context, fromID, toID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, parts := range m.Events {
		hit := false
		for _, p := range parts {
			if p == fromID {
				hit = true
				break
			}
		}
		if !hit {
			continue
		}
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p != fromID && p != toID {
				out = append(out, p)
			}
		}
		out = append(out, toID)
		sort.Strings(out)
		m.Events[id] = out
		n++
	}
	return n, nil
}

func (m *Memory) RewriteReferralBackLinks(_ context.Context, fromID, toID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, a := range m.accounts {
		if a.Referral.ReferredByUserID == fromID {
			a.Referral.ReferredByUserID = toID
			n++
		}
	}
	return n, nil
}
