package merger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"member-identity/internal/identity"
	"member-identity/internal/store"
)

func mergeFixture(t *testing.T) (*store.Memory, *identity.Account, *identity.Account) {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()

	joinedEarly := time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC)
	joinedLate := time.Date(2023, 7, 1, 0, 0, 0, 0, time.UTC)

	survivor := &identity.Account{
		ID:       "surv-1",
		MemberID: "M-SURVIVOR",
		Email:    "member@example.com",
		Membership: identity.Membership{
			Level:    "standard",
			Points:   100,
			JoinDate: &joinedLate,
		},
		Referral: identity.Referral{
			Referrals:     []string{"ref-a"},
			TotalReferred: 1,
		},
		Status: identity.StatusActive,
	}
	require.NoError(t, mem.Insert(ctx, survivor))

	duplicate := &identity.Account{
		ID:          "dup-1",
		MemberID:    "M-DUPLICATE",
		Phone:       "+60123456789",
		DisplayName: "Dup Display",
		Membership: identity.Membership{
			Level:           "standard",
			Points:          50,
			TotalVisitHours: 12,
			JoinDate:        &joinedEarly,
		},
		Referral: identity.Referral{
			Referrals:     []string{"ref-a", "ref-b"},
			TotalReferred: 2,
		},
		ProviderLinks: []identity.ProviderLink{{Provider: "google", Subject: "dup-sub"}},
		Status:        identity.StatusActive,
	}
	require.NoError(t, mem.Insert(ctx, duplicate))

	mem.Orders["order-1"] = "dup-1"
	mem.Orders["order-2"] = "dup-1"
	mem.Orders["order-3"] = "surv-1"
	mem.Ledger["entry-1"] = "dup-1"
	mem.Visits["visit-1"] = "dup-1"
	mem.Events["event-1"] = []string{"dup-1", "other-1"}
	mem.Events["event-2"] = []string{"dup-1", "surv-1"}

	referred := &identity.Account{
		ID:       "child-1",
		MemberID: "M-CHILDONE",
		Referral: identity.Referral{ReferredByUserID: "dup-1"},
		Status:   identity.StatusActive,
	}
	require.NoError(t, mem.Insert(ctx, referred))

	return mem, survivor, duplicate
}

func TestMergeConsolidatesAccounts(t *testing.T) {
	mem, _, _ := mergeFixture(t)
	m := New(mem, mem, NewMemoryJobs())
	ctx := context.Background()

	report, err := m.Merge(ctx, "surv-1", "dup-1")
	require.NoError(t, err)
	require.False(t, report.AlreadyMerged)

	assert.Equal(t, map[string]int64{
		"orders":    2,
		"ledger":    1,
		"visits":    1,
		"events":    2,
		"referrals": 1,
	}, report.Rewritten)

	survivor, err := mem.Get(ctx, "surv-1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), survivor.Membership.Points)
	assert.Equal(t, int64(12), survivor.Membership.TotalVisitHours)
	assert.Equal(t, int64(3), survivor.Referral.TotalReferred)
	assert.ElementsMatch(t, []string{"ref-a", "ref-b"}, survivor.Referral.Referrals)
	assert.Equal(t, "+60123456789", survivor.Phone)
	assert.Equal(t, "Dup Display", survivor.DisplayName)
	assert.True(t, survivor.HasProviderLink("google", "dup-sub"))
	assert.Equal(t, []string{"dup-1"}, survivor.MergedFrom)

	// Earliest join date wins.
	require.NotNil(t, survivor.Membership.JoinDate)
	assert.Equal(t, 2021, survivor.Membership.JoinDate.Year())

	duplicate, err := mem.Get(ctx, "dup-1")
	require.NoError(t, err)
	assert.Equal(t, identity.StatusMerged, duplicate.Status)
	assert.Equal(t, "surv-1", duplicate.MergedInto)
	assert.Empty(t, duplicate.Phone)

	// Every reference now points at the survivor, exactly once per document.
	assert.Equal(t, "surv-1", mem.Orders["order-1"])
	assert.Equal(t, "surv-1", mem.Orders["order-2"])
	assert.Equal(t, []string{"other-1", "surv-1"}, mem.Events["event-1"])
	assert.Equal(t, []string{"surv-1"}, mem.Events["event-2"])

	child, err := mem.Get(ctx, "child-1")
	require.NoError(t, err)
	assert.Equal(t, "surv-1", child.Referral.ReferredByUserID)

	// The released phone is claimable again.
	_, err = mem.FindByPhone(ctx, "+60123456789")
	require.NoError(t, err)
}

func TestMergeTwiceIsAlreadyMerged(t *testing.T) {
	mem, _, _ := mergeFixture(t)
	m := New(mem, mem, NewMemoryJobs())
	ctx := context.Background()

	_, err := m.Merge(ctx, "surv-1", "dup-1")
	require.NoError(t, err)

	before, err := mem.Get(ctx, "surv-1")
	require.NoError(t, err)

	report, err := m.Merge(ctx, "surv-1", "dup-1")
	require.NoError(t, err)
	assert.True(t, report.AlreadyMerged)

	after, err := mem.Get(ctx, "surv-1")
	require.NoError(t, err)
	assert.Equal(t, before.Membership.Points, after.Membership.Points)
	assert.Equal(t, before.Version, after.Version)
}

func TestMergePolicyViolations(t *testing.T) {
	ctx := context.Background()

	t.Run("duplicate has email", func(t *testing.T) {
		mem := store.NewMemory()
		require.NoError(t, mem.Insert(ctx, &identity.Account{ID: "s", MemberID: "M-AAAAAAAA", Status: identity.StatusActive}))
		require.NoError(t, mem.Insert(ctx, &identity.Account{ID: "d", MemberID: "M-BBBBBBBB", Email: "d@example.com", Status: identity.StatusActive}))

		m := New(mem, mem, NewMemoryJobs())
		_, err := m.Merge(ctx, "s", "d")
		require.ErrorIs(t, err, identity.ErrPolicyViolation)
	})

	t.Run("survivor already merged", func(t *testing.T) {
		mem := store.NewMemory()
		require.NoError(t, mem.Insert(ctx, &identity.Account{ID: "s", MemberID: "M-AAAAAAAA", Status: identity.StatusMerged, MergedInto: "x"}))
		require.NoError(t, mem.Insert(ctx, &identity.Account{ID: "d", MemberID: "M-BBBBBBBB", Status: identity.StatusActive}))

		m := New(mem, mem, NewMemoryJobs())
		_, err := m.Merge(ctx, "s", "d")
		require.ErrorIs(t, err, identity.ErrPolicyViolation)
	})

	t.Run("duplicate merged elsewhere", func(t *testing.T) {
		mem := store.NewMemory()
		require.NoError(t, mem.Insert(ctx, &identity.Account{ID: "s", MemberID: "M-AAAAAAAA", Status: identity.StatusActive}))
		require.NoError(t, mem.Insert(ctx, &identity.Account{ID: "d", MemberID: "M-BBBBBBBB", Status: identity.StatusMerged, MergedInto: "someone-else"}))

		m := New(mem, mem, NewMemoryJobs())
		_, err := m.Merge(ctx, "s", "d")
		require.ErrorIs(t, err, identity.ErrPolicyViolation)
	})

	t.Run("self merge", func(t *testing.T) {
		mem := store.NewMemory()
		m := New(mem, mem, NewMemoryJobs())
		_, err := m.Merge(ctx, "s", "s")
		require.ErrorIs(t, err, identity.ErrValidation)
	})

	t.Run("unknown duplicate", func(t *testing.T) {
		mem := store.NewMemory()
		require.NoError(t, mem.Insert(ctx, &identity.Account{ID: "s", MemberID: "M-AAAAAAAA", Status: identity.StatusActive}))

		m := New(mem, mem, NewMemoryJobs())
		_, err := m.Merge(ctx, "s", "ghost")
		require.ErrorIs(t, err, identity.ErrNotFound)
	})
}

// flakyRefs fails RewriteVisits a configured number of times, then delegates.
type flakyRefs struct {
	store.References
	failures int
}

func (f *flakyRefs) RewriteVisits(ctx context.Context, fromID, toID string) (int64, error) {
	if f.failures > 0 {
		f.failures--
		return 0, errors.New("simulated store outage")
	}
	return f.References.RewriteVisits(ctx, fromID, toID)
}

func TestMergeResumesFromCursor(t *testing.T) {
	mem, _, _ := mergeFixture(t)
	refs := &flakyRefs{References: mem, failures: 1}
	jobs := NewMemoryJobs()
	m := New(mem, refs, jobs)
	ctx := context.Background()

	_, err := m.Merge(ctx, "surv-1", "dup-1")
	require.ErrorIs(t, err, identity.ErrPartialMergeFailure)

	// The tombstone and counters landed before the failure.
	survivor, err := mem.Get(ctx, "surv-1")
	require.NoError(t, err)
	require.Equal(t, int64(150), survivor.Membership.Points)

	job, err := jobs.NextRunnable(ctx, 3)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, stepVisits, job.Cursor)

	require.NoError(t, m.Run(ctx, job))
	assert.Equal(t, JobDone, job.State)

	// Resuming never re-applies the counters.
	survivor, err = mem.Get(ctx, "surv-1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), survivor.Membership.Points)
	assert.Equal(t, []string{"dup-1"}, survivor.MergedFrom)

	// Counts from the pre-failure steps survive the resume.
	assert.Equal(t, map[string]int64{
		"orders":    2,
		"ledger":    1,
		"visits":    1,
		"events":    2,
		"referrals": 1,
	}, job.Rewritten)
}

func TestRunFromScratchAfterCompletionIsNoOp(t *testing.T) {
	mem, _, _ := mergeFixture(t)
	jobs := NewMemoryJobs()
	m := New(mem, mem, jobs)
	ctx := context.Background()

	_, err := m.Merge(ctx, "surv-1", "dup-1")
	require.NoError(t, err)

	before, err := mem.Get(ctx, "surv-1")
	require.NoError(t, err)

	// Replay the whole saga as if the cursor persistence had been lost.
	job := replayJob(t, jobs)
	require.NoError(t, m.Run(ctx, job))

	after, err := mem.Get(ctx, "surv-1")
	require.NoError(t, err)
	assert.Equal(t, before.Membership.Points, after.Membership.Points)
	assert.Equal(t, []string{"dup-1"}, after.MergedFrom)
	assert.Equal(t, "surv-1", mem.Orders["order-1"])
}

// replayJob builds a zero-cursor job for an already-applied merge, bypassing
// the precondition checks the real entry points enforce.
func replayJob(t *testing.T, jobs JobStore) *Job {
	t.Helper()
	job := &Job{
		ID:          "replay-1",
		SurvivorID:  "surv-1",
		DuplicateID: "dup-1",
		State:       JobPending,
		Rewritten:   map[string]int64{},
	}
	require.NoError(t, jobs.Insert(context.Background(), job))
	return job
}

func TestWorkerEnqueueAndDrain(t *testing.T) {
	mem, _, _ := mergeFixture(t)
	jobs := NewMemoryJobs()
	m := New(mem, mem, jobs)
	w := NewWorker(m, jobs, time.Millisecond, 3)
	ctx := context.Background()

	job, err := w.Enqueue(ctx, "surv-1", "dup-1")
	require.NoError(t, err)
	assert.Equal(t, JobPending, job.State)

	w.drain(ctx)

	done, err := w.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobDone, done.State)

	survivor, err := mem.Get(ctx, "surv-1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), survivor.Membership.Points)
}

func TestWorkerEnqueueAlreadyMerged(t *testing.T) {
	mem, _, _ := mergeFixture(t)
	jobs := NewMemoryJobs()
	m := New(mem, mem, jobs)
	w := NewWorker(m, jobs, time.Millisecond, 3)
	ctx := context.Background()

	_, err := m.Merge(ctx, "surv-1", "dup-1")
	require.NoError(t, err)

	job, err := w.Enqueue(ctx, "surv-1", "dup-1")
	require.NoError(t, err)
	assert.Equal(t, JobDone, job.State)
	assert.True(t, job.AlreadyMerged)

	// The returned id is pollable like any other job.
	got, err := w.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobDone, got.State)
	assert.True(t, got.AlreadyMerged)
}

func TestWorkerReclaimsOrphanedRunningJob(t *testing.T) {
	mem, _, _ := mergeFixture(t)
	jobs := NewMemoryJobs()
	m := New(mem, mem, jobs)
	w := NewWorker(m, jobs, time.Millisecond, 3)
	ctx := context.Background()

	job, err := w.Enqueue(ctx, "surv-1", "dup-1")
	require.NoError(t, err)

	// A worker claims the job and dies before running a single step.
	claimed, err := jobs.NextRunnable(ctx, 3)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, job.ID, claimed.ID)

	// While the lease is live the job stays off-limits.
	held, err := jobs.NextRunnable(ctx, 3)
	require.NoError(t, err)
	assert.Nil(t, held)

	// Once the lease expires the job becomes claimable again.
	stale := time.Now().UTC().Add(-2 * claimLease)
	claimed.ClaimedAt = &stale
	require.NoError(t, jobs.Update(ctx, claimed))

	reclaimed, err := jobs.NextRunnable(ctx, 3)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, job.ID, reclaimed.ID)

	// The restarted worker runs the saga to completion from the cursor.
	require.NoError(t, m.Run(ctx, reclaimed))
	assert.Equal(t, JobDone, reclaimed.State)

	survivor, err := mem.Get(ctx, "surv-1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), survivor.Membership.Points)
	assert.Equal(t, "surv-1", mem.Visits["visit-1"])
}

func TestWorkerParksAfterRetryBudget(t *testing.T) {
	mem, _, _ := mergeFixture(t)
	refs := &flakyRefs{References: mem, failures: 100}
	jobs := NewMemoryJobs()
	m := New(mem, refs, jobs)
	w := NewWorker(m, jobs, time.Millisecond, 2)
	ctx := context.Background()

	job, err := w.Enqueue(ctx, "surv-1", "dup-1")
	require.NoError(t, err)

	w.drain(ctx)

	parked, err := w.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobParked, parked.State)
	assert.Equal(t, 2, parked.Attempts)
	assert.NotEmpty(t, parked.LastError)
}

func TestWorkerCancel(t *testing.T) {
	mem, _, _ := mergeFixture(t)
	jobs := NewMemoryJobs()
	m := New(mem, mem, jobs)
	w := NewWorker(m, jobs, time.Millisecond, 3)
	ctx := context.Background()

	t.Run("pending job cancels", func(t *testing.T) {
		job, err := w.Enqueue(ctx, "surv-1", "dup-1")
		require.NoError(t, err)

		require.NoError(t, w.Cancel(ctx, job.ID))

		got, err := w.Status(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, JobCancelled, got.State)

		// Nothing was written; the duplicate is untouched.
		dup, err := mem.Get(ctx, "dup-1")
		require.NoError(t, err)
		assert.Equal(t, identity.StatusActive, dup.Status)
	})

	t.Run("completed job refuses cancel", func(t *testing.T) {
		job, err := w.Enqueue(ctx, "surv-1", "dup-1")
		require.NoError(t, err)
		w.drain(ctx)

		err = w.Cancel(ctx, job.ID)
		require.ErrorIs(t, err, identity.ErrPolicyViolation)
	})

	t.Run("job past first write refuses cancel", func(t *testing.T) {
		job := &Job{
			ID:          "mid-flight",
			SurvivorID:  "a",
			DuplicateID: "b",
			State:       JobFailed,
			Cursor:      stepReconcile,
			Rewritten:   map[string]int64{},
		}
		require.NoError(t, jobs.Insert(ctx, job))

		err := w.Cancel(ctx, "mid-flight")
		require.ErrorIs(t, err, identity.ErrPolicyViolation)
	})
}
