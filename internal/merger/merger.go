package merger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"member-identity/internal/identity"
	"member-identity/internal/logger"
	"member-identity/internal/store"
)

// Step indices. Tombstone is the first write; cancellation is only allowed
// while the cursor is still before it.
const (
	stepCapture = iota
	stepTombstone
	stepReconcile
	stepOrders
	stepLedger
	stepVisits
	stepEvents
	stepReferrals
	stepCount
)

var stepNames = [stepCount]string{
	"capture", "tombstone", "reconcile",
	"orders", "ledger", "visits", "events", "referrals",
}

// optimisticRetries bounds the reload-and-retry loop around version-guarded
// account writes inside a step.
const optimisticRetries = 3

// Merger runs the consolidation saga.
type Merger struct {
	accounts store.Accounts
	refs     store.References
	jobs     JobStore
}

func New(accounts store.Accounts, refs store.References, jobs JobStore) *Merger {
	return &Merger{accounts: accounts, refs: refs, jobs: jobs}
}

// Merge consolidates duplicateID into survivorID synchronously and returns
// the audit report. Preconditions are checked before any write; a duplicate
// already merged into this survivor yields an AlreadyMerged report, not an
// error. Step failures surface as ErrPartialMergeFailure with the job left
// resumable at its cursor.
func (m *Merger) Merge(ctx context.Context, survivorID, duplicateID string) (*Report, error) {
	job, report, err := m.prepare(ctx, survivorID, duplicateID)
	if err != nil {
		return nil, err
	}
	if report != nil {
		return report, nil
	}
	if err := m.jobs.Insert(ctx, job); err != nil {
		return nil, err
	}
	if err := m.Run(ctx, job); err != nil {
		return nil, err
	}
	return job.report(), nil
}

// prepare validates the merge preconditions and builds the job. It returns
// a non-nil report (and no job) when the merge was already applied.
func (m *Merger) prepare(ctx context.Context, survivorID, duplicateID string) (*Job, *Report, error) {
	if survivorID == "" || duplicateID == "" || survivorID == duplicateID {
		return nil, nil, fmt.Errorf("%w: survivor and duplicate must be distinct accounts", identity.ErrValidation)
	}

	duplicate, err := m.accounts.Get(ctx, duplicateID)
	if err != nil {
		return nil, nil, err
	}
	if duplicate.Status == identity.StatusMerged {
		if duplicate.MergedInto == survivorID {
			return nil, &Report{
				SurvivorID:    survivorID,
				DuplicateID:   duplicateID,
				AlreadyMerged: true,
				Rewritten:     map[string]int64{},
			}, nil
		}
		return nil, nil, fmt.Errorf("%w: duplicate already merged into %s", identity.ErrPolicyViolation, duplicate.MergedInto)
	}
	if duplicate.Email != "" {
		return nil, nil, fmt.Errorf("%w: duplicate carries its own login identity", identity.ErrPolicyViolation)
	}

	survivor, err := m.accounts.Get(ctx, survivorID)
	if err != nil {
		return nil, nil, err
	}
	if survivor.Status == identity.StatusMerged {
		return nil, nil, fmt.Errorf("%w: survivor is itself merged", identity.ErrPolicyViolation)
	}

	return &Job{
		ID:          uuid.NewString(),
		SurvivorID:  survivorID,
		DuplicateID: duplicateID,
		State:       JobPending,
		Rewritten:   map[string]int64{},
	}, nil, nil
}

// Run executes the saga from the job's cursor. Every step is idempotent, so
// resuming after a crash or retrying after a failure never double-applies
// work. The cursor is persisted after each completed step.
func (m *Merger) Run(ctx context.Context, job *Job) error {
	job.State = JobRunning
	now := time.Now().UTC()
	job.ClaimedAt = &now

	for job.Cursor < stepCount {
		name := stepNames[job.Cursor]
		if err := m.runStep(ctx, job); err != nil {
			job.State = JobFailed
			job.Attempts++
			job.LastError = err.Error()
			if uerr := m.jobs.Update(ctx, job); uerr != nil {
				logger.Error("failed to persist merge job failure", map[string]any{
					"job_id": job.ID, "error": uerr.Error(),
				})
			}
			logger.Error("merge step failed", map[string]any{
				"job_id": job.ID, "step": name, "cursor": job.Cursor, "error": err.Error(),
			})
			return fmt.Errorf("%w: step %s: %v", identity.ErrPartialMergeFailure, name, err)
		}

		job.Cursor++
		// Persisting the cursor also refreshes the claim lease, so a slow
		// rewrite never looks orphaned while it is making progress.
		now := time.Now().UTC()
		job.ClaimedAt = &now
		if err := m.jobs.Update(ctx, job); err != nil {
			return fmt.Errorf("%w: persisting cursor after %s: %v", identity.ErrPartialMergeFailure, name, err)
		}
	}

	job.State = JobDone
	job.LastError = ""
	if err := m.jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("%w: persisting completion: %v", identity.ErrPartialMergeFailure, err)
	}

	logger.Info("merge completed", map[string]any{
		"job_id":    job.ID,
		"survivor":  job.SurvivorID,
		"duplicate": job.DuplicateID,
		"rewritten": job.Rewritten,
	})
	return nil
}

func (m *Merger) runStep(ctx context.Context, job *Job) error {
	switch job.Cursor {
	case stepCapture:
		return m.capture(ctx, job)
	case stepTombstone:
		return m.tombstone(ctx, job)
	case stepReconcile:
		return m.reconcile(ctx, job)
	case stepOrders:
		return m.rewrite(ctx, job, "orders", m.refs.RewriteOrders)
	case stepLedger:
		return m.rewrite(ctx, job, "ledger", m.refs.RewriteLedger)
	case stepVisits:
		return m.rewrite(ctx, job, "visits", m.refs.RewriteVisits)
	case stepEvents:
		return m.rewrite(ctx, job, "events", m.refs.RewriteEventParticipants)
	case stepReferrals:
		return m.rewrite(ctx, job, "referrals", m.refs.RewriteReferralBackLinks)
	default:
		return fmt.Errorf("unknown step %d", job.Cursor)
	}
}

// capture snapshots the duplicate before any write. The reconciliation is
// computed from this snapshot, not from live reads, so re-running the
// reconcile step stays deterministic.
func (m *Merger) capture(ctx context.Context, job *Job) error {
	if job.Duplicate != nil {
		return nil
	}
	duplicate, err := m.accounts.Get(ctx, job.DuplicateID)
	if err != nil {
		return err
	}
	if duplicate.Status == identity.StatusMerged && duplicate.MergedInto != job.SurvivorID {
		return fmt.Errorf("%w: duplicate merged into %s concurrently", identity.ErrPolicyViolation, duplicate.MergedInto)
	}
	job.Duplicate = duplicate
	return nil
}

// tombstone marks the duplicate merged and releases its email and phone
// from the uniqueness index. Re-entry is a no-op once the duplicate points
// at this survivor.
func (m *Merger) tombstone(ctx context.Context, job *Job) error {
	for attempt := 0; attempt < optimisticRetries; attempt++ {
		duplicate, err := m.accounts.Get(ctx, job.DuplicateID)
		if err != nil {
			return err
		}
		if duplicate.Status == identity.StatusMerged {
			if duplicate.MergedInto == job.SurvivorID {
				return nil
			}
			return fmt.Errorf("%w: duplicate merged into %s concurrently", identity.ErrPolicyViolation, duplicate.MergedInto)
		}

		duplicate.Status = identity.StatusMerged
		duplicate.MergedInto = job.SurvivorID
		duplicate.Email = ""
		duplicate.Phone = ""

		err = m.accounts.Update(ctx, duplicate)
		if err == nil {
			return nil
		}
		if !errors.Is(err, identity.ErrUniquenessConflict) {
			return err
		}
	}
	return fmt.Errorf("tombstone lost %d optimistic races", optimisticRetries)
}

// reconcile applies the additive counter merge, set unions and scalar
// preferences to the survivor. The survivor's mergedFrom tag makes
// re-entry a no-op, which is what protects the counters from being
// double-applied on resume.
func (m *Merger) reconcile(ctx context.Context, job *Job) error {
	dup := job.Duplicate
	if dup == nil {
		return errors.New("reconcile reached without a captured snapshot")
	}

	for attempt := 0; attempt < optimisticRetries; attempt++ {
		survivor, err := m.accounts.Get(ctx, job.SurvivorID)
		if err != nil {
			return err
		}
		for _, id := range survivor.MergedFrom {
			if id == job.DuplicateID {
				return nil
			}
		}

		survivor.Membership.Points += dup.Membership.Points
		survivor.Membership.ReferralPoints += dup.Membership.ReferralPoints
		survivor.Membership.TotalVisitHours += dup.Membership.TotalVisitHours
		survivor.Referral.TotalReferred += dup.Referral.TotalReferred
		survivor.Referral.ActiveReferrals += dup.Referral.ActiveReferrals

		survivor.Referral.Referrals = unionStrings(survivor.Referral.Referrals, dup.Referral.Referrals)

		survivor.Membership.JoinDate = earliest(survivor.Membership.JoinDate, dup.Membership.JoinDate)
		survivor.Referral.ReferralDate = earliest(survivor.Referral.ReferralDate, dup.Referral.ReferralDate)

		if dup.DisplayName != "" {
			survivor.DisplayName = dup.DisplayName
		}
		if dup.Phone != "" {
			survivor.Phone = dup.Phone
		}
		if dup.Status == identity.StatusActive || survivor.Status == identity.StatusActive {
			survivor.Status = identity.StatusActive
		}
		for _, l := range dup.ProviderLinks {
			if !survivor.HasProviderLink(l.Provider, l.Subject) {
				survivor.ProviderLinks = append(survivor.ProviderLinks, l)
			}
		}

		survivor.MergedFrom = append(survivor.MergedFrom, job.DuplicateID)

		err = m.accounts.Update(ctx, survivor)
		if err == nil {
			return nil
		}
		if !errors.Is(err, identity.ErrUniquenessConflict) {
			return err
		}
	}
	return fmt.Errorf("reconcile lost %d optimistic races", optimisticRetries)
}

func (m *Merger) rewrite(
	ctx context.Context,
	job *Job,
	name string,
	fn func(context.Context, string, string) (int64, error),
) error {
	n, err := fn(ctx, job.DuplicateID, job.SurvivorID)
	if err != nil {
		return err
	}
	// Re-runs rewrite zero documents; keep the count from the first pass.
	if n > 0 || job.Rewritten[name] == 0 {
		job.Rewritten[name] = n
	}
	return nil
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	for _, s := range b {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

func earliest(a, b *time.Time) *time.Time {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if b.Before(*a) {
		return b
	}
	return a
}
