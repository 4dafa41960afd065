// Package merger consolidates a duplicate account into a survivor as an
// idempotent, resumable saga: an ordered list of steps with a durable
// cursor, so a crash mid-merge resumes without re-doing completed work and
// without double-applying the additive counter step.
package merger

import (
	"context"
	"time"

	"member-identity/internal/identity"
)

// JobState is the lifecycle of a merge job.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobDone      JobState = "done"
	JobFailed    JobState = "failed"    // retryable from the cursor
	JobParked    JobState = "parked"    // retry budget spent, operator queue
	JobCancelled JobState = "cancelled" // cancelled before the first write
)

// Job is the durable saga record. Cursor is the index of the next step to
// run; Duplicate is the snapshot captured before any write, from which the
// reconciliation is computed so re-application stays deterministic.
// ClaimedAt is the worker's lease: a running job whose claim has gone stale
// belongs to a dead process and may be reclaimed.
type Job struct {
	ID            string            `bson:"_id" json:"id"`
	SurvivorID    string            `bson:"survivorId" json:"survivorId"`
	DuplicateID   string            `bson:"duplicateId" json:"duplicateId"`
	State         JobState          `bson:"state" json:"state"`
	Cursor        int               `bson:"cursor" json:"cursor"`
	Duplicate     *identity.Account `bson:"duplicate,omitempty" json:"-"`
	Rewritten     map[string]int64  `bson:"rewritten" json:"rewritten"`
	AlreadyMerged bool              `bson:"alreadyMerged" json:"alreadyMerged"`
	Attempts      int               `bson:"attempts" json:"attempts"`
	LastError     string            `bson:"lastError,omitempty" json:"lastError,omitempty"`
	ClaimedAt     *time.Time        `bson:"claimedAt,omitempty" json:"-"`
	CreatedAt     time.Time         `bson:"createdAt" json:"createdAt"`
	UpdatedAt     time.Time         `bson:"updatedAt" json:"updatedAt"`
}

// Report summarizes a merge for audit: how many references were rewritten
// per collection, and whether the merge had already been applied.
type Report struct {
	SurvivorID    string           `json:"survivorId"`
	DuplicateID   string           `json:"duplicateId"`
	AlreadyMerged bool             `json:"alreadyMerged"`
	Rewritten     map[string]int64 `json:"rewritten"`
}

func (j *Job) report() *Report {
	return &Report{
		SurvivorID:    j.SurvivorID,
		DuplicateID:   j.DuplicateID,
		AlreadyMerged: j.AlreadyMerged,
		Rewritten:     j.Rewritten,
	}
}

// JobStore persists merge jobs. NextRunnable atomically claims a pending or
// retryable job (attempts below the limit), or a running job whose claim
// lease expired with its owner, and returns nil when none is due.
type JobStore interface {
	Insert(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Update(ctx context.Context, j *Job) error
	NextRunnable(ctx context.Context, maxAttempts int) (*Job, error)
}
