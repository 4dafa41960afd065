package merger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"member-identity/internal/identity"
)

// claimLease bounds how long a claimed job stays off-limits to other
// workers. A running job older than this is presumed orphaned by a crashed
// process and becomes claimable again, resuming from its persisted cursor.
const claimLease = 5 * time.Minute

// MongoJobs stores merge jobs in the merge_jobs collection.
type MongoJobs struct {
	col *mongo.Collection
}

func NewMongoJobs(db *mongo.Database) *MongoJobs {
	return &MongoJobs{col: db.Collection("merge_jobs")}
}

func (s *MongoJobs) Insert(ctx context.Context, j *Job) error {
	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now
	if _, err := s.col.InsertOne(ctx, j); err != nil {
		return fmt.Errorf("insert merge job: %w", err)
	}
	return nil
}

func (s *MongoJobs) Get(ctx context.Context, id string) (*Job, error) {
	var j Job
	err := s.col.FindOne(ctx, bson.M{"_id": id}).Decode(&j)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find merge job: %w", err)
	}
	return &j, nil
}

func (s *MongoJobs) Update(ctx context.Context, j *Job) error {
	j.UpdatedAt = time.Now().UTC()
	res, err := s.col.ReplaceOne(ctx, bson.M{"_id": j.ID}, j)
	if err != nil {
		return fmt.Errorf("update merge job: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("update merge job: %w", identity.ErrNotFound)
	}
	return nil
}

// NextRunnable claims the oldest due job by flipping its state to running
// in one conditional update, so concurrent workers never pick up the same
// job. Due means pending, retryable after a failure, or running under a
// lease that expired with a dead worker.
func (s *MongoJobs) NextRunnable(ctx context.Context, maxAttempts int) (*Job, error) {
	now := time.Now().UTC()
	filter := bson.M{
		"attempts": bson.M{"$lt": maxAttempts},
		"$or": bson.A{
			bson.M{"state": bson.M{"$in": bson.A{JobPending, JobFailed}}},
			bson.M{"state": JobRunning, "claimedAt": bson.M{"$lt": now.Add(-claimLease)}},
		},
	}
	update := bson.M{"$set": bson.M{"state": JobRunning, "claimedAt": now, "updatedAt": now}}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "createdAt", Value: 1}}).
		SetReturnDocument(options.After)

	var j Job
	err := s.col.FindOneAndUpdate(ctx, filter, update, opts).Decode(&j)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim merge job: %w", err)
	}
	return &j, nil
}

// MemoryJobs is an in-process JobStore for tests.
type MemoryJobs struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

func NewMemoryJobs() *MemoryJobs {
	return &MemoryJobs{jobs: make(map[string]*Job)}
}

func (s *MemoryJobs) clone(j *Job) *Job {
	cp := *j
	if j.Duplicate != nil {
		d := *j.Duplicate
		cp.Duplicate = &d
	}
	if j.ClaimedAt != nil {
		c := *j.ClaimedAt
		cp.ClaimedAt = &c
	}
	cp.Rewritten = make(map[string]int64, len(j.Rewritten))
	for k, v := range j.Rewritten {
		cp.Rewritten[k] = v
	}
	return &cp
}

func (s *MemoryJobs) Insert(_ context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now
	s.jobs[j.ID] = s.clone(j)
	return nil
}

func (s *MemoryJobs) Get(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, identity.ErrNotFound
	}
	return s.clone(j), nil
}

func (s *MemoryJobs) Update(_ context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; !ok {
		return identity.ErrNotFound
	}
	j.UpdatedAt = time.Now().UTC()
	s.jobs[j.ID] = s.clone(j)
	return nil
}

func (s *MemoryJobs) NextRunnable(_ context.Context, maxAttempts int) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var due []*Job
	for _, j := range s.jobs {
		if j.Attempts >= maxAttempts {
			continue
		}
		switch {
		case j.State == JobPending || j.State == JobFailed:
		case j.State == JobRunning && j.ClaimedAt != nil && now.Sub(*j.ClaimedAt) > claimLease:
		default:
			continue
		}
		due = append(due, j)
	}
	if len(due) == 0 {
		return nil, nil
	}
	sort.Slice(due, func(i, k int) bool { return due[i].CreatedAt.Before(due[k].CreatedAt) })
	due[0].State = JobRunning
	due[0].ClaimedAt = &now
	return s.clone(due[0]), nil
}
