package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xase-labs/xase-core/pkg/util/resiliency"
	"github.com/xase-labs/xase-core/pkg/xerrors"
)

// DeadJob is a dead-lettered job kept by MemoryQueue.
type DeadJob struct {
	Job
	DeadAt time.Time
}

// MemoryQueue is an in-process Queue with the same state machine as
// PostgresQueue. It backs tests and single-process runs.
type MemoryQueue struct {
	mu     sync.Mutex
	jobs   map[string]*Job
	dead   []DeadJob
	policy resiliency.Policy
	clock  func() time.Time
	closed bool
}

var _ Queue = (*MemoryQueue)(nil)

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		jobs:   make(map[string]*Job),
		policy: resiliency.JobPolicy,
		clock:  time.Now,
	}
}

func (q *MemoryQueue) WithClock(clock func() time.Time) *MemoryQueue {
	q.clock = clock
	return q
}

func (q *MemoryQueue) WithPolicy(p resiliency.Policy) *MemoryQueue {
	q.policy = p
	return q
}

func (q *MemoryQueue) open(op string) error {
	if q.closed {
		return xerrors.New(xerrors.CodeQueueClosed, op, "queue is closed")
	}
	return nil
}

func (q *MemoryQueue) Enqueue(_ context.Context, jobType string, payload any, opts EnqueueOptions) (*Job, bool, error) {
	raw, err := encodePayload(jobType, payload)
	if err != nil {
		return nil, false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.open("queue.enqueue"); err != nil {
		return nil, false, err
	}

	if opts.DedupeKey != "" {
		for _, j := range q.jobs {
			if j.DedupeKey != nil && *j.DedupeKey == opts.DedupeKey {
				return copyJob(j), false, nil
			}
		}
	}

	now := q.clock().UTC()
	j := &Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		Status:      StatusPending,
		Payload:     raw,
		MaxAttempts: opts.MaxAttempts,
		RunAt:       opts.RunAt.UTC(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RunAt.IsZero() {
		j.RunAt = now
	}
	if opts.DedupeKey != "" {
		k := opts.DedupeKey
		j.DedupeKey = &k
	}
	q.jobs[j.ID] = j
	return copyJob(j), true, nil
}

func (q *MemoryQueue) ClaimNext(_ context.Context, workerID string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.open("queue.claim"); err != nil {
		return nil, err
	}

	now := q.clock().UTC()
	var runnable []*Job
	for _, j := range q.jobs {
		if j.Status == StatusPending && !j.RunAt.After(now) {
			runnable = append(runnable, j)
		}
	}
	if len(runnable) == 0 {
		return nil, nil
	}
	sort.Slice(runnable, func(a, b int) bool {
		if runnable[a].RunAt.Equal(runnable[b].RunAt) {
			return runnable[a].CreatedAt.Before(runnable[b].CreatedAt)
		}
		return runnable[a].RunAt.Before(runnable[b].RunAt)
	})
	j := runnable[0]
	j.Status = StatusRunning
	j.LockedBy = workerID
	j.LockedAt = &now
	j.UpdatedAt = now
	return copyJob(j), nil
}

func (q *MemoryQueue) Complete(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.open("queue.complete"); err != nil {
		return err
	}
	if j, ok := q.jobs[id]; ok {
		j.Status = StatusDone
		j.LockedBy, j.LockedAt = "", nil
		j.UpdatedAt = q.clock().UTC()
	}
	return nil
}

func (q *MemoryQueue) Reschedule(_ context.Context, id string, attempts int, cause error) (time.Time, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.open("queue.reschedule"); err != nil {
		return time.Time{}, err
	}
	now := q.clock().UTC()
	runAt := now.Add(q.policy.Delay(attempts))
	if j, ok := q.jobs[id]; ok {
		j.Status = StatusPending
		j.Attempts++
		j.LastError = truncateError(cause)
		j.RunAt = runAt
		j.LockedBy, j.LockedAt = "", nil
		j.UpdatedAt = now
	}
	return runAt, nil
}

func (q *MemoryQueue) DeadLetter(_ context.Context, id string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.open("queue.dead_letter"); err != nil {
		return err
	}
	q.deadLetter(id, truncateError(cause))
	return nil
}

func (q *MemoryQueue) deadLetter(id, lastError string) {
	j, ok := q.jobs[id]
	if !ok {
		return
	}
	dj := DeadJob{Job: *copyJob(j), DeadAt: q.clock().UTC()}
	dj.LastError = lastError
	q.dead = append(q.dead, dj)
	delete(q.jobs, id)
}

func (q *MemoryQueue) ReapStale(_ context.Context, lease time.Duration) (ReapResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var res ReapResult
	if err := q.open("queue.reap"); err != nil {
		return res, err
	}
	now := q.clock().UTC()
	cutoff := now.Add(-lease)
	for id, j := range q.jobs {
		if j.Status != StatusRunning || j.LockedAt == nil || !j.LockedAt.Before(cutoff) {
			continue
		}
		j.Attempts++
		j.LastError = "lease expired"
		if j.Attempts >= j.MaxAttempts {
			res.add(copyJob(j), true)
			q.deadLetter(id, j.LastError)
			continue
		}
		j.Status = StatusPending
		j.RunAt = now
		j.LockedBy, j.LockedAt = "", nil
		j.UpdatedAt = now
		res.add(copyJob(j), false)
	}
	sort.Strings(res.Reclaimed)
	sort.Strings(res.DeadLettered)
	return res, nil
}

func (q *MemoryQueue) Requeue(_ context.Context, dedupeKey string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.open("queue.requeue"); err != nil {
		return false, err
	}
	now := q.clock().UTC()
	for _, j := range q.jobs {
		if j.DedupeKey == nil || *j.DedupeKey != dedupeKey || j.Status == StatusRunning {
			continue
		}
		j.Status = StatusPending
		j.Attempts = 0
		j.RunAt = now
		j.LastError = ""
		j.LockedBy, j.LockedAt = "", nil
		j.UpdatedAt = now
		return true, nil
	}
	return false, nil
}

func (q *MemoryQueue) Stats(_ context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var st Stats
	if err := q.open("queue.stats"); err != nil {
		return st, err
	}
	for _, j := range q.jobs {
		switch j.Status {
		case StatusPending:
			st.Pending++
		case StatusRunning:
			st.Running++
		case StatusDone:
			st.Done++
		}
	}
	st.DeadLettered = int64(len(q.dead))
	return st, nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

// Get returns a snapshot of a live job.
func (q *MemoryQueue) Get(id string) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return nil, false
	}
	return copyJob(j), true
}

// Dead returns the dead-lettered jobs in order.
func (q *MemoryQueue) Dead() []DeadJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadJob(nil), q.dead...)
}

func copyJob(j *Job) *Job {
	c := *j
	c.Payload = append([]byte(nil), j.Payload...)
	if j.DedupeKey != nil {
		k := *j.DedupeKey
		c.DedupeKey = &k
	}
	if j.LockedAt != nil {
		t := *j.LockedAt
		c.LockedAt = &t
	}
	return &c
}
