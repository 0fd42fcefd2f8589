// Package queue is the durable work queue that decouples bundle requests
// from bundle construction.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/xase-labs/xase-core/pkg/xerrors"
)

// Status is the lifecycle state of a job row.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusRunning Status = "RUNNING"
	StatusDone    Status = "DONE"
)

// TypeGenerateBundle builds one evidence bundle.
const TypeGenerateBundle = "GENERATE_BUNDLE"

// DefaultMaxAttempts applies when EnqueueOptions.MaxAttempts is zero.
const DefaultMaxAttempts = 5

type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Status      Status          `json:"status"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	RunAt       time.Time       `json:"runAt"`
	LastError   string          `json:"lastError,omitempty"`
	DedupeKey   *string         `json:"dedupeKey,omitempty"`
	LockedBy    string          `json:"lockedBy,omitempty"`
	LockedAt    *time.Time      `json:"lockedAt,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// LastAttempt reports whether a failure of the current run exhausts the job.
func (j *Job) LastAttempt() bool { return j.Attempts+1 >= j.MaxAttempts }

// DateFilter bounds the records of a bundle by timestamp, inclusive.
type DateFilter struct {
	Gte *time.Time `json:"gte,omitempty"`
	Lte *time.Time `json:"lte,omitempty"`
}

// GenerateBundlePayload is the persisted GENERATE_BUNDLE payload.
type GenerateBundlePayload struct {
	BundleID   string      `json:"bundleId"`
	TenantID   string      `json:"tenantId"`
	DateFilter *DateFilter `json:"dateFilter,omitempty"`
}

type EnqueueOptions struct {
	// DedupeKey makes Enqueue idempotent: a second job with the same key is
	// not inserted.
	DedupeKey   string
	RunAt       time.Time
	MaxAttempts int
}

// Stats counts jobs per status plus the dead-letter table.
type Stats struct {
	Pending      int64 `json:"pending"`
	Running      int64 `json:"running"`
	Done         int64 `json:"done"`
	DeadLettered int64 `json:"deadLettered"`
}

// ReapResult reports what ReapStale did with expired leases.
type ReapResult struct {
	Reclaimed    []string
	DeadLettered []string
	// Jobs holds each reaped job by id with its type and payload, so
	// callers can release state the crashed attempt left behind.
	Jobs map[string]*Job
}

func (r *ReapResult) add(j *Job, deadLettered bool) {
	if r.Jobs == nil {
		r.Jobs = make(map[string]*Job)
	}
	r.Jobs[j.ID] = j
	if deadLettered {
		r.DeadLettered = append(r.DeadLettered, j.ID)
		return
	}
	r.Reclaimed = append(r.Reclaimed, j.ID)
}

// Total is the number of expired leases handled.
func (r ReapResult) Total() int { return len(r.Reclaimed) + len(r.DeadLettered) }

// Queue is a claim/retry/dead-letter job queue.
type Queue interface {
	// Enqueue validates payload against the job type's schema and inserts
	// a PENDING job. inserted is false when the dedupe key already exists;
	// the existing job is returned then.
	Enqueue(ctx context.Context, jobType string, payload any, opts EnqueueOptions) (job *Job, inserted bool, err error)

	// ClaimNext moves the oldest runnable job to RUNNING and returns it, or
	// nil when nothing is runnable.
	ClaimNext(ctx context.Context, workerID string) (*Job, error)

	Complete(ctx context.Context, id string) error

	// Reschedule returns a job to PENDING with attempts+1 and a run_at
	// pushed out by the job backoff for the given attempt number.
	Reschedule(ctx context.Context, id string, attempts int, cause error) (time.Time, error)

	// DeadLetter moves a job to the dead-letter table.
	DeadLetter(ctx context.Context, id string, cause error) error

	// ReapStale recovers RUNNING jobs whose lease is older than lease.
	ReapStale(ctx context.Context, lease time.Duration) (ReapResult, error)

	// Requeue makes the job with dedupeKey runnable now. It reports false
	// when no such job exists.
	Requeue(ctx context.Context, dedupeKey string) (bool, error)

	Stats(ctx context.Context) (Stats, error)

	// Close makes every later call fail with QUEUE_CLOSED.
	Close() error
}

func truncateError(err error) string {
	return xerrors.Message(err, xerrors.MaxMessageLen)
}
