// Package worker claims jobs from the queue and runs their handlers.
//
// A Worker processes one job at a time. Several processes may run workers
// against the same queue; they coordinate only through ClaimNext.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xase-labs/xase-core/pkg/observability"
	"github.com/xase-labs/xase-core/pkg/queue"
	"github.com/xase-labs/xase-core/pkg/xerrors"
)

// Handler runs one job attempt. A nil error completes the job.
type Handler interface {
	Handle(ctx context.Context, job *queue.Job) error
}

// Abandoner is implemented by handlers that hold external state for a job
// and must settle it when the job ends without Handle returning: after a
// handler panic, or when the reaper recovers a crashed attempt. final is
// true when the job was dead-lettered.
type Abandoner interface {
	Abandon(ctx context.Context, job *queue.Job, cause error, final bool) error
}

var errLeaseExpired = errors.New("lease expired")

type HandlerFunc func(ctx context.Context, job *queue.Job) error

func (f HandlerFunc) Handle(ctx context.Context, job *queue.Job) error { return f(ctx, job) }

type Config struct {
	ID           string
	PollInterval time.Duration
	LeaseTimeout time.Duration
	// ReapInterval of zero disables the reaper.
	ReapInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval: 2 * time.Second,
		LeaseTimeout: 15 * time.Minute,
		ReapInterval: time.Minute,
	}
}

type Worker struct {
	cfg      Config
	queue    queue.Queue
	handlers map[string]Handler
	mu       sync.RWMutex
	obs      *observability.Provider
	logger   *slog.Logger
	clock    func() time.Time
}

type Option func(*Worker)

func WithObservability(p *observability.Provider) Option { return func(w *Worker) { w.obs = p } }

func WithLogger(l *slog.Logger) Option { return func(w *Worker) { w.logger = l } }

func WithClock(clock func() time.Time) Option { return func(w *Worker) { w.clock = clock } }

// New returns a worker for q. An empty cfg.ID becomes "<hostname>-<uuid8>".
func New(q queue.Queue, cfg Config, opts ...Option) *Worker {
	d := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = d.PollInterval
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = d.LeaseTimeout
	}
	if cfg.ID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		cfg.ID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	w := &Worker{
		cfg:      cfg,
		queue:    q,
		handlers: make(map[string]Handler),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = slog.Default().With("component", "worker", "worker_id", cfg.ID)
	}
	if w.obs == nil {
		w.obs, _ = observability.New(context.Background(), &observability.Config{Enabled: false})
	}
	return w
}

func (w *Worker) ID() string { return w.cfg.ID }

// Register routes jobType to h, replacing any earlier handler.
func (w *Worker) Register(jobType string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = h
}

func (w *Worker) handler(jobType string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[jobType]
	return h, ok
}

// Run processes jobs until ctx is done. Job failures never stop the loop;
// queue errors are logged and followed by a poll interval of backoff.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "worker.started",
		"poll_interval", w.cfg.PollInterval,
		"lease_timeout", w.cfg.LeaseTimeout,
		"reap_interval", w.cfg.ReapInterval)

	var wg sync.WaitGroup
	if w.cfg.ReapInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.reapLoop(ctx)
		}()
	}
	defer wg.Wait()

	for {
		if ctx.Err() != nil {
			w.logger.InfoContext(ctx, "worker.stopped")
			return nil
		}
		processed, err := w.RunOnce(ctx)
		if err != nil {
			if errors.Is(err, xerrors.ErrQueueClosed) {
				w.logger.WarnContext(ctx, "worker.queue_closed")
				return err
			}
			w.logger.ErrorContext(ctx, "worker.loop_error", "error", err)
		}
		if processed && err == nil {
			continue
		}
		if !sleep(ctx, w.cfg.PollInterval) {
			w.logger.InfoContext(ctx, "worker.stopped")
			return nil
		}
	}
}

// RunOnce claims and processes at most one job. processed is false when no
// job was runnable.
func (w *Worker) RunOnce(ctx context.Context) (processed bool, err error) {
	job, err := w.queue.ClaimNext(ctx, w.cfg.ID)
	if err != nil {
		return false, fmt.Errorf("worker: claim: %w", err)
	}
	if job == nil {
		return false, nil
	}
	return true, w.process(ctx, job)
}

func (w *Worker) process(ctx context.Context, job *queue.Job) error {
	log := w.logger.With("job_id", job.ID, "job_type", job.Type, "attempt", job.Attempts+1)

	h, ok := w.handler(job.Type)
	if !ok {
		log.WarnContext(ctx, "worker.unknown_job_type")
		return w.queue.Complete(ctx, job.ID)
	}

	start := w.clock()
	jobCtx, done := w.obs.TrackOperation(ctx, "worker.job", observability.JobOperation(job.ID, job.Type, job.Attempts+1)...)
	herr := safeHandle(jobCtx, h, job)
	done(herr)
	var pe *panicError
	panicked := errors.As(herr, &pe)
	elapsed := w.clock().Sub(start)

	if herr == nil {
		if err := w.queue.Complete(ctx, job.ID); err != nil {
			return fmt.Errorf("worker: complete %s: %w", job.ID, err)
		}
		w.obs.RecordJob(ctx, job.Type, observability.OutcomeDone, elapsed)
		log.InfoContext(ctx, "worker.job_done", "duration", elapsed)
		return nil
	}

	if Permanent(herr) || job.LastAttempt() {
		cause := herr
		if !Permanent(herr) {
			cause = xerrors.Wrap(xerrors.CodeMaxRetries, "worker.process", herr)
		}
		if err := w.queue.DeadLetter(ctx, job.ID, cause); err != nil {
			return fmt.Errorf("worker: dead-letter %s: %w", job.ID, err)
		}
		if panicked {
			w.abandon(ctx, h, job, herr, true)
		}
		w.obs.RecordJob(ctx, job.Type, observability.OutcomeDeadLetter, elapsed)
		log.ErrorContext(ctx, "worker.job_dead_lettered", "error", herr, "max_attempts", job.MaxAttempts)
		return nil
	}

	runAt, err := w.queue.Reschedule(ctx, job.ID, job.Attempts+1, herr)
	if err != nil {
		return fmt.Errorf("worker: reschedule %s: %w", job.ID, err)
	}
	if panicked {
		w.abandon(ctx, h, job, herr, false)
	}
	w.obs.RecordJob(ctx, job.Type, observability.OutcomeRescheduled, elapsed)
	log.WarnContext(ctx, "worker.job_rescheduled", "error", herr, "run_at", runAt)
	return nil
}

type panicError struct{ v any }

func (e *panicError) Error() string { return fmt.Sprintf("worker: handler panic: %v", e.v) }

// safeHandle turns a handler panic into a job error so one bad job cannot
// take the process down.
func safeHandle(ctx context.Context, h Handler, job *queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{v: r}
		}
	}()
	return h.Handle(ctx, job)
}

func (w *Worker) abandon(ctx context.Context, h Handler, job *queue.Job, cause error, final bool) {
	a, ok := h.(Abandoner)
	if !ok {
		return
	}
	if err := a.Abandon(ctx, job, cause, final); err != nil {
		w.logger.ErrorContext(ctx, "worker.abandon_failed",
			"job_id", job.ID, "job_type", job.Type, "final", final, "error", err)
	}
}

// Permanent reports whether err can never succeed on retry.
func Permanent(err error) bool {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidInput, xerrors.CodeEmptyBundle:
		return true
	default:
		return false
	}
}

func (w *Worker) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Reap(ctx); err != nil && ctx.Err() == nil {
				w.logger.ErrorContext(ctx, "worker.reap_failed", "error", err)
			}
		}
	}
}

// Reap recovers jobs whose worker stopped heartbeating and lets their
// handlers settle any state the dead attempt left. Every reclaimed lease is
// logged at error level since it means a worker died mid-job.
func (w *Worker) Reap(ctx context.Context) (queue.ReapResult, error) {
	res, err := w.queue.ReapStale(ctx, w.cfg.LeaseTimeout)
	if err != nil {
		return res, err
	}
	for _, id := range res.Reclaimed {
		w.logger.ErrorContext(ctx, "worker.lease_expired", "job_id", id, "action", "requeued")
		w.abandonReaped(ctx, res.Jobs[id], false)
	}
	for _, id := range res.DeadLettered {
		w.logger.ErrorContext(ctx, "worker.lease_expired", "job_id", id, "action", "dead_lettered")
		w.abandonReaped(ctx, res.Jobs[id], true)
	}
	return res, nil
}

func (w *Worker) abandonReaped(ctx context.Context, job *queue.Job, final bool) {
	if job == nil {
		return
	}
	if h, ok := w.handler(job.Type); ok {
		w.abandon(ctx, h, job, errLeaseExpired, final)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
