package bundle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xase-labs/xase-core/pkg/artifacts"
	"github.com/xase-labs/xase-core/pkg/audit"
	"github.com/xase-labs/xase-core/pkg/crypto"
	"github.com/xase-labs/xase-core/pkg/ledger"
	"github.com/xase-labs/xase-core/pkg/queue"
	"github.com/xase-labs/xase-core/pkg/xerrors"
)

// ResourceType labels bundles in audit events.
const ResourceType = "EVIDENCE_BUNDLE"

// RequestInput describes an export.
type RequestInput struct {
	TenantID    string
	Purpose     string
	Description string
	CreatedBy   string
	DateFrom    *time.Time
	DateTo      *time.Time
	// Sync builds inline instead of enqueueing a job. Services without a
	// queue always build inline.
	Sync bool
}

// RequestResult is returned by Request. Result is set only for an inline
// build; Existing is true when an equivalent bundle was reused.
type RequestResult struct {
	Bundle   *Bundle
	Result   *Result
	Existing bool
}

// Download points at a READY archive.
type Download struct {
	Bundle    *Bundle
	URL       string
	ExpiresAt time.Time
}

// Service is the bundle request API.
type Service struct {
	bundles Store
	records ledger.Store
	builder *Builder
	queue   queue.Queue
	objects artifacts.Store
	audit   audit.Logger
	expiry  time.Duration
	clock   func() time.Time
	logger  *slog.Logger
}

type Option func(*Service)

// WithQueue enables asynchronous requests.
func WithQueue(q queue.Queue) Option { return func(s *Service) { s.queue = q } }

// WithDownloads enables presigned downloads from s.
func WithDownloads(s artifacts.Store) Option { return func(svc *Service) { svc.objects = s } }

func WithAudit(l audit.Logger) Option { return func(s *Service) { s.audit = l } }

func WithExpiry(d time.Duration) Option { return func(s *Service) { s.expiry = d } }

func WithClock(clock func() time.Time) Option { return func(s *Service) { s.clock = clock } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

func NewService(bundles Store, records ledger.Store, builder *Builder, opts ...Option) *Service {
	s := &Service{
		bundles: bundles,
		records: records,
		builder: builder,
		audit:   audit.Discard(),
		expiry:  DefaultExpiry,
		clock:   time.Now,
		logger:  slog.Default().With("component", "bundle"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Request creates a bundle for the tenant's records in the date range.
//
// An equivalent non-FAILED bundle (same purpose and range) is returned
// as-is. Otherwise a PENDING bundle is created and either built inline or
// handed to the worker through a GENERATE_BUNDLE job keyed on the bundle id.
func (s *Service) Request(ctx context.Context, in RequestInput) (*RequestResult, error) {
	const op = "bundle.request"
	in.Purpose = strings.TrimSpace(in.Purpose)
	switch {
	case in.TenantID == "":
		return nil, xerrors.New(xerrors.CodeInvalidInput, op, "tenant id is required")
	case in.Purpose == "":
		return nil, xerrors.New(xerrors.CodeInvalidInput, op, "purpose is required")
	case in.DateFrom != nil && in.DateTo != nil && in.DateTo.Before(*in.DateFrom):
		return nil, xerrors.New(xerrors.CodeInvalidInput, op, "dateTo is before dateFrom")
	}
	from, to := utcPtr(in.DateFrom), utcPtr(in.DateTo)

	existing, err := s.bundles.FindActive(ctx, in.TenantID, in.Purpose, from, to)
	switch {
	case err == nil:
		s.logger.InfoContext(ctx, "bundle.request_reused", "bundle_id", existing.BundleID, "tenant_id", in.TenantID)
		return &RequestResult{Bundle: existing, Existing: true}, nil
	case !errors.Is(err, xerrors.ErrNotFound):
		return nil, fmt.Errorf("%s: find existing: %w", op, err)
	}

	count, err := s.records.Count(ctx, in.TenantID, ledger.Filter{From: from, To: to})
	if err != nil {
		return nil, fmt.Errorf("%s: count records: %w", op, err)
	}
	if count == 0 {
		return nil, xerrors.New(xerrors.CodeEmptyBundle, op, "no records for tenant %s in the requested range", in.TenantID)
	}

	bundleID := crypto.NewBundleID()
	now := s.clock().UTC()
	expires := now.Add(s.expiry)
	b := &Bundle{
		BundleID:    bundleID,
		TenantID:    in.TenantID,
		Status:      StatusPending,
		Purpose:     in.Purpose,
		Description: in.Description,
		CreatedBy:   in.CreatedBy,
		RecordCount: count,
		DateFrom:    from,
		DateTo:      to,
		ExpiresAt:   &expires,
		CreatedAt:   now,
	}
	if err := s.bundles.Create(ctx, b); err != nil {
		return nil, fmt.Errorf("%s: create: %w", op, err)
	}

	sync := in.Sync || s.queue == nil
	s.record(ctx, audit.Event{
		TenantID:     in.TenantID,
		Action:       audit.ActionBundleRequested,
		ResourceType: ResourceType,
		ResourceID:   bundleID,
		Status:       audit.StatusSuccess,
		Metadata: map[string]any{
			"purpose":     in.Purpose,
			"recordCount": count,
			"queued":      !sync,
		},
	})

	if sync {
		res, err := s.buildInline(ctx, b)
		if err != nil {
			return nil, err
		}
		return &RequestResult{Bundle: res.Bundle, Result: res}, nil
	}

	if err := s.enqueue(ctx, b); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "bundle.enqueued", "bundle_id", bundleID, "tenant_id", in.TenantID, "records", count)
	return &RequestResult{Bundle: b}, nil
}

func (s *Service) buildInline(ctx context.Context, b *Bundle) (*Result, error) {
	if _, err := s.bundles.MarkProcessing(ctx, b.TenantID, b.BundleID); err != nil {
		return nil, fmt.Errorf("bundle.request: mark processing: %w", err)
	}
	res, err := s.builder.Build(ctx, b)
	if err != nil {
		if merr := s.bundles.MarkFailed(ctx, b.TenantID, b.BundleID, truncateError(err)); merr != nil {
			s.logger.ErrorContext(ctx, "bundle.mark_failed_error", "bundle_id", b.BundleID, "error", merr)
		}
		return nil, err
	}
	return res, nil
}

func (s *Service) enqueue(ctx context.Context, b *Bundle) error {
	_, _, err := s.queue.Enqueue(ctx, queue.TypeGenerateBundle, queue.GenerateBundlePayload{
		BundleID:   b.BundleID,
		TenantID:   b.TenantID,
		DateFilter: b.DateFilter(),
	}, queue.EnqueueOptions{DedupeKey: b.BundleID, MaxAttempts: queue.DefaultMaxAttempts})
	if err != nil {
		return fmt.Errorf("bundle.request: enqueue: %w", err)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, tenantID, bundleID string) (*Bundle, error) {
	return s.bundles.Get(ctx, tenantID, bundleID)
}

func (s *Service) List(ctx context.Context, tenantID string, limit int) ([]*Bundle, error) {
	return s.bundles.List(ctx, tenantID, limit)
}

// Download presigns the stored archive of a READY bundle.
func (s *Service) Download(ctx context.Context, tenantID, bundleID string, ttl time.Duration) (*Download, error) {
	const op = "bundle.download"
	b, err := s.bundles.Get(ctx, tenantID, bundleID)
	if err != nil {
		return nil, err
	}
	if b.Status != StatusReady {
		return nil, xerrors.New(xerrors.CodeInvalidInput, op, "bundle %s is %s, not READY", bundleID, b.Status)
	}
	now := s.clock()
	if !b.Downloadable(now) {
		s.record(ctx, audit.Event{
			TenantID: tenantID, Action: audit.ActionBundleDownloaded, ResourceType: ResourceType,
			ResourceID: bundleID, Status: audit.StatusDenied, Error: ErrExpired.Error(),
		})
		return nil, ErrExpired
	}
	if s.objects == nil || b.StorageKey == "" {
		return nil, xerrors.New(xerrors.CodeNotFound, op, "bundle %s has no stored archive", bundleID)
	}

	url, err := s.objects.Presign(ctx, b.StorageKey, ttl)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.record(ctx, audit.Event{
		TenantID: tenantID, Action: audit.ActionBundleDownloaded, ResourceType: ResourceType,
		ResourceID: bundleID, Status: audit.StatusSuccess,
		Metadata: map[string]any{"purpose": b.Purpose, "recordCount": b.RecordCount, "ttlSeconds": int64(ttl.Seconds())},
	})
	return &Download{Bundle: b, URL: url, ExpiresAt: now.Add(ttl).UTC()}, nil
}

// Reprocess re-runs a bundle that is not READY. A job that is still
// RUNNING is left alone; the enqueue then dedupes against it.
func (s *Service) Reprocess(ctx context.Context, tenantID, bundleID string) (*RequestResult, error) {
	const op = "bundle.reprocess"
	b, err := s.bundles.Get(ctx, tenantID, bundleID)
	if err != nil {
		return nil, err
	}
	if b.Status == StatusReady {
		return nil, ErrAlreadyReady
	}

	if s.queue == nil {
		res, err := s.buildInline(ctx, b)
		if err != nil {
			return nil, err
		}
		return &RequestResult{Bundle: res.Bundle, Result: res}, nil
	}

	if err := s.bundles.MarkPending(ctx, tenantID, bundleID, ""); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	requeued, err := s.queue.Requeue(ctx, bundleID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !requeued {
		if err := s.enqueue(ctx, b); err != nil {
			return nil, err
		}
	}
	s.logger.InfoContext(ctx, "bundle.reprocess", "bundle_id", bundleID, "tenant_id", tenantID, "requeued", requeued)
	b.Status = StatusPending
	return &RequestResult{Bundle: b}, nil
}

func (s *Service) record(ctx context.Context, evt audit.Event) {
	if err := s.audit.Record(ctx, evt); err != nil {
		s.logger.ErrorContext(ctx, "bundle.audit_failed", "action", evt.Action, "error", err)
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func truncateError(err error) string {
	return xerrors.Message(err, xerrors.MaxMessageLen)
}
