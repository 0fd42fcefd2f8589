package worker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/xase-labs/xase-core/pkg/audit"
	"github.com/xase-labs/xase-core/pkg/bundle"
	"github.com/xase-labs/xase-core/pkg/queue"
	"github.com/xase-labs/xase-core/pkg/xerrors"
)

// GenerateBundleHandler builds the bundle named by a GENERATE_BUNDLE job.
// It is idempotent: a missing or READY bundle completes the job untouched.
// It implements Abandoner so a crashed build never leaves its bundle
// PROCESSING.
type GenerateBundleHandler struct {
	bundles bundle.Store
	builder *bundle.Builder
	audit   audit.Logger
	logger  *slog.Logger
}

var _ Abandoner = (*GenerateBundleHandler)(nil)

func NewGenerateBundleHandler(bundles bundle.Store, builder *bundle.Builder, auditLog audit.Logger) *GenerateBundleHandler {
	if auditLog == nil {
		auditLog = audit.Discard()
	}
	return &GenerateBundleHandler{
		bundles: bundles,
		builder: builder,
		audit:   auditLog,
		logger:  slog.Default().With("component", "worker"),
	}
}

func (h *GenerateBundleHandler) Handle(ctx context.Context, job *queue.Job) error {
	p, err := queue.DecodeGenerateBundle(job.Payload)
	if err != nil {
		return err
	}
	log := h.logger.With("job_id", job.ID, "bundle_id", p.BundleID, "tenant_id", p.TenantID)

	b, err := h.bundles.Get(ctx, p.TenantID, p.BundleID)
	if errors.Is(err, xerrors.ErrNotFound) {
		log.WarnContext(ctx, "worker.bundle_missing")
		return nil
	}
	if err != nil {
		return err
	}
	if b.Status == bundle.StatusReady {
		log.InfoContext(ctx, "worker.bundle_already_ready")
		return nil
	}

	claimed, err := h.bundles.MarkProcessing(ctx, p.TenantID, p.BundleID)
	if err != nil {
		return err
	}
	if !claimed {
		log.InfoContext(ctx, "worker.bundle_already_ready")
		return nil
	}

	res, berr := h.builder.Build(ctx, b)
	if berr == nil {
		h.record(ctx, b, audit.StatusSuccess, "", map[string]any{
			"jobId":        job.ID,
			"attempt":      job.Attempts + 1,
			"recordCount":  res.Bundle.RecordCount,
			"manifestHash": res.Manifest.ManifestHash,
		})
		return nil
	}

	msg := xerrors.Message(berr, xerrors.MaxMessageLen)
	final := Permanent(berr) || job.LastAttempt()
	var merr error
	if final {
		merr = h.bundles.MarkFailed(ctx, p.TenantID, p.BundleID, msg)
	} else {
		merr = h.bundles.MarkPending(ctx, p.TenantID, p.BundleID, msg)
	}
	if merr != nil && !errors.Is(merr, bundle.ErrAlreadyReady) {
		log.ErrorContext(ctx, "worker.bundle_status_failed", "error", merr)
	}
	h.record(ctx, b, audit.StatusFailed, msg, map[string]any{
		"jobId":   job.ID,
		"attempt": job.Attempts + 1,
		"final":   final,
	})
	return berr
}

// Abandon settles the bundle of a job that ended outside Handle: FAILED
// when the job is dead, PENDING when it will run again. A READY or missing
// bundle is left alone.
func (h *GenerateBundleHandler) Abandon(ctx context.Context, job *queue.Job, cause error, final bool) error {
	p, err := queue.DecodeGenerateBundle(job.Payload)
	if err != nil {
		return err
	}
	msg := xerrors.Message(cause, xerrors.MaxMessageLen)
	if final {
		err = h.bundles.MarkFailed(ctx, p.TenantID, p.BundleID, msg)
	} else {
		err = h.bundles.MarkPending(ctx, p.TenantID, p.BundleID, msg)
	}
	switch {
	case errors.Is(err, bundle.ErrAlreadyReady), errors.Is(err, xerrors.ErrNotFound):
		return nil
	case err != nil:
		return err
	}
	h.logger.WarnContext(ctx, "worker.bundle_abandoned",
		"job_id", job.ID, "bundle_id", p.BundleID, "tenant_id", p.TenantID, "final", final, "error", msg)
	h.record(ctx, &bundle.Bundle{TenantID: p.TenantID, BundleID: p.BundleID}, audit.StatusFailed, msg, map[string]any{
		"jobId":     job.ID,
		"final":     final,
		"abandoned": true,
	})
	return nil
}

func (h *GenerateBundleHandler) record(ctx context.Context, b *bundle.Bundle, status audit.Status, errMsg string, meta map[string]any) {
	if err := h.audit.Record(ctx, audit.Event{
		TenantID:     b.TenantID,
		ActorID:      "worker",
		Action:       audit.ActionBundleProcess,
		ResourceType: bundle.ResourceType,
		ResourceID:   b.BundleID,
		Status:       status,
		Error:        errMsg,
		Metadata:     meta,
	}); err != nil {
		h.logger.ErrorContext(ctx, "worker.audit_failed", "bundle_id", b.BundleID, "error", err)
	}
}
