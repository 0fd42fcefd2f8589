package bundle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xase-labs/xase-core/pkg/archive"
	"github.com/xase-labs/xase-core/pkg/artifacts"
	"github.com/xase-labs/xase-core/pkg/canonicalize"
	"github.com/xase-labs/xase-core/pkg/crypto"
	"github.com/xase-labs/xase-core/pkg/intervention"
	"github.com/xase-labs/xase-core/pkg/ledger"
	"github.com/xase-labs/xase-core/pkg/manifest"
	"github.com/xase-labs/xase-core/pkg/observability"
	"github.com/xase-labs/xase-core/pkg/signing"
	"github.com/xase-labs/xase-core/pkg/util/resiliency"
	"github.com/xase-labs/xase-core/pkg/xerrors"
)

// Signer signs manifest hashes. *signing.Service satisfies it.
type Signer interface {
	SignBestEffort(ctx context.Context, req signing.Request) (*crypto.Signature, error)
}

// InterventionSource lists human interventions by chain position.
// intervention.Store satisfies it.
type InterventionSource interface {
	ListBySequence(ctx context.Context, tenantID string, from, to int64) ([]*intervention.Intervention, error)
}

// Result is a finished build.
type Result struct {
	Bundle    *Bundle
	Manifest  *manifest.Manifest
	Signature *crypto.Signature
	// Archive is always set; callers without object storage hand its bytes
	// to the requester directly.
	Archive *archive.Archive
}

// Builder produces the archive for one bundle and marks it READY.
type Builder struct {
	records        ledger.Store
	bundles        Store
	signer         Signer
	interventions  InterventionSource
	objects        artifacts.Store
	storageTimeout time.Duration
	uploadGuard    resiliency.Guard
	payloads       bool
	clock          func() time.Time
	logger         *slog.Logger
	obs            *observability.Provider
}

type BuilderOption func(*Builder)

// WithObjectStore uploads archives to s. Without one, archives are only
// returned to the caller and no storage key is recorded.
func WithObjectStore(s artifacts.Store, timeout time.Duration) BuilderOption {
	return func(b *Builder) {
		b.objects = s
		if timeout > 0 {
			b.storageTimeout = timeout
		}
	}
}

// WithInterventions ships the human interventions on the bundled records.
func WithInterventions(src InterventionSource) BuilderOption {
	return func(b *Builder) { b.interventions = src }
}

func WithPayloads(include bool) BuilderOption { return func(b *Builder) { b.payloads = include } }

func WithBuilderClock(clock func() time.Time) BuilderOption {
	return func(b *Builder) { b.clock = clock }
}

func WithBuilderLogger(l *slog.Logger) BuilderOption { return func(b *Builder) { b.logger = l } }

func WithBuilderObservability(p *observability.Provider) BuilderOption {
	return func(b *Builder) { b.obs = p }
}

func NewBuilder(records ledger.Store, bundles Store, signer Signer, opts ...BuilderOption) *Builder {
	b := &Builder{
		records:        records,
		bundles:        bundles,
		signer:         signer,
		storageTimeout: 60 * time.Second,
		uploadGuard: resiliency.Guard{
			Policy:  resiliency.CallPolicy,
			Breaker: resiliency.NewCircuitBreaker("storage", 5, 30*time.Second),
		},
		clock:  time.Now,
		logger: slog.Default().With("component", "bundle"),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.uploadGuard.Timeout = b.storageTimeout
	return b
}

// Build assembles bnd's archive from the ledger, signs its manifest hash,
// uploads it and marks the bundle READY.
func (b *Builder) Build(ctx context.Context, bnd *Bundle) (res *Result, err error) {
	const op = "bundle.build"
	if b.obs != nil {
		var done func(error)
		ctx, done = b.obs.TrackOperation(ctx, op, observability.BundleOperation(bnd.TenantID, bnd.BundleID)...)
		defer func() { done(err) }()
	}

	f := bnd.RecordFilter()
	records, err := b.records.List(ctx, bnd.TenantID, f)
	if err != nil {
		return nil, fmt.Errorf("%s: list records: %w", op, err)
	}
	if len(records) == 0 {
		return nil, xerrors.New(xerrors.CodeEmptyBundle, op, "tenant %s has no records in range", bnd.TenantID)
	}

	first, last := records[0], records[len(records)-1]
	attachments, oversight, err := b.interventionAttachments(ctx, bnd.TenantID, records)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	now := b.clock().UTC()
	report, err := archive.RenderReport(archive.ReportData{
		BundleID:        bnd.BundleID,
		TenantID:        bnd.TenantID,
		Purpose:         bnd.Purpose,
		GeneratedAt:     now,
		RecordCount:     len(records),
		ManifestVersion: manifest.Version,
		DateFrom:        bnd.DateFrom,
		DateTo:          bnd.DateTo,
		FirstSequence:   first.Sequence,
		LastSequence:    last.Sequence,
		FirstHash:       first.RecordHash,
		LastHash:        last.RecordHash,
		Interventions:   oversight,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	attachments = append(attachments, manifest.Attachment{Path: manifest.ReportPath, Data: report, Type: manifest.FileTypeReport})

	m, files, err := manifest.NewBuilder(
		manifest.WithClock(func() time.Time { return now }),
		manifest.WithPayloads(b.payloads),
	).Build(bnd.TenantID, bnd.BundleID, bnd.Purpose, records, attachments...)
	if err != nil {
		return nil, err
	}

	sig, err := b.signer.SignBestEffort(ctx, signing.Request{
		TenantID:     bnd.TenantID,
		ResourceType: signing.ResourceExport,
		ResourceID:   bnd.BundleID,
		Hash:         m.ManifestHash,
	})
	if err != nil {
		return nil, err
	}
	if sig.IsHashOnly() {
		b.logger.WarnContext(ctx, "bundle.unsigned", "bundle_id", bnd.BundleID, "tenant_id", bnd.TenantID)
	}

	arc, err := archive.Assemble(archive.Input{Manifest: m, Files: files, Signature: sig})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	update := ReadyUpdate{
		RecordCount:  int64(len(records)),
		ManifestHash: m.ManifestHash,
		BundleHash:   arc.Hash,
		BundleSize:   arc.Size(),
		CompletedAt:  b.clock().UTC(),
	}
	if b.objects != nil {
		obj, err := b.upload(ctx, bnd, m.ManifestHash, arc)
		if err != nil {
			return nil, err
		}
		update.StorageKey = obj.Key
		update.StorageURL = obj.URL
	}

	if err := b.bundles.MarkReady(ctx, bnd.TenantID, bnd.BundleID, update); err != nil {
		return nil, fmt.Errorf("%s: mark ready: %w", op, err)
	}
	ready, err := b.bundles.Get(ctx, bnd.TenantID, bnd.BundleID)
	if err != nil {
		return nil, fmt.Errorf("%s: reload: %w", op, err)
	}

	b.logger.InfoContext(ctx, "bundle.ready",
		"bundle_id", bnd.BundleID,
		"tenant_id", bnd.TenantID,
		"records", len(records),
		"interventions", len(attachments)-1,
		"manifest_hash", m.ManifestHash,
		"bundle_hash", arc.Hash,
		"size", arc.Size(),
		"signed", !sig.IsHashOnly())
	return &Result{Bundle: ready, Manifest: m, Signature: sig, Archive: arc}, nil
}

// interventionAttachments returns one canonical JSON artifact per
// intervention on records, oldest first, and the counts by action.
func (b *Builder) interventionAttachments(ctx context.Context, tenantID string, records []*ledger.DecisionRecord) ([]manifest.Attachment, map[string]int64, error) {
	if b.interventions == nil {
		return nil, nil, nil
	}
	bundled := make(map[string]string, len(records))
	from, to := records[0].Sequence, records[0].Sequence
	for _, r := range records {
		bundled[r.TransactionID] = r.RecordHash
		from, to = min(from, r.Sequence), max(to, r.Sequence)
	}
	ivs, err := b.interventions.ListBySequence(ctx, tenantID, from, to)
	if err != nil {
		return nil, nil, fmt.Errorf("list interventions: %w", err)
	}

	var (
		out  []manifest.Attachment
		kept []*intervention.Intervention
	)
	for _, iv := range ivs {
		// only interventions pinned to a bundled record
		if hash, ok := bundled[iv.TransactionID]; !ok || hash != iv.RecordHash {
			continue
		}
		data, err := canonicalize.JCS(iv)
		if err != nil {
			return nil, nil, fmt.Errorf("encode intervention %s: %w", iv.InterventionID, err)
		}
		out = append(out, manifest.Attachment{
			Path: intervention.ArtifactPath(iv.InterventionID),
			Data: data,
			Type: manifest.FileTypeIntervention,
		})
		kept = append(kept, iv)
	}
	if len(kept) == 0 {
		return out, nil, nil
	}
	st := intervention.Count(kept)
	counts := make(map[string]int64, len(st.ByAction))
	for a, n := range st.ByAction {
		counts[string(a)] = n
	}
	return out, counts, nil
}

func (b *Builder) upload(ctx context.Context, bnd *Bundle, manifestHash string, arc *archive.Archive) (*artifacts.Object, error) {
	var obj *artifacts.Object
	err := b.uploadGuard.Do(ctx, func(ctx context.Context) error {
		var perr error
		obj, perr = b.objects.Put(ctx, bnd.Key(), arc.Bytes, artifacts.PutOptions{
			ContentType: archive.ContentType,
			Metadata: map[string]string{
				"bundle-id":     bnd.BundleID,
				"tenant-id":     bnd.TenantID,
				"manifest-hash": manifestHash,
			},
		})
		return perr
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUploadFailed, "bundle.upload", err)
	}
	return obj, nil
}
