package bundle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xase-labs/xase-core/pkg/archive"
	"github.com/xase-labs/xase-core/pkg/artifacts"
	"github.com/xase-labs/xase-core/pkg/audit"
	"github.com/xase-labs/xase-core/pkg/crypto"
	"github.com/xase-labs/xase-core/pkg/intervention"
	"github.com/xase-labs/xase-core/pkg/kms"
	"github.com/xase-labs/xase-core/pkg/ledger"
	"github.com/xase-labs/xase-core/pkg/manifest"
	"github.com/xase-labs/xase-core/pkg/queue"
	"github.com/xase-labs/xase-core/pkg/signing"
	"github.com/xase-labs/xase-core/pkg/verifier"
	"github.com/xase-labs/xase-core/pkg/xerrors"
)

var t0 = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	records *ledger.MemoryStore
	bundles *MemoryStore
	objects *artifacts.MemoryStore
	queue   *queue.MemoryQueue
	audit   *audit.MemoryLogger
	signer  *signing.Service
	now     time.Time
}

func newFixture(t *testing.T, n int) *fixture {
	t.Helper()
	f := &fixture{
		bundles: NewMemoryStore(),
		objects: artifacts.NewMemoryStore(),
		audit:   audit.NewMemoryLogger(),
		now:     t0,
	}
	f.records = ledger.NewMemoryStore().WithClock(f.clock)
	f.queue = queue.NewMemoryQueue().WithClock(f.clock)

	p, err := kms.NewLocalProvider(kms.LocalOptions{})
	require.NoError(t, err)
	f.signer = signing.NewService(p, signing.WithClock(f.clock))

	svc := ledger.NewService(f.records)
	for i := 0; i < n; i++ {
		_, err := svc.Append(context.Background(), ledger.AppendRequest{
			TenantID: "T1",
			Input:    map[string]any{"amt": 100 + i},
			Output:   map[string]any{"approved": true},
		})
		require.NoError(t, err)
		f.now = f.now.Add(time.Minute)
	}
	return f
}

func (f *fixture) clock() time.Time { return f.now }

func (f *fixture) builder(opts ...BuilderOption) *Builder {
	opts = append([]BuilderOption{WithBuilderClock(f.clock)}, opts...)
	return NewBuilder(f.records, f.bundles, f.signer, opts...)
}

func (f *fixture) service(b *Builder, opts ...Option) *Service {
	opts = append([]Option{WithClock(f.clock), WithAudit(f.audit)}, opts...)
	return NewService(f.bundles, f.records, b, opts...)
}

func TestRequest_SyncWithoutStorageReturnsArchive(t *testing.T) {
	f := newFixture(t, 2)
	svc := f.service(f.builder())

	res, err := svc.Request(context.Background(), RequestInput{TenantID: "T1", Purpose: "audit"})
	require.NoError(t, err)
	require.NotNil(t, res.Result)
	assert.Equal(t, StatusReady, res.Bundle.Status)
	assert.Empty(t, res.Bundle.StorageKey)
	assert.Equal(t, int64(2), res.Bundle.RecordCount)
	assert.Equal(t, res.Result.Archive.Hash, res.Bundle.BundleHash)
	assert.Equal(t, res.Result.Manifest.ManifestHash, res.Bundle.ManifestHash)

	c, err := archive.Read(res.Result.Archive.Bytes)
	require.NoError(t, err)
	assert.True(t, c.Manifest.Validate(c.Files).Valid())
	require.NotNil(t, c.Signature)
	assert.False(t, c.Signature.IsHashOnly())

	ok, err := crypto.VerifyDigestSignature(c.Signature.PublicKeyPEM, c.Signature.Algorithm, c.Manifest.ManifestHash, c.Signature.Signature)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Contains(t, f.audit.Actions(), audit.ActionBundleRequested)
}

func TestRequest_SyncUploadsAndDownloads(t *testing.T) {
	f := newFixture(t, 3)
	svc := f.service(f.builder(WithObjectStore(f.objects, time.Second)), WithDownloads(f.objects))

	res, err := svc.Request(context.Background(), RequestInput{TenantID: "T1", Purpose: "audit", Sync: true})
	require.NoError(t, err)
	b := res.Bundle
	assert.Equal(t, ObjectKey("T1", b.BundleID), b.StorageKey)
	assert.Equal(t, 1, f.objects.Puts())

	stored, err := f.objects.Get(context.Background(), b.StorageKey)
	require.NoError(t, err)
	assert.Equal(t, res.Result.Archive.Bytes, stored)

	dl, err := svc.Download(context.Background(), "T1", b.BundleID, 5*time.Minute)
	require.NoError(t, err)
	assert.Contains(t, dl.URL, b.StorageKey)
	assert.True(t, dl.ExpiresAt.Equal(f.now.Add(5*time.Minute)))
	assert.Contains(t, f.audit.Actions(), audit.ActionBundleDownloaded)
}

func TestRequest_AsyncEnqueuesAndDedupes(t *testing.T) {
	f := newFixture(t, 2)
	svc := f.service(f.builder(), WithQueue(f.queue))
	from := t0.Add(-time.Hour)

	res, err := svc.Request(context.Background(), RequestInput{TenantID: "T1", Purpose: "audit", DateFrom: &from})
	require.NoError(t, err)
	assert.Nil(t, res.Result)
	assert.Equal(t, StatusPending, res.Bundle.Status)

	job, err := f.queue.ClaimNext(context.Background(), "w")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, queue.TypeGenerateBundle, job.Type)
	require.NotNil(t, job.DedupeKey)
	assert.Equal(t, res.Bundle.BundleID, *job.DedupeKey)

	p, err := queue.DecodeGenerateBundle(job.Payload)
	require.NoError(t, err)
	assert.Equal(t, "T1", p.TenantID)
	require.NotNil(t, p.DateFilter)
	assert.True(t, p.DateFilter.Gte.Equal(from))
	assert.Nil(t, p.DateFilter.Lte)

	again, err := svc.Request(context.Background(), RequestInput{TenantID: "T1", Purpose: "audit", DateFrom: &from})
	require.NoError(t, err)
	assert.True(t, again.Existing)
	assert.Equal(t, res.Bundle.BundleID, again.Bundle.BundleID)

	other, err := svc.Request(context.Background(), RequestInput{TenantID: "T1", Purpose: "litigation"})
	require.NoError(t, err)
	assert.NotEqual(t, res.Bundle.BundleID, other.Bundle.BundleID)
}

func TestRequest_Validation(t *testing.T) {
	f := newFixture(t, 1)
	svc := f.service(f.builder())
	ctx := context.Background()

	_, err := svc.Request(ctx, RequestInput{TenantID: "T1", Purpose: "  "})
	assert.ErrorIs(t, err, xerrors.ErrInvalidInput)

	from, to := t0.Add(time.Hour), t0
	_, err = svc.Request(ctx, RequestInput{TenantID: "T1", Purpose: "audit", DateFrom: &from, DateTo: &to})
	assert.ErrorIs(t, err, xerrors.ErrInvalidInput)

	_, err = svc.Request(ctx, RequestInput{TenantID: "nobody", Purpose: "audit"})
	assert.ErrorIs(t, err, xerrors.ErrEmptyBundle)
}

func TestBuild_EmptyRange(t *testing.T) {
	f := newFixture(t, 1)
	from := t0.Add(24 * time.Hour)
	b := &Bundle{BundleID: crypto.NewBundleID(), TenantID: "T1", Purpose: "audit", DateFrom: &from, Status: StatusPending, CreatedAt: t0}
	require.NoError(t, f.bundles.Create(context.Background(), b))

	_, err := f.builder().Build(context.Background(), b)
	assert.ErrorIs(t, err, xerrors.ErrEmptyBundle)
}

func TestBuild_ShipsInterventionsOnBundledRecords(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	ivs := intervention.NewMemoryStore()
	hitl := intervention.NewService(ivs, f.records, intervention.WithClock(f.clock))

	recs, err := f.records.List(ctx, "T1", ledger.Filter{})
	require.NoError(t, err)
	_, err = hitl.Record(ctx, intervention.Request{TenantID: "T1", TransactionID: recs[0].TransactionID, Action: intervention.ActionApproved})
	require.NoError(t, err)
	override, err := hitl.Record(ctx, intervention.Request{
		TenantID: "T1", TransactionID: recs[2].TransactionID, Action: intervention.ActionOverride,
		Reason: "manual underwriting", NewOutcome: map[string]any{"approved": false},
	})
	require.NoError(t, err)

	from := t0.Add(time.Minute)
	b := &Bundle{BundleID: crypto.NewBundleID(), TenantID: "T1", Purpose: "audit", DateFrom: &from, Status: StatusPending, CreatedAt: t0}
	require.NoError(t, f.bundles.Create(ctx, b))
	res, err := f.builder(WithInterventions(ivs)).Build(ctx, b)
	require.NoError(t, err)

	c, err := archive.Read(res.Archive.Bytes)
	require.NoError(t, err)
	types := map[string]manifest.FileType{}
	for _, mf := range c.Manifest.Files {
		types[mf.Path] = mf.Type
	}
	assert.Equal(t, manifest.FileTypeIntervention, types[intervention.ArtifactPath(override.InterventionID)])
	assert.Equal(t, manifest.FileTypeReport, types[manifest.ReportPath])
	assert.Len(t, types, 2+1+1+1) // records, intervention, report, verify.sh

	report := string(c.Files[manifest.ReportPath])
	assert.Contains(t, report, "| OVERRIDE | 1 |")
	assert.NotContains(t, report, "APPROVED")

	pem, err := f.signer.PublicKeyPEM(ctx)
	require.NoError(t, err)
	vr, err := verifier.VerifyArchive(res.Archive.Bytes, pem)
	require.NoError(t, err)
	assert.True(t, vr.Verified, "%+v", vr.Failed())
	assert.Equal(t, 1, vr.Interventions)
}

type failingStore struct {
	*artifacts.MemoryStore
	puts int
}

func (s *failingStore) Put(context.Context, string, []byte, artifacts.PutOptions) (*artifacts.Object, error) {
	s.puts++
	return nil, errors.New("bucket unavailable")
}

func TestRequest_UploadFailureMarksFailed(t *testing.T) {
	f := newFixture(t, 1)
	store := &failingStore{MemoryStore: artifacts.NewMemoryStore()}
	svc := f.service(f.builder(WithObjectStore(store, time.Second)))

	_, err := svc.Request(context.Background(), RequestInput{TenantID: "T1", Purpose: "audit", Sync: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, xerrors.ErrUploadFailed)
	assert.Equal(t, 3, store.puts, "upload retried under the call policy")

	list, err := svc.List(context.Background(), "T1", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, StatusFailed, list[0].Status)
	assert.Contains(t, list[0].LastError, "bucket unavailable")

	// a FAILED bundle is not reused by the next request
	_, err = svc.Request(context.Background(), RequestInput{TenantID: "T1", Purpose: "audit", Sync: true})
	require.Error(t, err)
	list, err = svc.List(context.Background(), "T1", 10)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestMarkReady_ImmutableOnceReady(t *testing.T) {
	f := newFixture(t, 1)
	svc := f.service(f.builder())
	res, err := svc.Request(context.Background(), RequestInput{TenantID: "T1", Purpose: "audit"})
	require.NoError(t, err)

	err = f.bundles.MarkReady(context.Background(), "T1", res.Bundle.BundleID, ReadyUpdate{StorageKey: "other", ManifestHash: "x"})
	assert.ErrorIs(t, err, ErrAlreadyReady)
	assert.ErrorIs(t, f.bundles.MarkFailed(context.Background(), "T1", res.Bundle.BundleID, "late"), ErrAlreadyReady)

	ok, err := f.bundles.MarkProcessing(context.Background(), "T1", res.Bundle.BundleID)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := svc.Get(context.Background(), "T1", res.Bundle.BundleID)
	require.NoError(t, err)
	assert.Equal(t, res.Bundle.ManifestHash, got.ManifestHash)

	_, err = svc.Reprocess(context.Background(), "T1", res.Bundle.BundleID)
	assert.ErrorIs(t, err, ErrAlreadyReady)
}

func TestGet_OtherTenantIsNotFound(t *testing.T) {
	f := newFixture(t, 1)
	svc := f.service(f.builder())
	res, err := svc.Request(context.Background(), RequestInput{TenantID: "T1", Purpose: "audit"})
	require.NoError(t, err)

	_, err = svc.Get(context.Background(), "T2", res.Bundle.BundleID)
	assert.ErrorIs(t, err, xerrors.ErrNotFound)
}

func TestDownload_Retention(t *testing.T) {
	f := newFixture(t, 1)
	svc := f.service(f.builder(WithObjectStore(f.objects, time.Second)), WithDownloads(f.objects), WithExpiry(time.Hour))
	res, err := svc.Request(context.Background(), RequestInput{TenantID: "T1", Purpose: "audit"})
	require.NoError(t, err)

	f.now = f.now.Add(2 * time.Hour)
	_, err = svc.Download(context.Background(), "T1", res.Bundle.BundleID, time.Minute)
	assert.ErrorIs(t, err, ErrExpired)

	b := res.Bundle
	b.LegalHold = true
	assert.True(t, b.Downloadable(f.now))
	b.LegalHold = false
	until := f.now.Add(time.Hour)
	b.RetentionUntil = &until
	assert.True(t, b.Downloadable(f.now))
}

func TestDownload_NotReady(t *testing.T) {
	f := newFixture(t, 1)
	svc := f.service(f.builder(), WithQueue(f.queue), WithDownloads(f.objects))
	res, err := svc.Request(context.Background(), RequestInput{TenantID: "T1", Purpose: "audit"})
	require.NoError(t, err)

	_, err = svc.Download(context.Background(), "T1", res.Bundle.BundleID, time.Minute)
	assert.ErrorIs(t, err, xerrors.ErrInvalidInput)
}

func TestReprocess_RequeuesFailedBundle(t *testing.T) {
	f := newFixture(t, 1)
	svc := f.service(f.builder(), WithQueue(f.queue))
	ctx := context.Background()

	res, err := svc.Request(ctx, RequestInput{TenantID: "T1", Purpose: "audit"})
	require.NoError(t, err)
	job, err := f.queue.ClaimNext(ctx, "w")
	require.NoError(t, err)
	require.NoError(t, f.queue.DeadLetter(ctx, job.ID, errors.New("boom")))
	require.NoError(t, f.bundles.MarkFailed(ctx, "T1", res.Bundle.BundleID, "boom"))

	out, err := svc.Reprocess(ctx, "T1", res.Bundle.BundleID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, out.Bundle.Status)

	again, err := f.queue.ClaimNext(ctx, "w")
	require.NoError(t, err)
	require.NotNil(t, again, "a fresh job replaces the dead-lettered one")
	assert.NotEqual(t, job.ID, again.ID)
}
