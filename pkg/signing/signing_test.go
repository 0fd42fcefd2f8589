package signing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xase-labs/xase-core/pkg/audit"
	"github.com/xase-labs/xase-core/pkg/canonicalize"
	"github.com/xase-labs/xase-core/pkg/crypto"
	"github.com/xase-labs/xase-core/pkg/kms"
	"github.com/xase-labs/xase-core/pkg/util/resiliency"
	"github.com/xase-labs/xase-core/pkg/xerrors"
)

var manifestHash = canonicalize.HashString("manifest")

func fastGuard() resiliency.Guard {
	return resiliency.Guard{
		Policy:  resiliency.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, Multiplier: 1},
		Timeout: time.Second,
	}
}

func localProvider(t *testing.T) *kms.LocalProvider {
	t.Helper()
	p, err := kms.NewLocalProvider(kms.LocalOptions{})
	require.NoError(t, err)
	return p
}

type brokenProvider struct {
	kms.Provider
	calls int
}

func (b *brokenProvider) Sign(context.Context, string) (*crypto.Signature, error) {
	b.calls++
	return nil, errors.New("kms unavailable")
}

func req() Request {
	return Request{TenantID: "tenant-1", ResourceType: ResourceExport, ResourceID: "bundle_1", Hash: manifestHash}
}

func TestSign_EmbedsPublicKeyAndAudits(t *testing.T) {
	rec := audit.NewMemoryLogger()
	svc := NewService(localProvider(t), WithAudit(rec), WithGuard(fastGuard()))

	sig, err := svc.Sign(context.Background(), req())
	require.NoError(t, err)

	assert.NotEmpty(t, sig.PublicKeyPEM)
	assert.Equal(t, crypto.PublicKeyFingerprint(sig.PublicKeyPEM), sig.KeyFingerprint)
	ok, err := crypto.VerifyDigestSignature(sig.PublicKeyPEM, sig.Algorithm, manifestHash, sig.Signature)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, []audit.Action{audit.ActionHashSigned}, rec.Actions())
	assert.Equal(t, "bundle_1", rec.Events()[0].ResourceID)
}

func TestSign_RejectsInvalidInput(t *testing.T) {
	cases := map[string]func(*Request){
		"uppercase hash":   func(r *Request) { r.Hash = "ABCDEF" },
		"prefixed hash":    func(r *Request) { r.Hash = "sha256:" + manifestHash },
		"missing tenant":   func(r *Request) { r.TenantID = "" },
		"missing resource": func(r *Request) { r.ResourceID = "" },
		"unknown type":     func(r *Request) { r.ResourceType = "invoice" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			rec := audit.NewMemoryLogger()
			svc := NewService(localProvider(t), WithAudit(rec))
			r := req()
			mutate(&r)

			_, err := svc.Sign(context.Background(), r)
			assert.ErrorIs(t, err, xerrors.ErrInvalidInput)
			require.Len(t, rec.Events(), 1)
			assert.Equal(t, audit.ActionSignRejected, rec.Events()[0].Action)
			assert.Equal(t, audit.StatusDenied, rec.Events()[0].Status)
		})
	}
}

func TestSign_RateLimitedPerTenant(t *testing.T) {
	rec := audit.NewMemoryLogger()
	svc := NewService(localProvider(t), WithAudit(rec), WithLimiter(NewMemoryLimiter(1, 2)))

	for i := 0; i < 2; i++ {
		_, err := svc.Sign(context.Background(), req())
		require.NoError(t, err)
	}
	_, err := svc.Sign(context.Background(), req())
	assert.ErrorIs(t, err, xerrors.ErrRateLimited)

	other := req()
	other.TenantID = "tenant-2"
	_, err = svc.Sign(context.Background(), other)
	assert.NoError(t, err, "limits are per tenant")

	assert.Contains(t, rec.Actions(), audit.ActionSignRateLimited)
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}

func TestSign_LimiterOutageDoesNotBlock(t *testing.T) {
	svc := NewService(localProvider(t), WithLimiter(failingLimiter{}))
	_, err := svc.Sign(context.Background(), req())
	assert.NoError(t, err)
}

func TestSign_ProviderFailureRetriedThenFails(t *testing.T) {
	rec := audit.NewMemoryLogger()
	broken := &brokenProvider{Provider: localProvider(t)}
	svc := NewService(broken, WithAudit(rec), WithGuard(fastGuard()))

	_, err := svc.Sign(context.Background(), req())
	assert.ErrorIs(t, err, xerrors.ErrSigningFailed)
	assert.Equal(t, 2, broken.calls)
	assert.Equal(t, []audit.Action{audit.ActionSignKMSError}, rec.Actions())
}

func TestSignBestEffort_FallsBackToHashOnly(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	broken := &brokenProvider{Provider: localProvider(t)}
	svc := NewService(broken, WithGuard(fastGuard()), WithClock(func() time.Time { return now }))

	sig, err := svc.SignBestEffort(context.Background(), req())
	require.NoError(t, err)
	assert.True(t, sig.IsHashOnly())
	assert.Equal(t, crypto.AlgorithmHashOnly, sig.Algorithm)
	assert.Equal(t, crypto.SignedByLocal, sig.SignedBy)
	assert.Equal(t, manifestHash, sig.Hash)
	assert.True(t, now.Equal(sig.SignedAt))
}

func TestSignBestEffort_InputErrorsStillFail(t *testing.T) {
	svc := NewService(localProvider(t))
	r := req()
	r.Hash = "nope"
	_, err := svc.SignBestEffort(context.Background(), r)
	assert.ErrorIs(t, err, xerrors.ErrInvalidInput)
}

type countingPEM struct {
	kms.Provider
	calls int
}

func (c *countingPEM) PublicKeyPEM(ctx context.Context) (string, error) {
	c.calls++
	return c.Provider.PublicKeyPEM(ctx)
}

func TestPublicKeyPEM_Cached(t *testing.T) {
	p := &countingPEM{Provider: localProvider(t)}
	svc := NewService(p)
	for i := 0; i < 3; i++ {
		_, err := svc.PublicKeyPEM(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, p.calls)
}

func TestMemoryLimiter_Refills(t *testing.T) {
	l := NewMemoryLimiter(3600*1000, 1) // ~1 token per ms
	ok, _ := l.Allow(context.Background(), "t")
	assert.True(t, ok)
	ok, _ = l.Allow(context.Background(), "t")
	assert.False(t, ok)
	time.Sleep(5 * time.Millisecond)
	ok, _ = l.Allow(context.Background(), "t")
	assert.True(t, ok)
}

// Requires a running Redis; skipped otherwise.
func TestRedisLimiter_Integration(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	defer client.Close()

	l := NewRedisLimiter(client, 1, 1)
	l.prefix = "xase:test_sign_limit:" + time.Now().Format("150405.000000") + ":"

	ok, err := l.Allow(ctx, "tenant-1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = l.Allow(ctx, "tenant-1")
	require.NoError(t, err)
	assert.False(t, ok)
}
