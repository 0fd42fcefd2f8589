package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xase-labs/xase-core/pkg/canonicalize"
	"github.com/xase-labs/xase-core/pkg/crypto"
	"github.com/xase-labs/xase-core/pkg/xerrors"
)

func TestSeal_GenesisAndChained(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in, out := canonicalize.HashString("in"), canonicalize.HashString("out")

	g := Seal(nil, Draft{TenantID: "t1", InputHash: in, OutputHash: out}, now)
	assert.Equal(t, int64(1), g.Sequence)
	assert.Nil(t, g.PreviousHash)
	assert.Equal(t, PositionGenesis, g.Position())
	assert.Equal(t, crypto.ChainHash(nil, in+out), g.RecordHash)
	assert.True(t, crypto.IsValidTransactionID(g.TransactionID))

	n := Seal(g, Draft{TenantID: "t1", InputHash: in, OutputHash: out}, now)
	require.NotNil(t, n.PreviousHash)
	assert.Equal(t, g.RecordHash, *n.PreviousHash)
	assert.Equal(t, int64(2), n.Sequence)
	assert.Equal(t, PositionChained, n.Position())
	assert.True(t, n.Timestamp.After(g.Timestamp), "timestamps must be strictly increasing")
}

func TestSeal_ClockSkew(t *testing.T) {
	in, out := canonicalize.HashString("in"), canonicalize.HashString("out")
	later := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	earlier := later.Add(-time.Hour)

	a := Seal(nil, Draft{TenantID: "t", InputHash: in, OutputHash: out}, later)
	b := Seal(a, Draft{TenantID: "t", InputHash: in, OutputHash: out}, earlier)
	assert.Equal(t, a.Timestamp.Add(TimestampPrecision), b.Timestamp)
}

func TestValidIdempotencyKey(t *testing.T) {
	assert.True(t, ValidIdempotencyKey("3f1c6f7e-9a4b-4c1d-8e2f-0a1b2c3d4e5f"))
	assert.True(t, ValidIdempotencyKey("order-2026-000001"))
	assert.False(t, ValidIdempotencyKey("short"))
	assert.False(t, ValidIdempotencyKey("has spaces in the key!!"))
}

func TestValidateDraft(t *testing.T) {
	good := canonicalize.HashString("x")
	bad := "sha256:" + good

	cases := []struct {
		name string
		d    Draft
	}{
		{"no tenant", Draft{InputHash: good, OutputHash: good}},
		{"bad input", Draft{TenantID: "t", InputHash: bad, OutputHash: good}},
		{"bad output", Draft{TenantID: "t", InputHash: good, OutputHash: "abc"}},
		{"bad context", Draft{TenantID: "t", InputHash: good, OutputHash: good, ContextHash: &bad}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, ValidateDraft(tc.d), xerrors.ErrInvalidInput)
		})
	}
	assert.NoError(t, ValidateDraft(Draft{TenantID: "t", InputHash: good, OutputHash: good}))
}

func TestService_AppendHashesPayloads(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	res, err := svc.Append(ctx, AppendRequest{
		TenantID:     "tenant-a",
		Input:        map[string]any{"applicant": "a-1", "score": 712},
		Output:       map[string]any{"decision": "approve"},
		StorePayload: true,
	})
	require.NoError(t, err)
	assert.Equal(t, PositionGenesis, res.ChainPosition)
	assert.False(t, res.Replayed)

	rec, err := svc.Store().GetByTransactionID(ctx, "tenant-a", res.TransactionID)
	require.NoError(t, err)
	wantIn, _ := canonicalize.HashObject(map[string]any{"score": 712, "applicant": "a-1"})
	assert.Equal(t, wantIn, rec.InputHash)
	assert.Nil(t, rec.ContextHash)
	assert.JSONEq(t, `{"applicant":"a-1","score":712}`, string(rec.InputPayload))

	res2, err := svc.Append(ctx, AppendRequest{
		TenantID: "tenant-a",
		Input:    "x",
		Output:   "y",
		Context:  map[string]any{"channel": "web"},
	})
	require.NoError(t, err)
	assert.Equal(t, PositionChained, res2.ChainPosition)
	assert.Equal(t, int64(2), res2.Sequence)

	rec2, err := svc.Store().GetByTransactionID(ctx, "tenant-a", res2.TransactionID)
	require.NoError(t, err)
	assert.Empty(t, rec2.InputPayload, "payloads are kept only on request")
	require.NotNil(t, rec2.ContextHash)
}

func TestService_AppendRejectsMissingOutput(t *testing.T) {
	svc := NewService(NewMemoryStore())
	_, err := svc.Append(context.Background(), AppendRequest{TenantID: "t", Input: "x"})
	assert.ErrorIs(t, err, xerrors.ErrInvalidInput)
}

func TestService_IdempotentAppend(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()
	in, out := canonicalize.HashString("in"), canonicalize.HashString("out")
	key := "idem-key-0000000001"

	first, err := svc.AppendHashes(ctx, "t1", in, out, nil, key)
	require.NoError(t, err)
	second, err := svc.AppendHashes(ctx, "t1", in, out, nil, key)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.Equal(t, first.RecordHash, second.RecordHash)

	n, err := svc.Store().Count(ctx, "t1", Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestService_TenantsAreIndependent(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()
	in, out := canonicalize.HashString("in"), canonicalize.HashString("out")

	a, err := svc.AppendHashes(ctx, "a", in, out, nil, "")
	require.NoError(t, err)
	b, err := svc.AppendHashes(ctx, "b", in, out, nil, "")
	require.NoError(t, err)

	assert.Equal(t, PositionGenesis, a.ChainPosition)
	assert.Equal(t, PositionGenesis, b.ChainPosition)
	assert.Equal(t, a.RecordHash, b.RecordHash)

	tenants, err := svc.Store().Tenants(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, tenants)
}

func TestMemoryStore_ConcurrentAppendsFormOneChain(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	ctx := context.Background()
	in, out := canonicalize.HashString("in"), canonicalize.HashString("out")

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.AppendHashes(ctx, "t", in, out, nil, "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	recs, err := store.List(ctx, "t", Filter{})
	require.NoError(t, err)
	require.Len(t, recs, 32)
	for i, r := range recs {
		assert.Equal(t, int64(i+1), r.Sequence)
		if i == 0 {
			assert.Nil(t, r.PreviousHash)
			continue
		}
		require.NotNil(t, r.PreviousHash)
		assert.Equal(t, recs[i-1].RecordHash, *r.PreviousHash)
	}
}

func TestMemoryStore_LatestEmpty(t *testing.T) {
	_, err := NewMemoryStore().Latest(context.Background(), "nobody")
	assert.True(t, errors.Is(err, xerrors.ErrNotFound))
}
