package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xase-labs/xase-core/pkg/audit"
	"github.com/xase-labs/xase-core/pkg/kms"
	"github.com/xase-labs/xase-core/pkg/ledger"
	"github.com/xase-labs/xase-core/pkg/signing"
	"github.com/xase-labs/xase-core/pkg/xerrors"
)

type fixture struct {
	now     time.Time
	records *ledger.MemoryStore
	ledger  *ledger.Service
	store   *MemoryStore
	signer  *signing.Service
	audit   *audit.MemoryLogger
	pem     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		now:   time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
		store: NewMemoryStore(),
		audit: audit.NewMemoryLogger(),
	}
	f.records = ledger.NewMemoryStore().WithClock(f.clock)
	f.ledger = ledger.NewService(f.records)
	p, err := kms.NewLocalProvider(kms.LocalOptions{})
	require.NoError(t, err)
	f.signer = signing.NewService(p, signing.WithClock(f.clock))
	f.pem, err = f.signer.PublicKeyPEM(context.Background())
	require.NoError(t, err)
	return f
}

func (f *fixture) clock() time.Time { return f.now }

func (f *fixture) tick() { f.now = f.now.Add(time.Second) }

func (f *fixture) append(t *testing.T, tenant string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := f.ledger.Append(context.Background(), ledger.AppendRequest{
			TenantID: tenant,
			Input:    map[string]any{"i": i},
			Output:   map[string]any{"ok": true},
		})
		require.NoError(t, err)
		f.tick()
	}
}

func (f *fixture) service(opts ...Option) *Service {
	opts = append([]Option{WithClock(f.clock), WithAudit(f.audit)}, opts...)
	return NewService(f.store, f.records, f.signer, opts...)
}

func TestCreate_ChainsAndCountsNewRecords(t *testing.T) {
	f := newFixture(t)
	svc := f.service()
	ctx := context.Background()

	f.append(t, "T1", 3)
	first, err := svc.Create(ctx, "T1", TypeManual)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Number)
	assert.Equal(t, int64(3), first.RecordCount)
	assert.Empty(t, first.PreviousCheckpointID)
	assert.True(t, first.Signed())
	assert.Regexp(t, `^chk_[0-9a-f]{32}$`, first.CheckpointID)

	f.tick()
	f.append(t, "T1", 2)
	second, err := svc.Create(ctx, "T1", TypeEmergency)
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Number)
	assert.Equal(t, int64(2), second.RecordCount)
	assert.Equal(t, first.CheckpointID, second.PreviousCheckpointID)

	tail, err := f.records.Latest(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, tail.RecordHash, second.LastRecordHash)
	assert.Equal(t, Hash(first.CheckpointHash, tail.RecordHash, 2, second.Timestamp), second.CheckpointHash)

	assert.Equal(t, []audit.Action{audit.ActionCheckpointCreated, audit.ActionCheckpointCreated}, filterActions(f.audit, audit.ActionCheckpointCreated))

	cp, v, err := svc.VerifyByID(ctx, "T1", second.CheckpointID, f.pem)
	require.NoError(t, err)
	assert.Equal(t, second.CheckpointHash, cp.CheckpointHash)
	assert.True(t, v.Valid(), "%+v", v)
	assert.True(t, v.SignatureOK)
}

func filterActions(l *audit.MemoryLogger, a audit.Action) []audit.Action {
	var out []audit.Action
	for _, got := range l.Actions() {
		if got == a {
			out = append(out, got)
		}
	}
	return out
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	svc := f.service()
	ctx := context.Background()

	_, err := svc.Create(ctx, "", TypeManual)
	assert.ErrorIs(t, err, xerrors.ErrInvalidInput)
	_, err = svc.Create(ctx, "T1", Type("HOURLY"))
	assert.ErrorIs(t, err, xerrors.ErrInvalidInput)
	_, err = svc.Create(ctx, "T1", TypeManual)
	assert.ErrorIs(t, err, xerrors.ErrNotFound)
}

func TestVerify_DetectsTampering(t *testing.T) {
	f := newFixture(t)
	svc := f.service()
	ctx := context.Background()
	f.append(t, "T1", 2)
	first, err := svc.Create(ctx, "T1", TypeManual)
	require.NoError(t, err)
	f.append(t, "T1", 1)
	second, err := svc.Create(ctx, "T1", TypeManual)
	require.NoError(t, err)

	f.store.Tamper("T1", first.CheckpointID, func(cp *Checkpoint) { cp.RecordCount = 99 })
	_, v, err := svc.VerifyByID(ctx, "T1", first.CheckpointID, f.pem)
	require.NoError(t, err)
	assert.False(t, v.HashOK)
	assert.True(t, v.SignatureOK)
	assert.False(t, v.Valid())

	f.store.Tamper("T1", second.CheckpointID, func(cp *Checkpoint) { cp.PreviousCheckpointID = "chk_missing" })
	_, v, err = svc.VerifyByID(ctx, "T1", second.CheckpointID, f.pem)
	require.NoError(t, err)
	assert.False(t, v.ChainOK)
	assert.False(t, v.HashOK)
}

func TestVerify_HashOnlyAndWrongKey(t *testing.T) {
	ts := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	cp := &Checkpoint{
		CheckpointID:       "chk_1",
		TenantID:           "T1",
		Number:             1,
		LastRecordHash:     "ab",
		RecordCount:        1,
		SignatureAlgorithm: "SHA256",
		Timestamp:          ts,
	}
	cp.CheckpointHash = Hash("", cp.LastRecordHash, cp.RecordCount, ts)
	v := Verify(cp, nil, "")
	assert.False(t, v.Signed)
	assert.True(t, v.Valid())

	other, err := kms.NewLocalProvider(kms.LocalOptions{})
	require.NoError(t, err)
	otherPEM, err := other.PublicKeyPEM(context.Background())
	require.NoError(t, err)

	f := newFixture(t)
	f.append(t, "T1", 1)
	signed, err := f.service().Create(context.Background(), "T1", TypeManual)
	require.NoError(t, err)
	v = Verify(signed, nil, otherPEM)
	assert.True(t, v.Signed)
	assert.False(t, v.SignatureOK)
	assert.False(t, v.Valid())

	stripped := *signed
	stripped.Signature = ""
	v = Verify(&stripped, nil, f.pem)
	assert.True(t, v.Signed)
	assert.True(t, v.HashOK)
	assert.False(t, v.Valid())
	assert.Contains(t, v.Error, "carries no signature")
}

type fakeLocker struct {
	held     bool
	obtained int
	released int
}

func (l *fakeLocker) Obtain(_ context.Context, key string, _ time.Duration) (func(context.Context) error, error) {
	if l.held {
		return nil, ErrLockHeld
	}
	l.obtained++
	return func(context.Context) error { l.released++; return nil }, nil
}

func TestSweep_OnlyTenantsWithNewRecords(t *testing.T) {
	f := newFixture(t)
	locker := &fakeLocker{}
	svc := f.service(WithLocker(locker, time.Minute))
	ctx := context.Background()

	f.append(t, "T1", 2)
	f.append(t, "T2", 1)
	res, err := svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Len(t, res.Created, 2)
	assert.Empty(t, res.Failed)
	for _, cp := range res.Created {
		assert.Equal(t, TypePeriodic, cp.Type)
	}

	f.tick()
	f.append(t, "T2", 3)
	res, err = svc.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, res.Created, 1)
	assert.Equal(t, "T2", res.Created[0].TenantID)
	assert.Equal(t, int64(3), res.Created[0].RecordCount)
	assert.Equal(t, int64(2), res.Created[0].Number)
	assert.Equal(t, 1, res.Unchanged)

	assert.Equal(t, 2, locker.obtained)
	assert.Equal(t, 2, locker.released)

	locker.held = true
	res, err = svc.Sweep(ctx)
	require.NoError(t, err)
	assert.True(t, res.LockHeld)
	assert.Empty(t, res.Created)
}

func TestMemoryStore_RejectsDuplicateNumber(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, &Checkpoint{CheckpointID: "chk_a", TenantID: "T1", Number: 1}))
	err := s.Create(ctx, &Checkpoint{CheckpointID: "chk_b", TenantID: "T1", Number: 1})
	assert.ErrorIs(t, err, xerrors.ErrChainConflict)
	require.NoError(t, s.Create(ctx, &Checkpoint{CheckpointID: "chk_c", TenantID: "T2", Number: 1}))

	list, err := s.List(ctx, "T1", 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestParseType(t *testing.T) {
	typ, err := ParseType("periodic")
	require.NoError(t, err)
	assert.Equal(t, TypePeriodic, typ)
	_, err = ParseType("weekly")
	assert.Error(t, err)
}
