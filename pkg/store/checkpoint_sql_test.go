package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xase-labs/xase-core/pkg/checkpoint"
	"github.com/xase-labs/xase-core/pkg/kms"
	"github.com/xase-labs/xase-core/pkg/signing"
	"github.com/xase-labs/xase-core/pkg/xerrors"
)

func TestPostgresCheckpoints_NumberConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO xase_checkpoints")).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "xase_checkpoints_tenant_number_key"})

	err = NewPostgresCheckpointStore(db).Create(context.Background(), &checkpoint.Checkpoint{
		CheckpointID: "chk_a", TenantID: "t1", Number: 2, Type: checkpoint.TypePeriodic, Timestamp: time.Now(),
	})
	assert.ErrorIs(t, err, xerrors.ErrChainConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCheckpoints_LatestNone(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM xase_checkpoints WHERE tenant_id = $1 ORDER BY number DESC LIMIT 1")).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"checkpoint_id"}))

	_, err = NewPostgresCheckpointStore(db).Latest(context.Background(), "t1")
	assert.ErrorIs(t, err, xerrors.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteCheckpoints_ServiceRoundTrip(t *testing.T) {
	db := openSQLiteDB(t)
	records := NewSQLiteLedgerStore(db)
	cps := NewSQLiteCheckpointStore(db)
	ctx := context.Background()

	now := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	records.WithClock(clock)
	for i := 0; i < 3; i++ {
		_, _, err := records.Append(ctx, testDraft("t1"))
		require.NoError(t, err)
		now = now.Add(time.Second)
	}

	p, err := kms.NewLocalProvider(kms.LocalOptions{})
	require.NoError(t, err)
	signer := signing.NewService(p)
	pem, err := signer.PublicKeyPEM(ctx)
	require.NoError(t, err)
	svc := checkpoint.NewService(cps, records, signer, checkpoint.WithClock(clock))

	first, err := svc.Create(ctx, "t1", checkpoint.TypeManual)
	require.NoError(t, err)
	now = now.Add(time.Second)
	_, _, err = records.Append(ctx, testDraft("t1"))
	require.NoError(t, err)
	now = now.Add(time.Second)

	res, err := svc.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, res.Created, 1)
	second := res.Created[0]
	assert.Equal(t, int64(1), second.RecordCount)
	assert.Equal(t, first.CheckpointID, second.PreviousCheckpointID)

	stored, v, err := svc.VerifyByID(ctx, "t1", second.CheckpointID, pem)
	require.NoError(t, err)
	assert.True(t, v.Valid(), "%+v", v)
	assert.True(t, v.Signed)
	assert.True(t, second.Timestamp.Equal(stored.Timestamp))

	list, err := cps.List(ctx, "t1", 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, int64(2), list[0].Number)

	dup := *first
	dup.CheckpointID = "chk_dup"
	assert.ErrorIs(t, cps.Create(ctx, &dup), xerrors.ErrChainConflict)

	tail, err := records.Latest(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, tail.RecordHash, second.LastRecordHash)
}
