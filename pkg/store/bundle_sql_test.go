package store

import (
	"context"
	"database/sql/driver"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xase-labs/xase-core/pkg/bundle"
	"github.com/xase-labs/xase-core/pkg/xerrors"
)

var bundleCols = []string{
	"bundle_id", "tenant_id", "status", "purpose", "description", "created_by", "record_count",
	"date_from", "date_to", "manifest_hash", "storage_key", "storage_url", "bundle_hash", "bundle_size",
	"legal_hold", "retention_until", "expires_at", "last_error", "created_at", "completed_at",
}

const sqlBundleID = "bundle_0123456789abcdef0123456789abcdef"

func readyRow(now time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(bundleCols).AddRow(
		sqlBundleID, "t1", "READY", "audit", nil, nil, int64(3),
		nil, nil, "mh", "evidence-bundles/t1/" + sqlBundleID + ".tar.gz", nil, "bh", int64(512),
		false, nil, now.Add(time.Hour), nil, now, now)
}

type maxLen int

func (m maxLen) Match(v driver.Value) bool {
	s, ok := v.(string)
	return ok && len(s) <= int(m)
}

func TestPostgresBundles_MarkReadyOnReadyRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("status <> 'READY'")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM xase_evidence_bundles WHERE tenant_id = $1 AND bundle_id = $2")).
		WithArgs("t1", sqlBundleID).
		WillReturnRows(readyRow(now))

	err = NewPostgresBundleStore(db).MarkReady(context.Background(), "t1", sqlBundleID, bundle.ReadyUpdate{CompletedAt: now})
	assert.ErrorIs(t, err, bundle.ErrAlreadyReady)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBundles_MarkFailedMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE xase_evidence_bundles SET status = $3, last_error = $4")).
		WithArgs("t1", sqlBundleID, "FAILED", maxLen(maxBundleError)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM xase_evidence_bundles")).
		WillReturnRows(sqlmock.NewRows(bundleCols))

	err = NewPostgresBundleStore(db).MarkFailed(context.Background(), "t1", sqlBundleID, strings.Repeat("x", 5000))
	assert.ErrorIs(t, err, xerrors.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBundles_FindActiveOpenRange(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("AND date_from IS NULL AND date_to IS NULL ORDER BY created_at DESC LIMIT 1")).
		WithArgs("t1", "audit").
		WillReturnRows(readyRow(now))

	b, err := NewPostgresBundleStore(db).FindActive(context.Background(), "t1", "audit", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, bundle.StatusReady, b.Status)
	assert.Equal(t, int64(512), b.BundleSize)
	assert.Nil(t, b.DateFrom)
	require.NotNil(t, b.CompletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBundles_FindActiveBoundedRange(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("AND date_from = $3 AND date_to IS NULL")).
		WithArgs("t1", "audit", from).
		WillReturnRows(sqlmock.NewRows(bundleCols))

	_, err = NewPostgresBundleStore(db).FindActive(context.Background(), "t1", "audit", &from, nil)
	assert.ErrorIs(t, err, xerrors.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func sqliteBundle(id, tenant string, created time.Time, from, to *time.Time) *bundle.Bundle {
	exp := created.Add(bundle.DefaultExpiry)
	return &bundle.Bundle{
		BundleID:    id,
		TenantID:    tenant,
		Status:      bundle.StatusPending,
		Purpose:     "regulator",
		RecordCount: 2,
		DateFrom:    from,
		DateTo:      to,
		ExpiresAt:   &exp,
		CreatedAt:   created,
	}
}

func TestSQLiteBundles_Lifecycle(t *testing.T) {
	s := NewSQLiteBundleStore(openSQLiteDB(t))
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 8, 0, 0, 123456000, time.UTC)
	from := now.Add(-48 * time.Hour)

	b := sqliteBundle(sqlBundleID, "t1", now, &from, nil)
	require.NoError(t, s.Create(ctx, b))
	assert.ErrorIs(t, s.Create(ctx, b), xerrors.ErrInvalidInput)

	found, err := s.FindActive(ctx, "t1", "regulator", &from, nil)
	require.NoError(t, err)
	assert.Equal(t, sqlBundleID, found.BundleID)
	assert.True(t, from.Equal(*found.DateFrom))
	assert.True(t, now.Equal(found.CreatedAt))

	_, err = s.FindActive(ctx, "t1", "regulator", nil, nil)
	assert.ErrorIs(t, err, xerrors.ErrNotFound)
	_, err = s.Get(ctx, "t2", sqlBundleID)
	assert.ErrorIs(t, err, xerrors.ErrNotFound)

	ok, err := s.MarkProcessing(ctx, "t1", sqlBundleID)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.MarkPending(ctx, "t1", sqlBundleID, "upload: timeout"))
	got, err := s.Get(ctx, "t1", sqlBundleID)
	require.NoError(t, err)
	assert.Equal(t, bundle.StatusPending, got.Status)
	assert.Equal(t, "upload: timeout", got.LastError)

	require.NoError(t, s.MarkReady(ctx, "t1", sqlBundleID, bundle.ReadyUpdate{
		RecordCount: 2, ManifestHash: "mh", StorageKey: b.Key(), BundleHash: "bh", BundleSize: 900, CompletedAt: now,
	}))
	got, err = s.Get(ctx, "t1", sqlBundleID)
	require.NoError(t, err)
	assert.Equal(t, bundle.StatusReady, got.Status)
	assert.Empty(t, got.LastError)
	assert.Equal(t, b.Key(), got.StorageKey)
	assert.Equal(t, int64(900), got.BundleSize)

	ok, err = s.MarkProcessing(ctx, "t1", sqlBundleID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, s.MarkFailed(ctx, "t1", sqlBundleID, "late"), bundle.ErrAlreadyReady)
	assert.ErrorIs(t, s.MarkReady(ctx, "t1", sqlBundleID, bundle.ReadyUpdate{CompletedAt: now}), bundle.ErrAlreadyReady)

	got, err = s.Get(ctx, "t1", sqlBundleID)
	require.NoError(t, err)
	assert.Equal(t, "mh", got.ManifestHash)
}

func TestSQLiteBundles_FailedIsNotActiveAndListOrder(t *testing.T) {
	s := NewSQLiteBundleStore(openSQLiteDB(t))
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	first := sqliteBundle("bundle_00000000000000000000000000000001", "t1", base, nil, nil)
	second := sqliteBundle("bundle_00000000000000000000000000000002", "t1", base.Add(time.Minute), nil, nil)
	require.NoError(t, s.Create(ctx, first))
	require.NoError(t, s.Create(ctx, second))
	require.NoError(t, s.MarkFailed(ctx, "t1", second.BundleID, "boom"))

	active, err := s.FindActive(ctx, "t1", "regulator", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, first.BundleID, active.BundleID)

	list, err := s.List(ctx, "t1", 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.BundleID, list[0].BundleID)
	assert.Equal(t, bundle.StatusFailed, list[0].Status)

	list, err = s.List(ctx, "t1", 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
