package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xase-labs/xase-core/pkg/bundle"
	"github.com/xase-labs/xase-core/pkg/xerrors"
)

const bundleColumns = `bundle_id, tenant_id, status, purpose, description, created_by, record_count,
	date_from, date_to, manifest_hash, storage_key, storage_url, bundle_hash, bundle_size,
	legal_hold, retention_until, expires_at, last_error, created_at, completed_at`

const maxBundleError = 2000

// BundleStore persists evidence bundles in xase_evidence_bundles.
//
// Every status update carries "status <> 'READY'" in its WHERE clause, so a
// READY row is never rewritten.
type BundleStore struct {
	db     *sql.DB
	sqlite bool
}

var _ bundle.Store = (*BundleStore)(nil)

func NewPostgresBundleStore(db *sql.DB) *BundleStore {
	return &BundleStore{db: db}
}

func NewSQLiteBundleStore(db *sql.DB) *BundleStore {
	return &BundleStore{db: db, sqlite: true}
}

func (s *BundleStore) q(query string) string {
	if s.sqlite {
		return rebind(query)
	}
	return query
}

func (s *BundleStore) t(t time.Time) any {
	return timeArg(&t, s.sqlite)
}

func (s *BundleStore) Create(ctx context.Context, b *bundle.Bundle) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO xase_evidence_bundles (`+bundleColumns+`)
		VALUES (`+placeholders(20, 1)+`)`),
		b.BundleID, b.TenantID, string(b.Status), b.Purpose, nullString(b.Description), nullString(b.CreatedBy), b.RecordCount,
		timeArg(b.DateFrom, s.sqlite), timeArg(b.DateTo, s.sqlite), nullString(b.ManifestHash), nullString(b.StorageKey),
		nullString(b.StorageURL), nullString(b.BundleHash), nullInt(b.BundleSize),
		b.LegalHold, timeArg(b.RetentionUntil, s.sqlite), timeArg(b.ExpiresAt, s.sqlite), nullString(b.LastError),
		s.t(b.CreatedAt), timeArg(b.CompletedAt, s.sqlite))
	if err != nil {
		if _, dup := uniqueViolation(err); dup {
			return xerrors.New(xerrors.CodeInvalidInput, "store.bundle.create", "bundle %s already exists", b.BundleID)
		}
		return fmt.Errorf("store.bundle.create: %w", err)
	}
	return nil
}

func (s *BundleStore) Get(ctx context.Context, tenantID, bundleID string) (*bundle.Bundle, error) {
	b, err := scanBundle(s.db.QueryRowContext(ctx,
		s.q(`SELECT `+bundleColumns+` FROM xase_evidence_bundles WHERE tenant_id = $1 AND bundle_id = $2`),
		tenantID, bundleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store.bundle.get: %w", err)
	}
	return b, nil
}

func (s *BundleStore) FindActive(ctx context.Context, tenantID, purpose string, from, to *time.Time) (*bundle.Bundle, error) {
	query := `SELECT ` + bundleColumns + ` FROM xase_evidence_bundles
		WHERE tenant_id = $1 AND purpose = $2 AND status <> 'FAILED'`
	args := []any{tenantID, purpose}
	query, args = matchBound(query, args, "date_from", from, s.sqlite)
	query, args = matchBound(query, args, "date_to", to, s.sqlite)
	query += ` ORDER BY created_at DESC LIMIT 1`

	b, err := scanBundle(s.db.QueryRowContext(ctx, s.q(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store.bundle.find_active: %w", err)
	}
	return b, nil
}

func matchBound(query string, args []any, column string, t *time.Time, sqlite bool) (string, []any) {
	if t == nil {
		return query + ` AND ` + column + ` IS NULL`, args
	}
	args = append(args, timeArg(t, sqlite))
	return query + fmt.Sprintf(` AND %s = $%d`, column, len(args)), args
}

func (s *BundleStore) List(ctx context.Context, tenantID string, limit int) ([]*bundle.Bundle, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT `+bundleColumns+` FROM xase_evidence_bundles WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2`),
		tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("store.bundle.list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*bundle.Bundle
	for rows.Next() {
		b, err := scanBundle(rows)
		if err != nil {
			return nil, fmt.Errorf("store.bundle.list: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *BundleStore) MarkProcessing(ctx context.Context, tenantID, bundleID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE xase_evidence_bundles SET status = 'PROCESSING'
		WHERE tenant_id = $1 AND bundle_id = $2 AND status IN ('PENDING', 'PROCESSING', 'FAILED')`),
		tenantID, bundleID)
	if err != nil {
		return false, fmt.Errorf("store.bundle.mark_processing: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store.bundle.mark_processing: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	// distinguish READY from missing
	if _, err := s.Get(ctx, tenantID, bundleID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *BundleStore) MarkReady(ctx context.Context, tenantID, bundleID string, u bundle.ReadyUpdate) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE xase_evidence_bundles
		SET status = 'READY', record_count = $3, manifest_hash = $4, storage_key = $5, storage_url = $6,
		    bundle_hash = $7, bundle_size = $8, completed_at = $9, last_error = NULL
		WHERE tenant_id = $1 AND bundle_id = $2 AND status <> 'READY'`),
		tenantID, bundleID, u.RecordCount, u.ManifestHash, nullString(u.StorageKey), nullString(u.StorageURL),
		u.BundleHash, u.BundleSize, s.t(u.CompletedAt))
	if err != nil {
		return fmt.Errorf("store.bundle.mark_ready: %w", err)
	}
	return s.expectUpdated(ctx, res, tenantID, bundleID)
}

func (s *BundleStore) MarkPending(ctx context.Context, tenantID, bundleID, lastError string) error {
	return s.setStatus(ctx, tenantID, bundleID, bundle.StatusPending, lastError)
}

func (s *BundleStore) MarkFailed(ctx context.Context, tenantID, bundleID, lastError string) error {
	return s.setStatus(ctx, tenantID, bundleID, bundle.StatusFailed, lastError)
}

func (s *BundleStore) setStatus(ctx context.Context, tenantID, bundleID string, st bundle.Status, lastError string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE xase_evidence_bundles SET status = $3, last_error = $4
		WHERE tenant_id = $1 AND bundle_id = $2 AND status <> 'READY'`),
		tenantID, bundleID, string(st), nullString(truncate(lastError, maxBundleError)))
	if err != nil {
		return fmt.Errorf("store.bundle.set_status: %w", err)
	}
	return s.expectUpdated(ctx, res, tenantID, bundleID)
}

// expectUpdated maps zero affected rows to ErrAlreadyReady or NOT_FOUND.
func (s *BundleStore) expectUpdated(ctx context.Context, res sql.Result, tenantID, bundleID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store.bundle: rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.Get(ctx, tenantID, bundleID); err != nil {
		return err
	}
	return bundle.ErrAlreadyReady
}

func scanBundle(row rowScanner) (*bundle.Bundle, error) {
	var (
		b                                                  bundle.Bundle
		status                                             string
		description, createdBy, manifestHash, storageKey   sql.NullString
		storageURL, bundleHash, lastError                  sql.NullString
		bundleSize                                         sql.NullInt64
		dateFrom, dateTo, retentionUntil, expiresAt, compl dbTime
		createdAt                                          dbTime
	)
	err := row.Scan(&b.BundleID, &b.TenantID, &status, &b.Purpose, &description, &createdBy, &b.RecordCount,
		&dateFrom, &dateTo, &manifestHash, &storageKey, &storageURL, &bundleHash, &bundleSize,
		&b.LegalHold, &retentionUntil, &expiresAt, &lastError, &createdAt, &compl)
	if err != nil {
		return nil, err
	}
	b.Status = bundle.Status(status)
	b.Description = description.String
	b.CreatedBy = createdBy.String
	b.ManifestHash = manifestHash.String
	b.StorageKey = storageKey.String
	b.StorageURL = storageURL.String
	b.BundleHash = bundleHash.String
	b.BundleSize = bundleSize.Int64
	b.LastError = lastError.String
	b.DateFrom = dateFrom.ptr()
	b.DateTo = dateTo.ptr()
	b.RetentionUntil = retentionUntil.ptr()
	b.ExpiresAt = expiresAt.ptr()
	b.CompletedAt = compl.ptr()
	b.CreatedAt = createdAt.Time
	return &b, nil
}

func nullInt(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n != 0}
}
