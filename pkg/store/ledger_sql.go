package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xase-labs/xase-core/pkg/ledger"
	"github.com/xase-labs/xase-core/pkg/xerrors"
)

// LedgerStore is the durable ledger.Store for Postgres and SQLite.
//
// Appends for one tenant are serialized inside the append transaction:
// Postgres takes pg_advisory_xact_lock keyed on the tenant id, so different
// tenants proceed concurrently; SQLite connections are opened with
// _txlock=immediate, so BEGIN takes the database write lock up front.
type LedgerStore struct {
	db     *sql.DB
	sqlite bool
	clock  func() time.Time
}

var _ ledger.Store = (*LedgerStore)(nil)

func NewPostgresLedgerStore(db *sql.DB) *LedgerStore {
	return &LedgerStore{db: db, clock: time.Now}
}

// NewSQLiteLedgerStore expects a handle from database.OpenSQLite.
func NewSQLiteLedgerStore(db *sql.DB) *LedgerStore {
	return &LedgerStore{db: db, sqlite: true, clock: time.Now}
}

// WithClock overrides the time source used to stamp new records.
func (s *LedgerStore) WithClock(clock func() time.Time) *LedgerStore {
	s.clock = clock
	return s
}

func (s *LedgerStore) q(query string) string {
	if s.sqlite {
		return rebind(query)
	}
	return query
}

func (s *LedgerStore) Append(ctx context.Context, d ledger.Draft) (*ledger.DecisionRecord, bool, error) {
	const op = "store.ledger.append"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("%s: begin: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	if !s.sqlite {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, d.TenantID); err != nil {
			return nil, false, fmt.Errorf("%s: tenant lock: %w", op, err)
		}
	}

	if d.IdempotencyKey != nil {
		existing, err := scanRecord(tx.QueryRowContext(ctx,
			s.q(`SELECT `+recordColumns+` FROM xase_decision_records WHERE tenant_id = $1 AND idempotency_key = $2`),
			d.TenantID, *d.IdempotencyKey))
		switch {
		case err == nil:
			if err := tx.Commit(); err != nil {
				return nil, false, fmt.Errorf("%s: commit: %w", op, err)
			}
			return existing, true, nil
		case !errors.Is(err, sql.ErrNoRows):
			return nil, false, fmt.Errorf("%s: idempotency lookup: %w", op, err)
		}
	}

	prev, err := scanRecord(tx.QueryRowContext(ctx,
		s.q(`SELECT `+recordColumns+` FROM xase_decision_records WHERE tenant_id = $1 ORDER BY sequence DESC LIMIT 1`),
		d.TenantID))
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("%s: read tail: %w", op, err)
		}
		prev = nil
	}

	rec := ledger.Seal(prev, d, s.clock())
	if _, err := tx.ExecContext(ctx,
		s.q(`INSERT INTO xase_decision_records (`+recordColumns+`) VALUES (`+placeholders(22, 1)+`)`),
		recordArgs(rec, s.sqlite)...); err != nil {
		return nil, false, appendConflict(op, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, appendConflict(op, err)
	}
	return rec, false, nil
}

func (s *LedgerStore) GetByTransactionID(ctx context.Context, tenantID, transactionID string) (*ledger.DecisionRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		s.q(`SELECT `+recordColumns+` FROM xase_decision_records WHERE tenant_id = $1 AND transaction_id = $2`),
		tenantID, transactionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	return rec, err
}

func (s *LedgerStore) Latest(ctx context.Context, tenantID string) (*ledger.DecisionRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		s.q(`SELECT `+recordColumns+` FROM xase_decision_records WHERE tenant_id = $1 ORDER BY sequence DESC LIMIT 1`),
		tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	return rec, err
}

func (s *LedgerStore) List(ctx context.Context, tenantID string, f ledger.Filter) ([]*ledger.DecisionRecord, error) {
	where, args := recordFilter(tenantID, f, s.sqlite)
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+recordColumns+` FROM xase_decision_records`+where+orderAndLimit(f)), args...)
	if err != nil {
		return nil, fmt.Errorf("store.ledger.list: %w", err)
	}
	return scanRecords(rows)
}

func (s *LedgerStore) Count(ctx context.Context, tenantID string, f ledger.Filter) (int64, error) {
	where, args := recordFilter(tenantID, f, s.sqlite)
	var n int64
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM xase_decision_records`+where), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("store.ledger.count: %w", err)
	}
	return n, nil
}

func (s *LedgerStore) Tenants(ctx context.Context) ([]string, error) {
	return queryStrings(ctx, s.db, `SELECT DISTINCT tenant_id FROM xase_decision_records ORDER BY tenant_id`)
}

func queryStrings(ctx context.Context, db *sql.DB, query string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
