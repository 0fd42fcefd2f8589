package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/xase-labs/xase-core/pkg/checkpoint"
	"github.com/xase-labs/xase-core/pkg/xerrors"
)

const checkpointColumns = `checkpoint_id, tenant_id, number, type, last_record_hash, record_count,
	checkpoint_hash, previous_checkpoint_id, signature, signature_algorithm, key_id, signed_by, timestamp`

// CheckpointStore persists checkpoints in xase_checkpoints. The
// (tenant_id, number) unique constraint turns a racing second writer into
// CHAIN_CONFLICT.
type CheckpointStore struct {
	db     *sql.DB
	sqlite bool
}

var _ checkpoint.Store = (*CheckpointStore)(nil)

func NewPostgresCheckpointStore(db *sql.DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

func NewSQLiteCheckpointStore(db *sql.DB) *CheckpointStore {
	return &CheckpointStore{db: db, sqlite: true}
}

func (s *CheckpointStore) q(query string) string {
	if s.sqlite {
		return rebind(query)
	}
	return query
}

func (s *CheckpointStore) Create(ctx context.Context, cp *checkpoint.Checkpoint) error {
	const op = "store.checkpoint.create"
	ts := cp.Timestamp
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO xase_checkpoints (`+checkpointColumns+`)
		VALUES (`+placeholders(13, 1)+`)`),
		cp.CheckpointID, cp.TenantID, cp.Number, string(cp.Type), cp.LastRecordHash, cp.RecordCount,
		cp.CheckpointHash, nullString(cp.PreviousCheckpointID), nullString(cp.Signature), cp.SignatureAlgorithm,
		nullString(cp.KeyID), cp.SignedBy, timeArg(&ts, s.sqlite))
	if err != nil {
		if _, dup := uniqueViolation(err); dup {
			return xerrors.Wrap(xerrors.CodeChainConflict, op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *CheckpointStore) Latest(ctx context.Context, tenantID string) (*checkpoint.Checkpoint, error) {
	return s.one(ctx, `WHERE tenant_id = $1 ORDER BY number DESC LIMIT 1`, tenantID)
}

func (s *CheckpointStore) Get(ctx context.Context, tenantID, checkpointID string) (*checkpoint.Checkpoint, error) {
	return s.one(ctx, `WHERE tenant_id = $1 AND checkpoint_id = $2`, tenantID, checkpointID)
}

func (s *CheckpointStore) one(ctx context.Context, where string, args ...any) (*checkpoint.Checkpoint, error) {
	cp, err := scanCheckpoint(s.db.QueryRowContext(ctx,
		s.q(`SELECT `+checkpointColumns+` FROM xase_checkpoints `+where), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store.checkpoint: %w", err)
	}
	return cp, nil
}

func (s *CheckpointStore) List(ctx context.Context, tenantID string, limit int) ([]*checkpoint.Checkpoint, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+checkpointColumns+` FROM xase_checkpoints
		WHERE tenant_id = $1 ORDER BY number DESC LIMIT $2`), tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("store.checkpoint.list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*checkpoint.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("store.checkpoint.list: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func scanCheckpoint(row rowScanner) (*checkpoint.Checkpoint, error) {
	var (
		cp                 checkpoint.Checkpoint
		typ                string
		prevID, sig, keyID sql.NullString
		ts                 dbTime
	)
	if err := row.Scan(&cp.CheckpointID, &cp.TenantID, &cp.Number, &typ, &cp.LastRecordHash, &cp.RecordCount,
		&cp.CheckpointHash, &prevID, &sig, &cp.SignatureAlgorithm, &keyID, &cp.SignedBy, &ts); err != nil {
		return nil, err
	}
	cp.Type = checkpoint.Type(typ)
	cp.PreviousCheckpointID = prevID.String
	cp.Signature = sig.String
	cp.KeyID = keyID.String
	cp.Timestamp = ts.Time
	return &cp, nil
}
