package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xase-labs/xase-core/pkg/intervention"
	"github.com/xase-labs/xase-core/pkg/xerrors"
)

const interventionColumns = `intervention_id, tenant_id, transaction_id, record_sequence, record_hash, action,
	actor_user_id, actor_name, actor_email, actor_role, reason, notes, metadata, new_outcome,
	previous_outcome_hash, new_outcome_hash, intervention_hash, timestamp`

// InterventionStore persists human interventions in xase_interventions.
type InterventionStore struct {
	db     *sql.DB
	sqlite bool
}

var _ intervention.Store = (*InterventionStore)(nil)

func NewPostgresInterventionStore(db *sql.DB) *InterventionStore {
	return &InterventionStore{db: db}
}

func NewSQLiteInterventionStore(db *sql.DB) *InterventionStore {
	return &InterventionStore{db: db, sqlite: true}
}

func (s *InterventionStore) q(query string) string {
	if s.sqlite {
		return rebind(query)
	}
	return query
}

func (s *InterventionStore) Create(ctx context.Context, iv *intervention.Intervention) error {
	const op = "store.intervention.create"
	ts := iv.Timestamp
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO xase_interventions (`+interventionColumns+`)
		VALUES (`+placeholders(18, 1)+`)`),
		iv.InterventionID, iv.TenantID, iv.TransactionID, iv.RecordSequence, iv.RecordHash, string(iv.Action),
		nullString(iv.Actor.UserID), nullString(iv.Actor.Name), nullString(iv.Actor.Email), nullString(iv.Actor.Role),
		nullString(iv.Reason), nullString(iv.Notes), nullBytes(iv.Metadata), nullBytes(iv.NewOutcome),
		nullString(iv.PreviousOutcomeHash), nullString(iv.NewOutcomeHash), iv.InterventionHash, timeArg(&ts, s.sqlite))
	if err != nil {
		if _, dup := uniqueViolation(err); dup {
			return xerrors.Wrap(xerrors.CodeChainConflict, op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *InterventionStore) Get(ctx context.Context, tenantID, interventionID string) (*intervention.Intervention, error) {
	iv, err := scanIntervention(s.db.QueryRowContext(ctx, s.q(`SELECT `+interventionColumns+` FROM xase_interventions
		WHERE tenant_id = $1 AND intervention_id = $2`), tenantID, interventionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store.intervention: %w", err)
	}
	return iv, nil
}

func (s *InterventionStore) ListByTransaction(ctx context.Context, tenantID, transactionID string) ([]*intervention.Intervention, error) {
	return s.list(ctx, `WHERE tenant_id = $1 AND transaction_id = $2`, tenantID, transactionID)
}

func (s *InterventionStore) ListBySequence(ctx context.Context, tenantID string, from, to int64) ([]*intervention.Intervention, error) {
	return s.list(ctx, `WHERE tenant_id = $1 AND record_sequence BETWEEN $2 AND $3`, tenantID, from, to)
}

func (s *InterventionStore) list(ctx context.Context, where string, args ...any) ([]*intervention.Intervention, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+interventionColumns+` FROM xase_interventions
		`+where+` ORDER BY timestamp ASC, intervention_id ASC`), args...)
	if err != nil {
		return nil, fmt.Errorf("store.intervention.list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []*intervention.Intervention{}
	for rows.Next() {
		iv, err := scanIntervention(rows)
		if err != nil {
			return nil, fmt.Errorf("store.intervention.list: %w", err)
		}
		out = append(out, iv)
	}
	return out, rows.Err()
}

func (s *InterventionStore) Stats(ctx context.Context, tenantID string) (intervention.Stats, error) {
	st := intervention.Stats{ByAction: make(map[intervention.Action]int64)}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT action, COUNT(*) FROM xase_interventions
		WHERE tenant_id = $1 GROUP BY action`), tenantID)
	if err != nil {
		return st, fmt.Errorf("store.intervention.stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			action string
			n      int64
		)
		if err := rows.Scan(&action, &n); err != nil {
			return st, fmt.Errorf("store.intervention.stats: %w", err)
		}
		st.ByAction[intervention.Action(action)] = n
		st.Total += n
	}
	return st, rows.Err()
}

func scanIntervention(row rowScanner) (*intervention.Intervention, error) {
	var (
		iv                                  intervention.Intervention
		action                              string
		userID, name, email, role           sql.NullString
		reason, notes, metadata, newOutcome sql.NullString
		prevHash, newHash                   sql.NullString
		ts                                  dbTime
	)
	if err := row.Scan(&iv.InterventionID, &iv.TenantID, &iv.TransactionID, &iv.RecordSequence, &iv.RecordHash, &action,
		&userID, &name, &email, &role, &reason, &notes, &metadata, &newOutcome,
		&prevHash, &newHash, &iv.InterventionHash, &ts); err != nil {
		return nil, err
	}
	iv.Action = intervention.Action(action)
	iv.Actor = intervention.Actor{UserID: userID.String, Name: name.String, Email: email.String, Role: role.String}
	iv.Reason = reason.String
	iv.Notes = notes.String
	if metadata.Valid {
		iv.Metadata = json.RawMessage(metadata.String)
	}
	if newOutcome.Valid {
		iv.NewOutcome = json.RawMessage(newOutcome.String)
	}
	iv.PreviousOutcomeHash = prevHash.String
	iv.NewOutcomeHash = newHash.String
	iv.Timestamp = ts.Time
	return &iv, nil
}
