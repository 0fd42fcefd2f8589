package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xase-labs/xase-core/pkg/ledger"
	"github.com/xase-labs/xase-core/pkg/xerrors"
)

const recordColumns = `tenant_id, transaction_id, idempotency_key, sequence, input_hash, output_hash,
	context_hash, record_hash, previous_hash, timestamp, input_payload, output_payload, context_payload,
	policy_id, policy_version, decision_type, confidence, processing_time_ms,
	model_id, model_version, model_hash, feature_schema_hash`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*ledger.DecisionRecord, error) {
	var (
		r                                        ledger.DecisionRecord
		idemKey, ctxHash, prevHash               sql.NullString
		inPayload, outPayload, ctxPayload        sql.NullString
		policyID, policyVersion, decisionType    sql.NullString
		modelID, modelVersion, modelHash, fsHash sql.NullString
		confidence                               sql.NullFloat64
		processingMs                             sql.NullInt64
		ts                                       dbTime
	)
	err := row.Scan(
		&r.TenantID, &r.TransactionID, &idemKey, &r.Sequence, &r.InputHash, &r.OutputHash,
		&ctxHash, &r.RecordHash, &prevHash, &ts, &inPayload, &outPayload, &ctxPayload,
		&policyID, &policyVersion, &decisionType, &confidence, &processingMs,
		&modelID, &modelVersion, &modelHash, &fsHash,
	)
	if err != nil {
		return nil, err
	}

	r.IdempotencyKey = stringPtr(idemKey)
	r.ContextHash = stringPtr(ctxHash)
	r.PreviousHash = stringPtr(prevHash)
	r.Timestamp = ts.Time
	if inPayload.Valid {
		r.InputPayload = json.RawMessage(inPayload.String)
	}
	if outPayload.Valid {
		r.OutputPayload = json.RawMessage(outPayload.String)
	}
	if ctxPayload.Valid {
		r.ContextPayload = json.RawMessage(ctxPayload.String)
	}
	r.PolicyID = policyID.String
	r.PolicyVersion = policyVersion.String
	r.DecisionType = decisionType.String
	r.ModelID = modelID.String
	r.ModelVersion = modelVersion.String
	r.ModelHash = modelHash.String
	r.FeatureSchemaHash = fsHash.String
	if confidence.Valid {
		c := confidence.Float64
		r.Confidence = &c
	}
	if processingMs.Valid {
		p := processingMs.Int64
		r.ProcessingTimeMs = &p
	}
	return &r, nil
}

func scanRecords(rows *sql.Rows) ([]*ledger.DecisionRecord, error) {
	defer func() { _ = rows.Close() }()
	//nolint:prealloc // result count unknown from SQL query
	var out []*ledger.DecisionRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// recordArgs returns insert arguments in recordColumns order.
func recordArgs(r *ledger.DecisionRecord, sqliteDialect bool) []any {
	var confidence, processing any
	if r.Confidence != nil {
		confidence = *r.Confidence
	}
	if r.ProcessingTimeMs != nil {
		processing = *r.ProcessingTimeMs
	}
	ts := r.Timestamp
	return []any{
		r.TenantID, r.TransactionID, nullStringPtr(r.IdempotencyKey), r.Sequence, r.InputHash, r.OutputHash,
		nullStringPtr(r.ContextHash), r.RecordHash, nullStringPtr(r.PreviousHash), timeArg(&ts, sqliteDialect),
		nullBytes(r.InputPayload), nullBytes(r.OutputPayload), nullBytes(r.ContextPayload),
		nullString(r.PolicyID), nullString(r.PolicyVersion), nullString(r.DecisionType), confidence, processing,
		nullString(r.ModelID), nullString(r.ModelVersion), nullString(r.ModelHash), nullString(r.FeatureSchemaHash),
	}
}

// placeholders renders n bind markers starting at $start.
func placeholders(n, start int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(parts, ", ")
}

// recordFilter builds the WHERE clause shared by List and Count. The tenant
// is always the first bind argument.
func recordFilter(tenantID string, f ledger.Filter, sqliteDialect bool) (string, []any) {
	args := []any{tenantID}
	ph := func() string { return fmt.Sprintf("$%d", len(args)) }
	clauses := []string{"tenant_id = " + ph()}
	if f.AfterSequence > 0 {
		args = append(args, f.AfterSequence)
		clauses = append(clauses, "sequence > "+ph())
	}
	if f.From != nil {
		args = append(args, timeArg(f.From, sqliteDialect))
		clauses = append(clauses, "timestamp >= "+ph())
	}
	if f.To != nil {
		args = append(args, timeArg(f.To, sqliteDialect))
		clauses = append(clauses, "timestamp <= "+ph())
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func orderAndLimit(f ledger.Filter) string {
	q := " ORDER BY sequence ASC"
	if f.Descending {
		q = " ORDER BY sequence DESC"
	}
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	return q
}

// appendConflict maps a unique violation during Append to a stable code.
func appendConflict(op string, err error) error {
	constraint, ok := uniqueViolation(err)
	if !ok {
		return fmt.Errorf("%s: insert failed: %w", op, err)
	}
	if strings.Contains(constraint, "transaction_id") {
		return xerrors.Wrap(xerrors.CodeInvalidInput, op, fmt.Errorf("duplicate transaction id: %w", err))
	}
	return xerrors.Wrap(xerrors.CodeChainConflict, op, err)
}
