// Package ledger implements the per-tenant, append-only hash chain of AI
// decision records.
package ledger

import (
	"encoding/json"
	"time"
)

// ChainPosition tells a caller whether the appended record started the chain.
type ChainPosition string

const (
	PositionGenesis ChainPosition = "genesis"
	PositionChained ChainPosition = "chained"
)

// Metadata describes the policy and model that produced a decision.
type Metadata struct {
	PolicyID          string   `json:"policyId,omitempty"`
	PolicyVersion     string   `json:"policyVersion,omitempty"`
	DecisionType      string   `json:"decisionType,omitempty"`
	Confidence        *float64 `json:"confidence,omitempty"`
	ProcessingTimeMs  *int64   `json:"processingTimeMs,omitempty"`
	ModelID           string   `json:"modelId,omitempty"`
	ModelVersion      string   `json:"modelVersion,omitempty"`
	ModelHash         string   `json:"modelHash,omitempty"`
	FeatureSchemaHash string   `json:"featureSchemaHash,omitempty"`
}

// DecisionRecord is one sealed link of a tenant's chain.
//
// RecordHash = SHA256(PreviousHash || InputHash || OutputHash || ContextHash),
// with PreviousHash omitted for the genesis record (Sequence 1).
type DecisionRecord struct {
	TenantID       string    `json:"tenantId"`
	TransactionID  string    `json:"transactionId"`
	IdempotencyKey *string   `json:"idempotencyKey,omitempty"`
	Sequence       int64     `json:"sequence"`
	InputHash      string    `json:"inputHash"`
	OutputHash     string    `json:"outputHash"`
	ContextHash    *string   `json:"contextHash,omitempty"`
	RecordHash     string    `json:"recordHash"`
	PreviousHash   *string   `json:"previousHash,omitempty"`
	Timestamp      time.Time `json:"timestamp"`

	InputPayload   json.RawMessage `json:"inputPayload,omitempty"`
	OutputPayload  json.RawMessage `json:"outputPayload,omitempty"`
	ContextPayload json.RawMessage `json:"contextPayload,omitempty"`

	Metadata
}

// IsGenesis reports whether the record opens its tenant's chain.
func (r *DecisionRecord) IsGenesis() bool { return r.PreviousHash == nil }

// Position maps the record to its ChainPosition.
func (r *DecisionRecord) Position() ChainPosition {
	if r.IsGenesis() {
		return PositionGenesis
	}
	return PositionChained
}

// Draft is an unsealed record: everything but the chain fields.
type Draft struct {
	TenantID       string
	TransactionID  string
	IdempotencyKey *string
	InputHash      string
	OutputHash     string
	ContextHash    *string

	InputPayload   json.RawMessage
	OutputPayload  json.RawMessage
	ContextPayload json.RawMessage

	Metadata Metadata
}

// Filter narrows List and Count. Zero values mean "no bound".
type Filter struct {
	From          *time.Time
	To            *time.Time
	AfterSequence int64
	Limit         int
	Descending    bool
}

// AppendResult is returned to ingest callers.
type AppendResult struct {
	TransactionID string        `json:"transactionId"`
	RecordHash    string        `json:"recordHash"`
	ChainPosition ChainPosition `json:"chainPosition"`
	Sequence      int64         `json:"sequence"`
	Timestamp     time.Time     `json:"timestamp"`
	Replayed      bool          `json:"replayed"`
}
