package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xase-labs/xase-core/pkg/canonicalize"
	"github.com/xase-labs/xase-core/pkg/observability"
	"github.com/xase-labs/xase-core/pkg/xerrors"
)

// AppendRequest is the payload-carrying ingest contract. Input, Output and
// Context are arbitrary JSON values; they are hashed with canonical JSON.
type AppendRequest struct {
	TenantID       string
	Input          any
	Output         any
	Context        any
	IdempotencyKey string
	TransactionID  string
	StorePayload   bool
	Metadata       Metadata
}

// Service is the entry point for ingest. It hashes payloads and delegates
// sealing to the Store.
type Service struct {
	store  Store
	obs    *observability.Provider
	logger *slog.Logger
}

type ServiceOption func(*Service)

func WithObservability(p *observability.Provider) ServiceOption {
	return func(s *Service) { s.obs = p }
}

func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{
		store:  store,
		logger: slog.Default().With("component", "ledger"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store exposes the underlying store for read paths.
func (s *Service) Store() Store { return s.store }

// Append hashes the request payloads and appends the resulting record.
func (s *Service) Append(ctx context.Context, req AppendRequest) (*AppendResult, error) {
	const op = "ledger.append"
	if req.Input == nil || req.Output == nil {
		return nil, xerrors.New(xerrors.CodeInvalidInput, op, "input and output are required")
	}

	d := Draft{
		TenantID:      req.TenantID,
		TransactionID: req.TransactionID,
		Metadata:      req.Metadata,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		d.IdempotencyKey = &key
	}

	in, err := canonicalize.JCS(req.Input)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidInput, op, fmt.Errorf("input: %w", err))
	}
	out, err := canonicalize.JCS(req.Output)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidInput, op, fmt.Errorf("output: %w", err))
	}
	d.InputHash = canonicalize.HashBytes(in)
	d.OutputHash = canonicalize.HashBytes(out)

	var ctxBytes []byte
	if req.Context != nil {
		ctxBytes, err = canonicalize.JCS(req.Context)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidInput, op, fmt.Errorf("context: %w", err))
		}
		h := canonicalize.HashBytes(ctxBytes)
		d.ContextHash = &h
	}

	if req.StorePayload {
		d.InputPayload = json.RawMessage(in)
		d.OutputPayload = json.RawMessage(out)
		if ctxBytes != nil {
			d.ContextPayload = json.RawMessage(ctxBytes)
		}
	}

	return s.appendDraft(ctx, d)
}

// AppendHashes appends a record whose digests were computed by the caller.
func (s *Service) AppendHashes(ctx context.Context, tenantID, inputHash, outputHash string, contextHash *string, idempotencyKey string) (*AppendResult, error) {
	d := Draft{
		TenantID:    tenantID,
		InputHash:   inputHash,
		OutputHash:  outputHash,
		ContextHash: contextHash,
	}
	if idempotencyKey != "" {
		d.IdempotencyKey = &idempotencyKey
	}
	return s.appendDraft(ctx, d)
}

func (s *Service) appendDraft(ctx context.Context, d Draft) (res *AppendResult, err error) {
	if err := ValidateDraft(d); err != nil {
		return nil, err
	}

	if s.obs != nil {
		var done func(error)
		ctx, done = s.obs.TrackOperation(ctx, "ledger.append", observability.AttrTenantID.String(d.TenantID))
		defer func() { done(err) }()
	}

	rec, replayed, err := s.store.Append(ctx, d)
	if err != nil {
		if errors.Is(err, xerrors.ErrChainConflict) {
			s.logger.ErrorContext(ctx, "ledger.chain_conflict", "tenant_id", d.TenantID, "error", err)
		}
		return nil, err
	}

	if s.obs != nil {
		s.obs.RecordAppend(ctx, rec.TenantID, replayed)
	}
	if replayed {
		s.logger.InfoContext(ctx, "ledger.append_replayed",
			"tenant_id", rec.TenantID, "transaction_id", rec.TransactionID)
	} else {
		s.logger.DebugContext(ctx, "ledger.appended",
			"tenant_id", rec.TenantID,
			"transaction_id", rec.TransactionID,
			"sequence", rec.Sequence,
			"record_hash", rec.RecordHash,
		)
	}

	return &AppendResult{
		TransactionID: rec.TransactionID,
		RecordHash:    rec.RecordHash,
		ChainPosition: rec.Position(),
		Sequence:      rec.Sequence,
		Timestamp:     rec.Timestamp,
		Replayed:      replayed,
	}, nil
}
