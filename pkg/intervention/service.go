package intervention

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xase-labs/xase-core/pkg/audit"
	"github.com/xase-labs/xase-core/pkg/canonicalize"
	"github.com/xase-labs/xase-core/pkg/crypto"
	"github.com/xase-labs/xase-core/pkg/ledger"
	"github.com/xase-labs/xase-core/pkg/xerrors"
)

// RecordFinder resolves the decision an intervention targets.
// ledger.Store satisfies it.
type RecordFinder interface {
	GetByTransactionID(ctx context.Context, tenantID, transactionID string) (*ledger.DecisionRecord, error)
}

// Request describes one human action. Metadata and NewOutcome are arbitrary
// JSON values.
type Request struct {
	TenantID      string
	TransactionID string
	Action        Action
	Actor         Actor
	Reason        string
	Notes         string
	Metadata      any
	NewOutcome    any
}

type Service struct {
	store   Store
	records RecordFinder
	audit   audit.Logger
	clock   func() time.Time
	logger  *slog.Logger
}

type Option func(*Service)

func WithAudit(l audit.Logger) Option { return func(s *Service) { s.audit = l } }

func WithClock(clock func() time.Time) Option { return func(s *Service) { s.clock = clock } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

func NewService(store Store, records RecordFinder, opts ...Option) *Service {
	s := &Service{
		store:   store,
		records: records,
		audit:   audit.Discard(),
		clock:   time.Now,
		logger:  slog.Default().With("component", "intervention"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store exposes the underlying store for read paths.
func (s *Service) Store() Store { return s.store }

// Record validates req, binds it to the targeted decision record and
// persists it. Failures after validation are audited as INTERVENTION_FAILED.
func (s *Service) Record(ctx context.Context, req Request) (*Intervention, error) {
	const op = "intervention.record"
	iv, err := s.build(ctx, req)
	if err != nil {
		if !errors.Is(err, xerrors.ErrInvalidInput) {
			s.recordFailure(ctx, req, err)
		}
		return nil, err
	}
	if err := s.store.Create(ctx, iv); err != nil {
		s.recordFailure(ctx, req, err)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := s.audit.Record(ctx, audit.Event{
		TenantID:     iv.TenantID,
		Action:       auditAction(iv.Action),
		ResourceType: ResourceType,
		ResourceID:   iv.TransactionID,
		Status:       audit.StatusSuccess,
		Metadata: map[string]any{
			"interventionId":      iv.InterventionID,
			"recordSequence":      iv.RecordSequence,
			"finalDecisionSource": iv.Action.FinalDecisionSource(),
			"reason":              iv.Reason,
		},
	}); err != nil {
		s.logger.ErrorContext(ctx, "intervention.audit_failed", "intervention_id", iv.InterventionID, "error", err)
	}
	s.logger.InfoContext(ctx, "intervention.recorded",
		"tenant_id", iv.TenantID,
		"transaction_id", iv.TransactionID,
		"intervention_id", iv.InterventionID,
		"action", string(iv.Action))
	return iv, nil
}

func (s *Service) build(ctx context.Context, req Request) (*Intervention, error) {
	const op = "intervention.record"
	if req.TenantID == "" || req.TransactionID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidInput, op, "tenant id and transaction id are required")
	}
	action, err := ParseAction(string(req.Action))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidInput, op, err)
	}
	if action.RequiresReason() && strings.TrimSpace(req.Reason) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidInput, op, "%s requires a reason", action)
	}
	if action == ActionOverride && req.NewOutcome == nil {
		return nil, xerrors.New(xerrors.CodeInvalidInput, op, "OVERRIDE requires a new outcome")
	}

	iv := &Intervention{
		InterventionID: crypto.NewInterventionID(),
		TenantID:       req.TenantID,
		TransactionID:  req.TransactionID,
		Action:         action,
		Actor:          req.Actor,
		Reason:         req.Reason,
		Notes:          req.Notes,
		Timestamp:      s.clock().UTC().Truncate(time.Microsecond),
	}
	if req.Metadata != nil {
		b, err := canonicalize.JCS(req.Metadata)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidInput, op, fmt.Errorf("metadata: %w", err))
		}
		iv.Metadata = json.RawMessage(b)
	}
	if req.NewOutcome != nil {
		b, err := canonicalize.JCS(req.NewOutcome)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidInput, op, fmt.Errorf("new outcome: %w", err))
		}
		iv.NewOutcome = json.RawMessage(b)
		iv.NewOutcomeHash = canonicalize.HashBytes(b)
	}

	rec, err := s.records.GetByTransactionID(ctx, req.TenantID, req.TransactionID)
	if errors.Is(err, xerrors.ErrNotFound) {
		return nil, xerrors.New(xerrors.CodeNotFound, op, "tenant %s has no record %s", req.TenantID, req.TransactionID)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: find record: %w", op, err)
	}
	iv.RecordSequence = rec.Sequence
	iv.RecordHash = rec.RecordHash
	if action == ActionOverride {
		iv.PreviousOutcomeHash = rec.OutputHash
	}

	if iv.InterventionHash, err = iv.Hash(); err != nil {
		return nil, fmt.Errorf("%s: hash: %w", op, err)
	}
	return iv, nil
}

func (s *Service) recordFailure(ctx context.Context, req Request, cause error) {
	if err := s.audit.Record(ctx, audit.Event{
		TenantID:     req.TenantID,
		Action:       audit.ActionInterventionFailed,
		ResourceType: ResourceType,
		ResourceID:   req.TransactionID,
		Status:       audit.StatusFailed,
		Error:        xerrors.Message(cause, xerrors.MaxMessageLen),
		Metadata:     map[string]any{"action": string(req.Action)},
	}); err != nil {
		s.logger.ErrorContext(ctx, "intervention.audit_failed", "transaction_id", req.TransactionID, "error", err)
	}
	s.logger.WarnContext(ctx, "intervention.failed",
		"tenant_id", req.TenantID,
		"transaction_id", req.TransactionID,
		"error", cause)
}

// History returns the record's interventions, oldest first.
func (s *Service) History(ctx context.Context, tenantID, transactionID string) ([]*Intervention, error) {
	return s.store.ListByTransaction(ctx, tenantID, transactionID)
}

// FinalDecisionSource is the source implied by the latest decisive action
// on the record. Reviews and escalations do not change it.
func FinalDecisionSource(history []*Intervention) string {
	src := "AI"
	for _, iv := range history {
		switch iv.Action {
		case ActionApproved, ActionRejected, ActionOverride:
			src = iv.Action.FinalDecisionSource()
		}
	}
	return src
}

func auditAction(a Action) audit.Action {
	switch a {
	case ActionReviewRequested:
		return audit.ActionHumanReviewRequested
	case ActionApproved:
		return audit.ActionHumanApproved
	case ActionRejected:
		return audit.ActionHumanRejected
	case ActionOverride:
		return audit.ActionHumanOverride
	default:
		return audit.ActionHumanEscalated
	}
}
