package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xase-labs/xase-core/pkg/audit"
	"github.com/xase-labs/xase-core/pkg/crypto"
	"github.com/xase-labs/xase-core/pkg/ledger"
	"github.com/xase-labs/xase-core/pkg/signing"
	"github.com/xase-labs/xase-core/pkg/xerrors"
)

// SweepLockKey is the Locker key held for the duration of a sweep.
const SweepLockKey = "xase:checkpoint:sweep"

// Signer signs checkpoint hashes. *signing.Service satisfies it.
type Signer interface {
	SignBestEffort(ctx context.Context, req signing.Request) (*crypto.Signature, error)
}

type Service struct {
	checkpoints Store
	records     ledger.Store
	signer      Signer
	locker      Locker
	lockTTL     time.Duration
	audit       audit.Logger
	clock       func() time.Time
	logger      *slog.Logger
}

type Option func(*Service)

// WithLocker makes Sweep run on one instance at a time.
func WithLocker(l Locker, ttl time.Duration) Option {
	return func(s *Service) {
		s.locker = l
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

func WithAudit(l audit.Logger) Option { return func(s *Service) { s.audit = l } }

func WithClock(clock func() time.Time) Option { return func(s *Service) { s.clock = clock } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

func NewService(checkpoints Store, records ledger.Store, signer Signer, opts ...Option) *Service {
	s := &Service{
		checkpoints: checkpoints,
		records:     records,
		signer:      signer,
		lockTTL:     5 * time.Minute,
		audit:       audit.Discard(),
		clock:       time.Now,
		logger:      slog.Default().With("component", "checkpoint"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create anchors the tenant's current chain tail. RecordCount is the number
// of records appended since the previous checkpoint.
func (s *Service) Create(ctx context.Context, tenantID string, typ Type) (*Checkpoint, error) {
	if tenantID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidInput, "checkpoint.create", "tenant id is required")
	}
	if _, err := ParseType(string(typ)); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidInput, "checkpoint.create", err)
	}
	tail, prev, err := s.heads(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.create(ctx, tenantID, typ, tail, prev)
}

// heads returns the chain tail and the latest checkpoint (nil if none).
func (s *Service) heads(ctx context.Context, tenantID string) (*ledger.DecisionRecord, *Checkpoint, error) {
	const op = "checkpoint.create"
	tail, err := s.records.Latest(ctx, tenantID)
	if errors.Is(err, xerrors.ErrNotFound) {
		return nil, nil, xerrors.New(xerrors.CodeNotFound, op, "tenant %s has no records", tenantID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%s: latest record: %w", op, err)
	}
	prev, err := s.checkpoints.Latest(ctx, tenantID)
	switch {
	case errors.Is(err, xerrors.ErrNotFound):
		prev = nil
	case err != nil:
		return nil, nil, fmt.Errorf("%s: latest checkpoint: %w", op, err)
	}
	return tail, prev, nil
}

func (s *Service) create(ctx context.Context, tenantID string, typ Type, tail *ledger.DecisionRecord, prev *Checkpoint) (*Checkpoint, error) {
	const op = "checkpoint.create"

	f := ledger.Filter{To: &tail.Timestamp}
	number := int64(1)
	prevHash, prevID := "", ""
	if prev != nil {
		after := prev.Timestamp.Add(time.Nanosecond)
		f.From = &after
		number = prev.Number + 1
		prevHash, prevID = prev.CheckpointHash, prev.CheckpointID
	}
	count, err := s.records.Count(ctx, tenantID, f)
	if err != nil {
		return nil, fmt.Errorf("%s: count records: %w", op, err)
	}

	// Postgres keeps microseconds; hash what the row will hold.
	ts := s.clock().UTC().Truncate(time.Microsecond)
	cp := &Checkpoint{
		CheckpointID:         crypto.NewCheckpointID(),
		TenantID:             tenantID,
		Number:               number,
		Type:                 typ,
		LastRecordHash:       tail.RecordHash,
		RecordCount:          count,
		CheckpointHash:       Hash(prevHash, tail.RecordHash, count, ts),
		PreviousCheckpointID: prevID,
		Timestamp:            ts,
	}

	sig, err := s.signer.SignBestEffort(ctx, signing.Request{
		TenantID:     tenantID,
		ResourceType: signing.ResourceCheckpoint,
		ResourceID:   cp.CheckpointID,
		Hash:         cp.CheckpointHash,
	})
	if err != nil {
		return nil, err
	}
	cp.Signature = sig.Signature
	cp.SignatureAlgorithm = sig.Algorithm
	cp.KeyID = sig.KeyID
	cp.SignedBy = sig.SignedBy

	if err := s.checkpoints.Create(ctx, cp); err != nil {
		return nil, err
	}

	if err := s.audit.Record(ctx, audit.Event{
		TenantID:     tenantID,
		Action:       audit.ActionCheckpointCreated,
		ResourceType: ResourceType,
		ResourceID:   cp.CheckpointID,
		Status:       audit.StatusSuccess,
		Metadata: map[string]any{
			"type":                 string(typ),
			"number":               number,
			"recordCount":          count,
			"previousCheckpointId": prevID,
			"signed":               cp.Signed(),
		},
	}); err != nil {
		s.logger.ErrorContext(ctx, "checkpoint.audit_failed", "checkpoint_id", cp.CheckpointID, "error", err)
	}
	s.logger.InfoContext(ctx, "checkpoint.created",
		"tenant_id", tenantID,
		"checkpoint_id", cp.CheckpointID,
		"number", number,
		"records", count,
		"signed", cp.Signed())
	return cp, nil
}

// SweepResult summarizes one Sweep.
type SweepResult struct {
	Created []*Checkpoint
	// Unchanged counts tenants whose tail is already anchored.
	Unchanged int
	Failed    map[string]string
	// LockHeld is set when another instance was sweeping.
	LockHeld bool
}

// Sweep creates a PERIODIC checkpoint for every tenant whose chain has
// grown since its last checkpoint. One tenant failing does not stop the
// others.
func (s *Service) Sweep(ctx context.Context) (*SweepResult, error) {
	res := &SweepResult{Failed: map[string]string{}}
	if s.locker != nil {
		release, err := s.locker.Obtain(ctx, SweepLockKey, s.lockTTL)
		if errors.Is(err, ErrLockHeld) {
			s.logger.InfoContext(ctx, "checkpoint.sweep_skipped", "reason", "lock held")
			res.LockHeld = true
			return res, nil
		}
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.logger.WarnContext(ctx, "checkpoint.lock_release_failed", "error", err)
			}
		}()
	}

	tenants, err := s.records.Tenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("checkpoint.sweep: tenants: %w", err)
	}
	for _, tenant := range tenants {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		tail, prev, err := s.heads(ctx, tenant)
		if err == nil && prev != nil && prev.LastRecordHash == tail.RecordHash {
			res.Unchanged++
			continue
		}
		var cp *Checkpoint
		if err == nil {
			cp, err = s.create(ctx, tenant, TypePeriodic, tail, prev)
		}
		if err != nil {
			s.logger.ErrorContext(ctx, "checkpoint.sweep_failed", "tenant_id", tenant, "error", err)
			res.Failed[tenant] = err.Error()
			continue
		}
		res.Created = append(res.Created, cp)
	}
	s.logger.InfoContext(ctx, "checkpoint.sweep_done",
		"created", len(res.Created), "unchanged", res.Unchanged, "failed", len(res.Failed))
	return res, nil
}

func (s *Service) List(ctx context.Context, tenantID string, limit int) ([]*Checkpoint, error) {
	return s.checkpoints.List(ctx, tenantID, limit)
}

// VerifyByID loads a checkpoint and its predecessor and verifies them.
func (s *Service) VerifyByID(ctx context.Context, tenantID, checkpointID, publicKeyPEM string) (*Checkpoint, Verification, error) {
	cp, err := s.checkpoints.Get(ctx, tenantID, checkpointID)
	if err != nil {
		return nil, Verification{}, err
	}
	var prev *Checkpoint
	if cp.PreviousCheckpointID != "" {
		prev, err = s.checkpoints.Get(ctx, tenantID, cp.PreviousCheckpointID)
		if err != nil && !errors.Is(err, xerrors.ErrNotFound) {
			return nil, Verification{}, err
		}
	}
	return cp, Verify(cp, prev, publicKeyPEM), nil
}
