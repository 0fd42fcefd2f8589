// Package signing signs record, checkpoint and export digests through the
// configured KMS provider, with per-tenant rate limiting, retries and an
// audit trail.
package signing

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/xase-labs/xase-core/pkg/audit"
	"github.com/xase-labs/xase-core/pkg/canonicalize"
	"github.com/xase-labs/xase-core/pkg/crypto"
	"github.com/xase-labs/xase-core/pkg/kms"
	"github.com/xase-labs/xase-core/pkg/observability"
	"github.com/xase-labs/xase-core/pkg/util/resiliency"
	"github.com/xase-labs/xase-core/pkg/xerrors"
)

// Resource types that may be signed.
const (
	ResourceDecision   = "decision"
	ResourceCheckpoint = "checkpoint"
	ResourceExport     = "export"
)

// Request identifies what is being signed and for whom.
type Request struct {
	TenantID     string
	ResourceType string
	ResourceID   string
	Hash         string
}

type Service struct {
	provider kms.Provider
	limiter  Limiter
	guard    resiliency.Guard
	audit    audit.Logger
	obs      *observability.Provider
	logger   *slog.Logger
	clock    func() time.Time

	pemMu sync.Mutex
	pem   string
}

type Option func(*Service)

func WithLimiter(l Limiter) Option { return func(s *Service) { s.limiter = l } }

func WithAudit(l audit.Logger) Option { return func(s *Service) { s.audit = l } }

// WithGuard replaces the retry policy, breaker and per-call timeout.
func WithGuard(g resiliency.Guard) Option { return func(s *Service) { s.guard = g } }

func WithObservability(p *observability.Provider) Option { return func(s *Service) { s.obs = p } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithClock(clock func() time.Time) Option { return func(s *Service) { s.clock = clock } }

// NewService signs through provider. Without WithLimiter the default is
// 1000 signatures per tenant per hour in memory.
func NewService(provider kms.Provider, opts ...Option) *Service {
	s := &Service{
		provider: provider,
		limiter:  NewMemoryLimiter(1000, 100),
		guard: resiliency.Guard{
			Policy:  resiliency.CallPolicy,
			Breaker: resiliency.NewCircuitBreaker("kms", 5, 30*time.Second),
			Timeout: 10 * time.Second,
		},
		audit:  audit.Discard(),
		logger: slog.Default().With("component", "signing"),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Provider returns the underlying key provider.
func (s *Service) Provider() kms.Provider { return s.provider }

func validate(req Request) error {
	const op = "signing.validate"
	switch {
	case req.TenantID == "":
		return xerrors.New(xerrors.CodeInvalidInput, op, "tenant id is required")
	case req.ResourceID == "":
		return xerrors.New(xerrors.CodeInvalidInput, op, "resource id is required")
	case !canonicalize.IsHexDigest(req.Hash):
		return xerrors.New(xerrors.CodeInvalidInput, op, "hash must be a 64-char lowercase hex SHA-256 digest")
	}
	switch req.ResourceType {
	case ResourceDecision, ResourceCheckpoint, ResourceExport:
		return nil
	default:
		return xerrors.New(xerrors.CodeInvalidInput, op, "unknown resource type %q", req.ResourceType)
	}
}

// Sign returns a KMS signature over req.Hash with the public key and its
// fingerprint embedded.
func (s *Service) Sign(ctx context.Context, req Request) (sig *crypto.Signature, err error) {
	const op = "signing.sign"
	if s.obs != nil {
		var done func(error)
		attrs := append(observability.CryptoOperation(s.provider.Algorithm(), req.ResourceType, s.provider.KeyID()),
			observability.AttrTenantID.String(req.TenantID))
		ctx, done = s.obs.TrackOperation(ctx, op, attrs...)
		defer func() { done(err) }()
	}

	evt := audit.Event{
		TenantID:     req.TenantID,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		Metadata:     map[string]any{"hash": req.Hash, "keyId": s.provider.KeyID()},
	}

	if err := validate(req); err != nil {
		evt.Action, evt.Status, evt.Error = audit.ActionSignRejected, audit.StatusDenied, err.Error()
		s.record(ctx, evt)
		return nil, err
	}

	allowed, lerr := s.limiter.Allow(ctx, req.TenantID)
	if lerr != nil {
		// limiter backend down: sign anyway, KMS quotas still apply
		s.logger.WarnContext(ctx, "signing.limiter_unavailable", "tenant_id", req.TenantID, "error", lerr)
		allowed = true
	}
	if !allowed {
		err := xerrors.New(xerrors.CodeRateLimited, op, "tenant %s exceeded its signing rate", req.TenantID)
		evt.Action, evt.Status, evt.Error = audit.ActionSignRateLimited, audit.StatusDenied, err.Error()
		s.record(ctx, evt)
		return nil, err
	}

	err = s.guard.Do(ctx, func(ctx context.Context) error {
		var serr error
		sig, serr = s.provider.Sign(ctx, req.Hash)
		if errors.Is(serr, crypto.ErrInvalidDigest) {
			return resiliency.Stop(serr)
		}
		return serr
	})
	if err != nil {
		err = xerrors.Wrap(xerrors.CodeSigningFailed, op, err)
		evt.Action, evt.Status, evt.Error = audit.ActionSignKMSError, audit.StatusFailed, err.Error()
		s.record(ctx, evt)
		s.logger.ErrorContext(ctx, "signing.kms_error", "tenant_id", req.TenantID, "resource_id", req.ResourceID, "error", err)
		return nil, err
	}

	if pem, perr := s.PublicKeyPEM(ctx); perr == nil {
		sig.PublicKeyPEM = pem
		sig.KeyFingerprint = crypto.PublicKeyFingerprint(pem)
	} else {
		s.logger.WarnContext(ctx, "signing.public_key_unavailable", "error", perr)
	}

	evt.Action, evt.Status = audit.ActionHashSigned, audit.StatusSuccess
	evt.Metadata["algorithm"] = sig.Algorithm
	s.record(ctx, evt)
	return sig, nil
}

// SignBestEffort falls back to a hash-only document when the provider
// cannot sign. Invalid input and rate limiting are still returned as errors.
func (s *Service) SignBestEffort(ctx context.Context, req Request) (*crypto.Signature, error) {
	sig, err := s.Sign(ctx, req)
	if err == nil {
		return sig, nil
	}
	if !errors.Is(err, xerrors.ErrSigningFailed) {
		return nil, err
	}
	s.logger.WarnContext(ctx, "signing.hash_only_fallback",
		"tenant_id", req.TenantID, "resource_id", req.ResourceID, "error", err)
	return crypto.HashOnlySignature(req.Hash, s.clock()), nil
}

// PublicKeyPEM returns the provider's public key, fetched once.
func (s *Service) PublicKeyPEM(ctx context.Context) (string, error) {
	s.pemMu.Lock()
	defer s.pemMu.Unlock()
	if s.pem != "" {
		return s.pem, nil
	}
	pem, err := s.provider.PublicKeyPEM(ctx)
	if err != nil {
		return "", err
	}
	s.pem = pem
	return pem, nil
}

func (s *Service) record(ctx context.Context, evt audit.Event) {
	if err := s.audit.Record(ctx, evt); err != nil {
		s.logger.ErrorContext(ctx, "signing.audit_failed", "action", evt.Action, "error", err)
	}
}
