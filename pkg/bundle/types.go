// Package bundle turns a tenant's ledger into signed, offline-verifiable
// evidence bundles.
package bundle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xase-labs/xase-core/pkg/ledger"
	"github.com/xase-labs/xase-core/pkg/queue"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusReady      Status = "READY"
	StatusFailed     Status = "FAILED"
)

// DefaultExpiry is how long a READY bundle stays downloadable.
const DefaultExpiry = 90 * 24 * time.Hour

// KeyPrefix is the object-store prefix for archives.
const KeyPrefix = "evidence-bundles"

var (
	// ErrAlreadyReady is returned when an update would change a READY bundle.
	ErrAlreadyReady = errors.New("bundle: already READY")
	// ErrExpired blocks downloads of expired bundles without legal hold.
	ErrExpired = errors.New("bundle: expired by retention policy")
)

type Bundle struct {
	BundleID       string     `json:"bundleId"`
	TenantID       string     `json:"tenantId"`
	Status         Status     `json:"status"`
	Purpose        string     `json:"purpose"`
	Description    string     `json:"description,omitempty"`
	CreatedBy      string     `json:"createdBy,omitempty"`
	RecordCount    int64      `json:"recordCount"`
	DateFrom       *time.Time `json:"dateFrom,omitempty"`
	DateTo         *time.Time `json:"dateTo,omitempty"`
	ManifestHash   string     `json:"manifestHash,omitempty"`
	StorageKey     string     `json:"storageKey,omitempty"`
	StorageURL     string     `json:"storageUrl,omitempty"`
	BundleHash     string     `json:"bundleHash,omitempty"`
	BundleSize     int64      `json:"bundleSize,omitempty"`
	LegalHold      bool       `json:"legalHold"`
	RetentionUntil *time.Time `json:"retentionUntil,omitempty"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	LastError      string     `json:"lastError,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

// RecordFilter selects the ledger records the bundle covers.
func (b *Bundle) RecordFilter() ledger.Filter {
	return ledger.Filter{From: b.DateFrom, To: b.DateTo}
}

// DateFilter is the job payload form of the bundle's date range.
func (b *Bundle) DateFilter() *queue.DateFilter {
	if b.DateFrom == nil && b.DateTo == nil {
		return nil
	}
	return &queue.DateFilter{Gte: b.DateFrom, Lte: b.DateTo}
}

// Key is the object-store key of the bundle's archive.
func (b *Bundle) Key() string {
	return ObjectKey(b.TenantID, b.BundleID)
}

func ObjectKey(tenantID, bundleID string) string {
	return fmt.Sprintf("%s/%s/%s.tar.gz", KeyPrefix, tenantID, bundleID)
}

// Downloadable reports whether retention still allows a download at now.
// An expired bundle stays downloadable under legal hold or while
// RetentionUntil has not passed.
func (b *Bundle) Downloadable(now time.Time) bool {
	if b.ExpiresAt == nil || now.Before(*b.ExpiresAt) {
		return true
	}
	if b.LegalHold {
		return true
	}
	return b.RetentionUntil != nil && now.Before(*b.RetentionUntil)
}

// ReadyUpdate carries the results of a successful build.
type ReadyUpdate struct {
	RecordCount  int64
	ManifestHash string
	StorageKey   string
	StorageURL   string
	BundleHash   string
	BundleSize   int64
	CompletedAt  time.Time
}

// Store persists bundle rows.
type Store interface {
	Create(ctx context.Context, b *Bundle) error
	// Get returns xerrors.ErrNotFound when the bundle is absent or belongs
	// to another tenant.
	Get(ctx context.Context, tenantID, bundleID string) (*Bundle, error)
	// FindActive returns the newest non-FAILED bundle with the same purpose
	// and date range, or xerrors.ErrNotFound.
	FindActive(ctx context.Context, tenantID, purpose string, from, to *time.Time) (*Bundle, error)
	List(ctx context.Context, tenantID string, limit int) ([]*Bundle, error)

	// MarkProcessing moves a PENDING, PROCESSING or FAILED bundle to
	// PROCESSING. It reports false for a READY bundle.
	MarkProcessing(ctx context.Context, tenantID, bundleID string) (bool, error)
	// MarkReady records the build result. A READY bundle is never updated:
	// ErrAlreadyReady is returned instead.
	MarkReady(ctx context.Context, tenantID, bundleID string, u ReadyUpdate) error
	// MarkPending returns a non-READY bundle to PENDING for a retry.
	MarkPending(ctx context.Context, tenantID, bundleID, lastError string) error
	// MarkFailed is terminal until the bundle is reprocessed.
	MarkFailed(ctx context.Context, tenantID, bundleID, lastError string) error
}
