package ledger

import (
	"context"
)

// Store persists decision records. Implementations must serialize Append per
// tenant and enforce uniqueness of (tenant, sequence), (tenant, transaction)
// and (tenant, idempotency key).
type Store interface {
	// Append seals d after the tenant's current tail and persists it in one
	// transaction. When d carries an idempotency key already used by the
	// tenant, the stored record is returned with replayed=true.
	Append(ctx context.Context, d Draft) (rec *DecisionRecord, replayed bool, err error)

	// GetByTransactionID returns xerrors.ErrNotFound when absent.
	GetByTransactionID(ctx context.Context, tenantID, transactionID string) (*DecisionRecord, error)

	// Latest returns the chain tail, or xerrors.ErrNotFound for an empty chain.
	Latest(ctx context.Context, tenantID string) (*DecisionRecord, error)

	// List returns records ordered by sequence (ascending unless f.Descending).
	List(ctx context.Context, tenantID string, f Filter) ([]*DecisionRecord, error)

	Count(ctx context.Context, tenantID string, f Filter) (int64, error)

	// Tenants lists every tenant with at least one record.
	Tenants(ctx context.Context) ([]string, error)
}
