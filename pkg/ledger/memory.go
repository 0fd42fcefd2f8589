package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xase-labs/xase-core/pkg/xerrors"
)

// MemoryStore is an in-process Store used by tests and dry runs.
type MemoryStore struct {
	mu     sync.Mutex
	chains map[string][]*DecisionRecord
	clock  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chains: make(map[string][]*DecisionRecord),
		clock:  time.Now,
	}
}

// WithClock overrides the time source used by Append.
func (m *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	m.clock = clock
	return m
}

func (m *MemoryStore) Append(_ context.Context, d Draft) (*DecisionRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain := m.chains[d.TenantID]
	for _, r := range chain {
		if d.IdempotencyKey != nil && r.IdempotencyKey != nil && *r.IdempotencyKey == *d.IdempotencyKey {
			return clone(r), true, nil
		}
		if d.TransactionID != "" && r.TransactionID == d.TransactionID {
			return nil, false, xerrors.New(xerrors.CodeInvalidInput, "ledger.append", "transaction id %s already exists", d.TransactionID)
		}
	}

	var prev *DecisionRecord
	if len(chain) > 0 {
		prev = chain[len(chain)-1]
	}
	rec := Seal(prev, d, m.clock())
	m.chains[d.TenantID] = append(chain, rec)
	return clone(rec), false, nil
}

func (m *MemoryStore) GetByTransactionID(_ context.Context, tenantID, transactionID string) (*DecisionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.chains[tenantID] {
		if r.TransactionID == transactionID {
			return clone(r), nil
		}
	}
	return nil, xerrors.ErrNotFound
}

func (m *MemoryStore) Latest(_ context.Context, tenantID string) (*DecisionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.chains[tenantID]
	if len(chain) == 0 {
		return nil, xerrors.ErrNotFound
	}
	return clone(chain[len(chain)-1]), nil
}

func (m *MemoryStore) List(_ context.Context, tenantID string, f Filter) ([]*DecisionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*DecisionRecord
	for _, r := range m.chains[tenantID] {
		if matches(r, f) {
			out = append(out, clone(r))
		}
	}
	if f.Descending {
		sort.Slice(out, func(i, j int) bool { return out[i].Sequence > out[j].Sequence })
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Count(ctx context.Context, tenantID string, f Filter) (int64, error) {
	f.Limit = 0
	recs, err := m.List(ctx, tenantID, f)
	return int64(len(recs)), err
}

func (m *MemoryStore) Tenants(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.chains))
	for t, chain := range m.chains {
		if len(chain) > 0 {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Tamper replaces a stored record in place. Tests use it to simulate an
// attacker with write access to the database.
func (m *MemoryStore) Tamper(tenantID string, sequence int64, mutate func(*DecisionRecord)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.chains[tenantID] {
		if r.Sequence == sequence {
			mutate(r)
		}
	}
}

func matches(r *DecisionRecord, f Filter) bool {
	if f.AfterSequence > 0 && r.Sequence <= f.AfterSequence {
		return false
	}
	if f.From != nil && r.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && r.Timestamp.After(*f.To) {
		return false
	}
	return true
}

func clone(r *DecisionRecord) *DecisionRecord {
	c := *r
	return &c
}
