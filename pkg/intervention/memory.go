package intervention

import (
	"context"
	"sync"

	"github.com/xase-labs/xase-core/pkg/xerrors"
)

type MemoryStore struct {
	mu    sync.RWMutex
	byTen map[string][]*Intervention
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byTen: make(map[string][]*Intervention)}
}

func (m *MemoryStore) Create(_ context.Context, iv *Intervention) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.byTen[iv.TenantID] {
		if c.InterventionID == iv.InterventionID {
			return xerrors.New(xerrors.CodeChainConflict, "intervention.create",
				"intervention %s already exists", iv.InterventionID)
		}
	}
	m.byTen[iv.TenantID] = append(m.byTen[iv.TenantID], clone(iv))
	sortOldestFirst(m.byTen[iv.TenantID])
	return nil
}

func (m *MemoryStore) Get(_ context.Context, tenantID, interventionID string) (*Intervention, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, iv := range m.byTen[tenantID] {
		if iv.InterventionID == interventionID {
			return clone(iv), nil
		}
	}
	return nil, xerrors.ErrNotFound
}

func (m *MemoryStore) ListByTransaction(_ context.Context, tenantID, transactionID string) ([]*Intervention, error) {
	return m.filter(tenantID, func(iv *Intervention) bool { return iv.TransactionID == transactionID }), nil
}

func (m *MemoryStore) ListBySequence(_ context.Context, tenantID string, from, to int64) ([]*Intervention, error) {
	return m.filter(tenantID, func(iv *Intervention) bool {
		return iv.RecordSequence >= from && iv.RecordSequence <= to
	}), nil
}

func (m *MemoryStore) Stats(_ context.Context, tenantID string) (Stats, error) {
	return Count(m.filter(tenantID, func(*Intervention) bool { return true })), nil
}

func (m *MemoryStore) filter(tenantID string, keep func(*Intervention) bool) []*Intervention {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Intervention, 0)
	for _, iv := range m.byTen[tenantID] {
		if keep(iv) {
			out = append(out, clone(iv))
		}
	}
	return out
}

// Tamper rewrites a stored intervention in place. Tests only.
func (m *MemoryStore) Tamper(tenantID, interventionID string, fn func(*Intervention)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, iv := range m.byTen[tenantID] {
		if iv.InterventionID == interventionID {
			fn(iv)
		}
	}
}

func clone(iv *Intervention) *Intervention {
	c := *iv
	c.Metadata = append([]byte(nil), iv.Metadata...)
	c.NewOutcome = append([]byte(nil), iv.NewOutcome...)
	if len(c.Metadata) == 0 {
		c.Metadata = nil
	}
	if len(c.NewOutcome) == 0 {
		c.NewOutcome = nil
	}
	return &c
}
