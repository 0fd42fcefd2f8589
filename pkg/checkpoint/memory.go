package checkpoint

import (
	"context"
	"sort"
	"sync"

	"github.com/xase-labs/xase-core/pkg/xerrors"
)

type MemoryStore struct {
	mu    sync.RWMutex
	byTen map[string][]*Checkpoint
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byTen: make(map[string][]*Checkpoint)}
}

func (m *MemoryStore) Create(_ context.Context, cp *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.byTen[cp.TenantID] {
		if c.Number == cp.Number {
			return xerrors.New(xerrors.CodeChainConflict, "checkpoint.create",
				"tenant %s already has checkpoint %d", cp.TenantID, cp.Number)
		}
	}
	c := *cp
	m.byTen[cp.TenantID] = append(m.byTen[cp.TenantID], &c)
	sort.Slice(m.byTen[cp.TenantID], func(i, j int) bool {
		return m.byTen[cp.TenantID][i].Number < m.byTen[cp.TenantID][j].Number
	})
	return nil
}

func (m *MemoryStore) Latest(_ context.Context, tenantID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cps := m.byTen[tenantID]
	if len(cps) == 0 {
		return nil, xerrors.ErrNotFound
	}
	c := *cps[len(cps)-1]
	return &c, nil
}

func (m *MemoryStore) Get(_ context.Context, tenantID, checkpointID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, cp := range m.byTen[tenantID] {
		if cp.CheckpointID == checkpointID {
			c := *cp
			return &c, nil
		}
	}
	return nil, xerrors.ErrNotFound
}

func (m *MemoryStore) List(_ context.Context, tenantID string, limit int) ([]*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cps := m.byTen[tenantID]
	out := make([]*Checkpoint, 0, len(cps))
	for i := len(cps) - 1; i >= 0; i-- {
		c := *cps[i]
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Tamper rewrites a stored checkpoint in place. Tests only.
func (m *MemoryStore) Tamper(tenantID, checkpointID string, fn func(*Checkpoint)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cp := range m.byTen[tenantID] {
		if cp.CheckpointID == checkpointID {
			fn(cp)
		}
	}
}
