package bundle

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xase-labs/xase-core/pkg/xerrors"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	bundles map[string]*Bundle
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bundles: make(map[string]*Bundle)}
}

func (m *MemoryStore) Create(_ context.Context, b *Bundle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bundles[b.BundleID]; ok {
		return xerrors.New(xerrors.CodeInvalidInput, "bundle.create", "bundle %s already exists", b.BundleID)
	}
	m.bundles[b.BundleID] = cloneBundle(b)
	return nil
}

func (m *MemoryStore) get(tenantID, bundleID string) (*Bundle, error) {
	b, ok := m.bundles[bundleID]
	if !ok || b.TenantID != tenantID {
		return nil, xerrors.ErrNotFound
	}
	return b, nil
}

func (m *MemoryStore) Get(_ context.Context, tenantID, bundleID string) (*Bundle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, err := m.get(tenantID, bundleID)
	if err != nil {
		return nil, err
	}
	return cloneBundle(b), nil
}

func (m *MemoryStore) FindActive(_ context.Context, tenantID, purpose string, from, to *time.Time) (*Bundle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *Bundle
	for _, b := range m.bundles {
		if b.TenantID != tenantID || b.Purpose != purpose || b.Status == StatusFailed {
			continue
		}
		if !sameTime(b.DateFrom, from) || !sameTime(b.DateTo, to) {
			continue
		}
		if best == nil || b.CreatedAt.After(best.CreatedAt) {
			best = b
		}
	}
	if best == nil {
		return nil, xerrors.ErrNotFound
	}
	return cloneBundle(best), nil
}

func (m *MemoryStore) List(_ context.Context, tenantID string, limit int) ([]*Bundle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Bundle
	for _, b := range m.bundles {
		if b.TenantID == tenantID {
			out = append(out, cloneBundle(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkProcessing(_ context.Context, tenantID, bundleID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.get(tenantID, bundleID)
	if err != nil {
		return false, err
	}
	if b.Status == StatusReady {
		return false, nil
	}
	b.Status = StatusProcessing
	return true, nil
}

func (m *MemoryStore) MarkReady(_ context.Context, tenantID, bundleID string, u ReadyUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.get(tenantID, bundleID)
	if err != nil {
		return err
	}
	if b.Status == StatusReady {
		return ErrAlreadyReady
	}
	completed := u.CompletedAt.UTC()
	b.Status = StatusReady
	b.RecordCount = u.RecordCount
	b.ManifestHash = u.ManifestHash
	b.StorageKey = u.StorageKey
	b.StorageURL = u.StorageURL
	b.BundleHash = u.BundleHash
	b.BundleSize = u.BundleSize
	b.CompletedAt = &completed
	b.LastError = ""
	return nil
}

func (m *MemoryStore) MarkPending(_ context.Context, tenantID, bundleID, lastError string) error {
	return m.setStatus(tenantID, bundleID, StatusPending, lastError)
}

func (m *MemoryStore) MarkFailed(_ context.Context, tenantID, bundleID, lastError string) error {
	return m.setStatus(tenantID, bundleID, StatusFailed, lastError)
}

func (m *MemoryStore) setStatus(tenantID, bundleID string, s Status, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.get(tenantID, bundleID)
	if err != nil {
		return err
	}
	if b.Status == StatusReady {
		return ErrAlreadyReady
	}
	b.Status = s
	b.LastError = lastError
	return nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func cloneBundle(b *Bundle) *Bundle {
	c := *b
	for _, p := range []**time.Time{&c.DateFrom, &c.DateTo, &c.RetentionUntil, &c.ExpiresAt, &c.CompletedAt} {
		if *p != nil {
			t := **p
			*p = &t
		}
	}
	return &c
}
