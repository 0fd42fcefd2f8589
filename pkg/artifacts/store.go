// Package artifacts stores evidence bundle archives in object storage.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/xase-labs/xase-core/pkg/canonicalize"
	"github.com/xase-labs/xase-core/pkg/xerrors"
)

// Store is a keyed object store.
type Store interface {
	// Put writes data under key, replacing any previous object.
	Put(ctx context.Context, key string, data []byte, opts PutOptions) (*Object, error)
	// Get returns the object bytes or a NOT_FOUND error.
	Get(ctx context.Context, key string) ([]byte, error)
	// Presign returns a time-limited download URL.
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// PutOptions carries object attributes.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Object describes a stored object.
type Object struct {
	Key  string
	Size int64
	// Hash is the hex SHA-256 of the content.
	Hash string
	// URL is the backend's canonical (unsigned) location.
	URL string
}

var ErrInvalidKey = errors.New("artifacts: invalid object key")

// ValidateKey rejects empty, absolute and traversing keys.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || path.Clean(key) != key ||
		key == ".." || strings.HasPrefix(key, "../") || strings.Contains(key, "\\") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

func notFound(op, key string) error {
	return xerrors.New(xerrors.CodeNotFound, op, "object %s not found", key)
}

// FileStore keeps objects under a base directory.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates baseDir when missing.
func NewFileStore(baseDir string) (*FileStore, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("artifacts: resolve %s: %w", baseDir, err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("artifacts: ensure dir: %w", err)
	}
	return &FileStore{baseDir: abs}, nil
}

func (s *FileStore) path(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(key)), nil
}

func (s *FileStore) Put(ctx context.Context, key string, data []byte, _ PutOptions) (*Object, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUploadFailed, "artifacts.fs.put", err)
	}
	// write to temp, then rename
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUploadFailed, "artifacts.fs.put", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return nil, xerrors.Wrap(xerrors.CodeUploadFailed, "artifacts.fs.put", err)
	}
	return &Object{
		Key:  key,
		Size: int64(len(data)),
		Hash: canonicalize.HashBytes(data),
		URL:  fileURL(p),
	}, nil
}

func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFound("artifacts.fs.get", key)
		}
		return nil, fmt.Errorf("artifacts: open %s: %w", key, err)
	}
	defer f.Close() //nolint:errcheck // best-effort close
	return io.ReadAll(f)
}

// Presign returns a file:// URL; local files carry no expiry.
func (s *FileStore) Presign(ctx context.Context, key string, _ time.Duration) (string, error) {
	ok, err := s.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", notFound("artifacts.fs.presign", key)
	}
	p, _ := s.path(key)
	return fileURL(p), nil
}

func (s *FileStore) Exists(ctx context.Context, key string) (bool, error) {
	p, err := s.path(key)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(p)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("artifacts: delete %s: %w", key, err)
	}
	return nil
}

func fileURL(p string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(p)}).String()
}

// MemoryStore is an in-process Store for tests and dry runs.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	puts    int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (m *MemoryStore) Put(_ context.Context, key string, data []byte, _ PutOptions) (*Object, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	m.puts++
	return &Object{Key: key, Size: int64(len(data)), Hash: canonicalize.HashBytes(data), URL: "mem://" + key}, nil
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, notFound("artifacts.mem.get", key)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStore) Presign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.objects[key]; !ok {
		return "", notFound("artifacts.mem.presign", key)
	}
	return fmt.Sprintf("mem://%s?ttl=%s", key, ttl), nil
}

func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// Puts counts successful Put calls.
func (m *MemoryStore) Puts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts
}
