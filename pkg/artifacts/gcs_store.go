//go:build gcp

package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"

	"github.com/xase-labs/xase-core/pkg/canonicalize"
	"github.com/xase-labs/xase-core/pkg/xerrors"
)

// GCSStore implements Store on Google Cloud Storage.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSStoreConfig holds configuration for GCSStore.
type GCSStoreConfig struct {
	Bucket string
	Prefix string
}

// NewGCSStore uses Application Default Credentials.
func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("artifacts: gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) object(key string) (*storage.ObjectHandle, string, error) {
	if err := ValidateKey(key); err != nil {
		return nil, "", err
	}
	name := joinPrefix(s.prefix, key)
	return s.client.Bucket(s.bucket).Object(name), name, nil
}

func (s *GCSStore) Put(ctx context.Context, key string, data []byte, opts PutOptions) (*Object, error) {
	obj, name, err := s.object(key)
	if err != nil {
		return nil, err
	}
	hash := canonicalize.HashBytes(data)

	w := obj.NewWriter(ctx)
	w.ContentType = opts.ContentType
	if w.ContentType == "" {
		w.ContentType = "application/octet-stream"
	}
	w.Metadata = map[string]string{"sha256": hash}
	for mk, mv := range opts.Metadata {
		w.Metadata[mk] = mv
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, xerrors.Wrap(xerrors.CodeUploadFailed, "artifacts.gcs.put", err)
	}
	if err := w.Close(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUploadFailed, "artifacts.gcs.put", err)
	}
	return &Object{
		Key:  key,
		Size: int64(len(data)),
		Hash: hash,
		URL:  fmt.Sprintf("gs://%s/%s", s.bucket, name),
	}, nil
}

func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, _, err := s.object(key)
	if err != nil {
		return nil, err
	}
	r, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, notFound("artifacts.gcs.get", key)
		}
		return nil, fmt.Errorf("artifacts: gcs get %s: %w", key, err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

func (s *GCSStore) Presign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	u, err := s.client.Bucket(s.bucket).SignedURL(joinPrefix(s.prefix, key), &storage.SignedURLOptions{
		Method:  "GET",
		Expires: time.Now().Add(ttl),
		Scheme:  storage.SigningSchemeV4,
	})
	if err != nil {
		return "", fmt.Errorf("artifacts: gcs sign url %s: %w", key, err)
	}
	return u, nil
}

func (s *GCSStore) Exists(ctx context.Context, key string) (bool, error) {
	obj, _, err := s.object(key)
	if err != nil {
		return false, err
	}
	if _, err := obj.Attrs(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("artifacts: gcs attrs %s: %w", key, err)
	}
	return true, nil
}

func (s *GCSStore) Delete(ctx context.Context, key string) error {
	obj, _, err := s.object(key)
	if err != nil {
		return err
	}
	if err := obj.Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("artifacts: gcs delete %s: %w", key, err)
	}
	return nil
}

// Close closes the GCS client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
