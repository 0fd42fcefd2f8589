//go:build gcp

package artifacts

import (
	"context"
	"fmt"

	"github.com/xase-labs/xase-core/pkg/config"
)

func newGCSStoreFromConfig(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("artifacts: storage.bucket is required for gcs storage")
	}
	s, err := NewGCSStore(ctx, GCSStoreConfig{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
	if err != nil {
		return nil, err
	}
	return s, nil
}
