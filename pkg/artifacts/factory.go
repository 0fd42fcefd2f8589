package artifacts

import (
	"context"
	"fmt"

	"github.com/xase-labs/xase-core/pkg/config"
)

// StoreType represents the type of artifact storage backend.
type StoreType string

const (
	StoreTypeNone StoreType = "none"
	StoreTypeFS   StoreType = "fs"
	StoreTypeS3   StoreType = "s3"
	StoreTypeGCS  StoreType = "gcs"
)

// NewStoreFromConfig builds the configured store. Type none returns a nil
// Store: bundles are then built synchronously and handed back to the caller
// instead of being uploaded.
func NewStoreFromConfig(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch StoreType(cfg.Type) {
	case "", StoreTypeNone:
		return nil, nil
	case StoreTypeFS:
		if cfg.Dir == "" {
			return nil, fmt.Errorf("artifacts: storage.dir is required for fs storage")
		}
		s, err := NewFileStore(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return s, nil
	case StoreTypeS3:
		return newS3StoreFromConfig(ctx, cfg)
	case StoreTypeGCS:
		return newGCSStoreFromConfig(ctx, cfg)
	default:
		return nil, fmt.Errorf("artifacts: unsupported storage type: %s", cfg.Type)
	}
}

func newS3StoreFromConfig(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("artifacts: storage.bucket is required for s3 storage")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	s, err := NewS3Store(ctx, S3StoreConfig{
		Bucket:   cfg.Bucket,
		Region:   region,
		Endpoint: cfg.Endpoint,
		Prefix:   cfg.Prefix,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}
