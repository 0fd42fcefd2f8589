//go:build !gcp

package artifacts

import (
	"context"
	"fmt"

	"github.com/xase-labs/xase-core/pkg/config"
)

func newGCSStoreFromConfig(context.Context, config.StorageConfig) (Store, error) {
	return nil, fmt.Errorf("artifacts: GCS storage is not enabled in this build (use -tags gcp)")
}
