package storage

import (
	"context"
	"fmt"

	"github.com/puppyone-ai/puppyone-etl/services/etl-service/config"
)

func New(ctx context.Context, cfg *config.Config) (BlobStore, error) {
	switch cfg.Blob.Driver {
	case "gocloud":
		return NewCloudStore(ctx, cfg.Blob.BucketURL)
	case "minio":
		return NewMinIOStore(ctx, cfg.MinIO)
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Blob.Driver)
	}
}
