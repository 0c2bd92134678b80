package blob

import (
	"context"
	"fmt"
	"strings"

	"kbflow/internal/config"
)

// Open builds the Store selected by cfg.BlobBackend.
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	switch strings.ToLower(cfg.BlobBackend) {
	case "", "fs":
		return NewFSStore(cfg.BlobFSRoot)
	case "minio":
		return NewMinioStore(ctx, MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccess,
			SecretKey: cfg.MinioSecret,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.BlobBackend)
	}
}
