package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// StoreType selects a blob storage backend.
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeFS     StoreType = "fs"
	StoreTypeS3     StoreType = "s3"
	StoreTypeGCS    StoreType = "gcs"
)

// NewStoreFromEnv builds a blob store from environment configuration.
//
//   - WEFT_BLOB_STORE: "memory", "fs" (default), "s3", or "gcs"
//   - WEFT_DATA_DIR: base directory for the fs store (default "data")
//   - WEFT_BLOB_S3_BUCKET (required for s3), WEFT_BLOB_S3_REGION or
//     AWS_REGION, WEFT_BLOB_S3_ENDPOINT, WEFT_BLOB_S3_PREFIX
//   - WEFT_BLOB_GCS_BUCKET (required for gcs), WEFT_BLOB_GCS_PREFIX
func NewStoreFromEnv(ctx context.Context) (BlobStore, error) {
	storeType := StoreType(os.Getenv("WEFT_BLOB_STORE"))
	if storeType == "" {
		storeType = StoreTypeFS
	}

	switch storeType {
	case StoreTypeMemory:
		return NewMemoryStore(), nil
	case StoreTypeFS:
		dataDir := os.Getenv("WEFT_DATA_DIR")
		if dataDir == "" {
			dataDir = "data"
		}
		return NewFileStore(filepath.Join(dataDir, "blobs"))
	case StoreTypeS3:
		return newS3StoreFromEnv(ctx)
	case StoreTypeGCS:
		return newGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unsupported blob store type %q", storeType)
	}
}

func newS3StoreFromEnv(ctx context.Context) (BlobStore, error) {
	bucket := os.Getenv("WEFT_BLOB_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("WEFT_BLOB_S3_BUCKET is required for s3 blob storage")
	}
	region := os.Getenv("WEFT_BLOB_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}
	return NewS3Store(ctx, S3Config{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("WEFT_BLOB_S3_ENDPOINT"),
		Prefix:   os.Getenv("WEFT_BLOB_S3_PREFIX"),
	})
}
