//go:build gcp

package artifacts

import (
	"context"
	"fmt"
	"os"
)

func newGCSStoreFromEnv(ctx context.Context) (BlobStore, error) {
	bucket := os.Getenv("WEFT_BLOB_GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("WEFT_BLOB_GCS_BUCKET is required for gcs blob storage")
	}
	return NewGCSStore(ctx, GCSConfig{
		Bucket: bucket,
		Prefix: os.Getenv("WEFT_BLOB_GCS_PREFIX"),
	})
}
