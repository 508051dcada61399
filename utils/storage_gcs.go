package utils

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// getGoogleClient initializes a Google Cloud Storage client
func getGoogleClient(ctx context.Context) (*storage.Client, error) {
	// Prefer ADC (Cloud Run service account / GOOGLE_APPLICATION_CREDENTIALS).
	// If you need to provide explicit JSON (e.g. locally), set GCS_CREDENTIALS_JSON.
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		return storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
	}
	return storage.NewClient(ctx)
}

// GCSDocumentReader reads invoice files from a bucket.
type GCSDocumentReader struct {
	client *storage.Client
	bucket string
}

func NewGCSDocumentReader(ctx context.Context, bucket string) (*GCSDocumentReader, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("GCS_BUCKET is required")
	}
	client, err := getGoogleClient(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSDocumentReader{client: client, bucket: bucket}, nil
}

func (r *GCSDocumentReader) Read(ctx context.Context, ref string) ([]byte, error) {
	objectName := strings.TrimPrefix(strings.TrimSpace(ref), "/")
	if objectName == "" {
		return nil, fmt.Errorf("%w: empty reference", ErrorDocumentNotFound)
	}
	rc, err := r.client.Bucket(r.bucket).Object(objectName).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrorDocumentNotFound, ref)
		}
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (r *GCSDocumentReader) Close() error {
	return r.client.Close()
}
