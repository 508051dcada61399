package utils

import (
	"context"
	"fmt"
	"os"
	"strings"
)

const (
	StorageProviderLocal = "local"
	StorageProviderGCS   = "gcs"
)

// DocumentReader loads the bytes of an uploaded invoice file by its stored reference.
type DocumentReader interface {
	Read(ctx context.Context, ref string) ([]byte, error)
}

func GetStorageProvider() string {
	provider := strings.TrimSpace(strings.ToLower(os.Getenv("STORAGE_PROVIDER")))
	if provider == "" {
		return StorageProviderLocal
	}
	return provider
}

// NewDocumentReader builds the reader for the configured provider.
func NewDocumentReader(ctx context.Context, provider, mediaRoot, bucket string) (DocumentReader, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "", StorageProviderLocal:
		return NewLocalDocumentReader(mediaRoot), nil
	case StorageProviderGCS:
		return NewGCSDocumentReader(ctx, bucket)
	default:
		return nil, fmt.Errorf("unsupported storage provider %q", provider)
	}
}
