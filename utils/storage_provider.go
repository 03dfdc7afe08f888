package utils

import (
	"os"
	"strings"
)

const (
	StorageProviderGCS    = "gcs"
	StorageProviderInline = "inline"
)

// GetStorageProvider selects where raw email payloads live. "inline" keeps them in
// the queue row (dev default when no bucket is configured).
func GetStorageProvider() string {
	provider := strings.TrimSpace(strings.ToLower(os.Getenv("STORAGE_PROVIDER")))
	if provider == "" {
		if strings.TrimSpace(os.Getenv("GCS_BUCKET")) == "" {
			return StorageProviderInline
		}
		return StorageProviderGCS
	}
	return provider
}
