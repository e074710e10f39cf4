package backup

import (
	"context"
	"fmt"

	"dbvault/internal/config"
	apperrors "dbvault/internal/errors"
	"dbvault/internal/logging"
)

// Storage providers
const (
	ProviderLocal = "local"
	ProviderS3    = "s3"
	ProviderGCS   = "gcs"
	ProviderAzure = "azure"
)

// SupportedProviders lists the object store providers NewObjectStore accepts
func SupportedProviders() []string {
	return []string{ProviderLocal, ProviderS3, ProviderGCS, ProviderAzure}
}

// NewObjectStore builds the configured object store, wrapped so every
// storage call is logged with its duration.
func NewObjectStore(ctx context.Context, cfg config.StorageConfig, logger *logging.Logger) (ObjectStore, error) {
	var (
		store ObjectStore
		err   error
	)

	switch cfg.Provider {
	case ProviderLocal:
		store, err = NewLocalStorage(cfg.Local.BasePath)
	case ProviderS3:
		store, err = NewS3Storage(cfg.S3)
	case ProviderGCS:
		store, err = NewGCSStorage(ctx, cfg.GCS)
	case ProviderAzure:
		store, err = NewAzureStorage(cfg.Azure)
	default:
		return nil, apperrors.NewAppError(apperrors.ErrorTypeConfiguration,
			fmt.Sprintf("unsupported storage provider: %s", cfg.Provider), nil)
	}
	if err != nil {
		return nil, err
	}

	return NewMonitoredStore(store, logger), nil
}
