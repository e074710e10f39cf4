package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"

	"dbvault/internal/config"
	apperrors "dbvault/internal/errors"

	"github.com/Azure/azure-storage-blob-go/azblob"
)

// AzureStorage stores objects as block blobs in an Azure container. Block
// blobs are committed in one step with their metadata.
type AzureStorage struct {
	containerURL  azblob.ContainerURL
	containerName string
}

// NewAzureStorage creates an AzureStorage from configuration
func NewAzureStorage(cfg config.AzureConfig) (*AzureStorage, error) {
	credential, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrorTypeConfiguration, "failed to create Azure credentials", err)
	}

	serviceURL, err := url.Parse(fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AccountName))
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrorTypeConfiguration, "failed to parse Azure service URL", err)
	}

	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{})
	service := azblob.NewServiceURL(*serviceURL, pipeline)

	return &AzureStorage{
		containerURL:  service.NewContainerURL(cfg.ContainerName),
		containerName: cfg.ContainerName,
	}, nil
}

// Provider implements ObjectStore
func (a *AzureStorage) Provider() string { return "azure" }

// Put implements ObjectStore
func (a *AzureStorage) Put(ctx context.Context, key string, r io.Reader, size int64, metadata map[string]string) error {
	blobURL := a.containerURL.NewBlockBlobURL(key)
	_, err := azblob.UploadStreamToBlockBlob(ctx, r, blobURL, azblob.UploadStreamToBlockBlobOptions{
		BufferSize: 4 * 1024 * 1024,
		MaxBuffers: 4,
		Metadata:   azblob.Metadata(metadata),
		BlobHTTPHeaders: azblob.BlobHTTPHeaders{
			ContentType: "application/octet-stream",
		},
		AccessConditions: azblob.BlobAccessConditions{
			ModifiedAccessConditions: azblob.ModifiedAccessConditions{IfNoneMatch: azblob.ETagAny},
		},
	})
	if err != nil {
		var storageErr azblob.StorageError
		if errors.As(err, &storageErr) {
			switch storageErr.ServiceCode() {
			case azblob.ServiceCodeBlobAlreadyExists, azblob.ServiceCodeConditionNotMet:
				return errObjectExists(fmt.Sprintf("azure://%s/%s", a.containerName, key), err)
			}
		}
		return fmt.Errorf("failed to upload azure://%s/%s: %w", a.containerName, key, err)
	}
	return nil
}

// Get implements ObjectStore
func (a *AzureStorage) Get(ctx context.Context, key string, w io.Writer) (int64, error) {
	blobURL := a.containerURL.NewBlockBlobURL(key)
	resp, err := blobURL.Download(ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		return 0, a.wrapError(key, "download", err)
	}
	body := resp.Body(azblob.RetryReaderOptions{MaxRetryRequests: 3})
	defer body.Close()

	return io.Copy(w, body)
}

// Stat implements ObjectStore
func (a *AzureStorage) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	blobURL := a.containerURL.NewBlockBlobURL(key)
	props, err := blobURL.GetProperties(ctx, azblob.BlobAccessConditions{}, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		return nil, a.wrapError(key, "stat", err)
	}
	return &ObjectInfo{
		Key:      key,
		Size:     props.ContentLength(),
		Modified: props.LastModified(),
		Metadata: normalizeMetadata(props.NewMetadata()),
	}, nil
}

// List implements ObjectStore
func (a *AzureStorage) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	for marker := (azblob.Marker{}); marker.NotDone(); {
		resp, err := a.containerURL.ListBlobsFlatSegment(ctx, marker, azblob.ListBlobsSegmentOptions{
			Prefix:  prefix,
			Details: azblob.BlobListingDetails{Metadata: true},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list azure://%s/%s: %w", a.containerName, prefix, err)
		}
		marker = resp.NextMarker

		for _, blob := range resp.Segment.BlobItems {
			var size int64
			if blob.Properties.ContentLength != nil {
				size = *blob.Properties.ContentLength
			}
			meta := normalizeMetadata(blob.Metadata)
			if meta == nil {
				meta = map[string]string{}
			}
			objects = append(objects, ObjectInfo{
				Key:      blob.Name,
				Size:     size,
				Modified: blob.Properties.LastModified,
				Metadata: meta,
			})
		}
	}
	return objects, nil
}

// Delete implements ObjectStore
func (a *AzureStorage) Delete(ctx context.Context, key string) error {
	blobURL := a.containerURL.NewBlockBlobURL(key)
	if _, err := blobURL.Delete(ctx, azblob.DeleteSnapshotsOptionInclude, azblob.BlobAccessConditions{}); err != nil {
		return a.wrapError(key, "delete", err)
	}
	return nil
}

// HealthCheck implements ObjectStore
func (a *AzureStorage) HealthCheck(ctx context.Context) error {
	if _, err := a.containerURL.GetProperties(ctx, azblob.LeaseAccessConditions{}); err != nil {
		return fmt.Errorf("Azure container %s is not accessible: %w", a.containerName, err)
	}
	return nil
}

func (a *AzureStorage) wrapError(key, op string, err error) error {
	var storageErr azblob.StorageError
	if errors.As(err, &storageErr) && storageErr.ServiceCode() == azblob.ServiceCodeBlobNotFound {
		return apperrors.NewNotFoundError(fmt.Sprintf("object azure://%s/%s", a.containerName, key), err)
	}
	return fmt.Errorf("failed to %s azure://%s/%s: %w", op, a.containerName, key, err)
}
