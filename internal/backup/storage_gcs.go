package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"dbvault/internal/config"
	apperrors "dbvault/internal/errors"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSStorage stores objects in a Google Cloud Storage bucket. An object
// and its metadata are committed together when the writer is closed.
type GCSStorage struct {
	client *storage.Client
	bucket string
}

// NewGCSStorage creates a GCSStorage from configuration. Without a
// credentials file the client falls back to application default credentials.
func NewGCSStorage(ctx context.Context, cfg config.GCSConfig) (*GCSStorage, error) {
	var opts []option.ClientOption
	if cfg.CredentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsPath))
	}
	if cfg.ProjectID != "" {
		opts = append(opts, option.WithQuotaProject(cfg.ProjectID))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrorTypeConfiguration, "failed to create GCS client", err)
	}
	return &GCSStorage{client: client, bucket: cfg.Bucket}, nil
}

// Provider implements ObjectStore
func (g *GCSStorage) Provider() string { return "gcs" }

// Put implements ObjectStore
func (g *GCSStorage) Put(ctx context.Context, key string, r io.Reader, size int64, metadata map[string]string) error {
	// Canceling the writer's context aborts the upload without committing it
	writeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	obj := g.client.Bucket(g.bucket).Object(key).If(storage.Conditions{DoesNotExist: true})
	w := obj.NewWriter(writeCtx)
	w.ContentType = "application/octet-stream"
	w.Metadata = metadata

	if _, err := io.Copy(w, r); err != nil {
		cancel()
		_ = w.Close()
		return fmt.Errorf("failed to upload gs://%s/%s: %w", g.bucket, key, err)
	}
	if err := w.Close(); err != nil {
		if isGCSPreconditionFailed(err) {
			return errObjectExists(fmt.Sprintf("gs://%s/%s", g.bucket, key), err)
		}
		return fmt.Errorf("failed to commit gs://%s/%s: %w", g.bucket, key, err)
	}
	return nil
}

// Get implements ObjectStore
func (g *GCSStorage) Get(ctx context.Context, key string, w io.Writer) (int64, error) {
	reader, err := g.client.Bucket(g.bucket).Object(key).NewReader(ctx)
	if err != nil {
		return 0, g.wrapError(key, "download", err)
	}
	defer reader.Close()

	return io.Copy(w, reader)
}

// Stat implements ObjectStore
func (g *GCSStorage) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	attrs, err := g.client.Bucket(g.bucket).Object(key).Attrs(ctx)
	if err != nil {
		return nil, g.wrapError(key, "stat", err)
	}
	return objectInfoFromAttrs(attrs), nil
}

// List implements ObjectStore
func (g *GCSStorage) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	it := g.client.Bucket(g.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list gs://%s/%s: %w", g.bucket, prefix, err)
		}
		objects = append(objects, *objectInfoFromAttrs(attrs))
	}
	return objects, nil
}

// Delete implements ObjectStore
func (g *GCSStorage) Delete(ctx context.Context, key string) error {
	if err := g.client.Bucket(g.bucket).Object(key).Delete(ctx); err != nil {
		return g.wrapError(key, "delete", err)
	}
	return nil
}

// HealthCheck implements ObjectStore
func (g *GCSStorage) HealthCheck(ctx context.Context) error {
	if _, err := g.client.Bucket(g.bucket).Attrs(ctx); err != nil {
		return fmt.Errorf("GCS bucket %s is not accessible: %w", g.bucket, err)
	}
	return nil
}

// Close releases the underlying client
func (g *GCSStorage) Close() error {
	return g.client.Close()
}

func (g *GCSStorage) wrapError(key, op string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return apperrors.NewNotFoundError(fmt.Sprintf("object gs://%s/%s", g.bucket, key), err)
	}
	return fmt.Errorf("failed to %s gs://%s/%s: %w", op, g.bucket, key, err)
}

func isGCSPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

func objectInfoFromAttrs(attrs *storage.ObjectAttrs) *ObjectInfo {
	meta := normalizeMetadata(attrs.Metadata)
	if meta == nil {
		meta = map[string]string{}
	}
	return &ObjectInfo{
		Key:      attrs.Name,
		Size:     attrs.Size,
		Modified: attrs.Updated,
		Metadata: meta,
	}
}
