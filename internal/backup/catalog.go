package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	apperrors "dbvault/internal/errors"
	"dbvault/internal/logging"

	"golang.org/x/sync/errgroup"
)

const defaultHydrateConcurrency = 8

// Catalog is the indexed view over the backups held in an object store.
// Every backup lives at <prefix><name>.
type Catalog struct {
	store              ObjectStore
	prefix             string
	logger             *logging.Logger
	hydrateConcurrency int
}

// NewCatalog creates a catalog over store
func NewCatalog(store ObjectStore, prefix string, logger *logging.Logger) *Catalog {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Catalog{
		store:              store,
		prefix:             prefix,
		logger:             logger,
		hydrateConcurrency: defaultHydrateConcurrency,
	}
}

// Store returns the underlying object store
func (c *Catalog) Store() ObjectStore {
	return c.store
}

func (c *Catalog) key(name string) string {
	return c.prefix + name
}

func (c *Catalog) recordFromObject(obj ObjectInfo) BackupRecord {
	name := strings.TrimPrefix(obj.Key, c.prefix)
	rec := BackupRecord{Name: name, Size: obj.Size}

	if created, _, err := ParseBackupName(name); err == nil {
		rec.Created = created
	} else if raw := obj.Metadata[MetaCreated]; raw != "" {
		if created, err := time.Parse(time.RFC3339, raw); err == nil {
			rec.Created = created.UTC()
		}
	}

	rec.Checksum = obj.Metadata[MetaChecksum]
	rec.Database = obj.Metadata[MetaDatabase]
	rec.Engine = obj.Metadata[MetaEngine]
	rec.Kind = BackupKind(obj.Metadata[MetaKind])
	return rec
}

// Entries returns every object under the catalog prefix as a record,
// without fetching metadata the listing did not include. Records whose
// creation time could not be determined have a zero Created.
func (c *Catalog) Entries(ctx context.Context) ([]BackupRecord, error) {
	objects, err := c.store.List(ctx, c.prefix)
	if err != nil {
		return nil, apperrors.NewTransientIOError("failed to list backups", err)
	}

	records := make([]BackupRecord, 0, len(objects))
	for _, obj := range objects {
		if strings.Contains(strings.TrimPrefix(obj.Key, c.prefix), "/") {
			continue
		}
		records = append(records, c.recordFromObject(obj))
	}
	return records, nil
}

// List returns the catalog's backups sorted strictly descending by
// creation time, ties broken by name descending. Objects that are not
// backups are left out.
func (c *Catalog) List(ctx context.Context) ([]BackupRecord, error) {
	objects, err := c.store.List(ctx, c.prefix)
	if err != nil {
		return nil, apperrors.NewTransientIOError("failed to list backups", err)
	}
	objects, err = c.hydrate(ctx, objects)
	if err != nil {
		return nil, err
	}

	records := make([]BackupRecord, 0, len(objects))
	for _, obj := range objects {
		if strings.Contains(strings.TrimPrefix(obj.Key, c.prefix), "/") {
			continue
		}
		rec := c.recordFromObject(obj)
		if rec.Created.IsZero() {
			c.logger.WithField("key", obj.Key).Debug("Skipping object that is not a backup")
			continue
		}
		records = append(records, rec)
	}

	SortRecords(records)
	return records, nil
}

// hydrate fetches metadata for objects whose listing did not carry it.
// Objects deleted since the listing are dropped from the result.
func (c *Catalog) hydrate(ctx context.Context, objects []ObjectInfo) ([]ObjectInfo, error) {
	gone := make([]bool, len(objects))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.hydrateConcurrency)

	for i := range objects {
		if objects[i].Metadata != nil {
			continue
		}
		g.Go(func() error {
			info, err := c.store.Stat(gctx, objects[i].Key)
			if apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
				gone[i] = true
				return nil
			}
			if err != nil {
				return err
			}
			objects[i].Metadata = info.Metadata
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, apperrors.NewTransientIOError("failed to read backup metadata", err)
	}

	kept := objects[:0]
	for i, obj := range objects {
		if gone[i] {
			c.logger.WithField("key", obj.Key).Debug("Backup deleted while listing")
			continue
		}
		kept = append(kept, obj)
	}
	return kept, nil
}

// SortRecords orders records by creation time, newest first, then by name
// descending
func SortRecords(records []BackupRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].Created.Equal(records[j].Created) {
			return records[i].Created.After(records[j].Created)
		}
		return records[i].Name > records[j].Name
	})
}

// Get returns the record for name
func (c *Catalog) Get(ctx context.Context, name string) (*BackupRecord, error) {
	info, err := c.store.Stat(ctx, c.key(name))
	if err != nil {
		if apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
			return nil, apperrors.NewNotFoundError("backup "+name, err)
		}
		return nil, apperrors.NewTransientIOError(fmt.Sprintf("failed to read backup %s", name), err)
	}
	rec := c.recordFromObject(*info)
	return &rec, nil
}

// Exists reports whether the catalog holds name
func (c *Catalog) Exists(ctx context.Context, name string) (bool, error) {
	_, err := c.Get(ctx, name)
	switch {
	case err == nil:
		return true, nil
	case apperrors.IsType(err, apperrors.ErrorTypeNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Latest returns the newest record accepted by keep; keep may be nil
func (c *Catalog) Latest(ctx context.Context, keep func(BackupRecord) bool) (*BackupRecord, error) {
	records, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range records {
		if keep == nil || keep(records[i]) {
			return &records[i], nil
		}
	}
	return nil, apperrors.NewNotFoundError("matching backup", nil)
}

// Publish uploads the artifact at path under rec.Name with rec's metadata.
// The catalog never holds two backups with the same name, so an existing
// name is rejected. The bytes are hashed as they are uploaded and must
// match rec.Checksum; on mismatch the object is removed again.
func (c *Catalog) Publish(ctx context.Context, rec BackupRecord, path string) (*BackupRecord, error) {
	if _, _, err := ParseBackupName(rec.Name); err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrorTypeValidation, "invalid backup name", err)
	}
	exists, err := c.Exists(ctx, rec.Name)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, nameTakenError(rec.Name, nil)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat artifact: %w", err)
	}
	rec.Size = stat.Size()

	hasher := sha256.New()
	if err := c.store.Put(ctx, c.key(rec.Name), io.TeeReader(file, hasher), rec.Size, rec.metadata()); err != nil {
		if apperrors.IsType(err, apperrors.ErrorTypeTargetConflict) {
			return nil, nameTakenError(rec.Name, err)
		}
		return nil, apperrors.NewTransientIOError(fmt.Sprintf("failed to upload backup %s", rec.Name), err)
	}

	if uploaded := hex.EncodeToString(hasher.Sum(nil)); rec.Checksum != "" && !strings.EqualFold(uploaded, rec.Checksum) {
		if derr := c.store.Delete(ctx, c.key(rec.Name)); derr != nil {
			c.logger.WithField("backup", rec.Name).WithError(derr).Error("Failed to remove backup uploaded with a mismatched checksum")
		}
		return nil, apperrors.NewChecksumMismatchError(rec.Name, rec.Checksum, uploaded).
			WithContext("stage", "upload")
	}
	return &rec, nil
}

func nameTakenError(name string, cause error) error {
	err := apperrors.NewAppError(apperrors.ErrorTypeTargetConflict, fmt.Sprintf("backup %s already exists", name), cause).
		WithContext("target", name)
	return err.WithUserMessage(fmt.Sprintf("A backup named %s already exists in the catalog", name))
}

// Download writes the artifact for name to dest
func (c *Catalog) Download(ctx context.Context, name, dest string) (int64, error) {
	file, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return 0, fmt.Errorf("failed to create download file: %w", err)
	}

	n, err := c.store.Get(ctx, c.key(name), file)
	if cerr := file.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dest)
		if apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
			return 0, apperrors.NewNotFoundError("backup "+name, err)
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, apperrors.NewTransientIOError(fmt.Sprintf("failed to download backup %s", name), err)
	}
	return n, nil
}

// Delete removes name from the catalog
func (c *Catalog) Delete(ctx context.Context, name string) error {
	if err := c.store.Delete(ctx, c.key(name)); err != nil {
		if apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
			return apperrors.NewNotFoundError("backup "+name, err)
		}
		return apperrors.NewTransientIOError(fmt.Sprintf("failed to delete backup %s", name), err)
	}
	return nil
}
