package backup

import (
	"context"
	"io"
	"sort"
	"time"

	"dbvault/internal/logging"
)

// MonitoredStore decorates an ObjectStore with per-call logging
type MonitoredStore struct {
	ObjectStore
	logger *logging.Logger
}

// NewMonitoredStore wraps store
func NewMonitoredStore(store ObjectStore, logger *logging.Logger) *MonitoredStore {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &MonitoredStore{ObjectStore: store, logger: logger}
}

// Put implements ObjectStore
func (m *MonitoredStore) Put(ctx context.Context, key string, r io.Reader, size int64, metadata map[string]string) error {
	start := time.Now()
	err := m.ObjectStore.Put(ctx, key, r, size, metadata)
	m.logger.LogStorageOperation("put", key, size, time.Since(start), err)
	return err
}

// Get implements ObjectStore
func (m *MonitoredStore) Get(ctx context.Context, key string, w io.Writer) (int64, error) {
	start := time.Now()
	n, err := m.ObjectStore.Get(ctx, key, w)
	m.logger.LogStorageOperation("get", key, n, time.Since(start), err)
	return n, err
}

// Stat implements ObjectStore
func (m *MonitoredStore) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	start := time.Now()
	info, err := m.ObjectStore.Stat(ctx, key)
	m.logger.LogStorageOperation("stat", key, -1, time.Since(start), err)
	return info, err
}

// List implements ObjectStore
func (m *MonitoredStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	start := time.Now()
	objects, err := m.ObjectStore.List(ctx, prefix)
	m.logger.LogStorageOperation("list", prefix, -1, time.Since(start), err)
	return objects, err
}

// Delete implements ObjectStore
func (m *MonitoredStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := m.ObjectStore.Delete(ctx, key)
	m.logger.LogStorageOperation("delete", key, -1, time.Since(start), err)
	return err
}

// StorageUsage summarizes what the catalog holds
type StorageUsage struct {
	Provider    string                    `json:"provider" yaml:"provider"`
	Healthy     bool                      `json:"healthy" yaml:"healthy"`
	HealthError string                    `json:"health_error,omitempty" yaml:"health_error,omitempty"`
	Backups     int                       `json:"backups" yaml:"backups"`
	TotalSize   int64                     `json:"total_size" yaml:"total_size"`
	Unverified  int                       `json:"unverified" yaml:"unverified"`
	Newest      *BackupRecord             `json:"newest,omitempty" yaml:"newest,omitempty"`
	Oldest      *BackupRecord             `json:"oldest,omitempty" yaml:"oldest,omitempty"`
	ByDatabase  map[string]*DatabaseUsage `json:"by_database" yaml:"by_database"`
}

// DatabaseUsage is the per-database slice of StorageUsage
type DatabaseUsage struct {
	Backups   int   `json:"backups" yaml:"backups"`
	TotalSize int64 `json:"total_size" yaml:"total_size"`
}

// Usage computes a StorageUsage report for the catalog
func (c *Catalog) Usage(ctx context.Context) (*StorageUsage, error) {
	usage := &StorageUsage{
		Provider:   c.store.Provider(),
		Healthy:    true,
		ByDatabase: make(map[string]*DatabaseUsage),
	}
	if err := c.store.HealthCheck(ctx); err != nil {
		usage.Healthy = false
		usage.HealthError = err.Error()
		return usage, nil
	}

	records, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	usage.Backups = len(records)
	for i := range records {
		rec := records[i]
		usage.TotalSize += rec.Size
		if !rec.Verifiable() {
			usage.Unverified++
		}
		db := rec.Database
		if db == "" {
			db = "unknown"
		}
		if usage.ByDatabase[db] == nil {
			usage.ByDatabase[db] = &DatabaseUsage{}
		}
		usage.ByDatabase[db].Backups++
		usage.ByDatabase[db].TotalSize += rec.Size
	}
	if len(records) > 0 {
		usage.Newest = &records[0]
		usage.Oldest = &records[len(records)-1]
	}
	return usage, nil
}

// DatabaseNames returns the databases present in usage, sorted
func (u *StorageUsage) DatabaseNames() []string {
	names := make([]string, 0, len(u.ByDatabase))
	for name := range u.ByDatabase {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
