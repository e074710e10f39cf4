package backup

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	apperrors "dbvault/internal/errors"
)

// BackupKind records why a backup was taken
type BackupKind string

const (
	KindScheduled   BackupKind = "scheduled"
	KindManual      BackupKind = "manual"
	KindPreRollback BackupKind = "pre_rollback"
)

// Object metadata keys. They are plain lowercase words so that every
// provider (Azure in particular) accepts them unchanged.
const (
	MetaChecksum = "checksum"
	MetaCreated  = "created"
	MetaDatabase = "database"
	MetaEngine   = "engine"
	MetaKind     = "kind"
)

// BackupRecord is a catalog entry describing one stored backup artifact.
// Records are never mutated after publication.
type BackupRecord struct {
	Name     string     `json:"name" yaml:"name"`
	Size     int64      `json:"size" yaml:"size"`
	Created  time.Time  `json:"created" yaml:"created"`
	Checksum string     `json:"checksum,omitempty" yaml:"checksum,omitempty"`
	Database string     `json:"database,omitempty" yaml:"database,omitempty"`
	Engine   string     `json:"engine,omitempty" yaml:"engine,omitempty"`
	Kind     BackupKind `json:"kind,omitempty" yaml:"kind,omitempty"`
}

// Verifiable reports whether the record carries a checksum
func (r BackupRecord) Verifiable() bool {
	return r.Checksum != ""
}

// Age returns how old the backup is at now
func (r BackupRecord) Age(now time.Time) time.Duration {
	return now.Sub(r.Created)
}

// metadata renders the object metadata stored next to the artifact
func (r BackupRecord) metadata() map[string]string {
	meta := map[string]string{
		MetaCreated: r.Created.UTC().Format(time.RFC3339),
	}
	if r.Checksum != "" {
		meta[MetaChecksum] = r.Checksum
	}
	if r.Database != "" {
		meta[MetaDatabase] = r.Database
	}
	if r.Engine != "" {
		meta[MetaEngine] = r.Engine
	}
	if r.Kind != "" {
		meta[MetaKind] = string(r.Kind)
	}
	return meta
}

// ObjectInfo describes one object in a store. Metadata is nil when the
// provider does not return it from listings.
type ObjectInfo struct {
	Key      string
	Size     int64
	Modified time.Time
	Metadata map[string]string
}

// normalizeMetadata lowercases keys; S3 canonicalizes them on the way back
func normalizeMetadata(meta map[string]string) map[string]string {
	if meta == nil {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[strings.ToLower(k)] = v
	}
	return out
}

// errObjectExists reports a Put against a key that is already taken
func errObjectExists(key string, cause error) error {
	return apperrors.NewAppError(apperrors.ErrorTypeTargetConflict, fmt.Sprintf("object %s already exists", key), cause)
}

// ObjectStore is the durable storage behind the catalog. Put must not make
// an object visible to List or Stat until its bytes and metadata are both
// stored, and it never replaces an existing object: a taken key is
// reported as a target_conflict error. S3 is the exception, see S3Storage.
// Missing objects are reported as not_found errors.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, metadata map[string]string) error
	Get(ctx context.Context, key string, w io.Writer) (int64, error)
	Stat(ctx context.Context, key string) (*ObjectInfo, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	HealthCheck(ctx context.Context) error
	Provider() string
}

// TargetManager prepares and inspects restore targets
type TargetManager interface {
	Exists(ctx context.Context, name string) (bool, error)
	Ensure(ctx context.Context, name string) (created bool, err error)
	SmokeCheck(ctx context.Context, name string) (int64, error)
}

// RowCounter is implemented by target managers that can count the rows of
// a table, which the canary check during POST_VERIFY requires
type RowCounter interface {
	CountRows(ctx context.Context, database, table string) (int64, error)
}
