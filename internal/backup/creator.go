package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"dbvault/internal/database"
	"dbvault/internal/engine"
	apperrors "dbvault/internal/errors"
	"dbvault/internal/logging"

	"github.com/juju/clock"
)

// Deps are the collaborators shared by the backup, restore, rollback and
// retention components.
type Deps struct {
	Catalog  *Catalog
	Engine   engine.Engine
	Conn     engine.Connection
	Targets  TargetManager
	Locks    *TargetLocks
	Clock    clock.Clock
	WorkDir  string
	Metrics  MetricsRecorder
	Notifier Notifier
	Audit    *BackupLogger
	Logger   *logging.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = logging.NewNopLogger()
	}
	if d.Clock == nil {
		d.Clock = clock.WallClock
	}
	if d.Locks == nil {
		d.Locks = NewTargetLocks("")
	}
	if d.Notifier == nil {
		d.Notifier = NopNotifier{}
	}
	d.Metrics = safeMetrics(d.Metrics, d.Logger)
	return d
}

// BackupRequest selects what CreateBackup dumps
type BackupRequest struct {
	// Database defaults to the configured connection's database
	Database string
	Kind     BackupKind
}

// Creator produces backups: native dump into an ephemeral directory,
// checksum, upload with metadata.
type Creator struct {
	deps Deps
}

// NewCreator creates a Creator
func NewCreator(deps Deps) *Creator {
	return &Creator{deps: deps.withDefaults()}
}

// CreateBackup dumps req.Database and publishes it to the catalog. The
// ephemeral artifact is removed on every exit path. The record becomes
// visible in the catalog only once the artifact and its checksum are both
// stored.
func (c *Creator) CreateBackup(ctx context.Context, req BackupRequest) (rec *BackupRecord, err error) {
	d := c.deps
	db := req.Database
	if db == "" {
		db = d.Conn.Database
	}
	if req.Kind == "" {
		req.Kind = KindManual
	}
	if err := database.ValidateIdentifier(db); err != nil {
		return nil, err
	}

	start := d.Clock.Now()
	created := start.UTC().Truncate(time.Second)
	name := FormatBackupName(created, d.Engine.Extension())

	done := d.Logger.LogOperationStart("backup", map[string]interface{}{
		"database": db,
		"backup":   name,
		"kind":     string(req.Kind),
	})
	defer func() {
		done(err)
		var size int64
		if rec != nil {
			size = rec.Size
		}
		d.Metrics.BackupCompleted(err == nil, size, d.Clock.Now().Sub(start))
		d.Audit.LogBackupCreated(ctx, db, rec, err)
		d.Notifier.Notify(ctx, backupEvent(db, name, err))
	}()

	dir, err := os.MkdirTemp(d.WorkDir, "dbvault-backup-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create working directory: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			d.Logger.WithField("path", dir).WithError(rmErr).Warn("Failed to remove backup working directory")
		}
	}()

	artifact := filepath.Join(dir, name)
	if err := d.Engine.Dump(ctx, d.Conn.WithDatabase(db), artifact); err != nil {
		return nil, err
	}

	checksum, err := ChecksumFile(artifact)
	if err != nil {
		return nil, fmt.Errorf("failed to checksum %s: %w", name, err)
	}

	return d.Catalog.Publish(ctx, BackupRecord{
		Name:     name,
		Created:  created,
		Checksum: checksum,
		Database: db,
		Engine:   d.Engine.Name(),
		Kind:     req.Kind,
	}, artifact)
}

func backupEvent(db, name string, err error) Event {
	event := Event{
		Operation: "backup",
		Status:    EventSucceeded,
		Backup:    name,
		Target:    db,
		Message:   fmt.Sprintf("Backup %s of %s created", name, db),
	}
	if err != nil {
		event.Status = EventFailed
		event.Message = fmt.Sprintf("Backup of %s failed", db)
		event.Error = apperrors.FormatUserError(err)
	}
	return event
}
