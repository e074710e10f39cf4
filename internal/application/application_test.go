package application

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"dbvault/internal/backup"
	"dbvault/internal/config"
	"dbvault/internal/engine"
	apperrors "dbvault/internal/errors"
	"dbvault/internal/history"

	"github.com/juju/clock/testclock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const stubHeader = "-- stub dump"

// stubEngine writes a one-line dump naming the source database
type stubEngine struct {
	mu       sync.Mutex
	restored map[string]string
}

func (e *stubEngine) Name() string      { return "mysql" }
func (e *stubEngine) Extension() string { return "sql.gz" }

func (e *stubEngine) Dump(_ context.Context, conn engine.Connection, dest string) error {
	return os.WriteFile(dest, []byte(fmt.Sprintf("%s %s\n", stubHeader, conn.Database)), 0o644)
}

func (e *stubEngine) ListContents(_ context.Context, artifact string) (*engine.Contents, error) {
	f, err := os.Open(artifact)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	line, _ := bufio.NewReader(f).ReadString('\n')
	if !strings.HasPrefix(line, stubHeader) {
		return nil, apperrors.NewStructuralCorruptionError(filepath.Base(artifact), nil)
	}
	return &engine.Contents{Entries: 1, Tables: []string{"t"}}, nil
}

func (e *stubEngine) Restore(_ context.Context, conn engine.Connection, artifact string) error {
	data, err := os.ReadFile(artifact)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.restored == nil {
		e.restored = make(map[string]string)
	}
	e.restored[conn.Database] = strings.TrimSpace(strings.TrimPrefix(string(data), stubHeader))
	return nil
}

type stubTargets struct {
	mu  sync.Mutex
	dbs map[string]bool
}

func (s *stubTargets) Exists(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dbs[name], nil
}

func (s *stubTargets) Ensure(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dbs[name] {
		return false, nil
	}
	s.dbs[name] = true
	return true, nil
}

func (s *stubTargets) SmokeCheck(_ context.Context, name string) (int64, error) {
	return 1, nil
}

type testApp struct {
	*Application
	clock   *testclock.Clock
	engine  *stubEngine
	targets *stubTargets
	dataDir string
}

func newTestApp(t *testing.T, mutate func(cfg *config.Config)) *testApp {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Database.Engine = "mysql"
	cfg.Database.Name = "orders"
	cfg.Database.Username = "backup"
	cfg.Storage.Local.BasePath = filepath.Join(dir, "store")
	cfg.Utilities.WorkDir = filepath.Join(dir, "work")
	cfg.History.Path = filepath.Join(dir, "history.db")
	cfg.Logging.AuditFile = filepath.Join(dir, "audit.log")
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, os.MkdirAll(cfg.Utilities.WorkDir, 0o755))

	store, err := backup.NewLocalStorage(cfg.Storage.Local.BasePath)
	require.NoError(t, err)

	tc := testclock.NewClock(time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC))
	eng := &stubEngine{}
	targets := &stubTargets{dbs: map[string]bool{"orders": true}}

	app, err := Assemble(cfg, nil, Components{Store: store, Engine: eng, Targets: targets, Clock: tc})
	require.NoError(t, err)
	t.Cleanup(func() { app.Close(context.Background()) })

	return &testApp{Application: app, clock: tc, engine: eng, targets: targets, dataDir: dir}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, label string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, m := range family.GetMetric() {
			for _, pair := range m.GetLabel() {
				if pair.GetValue() == label {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestApplication_BackupRestoreVerify(t *testing.T) {
	app := newTestApp(t, nil)
	ctx := context.Background()

	rec, err := app.Backup(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "backup_20240101_020000.sql.gz", rec.Name)
	assert.Equal(t, "orders", rec.Database)

	records, err := app.ListBackups(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)

	_, result, err := app.Verify(ctx, rec.Name)
	require.NoError(t, err)
	assert.True(t, result.Valid)

	op, err := app.Restore(ctx, rec.Name, "orders_copy", app.DefaultRestoreOptions())
	require.NoError(t, err)
	assert.Equal(t, backup.StatusSucceeded, op.Status)
	assert.Equal(t, "orders", app.engine.restored["orders_copy"])

	_, err = app.Restore(ctx, rec.Name, "orders", app.DefaultRestoreOptions())
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeTargetConflict))

	assert.Equal(t, 1.0, counterValue(t, app.Registry(), "dbvault_backups_total", "success"))
	assert.Equal(t, 1.0, counterValue(t, app.Registry(), "dbvault_verifications_total", "success"))

	report, err := app.Status(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Usage.Backups)
	require.Len(t, report.Recent, 4)
	kinds := map[string]string{}
	for _, e := range report.Recent {
		if _, seen := kinds[e.Kind]; !seen {
			kinds[e.Kind] = e.Status
		}
	}
	assert.Equal(t, "succeeded", kinds[history.KindBackup])
	assert.Equal(t, "succeeded", kinds[history.KindVerify])
	assert.Contains(t, []string{"FAILED", "SUCCEEDED"}, kinds[history.KindRestore])

	audit, err := os.ReadFile(filepath.Join(app.dataDir, "audit.log"))
	require.NoError(t, err)
	assert.Contains(t, string(audit), "backup_create")
}

func TestApplication_ListBackupsLimit(t *testing.T) {
	app := newTestApp(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := app.Backup(ctx, "")
		require.NoError(t, err)
		app.clock.Advance(time.Hour)
	}

	records, err := app.ListBackups(ctx, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "backup_20240101_040000.sql.gz", records[0].Name)
	assert.Equal(t, "backup_20240101_030000.sql.gz", records[1].Name)
}

func TestApplication_SweepAndRollback(t *testing.T) {
	app := newTestApp(t, func(cfg *config.Config) { cfg.Retention.Days = 7 })
	ctx := context.Background()

	old, err := app.Backup(ctx, "")
	require.NoError(t, err)
	app.clock.Advance(8 * 24 * time.Hour)
	fresh, err := app.Backup(ctx, "")
	require.NoError(t, err)
	app.clock.Advance(time.Second)

	dry, err := app.Sweep(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, []string{old.Name}, dry.Deleted)

	swept, err := app.Sweep(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []string{old.Name}, swept.Deleted)
	assert.Equal(t, []string{fresh.Name}, swept.Kept)

	plan, err := app.Rollback(ctx, "orders", "")
	require.NoError(t, err)
	assert.Equal(t, backup.RollbackSucceeded, plan.Outcome)
	assert.Equal(t, fresh.Name, plan.RecoveryRef)
	assert.NotEmpty(t, plan.PreSnapshotRef)
}

func TestApplication_GuardedRestoreRequiresForce(t *testing.T) {
	app := newTestApp(t, nil)
	ctx := context.Background()

	rec, err := app.Backup(ctx, "")
	require.NoError(t, err)
	app.clock.Advance(time.Second)

	_, err = app.GuardedRestore(ctx, rec.Name, "orders", app.DefaultRestoreOptions())
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeTargetConflict))

	opts := app.DefaultRestoreOptions()
	opts.Force = true
	result, err := app.GuardedRestore(ctx, rec.Name, "orders", opts)
	require.NoError(t, err)
	require.NotNil(t, result.Snapshot)
	assert.False(t, result.Reverted)
}

func TestApplication_HistoryAndMetricsDisabled(t *testing.T) {
	app := newTestApp(t, func(cfg *config.Config) {
		cfg.History.Enabled = false
		cfg.Metrics.Enabled = false
	})
	ctx := context.Background()

	_, err := app.Backup(ctx, "")
	require.NoError(t, err)

	report, err := app.Status(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, report.Recent)
	assert.Equal(t, 0.0, counterValue(t, app.Registry(), "dbvault_backups_total", "success"))
	assert.NoFileExists(t, filepath.Join(app.dataDir, "history.db"))
}

func TestApplication_UnavailableHistoryIsNotFatal(t *testing.T) {
	app := newTestApp(t, func(cfg *config.Config) {
		// a directory where the database file should be
		cfg.History.Path = t.TempDir()
	})

	_, err := app.Backup(context.Background(), "")
	require.NoError(t, err)
}

func TestTroubleshootingHints(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{apperrors.NewTargetConflictError("orders"), "--force"},
		{apperrors.NewTargetBusyError("orders"), "retry"},
		{apperrors.NewUnverifiableError("x"), "allow_unverified"},
		{apperrors.NewChecksumMismatchError("x", "a", "b"), "older backup"},
		{apperrors.NewNotFoundError("backup x", nil), "list-backups"},
	}
	for _, tt := range tests {
		hints := TroubleshootingHints(tt.err)
		require.NotEmpty(t, hints, tt.err.Error())
		assert.Contains(t, strings.Join(hints, "\n"), tt.want)
	}
	assert.Empty(t, TroubleshootingHints(fmt.Errorf("plain")))
}

func TestApplication_Check(t *testing.T) {
	app := newTestApp(t, nil)
	require.NoError(t, app.Check(context.Background()))
}
