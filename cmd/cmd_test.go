package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dbvault/internal/application"
	"dbvault/internal/backup"
	"dbvault/internal/config"
	"dbvault/internal/display"
	"dbvault/internal/engine"
	apperrors "dbvault/internal/errors"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fileEngine stores the source database name as the dump body
type fileEngine struct{}

func (fileEngine) Name() string      { return "postgres" }
func (fileEngine) Extension() string { return "dump" }

func (fileEngine) Dump(_ context.Context, conn engine.Connection, dest string) error {
	return os.WriteFile(dest, []byte("PGDMP "+conn.Database), 0o644)
}

func (fileEngine) ListContents(_ context.Context, artifact string) (*engine.Contents, error) {
	data, err := os.ReadFile(artifact)
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(data, []byte("PGDMP")) {
		return nil, apperrors.NewStructuralCorruptionError(filepath.Base(artifact), nil)
	}
	return &engine.Contents{Entries: 1}, nil
}

func (fileEngine) Restore(context.Context, engine.Connection, string) error { return nil }

type memTargets map[string]bool

func (m memTargets) Exists(_ context.Context, name string) (bool, error) { return m[name], nil }
func (m memTargets) Ensure(_ context.Context, name string) (bool, error) {
	created := !m[name]
	m[name] = true
	return created, nil
}
func (m memTargets) SmokeCheck(context.Context, string) (int64, error) { return 2, nil }

type harness struct {
	dir     string
	cfgPath string
	clock   *testclock.Clock
	targets memTargets
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "dbvault.yaml")
	cfgYAML := fmt.Sprintf(`database:
  engine: postgres
  host: localhost
  port: 5432
  username: backup
  password: hunter2
  name: orders
storage:
  provider: local
  local:
    base_path: %s
utilities:
  work_dir: %s
history:
  enabled: true
  path: %s
`, filepath.Join(dir, "store"), dir, filepath.Join(dir, "history.db"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfgYAML), 0o600))

	return &harness{
		dir:     dir,
		cfgPath: cfgPath,
		clock:   testclock.NewClock(time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC)),
		targets: memTargets{"orders": true},
	}
}

func (h *harness) newApp(ctx context.Context, cfg *config.Config, opts application.Options) (*application.Application, error) {
	store, err := backup.NewLocalStorage(cfg.Storage.Local.BasePath)
	if err != nil {
		return nil, err
	}
	logger, err := application.NewLogger(cfg.Logging, opts)
	if err != nil {
		return nil, err
	}
	return application.Assemble(cfg, logger, application.Components{
		Store:   store,
		Engine:  fileEngine{},
		Targets: h.targets,
		Clock:   h.clock,
	})
}

// run executes the CLI with stubbed engine and targets
func (h *harness) run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	c := &cli{stdout: &stdout, stderr: &stderr, newApp: h.newApp}
	root := c.rootCommand()
	root.SetArgs(append([]string{"--config", h.cfgPath, "--no-color"}, args...))
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func TestCLI_BackupListVerifyRestore(t *testing.T) {
	h := newHarness(t)

	out, _, err := h.run(t, "backup", "--format", "json")
	require.NoError(t, err)
	var rec backup.BackupRecord
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, "backup_20240101_020000.dump", rec.Name)
	assert.Equal(t, "orders", rec.Database)

	h.clock.Advance(time.Hour)
	_, _, err = h.run(t, "backup", "--database", "inventory")
	require.NoError(t, err)

	out, _, err = h.run(t, "list-backups", "--limit", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "backup_20240101_030000.dump")
	assert.NotContains(t, out, "backup_20240101_020000.dump")
	assert.Contains(t, out, "1 backup(s)")

	out, _, err = h.run(t, "verify", rec.Name)
	require.NoError(t, err)
	assert.Contains(t, out, "match")

	out, _, err = h.run(t, "restore", rec.Name, "orders_copy", "--format", "json")
	require.NoError(t, err)
	var op map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &op))
	assert.Equal(t, "SUCCEEDED", op["status"])
	assert.True(t, h.targets["orders_copy"])
}

func TestCLI_RestoreConflictFails(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.run(t, "backup")
	require.NoError(t, err)

	out, _, err := h.run(t, "restore", "backup_20240101_020000.dump", "orders")
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeTargetConflict))
	assert.Contains(t, out, "FAILED")

	h.clock.Advance(time.Second)
	_, _, err = h.run(t, "restore", "backup_20240101_020000.dump", "orders", "--force", "--guarded", "--yes")
	require.NoError(t, err)
}

func TestCLI_VerifyMissingBackup(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.run(t, "verify", "backup_20990101_000000.dump")
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNotFound))
}

func TestCLI_RollbackSweepStatus(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.run(t, "backup")
	require.NoError(t, err)
	h.clock.Advance(10 * 24 * time.Hour)
	_, _, err = h.run(t, "backup")
	require.NoError(t, err)
	h.clock.Advance(time.Second)

	out, _, err := h.run(t, "rollback", "orders", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "SUCCEEDED")
	assert.Contains(t, out, "backup_20240111_020000.dump")

	out, _, err = h.run(t, "sweep", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "Would delete")
	assert.Contains(t, out, "backup_20240101_020000.dump")

	out, _, err = h.run(t, "status", "--format", "json")
	require.NoError(t, err)
	var report display.StatusReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 3, report.Usage.Backups)
	assert.NotEmpty(t, report.Recent)
}

func TestCLI_ForcedRestoreAsksForConfirmation(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.run(t, "backup")
	require.NoError(t, err)
	h.clock.Advance(time.Second)

	var stdout, stderr bytes.Buffer
	c := &cli{stdout: &stdout, stderr: &stderr, newApp: h.newApp}
	root := c.rootCommand()
	root.SetIn(strings.NewReader("n\n"))
	root.SetArgs([]string{"--config", h.cfgPath, "--no-color", "restore", "backup_20240101_020000.dump", "orders", "--force"})
	require.NoError(t, root.Execute())
	assert.Contains(t, stderr.String(), "Restore into orders")
	assert.Contains(t, stderr.String(), "Operation cancelled.")
	assert.Empty(t, stdout.String())
}

func TestCLI_FlagValidation(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name string
		args []string
	}{
		{"verbose and quiet", []string{"--verbose", "--quiet", "list-backups"}},
		{"bad format", []string{"--format", "xml", "list-backups"}},
		{"verify and no-verify", []string{"restore", "a", "b", "--verify", "--no-verify"}},
		{"restore needs two args", []string{"restore", "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := h.run(t, tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestCLI_ConfigInitAndShow(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(h.dir, "generated", "dbvault.yaml")

	_, stderr, err := h.run(t, "config", "init", "--output", path)
	require.NoError(t, err)
	assert.Contains(t, stderr, "Configuration written")
	assert.FileExists(t, path)

	_, _, err = h.run(t, "config", "init", "--output", path)
	assert.Error(t, err)
	_, _, err = h.run(t, "config", "init", "--output", path, "--force")
	assert.NoError(t, err)

	out, _, err := h.run(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "********")
	assert.NotContains(t, out, "hunter2")
}

func TestCLI_InvalidConfig(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.WriteFile(h.cfgPath, []byte("database:\n  engine: oracle\n"), 0o600))

	_, _, err := h.run(t, "list-backups")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeConfiguration, apperrors.GetErrorType(err))
}

func TestExecute_FailureHonorsOutputFlags(t *testing.T) {
	h := newHarness(t)
	var stdout, stderr bytes.Buffer
	c := &cli{stdout: &stdout, stderr: &stderr, newApp: h.newApp}

	code := c.execute([]string{"--config", h.cfgPath, "--no-color", "--theme", "light", "verify", "backup_20990101_000000.dump"})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "[ERROR]")
	assert.NotContains(t, stderr.String(), "\x1b[")

	opts := c.printerOptions(&stdout, &stderr)
	assert.False(t, opts.Color)
	assert.Equal(t, "light", opts.Theme)

	stderr.Reset()
	assert.Equal(t, 0, c.execute([]string{"--config", h.cfgPath, "list-backups"}))
	assert.NotContains(t, stderr.String(), "[ERROR]")
}

func TestReportError(t *testing.T) {
	var out, errOut bytes.Buffer
	printer := display.NewPrinter(display.Options{Writer: &out, ErrWriter: &errOut})

	reportError(printer, apperrors.NewTargetConflictError("orders"))
	assert.Contains(t, errOut.String(), "[ERROR]")
	assert.Contains(t, errOut.String(), "--force")

	errOut.Reset()
	reportError(printer, errors.New("boom"))
	assert.Contains(t, errOut.String(), "An unexpected error occurred: boom")
	assert.False(t, strings.Contains(errOut.String(), "hints"))
}

func TestVersionCommand(t *testing.T) {
	SetVersionInfo("1.2.3", "today", "abc123", "go1.25")
	var stdout bytes.Buffer
	root := NewRootCommand(&stdout, &bytes.Buffer{})
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Contains(t, stdout.String(), "dbvault version 1.2.3")
}
