package display

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"dbvault/internal/backup"
	"dbvault/internal/history"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

var reportNow = time.Date(2024, 1, 8, 2, 0, 0, 0, time.UTC)

func newTestPrinter(format OutputFormat) (*Printer, *bytes.Buffer, *bytes.Buffer) {
	var out, errOut bytes.Buffer
	p := NewPrinter(Options{Format: format, Writer: &out, ErrWriter: &errOut, MaxWidth: 200})
	return p, &out, &errOut
}

func sampleRecords() []backup.BackupRecord {
	return []backup.BackupRecord{
		{Name: "backup_20240107_020000.sql.gz", Size: 1048576, Created: reportNow.Add(-24 * time.Hour), Checksum: "0123456789abcdef0123", Database: "orders", Engine: "mysql", Kind: backup.KindScheduled},
		{Name: "backup_20240101_020000.sql.gz", Size: 2048, Created: reportNow.Add(-7 * 24 * time.Hour), Database: "orders", Engine: "mysql"},
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    OutputFormat
		wantErr bool
	}{
		{"", FormatTable, false},
		{"table", FormatTable, false},
		{" JSON ", FormatJSON, false},
		{"yaml", FormatYAML, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestPrinter_BackupsTable(t *testing.T) {
	p, out, _ := newTestPrinter(FormatTable)
	require.NoError(t, p.Backups(sampleRecords(), reportNow))

	text := out.String()
	assert.Contains(t, text, "backup_20240107_020000.sql.gz")
	assert.Contains(t, text, "1.0 MB")
	assert.Contains(t, text, "1 day ago")
	assert.Contains(t, text, "0123456789ab")
	assert.Contains(t, text, "(none)")
	assert.Contains(t, text, "2 backup(s)")
	assert.Less(t, bytes.Index(out.Bytes(), []byte("20240107")), bytes.Index(out.Bytes(), []byte("20240101")))
}

func TestPrinter_BackupsEmpty(t *testing.T) {
	p, out, errOut := newTestPrinter(FormatTable)
	require.NoError(t, p.Backups(nil, reportNow))
	assert.Empty(t, out.String())
	assert.Contains(t, errOut.String(), "No backups found")

	p, out, _ = newTestPrinter(FormatJSON)
	require.NoError(t, p.Backups(nil, reportNow))
	assert.JSONEq(t, "[]", out.String())
}

func TestPrinter_BackupsStructured(t *testing.T) {
	p, out, _ := newTestPrinter(FormatJSON)
	require.NoError(t, p.Backups(sampleRecords(), reportNow))

	var decoded []map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, "backup_20240107_020000.sql.gz", decoded[0]["name"])
	assert.EqualValues(t, 1048576, decoded[0]["size"])
	assert.NotContains(t, decoded[1], "checksum")

	p, out, _ = newTestPrinter(FormatYAML)
	require.NoError(t, p.Backups(sampleRecords(), reportNow))
	var fromYAML []backup.BackupRecord
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &fromYAML))
	require.Len(t, fromYAML, 2)
	assert.Equal(t, "orders", fromYAML[1].Database)
}

func TestPrinter_Restore(t *testing.T) {
	op := &backup.RestoreOperation{
		ID:          "op-1",
		BackupRef:   "backup_20240101_020000.sql.gz",
		Target:      "test_db_001",
		Status:      backup.StatusFailed,
		FailedPhase: backup.StatusVerifying,
		Error:       "checksum mismatch",
		StartedAt:   reportNow,
		FinishedAt:  reportNow.Add(2 * time.Second),
	}

	p, out, _ := newTestPrinter(FormatTable)
	require.NoError(t, p.Restore(op))
	assert.Contains(t, out.String(), "FAILED")
	assert.Contains(t, out.String(), "VERIFYING")
	assert.Contains(t, out.String(), "checksum mismatch")
	assert.Contains(t, out.String(), "2s")

	p, out, _ = newTestPrinter(FormatJSON)
	require.NoError(t, p.Restore(op))
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, "FAILED", decoded["status"])
	assert.Equal(t, "VERIFYING", decoded["failed_phase"])
}

func TestPrinter_RestoreCanaryRows(t *testing.T) {
	rows := int64(1234)
	op := &backup.RestoreOperation{
		ID:         "op-2",
		BackupRef:  "backup_20240101_020000.sql.gz",
		Target:     "test_db_001",
		Status:     backup.StatusSucceeded,
		SmokeCount: 3,
		CanaryRows: &rows,
		StartedAt:  reportNow,
		FinishedAt: reportNow.Add(time.Second),
	}

	p, out, _ := newTestPrinter(FormatTable)
	require.NoError(t, p.Restore(op))
	assert.Contains(t, out.String(), "Canary rows")
	assert.Contains(t, out.String(), "1234")

	p, out, _ = newTestPrinter(FormatJSON)
	require.NoError(t, p.Restore(op))
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, float64(1234), decoded["canary_rows"])
}

func TestPrinter_Verification(t *testing.T) {
	rec := &sampleRecords()[0]
	result := &backup.VerificationResult{
		StructuralOK:    true,
		Entries:         12,
		ChecksumChecked: true,
		Expected:        "aaaaaaaaaaaaaaaa",
		Actual:          "bbbbbbbbbbbbbbbb",
		Detail:          "checksum mismatch",
	}

	p, out, errOut := newTestPrinter(FormatTable)
	require.NoError(t, p.Verification(rec, result))
	assert.Contains(t, out.String(), "mismatch (expected aaaaaaaaaaaa, got bbbbbbbbbbbb)")
	assert.NotContains(t, errOut.String(), "intact")

	result = &backup.VerificationResult{Valid: true, StructuralOK: true, Entries: 3, ChecksumChecked: true, ChecksumOK: true, Detail: "ok"}
	p, out, errOut = newTestPrinter(FormatTable)
	require.NoError(t, p.Verification(rec, result))
	assert.Contains(t, out.String(), "match")
	assert.Contains(t, errOut.String(), "is intact")
}

func TestPrinter_Rollback(t *testing.T) {
	plan := &backup.RollbackPlan{
		ID:          "rb-1",
		Target:      "orders",
		RecoveryRef: "backup_20240101_020000.sql.gz",
		Outcome:     backup.RollbackPartial,
		FailedStep:  backup.StepRestore,
		Steps: []*backup.RollbackStep{
			{Payload: &backup.ValidateRecoveryStep{Backup: "backup_20240101_020000.sql.gz"}, Status: backup.StepSucceeded, Detail: "checksum verified"},
			{Payload: &backup.RestoreStep{Backup: "backup_20240101_020000.sql.gz"}, Status: backup.StepFailed, Error: "mysql exited with status 1"},
			{Payload: &backup.PostVerifyStep{}, Status: backup.StepPending},
		},
	}

	p, out, errOut := newTestPrinter(FormatTable)
	require.NoError(t, p.Rollback(plan))
	assert.Contains(t, out.String(), "validate_recovery")
	assert.Contains(t, out.String(), "mysql exited with status 1")
	assert.Contains(t, out.String(), "PARTIAL")
	assert.Contains(t, errOut.String(), "at step restore")
}

func TestPrinter_Sweep(t *testing.T) {
	result := &backup.SweepResult{
		Examined: 3,
		Kept:     []string{"backup_20240107_020000.sql.gz"},
		Deleted:  []string{"backup_20231231_020000.sql.gz"},
		Failures: []backup.SweepFailure{{Name: "backup_20231230_020000.sql.gz", Error: "access denied"}},
		DryRun:   true,
		Window:   7 * 24 * time.Hour,
	}

	p, out, errOut := newTestPrinter(FormatTable)
	require.NoError(t, p.Sweep(result))
	assert.Contains(t, out.String(), "Would delete")
	assert.Contains(t, out.String(), "- backup_20231231_020000.sql.gz")
	assert.Contains(t, errOut.String(), "access denied")
}

func TestPrinter_Status(t *testing.T) {
	records := sampleRecords()
	report := &StatusReport{
		Usage: &backup.StorageUsage{
			Provider:   "local",
			Healthy:    true,
			Backups:    2,
			TotalSize:  1050624,
			Unverified: 1,
			Newest:     &records[0],
			Oldest:     &records[1],
			ByDatabase: map[string]*backup.DatabaseUsage{"orders": {Backups: 2, TotalSize: 1050624}},
		},
		RetentionDays: 7,
		Recent: []history.Entry{
			{Kind: history.KindBackup, Ref: records[0].Name, Target: "orders", Status: "succeeded", Started: reportNow.Add(-time.Hour), Finished: reportNow.Add(-time.Hour + time.Minute)},
		},
		GeneratedAt: reportNow,
	}

	p, out, _ := newTestPrinter(FormatTable)
	require.NoError(t, p.Status(report))
	text := out.String()
	assert.Contains(t, text, "healthy")
	assert.Contains(t, text, "7 days")
	assert.Contains(t, text, "orders")
	assert.Contains(t, text, "Recent activity")
	assert.Contains(t, text, "1m0s")

	p, out, _ = newTestPrinter(FormatJSON)
	require.NoError(t, p.Status(report))
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	assert.EqualValues(t, 7, decoded["retention_days"])
}

func TestPrinter_QuietSuppressesStatus(t *testing.T) {
	var out, errOut bytes.Buffer
	p := NewPrinter(Options{Quiet: true, Writer: &out, ErrWriter: &errOut})
	p.Info("hidden")
	p.Success("hidden")
	p.Error("shown")
	assert.NotContains(t, errOut.String(), "hidden")
	assert.Contains(t, errOut.String(), "[ERROR] shown")
}

func TestAge(t *testing.T) {
	assert.Equal(t, "unknown", Age(time.Time{}, reportNow))
	assert.Equal(t, "1 week ago", Age(reportNow.Add(-7*24*time.Hour), reportNow))
}
