package backup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatBackupName(t *testing.T) {
	tests := []struct {
		name string
		at   time.Time
		ext  string
		want string
	}{
		{
			name: "utc time",
			at:   time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC),
			ext:  "sql.gz",
			want: "backup_20240101_020000.sql.gz",
		},
		{
			name: "local time is converted to utc",
			at:   time.Date(2024, 3, 10, 9, 30, 15, 0, time.FixedZone("UTC+2", 2*60*60)),
			ext:  "dump",
			want: "backup_20240310_073015.dump",
		},
		{
			name: "leading dot in extension",
			at:   time.Date(2023, 12, 31, 23, 59, 59, 0, time.UTC),
			ext:  ".sql.zst",
			want: "backup_20231231_235959.sql.zst",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatBackupName(tt.at, tt.ext))
		})
	}
}

func TestParseBackupName(t *testing.T) {
	created, ext, err := ParseBackupName("backup_20240101_020000.sql.gz")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC), created)
	assert.Equal(t, "sql.gz", ext)

	invalid := []string{
		"",
		"notes.txt",
		"backup_2024010_020000.sql.gz",
		"backup_20240101_020000",
		"backup_20241301_020000.dump",
		"prefix/backup_20240101_020000.dump",
	}
	for _, name := range invalid {
		t.Run(name, func(t *testing.T) {
			_, _, err := ParseBackupName(name)
			assert.Error(t, err)
		})
	}
}

func TestBackupNameRoundTrip(t *testing.T) {
	at := time.Date(2025, 6, 30, 14, 5, 9, 0, time.UTC)
	created, _, err := ParseBackupName(FormatBackupName(at, "dump"))
	require.NoError(t, err)
	assert.True(t, at.Equal(created))
}
