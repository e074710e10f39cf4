package backup

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const backupTimeLayout = "20060102_150405"

var backupNamePattern = regexp.MustCompile(`^backup_(\d{8}_\d{6})\.([A-Za-z0-9.]+)$`)

// FormatBackupName returns backup_<UTC yyyyMMdd_HHMMSS>.<ext>
func FormatBackupName(t time.Time, ext string) string {
	return fmt.Sprintf("backup_%s.%s", t.UTC().Format(backupTimeLayout), strings.TrimPrefix(ext, "."))
}

// ParseBackupName extracts the creation time and extension from a backup name
func ParseBackupName(name string) (time.Time, string, error) {
	m := backupNamePattern.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, "", fmt.Errorf("%q does not follow the backup_<yyyyMMdd_HHMMSS>.<ext> convention", name)
	}
	created, err := time.ParseInLocation(backupTimeLayout, m[1], time.UTC)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("invalid timestamp in %q: %w", name, err)
	}
	return created, m[2], nil
}
