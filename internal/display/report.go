package display

import (
	"fmt"
	"strconv"
	"time"

	"dbvault/internal/backup"
	"dbvault/internal/history"

	"github.com/dustin/go-humanize"
)

// Size renders a byte count
func Size(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}

// Age renders how long ago t was relative to now
func Age(t, now time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}

func shortChecksum(sum string) string {
	if sum == "" {
		return "(none)"
	}
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}

// Backups prints the catalog listing
func (p *Printer) Backups(records []backup.BackupRecord, now time.Time) error {
	if p.Structured() {
		if records == nil {
			records = []backup.BackupRecord{}
		}
		return p.PrintValue(records)
	}
	if len(records) == 0 {
		p.Info("No backups found")
		return nil
	}

	table := p.NewTable().SetHeaders("NAME", "CREATED", "AGE", "SIZE", "DATABASE", "KIND", "CHECKSUM")
	table.Align(3, AlignRight)
	for _, rec := range records {
		table.AddRow(rec.Name, timestamp(rec.Created), Age(rec.Created, now), Size(rec.Size),
			rec.Database, string(rec.Kind), shortChecksum(rec.Checksum))
	}
	table.RenderTo(p.out)
	fmt.Fprintf(p.out, "%d backup(s)\n", len(records))
	return nil
}

// Backup prints a newly created backup
func (p *Printer) Backup(rec *backup.BackupRecord) error {
	if p.Structured() {
		return p.PrintValue(rec)
	}
	p.Success(fmt.Sprintf("Backup %s created", rec.Name))
	p.PrintFields([][2]string{
		{"Database", rec.Database},
		{"Engine", rec.Engine},
		{"Size", Size(rec.Size)},
		{"Checksum", rec.Checksum},
		{"Created", timestamp(rec.Created)},
	})
	return nil
}

// Restore prints a restore operation
func (p *Printer) Restore(op *backup.RestoreOperation) error {
	if p.Structured() {
		return p.PrintValue(op)
	}
	p.printRestore(op)
	return nil
}

func (p *Printer) printRestore(op *backup.RestoreOperation) {
	fields := [][2]string{
		{"Operation", op.ID},
		{"Backup", op.BackupRef},
		{"Target", op.Target},
		{"Status", p.restoreStatus(op.Status)},
		{"Duration", op.Duration().Round(time.Millisecond).String()},
	}
	if op.Verification != nil {
		fields = append(fields, [2]string{"Verification", op.Verification.Detail})
	}
	if op.VerificationSkipped {
		fields = append(fields, [2]string{"Verification", "skipped"})
	}
	if op.Succeeded() {
		fields = append(fields, [2]string{"Tables", strconv.FormatInt(op.SmokeCount, 10)})
		if op.CanaryRows != nil {
			fields = append(fields, [2]string{"Canary rows", strconv.FormatInt(*op.CanaryRows, 10)})
		}
	} else {
		fields = append(fields, [2]string{"Failed phase", string(op.FailedPhase)}, [2]string{"Error", op.Error})
	}
	p.PrintFields(fields)
}

// GuardedRestore prints a rollback-guarded restore
func (p *Printer) GuardedRestore(result *backup.GuardedRestoreResult) error {
	if p.Structured() {
		return p.PrintValue(result)
	}
	p.printRestore(result.Restore)
	if result.Snapshot != nil {
		p.PrintFields([][2]string{{"Safety snapshot", result.Snapshot.Name}})
	}
	switch {
	case result.Reverted:
		p.Warning(fmt.Sprintf("Target %s was reverted to %s", result.Restore.Target, result.Snapshot.Name))
	case result.RevertErr != "":
		p.Error(fmt.Sprintf("Reverting %s failed: %s", result.Restore.Target, result.RevertErr))
	}
	return nil
}

func (p *Printer) restoreStatus(s backup.RestoreStatus) string {
	switch s {
	case backup.StatusSucceeded:
		return p.colors.Colorize(string(s), p.colors.Theme().Success)
	case backup.StatusFailed:
		return p.colors.Colorize(string(s), p.colors.Theme().Error)
	}
	return string(s)
}

// VerificationReport is the structured form of a verify result
type VerificationReport struct {
	Backup *backup.BackupRecord       `json:"backup" yaml:"backup"`
	Result *backup.VerificationResult `json:"result" yaml:"result"`
}

// Verification prints a verify result
func (p *Printer) Verification(rec *backup.BackupRecord, result *backup.VerificationResult) error {
	if p.Structured() {
		return p.PrintValue(VerificationReport{Backup: rec, Result: result})
	}
	if result == nil {
		return nil
	}
	structural := "ok"
	if !result.StructuralOK {
		structural = "failed"
	}
	checksum := "not checked"
	switch {
	case result.ChecksumOK:
		checksum = "match"
	case result.ChecksumChecked:
		checksum = fmt.Sprintf("mismatch (expected %s, got %s)", shortChecksum(result.Expected), shortChecksum(result.Actual))
	}
	p.PrintFields([][2]string{
		{"Backup", rec.Name},
		{"Structure", structural},
		{"Entries", strconv.Itoa(result.Entries)},
		{"Checksum", checksum},
		{"Detail", result.Detail},
	})
	if result.Valid {
		p.Success(fmt.Sprintf("Backup %s is intact", rec.Name))
	}
	return nil
}

// Rollback prints a rollback plan and its step outcomes
func (p *Printer) Rollback(plan *backup.RollbackPlan) error {
	if p.Structured() {
		return p.PrintValue(plan)
	}
	p.PrintFields([][2]string{
		{"Rollback", plan.ID},
		{"Target", plan.Target},
		{"Recovery backup", plan.RecoveryRef},
		{"Pre-snapshot", plan.PreSnapshotRef},
		{"Outcome", string(plan.Outcome)},
	})

	table := p.NewTable().SetHeaders("STEP", "STATUS", "DETAIL")
	for _, step := range plan.Steps {
		detail := step.Detail
		if step.Error != "" {
			detail = step.Error
		}
		status := string(step.Status)
		if step.Status == backup.StepFailed {
			status = p.colors.Colorize(status, p.colors.Theme().Error)
		}
		table.AddRow(string(step.Kind()), status, detail)
	}
	table.RenderTo(p.out)
	if plan.FailedStep != "" {
		p.Error(fmt.Sprintf("Rollback %s at step %s", plan.Outcome, plan.FailedStep))
	}
	return nil
}

// Sweep prints a retention sweep result
func (p *Printer) Sweep(result *backup.SweepResult) error {
	if p.Structured() {
		return p.PrintValue(result)
	}
	verb := "Deleted"
	if result.DryRun {
		verb = "Would delete"
	}
	p.PrintFields([][2]string{
		{"Window", result.Window.String()},
		{"Examined", strconv.Itoa(result.Examined)},
		{"Kept", strconv.Itoa(len(result.Kept))},
		{verb, strconv.Itoa(len(result.Deleted))},
		{"Failures", strconv.Itoa(len(result.Failures))},
	})
	for _, name := range result.Deleted {
		fmt.Fprintf(p.out, "  - %s\n", name)
	}
	for _, f := range result.Failures {
		p.Warning(fmt.Sprintf("%s: %s", f.Name, f.Error))
	}
	return nil
}

// StatusReport summarizes the catalog and recent activity
type StatusReport struct {
	Usage         *backup.StorageUsage `json:"storage" yaml:"storage"`
	RetentionDays int                  `json:"retention_days" yaml:"retention_days"`
	Recent        []history.Entry      `json:"recent,omitempty" yaml:"recent,omitempty"`
	GeneratedAt   time.Time            `json:"generated_at" yaml:"generated_at"`
}

// Status prints a status report
func (p *Printer) Status(report *StatusReport) error {
	if p.Structured() {
		return p.PrintValue(report)
	}
	u := report.Usage
	p.PrintHeader("Storage")
	health := p.colors.Colorize("healthy", p.colors.Theme().Success)
	if !u.Healthy {
		health = p.colors.Colorize("unreachable: "+u.HealthError, p.colors.Theme().Error)
	}
	fields := [][2]string{
		{"Provider", u.Provider},
		{"Health", health},
		{"Backups", strconv.Itoa(u.Backups)},
		{"Total size", Size(u.TotalSize)},
		{"Without checksum", strconv.Itoa(u.Unverified)},
		{"Retention", fmt.Sprintf("%d days", report.RetentionDays)},
	}
	if u.Newest != nil {
		fields = append(fields, [2]string{"Newest", fmt.Sprintf("%s (%s)", u.Newest.Name, Age(u.Newest.Created, report.GeneratedAt))})
	}
	if u.Oldest != nil {
		fields = append(fields, [2]string{"Oldest", fmt.Sprintf("%s (%s)", u.Oldest.Name, Age(u.Oldest.Created, report.GeneratedAt))})
	}
	p.PrintFields(fields)

	if names := u.DatabaseNames(); len(names) > 0 {
		fmt.Fprintln(p.out)
		table := p.NewTable().SetHeaders("DATABASE", "BACKUPS", "SIZE")
		table.Align(1, AlignRight).Align(2, AlignRight)
		for _, name := range names {
			du := u.ByDatabase[name]
			table.AddRow(name, strconv.Itoa(du.Backups), Size(du.TotalSize))
		}
		table.RenderTo(p.out)
	}

	if len(report.Recent) > 0 {
		fmt.Fprintln(p.out)
		p.PrintHeader("Recent activity")
		table := p.NewTable().SetHeaders("WHEN", "KIND", "REF", "TARGET", "STATUS", "DURATION")
		for _, e := range report.Recent {
			table.AddRow(Age(e.Started, report.GeneratedAt), e.Kind, e.Ref, e.Target, e.Status,
				e.Duration().Round(time.Millisecond).String())
		}
		table.RenderTo(p.out)
	}
	return nil
}
