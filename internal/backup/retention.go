package backup

import (
	"context"
	"fmt"
	"time"

	apperrors "dbvault/internal/errors"
)

// SweepFailure records one entry the sweeper could not process
type SweepFailure struct {
	Name  string `json:"name" yaml:"name"`
	Error string `json:"error" yaml:"error"`
}

// SweepResult summarizes one retention pass
type SweepResult struct {
	Examined  int            `json:"examined" yaml:"examined"`
	Kept      []string       `json:"kept" yaml:"kept"`
	Deleted   []string       `json:"deleted" yaml:"deleted"`
	Failures  []SweepFailure `json:"failures,omitempty" yaml:"failures,omitempty"`
	DryRun    bool           `json:"dry_run" yaml:"dry_run"`
	Window    time.Duration  `json:"window" yaml:"window"`
	StartedAt time.Time      `json:"started_at" yaml:"started_at"`
}

// Sweeper deletes backups older than the retention window. A backup whose
// age equals the window exactly is kept.
type Sweeper struct {
	deps   Deps
	window time.Duration
	dryRun bool
}

// NewSweeper creates a sweeper keeping backups for days days
func NewSweeper(deps Deps, days int) *Sweeper {
	if days <= 0 {
		days = 7
	}
	return &Sweeper{
		deps:   deps.withDefaults(),
		window: time.Duration(days) * 24 * time.Hour,
	}
}

// WithDryRun returns a copy of s that reports deletions without making them
func (s *Sweeper) WithDryRun(dryRun bool) *Sweeper {
	cp := *s
	cp.dryRun = dryRun
	return &cp
}

// Window returns the retention window
func (s *Sweeper) Window() time.Duration {
	return s.window
}

// Expired reports whether a backup created at created is past the window
func (s *Sweeper) Expired(created, now time.Time) bool {
	return now.Sub(created) > s.window
}

// Sweep makes one best-effort pass over the catalog. Only a failure to
// list the catalog aborts the pass; per-entry problems are recorded in
// the result and the pass moves on.
func (s *Sweeper) Sweep(ctx context.Context) (*SweepResult, error) {
	d := s.deps
	now := d.Clock.Now()
	result := &SweepResult{DryRun: s.dryRun, Window: s.window, StartedAt: now}

	done := d.Logger.LogOperationStart("sweep", map[string]interface{}{
		"window":  s.window.String(),
		"dry_run": s.dryRun,
	})

	entries, err := d.Catalog.Entries(ctx)
	if err != nil {
		done(err)
		return nil, err
	}

	var newest time.Time
	for _, rec := range entries {
		if ctx.Err() != nil {
			done(ctx.Err())
			return result, ctx.Err()
		}
		result.Examined++

		created, err := s.createdAt(ctx, rec)
		if err != nil {
			s.recordFailure(result, rec.Name, err)
			continue
		}

		if !s.Expired(created, now) {
			result.Kept = append(result.Kept, rec.Name)
			if created.After(newest) {
				newest = created
			}
			continue
		}

		if s.dryRun {
			d.Logger.WithField("backup", rec.Name).Info("Would delete expired backup")
			result.Deleted = append(result.Deleted, rec.Name)
			continue
		}

		err = d.Catalog.Delete(ctx, rec.Name)
		d.Audit.LogBackupDeletion(ctx, rec.Name, "retention", err)
		if err != nil {
			s.recordFailure(result, rec.Name, err)
			continue
		}
		d.Logger.WithField("backup", rec.Name).WithField("age", now.Sub(created).String()).Info("Deleted expired backup")
		result.Deleted = append(result.Deleted, rec.Name)
	}

	if !newest.IsZero() {
		d.Metrics.ObserveBackupAge(now.Sub(newest))
	}

	d.Logger.WithFields(map[string]interface{}{
		"examined": result.Examined,
		"kept":     len(result.Kept),
		"deleted":  len(result.Deleted),
		"failures": len(result.Failures),
	}).Info("Retention sweep finished")
	done(nil)
	return result, nil
}

// createdAt resolves the creation time of rec, falling back to the stored
// metadata when neither the name nor the listing carried it
func (s *Sweeper) createdAt(ctx context.Context, rec BackupRecord) (time.Time, error) {
	if !rec.Created.IsZero() {
		return rec.Created, nil
	}
	full, err := s.deps.Catalog.Get(ctx, rec.Name)
	if err != nil {
		return time.Time{}, err
	}
	if full.Created.IsZero() {
		return time.Time{}, apperrors.NewAppError(apperrors.ErrorTypeValidation,
			fmt.Sprintf("cannot determine creation time of %s", rec.Name), nil)
	}
	return full.Created, nil
}

func (s *Sweeper) recordFailure(result *SweepResult, name string, err error) {
	s.deps.Logger.WithField("backup", name).WithError(err).Warn("Retention sweep skipped entry")
	result.Failures = append(result.Failures, SweepFailure{Name: name, Error: apperrors.FormatUserError(err)})
}

// Run sweeps immediately and then every interval until ctx ends. A failed
// pass is logged and retried at the next interval.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration, onResult func(*SweepResult)) error {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	for {
		result, err := s.Sweep(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.deps.Logger.WithError(err).Error("Retention sweep failed")
		} else if onResult != nil {
			onResult(result)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.deps.Clock.After(interval):
		}
	}
}
