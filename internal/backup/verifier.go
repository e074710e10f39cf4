package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"dbvault/internal/engine"
	apperrors "dbvault/internal/errors"
	"dbvault/internal/logging"

	"github.com/juju/clock"
)

// Verification results reported to metrics
const (
	VerificationSuccess      = "success"
	VerificationFailure      = "failure"
	VerificationUnverifiable = "unverifiable"
)

// VerificationResult is the outcome of Verify. Valid is true only when
// both the structural check and the checksum comparison passed.
type VerificationResult struct {
	Valid           bool   `json:"valid" yaml:"valid"`
	StructuralOK    bool   `json:"structural_ok" yaml:"structural_ok"`
	Entries         int    `json:"entries" yaml:"entries"`
	ChecksumChecked bool   `json:"checksum_checked" yaml:"checksum_checked"`
	ChecksumOK      bool   `json:"checksum_ok" yaml:"checksum_ok"`
	Unverifiable    bool   `json:"unverifiable" yaml:"unverifiable"`
	Expected        string `json:"expected,omitempty" yaml:"expected,omitempty"`
	Actual          string `json:"actual,omitempty" yaml:"actual,omitempty"`
	Detail          string `json:"detail" yaml:"detail"`
}

// ChecksumFile returns the hex SHA-256 digest of the file at path
func ChecksumFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	return ChecksumReader(file)
}

// ChecksumReader returns the hex SHA-256 digest of everything read from r
func ChecksumReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verifier checks a downloaded artifact in two phases, cheapest first: a
// structural listing through the engine's restore utility, then a full
// checksum recomputation. A structural failure short-circuits the checksum.
type Verifier struct {
	engine  engine.Engine
	metrics MetricsRecorder
	logger  *logging.Logger
	clock   clock.Clock
}

// NewVerifier creates a verifier for artifacts produced by eng
func NewVerifier(eng engine.Engine, metrics MetricsRecorder, logger *logging.Logger) *Verifier {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Verifier{engine: eng, metrics: safeMetrics(metrics, logger), logger: logger, clock: clock.WallClock}
}

// WithClock sets the clock used to time verifications
func (v *Verifier) WithClock(clk clock.Clock) *Verifier {
	if clk != nil {
		v.clock = clk
	}
	return v
}

// Verify checks artifact against expected. It returns the result together
// with a typed error when verification did not pass: structural_corruption,
// checksum_mismatch, or unverifiable when expected is empty. Failures to run
// the check at all (missing binary, timeout, cancellation) are returned as
// they are.
func (v *Verifier) Verify(ctx context.Context, artifact, expected string) (*VerificationResult, error) {
	start := v.clock.Now()
	result, err := v.verify(ctx, artifact, expected)

	outcome := VerificationFailure
	switch {
	case result != nil && result.Valid:
		outcome = VerificationSuccess
	case result != nil && result.Unverifiable:
		outcome = VerificationUnverifiable
	}
	v.metrics.VerificationCompleted(outcome, v.clock.Now().Sub(start))

	entry := v.logger.WithContext(ctx).WithField("artifact", artifact).WithField("result", outcome)
	if err != nil {
		entry.WithError(err).Warn("Backup verification did not pass")
	} else {
		entry.Info("Backup verified")
	}
	return result, err
}

func (v *Verifier) verify(ctx context.Context, artifact, expected string) (*VerificationResult, error) {
	result := &VerificationResult{Expected: expected}
	name := filepath.Base(artifact)

	contents, err := v.engine.ListContents(ctx, artifact)
	if err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if isStructuralFailure(err) {
			result.Detail = fmt.Sprintf("structural check failed: %v", err)
			if apperrors.IsType(err, apperrors.ErrorTypeStructuralCorruption) {
				return result, err
			}
			return result, apperrors.NewStructuralCorruptionError(name, err)
		}
		result.Detail = fmt.Sprintf("structural check could not run: %v", err)
		return result, err
	}
	result.StructuralOK = true
	result.Entries = contents.Entries

	if expected == "" {
		result.Unverifiable = true
		result.Detail = "no checksum recorded; integrity cannot be confirmed"
		return result, apperrors.NewUnverifiableError(name)
	}

	actual, err := ChecksumFile(artifact)
	if err != nil {
		result.Detail = fmt.Sprintf("checksum could not be computed: %v", err)
		return result, fmt.Errorf("failed to checksum %s: %w", name, err)
	}
	result.ChecksumChecked = true
	result.Actual = actual

	if !strings.EqualFold(actual, expected) {
		result.Detail = "checksum mismatch"
		return result, apperrors.NewChecksumMismatchError(name, expected, actual)
	}

	result.ChecksumOK = true
	result.Valid = true
	result.Detail = fmt.Sprintf("%d table of contents entries, checksum matches", contents.Entries)
	return result, nil
}

// isStructuralFailure reports whether err is a conclusive verdict on the
// artifact rather than a failure to run the check. A listing utility that
// ran and exited non-zero has judged the artifact corrupt.
func isStructuralFailure(err error) bool {
	if apperrors.IsType(err, apperrors.ErrorTypeStructuralCorruption) {
		return true
	}
	var utilErr *apperrors.UtilityError
	if errors.As(err, &utilErr) {
		return !utilErr.TimedOut && utilErr.ExitCode > 0
	}
	return false
}
