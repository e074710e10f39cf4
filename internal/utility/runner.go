// Package utility runs the native database dump and restore programs.
package utility

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	apperrors "dbvault/internal/errors"
	"dbvault/internal/logging"
)

const (
	// DefaultTimeout bounds a utility invocation when neither the command
	// nor the runner specify one.
	DefaultTimeout = time.Hour
	// stderrLimit is the size of the retained stderr tail
	stderrLimit = 64 * 1024
	// waitDelay is how long to wait for I/O to drain after the process is killed
	waitDelay = 5 * time.Second
)

// Command describes a single utility invocation
type Command struct {
	Name    string
	Args    []string
	Env     []string
	Stdin   io.Reader
	Stdout  io.Writer
	Timeout time.Duration
}

// Result holds details of a completed invocation
type Result struct {
	Duration time.Duration
	Stderr   string
}

// Runner executes external commands
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// ExecRunner runs commands with os/exec. Every invocation is bounded by a
// timeout; a timeout or a non-zero exit is returned as a UtilityError.
type ExecRunner struct {
	timeout time.Duration
	logger  *logging.Logger
}

// NewExecRunner creates a runner with the given default timeout
func NewExecRunner(timeout time.Duration, logger *logging.Logger) *ExecRunner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &ExecRunner{timeout: timeout, logger: logger}
}

// Run executes cmd and waits for it to finish
func (r *ExecRunner) Run(ctx context.Context, cmd Command) (*Result, error) {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := exec.CommandContext(runCtx, cmd.Name, cmd.Args...)
	c.Env = append(os.Environ(), cmd.Env...)
	c.Stdin = cmd.Stdin
	c.Stdout = cmd.Stdout
	if c.Stdout == nil {
		c.Stdout = io.Discard
	}
	stderr := newTailBuffer(stderrLimit)
	c.Stderr = stderr
	c.WaitDelay = waitDelay

	start := time.Now()
	err := c.Run()
	result := &Result{
		Duration: time.Since(start),
		Stderr:   stderr.String(),
	}

	if err != nil {
		err = r.toUtilityError(cmd, runCtx, ctx, err, result.Stderr)
	}
	r.logger.LogUtilityExecution(cmd.Name, cmd.Args, result.Duration, err)

	return result, err
}

func (r *ExecRunner) toUtilityError(cmd Command, runCtx, parent context.Context, err error, stderr string) error {
	uerr := &apperrors.UtilityError{
		Command:  cmd.Name,
		Args:     logging.RedactArgs(cmd.Args),
		ExitCode: -1,
		Stderr:   stderr,
		Err:      err,
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil:
		uerr.TimedOut = true
		uerr.Err = context.DeadlineExceeded
	case parent.Err() != nil:
		uerr.Err = parent.Err()
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			uerr.ExitCode = exitErr.ExitCode()
		}
	}

	return apperrors.NewUtilityExecutionError(uerr)
}

// tailBuffer keeps the last limit bytes written to it
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(p)
	if len(p) > t.limit {
		p = p[len(p)-t.limit:]
	}
	if over := t.buf.Len() + len(p) - t.limit; over > 0 {
		t.buf.Next(over)
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
