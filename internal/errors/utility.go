package errors

import (
	"fmt"
	"strings"
)

// UtilityError describes a failed invocation of an external dump or restore
// utility. Stderr holds the captured tail of the process's error stream.
type UtilityError struct {
	Command  string
	Args     []string
	ExitCode int
	Stderr   string
	TimedOut bool
	Err      error
}

// Error implements the error interface
func (e *UtilityError) Error() string {
	var b strings.Builder
	if e.TimedOut {
		fmt.Fprintf(&b, "%s timed out", e.Command)
	} else {
		fmt.Fprintf(&b, "%s failed with exit code %d", e.Command, e.ExitCode)
	}
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		fmt.Fprintf(&b, ": %s", lastLine(stderr))
	}
	return b.String()
}

// Unwrap returns the underlying process error
func (e *UtilityError) Unwrap() error {
	return e.Err
}

func lastLine(s string) string {
	if idx := strings.LastIndexByte(s, '\n'); idx >= 0 {
		return s[idx+1:]
	}
	return s
}
