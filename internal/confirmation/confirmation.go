// Package confirmation asks the operator to approve destructive actions
// such as overwriting or rolling back a database.
package confirmation

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"dbvault/internal/display"
	apperrors "dbvault/internal/errors"

	"github.com/mattn/go-isatty"
)

// Action describes the destructive operation awaiting approval
type Action struct {
	Title    string
	Fields   [][2]string
	Warnings []string
}

// Service prompts for confirmation
type Service struct {
	in          *bufio.Reader
	out         io.Writer
	colors      *display.ColorSystem
	interactive bool
}

// NewService creates a Service reading answers from in. When in is a
// file that is not a terminal the service refuses to prompt.
func NewService(in io.Reader, out io.Writer, colors *display.ColorSystem) *Service {
	interactive := true
	if f, ok := in.(*os.File); ok {
		interactive = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &Service{
		in:          bufio.NewReader(in),
		out:         out,
		colors:      colors,
		interactive: interactive,
	}
}

// Confirm shows action and waits for a yes or no. autoApprove skips the
// prompt. Cancelling ctx while waiting returns an interruption error.
func (s *Service) Confirm(ctx context.Context, action Action, autoApprove bool) (bool, error) {
	s.summarize(action)

	if autoApprove {
		fmt.Fprintln(s.out, s.colors.Colorize("Auto-approving.", s.colors.Theme().Success))
		return true, nil
	}
	if !s.interactive {
		return false, apperrors.NewAppError(apperrors.ErrorTypeValidation,
			"confirmation required but stdin is not a terminal; pass --yes to proceed", nil)
	}

	for {
		input, err := s.prompt(ctx)
		if err != nil {
			return false, err
		}
		switch strings.ToLower(input) {
		case "y", "yes":
			return true, nil
		case "n", "no", "":
			fmt.Fprintln(s.out, s.colors.Colorize("Operation cancelled.", s.colors.Theme().Warning))
			return false, nil
		default:
			fmt.Fprintf(s.out, "Invalid input '%s'. Please enter 'y' for yes or 'n' for no.\n", input)
		}
	}
}

func (s *Service) summarize(action Action) {
	theme := s.colors.Theme()
	fmt.Fprintln(s.out, s.colors.Colorize(action.Title, theme.Primary))
	fmt.Fprintln(s.out, strings.Repeat("=", len(action.Title)))
	for _, f := range action.Fields {
		fmt.Fprintf(s.out, "  %s %s\n", s.colors.Colorize(f[0]+":", theme.Muted), f[1])
	}
	if len(action.Warnings) > 0 {
		fmt.Fprintln(s.out)
		for i, w := range action.Warnings {
			fmt.Fprintf(s.out, "%d. %s\n", i+1, s.colors.Colorize(w, theme.Warning))
		}
	}
	fmt.Fprintln(s.out)
}

// prompt reads one answer, giving up when ctx is done
func (s *Service) prompt(ctx context.Context) (string, error) {
	fmt.Fprint(s.out, "Do you want to continue? [y/N]: ")

	type answer struct {
		text string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := s.in.ReadString('\n')
		if err == io.EOF && line != "" {
			err = nil
		}
		ch <- answer{text: strings.TrimSpace(line), err: err}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(s.out)
		return "", apperrors.NewAppError(apperrors.ErrorTypeInterruption, "Operation cancelled by user", ctx.Err())
	case a := <-ch:
		if a.err == io.EOF {
			return "", nil
		}
		if a.err != nil {
			return "", fmt.Errorf("failed to read user input: %w", a.err)
		}
		return a.text, nil
	}
}
