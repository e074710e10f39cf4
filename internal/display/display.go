// Package display renders command results as tables, JSON or YAML.
package display

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// OutputFormat represents different output format options
type OutputFormat string

const (
	FormatTable OutputFormat = "table"
	FormatJSON  OutputFormat = "json"
	FormatYAML  OutputFormat = "yaml"
)

// ParseFormat validates a user-supplied format name
func ParseFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatTable, nil
	case FormatTable, FormatJSON, FormatYAML:
		return f, nil
	default:
		return "", fmt.Errorf("invalid output format '%s', must be one of: table, json, yaml", s)
	}
}

// Options configure a Printer
type Options struct {
	Format     OutputFormat
	Color      bool
	Theme      string
	TableStyle string
	MaxWidth   int
	Quiet      bool
	Writer     io.Writer
	ErrWriter  io.Writer
}

// Printer writes results and status messages
type Printer struct {
	opts   Options
	colors *ColorSystem
	out    io.Writer
	errOut io.Writer
}

// NewPrinter creates a Printer. Status messages go to ErrWriter so that
// structured output on Writer stays parseable.
func NewPrinter(opts Options) *Printer {
	if opts.Format == "" {
		opts.Format = FormatTable
	}
	if opts.Writer == nil {
		opts.Writer = os.Stdout
	}
	if opts.ErrWriter == nil {
		opts.ErrWriter = os.Stderr
	}
	return &Printer{
		opts:   opts,
		colors: NewColorSystem(GetThemeByName(opts.Theme), opts.Color),
		out:    opts.Writer,
		errOut: opts.ErrWriter,
	}
}

// Colors returns the printer's color system
func (p *Printer) Colors() *ColorSystem {
	return p.colors
}

// Format returns the output format
func (p *Printer) Format() OutputFormat {
	return p.opts.Format
}

// Structured reports whether output is JSON or YAML
func (p *Printer) Structured() bool {
	return p.opts.Format == FormatJSON || p.opts.Format == FormatYAML
}

// NewTable creates a table styled for this printer
func (p *Printer) NewTable() *Table {
	return NewTable(p.colors, BorderStyleByName(p.opts.TableStyle), p.opts.MaxWidth)
}

// PrintValue writes v as JSON or YAML
func (p *Printer) PrintValue(v interface{}) error {
	switch p.opts.Format {
	case FormatYAML:
		data, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal YAML: %w", err)
		}
		_, err = p.out.Write(data)
		return err
	default:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		_, err = fmt.Fprintln(p.out, string(data))
		return err
	}
}

// PrintHeader prints a section title
func (p *Printer) PrintHeader(title string) {
	if p.opts.Quiet || p.Structured() {
		return
	}
	fmt.Fprintln(p.out, p.colors.Colorize(title, p.colors.Theme().Primary))
	fmt.Fprintln(p.out, strings.Repeat("=", len(title)))
}

// PrintFields prints aligned key/value lines
func (p *Printer) PrintFields(fields [][2]string) {
	width := 0
	for _, f := range fields {
		if len(f[0]) > width {
			width = len(f[0])
		}
	}
	for _, f := range fields {
		label := fmt.Sprintf("%-*s", width+1, f[0]+":")
		fmt.Fprintf(p.out, "  %s %s\n", p.colors.Colorize(label, p.colors.Theme().Muted), f[1])
	}
}

// Success prints a success message
func (p *Printer) Success(message string) {
	p.status("OK", message, p.colors.Theme().Success)
}

// Warning prints a warning message
func (p *Printer) Warning(message string) {
	p.status("WARN", message, p.colors.Theme().Warning)
}

// Error prints an error message. Errors are printed even in quiet mode.
func (p *Printer) Error(message string) {
	prefix := p.colors.Colorize("[ERROR]", p.colors.Theme().Error)
	fmt.Fprintf(p.errOut, "%s %s\n", prefix, message)
}

// Info prints an informational message
func (p *Printer) Info(message string) {
	p.status("INFO", message, p.colors.Theme().Info)
}

func (p *Printer) status(level, message string, clr Color) {
	if p.opts.Quiet {
		return
	}
	prefix := p.colors.Colorize("["+level+"]", clr)
	fmt.Fprintf(p.errOut, "%s %s\n", prefix, message)
}
