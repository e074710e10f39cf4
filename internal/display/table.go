package display

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/term"
)

// Alignment represents column alignment options
type Alignment int

const (
	AlignLeft Alignment = iota
	AlignRight
)

// BorderStyle defines table border characters. An empty Horizontal
// disables the frame.
type BorderStyle struct {
	Horizontal string
	Vertical   string
	Cross      string
}

// Border styles
var (
	ASCIIBorderStyle   = BorderStyle{Horizontal: "-", Vertical: "|", Cross: "+"}
	RoundedBorderStyle = BorderStyle{Horizontal: "─", Vertical: "│", Cross: "┼"}
	NoBorderStyle      = BorderStyle{}
)

// BorderStyleByName returns a border style by name, falling back to ASCII
func BorderStyleByName(name string) BorderStyle {
	switch name {
	case "rounded":
		return RoundedBorderStyle
	case "minimal", "none":
		return NoBorderStyle
	default:
		return ASCIIBorderStyle
	}
}

// Table renders rows as an aligned text table
type Table struct {
	headers    []string
	rows       [][]string
	alignments map[int]Alignment
	border     BorderStyle
	maxWidth   int
	colors     *ColorSystem
}

// NewTable creates a table. A maxWidth of zero uses the terminal width.
func NewTable(colors *ColorSystem, border BorderStyle, maxWidth int) *Table {
	if maxWidth <= 0 {
		maxWidth = terminalWidth()
	}
	return &Table{
		alignments: make(map[int]Alignment),
		border:     border,
		maxWidth:   maxWidth,
		colors:     colors,
	}
}

// SetHeaders sets the header row
func (t *Table) SetHeaders(headers ...string) *Table {
	t.headers = headers
	return t
}

// AddRow appends a row
func (t *Table) AddRow(cells ...string) *Table {
	t.rows = append(t.rows, cells)
	return t
}

// Align sets the alignment of column
func (t *Table) Align(column int, alignment Alignment) *Table {
	t.alignments[column] = alignment
	return t
}

// Len returns the number of data rows
func (t *Table) Len() int {
	return len(t.rows)
}

// Render returns the table text
func (t *Table) Render() string {
	widths := t.columnWidths()
	if len(widths) == 0 {
		return ""
	}

	var b strings.Builder
	rule := t.rule(widths)
	if rule != "" {
		b.WriteString(rule + "\n")
	}
	if len(t.headers) > 0 {
		b.WriteString(t.renderRow(t.headers, widths, true) + "\n")
		if rule != "" {
			b.WriteString(rule + "\n")
		}
	}
	for _, row := range t.rows {
		b.WriteString(t.renderRow(row, widths, false) + "\n")
	}
	if rule != "" && len(t.rows) > 0 {
		b.WriteString(rule + "\n")
	}
	return b.String()
}

// RenderTo writes the table to w
func (t *Table) RenderTo(w io.Writer) {
	fmt.Fprint(w, t.Render())
}

func (t *Table) columnWidths() []int {
	cols := len(t.headers)
	for _, row := range t.rows {
		if len(row) > cols {
			cols = len(row)
		}
	}
	widths := make([]int, cols)
	measure := func(row []string) {
		for i, cell := range row {
			if n := utf8.RuneCountInString(cell); n > widths[i] {
				widths[i] = n
			}
		}
	}
	measure(t.headers)
	for _, row := range t.rows {
		measure(row)
	}

	// Shrink the widest column until the table fits
	for t.totalWidth(widths) > t.maxWidth {
		widest := 0
		for i := range widths {
			if widths[i] > widths[widest] {
				widest = i
			}
		}
		if widths[widest] <= 8 {
			break
		}
		widths[widest]--
	}
	return widths
}

func (t *Table) totalWidth(widths []int) int {
	total := 0
	for _, w := range widths {
		total += w + 2
	}
	sep := utf8.RuneCountInString(t.border.Vertical)
	if sep == 0 {
		sep = 1
	}
	return total + sep*(len(widths)+1)
}

func (t *Table) rule(widths []int) string {
	if t.border.Horizontal == "" {
		return ""
	}
	parts := make([]string, len(widths))
	for i, w := range widths {
		parts[i] = strings.Repeat(t.border.Horizontal, w+2)
	}
	return t.border.Cross + strings.Join(parts, t.border.Cross) + t.border.Cross
}

func (t *Table) renderRow(row []string, widths []int, header bool) string {
	sep := t.border.Vertical
	if sep == "" {
		sep = " "
	}
	var b strings.Builder
	if t.border.Vertical != "" {
		b.WriteString(sep)
	}
	for i, w := range widths {
		cell := ""
		if i < len(row) {
			cell = row[i]
		}
		b.WriteString(" " + t.formatCell(cell, w, t.alignments[i], header) + " ")
		if t.border.Vertical != "" || i < len(widths)-1 {
			b.WriteString(sep)
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// formatCell pads before colorizing so escape codes do not skew widths
func (t *Table) formatCell(content string, width int, alignment Alignment, header bool) string {
	if utf8.RuneCountInString(content) > width {
		runes := []rune(content)
		if width > 3 {
			content = string(runes[:width-3]) + "..."
		} else {
			content = string(runes[:width])
		}
	}
	pad := strings.Repeat(" ", width-utf8.RuneCountInString(content))
	if header && t.colors != nil {
		content = t.colors.Colorize(content, t.colors.Theme().Primary)
	}
	if alignment == AlignRight {
		return pad + content
	}
	return content + pad
}

// terminalWidth returns the stdout width, or 120 when it is not a terminal
func terminalWidth() int {
	width, _, err := term.GetSize(1)
	if err != nil || width <= 0 {
		return 120
	}
	return width
}
