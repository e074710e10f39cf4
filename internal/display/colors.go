package display

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
)

// Color represents a terminal color role
type Color int

const (
	ColorReset Color = iota
	ColorRed
	ColorGreen
	ColorYellow
	ColorBlue
	ColorCyan
	ColorGray
	ColorBrightBlue
	ColorBrightRed
	ColorBrightGreen
	ColorBrightYellow
)

// ColorTheme maps message roles to colors
type ColorTheme struct {
	Primary Color
	Success Color
	Warning Color
	Error   Color
	Info    Color
	Muted   Color
}

// DarkColorTheme suits dark terminals
func DarkColorTheme() ColorTheme {
	return ColorTheme{
		Primary: ColorBrightBlue,
		Success: ColorBrightGreen,
		Warning: ColorBrightYellow,
		Error:   ColorBrightRed,
		Info:    ColorCyan,
		Muted:   ColorGray,
	}
}

// LightColorTheme suits light terminals
func LightColorTheme() ColorTheme {
	return ColorTheme{
		Primary: ColorBlue,
		Success: ColorGreen,
		Warning: ColorYellow,
		Error:   ColorRed,
		Info:    ColorCyan,
		Muted:   ColorGray,
	}
}

// GetThemeByName returns a theme by name, falling back to dark
func GetThemeByName(name string) ColorTheme {
	if name == "light" {
		return LightColorTheme()
	}
	return DarkColorTheme()
}

// ColorSystem applies colors when the terminal supports them
type ColorSystem struct {
	theme   ColorTheme
	enabled bool
	colors  map[Color]*color.Color
}

// NewColorSystem creates a color system. Colors are used only when enabled
// is true and stdout supports them.
func NewColorSystem(theme ColorTheme, enabled bool) *ColorSystem {
	cs := &ColorSystem{
		theme:   theme,
		enabled: enabled && detectColorSupport(),
		colors: map[Color]*color.Color{
			ColorReset:        color.New(color.Reset),
			ColorRed:          color.New(color.FgRed),
			ColorGreen:        color.New(color.FgGreen),
			ColorYellow:       color.New(color.FgYellow),
			ColorBlue:         color.New(color.FgBlue),
			ColorCyan:         color.New(color.FgCyan),
			ColorGray:         color.New(color.FgHiBlack),
			ColorBrightBlue:   color.New(color.FgHiBlue),
			ColorBrightRed:    color.New(color.FgHiRed),
			ColorBrightGreen:  color.New(color.FgHiGreen),
			ColorBrightYellow: color.New(color.FgHiYellow),
		},
	}
	for _, c := range cs.colors {
		if cs.enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return cs
}

// detectColorSupport checks stdout and the NO_COLOR / TERM environment
func detectColorSupport() bool {
	fd := os.Stdout.Fd()
	if !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd) {
		return false
	}
	if termenv.EnvNoColor() {
		return false
	}
	return termenv.EnvColorProfile() != termenv.Ascii
}

// Enabled reports whether output is colorized
func (cs *ColorSystem) Enabled() bool {
	return cs.enabled
}

// Theme returns the active theme
func (cs *ColorSystem) Theme() ColorTheme {
	return cs.theme
}

// Colorize applies clr to text
func (cs *ColorSystem) Colorize(text string, clr Color) string {
	if !cs.enabled {
		return text
	}
	if c, ok := cs.colors[clr]; ok {
		return c.Sprint(text)
	}
	return text
}

// Sprintf formats and colorizes
func (cs *ColorSystem) Sprintf(clr Color, format string, args ...interface{}) string {
	return cs.Colorize(fmt.Sprintf(format, args...), clr)
}
