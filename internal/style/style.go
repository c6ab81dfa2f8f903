// Package style provides consistent terminal styling using Lipgloss.
package style

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
)

// Base styles.
var (
	Bold    = lipgloss.NewStyle().Bold(true)
	Dim     = lipgloss.NewStyle().Faint(true)
	Success = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	Warning = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	Error   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

// Status glyphs for check output.
const (
	GlyphOK   = "✓"
	GlyphWarn = "!"
	GlyphFail = "✗"
)

// PrintSuccess prints a green check line.
func PrintSuccess(format string, args ...any) {
	fmt.Printf("%s %s\n", Success.Render(GlyphOK), fmt.Sprintf(format, args...))
}

// PrintWarning prints a yellow warning line to stderr.
func PrintWarning(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", Warning.Render(GlyphWarn), fmt.Sprintf(format, args...))
}

// PrintError prints a red failure line to stderr.
func PrintError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", Error.Render(GlyphFail), fmt.Sprintf(format, args...))
}

// Check renders a single doctor-style check line.
func Check(ok bool, label, detail string) string {
	glyph := Success.Render(GlyphOK)
	if !ok {
		glyph = Error.Render(GlyphFail)
	}
	line := fmt.Sprintf("%s %s", glyph, label)
	if detail != "" {
		line += " " + Dim.Render(detail)
	}
	return line
}
