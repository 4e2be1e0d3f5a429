// Package ui provides terminal rendering helpers for drift command
// output. Styling degrades to plain text when the terminal reports no
// color support or NO_COLOR is set.
package ui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	titleStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
)

// colorEnabled reports whether the output terminal supports color.
func colorEnabled() bool {
	return termenv.EnvColorProfile() != termenv.Ascii
}

func render(style lipgloss.Style, s string) string {
	if !colorEnabled() {
		return s
	}
	return style.Render(s)
}

// RenderPass styles a success marker.
func RenderPass(s string) string { return render(passStyle, s) }

// RenderFail styles a failure marker.
func RenderFail(s string) string { return render(failStyle, s) }

// RenderWarn styles a warning marker.
func RenderWarn(s string) string { return render(warnStyle, s) }

// RenderAccent highlights an identifier or value.
func RenderAccent(s string) string { return render(accentStyle, s) }

// RenderMuted de-emphasizes secondary detail.
func RenderMuted(s string) string { return render(mutedStyle, s) }

// RenderTitle styles a section heading.
func RenderTitle(s string) string { return render(titleStyle, s) }
