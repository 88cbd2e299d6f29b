// Package display provides terminal formatting for replyctl output.
package display

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	Muted    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6b7280"))
	Dim      = lipgloss.NewStyle().Foreground(lipgloss.Color("#9ca3af"))
	Bold     = lipgloss.NewStyle().Bold(true)
	Success  = lipgloss.NewStyle().Foreground(lipgloss.Color("#16a34a"))
	ErrStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#dc2626"))

	highStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#dc2626"))
	mediumStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#d97706"))
	lowStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6b7280"))
)

// SeverityDot returns a colored dot for an anomaly severity.
func SeverityDot(severity string) string {
	switch severity {
	case "critical", "high":
		return highStyle.Render("●")
	case "medium":
		return mediumStyle.Render("○")
	case "low":
		return lowStyle.Render("○")
	default:
		return Dim.Render("·")
	}
}

// StatusLabel returns a styled, fixed-width job or review status.
func StatusLabel(status string) string {
	label := fmt.Sprintf("%-16s", strings.ToUpper(status))
	switch status {
	case "verified", "resolved", "active":
		return Success.Render(label)
	case "dead", "failed", "token_expired", "error":
		return ErrStyle.Render(label)
	case "pending_review", "paused":
		return mediumStyle.Render(label)
	default:
		return Dim.Render(label)
	}
}

// Ago renders a duration since t in compact form.
func Ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
