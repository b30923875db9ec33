package cmd

import (
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#8BC34A"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#8BC34A"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#E57373"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#8A8F98"))
	commandStyle = lipgloss.NewStyle().Bold(true)
)

func success(format string) string { return okStyle.Render("✓ ") + format }

func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func exitLabel(code int) string {
	switch {
	case code == 0:
		return okStyle.Render("0")
	case code < 0:
		return dimStyle.Render("?")
	default:
		return errStyle.Render(strconv.Itoa(code))
	}
}
