package cli

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/term"
)

var (
	colorSuccess = lipgloss.Color("#00D787")
	colorError   = lipgloss.Color("#FF5F87")
	colorInfo    = lipgloss.Color("#5FAFFF")
	colorMuted   = lipgloss.Color("#888888")
)

var (
	styleSuccess = lipgloss.NewStyle().Foreground(colorSuccess).Bold(true)
	styleError   = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	styleMuted   = lipgloss.NewStyle().Foreground(colorMuted)
	styleTitle   = lipgloss.NewStyle().Foreground(colorInfo).Bold(true)
	styleBold    = lipgloss.NewStyle().Bold(true)
)

// terminalWidth returns the width of stdout, or 80 when it is not a terminal.
func terminalWidth() int {
	width, _, err := term.GetSize(os.Stdout.Fd())
	if err != nil || width <= 0 {
		return 80
	}
	return width
}

func boxStyle(border lipgloss.Color) lipgloss.Style {
	return lipgloss.NewStyle().
		Border(lipgloss.NormalBorder()).
		BorderForeground(border).
		Padding(0, 1).
		Width(terminalWidth() - 2)
}

func successBox() lipgloss.Style { return boxStyle(colorSuccess) }
func errorBox() lipgloss.Style   { return boxStyle(colorError) }
