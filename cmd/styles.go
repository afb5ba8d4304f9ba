package cmd

import "github.com/charmbracelet/lipgloss"

var (
	accent = lipgloss.Color("#14B8A6")
	green  = lipgloss.Color("#22C55E")
	yellow = lipgloss.Color("#F59E0B")
	red    = lipgloss.Color("#EF4444")
	slate  = lipgloss.Color("#94A3B8")

	successStyle = lipgloss.NewStyle().Bold(true).Foreground(green)
	warnStyle    = lipgloss.NewStyle().Bold(true).Foreground(yellow)
	failStyle    = lipgloss.NewStyle().Bold(true).Foreground(red)
	dimStyle     = lipgloss.NewStyle().Foreground(slate)
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(accent)
)
