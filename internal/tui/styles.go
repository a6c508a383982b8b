// Package tui provides the terminal user interface for rayctl.
package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/drewfead/raysession/internal/client"
	"github.com/drewfead/raysession/internal/control"
)

// Tokyo Night inspired color palette
var (
	ColorBg      = lipgloss.Color("#1a1b26")
	ColorBgAlt   = lipgloss.Color("#24283b")
	ColorFg      = lipgloss.Color("#c0caf5")
	ColorFgMuted = lipgloss.Color("#565f89")
	ColorReady   = lipgloss.Color("#9ece6a")
	ColorBusy    = lipgloss.Color("#7aa2f7")
	ColorFailed  = lipgloss.Color("#f7768e")
	ColorSaving  = lipgloss.Color("#e0af68")
	ColorAccent  = lipgloss.Color("#d4a373")
)

// StatusIcons maps client statuses to their row icon.
var StatusIcons = map[client.Status]string{
	client.Stopped: "▐▀▀▌",
	client.PreCopy: "▐░░▌",
	client.Copy:    "▐░░▌",
	client.Launch:  "▐▛▜▌",
	client.Open:    "▐▛▜▌",
	client.Switch:  "▐▛▜▌",
	client.Ready:   "▐██▌",
}

// StatusColor returns the color for a client row.
func StatusColor(info control.ClientInfo) lipgloss.Color {
	switch {
	case info.Status == client.Ready && info.Saving:
		return ColorSaving
	case info.Status == client.Ready:
		return ColorReady
	case info.Status == client.Stopped && info.EarlyExit:
		return ColorFailed
	case info.Status == client.Stopped:
		return ColorFgMuted
	default:
		return ColorBusy
	}
}

// Common styles
var (
	StyleTitle = lipgloss.NewStyle().
			Foreground(ColorFg).
			Bold(true)

	StyleHeader = lipgloss.NewStyle().
			Foreground(ColorFgMuted).
			Bold(true)

	StyleSelected = lipgloss.NewStyle().
			Background(ColorBgAlt).
			Foreground(ColorFg)

	StyleNormal = lipgloss.NewStyle().
			Foreground(ColorFg)

	StyleMuted = lipgloss.NewStyle().
			Foreground(ColorFgMuted)

	StyleAccent = lipgloss.NewStyle().
			Foreground(ColorAccent)

	StyleError = lipgloss.NewStyle().
			Foreground(ColorFailed)
)

// StatusStyle returns the style for a client row's status text.
func StatusStyle(info control.ClientInfo) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(StatusColor(info))
}
