// Package cli provides the terminal output helpers used by rayctl.
package cli

import (
	"os"

	"golang.org/x/term"
)

// ANSI codes.
const (
	Reset = "\033[0m"
	Bold  = "\033[1m"
	Dim   = "\033[2m"

	Red     = "\033[31m"
	Green   = "\033[32m"
	Yellow  = "\033[33m"
	Blue    = "\033[34m"
	Magenta = "\033[35m"
	Cyan    = "\033[36m"
	Gray    = "\033[90m"
)

var colorsEnabled *bool

// ColorsEnabled reports whether stdout is a terminal and NO_COLOR is unset.
func ColorsEnabled() bool {
	if colorsEnabled != nil {
		return *colorsEnabled
	}
	enabled := term.IsTerminal(int(os.Stdout.Fd())) && os.Getenv("NO_COLOR") == ""
	colorsEnabled = &enabled
	return enabled
}

// ForceColors overrides terminal detection.
func ForceColors(enabled bool) {
	colorsEnabled = &enabled
}

// Styled wraps text with code and a reset when colors are enabled.
func Styled(text, code string) string {
	if !ColorsEnabled() || code == "" {
		return text
	}
	return code + text + Reset
}

func Bolden(text string) string    { return Styled(text, Bold) }
func Dimmed(text string) string    { return Styled(text, Dim) }
func RedText(text string) string   { return Styled(text, Red) }
func GreenText(text string) string { return Styled(text, Green) }
func GrayText(text string) string  { return Styled(text, Gray) }
func BoldCyan(text string) string  { return Styled(text, Bold+Cyan) }

// TermWidth returns the width of stdout, or fallback when it is not a
// terminal.
func TermWidth(fallback int) int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return fallback
	}
	return w
}
