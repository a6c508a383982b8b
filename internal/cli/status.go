package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/drewfead/raysession/internal/client"
	"github.com/drewfead/raysession/internal/control"
)

// Status glyphs.
const (
	GlyphStopped = "○"
	GlyphBusy    = "◐"
	GlyphReady   = "●"
	GlyphFailed  = "✗"
)

// StatusCode returns the color for a client status.
func StatusCode(info control.ClientInfo) string {
	switch {
	case info.Status == client.Ready && info.Saving:
		return Yellow
	case info.Status == client.Ready:
		return Green
	case info.Status == client.Stopped && info.EarlyExit:
		return Red
	case info.Status == client.Stopped:
		return Gray
	default:
		return Cyan
	}
}

// StatusGlyph returns the glyph for a client status.
func StatusGlyph(info control.ClientInfo) string {
	switch {
	case info.Status == client.Ready:
		return GlyphReady
	case info.Status == client.Stopped && info.EarlyExit:
		return GlyphFailed
	case info.Status == client.Stopped:
		return GlyphStopped
	default:
		return GlyphBusy
	}
}

// StatusLabel is the status word shown for a client, with the pending
// save and the early exit folded in.
func StatusLabel(info control.ClientInfo) string {
	label := info.Status.String()
	switch {
	case info.Saving:
		label += " (saving)"
	case info.Status == client.Stopped && info.EarlyExit:
		label = "failed"
	}
	if !info.Launchable {
		label += " (not launchable)"
	}
	return label
}

// ActionList names the enabled actions.
func ActionList(a client.Actions) string {
	var names []string
	for _, act := range []struct {
		on   bool
		name string
	}{
		{a.Start, "start"},
		{a.Stop, "stop"},
		{a.Save, "save"},
		{a.Kill, "kill"},
		{a.Remove, "remove"},
	} {
		if act.on {
			names = append(names, act.name)
		}
	}
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, ",")
}

// Uptime formats how long a client has been running.
func Uptime(info control.ClientInfo, now time.Time) string {
	if info.StartedAt == nil {
		return "-"
	}
	d := now.Sub(*info.StartedAt).Truncate(time.Second)
	if d < 0 {
		d = 0
	}
	return d.String()
}

// WriteClients prints a client table.
func WriteClients(w io.Writer, clients []*control.ClientInfo, now time.Time) {
	if len(clients) == 0 {
		fmt.Fprintln(w, GrayText("No clients."))
		return
	}

	idWidth := len("CLIENT")
	for _, c := range clients {
		if len(c.ID) > idWidth {
			idWidth = len(c.ID)
		}
	}

	fmt.Fprintf(w, "  %-*s  %-22s  %-7s  %-9s  %s\n", idWidth, "CLIENT", "STATUS", "PID", "UPTIME", "ACTIONS")
	for _, c := range clients {
		pid := "-"
		if c.PID > 0 {
			pid = fmt.Sprint(c.PID)
		}
		status := fmt.Sprintf("%-22s", StatusLabel(*c))
		code := StatusCode(*c)
		fmt.Fprintf(w, "%s %-*s  %s  %-7s  %-9s  %s\n",
			Styled(StatusGlyph(*c), code),
			idWidth, c.ID,
			Styled(status, code),
			pid,
			Uptime(*c, now),
			GrayText(ActionList(c.Actions)),
		)
		if c.Problem != "" {
			fmt.Fprintf(w, "  %s\n", RedText(c.Problem))
		}
	}
}

// WriteHistory prints a client's history, newest first.
func WriteHistory(w io.Writer, entries []*control.HistoryEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, GrayText("No history."))
		return
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s  %-13s %-8s", e.At.Local().Format("Jan 2 15:04:05"), e.Kind, e.Status)
		if e.Detail != "" {
			line += "  " + e.Detail
		}
		fmt.Fprintln(w, line)
	}
}
