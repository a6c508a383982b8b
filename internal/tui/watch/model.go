// Package watch is the live client view behind `rayctl watch`.
package watch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/drewfead/raysession/internal/announce"
	"github.com/drewfead/raysession/internal/cli"
	"github.com/drewfead/raysession/internal/client"
	"github.com/drewfead/raysession/internal/control"
	"github.com/drewfead/raysession/internal/tui"
)

const maxLogLines = 200

// callTimeout bounds each control call made from the view.
const callTimeout = 5 * time.Second

// Controller is the part of control.Client the view uses.
type Controller interface {
	ListClients(ctx context.Context) ([]*control.ClientInfo, error)
	StartClient(ctx context.Context, id string) (*control.ClientInfo, error)
	StopClient(ctx context.Context, id string) (*control.ClientInfo, error)
	SaveClient(ctx context.Context, id string) (*control.ClientInfo, error)
	KillClient(ctx context.Context, id string) (*control.ClientInfo, error)
	Events() <-chan control.Event
}

// Model is the watch view.
type Model struct {
	ctl      Controller
	refresh  time.Duration
	clients  []*control.ClientInfo
	cursor   int
	log      []string
	spinner  spinner.Model
	viewport viewport.Model
	width    int
	height   int
	ready    bool
	err      error
	closed   bool
}

type (
	tickMsg    time.Time
	clientsMsg []*control.ClientInfo
	eventMsg   control.Event
	closedMsg  struct{}
	errMsg     error
	actionMsg  struct {
		verb string
		info *control.ClientInfo
		err  error
	}
)

// New creates a watch view polling the client list every refresh.
func New(ctl Controller, refresh time.Duration) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = tui.StyleAccent
	if refresh <= 0 {
		refresh = time.Second
	}
	return Model{ctl: ctl, refresh: refresh, spinner: sp}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetchClients, m.waitEvent, m.spinner.Tick, m.tick())
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.clients)-1 {
				m.cursor++
			}
		case "s":
			cmds = append(cmds, m.act("start"))
		case "x":
			cmds = append(cmds, m.act("stop"))
		case "w":
			cmds = append(cmds, m.act("save"))
		case "K":
			cmds = append(cmds, m.act("kill"))
		case "r":
			cmds = append(cmds, m.fetchClients)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		logHeight := m.logHeight()
		if !m.ready {
			m.viewport = viewport.New(msg.Width, logHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = logHeight
		}
		m.updateLog()

	case tickMsg:
		cmds = append(cmds, m.fetchClients, m.tick())

	case clientsMsg:
		m.clients = msg
		m.err = nil
		m.clampCursor()

	case eventMsg:
		m.applyEvent(control.Event(msg))
		cmds = append(cmds, m.waitEvent)

	case closedMsg:
		m.closed = true
		m.appendLog(tui.StyleError.Render("daemon connection closed"))

	case actionMsg:
		if msg.err != nil {
			m.appendLog(tui.StyleError.Render(fmt.Sprintf("%s: %v", msg.verb, msg.err)))
		} else if msg.info != nil {
			m.upsert(msg.info)
		}

	case errMsg:
		m.err = msg

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	if m.ready {
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		cmds = append(cmds, cmd)
	}
	return m, tea.Batch(cmds...)
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(tui.StyleTitle.Render("Ray Session"))
	b.WriteString("  ")
	b.WriteString(tui.StyleMuted.Render(fmt.Sprintf("%d clients", len(m.clients))))
	b.WriteString("\n\n")

	b.WriteString(m.renderClients())
	b.WriteString("\n")
	if m.err != nil {
		b.WriteString(tui.StyleError.Render(m.err.Error()))
		b.WriteString("\n")
	}

	if m.ready {
		b.WriteString(tui.StyleMuted.Render(strings.Repeat("─", max(m.width, 1))))
		b.WriteString("\n")
		b.WriteString(m.viewport.View())
		b.WriteString("\n")
	}
	b.WriteString(tui.StyleMuted.Render("[↑↓] select  [s] start  [x] stop  [w] save  [K] kill  [r] refresh  [q] quit"))
	return b.String()
}

func (m Model) renderClients() string {
	if len(m.clients) == 0 {
		return tui.StyleMuted.Render("No clients.") + "\n"
	}

	now := time.Now()
	var b strings.Builder
	b.WriteString(tui.StyleHeader.Render(fmt.Sprintf("     %-20s %-24s %-8s %-9s %s", "CLIENT", "STATUS", "PID", "UPTIME", "ACTIONS")))
	b.WriteString("\n")
	for i, c := range m.clients {
		icon := tui.StatusIcons[c.Status]
		if busy(c) {
			icon = " " + m.spinner.View() + "  "
		}
		pid := "-"
		if c.PID > 0 {
			pid = fmt.Sprint(c.PID)
		}
		row := fmt.Sprintf("%s %-20s %s %-8s %-9s %s",
			tui.StatusStyle(*c).Render(icon),
			c.ID,
			tui.StatusStyle(*c).Render(fmt.Sprintf("%-24s", cli.StatusLabel(*c))),
			pid,
			cli.Uptime(*c, now),
			cli.ActionList(c.Actions),
		)
		if i == m.cursor {
			row = tui.StyleSelected.Render(row)
		} else {
			row = tui.StyleNormal.Render(row)
		}
		b.WriteString(row)
		b.WriteString("\n")
	}
	return b.String()
}

func busy(c *control.ClientInfo) bool {
	return c.Saving || (c.Status != client.Stopped && c.Status != client.Ready)
}

func (m *Model) applyEvent(ev control.Event) {
	stamp := tui.StyleMuted.Render(ev.Time.Local().Format("15:04:05"))
	switch ev.Type {
	case control.EventClientStatus:
		var info control.ClientInfo
		if err := ev.Decode(&info); err != nil {
			return
		}
		if info.Removed {
			m.remove(info.ID)
			m.appendLog(fmt.Sprintf("%s %s removed", stamp, info.ID))
			return
		}
		m.upsert(&info)
		m.appendLog(fmt.Sprintf("%s %s %s", stamp, info.ID, tui.StatusStyle(info).Render(cli.StatusLabel(info))))

	case control.EventClientLaunchFailed:
		var p control.LaunchFailedPayload
		if ev.Decode(&p) == nil {
			m.appendLog(fmt.Sprintf("%s %s %s", stamp, p.ClientID, tui.StyleError.Render("launch failed: "+p.Error)))
		}

	case control.EventClientKillAllowed:
		var p control.KillAllowedPayload
		if ev.Decode(&p) == nil {
			m.appendLog(fmt.Sprintf("%s %s still running, kill allowed", stamp, p.ClientID))
		}

	case control.EventServerStatus:
		var p control.ServerStatusPayload
		if ev.Decode(&p) == nil {
			m.appendLog(fmt.Sprintf("%s session %s %s", stamp, p.Session, p.Status))
			if p.Status == announce.ServerOff {
				m.clients = nil
				m.cursor = 0
			}
		}
	}
}

func (m *Model) upsert(info *control.ClientInfo) {
	for i, c := range m.clients {
		if c.ID == info.ID {
			m.clients[i] = info
			return
		}
	}
	m.clients = append(m.clients, info)
	sort.Slice(m.clients, func(i, j int) bool { return m.clients[i].ID < m.clients[j].ID })
}

func (m *Model) remove(id string) {
	for i, c := range m.clients {
		if c.ID == id {
			m.clients = append(m.clients[:i], m.clients[i+1:]...)
			break
		}
	}
	m.clampCursor()
}

func (m *Model) clampCursor() {
	if m.cursor >= len(m.clients) {
		m.cursor = len(m.clients) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

func (m *Model) appendLog(line string) {
	m.log = append(m.log, line)
	if len(m.log) > maxLogLines {
		m.log = m.log[len(m.log)-maxLogLines:]
	}
	m.updateLog()
}

func (m *Model) updateLog() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(strings.Join(m.log, "\n"))
	m.viewport.GotoBottom()
}

func (m Model) logHeight() int {
	h := m.height - len(m.clients) - 7
	if h < 3 {
		h = 3
	}
	return h
}

func (m Model) selected() *control.ClientInfo {
	if m.cursor < 0 || m.cursor >= len(m.clients) {
		return nil
	}
	return m.clients[m.cursor]
}

func (m Model) act(verb string) tea.Cmd {
	c := m.selected()
	if c == nil || m.closed {
		return nil
	}
	id := c.ID
	ctl := m.ctl
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		defer cancel()

		var fn func(context.Context, string) (*control.ClientInfo, error)
		switch verb {
		case "start":
			fn = ctl.StartClient
		case "stop":
			fn = ctl.StopClient
		case "save":
			fn = ctl.SaveClient
		case "kill":
			fn = ctl.KillClient
		default:
			return nil
		}
		info, err := fn(ctx, id)
		return actionMsg{verb: verb, info: info, err: err}
	}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) fetchClients() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	clients, err := m.ctl.ListClients(ctx)
	if err != nil {
		return errMsg(err)
	}
	return clientsMsg(clients)
}

func (m Model) waitEvent() tea.Msg {
	ev, ok := <-m.ctl.Events()
	if !ok {
		return closedMsg{}
	}
	return eventMsg(ev)
}
