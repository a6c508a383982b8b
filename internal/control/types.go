package control

import (
	"time"

	"github.com/drewfead/raysession/internal/announce"
	"github.com/drewfead/raysession/internal/client"
	"github.com/drewfead/raysession/internal/signals"
)

// Methods.
const (
	MethodAnnounce      = "announce"
	MethodDisannounce   = "disannounce"
	MethodSetNsmLocked  = "set_nsm_locked"
	MethodOpenSession   = "open_session"
	MethodCloseSession  = "close_session"
	MethodSaveSession   = "save_session"
	MethodAddProxy      = "add_proxy"
	MethodListClients   = "list_clients"
	MethodStartClient   = "start_client"
	MethodStopClient    = "stop_client"
	MethodSaveClient    = "save_client"
	MethodKillClient    = "kill_client"
	MethodRemoveClient  = "remove_client"
	MethodClientHistory = "client_history"
	MethodQuit          = "quit"
)

// Event types.
const (
	EventClientStatus       = "client_status"
	EventClientOpenReply    = "client_open_reply"
	EventClientSaveReply    = "client_save_reply"
	EventClientLaunchFailed = "client_launch_failed"
	EventClientKillAllowed  = "client_kill_allowed"
	EventServerStatus       = "server_status"
	EventServerOptions      = "server_options"
)

// ClientInfo describes one client in list replies and status events.
type ClientInfo struct {
	ID         string         `json:"client_id"`
	Executable string         `json:"executable"`
	ConfigFile string         `json:"config_file,omitempty"`
	Arguments  string         `json:"arguments,omitempty"`
	SaveSignal signals.Signal `json:"save_signal"`
	StopSignal signals.Signal `json:"stop_signal"`
	WaitWindow bool           `json:"wait_window"`
	Launchable bool           `json:"launchable"`
	Problem    string         `json:"problem,omitempty"`
	Status     client.Status  `json:"status"`
	Saving     bool           `json:"saving"`
	Actions    client.Actions `json:"actions"`
	PID        int            `json:"pid,omitempty"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	ExitCode   *int           `json:"exit_code,omitempty"`
	EarlyExit  bool           `json:"early_exit,omitempty"`
	Removed    bool           `json:"removed,omitempty"`
}

// AddProxyRequest adds a proxied client to the open session.
type AddProxyRequest struct {
	ClientID       string          `json:"client_id,omitempty"`
	Executable     string          `json:"executable"`
	ConfigFile     string          `json:"config_file,omitempty"`
	Arguments      string          `json:"arguments,omitempty"`
	SaveSignal     *signals.Signal `json:"save_signal,omitempty"` // nil = default
	StopSignal     *signals.Signal `json:"stop_signal,omitempty"` // nil = default
	WaitWindow     bool            `json:"wait_window"`
	ConfigTemplate string          `json:"config_template,omitempty"`
	AutoStart      bool            `json:"auto_start,omitempty"`
}

// ClientRequest names a client. Signal overrides the configured signal for
// stop and save.
type ClientRequest struct {
	ClientID string          `json:"client_id"`
	Signal   *signals.Signal `json:"signal,omitempty"`
}

// SessionRequest names a session.
type SessionRequest struct {
	Name string `json:"name"`
}

// HistoryRequest asks for a client's recorded status changes.
type HistoryRequest struct {
	ClientID string `json:"client_id"`
	Limit    int    `json:"limit,omitempty"`
}

// HistoryEntry is one recorded client event.
type HistoryEntry struct {
	ClientID string    `json:"client_id"`
	Session  string    `json:"session"`
	Kind     string    `json:"kind"`
	Status   string    `json:"status,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// SessionInfo is the reply to session verbs.
type SessionInfo struct {
	Name    string                `json:"name"`
	Path    string                `json:"path"`
	Status  announce.ServerStatus `json:"status"`
	Clients int                   `json:"clients"`
}

// OpenReplyPayload is carried by client_open_reply.
type OpenReplyPayload struct {
	ClientID string `json:"client_id"`
	Window   bool   `json:"window"`
}

// SaveReplyPayload is carried by client_save_reply.
type SaveReplyPayload struct {
	ClientID string `json:"client_id"`
}

// LaunchFailedPayload is carried by client_launch_failed.
type LaunchFailedPayload struct {
	ClientID string `json:"client_id"`
	Error    string `json:"error"`
}

// KillAllowedPayload is carried by client_kill_allowed.
type KillAllowedPayload struct {
	ClientID string `json:"client_id"`
}

// ServerStatusPayload is carried by server_status.
type ServerStatusPayload struct {
	Status  announce.ServerStatus `json:"status"`
	Session string                `json:"session,omitempty"`
}

// ServerOptionsPayload is carried by server_options.
type ServerOptionsPayload struct {
	Options announce.Options `json:"options"`
}
