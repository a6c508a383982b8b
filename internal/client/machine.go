// Package client tracks the lifecycle status of one session client and
// derives which user actions are currently allowed.
package client

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidTransition is returned when an event does not apply to the
// current status.
var ErrInvalidTransition = errors.New("invalid status transition")

// Status is ordered: a later status is further along the launch path.
type Status int

const (
	Stopped Status = iota
	PreCopy
	Copy
	Launch
	Open
	Switch
	Ready
)

var statusNames = []string{"stopped", "precopy", "copy", "launch", "open", "switch", "ready"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	name := strings.ToLower(string(text))
	for i, n := range statusNames {
		if n == name {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown client status %q", text)
}

// Alive reports whether a process is (being) brought up in this status.
func (s Status) Alive() bool {
	return s >= Launch
}

// Event drives a status change.
type Event int

const (
	StageBegin Event = iota
	StageCopy
	LaunchEvent
	Opening
	SwitchBegin
	ReadyEvent
	Exit
	StageFailed
)

var eventNames = []string{"stage_begin", "stage_copy", "launch", "opening", "switch_begin", "ready", "exit", "stage_failed"}

func (e Event) String() string {
	if e < 0 || int(e) >= len(eventNames) {
		return fmt.Sprintf("event(%d)", int(e))
	}
	return eventNames[e]
}

var transitions = map[Status]map[Event]Status{
	Stopped: {StageBegin: PreCopy, LaunchEvent: Launch},
	PreCopy: {StageCopy: Copy, LaunchEvent: Launch, StageFailed: Stopped},
	Copy:    {LaunchEvent: Launch, StageFailed: Stopped},
	Launch:  {Opening: Open, ReadyEvent: Ready},
	Open:    {ReadyEvent: Ready, SwitchBegin: Switch},
	Switch:  {Opening: Open, ReadyEvent: Ready},
	Ready:   {SwitchBegin: Switch},
}

// Actions lists the user actions enabled for a client.
type Actions struct {
	Start  bool `json:"start"`
	Stop   bool `json:"stop"`
	Save   bool `json:"save"`
	Kill   bool `json:"kill"`
	Remove bool `json:"remove"`
}

// Machine is the status of one client. It is not safe for concurrent use;
// the daemon only touches it from its loop.
type Machine struct {
	status      Status
	saving      bool
	killAllowed bool
}

// NewMachine returns a machine in Stopped.
func NewMachine() *Machine {
	return &Machine{}
}

// Status returns the current status.
func (m *Machine) Status() Status {
	return m.status
}

// Saving reports whether a save is pending.
func (m *Machine) Saving() bool {
	return m.saving
}

// KillAllowed reports whether kill has replaced stop.
func (m *Machine) KillAllowed() bool {
	return m.killAllowed
}

// Apply moves the machine along ev. Exit is accepted in every status.
func (m *Machine) Apply(ev Event) error {
	if ev == Exit {
		m.status = Stopped
		m.saving = false
		m.killAllowed = false
		return nil
	}
	next, ok := transitions[m.status][ev]
	if !ok {
		return fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, m.status)
	}
	m.status = next
	if next != Ready {
		m.saving = false
	}
	return nil
}

// AllowKill enables kill in place of stop. It has no effect unless a
// process is alive.
func (m *Machine) AllowKill() bool {
	if !m.status.Alive() {
		return false
	}
	m.killAllowed = true
	return true
}

// BeginSave marks a save as pending.
func (m *Machine) BeginSave() error {
	if m.status != Ready {
		return fmt.Errorf("%w: save on %s", ErrInvalidTransition, m.status)
	}
	m.saving = true
	return nil
}

// EndSave clears a pending save.
func (m *Machine) EndSave() {
	m.saving = false
}

// Actions returns the enabled actions for the current status.
func (m *Machine) Actions() Actions {
	var a Actions
	switch m.status {
	case Stopped:
		a.Start = true
		a.Remove = true
	case Launch, Open, Switch:
		a.Stop = true
	case Ready:
		a.Stop = true
		a.Save = !m.saving
	}
	if a.Stop && m.killAllowed {
		a.Stop = false
		a.Kill = true
	}
	return a
}
