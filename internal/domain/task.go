package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Reserved task keys.
const (
	KeyTaskName = "task_name"
	KeyDevice   = "device"
	KeyUUID     = "uuid"
	KeyQueueLoc = "queue_loc"
)

type ExitState string

const (
	ExitSuccess ExitState = "Success!"
	ExitError   ExitState = "Error!"
	ExitDebug   ExitState = "Debug Mode!"
)

type QueueState string

const (
	StatePaused QueueState = "Paused"
	StateDebug  QueueState = "Debug"
	StateActive QueueState = "Active"
	StateReady  QueueState = "Ready"
)

func ParseQueueState(s string) (QueueState, error) {
	switch QueueState(s) {
	case StatePaused, StateDebug, StateActive, StateReady:
		return QueueState(s), nil
	}
	return "", fmt.Errorf("unknown queue state %q", s)
}

// Task maps a command name (under task_name) to its arguments.
type Task map[string]any

func (t Task) Name() string {
	name, _ := t[KeyTaskName].(string)
	return name
}

func (t Task) Device() string {
	device, _ := t[KeyDevice].(string)
	return device
}

// Args returns the call arguments with the routing keys removed.
func (t Task) Args() map[string]any {
	args := make(map[string]any, len(t))
	for k, v := range t {
		if k == KeyTaskName || k == KeyDevice {
			continue
		}
		args[k] = v
	}
	return args
}

func (t Task) Clone() Task {
	if t == nil {
		return nil
	}
	out := make(Task, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

type Meta struct {
	Queued         *time.Time `json:"queued"`
	Started        *time.Time `json:"started"`
	Ended          *time.Time `json:"ended"`
	RunTimeSeconds float64    `json:"run_time_seconds,omitempty"`
	ExitState      ExitState  `json:"exit_state,omitempty"`
	ReturnVal      any        `json:"return_val"`
}

// Package is the queue's unit of work.
type Package struct {
	Task Task   `json:"task"`
	UUID string `json:"uuid"`
	Meta Meta   `json:"meta"`
}

func (p Package) Terminal() bool { return p.Meta.ExitState != "" }

// Snapshot is the polling view of the engine. It travels as a JSON array
// [history, running, pending].
type Snapshot struct {
	History []Package
	Running []Package
	Pending []Package
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal([3][]Package{nonNil(s.History), nonNil(s.Running), nonNil(s.Pending)})
}

func (s *Snapshot) UnmarshalJSON(b []byte) error {
	var parts [3][]Package
	if err := json.Unmarshal(b, &parts); err != nil {
		return err
	}
	s.History, s.Running, s.Pending = parts[0], parts[1], parts[2]
	return nil
}

// FindHistory returns the most recent history entry with the given uuid.
func (s Snapshot) FindHistory(uuid string) (Package, bool) {
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].UUID == uuid {
			return s.History[i], true
		}
	}
	return Package{}, false
}

// InFlight reports whether uuid is running or still pending.
func (s Snapshot) InFlight(uuid string) bool {
	for _, p := range s.Running {
		if p.UUID == uuid {
			return true
		}
	}
	for _, p := range s.Pending {
		if p.UUID == uuid {
			return true
		}
	}
	return false
}

func (s Snapshot) Idle() bool { return len(s.Running) == 0 && len(s.Pending) == 0 }

func nonNil(p []Package) []Package {
	if p == nil {
		return []Package{}
	}
	return p
}
