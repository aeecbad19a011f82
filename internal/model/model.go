package model

import (
	"errors"
	"time"
)

// MachineState is the raw single-letter state code reported by rr_poll.
type MachineState string

const (
	MachineIdle     MachineState = "I"
	MachinePrinting MachineState = "P"
)

type Axes struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	E float64 `json:"e"`
}

type Homed struct {
	X bool `json:"x"`
	Y bool `json:"y"`
	Z bool `json:"z"`
}

// All reports whether every axis has been homed.
func (h Homed) All() bool {
	return h.X && h.Y && h.Z
}

// StatusSnapshot is one decoded rr_poll response.
type StatusSnapshot struct {
	Seq         int          `json:"seq"`
	State       MachineState `json:"state"`
	Axes        Axes         `json:"axes"`
	BedTemp     float64      `json:"bed_temp"`
	HeadTemp    float64      `json:"head_temp"`
	Homed       Homed        `json:"homed"`
	BufferFree  int          `json:"buffer_free"`
	Probe       string       `json:"probe"`
	Message     string       `json:"message,omitempty"`
	MachineName string       `json:"machine_name,omitempty"`
}

// Ack is the controller's reply to rr_gcode.
type Ack struct {
	BufferFree int `json:"buffer_free"`
}

type JobMode string

const (
	StoreOnly   JobMode = "upload"
	DirectPrint JobMode = "print"
)

func ParseJobMode(s string) (JobMode, bool) {
	switch JobMode(s) {
	case StoreOnly:
		return StoreOnly, true
	case DirectPrint:
		return DirectPrint, true
	}
	return "", false
}

type OperatingMode string

const (
	Disconnected OperatingMode = "disconnected"
	Idle         OperatingMode = "idle"
	Printing     OperatingMode = "printing"
	Paused       OperatingMode = "paused"
	Error        OperatingMode = "error"
)

// Settings are owned by the settings store; the engine only reads them.
type Settings struct {
	PollInterval     time.Duration `json:"poll_interval" yaml:"poll_interval"`
	LayerHeight      float64       `json:"layer_height" yaml:"layer_height"`
	HalfStepJog      bool          `json:"half_step_jog" yaml:"half_step_jog"`
	SuppressPlainAck bool          `json:"suppress_plain_ack" yaml:"suppress_plain_ack"`
	BedPresets       []int         `json:"bed_presets" yaml:"bed_presets"`
	HeadPresets      []int         `json:"head_presets" yaml:"head_presets"`
}

func DefaultSettings() Settings {
	return Settings{
		PollInterval: time.Second,
		LayerHeight:  0.24,
		BedPresets:   []int{120, 65, 0},
		HeadPresets:  []int{240, 185, 0},
	}
}

// MinPollInterval keeps a misconfigured panel from flooding the controller.
const MinPollInterval = 100 * time.Millisecond

func (s Settings) Validate() error {
	if s.PollInterval < MinPollInterval {
		return errors.New("poll_interval must be at least 100ms")
	}
	if s.LayerHeight <= 0 {
		return errors.New("layer_height must be positive")
	}
	return nil
}

type JobStatus string

const (
	JobQueued    JobStatus = "Queued"
	JobRunning   JobStatus = "Running"
	JobDone      JobStatus = "Done"
	JobCancelled JobStatus = "Cancelled"
)

// CanTransition mirrors the journal's lifecycle: Queued -> Running -> Done,
// with Cancelled reachable from either of the first two.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobQueued:
		return next == JobRunning || next == JobCancelled
	case JobRunning:
		return next == JobDone || next == JobCancelled
	}
	return false
}

// JobRecord is the journal entry for one upload or direct print.
type JobRecord struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Mode       JobMode       `json:"mode"`
	TotalLines int           `json:"total_lines"`
	SentLines  int           `json:"sent_lines"`
	Status     JobStatus     `json:"status"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
}
