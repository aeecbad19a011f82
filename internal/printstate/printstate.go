// Package printstate derives the panel's operating mode from the latest
// controller status and the two local flags.
package printstate

import (
	"fmt"

	"reprapctl/internal/model"
)

// Flags is the local state carried from one tick to the next. It is passed by
// value; Evaluate returns the flags for the next tick.
type Flags struct {
	Polling   bool `json:"polling"`
	Streaming bool `json:"streaming"`
	Paused    bool `json:"paused"`
}

type Input struct {
	// Snapshot is nil when the last poll failed.
	Snapshot *model.StatusSnapshot
	Flags    Flags
}

type Outcome struct {
	Mode model.OperatingMode
	// Diagnostic carries the raw state code when Mode is Error.
	Diagnostic string
	Next       Flags
}

// Evaluate applies the transition rules in priority order.
func Evaluate(in Input) Outcome {
	f := in.Flags
	out := Outcome{Next: f}
	switch {
	case in.Snapshot == nil || !f.Polling:
		out.Mode = model.Disconnected
	case in.Snapshot.State == model.MachinePrinting || (f.Streaming && !f.Paused):
		out.Mode = model.Printing
	case in.Snapshot.State == model.MachineIdle && !f.Paused:
		out.Mode = model.Idle
	case in.Snapshot.State == model.MachineIdle:
		out.Mode = model.Paused
	default:
		out.Mode = model.Error
		out.Diagnostic = fmt.Sprintf("unknown poll state: %q", string(in.Snapshot.State))
		out.Next.Streaming = false
		out.Next.Paused = false
	}
	return out
}

// Controls says which user controls the presentation layer should enable.
type Controls struct {
	Jog         bool `json:"jog"`
	Temperature bool `json:"temperature"`
	Extrude     bool `json:"extrude"`
	SendGCode   bool `json:"send_gcode"`
	FileList    bool `json:"file_list"`
	PanicStop   bool `json:"panic_stop"`
}

func ControlsFor(mode model.OperatingMode) Controls {
	if mode == model.Disconnected {
		return Controls{}
	}
	c := Controls{SendGCode: true, PanicStop: true}
	switch mode {
	case model.Idle:
		c.Jog, c.Temperature, c.Extrude, c.FileList = true, true, true, true
	case model.Paused:
		c.Jog, c.Temperature, c.Extrude = true, true, true
	}
	return c
}

// Active reports whether the mode counts as a print in progress.
func Active(mode model.OperatingMode) bool {
	return mode == model.Printing || mode == model.Paused
}
