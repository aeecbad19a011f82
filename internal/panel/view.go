package panel

import (
	"time"

	"reprapctl/internal/model"
	"reprapctl/internal/printstate"
	"reprapctl/internal/progress"
)

// View is the read-only state published after every tick.
type View struct {
	Mode        model.OperatingMode   `json:"mode"`
	Diagnostic  string                `json:"diagnostic,omitempty"`
	Connected   bool                  `json:"connected"`
	Reachable   bool                  `json:"reachable"`
	Flags       printstate.Flags      `json:"flags"`
	Controls    printstate.Controls   `json:"controls"`
	Status      *model.StatusSnapshot `json:"status,omitempty"`
	NotHomed    bool                  `json:"not_homed"`
	BufferFree  int                   `json:"buffer_free"`
	BufferKnown bool                  `json:"buffer_known"`
	LastMessage string                `json:"last_message,omitempty"`
	Messages    []Message             `json:"messages"`
	Firmware    string                `json:"firmware,omitempty"`
	Progress    progress.Report       `json:"progress"`
	Job         *JobView              `json:"job,omitempty"`
	Files       []string              `json:"files"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

type JobView struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Mode      model.JobMode `json:"mode"`
	Total     int           `json:"total_lines"`
	Sent      int           `json:"sent_lines"`
	Remaining int           `json:"remaining_lines"`
	Percent   int           `json:"percent"`
	StartedAt time.Time     `json:"started_at"`
}

// Status returns the most recently published view. Safe from any goroutine.
func (e *Engine) Status() View {
	return *e.view.Load()
}

// Subscribe returns a channel receiving every published view and a function
// that ends the subscription. Slow subscribers miss views rather than stall
// the engine.
func (e *Engine) Subscribe() (<-chan View, func()) {
	ch := make(chan View, 4)
	e.subMu.Lock()
	id := e.nextID
	e.nextID++
	e.subs[id] = ch
	e.subMu.Unlock()

	return ch, func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		if _, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(ch)
		}
	}
}

func (e *Engine) publish(now time.Time) {
	free, known := e.buf.Free()
	v := View{
		Mode:        e.mode,
		Diagnostic:  e.diagnostic,
		Connected:   e.flags.Polling,
		Reachable:   e.flags.Polling && e.reachable,
		Flags:       e.flags,
		Controls:    printstate.ControlsFor(e.mode),
		BufferFree:  free,
		BufferKnown: known,
		LastMessage: e.lastMessage,
		Messages:    e.messages.list(),
		Firmware:    e.firmware,
		Progress:    e.estimator.Report(now),
		Files:       append([]string(nil), e.files...),
		UpdatedAt:   now,
	}
	if e.snapshot != nil {
		snap := *e.snapshot
		v.Status = &snap
		v.NotHomed = !snap.Homed.All()
	}
	if j := e.uploader.Active(); j != nil {
		v.Job = &JobView{
			ID:        j.ID,
			Name:      j.Name,
			Mode:      j.Mode,
			Total:     j.Total,
			Sent:      j.Sent(),
			Remaining: j.Remaining(),
			Percent:   j.Percent(),
			StartedAt: j.StartedAt,
		}
	}
	e.view.Store(&v)

	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- v:
		default:
		}
	}
}
