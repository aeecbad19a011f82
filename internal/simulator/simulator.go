// Package simulator serves a fake controller speaking the rr_* HTTP API. It
// keeps just enough machine state to exercise the panel end to end.
package simulator

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"

	"reprapctl/internal/model"
)

// StateHalted is reported after M112 until M1 or M999.
const StateHalted model.MachineState = "H"

const firmwareBanner = "FIRMWARE_NAME:RepRapFirmware FIRMWARE_VERSION:1.09 ELECTRONICS:Duet"

type Options struct {
	Name string
	// BufferSize is the capacity of the command buffer in bytes.
	BufferSize int
	// DrainPerRequest is how many queued bytes execute per request served.
	DrainPerRequest int
	// LinesPerPoll is how many lines of a stored file run per rr_poll while
	// printing from the card.
	LinesPerPoll int
	Logger       hclog.Logger
}

func DefaultOptions() Options {
	return Options{
		Name:            "simulator",
		BufferSize:      1024,
		DrainPerRequest: 256,
		LinesPerPoll:    20,
	}
}

// Machine is the simulated controller. It is safe for concurrent requests.
type Machine struct {
	mu   sync.Mutex
	opts Options

	state    model.MachineState
	axes     model.Axes
	relative bool
	bed      float64
	head     float64
	homed    model.Homed
	seq      int
	resp     string
	pending  int
	offline  bool

	files    map[string][]string
	writing  string
	incoming []string
	selected string
	cursor   int

	received []string
}

func New(opts Options) *Machine {
	def := DefaultOptions()
	if opts.BufferSize <= 0 {
		opts.BufferSize = def.BufferSize
	}
	if opts.DrainPerRequest <= 0 {
		opts.DrainPerRequest = def.DrainPerRequest
	}
	if opts.LinesPerPoll <= 0 {
		opts.LinesPerPoll = def.LinesPerPoll
	}
	if opts.Name == "" {
		opts.Name = def.Name
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	return &Machine{
		opts:  opts,
		state: model.MachineIdle,
		files: make(map[string][]string),
	}
}

// Handler routes the rr_* endpoints.
func (m *Machine) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/rr_poll", m.pollHandler).Methods("GET")
	r.HandleFunc("/rr_gcode", m.gcodeHandler).Methods("GET")
	r.HandleFunc("/rr_files", m.filesHandler).Methods("GET")
	return r
}

func (m *Machine) pollHandler(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	if m.offline {
		m.mu.Unlock()
		http.Error(w, "offline", http.StatusServiceUnavailable)
		return
	}
	m.drain()
	m.runStored()
	resp := map[string]any{
		"poll": []string{
			string(m.state),
			fmtNum(m.axes.X), fmtNum(m.axes.Y), fmtNum(m.axes.Z), fmtNum(m.axes.E),
			fmtNum(m.bed), fmtNum(m.head),
		},
		"seq":         m.seq,
		"resp":        m.resp,
		"buff":        m.free(),
		"hx":          boolInt(m.homed.X),
		"hy":          boolInt(m.homed.Y),
		"hz":          boolInt(m.homed.Z),
		"probe":       "0",
		"reprap_name": m.opts.Name,
	}
	m.mu.Unlock()
	writeJSON(w, resp)
}

func (m *Machine) gcodeHandler(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("gcode")

	m.mu.Lock()
	if m.offline {
		m.mu.Unlock()
		http.Error(w, "offline", http.StatusServiceUnavailable)
		return
	}
	m.drain()
	if code != "" {
		m.pending += len(code)
		for _, line := range strings.Split(code, "\n") {
			m.exec(line)
		}
	}
	free := m.free()
	m.mu.Unlock()
	writeJSON(w, map[string]int{"buff": free})
}

func (m *Machine) filesHandler(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	if m.offline {
		m.mu.Unlock()
		http.Error(w, "offline", http.StatusServiceUnavailable)
		return
	}
	names := m.fileNames()
	m.mu.Unlock()
	writeJSON(w, map[string][]string{"files": names})
}

// exec runs one line. Lines between M28 and M29 are stored, not executed.
func (m *Machine) exec(line string) {
	line = strings.TrimSpace(line)
	m.received = append(m.received, line)
	word, args, _ := strings.Cut(line, " ")
	word = strings.ToUpper(word)

	if m.writing != "" && word != "M29" {
		m.incoming = append(m.incoming, line)
		return
	}
	if m.state == StateHalted && word != "M1" && word != "M999" {
		return
	}

	switch word {
	case "":
	case "G0", "G1":
		m.move(args)
	case "G28":
		m.homed = model.Homed{X: true, Y: true, Z: true}
		m.axes.X, m.axes.Y, m.axes.Z = 0, 0, 0
	case "G90":
		m.relative = false
	case "G91":
		m.relative = true
	case "G10":
		if v, ok := param(args, 'S'); ok {
			m.head = v
		}
	case "M140":
		if v, ok := param(args, 'S'); ok {
			m.bed = v
		}
	case "M28":
		m.writing = strings.TrimSpace(args)
		m.incoming = nil
		m.opts.Logger.Debug("file write opened", "file", m.writing)
	case "M29":
		if m.writing != "" {
			m.files[m.writing] = m.incoming
			m.opts.Logger.Debug("file stored", "file", m.writing, "lines", len(m.incoming))
		}
		m.writing, m.incoming = "", nil
	case "M30":
		delete(m.files, strings.TrimSpace(args))
	case "M23":
		m.selected = strings.TrimSpace(args)
		m.cursor = 0
	case "M24":
		if _, ok := m.files[m.selected]; ok {
			m.state = model.MachinePrinting
		}
	case "M25":
		if m.state == model.MachinePrinting {
			m.state = model.MachineIdle
		}
	case "M112":
		m.state = StateHalted
		m.pending = 0
		m.say("Emergency stop")
	case "M1", "M999":
		m.state = model.MachineIdle
		m.selected, m.cursor = "", 0
	case "M115":
		m.say(firmwareBanner)
	case "M117":
		m.say(args)
	}
}

func (m *Machine) move(args string) {
	for _, axis := range []byte("XYZE") {
		v, ok := param(args, axis)
		if !ok {
			continue
		}
		p := m.axis(axis)
		if m.relative || axis == 'E' {
			*p += v
		} else {
			*p = v
		}
	}
}

func (m *Machine) axis(a byte) *float64 {
	switch a {
	case 'X':
		return &m.axes.X
	case 'Y':
		return &m.axes.Y
	case 'Z':
		return &m.axes.Z
	}
	return &m.axes.E
}

// runStored advances a card print by LinesPerPoll lines.
func (m *Machine) runStored() {
	if m.state != model.MachinePrinting {
		return
	}
	lines := m.files[m.selected]
	for i := 0; i < m.opts.LinesPerPoll && m.cursor < len(lines); i++ {
		m.exec(lines[m.cursor])
		m.cursor++
	}
	if m.cursor >= len(lines) && m.state == model.MachinePrinting {
		m.state = model.MachineIdle
		m.say("Done printing file")
	}
}

func (m *Machine) drain() {
	m.pending = max(m.pending-m.opts.DrainPerRequest, 0)
}

func (m *Machine) free() int {
	return max(m.opts.BufferSize-m.pending, 0)
}

func (m *Machine) say(msg string) {
	m.seq++
	m.resp = msg
}

func (m *Machine) fileNames() []string {
	names := make([]string, 0, len(m.files))
	for name := range m.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetOffline makes every endpoint answer 503.
func (m *Machine) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// SetState forces the reported state code.
func (m *Machine) SetState(s model.MachineState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

// Received returns every line the machine has been sent, in order.
func (m *Machine) Received() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.received...)
}

// File returns a stored file's lines.
func (m *Machine) File(name string) ([]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lines, ok := m.files[name]
	return append([]string(nil), lines...), ok
}

func (m *Machine) Snapshot() (model.MachineState, model.Axes, float64, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.axes, m.bed, m.head
}

func param(args string, name byte) (float64, bool) {
	for _, f := range strings.Fields(args) {
		if len(f) < 2 || (f[0] != name && f[0] != name+'a'-'A') {
			continue
		}
		v, err := strconv.ParseFloat(f[1:], 64)
		if err != nil {
			return 0, false
		}
		return v, true
	}
	return 0, false
}

func fmtNum(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
