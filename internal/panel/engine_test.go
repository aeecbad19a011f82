package panel

import (
	"context"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reprapctl/internal/controller"
	"reprapctl/internal/model"
	"reprapctl/internal/simulator"
	"reprapctl/internal/stream"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

type staticSettings model.Settings

func (s staticSettings) Settings() model.Settings { return model.Settings(s) }

type memJournal struct {
	mu      sync.Mutex
	records []model.JobRecord
}

func (j *memJournal) RecordJob(rec model.JobRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, rec)
	return nil
}

func (j *memJournal) statuses() []model.JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]model.JobStatus, 0, len(j.records))
	for _, r := range j.records {
		out = append(out, r.Status)
	}
	return out
}

func testSettings() model.Settings {
	s := model.DefaultSettings()
	s.PollInterval = model.MinPollInterval
	return s
}

func newTestEngine(t *testing.T, settings model.Settings) (*Engine, *simulator.Machine, *memJournal) {
	t.Helper()
	sim := simulator.New(simulator.Options{DrainPerRequest: 4096})
	srv := httptest.NewServer(sim.Handler())
	t.Cleanup(srv.Close)

	client, err := controller.NewClient(srv.URL, time.Second, nil)
	require.NoError(t, err)

	cfg := stream.DefaultConfig()
	cfg.SendDelay = time.Millisecond
	cfg.BufferDelay = 5 * time.Millisecond
	cfg.PauseDelay = 50 * time.Millisecond

	journal := &memJournal{}
	e := New(client, staticSettings(settings), journal, Options{Stream: cfg})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return e, sim, journal
}

func connect(t *testing.T, e *Engine) {
	t.Helper()
	require.NoError(t, e.Connect(context.Background()))
	require.Eventually(t, func() bool { return e.Status().Mode == model.Idle }, waitFor, tick)
}

func hasMessage(v View, text string) bool {
	for _, m := range v.Messages {
		if strings.Contains(m.Text, text) {
			return true
		}
	}
	return false
}

func TestEngine_StartsDisconnected(t *testing.T) {
	e, _, _ := newTestEngine(t, testSettings())
	v := e.Status()
	assert.Equal(t, model.Disconnected, v.Mode)
	assert.False(t, v.Connected)
	assert.False(t, v.Controls.PanicStop)

	err := e.Jog(context.Background(), "X", 10, 0)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestEngine_ConnectPollsAndDetectsFirmware(t *testing.T) {
	e, sim, _ := newTestEngine(t, testSettings())
	connect(t, e)

	require.Eventually(t, func() bool { return e.Status().Firmware == "1.09" }, waitFor, tick)
	v := e.Status()
	assert.True(t, v.Connected)
	assert.True(t, v.Reachable)
	assert.True(t, v.Controls.Jog)
	require.NotNil(t, v.Status)
	assert.Equal(t, "simulator", v.Status.MachineName)
	assert.True(t, v.BufferKnown)
	assert.Contains(t, sim.Received(), "M115")

	require.NoError(t, e.Disconnect(context.Background()))
	v = e.Status()
	assert.Equal(t, model.Disconnected, v.Mode)
	assert.Nil(t, v.Status)
	assert.True(t, hasMessage(v, "Disconnected"))
}

func TestEngine_ManualCommands(t *testing.T) {
	e, sim, _ := newTestEngine(t, testSettings())
	connect(t, e)
	ctx := context.Background()
	assert.True(t, e.Status().NotHomed)

	require.NoError(t, e.Jog(ctx, "z", -0.1, 0))
	require.NoError(t, e.Jog(ctx, "X", 10, 0))
	require.NoError(t, e.Extrude(ctx, -5, 0))
	require.NoError(t, e.SetTemperature(ctx, HeaterBed, 65))
	require.NoError(t, e.SetTemperature(ctx, HeaterHead, 185))
	require.NoError(t, e.SendRaw(ctx, " g28 x "))

	got := sim.Received()
	for _, want := range []string{
		"G1 Z-0.1 F200",
		"G1 X10 F2000",
		"G1 E-5 F300",
		"M140 S65",
		"G10 P1 S185",
		"T1",
		"G28 X",
	} {
		assert.Contains(t, got, want)
	}
	assert.Equal(t, 3, countOf(got, "M120"))
	require.Eventually(t, func() bool { return !e.Status().NotHomed }, waitFor, tick)

	assert.ErrorIs(t, e.Jog(ctx, "Q", 1, 0), ErrInvalidArgument)
	assert.ErrorIs(t, e.SetTemperature(ctx, "chamber", 40), ErrInvalidArgument)
	assert.ErrorIs(t, e.SendRaw(ctx, "   "), ErrInvalidArgument)
}

func countOf(lines []string, want string) int {
	n := 0
	for _, l := range lines {
		if l == want {
			n++
		}
	}
	return n
}

func TestEngine_JogIncrements(t *testing.T) {
	s := testSettings()
	e, _, _ := newTestEngine(t, s)
	inc, err := e.JogIncrements("z")
	require.NoError(t, err)
	assert.Equal(t, []float64{100, 10, 1, 0.1}, inc)

	s.HalfStepJog = true
	half, _, _ := newTestEngine(t, s)
	inc, err = half.JogIncrements("Z")
	require.NoError(t, err)
	assert.Equal(t, []float64{50, 5, 0.5, 0.05}, inc)
	inc, err = half.JogIncrements("x")
	require.NoError(t, err)
	assert.Equal(t, []float64{100, 10, 1, 0.1}, inc)

	_, err = e.JogIncrements("E")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestEngine_DirectPrint(t *testing.T) {
	e, sim, journal := newTestEngine(t, testSettings())
	connect(t, e)

	program := "G28\nG1 Z0.24 F200\nG1 X10 Y10\nG1 Z0.48\nG1 X20 Y20\nG1 Z0.72\n"
	job, err := e.StartUpload(context.Background(), "cube.gcode", []byte(program), model.DirectPrint)
	require.NoError(t, err)
	assert.Equal(t, "cube.gcode", job.Name)
	assert.Equal(t, 7, job.Total)

	require.Eventually(t, func() bool { return e.Status().Job == nil }, waitFor, tick)
	v := e.Status()
	assert.False(t, v.Flags.Streaming)
	assert.True(t, hasMessage(v, "Web print of cube.gcode finished"))
	assert.Equal(t, 0.72, v.Progress.ObjectHeight)
	assert.Equal(t, 3, v.Progress.TotalLayers)

	got := sim.Received()
	assert.Contains(t, got, "G1 Z0.48")
	assert.NotContains(t, got, "M28 cube.gcode")
	assert.Equal(t, []model.JobStatus{model.JobRunning, model.JobDone}, journal.statuses())
}

func TestEngine_StoreUpload(t *testing.T) {
	e, sim, journal := newTestEngine(t, testSettings())
	connect(t, e)

	lines := make([]string, 300)
	for i := range lines {
		lines[i] = "G1 X" + strings.Repeat("1", i%7+1) + " Y-2.5 E+0.1"
	}
	job, err := e.StartUpload(context.Background(), "LongFileName.gcode", []byte(strings.Join(lines, "\n")), model.StoreOnly)
	require.NoError(t, err)
	assert.Equal(t, "longfile.g", job.Name)

	require.Eventually(t, func() bool { return e.Status().Job == nil }, waitFor, tick)
	stored, ok := sim.File("longfile.g")
	require.True(t, ok)
	assert.Equal(t, lines, stored)
	assert.True(t, slices.Contains(e.Status().Files, "longfile.g"))
	assert.True(t, hasMessage(e.Status(), "File longfile.g uploaded"))
	assert.Equal(t, []model.JobStatus{model.JobRunning, model.JobDone}, journal.statuses())
	assert.False(t, e.Status().Flags.Streaming, "store upload never sets streaming")
}

func TestEngine_RejectsBadUploads(t *testing.T) {
	e, _, _ := newTestEngine(t, testSettings())
	connect(t, e)
	ctx := context.Background()

	_, err := e.StartUpload(ctx, "notes.txt", []byte("G28"), model.DirectPrint)
	assert.ErrorIs(t, err, stream.ErrMalformedFile)
	assert.False(t, e.Status().Flags.Streaming)

	require.NoError(t, e.Pause(ctx))
	_, err = e.StartUpload(ctx, "a.g", []byte("G28\nG1 X1"), model.DirectPrint)
	require.NoError(t, err)
	assert.Equal(t, model.Paused, e.Status().Mode)

	_, err = e.StartUpload(ctx, "b.g", []byte("G28"), model.StoreOnly)
	assert.ErrorIs(t, err, stream.ErrJobActive)
}

func TestEngine_CancelPrint(t *testing.T) {
	e, sim, journal := newTestEngine(t, testSettings())
	connect(t, e)
	ctx := context.Background()

	require.NoError(t, e.Pause(ctx))
	_, err := e.StartUpload(ctx, "part.g", []byte("G28\nG1 Z0.3\nG1 X5"), model.DirectPrint)
	require.NoError(t, err)
	require.NoError(t, e.CancelPrint(ctx))

	require.Eventually(t, func() bool { return e.Status().Job == nil }, waitFor, tick)
	assert.NotContains(t, sim.Received(), "G1 Z0.3")
	assert.True(t, hasMessage(e.Status(), "stopped after"))
	assert.Equal(t, []model.JobStatus{model.JobRunning, model.JobCancelled}, journal.statuses())
}

func TestEngine_PauseResume(t *testing.T) {
	e, sim, _ := newTestEngine(t, testSettings())
	connect(t, e)
	ctx := context.Background()

	require.NoError(t, e.Pause(ctx))
	assert.Equal(t, model.Paused, e.Status().Mode)
	assert.Contains(t, sim.Received(), "M25")

	require.NoError(t, e.Resume(ctx))
	assert.Equal(t, model.Idle, e.Status().Mode)
	assert.Contains(t, sim.Received(), "M24")
}

func TestEngine_ResetAndEmergencyStop(t *testing.T) {
	e, sim, journal := newTestEngine(t, testSettings())
	connect(t, e)
	ctx := context.Background()

	require.NoError(t, e.Pause(ctx))
	_, err := e.StartUpload(ctx, "part.g", []byte("G28\nG1 X5"), model.DirectPrint)
	require.NoError(t, err)

	require.NoError(t, e.Reset(ctx))
	v := e.Status()
	assert.Nil(t, v.Job)
	assert.False(t, v.Flags.Streaming)
	assert.False(t, v.Flags.Paused)
	got := sim.Received()
	assert.Contains(t, got, "M140 S0")
	assert.Contains(t, got, "G10 P1 S0")
	assert.Equal(t, "M1", got[len(got)-1])
	assert.Equal(t, []model.JobStatus{model.JobRunning, model.JobCancelled}, journal.statuses())

	require.NoError(t, e.EmergencyStop(ctx))
	v = e.Status()
	assert.Equal(t, model.Disconnected, v.Mode)
	assert.False(t, v.Connected)
	assert.Contains(t, sim.Received(), "M112")
	state, _, _, _ := sim.Snapshot()
	assert.Equal(t, simulator.StateHalted, state)
}

func bigProgram(n int) []string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = "G1 X" + strconv.Itoa(i%200) + " Y1"
	}
	return lines
}

func TestEngine_ResetWhileStoring(t *testing.T) {
	e, sim, journal := newTestEngine(t, testSettings())
	connect(t, e)
	ctx := context.Background()

	require.NoError(t, e.SetTemperature(ctx, HeaterBed, 60))
	lines := bigProgram(5000)
	_, err := e.StartUpload(ctx, "big.g", []byte(strings.Join(lines, "\n")), model.StoreOnly)
	require.NoError(t, err)

	require.NoError(t, e.Reset(ctx))
	require.NotNil(t, e.Status().Job, "stored upload keeps draining")
	assert.True(t, hasMessage(e.Status(), "heaters go off once big.g is stored"))
	assert.ErrorIs(t, e.Jog(ctx, "X", 10, 0), stream.ErrJobActive)
	assert.ErrorIs(t, e.Pause(ctx), stream.ErrJobActive)

	require.Eventually(t, func() bool { return e.Status().Job == nil }, 2*waitFor, tick)
	stored, ok := sim.File("big.g")
	require.True(t, ok)
	assert.Equal(t, lines, stored)

	got := sim.Received()
	closed := slices.Index(got, "M29")
	require.GreaterOrEqual(t, closed, 0)
	assert.Equal(t, []string{"M140 S0", "G10 P1 S0", "T1", "M1"}, got[closed+1:])
	_, _, bed, _ := sim.Snapshot()
	assert.Zero(t, bed)
	assert.Equal(t, []model.JobStatus{model.JobRunning, model.JobDone}, journal.statuses())
}

func TestEngine_EmergencyStopWhileStoring(t *testing.T) {
	e, sim, journal := newTestEngine(t, testSettings())
	connect(t, e)
	ctx := context.Background()

	_, err := e.StartUpload(ctx, "big.g", []byte(strings.Join(bigProgram(5000), "\n")), model.StoreOnly)
	require.NoError(t, err)
	require.NoError(t, e.EmergencyStop(ctx))

	v := e.Status()
	assert.Nil(t, v.Job)
	assert.True(t, hasMessage(v, "Upload of big.g cut short"))
	got := sim.Received()
	require.GreaterOrEqual(t, len(got), 2)
	assert.Equal(t, []string{"M29", "M112"}, got[len(got)-2:])
	state, _, _, _ := sim.Snapshot()
	assert.Equal(t, simulator.StateHalted, state)
	_, ok := sim.File("big.g")
	assert.True(t, ok, "remote file is closed")
	assert.Equal(t, []model.JobStatus{model.JobRunning, model.JobCancelled}, journal.statuses())
}

func TestEngine_UnknownStateIsError(t *testing.T) {
	e, sim, _ := newTestEngine(t, testSettings())
	connect(t, e)

	sim.SetState("S")
	require.Eventually(t, func() bool { return e.Status().Mode == model.Error }, waitFor, tick)
	v := e.Status()
	assert.Contains(t, v.Diagnostic, `"S"`)
	assert.True(t, v.Controls.SendGCode)
	assert.False(t, v.Controls.Jog)

	sim.SetState(model.MachineIdle)
	require.Eventually(t, func() bool { return e.Status().Mode == model.Idle }, waitFor, tick)
}

func TestEngine_UnreachableKeepsPolling(t *testing.T) {
	e, sim, _ := newTestEngine(t, testSettings())
	connect(t, e)

	sim.SetOffline(true)
	require.Eventually(t, func() bool { return !e.Status().Reachable }, waitFor, tick)
	v := e.Status()
	assert.Equal(t, model.Disconnected, v.Mode)
	assert.True(t, v.Connected, "polling continues while unreachable")
	assert.True(t, hasMessage(v, "unreachable"))

	sim.SetOffline(false)
	require.Eventually(t, func() bool { return e.Status().Mode == model.Idle }, waitFor, tick)
}

func TestEngine_RemoteFiles(t *testing.T) {
	e, sim, _ := newTestEngine(t, testSettings())
	connect(t, e)
	ctx := context.Background()

	_, err := e.StartUpload(ctx, "box.g", []byte("G28\nG1 Z0.2\nG1 Z0.4"), model.StoreOnly)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.Status().Job == nil }, waitFor, tick)

	files, err := e.RefreshFiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"box.g"}, files)

	require.NoError(t, e.PrintRemoteFile(ctx, "box.g"))
	assert.Contains(t, sim.Received(), "M23 box.g")
	require.Eventually(t, func() bool {
		state, axes, _, _ := sim.Snapshot()
		return state == model.MachineIdle && axes.Z == 0.4
	}, waitFor, tick)

	require.NoError(t, e.DeleteRemoteFile(ctx, "box.g"))
	assert.Empty(t, e.Status().Files)
	assert.ErrorIs(t, e.DeleteRemoteFile(ctx, ""), ErrInvalidArgument)
}

func TestEngine_SetObjectHeightAndSubscribe(t *testing.T) {
	s := testSettings()
	s.LayerHeight = 0.25
	e, _, _ := newTestEngine(t, s)
	views, stop := e.Subscribe()
	defer stop()

	require.NoError(t, e.SetObjectHeight(context.Background(), 12.5))
	select {
	case v := <-views:
		assert.Equal(t, 12.5, v.Progress.ObjectHeight)
		assert.Equal(t, 50, v.Progress.TotalLayers)
	case <-time.After(waitFor):
		t.Fatal("no view published")
	}
	assert.ErrorIs(t, e.SetObjectHeight(context.Background(), -1), ErrInvalidArgument)
}

func TestEngine_SuppressesPlainAck(t *testing.T) {
	s := testSettings()
	s.SuppressPlainAck = true
	e, _, _ := newTestEngine(t, s)
	connect(t, e)

	require.Eventually(t, func() bool { return e.Status().Firmware != "" }, waitFor, tick)
	banner := e.Status().LastMessage

	require.NoError(t, e.SendRaw(context.Background(), "M117 ok"))
	require.Eventually(t, func() bool {
		v := e.Status()
		return v.Status != nil && v.Status.Seq == 2
	}, waitFor, tick)
	assert.Equal(t, banner, e.Status().LastMessage)
}
