// Package panel ties the poller, the print state machine, the layer estimator
// and the streaming uploader together on one reactor, and exposes the
// operator's intents and a read-only view of the machine.
package panel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-metrics"

	"reprapctl/internal/controller"
	"reprapctl/internal/model"
	"reprapctl/internal/printstate"
	"reprapctl/internal/progress"
	"reprapctl/internal/reactor"
	"reprapctl/internal/stream"
)

var ErrNotConnected = errors.New("panel: not connected")

// Channel is the command channel the engine drives.
type Channel interface {
	stream.Channel
}

// SettingsSource supplies the operator settings. It is read on every tick, so
// changes take effect without a restart.
type SettingsSource interface {
	Settings() model.Settings
}

// Journal records job lifecycle changes.
type Journal interface {
	RecordJob(rec model.JobRecord) error
}

type Options struct {
	Stream         stream.Config
	LayerLogSize   int
	MessageLogSize int
	Logger         hclog.Logger
}

// Engine owns every piece of mutable panel state. All of it is touched only
// on the reactor goroutine; other goroutines go through the intent methods.
type Engine struct {
	r        *reactor.Reactor
	ch       Channel
	settings SettingsSource
	journal  Journal
	logger   hclog.Logger
	ctx      context.Context

	flags     printstate.Flags
	buf       *stream.Buffer
	poller    *controller.Poller
	uploader  *stream.Uploader
	estimator *progress.Estimator

	pollTimer   *reactor.Timer
	streamTimer *reactor.Timer

	snapshot    *model.StatusSnapshot
	reachable   bool
	mode        model.OperatingMode
	diagnostic  string
	lastMessage string
	messages    *messageLog
	firmware    string
	files       []string
	// held commands wait for a stored upload to close its remote file.
	held []string

	view atomic.Pointer[View]

	subMu  sync.Mutex
	subs   map[int]chan View
	nextID int
}

func New(ch Channel, settings SettingsSource, journal Journal, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if opts.Stream == (stream.Config{}) {
		opts.Stream = stream.DefaultConfig()
	}
	if opts.LayerLogSize == 0 {
		opts.LayerLogSize = progress.DefaultLayerLogSize
	}
	if opts.MessageLogSize == 0 {
		opts.MessageLogSize = 50
	}

	e := &Engine{
		r:         reactor.New(logger.Named("reactor")),
		ch:        ch,
		settings:  settings,
		journal:   journal,
		logger:    logger,
		ctx:       context.Background(),
		buf:       &stream.Buffer{},
		poller:    controller.NewPoller(ch),
		estimator: progress.NewEstimator(opts.LayerLogSize),
		mode:      model.Disconnected,
		messages:  newMessageLog(opts.MessageLogSize),
		subs:      make(map[int]chan View),
	}
	e.uploader = stream.NewUploader(ch, e.buf, opts.Stream, logger.Named("uploader"))
	e.estimator.SetLayerHeight(settings.Settings().LayerHeight)
	e.pollTimer = e.r.RegisterTimer(e.pollTick, reactor.Never)
	e.streamTimer = e.r.RegisterTimer(e.streamStep, reactor.Never)
	e.publish(time.Now())
	return e
}

// Run dispatches the engine until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.ctx = ctx
	err := e.r.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// call runs fn on the reactor and returns its error.
func (e *Engine) call(ctx context.Context, fn func() error) error {
	var err error
	if cerr := e.r.Call(ctx, func() { err = fn() }); cerr != nil {
		return cerr
	}
	return err
}

func (e *Engine) pollTick(now time.Time) time.Time {
	if !e.flags.Polling {
		return reactor.Never
	}
	settings := e.settings.Settings()
	e.estimator.SetLayerHeight(settings.LayerHeight)

	res, err := e.poller.Poll(e.ctx)
	if err != nil {
		metrics.IncrCounter([]string{"controller", "poll_failures"}, 1)
		if e.reachable {
			e.logger.Warn("controller unreachable, retrying", "error", err)
			e.note(now, LevelDanger, "Controller unreachable, retrying")
		}
		e.reachable = false
		e.snapshot = nil
	} else {
		metrics.IncrCounter([]string{"controller", "polls"}, 1)
		if !e.reachable {
			e.logger.Info("controller reachable")
		}
		e.reachable = true
		snap := res.Snapshot
		e.snapshot = &snap
		e.buf.Set(snap.BufferFree)
		metrics.SetGauge([]string{"controller", "buffer_free"}, float32(snap.BufferFree))
		if res.NewMessage {
			e.surface(now, snap.Message, settings)
		}
	}

	e.evaluate(now)
	e.publish(now)
	return now.Add(settings.PollInterval)
}

// surface records a new firmware message block.
func (e *Engine) surface(now time.Time, msg string, settings model.Settings) {
	if msg == "" {
		return
	}
	if v, ok := controller.FirmwareVersion(msg); ok && e.firmware == "" {
		e.firmware = v
		e.logger.Info("firmware detected", "version", v)
	}
	if msg == "ok" && settings.SuppressPlainAck {
		return
	}
	e.lastMessage = msg
	e.note(now, LevelInfo, msg)
}

func (e *Engine) evaluate(now time.Time) {
	out := printstate.Evaluate(printstate.Input{Snapshot: e.snapshot, Flags: e.flags})
	if out.Mode == model.Error && (e.mode != model.Error || e.diagnostic != out.Diagnostic) {
		e.logger.Error("controller in unrecognized state", "diagnostic", out.Diagnostic)
		e.note(now, LevelDanger, out.Diagnostic)
	}
	if out.Mode != e.mode {
		e.logger.Debug("mode changed", "from", e.mode, "to", out.Mode)
	}
	stopped := e.flags.Streaming && !out.Next.Streaming
	e.flags = out.Next
	e.mode = out.Mode
	e.diagnostic = out.Diagnostic
	if stopped {
		e.wakeStream(now)
	}

	if out.Mode == model.Printing && e.snapshot != nil {
		if e.estimator.Observe(e.snapshot.Axes.Z, now) {
			metrics.IncrCounter([]string{"print", "layer_changes"}, 1)
			e.logger.Debug("layer change", "layer", e.estimator.CurrentLayer(), "z", e.snapshot.Axes.Z)
		}
	}
}

func (e *Engine) streamStep(now time.Time) time.Time {
	res := e.uploader.Step(e.ctx, e.flags)
	if res.Done != nil {
		e.complete(now, res.Done)
		e.publish(now)
		return reactor.Never
	}
	if e.uploader.Active() == nil {
		return reactor.Never
	}
	return now.Add(res.Wait)
}

func (e *Engine) wakeStream(now time.Time) {
	if e.uploader.Active() != nil {
		e.r.UpdateTimer(e.streamTimer, now)
	}
}

func (e *Engine) complete(now time.Time, done *stream.Completion) {
	j := done.Job
	status := model.JobDone
	if done.Cancelled {
		status = model.JobCancelled
	}
	e.record(j.Record(status, now))

	took := progress.FormatDuration(done.Elapsed)
	switch {
	case j.Mode == model.StoreOnly:
		if done.Files != nil {
			e.files = done.Files
		}
		e.note(now, LevelSuccess, "File "+j.Name+" uploaded in "+took)
		e.flushHeld(now)
	case done.Cancelled:
		e.note(now, LevelWarning, "Web print of "+j.Name+" stopped after "+took)
	default:
		e.flags.Streaming = false
		e.note(now, LevelSuccess, "Web print of "+j.Name+" finished in "+took)
	}
}

func (e *Engine) record(rec model.JobRecord) {
	if e.journal == nil {
		return
	}
	if err := e.journal.RecordJob(rec); err != nil {
		e.logger.Warn("journal write failed", "job", rec.ID, "status", rec.Status, "error", err)
	}
}

func (e *Engine) note(now time.Time, level Level, text string) {
	e.messages.add(Message{Time: now, Level: level, Text: text})
}

// send issues one command and takes the buffer estimate from its ack.
func (e *Engine) send(ctx context.Context, code string) error {
	ack, err := e.ch.SendCommand(ctx, code)
	if err != nil {
		return err
	}
	e.buf.Set(ack.BufferFree)
	return nil
}

// flushHeld sends the commands queued while the remote file was open.
func (e *Engine) flushHeld(now time.Time) {
	held := e.held
	e.held = nil
	for _, code := range held {
		if err := e.send(e.ctx, code); err != nil {
			e.logger.Error("held command failed", "code", code, "error", err)
			e.note(now, LevelDanger, "Held command "+strings.ReplaceAll(code, "\n", " ")+" failed: "+err.Error())
		}
	}
}

func (e *Engine) requireConnected() error {
	if !e.flags.Polling {
		return ErrNotConnected
	}
	return nil
}

// storing returns the stored upload holding the remote file open, if any.
// Every command sent meanwhile would be written into that file.
func (e *Engine) storing() *stream.Job {
	if j := e.uploader.Active(); j != nil && j.Mode == model.StoreOnly {
		return j
	}
	return nil
}

func (e *Engine) requireChannel() error {
	if err := e.requireConnected(); err != nil {
		return err
	}
	if j := e.storing(); j != nil {
		return fmt.Errorf("%w: %s is being stored", stream.ErrJobActive, j.Name)
	}
	return nil
}
