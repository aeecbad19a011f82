package panel

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"reprapctl/internal/model"
	"reprapctl/internal/printstate"
	"reprapctl/internal/progress"
	"reprapctl/internal/reactor"
	"reprapctl/internal/stream"
)

var ErrInvalidArgument = errors.New("panel: invalid argument")

const (
	defaultJogFeed     = 2000
	defaultZJogFeed    = 200
	defaultExtrudeFeed = 300
)

type Heater string

const (
	HeaterBed  Heater = "bed"
	HeaterHead Heater = "head"
)

// do runs fn on the reactor and republishes the view afterwards.
func (e *Engine) do(ctx context.Context, fn func(now time.Time) error) error {
	return e.call(ctx, func() error {
		now := e.r.Now()
		err := fn(now)
		e.publish(now)
		return err
	})
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Connect starts polling. The first tick runs immediately and reports its
// message block even if the controller's sequence id has not moved.
func (e *Engine) Connect(ctx context.Context) error {
	return e.do(ctx, func(now time.Time) error {
		if e.flags.Polling {
			return nil
		}
		e.flags.Polling = true
		e.reachable = true
		e.poller.Forget()
		e.logger.Info("connecting")
		e.note(now, LevelInfo, "Connected, polling controller")

		if files, err := e.ch.ListFiles(ctx); err != nil {
			e.logger.Warn("file list failed", "error", err)
		} else {
			e.files = files
		}
		if e.storing() != nil {
			e.held = append(e.held, "M115")
		} else if err := e.send(ctx, "M115"); err != nil {
			e.logger.Warn("firmware query failed", "error", err)
		}
		e.r.UpdateTimer(e.pollTimer, now)
		return nil
	})
}

// Disconnect stops polling. A direct print keeps draining; a store upload is
// unaffected.
func (e *Engine) Disconnect(ctx context.Context) error {
	return e.do(ctx, func(now time.Time) error {
		if !e.flags.Polling {
			return nil
		}
		e.flags.Polling = false
		e.snapshot = nil
		e.r.UpdateTimer(e.pollTimer, reactor.Never)
		e.evaluate(now)
		e.logger.Info("disconnected")
		e.note(now, LevelWarning, "Disconnected, page not being updated")
		return nil
	})
}

// JogIncrements lists the step sizes offered for an axis, largest first.
func (e *Engine) JogIncrements(axis string) ([]float64, error) {
	switch strings.ToUpper(axis) {
	case "X", "Y":
		return []float64{100, 10, 1, 0.1}, nil
	case "Z":
		if e.settings.Settings().HalfStepJog {
			return []float64{50, 5, 0.5, 0.05}, nil
		}
		return []float64{100, 10, 1, 0.1}, nil
	}
	return nil, fmt.Errorf("axis %q: %w", axis, ErrInvalidArgument)
}

// Jog moves one axis relative to its current position. A zero feed picks the
// axis default.
func (e *Engine) Jog(ctx context.Context, axis string, distance, feed float64) error {
	axis = strings.ToUpper(axis)
	switch axis {
	case "X", "Y":
		if feed == 0 {
			feed = defaultJogFeed
		}
	case "Z":
		if feed == 0 {
			feed = defaultZJogFeed
		}
	default:
		return fmt.Errorf("axis %q: %w", axis, ErrInvalidArgument)
	}
	if distance == 0 || feed < 0 {
		return fmt.Errorf("jog %s%s F%s: %w", axis, num(distance), num(feed), ErrInvalidArgument)
	}
	code := "M120\nG91\nG1 " + axis + num(distance) + " F" + num(feed) + "\nM121"
	return e.command(ctx, code)
}

// Extrude feeds filament; a negative amount retracts.
func (e *Engine) Extrude(ctx context.Context, amount, feed float64) error {
	if feed == 0 {
		feed = defaultExtrudeFeed
	}
	if amount == 0 || feed < 0 {
		return fmt.Errorf("extrude E%s F%s: %w", num(amount), num(feed), ErrInvalidArgument)
	}
	return e.command(ctx, "M120\nM83\nG1 E"+num(amount)+" F"+num(feed)+"\nM121")
}

func (e *Engine) SetTemperature(ctx context.Context, heater Heater, celsius float64) error {
	if celsius < 0 {
		return fmt.Errorf("temperature %s: %w", num(celsius), ErrInvalidArgument)
	}
	switch heater {
	case HeaterBed:
		return e.command(ctx, "M140 S"+num(celsius))
	case HeaterHead:
		return e.command(ctx, "G10 P1 S"+num(celsius)+"\nT1")
	}
	return fmt.Errorf("heater %q: %w", heater, ErrInvalidArgument)
}

// SendRaw sends operator-typed G-code, upper-cased.
func (e *Engine) SendRaw(ctx context.Context, text string) error {
	code := strings.ToUpper(strings.TrimSpace(text))
	if code == "" {
		return fmt.Errorf("empty command: %w", ErrInvalidArgument)
	}
	return e.command(ctx, code)
}

func (e *Engine) command(ctx context.Context, code string) error {
	return e.do(ctx, func(time.Time) error {
		if err := e.requireChannel(); err != nil {
			return err
		}
		return e.send(ctx, code)
	})
}

// Pause holds a direct print and asks the controller to pause its own.
func (e *Engine) Pause(ctx context.Context) error {
	return e.do(ctx, func(now time.Time) error {
		if err := e.requireChannel(); err != nil {
			return err
		}
		e.flags.Paused = true
		e.evaluate(now)
		e.note(now, LevelInfo, "Print paused")
		return e.send(ctx, "M25")
	})
}

func (e *Engine) Resume(ctx context.Context) error {
	return e.do(ctx, func(now time.Time) error {
		if err := e.requireChannel(); err != nil {
			return err
		}
		e.flags.Paused = false
		e.evaluate(now)
		e.wakeStream(now)
		e.note(now, LevelInfo, "Print resumed")
		return e.send(ctx, "M24")
	})
}

// Reset abandons a direct print, turns the heaters off, clears layer data and
// sends M1 so the controller resumes from a clean state. While a stored upload
// holds the remote file open the upload keeps draining and the commands are
// sent once the file is closed.
func (e *Engine) Reset(ctx context.Context) error {
	return e.do(ctx, func(now time.Time) error {
		if err := e.requireConnected(); err != nil {
			return err
		}
		if j := e.uploader.Active(); j != nil && j.Mode == model.DirectPrint {
			e.uploader.Abandon()
			e.record(j.Record(model.JobCancelled, now))
			e.logger.Info("job abandoned by reset", "job", j.ID)
		}
		e.flags.Streaming = false
		e.flags.Paused = false
		e.estimator.Reset()
		e.evaluate(now)

		codes := []string{"M140 S0", "G10 P1 S0\nT1", "M1"}
		if j := e.storing(); j != nil {
			e.held = append(e.held, codes...)
			e.logger.Info("reset held until upload completes", "job", j.ID)
			e.note(now, LevelWarning, "Printer reset, heaters go off once "+j.Name+" is stored")
			return nil
		}
		e.note(now, LevelWarning, "Printer reset")

		var errs []error
		for _, code := range codes {
			if err := e.send(ctx, code); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", strings.ReplaceAll(code, "\n", " "), err))
			}
		}
		return errors.Join(errs...)
	})
}

// EmergencyStop halts the controller and stops polling and streaming. A
// stored upload is cut short: its remote file is closed first so M112 reaches
// the controller instead of the file.
func (e *Engine) EmergencyStop(ctx context.Context) error {
	return e.do(ctx, func(now time.Time) error {
		if j := e.storing(); j != nil {
			if err := e.send(ctx, "M29"); err != nil {
				e.logger.Warn("closing remote file failed", "job", j.ID, "error", err)
			}
			e.uploader.Abandon()
			e.record(j.Record(model.JobCancelled, now))
			e.note(now, LevelDanger, "Upload of "+j.Name+" cut short")
		}
		e.held = nil
		e.flags = printstate.Flags{}
		e.snapshot = nil
		e.r.UpdateTimer(e.pollTimer, reactor.Never)
		e.evaluate(now)
		e.wakeStream(now)
		e.logger.Warn("emergency stop")
		e.note(now, LevelDanger, "Emergency stop")
		return e.send(ctx, "M112")
	})
}

// StartUpload validates a file and hands it to the uploader. A direct print
// also resets layer data and takes the object height from the program.
func (e *Engine) StartUpload(ctx context.Context, name string, data []byte, mode model.JobMode) (JobView, error) {
	var view JobView
	err := e.do(ctx, func(now time.Time) error {
		job, err := stream.NewJob(name, data, mode, e.uploader.Config().MaxBuffer, now)
		if err != nil {
			return err
		}
		if e.uploader.Active() != nil {
			return stream.ErrJobActive
		}

		if mode == model.DirectPrint {
			e.flags.Streaming = true
			e.estimator.Reset()
			if h, ok := progress.DetectHeight(job.Lines()); ok {
				e.estimator.SetObjectHeight(h)
			} else {
				e.estimator.ClearObjectHeight()
			}
		}
		if err := e.uploader.Begin(ctx, job); err != nil {
			if mode == model.DirectPrint {
				e.flags.Streaming = false
			}
			return err
		}
		e.record(job.Record(model.JobRunning, now))
		if mode == model.DirectPrint {
			e.evaluate(now)
			e.note(now, LevelInfo, "Web print of "+job.Name+" started")
		} else {
			e.note(now, LevelInfo, "Upload of "+job.Name+" started")
		}
		e.r.UpdateTimer(e.streamTimer, now)

		view = JobView{
			ID:        job.ID,
			Name:      job.Name,
			Mode:      job.Mode,
			Total:     job.Total,
			Remaining: job.Remaining(),
			StartedAt: job.StartedAt,
		}
		return nil
	})
	return view, err
}

// CancelPrint stops a direct print; remaining lines are discarded on the
// uploader's next step.
func (e *Engine) CancelPrint(ctx context.Context) error {
	return e.do(ctx, func(now time.Time) error {
		if !e.flags.Streaming {
			return nil
		}
		e.flags.Streaming = false
		e.wakeStream(now)
		return nil
	})
}

// PrintRemoteFile starts a file already stored on the controller.
func (e *Engine) PrintRemoteFile(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("empty file name: %w", ErrInvalidArgument)
	}
	return e.do(ctx, func(now time.Time) error {
		if err := e.requireChannel(); err != nil {
			return err
		}
		e.estimator.Reset()
		e.estimator.ClearObjectHeight()
		if err := e.send(ctx, "M23 "+name+"\nM24"); err != nil {
			return err
		}
		e.note(now, LevelInfo, "Printing "+name)
		return nil
	})
}

func (e *Engine) DeleteRemoteFile(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("empty file name: %w", ErrInvalidArgument)
	}
	return e.do(ctx, func(now time.Time) error {
		if err := e.requireChannel(); err != nil {
			return err
		}
		if err := e.send(ctx, "M30 "+name); err != nil {
			return err
		}
		e.note(now, LevelInfo, "Deleted "+name)
		return e.refreshFiles(ctx)
	})
}

func (e *Engine) RefreshFiles(ctx context.Context) ([]string, error) {
	var files []string
	err := e.do(ctx, func(time.Time) error {
		if err := e.requireConnected(); err != nil {
			return err
		}
		if err := e.refreshFiles(ctx); err != nil {
			return err
		}
		files = append([]string(nil), e.files...)
		return nil
	})
	return files, err
}

func (e *Engine) refreshFiles(ctx context.Context) error {
	files, err := e.ch.ListFiles(ctx)
	if err != nil {
		return err
	}
	e.files = files
	return nil
}

// SetObjectHeight overrides the height used for the layer total.
func (e *Engine) SetObjectHeight(ctx context.Context, mm float64) error {
	if mm < 0 {
		return fmt.Errorf("height %s: %w", num(mm), ErrInvalidArgument)
	}
	return e.do(ctx, func(time.Time) error {
		if mm == 0 {
			e.estimator.ClearObjectHeight()
		} else {
			e.estimator.SetObjectHeight(mm)
		}
		return nil
	})
}

// ClearMessages empties the message log.
func (e *Engine) ClearMessages(ctx context.Context) error {
	return e.do(ctx, func(time.Time) error {
		e.messages.clear()
		e.lastMessage = ""
		return nil
	})
}
