// Package stream drains G-code programs into the controller, paced by the
// free space the controller reports in its send buffer.
package stream

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-metrics"

	"reprapctl/internal/model"
	"reprapctl/internal/printstate"
)

// Channel is the command channel as seen by the uploader.
type Channel interface {
	SendCommand(ctx context.Context, code string) (model.Ack, error)
	FetchStatus(ctx context.Context) (model.StatusSnapshot, error)
	ListFiles(ctx context.Context) ([]string, error)
}

type Config struct {
	// MaxBuffer caps the free-space estimate used to size a batch.
	MaxBuffer int `yaml:"max_buffer"`
	// MaxBatchLines caps the number of lines per request.
	MaxBatchLines int `yaml:"max_batch_lines"`
	// LowWater is the free space below which nothing is sent.
	LowWater int `yaml:"low_water"`

	SendDelay   time.Duration `yaml:"send_delay"`
	BufferDelay time.Duration `yaml:"buffer_delay"`
	PauseDelay  time.Duration `yaml:"pause_delay"`
}

func DefaultConfig() Config {
	return Config{
		MaxBuffer:     800,
		MaxBatchLines: 200,
		LowWater:      100,
		SendDelay:     5 * time.Millisecond,
		BufferDelay:   20 * time.Millisecond,
		PauseDelay:    2 * time.Second,
	}
}

// Completion describes a job that left the uploader.
type Completion struct {
	Job       *Job
	Cancelled bool
	Elapsed   time.Duration
	// Files is the refreshed remote listing after a stored upload; nil if the
	// listing could not be fetched.
	Files []string
}

// StepResult tells the scheduler when to call Step again. Done is set on the
// step that retires the job.
type StepResult struct {
	Wait time.Duration
	Done *Completion
}

// Uploader owns at most one Job and advances it one request per Step.
type Uploader struct {
	ch     Channel
	buf    *Buffer
	cfg    Config
	logger hclog.Logger
	now    func() time.Time

	job *Job
}

func NewUploader(ch Channel, buf *Buffer, cfg Config, logger hclog.Logger) *Uploader {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Uploader{
		ch:     ch,
		buf:    buf,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

func (u *Uploader) Config() Config { return u.cfg }

// Active returns the draining job, or nil.
func (u *Uploader) Active() *Job { return u.job }

// Begin takes ownership of job. A stored upload opens the remote file first,
// so Begin fails if the controller cannot be reached.
func (u *Uploader) Begin(ctx context.Context, job *Job) error {
	if u.job != nil {
		return ErrJobActive
	}
	if job.Mode == model.StoreOnly {
		if _, err := u.ch.SendCommand(ctx, "M28 "+job.Name); err != nil {
			return err
		}
	}
	u.job = job
	u.logger.Info("job started", "job", job.ID, "name", job.Name, "mode", job.Mode, "lines", job.Total)
	return nil
}

// Abandon drops the job without finalizing it.
func (u *Uploader) Abandon() *Job {
	j := u.job
	u.job = nil
	return j
}

// Step runs one iteration of the drain loop.
func (u *Uploader) Step(ctx context.Context, flags printstate.Flags) StepResult {
	j := u.job
	if j == nil {
		return StepResult{}
	}

	// Stopping a direct print abandons the rest; a stored upload always completes.
	if j.Mode == model.DirectPrint && !flags.Streaming && len(j.lines) > 0 {
		u.logger.Info("direct print stopped", "job", j.ID, "discarded", len(j.lines))
		j.lines = nil
		j.cancelled = true
	}
	if len(j.lines) == 0 {
		return u.finish(ctx)
	}

	if j.Mode == model.DirectPrint && flags.Paused {
		return StepResult{Wait: u.cfg.PauseDelay}
	}

	free, known := u.buf.Free()
	if !known || free < u.cfg.LowWater || j.needRefresh {
		snap, err := u.ch.FetchStatus(ctx)
		if err != nil {
			metrics.IncrCounter([]string{"stream", "unreachable"}, 1)
			u.logger.Warn("buffer refresh failed, retrying", "job", j.ID, "error", err)
			return StepResult{Wait: u.cfg.BufferDelay}
		}
		u.buf.Set(snap.BufferFree)
		free = snap.BufferFree
		j.needRefresh = false
	}
	if free < u.cfg.LowWater {
		return StepResult{Wait: u.cfg.BufferDelay}
	}
	free = min(free, u.cfg.MaxBuffer)

	n := PackBatch(j.lines, free, u.cfg.MaxBatchLines)
	if n == 0 {
		j.needRefresh = true
		return StepResult{Wait: u.cfg.BufferDelay}
	}
	ack, err := u.ch.SendCommand(ctx, strings.Join(j.lines[:n], "\n"))
	if err != nil {
		metrics.IncrCounter([]string{"stream", "unreachable"}, 1)
		u.logger.Warn("batch send failed, retrying", "job", j.ID, "lines", n, "error", err)
		return StepResult{Wait: u.cfg.BufferDelay}
	}
	j.lines = j.lines[n:]
	j.sent += n
	u.buf.Set(min(ack.BufferFree, u.cfg.MaxBuffer))

	metrics.IncrCounter([]string{"stream", "batches"}, 1)
	metrics.IncrCounter([]string{"stream", "lines"}, float32(n))
	metrics.SetGauge([]string{"controller", "buffer_free"}, float32(ack.BufferFree))
	u.logger.Trace("batch sent", "job", j.ID, "lines", n, "remaining", len(j.lines), "buffer", ack.BufferFree)
	return StepResult{Wait: u.cfg.SendDelay}
}

func (u *Uploader) finish(ctx context.Context) StepResult {
	j := u.job
	done := &Completion{Job: j, Cancelled: j.cancelled}

	if j.Mode == model.StoreOnly {
		if !j.finalized {
			if _, err := u.ch.SendCommand(ctx, "M29"); err != nil {
				u.logger.Warn("closing remote file failed, retrying", "job", j.ID, "error", err)
				return StepResult{Wait: u.cfg.BufferDelay}
			}
			j.finalized = true
		}
		files, err := u.ch.ListFiles(ctx)
		if err != nil {
			u.logger.Warn("file list refresh failed", "error", err)
		} else {
			done.Files = files
		}
	}

	u.job = nil
	done.Elapsed = u.now().Sub(j.StartedAt)
	u.logger.Info("job finished", "job", j.ID, "sent", j.sent, "cancelled", j.cancelled, "elapsed", done.Elapsed)
	return StepResult{Done: done}
}
