package stream

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"reprapctl/internal/model"
)

var (
	// ErrMalformedFile rejects a file before any upload starts.
	ErrMalformedFile = errors.New("not a G-code file")
	// ErrJobActive is returned when a job is already draining.
	ErrJobActive = errors.New("a job is already streaming")
)

// maxStoredName is the 8 of the controller's 8.3 file names.
const maxStoredName = 8

var lineBreak = regexp.MustCompile(`\r\n|\r|\n`)

// Job is one program being drained into the controller. It belongs to the
// Uploader from Begin until its Completion is returned.
type Job struct {
	ID        string
	Name      string
	Source    string
	Mode      model.JobMode
	Total     int
	StartedAt time.Time

	lines       []string
	sent        int
	cancelled   bool
	finalized   bool
	needRefresh bool
}

// NewJob validates a dropped file and splits it into lines. maxBuffer is the
// buffer ceiling; a line that could never fit under it is rejected.
func NewJob(source string, data []byte, mode model.JobMode, maxBuffer int, now time.Time) (*Job, error) {
	base, ext := splitName(source)
	switch strings.ToLower(ext) {
	case "g", "gco", "gcode":
	default:
		return nil, fmt.Errorf("%s: %w", source, ErrMalformedFile)
	}

	lines := lineBreak.Split(string(data), -1)
	for i, l := range lines {
		if encodedLen(l)+joinerLen >= maxBuffer {
			return nil, fmt.Errorf("%s: line %d is longer than the controller buffer: %w", source, i+1, ErrMalformedFile)
		}
	}

	name := source
	if mode == model.StoreOnly {
		name = strings.ToLower(base)
		if len(name) > maxStoredName {
			name = name[:maxStoredName]
		}
		name += ".g"
	}
	return &Job{
		ID:        name + "-" + strconv.FormatInt(now.UnixMilli(), 36),
		Name:      name,
		Source:    source,
		Mode:      mode,
		Total:     len(lines),
		StartedAt: now,
		lines:     lines,
	}, nil
}

// splitName returns the part before the first dot and the part after the last.
func splitName(source string) (string, string) {
	file := path.Base(strings.ReplaceAll(source, `\`, "/"))
	first := strings.IndexByte(file, '.')
	last := strings.LastIndexByte(file, '.')
	if first < 0 {
		return file, ""
	}
	return file[:first], file[last+1:]
}

// Lines returns the queued, unsent lines.
func (j *Job) Lines() []string { return j.lines }

func (j *Job) Remaining() int { return len(j.lines) }

func (j *Job) Sent() int { return j.sent }

func (j *Job) Cancelled() bool { return j.cancelled }

// Percent is the share of lines handed to the controller.
func (j *Job) Percent() int {
	if j.Total == 0 {
		return 100
	}
	return (j.Total - len(j.lines)) * 100 / j.Total
}

// Record renders the job for the journal.
func (j *Job) Record(status model.JobStatus, now time.Time) model.JobRecord {
	rec := model.JobRecord{
		ID:         j.ID,
		Name:       j.Name,
		Mode:       j.Mode,
		TotalLines: j.Total,
		SentLines:  j.sent,
		Status:     status,
		StartedAt:  j.StartedAt,
	}
	if status == model.JobDone || status == model.JobCancelled {
		rec.Duration = now.Sub(j.StartedAt)
	}
	return rec
}
