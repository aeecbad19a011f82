// Package progress turns Z-height samples into layer changes, completion
// percentage and remaining-time projections.
package progress

import (
	"math"
	"time"
)

// recentWindow is the number of intervals in the short moving average.
const recentWindow = 5

// Estimator tracks the layers of one print. It is not safe for concurrent
// use; the engine drives it from its reactor.
type Estimator struct {
	log       *LayerLog
	layer     int
	startedAt time.Time

	layerHeight float64
	height      float64
}

func NewEstimator(logSize int) *Estimator {
	return &Estimator{log: NewLayerLog(logSize)}
}

// SetLayerHeight updates the configured layer height in mm. Non-positive
// values are ignored.
func (e *Estimator) SetLayerHeight(mm float64) {
	if mm > 0 {
		e.layerHeight = mm
	}
}

// SetObjectHeight sets the target object height in mm; zero or less unsets it.
func (e *Estimator) SetObjectHeight(mm float64) {
	e.height = max(mm, 0)
}

// ObjectHeight returns the target height and whether one is set.
func (e *Estimator) ObjectHeight() (float64, bool) {
	return e.height, e.height > 0
}

// LayerIndex maps a Z height to a layer number.
func (e *Estimator) LayerIndex(z float64) int {
	if e.layerHeight <= 0 {
		return 0
	}
	return int(math.Round(z / e.layerHeight))
}

// Observe feeds one Z sample taken at now and reports whether it completed a
// layer. Only a step of exactly one layer counts; skips and regressions move
// the current layer without recording a change.
func (e *Estimator) Observe(z float64, now time.Time) bool {
	n := e.LayerIndex(z)
	changed := n == e.layer+1
	e.layer = n
	if !changed {
		return false
	}
	if e.startedAt.IsZero() {
		e.startedAt = now
	}
	return e.log.Push(now)
}

// Reset forgets all layer data. Layer and object height settings are kept.
func (e *Estimator) Reset() {
	e.log.Reset()
	e.layer = 0
	e.startedAt = time.Time{}
}

// ClearObjectHeight unsets the target height.
func (e *Estimator) ClearObjectHeight() {
	e.height = 0
}

func (e *Estimator) CurrentLayer() int { return e.layer }

// Log exposes the layer timestamps.
func (e *Estimator) Log() *LayerLog { return e.log }

// TotalLayers is ceil(object height / layer height), or 0 if either is unset.
func (e *Estimator) TotalLayers() int {
	if e.height <= 0 || e.layerHeight <= 0 {
		return 0
	}
	return int(math.Ceil(e.height / e.layerHeight))
}

// Percent is the completed share of layers, 0 when the total is unknown.
func (e *Estimator) Percent() int {
	total := e.TotalLayers()
	if total == 0 {
		return 0
	}
	pct := int(math.Floor(float64(e.layer) / float64(total) * 100))
	return min(max(pct, 0), 100)
}

// Report is a point-in-time view of the estimator. Nil durations are not yet
// known.
type Report struct {
	CompletionPercent int       `json:"completion_percent"`
	CurrentLayer      int       `json:"current_layer"`
	TotalLayers       int       `json:"total_layers"`
	ObjectHeight      float64   `json:"object_height,omitempty"`
	Elapsed           *Duration `json:"elapsed"`
	LastLayer         *Duration `json:"last_layer"`
	AllAverage        *Duration `json:"all_average"`
	Last5Average      *Duration `json:"last5_average"`
	LastLayerLeft     *Duration `json:"last_layer_remaining"`
	AllAverageLeft    *Duration `json:"all_average_remaining"`
	Last5AverageLeft  *Duration `json:"last5_average_remaining"`

	// LayerDurations is the time spent on each logged layer, oldest first.
	LayerDurations []Duration `json:"layer_durations"`
}

func (e *Estimator) Report(now time.Time) Report {
	r := Report{
		CompletionPercent: e.Percent(),
		CurrentLayer:      e.layer,
		TotalLayers:       e.TotalLayers(),
		ObjectHeight:      e.height,
	}
	if !e.startedAt.IsZero() {
		r.Elapsed = durationPtr(now.Sub(e.startedAt))
	}

	n := e.log.Len()
	if n < 2 {
		return r
	}
	for _, d := range e.log.Intervals() {
		r.LayerDurations = append(r.LayerDurations, Duration(d))
	}
	newest := e.log.At(n - 1)
	intervals := n - 1
	last := newest.Sub(e.log.At(n - 2))
	all := newest.Sub(e.log.At(0)) / time.Duration(intervals)
	r.LastLayer = durationPtr(last)
	r.AllAverage = durationPtr(all)

	var recent time.Duration
	if intervals >= recentWindow {
		recent = newest.Sub(e.log.At(n-1-recentWindow)) / recentWindow
		r.Last5Average = durationPtr(recent)
	}

	if r.TotalLayers == 0 {
		return r
	}
	left := time.Duration(max(r.TotalLayers-e.layer, 0))
	r.LastLayerLeft = durationPtr(last * left)
	r.AllAverageLeft = durationPtr(all * left)
	if r.Last5Average != nil {
		r.Last5AverageLeft = durationPtr(recent * left)
	}
	return r
}
