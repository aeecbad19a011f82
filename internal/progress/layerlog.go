package progress

import "time"

// DefaultLayerLogSize is how many layer timestamps are kept.
const DefaultLayerLogSize = 100

// LayerLog is a fixed-capacity ring of layer-change timestamps. Entries are
// strictly increasing; once full, the oldest entry is overwritten.
type LayerLog struct {
	buf   []time.Time
	start int
	n     int
}

func NewLayerLog(size int) *LayerLog {
	if size < 2 {
		size = 2
	}
	return &LayerLog{buf: make([]time.Time, size)}
}

// Push appends t. It returns false and leaves the log unchanged when t is not
// after the newest entry.
func (l *LayerLog) Push(t time.Time) bool {
	if l.n > 0 && !t.After(l.At(l.n-1)) {
		return false
	}
	if l.n < len(l.buf) {
		l.buf[(l.start+l.n)%len(l.buf)] = t
		l.n++
		return true
	}
	l.buf[l.start] = t
	l.start = (l.start + 1) % len(l.buf)
	return true
}

// At returns the i-th oldest entry.
func (l *LayerLog) At(i int) time.Time {
	return l.buf[(l.start+i)%len(l.buf)]
}

func (l *LayerLog) Len() int { return l.n }

func (l *LayerLog) Cap() int { return len(l.buf) }

func (l *LayerLog) Reset() {
	l.start, l.n = 0, 0
}

// Intervals returns the per-layer durations between consecutive entries,
// oldest first.
func (l *LayerLog) Intervals() []time.Duration {
	if l.n < 2 {
		return nil
	}
	out := make([]time.Duration, 0, l.n-1)
	for i := 1; i < l.n; i++ {
		out = append(out, l.At(i).Sub(l.At(i-1)))
	}
	return out
}
