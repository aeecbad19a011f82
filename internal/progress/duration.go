package progress

import (
	"fmt"
	"time"
)

// FormatDuration renders d as "5s", "1m 05s" or "1h 00m 00s", truncated to
// whole seconds. Negative durations render as "0s".
func FormatDuration(d time.Duration) string {
	secs := int64(d / time.Second)
	if secs < 0 {
		secs = 0
	}
	h, m, s := secs/3600, secs/60%60, secs%60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %02ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

// Duration marshals as its FormatDuration text alongside milliseconds, which
// is what the panel's status view wants.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return fmt.Appendf(nil, `{"ms":%d,"text":%q}`, time.Duration(d).Milliseconds(), FormatDuration(time.Duration(d))), nil
}

func durationPtr(d time.Duration) *Duration {
	v := Duration(d)
	return &v
}
