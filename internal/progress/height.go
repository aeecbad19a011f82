package progress

import (
	"strconv"
	"strings"
)

const zMoveToken = "G1 Z"

// DetectHeight scans lines from the end for the last "G1 Z" move and returns
// the coordinate that follows it. The first match walking backwards wins.
func DetectHeight(lines []string) (float64, bool) {
	for i := len(lines) - 1; i >= 0; i-- {
		pos := strings.Index(lines[i], zMoveToken)
		if pos < 0 {
			continue
		}
		rest := lines[i][pos+len(zMoveToken):]
		if end := strings.IndexByte(rest, ' '); end >= 0 {
			rest = rest[:end]
		}
		h, err := strconv.ParseFloat(strings.TrimSpace(rest), 64)
		if err != nil || h <= 0 {
			continue
		}
		return h, true
	}
	return 0, false
}
