package stream

import "reprapctl/internal/controller"

const joinerLen = controller.JoinerLen

func encodedLen(line string) int {
	return len(controller.EscapeGCode(line))
}

// PackBatch returns how many leading lines fit in one rr_gcode request: the
// encoded lines plus their joiners stay below free, and at most maxLines are
// taken.
func PackBatch(lines []string, free, maxLines int) int {
	size, n := 0, 0
	for n < len(lines) && n < maxLines {
		l := encodedLen(lines[n])
		if size+l+joinerLen >= free {
			break
		}
		if n > 0 {
			size += joinerLen
		}
		size += l
		n++
	}
	return n
}

// Buffer is the controller's last reported free send-buffer space. The poll
// tick and the uploader both overwrite it; they run on the same reactor, so
// the last writer wins without locking.
type Buffer struct {
	free  int
	known bool
}

func (b *Buffer) Set(n int) {
	b.free = max(n, 0)
	b.known = true
}

// Free returns the estimate and whether one has been reported yet.
func (b *Buffer) Free() (int, bool) {
	return b.free, b.known
}

func (b *Buffer) Forget() {
	b.free, b.known = 0, false
}
