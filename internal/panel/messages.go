package panel

import "time"

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelDanger  Level = "danger"
)

type Message struct {
	Time  time.Time `json:"time"`
	Level Level     `json:"level"`
	Text  string    `json:"text"`
}

// messageLog keeps the most recent messages for the status view.
type messageLog struct {
	buf  []Message
	next int
	full bool
}

func newMessageLog(size int) *messageLog {
	return &messageLog{buf: make([]Message, max(size, 1))}
}

func (l *messageLog) add(m Message) {
	l.buf[l.next] = m
	l.next = (l.next + 1) % len(l.buf)
	if l.next == 0 {
		l.full = true
	}
}

// list returns the messages newest first.
func (l *messageLog) list() []Message {
	n := l.next
	if l.full {
		n = len(l.buf)
	}
	out := make([]Message, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, l.buf[(l.next-i+len(l.buf))%len(l.buf)])
	}
	return out
}

func (l *messageLog) clear() {
	l.next, l.full = 0, false
}
