// Package reactor runs timers and posted functions on a single goroutine.
// Everything the engine mutates is touched only from that goroutine, so one
// network request is in flight at a time and no state needs a lock.
package reactor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Never parks a timer until it is updated.
var Never = time.Time{}

var ErrClosed = errors.New("reactor: closed")

// TimerCallback runs when a timer is due and returns its next wake time, or
// Never to park it.
type TimerCallback func(now time.Time) time.Time

type Timer struct {
	id   uint64
	cb   TimerCallback
	wake time.Time
}

type Reactor struct {
	mu     sync.Mutex
	timers []*Timer
	nextID uint64

	async  chan func()
	wakeup chan struct{}
	done   chan struct{}
	once   sync.Once

	logger hclog.Logger
	now    func() time.Time
}

func New(logger hclog.Logger) *Reactor {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Reactor{
		async:  make(chan func(), 64),
		wakeup: make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger,
		now:    time.Now,
	}
}

func (r *Reactor) Now() time.Time { return r.now() }

// RegisterTimer adds a timer that first fires at wake. Safe from any goroutine.
func (r *Reactor) RegisterTimer(cb TimerCallback, wake time.Time) *Timer {
	r.mu.Lock()
	r.nextID++
	t := &Timer{id: r.nextID, cb: cb, wake: wake}
	r.timers = append(r.timers, t)
	r.mu.Unlock()
	r.kick()
	return t
}

// UpdateTimer moves a timer's next wake time.
func (r *Reactor) UpdateTimer(t *Timer, wake time.Time) {
	r.mu.Lock()
	t.wake = wake
	r.mu.Unlock()
	r.kick()
}

// Post queues fn to run on the reactor goroutine.
func (r *Reactor) Post(fn func()) error {
	select {
	case r.async <- fn:
		return nil
	case <-r.done:
		return ErrClosed
	}
}

// Call runs fn on the reactor goroutine and waits for it to return. It must
// not be called from the reactor goroutine itself.
func (r *Reactor) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	err := r.Post(func() {
		defer close(finished)
		fn()
	})
	if err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrClosed
	}
}

// Run dispatches until ctx is cancelled.
func (r *Reactor) Run(ctx context.Context) error {
	defer r.once.Do(func() { close(r.done) })
	r.logger.Debug("reactor running")

	for {
		delay, armed := r.fireTimers(r.now())

		var (
			timer *time.Timer
			wait  <-chan time.Time
		)
		if armed {
			timer = time.NewTimer(delay)
			wait = timer.C
		}
		select {
		case <-ctx.Done():
			r.logger.Debug("reactor stopped")
			return ctx.Err()
		case fn := <-r.async:
			fn()
		case <-r.wakeup:
		case <-wait:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// fireTimers runs every due timer and returns the delay until the next one.
func (r *Reactor) fireTimers(now time.Time) (time.Duration, bool) {
	r.mu.Lock()
	due := make([]*Timer, 0, len(r.timers))
	for _, t := range r.timers {
		if !t.wake.IsZero() && !t.wake.After(now) {
			t.wake = Never
			due = append(due, t)
		}
	}
	r.mu.Unlock()

	for _, t := range due {
		next := t.cb(now)
		r.mu.Lock()
		// A callback that re-armed itself through UpdateTimer keeps that time.
		if t.wake.IsZero() && r.registered(t) {
			t.wake = next
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var next time.Time
	for _, t := range r.timers {
		if !t.wake.IsZero() && (next.IsZero() || t.wake.Before(next)) {
			next = t.wake
		}
	}
	if next.IsZero() {
		return 0, false
	}
	return max(next.Sub(r.now()), 0), true
}

func (r *Reactor) registered(t *Timer) bool {
	for _, other := range r.timers {
		if other.id == t.id {
			return true
		}
	}
	return false
}

func (r *Reactor) kick() {
	select {
	case r.wakeup <- struct{}{}:
	default:
	}
}
