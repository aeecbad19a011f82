package reactor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func start(t *testing.T) (*Reactor, context.CancelFunc) {
	t.Helper()
	r := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Error("reactor did not stop")
		}
	})
	return r, cancel
}

func TestReactor_TimerReschedules(t *testing.T) {
	r, _ := start(t)

	var fired atomic.Int32
	done := make(chan struct{})
	r.RegisterTimer(func(now time.Time) time.Time {
		if fired.Add(1) == 3 {
			close(done)
			return Never
		}
		return now.Add(5 * time.Millisecond)
	}, r.Now())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire three times")
	}
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(3), fired.Load(), "parked timer must not fire again")
}

func TestReactor_CallRunsOnLoop(t *testing.T) {
	r, _ := start(t)

	// Timer callbacks and calls share one goroutine, so this counter needs no lock.
	counter := 0
	r.RegisterTimer(func(now time.Time) time.Time {
		counter++
		return now.Add(time.Millisecond)
	}, r.Now())

	for i := 0; i < 50; i++ {
		require.NoError(t, r.Call(context.Background(), func() { counter++ }))
	}
	var seen int
	require.NoError(t, r.Call(context.Background(), func() { seen = counter }))
	assert.GreaterOrEqual(t, seen, 50)
}

func TestReactor_UpdateTimer(t *testing.T) {
	r, _ := start(t)

	fired := make(chan struct{}, 10)
	tm := r.RegisterTimer(func(time.Time) time.Time {
		fired <- struct{}{}
		return Never
	}, Never)

	select {
	case <-fired:
		t.Fatal("parked timer fired")
	case <-time.After(20 * time.Millisecond):
	}

	r.UpdateTimer(tm, r.Now())
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("updated timer did not fire")
	}
}

func TestReactor_ClosedAfterRun(t *testing.T) {
	r := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, r.Run(ctx), context.Canceled)

	assert.ErrorIs(t, r.Call(context.Background(), func() {}), ErrClosed)
}

func TestReactor_CallHonoursContext(t *testing.T) {
	r := New(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	// Nothing runs the loop, so the call can only end through its context.
	assert.ErrorIs(t, r.Call(ctx, func() {}), context.DeadlineExceeded)
}
