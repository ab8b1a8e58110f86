package state

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEnv(t *testing.T) (*Env, chan func(*State) error, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	dispatch := make(chan func(*State) error, 64)
	ctx, cancel := context.WithCancelCause(context.Background())
	t.Cleanup(func() { cancel(context.Canceled) })
	env := &Env{
		Area:            "test",
		DispatchChannel: dispatch,
		Context:         ctx,
		Cancel:          cancel,
		Log:             slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:           clk,
		Counters:        NewCounters(),
	}
	return env, dispatch, clk
}

func drain(t *testing.T, s *State, dispatch chan func(*State) error) {
	t.Helper()
	for {
		select {
		case fun := <-dispatch:
			require.NoError(t, fun(s))
		default:
			return
		}
	}
}

func TestDispatchWait(t *testing.T) {
	env, dispatch, _ := testEnv(t)
	s := &State{Env: env}

	go func() {
		fun := <-dispatch
		fun(s)
	}()
	res, err := env.DispatchWait(func(st *State) (any, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, res)
}

func TestDispatchWaitAfterCancel(t *testing.T) {
	env, _, _ := testEnv(t)
	env.Cancel(context.Canceled)
	_, err := env.DispatchWait(func(st *State) (any, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrStopped)
}

func TestDispatchTimerSchedule(t *testing.T) {
	env, dispatch, clk := testEnv(t)
	s := &State{Env: env}

	fired := 0
	timer := env.NewTimer(func(st *State) error {
		fired++
		return nil
	})

	timer.Schedule(100 * time.Millisecond)
	assert.True(t, timer.IsScheduled())

	clk.Add(99 * time.Millisecond)
	drain(t, s, dispatch)
	assert.Equal(t, 0, fired)

	clk.Add(time.Millisecond)
	drain(t, s, dispatch)
	assert.Equal(t, 1, fired)
	assert.False(t, timer.IsScheduled())
}

func TestDispatchTimerReschedule(t *testing.T) {
	env, dispatch, clk := testEnv(t)
	s := &State{Env: env}

	fired := 0
	timer := env.NewTimer(func(st *State) error {
		fired++
		return nil
	})

	timer.Schedule(100 * time.Millisecond)
	timer.Schedule(300 * time.Millisecond) // replaces the first deadline

	clk.Add(200 * time.Millisecond)
	drain(t, s, dispatch)
	assert.Equal(t, 0, fired)

	clk.Add(100 * time.Millisecond)
	drain(t, s, dispatch)
	assert.Equal(t, 1, fired)
}

func TestDispatchTimerCancel(t *testing.T) {
	env, dispatch, clk := testEnv(t)
	s := &State{Env: env}

	fired := 0
	timer := env.NewTimer(func(st *State) error {
		fired++
		return nil
	})
	timer.Schedule(50 * time.Millisecond)
	timer.Cancel()
	assert.False(t, timer.IsScheduled())

	clk.Add(time.Second)
	drain(t, s, dispatch)
	assert.Equal(t, 0, fired)
}

func TestThrottleCoalesces(t *testing.T) {
	env, dispatch, clk := testEnv(t)
	s := &State{Env: env}

	fired := 0
	throttle := env.NewThrottle(100*time.Millisecond, func(st *State) error {
		fired++
		return nil
	})

	throttle.Trigger()
	throttle.Trigger()
	throttle.Trigger()

	clk.Add(100 * time.Millisecond)
	drain(t, s, dispatch)
	assert.Equal(t, 1, fired)

	// a new trigger after the window fires again
	throttle.Trigger()
	clk.Add(100 * time.Millisecond)
	drain(t, s, dispatch)
	assert.Equal(t, 2, fired)
}
