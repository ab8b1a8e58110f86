package state

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Pair is a generic 2-tuple.
type Pair[T1 any, T2 any] struct {
	V1 T1
	V2 T2
}

// Dispatch Dispatches the function to run on the area executor without waiting for it to complete
func (e *Env) Dispatch(fun func(*State) error) {
	defer func() {
		if r := recover(); r != nil {
			e.Cancel(fmt.Errorf("panic: %v", r))
		}
	}()
	select {
	case e.DispatchChannel <- fun:
	case <-e.Context.Done():
	}
}

// DispatchWait Dispatches the function to run on the area executor and wait for it to complete
func (e *Env) DispatchWait(fun func(*State) (any, error)) (any, error) {
	ret := make(chan Pair[any, error], 1)
	select {
	case e.DispatchChannel <- func(s *State) error {
		res, err := fun(s)
		ret <- Pair[any, error]{res, err}
		return nil
	}:
	case <-e.Context.Done():
		return nil, ErrStopped
	}
	select {
	case res := <-ret:
		return res.V1, res.V2
	case <-e.Context.Done():
		return nil, ErrStopped
	}
}

// ScheduleTask runs fun on the executor after delay.
func (e *Env) ScheduleTask(fun func(*State) error, delay time.Duration) {
	e.Clock.AfterFunc(delay, func() {
		e.Dispatch(fun)
	})
}

func (e *Env) repeatedTask(fun func(*State) error, delay time.Duration) {
	for e.Context.Err() == nil {
		e.Dispatch(fun)
		e.Clock.Sleep(delay)
	}
}

// RepeatTask runs fun on the executor every delay until shutdown.
func (e *Env) RepeatTask(fun func(*State) error, delay time.Duration) {
	go e.repeatedTask(fun, delay)
}

// DispatchTimer is a cancellable, reschedulable one-shot timer whose
// callback runs on the area executor.
type DispatchTimer struct {
	e   *Env
	fun func(*State) error

	mu        sync.Mutex
	timer     *clock.Timer
	scheduled bool
	gen       uint64
}

func (e *Env) NewTimer(fun func(*State) error) *DispatchTimer {
	return &DispatchTimer{e: e, fun: fun}
}

// Schedule arms the timer, replacing any previously armed deadline.
func (t *DispatchTimer) Schedule(delay time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.scheduled = true
	t.timer = t.e.Clock.AfterFunc(delay, func() {
		t.mu.Lock()
		if t.gen != gen {
			t.mu.Unlock()
			return
		}
		t.scheduled = false
		t.mu.Unlock()
		t.e.Dispatch(t.fun)
	})
}

// Cancel disarms the timer if armed.
func (t *DispatchTimer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	t.scheduled = false
}

func (t *DispatchTimer) IsScheduled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scheduled
}

// Throttle coalesces bursts of triggers into one executor callback per
// window.
type Throttle struct {
	timer   *DispatchTimer
	timeout time.Duration
}

func (e *Env) NewThrottle(timeout time.Duration, fun func(*State) error) *Throttle {
	return &Throttle{timer: e.NewTimer(fun), timeout: timeout}
}

// Trigger schedules the callback unless one is already pending.
func (t *Throttle) Trigger() {
	if !t.timer.IsScheduled() {
		t.timer.Schedule(t.timeout)
	}
}
