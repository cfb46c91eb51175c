package state

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// Dispatch Dispatches the function to run on the main thread without waiting for it to complete.
// Once the node is stopping, fun is dropped.
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

// TryDispatch is Dispatch for producers that must never block, such as link receive paths.
// Returns false if the queue is full and the function was dropped.
func (e *Env) TryDispatch(fun func(*State) error) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case e.DispatchChannel <- fun:
		return true
	default:
		return false
	}
}

// DispatchWait Dispatches the function to run on the main thread and wait for it to complete
func (e *Env) DispatchWait(fun func(*State) (any, error)) (any, error) {
	ret := make(chan Pair[any, error], 1)
	e.Dispatch(func(s *State) error {
		res, err := fun(s)
		ret <- Pair[any, error]{res, err}
		return nil
	})
	select {
	case res := <-ret:
		return res.V1, res.V2
	case <-e.Context.Done():
		return nil, e.Context.Err()
	}
}

// ScheduleTask runs fun on the main thread after delay. The returned timer may be stopped before it fires.
func (e *Env) ScheduleTask(fun func(*State) error, delay time.Duration) clockwork.Timer {
	return e.Clock.AfterFunc(delay, func() {
		if e.Context.Err() != nil {
			return
		}
		e.Dispatch(fun)
	})
}

func (e *Env) repeatedTask(fun func(*State) error, ticker clockwork.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-e.Context.Done():
			return
		case <-ticker.Chan():
			e.Dispatch(fun)
		}
	}
}

func (e *Env) RepeatTask(fun func(*State) error, delay time.Duration) {
	go e.repeatedTask(fun, e.Clock.NewTicker(delay))
}
