package fsm

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
)

// WrapEvent adapts a callback that returns an error. A non-nil error is
// stored on the event and returned from FSM.Event.
func WrapEvent(fn func(ctx context.Context, event *fsm.Event) error) fsm.Callback {
	return func(ctx context.Context, event *fsm.Event) {
		if err := fn(ctx, event); err != nil {
			event.Err = err
		}
	}
}

// Fire triggers event on f. Self-transitions are not errors.
func Fire(ctx context.Context, f *fsm.FSM, event string, args ...any) error {
	err := f.Event(ctx, event, args...)
	var noop fsm.NoTransitionError
	if errors.As(err, &noop) {
		return noop.Err
	}
	return err
}

// Transition is the source and destination of a completed event.
func Transition(e *fsm.Event) (src, dst string) {
	return e.Src, e.Dst
}
