// Package mutation runs optimistic writes: apply locally, call the backend,
// then commit or roll back.
//
// Every in-flight write is tracked by a small state machine keyed by the
// entity it targets:
//
//	pending -> committed | rolled_back | superseded
//
// Resolves of the same alarm are serialized. A newer assignment of a device
// supersedes the one in flight: it inherits the older write's rollback
// baseline, and the older write's outcome no longer touches the store except
// that a superseded success moves the baseline forward. When the newer write
// was already rolled back, that success is applied to the store instead.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/fleetsync/internal/fleet"
	"github.com/autopeer-io/fleetsync/internal/pkg/metrics"
	fsmutil "github.com/autopeer-io/fleetsync/internal/pkg/util/fsm"
	"github.com/autopeer-io/fleetsync/internal/store"
	"github.com/autopeer-io/fleetsync/pkg/log"
)

type Kind string

const (
	KindResolveAlarm Kind = "resolve_alarm"
	KindAssignDevice Kind = "assign_device"
)

const (
	StatePending    = "pending"
	StateCommitted  = "committed"
	StateRolledBack = "rolled_back"
	StateSuperseded = "superseded"

	eventCommit    = "commit"
	eventRollback  = "rollback"
	eventSupersede = "supersede"
)

// ErrSuperseded is returned by a write that a newer write replaced while its
// remote call was in flight, unless the newer write rolled back first and the
// older one's success was applied in its place.
var ErrSuperseded = errors.New("superseded by a newer request")

// RollbackError is returned by a write whose backend call failed after the
// optimistic change was applied. The change has been rolled back.
type RollbackError struct {
	Kind Kind
	Key  string
	Err  error
}

func (e *RollbackError) Error() string { return fmt.Sprintf("%s %s: %v", e.Kind, e.Key, e.Err) }

func (e *RollbackError) Unwrap() error { return e.Err }

// Remote is the backend side of the two optimistic writes.
type Remote interface {
	ResolveAlarm(ctx context.Context, id fleet.AlarmID, r fleet.Resolution) error
	AssignDevice(ctx context.Context, id fleet.DeviceID, a fleet.Assignment) error
}

// Outcome describes a settled write.
type Outcome struct {
	Kind    Kind
	Key     string
	State   string
	Err     error
	Latency time.Duration
}

type Options struct {
	// Timeout bounds each remote call. Zero leaves it to the transport.
	Timeout time.Duration

	Clock clock.PassiveClock

	// OnSettled is called once per write, outside any lock.
	OnSettled func(Outcome)
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	store     *store.Store
	remote    Remote
	timeout   time.Duration
	clock     clock.PassiveClock
	onSettled func(Outcome)
	logger    log.Logger

	mu       sync.Mutex
	inflight map[string]*op
	// orphaned holds, per key, the last write that rolled back while an
	// older write it superseded was still awaiting the backend.
	orphaned map[string]*op
}

type op struct {
	kind    Kind
	key     string
	target  store.Mutation
	undo    store.Undo
	started time.Time
	done    chan struct{}
	tracker *fsm.FSM

	// prev is the pending write this one superseded.
	prev *op
}

func New(s *store.Store, remote Remote, opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Coordinator{
		store:     s,
		remote:    remote,
		timeout:   opts.Timeout,
		clock:     opts.Clock,
		onSettled: opts.OnSettled,
		logger:    log.WithName("mutation").WithValues("manager", s.ManagerID()),
		inflight:  make(map[string]*op),
		orphaned:  make(map[string]*op),
	}
}

func (c *Coordinator) newOp(kind Kind, m store.Mutation, undo store.Undo) *op {
	o := &op{
		kind:    kind,
		key:     m.Key(),
		target:  m,
		undo:    undo,
		started: c.clock.Now(),
		done:    make(chan struct{}),
	}
	o.tracker = fsm.NewFSM(
		StatePending,
		fsm.Events{
			{Name: eventCommit, Src: []string{StatePending}, Dst: StateCommitted},
			{Name: eventRollback, Src: []string{StatePending}, Dst: StateRolledBack},
			{Name: eventSupersede, Src: []string{StatePending}, Dst: StateSuperseded},
		},
		fsm.Callbacks{
			"enter_" + StateRolledBack: fsmutil.WrapEvent(func(_ context.Context, _ *fsm.Event) error {
				return c.store.Rollback(o.undo)
			}),
			"enter_state": func(_ context.Context, e *fsm.Event) {
				src, dst := fsmutil.Transition(e)
				c.logger.Debug("Mutation state changed", "key", o.key, "from", src, "to", dst)
				metrics.Mutations.WithLabelValues(string(o.kind), dst).Inc()
			},
		},
	)
	return o
}

// ResolveAlarm marks the alarm resolved by manager at once and confirms it
// with the backend. A resolve already in flight for the same alarm is waited
// for first; an alarm that is already resolved is left alone. On failure the
// alarm's resolution is restored and the backend error returned.
func (c *Coordinator) ResolveAlarm(ctx context.Context, id fleet.AlarmID, by fleet.ManagerID) error {
	key := store.ResolveAlarm{ID: id}.Key()

	for {
		c.mu.Lock()
		prev, busy := c.inflight[key]
		if !busy {
			break
		}
		c.mu.Unlock()

		select {
		case <-prev.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	a, ok := c.store.Alarm(id)
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", store.ErrUnknownAlarm, id)
	}
	if a.Resolved {
		c.mu.Unlock()
		return nil
	}

	m := store.ResolveAlarm{ID: id, Resolution: fleet.Resolution{Resolved: true, By: &by, At: fleet.At(c.clock.Now())}}
	undo, err := c.store.ApplyOptimistic(m)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	o := c.newOp(KindResolveAlarm, m, undo)
	c.inflight[key] = o
	c.mu.Unlock()

	// Alarms synthesized on this client do not exist on the backend.
	if a.ID.IsLocal() {
		return c.settle(o, nil)
	}

	remoteErr := c.call(ctx, o, func(ctx context.Context) error {
		return c.remote.ResolveAlarm(ctx, id, m.Resolution)
	})
	return c.settle(o, remoteErr)
}

// AssignDevice installs the device on vehicle, or uninstalls it when vehicle
// is nil. The vehicle reference, status and installation time change as one
// unit, locally and on rollback.
func (c *Coordinator) AssignDevice(ctx context.Context, id fleet.DeviceID, vehicle *fleet.VehicleID) error {
	a := fleet.Assignment{Status: fleet.StatusUnassigned}
	if vehicle != nil {
		v := *vehicle
		a = fleet.Assignment{VehicleID: &v, Status: fleet.StatusActive, InstalledAt: fleet.At(c.clock.Now())}
	}
	m := store.AssignDevice{ID: id, Assignment: a}

	c.mu.Lock()
	undo, err := c.store.ApplyOptimistic(m)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	o := c.newOp(KindAssignDevice, m, undo)
	delete(c.orphaned, o.key)
	if prev, ok := c.inflight[o.key]; ok {
		o.prev = prev
		if prev.undo.Epoch() == undo.Epoch() {
			o.undo = prev.undo
		}
		if err := fsmutil.Fire(context.Background(), prev.tracker, eventSupersede); err != nil {
			c.logger.Error(err, "Failed to supersede mutation", "key", prev.key)
		}
	}
	c.inflight[o.key] = o
	c.mu.Unlock()

	remoteErr := c.call(ctx, o, func(ctx context.Context) error {
		return c.remote.AssignDevice(ctx, id, a)
	})
	return c.settle(o, remoteErr)
}

// call runs fn detached from the caller's cancellation. A pending write runs
// to completion; only the configured timeout can cut it short.
func (c *Coordinator) call(ctx context.Context, o *op, fn func(context.Context) error) error {
	ctx = context.WithoutCancel(ctx)
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := c.clock.Now()
	err := fn(ctx)
	metrics.MutationLatency.WithLabelValues(string(o.kind)).Observe(c.clock.Since(start).Seconds())
	return err
}

func (c *Coordinator) settle(o *op, remoteErr error) error {
	ctx := context.Background()
	out := Outcome{Kind: o.kind, Key: o.key, Err: remoteErr, Latency: c.clock.Since(o.started)}
	var err error

	c.mu.Lock()
	switch {
	case o.tracker.Is(StateSuperseded):
		out.State = StateSuperseded
		if remoteErr != nil {
			c.logger.Info("Superseded mutation failed", "key", o.key, "error", remoteErr)
			err = fmt.Errorf("%w: %w", ErrSuperseded, remoteErr)
			break
		}
		if cur, ok := c.inflight[o.key]; ok && cur != o {
			cur.undo = cur.undo.Replace(o.target)
			err = ErrSuperseded
			break
		}
		if last, ok := c.orphaned[o.key]; ok && last.supersedes(o) {
			if _, aerr := c.store.ApplyOptimistic(o.target); aerr != nil {
				c.logger.Error(aerr, "Failed to apply superseded mutation", "key", o.key)
				err = ErrSuperseded
				break
			}
			c.logger.Info("Applied superseded mutation after newer one rolled back", "key", o.key)
			break
		}
		err = ErrSuperseded

	case remoteErr == nil:
		out.State = StateCommitted
		if ferr := fsmutil.Fire(ctx, o.tracker, eventCommit); ferr != nil {
			c.logger.Error(ferr, "Failed to commit mutation", "key", o.key)
		}

	default:
		out.State = StateRolledBack
		err = &RollbackError{Kind: o.kind, Key: o.key, Err: remoteErr}
		if o.awaitsPrev() {
			c.orphaned[o.key] = o
		}
		if ferr := fsmutil.Fire(ctx, o.tracker, eventRollback); ferr != nil {
			if errors.Is(ferr, store.ErrStaleUndo) {
				c.logger.Info("Skipped rollback, snapshot was reloaded", "key", o.key)
			} else {
				c.logger.Error(ferr, "Rollback failed", "key", o.key)
			}
		}
	}

	if c.inflight[o.key] == o {
		delete(c.inflight, o.key)
	}
	close(o.done)
	if last, ok := c.orphaned[o.key]; ok && !last.awaitsPrev() {
		delete(c.orphaned, o.key)
	}
	c.mu.Unlock()

	if c.onSettled != nil {
		c.onSettled(out)
	}
	return err
}

// supersedes reports whether older is among the writes o replaced.
func (o *op) supersedes(older *op) bool {
	for p := o.prev; p != nil; p = p.prev {
		if p == older {
			return true
		}
	}
	return false
}

// awaitsPrev reports whether a write o replaced has not settled yet.
func (o *op) awaitsPrev() bool {
	for p := o.prev; p != nil; p = p.prev {
		if !p.settled() {
			return true
		}
	}
	return false
}

func (o *op) settled() bool {
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}

// Pending returns the keys of writes still awaiting the backend.
func (c *Coordinator) Pending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.inflight))
	for k := range c.inflight {
		keys = append(keys, k)
	}
	return keys
}

// State reports the tracker state of the write in flight for key.
func (c *Coordinator) State(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	o, ok := c.inflight[key]
	if !ok {
		return "", false
	}
	return o.tracker.Current(), true
}
