package mutation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopeer-io/fleetsync/internal/fleet"
	"github.com/autopeer-io/fleetsync/internal/store"
)

var errNetwork = errors.New("network error")

// fakeRemote lets each test decide how a call behaves.
type fakeRemote struct {
	resolve func(ctx context.Context, id fleet.AlarmID, r fleet.Resolution) error
	assign  func(ctx context.Context, id fleet.DeviceID, a fleet.Assignment) error

	resolveCalls atomic.Int32
	assignCalls  atomic.Int32
}

func (f *fakeRemote) ResolveAlarm(ctx context.Context, id fleet.AlarmID, r fleet.Resolution) error {
	f.resolveCalls.Add(1)
	if f.resolve == nil {
		return nil
	}
	return f.resolve(ctx, id, r)
}

func (f *fakeRemote) AssignDevice(ctx context.Context, id fleet.DeviceID, a fleet.Assignment) error {
	f.assignCalls.Add(1)
	if f.assign == nil {
		return nil
	}
	return f.assign(ctx, id, a)
}

type outcomes struct {
	mu  sync.Mutex
	all []Outcome
}

func (o *outcomes) add(out Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.all = append(o.all, out)
}

func (o *outcomes) list() []Outcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Outcome(nil), o.all...)
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	installed := fleet.At(time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC))
	s := store.New(1)
	s.ReplaceAll(fleet.Snapshot{
		Vehicles: []fleet.Vehicle{{ID: 1, ManagerID: 1}, {ID: 2, ManagerID: 1}, {ID: 4, ManagerID: 1}},
		Devices: []fleet.Device{
			{ID: 1, ManagerID: 1, VehicleID: fleet.VehicleRef(1), Status: fleet.StatusActive, InstalledAt: installed},
			{ID: 4, ManagerID: 1, Status: fleet.StatusUnassigned},
		},
		Alarms: []fleet.Alarm{
			{ID: "4", DeviceID: 1, Type: "Collision Alert", Severity: fleet.SeverityCritical},
			{ID: "local-x", DeviceID: 1, Local: true},
		},
	})
	return s
}

func newCoordinator(t *testing.T, remote Remote, timeout time.Duration) (*Coordinator, *store.Store, *outcomes) {
	s := newStore(t)
	var got outcomes
	return New(s, remote, Options{Timeout: timeout, OnSettled: got.add}), s, &got
}

func TestResolveFailureRollsBack(t *testing.T) {
	started, release := make(chan struct{}), make(chan struct{})
	remote := &fakeRemote{resolve: func(context.Context, fleet.AlarmID, fleet.Resolution) error {
		close(started)
		<-release
		return errNetwork
	}}
	c, s, got := newCoordinator(t, remote, 0)

	errc := make(chan error, 1)
	go func() { errc <- c.ResolveAlarm(context.Background(), "4", 1) }()

	<-started
	a, _ := s.Alarm("4")
	assert.True(t, a.Resolved, "optimistic apply is visible while the call is in flight")
	state, ok := c.State("alarm/4")
	require.True(t, ok)
	assert.Equal(t, StatePending, state)

	close(release)
	err := <-errc
	require.ErrorIs(t, err, errNetwork)
	var rb *RollbackError
	require.ErrorAs(t, err, &rb)
	assert.Equal(t, KindResolveAlarm, rb.Kind)
	assert.Equal(t, "alarm/4", rb.Key)

	a, _ = s.Alarm("4")
	assert.False(t, a.Resolved)
	assert.Nil(t, a.ResolvedBy)

	outs := got.list()
	require.Len(t, outs, 1)
	assert.Equal(t, StateRolledBack, outs[0].State)
	assert.ErrorIs(t, outs[0].Err, errNetwork)
	assert.Empty(t, c.Pending())
}

func TestResolveCommitThenNoop(t *testing.T) {
	remote := &fakeRemote{}
	c, s, got := newCoordinator(t, remote, 0)

	require.NoError(t, c.ResolveAlarm(context.Background(), "4", 1))
	require.NoError(t, c.ResolveAlarm(context.Background(), "4", 1))

	a, _ := s.Alarm("4")
	assert.True(t, a.Resolved)
	require.NotNil(t, a.ResolvedBy)
	assert.Equal(t, fleet.ManagerID(1), *a.ResolvedBy)
	assert.EqualValues(t, 1, remote.resolveCalls.Load())
	require.Len(t, got.list(), 1)
	assert.Equal(t, StateCommitted, got.list()[0].State)
}

func TestResolveSameAlarmIsSerialized(t *testing.T) {
	var active, maxActive atomic.Int32
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	remote := &fakeRemote{resolve: func(context.Context, fleet.AlarmID, fleet.Resolution) error {
		n := active.Add(1)
		if n > maxActive.Load() {
			maxActive.Store(n)
		}
		started <- struct{}{}
		<-release
		active.Add(-1)
		return errNetwork
	}}
	c, s, _ := newCoordinator(t, remote, 0)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.ResolveAlarm(context.Background(), "4", 1)
		}()
	}

	<-started
	// The second request must not reach the backend while the first is pending.
	select {
	case <-started:
		t.Fatal("second resolve raced the first")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, maxActive.Load())
	assert.EqualValues(t, 2, remote.resolveCalls.Load(), "the second retries after the first rolled back")
	a, _ := s.Alarm("4")
	assert.False(t, a.Resolved)
}

func TestResolveWaitHonoursContext(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	remote := &fakeRemote{resolve: func(context.Context, fleet.AlarmID, fleet.Resolution) error {
		close(started)
		<-release
		return nil
	}}
	c, _, _ := newCoordinator(t, remote, 0)

	go func() { _ = c.ResolveAlarm(context.Background(), "4", 1) }()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.ResolveAlarm(ctx, "4", 1), context.DeadlineExceeded)
	close(release)
}

func TestResolveLocalAlarmSkipsBackend(t *testing.T) {
	remote := &fakeRemote{}
	c, s, _ := newCoordinator(t, remote, 0)

	require.NoError(t, c.ResolveAlarm(context.Background(), "local-x", 1))
	a, _ := s.Alarm("local-x")
	assert.True(t, a.Resolved)
	assert.Zero(t, remote.resolveCalls.Load())
}

func TestResolveUnknownAlarm(t *testing.T) {
	c, _, got := newCoordinator(t, &fakeRemote{}, 0)
	assert.ErrorIs(t, c.ResolveAlarm(context.Background(), "404", 1), store.ErrUnknownAlarm)
	assert.Empty(t, got.list())
}

func TestAssignFailureRevertsAllFields(t *testing.T) {
	remote := &fakeRemote{assign: func(context.Context, fleet.DeviceID, fleet.Assignment) error { return errNetwork }}
	c, s, _ := newCoordinator(t, remote, 0)
	before, _ := s.Device(1)

	err := c.AssignDevice(context.Background(), 1, nil)
	require.ErrorIs(t, err, errNetwork)

	after, _ := s.Device(1)
	assert.True(t, before.Assignment().Equal(after.Assignment()))
	require.NotNil(t, after.VehicleID)
	assert.Equal(t, fleet.StatusActive, after.Status)
}

func TestAssignSuccess(t *testing.T) {
	var sent fleet.Assignment
	remote := &fakeRemote{assign: func(_ context.Context, _ fleet.DeviceID, a fleet.Assignment) error {
		sent = a
		return nil
	}}
	c, s, _ := newCoordinator(t, remote, 0)

	require.NoError(t, c.AssignDevice(context.Background(), 4, fleet.VehicleRef(2)))

	d, _ := s.Device(4)
	require.NotNil(t, d.VehicleID)
	assert.Equal(t, fleet.VehicleID(2), *d.VehicleID)
	assert.Equal(t, fleet.StatusActive, d.Status)
	assert.False(t, d.InstalledAt.IsZero())
	assert.True(t, sent.Equal(d.Assignment()))
}

// blockingAssign hands out one gate per call so a test can settle calls in
// any order.
type blockingAssign struct {
	calls chan chan error
}

func (b *blockingAssign) fn(ctx context.Context, _ fleet.DeviceID, _ fleet.Assignment) error {
	gate := make(chan error)
	b.calls <- gate
	return <-gate
}

func TestSupersededFailureDoesNotTouchStore(t *testing.T) {
	b := &blockingAssign{calls: make(chan chan error)}
	c, s, got := newCoordinator(t, &fakeRemote{assign: b.fn}, 0)
	before, _ := s.Device(4)

	first := make(chan error, 1)
	go func() { first <- c.AssignDevice(context.Background(), 4, fleet.VehicleRef(2)) }()
	gate1 := <-b.calls

	second := make(chan error, 1)
	go func() { second <- c.AssignDevice(context.Background(), 4, fleet.VehicleRef(4)) }()
	gate2 := <-b.calls

	// The older write fails after being superseded: no rollback.
	gate1 <- errNetwork
	require.ErrorIs(t, <-first, ErrSuperseded)
	d, _ := s.Device(4)
	require.NotNil(t, d.VehicleID)
	assert.Equal(t, fleet.VehicleID(4), *d.VehicleID)

	// The newer write fails: back to the state before either write.
	gate2 <- errNetwork
	require.ErrorIs(t, <-second, errNetwork)
	d, _ = s.Device(4)
	assert.True(t, before.Assignment().Equal(d.Assignment()))

	states := map[string]int{}
	for _, o := range got.list() {
		states[o.State]++
	}
	assert.Equal(t, map[string]int{StateSuperseded: 1, StateRolledBack: 1}, states)
}

func TestSupersededSuccessMovesBaseline(t *testing.T) {
	b := &blockingAssign{calls: make(chan chan error)}
	c, s, _ := newCoordinator(t, &fakeRemote{assign: b.fn}, 0)

	first := make(chan error, 1)
	go func() { first <- c.AssignDevice(context.Background(), 4, fleet.VehicleRef(2)) }()
	gate1 := <-b.calls

	second := make(chan error, 1)
	go func() { second <- c.AssignDevice(context.Background(), 4, fleet.VehicleRef(4)) }()
	gate2 := <-b.calls

	gate1 <- nil
	require.ErrorIs(t, <-first, ErrSuperseded)

	gate2 <- errNetwork
	require.ErrorIs(t, <-second, errNetwork)

	d, _ := s.Device(4)
	require.NotNil(t, d.VehicleID)
	assert.Equal(t, fleet.VehicleID(2), *d.VehicleID, "rollback lands on what the backend accepted")
	assert.Equal(t, fleet.StatusActive, d.Status)
}

func TestSupersededSuccessAfterNewerRollback(t *testing.T) {
	b := &blockingAssign{calls: make(chan chan error)}
	c, s, _ := newCoordinator(t, &fakeRemote{assign: b.fn}, 0)
	before, _ := s.Device(4)

	first := make(chan error, 1)
	go func() { first <- c.AssignDevice(context.Background(), 4, fleet.VehicleRef(2)) }()
	gate1 := <-b.calls

	second := make(chan error, 1)
	go func() { second <- c.AssignDevice(context.Background(), 4, fleet.VehicleRef(4)) }()
	gate2 := <-b.calls

	gate2 <- errNetwork
	var rb *RollbackError
	require.ErrorAs(t, <-second, &rb)
	d, _ := s.Device(4)
	assert.True(t, before.Assignment().Equal(d.Assignment()))

	// The backend accepted the older write after all.
	gate1 <- nil
	require.NoError(t, <-first)

	d, _ = s.Device(4)
	require.NotNil(t, d.VehicleID)
	assert.Equal(t, fleet.VehicleID(2), *d.VehicleID)
	assert.Equal(t, fleet.StatusActive, d.Status)
	assert.Empty(t, c.Pending())
	assert.Empty(t, c.orphaned)
}

func TestNewWriteDropsRolledBackSuccessor(t *testing.T) {
	b := &blockingAssign{calls: make(chan chan error)}
	c, s, _ := newCoordinator(t, &fakeRemote{assign: b.fn}, 0)

	first := make(chan error, 1)
	go func() { first <- c.AssignDevice(context.Background(), 4, fleet.VehicleRef(2)) }()
	gate1 := <-b.calls

	second := make(chan error, 1)
	go func() { second <- c.AssignDevice(context.Background(), 4, fleet.VehicleRef(4)) }()
	gate2 := <-b.calls
	gate2 <- errNetwork
	require.Error(t, <-second)

	third := make(chan error, 1)
	go func() { third <- c.AssignDevice(context.Background(), 4, nil) }()
	gate3 := <-b.calls

	gate1 <- nil
	require.ErrorIs(t, <-first, ErrSuperseded)
	gate3 <- nil
	require.NoError(t, <-third)

	d, _ := s.Device(4)
	assert.Nil(t, d.VehicleID)
	assert.Equal(t, fleet.StatusUnassigned, d.Status)
}

func TestTimeoutRollsBack(t *testing.T) {
	remote := &fakeRemote{resolve: func(ctx context.Context, _ fleet.AlarmID, _ fleet.Resolution) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	c, s, _ := newCoordinator(t, remote, 20*time.Millisecond)

	err := c.ResolveAlarm(context.Background(), "4", 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	a, _ := s.Alarm("4")
	assert.False(t, a.Resolved)
}

func TestCallerCancellationDoesNotAbandon(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	remote := &fakeRemote{resolve: func(rctx context.Context, _ fleet.AlarmID, _ fleet.Resolution) error {
		cancel()
		return rctx.Err()
	}}
	c, s, _ := newCoordinator(t, remote, 0)

	require.NoError(t, c.ResolveAlarm(ctx, "4", 1))
	a, _ := s.Alarm("4")
	assert.True(t, a.Resolved)
}

func TestRollbackAfterReloadKeepsAuthoritativeData(t *testing.T) {
	started, release := make(chan struct{}), make(chan struct{})
	remote := &fakeRemote{resolve: func(context.Context, fleet.AlarmID, fleet.Resolution) error {
		close(started)
		<-release
		return errNetwork
	}}
	c, s, _ := newCoordinator(t, remote, 0)

	errc := make(chan error, 1)
	go func() { errc <- c.ResolveAlarm(context.Background(), "4", 1) }()
	<-started

	snap := s.Snapshot()
	snap.Alarms[0].Resolved = true
	s.ReplaceAll(snap)

	close(release)
	require.ErrorIs(t, <-errc, errNetwork)
	a, _ := s.Alarm("4")
	assert.True(t, a.Resolved)
}
