package session

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/autopeer-io/fleetsync/internal/connection"
	"github.com/autopeer-io/fleetsync/internal/fallback"
	"github.com/autopeer-io/fleetsync/internal/fleet"
	"github.com/autopeer-io/fleetsync/internal/pkg/metrics"
	"github.com/autopeer-io/fleetsync/internal/store"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

var errBackend = errors.New("connection refused")

type fakeBackend struct {
	mu       sync.Mutex
	snap     fleet.Snapshot
	fetchErr error
	fetches  int

	resolve   func(ctx context.Context, id fleet.AlarmID, r fleet.Resolution) error
	assignErr error

	vehicleErr error
	created    []fleet.Vehicle
	updated    []fleet.Vehicle
	deleted    []fleet.VehicleID
}

func (b *fakeBackend) FetchAll(_ context.Context, _ fleet.ManagerID) (fleet.Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetches++
	if b.fetchErr != nil {
		return fleet.Snapshot{}, b.fetchErr
	}
	return b.snap.Clone(), nil
}

func (b *fakeBackend) ResolveAlarm(ctx context.Context, id fleet.AlarmID, r fleet.Resolution) error {
	if b.resolve != nil {
		return b.resolve(ctx, id, r)
	}
	return nil
}

func (b *fakeBackend) AssignDevice(context.Context, fleet.DeviceID, fleet.Assignment) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.assignErr
}

func (b *fakeBackend) CreateVehicle(_ context.Context, v fleet.Vehicle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.vehicleErr != nil {
		return b.vehicleErr
	}
	b.created = append(b.created, v)
	return nil
}

func (b *fakeBackend) UpdateVehicle(_ context.Context, v fleet.Vehicle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.vehicleErr != nil {
		return b.vehicleErr
	}
	b.updated = append(b.updated, v)
	return nil
}

func (b *fakeBackend) DeleteVehicle(_ context.Context, id fleet.VehicleID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.vehicleErr != nil {
		return b.vehicleErr
	}
	b.deleted = append(b.deleted, id)
	return nil
}

func (b *fakeBackend) set(fn func(b *fakeBackend)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}

func (b *fakeBackend) fetchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetches
}

type fakeCache struct {
	mu    sync.Mutex
	saved []fleet.Snapshot
}

func (c *fakeCache) Save(_ context.Context, snap fleet.Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saved = append(c.saved, snap)
	return nil
}

type pipe struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func (p *pipe) Send(context.Context, any) error { return nil }

func (p *pipe) Receive(ctx context.Context) ([]byte, error) {
	select {
	case f := <-p.frames:
		return f, nil
	case <-p.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipe) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// seedSnapshot is the backend's authoritative view for manager 1.
func seedSnapshot(t *testing.T) fleet.Snapshot {
	t.Helper()
	snap, err := fallback.Seed().Load(context.Background())
	require.NoError(t, err)
	return fallback.Filter(snap, 1)
}

type harness struct {
	s       *Session
	backend *fakeBackend
	cache   *fakeCache
	clock   *clocktesting.FakeClock
	dialed  chan *pipe
}

func newHarness(t *testing.T, backend *fakeBackend, tweak ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		backend: backend,
		cache:   &fakeCache{},
		clock:   clocktesting.NewFakeClock(time.Date(2024, 6, 11, 10, 0, 0, 0, time.UTC)),
		dialed:  make(chan *pipe, 4),
	}
	cfg := &Config{
		ManagerID: 1,
		Backend:   backend,
		Cache:     h.cache,
		Clock:     h.clock,
		Dialer: connection.DialerFunc(func(context.Context, fleet.ManagerID) (connection.Channel, error) {
			p := &pipe{frames: make(chan []byte, 16), closed: make(chan struct{})}
			h.dialed <- p
			return p, nil
		}),
		SynthesizeAlarms: true,
	}
	for _, fn := range tweak {
		fn(cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	h.s = s
	t.Cleanup(s.Close)
	return h
}

// run starts the session and returns the push channel it opened.
func (h *harness) run(t *testing.T) *pipe {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-errc)
	})

	select {
	case p := <-h.dialed:
		require.Eventually(t, func() bool { return h.s.ConnectionState() == connection.StateOpen }, waitFor, tick)
		return p
	case <-time.After(waitFor):
		t.Fatal("push channel not dialed")
		return nil
	}
}

func TestNewValidates(t *testing.T) {
	_, err := New(&Config{ManagerID: 0, Backend: &fakeBackend{}, Dialer: connection.DialerFunc(nil)})
	assert.Error(t, err)
	_, err = New(&Config{ManagerID: 1})
	assert.Error(t, err)
}

func TestRefreshFallsBackToOfflineData(t *testing.T) {
	h := newHarness(t, &fakeBackend{fetchErr: errBackend})

	require.NoError(t, h.s.Refresh(context.Background()))

	assert.True(t, h.s.Degraded())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Degraded))

	snap := h.s.Snapshot()
	require.NotEmpty(t, snap.Vehicles)
	for _, v := range snap.Vehicles {
		assert.Equal(t, fleet.ManagerID(1), v.ManagerID)
	}
	for _, d := range snap.Devices {
		assert.Equal(t, fleet.ManagerID(1), d.ManagerID)
	}
	for _, a := range snap.Alarms {
		assert.NotEqual(t, fleet.DeviceID(3), a.DeviceID, "alarm of a manager 2 device")
	}
	assert.Len(t, snap.Alarms, 3)

	problems := h.s.Problems()
	require.Len(t, problems, 1)
	assert.Equal(t, OfflineProblem, problems[0].Message)
	assert.Empty(t, h.cache.saved, "offline data is never cached")
}

func TestRefreshRecoversFromOfflineData(t *testing.T) {
	b := &fakeBackend{fetchErr: errBackend}
	h := newHarness(t, b)
	require.NoError(t, h.s.Refresh(context.Background()))
	require.True(t, h.s.Degraded())

	b.set(func(b *fakeBackend) {
		b.fetchErr = nil
		b.snap = seedSnapshot(t)
		b.snap.Vehicles = b.snap.Vehicles[:1]
	})
	require.NoError(t, h.s.Refresh(context.Background()))

	assert.False(t, h.s.Degraded())
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.Degraded))
	assert.Len(t, h.s.Snapshot().Vehicles, 1)
	require.Len(t, h.cache.saved, 1)
	assert.Len(t, h.cache.saved[0].Vehicles, 1)
}

type brokenSource struct{}

func (brokenSource) Name() string { return "broken" }
func (brokenSource) Load(context.Context) (fleet.Snapshot, error) {
	return fleet.Snapshot{}, errors.New("no such file")
}

func TestRefreshFailsWithoutFallback(t *testing.T) {
	h := newHarness(t, &fakeBackend{fetchErr: errBackend}, func(c *Config) { c.Fallback = brokenSource{} })

	err := h.s.Refresh(context.Background())
	require.ErrorIs(t, err, errBackend)
	assert.Empty(t, h.s.Snapshot().Devices)
	require.Len(t, h.s.Problems(), 1)
}

func TestRunStartsOnOfflineDataWhenBackendIsDown(t *testing.T) {
	h := newHarness(t, &fakeBackend{fetchErr: errBackend})
	h.run(t)

	st := h.s.Status()
	assert.True(t, st.Degraded)
	assert.Equal(t, connection.StateOpen, st.Connection)
	assert.Equal(t, 3, st.Vehicles)
	assert.Equal(t, 3, st.Devices)
	assert.Equal(t, 3, st.Alarms)
	assert.Equal(t, 1, st.Problems)
}

func TestDeviceUpdateFlow(t *testing.T) {
	h := newHarness(t, &fakeBackend{snap: seedSnapshot(t)})
	p := h.run(t)

	p.frames <- []byte(`{"type":"device_update","device_id":1,"telemetry":{"collision_detected":true,"acceleration":6.5},` +
		`"new_alarms":[{"alarm_type":"Speed Alert","description":"Over the limit","severity":"medium"}],"timestamp":"2024-06-11T10:05:00Z"}`)

	require.Eventually(t, func() bool { return len(h.s.Snapshot().Alarms) == 5 }, waitFor, tick)

	d, ok := h.s.Device(1)
	require.True(t, ok)
	assert.True(t, d.CollisionDetected)
	assert.Equal(t, 6.5, d.Acceleration)
	assert.Equal(t, 2.5, h.backend.snap.Devices[0].Acceleration, "backend data untouched")
	assert.True(t, d.HasAlert)

	alarms := h.s.Alarms(false)
	assert.True(t, alarms[0].Local)
	assert.Equal(t, "Collision Alert", alarms[0].Type)
	assert.Equal(t, fleet.SeverityCritical, alarms[0].Severity)
	assert.False(t, alarms[1].Local)
	assert.Equal(t, "Speed Alert", alarms[1].Type)
	assert.Equal(t, fleet.DeviceID(1), alarms[1].DeviceID)
	assert.Equal(t, time.Date(2024, 6, 11, 10, 5, 0, 0, time.UTC), alarms[1].Time.Time)

	notes := h.s.Notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, fleet.NotificationCritical, notes[0].Kind)
	assert.Equal(t, "Device 1 - CRITICAL ALERT", notes[0].Title)
	assert.Equal(t, "COLLISION DETECTED", notes[0].Message)
}

func TestDeviceUpdatesApplyInArrivalOrder(t *testing.T) {
	h := newHarness(t, &fakeBackend{snap: seedSnapshot(t)})
	p := h.run(t)

	p.frames <- []byte(`{"type":"device_update","device_id":99,"telemetry":{"acceleration":9},"timestamp":"2024-06-11T10:00:01Z"}`)
	p.frames <- []byte(`{"type":"device_update","device_id":2,"telemetry":{"acceleration":2.0},"timestamp":"2024-06-11T10:00:02Z"}`)
	p.frames <- []byte(`{"type":"device_update","device_id":2,"telemetry":{"acceleration":4.0},"timestamp":"2024-06-11T10:00:03Z"}`)

	require.Eventually(t, func() bool {
		d, _ := h.s.Device(2)
		return d.LastUpdated.Equal(fleet.At(time.Date(2024, 6, 11, 10, 0, 3, 0, time.UTC)))
	}, waitFor, tick)

	d, _ := h.s.Device(2)
	assert.Equal(t, 4.0, d.Acceleration)
	assert.Len(t, h.s.Snapshot().Devices, 3, "update for an unknown device is a no-op")
}

func TestResolveAlarmFailureRollsBackAndReportsOnce(t *testing.T) {
	release := make(chan struct{})
	b := &fakeBackend{snap: seedSnapshot(t), resolve: func(context.Context, fleet.AlarmID, fleet.Resolution) error {
		<-release
		return errBackend
	}}
	h := newHarness(t, b)
	require.NoError(t, h.s.Refresh(context.Background()))

	errc := make(chan error, 1)
	go func() { errc <- h.s.ResolveAlarm(context.Background(), "1") }()

	require.Eventually(t, func() bool {
		return len(h.s.Alarms(true)) == 2
	}, waitFor, tick, "optimistic resolve visible")

	close(release)
	require.ErrorIs(t, <-errc, errBackend)

	assert.Len(t, h.s.Alarms(true), 3)
	problems := h.s.Problems()
	require.Len(t, problems, 1)
	assert.True(t, strings.HasPrefix(problems[0].Message, "Failed to resolve alarm: "), problems[0].Message)
}

func TestMutationWhileDegradedResyncs(t *testing.T) {
	b := &fakeBackend{fetchErr: errBackend}
	h := newHarness(t, b)
	require.NoError(t, h.s.Refresh(context.Background()))
	require.True(t, h.s.Degraded())

	b.set(func(b *fakeBackend) {
		b.fetchErr = nil
		b.snap = seedSnapshot(t)
	})
	require.NoError(t, h.s.AssignDevice(context.Background(), 4, fleet.VehicleRef(1)))

	assert.False(t, h.s.Degraded())
	assert.Equal(t, 2, b.fetchCount())
	d, _ := h.s.Device(4)
	assert.False(t, d.Assigned(), "authoritative data replaces the optimistic assignment")
}

func TestAssignDeviceRejectsUnknownVehicle(t *testing.T) {
	h := newHarness(t, &fakeBackend{snap: seedSnapshot(t)})
	require.NoError(t, h.s.Refresh(context.Background()))

	err := h.s.AssignDevice(context.Background(), 4, fleet.VehicleRef(3))
	assert.ErrorIs(t, err, store.ErrUnknownVehicle)
	assert.Empty(t, h.s.Problems())
}

func TestAssignDeviceFailureRevertsAssignment(t *testing.T) {
	b := &fakeBackend{snap: seedSnapshot(t), assignErr: errBackend}
	h := newHarness(t, b)
	require.NoError(t, h.s.Refresh(context.Background()))
	before, _ := h.s.Device(1)

	err := h.s.AssignDevice(context.Background(), 1, nil)
	require.ErrorIs(t, err, errBackend)

	after, _ := h.s.Device(1)
	assert.True(t, before.Assignment().Equal(after.Assignment()))
	require.Len(t, h.s.Problems(), 1)
	assert.Equal(t, "Failed to update device assignment: connection refused", h.s.Problems()[0].Message)
}

func TestSimulate(t *testing.T) {
	h := newHarness(t, &fakeBackend{snap: seedSnapshot(t)})
	h.run(t)

	require.NoError(t, h.s.Simulate(context.Background(), 1, ScenarioDrowsiness))
	require.Eventually(t, func() bool { return len(h.s.Notifications()) == 2 }, waitFor, tick)

	notes := h.s.Notifications()
	assert.Equal(t, fleet.NotificationInfo, notes[0].Kind)
	assert.Equal(t, "Device Simulation", notes[0].Title)
	assert.Equal(t, "Simulated drowsiness scenario for device 1", notes[0].Message)
	assert.Equal(t, fleet.NotificationCritical, notes[1].Kind)
	assert.Equal(t, "HIGH DROWSINESS (85%)", notes[1].Message)

	d, _ := h.s.Device(1)
	assert.Equal(t, 85.0, d.DrowsinessLevel)

	require.NoError(t, h.s.Simulate(context.Background(), 1, "bogus"))
	require.Eventually(t, func() bool { return len(h.s.Notifications()) == 3 }, waitFor, tick)
	assert.Equal(t, "Simulated normal scenario for device 1", h.s.Notifications()[0].Message)
	d, _ = h.s.Device(1)
	assert.Equal(t, 5.0, d.DrowsinessLevel)

	assert.ErrorIs(t, h.s.Simulate(context.Background(), 42, ScenarioCollision), store.ErrUnknownDevice)
}

func TestVehicleChangesReload(t *testing.T) {
	b := &fakeBackend{snap: seedSnapshot(t)}
	h := newHarness(t, b)
	require.NoError(t, h.s.Refresh(context.Background()))

	require.NoError(t, h.s.CreateVehicle(context.Background(), fleet.Vehicle{ManagerID: 2, Manufacturer: "Kia", Model: "Rio", PlateNumber: "K1"}))
	require.Len(t, b.created, 1)
	assert.Equal(t, fleet.ManagerID(1), b.created[0].ManagerID)
	assert.Equal(t, 2, b.fetchCount())

	require.NoError(t, h.s.DeleteVehicle(context.Background(), 2))
	assert.Equal(t, []fleet.VehicleID{2}, b.deleted)
	assert.ErrorIs(t, h.s.DeleteVehicle(context.Background(), 3), store.ErrUnknownVehicle)

	b.set(func(b *fakeBackend) { b.vehicleErr = errBackend })
	err := h.s.UpdateVehicle(context.Background(), fleet.Vehicle{ID: 1, Manufacturer: "Toyota"})
	require.ErrorIs(t, err, errBackend)
	require.Len(t, h.s.Problems(), 1)
	assert.Equal(t, "Failed to save changes: connection refused", h.s.Problems()[0].Message)
}

func TestProblemsAreBounded(t *testing.T) {
	h := newHarness(t, &fakeBackend{}, func(c *Config) { c.MaxProblems = 2 })

	h.s.report("a")
	h.s.report("a")
	h.s.report("b")
	h.s.report("c")

	problems := h.s.Problems()
	require.Len(t, problems, 2)
	assert.Equal(t, "c", problems[0].Message)
	assert.Equal(t, "b", problems[1].Message)

	assert.True(t, h.s.DismissProblem(problems[0].ID))
	assert.False(t, h.s.DismissProblem(problems[0].ID))
	assert.Len(t, h.s.Problems(), 1)
}

func TestRunStopsCleanly(t *testing.T) {
	h := newHarness(t, &fakeBackend{snap: seedSnapshot(t)})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.s.Run(ctx) }()
	<-h.dialed

	assert.ErrorIs(t, h.s.Run(ctx), ErrRunning)

	cancel()
	require.NoError(t, <-errc)
	assert.Equal(t, connection.StateClosedGivenUp, h.s.ConnectionState())
	assert.ErrorIs(t, h.s.Simulate(context.Background(), 1, ScenarioNormal), ErrClosed)
}
