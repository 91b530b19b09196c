// Package session wires the fleetsync components into one explicitly owned
// object per manager: the state store, the push connection, the correlator,
// the notification list and the mutation coordinator.
//
// Push messages are queued and applied by a single goroutine in arrival
// order. Optimistic writes run on the caller's goroutine and go through the
// store's own locking.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/fleetsync/internal/connection"
	"github.com/autopeer-io/fleetsync/internal/correlation"
	"github.com/autopeer-io/fleetsync/internal/fallback"
	"github.com/autopeer-io/fleetsync/internal/fleet"
	"github.com/autopeer-io/fleetsync/internal/mutation"
	"github.com/autopeer-io/fleetsync/internal/notify"
	"github.com/autopeer-io/fleetsync/internal/pkg/metrics"
	"github.com/autopeer-io/fleetsync/internal/store"
	"github.com/autopeer-io/fleetsync/pkg/log"
)

// OfflineProblem is reported whenever the session falls back to offline data.
const OfflineProblem = "Failed to connect to server. Using offline data."

var (
	// ErrClosed is returned once the session has stopped.
	ErrClosed = errors.New("session closed")

	// ErrRunning is returned by a second call to Run.
	ErrRunning = errors.New("session already running")
)

// Backend is the REST data source.
type Backend interface {
	mutation.Remote

	FetchAll(ctx context.Context, managerID fleet.ManagerID) (fleet.Snapshot, error)
	CreateVehicle(ctx context.Context, v fleet.Vehicle) error
	UpdateVehicle(ctx context.Context, v fleet.Vehicle) error
	DeleteVehicle(ctx context.Context, id fleet.VehicleID) error
}

// SnapshotCache stores authoritative snapshots for later fallback use.
type SnapshotCache interface {
	Save(ctx context.Context, snap fleet.Snapshot) error
}

type Config struct {
	ManagerID fleet.ManagerID

	Backend  Backend
	Dialer   connection.Dialer
	Fallback fallback.Source

	// Cache is optional.
	Cache SnapshotCache

	Clock clock.WithDelayedExecution

	SynthesizeAlarms bool
	QueueSize        int
	MaxProblems      int

	ReconnectDelay  time.Duration
	DialTimeout     time.Duration
	MutationTimeout time.Duration

	NotifyCapacity int
	CriticalTTL    time.Duration
}

// Problem is a user-visible, non-blocking error message.
type Problem struct {
	ID      string          `json:"id"`
	Message string          `json:"message"`
	At      fleet.Timestamp `json:"at"`
}

type event struct {
	msg connection.Message

	// after runs on the processing goroutine once msg is applied.
	after func()
}

type Session struct {
	managerID fleet.ManagerID
	backend   Backend
	fallback  fallback.Source
	cache     SnapshotCache
	clock     clock.WithDelayedExecution
	logger    log.Logger

	store         *store.Store
	conn          *connection.Manager
	correlator    *correlation.Correlator
	notifications *notify.Center
	coordinator   *mutation.Coordinator

	events    chan event
	done      chan struct{}
	closeOnce sync.Once
	running   atomic.Bool
	degraded  atomic.Bool
	refreshes singleflight.Group

	mu          sync.Mutex
	problems    []Problem
	maxProblems int
}

func New(cfg *Config) (*Session, error) {
	if cfg.ManagerID <= 0 {
		return nil, fmt.Errorf("session: invalid manager id %d", cfg.ManagerID)
	}
	if cfg.Backend == nil {
		return nil, errors.New("session: backend is required")
	}
	if cfg.Fallback == nil {
		cfg.Fallback = fallback.Seed()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxProblems <= 0 {
		cfg.MaxProblems = 20
	}

	s := &Session{
		managerID:   cfg.ManagerID,
		backend:     cfg.Backend,
		fallback:    cfg.Fallback,
		cache:       cfg.Cache,
		clock:       cfg.Clock,
		logger:      log.WithName("session").WithValues("manager", cfg.ManagerID),
		store:       store.New(cfg.ManagerID),
		correlator:  correlation.New(cfg.SynthesizeAlarms),
		events:      make(chan event, cfg.QueueSize),
		done:        make(chan struct{}),
		maxProblems: cfg.MaxProblems,
	}
	s.notifications = notify.NewCenter(notify.Options{
		Capacity:    cfg.NotifyCapacity,
		CriticalTTL: cfg.CriticalTTL,
		Clock:       cfg.Clock,
	})
	s.coordinator = mutation.New(s.store, cfg.Backend, mutation.Options{
		Timeout: cfg.MutationTimeout,
		Clock:   cfg.Clock,
	})

	conn, err := connection.NewManager(connection.Options{
		Dialer:         cfg.Dialer,
		Clock:          cfg.Clock,
		ReconnectDelay: cfg.ReconnectDelay,
		DialTimeout:    cfg.DialTimeout,
		OnMessage: func(msg connection.Message) {
			_ = s.enqueue(context.Background(), event{msg: msg})
		},
	})
	if err != nil {
		return nil, err
	}
	s.conn = conn
	return s, nil
}

// ManagerID returns the manager the session runs for.
func (s *Session) ManagerID() fleet.ManagerID { return s.managerID }

// Run loads the snapshot, opens the push channel and applies push messages
// until ctx ends. On return the channel is closed and pending notification
// timers are stopped; the session cannot be restarted.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer s.close()

	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	if err := s.Refresh(ctx); err != nil {
		s.logger.Error(err, "Initial load failed, starting with an empty snapshot")
	}
	if err := s.conn.Connect(s.managerID); err != nil {
		return err
	}
	s.logger.Info("Session started", "degraded", s.Degraded())

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Session stopping")
			return nil
		case ev := <-s.events:
			s.apply(ev)
		}
	}
}

// Close stops a session that was never run. Run closes on its own.
func (s *Session) Close() {
	if s.running.Load() {
		return
	}
	s.close()
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Disconnect()
		s.notifications.Close()
	})
}

func (s *Session) enqueue(ctx context.Context, ev event) error {
	select {
	case s.events <- ev:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) apply(ev event) {
	switch m := ev.msg.(type) {
	case connection.DeviceUpdate:
		s.applyDeviceUpdate(m)
	case connection.AlarmGenerated:
		s.logger.Debug("Ignoring alarm_generated message", "size", len(m.Raw))
		metrics.PushMessages.WithLabelValues(m.MessageType(), "ignored").Inc()
	}
	if ev.after != nil {
		ev.after()
	}
}

func (s *Session) applyDeviceUpdate(u connection.DeviceUpdate) {
	ts := u.Timestamp
	if ts.IsZero() {
		ts = fleet.At(s.clock.Now())
	}

	prior, current, ok := s.store.MergeTelemetry(u.DeviceID, *u.Telemetry, ts)
	if !ok {
		metrics.PushMessages.WithLabelValues(u.MessageType(), "unknown_device").Inc()
		return
	}

	res := s.correlator.Correlate(correlation.Input{
		DeviceID:  u.DeviceID,
		Prior:     prior,
		Current:   current,
		Delta:     *u.Telemetry,
		Alarms:    u.NewAlarms,
		Timestamp: ts,
	})
	if len(res.Alarms) > 0 {
		s.store.AppendAlarms(res.Alarms)
	}
	if len(res.Crossings) > 0 {
		title, message := correlation.Headline(u.DeviceID, res.Crossings)
		id := u.DeviceID
		s.notifications.Critical(title, message, &id)
	}
	metrics.PushMessages.WithLabelValues(u.MessageType(), "applied").Inc()
}

// Refresh replaces the snapshot with the backend's data. When the backend
// is unreachable the fallback snapshot, filtered to the manager, is loaded
// instead and the session is marked degraded. An error is returned only when
// neither source could be loaded. Concurrent calls share one load.
func (s *Session) Refresh(ctx context.Context) error {
	_, err, _ := s.refreshes.Do("refresh", func() (any, error) {
		return nil, s.refresh(ctx)
	})
	return err
}

func (s *Session) refresh(ctx context.Context) error {
	snap, err := s.backend.FetchAll(ctx, s.managerID)
	if err == nil {
		report := s.store.ReplaceAll(snap)
		s.setDegraded(false)
		metrics.Refreshes.WithLabelValues("backend").Inc()
		s.logger.Info("Snapshot loaded", "vehicles", report.Vehicles, "devices", report.Devices, "alarms", report.Alarms)

		if s.cache != nil {
			if err := s.cache.Save(ctx, fallback.Filter(snap, s.managerID)); err != nil {
				s.logger.Warn("Failed to cache snapshot", "error", err)
			}
		}
		return nil
	}

	s.logger.Warn("Failed to fetch data from backend", "error", err)
	fb, ferr := s.fallback.Load(ctx)
	if ferr != nil {
		metrics.Refreshes.WithLabelValues("failed").Inc()
		s.report("Failed to connect to server and no offline data is available.")
		return fmt.Errorf("load fallback after %w: %w", err, ferr)
	}

	report := s.store.ReplaceAll(fallback.Filter(fb, s.managerID))
	s.setDegraded(true)
	metrics.Refreshes.WithLabelValues("fallback").Inc()
	s.report(OfflineProblem)
	s.logger.Warn("Running on offline data", "source", s.fallback.Name(),
		"vehicles", report.Vehicles, "devices", report.Devices, "alarms", report.Alarms)
	return nil
}

func (s *Session) setDegraded(v bool) {
	s.degraded.Store(v)
	metrics.SetDegraded(v)
}

// Degraded reports whether the snapshot comes from offline data.
func (s *Session) Degraded() bool { return s.degraded.Load() }

// ConnectionState returns the push channel state.
func (s *Session) ConnectionState() connection.State { return s.conn.State() }
