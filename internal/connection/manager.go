// Package connection owns the push channel lifecycle: connect, authenticate,
// detect failure, wait, reconnect.
package connection

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
	"github.com/autopeer-io/fleetsync/pkg/log"
)

// State is the push channel state.
type State string

const (
	StateIdle           State = "idle"
	StateConnecting     State = "connecting"
	StateOpen           State = "open"
	StateClosedRetrying State = "closed_retrying"
	StateClosedGivenUp  State = "closed_given_up"
)

var allStates = []string{
	string(StateIdle), string(StateConnecting), string(StateOpen),
	string(StateClosedRetrying), string(StateClosedGivenUp),
}

const (
	eventDial   = "dial"
	eventOpen   = "open"
	eventFail   = "fail"
	eventGiveUp = "give_up"
)

// DefaultReconnectDelay is the fixed wait between a channel failure and the
// next dial.
const DefaultReconnectDelay = 3 * time.Second

// ErrClosed is returned by Connect after Disconnect.
var ErrClosed = errors.New("connection manager closed")

// Channel is one established push channel.
type Channel interface {
	Send(ctx context.Context, v any) error
	// Receive blocks for the next inbound frame. Any error ends the channel.
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens push channels.
type Dialer interface {
	Dial(ctx context.Context, managerID fleet.ManagerID) (Channel, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, managerID fleet.ManagerID) (Channel, error)

func (f DialerFunc) Dial(ctx context.Context, managerID fleet.ManagerID) (Channel, error) {
	return f(ctx, managerID)
}

type Options struct {
	Dialer Dialer
	Clock  clock.WithDelayedExecution

	// ReconnectDelay defaults to DefaultReconnectDelay.
	ReconnectDelay time.Duration

	// DialTimeout bounds a dial plus handshake. Zero means no bound.
	DialTimeout time.Duration

	// OnMessage receives every decoded message in arrival order, on the
	// reader goroutine. Unknown types and malformed frames never reach it.
	OnMessage func(Message)

	// OnState is called on every transition with the manager's lock held;
	// it must not call back into the Manager.
	OnState func(State)
}

// Manager keeps at most one channel and one pending reconnect timer.
type Manager struct {
	dialer      Dialer
	clock       clock.WithDelayedExecution
	delay       time.Duration
	dialTimeout time.Duration
	onMessage   func(Message)
	onState     func(State)
	logger      log.Logger

	mu        sync.Mutex
	machine   *fsm.FSM
	managerID fleet.ManagerID
	gen       uint64
	dialing   bool
	channel   Channel
	cancel    context.CancelFunc
	timer     clock.Timer
	closed    bool
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Dialer == nil {
		return nil, fmt.Errorf("connection: dialer is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.OnMessage == nil {
		opts.OnMessage = func(Message) {}
	}

	m := &Manager{
		dialer:      opts.Dialer,
		clock:       opts.Clock,
		delay:       opts.ReconnectDelay,
		dialTimeout: opts.DialTimeout,
		onMessage:   opts.OnMessage,
		onState:     opts.OnState,
		logger:      log.WithName("connection"),
	}
	m.machine = fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: eventDial, Src: []string{string(StateIdle), string(StateClosedRetrying)}, Dst: string(StateConnecting)},
			{Name: eventOpen, Src: []string{string(StateConnecting)}, Dst: string(StateOpen)},
			{Name: eventFail, Src: []string{string(StateConnecting), string(StateOpen)}, Dst: string(StateClosedRetrying)},
			{Name: eventGiveUp, Src: []string{string(StateIdle), string(StateConnecting), string(StateOpen), string(StateClosedRetrying)}, Dst: string(StateClosedGivenUp)},
		},
		fsm.Callbacks{
			"enter_state": m.enterState,
		},
	)
	metrics.SetConnectionState(string(StateIdle), allStates)
	return m, nil
}

func (m *Manager) enterState(_ context.Context, e *fsm.Event) {
	src, dst := fsmutil.Transition(e)
	m.logger.Debug("Push channel state changed", "manager", m.managerID, "from", src, "to", dst)
	metrics.SetConnectionState(dst, allStates)
	if m.onState != nil {
		m.onState(State(dst))
	}
}

// State returns the current channel state.
func (m *Manager) State() State {
	return State(m.machine.Current())
}

// Connect starts dialing the push channel for managerID. It is a no-op while
// a channel is open, a dial is running or a reconnect is pending.
func (m *Manager) Connect(managerID fleet.ManagerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.channel != nil || m.dialing || m.timer != nil {
		return nil
	}
	m.managerID = managerID
	m.startLocked()
	return nil
}

// Disconnect cancels any pending reconnect, closes the channel and moves to
// the terminal closed_given_up state.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.gen++
	timer, ch, cancel := m.timer, m.channel, m.cancel
	m.timer, m.channel, m.cancel = nil, nil, nil
	m.dialing = false
	m.fire(eventGiveUp)
	m.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if ch != nil {
		_ = ch.Close()
	}
	m.logger.Info("Push channel closed", "manager", m.managerID)
}

// startLocked begins a new dial generation. Caller holds m.mu.
func (m *Manager) startLocked() {
	m.gen++
	m.dialing = true
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.fire(eventDial)
	go m.run(ctx, m.gen, m.managerID)
}

func (m *Manager) run(ctx context.Context, gen uint64, managerID fleet.ManagerID) {
	ch, err := m.dial(ctx, managerID)

	m.mu.Lock()
	if gen != m.gen || m.closed {
		m.mu.Unlock()
		if ch != nil {
			_ = ch.Close()
		}
		return
	}
	m.dialing = false
	if err != nil {
		m.failLocked(err)
		m.mu.Unlock()
		return
	}
	m.channel = ch
	m.fire(eventOpen)
	m.mu.Unlock()

	m.logger.Info("Push channel open", "manager", managerID)

	sendCtx := ctx
	if m.dialTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, m.dialTimeout)
		defer cancel()
	}
	if err := ch.Send(sendCtx, NewAuthenticate(managerID)); err != nil {
		m.channelFailed(gen, fmt.Errorf("authenticate: %w", err))
		return
	}

	m.read(ctx, gen, ch)
}

func (m *Manager) dial(ctx context.Context, managerID fleet.ManagerID) (Channel, error) {
	if m.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.dialTimeout)
		defer cancel()
	}
	return m.dialer.Dial(ctx, managerID)
}

func (m *Manager) read(ctx context.Context, gen uint64, ch Channel) {
	for {
		raw, err := ch.Receive(ctx)
		if err != nil {
			m.channelFailed(gen, err)
			return
		}
		m.handle(raw)
	}
}

func (m *Manager) handle(raw []byte) {
	msg, err := Decode(raw)
	if err != nil {
		m.logger.Warn("Dropping malformed push message", "error", err, "size", len(raw))
		metrics.PushMessages.WithLabelValues("", "malformed").Inc()
		return
	}
	if u, ok := msg.(Unknown); ok {
		m.logger.Debug("Ignoring push message", "type", u.Type)
		metrics.PushMessages.WithLabelValues(u.Type, "ignored").Inc()
		return
	}
	m.onMessage(msg)
}

// channelFailed handles the loss of the channel of generation gen.
func (m *Manager) channelFailed(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen || m.closed || m.channel == nil {
		m.mu.Unlock()
		return
	}
	ch := m.channel
	m.channel = nil
	m.failLocked(err)
	m.mu.Unlock()

	_ = ch.Close()
}

// failLocked moves to closed_retrying and arms the single reconnect timer.
// Caller holds m.mu.
func (m *Manager) failLocked(err error) {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.fire(eventFail)

	gen := m.gen
	m.timer = m.clock.AfterFunc(m.delay, func() { go m.retry(gen) })
	metrics.Reconnects.Inc()
	m.logger.Warn("Push channel failed, reconnecting", "manager", m.managerID, "delay", m.delay, "error", err)
}

func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || gen != m.gen || m.timer == nil {
		return
	}
	m.timer = nil
	m.startLocked()
}

// fire runs a state machine event. Caller holds m.mu.
func (m *Manager) fire(event string) {
	if err := fsmutil.Fire(context.Background(), m.machine, event); err != nil {
		m.logger.Error(err, "Invalid push channel transition", "event", event, "state", m.machine.Current())
	}
}
