// Package notify keeps the bounded list of user-facing notifications.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/fleetsync/internal/fleet"
	"github.com/autopeer-io/fleetsync/internal/pkg/metrics"
	"github.com/autopeer-io/fleetsync/pkg/log"
)

const (
	DefaultCapacity    = 10
	DefaultCriticalTTL = 10 * time.Second
)

type Options struct {
	// Capacity bounds the list; the oldest entry falls off first.
	Capacity int

	// CriticalTTL is how long a critical notification stays before it is
	// removed automatically.
	CriticalTTL time.Duration

	Clock clock.WithDelayedExecution
}

// Center holds notifications most-recent-first. It is safe for concurrent use.
type Center struct {
	capacity int
	ttl      time.Duration
	clock    clock.WithDelayedExecution
	logger   log.Logger

	mu     sync.Mutex
	items  []fleet.Notification
	timers map[fleet.NotificationID]clock.Timer
	closed bool
}

func NewCenter(opts Options) *Center {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.CriticalTTL <= 0 {
		opts.CriticalTTL = DefaultCriticalTTL
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Center{
		capacity: opts.Capacity,
		ttl:      opts.CriticalTTL,
		clock:    opts.Clock,
		logger:   log.WithName("notify"),
		items:    make([]fleet.Notification, 0, opts.Capacity),
		timers:   make(map[fleet.NotificationID]clock.Timer),
	}
}

// Critical pushes a critical notification. It expires after the TTL.
func (c *Center) Critical(title, message string, device *fleet.DeviceID) fleet.Notification {
	return c.Push(fleet.Notification{Kind: fleet.NotificationCritical, Title: title, Message: message, DeviceID: device})
}

// Info pushes an informational notification. It stays until dismissed or
// pushed out.
func (c *Center) Info(title, message string) fleet.Notification {
	return c.Push(fleet.Notification{Kind: fleet.NotificationInfo, Title: title, Message: message})
}

// Push prepends n, filling in the id and creation time when unset, and
// truncates the list to capacity. Pushes after Close are dropped.
func (c *Center) Push(n fleet.Notification) fleet.Notification {
	if n.ID == "" {
		n.ID = fleet.NotificationID(uuid.NewString())
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = fleet.At(c.clock.Now())
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return n
	}
	c.items = append([]fleet.Notification{n}, c.items...)
	var dropped []clock.Timer
	if len(c.items) > c.capacity {
		for _, old := range c.items[c.capacity:] {
			if t, ok := c.timers[old.ID]; ok {
				dropped = append(dropped, t)
				delete(c.timers, old.ID)
			}
		}
		c.items = c.items[:c.capacity:c.capacity]
	}
	c.mu.Unlock()

	for _, t := range dropped {
		t.Stop()
	}
	metrics.Notifications.WithLabelValues(string(n.Kind)).Inc()

	if n.Kind == fleet.NotificationCritical {
		c.scheduleExpiry(n.ID)
	}
	return n
}

// scheduleExpiry arms the TTL timer for id. The timer callback only hops onto
// a goroutine; it must not block the clock that fires it.
func (c *Center) scheduleExpiry(id fleet.NotificationID) {
	t := c.clock.AfterFunc(c.ttl, func() { go c.expire(id) })

	c.mu.Lock()
	keep := !c.closed && c.indexOf(id) >= 0
	if keep {
		c.timers[id] = t
	}
	c.mu.Unlock()

	if !keep {
		t.Stop()
	}
}

func (c *Center) expire(id fleet.NotificationID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.timers, id)
	if c.remove(id) {
		c.logger.Debug("Notification expired", "id", id)
	}
}

// Dismiss removes the notification with id and cancels its expiry. Unknown or
// already removed ids are ignored.
func (c *Center) Dismiss(id fleet.NotificationID) {
	c.mu.Lock()
	t, ok := c.timers[id]
	delete(c.timers, id)
	c.remove(id)
	c.mu.Unlock()

	if ok {
		t.Stop()
	}
}

// List returns the notifications, most recent first.
func (c *Center) List() []fleet.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]fleet.Notification, len(c.items))
	copy(out, c.items)
	return out
}

// Close cancels every pending expiry and empties the list.
func (c *Center) Close() {
	c.mu.Lock()
	timers := c.timers
	c.timers = make(map[fleet.NotificationID]clock.Timer)
	c.items = nil
	c.closed = true
	c.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
}

// remove deletes id from the list. Caller holds c.mu.
func (c *Center) remove(id fleet.NotificationID) bool {
	i := c.indexOf(id)
	if i < 0 {
		return false
	}
	c.items = append(c.items[:i], c.items[i+1:]...)
	return true
}

func (c *Center) indexOf(id fleet.NotificationID) int {
	for i, n := range c.items {
		if n.ID == id {
			return i
		}
	}
	return -1
}
