package notify

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/autopeer-io/fleetsync/internal/fleet"
)

func newTestCenter() (*Center, *clocktesting.FakeClock) {
	fc := clocktesting.NewFakeClock(time.Date(2024, 6, 8, 10, 0, 0, 0, time.UTC))
	return NewCenter(Options{Clock: fc}), fc
}

func titles(ns []fleet.Notification) []string {
	out := make([]string, 0, len(ns))
	for _, n := range ns {
		out = append(out, n.Title)
	}
	return out
}

func TestCapacityKeepsMostRecent(t *testing.T) {
	c, _ := newTestCenter()
	for i := 1; i <= 15; i++ {
		c.Info(fmt.Sprintf("n%d", i), "")
	}

	want := []string{}
	for i := 15; i >= 6; i-- {
		want = append(want, fmt.Sprintf("n%d", i))
	}
	assert.Equal(t, want, titles(c.List()))
}

func TestCriticalExpires(t *testing.T) {
	c, fc := newTestCenter()
	n := c.Critical("Device 3 - CRITICAL ALERT", "COLLISION DETECTED", nil)
	c.Info("info", "")

	fc.Step(9 * time.Second)
	require.Len(t, c.List(), 2)

	fc.Step(time.Second)
	require.Eventually(t, func() bool { return len(c.List()) == 1 }, time.Second, 5*time.Millisecond)
	assert.NotEqual(t, n.ID, c.List()[0].ID)
	assert.Equal(t, "info", c.List()[0].Title)
}

func TestDismissCancelsTimer(t *testing.T) {
	c, fc := newTestCenter()
	n := c.Critical("alert", "", nil)
	require.True(t, fc.HasWaiters())

	c.Dismiss(n.ID)
	assert.Empty(t, c.List())
	assert.False(t, fc.HasWaiters())

	// Dismissing again, or dismissing something unknown, is a no-op.
	c.Dismiss(n.ID)
	c.Dismiss("unknown")
	assert.Empty(t, c.List())
}

func TestTruncationCancelsTimers(t *testing.T) {
	c, fc := newTestCenter()
	c.Critical("old", "", nil)
	for i := 0; i < DefaultCapacity; i++ {
		c.Info("filler", "")
	}
	assert.False(t, fc.HasWaiters())
	assert.Len(t, c.List(), DefaultCapacity)
}

func TestPushStampsIDAndTime(t *testing.T) {
	c, fc := newTestCenter()
	a := c.Info("a", "")
	b := c.Info("b", "")

	assert.NotEqual(t, a.ID, b.ID)
	assert.True(t, a.CreatedAt.Time.Equal(fc.Now()))
}

func TestClose(t *testing.T) {
	c, fc := newTestCenter()
	c.Critical("alert", "", nil)
	c.Close()

	assert.False(t, fc.HasWaiters())
	assert.Empty(t, c.List())

	c.Critical("late", "", nil)
	assert.Empty(t, c.List())
	assert.False(t, fc.HasWaiters())
}
