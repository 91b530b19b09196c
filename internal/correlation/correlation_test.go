package correlation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopeer-io/fleetsync/internal/alert"
	"github.com/autopeer-io/fleetsync/internal/fleet"
)

func assigned(t fleet.Telemetry) fleet.Device {
	return fleet.Device{ID: 7, ManagerID: 1, VehicleID: fleet.VehicleRef(1), Status: fleet.StatusActive, Telemetry: t}
}

func TestCrossingsAreEdgeTriggered(t *testing.T) {
	calm := assigned(fleet.Telemetry{DrowsinessLevel: 5})
	bad := assigned(fleet.Telemetry{CollisionDetected: true, RashDriving: true, DrowsinessLevel: 85})

	got := Crossings(calm, bad)
	require.Len(t, got, 3)
	assert.Equal(t, KindCollision, got[0].Kind)
	assert.Equal(t, alert.LevelCritical, got[0].Level)
	assert.Equal(t, KindRashDriving, got[1].Kind)
	assert.Equal(t, KindDrowsiness, got[2].Kind)
	assert.Equal(t, 85.0, got[2].Value)

	assert.Empty(t, Crossings(bad, bad), "staying in a bad state is not a crossing")
	assert.Empty(t, Crossings(bad, calm))

	unassigned := bad
	unassigned.VehicleID = nil
	unassigned.Status = fleet.StatusUnassigned
	assert.Empty(t, Crossings(calm, unassigned))
}

func TestDrowsinessBoundary(t *testing.T) {
	at30 := assigned(fleet.Telemetry{DrowsinessLevel: 30})
	at31 := assigned(fleet.Telemetry{DrowsinessLevel: 31})
	assert.Empty(t, Crossings(assigned(fleet.Telemetry{}), at30))
	assert.Len(t, Crossings(at30, at31), 1)
}

func TestCorrelateServerAlarms(t *testing.T) {
	ts := fleet.At(time.Date(2024, 6, 8, 10, 0, 0, 0, time.UTC))
	c := New(false)

	res := c.Correlate(Input{
		DeviceID: 7,
		Prior:    assigned(fleet.Telemetry{}),
		Current:  assigned(fleet.Telemetry{}),
		Alarms: []fleet.Alarm{
			{Type: "Speed Alert", Severity: fleet.SeverityMedium, Resolved: true},
			{ID: "55", DeviceID: 99, Type: "GPS Signal Lost"},
		},
		Timestamp: ts,
	})

	require.Len(t, res.Alarms, 2)
	first := res.Alarms[0]
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, fleet.DeviceID(7), first.DeviceID)
	assert.True(t, first.Time.Equal(ts))
	assert.False(t, first.Resolved)

	assert.Equal(t, fleet.AlarmID("55"), res.Alarms[1].ID)
	assert.Equal(t, fleet.DeviceID(7), res.Alarms[1].DeviceID)
	assert.Empty(t, res.Crossings)
}

func TestCorrelateSynthesizes(t *testing.T) {
	ts := fleet.At(time.Now())
	c := New(true)

	res := c.Correlate(Input{
		DeviceID:  7,
		Prior:     assigned(fleet.Telemetry{}),
		Current:   assigned(fleet.Telemetry{CollisionDetected: true}),
		Delta:     fleet.TelemetryPatch{CollisionDetected: fleet.Bool(true)},
		Alarms:    []fleet.Alarm{{ID: "100", Type: "Collision Alert"}},
		Timestamp: ts,
	})

	require.Len(t, res.Alarms, 2, "server alarm and synthetic alarm are both kept")
	local := res.Alarms[0]
	assert.True(t, local.Local)
	assert.True(t, local.ID.IsLocal())
	assert.Equal(t, fleet.SeverityCritical, local.Severity)
	assert.Equal(t, "Collision Alert", local.Type)
	assert.Equal(t, fleet.AlarmID("100"), res.Alarms[1].ID)
}

func TestSyntheticIDsAreUnique(t *testing.T) {
	c := New(true)
	seen := map[fleet.AlarmID]bool{}
	for i := 0; i < 1000; i++ {
		res := c.Correlate(Input{
			DeviceID: 7,
			Prior:    assigned(fleet.Telemetry{}),
			Current:  assigned(fleet.Telemetry{RashDriving: true}),
		})
		require.Len(t, res.Alarms, 1)
		id := res.Alarms[0].ID
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestHeadline(t *testing.T) {
	title, msg := Headline(3, []Crossing{
		{Kind: KindCollision},
		{Kind: KindRashDriving},
		{Kind: KindDrowsiness, Value: 85},
	})
	assert.Equal(t, "Device 3 - CRITICAL ALERT", title)
	assert.Equal(t, "COLLISION DETECTED | RASH DRIVING | HIGH DROWSINESS (85%)", msg)
}
