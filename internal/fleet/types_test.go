package fleet

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2024-03-01T10:20:30Z", time.Date(2024, 3, 1, 10, 20, 30, 0, time.UTC)},
		{"2024-03-01 10:20:30", time.Date(2024, 3, 1, 10, 20, 30, 0, time.UTC)},
		{"2024-01-15", time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)},
		{"", time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			ts, err := ParseTimestamp(tt.in)
			require.NoError(t, err)
			assert.True(t, ts.Time.Equal(tt.want), "got %v", ts.Time)
		})
	}

	_, err := ParseTimestamp("yesterday")
	assert.Error(t, err)
}

func TestTimestampJSON(t *testing.T) {
	var v struct {
		A Timestamp `json:"a"`
		B Timestamp `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"2024-03-01 10:20:30","b":null}`), &v))
	assert.False(t, v.A.IsZero())
	assert.True(t, v.B.IsZero())

	out, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"2024-03-01T10:20:30Z","b":null}`, string(out))
}

func TestAlarmIDDecoding(t *testing.T) {
	var a Alarm
	require.NoError(t, json.Unmarshal([]byte(`{"alarm_id":4,"device_id":3}`), &a))
	assert.Equal(t, AlarmID("4"), a.ID)

	require.NoError(t, json.Unmarshal([]byte(`{"alarm_id":"local-abc"}`), &a))
	assert.Equal(t, AlarmID("local-abc"), a.ID)
	assert.True(t, a.ID.IsLocal())

	out, err := json.Marshal(AlarmID("4"))
	require.NoError(t, err)
	assert.Equal(t, "4", string(out))

	var y Alarm
	require.NoError(t, yaml.Unmarshal([]byte("alarm_id: 7\nresolved_at: null\n"), &y))
	assert.Equal(t, AlarmID("7"), y.ID)
	assert.True(t, y.ResolvedAt.IsZero())
}

func TestAssignmentValid(t *testing.T) {
	assert.True(t, Assignment{Status: StatusUnassigned}.Valid())
	assert.False(t, Assignment{Status: StatusActive}.Valid())
	assert.True(t, Assignment{VehicleID: VehicleRef(1), Status: StatusActive}.Valid())
	assert.False(t, Assignment{VehicleID: VehicleRef(1), Status: StatusUnassigned}.Valid())
}

func TestDeviceCloneIsolation(t *testing.T) {
	d := Device{ID: 1, VehicleID: VehicleRef(5), Status: StatusActive}
	c := d.Clone()
	*c.VehicleID = 9
	assert.Equal(t, VehicleID(5), *d.VehicleID)

	a := d.Assignment()
	*a.VehicleID = 7
	assert.Equal(t, VehicleID(5), *d.VehicleID)
}

func TestTelemetryPatchApply(t *testing.T) {
	base := Telemetry{Acceleration: 1, Latitude: 10, DrowsinessLevel: 5, RashDriving: true}
	got := TelemetryPatch{DrowsinessLevel: Float(35), RashDriving: Bool(false)}.Apply(base)

	assert.Equal(t, 35.0, got.DrowsinessLevel)
	assert.False(t, got.RashDriving)
	assert.Equal(t, 1.0, got.Acceleration)
	assert.Equal(t, 10.0, got.Latitude)
	assert.True(t, TelemetryPatch{}.Empty())
}
