// Package correlation turns merged telemetry deltas into alarm records.
//
// Alarms shipped with a push message are the primary path and are appended
// as-is. On top of that, a device crossing into collision, rash driving or
// high drowsiness may produce a locally synthesized alarm. Synthesized alarms
// are not reconciled with a server alarm for the same event that arrives
// later; both are kept.
package correlation

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/autopeer-io/fleetsync/internal/alert"
	"github.com/autopeer-io/fleetsync/internal/fleet"
	"github.com/autopeer-io/fleetsync/internal/pkg/metrics"
	"github.com/autopeer-io/fleetsync/pkg/log"
)

// Kind names a condition whose onset is tracked.
type Kind string

const (
	KindCollision   Kind = "collision"
	KindRashDriving Kind = "rash_driving"
	KindDrowsiness  Kind = "drowsiness"
)

// Crossing is the onset of a condition between two consecutive states of a
// device.
type Crossing struct {
	Kind  Kind        `json:"kind"`
	Level alert.Level `json:"level"`

	// Value is the drowsiness level for KindDrowsiness.
	Value float64 `json:"value,omitempty"`
}

// Input is one merged telemetry delta.
type Input struct {
	DeviceID  fleet.DeviceID
	Prior     fleet.Device
	Current   fleet.Device
	Delta     fleet.TelemetryPatch
	Alarms    []fleet.Alarm
	Timestamp fleet.Timestamp
}

// Result is what the caller appends and notifies about.
type Result struct {
	// Alarms are ready for the store, most recent first.
	Alarms    []fleet.Alarm
	Crossings []Crossing
}

// Correlator is stateless apart from its configuration and safe for
// concurrent use.
type Correlator struct {
	synthesize bool
	newID      func() string
	logger     log.Logger
}

// New returns a Correlator. With synthesize set, each crossing also yields a
// local alarm.
func New(synthesize bool) *Correlator {
	return &Correlator{
		synthesize: synthesize,
		newID:      newID,
		logger:     log.WithName("correlation"),
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Correlate builds the alarms and crossings for in.
func (c *Correlator) Correlate(in Input) Result {
	var res Result

	res.Crossings = Crossings(in.Prior, in.Current)

	if c.synthesize {
		for _, x := range res.Crossings {
			res.Alarms = append(res.Alarms, c.synthesizeAlarm(in, x))
			metrics.SynthesizedAlarms.WithLabelValues(string(x.Kind)).Inc()
		}
	}

	for _, a := range in.Alarms {
		a = a.Clone()
		if a.ID == "" {
			a.ID = fleet.AlarmID(c.newID())
		}
		a.DeviceID = in.DeviceID
		if a.Time.IsZero() {
			a.Time = in.Timestamp
		}
		a.Resolved = false
		a.ResolvedBy = nil
		a.ResolvedAt = fleet.Timestamp{}
		res.Alarms = append(res.Alarms, a)
	}

	if len(res.Crossings) > 0 {
		c.logger.Debug("Telemetry crossing", "device", in.DeviceID, "crossings", len(res.Crossings), "alarms", len(res.Alarms))
	}
	return res
}

// Crossings compares two states of the same device. Only conditions that
// hold now and did not hold before count, and only on assigned devices.
func Crossings(prior, current fleet.Device) []Crossing {
	if !current.Assigned() {
		return nil
	}

	was, now := prior.Telemetry, current.Telemetry
	var out []Crossing
	if now.CollisionDetected && !was.CollisionDetected {
		out = append(out, Crossing{Kind: KindCollision, Level: alert.LevelCritical})
	}
	if now.RashDriving && !was.RashDriving {
		out = append(out, Crossing{Kind: KindRashDriving, Level: alert.LevelHigh})
	}
	if now.DrowsinessLevel > alert.DrowsinessHigh && was.DrowsinessLevel <= alert.DrowsinessHigh {
		out = append(out, Crossing{Kind: KindDrowsiness, Level: alert.LevelHigh, Value: now.DrowsinessLevel})
	}
	return out
}

func (c *Correlator) synthesizeAlarm(in Input, x Crossing) fleet.Alarm {
	typ, desc := describe(x)
	return fleet.Alarm{
		ID:          fleet.LocalAlarmID(c.newID()),
		DeviceID:    in.DeviceID,
		Time:        in.Timestamp,
		Type:        typ,
		Description: desc,
		Severity:    x.Level.Severity(),
		Local:       true,
	}
}

func describe(x Crossing) (typ, desc string) {
	switch x.Kind {
	case KindCollision:
		return "Collision Alert", "Collision detected on vehicle"
	case KindRashDriving:
		return "Rash Driving", "Aggressive driving detected"
	default:
		return "Drowsiness Alert", fmt.Sprintf("Driver drowsiness at %g%%", x.Value)
	}
}

// Headline renders the title and message of a critical notification for
// crossings on device id.
func Headline(id fleet.DeviceID, crossings []Crossing) (title, message string) {
	parts := make([]string, 0, len(crossings))
	for _, x := range crossings {
		switch x.Kind {
		case KindCollision:
			parts = append(parts, "COLLISION DETECTED")
		case KindRashDriving:
			parts = append(parts, "RASH DRIVING")
		case KindDrowsiness:
			parts = append(parts, fmt.Sprintf("HIGH DROWSINESS (%g%%)", x.Value))
		}
	}
	return fmt.Sprintf("Device %d - CRITICAL ALERT", id), strings.Join(parts, " | ")
}
