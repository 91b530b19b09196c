// Package alert maps device telemetry to an alert level.
package alert

import "github.com/autopeer-io/fleetsync/internal/fleet"

// Level is the derived alert level of a device.
type Level string

const (
	LevelNormal   Level = "normal"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

const (
	// DrowsinessHigh is the drowsiness level above which a device is high.
	DrowsinessHigh = 30.0
	// DrowsinessMedium is the drowsiness level above which a device is medium.
	DrowsinessMedium = 20.0
	// AccelerationMedium is the acceleration above which a device is medium.
	AccelerationMedium = 3.0
)

// Assessment is the result of Classify.
type Assessment struct {
	Level    Level `json:"level"`
	HasAlert bool  `json:"has_alert"`
}

// Classify returns the alert level of d and whether it has an active alert.
// An unassigned device never has an alert, whatever its telemetry says.
func Classify(d fleet.Device) Assessment {
	t := d.Telemetry
	return Assessment{
		Level: LevelOf(t),
		HasAlert: d.Assigned() && (t.DrowsinessLevel > DrowsinessMedium ||
			t.RashDriving || t.CollisionDetected || t.Acceleration > AccelerationMedium),
	}
}

// LevelOf evaluates the level rules in order; the first match wins.
func LevelOf(t fleet.Telemetry) Level {
	switch {
	case t.CollisionDetected:
		return LevelCritical
	case t.RashDriving || t.DrowsinessLevel > DrowsinessHigh:
		return LevelHigh
	case t.DrowsinessLevel > DrowsinessMedium || t.Acceleration > AccelerationMedium:
		return LevelMedium
	default:
		return LevelNormal
	}
}

// Severity maps a level onto alarm severity. Normal maps to low.
func (l Level) Severity() fleet.Severity {
	switch l {
	case LevelCritical:
		return fleet.SeverityCritical
	case LevelHigh:
		return fleet.SeverityHigh
	case LevelMedium:
		return fleet.SeverityMedium
	default:
		return fleet.SeverityLow
	}
}
