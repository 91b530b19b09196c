// Package fleet holds the records shared by every fleetsync component:
// vehicles, devices with their telemetry, alarms and notifications.
package fleet

import (
	"strconv"
)

type (
	ManagerID int64
	VehicleID int64
	DeviceID  int64
)

func (id ManagerID) String() string { return strconv.FormatInt(int64(id), 10) }
func (id VehicleID) String() string { return strconv.FormatInt(int64(id), 10) }
func (id DeviceID) String() string  { return strconv.FormatInt(int64(id), 10) }

// DeviceStatus is the installation state of a device.
type DeviceStatus string

const (
	StatusActive     DeviceStatus = "Active"
	StatusInactive   DeviceStatus = "Inactive"
	StatusUnassigned DeviceStatus = "Unassigned"
)

// Vehicle is immutable once loaded; edits arrive as a full replace.
type Vehicle struct {
	ID           VehicleID `json:"vehicle_id" yaml:"vehicle_id"`
	ManagerID    ManagerID `json:"manager_id" yaml:"manager_id"`
	Manufacturer string    `json:"manufacturer" yaml:"manufacturer"`
	Model        string    `json:"model" yaml:"model"`
	PlateNumber  string    `json:"vehicle_number" yaml:"vehicle_number"`
	Type         string    `json:"vehicle_type" yaml:"vehicle_type"`
}

// Telemetry is the sensor-derived part of a device.
type Telemetry struct {
	Acceleration      float64   `json:"acceleration" yaml:"acceleration"`
	Latitude          float64   `json:"latitude" yaml:"latitude"`
	Longitude         float64   `json:"longitude" yaml:"longitude"`
	DrowsinessLevel   float64   `json:"drowsiness_level" yaml:"drowsiness_level"`
	RashDriving       bool      `json:"rash_driving" yaml:"rash_driving"`
	CollisionDetected bool      `json:"collision_detected" yaml:"collision_detected"`
	LastUpdated       Timestamp `json:"last_updated" yaml:"last_updated"`
}

// Device is a tracker installed (or not) on a vehicle.
//
// Status is Unassigned exactly when VehicleID is nil. Telemetry of an
// unassigned device is stale and must be read as zero.
type Device struct {
	ID          DeviceID     `json:"device_id" yaml:"device_id"`
	ManagerID   ManagerID    `json:"manager_id" yaml:"manager_id"`
	VehicleID   *VehicleID   `json:"vehicle_id" yaml:"vehicle_id"`
	Name        string       `json:"device_name,omitempty" yaml:"device_name"`
	Type        string       `json:"device_type,omitempty" yaml:"device_type"`
	Status      DeviceStatus `json:"status" yaml:"status"`
	InstalledAt Timestamp    `json:"installed_at" yaml:"installed_at"`

	Telemetry `yaml:",inline"`
}

// Assigned reports whether the device is installed on a vehicle.
func (d Device) Assigned() bool { return d.VehicleID != nil }

// Assignment returns the device's assignment fields as one unit.
func (d Device) Assignment() Assignment {
	return Assignment{VehicleID: cloneVehicleID(d.VehicleID), Status: d.Status, InstalledAt: d.InstalledAt}
}

// WithAssignment returns a copy of d carrying a.
func (d Device) WithAssignment(a Assignment) Device {
	d.VehicleID = cloneVehicleID(a.VehicleID)
	d.Status = a.Status
	d.InstalledAt = a.InstalledAt
	return d
}

// Assignment is the vehicle reference, status and installation time of a
// device. The three fields always change together.
type Assignment struct {
	VehicleID   *VehicleID   `json:"vehicle_id"`
	Status      DeviceStatus `json:"status"`
	InstalledAt Timestamp    `json:"installed_at"`
}

// Valid reports whether the assignment respects the Unassigned invariant.
func (a Assignment) Valid() bool {
	if a.VehicleID == nil {
		return a.Status == StatusUnassigned
	}
	return a.Status == StatusActive || a.Status == StatusInactive
}

// Equal compares two assignments field by field.
func (a Assignment) Equal(b Assignment) bool {
	if (a.VehicleID == nil) != (b.VehicleID == nil) {
		return false
	}
	if a.VehicleID != nil && *a.VehicleID != *b.VehicleID {
		return false
	}
	return a.Status == b.Status && a.InstalledAt.Equal(b.InstalledAt)
}

// Severity ranks alarms.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alarm is a recorded incident on a device. Alarms are only ever changed by
// resolution.
type Alarm struct {
	ID          AlarmID    `json:"alarm_id" yaml:"alarm_id"`
	DeviceID    DeviceID   `json:"device_id" yaml:"device_id"`
	Time        Timestamp  `json:"alarm_time" yaml:"alarm_time"`
	Type        string     `json:"alarm_type" yaml:"alarm_type"`
	Description string     `json:"description" yaml:"description"`
	Severity    Severity   `json:"severity" yaml:"severity"`
	Resolved    bool       `json:"resolved" yaml:"resolved"`
	ResolvedBy  *ManagerID `json:"resolved_by,omitempty" yaml:"resolved_by"`
	ResolvedAt  Timestamp  `json:"resolved_at" yaml:"resolved_at"`

	// Local marks alarms synthesized on this client from telemetry.
	Local bool `json:"local,omitempty" yaml:"-"`
}

// Resolution returns the alarm's resolution fields.
func (a Alarm) Resolution() Resolution {
	r := Resolution{Resolved: a.Resolved, At: a.ResolvedAt}
	if a.ResolvedBy != nil {
		by := *a.ResolvedBy
		r.By = &by
	}
	return r
}

// WithResolution returns a copy of a carrying r.
func (a Alarm) WithResolution(r Resolution) Alarm {
	a.Resolved = r.Resolved
	a.ResolvedAt = r.At
	a.ResolvedBy = nil
	if r.By != nil {
		by := *r.By
		a.ResolvedBy = &by
	}
	return a
}

// Resolution is what the resolve call sends and what a rollback restores.
type Resolution struct {
	Resolved bool       `json:"resolved"`
	By       *ManagerID `json:"resolved_by"`
	At       Timestamp  `json:"resolved_at"`
}

// NotificationKind separates alerts from informational toasts.
type NotificationKind string

const (
	NotificationCritical NotificationKind = "critical"
	NotificationInfo     NotificationKind = "info"
)

type NotificationID string

// Notification is an ephemeral user-facing message. It is never part of the
// snapshot.
type Notification struct {
	ID        NotificationID   `json:"id"`
	Kind      NotificationKind `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	CreatedAt Timestamp        `json:"timestamp"`
	DeviceID  *DeviceID        `json:"device_id,omitempty"`
}

// Snapshot is a full load of one manager's data.
type Snapshot struct {
	Vehicles []Vehicle `json:"vehicles" yaml:"vehicles"`
	Devices  []Device  `json:"devices" yaml:"devices"`
	Alarms   []Alarm   `json:"alarms" yaml:"alarms"`
}

// Clone deep-copies s.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		Vehicles: append([]Vehicle(nil), s.Vehicles...),
		Devices:  make([]Device, len(s.Devices)),
		Alarms:   make([]Alarm, len(s.Alarms)),
	}
	for i, d := range s.Devices {
		out.Devices[i] = d.Clone()
	}
	for i, a := range s.Alarms {
		out.Alarms[i] = a.Clone()
	}
	return out
}

// Clone returns a copy of d that shares no pointers with it.
func (d Device) Clone() Device {
	d.VehicleID = cloneVehicleID(d.VehicleID)
	return d
}

// Clone returns a copy of a that shares no pointers with it.
func (a Alarm) Clone() Alarm {
	return a.WithResolution(a.Resolution())
}

func cloneVehicleID(id *VehicleID) *VehicleID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

// VehicleRef is a convenience for building optional vehicle references.
func VehicleRef(id VehicleID) *VehicleID { return &id }
