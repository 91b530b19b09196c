// Package store holds the in-memory snapshot of one manager's fleet.
//
// Every operation runs under a single lock, so readers never observe a
// half-applied merge. Reads hand out deep copies; the snapshot itself is
// never exposed for direct mutation.
package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/autopeer-io/fleetsync/internal/fleet"
	"github.com/autopeer-io/fleetsync/pkg/log"
)

var (
	ErrUnknownDevice     = errors.New("unknown device")
	ErrUnknownAlarm      = errors.New("unknown alarm")
	ErrUnknownVehicle    = errors.New("unknown vehicle")
	ErrInvalidAssignment = errors.New("invalid assignment")

	// ErrStaleUndo is returned when rolling back a mutation whose snapshot
	// has since been replaced by a full load.
	ErrStaleUndo = errors.New("undo predates the current snapshot")
)

// Report describes what ReplaceAll kept and dropped.
type Report struct {
	Vehicles int `json:"vehicles"`
	Devices  int `json:"devices"`
	Alarms   int `json:"alarms"`

	ForeignVehicles int `json:"foreign_vehicles"`
	ForeignDevices  int `json:"foreign_devices"`
	OrphanAlarms    int `json:"orphan_alarms"`
	DuplicateAlarms int `json:"duplicate_alarms"`
}

// Store is safe for concurrent use.
type Store struct {
	managerID fleet.ManagerID
	logger    log.Logger

	mu       sync.RWMutex
	epoch    uint64
	vehicles *ordered[fleet.VehicleID, fleet.Vehicle]
	devices  *ordered[fleet.DeviceID, fleet.Device]
	alarms   *ordered[fleet.AlarmID, fleet.Alarm]
}

// New returns an empty store scoped to managerID.
func New(managerID fleet.ManagerID) *Store {
	return &Store{
		managerID: managerID,
		logger:    log.WithName("store").WithValues("manager", managerID),
		vehicles:  newOrdered[fleet.VehicleID, fleet.Vehicle](0),
		devices:   newOrdered[fleet.DeviceID, fleet.Device](0),
		alarms:    newOrdered[fleet.AlarmID, fleet.Alarm](0),
	}
}

func (s *Store) ManagerID() fleet.ManagerID { return s.managerID }

// ReplaceAll swaps every collection for the contents of snap. Vehicles and
// devices of other managers are dropped, as are alarms whose device did not
// survive. Any undo taken before the call becomes stale.
func (s *Store) ReplaceAll(snap fleet.Snapshot) Report {
	var r Report

	vehicles := newOrdered[fleet.VehicleID, fleet.Vehicle](len(snap.Vehicles))
	for _, v := range snap.Vehicles {
		if v.ManagerID != s.managerID {
			r.ForeignVehicles++
			continue
		}
		vehicles.add(v.ID, v)
	}

	devices := newOrdered[fleet.DeviceID, fleet.Device](len(snap.Devices))
	for _, d := range snap.Devices {
		if d.ManagerID != s.managerID {
			r.ForeignDevices++
			continue
		}
		d = d.Clone()
		switch {
		case d.VehicleID == nil:
			d.Status = fleet.StatusUnassigned
		case d.Status == fleet.StatusUnassigned:
			d.Status = fleet.StatusActive
		}
		devices.add(d.ID, d)
	}

	alarms := newOrdered[fleet.AlarmID, fleet.Alarm](len(snap.Alarms))
	for _, a := range snap.Alarms {
		if !devices.has(a.DeviceID) {
			r.OrphanAlarms++
			continue
		}
		if !alarms.add(a.ID, a.Clone()) {
			r.DuplicateAlarms++
		}
	}

	r.Vehicles, r.Devices, r.Alarms = vehicles.len(), devices.len(), alarms.len()

	s.mu.Lock()
	s.vehicles, s.devices, s.alarms = vehicles, devices, alarms
	s.epoch++
	s.mu.Unlock()

	if r.ForeignVehicles+r.ForeignDevices+r.OrphanAlarms+r.DuplicateAlarms > 0 {
		s.logger.Warn("Dropped records while loading snapshot",
			"foreignVehicles", r.ForeignVehicles, "foreignDevices", r.ForeignDevices,
			"orphanAlarms", r.OrphanAlarms, "duplicateAlarms", r.DuplicateAlarms)
	}
	s.logger.Debug("Snapshot replaced", "vehicles", r.Vehicles, "devices", r.Devices, "alarms", r.Alarms)
	return r
}

// MergeTelemetry applies patch onto the device's telemetry and stamps
// last_updated with ts. It returns the device before and after the merge.
// Unknown devices are never created; ok is false and nothing changes.
func (s *Store) MergeTelemetry(id fleet.DeviceID, patch fleet.TelemetryPatch, ts fleet.Timestamp) (prior, current fleet.Device, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices.get(id)
	if !ok {
		s.logger.Info("Ignoring telemetry for unknown device", "device", id)
		return fleet.Device{}, fleet.Device{}, false
	}

	prior = d.Clone()
	d.Telemetry = patch.Apply(d.Telemetry)
	d.LastUpdated = ts
	s.devices.set(id, d)
	return prior, d.Clone(), true
}

// AppendAlarms puts alarms at the head of the alarm list in the given order.
// Existing alarms are never touched. Alarms without an id, for an unknown
// device, or whose id is already present are skipped. It returns the number
// inserted.
func (s *Store) AppendAlarms(alarms []fleet.Alarm) int {
	if len(alarms) == 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]fleet.AlarmID, 0, len(alarms))
	values := make(map[fleet.AlarmID]fleet.Alarm, len(alarms))
	for _, a := range alarms {
		switch {
		case a.ID == "":
			s.logger.Warn("Skipping alarm without id", "device", a.DeviceID)
			continue
		case !s.devices.has(a.DeviceID):
			s.logger.Info("Skipping orphan alarm", "alarm", a.ID, "device", a.DeviceID)
			continue
		case s.alarms.has(a.ID):
			continue
		}
		if _, dup := values[a.ID]; dup {
			continue
		}
		keys = append(keys, a.ID)
		values[a.ID] = a.Clone()
	}
	s.alarms.prepend(keys, values)
	return len(keys)
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() fleet.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return fleet.Snapshot{
		Vehicles: s.vehicles.values(func(v fleet.Vehicle) fleet.Vehicle { return v }),
		Devices:  s.devices.values(fleet.Device.Clone),
		Alarms:   s.alarms.values(fleet.Alarm.Clone),
	}
}

func (s *Store) Device(id fleet.DeviceID) (fleet.Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices.get(id)
	return d.Clone(), ok
}

func (s *Store) Alarm(id fleet.AlarmID) (fleet.Alarm, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alarms.get(id)
	return a.Clone(), ok
}

func (s *Store) Vehicle(id fleet.VehicleID) (fleet.Vehicle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vehicles.get(id)
}

// Epoch counts full loads. It changes on every ReplaceAll.
func (s *Store) Epoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

func (s *Store) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("store{manager=%d epoch=%d vehicles=%d devices=%d alarms=%d}",
		s.managerID, s.epoch, s.vehicles.len(), s.devices.len(), s.alarms.len())
}
