package store

import (
	"fmt"

	"github.com/autopeer-io/fleetsync/internal/fleet"
)

// Mutation is an optimistic write. The set of mutations is closed:
// ResolveAlarm and AssignDevice.
type Mutation interface {
	// Key identifies the entity the mutation targets.
	Key() string
	isMutation()
}

// ResolveAlarm sets the resolution fields of an alarm.
type ResolveAlarm struct {
	ID         fleet.AlarmID
	Resolution fleet.Resolution
}

// AssignDevice sets the vehicle reference, status and installation time of
// a device together.
type AssignDevice struct {
	ID         fleet.DeviceID
	Assignment fleet.Assignment
}

func (m ResolveAlarm) Key() string { return "alarm/" + string(m.ID) }
func (m AssignDevice) Key() string { return "device/" + m.ID.String() }

func (ResolveAlarm) isMutation() {}
func (AssignDevice) isMutation() {}

// Undo restores the values a mutation overwrote.
type Undo struct {
	inverse Mutation
	epoch   uint64
}

// Inverse returns the mutation that Rollback applies.
func (u Undo) Inverse() Mutation { return u.inverse }

// Epoch is the store epoch the undo was taken in.
func (u Undo) Epoch() uint64 { return u.epoch }

// Replace returns an undo of the same epoch that restores m instead. It moves
// the rollback baseline forward once the server has accepted m.
func (u Undo) Replace(m Mutation) Undo {
	return Undo{inverse: m, epoch: u.epoch}
}

// ApplyOptimistic applies m and returns how to undo it.
func (s *Store) ApplyOptimistic(m Mutation) (Undo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inverse, err := s.apply(m, true)
	if err != nil {
		return Undo{}, err
	}
	return Undo{inverse: inverse, epoch: s.epoch}, nil
}

// Rollback applies the inverse held by u. It refuses with ErrStaleUndo when
// a full load happened after u was taken, so authoritative data is never
// reverted.
func (s *Store) Rollback(u Undo) error {
	if u.inverse == nil {
		return fmt.Errorf("rollback: empty undo")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if u.epoch != s.epoch {
		return ErrStaleUndo
	}
	_, err := s.apply(u.inverse, false)
	return err
}

// apply writes m and returns its inverse. Caller holds s.mu.
func (s *Store) apply(m Mutation, validate bool) (Mutation, error) {
	switch m := m.(type) {
	case ResolveAlarm:
		a, ok := s.alarms.get(m.ID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAlarm, m.ID)
		}
		inverse := ResolveAlarm{ID: m.ID, Resolution: a.Resolution()}
		s.alarms.set(m.ID, a.WithResolution(m.Resolution))
		return inverse, nil

	case AssignDevice:
		d, ok := s.devices.get(m.ID)
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownDevice, m.ID)
		}
		if validate {
			if !m.Assignment.Valid() {
				return nil, fmt.Errorf("%w: status %q with vehicle %v", ErrInvalidAssignment, m.Assignment.Status, m.Assignment.VehicleID)
			}
			if m.Assignment.VehicleID != nil && !s.vehicles.has(*m.Assignment.VehicleID) {
				return nil, fmt.Errorf("%w: %d", ErrUnknownVehicle, *m.Assignment.VehicleID)
			}
		}
		inverse := AssignDevice{ID: m.ID, Assignment: d.Assignment()}
		s.devices.set(m.ID, d.WithAssignment(m.Assignment))
		return inverse, nil

	default:
		return nil, fmt.Errorf("unsupported mutation %T", m)
	}
}
