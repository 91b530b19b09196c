package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/autopeer-io/fleetsync/internal/connection"
	"github.com/autopeer-io/fleetsync/internal/fleet"
	"github.com/autopeer-io/fleetsync/internal/mutation"
	"github.com/autopeer-io/fleetsync/internal/store"
)

// ResolveAlarm resolves the alarm optimistically. A backend failure restores
// the alarm, is reported as a problem and is returned.
func (s *Session) ResolveAlarm(ctx context.Context, id fleet.AlarmID) error {
	err := s.coordinator.ResolveAlarm(ctx, id, s.managerID)
	return s.settled(ctx, "Failed to resolve alarm", err)
}

// AssignDevice installs the device on vehicle, or uninstalls it when vehicle
// is nil.
func (s *Session) AssignDevice(ctx context.Context, id fleet.DeviceID, vehicle *fleet.VehicleID) error {
	if vehicle != nil {
		if _, ok := s.store.Vehicle(*vehicle); !ok {
			return fmt.Errorf("%w: %d", store.ErrUnknownVehicle, *vehicle)
		}
	}
	err := s.coordinator.AssignDevice(ctx, id, vehicle)
	return s.settled(ctx, "Failed to update device assignment", err)
}

// settled turns a mutation result into the session's view of it. Only a
// rolled-back write becomes a problem; a write replaced by a newer one is
// not an error for its caller.
func (s *Session) settled(ctx context.Context, problem string, err error) error {
	var rb *mutation.RollbackError
	switch {
	case err == nil:
		if s.Degraded() {
			if rerr := s.Refresh(ctx); rerr != nil {
				s.logger.Warn("Resync after mutation failed", "error", rerr)
			}
		}
		return nil
	case errors.Is(err, mutation.ErrSuperseded):
		return nil
	case errors.As(err, &rb):
		s.report(fmt.Sprintf("%s: %v", problem, rb.Err))
		return err
	default:
		return err
	}
}

// CreateVehicle creates a vehicle for this manager and reloads the snapshot.
func (s *Session) CreateVehicle(ctx context.Context, v fleet.Vehicle) error {
	v.ManagerID = s.managerID
	if err := s.backend.CreateVehicle(ctx, v); err != nil {
		s.report(fmt.Sprintf("Failed to save changes: %v", err))
		return err
	}
	return s.Refresh(ctx)
}

// UpdateVehicle replaces a vehicle and reloads the snapshot.
func (s *Session) UpdateVehicle(ctx context.Context, v fleet.Vehicle) error {
	if _, ok := s.store.Vehicle(v.ID); !ok {
		return fmt.Errorf("%w: %d", store.ErrUnknownVehicle, v.ID)
	}
	v.ManagerID = s.managerID
	if err := s.backend.UpdateVehicle(ctx, v); err != nil {
		s.report(fmt.Sprintf("Failed to save changes: %v", err))
		return err
	}
	return s.Refresh(ctx)
}

// DeleteVehicle deletes a vehicle and reloads the snapshot.
func (s *Session) DeleteVehicle(ctx context.Context, id fleet.VehicleID) error {
	if _, ok := s.store.Vehicle(id); !ok {
		return fmt.Errorf("%w: %d", store.ErrUnknownVehicle, id)
	}
	if err := s.backend.DeleteVehicle(ctx, id); err != nil {
		s.report(fmt.Sprintf("Failed to delete vehicle: %v", err))
		return err
	}
	return s.Refresh(ctx)
}

// Scenario is a canned telemetry change for device simulation.
type Scenario string

const (
	ScenarioCollision   Scenario = "collision"
	ScenarioDrowsiness  Scenario = "drowsiness"
	ScenarioRashDriving Scenario = "rash_driving"
	ScenarioNormal      Scenario = "normal"
)

var scenarios = map[Scenario]fleet.TelemetryPatch{
	ScenarioCollision:   {CollisionDetected: fleet.Bool(true), Acceleration: fleet.Float(5.2)},
	ScenarioDrowsiness:  {DrowsinessLevel: fleet.Float(85), RashDriving: fleet.Bool(false)},
	ScenarioRashDriving: {RashDriving: fleet.Bool(true), Acceleration: fleet.Float(4.1)},
	ScenarioNormal: {
		CollisionDetected: fleet.Bool(false),
		DrowsinessLevel:   fleet.Float(5),
		RashDriving:       fleet.Bool(false),
		Acceleration:      fleet.Float(1.0),
	},
}

// ParseScenario maps unknown names to ScenarioNormal.
func ParseScenario(name string) Scenario {
	if _, ok := scenarios[Scenario(name)]; ok {
		return Scenario(name)
	}
	return ScenarioNormal
}

// Simulate feeds a canned telemetry update for the device through the push
// processing path and leaves an informational notification once applied.
// It needs a running session to take effect.
func (s *Session) Simulate(ctx context.Context, id fleet.DeviceID, scenario Scenario) error {
	if _, ok := s.store.Device(id); !ok {
		return fmt.Errorf("%w: %d", store.ErrUnknownDevice, id)
	}
	scenario = ParseScenario(string(scenario))
	patch := scenarios[scenario]

	return s.enqueue(ctx, event{
		msg: connection.DeviceUpdate{
			DeviceID:  id,
			Telemetry: &patch,
			Timestamp: fleet.At(s.clock.Now()),
		},
		after: func() {
			s.notifications.Info("Device Simulation", fmt.Sprintf("Simulated %s scenario for device %d", scenario, id))
		},
	})
}
