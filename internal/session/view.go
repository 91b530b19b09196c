package session

import (
	"github.com/google/uuid"

	"github.com/autopeer-io/fleetsync/internal/alert"
	"github.com/autopeer-io/fleetsync/internal/connection"
	"github.com/autopeer-io/fleetsync/internal/fleet"
)

// AssessedDevice is a device together with its alert classification.
type AssessedDevice struct {
	fleet.Device
	alert.Assessment
}

// Status summarises the session for the UI boundary.
type Status struct {
	ManagerID  fleet.ManagerID  `json:"manager_id"`
	Connection connection.State `json:"connection"`
	Degraded   bool             `json:"degraded"`
	Pending    []string         `json:"pending"`
	Vehicles   int              `json:"vehicles"`
	Devices    int              `json:"devices"`
	Alarms     int              `json:"alarms"`
	Active     int              `json:"active_alarms"`
	Alerts     int              `json:"alerting_devices"`
	Problems   int              `json:"problems"`
}

// Snapshot returns a copy of the current data.
func (s *Session) Snapshot() fleet.Snapshot { return s.store.Snapshot() }

// Devices returns every device with its classification.
func (s *Session) Devices() []AssessedDevice {
	snap := s.store.Snapshot()
	out := make([]AssessedDevice, 0, len(snap.Devices))
	for _, d := range snap.Devices {
		out = append(out, AssessedDevice{Device: d, Assessment: alert.Classify(d)})
	}
	return out
}

// Device returns one device with its classification.
func (s *Session) Device(id fleet.DeviceID) (AssessedDevice, bool) {
	d, ok := s.store.Device(id)
	if !ok {
		return AssessedDevice{}, false
	}
	return AssessedDevice{Device: d, Assessment: alert.Classify(d)}, true
}

// Alarms returns the alarms most recent first, only unresolved ones when
// activeOnly is set.
func (s *Session) Alarms(activeOnly bool) []fleet.Alarm {
	alarms := s.store.Snapshot().Alarms
	if !activeOnly {
		return alarms
	}
	out := alarms[:0]
	for _, a := range alarms {
		if !a.Resolved {
			out = append(out, a)
		}
	}
	return out
}

func (s *Session) Notifications() []fleet.Notification { return s.notifications.List() }

func (s *Session) DismissNotification(id fleet.NotificationID) {
	s.notifications.Dismiss(id)
}

// Problems returns the user-visible errors, most recent first.
func (s *Session) Problems() []Problem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Problem(nil), s.problems...)
}

// DismissProblem removes one problem. It reports whether it was present.
func (s *Session) DismissProblem(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.problems {
		if p.ID == id {
			s.problems = append(s.problems[:i], s.problems[i+1:]...)
			return true
		}
	}
	return false
}

// report records a problem. Repeating the latest message only refreshes its
// time.
func (s *Session) report(message string) {
	now := fleet.At(s.clock.Now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.problems) > 0 && s.problems[0].Message == message {
		s.problems[0].At = now
		return
	}
	p := Problem{ID: uuid.NewString(), Message: message, At: now}
	s.problems = append([]Problem{p}, s.problems...)
	if len(s.problems) > s.maxProblems {
		s.problems = s.problems[:s.maxProblems]
	}
	s.logger.Info("Problem reported", "message", message)
}

func (s *Session) Status() Status {
	snap := s.store.Snapshot()
	st := Status{
		ManagerID:  s.managerID,
		Connection: s.conn.State(),
		Degraded:   s.Degraded(),
		Pending:    s.coordinator.Pending(),
		Vehicles:   len(snap.Vehicles),
		Devices:    len(snap.Devices),
		Alarms:     len(snap.Alarms),
	}
	for _, a := range snap.Alarms {
		if !a.Resolved {
			st.Active++
		}
	}
	for _, d := range snap.Devices {
		if alert.Classify(d).HasAlert {
			st.Alerts++
		}
	}
	s.mu.Lock()
	st.Problems = len(s.problems)
	s.mu.Unlock()
	return st
}
