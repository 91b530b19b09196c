package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/autopeer-io/fleetsync/internal/fleet"
	"github.com/autopeer-io/fleetsync/internal/mutation"
	"github.com/autopeer-io/fleetsync/internal/session"
	"github.com/autopeer-io/fleetsync/internal/store"
	"github.com/autopeer-io/fleetsync/pkg/log"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type vehicleRequest struct {
	Manufacturer string `json:"manufacturer" validate:"required"`
	Model        string `json:"model" validate:"required"`
	PlateNumber  string `json:"vehicle_number" validate:"required"`
	Type         string `json:"vehicle_type"`
}

func (r vehicleRequest) vehicle(id fleet.VehicleID) fleet.Vehicle {
	return fleet.Vehicle{
		ID:           id,
		Manufacturer: r.Manufacturer,
		Model:        r.Model,
		PlateNumber:  r.PlateNumber,
		Type:         r.Type,
	}
}

type assignRequest struct {
	VehicleID fleet.VehicleID `json:"vehicle_id" validate:"gt=0"`
}

type simulateRequest struct {
	Scenario string `json:"scenario"`
}

// errorResponse is the body of every non-2xx answer.
type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error(err, "Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	var rb *mutation.RollbackError
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrUnknownDevice),
		errors.Is(err, store.ErrUnknownAlarm),
		errors.Is(err, store.ErrUnknownVehicle):
		code = http.StatusNotFound
	case errors.Is(err, store.ErrInvalidAssignment):
		code = http.StatusBadRequest
	case errors.Is(err, session.ErrClosed):
		code = http.StatusServiceUnavailable
	case errors.As(err, &rb):
		code = http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func badRequest(w http.ResponseWriter, format string, args ...any) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf(format, args...)})
}

// decode reads an optional JSON body into v and validates it.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return validate.Struct(v)
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Status())
}

func (s *Server) getSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Refresh(r.Context()); err != nil {
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.session.Status())
}

func (s *Server) listVehicles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Snapshot().Vehicles)
}

func (s *Server) createVehicle(w http.ResponseWriter, r *http.Request) {
	var req vehicleRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "%v", err)
		return
	}
	if err := s.session.CreateVehicle(r.Context(), req.vehicle(0)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) updateVehicle(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		badRequest(w, "invalid vehicle id")
		return
	}
	var req vehicleRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "%v", err)
		return
	}
	if err := s.session.UpdateVehicle(r.Context(), req.vehicle(fleet.VehicleID(id))); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteVehicle(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		badRequest(w, "invalid vehicle id")
		return
	}
	if err := s.session.DeleteVehicle(r.Context(), fleet.VehicleID(id)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Devices())
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		badRequest(w, "invalid device id")
		return
	}
	d, ok := s.session.Device(fleet.DeviceID(id))
	if !ok {
		writeError(w, fmt.Errorf("%w: %d", store.ErrUnknownDevice, id))
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) assignDevice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		badRequest(w, "invalid device id")
		return
	}
	var req assignRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "%v", err)
		return
	}
	if err := s.session.AssignDevice(r.Context(), fleet.DeviceID(id), fleet.VehicleRef(req.VehicleID)); err != nil {
		writeError(w, err)
		return
	}
	s.writeDevice(w, fleet.DeviceID(id))
}

func (s *Server) unassignDevice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		badRequest(w, "invalid device id")
		return
	}
	if err := s.session.AssignDevice(r.Context(), fleet.DeviceID(id), nil); err != nil {
		writeError(w, err)
		return
	}
	s.writeDevice(w, fleet.DeviceID(id))
}

func (s *Server) writeDevice(w http.ResponseWriter, id fleet.DeviceID) {
	d, ok := s.session.Device(id)
	if !ok {
		// Reloaded away while the write was in flight.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) simulate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		badRequest(w, "invalid device id")
		return
	}
	var req simulateRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "%v", err)
		return
	}
	scenario := session.ParseScenario(req.Scenario)
	if err := s.session.Simulate(r.Context(), fleet.DeviceID(id), scenario); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, simulateRequest{Scenario: string(scenario)})
}

func (s *Server) listAlarms(w http.ResponseWriter, r *http.Request) {
	active, _ := strconv.ParseBool(r.URL.Query().Get("active"))
	writeJSON(w, http.StatusOK, s.session.Alarms(active))
}

func (s *Server) resolveAlarm(w http.ResponseWriter, r *http.Request) {
	id := fleet.AlarmID(mux.Vars(r)["id"])
	if err := s.session.ResolveAlarm(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Notifications())
}

func (s *Server) dismissNotification(w http.ResponseWriter, r *http.Request) {
	s.session.DismissNotification(fleet.NotificationID(mux.Vars(r)["id"]))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listProblems(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Problems())
}

func (s *Server) dismissProblem(w http.ResponseWriter, r *http.Request) {
	if !s.session.DismissProblem(mux.Vars(r)["id"]) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown problem"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
