// Package server exposes a running session over a local HTTP API: the
// snapshot views, the user actions and the Prometheus metrics.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/autopeer-io/fleetsync/internal/connection"
	httpmw "github.com/autopeer-io/fleetsync/internal/pkg/middleware/http"
	"github.com/autopeer-io/fleetsync/internal/pkg/metrics"
	"github.com/autopeer-io/fleetsync/internal/session"
	"github.com/autopeer-io/fleetsync/pkg/log"
	"github.com/autopeer-io/fleetsync/pkg/options"
)

type Server struct {
	server  *http.Server
	options *options.HttpOptions
	session *session.Session
}

func NewServer(opts *options.HttpOptions, s *session.Session) *Server {
	srv := &Server{options: opts, session: s}
	srv.server = &http.Server{
		Addr:    opts.Addr,
		Handler: srv.Handler(),
	}
	return srv
}

// Handler builds the router. It is exported for tests.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(httpmw.Logging)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	// Ready once the push channel is open.
	r.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		state := s.session.ConnectionState()
		if state != connection.StateOpen {
			http.Error(w, string(state), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(httpmw.Timeout(httpmw.DefaultRequestTimeout))

	api.HandleFunc("/status", s.getStatus).Methods(http.MethodGet)
	api.HandleFunc("/snapshot", s.getSnapshot).Methods(http.MethodGet)
	api.HandleFunc("/refresh", s.refresh).Methods(http.MethodPost)

	api.HandleFunc("/vehicles", s.listVehicles).Methods(http.MethodGet)
	api.HandleFunc("/vehicles", s.createVehicle).Methods(http.MethodPost)
	api.HandleFunc("/vehicles/{id:[0-9]+}", s.updateVehicle).Methods(http.MethodPut)
	api.HandleFunc("/vehicles/{id:[0-9]+}", s.deleteVehicle).Methods(http.MethodDelete)

	api.HandleFunc("/devices", s.listDevices).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id:[0-9]+}", s.getDevice).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id:[0-9]+}/assign", s.assignDevice).Methods(http.MethodPut)
	api.HandleFunc("/devices/{id:[0-9]+}/unassign", s.unassignDevice).Methods(http.MethodPut)
	api.HandleFunc("/devices/{id:[0-9]+}/simulate", s.simulate).Methods(http.MethodPost)

	api.HandleFunc("/alarms", s.listAlarms).Methods(http.MethodGet)
	api.HandleFunc("/alarms/{id}/resolve", s.resolveAlarm).Methods(http.MethodPost)

	api.HandleFunc("/notifications", s.listNotifications).Methods(http.MethodGet)
	api.HandleFunc("/notifications/{id}", s.dismissNotification).Methods(http.MethodDelete)

	api.HandleFunc("/problems", s.listProblems).Methods(http.MethodGet)
	api.HandleFunc("/problems/{id}", s.dismissProblem).Methods(http.MethodDelete)

	return r
}

func (s *Server) Start(ctx context.Context) error {
	log.Info("Starting HTTP Server", "addr", s.server.Addr)

	ln, err := net.Listen(s.options.Network, s.server.Addr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.options.ShutdownTimeout)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}
