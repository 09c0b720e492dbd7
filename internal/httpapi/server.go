package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/driver-agent/internal/device"
	"github.com/example/driver-agent/internal/dispatch"
	"github.com/example/driver-agent/internal/models"
	"github.com/example/driver-agent/internal/notify"
	"github.com/example/driver-agent/internal/session"
	"github.com/example/driver-agent/internal/state"
)

// Server is the agent's local control surface: the UI shell drives
// availability, device fixes and offer decisions through it, and reads the
// current snapshot back.
type Server struct {
	store     *state.Store
	session   *session.Session
	coord     *dispatch.Coordinator
	provider  *device.PushProvider
	registrar *notify.Registrar
	logger    *slog.Logger
	mux       *mux.Router
}

func NewServer(store *state.Store, sess *session.Session, coord *dispatch.Coordinator, provider *device.PushProvider, registrar *notify.Registrar, logger *slog.Logger) *Server {
	s := &Server{
		store:     store,
		session:   sess,
		coord:     coord,
		provider:  provider,
		registrar: registrar,
		logger:    logger,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/status", s.handleStatus).Methods("GET")
	s.mux.HandleFunc("/availability", s.handleAvailability).Methods("POST")
	s.mux.HandleFunc("/location", s.handleLocation).Methods("POST")
	s.mux.HandleFunc("/offer/accept", s.handleAccept).Methods("POST")
	s.mux.HandleFunc("/offer/decline", s.handleDecline).Methods("POST")
	s.mux.HandleFunc("/push/register", s.handlePushRegister).Methods("POST")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snapshot := map[string]any{
		"available":  s.store.Available(),
		"location":   s.store.Location(),
		"offer":      s.store.Offer(),
		"assignment": s.store.Assignment(),
		"stats":      s.store.Stats(),
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.session.SetAvailable(r.Context(), req.Online); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	var loc models.Location
	if err := json.NewDecoder(r.Body).Decode(&loc); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.provider.Push(loc)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RideID string `json:"ride_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	// a shell disconnect must not cancel an issued accept; the outcome still
	// reconciles against the captured offer
	res, err := s.coord.Accept(context.WithoutCancel(r.Context()), req.RideID)
	if err != nil {
		// local rejections: stale id, accept already pending, no identity
		status := http.StatusConflict
		if errors.Is(err, dispatch.ErrNotAuthenticated) {
			status = http.StatusUnauthorized
		}
		http.Error(w, err.Error(), status)
		return
	}
	body := map[string]any{"status": res.Status, "ride_id": res.RideID}
	if res.Reason != "" {
		body["reason"] = res.Reason
	}
	if res.Err != nil {
		body["error"] = res.Err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	s.coord.Decline()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePushRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token        string `json:"token"`
		BatteryLevel int    `json:"battery_level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.registrar == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := s.registrar.Register(r.Context(), req.Token, req.BatteryLevel); err != nil {
		s.logger.Warn("push registration failed", "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
