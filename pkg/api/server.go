// Package api implements the control surface (component O): a REST API
// served over a Unix domain socket, since the spec keeps D-Bus an external
// named collaborator rather than something this tree implements directly.
// Routing is github.com/gorilla/mux, and the mux-based HTTP server
// lifecycle (NewServeMux-style registration, ListenAndServe with explicit
// timeouts) is grounded on the teacher's health-check HTTP server; the
// Unix-socket listener and lack of TLS mirrors canonical-snapd's local
// control daemon rather than the teacher's mTLS-over-TCP gRPC server, which
// assumed a multi-node cluster this system does not have (see DESIGN.md).
package api

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/cuemby/unitd/pkg/job"
	"github.com/cuemby/unitd/pkg/log"
	"github.com/cuemby/unitd/pkg/manager"
	"github.com/cuemby/unitd/pkg/metrics"
	"github.com/cuemby/unitd/pkg/unit"
)

const requestIDHeader = "X-Request-Id"

// Server serves the control API over a Unix domain socket.
type Server struct {
	mgr    *manager.Manager
	router *mux.Router
	log    zerolog.Logger
	ln     net.Listener
	srv    *http.Server
}

// NewServer builds a Server backed by mgr; routes are registered eagerly so
// tests can exercise the router directly via httptest without Listen.
func NewServer(mgr *manager.Manager) *Server {
	s := &Server{
		mgr:    mgr,
		router: mux.NewRouter(),
		log:    log.WithComponent("api"),
	}
	s.router.Use(s.requestIDMiddleware)
	s.routes()
	metrics.RegisterComponent("api", true, "ready")
	return s
}

// requestIDMiddleware tags every request with a correlation ID, echoed back
// in the response header and attached to the request-scoped log line, so a
// single job-enqueue call can be traced across the daemon's logs.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		s.log.Debug().Str("request_id", id).Str("method", r.Method).Str("path", r.URL.Path).Msg("request")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/ready", metrics.ReadyHandler()).Methods(http.MethodGet)
	s.router.Handle("/live", metrics.LivenessHandler()).Methods(http.MethodGet)
	s.router.HandleFunc("/units", s.handleListUnits).Methods(http.MethodGet)
	s.router.HandleFunc("/units/{name}", s.handleGetUnit).Methods(http.MethodGet)
	s.router.HandleFunc("/units/{name}/dependencies", s.handleDependencies).Methods(http.MethodGet)
	s.router.HandleFunc("/units/{name}/jobs", s.handleEnqueueJob).Methods(http.MethodPost)
	s.router.HandleFunc("/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
}

// Router exposes the mux.Router for in-process testing.
func (s *Server) Router() http.Handler { return s.router }

// ListenAndServe binds socketPath (removing any stale socket file first,
// matching snapd's own restart idiom) and serves until Shutdown/the process
// exits.
func (s *Server) ListenAndServe(socketPath string) error {
	_ = os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0660); err != nil {
		ln.Close()
		return fmt.Errorf("api: chmod socket: %w", err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.log.Info().Str("socket", socketPath).Msg("control api listening")
	return s.srv.Serve(ln)
}

// Shutdown closes the listener and every open connection at once; requests
// still in flight are not drained.
func (s *Server) Shutdown() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Close()
}

// --- Wire types ---

type unitView struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	LoadState   string `json:"load_state"`
	ActiveState string `json:"active_state"`
	Description string `json:"description,omitempty"`
}

type jobRequest struct {
	Type string `json:"type"`
	Mode string `json:"mode"`
}

type jobResponse struct {
	UnitCount int      `json:"unit_count"`
	Units     []string `json:"units"`
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := metrics.GetHealth()
	status := http.StatusOK
	if health.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (s *Server) handleListUnits(w http.ResponseWriter, r *http.Request) {
	units := s.mgr.Store().All()
	views := make([]unitView, 0, len(units))
	for _, u := range units {
		views = append(views, toView(u))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetUnit(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	u, ok := s.mgr.Store().Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unit %q not found", name))
		return
	}
	writeJSON(w, http.StatusOK, toView(u))
}

func (s *Server) handleDependencies(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	u, ok := s.mgr.Store().Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unit %q not found", name))
		return
	}
	out := map[string][]string{}
	for rel, set := range u.Edges {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		out[string(rel)] = ids
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleEnqueueJob(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("malformed body: %v", err))
		return
	}
	mode := unit.ModeReplace
	if req.Mode != "" {
		mode = unit.JobMode(req.Mode)
	}

	var tx *job.Transaction
	var err error
	switch unit.JobType(req.Type) {
	case unit.JobStart:
		tx, err = s.mgr.StartUnit(name, mode)
	case unit.JobStop:
		tx, err = s.mgr.StopUnit(name, mode)
	case unit.JobReload:
		tx, err = s.mgr.ReloadUnit(name, mode)
	case unit.JobRestart:
		tx, err = s.mgr.RestartUnit(name, mode)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown job type %q", req.Type))
		return
	}
	metrics.APIRequestsTotal.WithLabelValues("POST /units/jobs", statusLabel(err)).Inc()
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	units := make([]string, 0, len(tx.Order()))
	for _, u := range tx.Order() {
		units = append(units, u.ID)
	}
	writeJSON(w, http.StatusAccepted, jobResponse{UnitCount: len(units), Units: units})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	idStr := mux.Vars(r)["id"]
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "job id must be numeric")
		return
	}
	for _, u := range s.mgr.Store().All() {
		if u.Job != nil && u.Job.ID == id {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"id":    u.Job.ID,
				"unit":  u.ID,
				"type":  u.Job.Type,
				"mode":  u.Job.Mode,
				"state": u.Job.State,
			})
			return
		}
	}
	writeError(w, http.StatusNotFound, fmt.Sprintf("job %d not found (it may have already finished)", id))
}

func toView(u *unit.Unit) unitView {
	return unitView{
		Name:        u.ID,
		Type:        string(u.Type),
		LoadState:   string(u.LoadState),
		ActiveState: string(u.ActiveStateCached),
		Description: u.Description,
	}
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
