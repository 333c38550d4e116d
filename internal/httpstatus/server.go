// Package httpstatus serves the engine's narrow operational HTTP surface:
// liveness, Prometheus metrics, and a read-only portfolio status snapshot.
package httpstatus

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/driftpool/clamm-engine/internal/logger"
	"github.com/driftpool/clamm-engine/internal/types"
)

var webLog = logger.GetForComponent("http_status")

// StatusSource is the read-only view of the engine this server exposes.
type StatusSource interface {
	GetPortfolioStatus() types.PortfolioStatus
}

// Server handles the /healthz, /metrics, and /status routes.
type Server struct {
	router *mux.Router
	port   string
	source StatusSource
}

// NewServer creates a new status server instance.
func NewServer(port string, source StatusSource) *Server {
	if port == "" {
		port = "8080"
	}
	s := &Server{
		router: mux.NewRouter(),
		port:   port,
		source: source,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	s.router.HandleFunc("/status", s.handleStatus).Methods("GET")
}

// Start starts the HTTP server and blocks until it exits.
func (s *Server) Start() error {
	webLog.Info().Str("port", s.port).Msg("starting status server")

	server := &http.Server{
		Addr:         ":" + s.port,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.source.GetPortfolioStatus()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		webLog.Error().Err(err).Msg("failed to encode portfolio status")
		http.Error(w, "encoding failure", http.StatusInternalServerError)
	}
}
