// Package api serves the controller's HTTP and websocket interface:
// status and registers, reset and manual start, decision history,
// Prometheus metrics and a live record stream.
package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"mppt-controller/pkg/errors"
	"mppt-controller/pkg/log"
	"mppt-controller/pkg/metrics"
	"mppt-controller/pkg/runner"
)

// Controller is the runner surface the API drives.
type Controller interface {
	Snapshot() runner.Snapshot
	Reset(ctx context.Context) error
	Trigger() error
}

// Config holds server configuration.
type Config struct {
	// HTTP address to listen on (e.g., ":7130")
	Addr string

	Controller Controller

	// Gatherer backs /metrics; nil disables the route.
	Gatherer        prometheus.Gatherer
	MetricsUser     string
	MetricsPassword string

	// Extras are added to /status under their key, e.g. link or
	// telemetry counters.
	Extras map[string]func() any

	// HistorySize bounds the decision history (default 512).
	HistorySize int
}

// Server provides the HTTP API.
type Server struct {
	cfg     Config
	ctrl    Controller
	router  *mux.Router
	hub     *Hub
	history *History
	log     *log.Logger

	httpServer *http.Server
	running    atomic.Bool
	startTime  time.Time
}

// New creates a server and its routes.
func New(cfg Config) *Server {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 512
	}
	s := &Server{
		cfg:       cfg,
		ctrl:      cfg.Controller,
		router:    mux.NewRouter(),
		history:   NewHistory(cfg.HistorySize),
		log:       log.GetLogger("api"),
		startTime: time.Now(),
	}
	s.hub = newHub(s)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/server/info", s.handleServerInfo).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/reset", s.handleReset).Methods(http.MethodPost)
	s.router.HandleFunc("/start", s.handleStart).Methods(http.MethodPost)
	s.router.HandleFunc("/websocket", s.hub.handleWebSocket).Methods(http.MethodGet)
	s.history.RegisterEndpoints(s.router)
	if cfg.Gatherer != nil {
		s.router.Handle("/metrics", metrics.Handler(cfg.Gatherer, cfg.MetricsUser, cfg.MetricsPassword)).
			Methods(http.MethodGet)
	}
	return s
}

// Observer returns the runner observer that feeds history and websocket
// clients.
func (s *Server) Observer() runner.Observer {
	return runner.ObserverFunc(func(rec runner.Record) {
		s.history.Observe(rec)
		s.hub.Observe(rec)
	})
}

// History returns the decision history.
func (s *Server) History() *History {
	return s.history
}

// Handler returns the routes wrapped with access logging, panic recovery
// and CORS.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	h = handlers.LoggingHandler(s.log.Writer(log.DEBUG), h)
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{s.log}))(h)
	return handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization", "X-Requested-With"}),
	)(h)
}

type recoveryLogger struct{ log *log.Logger }

func (l recoveryLogger) Println(args ...interface{}) {
	l.log.Error("handler panic: %v", args)
}

// Start serves until Stop; it returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.running.Store(true)
	go s.hub.broadcastLoop()
	s.log.Info("API server listening on %s", s.cfg.Addr)

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop closes websocket clients and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.running.Store(false)
	s.hub.closeAll()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) status() map[string]any {
	st := map[string]any{
		"controller": s.ctrl.Snapshot(),
		"clients":    s.hub.count(),
	}
	for k, fn := range s.cfg.Extras {
		st[k] = fn()
	}
	return st
}

func (s *Server) serverInfo() map[string]any {
	snap := s.ctrl.Snapshot()
	return map[string]any{
		"run_id":       snap.RunID,
		"state":        snap.State,
		"arithmetic":   snap.Arithmetic,
		"trigger":      snap.Trigger,
		"start_policy": snap.StartPolicy,
		"tick_period":  snap.TickPeriod,
		"api_uptime":   time.Since(s.startTime).Seconds(),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"result": s.serverInfo()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"result": s.status()})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": "ok"})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Trigger(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"result": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, err error) {
	body := map[string]any{"code": code, "message": err.Error()}
	var herr *errors.HostError
	if stderrors.As(err, &herr) {
		body["error_code"] = herr.Code
	}
	writeJSON(w, code, map[string]any{"error": body})
}
