package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"octopusspain/internal/coordinator"
	"octopusspain/internal/kraken"
	"octopusspain/internal/schedule"
	"octopusspain/pkg/host"
)

// Options configures the HTTP server.
type Options struct {
	Port int
	Gzip bool
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// Server provides HTTP API endpoints for the bridge
type Server struct {
	integration host.Integration
	logger      *zap.Logger
	opts        Options
	upgrader    websocket.Upgrader
	server      *http.Server
	done        chan struct{}
	stopOnce    sync.Once
}

// NewServer creates a new API server
func NewServer(integration host.Integration, logger *zap.Logger, opts Options) *Server {
	s := &Server{
		integration: integration,
		logger:      logger.Named("api"),
		opts:        opts,
		done:        make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", opts.Port),
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap"},
	{Path: "/health", Method: "GET", Description: "Health check"},
	{Path: "/api/status", Method: "GET", Description: "Integration and per-tier refresh status"},
	{Path: "/api/snapshots/{tier}", Method: "GET", Description: "Latest snapshot of the devices or billing tier"},
	{Path: "/api/snapshots/{tier}/refresh", Method: "POST", Description: "Refresh a tier and wait for the result"},
	{Path: "/api/accounts/{account}/schedule", Method: "GET", Description: "Effective weekly charge schedule"},
	{Path: "/api/accounts/{account}/schedule/{day}/time", Method: "PUT", Description: `Set departure time, body {"time":"07:30"}`},
	{Path: "/api/accounts/{account}/schedule/{day}/soc", Method: "PUT", Description: `Set target charge, body {"soc":70}`},
	{Path: "/api/accounts/{account}/boost", Method: "POST", Description: "Start charging now"},
	{Path: "/api/options", Method: "GET", Description: "Selectable times and charge targets"},
	{Path: "/api/reauth", Method: "POST", Description: `Log in with new credentials, body {"email":"...","password":"..."}`},
	{Path: "/api/events", Method: "GET", Description: "WebSocket stream of refresh events"},
	{Path: "/metrics", Method: "GET", Description: "Prometheus metrics"},
}

// Handler builds the routed handler with logging, recovery and optional gzip.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleSitemap).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	a := r.PathPrefix("/api").Subrouter()
	a.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	a.HandleFunc("/options", s.handleOptions).Methods(http.MethodGet)
	a.HandleFunc("/reauth", s.handleReauth).Methods(http.MethodPost)
	a.HandleFunc("/snapshots/{tier}", s.handleSnapshot).Methods(http.MethodGet)
	a.HandleFunc("/snapshots/{tier}/refresh", s.handleRefresh).Methods(http.MethodPost)
	a.HandleFunc("/accounts/{account}/schedule", s.handleGetSchedule).Methods(http.MethodGet)
	a.HandleFunc("/accounts/{account}/schedule/{day}/time", s.handleSetTime).Methods(http.MethodPut)
	a.HandleFunc("/accounts/{account}/schedule/{day}/soc", s.handleSetSoc).Methods(http.MethodPut)
	a.HandleFunc("/accounts/{account}/boost", s.handleBoost).Methods(http.MethodPost)
	a.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	if s.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}

	var h http.Handler = r
	if s.opts.Gzip {
		// The websocket upgrade needs the raw ResponseWriter.
		gz := gziphandler.GzipHandler(r)
		h = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if websocket.IsWebSocketUpgrade(req) {
				r.ServeHTTP(w, req)
				return
			}
			gz.ServeHTTP(w, req)
		})
	}

	stdLog := zap.NewStdLog(s.logger)
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(stdLog), handlers.PrintRecoveryStack(true))(h)
	return handlers.CombinedLoggingHandler(stdLog.Writer(), h)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.integration.Status())
}

// OptionsResponse lists the values a host selector may offer.
type OptionsResponse struct {
	Days  []kraken.Weekday `json:"days"`
	Times []string         `json:"times"`
	Socs  []int            `json:"socs"`
}

func (s *Server) handleOptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, OptionsResponse{
		Days:  kraken.Weekdays,
		Times: schedule.TimeOptions(),
		Socs:  schedule.SocOptions(),
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	tier, err := coordinator.ParseTier(mux.Vars(r)["tier"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.integration.Snapshot(tier))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	tier, err := coordinator.ParseTier(mux.Vars(r)["tier"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.integration.RequestRefresh(r.Context(), tier); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.integration.Snapshot(tier))
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.integration.EffectiveSchedule(mux.Vars(r)["account"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

type reauthRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleReauth(w http.ResponseWriter, r *http.Request) {
	var body reauthRequest
	if err := decodeBody(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(body.Email) == "" || body.Password == "" {
		s.writeError(w, r, fmt.Errorf("%w: email and password are required", schedule.ErrInvalidInput))
		return
	}
	if err := s.integration.Reauthenticate(r.Context(), strings.TrimSpace(body.Email), body.Password); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("Reauthenticated", zap.String("email", strings.TrimSpace(body.Email)))
	writeJSON(w, http.StatusOK, s.integration.Status())
}

type timeRequest struct {
	Time string `json:"time"`
}

type socRequest struct {
	Soc *int `json:"soc"`
}

func (s *Server) handleSetTime(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	day, err := kraken.ParseWeekday(vars["day"])
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", schedule.ErrInvalidInput, err))
		return
	}
	var body timeRequest
	if err := decodeBody(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.integration.SetDayTime(r.Context(), vars["account"], day, body.Time); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeSchedule(w, r, vars["account"])
}

func (s *Server) handleSetSoc(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	day, err := kraken.ParseWeekday(vars["day"])
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", schedule.ErrInvalidInput, err))
		return
	}
	var body socRequest
	if err := decodeBody(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Soc == nil {
		s.writeError(w, r, fmt.Errorf("%w: soc is required", schedule.ErrInvalidInput))
		return
	}
	if err := s.integration.SetDaySoc(r.Context(), vars["account"], day, *body.Soc); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeSchedule(w, r, vars["account"])
}

func (s *Server) handleBoost(w http.ResponseWriter, r *http.Request) {
	if err := s.integration.BoostCharge(r.Context(), mux.Vars(r)["account"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "charging"})
}

func (s *Server) writeSchedule(w http.ResponseWriter, r *http.Request, account string) {
	sched, err := s.integration.EffectiveSchedule(account)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var apiErr *kraken.APIError
	switch {
	case kraken.IsAuthError(err), errors.Is(err, kraken.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, schedule.ErrDeviceNotFound), errors.Is(err, coordinator.ErrUnknownTier):
		return http.StatusNotFound
	case errors.Is(err, schedule.ErrInvalidInput), errors.Is(err, kraken.ErrInvalidSchedule):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &apiErr):
		if apiErr.Timeout() {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
	} else {
		s.logger.Debug("Request rejected",
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: malformed body: %v", schedule.ErrInvalidInput, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleSitemap lists the endpoints as plain text, or JSON when asked for it.
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		writeJSON(w, http.StatusOK, endpoints)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "Octopus Spain bridge API\n")
	fmt.Fprintf(w, "========================\n\n")
	for _, ep := range endpoints {
		fmt.Fprintf(w, "  %-6s %-45s %s\n", ep.Method, ep.Path, ep.Description)
	}
	fmt.Fprintf(w, "\nExamples:\n\n")
	fmt.Fprintf(w, "  curl http://localhost:%d/api/snapshots/billing | jq\n", s.opts.Port)
	fmt.Fprintf(w, "  curl -X PUT -d '{\"soc\":80}' http://localhost:%d/api/accounts/A-123/schedule/monday/soc\n", s.opts.Port)
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")
	s.stopOnce.Do(func() { close(s.done) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
