package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"vehiclecheck/internal/dvla"
	"vehiclecheck/internal/metrics"
	"vehiclecheck/internal/vehicle"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const paramID = "id"

// Server provides HTTP API endpoints for the vehicle checker
type Server struct {
	manager *vehicle.Manager
	logger  *zap.Logger
	server  *http.Server
	router  chi.Router
}

// NewServer creates a new API server listening on addr
func NewServer(manager *vehicle.Manager, logger *zap.Logger, addr string) *Server {
	s := &Server{
		manager: manager,
		logger:  logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleSitemap)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/lookup", s.handleLookup)
		r.Route("/vehicles", func(r chi.Router) {
			r.Get("/", s.handleListVehicles)
			r.Route("/{"+paramID+"}", func(r chi.Router) {
				r.Get("/", s.handleGetVehicle)
				r.Post("/refresh", s.handleRefresh)
				r.Get("/calendar.ics", s.handleCalendarFeed)
			})
		})
	})
	s.router = r

	s.server = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// requestLogger logs each request with zap
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("Request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("remote_addr", r.RemoteAddr))
	})
}

// VehicleSummary is the list view of a configured vehicle
type VehicleSummary struct {
	ID           string     `json:"id"`
	Registration string     `json:"registration"`
	Status       string     `json:"status"`
	Available    bool       `json:"available"`
	Polling      bool       `json:"polling"`
	Interval     string     `json:"interval"`
	Calendars    []string   `json:"calendars"`
	LastSuccess  *time.Time `json:"last_success,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	ErrorKind    string     `json:"error_kind,omitempty"`
}

// EntityView is one observable source as seen over HTTP
type EntityView struct {
	ID         string         `json:"entity_id"`
	Name       string         `json:"name"`
	State      string         `json:"state"`
	Available  bool           `json:"available"`
	Attributes map[string]any `json:"attributes"`
}

// VehicleDetail is the single-vehicle view
type VehicleDetail struct {
	VehicleSummary
	Entities []EntityView `json:"entities"`
}

// LookupRequest is the body of POST /api/lookup
type LookupRequest struct {
	RegNumber string `json:"reg_number"`
	APIKey    string `json:"api_key,omitempty"`
}

// ErrorResponse is returned for every failed request
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func summarize(v *vehicle.Vehicle) VehicleSummary {
	c := v.Coordinator
	req := c.Request()
	summary := VehicleSummary{
		ID:           v.Entry.ID,
		Registration: req.Registration,
		Status:       string(c.Status()),
		Available:    c.Available(),
		Polling:      c.Polling(),
		Interval:     req.Interval.String(),
		Calendars:    req.Calendars,
	}
	if last := c.LastSuccess(); !last.IsZero() {
		summary.LastSuccess = &last
	}
	if err := c.LastError(); err != nil {
		summary.LastError = err.Error()
		summary.ErrorKind = dvla.KindOf(err).String()
	}
	if summary.Calendars == nil {
		summary.Calendars = []string{}
	}
	return summary
}

func (s *Server) handleListVehicles(w http.ResponseWriter, r *http.Request) {
	vehicles := s.manager.List()
	out := make([]VehicleSummary, 0, len(vehicles))
	for _, v := range vehicles {
		out = append(out, summarize(v))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetVehicle(w http.ResponseWriter, r *http.Request) {
	v, ok := s.vehicle(w, r)
	if !ok {
		return
	}

	detail := VehicleDetail{VehicleSummary: summarize(v), Entities: []EntityView{}}
	for _, src := range v.Sources() {
		detail.Entities = append(detail.Entities, EntityView{
			ID:         src.ID(),
			Name:       src.Name(),
			State:      src.State(),
			Available:  src.Available(),
			Attributes: src.Attributes(),
		})
	}
	s.writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	v, ok := s.vehicle(w, r)
	if !ok {
		return
	}

	if _, err := v.Coordinator.Refresh(r.Context()); err != nil {
		s.writeLookupError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summarize(v))
}

func (s *Server) handleCalendarFeed(w http.ResponseWriter, r *http.Request) {
	v, ok := s.vehicle(w, r)
	if !ok {
		return
	}

	cal := v.Calendar()
	if cal == nil {
		s.writeError(w, http.StatusNotFound, "vehicle has no standalone calendar", "")
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=dvla_%s.ics", strings.ToLower(v.Entry.RegNumber)))
	if err := cal.WriteICS(w); err != nil {
		s.logger.Error("Failed to write calendar feed", zap.Error(err))
	}
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	var req LookupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "")
		return
	}
	if strings.TrimSpace(req.RegNumber) == "" {
		s.writeError(w, http.StatusBadRequest, "reg_number is required", "")
		return
	}

	record, err := s.manager.Lookup(r.Context(), req.RegNumber, req.APIKey)
	if err != nil {
		if errors.Is(err, vehicle.ErrNoAPIKey) {
			s.writeError(w, http.StatusBadRequest, err.Error(), "")
			return
		}
		s.writeLookupError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) vehicle(w http.ResponseWriter, r *http.Request) (*vehicle.Vehicle, bool) {
	id := chi.URLParam(r, paramID)
	v, ok := s.manager.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("vehicle %q not found", id), "")
		return nil, false
	}
	return v, true
}

// writeLookupError maps upstream failures to HTTP statuses
func (s *Server) writeLookupError(w http.ResponseWriter, err error) {
	kind := dvla.KindOf(err)
	status := http.StatusBadGateway
	switch kind {
	case dvla.KindAuthFailure:
		status = http.StatusUnauthorized
	case dvla.KindRateLimited:
		status = http.StatusTooManyRequests
	}
	s.writeError(w, status, err.Error(), kind.String())
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg, kind string) {
	s.writeJSON(w, status, ErrorResponse{Error: msg, Kind: kind})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// handleHealth returns a simple health check response
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap - lists all available API endpoints"},
	{Path: "/health", Method: "GET", Description: "Health check endpoint - returns {\"status\": \"ok\"}"},
	{Path: "/metrics", Method: "GET", Description: "Prometheus metrics"},
	{Path: "/api/vehicles", Method: "GET", Description: "List configured vehicles with refresh status"},
	{Path: "/api/vehicles/{id}", Method: "GET", Description: "Vehicle status with all entity states"},
	{Path: "/api/vehicles/{id}/refresh", Method: "POST", Description: "Refresh now (joins an in-flight refresh)"},
	{Path: "/api/vehicles/{id}/calendar.ics", Method: "GET", Description: "Standalone reminder calendar feed"},
	{Path: "/api/lookup", Method: "POST", Description: "One-off lookup: {\"reg_number\": \"AB12CDE\", \"api_key\": \"optional\"}"},
}

// handleSitemap returns a list of all available API endpoints
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		s.writeJSON(w, http.StatusOK, endpoints)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "Vehicle Check API\n")
	fmt.Fprintf(w, "=================\n\n")
	fmt.Fprintf(w, "Available endpoints:\n\n")
	for _, ep := range endpoints {
		fmt.Fprintf(w, "  %-6s %-32s %s\n", ep.Method, ep.Path, ep.Description)
	}
	fmt.Fprintf(w, "\nExamples:\n\n")
	fmt.Fprintf(w, "  curl http://localhost:8081/api/vehicles | jq\n")
	fmt.Fprintf(w, "  curl -X POST -d '{\"reg_number\":\"AB12CDE\"}' http://localhost:8081/api/lookup\n\n")
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

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
