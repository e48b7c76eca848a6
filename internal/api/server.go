// Package api exposes GhostVoice over HTTP: a websocket stream per call
// that carries utterances in and ordered audio frames out, plus read-only
// endpoints for live calls, latency breakdowns, verdict counts, provider
// health and incidents.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrWong99/ghostvoice/internal/app"
	"github.com/MrWong99/ghostvoice/internal/health"
	"github.com/MrWong99/ghostvoice/internal/incident"
	"github.com/MrWong99/ghostvoice/internal/observe"
	"github.com/MrWong99/ghostvoice/internal/persona"
	"github.com/MrWong99/ghostvoice/internal/resilience"
	"github.com/MrWong99/ghostvoice/internal/telemetry"
)

// flushTimeout bounds how long a trace lookup waits for queued telemetry.
const flushTimeout = 2 * time.Second

// Deps are the subsystems the API reads from and drives.
type Deps struct {
	Sessions   *app.SessionManager
	Correlator *telemetry.Correlator
	Governor   *resilience.Governor
	Incidents  *incident.Memory
	Checkers   []health.Checker
	Metrics    *observe.Metrics

	// StreamRate and StreamBurst limit inbound messages per stream
	// connection. A zero rate disables the limit.
	StreamRate  float64
	StreamBurst int

	// APIKeys guard every route except the health and metrics endpoints.
	// Empty leaves the API open.
	APIKeys []string
}

// Server routes API requests.
type Server struct {
	deps Deps
	mux  *http.ServeMux
}

// New returns a server with all routes registered.
func New(d Deps) *Server {
	if d.Metrics == nil {
		d.Metrics = observe.DefaultMetrics()
	}
	s := &Server{deps: d, mux: http.NewServeMux()}

	health.New(d.Checkers...).Register(s.mux)
	s.mux.Handle("GET /metrics", observe.MetricsHandler())

	s.mux.HandleFunc("GET /v1/calls", s.handleListCalls)
	s.mux.HandleFunc("GET /v1/calls/{id}", s.handleGetCall)
	s.mux.HandleFunc("DELETE /v1/calls/{id}", s.handleHangup)
	s.mux.HandleFunc("POST /v1/calls/{id}/barge-in", s.handleBargeIn)
	s.mux.HandleFunc("GET /v1/calls/{id}/stream", s.handleStream)
	s.mux.HandleFunc("GET /v1/traces/{id}", s.handleTrace)
	s.mux.HandleFunc("GET /v1/verdicts", s.handleVerdicts)
	s.mux.HandleFunc("GET /v1/provider/health", s.handleProviderHealth)
	s.mux.HandleFunc("GET /v1/incidents", s.handleIncidents)
	return s
}

// Handler returns the routes wrapped in API key checks, tracing, metrics
// and request logging. Rejected requests are still traced and logged.
func (s *Server) Handler() http.Handler {
	return observe.Middleware(s.deps.Metrics)(requireAPIKey(s.deps.APIKeys)(s.mux))
}

func (s *Server) handleListCalls(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Sessions.List())
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c.Info())
}

func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Sessions.Hangup(r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBargeIn(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"interrupted": c.Orchestrator.BargeIn()})
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), flushTimeout)
	defer cancel()
	if err := s.deps.Correlator.Flush(ctx); err != nil {
		observe.Logger(r.Context()).Warn("telemetry flush incomplete, breakdown may lag", "err", err)
	}
	b, ok := s.deps.Correlator.Breakdown(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "trace not found"})
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleVerdicts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Correlator.VerdictCounts())
}

// providerHealth is the JSON view of the governor.
type providerHealth struct {
	Name                string       `json:"name"`
	State               string       `json:"state"`
	Degraded            bool         `json:"degraded"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	WindowFailures      int          `json:"window_failures"`
	WindowCalls         int          `json:"window_calls"`
	LatencyEWMAMillis   float64      `json:"latency_ewma_ms"`
	LastTransition      time.Time    `json:"last_transition,omitzero"`
	Transitions         []transition `json:"transitions"`
}

type transition struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

func (s *Server) handleProviderHealth(w http.ResponseWriter, _ *http.Request) {
	snap := s.deps.Governor.Snapshot()
	out := providerHealth{
		Name:                snap.Name,
		State:               snap.State.String(),
		Degraded:            snap.Degraded,
		ConsecutiveFailures: snap.ConsecutiveFailures,
		WindowFailures:      snap.WindowFailures,
		WindowCalls:         snap.WindowCalls,
		LatencyEWMAMillis:   float64(snap.LatencyEWMA) / float64(time.Millisecond),
		LastTransition:      snap.LastTransition,
		Transitions:         []transition{},
	}
	for _, t := range s.deps.Governor.Transitions() {
		out.Transitions = append(out.Transitions, transition{
			From:   t.From.String(),
			To:     t.To.String(),
			At:     t.At,
			Reason: t.Reason,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	recs := s.deps.Incidents.List(r.URL.Query().Get("call_id"))
	if recs == nil {
		recs = []incident.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

type errorBody struct {
	Error string `json:"error"`
}

// statusFor maps call errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, app.ErrCallNotFound):
		return http.StatusNotFound
	case errors.Is(err, app.ErrCallExists):
		return http.StatusConflict
	case errors.Is(err, persona.ErrUnknownPersona), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusServiceUnavailable
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		observe.Logger(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: encode response", "err", err)
	}
}
