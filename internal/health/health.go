// Package health serves the liveness and readiness endpoints of a GhostVoice
// node.
//
// /healthz answers 200 while the process can serve HTTP. /readyz runs every
// registered [Checker] and reports one of three states:
//
//   - ok: every dependency is healthy.
//   - degraded: calls are served with reduced quality, e.g. the provider
//     circuit is half-open or the provider is slow, or an optional
//     dependency such as the incident bus is down. Still 200, so the node
//     keeps receiving calls.
//   - fail: a required dependency is down or the provider circuit is open.
//     503, so the load balancer routes new calls elsewhere.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// ErrDegraded marks a check result that should degrade readiness instead of
// failing it. Checks wrap it with %w.
var ErrDegraded = errors.New("degraded")

// Status is the outcome of one check or of a whole readiness report.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusFail     Status = "fail"
)

// Checker is a named readiness check.
type Checker struct {
	// Name is the key of the check in the /readyz body, e.g. "tts_breaker".
	Name string

	// Check returns nil when healthy. It must respect ctx.
	Check func(ctx context.Context) error

	// Optional dependencies only degrade readiness when they fail.
	Optional bool
}

// CheckResult is the outcome of one checker.
type CheckResult struct {
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
	TookMS int64  `json:"took_ms"`
}

// Report is the /readyz response body.
type Report struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction.
type Handler struct {
	checkers []Checker
}

// New returns a handler evaluating checkers on each readiness request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Register adds GET /healthz and GET /readyz to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz always reports ok.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: StatusOK})
}

// Readyz runs all checks concurrently and answers 503 only on fail.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Evaluate(r.Context())
	code := http.StatusOK
	if rep.Status == StatusFail {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

// Evaluate runs every checker, each bounded by [checkTimeout], and folds
// the results into one report.
func (h *Handler) Evaluate(ctx context.Context) Report {
	results := make([]CheckResult, len(h.checkers))
	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = run(ctx, c)
		}()
	}
	wg.Wait()

	rep := Report{Status: StatusOK, Checks: make(map[string]CheckResult, len(h.checkers))}
	for i, c := range h.checkers {
		res := results[i]
		rep.Checks[c.Name] = res
		rep.Status = worst(rep.Status, res.Status)
	}
	return rep
}

func run(ctx context.Context, c Checker) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	start := time.Now()
	err := c.Check(ctx)
	res := CheckResult{Status: StatusOK, TookMS: time.Since(start).Milliseconds()}
	switch {
	case err == nil:
	case errors.Is(err, ErrDegraded), c.Optional:
		res.Status, res.Error = StatusDegraded, err.Error()
	default:
		res.Status, res.Error = StatusFail, err.Error()
	}
	return res
}

func worst(a, b Status) Status {
	rank := map[Status]int{StatusOK: 0, StatusDegraded: 1, StatusFail: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
