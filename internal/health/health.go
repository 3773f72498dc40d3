// Package health serves liveness and readiness probes for the performance
// server.
//
//   - /healthz — liveness; a process able to serve HTTP answers 200.
//   - /readyz  — readiness; 200 only while every registered [Check] passes.
//
// Readiness checks run concurrently, each under its own timeout, so one
// stalled dependency cannot mask the state of the others.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// probeTimeout bounds a single readiness probe.
const probeTimeout = 5 * time.Second

// Check is a named readiness probe. Probe returns nil while the dependency is
// usable and a descriptive error otherwise. It must respect context
// cancellation.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// report is the JSON body served by both endpoints.
type report struct {
	Status string            `json:"status"`
	Uptime string            `json:"uptime,omitempty"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. Safe for concurrent use; the check set
// is fixed at construction.
type Handler struct {
	checks  []Check
	started time.Time
}

// New creates a Handler evaluating the given checks on each /readyz request.
func New(checks ...Check) *Handler {
	return &Handler{
		checks:  append([]Check(nil), checks...),
		started: time.Now(),
	}
}

// Healthz always answers 200 with the process uptime.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{
		Status: "ok",
		Uptime: time.Since(h.started).Round(time.Second).String(),
	})
}

// Readyz runs every check concurrently and answers 200 only when all pass.
// Failures are reported per check in the response body with a 503 status.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var mu sync.Mutex
	results := make(map[string]string, len(h.checks))
	ready := true

	g, ctx := errgroup.WithContext(r.Context())
	for _, c := range h.checks {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			err := c.Probe(probeCtx)
			cancel()

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				results[c.Name] = "fail: " + err.Error()
				ready = false
			} else {
				results[c.Name] = "ok"
			}
			return nil
		})
	}
	g.Wait()

	res := report{Status: "ok", Checks: results}
	status := http.StatusOK
	if !ready {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
