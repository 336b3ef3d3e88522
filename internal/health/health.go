// Package health serves the liveness and readiness probes of the avatarsync
// server.
//
//   - GET /healthz reports that the process serves HTTP, plus its version.
//   - GET /readyz runs every registered [Checker] concurrently and returns
//     200 only when all of them pass.
//
// Responses are JSON objects with a "status" field ("ok" or "fail") and a
// "checks" map holding the outcome of each named checker.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// ErrAtCapacity is reported by [Capacity] when no further session fits.
var ErrAtCapacity = errors.New("health: session limit reached")

// Checker is a named readiness check. Check returns nil when the dependency
// is usable.
type Checker struct {
	// Name is the key of the check in the JSON response, e.g. "events".
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

type result struct {
	Status  string            `json:"status"`
	Version string            `json:"version,omitempty"`
	Uptime  string            `json:"uptime,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
	version  string
	started  time.Time
}

// Option configures a [Handler].
type Option func(*Handler)

// WithVersion sets the version reported by /healthz.
func WithVersion(v string) Option {
	return func(h *Handler) { h.version = v }
}

// New creates a [Handler] that evaluates checkers on each /readyz request.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{
		checkers: append([]Checker(nil), checkers...),
		started:  time.Now(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Capacity returns a checker that fails once active() reaches limit. A limit
// of 0 or less never fails.
func Capacity(active func() int, limit int) Checker {
	return Checker{
		Name: "sessions",
		Check: func(context.Context) error {
			if n := active(); limit > 0 && n >= limit {
				return fmt.Errorf("%w: %d of %d", ErrAtCapacity, n, limit)
			}
			return nil
		},
	}
}

// Healthz always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{
		Status:  "ok",
		Version: h.version,
		Uptime:  time.Since(h.started).Truncate(time.Second).String(),
	})
}

// Readyz returns 200 only when every checker passes within [checkTimeout].
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(h.checkers))
		failed bool
	)

	// Checkers report through the map; the group never sees an error so one
	// slow dependency cannot cancel the others.
	g, ctx := errgroup.WithContext(r.Context())
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			err := c.Check(cctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
				failed = true
			} else {
				checks[c.Name] = "ok"
			}
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if failed {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
