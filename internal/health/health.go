// Package health serves the relay's liveness and readiness checks.
//
// GET /healthz answers 200 whenever the process can serve HTTP. GET /readyz
// answers 200 only while the relay should be sent new calls: it is not
// draining and every registered [Check] passes. Both reply with a JSON
// [Report].
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrDraining is reported by /readyz once shutdown has begun so load
// balancers stop routing new calls here.
var ErrDraining = errors.New("draining")

// CheckTimeout bounds each check.
const CheckTimeout = 5 * time.Second

// maxConcurrentChecks caps how many checks run at once.
const maxConcurrentChecks = 4

// Report statuses.
const (
	StatusOK   = "ok"
	StatusFail = "fail"
)

// Check is one named readiness condition. Run returns nil while the
// condition holds and must honor ctx.
type Check struct {
	Name string
	Run  func(ctx context.Context) error
}

// Report is the body of both health responses. Checks maps each check name
// to "ok" or "fail: <reason>".
type Report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// OK reports whether every check passed.
func (r Report) OK() bool { return r.Status == StatusOK }

// Handler evaluates the checks it was built with. Safe for concurrent use.
type Handler struct {
	checks   []Check
	draining atomic.Bool
}

// New returns a handler evaluating checks on every readiness request.
func New(checks ...Check) *Handler {
	return &Handler{checks: append([]Check(nil), checks...)}
}

// Available builds a [Check] from a boolean test, such as a provider
// fallback group reporting whether any backend still takes calls.
func Available(name string, ok func() bool, reason string) Check {
	return Check{
		Name: name,
		Run: func(context.Context) error {
			if ok() {
				return nil
			}
			return errors.New(reason)
		},
	}
}

// SetDraining marks the relay as shutting down. Liveness is unaffected.
func (h *Handler) SetDraining(v bool) { h.draining.Store(v) }

// Ready runs every check concurrently, each under [CheckTimeout], and
// reports the outcome.
func (h *Handler) Ready(ctx context.Context) Report {
	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(h.checks)+1)
		failed = h.draining.Load()
	)
	if failed {
		checks["shutdown"] = StatusFail + ": " + ErrDraining.Error()
	}

	var g errgroup.Group
	g.SetLimit(maxConcurrentChecks)
	for _, c := range h.checks {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, CheckTimeout)
			err := c.Run(pctx)
			cancel()

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = StatusFail + ": " + err.Error()
				failed = true
				return nil
			}
			checks[c.Name] = StatusOK
			return nil
		})
	}
	_ = g.Wait()

	r := Report{Status: StatusOK, Checks: checks}
	if failed {
		r.Status = StatusFail
	}
	return r
}

// Register mounts /healthz and /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeReport(w, Report{Status: StatusOK})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		writeReport(w, h.Ready(r.Context()))
	})
}

func writeReport(w http.ResponseWriter, r Report) {
	code := http.StatusOK
	if !r.OK() {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(r)
}
