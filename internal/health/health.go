// Package health runs dependency checks for the /health endpoint.
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Overall states reported by Run.
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"  // only optional dependencies failing
	StateUnhealthy = "unhealthy" // a critical dependency is failing
)

// Check pings one dependency.
type Check func(ctx context.Context) error

// Status is the outcome of one check.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Critical  bool   `json:"critical"`
	LatencyMS int64  `json:"latency_ms"`
	Detail    string `json:"detail,omitempty"`
}

// Report aggregates every check.
type Report struct {
	State  string   `json:"status"`
	Checks []Status `json:"checks,omitempty"`
}

// OK reports whether the service can still score requests.
func (r Report) OK() bool { return r.State != StateUnhealthy }

type entry struct {
	name     string
	check    Check
	critical bool
}

// Option adjusts a registered check.
type Option func(*entry)

// Optional marks a dependency whose loss degrades but does not stop
// scoring, such as the result cache.
func Optional() Option {
	return func(e *entry) { e.critical = false }
}

// Registry holds the checks for one process.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
	timeout time.Duration
}

// NewRegistry bounds each check by timeout, two seconds if non-positive.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Registry{timeout: timeout}
}

// Register adds a check. Checks are critical unless Optional is given.
func (r *Registry) Register(name string, check Check, opts ...Option) {
	e := entry{name: name, check: check, critical: true}
	for _, opt := range opts {
		opt(&e)
	}
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

// Len returns the number of registered checks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Run executes all checks concurrently. Results keep registration order.
func (r *Registry) Run(ctx context.Context) Report {
	r.mu.RLock()
	entries := append([]entry(nil), r.entries...)
	r.mu.RUnlock()

	statuses := make([]Status, len(entries))
	var g errgroup.Group
	for i, e := range entries {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			start := time.Now()
			err := e.check(cctx)
			st := Status{
				Name:      e.name,
				Healthy:   err == nil,
				Critical:  e.critical,
				LatencyMS: time.Since(start).Milliseconds(),
			}
			if err != nil {
				st.Detail = err.Error()
			}
			statuses[i] = st
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{State: StateHealthy, Checks: statuses}
	for _, st := range statuses {
		switch {
		case st.Healthy:
		case st.Critical:
			rep.State = StateUnhealthy
		case rep.State == StateHealthy:
			rep.State = StateDegraded
		}
	}
	return rep
}
