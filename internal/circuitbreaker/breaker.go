// Package circuitbreaker stops calling a model oracle after repeated
// failures and probes it again once a cool-off has passed.
package circuitbreaker

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Execute without running the call.
var ErrOpen = errors.New("circuit open")

// State is a circuit's position in the closed, open, half-open cycle.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

var transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "karmaguard",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit state changes per oracle.",
}, []string{"oracle", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(transitions)
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker keeps one circuit per oracle name.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	coolOff   time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithLogger sets where state changes are logged.
func WithLogger(l *slog.Logger) Option {
	return func(b *Breaker) { b.logger = l }
}

// New opens a circuit after threshold consecutive failures and keeps it
// open for coolOff before admitting a probe.
func New(threshold int, coolOff time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if coolOff <= 0 {
		coolOff = 30 * time.Second
	}
	b := &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		coolOff:   coolOff,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Execute runs call unless the oracle's circuit is open. Failures caused
// by ctx ending are the caller's and are not counted against the oracle.
func (b *Breaker) Execute(ctx context.Context, oracle string, call func() error) error {
	if !b.admit(oracle) {
		return ErrOpen
	}
	err := call()
	switch {
	case err == nil:
		b.succeed(oracle)
	case ctx.Err() != nil:
		b.release(oracle)
	default:
		b.fail(oracle)
	}
	return err
}

// State reports an oracle's circuit. Unknown oracles are closed.
func (b *Breaker) State(oracle string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[oracle]; ok {
		return c.state
	}
	return StateClosed
}

// Open lists oracles whose circuits are not closed, sorted by name.
func (b *Breaker) Open() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for name, c := range b.circuits {
		if c.state != StateClosed {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (b *Breaker) admit(oracle string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[oracle]
	if !ok {
		return true
	}
	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) < b.coolOff {
			return false
		}
		b.move(c, oracle, StateHalfOpen)
		return true
	case StateHalfOpen:
		// A probe is already in flight.
		return false
	}
	return true
}

func (b *Breaker) succeed(oracle string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[oracle]; ok {
		c.failures = 0
		b.move(c, oracle, StateClosed)
	}
}

func (b *Breaker) fail(oracle string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[oracle]
	if !ok {
		c = &circuit{}
		b.circuits[oracle] = c
	}
	c.failures++
	if c.state == StateHalfOpen || c.failures >= b.threshold {
		c.openedAt = b.now()
		b.move(c, oracle, StateOpen)
	}
}

// release returns an abandoned probe slot so the next call can probe.
func (b *Breaker) release(oracle string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[oracle]; ok && c.state == StateHalfOpen {
		c.state = StateOpen
		c.openedAt = b.now().Add(-b.coolOff)
	}
}

// Caller holds b.mu.
func (b *Breaker) move(c *circuit, oracle string, to State) {
	if c.state == to {
		return
	}
	from := c.state
	c.state = to
	transitions.WithLabelValues(oracle, from.String(), to.String()).Inc()
	b.logger.Warn("oracle circuit changed state", "oracle", oracle, "from", from.String(), "to", to.String())
}
