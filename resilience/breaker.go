package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sicko7947/mangaflow"
)

// State is a circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Breaker is a fail-fast guard around one named dependency.
//
// CLOSED counts consecutive failures and opens at FailureThreshold. OPEN
// rejects every call until RecoveryTimeout has elapsed, then admits up to
// HalfOpenMaxCalls trial calls in HALF_OPEN. A trial failure reopens the
// breaker; a trial success closes it and resets the failure count.
type Breaker struct {
	name      string
	cfg       mangaflow.BreakerConfig
	now       func() time.Time
	isFailure func(error) bool
	logger    zerolog.Logger
	metrics   *Metrics

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trials   int
}

// BreakerOption configures a Breaker
type BreakerOption func(*Breaker)

// WithBreakerClock replaces the time source
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) {
		b.now = now
	}
}

// WithFailurePredicate decides which errors count against the breaker
func WithFailurePredicate(fn func(error) bool) BreakerOption {
	return func(b *Breaker) {
		b.isFailure = fn
	}
}

// WithBreakerLogger sets the logger for state changes
func WithBreakerLogger(logger zerolog.Logger) BreakerOption {
	return func(b *Breaker) {
		b.logger = logger
	}
}

// WithBreakerMetrics sets the metrics sink
func WithBreakerMetrics(m *Metrics) BreakerOption {
	return func(b *Breaker) {
		b.metrics = m
	}
}

// NewBreaker creates a closed breaker for the named dependency
func NewBreaker(name string, cfg mangaflow.BreakerConfig, opts ...BreakerOption) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = mangaflow.DefaultBreakerConfig.FailureThreshold
	}
	if cfg.HalfOpenMaxCalls < 1 {
		cfg.HalfOpenMaxCalls = mangaflow.DefaultBreakerConfig.HalfOpenMaxCalls
	}

	b := &Breaker{
		name:      name,
		cfg:       cfg,
		now:       time.Now,
		isFailure: countsAsFailure,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// countsAsFailure ignores caller cancellation and errors the caller caused
func countsAsFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return !mangaflow.IsPermanent(err)
}

// Name returns the dependency name
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state, moving OPEN to HALF_OPEN once the
// recovery timeout has elapsed
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Execute runs fn if the breaker admits the call. Rejected calls return a
// CIRCUIT_OPEN error without invoking fn.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(ctx); err != nil {
		b.metrics.RecordDependencyCall(ctx, b.name, "rejected")
		return err
	}

	err := fn(ctx)
	b.record(ctx, err)

	if err != nil {
		b.metrics.RecordDependencyCall(ctx, b.name, "error")
	} else {
		b.metrics.RecordDependencyCall(ctx, b.name, "ok")
	}
	return err
}

func (b *Breaker) admit(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.RecoveryTimeout {
			return mangaflow.CircuitOpenError(b.name)
		}
		b.transition(ctx, StateHalfOpen)
		b.trials = 1
		return nil
	default: // half-open
		if b.trials >= b.cfg.HalfOpenMaxCalls {
			return mangaflow.CircuitOpenError(b.name)
		}
		b.trials++
		return nil
	}
}

func (b *Breaker) record(ctx context.Context, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	failed := b.isFailure(err)

	switch b.state {
	case StateClosed:
		if !failed {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.open(ctx)
		}
	case StateHalfOpen:
		if failed {
			b.open(ctx)
			return
		}
		if err != nil {
			// Inconclusive trial; free its slot
			b.trials--
			return
		}
		b.failures = 0
		b.trials = 0
		b.transition(ctx, StateClosed)
	case StateOpen:
		// A call admitted before another trial reopened the breaker
	}
}

func (b *Breaker) open(ctx context.Context) {
	b.openedAt = b.now()
	b.trials = 0
	b.transition(ctx, StateOpen)
}

// transition must be called with mu held
func (b *Breaker) transition(ctx context.Context, to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	mangaflow.LogBreakerStateChanged(Logger(ctx, b.logger), b.name, from.String(), to.String())
	b.metrics.RecordTransition(ctx, b.name, from, to)
}

// Registry hands out one breaker per dependency name
type Registry struct {
	cfg      mangaflow.BreakerConfig
	opts     []BreakerOption
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers share cfg and opts
func NewRegistry(cfg mangaflow.BreakerConfig, opts ...BreakerOption) *Registry {
	return &Registry{
		cfg:      cfg,
		opts:     opts,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[name]
	if !ok {
		b = NewBreaker(name, r.cfg, r.opts...)
		r.breakers[name] = b
	}
	return b
}

// States snapshots every breaker's state
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}
