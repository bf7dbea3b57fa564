package creatorrpc

import (
	"sync"
	"time"

	"github.com/rendis/stagecraft/pkg/schema"
)

// CircuitState is the state of one creator's breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the per-creator circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int
	// Cooldown is how long an open circuit rejects calls.
	Cooldown time.Duration
	// HalfOpenMax is the number of probe calls allowed while half-open.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second, HalfOpenMax: 1}
}

type breaker struct {
	mu          sync.Mutex
	state       CircuitState
	failures    int
	lastFailure time.Time
	probes      int
}

// Breakers tracks one circuit per remote creator service.
type Breakers struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   BreakerConfig
	now      func() time.Time
}

// NewBreakers creates a registry with config. now may be nil.
func NewBreakers(config BreakerConfig, now func() time.Time) *Breakers {
	if now == nil {
		now = time.Now
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &Breakers{breakers: make(map[string]*breaker), config: config, now: now}
}

// Allow returns nil when a call to service may proceed, or a
// SERVICE_UNAVAILABLE error while its circuit is open.
func (r *Breakers) Allow(service string) error {
	b := r.get(service)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		elapsed := r.now().Sub(b.lastFailure)
		if elapsed >= r.config.Cooldown {
			b.state = CircuitHalfOpen
			b.probes = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeServiceUnavailable,
			"circuit open for creator %q after %d consecutive failures", service, b.failures).
			WithDetails(map[string]any{
				"service":              service,
				"state":                b.state.String(),
				"consecutive_failures": b.failures,
				"cooldown_remaining":   (r.config.Cooldown - elapsed).String(),
			})
	case CircuitHalfOpen:
		if b.probes >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeServiceUnavailable,
				"circuit half-open for creator %q: probe in flight", service).
				WithDetails(map[string]any{"service": service, "state": b.state.String()})
		}
		b.probes++
	}
	return nil
}

// Success closes the circuit for service.
func (r *Breakers) Success(service string) {
	b := r.get(service)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = CircuitClosed
	b.failures = 0
	b.probes = 0
}

// Release frees a half-open probe slot when the call ended without an answer
// either way, for example because the caller gave up.
func (r *Breakers) Release(service string) {
	b := r.get(service)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitHalfOpen && b.probes > 0 {
		b.probes--
	}
}

// Failure records a failed call and returns the resulting state.
func (r *Breakers) Failure(service string) CircuitState {
	b := r.get(service)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = r.now()
	if b.state == CircuitHalfOpen || (r.config.FailureThreshold > 0 && b.failures >= r.config.FailureThreshold) {
		b.state = CircuitOpen
	}
	return b.state
}

// State returns the current state for service.
func (r *Breakers) State(service string) CircuitState {
	b := r.get(service)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && r.now().Sub(b.lastFailure) >= r.config.Cooldown {
		b.state = CircuitHalfOpen
		b.probes = 0
	}
	return b.state
}

func (r *Breakers) get(service string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[service]
	if !ok {
		b = &breaker{}
		r.breakers[service] = b
	}
	return b
}
