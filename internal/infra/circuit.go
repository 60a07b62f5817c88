// Package infra provides cascading-failure protection primitives shared by
// the execution pipeline: per-resource circuit breakers keyed by the
// downstream dependency they protect.
package infra

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Circuit breaker states.
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half-open"
)

// ErrCircuitOpen is returned without touching the underlying resource while
// the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// ResourceKey identifies the protected resource (e.g. a tool name).
	ResourceKey string

	// FailureThreshold is the number of consecutive failures before the
	// breaker opens.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before allowing
	// a half-open trial call.
	RecoveryTimeout time.Duration

	// MaxTimeout caps the exponential backoff applied to the recovery
	// timeout after repeated half-open failures.
	MaxTimeout time.Duration

	// OnStateChange is called when the breaker state changes.
	OnStateChange func(resourceKey, from, to string)
}

// CircuitBreaker is a per-resource failure gate. It is scoped to a resource
// key, never to a user: one user's repeated failures against a tool open the
// breaker for that tool for all users, but never affect an unrelated tool.
type CircuitBreaker struct {
	config BreakerConfig

	mu             sync.Mutex
	state          string
	failures       int
	openedAt       time.Time
	currentTimeout time.Duration
	probeInFlight  bool
}

// NewCircuitBreaker creates a breaker with defaults applied for zero fields.
func NewCircuitBreaker(config BreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 30 * time.Second
	}
	if config.MaxTimeout <= 0 {
		config.MaxTimeout = 10 * time.Minute
	}
	return &CircuitBreaker{
		config:         config,
		state:          CircuitClosed,
		currentTimeout: config.RecoveryTimeout,
	}
}

// Execute runs fn with circuit breaker protection. While the breaker is open
// the call is rejected immediately with ErrCircuitOpen. In half-open state
// exactly one trial call is admitted; concurrent callers are rejected until
// the probe settles.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	probe, err := cb.acquire()
	if err != nil {
		return err
	}

	err = fn(ctx)
	cb.settle(probe, err)
	return err
}

// Allow reports whether a call would currently be admitted, without
// reserving the half-open probe slot. The retry layer uses this as a
// pre-attempt gate.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		return time.Since(cb.openedAt) >= cb.currentTimeout
	case CircuitHalfOpen:
		return !cb.probeInFlight
	default:
		return true
	}
}

// acquire admits or rejects a call, transitioning open->half-open when the
// recovery timeout has elapsed. Returns whether the admitted call is the
// half-open probe.
func (cb *CircuitBreaker) acquire() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return false, nil

	case CircuitOpen:
		if time.Since(cb.openedAt) < cb.currentTimeout {
			return false, ErrCircuitOpen
		}
		cb.transitionLocked(CircuitHalfOpen)
		cb.probeInFlight = true
		return true, nil

	case CircuitHalfOpen:
		if cb.probeInFlight {
			return false, ErrCircuitOpen
		}
		cb.probeInFlight = true
		return true, nil

	default:
		return false, nil
	}
}

// settle records the outcome of an admitted call.
func (cb *CircuitBreaker) settle(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probe {
		cb.probeInFlight = false
	}

	if err != nil {
		cb.failures++
		switch cb.state {
		case CircuitClosed:
			if cb.failures >= cb.config.FailureThreshold {
				cb.openLocked(false)
			}
		case CircuitHalfOpen:
			// Failed probe reopens with an extended timeout.
			cb.openLocked(true)
		}
		return
	}

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.failures = 0
		cb.currentTimeout = cb.config.RecoveryTimeout
		cb.transitionLocked(CircuitClosed)
	}
}

// openLocked moves to open, extending the timeout exponentially (capped)
// when the previous state was half-open.
func (cb *CircuitBreaker) openLocked(extend bool) {
	if extend {
		cb.currentTimeout *= 2
		if cb.currentTimeout > cb.config.MaxTimeout {
			cb.currentTimeout = cb.config.MaxTimeout
		}
	} else {
		cb.currentTimeout = cb.config.RecoveryTimeout
	}
	cb.openedAt = time.Now()
	cb.transitionLocked(CircuitOpen)
}

func (cb *CircuitBreaker) transitionLocked(newState string) {
	oldState := cb.state
	if oldState == newState {
		return
	}
	cb.state = newState
	if cb.config.OnStateChange != nil {
		// Asynchronous so a slow observer never blocks the caller.
		go cb.config.OnStateChange(cb.config.ResourceKey, oldState, newState)
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a snapshot of the breaker.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{
		ResourceKey:    cb.config.ResourceKey,
		State:          cb.state,
		Failures:       cb.failures,
		OpenedAt:       cb.openedAt,
		CurrentTimeout: cb.currentTimeout,
	}
}

// Reset manually closes the breaker and zeroes its failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.probeInFlight = false
	cb.currentTimeout = cb.config.RecoveryTimeout
	cb.transitionLocked(CircuitClosed)
}

// BreakerStats is a point-in-time snapshot of one breaker.
type BreakerStats struct {
	ResourceKey    string
	State          string
	Failures       int
	OpenedAt       time.Time
	CurrentTimeout time.Duration
}

// BreakerRegistry manages one breaker per resource key. Lookup takes a
// short-lived registry lock; after that all state lives behind the per-key
// breaker lock, so unrelated resources never contend.
type BreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	defaults BreakerConfig
}

// NewBreakerRegistry creates a registry that stamps new breakers from the
// given defaults.
func NewBreakerRegistry(defaults BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		defaults: defaults,
	}
}

// Get returns or creates the breaker for a resource key.
func (r *BreakerRegistry) Get(resourceKey string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[resourceKey]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[resourceKey]; ok {
		return cb
	}
	config := r.defaults
	config.ResourceKey = resourceKey
	cb = NewCircuitBreaker(config)
	r.breakers[resourceKey] = cb
	return cb
}

// Stats returns snapshots for all breakers.
func (r *BreakerRegistry) Stats() []BreakerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := make([]BreakerStats, 0, len(r.breakers))
	for _, cb := range r.breakers {
		stats = append(stats, cb.Stats())
	}
	return stats
}

// OpenCircuits returns the resource keys of all currently open breakers.
func (r *BreakerRegistry) OpenCircuits() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var open []string
	for key, cb := range r.breakers {
		if cb.State() == CircuitOpen {
			open = append(open, key)
		}
	}
	return open
}
