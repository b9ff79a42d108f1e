package integration

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mescon/stallarr/internal/clock"
)

// CircuitState represents the current state of the circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state - requests are allowed.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects requests until ResetTimeout has passed.
	CircuitOpen
	// CircuitHalfOpen lets probe requests through to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failed calls before opening. Default: 5
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before probing. Default: 30 seconds
	ResetTimeout time.Duration
	// SuccessThreshold is the number of half-open successes needed to close. Default: 2
	SuccessThreshold int
}

// DefaultCircuitBreakerConfig returns sensible defaults for the circuit breaker.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		SuccessThreshold: 2,
	}
}

// ErrCircuitOpen is returned when the circuit is open and requests are rejected.
var ErrCircuitOpen = errors.New("circuit breaker is open: service unavailable")

// CircuitBreaker guards one remote host. A failure is a call that exhausted its
// retry budget, not a single attempt.
type CircuitBreaker struct {
	mu              sync.Mutex
	config          CircuitBreakerConfig
	clock           clock.Clock
	state           CircuitState
	failures        int
	successes       int
	lastFailureTime time.Time
	lastStateChange time.Time
	totalFailures   int64
	totalSuccesses  int64
	totalRejected   int64
}

// NewCircuitBreaker creates a circuit breaker. Zero config fields take defaults.
func NewCircuitBreaker(config CircuitBreakerConfig, clk clock.Clock) *CircuitBreaker {
	defaults := DefaultCircuitBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = defaults.ResetTimeout
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = defaults.SuccessThreshold
	}
	if clk == nil {
		clk = clock.NewRealClock()
	}
	return &CircuitBreaker{
		config:          config,
		clock:           clk,
		state:           CircuitClosed,
		lastStateChange: clk.Now(),
	}
}

// Allow reports whether a call may proceed. Call RecordSuccess or RecordFailure afterwards.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != CircuitOpen {
		return true
	}
	if cb.clock.Now().Sub(cb.lastFailureTime) >= cb.config.ResetTimeout {
		cb.setState(CircuitHalfOpen)
		cb.successes = 0
		return true
	}
	cb.totalRejected++
	return false
}

// RecordSuccess records a successful call, closing a half-open circuit once
// SuccessThreshold is reached.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalSuccesses++
	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.setState(CircuitClosed)
			cb.failures = 0
			cb.successes = 0
		}
	case CircuitOpen:
		cb.setState(CircuitHalfOpen)
		cb.successes = 1
	}
}

// RecordFailure records a failed call, opening the circuit at FailureThreshold
// or immediately when a half-open probe fails.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalFailures++
	cb.failures++
	cb.successes = 0
	cb.lastFailureTime = cb.clock.Now()

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.setState(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.setState(CircuitOpen)
	}
}

func (cb *CircuitBreaker) setState(s CircuitState) {
	cb.state = s
	cb.lastStateChange = cb.clock.Now()
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns statistics about the circuit breaker.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{
		State:               cb.state.String(),
		ConsecutiveFailures: cb.failures,
		LastFailureTime:     cb.lastFailureTime,
		LastStateChange:     cb.lastStateChange,
		TotalFailures:       cb.totalFailures,
		TotalSuccesses:      cb.totalSuccesses,
		TotalRejected:       cb.totalRejected,
	}
}

// Reset resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(CircuitClosed)
	cb.failures = 0
	cb.successes = 0
}

// CircuitBreakerStats is the status API view of a breaker.
type CircuitBreakerStats struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureTime     time.Time `json:"last_failure_time"`
	LastStateChange     time.Time `json:"last_state_change"`
	TotalFailures       int64     `json:"total_failures"`
	TotalSuccesses      int64     `json:"total_successes"`
	TotalRejected       int64     `json:"total_rejected"`
}

// CircuitBreakerRegistry hands out one breaker per remote service name
// ("emulerr", "sonarr", "radarr", "qbittorrent").
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	config   CircuitBreakerConfig
	clock    clock.Clock
}

// NewCircuitBreakerRegistry creates a registry with the given default configuration.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig, clk clock.Clock) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
		clock:    clk,
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *CircuitBreakerRegistry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := NewCircuitBreaker(r.config, r.clock)
	r.breakers[name] = cb
	return cb
}

// AllStats returns statistics for all breakers sorted by name.
func (r *CircuitBreakerRegistry) AllStats() []CircuitBreakerStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := make([]CircuitBreakerStats, 0, len(r.breakers))
	for name, cb := range r.breakers {
		s := cb.Stats()
		s.Name = name
		stats = append(stats, s)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}
