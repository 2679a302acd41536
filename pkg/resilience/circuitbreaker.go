// Package resilience holds the fault-tolerance helpers used around the
// service's external dependencies: a circuit breaker for the Redis cache,
// backoff retries for Kafka and index renames, and a deadline wrapper for
// commit listeners.
package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/indexstore/pkg/errors"
)

// ErrCircuitOpen is returned while the breaker rejects calls. It also matches
// apperrors.ErrUnavailable.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

var stateNames = [...]string{"closed", "open", "half-open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

type CircuitBreakerConfig struct {
	FailureThreshold    int
	ResetTimeout        time.Duration
	HalfOpenMaxRequests int
	// IsFailure decides which errors count against the breaker. By default
	// every error does.
	IsFailure func(error) bool
	// OnStateChange, if set, is called with the lock held after every
	// transition. It must not call back into the breaker.
	OnStateChange func(name string, from, to State)
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMaxRequests <= 0 {
		c.HalfOpenMaxRequests = 1
	}
	if c.IsFailure == nil {
		c.IsFailure = func(err error) bool { return err != nil }
	}
	return c
}

// CircuitBreaker opens after FailureThreshold consecutive failures, rejects
// calls for ResetTimeout, then lets HalfOpenMaxRequests probes through.
type CircuitBreaker struct {
	name   string
	cfg    CircuitBreakerConfig
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	openedAt    time.Time
	probesInUse int
}

func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		name:   name,
		cfg:    cfg.withDefaults(),
		logger: slog.Default().With("component", "circuit-breaker", "name", name),
		now:    time.Now,
	}
}

// Execute runs fn unless the circuit is open. Errors that IsFailure rejects
// are returned but count as successes.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn()
	cb.record(cb.cfg.IsFailure(err))
	return err
}

func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateOpen:
		wait := cb.cfg.ResetTimeout - cb.now().Sub(cb.openedAt)
		if wait > 0 {
			return fmt.Errorf("%w: %w: %s (retry after %v)", ErrCircuitOpen, apperrors.ErrUnavailable, cb.name, wait)
		}
		cb.setState(StateHalfOpen)
		cb.probesInUse = 1
		cb.logger.Info("circuit half-open, probing")
	case StateHalfOpen:
		if cb.probesInUse >= cb.cfg.HalfOpenMaxRequests {
			return fmt.Errorf("%w: %w: %s (probe in flight)", ErrCircuitOpen, apperrors.ErrUnavailable, cb.name)
		}
		cb.probesInUse++
	}
	return nil
}

func (cb *CircuitBreaker) record(failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !failed {
		if cb.state == StateHalfOpen {
			cb.logger.Info("circuit closed after successful probe")
		}
		cb.failures = 0
		cb.probesInUse = 0
		cb.setState(StateClosed)
		return
	}
	cb.failures++
	if cb.state == StateHalfOpen || cb.failures >= cb.cfg.FailureThreshold {
		cb.logger.Warn("circuit opened", "consecutive_failures", cb.failures, "previous_state", cb.state.String())
		cb.openedAt = cb.now()
		cb.probesInUse = 0
		cb.setState(StateOpen)
	}
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.probesInUse = 0
	cb.setState(StateClosed)
}

func (cb *CircuitBreaker) setState(to State) {
	from := cb.state
	cb.state = to
	if from != to && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, from, to)
	}
}
