package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type CircuitBreakerState int

const (
	CircuitBreakerClosed CircuitBreakerState = iota
	CircuitBreakerOpen
	CircuitBreakerHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitBreakerOpen:
		return "open"
	case CircuitBreakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

type CircuitBreakerConfig struct {
	MaxFailures      int           `json:"max_failures"`
	Timeout          time.Duration `json:"timeout"`
	HalfOpenMaxCalls int           `json:"half_open_max_calls"`
}

func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		MaxFailures:      5,
		Timeout:          30 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// CircuitBreaker stops calling a failing transport after MaxFailures
// consecutive errors. After Timeout it lets up to HalfOpenMaxCalls trial
// calls through; that many successes close it again, any failure reopens.
type CircuitBreaker struct {
	mu              sync.Mutex
	state           CircuitBreakerState
	failureCount    int
	successCount    int
	halfOpenCalls   int
	lastFailureTime time.Time

	maxFailures      int
	timeout          time.Duration
	halfOpenMaxCalls int

	now func() time.Time
}

func NewCircuitBreaker(config *CircuitBreakerConfig) *CircuitBreaker {
	defaults := DefaultCircuitBreakerConfig()
	if config == nil {
		config = defaults
	}

	cb := &CircuitBreaker{
		state:            CircuitBreakerClosed,
		maxFailures:      config.MaxFailures,
		timeout:          config.Timeout,
		halfOpenMaxCalls: config.HalfOpenMaxCalls,
		now:              time.Now,
	}
	if cb.maxFailures <= 0 {
		cb.maxFailures = defaults.MaxFailures
	}
	if cb.timeout <= 0 {
		cb.timeout = defaults.Timeout
	}
	if cb.halfOpenMaxCalls <= 0 {
		cb.halfOpenMaxCalls = defaults.HalfOpenMaxCalls
	}
	return cb
}

func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}

	if err := fn(); err != nil {
		cb.recordFailure()
		return err
	}

	cb.recordSuccess()
	return nil
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitBreakerClosed:
		return true
	case CircuitBreakerOpen:
		if cb.now().Sub(cb.lastFailureTime) < cb.timeout {
			return false
		}
		cb.state = CircuitBreakerHalfOpen
		cb.successCount = 0
		cb.halfOpenCalls = 0
	}

	if cb.halfOpenCalls >= cb.halfOpenMaxCalls {
		return false
	}
	cb.halfOpenCalls++
	return true
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case CircuitBreakerClosed:
		if cb.failureCount >= cb.maxFailures {
			cb.state = CircuitBreakerOpen
		}
	case CircuitBreakerHalfOpen:
		cb.state = CircuitBreakerOpen
		cb.successCount = 0
		cb.halfOpenCalls = 0
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitBreakerClosed:
		cb.failureCount = 0
	case CircuitBreakerHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.halfOpenMaxCalls {
			cb.state = CircuitBreakerClosed
			cb.failureCount = 0
			cb.successCount = 0
			cb.halfOpenCalls = 0
		}
	}
}

func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) GetStats() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]interface{}{
		"state":           cb.state.String(),
		"failure_count":   cb.failureCount,
		"success_count":   cb.successCount,
		"last_failure":    cb.lastFailureTime.Unix(),
		"max_failures":    cb.maxFailures,
		"timeout_seconds": cb.timeout.Seconds(),
	}
}

// BreakerDispatcher guards a dispatcher with a circuit breaker. Refused
// sends return ErrCircuitOpen and count as dispatch failures upstream.
type BreakerDispatcher struct {
	next    Dispatcher
	breaker *CircuitBreaker
	logger  zerolog.Logger
}

func NewBreakerDispatcher(next Dispatcher, breaker *CircuitBreaker, logger zerolog.Logger) *BreakerDispatcher {
	if breaker == nil {
		breaker = NewCircuitBreaker(nil)
	}
	return &BreakerDispatcher{next: next, breaker: breaker, logger: logger}
}

func (d *BreakerDispatcher) Send(ctx context.Context, to, subject, body string) error {
	before := d.breaker.GetState()
	err := d.breaker.Execute(func() error {
		return d.next.Send(ctx, to, subject, body)
	})
	if after := d.breaker.GetState(); after != before {
		d.logger.Warn().
			Str("from", before.String()).
			Str("to", after.String()).
			Msg("dispatch circuit breaker changed state")
	}
	if errors.Is(err, ErrCircuitOpen) {
		return fmt.Errorf("dispatch to %s refused: %w", to, err)
	}
	return err
}

func (d *BreakerDispatcher) Breaker() *CircuitBreaker {
	return d.breaker
}

// Verify checks the wrapped transport when it supports it.
func (d *BreakerDispatcher) Verify(ctx context.Context) error {
	if v, ok := d.next.(interface{ Verify(context.Context) error }); ok {
		return v.Verify(ctx)
	}
	return nil
}
