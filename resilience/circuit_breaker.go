package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/smartmaint/backbone/core"
)

// State is a circuit breaker's current mode.
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
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the threshold-based breaker.
type CircuitBreakerConfig struct {
	Name             string
	FailureThreshold int           // consecutive failures before opening
	RecoveryTimeout  time.Duration // time in Open before trying Half-Open
}

// CircuitBreaker is a simple consecutive-failure breaker: it opens after
// FailureThreshold consecutive failures, waits RecoveryTimeout, then lets
// calls through again (half-open): the next call to succeed closes it and
// the next to fail re-opens it. Calls made while half-open are not limited
// to a single trial. Wraps
// ValidationAgent's and PredictionAgent's historical-reading fetches and
// notification.Dispatcher's per-provider Send calls, so a collaborator that
// starts hanging or failing in bursts doesn't keep pulling down its callers
// indefinitely.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu              sync.Mutex
	state           State
	consecutiveFail int
	openedAt        time.Time
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// CanExecute reports whether a call would be allowed right now, flipping
// Open -> Half-Open once RecoveryTimeout has elapsed.
func (b *CircuitBreaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.canExecuteLocked()
}

func (b *CircuitBreaker) canExecuteLocked() bool {
	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if time.Since(b.openedAt) >= b.cfg.RecoveryTimeout {
			b.state = StateHalfOpen
			return true
		}
		return false
	default:
		return false
	}
}

// Execute runs fn with circuit-breaker protection.
func (b *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	b.mu.Lock()
	allowed := b.canExecuteLocked()
	b.mu.Unlock()

	if !allowed {
		return core.NewError("circuit_breaker.Execute", core.KindServiceUnavailable, b.cfg.Name, errCircuitOpen)
	}

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.consecutiveFail++
		if b.state == StateHalfOpen || b.consecutiveFail >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = time.Now()
		}
		return err
	}
	b.consecutiveFail = 0
	b.state = StateClosed
	return nil
}

func (b *CircuitBreaker) GetState() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.String()
}

func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutiveFail = 0
}

var errCircuitOpen = circuitOpenError{}

type circuitOpenError struct{}

func (circuitOpenError) Error() string { return "circuit breaker open" }
