package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"tablegate/internal/pkg/logger"
	"tablegate/internal/pkg/metrics"
)

var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

type State string

const (
	StateClosed   State = "closed"
	StateHalfOpen State = "half-open"
	StateOpen     State = "open"
)

// gauge values exported for each state
var stateValue = map[State]float64{StateClosed: 0, StateHalfOpen: 1, StateOpen: 2}

type CircuitBreaker struct {
	mutex            sync.Mutex
	failureCount     int
	lastFailure      time.Time
	resetTimeout     time.Duration
	failureThreshold int
	serviceName      string
	state            State
	probing          bool
	now              func() time.Time
}

func NewCircuitBreaker(serviceName string, failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	cb := &CircuitBreaker{
		serviceName:      serviceName,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		state:            StateClosed,
		now:              time.Now,
	}

	metrics.CircuitBreakerState.WithLabelValues(serviceName).Set(stateValue[StateClosed])

	return cb
}

// Execute runs fn unless the circuit is open. Errors for which countable
// returns false pass through without counting against the circuit.
func (cb *CircuitBreaker) Execute(fn func() error, countable func(error) bool) error {
	cb.mutex.Lock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) <= cb.resetTimeout {
			cb.mutex.Unlock()
			return ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
		logger.Log.Info("Circuit half-open, allowing test request",
			zap.String("service", cb.serviceName))
	case StateHalfOpen:
		// One probe at a time
		if cb.probing {
			cb.mutex.Unlock()
			return ErrCircuitOpen
		}
	}
	probe := cb.state == StateHalfOpen
	cb.probing = probe

	cb.mutex.Unlock()

	err := fn()

	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	if probe {
		cb.probing = false
	}

	if err != nil && (countable == nil || countable(err)) {
		cb.failureCount++
		cb.lastFailure = cb.now()

		if cb.state == StateHalfOpen || cb.failureCount >= cb.failureThreshold {
			cb.setState(StateOpen)
			logger.Log.Warn("Circuit opened due to failures",
				zap.String("service", cb.serviceName),
				zap.Int("failures", cb.failureCount),
				zap.Time("until", cb.lastFailure.Add(cb.resetTimeout)))
		}
		return err
	}

	if err == nil {
		if cb.state == StateHalfOpen {
			cb.setState(StateClosed)
			logger.Log.Info("Circuit closed after successful test",
				zap.String("service", cb.serviceName))
		}
		cb.failureCount = 0
	}
	return err
}

func (cb *CircuitBreaker) setState(s State) {
	cb.state = s
	metrics.CircuitBreakerState.WithLabelValues(cb.serviceName).Set(stateValue[s])
}

func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}
