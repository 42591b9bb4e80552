package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState string

const (
	CircuitBreakerClosed   CircuitBreakerState = "closed"
	CircuitBreakerHalfOpen CircuitBreakerState = "half_open"
	CircuitBreakerOpen     CircuitBreakerState = "open"
)

// ErrCircuitOpen is returned without calling the operation while the breaker is open
var ErrCircuitOpen = errors.New("storage temporarily unavailable (circuit breaker open)")

// Options tune a Breaker. Zero values take defaults.
type Options struct {
	FailureThreshold int           // consecutive failures that open the circuit, default 3
	Cooldown         time.Duration // time spent open before a trial request, default 10s
	MaxAttempts      int           // attempts per Execute, default 3
	Backoff          time.Duration // linear backoff step, default 100ms
	Timeout          time.Duration // per Execute, default 10s
	Permanent        func(error) bool
	Registerer       prometheus.Registerer
	Logger           *zap.Logger
	Now              func() time.Time
}

// Breaker wraps calls to a remote dependency with retry, timeout and a circuit breaker
type Breaker struct {
	name string
	opts Options

	mu                  sync.Mutex
	state               CircuitBreakerState
	consecutiveFailures int
	openedAt            time.Time

	metrics *breakerMetrics
}

type breakerMetrics struct {
	requestsTotal       *prometheus.CounterVec
	errorsTotal         *prometheus.CounterVec
	circuitBreakerState prometheus.Gauge
}

// New creates a closed breaker
func New(name string, opts Options) *Breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 10 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 100 * time.Millisecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Permanent == nil {
		opts.Permanent = func(error) bool { return false }
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	b := &Breaker{name: name, opts: opts, state: CircuitBreakerClosed}
	if opts.Registerer != nil {
		f := promauto.With(opts.Registerer)
		labels := prometheus.Labels{"backend": name}
		b.metrics = &breakerMetrics{
			requestsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Name:        "blob_requests_total",
				Help:        "Total number of blob backend requests",
				ConstLabels: labels,
			}, []string{"operation", "status"}),
			errorsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Name:        "blob_errors_total",
				Help:        "Total number of blob backend errors",
				ConstLabels: labels,
			}, []string{"operation", "error_type"}),
			circuitBreakerState: f.NewGauge(prometheus.GaugeOpts{
				Name:        "blob_circuit_breaker_state",
				Help:        "State of the blob backend circuit breaker (0=closed, 1=half_open, 2=open)",
				ConstLabels: labels,
			}),
		}
	}
	return b
}

// Execute runs fn, retrying transient failures with linear backoff.
// Permanent errors and context cancellation return immediately and do not
// count against the circuit.
func (b *Breaker) Execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= b.opts.MaxAttempts; attempt++ {
		if !b.allow() {
			b.opts.Logger.Warn("Circuit breaker open, request rejected",
				zap.String("backend", b.name),
				zap.String("operation", operation),
			)
			b.count(operation, "circuit_breaker_open")
			return ErrCircuitOpen
		}

		err := fn(ctx)
		if err == nil {
			b.onSuccess()
			b.count(operation, "success")
			return nil
		}
		lastErr = err

		if b.opts.Permanent(err) || ctx.Err() != nil {
			b.count(operation, "rejected")
			return err
		}

		b.onFailure(operation)
		b.count(operation, "failure")
		if b.metrics != nil {
			b.metrics.errorsTotal.WithLabelValues(operation, classifyError(err)).Inc()
		}

		if attempt == b.opts.MaxAttempts {
			break
		}

		backoff := time.Duration(attempt) * b.opts.Backoff
		b.opts.Logger.Warn("Blob operation failed, backing off",
			zap.String("backend", b.name),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s %s: %w", b.name, operation, ctx.Err())
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("%s %s failed after %d attempts: %w", b.name, operation, b.opts.MaxAttempts, lastErr)
}

// State returns the current circuit breaker state
func (b *Breaker) State() CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != CircuitBreakerOpen {
		return true
	}
	if b.opts.Now().Sub(b.openedAt) < b.opts.Cooldown {
		return false
	}
	b.setState(CircuitBreakerHalfOpen)
	b.opts.Logger.Info("Circuit breaker half-open, allowing trial request", zap.String("backend", b.name))
	return true
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	if b.state != CircuitBreakerClosed {
		b.setState(CircuitBreakerClosed)
		b.opts.Logger.Info("Circuit breaker closed", zap.String("backend", b.name))
	}
}

func (b *Breaker) onFailure(operation string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	if b.state == CircuitBreakerHalfOpen || b.consecutiveFailures >= b.opts.FailureThreshold {
		b.openedAt = b.opts.Now()
		if b.state != CircuitBreakerOpen {
			b.opts.Logger.Error("Circuit breaker opened",
				zap.String("backend", b.name),
				zap.String("operation", operation),
				zap.Int("consecutive_failures", b.consecutiveFailures),
			)
		}
		b.setState(CircuitBreakerOpen)
	}
}

// setState must be called with b.mu held
func (b *Breaker) setState(s CircuitBreakerState) {
	b.state = s
	if b.metrics == nil {
		return
	}
	switch s {
	case CircuitBreakerClosed:
		b.metrics.circuitBreakerState.Set(0)
	case CircuitBreakerHalfOpen:
		b.metrics.circuitBreakerState.Set(1)
	case CircuitBreakerOpen:
		b.metrics.circuitBreakerState.Set(2)
	}
}

func (b *Breaker) count(operation, status string) {
	if b.metrics != nil {
		b.metrics.requestsTotal.WithLabelValues(operation, status).Inc()
	}
}

// classifyError classifies errors for metrics labels
func classifyError(err error) string {
	if err == nil {
		return "none"
	}

	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "network unreachable"):
		return "network"
	case strings.Contains(errMsg, "no such host") || strings.Contains(errMsg, "dns"):
		return "dns"
	case strings.Contains(errMsg, "permission denied") || strings.Contains(errMsg, "access denied"):
		return "permission"
	default:
		return "unknown"
	}
}
