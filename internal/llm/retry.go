package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// RetryConfig controls how completion calls are retried. Durations are
// per attempt; MaxConcurrentCalls 0 means unlimited.
type RetryConfig struct {
	MaxRetries        int           `yaml:"max_retries"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	Timeout           time.Duration `yaml:"timeout"`

	// The breaker opens after FailureThreshold retriable failures in a row
	// and closes again after SuccessThreshold half-open successes.
	CircuitBreakerEnabled bool          `yaml:"circuit_breaker"`
	FailureThreshold      int           `yaml:"failure_threshold"`
	SuccessThreshold      int           `yaml:"success_threshold"`
	OpenTimeout           time.Duration `yaml:"open_timeout"`

	MaxConcurrentCalls int `yaml:"max_concurrent_calls"`
}

// Sentinel errors returned by the adapter.
var (
	ErrCircuitOpen      = errors.New("circuit breaker is open")
	ErrMissingAPIKey    = errors.New("ANTHROPIC_API_KEY not set")
	ErrMissingModel     = errors.New("model is required")
	ErrInvalidMaxTokens = errors.New("max_tokens must be positive")
	ErrInvalidTimeout   = errors.New("retry timeout must be positive")
)

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:            3,
		InitialBackoff:        time.Second,
		MaxBackoff:            30 * time.Second,
		BackoffMultiplier:     2.0,
		Timeout:               120 * time.Second,
		CircuitBreakerEnabled: true,
		FailureThreshold:      5,
		SuccessThreshold:      2,
		OpenTimeout:           30 * time.Second,
		MaxConcurrentCalls:    2,
	}
}

// CircuitState is the position of a CircuitBreaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

var circuitStateNames = [...]string{"CLOSED", "OPEN", "HALF_OPEN"}

func (s CircuitState) String() string {
	if int(s) < len(circuitStateNames) {
		return circuitStateNames[s]
	}
	return "UNKNOWN"
}

// CircuitBreaker fails completion calls fast while the provider is down.
type CircuitBreaker struct {
	failures, successes int
	openTimeout         time.Duration
	logger              *zap.Logger

	mu       sync.Mutex
	state    CircuitState
	failed   int
	probed   int
	openedAt time.Time
}

// NewCircuitBreaker opens after failures consecutive failures, stays open
// for openTimeout and closes after successes half-open successes.
func NewCircuitBreaker(failures, successes int, openTimeout time.Duration, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{
		failures:    failures,
		successes:   successes,
		openTimeout: openTimeout,
		logger:      logger.Named("breaker"),
	}
}

// Allow returns ErrCircuitOpen while the breaker is open. Once openTimeout
// has passed the breaker goes half-open and lets calls probe.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != CircuitOpen {
		return nil
	}
	if time.Since(cb.openedAt) <= cb.openTimeout {
		return ErrCircuitOpen
	}
	cb.moveTo(CircuitHalfOpen)
	return nil
}

// RecordSuccess notes a call that went through.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case CircuitClosed:
		cb.failed = 0
	case CircuitHalfOpen:
		if cb.probed++; cb.probed >= cb.successes {
			cb.moveTo(CircuitClosed)
		}
	}
}

// RecordFailure notes a retriable failure. Half-open reopens at once.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case CircuitClosed:
		if cb.failed++; cb.failed >= cb.failures {
			cb.moveTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.moveTo(CircuitOpen)
	}
}

// State reports the breaker position.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// moveTo requires cb.mu.
func (cb *CircuitBreaker) moveTo(next CircuitState) {
	cb.logger.Info("circuit breaker state change",
		zap.Stringer("from", cb.state),
		zap.Stringer("to", next),
		zap.Int("failures", cb.failed))
	cb.state = next
	cb.probed = 0
	switch next {
	case CircuitOpen:
		cb.openedAt = time.Now()
	case CircuitClosed:
		cb.failed = 0
	}
}

// retrier wraps completion calls with pacing, a concurrency limit, the
// circuit breaker and exponential backoff.
type retrier struct {
	cfg     RetryConfig
	breaker *CircuitBreaker
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

func newRetrier(cfg RetryConfig, rps float64, logger *zap.Logger) *retrier {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &retrier{cfg: cfg, logger: logger, sleep: sleepCtx}
	if cfg.CircuitBreakerEnabled {
		r.breaker = NewCircuitBreaker(cfg.FailureThreshold, cfg.SuccessThreshold, cfg.OpenTimeout, logger)
	}
	if cfg.MaxConcurrentCalls > 0 {
		r.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrentCalls))
	}
	if rps > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return r
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// do executes fn with retry and exponential backoff
func (r *retrier) do(ctx context.Context, operation string, fn func(context.Context) error) error {
	if r.sem != nil {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("failed to acquire concurrency slot for %s: %w", operation, err)
		}
		defer r.sem.Release(1)
	}

	var lastErr error
	backoff := r.cfg.InitialBackoff

	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if r.breaker != nil {
			if err := r.breaker.Allow(); err != nil {
				r.logger.Warn("completion blocked by circuit breaker",
					zap.String("operation", operation),
					zap.Stringer("state", r.breaker.State()))
				return fmt.Errorf("%s failed: %w", operation, err)
			}
		}
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("%s failed: rate limiter: %w", operation, err)
			}
		}

		attemptCtx := ctx
		cancel := func() {}
		if r.cfg.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		}
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			if r.breaker != nil {
				r.breaker.RecordSuccess()
			}
			if attempt > 0 {
				r.logger.Info("completion succeeded after retries",
					zap.String("operation", operation), zap.Int("retries", attempt))
			}
			return nil
		}

		lastErr = err

		// Non-retriable errors (auth, bad request) do not count against the circuit breaker.
		if !isRetriableError(err) {
			r.logger.Warn("completion failed with non-retriable error",
				zap.String("operation", operation), zap.Error(err))
			return err
		}
		if r.breaker != nil {
			r.breaker.RecordFailure()
		}

		if attempt == r.cfg.MaxRetries {
			break
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s failed: context canceled: %w", operation, ctx.Err())
		}

		r.logger.Info("completion failed, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", r.cfg.MaxRetries+1),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		if err := r.sleep(ctx, backoff); err != nil {
			return fmt.Errorf("%s failed: context canceled during backoff: %w", operation, err)
		}
		backoff = time.Duration(float64(backoff) * r.cfg.BackoffMultiplier)
		if backoff > r.cfg.MaxBackoff {
			backoff = r.cfg.MaxBackoff
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operation, r.cfg.MaxRetries+1, lastErr)
}

// transientMarkers match transport and provider failures that reported no
// status code of their own.
var transientMarkers = []string{
	"429", "rate limit", "529", "overloaded",
	"500", "502", "503", "504",
	"internal server error", "bad gateway", "service unavailable", "gateway timeout",
	"connection refused", "connection reset", "timeout", "temporary failure", "network",
}

// isRetriableError reports whether another attempt could succeed.
func isRetriableError(err error) bool {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "prompt is too long") {
		return false
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		code := apiErr.StatusCode
		return code == http.StatusTooManyRequests || code == 529 || code >= http.StatusInternalServerError
	}

	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
