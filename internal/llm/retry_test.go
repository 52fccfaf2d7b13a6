package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerTransitions(t *testing.T) {
	cb := NewCircuitBreaker(2, 1, 10*time.Millisecond, nil)
	require.NoError(t, cb.Allow())

	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.State())
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())

	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, cb.Allow())
	assert.Equal(t, CircuitHalfOpen, cb.State())

	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(1, 2, time.Millisecond, nil)
	cb.RecordFailure()
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
}

func newTestRetrier(maxRetries int) (*retrier, *[]time.Duration) {
	cfg := DefaultRetryConfig()
	cfg.MaxRetries = maxRetries
	cfg.InitialBackoff = time.Second
	cfg.MaxBackoff = 3 * time.Second
	cfg.CircuitBreakerEnabled = false
	r := newRetrier(cfg, 0, nil)
	var sleeps []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return r, &sleeps
}

func TestRetrierRetriesTransientErrors(t *testing.T) {
	r, sleeps := newTestRetrier(3)
	calls := 0
	err := r.do(context.Background(), "completion", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("503 service unavailable")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *sleeps)
}

func TestRetrierStopsOnNonRetriable(t *testing.T) {
	r, sleeps := newTestRetrier(3)
	calls := 0
	err := r.do(context.Background(), "completion", func(ctx context.Context) error {
		calls++
		return errors.New("401 unauthorized")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *sleeps)
}

func TestRetrierExhaustion(t *testing.T) {
	r, sleeps := newTestRetrier(2)
	err := r.do(context.Background(), "completion", func(ctx context.Context) error {
		return errors.New("429 rate limit")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *sleeps)
}

func TestRetrierCircuitOpenFailsFast(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.MaxRetries = 0
	cfg.FailureThreshold = 1
	cfg.OpenTimeout = time.Hour
	r := newRetrier(cfg, 0, nil)

	_ = r.do(context.Background(), "completion", func(ctx context.Context) error {
		return errors.New("502 bad gateway")
	})
	calls := 0
	err := r.do(context.Background(), "completion", func(ctx context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, calls)
}

func TestIsRetriableError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.DeadlineExceeded, true},
		{context.Canceled, false},
		{errors.New("429 Too Many Requests"), true},
		{errors.New("529 overloaded_error"), true},
		{errors.New("500 internal server error"), true},
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("400 prompt is too long"), false},
		{errors.New("403 forbidden"), false},
		{errors.New("something odd"), false},
	}
	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = tt.err.Error()
		}
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetriableError(tt.err))
		})
	}
}
