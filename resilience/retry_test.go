package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"github.com/sicko7947/mangaflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingTimer fires immediately and remembers every requested wait
type recordingTimer struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (t *recordingTimer) After(d time.Duration) <-chan time.Time {
	t.mu.Lock()
	t.delays = append(t.delays, d)
	t.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func testRetryConfig() mangaflow.RetryConfig {
	return mangaflow.RetryConfig{
		MaxAttempts:         4,
		BaseDelay:           100 * time.Millisecond,
		MaxDelay:            500 * time.Millisecond,
		BackoffMultiplier:   2,
		Jitter:              50 * time.Millisecond,
		RetryableErrorCodes: []string{mangaflow.ErrCodeThrottling, "ThrottlingException"},
	}
}

func TestRetrier_DelaySequence(t *testing.T) {
	cfg := testRetryConfig()
	cfg.MaxAttempts = 10
	r := NewRetrier(cfg, WithJitterSource(func(time.Duration) time.Duration { return 0 }))

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		500 * time.Millisecond,
		500 * time.Millisecond,
	}
	for i, w := range want {
		assert.Equal(t, w, r.Delay(i+1), "attempt %d", i+1)
	}
}

func TestRetrier_DelayNonDecreasingWithJitter(t *testing.T) {
	cfg := testRetryConfig()
	r := NewRetrier(cfg)

	prevFloor := time.Duration(0)
	for attempt := 1; attempt <= 8; attempt++ {
		floor := NewRetrier(cfg, WithJitterSource(func(time.Duration) time.Duration { return 0 })).Delay(attempt)
		assert.GreaterOrEqual(t, floor, prevFloor)
		assert.LessOrEqual(t, floor, cfg.MaxDelay)
		prevFloor = floor

		for i := 0; i < 100; i++ {
			d := r.Delay(attempt)
			assert.GreaterOrEqual(t, d, floor)
			assert.Less(t, d, floor+cfg.Jitter)
		}
	}
}

func TestRetrier_Do_RetriesUntilSuccess(t *testing.T) {
	timer := &recordingTimer{}
	r := NewRetrier(testRetryConfig(),
		WithTimer(timer),
		WithJitterSource(func(time.Duration) time.Duration { return 0 }),
	)

	calls := 0
	err := r.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return mangaflow.ThrottlingError("slow down")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, timer.delays)
}

func TestRetrier_Do_ExhaustsAttempts(t *testing.T) {
	timer := &recordingTimer{}
	r := NewRetrier(testRetryConfig(), WithTimer(timer))

	calls := 0
	lastErr := mangaflow.TimeoutError("attempt 4")
	err := r.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		if calls == 4 {
			return lastErr
		}
		return mangaflow.TimeoutError(fmt.Sprintf("attempt %d", calls))
	})

	assert.Equal(t, 4, calls)
	assert.Same(t, lastErr, err)
	assert.Len(t, timer.delays, 3)
}

func TestRetrier_Do_StopsOnNonRetryable(t *testing.T) {
	timer := &recordingTimer{}
	r := NewRetrier(testRetryConfig(), WithTimer(timer))

	calls := 0
	validation := mangaflow.ValidationError("bad input")
	err := r.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return validation
	})

	assert.Equal(t, 1, calls)
	assert.Same(t, validation, err)
	assert.Empty(t, timer.delays)
}

func TestRetry_ReturnsValue(t *testing.T) {
	r := NewRetrier(testRetryConfig(), WithTimer(&recordingTimer{}))

	calls := 0
	got, err := Retry(context.Background(), r, "op", func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("connection reset by peer")
		}
		return "done", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "done", got)
}

func TestRetrier_IsRetryable(t *testing.T) {
	r := NewRetrier(testRetryConfig())

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"allow-listed code", mangaflow.NewAppError(mangaflow.ErrCodeThrottling, "x", 503), true},
		{"declared retryable", mangaflow.RateLimitError("x"), true},
		{"internal error", mangaflow.InternalError("x", nil), true},
		{"external not flagged", mangaflow.ExternalServiceError("openai", "bad", false), false},
		{"external flagged", mangaflow.ExternalServiceError("openai", "bad", true), true},
		{"validation", mangaflow.ValidationError("timeout in text"), false},
		{"circuit open", mangaflow.CircuitOpenError("openai"), false},
		{"smithy throttling", &smithy.GenericAPIError{Code: "ThrottlingException", Message: "rate"}, true},
		{"smithy other", &smithy.GenericAPIError{Code: "ValidationException", Message: "bad"}, false},
		{"timeout message", errors.New("request timed out"), true},
		{"service unavailable message", errors.New("503 Service Unavailable"), true},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"cancelled", context.Canceled, false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.IsRetryable(tt.err))
		})
	}
}

func TestGuard_CircuitOpenStopsRetry(t *testing.T) {
	r := NewRetrier(testRetryConfig(), WithTimer(&recordingTimer{}))
	registry := NewRegistry(mangaflow.BreakerConfig{
		FailureThreshold: 2,
		RecoveryTimeout:  time.Hour,
		HalfOpenMaxCalls: 1,
	})
	g := NewGuard(r, registry)

	calls := 0
	err := g.Call(context.Background(), "openai", func(ctx context.Context) error {
		calls++
		return mangaflow.ThrottlingError("busy")
	})

	// Two failures open the breaker; the third attempt is rejected without a call
	assert.Equal(t, 2, calls)
	appErr := mangaflow.AsAppError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, mangaflow.ErrCodeCircuitOpen, appErr.Code)
	assert.Equal(t, StateOpen, registry.Get("openai").State())
}

func TestGuarded_ReturnsValue(t *testing.T) {
	g := NewGuard(NewRetrier(testRetryConfig(), WithTimer(&recordingTimer{})), NewRegistry(mangaflow.DefaultBreakerConfig))

	got, err := Guarded(context.Background(), g, "insights", func(ctx context.Context) (int, error) {
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
}
