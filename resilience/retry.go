package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
	"github.com/sicko7947/mangaflow"
)

// transientPatterns match error messages of failures worth retrying
var transientPatterns = []string{
	"timeout",
	"timed out",
	"throttl",
	"connection reset",
	"service unavailable",
	"serviceunavailable",
	"too many requests",
}

// Retrier retries operations with exponential backoff and additive jitter
type Retrier struct {
	cfg     mangaflow.RetryConfig
	logger  zerolog.Logger
	metrics *Metrics
	jitter  func(max time.Duration) time.Duration
	timer   retry.Timer
}

// RetrierOption configures a Retrier
type RetrierOption func(*Retrier)

// WithRetryLogger sets the logger for retry attempts
func WithRetryLogger(logger zerolog.Logger) RetrierOption {
	return func(r *Retrier) {
		r.logger = logger
	}
}

// WithRetryMetrics sets the metrics sink
func WithRetryMetrics(m *Metrics) RetrierOption {
	return func(r *Retrier) {
		r.metrics = m
	}
}

// WithJitterSource replaces the random jitter source. fn must return a
// value in [0, max).
func WithJitterSource(fn func(max time.Duration) time.Duration) RetrierOption {
	return func(r *Retrier) {
		r.jitter = fn
	}
}

// WithTimer replaces the timer used to wait between attempts
func WithTimer(t retry.Timer) RetrierOption {
	return func(r *Retrier) {
		r.timer = t
	}
}

// NewRetrier creates a retrier for the given policy
func NewRetrier(cfg mangaflow.RetryConfig, opts ...RetrierOption) *Retrier {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 1
	}

	r := &Retrier{
		cfg:    cfg,
		logger: zerolog.Nop(),
		jitter: randomJitter,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}

// Config returns the policy
func (r *Retrier) Config() mangaflow.RetryConfig {
	return r.cfg
}

// Delay returns the wait after the given failed attempt (1-based):
// min(BaseDelay * BackoffMultiplier^(attempt-1), MaxDelay) + jitter in [0, Jitter).
func (r *Retrier) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	backoff := float64(r.cfg.BaseDelay) * math.Pow(r.cfg.BackoffMultiplier, float64(attempt-1))
	if r.cfg.MaxDelay > 0 && backoff > float64(r.cfg.MaxDelay) {
		backoff = float64(r.cfg.MaxDelay)
	}

	return time.Duration(backoff) + r.jitter(r.cfg.Jitter)
}

// IsRetryable reports whether err is worth another attempt: its code is in
// the allow-list, it declares itself retryable, or its message matches a
// transient pattern. Breaker rejections and permanent errors never are.
func (r *Retrier) IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var appErr *mangaflow.AppError
	if errors.As(err, &appErr) {
		if appErr.Code == mangaflow.ErrCodeCircuitOpen || mangaflow.IsPermanent(err) {
			return false
		}
		if appErr.Retryable || slices.Contains(r.cfg.RetryableErrorCodes, appErr.Code) {
			return true
		}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && slices.Contains(r.cfg.RetryableErrorCodes, apiErr.ErrorCode()) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the
// attempts are exhausted. The last error is returned unchanged.
func (r *Retrier) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	_, err := Retry(ctx, r, operation, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Retry is Do for functions that return a value
func Retry[T any](ctx context.Context, r *Retrier, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	logger := Logger(ctx, r.logger)

	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(uint(r.cfg.MaxAttempts)),
		retry.LastErrorOnly(true),
		retry.RetryIf(r.IsRetryable),
		// n counts completed attempts, so the wait after attempt n is Delay(n).
		// MaxDelay is applied inside Delay so jitter is never clipped.
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return r.Delay(int(n))
		}),
		retry.OnRetry(func(n uint, err error) {
			if int(n)+1 >= r.cfg.MaxAttempts {
				return
			}
			mangaflow.LogRetryAttempt(logger, operation, int(n)+1, r.Delay(int(n)+1), err)
			r.metrics.RecordRetry(ctx, operation)
		}),
	}
	if r.timer != nil {
		opts = append(opts, retry.WithTimer(r.timer))
	}

	return retry.DoWithData(func() (T, error) {
		return fn(ctx)
	}, opts...)
}

// Guard combines retry and a per-dependency circuit breaker. Each attempt
// passes through the breaker; a rejection ends the retry loop at once.
type Guard struct {
	retrier  *Retrier
	breakers *Registry
}

// NewGuard creates a guard
func NewGuard(retrier *Retrier, breakers *Registry) *Guard {
	return &Guard{retrier: retrier, breakers: breakers}
}

// Call runs fn against the named dependency
func (g *Guard) Call(ctx context.Context, dependency string, fn func(ctx context.Context) error) error {
	breaker := g.breakers.Get(dependency)
	return g.retrier.Do(ctx, dependency, func(ctx context.Context) error {
		return breaker.Execute(ctx, fn)
	})
}

// Breakers exposes the registry
func (g *Guard) Breakers() *Registry {
	return g.breakers
}

// Retrier exposes the retry policy for calls that bypass the breakers
func (g *Guard) Retrier() *Retrier {
	return g.retrier
}

// Guarded is Guard.Call for functions that return a value
func Guarded[T any](ctx context.Context, g *Guard, dependency string, fn func(ctx context.Context) (T, error)) (T, error) {
	breaker := g.breakers.Get(dependency)
	return Retry(ctx, g.retrier, dependency, func(ctx context.Context) (T, error) {
		var out T
		err := breaker.Execute(ctx, func(ctx context.Context) error {
			var err error
			out, err = fn(ctx)
			return err
		})
		return out, err
	})
}
