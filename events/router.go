package events

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sicko7947/mangaflow"
	"github.com/sicko7947/mangaflow/resilience"
)

// Router validates events and dispatches them to the handler registered
// for their detail type. It is itself a Handler, so a bus can deliver
// straight into it.
type Router struct {
	validator *Validator
	handlers  map[string]Handler
	fallback  Handler
	logger    zerolog.Logger
	metrics   *resilience.Metrics
}

// RouterOption configures a Router
type RouterOption func(*Router)

// WithRouterLogger sets the logger
func WithRouterLogger(logger zerolog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithRouterMetrics sets the metrics sink for handler executions
func WithRouterMetrics(m *resilience.Metrics) RouterOption {
	return func(r *Router) {
		r.metrics = m
	}
}

// WithFallback handles detail types that have no registered handler
func WithFallback(h Handler) RouterOption {
	return func(r *Router) {
		r.fallback = h
	}
}

// NewRouter creates a router with the given validator
func NewRouter(validator *Validator, opts ...RouterOption) *Router {
	r := &Router{
		validator: validator,
		handlers:  make(map[string]Handler),
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle registers h for detailType, replacing any previous handler
func (r *Router) Handle(detailType string, h Handler) {
	r.handlers[detailType] = h
}

// DetailHandler is a handler over a decoded event detail
type DetailHandler[T any] func(ctx context.Context, detail T, evt mangaflow.Event) error

// On registers a typed handler. The detail is decoded into T before fn
// runs; a detail that cannot be decoded is rejected as invalid.
func On[T any](r *Router, detailType string, fn DetailHandler[T]) {
	r.Handle(detailType, func(ctx context.Context, evt mangaflow.Event) error {
		detail, err := mangaflow.DecodeDetail[T](evt)
		if err != nil {
			return mangaflow.ValidationError(err.Error()).WithCause(err)
		}
		return fn(ctx, detail, evt)
	})
}

// Routes lists the detail types with a registered handler
func (r *Router) Routes() []string {
	out := make([]string, 0, len(r.handlers))
	for dt := range r.handlers {
		out = append(out, dt)
	}
	return out
}

// Dispatch runs one event through validation and its handler under the
// event's correlation id
func (r *Router) Dispatch(ctx context.Context, evt mangaflow.Event) error {
	return resilience.Scope(ctx, evt.CorrelationID, func(ctx context.Context) error {
		logger := resilience.Logger(ctx, r.logger)

		if r.validator != nil {
			if err := r.validator.Validate(evt); err != nil {
				mangaflow.LogRejected(logger, evt.DetailType, evt.ID, err)
				return err
			}
		}

		h, ok := r.handlers[evt.DetailType]
		if !ok {
			if r.fallback == nil {
				logger.Debug().
					Str("detail_type", evt.DetailType).
					Str("event_id", evt.ID).
					Msg("No handler for detail type, skipping")
				return nil
			}
			h = r.fallback
		}

		start := time.Now()
		err := r.invoke(ctx, logger, h, evt)
		r.metrics.RecordStage(ctx, evt.DetailType, time.Since(start), err)
		return err
	})
}

// invoke runs h, turning a panic into an internal error
func (r *Router) invoke(ctx context.Context, logger zerolog.Logger, h Handler, evt mangaflow.Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error().
				Interface("panic", p).
				Str("detail_type", evt.DetailType).
				Str("event_id", evt.ID).
				Msg("Handler panicked")
			err = mangaflow.InternalError(fmt.Sprintf("handler for %q panicked: %v", evt.DetailType, p), nil)
		}
	}()
	return h(ctx, evt)
}
