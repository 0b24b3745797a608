package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/sicko7947/mangaflow"
	"github.com/sicko7947/mangaflow/content"
	"github.com/sicko7947/mangaflow/events"
	"github.com/sicko7947/mangaflow/generation"
	"github.com/sicko7947/mangaflow/resilience"
	"github.com/sicko7947/mangaflow/store"
)

// Dependency names used for circuit breakers
const (
	DependencyBus     = "event-bus"
	DependencyContent = "content-store"
)

// Stage names used in logs and metrics
const (
	StageStory        = "story"
	StageBatchStory   = "batch_story"
	StageEpisode      = "episode"
	StageContinuation = "continue_episode"
)

// Engine runs the generation pipeline: the stage handlers that consume bus
// events and the user-facing operations that start them
type Engine struct {
	repo      *store.Repository
	publisher events.Publisher
	content   content.Store
	text      generation.TextGenerator
	insights  generation.InsightProvider
	guard     *resilience.Guard
	metrics   *resilience.Metrics
	logger    zerolog.Logger
	config    mangaflow.PipelineConfig
	now       func() time.Time
}

// EngineOption configures the engine
type EngineOption func(*Engine)

// WithLogger sets a custom logger for the engine
func WithLogger(logger zerolog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithConfig sets the pipeline configuration
func WithConfig(config mangaflow.PipelineConfig) EngineOption {
	return func(e *Engine) {
		e.config = config
	}
}

// WithGuard sets the retry and circuit breaker guard for collaborator calls
func WithGuard(guard *resilience.Guard) EngineOption {
	return func(e *Engine) {
		e.guard = guard
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m *resilience.Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithInsights sets the cultural-insight collaborator. Without one,
// preference submissions carry empty insights.
func WithInsights(p generation.InsightProvider) EngineOption {
	return func(e *Engine) {
		e.insights = p
	}
}

// WithClock replaces the time source
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates a pipeline engine.
// If no logger is provided, a console logger at Info level is used.
// If no guard is provided, the default retry and breaker policies are used.
func NewEngine(
	repo *store.Repository,
	publisher events.Publisher,
	contentStore content.Store,
	text generation.TextGenerator,
	opts ...EngineOption,
) *Engine {
	defaultLogger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger().
		Level(zerolog.InfoLevel)

	eng := &Engine{
		repo:      repo,
		publisher: publisher,
		content:   contentStore,
		text:      text,
		logger:    defaultLogger,
		config:    mangaflow.DefaultPipelineConfig,
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(eng)
	}

	if eng.guard == nil {
		eng.guard = resilience.NewGuard(
			resilience.NewRetrier(mangaflow.DefaultRetryConfig, resilience.WithRetryLogger(eng.logger), resilience.WithRetryMetrics(eng.metrics)),
			resilience.NewRegistry(mangaflow.DefaultBreakerConfig, resilience.WithBreakerLogger(eng.logger), resilience.WithBreakerMetrics(eng.metrics)),
		)
	}

	return eng
}

// Repository exposes the entity repository
func (e *Engine) Repository() *store.Repository {
	return e.repo
}

// Register binds every stage handler to its detail type
func (e *Engine) Register(r *events.Router) {
	events.On(r, mangaflow.DetailStoryGenerationRequested, stageHandler(e, StageStory, e.HandleStory))
	events.On(r, mangaflow.DetailBatchStoryGenerationRequested, stageHandler(e, StageBatchStory, e.HandleBatchStory))
	events.On(r, mangaflow.DetailEpisodeGenerationRequested, stageHandler(e, StageEpisode, e.HandleEpisode))
	events.On(r, mangaflow.DetailContinueEpisodeRequested, stageHandler(e, StageContinuation, e.HandleContinueEpisode))
	events.On(r, mangaflow.DetailGenerationStatusUpdated, e.HandleStatus)
	events.On(r, mangaflow.DetailBatchWorkflowStatusUpdated, e.HandleBatchStatus)
}

// stageHandler wraps a handler with start, completion and failure logging
func stageHandler[T any](e *Engine, name string, fn events.DetailHandler[T]) events.DetailHandler[T] {
	return func(ctx context.Context, detail T, evt mangaflow.Event) error {
		logger := resilience.Logger(ctx, e.logger)
		start := e.now()
		mangaflow.LogStageStarted(logger, name, evt.ID)

		err := fn(ctx, detail, evt)
		if err != nil {
			mangaflow.LogStageFailed(logger, name, evt.ID, err)
			return err
		}
		mangaflow.LogStageCompleted(logger, name, evt.ID, e.now().Sub(start))
		return nil
	}
}

// publish wraps detail in an event carrying the invocation's correlation id
// and hands it to the bus through the guard
func (e *Engine) publish(ctx context.Context, source, detailType string, detail any) error {
	evt, err := mangaflow.NewEvent(source, detailType, detail)
	if err != nil {
		return mangaflow.InternalError("failed to build event", err)
	}
	evt.CorrelationID = resilience.CorrelationID(ctx)

	return e.guard.Call(ctx, DependencyBus, func(ctx context.Context) error {
		return e.publisher.Publish(ctx, evt)
	})
}

// publishStatus publishes a generic status event. A publish failure is
// logged and returned; callers decide whether it matters.
func (e *Engine) publishStatus(ctx context.Context, detail mangaflow.GenerationStatusUpdated) error {
	err := e.publish(ctx, mangaflow.StatusSource(detail.EntityType), mangaflow.DetailGenerationStatusUpdated, detail)
	if err != nil {
		mangaflow.LogPersistenceError(resilience.Logger(ctx, e.logger), detail.RelatedEntityID, "publish_status", err)
	}
	return err
}

// putContent writes generated text to the content store through the guard
func (e *Engine) putContent(ctx context.Context, path, body string, metadata map[string]string) error {
	return e.guard.Call(ctx, DependencyContent, func(ctx context.Context) error {
		return e.content.Put(ctx, path, []byte(body), content.ContentTypeMarkdown, metadata)
	})
}

// readContent loads text from the content store through the guard
func (e *Engine) readContent(ctx context.Context, path string) (string, error) {
	return resilience.Guarded(ctx, e.guard, DependencyContent, func(ctx context.Context) (string, error) {
		text, err := content.GetText(ctx, e.content, path)
		if errors.Is(err, content.ErrNotFound) {
			return "", mangaflow.NotFoundError("", fmt.Sprintf("content %s not found", path)).WithCause(err)
		}
		return text, err
	})
}

// cleanup runs a failure-recording step. Its error is logged and never
// replaces the original failure.
func (e *Engine) cleanup(ctx context.Context, entityID, operation string, original error, fn func() error) {
	if err := fn(); err != nil && !errors.Is(err, mangaflow.ErrConditionFailed) {
		mangaflow.LogCleanupFailed(resilience.Logger(ctx, e.logger), entityID, operation, err, original)
	}
}

// errorMessage renders err for storage on a FAILED entity
func errorMessage(err error) string {
	if appErr := mangaflow.AsAppError(err); appErr != nil {
		return appErr.Message
	}
	return fmt.Sprint(err)
}

// DependencyStates reports the circuit breaker state of every collaborator
// called so far
func (e *Engine) DependencyStates() map[string]string {
	states := e.guard.Breakers().States()
	out := make(map[string]string, len(states))
	for name, s := range states {
		out[name] = s.String()
	}
	return out
}
