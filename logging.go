package mangaflow

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Log event names
const (
	// Stage-level events
	EventStageStarted   = "stage_started"
	EventStageCompleted = "stage_completed"
	EventStageFailed    = "stage_failed"
	EventDuplicate      = "duplicate_delivery"

	// Batch workflow events
	EventBatchAdvanced = "batch_advanced"
	EventBatchFinished = "batch_finished"
	EventBatchItemLost = "batch_item_absorbed"

	// Resilience events
	EventRetryAttempt        = "retry_attempt"
	EventBreakerStateChanged = "breaker_state_changed"

	// Persistence and bus events
	EventPersistenceError = "persistence_error"
	EventCleanupFailed    = "cleanup_failed"
	EventPublished        = "event_published"
	EventRejected         = "event_rejected"
	EventStatusUpdated    = "status_updated"
)

// NewLogger builds the process logger from configuration
func NewLogger(cfg LogConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var output io.Writer = os.Stdout
	if cfg.Output == "file" && cfg.FilePath != "" {
		file, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), err
		}
		output = file
	}

	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).Level(level).With().Timestamp().Logger(), nil
}

// LogStageStarted logs when a stage handler begins processing an event
func LogStageStarted(logger zerolog.Logger, stage, entityID string) {
	logger.Info().
		Str("event", EventStageStarted).
		Str("stage", stage).
		Str("entity_id", entityID).
		Msg("Stage started")
}

// LogStageCompleted logs successful stage completion
func LogStageCompleted(logger zerolog.Logger, stage, entityID string, duration time.Duration) {
	logger.Info().
		Str("event", EventStageCompleted).
		Str("stage", stage).
		Str("entity_id", entityID).
		Dur("duration", duration).
		Msg("Stage completed")
}

// LogStageFailed logs stage failure
func LogStageFailed(logger zerolog.Logger, stage, entityID string, err error) {
	logger.Error().
		Str("event", EventStageFailed).
		Str("stage", stage).
		Str("entity_id", entityID).
		Err(err).
		Msg("Stage failed")
}

// LogDuplicate logs a redelivered event whose work is already terminal
func LogDuplicate(logger zerolog.Logger, stage, entityID string, status Status) {
	logger.Info().
		Str("event", EventDuplicate).
		Str("stage", stage).
		Str("entity_id", entityID).
		Str("status", status.String()).
		Msg("Skipping duplicate delivery")
}

// LogBatchAdvanced logs publication of the next batch item
func LogBatchAdvanced(logger zerolog.Logger, workflowID string, next, total int) {
	logger.Info().
		Str("event", EventBatchAdvanced).
		Str("workflow_id", workflowID).
		Int("next_batch", next).
		Int("total_batches", total).
		Msg("Batch advanced")
}

// LogBatchFinished logs a batch workflow reaching a terminal status
func LogBatchFinished(logger zerolog.Logger, wf *BatchWorkflow) {
	logger.Info().
		Str("event", EventBatchFinished).
		Str("workflow_id", wf.WorkflowID).
		Str("status", wf.Status.String()).
		Int("completed_stories", wf.CompletedStories).
		Int("failed_stories", wf.FailedStories).
		Msg("Batch workflow finished")
}

// LogBatchItemAbsorbed logs a batch item failure that does not stop the batch
func LogBatchItemAbsorbed(logger zerolog.Logger, workflowID, requestID string, err error) {
	logger.Warn().
		Str("event", EventBatchItemLost).
		Str("workflow_id", workflowID).
		Str("request_id", requestID).
		Err(err).
		Msg("Batch item failed, continuing with next item")
}

// LogRetryAttempt logs a retried operation
func LogRetryAttempt(logger zerolog.Logger, operation string, attempt int, delay time.Duration, err error) {
	logger.Warn().
		Str("event", EventRetryAttempt).
		Str("operation", operation).
		Int("attempt", attempt).
		Dur("delay", delay).
		Err(err).
		Msg("Retrying operation")
}

// LogBreakerStateChanged logs a circuit breaker transition
func LogBreakerStateChanged(logger zerolog.Logger, dependency, from, to string) {
	logger.Warn().
		Str("event", EventBreakerStateChanged).
		Str("dependency", dependency).
		Str("from", from).
		Str("to", to).
		Msg("Circuit breaker state changed")
}

// LogPersistenceError logs errors during persistence operations
func LogPersistenceError(logger zerolog.Logger, entityID, operation string, err error) {
	logger.Error().
		Str("event", EventPersistenceError).
		Str("entity_id", entityID).
		Str("operation", operation).
		Err(err).
		Msg("Persistence error")
}

// LogCleanupFailed logs a failure while recording another failure
func LogCleanupFailed(logger zerolog.Logger, entityID, operation string, err, original error) {
	logger.Error().
		Str("event", EventCleanupFailed).
		Str("entity_id", entityID).
		Str("operation", operation).
		Err(err).
		AnErr("original_error", original).
		Msg("Failed to record failure")
}

// LogPublished logs an event handed to the bus
func LogPublished(logger zerolog.Logger, source, detailType, eventID string) {
	logger.Debug().
		Str("event", EventPublished).
		Str("source", source).
		Str("detail_type", detailType).
		Str("event_id", eventID).
		Msg("Event published")
}

// LogRejected logs an event that failed validation
func LogRejected(logger zerolog.Logger, detailType, eventID string, err error) {
	logger.Warn().
		Str("event", EventRejected).
		Str("detail_type", detailType).
		Str("event_id", eventID).
		Err(err).
		Msg("Event rejected")
}

// LogStatusUpdated logs a status event observed by the status stage
func LogStatusUpdated(logger zerolog.Logger, entity StatusEntityType, entityID string, status Status, errMsg string) {
	e := logger.Info()
	if status == StatusFailed {
		e = logger.Warn().Str("error_message", errMsg)
	}
	e.Str("event", EventStatusUpdated).
		Str("entity_type", string(entity)).
		Str("entity_id", entityID).
		Str("status", status.String()).
		Msg("Generation status updated")
}
