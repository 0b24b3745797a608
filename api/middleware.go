package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
	"github.com/sicko7947/mangaflow"
	"github.com/sicko7947/mangaflow/resilience"
)

// HeaderCorrelationID carries the correlation id in both directions
const HeaderCorrelationID = "X-Correlation-Id"

// correlation reuses an inbound correlation id or request id, otherwise
// generates one, and echoes it on the response
func correlation() fiber.Handler {
	return func(c fiber.Ctx) error {
		inbound := c.Get(HeaderCorrelationID)
		if inbound == "" {
			inbound = c.Get(fiber.HeaderXRequestID)
		}

		ctx, id := resilience.EnsureCorrelationID(c.Context(), inbound)
		c.SetContext(ctx)
		c.Set(HeaderCorrelationID, id)
		return c.Next()
	}
}

// requestLogger logs one line per request after the handler chain ran
func requestLogger(logger zerolog.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			status = mangaflow.Sanitize(fromFiber(err), false).HTTPStatus
		}

		event := logger.Info()
		if status >= http.StatusInternalServerError {
			event = logger.Error().Err(err)
		}
		event.
			Str("correlation_id", resilience.CorrelationID(c.Context())).
			Str("method", c.Method()).
			Str("path", c.Path()).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
		return err
	}
}

// errorBody is the JSON error envelope
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	RequestID string    `json:"requestId"`
	Timestamp time.Time `json:"timestamp"`
}

// errorHandler renders every error as the JSON envelope. In production
// internal errors lose their detail.
func errorHandler(logger zerolog.Logger, production bool) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		appErr := mangaflow.Sanitize(fromFiber(err), production)

		if appErr.HTTPStatus >= http.StatusInternalServerError {
			logger.Error().
				Err(err).
				Str("correlation_id", resilience.CorrelationID(c.Context())).
				Str("path", c.Path()).
				Msg("Request failed")
		}

		return c.Status(appErr.HTTPStatus).JSON(errorBody{Error: errorDetail{
			Code:      appErr.Code,
			Message:   appErr.Message,
			RequestID: resilience.CorrelationID(c.Context()),
			Timestamp: appErr.Timestamp,
		}})
	}
}

// fromFiber maps fiber's own routing and parsing errors to AppError
func fromFiber(err error) error {
	var fe *fiber.Error
	if !errors.As(err, &fe) {
		return err
	}
	switch fe.Code {
	case http.StatusNotFound:
		return mangaflow.NotFoundError("", "route not found")
	case http.StatusMethodNotAllowed:
		return methodNotAllowed()
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return mangaflow.ValidationError(fe.Message)
	case http.StatusUnauthorized:
		return mangaflow.AuthenticationError(fe.Message)
	}
	if fe.Code >= http.StatusInternalServerError {
		return mangaflow.InternalError(fe.Message, err)
	}
	return mangaflow.NewAppError(mangaflow.ErrCodeValidation, fe.Message, fe.Code)
}

func methodNotAllowed() error {
	return mangaflow.NewAppError(mangaflow.ErrCodeMethodNotAllowed, "method not allowed", http.StatusMethodNotAllowed)
}
