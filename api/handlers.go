package api

import (
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sicko7947/mangaflow"
)

// batchRequest is the body of POST /workflows
type batchRequest struct {
	NumberOfStories int                    `json:"numberOfStories"`
	Preferences     *mangaflow.Preferences `json:"preferences,omitempty"`
}

func (s *Server) handleHealth(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":       "healthy",
		"service":      "mangaflow",
		"time":         time.Now().UTC(),
		"dependencies": s.engine.DependencyStates(),
	})
}

// handleSubmitPreferences stores preferences and queues a story
func (s *Server) handleSubmitPreferences(c fiber.Ctx) error {
	var prefs mangaflow.Preferences
	if err := c.Bind().JSON(&prefs); err != nil {
		return mangaflow.ValidationError("invalid request body")
	}

	accepted, err := s.engine.SubmitPreferences(c.Context(), currentUser(c), prefs)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(accepted)
}

// handleContinueStory queues the next episode of a completed story
func (s *Server) handleContinueStory(c fiber.Ctx) error {
	accepted, err := s.engine.RequestContinuation(c.Context(), currentUser(c), c.Params("storyId"))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(accepted)
}

func (s *Server) handleEligibility(c fiber.Ctx) error {
	out, err := s.engine.ContinuationEligibility(c.Context(), currentUser(c), c.Params("storyId"))
	if err != nil {
		return err
	}
	return c.JSON(out)
}

func (s *Server) handleGetStory(c fiber.Ctx) error {
	out, err := s.engine.StoryWithEpisodes(c.Context(), currentUser(c), c.Params("storyId"))
	if err != nil {
		return err
	}
	return c.JSON(out)
}

// handleStartBatch starts a batch workflow
func (s *Server) handleStartBatch(c fiber.Ctx) error {
	var body batchRequest
	if err := c.Bind().JSON(&body); err != nil {
		return mangaflow.ValidationError("invalid request body")
	}

	accepted, err := s.engine.StartBatch(c.Context(), currentUser(c), body.NumberOfStories, body.Preferences)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(accepted)
}

func (s *Server) handleGetWorkflow(c fiber.Ctx) error {
	out, err := s.engine.WorkflowProgress(c.Context(), currentUser(c), c.Params("workflowId"))
	if err != nil {
		return err
	}
	return c.JSON(out)
}

func (s *Server) handleCancelWorkflow(c fiber.Ctx) error {
	wf, err := s.engine.CancelBatch(c.Context(), currentUser(c), c.Params("workflowId"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"workflowId":       wf.WorkflowID,
		"status":           wf.Status,
		"completedStories": wf.CompletedStories,
		"failedStories":    wf.FailedStories,
		"message":          "Workflow cancelled successfully",
	})
}

func (s *Server) handleGetRequest(c fiber.Ctx) error {
	out, err := s.engine.RequestStatus(c.Context(), currentUser(c), c.Params("requestId"))
	if err != nil {
		return err
	}
	return c.JSON(out)
}
