package generation

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3/client"
	"github.com/sicko7947/mangaflow"
)

// InsightClient calls the cultural-insight HTTP service
type InsightClient struct {
	http  *client.Client
	key   string
	limit int
}

// NewInsightClient creates a client for cfg.BaseURL
func NewInsightClient(cfg mangaflow.InsightsConfig) *InsightClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := cfg.Limit
	if limit <= 0 {
		limit = 5
	}

	c := client.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout)

	return &InsightClient{http: c, key: cfg.APIKey, limit: limit}
}

// Insights fetches recommendations matching the taste profile
func (c *InsightClient) Insights(ctx context.Context, prefs mangaflow.Preferences) (*mangaflow.Insights, error) {
	req := c.http.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetParam("genres", strings.Join(prefs.Genres, ",")).
		SetParam("limit", strconv.Itoa(c.limit))
	if len(prefs.Themes) > 0 {
		req.SetParam("themes", strings.Join(prefs.Themes, ","))
	}
	if prefs.TargetAudience != "" {
		req.SetParam("audience", prefs.TargetAudience)
	}
	if c.key != "" {
		req.SetHeader("X-Api-Key", c.key)
	}

	resp, err := req.Get("/insights")
	if err != nil {
		return nil, mangaflow.ExternalServiceError(DependencyInsights, err.Error(), true).WithCause(err)
	}
	defer resp.Close()

	if err := insightStatusError(resp.StatusCode(), string(resp.Body())); err != nil {
		return nil, err
	}

	var out mangaflow.Insights
	if err := resp.JSON(&out); err != nil {
		return nil, mangaflow.ExternalServiceError(DependencyInsights, "malformed response", false).WithCause(err)
	}
	return &out, nil
}

func insightStatusError(status int, body string) error {
	if status >= 200 && status < 300 {
		return nil
	}
	if len(body) > 200 {
		body = body[:200]
	}
	msg := fmt.Sprintf("insights (status %d): %s", status, body)

	switch {
	case status == http.StatusTooManyRequests:
		return mangaflow.RateLimitError(msg)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return mangaflow.TimeoutError(msg)
	case status >= 500:
		return mangaflow.ExternalServiceError(DependencyInsights, msg, true)
	default:
		return mangaflow.ExternalServiceError(DependencyInsights, msg, false)
	}
}

var _ InsightProvider = (*InsightClient)(nil)
