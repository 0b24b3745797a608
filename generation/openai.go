package generation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/sicko7947/mangaflow"
)

const defaultModel = "gpt-4o-mini"

// OpenAITextGenerator writes content through the chat completions API
type OpenAITextGenerator struct {
	client    openai.Client
	model     string
	maxTokens int64
}

// NewOpenAITextGenerator creates a generator. SDK-level retries are
// disabled; retry and circuit breaking happen in the caller.
func NewOpenAITextGenerator(cfg mangaflow.OpenAIConfig, httpClient *http.Client) *OpenAITextGenerator {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAITextGenerator{
		client:    openai.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: int64(cfg.MaxTokens),
	}
}

// GenerateStory writes the opening of a new story
func (g *OpenAITextGenerator) GenerateStory(ctx context.Context, prefs mangaflow.Preferences, insights mangaflow.Insights) (string, error) {
	return g.complete(ctx, storySystemPrompt, StoryPrompt(prefs, insights))
}

// GenerateEpisode writes one episode of an existing story
func (g *OpenAITextGenerator) GenerateEpisode(ctx context.Context, in EpisodeInput) (string, error) {
	return g.complete(ctx, episodeSystemPrompt, EpisodePrompt(in))
}

func (g *OpenAITextGenerator) complete(ctx context.Context, system, user string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(g.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
	}
	if g.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(g.maxTokens)
	}

	resp, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", mapOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", mangaflow.ExternalServiceError(DependencyText, "no choices returned", true)
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", mangaflow.ExternalServiceError(DependencyText, "empty content returned", true)
	}
	return content, nil
}

// mapOpenAIError translates SDK errors into the error taxonomy
func mapOpenAIError(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return err
	}

	msg := apiErr.Message
	if msg == "" {
		msg = http.StatusText(apiErr.StatusCode)
	}
	msg = fmt.Sprintf("openai (status %d): %s", apiErr.StatusCode, msg)

	switch {
	case apiErr.StatusCode == http.StatusTooManyRequests:
		return mangaflow.RateLimitError(msg).WithCause(err)
	case apiErr.StatusCode == http.StatusRequestTimeout || apiErr.StatusCode == http.StatusGatewayTimeout:
		return mangaflow.TimeoutError(msg).WithCause(err)
	case apiErr.StatusCode >= 500:
		return mangaflow.ExternalServiceError(DependencyText, msg, true).WithCause(err)
	default:
		return mangaflow.ExternalServiceError(DependencyText, msg, false).WithCause(err)
	}
}

var _ TextGenerator = (*OpenAITextGenerator)(nil)
