package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/scrypster/digime/pkg/types"
)

// OpenAIConfig holds configuration for an OpenAI-compatible chat backend.
type OpenAIConfig struct {
	APIKey  string
	Model   string // default: gpt-4o-mini
	BaseURL string // default: https://api.openai.com/v1/
}

// OpenAICompatClient implements Backend using the chat completions API. It works
// against any server speaking that protocol (llama.cpp, vLLM, LM Studio).
type OpenAICompatClient struct {
	client openai.Client
	model  string
}

// NewOpenAICompatClient creates a new OpenAI-compatible client. Retries are left
// to Client so every attempt is counted in one place.
func NewOpenAICompatClient(cfg OpenAIConfig) *OpenAICompatClient {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.APIKey == "" {
		// Local servers ignore the key but the SDK insists on one.
		cfg.APIKey = "local"
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		opts = append(opts, option.WithBaseURL(base))
	}

	return &OpenAICompatClient{
		client: openai.NewClient(opts...),
		model:  cfg.Model,
	}
}

// Chat sends one chat completion request and returns the first choice.
func (c *OpenAICompatClient) Chat(ctx context.Context, req types.GenerationRequest) (string, error) {
	turns := chatMessages(req)
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns))
	for _, m := range turns {
		switch m.Role {
		case "system":
			messages = append(messages, openai.SystemMessage(m.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.model),
		Messages:    messages,
		Temperature: openai.Float(req.Sampling.Temperature),
		TopP:        openai.Float(req.Sampling.TopP),
		MaxTokens:   openai.Int(int64(req.Sampling.MaxTokens)),
	}
	if req.Sampling.RepeatPenalty > 0 {
		// Map the multiplicative penalty onto the additive frequency penalty.
		params.FrequencyPenalty = openai.Float(clampPenalty(req.Sampling.RepeatPenalty - 1))
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", classifyStatus(apiErr.StatusCode, truncate(apiErr.Error(), 200))
		}
		return "", classify(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", invalidResponse("response has no choices")
	}

	return resp.Choices[0].Message.Content, nil
}

// Name identifies the backend.
func (c *OpenAICompatClient) Name() string { return "openai" }

// GetModel returns the configured model name.
func (c *OpenAICompatClient) GetModel() string { return c.model }

// ListModels returns the model ids the server advertises.
func (c *OpenAICompatClient) ListModels(ctx context.Context) ([]string, error) {
	page, err := c.client.Models.List(ctx)
	if err != nil {
		return nil, err
	}
	models := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		models = append(models, m.ID)
	}
	return models, nil
}

func clampPenalty(v float64) float64 {
	if v < -2 {
		return -2
	}
	if v > 2 {
		return 2
	}
	return v
}

var (
	_ Backend     = (*OpenAICompatClient)(nil)
	_ ModelLister = (*OpenAICompatClient)(nil)
)
