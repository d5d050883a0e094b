package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/scrypster/digime/pkg/types"
)

// OllamaClient talks to a local Ollama server over its chat API.
type OllamaClient struct {
	baseURL string
	client  *http.Client
	model   string
	timeout time.Duration
}

// OllamaConfig holds Ollama client configuration.
type OllamaConfig struct {
	// BaseURL is the base URL for the Ollama API (default: http://localhost:11434)
	BaseURL string

	// Model is the model name to use for completions (default: llama3.1)
	Model string

	// Timeout bounds the auxiliary calls (health, model listing). Chat calls
	// are bounded by the caller's context. Default: 5s
	Timeout time.Duration
}

type ollamaOptions struct {
	Temperature   float64 `json:"temperature"`
	TopP          float64 `json:"top_p"`
	NumPredict    int     `json:"num_predict"`
	RepeatPenalty float64 `json:"repeat_penalty,omitempty"`
}

// chatRequest represents the request body for /api/chat
type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  ollamaOptions `json:"options"`
}

// chatResponse represents the response from /api/chat. Message is a pointer
// so a reply without one can be told apart from an empty reply.
type chatResponse struct {
	Message *struct {
		Role    string  `json:"role"`
		Content *string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error"`
}

// tagsResponse represents the response from /api/tags endpoint
type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// NewOllamaClient creates a new Ollama client with the given configuration.
func NewOllamaClient(config OllamaConfig) *OllamaClient {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}
	if config.Model == "" {
		config.Model = "llama3.1"
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}

	return &OllamaClient{
		baseURL: config.BaseURL,
		client:  &http.Client{},
		model:   config.Model,
		timeout: config.Timeout,
	}
}

// Chat sends one non-streaming chat request and returns the reply text.
func (c *OllamaClient) Chat(ctx context.Context, req types.GenerationRequest) (string, error) {
	reqBody := chatRequest{
		Model:    c.model,
		Messages: chatMessages(req),
		Stream:   false,
		Options: ollamaOptions{
			Temperature:   req.Sampling.Temperature,
			TopP:          req.Sampling.TopP,
			NumPredict:    req.Sampling.MaxTokens,
			RepeatPenalty: req.Sampling.RepeatPenalty,
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", invalidResponse("failed to marshal request: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return "", invalidResponse("failed to create request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", classify(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", classify(err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus(resp.StatusCode, truncate(string(body), 200))
	}

	var respData chatResponse
	if err := json.Unmarshal(body, &respData); err != nil {
		return "", invalidResponse("failed to decode response: %v", err)
	}
	if respData.Error != "" {
		return "", invalidResponse("ollama error: %s", respData.Error)
	}
	if respData.Message == nil || respData.Message.Content == nil {
		return "", invalidResponse("response has no message content")
	}

	return *respData.Message.Content, nil
}

// HealthCheck verifies that Ollama is reachable by checking the /api/version endpoint.
func (c *OllamaClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/version", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("health check returned status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// Name identifies the backend.
func (c *OllamaClient) Name() string { return "ollama" }

// GetModel returns the configured model name.
func (c *OllamaClient) GetModel() string {
	return c.model
}

// ListModels returns the models installed on the Ollama server.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(body))
	}

	var respData tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	models := make([]string, len(respData.Models))
	for i, model := range respData.Models {
		models[i] = model.Name
	}

	return models, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var (
	_ Backend       = (*OllamaClient)(nil)
	_ ModelLister   = (*OllamaClient)(nil)
	_ HealthChecker = (*OllamaClient)(nil)
)
