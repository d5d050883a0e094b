package llm_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/digime/internal/config"
	"github.com/scrypster/digime/internal/llm"
	"github.com/scrypster/digime/pkg/types"
)

func testRequest() types.GenerationRequest {
	return types.GenerationRequest{
		SystemPreamble: "You are Sam.",
		History: []types.Message{
			{Sender: "alice", Text: "hey"},
			{Sender: types.SenderSelf, Text: "hi alice"},
		},
		UserMessage: "how are you?",
		Sampling:    types.SamplingParams{Temperature: 0.7, TopP: 0.9, MaxTokens: 100, RepeatPenalty: 1.1},
	}
}

func fastConfig() llm.ClientConfig {
	return llm.ClientConfig{
		Timeout:       time.Second,
		MaxRetries:    2,
		RetryBackoff:  time.Millisecond,
		MaxConcurrent: 1,
		Breaker:       llm.CircuitBreakerConfig{MaxFailures: 100},
	}
}

func ollamaServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/chat" {
			atomic.AddInt32(&calls, 1)
		}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func reply(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"message": map[string]string{"role": "assistant", "content": content},
		"done":    true,
	})
}

func TestOllama_ChatRequestShape(t *testing.T) {
	var got struct {
		Model    string `json:"model"`
		Stream   bool   `json:"stream"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
		Options map[string]float64 `json:"options"`
	}
	srv, _ := ollamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		reply(w, "doing great")
	})

	client := llm.NewClient(llm.NewOllamaClient(llm.OllamaConfig{BaseURL: srv.URL, Model: "llama3.1"}), fastConfig())
	text, err := client.Generate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "doing great", text)

	assert.Equal(t, "llama3.1", got.Model)
	assert.False(t, got.Stream)
	require.Len(t, got.Messages, 4)
	roles := []string{got.Messages[0].Role, got.Messages[1].Role, got.Messages[2].Role, got.Messages[3].Role}
	assert.Equal(t, []string{"system", "user", "assistant", "user"}, roles)
	assert.Equal(t, "how are you?", got.Messages[3].Content)
	assert.Equal(t, 0.7, got.Options["temperature"])
	assert.Equal(t, 100.0, got.Options["num_predict"])
}

func TestGenerate_RetriesAreBounded(t *testing.T) {
	srv, calls := ollamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})

	client := llm.NewClient(llm.NewOllamaClient(llm.OllamaConfig{BaseURL: srv.URL}), fastConfig())
	_, err := client.Generate(context.Background(), testRequest())
	require.Error(t, err)

	var gerr *llm.GenerationError
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, llm.KindUnreachable, gerr.Kind)
	assert.Equal(t, 3, gerr.Attempts)
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
}

func TestGenerate_TimeoutPerAttempt(t *testing.T) {
	srv, calls := ollamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	cfg := fastConfig()
	cfg.Timeout = 20 * time.Millisecond
	cfg.MaxRetries = 1
	client := llm.NewClient(llm.NewOllamaClient(llm.OllamaConfig{BaseURL: srv.URL}), cfg)

	_, err := client.Generate(context.Background(), testRequest())
	assert.True(t, llm.IsKind(err, llm.KindTimeout), "got %v", err)
	assert.Equal(t, int32(2), atomic.LoadInt32(calls))
}

func TestGenerate_EmptyCompletionIsNotRetried(t *testing.T) {
	srv, calls := ollamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		reply(w, "   \n")
	})

	client := llm.NewClient(llm.NewOllamaClient(llm.OllamaConfig{BaseURL: srv.URL}), fastConfig())
	_, err := client.Generate(context.Background(), testRequest())
	assert.True(t, llm.IsKind(err, llm.KindInvalidResponse))
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestGenerate_MissingContentIsInvalid(t *testing.T) {
	srv, _ := ollamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"done":true}`))
	})

	client := llm.NewClient(llm.NewOllamaClient(llm.OllamaConfig{BaseURL: srv.URL}), fastConfig())
	_, err := client.Generate(context.Background(), testRequest())
	assert.True(t, llm.IsKind(err, llm.KindInvalidResponse))
}

func TestGenerate_ClientErrorIsNotRetried(t *testing.T) {
	srv, calls := ollamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	})

	client := llm.NewClient(llm.NewOllamaClient(llm.OllamaConfig{BaseURL: srv.URL}), fastConfig())
	_, err := client.Generate(context.Background(), testRequest())
	assert.True(t, llm.IsKind(err, llm.KindInvalidResponse))
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestGenerate_UnreachableBackend(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	cfg := fastConfig()
	cfg.MaxRetries = 0
	client := llm.NewClient(llm.NewOllamaClient(llm.OllamaConfig{BaseURL: url}), cfg)
	_, err := client.Generate(context.Background(), testRequest())
	assert.True(t, llm.IsKind(err, llm.KindUnreachable), "got %v", err)
}

func TestGenerate_CancelledContextMakesNoCall(t *testing.T) {
	srv, calls := ollamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		reply(w, "hello")
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := llm.NewClient(llm.NewOllamaClient(llm.OllamaConfig{BaseURL: srv.URL}), fastConfig())
	_, err := client.Generate(ctx, testRequest())
	var gerr *llm.GenerationError
	assert.True(t, errors.As(err, &gerr))
	assert.Equal(t, int32(0), atomic.LoadInt32(calls))
}

func TestGenerate_CancelStopsRetriesButNotTheAttemptInFlight(t *testing.T) {
	started := make(chan struct{}, 4)
	srv, calls := ollamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		<-r.Context().Done()
	})

	cfg := fastConfig()
	cfg.Timeout = 100 * time.Millisecond
	cfg.MaxRetries = 3
	client := llm.NewClient(llm.NewOllamaClient(llm.OllamaConfig{BaseURL: srv.URL}), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := client.Generate(ctx, testRequest())
	var gerr *llm.GenerationError
	require.True(t, errors.As(err, &gerr), "got %v", err)
	assert.Equal(t, llm.KindTimeout, gerr.Kind)
	assert.Equal(t, 1, gerr.Attempts)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond, "the attempt runs to its own timeout")
}

func TestGenerate_AttemptInFlightCompletesAfterCancel(t *testing.T) {
	started := make(chan struct{}, 1)
	srv, _ := ollamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		time.Sleep(50 * time.Millisecond)
		reply(w, "still here")
	})
	client := llm.NewClient(llm.NewOllamaClient(llm.OllamaConfig{BaseURL: srv.URL}), fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	text, err := client.Generate(ctx, testRequest())
	require.NoError(t, err)
	assert.Equal(t, "still here", text)
}

func TestGenerate_BreakerOpensAfterFailures(t *testing.T) {
	srv, calls := ollamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	cfg := fastConfig()
	cfg.MaxRetries = 0
	cfg.Breaker = llm.CircuitBreakerConfig{MaxFailures: 2, Timeout: time.Minute}
	client := llm.NewClient(llm.NewOllamaClient(llm.OllamaConfig{BaseURL: srv.URL}), cfg)

	for i := 0; i < 2; i++ {
		_, err := client.Generate(context.Background(), testRequest())
		require.Error(t, err)
	}
	assert.Equal(t, "open", client.BreakerState())

	_, err := client.Generate(context.Background(), testRequest())
	assert.True(t, llm.IsKind(err, llm.KindUnreachable))
	assert.ErrorIs(t, err, llm.ErrCircuitOpen)
	assert.Equal(t, int32(2), atomic.LoadInt32(calls), "open breaker must not reach the backend")
}

func TestGenerate_InvalidResponsesDoNotTripBreaker(t *testing.T) {
	srv, _ := ollamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		reply(w, "")
	})

	cfg := fastConfig()
	cfg.Breaker = llm.CircuitBreakerConfig{MaxFailures: 1, Timeout: time.Minute}
	client := llm.NewClient(llm.NewOllamaClient(llm.OllamaConfig{BaseURL: srv.URL}), cfg)

	for i := 0; i < 3; i++ {
		_, err := client.Generate(context.Background(), testRequest())
		require.Error(t, err)
	}
	assert.Equal(t, "closed", client.BreakerState())
}

func TestGenerate_ConcurrencyIsBounded(t *testing.T) {
	var inFlight, peak int32
	srv, _ := ollamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		reply(w, "ok")
	})

	client := llm.NewClient(llm.NewOllamaClient(llm.OllamaConfig{BaseURL: srv.URL}), fastConfig())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.Generate(context.Background(), testRequest())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
}

func TestOllama_ListModelsAndHealth(t *testing.T) {
	srv, _ := ollamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			_, _ = w.Write([]byte(`{"models":[{"name":"llama3.1"},{"name":"qwen2.5:7b"}]}`))
		case "/api/version":
			_, _ = w.Write([]byte(`{"version":"0.5.0"}`))
		default:
			http.NotFound(w, r)
		}
	})

	c := llm.NewOllamaClient(llm.OllamaConfig{BaseURL: srv.URL})
	models, err := c.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"llama3.1", "qwen2.5:7b"}, models)
	assert.NoError(t, c.HealthCheck(context.Background()))
}

func openAIServer(t *testing.T, status int, calls *int32, seen *map[string]interface{}) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		atomic.AddInt32(calls, 1)
		if seen != nil {
			_ = json.NewDecoder(r.Body).Decode(seen)
		}
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"server_error"}}`))
			return
		}
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "local-model",
			"choices": [{"index": 0, "finish_reason": "stop",
				"message": {"role": "assistant", "content": "hello from compat"}}]
		}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAI_ChatCompletion(t *testing.T) {
	var calls int32
	var seen map[string]interface{}
	srv := openAIServer(t, http.StatusOK, &calls, &seen)

	backend := llm.NewOpenAICompatClient(llm.OpenAIConfig{BaseURL: srv.URL + "/v1", Model: "local-model"})
	client := llm.NewClient(backend, fastConfig())

	text, err := client.Generate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "hello from compat", text)
	assert.Equal(t, "local-model", seen["model"])
	msgs, ok := seen["messages"].([]interface{})
	require.True(t, ok)
	assert.Len(t, msgs, 4)
}

func TestOpenAI_ServerErrorIsRetried(t *testing.T) {
	var calls int32
	srv := openAIServer(t, http.StatusInternalServerError, &calls, nil)

	backend := llm.NewOpenAICompatClient(llm.OpenAIConfig{BaseURL: srv.URL + "/v1"})
	client := llm.NewClient(backend, fastConfig())

	_, err := client.Generate(context.Background(), testRequest())
	assert.True(t, llm.IsKind(err, llm.KindUnreachable), "got %v", err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestNewBackend(t *testing.T) {
	b, err := llm.NewBackend(config.LLMConfig{Provider: "ollama", Model: "mistral"})
	require.NoError(t, err)
	assert.Equal(t, "ollama", b.Name())
	assert.Equal(t, "mistral", b.GetModel())

	b, err = llm.NewBackend(config.LLMConfig{Provider: "openai"})
	require.NoError(t, err)
	assert.Equal(t, "openai", b.Name())

	_, err = llm.NewBackend(config.LLMConfig{Provider: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestGenerationError_Message(t *testing.T) {
	err := &llm.GenerationError{Kind: llm.KindTimeout, Attempts: 2, Detail: "deadline"}
	assert.Equal(t, "generation failed (timeout, 2 attempts): deadline", err.Error())
	assert.True(t, llm.KindTimeout.Retryable())
	assert.False(t, llm.KindInvalidResponse.Retryable())
}
