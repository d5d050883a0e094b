package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/scrypster/digime/pkg/types"
)

// ClientConfig bounds how the Client drives a Backend.
type ClientConfig struct {
	Timeout       time.Duration // Per-attempt deadline
	MaxRetries    int           // Extra attempts after the first
	RetryBackoff  time.Duration // Base delay, scaled by attempt squared
	MaxConcurrent int           // In-flight generations across all conversations
	Breaker       CircuitBreakerConfig
}

// Client wraps a Backend with a per-attempt timeout, bounded retries, a
// circuit breaker and a concurrency limit. Every failure it returns is a
// *GenerationError.
type Client struct {
	backend Backend
	cfg     ClientConfig
	breaker *CircuitBreaker
	sem     *semaphore.Weighted
	logger  *zap.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the logger used for retry and breaker messages.
func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a Client for the backend.
func NewClient(backend Backend, cfg ClientConfig, opts ...ClientOption) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff < 0 {
		cfg.RetryBackoff = 0
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}

	c := &Client{
		backend: backend,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	bcfg := cfg.Breaker
	bcfg.Logger = c.logger
	bcfg.IsSuccessful = func(err error) bool {
		// A malformed reply means the backend is up.
		return err == nil || IsKind(err, KindInvalidResponse)
	}
	c.breaker = NewCircuitBreakerWithConfig(bcfg)
	return c
}

// Generate produces one completion for req. It makes at most
// 1+MaxRetries attempts, retrying only timeouts and unreachable backends.
//
// Cancelling ctx stops the client from starting attempts or backoff waits,
// but an attempt already talking to the backend runs until it answers or
// hits the per-attempt timeout.
func (c *Client) Generate(ctx context.Context, req types.GenerationRequest) (string, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return "", &GenerationError{Kind: KindTimeout, Detail: "waiting for a generation slot", Err: err}
	}
	defer c.sem.Release(1)

	attempts := 1 + c.cfg.MaxRetries
	var last *GenerationError

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if last == nil {
				last = &GenerationError{Kind: KindTimeout, Detail: "cancelled before the first attempt", Err: err}
			}
			break
		}
		text, gerr := c.attempt(ctx, req)
		if gerr == nil {
			return text, nil
		}
		gerr.Attempts = attempt
		last = gerr

		if attempt == attempts || !gerr.Kind.Retryable() || errors.Is(gerr, ErrCircuitOpen) || ctx.Err() != nil {
			break
		}

		backoff := time.Duration(attempt*attempt) * c.cfg.RetryBackoff
		c.logger.Debug("retrying generation",
			zap.Int("attempt", attempt),
			zap.String("kind", string(gerr.Kind)),
			zap.Duration("backoff", backoff),
			zap.String("detail", gerr.Detail))

		if !sleep(ctx, backoff) {
			break
		}
	}

	return "", last
}

func (c *Client) attempt(ctx context.Context, req types.GenerationRequest) (string, *GenerationError) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
	defer cancel()

	result, err := c.breaker.Execute(actx, func() (interface{}, error) {
		text, err := c.backend.Chat(actx, req)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(text) == "" {
			return nil, invalidResponse("backend returned an empty completion")
		}
		return text, nil
	})
	if err != nil {
		return "", classify(err)
	}
	return result.(string), nil
}

// BreakerState returns "closed", "open" or "half-open".
func (c *Client) BreakerState() string {
	return c.breaker.State()
}

// Backend returns the wrapped backend.
func (c *Client) Backend() Backend {
	return c.backend
}

// sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
