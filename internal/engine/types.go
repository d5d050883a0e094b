// Package engine drives the clone: it polls the transport, runs each
// inbound message through the response state machine and dispatches
// paced replies.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/scrypster/digime/internal/config"
	"github.com/scrypster/digime/internal/policy"
	"github.com/scrypster/digime/pkg/types"
)

// Config holds configuration for the orchestrator.
type Config struct {
	// ScanInterval is the delay between transport polls (default: 3s).
	ScanInterval time.Duration

	// MinDelay and MaxDelay bound the uniformly random pacing delay before a
	// reply is sent.
	MinDelay time.Duration
	MaxDelay time.Duration

	// AutoMarkRead marks a conversation read after recording an inbound message.
	AutoMarkRead bool

	// SendRetries is the number of extra Send attempts after the first.
	SendRetries int

	// SendBackoff is the base delay between Send attempts, scaled by attempt squared.
	SendBackoff time.Duration

	// RatePerMinute limits outbound sends across all conversations. 0 disables.
	RatePerMinute float64
	RateBurst     int

	// QueueSize is the per-conversation inbox capacity (default: 64).
	QueueSize int

	// ShutdownTimeout bounds how long Run waits for workers after cancellation.
	ShutdownTimeout time.Duration

	// PruneInterval is how often inactive conversations are pruned. 0 disables.
	PruneInterval time.Duration

	// IdleTimeout stops a conversation worker after this long without messages.
	IdleTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ScanInterval:    3 * time.Second,
		MinDelay:        2 * time.Second,
		MaxDelay:        5 * time.Second,
		AutoMarkRead:    true,
		SendRetries:     2,
		SendBackoff:     250 * time.Millisecond,
		RatePerMinute:   20,
		RateBurst:       3,
		QueueSize:       64,
		ShutdownTimeout: 10 * time.Second,
		PruneInterval:   time.Hour,
		IdleTimeout:     10 * time.Minute,
	}
}

// ConfigFrom maps the application config onto an orchestrator Config.
func ConfigFrom(cfg *config.Config) Config {
	c := DefaultConfig()
	c.ScanInterval = cfg.Transport.ScanInterval
	c.MinDelay = cfg.Transport.MinDelay
	c.MaxDelay = cfg.Transport.MaxDelay
	c.AutoMarkRead = cfg.Transport.AutoMarkRead
	c.SendRetries = cfg.Transport.SendRetries
	c.SendBackoff = cfg.Transport.SendBackoff
	c.RatePerMinute = cfg.Transport.RatePerMin
	c.RateBurst = cfg.Transport.RateBurst
	c.QueueSize = cfg.Runtime.QueueSize
	c.ShutdownTimeout = cfg.Runtime.ShutdownTimeout
	c.PruneInterval = cfg.Runtime.PruneInterval
	c.IdleTimeout = cfg.Runtime.IdleTimeout
	return c
}

// Validate checks if the config is valid.
func (c *Config) Validate() error {
	if c.ScanInterval <= 0 {
		return fmt.Errorf("ScanInterval must be > 0, got %v", c.ScanInterval)
	}
	if c.MinDelay < 0 || c.MaxDelay < c.MinDelay {
		return fmt.Errorf("pacing delay must satisfy 0 <= MinDelay <= MaxDelay, got [%v, %v]", c.MinDelay, c.MaxDelay)
	}
	if c.SendRetries < 0 {
		return fmt.Errorf("SendRetries must be >= 0, got %d", c.SendRetries)
	}
	if c.SendBackoff < 0 {
		return fmt.Errorf("SendBackoff must be >= 0, got %v", c.SendBackoff)
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("IdleTimeout must be >= 0, got %v", c.IdleTimeout)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("QueueSize must be >= 1, got %d", c.QueueSize)
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("ShutdownTimeout must be >= 0, got %v", c.ShutdownTimeout)
	}
	if c.RatePerMinute < 0 {
		return fmt.Errorf("RatePerMinute must be >= 0, got %v", c.RatePerMinute)
	}
	return nil
}

// OutcomeKind says how far one message got through the state machine.
type OutcomeKind string

// Outcome kinds
const (
	OutcomeDuplicate        OutcomeKind = "duplicate"
	OutcomeRejected         OutcomeKind = "rejected"
	OutcomeDropped          OutcomeKind = "dropped"
	OutcomeSuppressed       OutcomeKind = "suppressed"
	OutcomeGenerationFailed OutcomeKind = "generation_failed"
	OutcomePacingAborted    OutcomeKind = "pacing_aborted"
	OutcomeDispatchFailed   OutcomeKind = "dispatch_failed"
	OutcomeDispatched       OutcomeKind = "dispatched"
	OutcomeHalted           OutcomeKind = "halted"
)

// Outcome is the result of HandleMessage.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
	Reply  string // Text sent, for OutcomeDispatched
	Err    error
}

// Observer receives every event the orchestrator emits. OnEvent must not
// block.
type Observer interface {
	OnEvent(ev types.Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev types.Event)

// OnEvent implements Observer.
func (f ObserverFunc) OnEvent(ev types.Event) { f(ev) }

// Decider picks whether and how to answer.
type Decider interface {
	Decide(ctx context.Context, inbound types.Message, conversationID string) policy.Decision
}

// RequestBuilder assembles the generation request.
type RequestBuilder interface {
	Build(style types.StyleParameters, rel types.RelationshipProfile, conversationID string, inbound types.Message) (types.GenerationRequest, error)
}

// Generator produces reply text.
type Generator interface {
	Generate(ctx context.Context, req types.GenerationRequest) (string, error)
}

// RelationshipObserver learns from interactions.
type RelationshipObserver interface {
	Observe(ctx context.Context, in types.Interaction) (types.RelationshipProfile, error)
}

// Pruner is implemented by stores that can drop inactive conversations.
type Pruner interface {
	Prune(ctx context.Context) int
}

// BreakerReporter is implemented by generators with a circuit breaker.
type BreakerReporter interface {
	BreakerState() string
}
