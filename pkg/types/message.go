package types

import (
	"fmt"
	"time"
)

// SenderSelf marks messages written by the clone itself.
const SenderSelf = "self"

// Message is a single conversation entry, inbound or outbound.
type Message struct {
	ConversationID    string    `json:"conversation_id"`
	Sender            string    `json:"sender"`              // SenderSelf or a contact identifier
	Text              string    `json:"text"`
	Timestamp         time.Time `json:"timestamp"`
	PlatformMessageID string    `json:"platform_message_id"` // Opaque id used for dedup
}

// FromSelf reports whether the clone wrote the message.
func (m Message) FromSelf() bool {
	return m.Sender == SenderSelf
}

// SamplingParams are the decoding parameters sent to the backend.
type SamplingParams struct {
	Temperature   float64 `json:"temperature" yaml:"temperature"`
	TopP          float64 `json:"top_p" yaml:"top_p"`
	MaxTokens     int     `json:"max_tokens" yaml:"max_tokens"`
	RepeatPenalty float64 `json:"repeat_penalty,omitempty" yaml:"repeat_penalty"`
}

// SamplingBounds are the inclusive limits SamplingParams are checked against.
type SamplingBounds struct {
	MinTemperature float64
	MaxTemperature float64
	MinTopP        float64
	MaxTopP        float64
	MinMaxTokens   int
	MaxMaxTokens   int
}

// DefaultSamplingBounds returns the limits accepted by common local backends.
func DefaultSamplingBounds() SamplingBounds {
	return SamplingBounds{
		MinTemperature: 0,
		MaxTemperature: 2,
		MinTopP:        0.01,
		MaxTopP:        1,
		MinMaxTokens:   1,
		MaxMaxTokens:   8192,
	}
}

// Validate checks the params against the bounds.
func (p SamplingParams) Validate(b SamplingBounds) error {
	if p.Temperature < b.MinTemperature || p.Temperature > b.MaxTemperature {
		return fmt.Errorf("temperature must be between %v and %v, got %v", b.MinTemperature, b.MaxTemperature, p.Temperature)
	}
	if p.TopP < b.MinTopP || p.TopP > b.MaxTopP {
		return fmt.Errorf("top_p must be between %v and %v, got %v", b.MinTopP, b.MaxTopP, p.TopP)
	}
	if p.MaxTokens < b.MinMaxTokens || p.MaxTokens > b.MaxMaxTokens {
		return fmt.Errorf("max_tokens must be between %d and %d, got %d", b.MinMaxTokens, b.MaxMaxTokens, p.MaxTokens)
	}
	if p.RepeatPenalty < 0 {
		return fmt.Errorf("repeat_penalty must be >= 0, got %v", p.RepeatPenalty)
	}
	return nil
}

// GenerationRequest is everything the backend needs to produce one reply.
type GenerationRequest struct {
	SystemPreamble string         `json:"system_preamble"`
	History        []Message      `json:"history_window"` // Oldest first, most recent last
	UserMessage    string         `json:"user_message"`
	Sampling       SamplingParams `json:"sampling_params"`
}
