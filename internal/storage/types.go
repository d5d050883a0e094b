package storage

import (
	"errors"
	"time"
)

var (
	// ErrInvariantViolation indicates that a conversation window could not be
	// kept within its bounds. It is fatal for the affected conversation.
	ErrInvariantViolation = errors.New("history invariant violated")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")
)

// ConversationSummary describes one conversation at a glance.
type ConversationSummary struct {
	ConversationID string    `json:"conversation_id"`
	MessageCount   int       `json:"message_count"`
	InboundCount   int       `json:"inbound_count"`
	OutboundCount  int       `json:"outbound_count"`
	Participants   []string  `json:"participants"`
	FirstMessage   time.Time `json:"first_message,omitempty"`
	LastMessage    time.Time `json:"last_message,omitempty"`
	LastReply      time.Time `json:"last_reply,omitempty"`
}

// SearchHit is one message matching a Search query.
type SearchHit struct {
	ConversationID    string    `json:"conversation_id"`
	PlatformMessageID string    `json:"platform_message_id"`
	Sender            string    `json:"sender"`
	Text              string    `json:"text"`
	Timestamp         time.Time `json:"timestamp"`
}

// Stats are store-wide counters.
type Stats struct {
	Conversations int `json:"conversations"`
	Messages      int `json:"messages"`
	Duplicates    int `json:"duplicates"`
	Evicted       int `json:"evicted"`
	Pruned        int `json:"pruned"`
}
