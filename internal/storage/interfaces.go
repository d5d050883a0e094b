// Package storage provides composable storage interfaces for digime.
//
// The conversation store keeps a bounded, per-conversation history in memory.
// Durability is optional and pluggable: a Journal receives every accepted
// message, and a RelationshipStore keeps what the clone learned about its
// contacts across restarts.
package storage

import (
	"context"
	"time"

	"github.com/scrypster/digime/pkg/types"
)

// ConversationStore holds the bounded history of every conversation.
type ConversationStore interface {
	// Append records a message. It returns false, nil when the platform id was
	// already seen in this conversation (including recently evicted ids).
	// ErrInvariantViolation means the window could not be restored and the
	// conversation must stop.
	Append(ctx context.Context, conversationID string, msg types.Message) (bool, error)

	// Window returns at most max of the most recent messages, oldest first.
	// An unknown conversation yields an empty slice.
	Window(conversationID string, max int) []types.Message

	// HasRecentActivity reports whether any message arrived within the
	// given duration.
	HasRecentActivity(conversationID string, within time.Duration) bool

	// HasRecentReply reports whether the clone itself sent a message within
	// the given duration.
	HasRecentReply(conversationID string, within time.Duration) bool
}

// HistoryInspector exposes read-only views over all conversations.
type HistoryInspector interface {
	Summary(conversationID string) ConversationSummary
	ActiveConversations(within time.Duration) []string
	Search(query string, limit int) []SearchHit
	Stats() Stats
}

// Journal persists accepted messages so history survives a restart.
type Journal interface {
	// Record stores a message and trims the conversation to keep messages.
	Record(ctx context.Context, conversationID string, msg types.Message, keep int) error

	// Replay calls fn for every journaled message, oldest first per
	// conversation.
	Replay(ctx context.Context, fn func(conversationID string, msg types.Message) error) error

	// Forget drops a whole conversation.
	Forget(ctx context.Context, conversationID string) error
}

// RelationshipStore persists learned relationship fields.
type RelationshipStore interface {
	SaveRelationship(ctx context.Context, profile types.RelationshipProfile) error
	LoadRelationships(ctx context.Context) ([]types.RelationshipProfile, error)
}
