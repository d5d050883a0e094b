// Package transport adapts the messaging surface the clone watches.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/scrypster/digime/pkg/types"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport closed")

// Transport is the boundary to the messaging surface. Poll returns unread
// messages, oldest first, possibly including ones already returned before;
// the store deduplicates by platform message id.
type Transport interface {
	Poll(ctx context.Context) ([]types.Message, error)
	Send(ctx context.Context, conversationID, text string) error
	MarkRead(ctx context.Context, conversationID string) error
	Close() error
}

// Error is a failure at the transport boundary.
type Error struct {
	Op             string // poll, send, mark_read
	ConversationID string
	Err            error
}

func (e *Error) Error() string {
	if e.ConversationID != "" {
		return fmt.Sprintf("transport %s (%s): %v", e.Op, e.ConversationID, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

func wrap(op, conversationID string, err error) error {
	if err == nil {
		return nil
	}
	var terr *Error
	if errors.As(err, &terr) {
		return err
	}
	return &Error{Op: op, ConversationID: conversationID, Err: err}
}
