package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/scrypster/digime/pkg/types"
)

// SentMessage is a reply recorded by MemoryTransport.
type SentMessage struct {
	ConversationID string
	Text           string
}

// MemoryTransport is an in-process Transport for tests and embedding.
// Inject queues inbound messages; Sent reports what the clone replied.
type MemoryTransport struct {
	mu        sync.Mutex
	inbox     []types.Message
	sent      []SentMessage
	read      map[string]int
	sendFails int
	pollFails int
	closed    bool
	onSend    func(SentMessage)
}

// NewMemoryTransport creates an empty MemoryTransport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{read: make(map[string]int)}
}

// Inject queues messages for the next Poll.
func (t *MemoryTransport) Inject(msgs ...types.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inbox = append(t.inbox, msgs...)
}

// FailSends makes the next n Send calls fail.
func (t *MemoryTransport) FailSends(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendFails = n
}

// FailPolls makes the next n Poll calls fail.
func (t *MemoryTransport) FailPolls(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pollFails = n
}

// OnSend registers a callback invoked after every successful Send.
func (t *MemoryTransport) OnSend(fn func(SentMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onSend = fn
}

// Poll implements Transport.
func (t *MemoryTransport) Poll(ctx context.Context) ([]types.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap("poll", "", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, wrap("poll", "", ErrClosed)
	}
	if t.pollFails > 0 {
		t.pollFails--
		return nil, wrap("poll", "", errors.New("surface unavailable"))
	}
	msgs := t.inbox
	t.inbox = nil
	return msgs, nil
}

// Send implements Transport.
func (t *MemoryTransport) Send(ctx context.Context, conversationID, text string) error {
	if err := ctx.Err(); err != nil {
		return wrap("send", conversationID, err)
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return wrap("send", conversationID, ErrClosed)
	}
	if t.sendFails > 0 {
		t.sendFails--
		t.mu.Unlock()
		return wrap("send", conversationID, errors.New("send button not found"))
	}
	m := SentMessage{ConversationID: conversationID, Text: text}
	t.sent = append(t.sent, m)
	cb := t.onSend
	t.mu.Unlock()

	if cb != nil {
		cb(m)
	}
	return nil
}

// MarkRead implements Transport.
func (t *MemoryTransport) MarkRead(_ context.Context, conversationID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return wrap("mark_read", conversationID, ErrClosed)
	}
	t.read[conversationID]++
	return nil
}

// Close implements Transport.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// Sent returns a copy of every reply sent so far.
func (t *MemoryTransport) Sent() []SentMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SentMessage, len(t.sent))
	copy(out, t.sent)
	return out
}

// Pending returns how many injected messages have not been polled yet.
func (t *MemoryTransport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inbox)
}

// ReadCount returns how many times the conversation was marked read.
func (t *MemoryTransport) ReadCount(conversationID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.read[conversationID]
}

var _ Transport = (*MemoryTransport)(nil)
