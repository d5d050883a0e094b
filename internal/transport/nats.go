package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/scrypster/digime/pkg/types"
)

// NATSConfig configures the NATS bridge.
type NATSConfig struct {
	URL     string
	Subject string // Prefix; subjects are <prefix>.inbound, .outbound, .read
	Name    string
	Timeout time.Duration
}

// InboundEnvelope is what a browser driver publishes on <prefix>.inbound.
type InboundEnvelope struct {
	ConversationID string    `json:"conversation_id"`
	Sender         string    `json:"sender"`
	Text           string    `json:"text"`
	MessageID      string    `json:"message_id"`
	Timestamp      time.Time `json:"timestamp"`
}

// OutboundEnvelope is published on <prefix>.outbound for every reply.
type OutboundEnvelope struct {
	ConversationID string    `json:"conversation_id"`
	Text           string    `json:"text"`
	Timestamp      time.Time `json:"timestamp"`
}

// ReadEnvelope is published on <prefix>.read.
type ReadEnvelope struct {
	ConversationID string `json:"conversation_id"`
}

// NATSTransport bridges to an out-of-process driver over NATS subjects.
// Inbound messages are buffered until the next Poll.
type NATSTransport struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	prefix  string
	logger  *zap.Logger
	ownConn bool

	mu      sync.Mutex
	pending []types.Message
	closed  atomic.Bool
}

// NewNATSTransport connects to the server and subscribes to inbound
// messages.
func NewNATSTransport(cfg NATSConfig, logger *zap.Logger) (*NATSTransport, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "digime"
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	t, err := NewNATSTransportFromConn(conn, cfg.Subject, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	t.ownConn = true
	return t, nil
}

// NewNATSTransportFromConn uses an existing connection. The connection is
// not closed by Close.
func NewNATSTransportFromConn(conn *nats.Conn, prefix string, logger *zap.Logger) (*NATSTransport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "digime"
	}
	t := &NATSTransport{
		conn:   conn,
		prefix: strings.TrimSuffix(prefix, "."),
		logger: logger,
	}

	sub, err := conn.Subscribe(t.subject("inbound"), t.handle)
	if err != nil {
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	t.sub = sub
	return t, nil
}

func (t *NATSTransport) subject(kind string) string {
	return t.prefix + "." + kind
}

func (t *NATSTransport) handle(msg *nats.Msg) {
	m, err := decodeInbound(msg.Data)
	if err != nil {
		t.logger.Warn("nats: dropping malformed inbound message", zap.Error(err))
		return
	}
	t.mu.Lock()
	t.pending = append(t.pending, m)
	t.mu.Unlock()
}

func decodeInbound(data []byte) (types.Message, error) {
	var env InboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return types.Message{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.ConversationID == "" || env.MessageID == "" {
		return types.Message{}, fmt.Errorf("envelope needs conversation_id and message_id")
	}
	sender := env.Sender
	if sender == "" {
		sender = env.ConversationID
	}
	return types.Message{
		ConversationID:    env.ConversationID,
		Sender:            sender,
		Text:              env.Text,
		Timestamp:         env.Timestamp,
		PlatformMessageID: env.MessageID,
	}, nil
}

// Poll implements Transport.
func (t *NATSTransport) Poll(ctx context.Context) ([]types.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap("poll", "", err)
	}
	if t.closed.Load() {
		return nil, wrap("poll", "", ErrClosed)
	}
	if !t.conn.IsConnected() && !t.conn.IsReconnecting() {
		return nil, wrap("poll", "", nats.ErrConnectionClosed)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	msgs := t.pending
	t.pending = nil
	return msgs, nil
}

// Send implements Transport.
func (t *NATSTransport) Send(ctx context.Context, conversationID, text string) error {
	return t.publish(ctx, "send", conversationID, t.subject("outbound"), OutboundEnvelope{
		ConversationID: conversationID,
		Text:           text,
		Timestamp:      time.Now().UTC(),
	})
}

// MarkRead implements Transport.
func (t *NATSTransport) MarkRead(ctx context.Context, conversationID string) error {
	return t.publish(ctx, "mark_read", conversationID, t.subject("read"), ReadEnvelope{ConversationID: conversationID})
}

func (t *NATSTransport) publish(ctx context.Context, op, conversationID, subject string, v interface{}) error {
	if err := ctx.Err(); err != nil {
		return wrap(op, conversationID, err)
	}
	if t.closed.Load() {
		return wrap(op, conversationID, ErrClosed)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return wrap(op, conversationID, err)
	}
	if err := t.conn.Publish(subject, data); err != nil {
		return wrap(op, conversationID, err)
	}
	return nil
}

// Close implements Transport.
func (t *NATSTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	if t.sub != nil {
		_ = t.sub.Unsubscribe()
	}
	if t.ownConn {
		return t.conn.Drain()
	}
	return nil
}

var _ Transport = (*NATSTransport)(nil)
