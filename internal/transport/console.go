package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scrypster/digime/pkg/types"
)

// ConsoleTransport reads "contact: text" lines from an input stream and
// writes replies as "-> contact: text". It exists for local trials
// against a real backend.
type ConsoleTransport struct {
	in     io.Reader
	out    io.Writer
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending []types.Message
	closed  bool
	readErr error

	startOnce sync.Once
	writeMu   sync.Mutex
}

// NewConsoleTransport creates a ConsoleTransport. Reading starts on the
// first Poll.
func NewConsoleTransport(in io.Reader, out io.Writer, logger *zap.Logger) *ConsoleTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConsoleTransport{in: in, out: out, logger: logger, now: time.Now}
}

// ParseLine splits a "contact: text" line. ok is false for lines that do
// not follow the format.
func ParseLine(line string) (contact, text string, ok bool) {
	i := strings.Index(line, ":")
	if i <= 0 {
		return "", "", false
	}
	contact = strings.TrimSpace(line[:i])
	text = strings.TrimSpace(line[i+1:])
	if contact == "" || text == "" {
		return "", "", false
	}
	return contact, text, true
}

func (t *ConsoleTransport) start() {
	go func() {
		scanner := bufio.NewScanner(t.in)
		for scanner.Scan() {
			line := scanner.Text()
			contact, text, ok := ParseLine(line)
			if !ok {
				if strings.TrimSpace(line) != "" {
					t.logger.Warn("console: ignoring malformed line, expected \"contact: text\"", zap.String("line", line))
				}
				continue
			}
			msg := types.Message{
				ConversationID:    contact,
				Sender:            contact,
				Text:              text,
				Timestamp:         t.now(),
				PlatformMessageID: uuid.NewString(),
			}
			t.mu.Lock()
			if t.closed {
				t.mu.Unlock()
				return
			}
			t.pending = append(t.pending, msg)
			t.mu.Unlock()
		}
		t.mu.Lock()
		t.readErr = scanner.Err()
		if t.readErr == nil {
			t.readErr = io.EOF
		}
		t.mu.Unlock()
	}()
}

// Poll implements Transport. End of input is not an error; Poll keeps
// returning whatever was read before it.
func (t *ConsoleTransport) Poll(ctx context.Context) ([]types.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap("poll", "", err)
	}
	t.startOnce.Do(t.start)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, wrap("poll", "", ErrClosed)
	}
	if t.readErr != nil && t.readErr != io.EOF {
		return nil, wrap("poll", "", t.readErr)
	}
	msgs := t.pending
	t.pending = nil
	return msgs, nil
}

// Send implements Transport.
func (t *ConsoleTransport) Send(ctx context.Context, conversationID, text string) error {
	if err := ctx.Err(); err != nil {
		return wrap("send", conversationID, err)
	}
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return wrap("send", conversationID, ErrClosed)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := fmt.Fprintf(t.out, "-> %s: %s\n", conversationID, text); err != nil {
		return wrap("send", conversationID, err)
	}
	return nil
}

// MarkRead implements Transport. The console has no read receipts.
func (t *ConsoleTransport) MarkRead(context.Context, string) error { return nil }

// Close implements Transport. If the input is an io.Closer it is closed
// too, which unblocks the reader.
func (t *ConsoleTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	if c, ok := t.in.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

var _ Transport = (*ConsoleTransport)(nil)
