package transport_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/digime/internal/config"
	"github.com/scrypster/digime/internal/transport"
	"github.com/scrypster/digime/pkg/types"
)

func TestMemoryTransport_PollDrains(t *testing.T) {
	tr := transport.NewMemoryTransport()
	tr.Inject(types.Message{ConversationID: "a", PlatformMessageID: "1"}, types.Message{ConversationID: "b", PlatformMessageID: "2"})

	msgs, err := tr.Poll(context.Background())
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	msgs, err = tr.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMemoryTransport_FailuresAreTransportErrors(t *testing.T) {
	tr := transport.NewMemoryTransport()
	tr.FailSends(1)
	tr.FailPolls(1)

	err := tr.Send(context.Background(), "a", "hi")
	var terr *transport.Error
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "send", terr.Op)
	assert.Equal(t, "a", terr.ConversationID)

	_, err = tr.Poll(context.Background())
	assert.True(t, errors.As(err, &terr))

	require.NoError(t, tr.Send(context.Background(), "a", "hi"))
	assert.Equal(t, []transport.SentMessage{{ConversationID: "a", Text: "hi"}}, tr.Sent())
}

func TestMemoryTransport_ClosedRejects(t *testing.T) {
	tr := transport.NewMemoryTransport()
	require.NoError(t, tr.MarkRead(context.Background(), "a"))
	assert.Equal(t, 1, tr.ReadCount("a"))
	require.NoError(t, tr.Close())

	assert.ErrorIs(t, tr.Send(context.Background(), "a", "x"), transport.ErrClosed)
	_, err := tr.Poll(context.Background())
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestParseLine(t *testing.T) {
	contact, text, ok := transport.ParseLine("alice: are we still on for lunch? 12:30")
	require.True(t, ok)
	assert.Equal(t, "alice", contact)
	assert.Equal(t, "are we still on for lunch? 12:30", text)

	for _, bad := range []string{"no colon", ": missing contact", "bob:", "   "} {
		_, _, ok := transport.ParseLine(bad)
		assert.False(t, ok, "line %q", bad)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestConsoleTransport_ReadsAndWrites(t *testing.T) {
	in := strings.NewReader("alice: hi\nnot a message\nbob: yo\n")
	out := &syncBuffer{}
	tr := transport.NewConsoleTransport(in, out, nil)
	defer tr.Close()

	var got []types.Message
	require.Eventually(t, func() bool {
		msgs, err := tr.Poll(context.Background())
		if err != nil {
			return false
		}
		got = append(got, msgs...)
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, "alice", got[0].ConversationID)
	assert.Equal(t, "hi", got[0].Text)
	assert.Equal(t, "bob", got[1].Sender)
	assert.NotEqual(t, got[0].PlatformMessageID, got[1].PlatformMessageID)

	require.NoError(t, tr.Send(context.Background(), "alice", "hello!"))
	assert.Equal(t, "-> alice: hello!\n", out.String())
}

func TestConsoleTransport_CloseUnblocksReader(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	tr := transport.NewConsoleTransport(r, io.Discard, nil)

	_, err := tr.Poll(context.Background())
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	_, err = tr.Poll(context.Background())
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestNew_SelectsKind(t *testing.T) {
	tr, err := transport.New(config.TransportConfig{Kind: "memory"}, nil, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &transport.MemoryTransport{}, tr)

	tr, err = transport.New(config.TransportConfig{Kind: "console"}, strings.NewReader(""), io.Discard, nil)
	require.NoError(t, err)
	assert.IsType(t, &transport.ConsoleTransport{}, tr)

	_, err = transport.New(config.TransportConfig{Kind: "pigeon"}, nil, nil, nil)
	assert.Error(t, err)
}
