package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/digime/internal/storage"
	"github.com/scrypster/digime/internal/storage/memory"
	"github.com/scrypster/digime/pkg/types"
)

// newTestJournal creates an in-memory journal for testing.
func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := NewJournal(":memory:", nil)
	require.NoError(t, err, "failed to create test journal")
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestRecordAndReplay(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, j.Record(ctx, "c1", types.Message{Sender: "alice", Text: "hi", Timestamp: now, PlatformMessageID: "m1"}, 10))
	require.NoError(t, j.Record(ctx, "c1", types.Message{Sender: types.SenderSelf, Text: "hey", Timestamp: now.Add(time.Second), PlatformMessageID: "m2"}, 10))
	require.NoError(t, j.Record(ctx, "c2", types.Message{Sender: "bob", Text: "yo", Timestamp: now, PlatformMessageID: "m1"}, 10))

	var got []string
	err := j.Replay(ctx, func(conversationID string, msg types.Message) error {
		got = append(got, conversationID+"/"+msg.PlatformMessageID)
		assert.Equal(t, conversationID, msg.ConversationID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1/m1", "c1/m2", "c2/m1"}, got)
}

func TestRecord_IgnoresDuplicates(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()
	m := types.Message{Sender: "alice", Text: "hi", Timestamp: time.Now(), PlatformMessageID: "m1"}

	require.NoError(t, j.Record(ctx, "c1", m, 10))
	require.NoError(t, j.Record(ctx, "c1", m, 10))

	n, err := j.MessageCount(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRecord_TrimsToKeep(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		m := types.Message{Sender: "alice", Text: "x", Timestamp: time.Now(), PlatformMessageID: fmt.Sprintf("m%d", i)}
		require.NoError(t, j.Record(ctx, "c1", m, 3))
	}

	n, err := j.MessageCount(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var ids []string
	require.NoError(t, j.Replay(ctx, func(_ string, msg types.Message) error {
		ids = append(ids, msg.PlatformMessageID)
		return nil
	}))
	assert.Equal(t, []string{"m4", "m5", "m6"}, ids)
}

func TestRecord_InvalidInput(t *testing.T) {
	j := newTestJournal(t)
	err := j.Record(context.Background(), "", types.Message{PlatformMessageID: "m1"}, 10)
	assert.True(t, errors.Is(err, storage.ErrInvalidInput))
}

func TestForget(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()
	require.NoError(t, j.Record(ctx, "c1", types.Message{Sender: "a", Text: "x", Timestamp: time.Now(), PlatformMessageID: "m1"}, 10))
	require.NoError(t, j.Forget(ctx, "c1"))

	n, err := j.MessageCount(ctx, "c1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRelationshipsRoundTrip(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()
	last := time.Now().UTC().Truncate(time.Second)

	p := types.RelationshipProfile{
		ContactID:        "mom",
		Type:             types.RelationshipFamily,
		Closeness:        0.91,
		InteractionCount: 12,
		LastInteraction:  last,
		LastDirection:    types.DirectionOutbound,
	}
	require.NoError(t, j.SaveRelationship(ctx, p))

	p.InteractionCount = 13
	require.NoError(t, j.SaveRelationship(ctx, p))
	require.NoError(t, j.SaveRelationship(ctx, types.UnknownProfile("stranger")))

	got, err := j.LoadRelationships(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "mom", got[0].ContactID)
	assert.Equal(t, types.RelationshipFamily, got[0].Type)
	assert.InDelta(t, 0.91, got[0].Closeness, 1e-9)
	assert.Equal(t, 13, got[0].InteractionCount)
	assert.True(t, last.Equal(got[0].LastInteraction))
	assert.Equal(t, types.DirectionOutbound, got[0].LastDirection)

	assert.True(t, got[1].LastInteraction.IsZero())
}

// The journal restores a memory store across a restart.
func TestJournalBacksMemoryStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "digime.db")
	ctx := context.Background()

	j, err := NewJournal(path, nil)
	require.NoError(t, err)
	store := memory.New(memory.WithJournal(j), memory.WithLimits(2, time.Hour))
	for i := 0; i < 3; i++ {
		_, err := store.Append(ctx, "c1", types.Message{Sender: "alice", Text: "x", PlatformMessageID: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}
	require.NoError(t, j.Close())

	j2, err := NewJournal(path, nil)
	require.NoError(t, err)
	defer j2.Close()

	restored := memory.New(memory.WithJournal(j2), memory.WithLimits(2, time.Hour))
	n, err := restored.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	w := restored.Window("c1", 10)
	require.Len(t, w, 2)
	assert.Equal(t, "m1", w[0].PlatformMessageID)
}

func TestDBPathFromDSN(t *testing.T) {
	assert.Equal(t, "", dbPathFromDSN(":memory:"))
	assert.Equal(t, "/tmp/x.db", dbPathFromDSN("/tmp/x.db"))
	assert.Equal(t, "/tmp/x.db", dbPathFromDSN("file:/tmp/x.db?mode=rwc"))
	assert.Equal(t, "", dbPathFromDSN("file::memory:?cache=shared"))
}

func TestIsRecoverableWALError(t *testing.T) {
	assert.False(t, isRecoverableWALError(nil))
	assert.True(t, isRecoverableWALError(errors.New("disk I/O error (522)")))
	assert.False(t, isRecoverableWALError(errors.New("no such table")))
}
