package notify

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/digime/pkg/types"
)

func TestEventWriterCreatesFile(t *testing.T) {
	dir := t.TempDir()
	w := NewEventWriter(dir, nil)

	require.NoError(t, w.Notify(types.Event{Kind: types.EventDispatched, ConversationID: "alice"}))

	entries, err := os.ReadDir(filepath.Join(dir, "events"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ".event", filepath.Ext(entries[0].Name()))
}

func TestEventWatcherReceivesEvent(t *testing.T) {
	dir := t.TempDir()
	received := make(chan types.Event, 4)

	watcher := NewEventWatcher(dir, func(ev types.Event) { received <- ev }, nil)
	require.NoError(t, watcher.Start())
	defer watcher.Stop()

	// Give fsnotify a moment to register
	time.Sleep(50 * time.Millisecond)

	writer := NewEventWriter(dir, nil)
	writer.OnEvent(types.Event{Kind: types.EventSuppressed, ConversationID: "bob", Reason: "cooldown"})

	select {
	case ev := <-received:
		assert.Equal(t, types.EventSuppressed, ev.Kind)
		assert.Equal(t, "bob", ev.ConversationID)
		assert.Equal(t, "cooldown", ev.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestEventWatcherDrainsExistingInOrder(t *testing.T) {
	dir := t.TempDir()
	writer := NewEventWriter(dir, nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, writer.Notify(types.Event{
			Kind:           types.EventReceived,
			ConversationID: fmt.Sprintf("c%d", i),
			Time:           base.Add(time.Duration(i) * time.Second),
		}))
	}

	var got []string
	watcher := NewEventWatcher(dir, func(ev types.Event) { got = append(got, ev.ConversationID) }, nil)
	require.NoError(t, watcher.Start())
	watcher.Stop()

	assert.Equal(t, []string{"c0", "c1", "c2"}, got)
	entries, _ := os.ReadDir(filepath.Join(dir, "events"))
	assert.Empty(t, entries, "consumed files are removed")
}

func TestEventWriterTrimsOldFiles(t *testing.T) {
	dir := t.TempDir()
	w := NewEventWriter(dir, nil)
	w.maxFiles = 10
	for i := 0; i < 50; i++ {
		require.NoError(t, w.Notify(types.Event{Kind: types.EventReceived}))
	}

	entries, err := os.ReadDir(w.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 10)
}
