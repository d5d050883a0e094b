package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scrypster/digime/internal/config"
	"github.com/scrypster/digime/internal/engine"
	"github.com/scrypster/digime/internal/transport"
	"github.com/scrypster/digime/pkg/types"
)

func fakeOllama(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/chat":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"message": map[string]string{"role": "assistant", "content": reply},
				"done":    true,
			})
		case "/api/tags":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"models": []map[string]string{{"name": "llama3.1"}, {"name": "qwen2.5"}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func testAppConfig(t *testing.T, backendURL string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Transport.Kind = "memory"
	cfg.Transport.MinDelay = 0
	cfg.Transport.MaxDelay = 0
	cfg.LLM.BaseURL = backendURL
	cfg.LLM.RetryBackoff = time.Millisecond
	cfg.Storage.DataPath = t.TempDir()
	cfg.Server.Enabled = false
	cfg.Relationships.Profiles = []types.RelationshipProfile{
		{ContactID: "mom", Type: types.RelationshipFamily, Closeness: 0.9},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestNewApp_RepliesAndPersistsAcrossRestart(t *testing.T) {
	backend := fakeOllama(t, "Of course, calling you tonight.")
	cfg := testAppConfig(t, backend.URL)
	ctx := context.Background()

	a, err := newApp(ctx, cfg, zap.NewNop(), nil, nil)
	require.NoError(t, err)

	out := a.orch.HandleMessage(ctx, types.Message{
		ConversationID:    "mom",
		Sender:            "mom",
		Text:              "please call me when you can",
		Timestamp:         time.Now(),
		PlatformMessageID: "m1",
	})
	require.Equal(t, engine.OutcomeDispatched, out.Kind, "err: %v", out.Err)

	mt, ok := a.transport.(*transport.MemoryTransport)
	require.True(t, ok)
	require.Len(t, mt.Sent(), 1)
	assert.Equal(t, "Of course, calling you tonight.", mt.Sent()[0].Text)
	require.NoError(t, a.Close())

	events, err := os.ReadDir(filepath.Join(cfg.Storage.DataPath, "events"))
	require.NoError(t, err)
	assert.NotEmpty(t, events, "events are written for status --follow")

	restarted, err := newApp(ctx, cfg, zap.NewNop(), nil, nil)
	require.NoError(t, err)
	defer restarted.Close()

	window := restarted.store.Window("mom", 10)
	require.Len(t, window, 2)
	assert.Equal(t, "m1", window[0].PlatformMessageID)
	assert.True(t, window[1].FromSelf())
	assert.Equal(t, 2, restarted.registry.Lookup("mom").InteractionCount)
}

func TestNewApp_RejectsUnknownTransport(t *testing.T) {
	cfg := testAppConfig(t, "http://127.0.0.1:1")
	cfg.Transport.Kind = "carrier-pigeon"
	_, err := newApp(context.Background(), cfg, zap.NewNop(), nil, nil)
	assert.Error(t, err)
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	backend := fakeOllama(t, "ok")
	cfg := testAppConfig(t, backend.URL)
	cfg.Server.Enabled = true
	cfg.Server.Port = 0
	cfg.Transport.ScanInterval = 10 * time.Millisecond

	a, err := newApp(context.Background(), cfg, zap.NewNop(), nil, nil)
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.run(ctx) }()

	require.Eventually(t, func() bool { return a.orch.Status().Running }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestValidateCommand(t *testing.T) {
	data, err := config.SampleConfig()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"validate", "--config", path})
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		configPath = ""
	})

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, buf.String(), "configuration OK")
	assert.Contains(t, buf.String(), path)
}

func TestWriteConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, writeConfig(path, []byte("a: 1\n"), false))
	assert.Error(t, writeConfig(path, []byte("a: 2\n"), false))
	require.NoError(t, writeConfig(path, []byte("a: 2\n"), true))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a: 2\n", string(got))
}

func TestPrintModels(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printModels(&buf, []string{"llama3.1", "qwen2.5"}, "qwen2.5"))
	assert.Equal(t, "  llama3.1\n* qwen2.5\n", buf.String())

	buf.Reset()
	require.NoError(t, printModels(&buf, nil, "x"))
	assert.Equal(t, "no models available\n", buf.String())
}

func TestPrintStatus(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printStatus(&buf, engine.Status{
		Breaker: "open",
		Totals:  engine.Totals{Received: 3, Dispatched: 1, GenerationFailed: 2},
		Conversations: []engine.ConversationStatus{
			{ConversationID: "mom", State: types.StateHalted, Received: 3, Error: "history invariant violated"},
		},
	}))
	out := buf.String()
	assert.Contains(t, out, "digime stopped, breaker open")
	assert.Contains(t, out, "failed 2")
	assert.Contains(t, out, "history invariant violated")
}

func TestFormatEvent(t *testing.T) {
	ev := types.Event{
		Kind:           types.EventSuppressed,
		ConversationID: "spammer",
		Reason:         "ignored_sender",
		Time:           time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC),
	}
	assert.Equal(t, "15:04:05 suppressed        spammer (ignored_sender)", formatEvent(ev))
}

func TestFetchStatus_DisabledServer(t *testing.T) {
	err := fetchStatus(context.Background(), &bytes.Buffer{}, config.ServerConfig{Enabled: false})
	assert.Error(t, err)
}

func TestNewApp_BackupSnapshotsLiveJournal(t *testing.T) {
	backend := fakeOllama(t, "sure")
	cfg := testAppConfig(t, backend.URL)
	cfg.Storage.Backup.Enabled = true
	require.NoError(t, cfg.Validate())

	a, err := newApp(context.Background(), cfg, zap.NewNop(), nil, nil)
	require.NoError(t, err)
	defer a.Close()
	require.NotNil(t, a.backups)

	out := a.orch.HandleMessage(context.Background(), types.Message{
		ConversationID: "mom", Sender: "mom", Text: "please", Timestamp: time.Now(), PlatformMessageID: "m1",
	})
	require.Equal(t, engine.OutcomeDispatched, out.Kind, "err: %v", out.Err)

	snap, err := a.backups.SnapshotNow(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.Verified)
	assert.Equal(t, cfg.BackupDir(), filepath.Dir(snap.Path))

	var buf bytes.Buffer
	snaps, err := a.backups.List()
	require.NoError(t, err)
	require.NoError(t, printSnapshots(&buf, snaps))
	assert.Contains(t, buf.String(), snap.Path)
}

func TestImportHistory_SeedsRestoredHistory(t *testing.T) {
	backend := fakeOllama(t, "ok")
	cfg := testAppConfig(t, backend.URL)
	ctx := context.Background()

	stamp := time.Now().Add(-time.Hour).Format("2006-01-02 15:04")
	transcript := "---\nconversation: mom\n---\n" +
		"[" + stamp + "] mom: did you eat?\n" +
		"[" + stamp + "] Sam: yes, pasta\n"
	path := filepath.Join(t.TempDir(), "mom.md")
	require.NoError(t, os.WriteFile(path, []byte(transcript), 0o600))

	res, err := importHistory(ctx, cfg, zap.NewNop(), path, []string{"Sam"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.MessagesAdded)

	again, err := importHistory(ctx, cfg, zap.NewNop(), path, []string{"Sam"})
	require.NoError(t, err)
	assert.Zero(t, again.MessagesAdded)
	assert.Equal(t, 2, again.MessagesSkipped)

	var out bytes.Buffer
	printImport(&out, again)
	assert.Contains(t, out.String(), "0 added, 2 skipped")

	a, err := newApp(ctx, cfg, zap.NewNop(), nil, nil)
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	window := a.store.Window("mom", 10)
	require.Len(t, window, 2)
	assert.Equal(t, types.SenderSelf, window[1].Sender)
}

func TestImportHistory_RequiresJournal(t *testing.T) {
	cfg := testAppConfig(t, "http://127.0.0.1:1")
	cfg.Storage.Journal = false
	_, err := importHistory(context.Background(), cfg, zap.NewNop(), t.TempDir(), nil)
	require.Error(t, err)
}
