// Package notify publishes orchestrator events to other processes through
// files in a shared directory, so `digime status --follow` can tail a
// running clone.
package notify

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scrypster/digime/pkg/types"
)

// DefaultMaxFiles bounds how many unconsumed event files are kept.
const DefaultMaxFiles = 500

// EventWriter writes notification event files to a shared directory.
type EventWriter struct {
	dir      string
	maxFiles int
	logger   *zap.Logger
	writes   atomic.Uint64
}

// NewEventWriter creates a writer that emits events to {dataPath}/events/.
func NewEventWriter(dataPath string, logger *zap.Logger) *EventWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventWriter{
		dir:      filepath.Join(dataPath, "events"),
		maxFiles: DefaultMaxFiles,
		logger:   logger,
	}
}

// Dir returns the events directory.
func (w *EventWriter) Dir() string { return w.dir }

// Notify writes one event file. Safe to call concurrently.
func (w *EventWriter) Notify(ev types.Event) error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return fmt.Errorf("notify: mkdir %s: %w", w.dir, err)
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: marshal: %w", err)
	}
	// Zero-padded so lexical order is chronological.
	filename := fmt.Sprintf("%020d-%s.event", ev.Time.UnixNano(), uuid.NewString())
	if err := os.WriteFile(filepath.Join(w.dir, filename), data, 0o600); err != nil {
		return fmt.Errorf("notify: write: %w", err)
	}
	if w.writes.Add(1)%50 == 0 {
		w.trim()
	}
	return nil
}

// OnEvent lets the writer observe the orchestrator. Failures are logged.
func (w *EventWriter) OnEvent(ev types.Event) {
	if err := w.Notify(ev); err != nil {
		w.logger.Debug("notify: event not written", zap.Error(err))
	}
}

// trim removes the oldest files once nobody consumes them.
func (w *EventWriter) trim() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".event") {
			names = append(names, e.Name())
		}
	}
	if len(names) <= w.maxFiles {
		return
	}
	sort.Strings(names)
	for _, name := range names[:len(names)-w.maxFiles] {
		_ = os.Remove(filepath.Join(w.dir, name))
	}
}
