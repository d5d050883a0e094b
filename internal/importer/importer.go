package importer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/scrypster/digime/internal/storage"
)

// Result summarizes an import run.
type Result struct {
	FilesFound      int
	FilesImported   int
	FilesFailed     int
	MessagesAdded   int
	MessagesSkipped int // duplicates and messages past the retention window
	Conversations   []string
	Errors          []string
	Duration        time.Duration
}

// Importer appends parsed transcripts to a conversation store. Writing
// through a journaled store makes the import durable.
type Importer struct {
	store  storage.ConversationStore
	opts   Options
	logger *zap.Logger
}

// New creates an Importer. A nil logger discards output.
func New(store storage.ConversationStore, opts Options, logger *zap.Logger) *Importer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Importer{store: store, opts: opts, logger: logger}
}

// ImportPath imports one transcript file or every .md and .txt file under
// a directory. A file that fails to parse is counted and skipped. A store
// error aborts the run.
func (imp *Importer) ImportPath(ctx context.Context, path string) (*Result, error) {
	start := time.Now()
	result := &Result{}

	files, root, err := collect(path)
	if err != nil {
		return nil, err
	}
	result.FilesFound = len(files)

	seen := make(map[string]struct{})
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		rel, _ := filepath.Rel(root, file)

		content, err := os.ReadFile(file)
		if err != nil {
			result.FilesFailed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", rel, err))
			continue
		}
		t, err := ParseTranscript(content, rel, imp.opts)
		if err != nil {
			result.FilesFailed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", rel, err))
			imp.logger.Warn("importer: skipping transcript", zap.String("file", rel), zap.Error(err))
			continue
		}

		added, skipped, err := imp.ImportTranscript(ctx, t)
		result.MessagesAdded += added
		result.MessagesSkipped += skipped
		if err != nil {
			result.FilesFailed++
			result.Duration = time.Since(start)
			return result, fmt.Errorf("importer: %s: %w", rel, err)
		}
		result.FilesImported++
		if _, ok := seen[t.ConversationID]; !ok {
			seen[t.ConversationID] = struct{}{}
			result.Conversations = append(result.Conversations, t.ConversationID)
		}
		imp.logger.Info("importer: transcript imported",
			zap.String("file", rel),
			zap.String("conversation", t.ConversationID),
			zap.Int("added", added),
			zap.Int("skipped", skipped))
	}

	sort.Strings(result.Conversations)
	result.Duration = time.Since(start)
	return result, nil
}

// ImportTranscript appends the transcript's messages in order. Messages the
// store rejects (already present or too old to keep) count as skipped.
func (imp *Importer) ImportTranscript(ctx context.Context, t *Transcript) (added, skipped int, err error) {
	for _, msg := range t.Messages {
		ok, err := imp.store.Append(ctx, t.ConversationID, msg)
		if err != nil {
			return added, skipped, err
		}
		if ok {
			added++
		} else {
			skipped++
		}
	}
	return added, skipped, nil
}

// collect returns the transcript files under path in a stable order, and
// the directory paths are reported relative to.
func collect(path string) ([]string, string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, "", fmt.Errorf("importer: %w", err)
	}
	if !info.IsDir() {
		return []string{path}, filepath.Dir(path), nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != path && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if isTranscript(d.Name()) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("importer: walk %s: %w", path, err)
	}
	if len(files) == 0 {
		return nil, "", fmt.Errorf("importer: %w under %s", ErrNoTranscripts, path)
	}
	sort.Strings(files)
	return files, path, nil
}

// ErrNoTranscripts is returned when a directory holds nothing to import.
var ErrNoTranscripts = errors.New("no transcripts found")

func isTranscript(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".md", ".markdown", ".txt":
		return true
	}
	return false
}
