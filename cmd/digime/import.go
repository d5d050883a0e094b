package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scrypster/digime/internal/config"
	"github.com/scrypster/digime/internal/importer"
	"github.com/scrypster/digime/internal/storage/memory"
	"github.com/scrypster/digime/internal/storage/sqlite"
)

var importSelf []string

var importCmd = &cobra.Command{
	Use:   "import <file-or-dir>",
	Short: "Seed history from exported chat transcripts",
	Long: `Imports Markdown or text transcripts into the history journal so the
clone has context from its first reply. Lines look like "[09:12] mom: hi".
Speakers named after identity.name, "me" or any --self name are the clone's
own messages. Re-importing the same transcript adds nothing.

Run it while digime is stopped; a running instance only sees imported
history after a restart.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		res, err := importHistory(cmd.Context(), cfg, logger.With(zap.String("command", "import")), args[0], importSelf)
		if res != nil {
			printImport(cmd.OutOrStdout(), res)
		}
		return err
	},
}

func init() {
	importCmd.Flags().StringSliceVar(&importSelf, "self", nil, "extra speaker names that mean you")
}

// importHistory loads the journal into a store, so earlier imports count as
// duplicates, then appends every transcript under path through it.
func importHistory(ctx context.Context, cfg *config.Config, logger *zap.Logger, path string, self []string) (*importer.Result, error) {
	if !cfg.Storage.Journal {
		return nil, fmt.Errorf("the journal is disabled; imported history would not survive")
	}
	if err := os.MkdirAll(cfg.Storage.DataPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	journal, err := sqlite.NewJournal(cfg.JournalPath(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer func() { _ = journal.Close() }()

	store := memory.New(
		memory.WithLimits(cfg.Context.MaxMessages, cfg.Context.MaxAge),
		memory.WithJournal(journal),
		memory.WithLogger(logger),
	)
	if _, err := store.Restore(ctx); err != nil {
		return nil, err
	}

	names := append([]string{cfg.Identity.Name}, self...)
	return importer.New(store, importer.Options{SelfNames: names}, logger).ImportPath(ctx, path)
}

func printImport(w io.Writer, res *importer.Result) {
	fmt.Fprintf(w, "files: %d found, %d imported, %d failed\n", res.FilesFound, res.FilesImported, res.FilesFailed)
	fmt.Fprintf(w, "messages: %d added, %d skipped\n", res.MessagesAdded, res.MessagesSkipped)
	for _, id := range res.Conversations {
		fmt.Fprintf(w, "  %s\n", id)
	}
	for _, e := range res.Errors {
		fmt.Fprintf(w, "error: %s\n", e)
	}
}
