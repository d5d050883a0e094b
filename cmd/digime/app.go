package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/scrypster/digime/internal/backup"
	"github.com/scrypster/digime/internal/config"
	"github.com/scrypster/digime/internal/engine"
	"github.com/scrypster/digime/internal/llm"
	"github.com/scrypster/digime/internal/notify"
	"github.com/scrypster/digime/internal/personality"
	"github.com/scrypster/digime/internal/pipeline"
	"github.com/scrypster/digime/internal/policy"
	"github.com/scrypster/digime/internal/prompt"
	"github.com/scrypster/digime/internal/relationships"
	"github.com/scrypster/digime/internal/server"
	"github.com/scrypster/digime/internal/storage/memory"
	"github.com/scrypster/digime/internal/storage/sqlite"
	"github.com/scrypster/digime/internal/transport"
	"github.com/scrypster/digime/pkg/types"
)

// app is the fully wired clone.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	journal   *sqlite.Journal
	store     *memory.Store
	registry  *relationships.Registry
	client    *llm.Client
	transport transport.Transport
	orch      *engine.Orchestrator
	server    *server.Server
	backups   *backup.Service
}

// newApp wires every component from cfg. in and out back the console
// transport.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, in io.Reader, out io.Writer) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	storeOpts := []memory.Option{
		memory.WithLimits(cfg.Context.MaxMessages, cfg.Context.MaxAge),
		memory.WithLogger(logger),
	}
	regOpts := []relationships.Option{
		relationships.WithLogger(logger),
		relationships.WithLearningRule(relationships.LearningRule{
			Rate:              cfg.Relationships.LearningRate,
			ReciprocityWindow: cfg.Relationships.ReciprocityWindow,
			DormancyWindow:    cfg.Relationships.DormancyWindow,
		}),
	}
	if cfg.Storage.Journal {
		if err := os.MkdirAll(cfg.Storage.DataPath, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		a.journal, err = sqlite.NewJournal(cfg.JournalPath(), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		storeOpts = append(storeOpts, memory.WithJournal(a.journal))
		regOpts = append(regOpts, relationships.WithPersister(a.journal))
	}

	a.store = memory.New(storeOpts...)
	if n, err := a.store.Restore(ctx); err != nil {
		return nil, err
	} else if n > 0 {
		logger.Info("digime: history restored", zap.Int("messages", n))
	}

	a.registry, err = relationships.New(cfg.Relationships.Profiles, regOpts...)
	if err != nil {
		return nil, err
	}
	if a.journal != nil {
		if _, err := a.registry.Load(ctx, a.journal); err != nil {
			return nil, err
		}
	}

	model := personality.NewModel(personality.Base{
		Style:                cfg.Personality.StyleParameters,
		InactiveDamping:      cfg.Personality.InactiveDamping,
		RelationshipDefaults: personality.MergeDeltas(cfg.Relationships.TypeDefaults),
	}, cfg.Personality.Traits)

	pol := policy.New(policy.Config{
		IgnoreList:    cfg.Policy.IgnoreList,
		Triggers:      cfg.Policy.ResponseTriggers,
		ReplyCooldown: cfg.Policy.ReplyCooldown,
		ActiveHours: policy.ActiveHours{
			Enabled:        cfg.Policy.ActiveHours.Enabled,
			Start:          cfg.Policy.ActiveHours.Start,
			End:            cfg.Policy.ActiveHours.End,
			OffHoursFactor: cfg.Policy.ActiveHours.OffHoursFactor,
		},
	}, model, a.registry, a.store, policy.WithLogger(logger))

	builder := prompt.NewBuilder(prompt.Config{
		Identity:      cfg.Identity.Name,
		SystemPrompt:  cfg.Personality.SystemPrompt,
		HistoryShort:  cfg.Context.HistoryShort,
		HistoryMedium: cfg.Context.HistoryMedium,
		HistoryLong:   cfg.Context.HistoryLong,
		MaxBudget:     cfg.Context.MaxBudget,
		Sampling:      cfg.LLM.Sampling,
		Bounds:        types.DefaultSamplingBounds(),
	}, a.store, model,
		prompt.WithCounter(prompt.NewCounter(cfg.Context.BudgetUnit, cfg.Context.TokenEncoding)),
		prompt.WithLogger(logger))

	backend, err := llm.NewBackend(cfg.LLM)
	if err != nil {
		return nil, err
	}
	clientCfg := llm.ClientConfigFrom(cfg.LLM)
	clientCfg.Breaker.Logger = logger
	a.client = llm.NewClient(backend, clientCfg, llm.WithClientLogger(logger))

	a.transport, err = transport.New(cfg.Transport, in, out, logger)
	if err != nil {
		return nil, err
	}

	opts := []engine.Option{engine.WithLogger(logger)}
	if cfg.Storage.DataPath != "" {
		opts = append(opts, engine.WithObserver(notify.NewEventWriter(cfg.Storage.DataPath, logger)))
	}
	a.orch, err = engine.New(engine.ConfigFrom(cfg), engine.Deps{
		Transport:     a.transport,
		Store:         a.store,
		Policy:        pol,
		Builder:       builder,
		Generator:     a.client,
		Relationships: a.registry,
		Pipeline:      pipeline.Default(logger),
	}, opts...)
	if err != nil {
		return nil, err
	}

	if cfg.Storage.Journal && cfg.Storage.Backup.Enabled {
		a.backups, err = newBackupService(cfg, logger)
		if err != nil {
			return nil, err
		}
	}

	if cfg.Server.Enabled {
		a.server, err = server.New(cfg.Server, server.Deps{
			Engine:        a.orch,
			History:       a.store,
			Relationships: a.registry,
			Version:       version,
		}, logger)
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

// run drives the orchestrator and the status server until ctx is done.
func (a *app) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.orch.Run(gctx)
	})
	if a.backups != nil {
		g.Go(func() error {
			return a.backups.Run(gctx)
		})
	}
	if a.server != nil {
		g.Go(func() error {
			addr, err := a.server.Start(gctx)
			if err != nil {
				return err
			}
			a.logger.Info("digime: status server running", zap.String("url", "http://"+addr))
			<-a.server.Done()
			return nil
		})
	}
	return g.Wait()
}

// Close releases the transport and the journal.
func (a *app) Close() error {
	var errs []error
	if a.transport != nil {
		if err := a.transport.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newBackupService(cfg *config.Config, logger *zap.Logger) (*backup.Service, error) {
	b := cfg.Storage.Backup
	return backup.New(backup.Config{
		JournalPath: cfg.JournalPath(),
		Dir:         cfg.BackupDir(),
		Interval:    b.Interval,
		Verify:      b.Verify,
		Retention: backup.Retention{
			Hourly:  b.Hourly,
			Daily:   b.Daily,
			Weekly:  b.Weekly,
			Monthly: b.Monthly,
		},
	}, logger)
}
