package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scrypster/digime/internal/config"
	"github.com/scrypster/digime/internal/engine"
	"github.com/scrypster/digime/internal/llm"
	"github.com/scrypster/digime/internal/notify"
	"github.com/scrypster/digime/pkg/types"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Watch the messaging surface and reply until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, logger, cmd.InOrStdin(), cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer func() {
			if err := a.Close(); err != nil {
				logger.Warn("digime: close failed", zap.Error(err))
			}
		}()

		logger.Info("digime: starting",
			zap.String("version", version),
			zap.String("config", cfg.Path),
			zap.String("transport", cfg.Transport.Kind),
			zap.String("backend", cfg.LLM.Provider),
			zap.String("model", cfg.LLM.Model))
		if err := a.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		logger.Info("digime: shut down cleanly")
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		source := cfg.Path
		if source == "" {
			source = "built-in defaults"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "configuration OK (%s)\n", source)
		fmt.Fprintf(cmd.OutOrStdout(), "  transport: %s\n  backend:   %s %s\n  contacts:  %d\n",
			transportKind(cfg), cfg.LLM.Provider, cfg.LLM.Model, len(cfg.Relationships.Profiles))
		return nil
	},
}

var initConfigForce bool

var initConfigCmd = &cobra.Command{
	Use:   "init-config [path]",
	Short: "Write a commented default configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := config.SampleConfig()
		if err != nil {
			return err
		}
		if len(args) == 0 || args[0] == "-" {
			_, err := cmd.OutOrStdout().Write(data)
			return err
		}
		return writeConfig(args[0], data, initConfigForce)
	},
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the models the configured backend can serve",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		backend, err := llm.NewBackend(cfg.LLM)
		if err != nil {
			return err
		}
		lister, ok := backend.(llm.ModelLister)
		if !ok {
			return fmt.Errorf("backend %s cannot list models", backend.Name())
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		models, err := lister.ListModels(ctx)
		if err != nil {
			return fmt.Errorf("failed to list models from %s: %w", cfg.LLM.BaseURL, err)
		}
		return printModels(cmd.OutOrStdout(), models, cfg.LLM.Model)
	},
}

var statusFollow bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running clone's status, or follow its events",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if statusFollow {
			return followEvents(cmd, cfg)
		}
		return fetchStatus(cmd.Context(), cmd.OutOrStdout(), cfg.Server)
	},
}

func init() {
	initConfigCmd.Flags().BoolVarP(&initConfigForce, "force", "f", false, "Overwrite an existing file")
	statusCmd.Flags().BoolVarP(&statusFollow, "follow", "f", false, "Stream events as they happen")
}

func transportKind(cfg *config.Config) string {
	if cfg.Transport.Kind == "" {
		return "console"
	}
	return cfg.Transport.Kind
}

func writeConfig(path string, data []byte, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	return os.WriteFile(path, data, 0o600)
}

func printModels(w io.Writer, models []string, current string) error {
	if len(models) == 0 {
		_, err := fmt.Fprintln(w, "no models available")
		return err
	}
	for _, m := range models {
		marker := " "
		if m == current {
			marker = "*"
		}
		if _, err := fmt.Fprintf(w, "%s %s\n", marker, m); err != nil {
			return err
		}
	}
	return nil
}

func fetchStatus(ctx context.Context, w io.Writer, cfg config.ServerConfig) error {
	if !cfg.Enabled {
		return errors.New("status server is disabled in the configuration")
	}
	url := "http://" + net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)) + "/api/status"
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("digime does not appear to be running: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status request failed: %s", resp.Status)
	}

	var st engine.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return fmt.Errorf("failed to decode status: %w", err)
	}
	return printStatus(w, st)
}

func printStatus(w io.Writer, st engine.Status) error {
	state := "stopped"
	if st.Running {
		state = "running since " + st.StartedAt.Format(time.RFC3339)
	}
	fmt.Fprintf(w, "digime %s, breaker %s, %d workers\n", state, st.Breaker, st.Workers)
	t := st.Totals
	fmt.Fprintf(w, "received %d  replied %d  suppressed %d  failed %d  duplicates %d\n",
		t.Received, t.Dispatched, t.Suppressed, t.GenerationFailed+t.DispatchFailed, t.Duplicates)
	for _, c := range st.Conversations {
		line := fmt.Sprintf("  %-24s %-11s in %-4d out %-4d", c.ConversationID, c.State, c.Received, c.Replied)
		if c.Error != "" {
			line += "  " + c.Error
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func followEvents(cmd *cobra.Command, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	watcher := notify.NewEventWatcher(cfg.Storage.DataPath, func(ev types.Event) {
		fmt.Fprintln(out, formatEvent(ev))
	}, zap.NewNop())
	if err := watcher.Start(); err != nil {
		return fmt.Errorf("failed to watch events: %w", err)
	}
	defer watcher.Stop()

	<-ctx.Done()
	return nil
}

func formatEvent(ev types.Event) string {
	line := fmt.Sprintf("%s %-17s %s", ev.Time.Format("15:04:05"), ev.Kind, ev.ConversationID)
	if ev.Reason != "" {
		line += " (" + ev.Reason + ")"
	}
	if ev.Detail != "" {
		line += ": " + ev.Detail
	}
	return line
}
