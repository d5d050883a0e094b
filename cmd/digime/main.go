// Command digime runs the digital clone: it watches a messaging surface,
// decides which conversations deserve a reply and answers in the owner's
// voice through a local language model.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scrypster/digime/internal/config"
	"github.com/scrypster/digime/internal/logging"
)

var version = "dev"

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "digime",
	Short: "digime - a digital clone that answers your chats in your voice",
	Long: `digime watches a messaging surface, decides per message whether to reply,
and generates replies with a local language model shaped by your personality
and your relationship with each contact.

Configuration is read from --config, or from config.yaml, .digime/config.yaml
or ~/.digime/config.yaml. DIGIME_* environment variables override the file.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(runCmd, validateCmd, initConfigCmd, modelsCmd, statusCmd, backupCmd, importCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads the config and builds the logger for a command.
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger, nil
}
