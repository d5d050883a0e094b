// Package config provides configuration management for digime.
// Settings are read from a YAML file, then overridden by environment
// variables with the DIGIME_ prefix. Every option has a sensible default so
// an empty file yields a runnable clone.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/scrypster/digime/pkg/types"
)

// Config holds all configuration settings for the digime application.
type Config struct {
	Identity      IdentityConfig      `yaml:"identity"`
	Personality   PersonalityConfig   `yaml:"personality"`
	Relationships RelationshipsConfig `yaml:"relationships"`
	Context       ContextConfig       `yaml:"context"`
	Policy        PolicyConfig        `yaml:"policy"`
	LLM           LLMConfig           `yaml:"llm"`
	Transport     TransportConfig     `yaml:"transport"`
	Storage       StorageConfig       `yaml:"storage"`
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
	Runtime       RuntimeConfig       `yaml:"runtime"`

	// Path is the file the config was loaded from; empty when defaults only.
	Path string `yaml:"-"`
}

// IdentityConfig names the person being cloned.
type IdentityConfig struct {
	Name string `yaml:"name"` // Display name used in the preamble
}

// PersonalityConfig is the base style and trait set of the clone.
type PersonalityConfig struct {
	types.StyleParameters `yaml:",inline"`

	Traits          []types.PersonalityTrait `yaml:"traits"`
	InactiveDamping float64                  `yaml:"inactive_damping"` // Weight multiplier for traits outside their contexts (default: 0.5)
	SystemPrompt    string                   `yaml:"system_prompt"`    // Base preamble text; empty uses the built-in prompt
}

// RelationshipsConfig holds the known contacts and the learning rule knobs.
type RelationshipsConfig struct {
	Profiles          []types.RelationshipProfile                             `yaml:"profiles"`
	TypeDefaults      map[types.RelationshipType]map[types.StyleField]float64 `yaml:"type_defaults"` // Merged over the built-in per-type deltas
	LearningRate      float64                                                 `yaml:"learning_rate"`
	ReciprocityWindow time.Duration                                           `yaml:"reciprocity_window"`
	DormancyWindow    time.Duration                                           `yaml:"dormancy_window"`
}

// ContextConfig bounds the conversation history and the prompt budget.
type ContextConfig struct {
	MaxMessages   int           `yaml:"max_messages"` // Per-conversation count cap (default: 100)
	MaxAge        time.Duration `yaml:"max_age"`      // Per-conversation age cap (default: 720h)
	HistoryShort  int           `yaml:"history_short"`
	HistoryMedium int           `yaml:"history_medium"`
	HistoryLong   int           `yaml:"history_long"`
	MaxBudget     int           `yaml:"max_budget"`     // Prompt budget in BudgetUnit (default: 6000)
	BudgetUnit    string        `yaml:"budget_unit"`    // chars or tokens (default: chars)
	TokenEncoding string        `yaml:"token_encoding"` // tiktoken encoding when BudgetUnit is tokens
}

// PolicyConfig controls the respond/suppress decision.
type PolicyConfig struct {
	IgnoreList       []string          `yaml:"ignore_list"`
	ResponseTriggers []string          `yaml:"response_triggers"`
	ReplyCooldown    time.Duration     `yaml:"reply_cooldown"` // 0 disables
	ActiveHours      ActiveHoursConfig `yaml:"active_hours"`
}

// ActiveHoursConfig scales the response probability outside working hours.
type ActiveHoursConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Start          int     `yaml:"start"` // Hour of day, 0-23, inclusive
	End            int     `yaml:"end"`   // Hour of day, 0-24, exclusive
	OffHoursFactor float64 `yaml:"off_hours_factor"`
}

// LLMConfig contains generation backend configuration.
type LLMConfig struct {
	Provider      string               `yaml:"provider"` // ollama or openai (default: ollama)
	BaseURL       string               `yaml:"base_url"` // Backend URL (default: http://localhost:11434)
	Model         string               `yaml:"model"`    // Model name (default: llama3.1)
	APIKey        string               `yaml:"api_key"`  // Only used by openai-compatible servers
	Timeout       time.Duration        `yaml:"timeout"`  // Per-attempt timeout (default: 60s)
	MaxRetries    int                  `yaml:"max_retries"`
	RetryBackoff  time.Duration        `yaml:"retry_backoff"`
	MaxConcurrent int                  `yaml:"max_concurrent"`
	Sampling      types.SamplingParams `yaml:"sampling"`
	Breaker       BreakerConfig        `yaml:"breaker"`
}

// BreakerConfig tunes the circuit breaker in front of the backend.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"` // Open -> half-open delay
}

// TransportConfig selects and tunes the messaging surface.
type TransportConfig struct {
	Kind         string        `yaml:"kind"` // memory, console or nats (default: console)
	ScanInterval time.Duration `yaml:"scan_interval"`
	MinDelay     time.Duration `yaml:"min_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	AutoMarkRead bool          `yaml:"auto_mark_read"`
	SendRetries  int           `yaml:"send_retries"`
	SendBackoff  time.Duration `yaml:"send_backoff"` // Base delay between send attempts
	RatePerMin   float64       `yaml:"rate_per_minute"` // Outbound sends per minute, 0 disables
	RateBurst    int           `yaml:"rate_burst"`
	NATS         NATSConfig    `yaml:"nats"`
}

// NATSConfig configures the NATS bridge to an out-of-process driver.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject_prefix"` // Subjects are <prefix>.inbound, .outbound and .read
}

// StorageConfig contains history persistence configuration.
type StorageConfig struct {
	DataPath string       `yaml:"data_path"` // Directory for the journal and event files (default: ./data)
	Journal  bool         `yaml:"journal"`   // Persist history to SQLite (default: true)
	Backup   BackupConfig `yaml:"backup"`
}

// BackupConfig controls periodic journal snapshots.
type BackupConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Dir      string        `yaml:"dir"`      // default: {data_path}/backups
	Interval time.Duration `yaml:"interval"` // default: 6h
	Verify   bool          `yaml:"verify"`   // Run an integrity check on every snapshot
	Hourly   int           `yaml:"keep_hourly"`
	Daily    int           `yaml:"keep_daily"`
	Weekly   int           `yaml:"keep_weekly"`
	Monthly  int           `yaml:"keep_monthly"`
}

// ServerConfig contains the local status server configuration.
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"` // default: 127.0.0.1
	Port    int    `yaml:"port"` // default: 6464
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level       string `yaml:"level"` // debug, info, warn, error (default: info)
	File        string `yaml:"file"`  // Optional extra sink
	Development bool   `yaml:"development"`
}

// RuntimeConfig holds orchestrator lifecycle timings.
type RuntimeConfig struct {
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	PruneInterval   time.Duration `yaml:"prune_interval"`
	QueueSize       int           `yaml:"queue_size"`   // Per-conversation inbox capacity
	IdleTimeout     time.Duration `yaml:"idle_timeout"` // Idle conversation workers exit after this, 0 keeps them
}

// BackupDir returns the snapshot directory.
func (c *Config) BackupDir() string {
	if c.Storage.Backup.Dir != "" {
		return c.Storage.Backup.Dir
	}
	return filepath.Join(c.Storage.DataPath, "backups")
}

// JournalPath returns the SQLite journal file.
func (c *Config) JournalPath() string {
	return filepath.Join(c.Storage.DataPath, "digime.db")
}

// DefaultSearchPaths lists where Load looks when no path is given.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml", filepath.Join(".digime", "config.yaml")}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".digime", "config.yaml"))
	}
	return paths
}

// Load reads configuration from path, or from the first existing file in
// DefaultSearchPaths when path is empty. A missing file in the search paths
// is not an error; a missing explicit path is. Environment overrides are
// applied last and the result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		for _, candidate := range DefaultSearchPaths() {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &ConfigurationError{Problems: []string{fmt.Sprintf("%s: %v", path, err)}}
		}
		cfg.Path = path
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults without touching the environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &ConfigurationError{Problems: []string{err.Error()}}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Identity: IdentityConfig{Name: "me"},
		Personality: PersonalityConfig{
			StyleParameters: types.StyleParameters{
				FormalityLevel:      0.5,
				HumorLevel:          0.4,
				EmojiUsage:          0.3,
				TechnicalDepth:      0.6,
				ResponseProbability: 0.8,
				ResponseLength:      types.LengthMedium,
			},
			Traits:          DefaultTraits(),
			InactiveDamping: 0.5,
		},
		Relationships: RelationshipsConfig{
			LearningRate:      0.02,
			ReciprocityWindow: 24 * time.Hour,
			DormancyWindow:    30 * 24 * time.Hour,
		},
		Context: ContextConfig{
			MaxMessages:   100,
			MaxAge:        30 * 24 * time.Hour,
			HistoryShort:  6,
			HistoryMedium: 10,
			HistoryLong:   20,
			MaxBudget:     6000,
			BudgetUnit:    "chars",
			TokenEncoding: "cl100k_base",
		},
		Policy: PolicyConfig{
			ResponseTriggers: []string{"help", "question", "urgent", "please"},
			ActiveHours: ActiveHoursConfig{
				Start:          9,
				End:            22,
				OffHoursFactor: 0.3,
			},
		},
		LLM: LLMConfig{
			Provider:      "ollama",
			BaseURL:       "http://localhost:11434",
			Model:         "llama3.1",
			Timeout:       60 * time.Second,
			MaxRetries:    2,
			RetryBackoff:  500 * time.Millisecond,
			MaxConcurrent: 1,
			Sampling: types.SamplingParams{
				Temperature:   0.7,
				TopP:          0.9,
				MaxTokens:     500,
				RepeatPenalty: 1.1,
			},
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
			},
		},
		Transport: TransportConfig{
			Kind:         "console",
			ScanInterval: 3 * time.Second,
			MinDelay:     2 * time.Second,
			MaxDelay:     5 * time.Second,
			AutoMarkRead: true,
			SendRetries:  2,
			SendBackoff:  250 * time.Millisecond,
			RatePerMin:   20,
			RateBurst:    3,
			NATS: NATSConfig{
				URL:     "nats://127.0.0.1:4222",
				Subject: "digime",
			},
		},
		Storage: StorageConfig{
			DataPath: "./data",
			Journal:  true,
			Backup: BackupConfig{
				Interval: 6 * time.Hour,
				Verify:   true,
				Hourly:   24,
				Daily:    7,
				Weekly:   4,
				Monthly:  12,
			},
		},
		Server: ServerConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    6464,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Runtime: RuntimeConfig{
			ShutdownTimeout: 10 * time.Second,
			PruneInterval:   time.Hour,
			QueueSize:       64,
			IdleTimeout:     10 * time.Minute,
		},
	}
}

// DefaultTraits returns the trait set a fresh clone starts with.
func DefaultTraits() []types.PersonalityTrait {
	return []types.PersonalityTrait{
		{
			Name:           "helpfulness",
			Weight:         0.8,
			Description:    "Tendency to help others and provide useful information",
			Examples:       []string{"Let me help you with that", "Here's what I would suggest"},
			ActiveContexts: []string{"work", "professional", "support"},
			Influences:     map[types.StyleField]float64{types.FieldResponseProbability: 0.1, types.FieldResponseLength: 0.1},
		},
		{
			Name:           "analytical",
			Weight:         0.7,
			Description:    "Tendency to analyze problems systematically",
			Examples:       []string{"Let me break this down", "There are several factors to consider"},
			ActiveContexts: []string{"problem_solving", "technical", "planning"},
			Influences:     map[types.StyleField]float64{types.FieldTechnicalDepth: 0.2, types.FieldHumor: -0.05},
		},
		{
			Name:           "friendliness",
			Weight:         0.6,
			Description:    "Warm and approachable communication style",
			Examples:       []string{"Hope you're doing well!", "Thanks for reaching out"},
			ActiveContexts: []string{"casual", "social", "greeting"},
			Influences:     map[types.StyleField]float64{types.FieldFormality: -0.1, types.FieldEmoji: 0.1, types.FieldHumor: 0.1},
		},
		{
			Name:           "decisiveness",
			Weight:         0.5,
			Description:    "Ability to make clear decisions and recommendations",
			Examples:       []string{"I'd go with option A", "My recommendation would be"},
			ActiveContexts: []string{"decision_making", "leadership", "advice"},
			Influences:     map[types.StyleField]float64{types.FieldResponseLength: -0.1},
		},
	}
}

// ConfigurationError aggregates every problem found while validating.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return "config: invalid configuration: " + strings.Join(e.Problems, "; ")
}

// ErrInvalidConfig is matched by every ConfigurationError via errors.Is.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Is reports whether target is ErrInvalidConfig.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Validate checks the whole configuration and returns a *ConfigurationError
// listing every problem, or nil.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if err := c.Personality.StyleParameters.Validate(); err != nil {
		add("personality: %v", err)
	}
	seen := make(map[string]bool)
	for _, t := range c.Personality.Traits {
		if err := t.Validate(); err != nil {
			add("personality: %v", err)
		}
		if seen[t.Name] {
			add("personality: duplicate trait %q", t.Name)
		}
		seen[t.Name] = true
	}
	if c.Personality.InactiveDamping <= 0 || c.Personality.InactiveDamping > 1 {
		add("personality: inactive_damping must be in (0,1], got %v", c.Personality.InactiveDamping)
	}

	contacts := make(map[string]bool)
	for _, p := range c.Relationships.Profiles {
		if err := p.Validate(); err != nil {
			add("relationships: %v", err)
		}
		if contacts[p.ContactID] {
			add("relationships: duplicate contact %q", p.ContactID)
		}
		contacts[p.ContactID] = true
	}
	for relType, deltas := range c.Relationships.TypeDefaults {
		if !types.IsValidRelationshipType(relType) {
			add("relationships: unknown type %q in type_defaults", relType)
		}
		for field := range deltas {
			if !types.IsValidStyleField(field) {
				add("relationships: unknown style field %q in type_defaults", field)
			}
		}
	}
	if c.Relationships.LearningRate < 0 || c.Relationships.LearningRate > 1 {
		add("relationships: learning_rate must be between 0 and 1")
	}

	if c.Context.MaxMessages < 1 {
		add("context: max_messages must be >= 1")
	}
	if c.Context.MaxAge <= 0 {
		add("context: max_age must be positive")
	}
	if c.Context.HistoryShort < 0 || c.Context.HistoryMedium < 0 || c.Context.HistoryLong < 0 {
		add("context: history sizes must be >= 0")
	}
	if c.Context.MaxBudget < 1 {
		add("context: max_budget must be >= 1")
	}
	if c.Context.BudgetUnit != "chars" && c.Context.BudgetUnit != "tokens" {
		add("context: budget_unit must be chars or tokens, got %q", c.Context.BudgetUnit)
	}

	ah := c.Policy.ActiveHours
	if ah.Enabled {
		if ah.Start < 0 || ah.Start > 23 || ah.End < 0 || ah.End > 24 {
			add("policy: active_hours must be within 0-24")
		}
		if ah.OffHoursFactor < 0 || ah.OffHoursFactor > 1 {
			add("policy: off_hours_factor must be between 0 and 1")
		}
	}
	if c.Policy.ReplyCooldown < 0 {
		add("policy: reply_cooldown must be >= 0")
	}

	switch c.LLM.Provider {
	case "ollama", "openai":
	default:
		add("llm: unknown provider %q (want ollama or openai)", c.LLM.Provider)
	}
	if c.LLM.BaseURL == "" {
		add("llm: base_url is required")
	}
	if c.LLM.Model == "" {
		add("llm: model is required")
	}
	if c.LLM.Timeout <= 0 {
		add("llm: timeout must be positive")
	}
	if c.LLM.MaxRetries < 0 {
		add("llm: max_retries must be >= 0")
	}
	if c.LLM.MaxConcurrent < 1 {
		add("llm: max_concurrent must be >= 1")
	}
	if err := c.LLM.Sampling.Validate(types.DefaultSamplingBounds()); err != nil {
		add("llm: %v", err)
	}

	switch c.Transport.Kind {
	case "memory", "console", "nats":
	default:
		add("transport: unknown kind %q (want memory, console or nats)", c.Transport.Kind)
	}
	if c.Transport.ScanInterval <= 0 {
		add("transport: scan_interval must be positive")
	}
	if c.Transport.MinDelay < 0 || c.Transport.MaxDelay < c.Transport.MinDelay {
		add("transport: need 0 <= min_delay <= max_delay")
	}
	if c.Transport.SendRetries < 0 {
		add("transport: send_retries must be >= 0")
	}
	if c.Transport.SendBackoff < 0 {
		add("transport: send_backoff must be >= 0")
	}
	if c.Transport.RatePerMin < 0 {
		add("transport: rate_per_minute must be >= 0")
	}
	if c.Transport.Kind == "nats" && c.Transport.NATS.URL == "" {
		add("transport: nats.url is required for the nats transport")
	}

	if b := c.Storage.Backup; b.Enabled {
		if !c.Storage.Journal {
			add("storage: backup requires the journal")
		}
		if b.Interval <= 0 {
			add("storage: backup.interval must be positive")
		}
		if b.Hourly < 0 || b.Daily < 0 || b.Weekly < 0 || b.Monthly < 0 {
			add("storage: backup retention counts must be >= 0")
		}
	}

	if c.Server.Enabled && (c.Server.Port < 1 || c.Server.Port > 65535) {
		add("server: port must be between 1 and 65535")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("logging: unknown level %q", c.Logging.Level)
	}
	if c.Runtime.ShutdownTimeout <= 0 {
		add("runtime: shutdown_timeout must be positive")
	}
	if c.Runtime.QueueSize < 1 {
		add("runtime: queue_size must be >= 1")
	}
	if c.Runtime.IdleTimeout < 0 {
		add("runtime: idle_timeout must be >= 0")
	}

	if len(problems) > 0 {
		return &ConfigurationError{Problems: problems}
	}
	return nil
}

// SampleConfig renders the default configuration as YAML.
func SampleConfig() ([]byte, error) {
	cfg := Default()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: failed to render sample: %w", err)
	}
	header := "# digime configuration. Every key is optional.\n# Environment variables with the DIGIME_ prefix override file values.\n"
	return append([]byte(header), data...), nil
}

// applyEnv overlays DIGIME_* environment variables on cfg.
func applyEnv(cfg *Config) {
	cfg.Identity.Name = getEnv("DIGIME_NAME", cfg.Identity.Name)

	cfg.LLM.Provider = getEnv("DIGIME_LLM_PROVIDER", cfg.LLM.Provider)
	cfg.LLM.BaseURL = getEnv("DIGIME_LLM_URL", getEnv("DIGIME_OLLAMA_URL", cfg.LLM.BaseURL))
	cfg.LLM.Model = getEnv("DIGIME_LLM_MODEL", cfg.LLM.Model)
	cfg.LLM.APIKey = getEnv("DIGIME_LLM_API_KEY", cfg.LLM.APIKey)
	cfg.LLM.Timeout = getEnvDuration("DIGIME_LLM_TIMEOUT", cfg.LLM.Timeout)
	cfg.LLM.MaxRetries = getEnvInt("DIGIME_LLM_MAX_RETRIES", cfg.LLM.MaxRetries)

	cfg.Transport.Kind = getEnv("DIGIME_TRANSPORT", cfg.Transport.Kind)
	cfg.Transport.NATS.URL = getEnv("DIGIME_NATS_URL", cfg.Transport.NATS.URL)
	cfg.Transport.AutoMarkRead = getEnvBool("DIGIME_AUTO_MARK_READ", cfg.Transport.AutoMarkRead)

	cfg.Storage.DataPath = getEnv("DIGIME_DATA_PATH", cfg.Storage.DataPath)
	cfg.Storage.Journal = getEnvBool("DIGIME_JOURNAL", cfg.Storage.Journal)
	cfg.Storage.Backup.Enabled = getEnvBool("DIGIME_BACKUP_ENABLED", cfg.Storage.Backup.Enabled)
	cfg.Storage.Backup.Dir = getEnv("DIGIME_BACKUP_DIR", cfg.Storage.Backup.Dir)

	cfg.Server.Enabled = getEnvBool("DIGIME_SERVER_ENABLED", cfg.Server.Enabled)
	cfg.Server.Host = getEnv("DIGIME_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("DIGIME_PORT", cfg.Server.Port)

	cfg.Logging.Level = getEnv("DIGIME_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.File = getEnv("DIGIME_LOG_FILE", cfg.Logging.File)
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as an integer,
// it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value.
// It recognizes "true", "1", "yes" as true and "false", "0", "no" as false (case-insensitive).
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable such as "90s".
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
