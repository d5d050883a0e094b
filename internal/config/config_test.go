package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/digime/internal/config"
	"github.com/scrypster/digime/pkg/types"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1", cfg.Server.Host,
		"Default host must be 127.0.0.1 for security")
	assert.Equal(t, 100, cfg.Context.MaxMessages)
	assert.Equal(t, 30*24*time.Hour, cfg.Context.MaxAge)
	assert.Equal(t, types.LengthMedium, cfg.Personality.ResponseLength)
	assert.Len(t, cfg.Personality.Traits, 4)
}

func TestParse_OverlaysDefaults(t *testing.T) {
	cfg, err := config.Parse([]byte(`
identity:
  name: Sam
personality:
  formality_level: 0.2
  response_length: short
relationships:
  profiles:
    - contact: mom
      type: family
      closeness: 0.9
      adjustments:
        emoji_usage: 0.2
llm:
  timeout: 15s
transport:
  kind: memory
`))
	require.NoError(t, err)

	assert.Equal(t, "Sam", cfg.Identity.Name)
	assert.Equal(t, 0.2, cfg.Personality.FormalityLevel)
	assert.Equal(t, types.LengthShort, cfg.Personality.ResponseLength)
	assert.Equal(t, 0.4, cfg.Personality.HumorLevel, "unset fields keep their default")
	assert.Equal(t, 15*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, "memory", cfg.Transport.Kind)

	require.Len(t, cfg.Relationships.Profiles, 1)
	mom := cfg.Relationships.Profiles[0]
	assert.Equal(t, "mom", mom.ContactID)
	assert.Equal(t, types.RelationshipFamily, mom.Type)
	assert.Equal(t, 0.2, mom.Adjustments[types.FieldEmoji])
}

func TestValidate_AggregatesProblems(t *testing.T) {
	cfg := config.Default()
	cfg.Personality.FormalityLevel = 1.5
	cfg.LLM.Provider = "telepathy"
	cfg.Transport.MinDelay = 10 * time.Second
	cfg.Transport.MaxDelay = time.Second
	cfg.Relationships.Profiles = []types.RelationshipProfile{
		{ContactID: "x", Type: "nemesis"},
	}

	err := cfg.Validate()
	require.Error(t, err)

	var cfgErr *config.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Len(t, cfgErr.Problems, 4)
	assert.True(t, errors.Is(err, config.ErrInvalidConfig))
}

func TestParse_WorkerTimings(t *testing.T) {
	cfg, err := config.Parse([]byte(`
transport:
  send_backoff: 1s
runtime:
  idle_timeout: 0s
`))
	require.NoError(t, err)
	assert.Equal(t, time.Second, cfg.Transport.SendBackoff)
	assert.Zero(t, cfg.Runtime.IdleTimeout)

	cfg = config.Default()
	assert.Equal(t, 250*time.Millisecond, cfg.Transport.SendBackoff)
	assert.Equal(t, 10*time.Minute, cfg.Runtime.IdleTimeout)

	cfg.Transport.SendBackoff = -time.Second
	cfg.Runtime.IdleTimeout = -time.Second
	var cfgErr *config.ConfigurationError
	require.True(t, errors.As(cfg.Validate(), &cfgErr))
	assert.Len(t, cfgErr.Problems, 2)
}

func TestValidate_RejectsDuplicateContacts(t *testing.T) {
	cfg := config.Default()
	cfg.Relationships.Profiles = []types.RelationshipProfile{
		{ContactID: "a", Type: types.RelationshipFriend},
		{ContactID: "a", Type: types.RelationshipFamily},
	}
	assert.Error(t, cfg.Validate())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm:\n  model: mistral\n"), 0o600))

	t.Setenv("DIGIME_LLM_MODEL", "qwen2.5")
	t.Setenv("DIGIME_PORT", "7070")
	t.Setenv("DIGIME_JOURNAL", "no")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Path)
	assert.Equal(t, "qwen2.5", cfg.LLM.Model)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.False(t, cfg.Storage.Journal)
}

func TestLoad_InvalidEnvValueKeepsDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o600))

	t.Setenv("DIGIME_PORT", "not-a-number")
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 6464, cfg.Server.Port)
}

func TestLoad_MissingExplicitPath(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("personality: [unclosed"), 0o600))

	_, err := config.Load(path)
	assert.True(t, errors.Is(err, config.ErrInvalidConfig))
}

func TestSampleConfig_RoundTrips(t *testing.T) {
	data, err := config.SampleConfig()
	require.NoError(t, err)

	cfg, err := config.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, config.Default().LLM, cfg.LLM)
	assert.Equal(t, config.Default().Personality.StyleParameters, cfg.Personality.StyleParameters)
}
