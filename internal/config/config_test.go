package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/chatrelay/internal/config"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CHATRELAY_CLAUDE__API_KEY", "sk-test")
	t.Setenv("CHATRELAY_CHAT__URL", "https://chat.example.com")
	t.Setenv("CHATRELAY_CHAT__TOKEN", "bot-token")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Queue.MaxConcurrent)
	assert.Equal(t, 10, cfg.RateLimit.MaxCalls)
	assert.Equal(t, time.Minute, cfg.RateLimit.Period)
	assert.Equal(t, time.Second, cfg.RateLimit.PollInterval)
	assert.Equal(t, 50, cfg.Context.MaxMessages)
	assert.Equal(t, 24*time.Hour, cfg.Cache.MaxAge)
	assert.Equal(t, 200, cfg.Analytics.MaxRecords)
	assert.Equal(t, 350, cfg.Delivery.MaxInline)
	assert.Equal(t, "sk-test", cfg.Claude.APIKey)
	assert.True(t, cfg.Chat.RequireMention)
}

func TestLoad_FileThenEnv(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CHATRELAY_QUEUE__MAX_CONCURRENT", "7")
	t.Setenv("CHATRELAY_CHAT__ALLOWED_CHANNELS", "town-square,off-topic")

	path := filepath.Join(t.TempDir(), "chatrelay.yml")
	yml := `
log:
  level: debug
  format: json
queue:
  max_concurrent: 2
  max_depth: 20
ratelimit:
  max_calls: 5
  period: 30s
cache:
  max_age: 2h
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 7, cfg.Queue.MaxConcurrent, "environment overrides the file")
	assert.Equal(t, 20, cfg.Queue.MaxDepth)
	assert.Equal(t, 5, cfg.RateLimit.MaxCalls)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.Period)
	assert.Equal(t, time.Second, cfg.RateLimit.PollInterval, "unset keys keep defaults")
	assert.Equal(t, 2*time.Hour, cfg.Cache.MaxAge)
	assert.Equal(t, []string{"town-square", "off-topic"}, cfg.Chat.AllowedChannels)
}

func TestLoad_MissingFile(t *testing.T) {
	setRequiredEnv(t)

	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *config.Config {
		cfg := config.Default()
		cfg.Claude.APIKey = "sk"
		cfg.Chat.URL = "https://chat.example.com"
		cfg.Chat.Token = "tok"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*config.Config) {}},
		{name: "missing api key", mutate: func(c *config.Config) { c.Claude.APIKey = "" }, wantErr: "APIKey"},
		{name: "zero concurrency", mutate: func(c *config.Config) { c.Queue.MaxConcurrent = 0 }, wantErr: "MaxConcurrent"},
		{name: "bad log level", mutate: func(c *config.Config) { c.Log.Level = "loud" }, wantErr: "Level"},
		{name: "archive without url", mutate: func(c *config.Config) { c.Archive.Enabled = true }, wantErr: "DatabaseURL"},
		{name: "archive with url", mutate: func(c *config.Config) {
			c.Archive.Enabled = true
			c.Archive.DatabaseURL = "postgres://localhost/chatrelay"
		}},
		{name: "zero budget allowed", mutate: func(c *config.Config) { c.RateLimit.MaxCalls = 0 }},
		{name: "bad chat url", mutate: func(c *config.Config) { c.Chat.URL = "not a url" }, wantErr: "URL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
