// Package config loads and validates chatrelay configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override. Nested keys are separated
// by a double underscore, e.g. CHATRELAY_QUEUE__MAX_CONCURRENT.
const EnvPrefix = "CHATRELAY_"

// Config is the full service configuration.
type Config struct {
	Log       LogConfig       `koanf:"log"`
	Claude    ClaudeConfig    `koanf:"claude"`
	Chat      ChatConfig      `koanf:"chat"`
	Roles     RolesConfig     `koanf:"roles"`
	Delivery  DeliveryConfig  `koanf:"delivery"`
	HTTP      HTTPConfig      `koanf:"http"`
	Archive   ArchiveConfig   `koanf:"archive"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`
	Cache     CacheConfig     `koanf:"cache"`
	Queue     QueueConfig     `koanf:"queue"`
	Context   ContextConfig   `koanf:"context"`
	Analytics AnalyticsConfig `koanf:"analytics"`
	Cleanup   CleanupConfig   `koanf:"cleanup"`
}

// LogConfig controls the root logger.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

// QueueConfig controls the per-channel task queue.
type QueueConfig struct {
	MaxConcurrent int `koanf:"max_concurrent" validate:"min=1"`
	MaxDepth      int `koanf:"max_depth" validate:"min=0"`
}

// RateLimitConfig controls the completion call budget.
type RateLimitConfig struct {
	Key          string        `koanf:"key" validate:"required"`
	Period       time.Duration `koanf:"period" validate:"gt=0"`
	PollInterval time.Duration `koanf:"poll_interval" validate:"gt=0"`
	MaxCalls     int           `koanf:"max_calls" validate:"min=0"`
}

// ContextConfig controls the per-channel sliding window.
type ContextConfig struct {
	MaxMessages int `koanf:"max_messages" validate:"min=0"`
	LastN       int `koanf:"last_n" validate:"min=1"`
}

// CacheConfig controls the TTL conversation cache.
type CacheConfig struct {
	MaxAge           time.Duration `koanf:"max_age" validate:"gt=0"`
	MaxMessages      int           `koanf:"max_messages" validate:"min=1"`
	MaxConversations int           `koanf:"max_conversations" validate:"min=0"`
}

// AnalyticsConfig controls in-memory telemetry retention.
type AnalyticsConfig struct {
	MaxRecords int `koanf:"max_records" validate:"min=1"`
}

// ClaudeConfig controls the Messages API client.
type ClaudeConfig struct {
	APIKey           string        `koanf:"api_key" validate:"required"`
	BaseURL          string        `koanf:"base_url" validate:"omitempty,url"`
	Model            string        `koanf:"model" validate:"required"`
	SystemPromptFile string        `koanf:"system_prompt_file"`
	Timeout          time.Duration `koanf:"timeout" validate:"gt=0"`
	MaxTokens        int           `koanf:"max_tokens" validate:"min=1"`
	Temperature      float64       `koanf:"temperature" validate:"min=0,max=1"`
}

// ChatConfig controls the Mattermost connection and message eligibility.
type ChatConfig struct {
	URL             string        `koanf:"url" validate:"required,url"`
	Token           string        `koanf:"token" validate:"required"`
	BotUserID       string        `koanf:"bot_user_id"`
	BotUsername     string        `koanf:"bot_username"`
	AllowedChannels []string      `koanf:"allowed_channels"`
	SendInterval    time.Duration `koanf:"send_interval" validate:"min=0"`
	TypingInterval  time.Duration `koanf:"typing_interval" validate:"gt=0"`
	RequireMention  bool          `koanf:"require_mention"`
}

// RolesConfig points at the role prompt file.
type RolesConfig struct {
	File    string `koanf:"file"`
	Default string `koanf:"default" validate:"required"`
}

// DeliveryConfig controls how long replies are shared.
type DeliveryConfig struct {
	PasteURL  string `koanf:"paste_url" validate:"omitempty,url"`
	MaxInline int    `koanf:"max_inline" validate:"min=1"`
}

// HTTPConfig controls the status server. Admin endpoints are served only
// when AdminToken is set.
type HTTPConfig struct {
	Addr       string `koanf:"addr" validate:"required"`
	AdminToken string `koanf:"admin_token"`
}

// ArchiveConfig controls the optional Postgres turn archive.
type ArchiveConfig struct {
	DatabaseURL string `koanf:"database_url" validate:"required_if=Enabled true"`
	Enabled     bool   `koanf:"enabled"`
}

// CleanupConfig controls the background sweeper.
type CleanupConfig struct {
	Interval time.Duration `koanf:"interval" validate:"gt=0"`
}

// Default returns the configuration used before any file or environment
// overrides are applied.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Queue: QueueConfig{
			MaxConcurrent: 3,
		},
		RateLimit: RateLimitConfig{
			Key:          "global",
			MaxCalls:     10,
			Period:       time.Minute,
			PollInterval: time.Second,
		},
		Context: ContextConfig{MaxMessages: 50, LastN: 5},
		Cache: CacheConfig{
			MaxAge:           24 * time.Hour,
			MaxMessages:      10,
			MaxConversations: 100,
		},
		Analytics: AnalyticsConfig{MaxRecords: 200},
		Claude: ClaudeConfig{
			Model:       "claude-3-5-haiku-20241022",
			Timeout:     30 * time.Second,
			MaxTokens:   1000,
			Temperature: 0.7,
		},
		Chat: ChatConfig{
			RequireMention: true,
			SendInterval:   time.Second,
			TypingInterval: 5 * time.Second,
		},
		Roles:    RolesConfig{Default: DefaultRoleName},
		Delivery: DeliveryConfig{MaxInline: 350},
		HTTP:     HTTPConfig{Addr: ":8080"},
		Cleanup:  CleanupConfig{Interval: time.Minute},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, and CHATRELAY_ environment variables, in that order of precedence.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envValue), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// listKeys are split on commas when set from the environment.
var listKeys = map[string]bool{
	"chat.allowed_channels": true,
}

// envValue maps CHATRELAY_QUEUE__MAX_CONCURRENT to queue.max_concurrent.
func envValue(name, value string) (string, any) {
	key := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(name, EnvPrefix)), "__", ".")
	if !listKeys[key] {
		return key, value
	}

	parts := make([]string, 0)
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	return key, parts
}
