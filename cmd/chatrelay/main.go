// Package main provides the entry point for the chatrelay bot.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Veraticus/chatrelay/internal/analytics"
	"github.com/Veraticus/chatrelay/internal/archive"
	"github.com/Veraticus/chatrelay/internal/chat"
	"github.com/Veraticus/chatrelay/internal/chat/mattermost"
	"github.com/Veraticus/chatrelay/internal/claude"
	"github.com/Veraticus/chatrelay/internal/config"
	"github.com/Veraticus/chatrelay/internal/conversation"
	"github.com/Veraticus/chatrelay/internal/delivery"
	"github.com/Veraticus/chatrelay/internal/httpapi"
	"github.com/Veraticus/chatrelay/internal/queue"
	"github.com/Veraticus/chatrelay/internal/ratelimit"
	"github.com/Veraticus/chatrelay/internal/relay"
)

// ShutdownTimeout is the maximum time to wait for queued work to drain.
const ShutdownTimeout = 30 * time.Second

func main() {
	os.Exit(runMain())
}

func runMain() int {
	configPath := flag.String("config", os.Getenv(config.EnvPrefix+"CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	logger := newLogger(os.Stderr, cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("chatrelay exited with error", slog.Any("error", err))
		return 1
	}
	return 0
}

// newLogger builds the root logger from the log section of the config.
func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.InfoContext(ctx, "chatrelay starting")

	c, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}

	err = startComponents(ctx, c, cfg)

	// The parent context is done by now, so draining gets its own deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	//nolint:contextcheck // New context needed for graceful shutdown after parent cancellation
	shutdown(shutdownCtx, c, logger)
	return err
}

// components holds all initialized components.
type components struct {
	handler *chat.Handler
	queue   *queue.Queue
	typing  chat.TypingIndicator
	http    *httpapi.Server
	cleanup *conversation.CleanupService
	archive *archive.Store
}

func initializeComponents(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*components, error) {
	// 1. Completion client and role prompts
	claudeClient, err := claude.NewClient(claude.Config{
		APIKey:      cfg.Claude.APIKey,
		BaseURL:     cfg.Claude.BaseURL,
		Model:       cfg.Claude.Model,
		Timeout:     cfg.Claude.Timeout,
		MaxTokens:   cfg.Claude.MaxTokens,
		Temperature: cfg.Claude.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Claude client: %w", err)
	}

	roles, err := config.LoadRoles(cfg.Roles.File, cfg.Roles.Default)
	if err != nil {
		return nil, fmt.Errorf("failed to load roles: %w", err)
	}
	if cfg.Claude.SystemPromptFile != "" {
		prompt, promptErr := config.LoadSystemPrompt(cfg.Claude.SystemPromptFile)
		if promptErr != nil {
			return nil, promptErr
		}
		if promptErr = roles.AddRole(cfg.Roles.Default, prompt); promptErr != nil {
			return nil, fmt.Errorf("invalid system prompt: %w", promptErr)
		}
		logger.InfoContext(ctx, "using system prompt file",
			slog.String("path", cfg.Claude.SystemPromptFile),
			slog.Int("characters", len(prompt)))
	}

	// 2. Chat transport
	messenger, err := mattermost.NewClient(mattermost.Config{
		URL:          cfg.Chat.URL,
		Token:        cfg.Chat.Token,
		BotUserID:    cfg.Chat.BotUserID,
		BotUsername:  cfg.Chat.BotUsername,
		SendInterval: cfg.Chat.SendInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Mattermost client: %w", err)
	}
	messenger.SetLogger(logger.With(slog.String("component", "mattermost")))

	// 3. Shared state
	limiter := ratelimit.New(cfg.RateLimit.MaxCalls, cfg.RateLimit.Period,
		ratelimit.WithPollInterval(cfg.RateLimit.PollInterval),
		ratelimit.WithLogger(logger))
	window := conversation.NewWindow(cfg.Context.MaxMessages)
	cache := conversation.NewCache(cfg.Cache.MaxAge,
		conversation.WithMaxConversations(cfg.Cache.MaxConversations),
		conversation.WithCacheLogger(logger))
	stats := analytics.New(cfg.Analytics.MaxRecords)

	taskQueue := queue.New(cfg.Queue.MaxConcurrent,
		queue.WithMaxDepth(cfg.Queue.MaxDepth),
		queue.WithLogger(logger),
		queue.WithPanicHandler(queue.NewMetricsPanicHandler(
			queue.NewDefaultPanicHandler(logger),
			func(_ string, v any) { stats.RecordError("panic", fmt.Sprint(v)) },
		)))

	// 4. Delivery
	sharerOpts := []delivery.Option{
		delivery.WithErrorRecorder(stats),
		delivery.WithLogger(logger),
	}
	if cfg.Delivery.PasteURL != "" {
		sharerOpts = append(sharerOpts, delivery.WithUploader(delivery.NewPasteClient(cfg.Delivery.PasteURL, 0)))
	}
	sharer := delivery.NewSharer(messenger, cfg.Delivery.MaxInline, sharerOpts...)
	typing := chat.NewTypingManager(messenger, cfg.Chat.TypingInterval)

	// 5. Optional archive
	var store *archive.Store
	if cfg.Archive.Enabled {
		if err := archive.Migrate(cfg.Archive.DatabaseURL); err != nil {
			return nil, fmt.Errorf("failed to migrate archive: %w", err)
		}
		pool, err := archive.Connect(ctx, archive.Config{URL: cfg.Archive.DatabaseURL})
		if err != nil {
			return nil, fmt.Errorf("failed to connect archive: %w", err)
		}
		store = archive.NewStore(pool)
	}

	// 6. Pipeline
	deps := relay.Deps{
		Queue:     taskQueue,
		Limiter:   limiter,
		Context:   window,
		Analytics: stats,
		Completer: claudeClient,
		Deliverer: sharer,
		Prompts:   roles,
		Cache:     cache,
		Typing:    typing,
	}
	if store != nil {
		deps.Archive = store
	}
	pipeline, err := relay.New(deps,
		relay.WithLogger(logger),
		relay.WithRateKey(cfg.RateLimit.Key),
		relay.WithLastN(cfg.Context.LastN))
	if err != nil {
		return nil, fmt.Errorf("failed to create relay: %w", err)
	}

	// 7. Bot identity and inbound handler
	if err := messenger.ResolveIdentity(ctx); err != nil {
		if store != nil {
			store.Close()
		}
		return nil, fmt.Errorf("failed to resolve bot identity: %w", err)
	}
	botID, botName := messenger.Identity()
	logger.InfoContext(ctx, "connected as bot", slog.String("user_id", botID), slog.String("username", botName))

	handler, err := chat.NewHandler(messenger, pipeline,
		chat.WithLogger(logger),
		chat.WithAllowList(chat.NewAllowList(cfg.Chat.AllowedChannels...)),
		chat.WithBotUserID(botID),
		chat.WithRequireMention(cfg.Chat.RequireMention),
		chat.WithMentionRecorder(stats))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat handler: %w", err)
	}

	// 8. Status server and background sweeps
	apiDeps := httpapi.Deps{
		Analytics: stats,
		Queue:     taskQueue,
		Limiter:   limiter,
		Context:   pipeline,
		Channels:  handler,
		Roles:     roles,
	}
	if store != nil {
		apiDeps.History = store
	}
	server, err := httpapi.New(apiDeps,
		httpapi.WithLogger(logger),
		httpapi.WithAdminToken(cfg.HTTP.AdminToken))
	if err != nil {
		return nil, fmt.Errorf("failed to create http server: %w", err)
	}

	cleanup := conversation.NewCleanupServiceWithInterval(map[string]conversation.Sweeper{
		"cache":     cache,
		"ratelimit": limiter,
		"relay":     pipeline,
	}, cfg.Cleanup.Interval)

	return &components{
		handler: handler,
		queue:   taskQueue,
		typing:  typing,
		http:    server,
		cleanup: cleanup,
		archive: store,
	}, nil
}

// startComponents runs the long-lived components until ctx is canceled or
// one of them fails.
func startComponents(ctx context.Context, c *components, cfg *config.Config) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := c.handler.Start(gctx); err != nil {
			return fmt.Errorf("chat handler: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := c.http.ListenAndServe(gctx, cfg.HTTP.Addr); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return c.cleanup.Run(gctx)
	})

	slog.InfoContext(ctx, "chatrelay started, listening for messages")
	return g.Wait()
}

func shutdown(ctx context.Context, c *components, logger *slog.Logger) {
	logger.InfoContext(ctx, "shutting down components")

	if err := c.queue.Stop(ctx); err != nil {
		logger.WarnContext(ctx, "queue did not drain before timeout", slog.Any("error", err))
	}
	c.typing.StopAll()
	if c.archive != nil {
		c.archive.Close()
	}

	logger.InfoContext(ctx, "shutdown complete")
}
