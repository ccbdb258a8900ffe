// Package archive keeps an append-only Postgres log of relayed turns.
package archive

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres" // migrate driver
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Roles stored with each turn.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one archived message.
type Turn struct {
	CreatedAt      time.Time `json:"created_at"`
	ServerID       string    `json:"server_id"`
	ChannelID      string    `json:"channel_id"`
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
}

// Config contains archive connection settings.
type Config struct {
	URL             string
	MaxConns        int
	ConnectAttempts int
}

// Store writes turns to Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps an existing pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies the embedded schema migrations to the database at url.
func Migrate(url string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, url)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Connect establishes a connection pool, retrying with backoff.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}

	attempts := max(cfg.ConnectAttempts, 1)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				slog.InfoContext(ctx, "connected to archive database", slog.Int("attempts", attempt))
				return pool, nil
			}
			pool.Close()
		}
		lastErr = err

		if attempt < attempts {
			backoff := calcBackoff(attempt)
			slog.WarnContext(ctx, "failed to connect to archive database, retrying",
				slog.Int("attempt", attempt),
				slog.Duration("backoff", backoff),
				slog.Any("error", err))

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("connection cancelled: %w", ctx.Err())
			}
		}
	}

	return nil, fmt.Errorf("connect to database after %d attempts: %w", attempts, lastErr)
}

// calcBackoff returns exponential backoff capped at 16 seconds.
func calcBackoff(attempt int) time.Duration {
	return min(time.Duration(1<<(attempt-1))*time.Second, 16*time.Second)
}

// Record appends a turn.
func (s *Store) Record(ctx context.Context, turn Turn) error {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO conversation_turns (server_id, channel_id, user_id, conversation_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.pool.Exec(ctx, query,
		turn.ServerID,
		turn.ChannelID,
		turn.UserID,
		turn.ConversationID,
		turn.Role,
		turn.Content,
		turn.CreatedAt,
	)
	if err != nil {
		writes.WithLabelValues("error").Inc()
		return fmt.Errorf("record turn: %w", err)
	}
	writes.WithLabelValues("ok").Inc()
	return nil
}

// Recent returns up to limit turns for a channel, newest first.
func (s *Store) Recent(ctx context.Context, channelID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT server_id, channel_id, user_id, conversation_id, role, content, created_at
		FROM conversation_turns
		WHERE channel_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(
			&t.ServerID,
			&t.ChannelID,
			&t.UserID,
			&t.ConversationID,
			&t.Role,
			&t.Content,
			&t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return turns, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}
