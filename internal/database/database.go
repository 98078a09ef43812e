package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"

	"voicekeeper/internal/logger"
)

// DB wraps the database connection and tracks its reachability
type DB struct {
	conn      *sql.DB
	log       *logger.Logger
	connected atomic.Bool
}

// New creates a new database connection
func New(ctx context.Context, dsn string, log *logger.Logger) (*DB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return setup(ctx, conn, log)
}

// setup verifies conn and prepares the schema. conn is closed on failure.
func setup(ctx context.Context, conn *sql.DB, log *logger.Logger) (*DB, error) {
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{conn: conn, log: log}
	db.connected.Store(true)

	if err := db.createTables(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	db.migrateSchema(ctx)

	return db, nil
}

// NewWithConn wraps an already opened connection. Schema setup is skipped.
func NewWithConn(conn *sql.DB, log *logger.Logger) *DB {
	db := &DB{conn: conn, log: log}
	db.connected.Store(true)
	return db
}

// Close closes the database connection
func (db *DB) Close() error {
	db.connected.Store(false)
	return db.conn.Close()
}

// GetConnection returns the underlying database connection
func (db *DB) GetConnection() *sql.DB {
	return db.conn
}

// Connected returns the cached reachability flag
func (db *DB) Connected() bool {
	return db.connected.Load()
}

// EnsureConnection pings the database when the cached flag says it is down.
func (db *DB) EnsureConnection(ctx context.Context) error {
	if db.connected.Load() {
		return nil
	}
	if err := db.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("database unavailable: %w", err)
	}
	db.connected.Store(true)
	db.log.Info("database connection restored")
	return nil
}

// observe flips the cached flag down when err looks like a lost connection
func (db *DB) observe(err error) error {
	if err != nil && isConnectionError(err) && db.connected.Swap(false) {
		db.log.Warn("database connection lost", logger.F("error", err))
	}
	return err
}

// Watch pings the database every interval and keeps the cached flag fresh
// until ctx is cancelled.
func (db *DB) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, interval/2)
			err := db.conn.PingContext(pingCtx)
			cancel()
			if err != nil {
				if db.connected.Swap(false) {
					db.log.Warn("database ping failed", logger.F("error", err))
				}
				continue
			}
			if !db.connected.Swap(true) {
				db.log.Info("database connection restored")
			}
		}
	}
}

func isConnectionError(err error) bool {
	return errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone)
}

// createTables creates the necessary tables
func (db *DB) createTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS voice_usage (
			user_id TEXT PRIMARY KEY,
			username TEXT NOT NULL DEFAULT '',
			total_time BIGINT NOT NULL DEFAULT 0,
			last_seen TIMESTAMPTZ NOT NULL DEFAULT now(),
			excluded_channels TEXT[] NOT NULL DEFAULT '{}',
			last_cleanup_date TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS voice_sessions (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES voice_usage(user_id) ON DELETE CASCADE,
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ,
			duration BIGINT,
			channel_id TEXT NOT NULL,
			channel_name TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS voice_sessions_user_start_idx ON voice_sessions (user_id, start_time)`,
		`CREATE INDEX IF NOT EXISTS voice_sessions_open_idx ON voice_sessions (user_id) WHERE end_time IS NULL`,
		`CREATE TABLE IF NOT EXISTS voice_preferences (
			user_id TEXT PRIMARY KEY,
			name_pattern TEXT,
			user_limit INTEGER CHECK (user_limit BETWEEN 0 AND 99),
			bitrate INTEGER CHECK (bitrate BETWEEN 8 AND 384),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}

	for _, query := range queries {
		if _, err := db.conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return nil
}

// migrateSchema handles database schema migrations
func (db *DB) migrateSchema(ctx context.Context) {
	migrations := []string{
		`ALTER TABLE voice_usage ADD COLUMN IF NOT EXISTS last_cleanup_date TIMESTAMPTZ`,
		`ALTER TABLE voice_usage ADD COLUMN IF NOT EXISTS excluded_channels TEXT[] NOT NULL DEFAULT '{}'`,

		// Fold totals from the per-guild voice_hours table of older releases, once
		`DO $$
		BEGIN
			IF EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'voice_hours') THEN
				INSERT INTO voice_usage (user_id, total_time)
				SELECT user_id, SUM(total_seconds) FROM voice_hours GROUP BY user_id
				ON CONFLICT (user_id) DO NOTHING;
				ALTER TABLE voice_hours RENAME TO voice_hours_migrated;
			END IF;
		END$$;`,
	}

	for _, migration := range migrations {
		if _, err := db.conn.ExecContext(ctx, migration); err != nil {
			db.log.Warn("migration failed (this might be expected)", logger.F("error", err))
		}
	}
}
