package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"voicekeeper/internal/models"
)

// Repository handles database operations
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// EnsureConnection reconnects on demand before the next operation
func (r *Repository) EnsureConnection(ctx context.Context) error {
	return r.db.EnsureConnection(ctx)
}

// Connected returns the cached connection flag
func (r *Repository) Connected() bool {
	return r.db.Connected()
}

func (r *Repository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return r.db.observe(fmt.Errorf("failed to begin transaction: %w", err))
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return r.db.observe(err)
	}
	if err := tx.Commit(); err != nil {
		return r.db.observe(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

const upsertUsage = `
	INSERT INTO voice_usage (user_id, username, last_seen)
	VALUES ($1, $2, $3)
	ON CONFLICT (user_id) DO UPDATE SET
		username = CASE WHEN EXCLUDED.username <> '' THEN EXCLUDED.username ELSE voice_usage.username END,
		last_seen = EXCLUDED.last_seen`

// OpenSession creates the usage row on first contact and appends an open session row
func (r *Repository) OpenSession(ctx context.Context, username string, s models.ActiveSession) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, upsertUsage, s.UserID, username, s.StartTime); err != nil {
			return fmt.Errorf("failed to upsert voice usage: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO voice_sessions (user_id, start_time, channel_id, channel_name)
			VALUES ($1, $2, $3, $4)`,
			s.UserID, s.StartTime, s.ChannelID, s.ChannelName); err != nil {
			return fmt.Errorf("failed to open session: %w", err)
		}
		return nil
	})
}

// CloseSession closes the session row whose start time matches and adds its
// duration to the lifetime total, in one transaction. A row already closed by
// ReconcileOrphans only contributes the time past its recorded end, so every
// session is counted once. A missing row is inserted closed.
func (r *Repository) CloseSession(ctx context.Context, username string, s models.ActiveSession, end time.Time, duration int64) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, upsertUsage, s.UserID, username, end); err != nil {
			return fmt.Errorf("failed to upsert voice usage: %w", err)
		}

		added, err := closeSessionRow(ctx, tx, s, end, duration)
		if err != nil {
			return err
		}
		if added <= 0 {
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE voice_usage SET total_time = total_time + $2 WHERE user_id = $1", s.UserID, added); err != nil {
			return fmt.Errorf("failed to add voice seconds: %w", err)
		}
		return nil
	})
}

// closeSessionRow returns the seconds not yet counted in the user's total
func closeSessionRow(ctx context.Context, tx *sql.Tx, s models.ActiveSession, end time.Time, duration int64) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE voice_sessions SET end_time = $3, duration = $4
		WHERE user_id = $1 AND start_time = $2 AND end_time IS NULL`,
		s.UserID, s.StartTime, end, duration)
	if err != nil {
		return 0, fmt.Errorf("failed to close session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return duration, nil
	}

	var recorded sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		SELECT duration FROM voice_sessions
		WHERE user_id = $1 AND start_time = $2 AND end_time IS NOT NULL
		ORDER BY id LIMIT 1 FOR UPDATE`, s.UserID, s.StartTime).Scan(&recorded)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO voice_sessions (user_id, start_time, end_time, duration, channel_id, channel_name)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			s.UserID, s.StartTime, end, duration, s.ChannelID, s.ChannelName); err != nil {
			return 0, fmt.Errorf("failed to insert closed session: %w", err)
		}
		return duration, nil
	case err != nil:
		return 0, fmt.Errorf("failed to look up closed session: %w", err)
	}

	if duration <= recorded.Int64 {
		return 0, nil
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE voice_sessions SET end_time = $3, duration = $4
		WHERE user_id = $1 AND start_time = $2 AND end_time IS NOT NULL`,
		s.UserID, s.StartTime, end, duration); err != nil {
		return 0, fmt.Errorf("failed to extend reconciled session: %w", err)
	}
	return duration - recorded.Int64, nil
}

// ExcludedChannels returns the user's personal exclusion list
func (r *Repository) ExcludedChannels(ctx context.Context, userID string) ([]string, error) {
	var channels []string
	err := r.db.conn.QueryRowContext(ctx,
		"SELECT excluded_channels FROM voice_usage WHERE user_id = $1", userID).Scan(pq.Array(&channels))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, r.db.observe(fmt.Errorf("failed to get excluded channels: %w", err))
	}
	return channels, nil
}

// AddExcludedChannel adds channelID to the user's personal exclusion list.
// It reports false when the channel was already listed.
func (r *Repository) AddExcludedChannel(ctx context.Context, userID, channelID string) (bool, error) {
	res, err := r.db.conn.ExecContext(ctx, `
		INSERT INTO voice_usage (user_id, excluded_channels)
		VALUES ($1, ARRAY[$2::TEXT])
		ON CONFLICT (user_id) DO UPDATE SET
			excluded_channels = array_append(voice_usage.excluded_channels, $2::TEXT)
		WHERE NOT ($2::TEXT = ANY(voice_usage.excluded_channels))`, userID, channelID)
	if err != nil {
		return false, r.db.observe(fmt.Errorf("failed to add excluded channel: %w", err))
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RemoveExcludedChannel drops channelID from the user's exclusion list.
// It reports false when the channel was not listed.
func (r *Repository) RemoveExcludedChannel(ctx context.Context, userID, channelID string) (bool, error) {
	res, err := r.db.conn.ExecContext(ctx, `
		UPDATE voice_usage SET excluded_channels = array_remove(excluded_channels, $2::TEXT)
		WHERE user_id = $1 AND $2::TEXT = ANY(excluded_channels)`, userID, channelID)
	if err != nil {
		return false, r.db.observe(fmt.Errorf("failed to remove excluded channel: %w", err))
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetUsage loads a user's usage document with the sessions started at or after since.
// It returns nil when the user has never been tracked.
func (r *Repository) GetUsage(ctx context.Context, userID string, since time.Time) (*models.VoiceUsage, error) {
	usage := &models.VoiceUsage{UserID: userID}
	var lastCleanup sql.NullTime
	err := r.db.conn.QueryRowContext(ctx, `
		SELECT username, total_time, last_seen, excluded_channels, last_cleanup_date
		FROM voice_usage WHERE user_id = $1`, userID).
		Scan(&usage.Username, &usage.TotalTime, &usage.LastSeen, pq.Array(&usage.ExcludedChannels), &lastCleanup)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, r.db.observe(fmt.Errorf("failed to get voice usage: %w", err))
	}
	if lastCleanup.Valid {
		t := lastCleanup.Time
		usage.LastCleanupDate = &t
	}

	rows, err := r.db.conn.QueryContext(ctx, `
		SELECT start_time, end_time, duration, channel_id, channel_name
		FROM voice_sessions WHERE user_id = $1 AND start_time >= $2
		ORDER BY start_time`, userID, since)
	if err != nil {
		return nil, r.db.observe(fmt.Errorf("failed to get sessions: %w", err))
	}
	defer rows.Close()

	for rows.Next() {
		var (
			entry    models.SessionEntry
			end      sql.NullTime
			duration sql.NullInt64
		)
		if err := rows.Scan(&entry.StartTime, &end, &duration, &entry.ChannelID, &entry.ChannelName); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		if end.Valid {
			t := end.Time
			entry.EndTime = &t
		}
		if duration.Valid {
			d := duration.Int64
			entry.Duration = &d
		}
		usage.Sessions = append(usage.Sessions, entry)
	}
	return usage, rows.Err()
}

// TopUsers ranks users by lifetime total, or by closed session time since
// the given instant when since is non-nil.
func (r *Repository) TopUsers(ctx context.Context, limit int, since *time.Time) ([]models.UserTotal, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if since == nil {
		rows, err = r.db.conn.QueryContext(ctx, `
			SELECT user_id, username, total_time FROM voice_usage
			ORDER BY total_time DESC, user_id LIMIT $1`, limit)
	} else {
		rows, err = r.db.conn.QueryContext(ctx, `
			SELECT u.user_id, u.username, COALESCE(SUM(s.duration), 0) AS total
			FROM voice_sessions s JOIN voice_usage u ON u.user_id = s.user_id
			WHERE s.start_time >= $2 AND s.end_time IS NOT NULL
			GROUP BY u.user_id, u.username
			ORDER BY total DESC, u.user_id LIMIT $1`, limit, *since)
	}
	if err != nil {
		return nil, r.db.observe(fmt.Errorf("failed to get top users: %w", err))
	}
	defer rows.Close()

	var users []models.UserTotal
	for rows.Next() {
		var u models.UserTotal
		if err := rows.Scan(&u.UserID, &u.Username, &u.TotalTime); err != nil {
			return nil, fmt.Errorf("failed to scan top user row: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// LastSeen returns when the user was last seen in voice
func (r *Repository) LastSeen(ctx context.Context, userID string) (time.Time, bool, error) {
	var seen time.Time
	err := r.db.conn.QueryRowContext(ctx, "SELECT last_seen FROM voice_usage WHERE user_id = $1", userID).Scan(&seen)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, r.db.observe(fmt.Errorf("failed to get last seen: %w", err))
	}
	return seen, true, nil
}

// TouchLastSeen stamps last_seen for users that are still connected
func (r *Repository) TouchLastSeen(ctx context.Context, userIDs []string, at time.Time) error {
	if len(userIDs) == 0 {
		return nil
	}
	_, err := r.db.conn.ExecContext(ctx,
		"UPDATE voice_usage SET last_seen = $2 WHERE user_id = ANY($1)", pq.Array(userIDs), at)
	if err != nil {
		return r.db.observe(fmt.Errorf("failed to touch last seen: %w", err))
	}
	return nil
}

// ReconcileOrphans closes open session rows left by a previous process at the
// user's last_seen, folding their duration into the total, and discards the
// ones whose last_seen predates their start.
func (r *Repository) ReconcileOrphans(ctx context.Context) (closed, discarded int64, err error) {
	err = r.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `
			WITH closed AS (
				UPDATE voice_sessions s
				SET end_time = u.last_seen,
					duration = FLOOR(EXTRACT(EPOCH FROM (u.last_seen - s.start_time)))::BIGINT
				FROM voice_usage u
				WHERE s.user_id = u.user_id AND s.end_time IS NULL AND u.last_seen >= s.start_time
				RETURNING s.user_id, s.duration
			), totals AS (
				SELECT user_id, SUM(duration) AS seconds, COUNT(*) AS n FROM closed GROUP BY user_id
			), bumped AS (
				UPDATE voice_usage u SET total_time = u.total_time + totals.seconds
				FROM totals WHERE u.user_id = totals.user_id
				RETURNING totals.n
			)
			SELECT COALESCE(SUM(n), 0) FROM bumped`).Scan(&closed); err != nil {
			return fmt.Errorf("failed to close orphaned sessions: %w", err)
		}

		res, err := tx.ExecContext(ctx, "DELETE FROM voice_sessions WHERE end_time IS NULL")
		if err != nil {
			return fmt.Errorf("failed to discard orphaned sessions: %w", err)
		}
		discarded, _ = res.RowsAffected()
		return nil
	})
	return closed, discarded, err
}

// UsersWithSessionsBefore lists users holding at least one closed session
// that started before cutoff
func (r *Repository) UsersWithSessionsBefore(ctx context.Context, cutoff time.Time) ([]models.UsageRef, error) {
	rows, err := r.db.conn.QueryContext(ctx, `
		SELECT u.user_id, u.username FROM voice_usage u
		WHERE EXISTS (
			SELECT 1 FROM voice_sessions s
			WHERE s.user_id = u.user_id AND s.start_time < $1 AND s.end_time IS NOT NULL
		)
		ORDER BY u.user_id`, cutoff)
	if err != nil {
		return nil, r.db.observe(fmt.Errorf("failed to list users for cleanup: %w", err))
	}
	defer rows.Close()

	var refs []models.UsageRef
	for rows.Next() {
		var ref models.UsageRef
		if err := rows.Scan(&ref.UserID, &ref.Username); err != nil {
			return nil, fmt.Errorf("failed to scan usage ref: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// TruncateSessions deletes a user's closed sessions that started before cutoff.
// total_time is not touched.
func (r *Repository) TruncateSessions(ctx context.Context, userID string, cutoff, now time.Time) (int64, error) {
	var removed int64
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM voice_sessions
			WHERE user_id = $1 AND start_time < $2 AND end_time IS NOT NULL`, userID, cutoff)
		if err != nil {
			return fmt.Errorf("failed to delete old sessions: %w", err)
		}
		removed, _ = res.RowsAffected()

		if _, err := tx.ExecContext(ctx,
			"UPDATE voice_usage SET last_cleanup_date = $2 WHERE user_id = $1", userID, now); err != nil {
			return fmt.Errorf("failed to stamp cleanup date: %w", err)
		}
		return nil
	})
	return removed, err
}

// GetPreferences returns the user's stored voice preferences, or nil
func (r *Repository) GetPreferences(ctx context.Context, userID string) (*models.VoicePreferences, error) {
	var (
		prefs   = &models.VoicePreferences{UserID: userID}
		pattern sql.NullString
		limit   sql.NullInt64
		bitrate sql.NullInt64
	)
	err := r.db.conn.QueryRowContext(ctx, `
		SELECT name_pattern, user_limit, bitrate, created_at, updated_at
		FROM voice_preferences WHERE user_id = $1`, userID).
		Scan(&pattern, &limit, &bitrate, &prefs.CreatedAt, &prefs.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, r.db.observe(fmt.Errorf("failed to get preferences: %w", err))
	}
	if pattern.Valid {
		prefs.NamePattern = &pattern.String
	}
	if limit.Valid {
		n := int(limit.Int64)
		prefs.UserLimit = &n
	}
	if bitrate.Valid {
		n := int(bitrate.Int64)
		prefs.Bitrate = &n
	}
	return prefs, nil
}

// UpsertPreferences writes the non-nil fields of prefs, keeping stored values for the rest
func (r *Repository) UpsertPreferences(ctx context.Context, prefs models.VoicePreferences) error {
	_, err := r.db.conn.ExecContext(ctx, `
		INSERT INTO voice_preferences (user_id, name_pattern, user_limit, bitrate)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			name_pattern = COALESCE(EXCLUDED.name_pattern, voice_preferences.name_pattern),
			user_limit = COALESCE(EXCLUDED.user_limit, voice_preferences.user_limit),
			bitrate = COALESCE(EXCLUDED.bitrate, voice_preferences.bitrate),
			updated_at = now()`,
		prefs.UserID, nullString(prefs.NamePattern), nullInt(prefs.UserLimit), nullInt(prefs.Bitrate))
	if err != nil {
		return r.db.observe(fmt.Errorf("failed to save preferences: %w", err))
	}
	return nil
}

// DeletePreferences resets the user to system defaults
func (r *Repository) DeletePreferences(ctx context.Context, userID string) error {
	if _, err := r.db.conn.ExecContext(ctx, "DELETE FROM voice_preferences WHERE user_id = $1", userID); err != nil {
		return r.db.observe(fmt.Errorf("failed to delete preferences: %w", err))
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}
