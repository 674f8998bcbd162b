package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"iptv-relay/work/types"
)

const sourceColumns = `channel_id, url, priority, is_active, last_checked, success_count, fail_count, avg_response_time`

func scanSource(rows *sql.Rows) (types.ChannelSource, error) {
	var (
		src         types.ChannelSource
		active      int
		lastChecked int64
	)
	err := rows.Scan(&src.ChannelID, &src.URL, &src.Priority, &active, &lastChecked,
		&src.SuccessCount, &src.FailCount, &src.AvgResponseTime)
	if err != nil {
		return src, err
	}
	src.Active = active == 1
	src.LastChecked = fromMillis(lastChecked)
	return src, nil
}

func (db *DB) querySources(ctx context.Context, query string, args ...any) ([]types.ChannelSource, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load sources: %w", err)
	}
	defer rows.Close()

	var sources []types.ChannelSource
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// ListSources returns every source registered for a channel, active or not.
func (db *DB) ListSources(ctx context.Context, channel string) ([]types.ChannelSource, error) {
	return db.querySources(ctx,
		`SELECT `+sourceColumns+` FROM channel_sources WHERE channel_id = ? ORDER BY priority, avg_response_time, url`,
		channel)
}

// AllSources returns every registered source across channels.
func (db *DB) AllSources(ctx context.Context) ([]types.ChannelSource, error) {
	return db.querySources(ctx,
		`SELECT `+sourceColumns+` FROM channel_sources ORDER BY channel_id, priority, avg_response_time, url`)
}

// Channels returns the distinct channel ids that have at least one source.
func (db *DB) Channels(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT DISTINCT channel_id FROM channel_sources ORDER BY channel_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	defer rows.Close()

	var channels []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		channels = append(channels, id)
	}
	return channels, rows.Err()
}

// UpsertSource inserts a source or, when the (channel, url) pair exists,
// updates its priority and reactivates it.
func (db *DB) UpsertSource(ctx context.Context, channel, url string, priority int) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO channel_sources (channel_id, url, priority, is_active)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(channel_id, url) DO UPDATE SET
			priority = excluded.priority,
			is_active = 1
	`, channel, url, priority)
	if err != nil {
		return fmt.Errorf("failed to upsert source: %w", err)
	}
	return nil
}

// RecordSuccess reactivates a source and folds elapsed into its running mean
// using the pre-increment success count. The update is a single statement, so
// concurrent outcomes for the same row never interleave mid-update.
func (db *DB) RecordSuccess(ctx context.Context, channel, url string, elapsed time.Duration, at time.Time) error {
	res, err := db.ExecContext(ctx, `
		UPDATE channel_sources SET
			is_active = 1,
			avg_response_time = (avg_response_time * success_count + ?) / (success_count + 1),
			success_count = success_count + 1,
			last_checked = ?
		WHERE channel_id = ? AND url = ?
	`, elapsed.Seconds(), toMillis(at), channel, url)
	if err != nil {
		return fmt.Errorf("failed to record success: %w", err)
	}
	return requireRow(res)
}

// RecordFailure deactivates a source and bumps its failure count.
func (db *DB) RecordFailure(ctx context.Context, channel, url string, at time.Time) error {
	res, err := db.ExecContext(ctx, `
		UPDATE channel_sources SET
			is_active = 0,
			fail_count = fail_count + 1,
			last_checked = ?
		WHERE channel_id = ? AND url = ?
	`, toMillis(at), channel, url)
	if err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
