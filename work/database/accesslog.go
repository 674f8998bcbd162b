package database

import (
	"context"
	"fmt"
	"time"

	"iptv-relay/work/types"
)

// InsertAccessLog appends one access log row.
func (db *DB) InsertAccessLog(ctx context.Context, e types.AccessLogEntry) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO access_logs (id, channel_id, source_url, access_time, user_ip, user_agent, status, bytes_sent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.ChannelID, e.SourceURL, toMillis(e.AccessTime), e.ClientIP, e.UserAgent, e.Status, e.BytesSent)
	if err != nil {
		return fmt.Errorf("failed to insert access log: %w", err)
	}
	return nil
}

// RecentAccessLogs returns the newest rows for a channel, newest first.
func (db *DB) RecentAccessLogs(ctx context.Context, channel string, limit int) ([]types.AccessLogEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, channel_id, source_url, access_time, user_ip, user_agent, status, bytes_sent
		FROM access_logs WHERE channel_id = ?
		ORDER BY access_time DESC LIMIT ?
	`, channel, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load access logs: %w", err)
	}
	defer rows.Close()

	var out []types.AccessLogEntry
	for rows.Next() {
		var (
			e  types.AccessLogEntry
			at int64
		)
		if err := rows.Scan(&e.ID, &e.ChannelID, &e.SourceURL, &at, &e.ClientIP, &e.UserAgent, &e.Status, &e.BytesSent); err != nil {
			return nil, fmt.Errorf("failed to scan access log: %w", err)
		}
		e.AccessTime = fromMillis(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneAccessLogs deletes rows older than before and returns how many went.
func (db *DB) PruneAccessLogs(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM access_logs WHERE access_time < ?`, toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("failed to prune access logs: %w", err)
	}
	return res.RowsAffected()
}
