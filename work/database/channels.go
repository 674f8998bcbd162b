package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"iptv-relay/work/types"
)

// UpsertChannelInfo stores display metadata for a channel.
func (db *DB) UpsertChannelInfo(ctx context.Context, info types.ChannelInfo) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO channel_info (channel_id, display_name, logo_url, epg_id, group_title,
			description, country, language, categories, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, unixepoch())
		ON CONFLICT(channel_id) DO UPDATE SET
			display_name = excluded.display_name,
			logo_url = excluded.logo_url,
			epg_id = excluded.epg_id,
			group_title = excluded.group_title,
			description = excluded.description,
			country = excluded.country,
			language = excluded.language,
			categories = excluded.categories,
			updated_at = excluded.updated_at
	`, info.ChannelID, info.DisplayName, info.LogoURL, info.EPGID, info.GroupTitle,
		info.Description, info.Country, info.Language, info.Categories)
	if err != nil {
		return fmt.Errorf("failed to upsert channel info: %w", err)
	}
	return nil
}

// GetChannelInfo returns metadata for one channel or ErrNotFound.
func (db *DB) GetChannelInfo(ctx context.Context, channel string) (types.ChannelInfo, error) {
	var info types.ChannelInfo
	err := db.QueryRowContext(ctx, `
		SELECT channel_id, display_name, logo_url, epg_id, group_title, description, country, language, categories
		FROM channel_info WHERE channel_id = ?
	`, channel).Scan(&info.ChannelID, &info.DisplayName, &info.LogoURL, &info.EPGID, &info.GroupTitle,
		&info.Description, &info.Country, &info.Language, &info.Categories)
	if errors.Is(err, sql.ErrNoRows) {
		return info, ErrNotFound
	}
	if err != nil {
		return info, fmt.Errorf("failed to load channel info: %w", err)
	}
	return info, nil
}

// PlaylistChannels lists every channel that has a source, joined with its
// metadata when present. A non-empty group filters on group_title, ignoring case.
func (db *DB) PlaylistChannels(ctx context.Context, group string) ([]types.ChannelInfo, error) {
	query := `
		SELECT s.channel_id,
		       COALESCE(i.display_name, ''), COALESCE(i.logo_url, ''), COALESCE(i.epg_id, ''),
		       COALESCE(i.group_title, ''), COALESCE(i.description, ''), COALESCE(i.country, ''),
		       COALESCE(i.language, ''), COALESCE(i.categories, '')
		FROM (SELECT DISTINCT channel_id FROM channel_sources) s
		LEFT JOIN channel_info i ON i.channel_id = s.channel_id
	`
	var args []any
	if group != "" {
		query += ` WHERE i.group_title = ? COLLATE NOCASE`
		args = append(args, group)
	}
	query += ` ORDER BY COALESCE(i.group_title, ''), s.channel_id`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list playlist channels: %w", err)
	}
	defer rows.Close()

	var out []types.ChannelInfo
	for rows.Next() {
		var info types.ChannelInfo
		if err := rows.Scan(&info.ChannelID, &info.DisplayName, &info.LogoURL, &info.EPGID, &info.GroupTitle,
			&info.Description, &info.Country, &info.Language, &info.Categories); err != nil {
			return nil, fmt.Errorf("failed to scan channel info: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}
