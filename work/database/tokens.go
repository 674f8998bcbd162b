package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"iptv-relay/work/types"
)

// UpsertToken stores a token, replacing the expiry if it already exists.
func (db *DB) UpsertToken(ctx context.Context, token string, expiry time.Time) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO access_tokens (token, expiry, added_date)
		VALUES (?, ?, unixepoch())
		ON CONFLICT(token) DO UPDATE SET expiry = excluded.expiry
	`, token, expiry.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert token: %w", err)
	}
	return nil
}

// LatestToken returns the non-expired token with the furthest expiry.
func (db *DB) LatestToken(ctx context.Context, now time.Time) (types.AccessToken, error) {
	var (
		tok             types.AccessToken
		expiry, addedAt int64
	)
	err := db.QueryRowContext(ctx, `
		SELECT token, expiry, added_date FROM access_tokens
		WHERE expiry > ?
		ORDER BY expiry DESC
		LIMIT 1
	`, now.Unix()).Scan(&tok.Token, &expiry, &addedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return tok, ErrNotFound
	}
	if err != nil {
		return tok, fmt.Errorf("failed to load token: %w", err)
	}
	tok.Expiry = time.Unix(expiry, 0)
	tok.AddedAt = time.Unix(addedAt, 0)
	return tok, nil
}
