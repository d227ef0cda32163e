package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a session row does not exist.
var ErrNotFound = errors.New("record not found")

// SessionID returns the stored resumption token for a connection key.
func (s *Store) SessionID(ctx context.Context, connKey string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx,
		`SELECT session_id FROM sessions WHERE conn_key = ?`, connKey).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query session: %w", err)
	}
	return id, nil
}

// SaveSessionID stores or replaces the resumption token for a connection key.
func (s *Store) SaveSessionID(ctx context.Context, connKey, sessionID string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sessions (conn_key, session_id, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(conn_key) DO UPDATE SET
			session_id = excluded.session_id,
			updated_at = CURRENT_TIMESTAMP
	`, connKey, sessionID)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// DeleteSession removes the resumption token for a connection key.
func (s *Store) DeleteSession(ctx context.Context, connKey string) error {
	if _, err := s.DB.ExecContext(ctx,
		`DELETE FROM sessions WHERE conn_key = ?`, connKey); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// CacheRow is one persisted cache entry.
type CacheRow struct {
	Category  string
	Key       string
	Value     []byte
	UpdatedAt time.Time
}

// ReplaceCache atomically replaces the persisted snapshot with the given rows.
func (s *Store) ReplaceCache(ctx context.Context, rows []CacheRow) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cache tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO cache_entries (category, key, value, updated_at)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare cache insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx,
			row.Category, row.Key, string(row.Value), row.UpdatedAt.UTC()); err != nil {
			return fmt.Errorf("insert cache row %s/%s: %w", row.Category, row.Key, err)
		}
	}
	return tx.Commit()
}

// LoadCache reads back every persisted cache entry.
func (s *Store) LoadCache(ctx context.Context) ([]CacheRow, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT category, key, value, updated_at FROM cache_entries`)
	if err != nil {
		return nil, fmt.Errorf("query cache: %w", err)
	}
	defer rows.Close()

	var out []CacheRow
	for rows.Next() {
		var r CacheRow
		var value string
		if err := rows.Scan(&r.Category, &r.Key, &value, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan cache row: %w", err)
		}
		r.Value = []byte(value)
		out = append(out, r)
	}
	return out, rows.Err()
}
