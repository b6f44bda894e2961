package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetSecret returns the stored blob for key, or nil when the key is unset.
// Values are opaque to the store; callers seal them before writing.
func (s *Store) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secure_prefs WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get secret %s: %w", key, err)
	}
	return value, nil
}

// PutSecret inserts or replaces the blob for key.
func (s *Store) PutSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO secure_prefs (key, value, updated_ns) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_ns = excluded.updated_ns`,
		key, value, toNanos(s.now()),
	)
	if err != nil {
		return fmt.Errorf("put secret %s: %w", key, err)
	}
	return nil
}

// DeleteSecret removes key. Deleting a missing key is not an error.
func (s *Store) DeleteSecret(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM secure_prefs WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete secret %s: %w", key, err)
	}
	return nil
}

// ClearSecrets removes every stored preference.
func (s *Store) ClearSecrets(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM secure_prefs`); err != nil {
		return fmt.Errorf("clear secrets: %w", err)
	}
	return nil
}
