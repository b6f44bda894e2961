package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const commandColumns = `id, command_name, sender, created_ns, updated_ns, status, result_message, location_lat, location_lng`

// InsertCommandLog creates a RECEIVED row and returns its id.
func (s *Store) InsertCommandLog(ctx context.Context, commandName, sender string) (int64, error) {
	now := toNanos(s.now())
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO command_logs (command_name, sender, created_ns, updated_ns, status)
		VALUES (?, ?, ?, ?, ?)`,
		commandName, sender, now, now, StatusReceived,
	)
	if err != nil {
		return 0, fmt.Errorf("insert command log: %w", err)
	}
	return result.LastInsertId()
}

// AdvanceCommandLog moves row id to status to, provided its current status is
// one of to.Predecessors(). An empty message keeps the existing one. It
// returns false when the row exists but is not in an allowed state.
func (s *Store) AdvanceCommandLog(ctx context.Context, id int64, to CommandStatus, message string) (bool, error) {
	from := to.Predecessors()
	if len(from) == 0 {
		return false, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := []any{to, nullString(message), toNanos(s.now()), id}
	for _, st := range from {
		args = append(args, st)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE command_logs
		SET status = ?, result_message = COALESCE(?, result_message), updated_ns = ?
		WHERE id = ? AND status IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return false, fmt.Errorf("advance command log: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance command log: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	if _, err := s.GetCommandLog(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// SetCommandLocation stores the coordinates reported for row id.
func (s *Store) SetCommandLocation(ctx context.Context, id int64, lat, lng float64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE command_logs SET location_lat = ?, location_lng = ?, updated_ns = ? WHERE id = ?`,
		lat, lng, toNanos(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("set command location: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetCommandLog returns row id or ErrNotFound.
func (s *Store) GetCommandLog(ctx context.Context, id int64) (*CommandLog, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM command_logs WHERE id = ?`, id)
	log, err := scanCommandLog(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get command log: %w", err)
	}
	return log, nil
}

// RecentCommandLogs returns up to limit rows, newest first. A limit <= 0
// returns every row.
func (s *Store) RecentCommandLogs(ctx context.Context, limit int) ([]CommandLog, error) {
	query := `SELECT ` + commandColumns + ` FROM command_logs ORDER BY created_ns DESC, id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query command logs: %w", err)
	}
	defer rows.Close()

	var logs []CommandLog
	for rows.Next() {
		log, err := scanCommandLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan command log: %w", err)
		}
		logs = append(logs, *log)
	}
	return logs, rows.Err()
}

// CountCommandLogsByStatus counts rows currently in status.
func (s *Store) CountCommandLogsByStatus(ctx context.Context, status CommandStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM command_logs WHERE status = ?`, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count command logs: %w", err)
	}
	return n, nil
}

// DeleteCommandLog removes row id.
func (s *Store) DeleteCommandLog(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM command_logs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete command log: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteCommandLogsBefore removes rows created before t and returns how many
// were removed.
func (s *Store) DeleteCommandLogsBefore(ctx context.Context, t time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM command_logs WHERE created_ns < ?`, toNanos(t))
	if err != nil {
		return 0, fmt.Errorf("purge command logs: %w", err)
	}
	return result.RowsAffected()
}

// ClearCommandLogs removes every row.
func (s *Store) ClearCommandLogs(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM command_logs`); err != nil {
		return fmt.Errorf("clear command logs: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommandLog(r rowScanner) (*CommandLog, error) {
	var (
		log              CommandLog
		created, updated int64
		status           string
		message          sql.NullString
		lat, lng         sql.NullFloat64
	)
	if err := r.Scan(&log.ID, &log.CommandName, &log.Sender, &created, &updated, &status, &message, &lat, &lng); err != nil {
		return nil, err
	}
	log.CreatedAt = fromNanos(created)
	log.UpdatedAt = fromNanos(updated)
	log.Status = CommandStatus(status)
	log.ResultMessage = message.String
	log.Location = coordinates(lat, lng)
	return &log, nil
}
