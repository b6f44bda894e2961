package store

import (
	"context"
	"database/sql"
	"fmt"
)

// InsertIntruderLog stores a capture record and returns its id.
func (s *Store) InsertIntruderLog(ctx context.Context, l *IntruderLog) (int64, error) {
	var lat, lng sql.NullFloat64
	if l.Coords != nil {
		lat = sql.NullFloat64{Float64: l.Coords.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: l.Coords.Lng, Valid: true}
	}
	location := l.Location
	if location == "" {
		location = "Unknown"
	}
	captured := l.CapturedAt
	if captured.IsZero() {
		captured = s.now()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO intruder_logs (image_path, captured_ns, location, location_lat, location_lng, reason)
		VALUES (?, ?, ?, ?, ?, ?)`,
		l.ImagePath, toNanos(captured), location, lat, lng, nullString(l.Reason),
	)
	if err != nil {
		return 0, fmt.Errorf("insert intruder log: %w", err)
	}
	return result.LastInsertId()
}

// SetIntruderLocation fills in the location of capture id.
func (s *Store) SetIntruderLocation(ctx context.Context, id int64, location string, lat, lng float64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE intruder_logs SET location = ?, location_lat = ?, location_lng = ? WHERE id = ?`,
		location, lat, lng, id,
	)
	if err != nil {
		return fmt.Errorf("set intruder location: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IntruderLogs returns captures newest first, at most limit when limit > 0.
func (s *Store) IntruderLogs(ctx context.Context, limit int) ([]IntruderLog, error) {
	query := `SELECT id, image_path, captured_ns, location, location_lat, location_lng, reason
		FROM intruder_logs ORDER BY captured_ns DESC, id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query intruder logs: %w", err)
	}
	defer rows.Close()

	var logs []IntruderLog
	for rows.Next() {
		var (
			l        IntruderLog
			captured int64
			lat, lng sql.NullFloat64
			reason   sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.ImagePath, &captured, &l.Location, &lat, &lng, &reason); err != nil {
			return nil, fmt.Errorf("scan intruder log: %w", err)
		}
		l.CapturedAt = fromNanos(captured)
		l.Coords = coordinates(lat, lng)
		l.Reason = reason.String
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// ClearIntruderLogs removes every capture record. Image files are left to
// the caller.
func (s *Store) ClearIntruderLogs(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM intruder_logs`); err != nil {
		return fmt.Errorf("clear intruder logs: %w", err)
	}
	return nil
}
