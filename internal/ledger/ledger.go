// Package ledger is the audit trail of every inbound command and covert
// capture. Rows move forward only: RECEIVED, then UNAUTHORIZED or PROCESSING,
// then SUCCESS or FAILED.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"securetrack/internal/metrics"
	"securetrack/internal/store"
)

// NoEntry is the id used by work that has no ledger row, such as a locate
// started by a tamper detector.
const NoEntry int64 = -1

var (
	ErrNotFound          = errors.New("ledger: entry not found")
	ErrInvalidTransition = errors.New("ledger: invalid status transition")
)

// Repository is the persistence the ledger needs. *store.Store implements it.
type Repository interface {
	InsertCommandLog(ctx context.Context, commandName, sender string) (int64, error)
	AdvanceCommandLog(ctx context.Context, id int64, to store.CommandStatus, message string) (bool, error)
	SetCommandLocation(ctx context.Context, id int64, lat, lng float64) error
	GetCommandLog(ctx context.Context, id int64) (*store.CommandLog, error)
	RecentCommandLogs(ctx context.Context, limit int) ([]store.CommandLog, error)
	CountCommandLogsByStatus(ctx context.Context, status store.CommandStatus) (int, error)
	DeleteCommandLog(ctx context.Context, id int64) error
	DeleteCommandLogsBefore(ctx context.Context, t time.Time) (int64, error)
	ClearCommandLogs(ctx context.Context) error
	InsertIntruderLog(ctx context.Context, l *store.IntruderLog) (int64, error)
	SetIntruderLocation(ctx context.Context, id int64, location string, lat, lng float64) error
	IntruderLogs(ctx context.Context, limit int) ([]store.IntruderLog, error)
	ClearIntruderLogs(ctx context.Context) error
}

var _ Repository = (*store.Store)(nil)

// Ledger records command lifecycles.
type Ledger struct {
	repo    Repository
	logger  *slog.Logger
	metrics *metrics.SecureTrack
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(lg *Ledger) { lg.logger = l }
}

// WithMetrics counts status transitions.
func WithMetrics(m *metrics.SecureTrack) Option {
	return func(lg *Ledger) { lg.metrics = m }
}

// New creates a Ledger over repo.
func New(repo Repository, opts ...Option) *Ledger {
	lg := &Ledger{repo: repo, logger: slog.Default()}
	for _, opt := range opts {
		opt(lg)
	}
	return lg
}

// Create appends a RECEIVED row and returns its id.
func (lg *Ledger) Create(ctx context.Context, commandName, sender string) (int64, error) {
	id, err := lg.repo.InsertCommandLog(ctx, commandName, sender)
	if err != nil {
		return 0, fmt.Errorf("create entry: %w", err)
	}
	lg.logger.Debug("ledger entry created", "id", id, "command", commandName, "sender", sender)
	lg.count(commandName, store.StatusReceived)
	return id, nil
}

// Advance moves entry id to status. A transition that is not forward
// returns ErrInvalidTransition and leaves the row unchanged.
func (lg *Ledger) Advance(ctx context.Context, id int64, status store.CommandStatus, message string) error {
	if id == NoEntry {
		return nil
	}
	if !status.Valid() || len(status.Predecessors()) == 0 {
		return fmt.Errorf("%w: to %s", ErrInvalidTransition, status)
	}

	ok, err := lg.repo.AdvanceCommandLog(ctx, id, status, message)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("advance %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("advance %d: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("advance %d: %w: to %s", id, ErrInvalidTransition, status)
	}

	lg.logger.Debug("ledger entry advanced", "id", id, "status", status, "message", message)
	if lg.metrics != nil {
		if e, err := lg.repo.GetCommandLog(ctx, id); err == nil {
			lg.count(e.CommandName, status)
		}
	}
	return nil
}

// RecordLocation attaches coordinates to entry id.
func (lg *Ledger) RecordLocation(ctx context.Context, id int64, lat, lng float64) error {
	if id == NoEntry {
		return nil
	}
	err := lg.repo.SetCommandLocation(ctx, id, lat, lng)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("record location %d: %w", id, ErrNotFound)
	}
	return err
}

// Complete writes a terminal status and, when loc is non-nil, its location.
// The status is written even when the location is not: a SUCCESS whose
// coordinates could not be stored becomes FAILED with the cause.
func (lg *Ledger) Complete(ctx context.Context, id int64, status store.CommandStatus, message string, loc *store.Coordinates) error {
	if id == NoEntry {
		return nil
	}
	var locErr error
	if loc != nil {
		if locErr = lg.RecordLocation(ctx, id, loc.Lat, loc.Lng); locErr != nil {
			lg.logger.Warn("ledger location not recorded", "id", id, "error", locErr)
			if status == store.StatusSuccess {
				status = store.StatusFailed
				message = fmt.Sprintf("Location not recorded: %v", locErr)
			}
		}
	}
	return errors.Join(locErr, lg.Advance(ctx, id, status, message))
}

// Get returns entry id.
func (lg *Ledger) Get(ctx context.Context, id int64) (*store.CommandLog, error) {
	e, err := lg.repo.GetCommandLog(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return e, err
}

// Recent returns the newest n entries, newest first.
func (lg *Ledger) Recent(ctx context.Context, n int) ([]store.CommandLog, error) {
	if n <= 0 {
		return nil, nil
	}
	return lg.repo.RecentCommandLogs(ctx, n)
}

// All returns every entry, newest first.
func (lg *Ledger) All(ctx context.Context) ([]store.CommandLog, error) {
	return lg.repo.RecentCommandLogs(ctx, 0)
}

// CountByStatus counts entries currently at status.
func (lg *Ledger) CountByStatus(ctx context.Context, status store.CommandStatus) (int, error) {
	return lg.repo.CountCommandLogsByStatus(ctx, status)
}

// Delete removes entry id.
func (lg *Ledger) Delete(ctx context.Context, id int64) error {
	err := lg.repo.DeleteCommandLog(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// PurgeOlderThan removes entries created before t.
func (lg *Ledger) PurgeOlderThan(ctx context.Context, t time.Time) (int64, error) {
	n, err := lg.repo.DeleteCommandLogsBefore(ctx, t)
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	if n > 0 {
		lg.logger.Info("ledger purged", "removed", n, "before", t.Format(time.RFC3339))
		if lg.metrics != nil {
			lg.metrics.LedgerPurged.Add(uint64(n))
		}
	}
	return n, nil
}

// Clear removes every command and intruder entry.
func (lg *Ledger) Clear(ctx context.Context) error {
	if err := lg.repo.ClearCommandLogs(ctx); err != nil {
		return err
	}
	return lg.repo.ClearIntruderLogs(ctx)
}

// RecordIntrusion stores a covert capture.
func (lg *Ledger) RecordIntrusion(ctx context.Context, l *store.IntruderLog) (int64, error) {
	id, err := lg.repo.InsertIntruderLog(ctx, l)
	if err != nil {
		return 0, fmt.Errorf("record intrusion: %w", err)
	}
	lg.logger.Info("intrusion recorded", "id", id, "reason", l.Reason)
	if lg.metrics != nil {
		lg.metrics.IntruderCaptures.Inc()
	}
	return id, nil
}

// LocateIntrusion attaches a location resolved after capture id was stored.
func (lg *Ledger) LocateIntrusion(ctx context.Context, id int64, location string, c store.Coordinates) error {
	if err := lg.repo.SetIntruderLocation(ctx, id, location, c.Lat, c.Lng); err != nil {
		return fmt.Errorf("locate intrusion %d: %w", id, err)
	}
	return nil
}

// Intrusions returns up to limit captures, newest first. limit <= 0 returns all.
func (lg *Ledger) Intrusions(ctx context.Context, limit int) ([]store.IntruderLog, error) {
	return lg.repo.IntruderLogs(ctx, limit)
}

func (lg *Ledger) count(command string, status store.CommandStatus) {
	if lg.metrics != nil {
		lg.metrics.CommandStatus(command, string(status))
	}
}
