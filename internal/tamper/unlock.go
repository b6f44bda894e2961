package tamper

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"securetrack/internal/capability"
	"securetrack/internal/store"
)

// DefaultUnlockThreshold is the failure count that triggers a capture.
const DefaultUnlockThreshold = 1

// UnlockState is the persisted failed-unlock counter.
type UnlockState interface {
	IncrementFailedUnlocks(ctx context.Context) (int, error)
	ResetFailedUnlocks(ctx context.Context) error
}

// Capturer takes a covert capture.
type Capturer interface {
	Take(ctx context.Context, reason string) (*store.IntruderLog, error)
}

// UnlockWatcher counts failed unlocks and escalates to a covert capture at
// the threshold. Only a successful unlock resets the counter.
type UnlockWatcher struct {
	state     UnlockState
	capture   Capturer
	threshold atomic.Int64
	obs       *Observer
	logger    *slog.Logger
}

// NewUnlockWatcher creates an UnlockWatcher. threshold < 1 selects
// DefaultUnlockThreshold.
func NewUnlockWatcher(state UnlockState, capture Capturer, threshold int, obs *Observer) *UnlockWatcher {
	if threshold < 1 {
		threshold = DefaultUnlockThreshold
	}
	logger := slog.Default()
	if obs != nil && obs.Logger != nil {
		logger = obs.Logger
	}
	w := &UnlockWatcher{state: state, capture: capture, obs: obs, logger: logger}
	w.threshold.Store(int64(threshold))
	return w
}

// SetThreshold changes the capture threshold; n < 1 selects
// DefaultUnlockThreshold.
func (w *UnlockWatcher) SetThreshold(n int) {
	if n < 1 {
		n = DefaultUnlockThreshold
	}
	w.threshold.Store(int64(n))
}

// Threshold returns the capture threshold.
func (w *UnlockWatcher) Threshold() int {
	return int(w.threshold.Load())
}

// Failed records a failed unlock. It returns the new count and whether a
// capture was taken.
func (w *UnlockWatcher) Failed(ctx context.Context) (int, bool, error) {
	count, err := w.state.IncrementFailedUnlocks(ctx)
	if err != nil {
		return 0, false, err
	}
	w.logger.Warn("failed unlock", "count", count)
	if count < w.Threshold() {
		return count, false, nil
	}

	w.obs.detected(ctx, "failed_unlock", map[string]any{"count": count})
	if _, err := w.capture.Take(ctx, "failed_unlock"); err != nil {
		if errors.Is(err, capability.ErrNotGranted) {
			return count, false, nil
		}
		return count, false, err
	}
	return count, true, nil
}

// Succeeded resets the counter.
func (w *UnlockWatcher) Succeeded(ctx context.Context) error {
	return w.state.ResetFailedUnlocks(ctx)
}
