package tamper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"securetrack/internal/capability"
)

// DefaultShadeDebounce is the minimum spacing between collapses.
const DefaultShadeDebounce = 500 * time.Millisecond

// ShadeSuppressor re-collapses the notification shade on a locked screen.
type ShadeSuppressor struct {
	shade    capability.Shade
	debounce time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	last time.Time
}

// NewShadeSuppressor creates a ShadeSuppressor.
func NewShadeSuppressor(shade capability.Shade, debounce time.Duration, logger *slog.Logger) *ShadeSuppressor {
	if debounce <= 0 {
		debounce = DefaultShadeDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ShadeSuppressor{shade: shade, debounce: debounce, logger: logger, now: time.Now}
}

// Suppress collapses the shade unless a collapse ran within the debounce
// window. When collapsing fails it falls back to the home screen. It
// reports whether an action was taken.
func (s *ShadeSuppressor) Suppress(ctx context.Context) bool {
	s.mu.Lock()
	now := s.now()
	if !s.last.IsZero() && now.Sub(s.last) < s.debounce {
		s.mu.Unlock()
		return false
	}
	s.last = now
	s.mu.Unlock()

	if err := s.shade.Collapse(ctx); err != nil {
		s.logger.Warn("shade collapse failed, going home", "error", err)
		if err := s.shade.Home(ctx); err != nil {
			s.logger.Error("home action failed", "error", err)
		}
	}
	return true
}
