package action

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"securetrack/internal/capability"
	"securetrack/internal/dispatch"
	"securetrack/internal/metrics"
)

// SirenPattern alternates off and on durations and repeats from the start.
var SirenPattern = []time.Duration{
	0, time.Second, 500 * time.Millisecond, time.Second, 500 * time.Millisecond, time.Second,
}

// ErrSirenUnavailable is returned when neither sound nor vibration started.
var ErrSirenUnavailable = errors.New("action: siren unavailable")

// Siren drives the audible and haptic alarm. Start and Stop may arrive
// unpaired; the volume saved by Start is restored exactly once.
type Siren struct {
	audio    capability.Audio
	vibrator capability.Vibrator
	logger   *slog.Logger
	metrics  *metrics.SecureTrack

	mu          sync.Mutex
	active      bool
	savedVolume int
	volumeSaved bool
}

// NewSiren creates a Siren. m may be nil.
func NewSiren(audio capability.Audio, vibrator capability.Vibrator, logger *slog.Logger, m *metrics.SecureTrack) *Siren {
	if logger == nil {
		logger = slog.Default()
	}
	return &Siren{audio: audio, vibrator: vibrator, logger: logger, metrics: m}
}

// Start raises the alarm volume to its maximum, loops the tone and starts
// the vibration pattern. Starting an active siren is a no-op.
func (s *Siren) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active {
		return nil
	}

	if s.audio.Granted(ctx) {
		if !s.volumeSaved {
			if v, err := s.audio.Volume(ctx); err == nil {
				s.savedVolume, s.volumeSaved = v, true
			} else {
				s.logger.Warn("read alarm volume failed", "error", err)
			}
		}
		if top, err := s.audio.MaxVolume(ctx); err == nil {
			if err := s.audio.SetVolume(ctx, top); err != nil {
				s.logger.Warn("raise alarm volume failed", "error", err)
			}
		}
	}

	playing := false
	if err := s.audio.PlayLoop(ctx); err != nil {
		s.logger.Error("siren playback failed", "error", err)
	} else {
		playing = true
	}

	vibrating := false
	if s.vibrator.Granted(ctx) {
		if err := s.vibrator.Vibrate(ctx, SirenPattern, true); err != nil {
			s.logger.Warn("siren vibration failed", "error", err)
		} else {
			vibrating = true
		}
	}

	if !playing && !vibrating {
		s.restoreLocked(ctx)
		return ErrSirenUnavailable
	}

	s.active = true
	if s.metrics != nil {
		s.metrics.SirenActive.Set(1)
	}
	s.logger.Info("siren started", "sound", playing, "vibration", vibrating)
	return nil
}

// Stop silences the siren and restores the saved volume. It is safe to call
// at any time.
func (s *Siren) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if err := s.audio.StopPlayback(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.vibrator.Cancel(ctx); err != nil {
		errs = append(errs, err)
	}
	s.restoreLocked(ctx)

	if s.active {
		s.logger.Info("siren stopped")
	}
	s.active = false
	if s.metrics != nil {
		s.metrics.SirenActive.Set(0)
	}
	return errors.Join(errs...)
}

func (s *Siren) restoreLocked(ctx context.Context) {
	if !s.volumeSaved {
		return
	}
	if err := s.audio.SetVolume(ctx, s.savedVolume); err != nil {
		s.logger.Warn("restore alarm volume failed", "error", err)
	}
	s.volumeSaved = false
}

// Active reports whether the siren is sounding.
func (s *Siren) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// StartHandler handles SIREN.
func (s *Siren) StartHandler() dispatch.Handler {
	return dispatch.HandlerFunc(func(ctx context.Context, _ dispatch.Request) (dispatch.Result, error) {
		if err := s.Start(ctx); err != nil {
			return dispatch.Result{}, err
		}
		return dispatch.Succeeded("Siren activated"), nil
	})
}

// StopHandler handles STOP_SIREN.
func (s *Siren) StopHandler() dispatch.Handler {
	return dispatch.HandlerFunc(func(ctx context.Context, _ dispatch.Request) (dispatch.Result, error) {
		if err := s.Stop(ctx); err != nil {
			s.logger.Warn("siren stop incomplete", "error", err)
		}
		return dispatch.Succeeded("Siren stopped"), nil
	})
}
