package tamper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"securetrack/internal/capability"
)

// Airplane reversal defaults.
const (
	DefaultReversalAttempts = 3
	DefaultReversalBackoff  = 2 * time.Second
)

// AirplaneAlert is sent once airplane mode is turned off after a detection.
const AirplaneAlert = "SecureTrack Alert: Airplane mode was detected and reversed on this device. " +
	"Someone may have attempted to disable connectivity."

// AirplaneState is the persisted detection flag.
type AirplaneState interface {
	AirplaneModeDetected(ctx context.Context) (bool, error)
	SetAirplaneModeDetected(ctx context.Context, detected bool) error
}

// AirplaneDetector reverses airplane mode and alerts when it is cleared.
type AirplaneDetector struct {
	state    AirplaneState
	radio    capability.Radio
	alerter  *Alerter
	attempts int
	backoff  time.Duration
	obs      *Observer
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error

	wg sync.WaitGroup
}

// NewAirplaneDetector creates an AirplaneDetector. attempts and backoff
// fall back to the defaults when not positive.
func NewAirplaneDetector(state AirplaneState, radio capability.Radio, alerter *Alerter, attempts int, backoff time.Duration, obs *Observer) *AirplaneDetector {
	if attempts <= 0 {
		attempts = DefaultReversalAttempts
	}
	if backoff <= 0 {
		backoff = DefaultReversalBackoff
	}
	logger := slog.Default()
	if obs != nil && obs.Logger != nil {
		logger = obs.Logger
	}
	return &AirplaneDetector{
		state:    state,
		radio:    radio,
		alerter:  alerter,
		attempts: attempts,
		backoff:  backoff,
		obs:      obs,
		logger:   logger,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnChange handles an airplane mode transition. Turning on marks the flag
// and starts reversal in the background; turning off with the flag set
// clears it and alerts.
func (d *AirplaneDetector) OnChange(ctx context.Context, on bool) error {
	if on {
		if err := d.state.SetAirplaneModeDetected(ctx, true); err != nil {
			return err
		}
		d.obs.detected(ctx, "airplane_mode", map[string]any{"state": "on"})

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.Reverse(ctx)
		}()
		return nil
	}

	detected, err := d.state.AirplaneModeDetected(ctx)
	if err != nil || !detected {
		return err
	}
	if err := d.state.SetAirplaneModeDetected(ctx, false); err != nil {
		return err
	}
	d.logger.Info("airplane mode cleared, alerting contacts")
	if _, err := d.alerter.Alert(ctx, AirplaneAlert); err != nil {
		d.logger.Error("airplane alert failed", "error", err)
	}
	return nil
}

// Reverse tries to turn airplane mode off, re-checking between attempts.
// It returns the number of attempts made and whether airplane mode is off.
// Exhausting the attempts is logged and not escalated.
func (d *AirplaneDetector) Reverse(ctx context.Context) (int, bool) {
	for attempt := 1; attempt <= d.attempts; attempt++ {
		if err := d.radio.DisableAirplaneMode(ctx); err != nil {
			d.logger.Warn("airplane reversal attempt failed", "attempt", attempt, "error", err)
		} else if on, err := d.radio.AirplaneMode(ctx); err == nil && !on {
			d.logger.Info("airplane mode reversed", "attempt", attempt)
			return attempt, true
		}

		if err := d.sleep(ctx, d.backoff); err != nil {
			return attempt, false
		}
		if on, err := d.radio.AirplaneMode(ctx); err == nil && !on {
			d.logger.Info("airplane mode already off", "attempt", attempt)
			return attempt, true
		}
	}
	d.logger.Warn("airplane reversal gave up", "attempts", d.attempts)
	return d.attempts, false
}

// Wait blocks until background reversals finish.
func (d *AirplaneDetector) Wait() {
	d.wg.Wait()
}
