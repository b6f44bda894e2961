// Package capability declares the privileged device authorities the agent
// drives. Each capability reports whether it is currently granted and may fail
// when invoked; callers check Granted before acting and treat ErrNotGranted as
// a hard, non-retried failure.
package capability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrNotGranted is returned when a capability is invoked without its grant.
var ErrNotGranted = errors.New("capability: not granted")

// Grant reports whether a capability may currently be used.
type Grant interface {
	Granted(ctx context.Context) bool
}

// Admin is the administrative lock and wipe authority.
type Admin interface {
	Grant
	Lock(ctx context.Context) error
	Wipe(ctx context.Context) error
}

// Camera captures a still image without user-visible UI.
type Camera interface {
	Grant
	Capture(ctx context.Context, path string) error
}

// Microphone records a short audio clip.
type Microphone interface {
	Grant
	Record(ctx context.Context, path string, d time.Duration) error
}

// Fix is a location sample.
type Fix struct {
	Lat      float64
	Lng      float64
	Accuracy float64
	Time     time.Time
}

// Age returns how old the fix is at now.
func (f Fix) Age(now time.Time) time.Duration {
	return now.Sub(f.Time)
}

func (f Fix) String() string {
	return fmt.Sprintf("%f, %f", f.Lat, f.Lng)
}

// Locator acquires location fixes.
type Locator interface {
	Grant
	// LastFix returns the most recent cached fix, or false if none exists.
	LastFix(ctx context.Context) (Fix, bool)
	// RequestFix blocks until a fresh fix arrives or ctx is done.
	RequestFix(ctx context.Context) (Fix, error)
}

// Dialer places outbound voice calls.
type Dialer interface {
	Grant
	Call(ctx context.Context, number string) error
}

// Audio controls the alarm stream.
type Audio interface {
	Grant
	Volume(ctx context.Context) (int, error)
	MaxVolume(ctx context.Context) (int, error)
	SetVolume(ctx context.Context, level int) error
	PlayLoop(ctx context.Context) error
	StopPlayback(ctx context.Context) error
}

// Vibrator drives the haptic motor. pattern alternates off and on durations;
// repeat loops it until Cancel.
type Vibrator interface {
	Grant
	Vibrate(ctx context.Context, pattern []time.Duration, repeat bool) error
	Cancel(ctx context.Context) error
}

// Radio reports and reverses airplane mode.
type Radio interface {
	Grant
	AirplaneMode(ctx context.Context) (bool, error)
	DisableAirplaneMode(ctx context.Context) error
}

// Screen reports the lock state.
type Screen interface {
	Locked(ctx context.Context) (bool, error)
}

// Shade collapses the notification shade.
type Shade interface {
	Grant
	Collapse(ctx context.Context) error
	Home(ctx context.Context) error
	// Back dismisses the foreground system dialog.
	Back(ctx context.Context) error
}

// Power blocks system shutdown while the returned lock is held.
type Power interface {
	Grant
	InhibitShutdown(ctx context.Context, why string) (io.Closer, error)
}

// Presenter shows the deceptive shutdown screen.
type Presenter interface {
	Grant
	ShowFakeShutdown(ctx context.Context) error
}

// SimReader reads the identity of the inserted SIM.
type SimReader interface {
	SimIdentifier(ctx context.Context) (string, error)
	// OwnNumber returns the subscriber number, or "" when unknown.
	OwnNumber(ctx context.Context) (string, error)
}
