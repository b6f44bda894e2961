package tamper

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"securetrack/internal/capability"
	"securetrack/internal/ledger"
)

// Shutdown guard defaults.
const (
	DefaultShutdownAttempts = 3
	DefaultAllowWindow      = 30 * time.Second
)

// PinVerifier checks the standard PIN.
type PinVerifier interface {
	VerifyPin(ctx context.Context, pin string) bool
}

// ShutdownDecision is the outcome of a PIN attempt at the shutdown prompt.
type ShutdownDecision int

const (
	// ShutdownDenied means the PIN was wrong and attempts remain.
	ShutdownDenied ShutdownDecision = iota
	// ShutdownAllowed means the PIN was correct.
	ShutdownAllowed
	// ShutdownDeceived means attempts ran out and a fake shutdown was shown.
	ShutdownDeceived
)

func (d ShutdownDecision) String() string {
	switch d {
	case ShutdownAllowed:
		return "allowed"
	case ShutdownDeceived:
		return "deceived"
	default:
		return "denied"
	}
}

// ShutdownConfig configures a ShutdownGuard.
type ShutdownConfig struct {
	MaxAttempts int
	AllowWindow time.Duration
}

// ShutdownGuard holds a shutdown inhibitor while armed and intercepts the
// power menu on a locked screen. A correct PIN releases the inhibitor for
// the allow window; too many wrong PINs show a fake shutdown screen while
// the device keeps running and reports its location.
type ShutdownGuard struct {
	verifier  PinVerifier
	presenter capability.Presenter
	shade     capability.Shade
	power     capability.Power
	locate    LocationStarter
	alerter   *Alerter
	cfg       ShutdownConfig
	obs       *Observer
	logger    *slog.Logger
	now       func() time.Time

	mu         sync.Mutex
	attempts   int
	allowUntil time.Time
	inhibitor  io.Closer
	rearm      *time.Timer
}

// NewShutdownGuard creates a ShutdownGuard.
func NewShutdownGuard(verifier PinVerifier, presenter capability.Presenter, shade capability.Shade,
	power capability.Power, locate LocationStarter, alerter *Alerter, cfg ShutdownConfig, obs *Observer) *ShutdownGuard {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultShutdownAttempts
	}
	if cfg.AllowWindow <= 0 {
		cfg.AllowWindow = DefaultAllowWindow
	}
	logger := slog.Default()
	if obs != nil && obs.Logger != nil {
		logger = obs.Logger
	}
	return &ShutdownGuard{
		verifier:  verifier,
		presenter: presenter,
		shade:     shade,
		power:     power,
		locate:    locate,
		alerter:   alerter,
		cfg:       cfg,
		obs:       obs,
		logger:    logger,
		now:       time.Now,
	}
}

// Arm takes the shutdown inhibitor if it is not already held.
func (g *ShutdownGuard) Arm(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.armLocked(ctx)
}

func (g *ShutdownGuard) armLocked(ctx context.Context) error {
	if g.inhibitor != nil {
		return nil
	}
	if !g.power.Granted(ctx) {
		return capability.ErrNotGranted
	}
	c, err := g.power.InhibitShutdown(ctx, "SecureTrack protection active")
	if err != nil {
		return err
	}
	g.inhibitor = c
	return nil
}

// Disarm releases the inhibitor and cancels any pending re-arm.
func (g *ShutdownGuard) Disarm() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rearm != nil {
		g.rearm.Stop()
		g.rearm = nil
	}
	return g.releaseLocked()
}

func (g *ShutdownGuard) releaseLocked() error {
	if g.inhibitor == nil {
		return nil
	}
	err := g.inhibitor.Close()
	g.inhibitor = nil
	return err
}

// Armed reports whether the inhibitor is held.
func (g *ShutdownGuard) Armed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inhibitor != nil
}

// Intercept handles a power menu on the locked screen. Unless shutdown is
// currently allowed, it dismisses the menu, shows the fake shutdown screen
// and reports true.
func (g *ShutdownGuard) Intercept(ctx context.Context) bool {
	g.mu.Lock()
	allowed := g.now().Before(g.allowUntil)
	g.mu.Unlock()
	if allowed {
		return false
	}

	if err := g.shade.Back(ctx); err != nil {
		g.logger.Warn("dismiss power menu failed", "error", err)
	}
	g.fakeShutdown(ctx, "power_menu", nil)
	return true
}

// Attempt checks a PIN entered at the shutdown prompt.
func (g *ShutdownGuard) Attempt(ctx context.Context, pin string) ShutdownDecision {
	if g.verifier.VerifyPin(ctx, pin) {
		g.allow(ctx)
		return ShutdownAllowed
	}

	g.mu.Lock()
	g.attempts++
	n := g.attempts
	if n >= g.cfg.MaxAttempts {
		g.attempts = 0
	}
	g.mu.Unlock()

	g.logger.Warn("wrong pin at shutdown prompt", "attempt", n)
	if n < g.cfg.MaxAttempts {
		return ShutdownDenied
	}
	g.fakeShutdown(ctx, "shutdown_attempt", map[string]any{"attempts": g.cfg.MaxAttempts})
	return ShutdownDeceived
}

func (g *ShutdownGuard) allow(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.attempts = 0
	g.allowUntil = g.now().Add(g.cfg.AllowWindow)
	if err := g.releaseLocked(); err != nil {
		g.logger.Warn("release shutdown inhibitor failed", "error", err)
	}
	if g.rearm != nil {
		g.rearm.Stop()
	}
	bg := context.WithoutCancel(ctx)
	g.rearm = time.AfterFunc(g.cfg.AllowWindow, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.rearm = nil
		if err := g.armLocked(bg); err != nil {
			g.logger.Warn("re-arm shutdown inhibitor failed", "error", err)
		}
	})
	g.logger.Info("shutdown allowed", "window", g.cfg.AllowWindow)
}

func (g *ShutdownGuard) fakeShutdown(ctx context.Context, kind string, attrs map[string]any) {
	g.obs.detected(ctx, kind, attrs)
	if err := g.presenter.ShowFakeShutdown(ctx); err != nil {
		g.logger.Error("fake shutdown screen failed", "error", err)
	}

	primary, err := g.alerter.Primary(ctx)
	if err != nil {
		g.logger.Warn("no contact for shutdown location", "error", err)
		return
	}
	g.locate.Start(ctx, primary, ledger.NoEntry)
}
