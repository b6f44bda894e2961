package tamper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"securetrack/internal/capability"
	"securetrack/internal/ledger"
)

// ErrNoSim is returned when no SIM identity can be read.
var ErrNoSim = errors.New("tamper: no sim identity")

// SimState is the persisted SIM binding.
type SimState interface {
	// BindSim stores identity if nothing is bound yet and returns the bound
	// identity and whether this call created the binding.
	BindSim(ctx context.Context, identity string) (string, bool, error)
}

// SimVerdict is the outcome of a SIM check.
type SimVerdict int

const (
	SimBound SimVerdict = iota
	SimMatch
	SimMismatch
	// SimMismatchKnown is a mismatch already alerted for this identity.
	SimMismatchKnown
)

func (v SimVerdict) String() string {
	switch v {
	case SimBound:
		return "bound"
	case SimMatch:
		return "match"
	case SimMismatch:
		return "mismatch"
	case SimMismatchKnown:
		return "mismatch_known"
	default:
		return "unknown"
	}
}

// SimChangeAlert builds the alert text for a foreign SIM.
func SimChangeAlert(number string) string {
	if number == "" {
		number = "Unknown"
	}
	return fmt.Sprintf("⚠️ SECURETRACK ALERT ⚠️\n\nSIM card has been changed!\nNew number: %s\n\nFetching location...", number)
}

// SimDetector binds the first SIM it sees and alerts when another appears.
// The binding is never replaced automatically.
type SimDetector struct {
	state   SimState
	sim     capability.SimReader
	alerter *Alerter
	locate  LocationStarter
	obs     *Observer
	logger  *slog.Logger

	mu      sync.Mutex
	alerted map[string]bool
}

// NewSimDetector creates a SimDetector. locate may be nil.
func NewSimDetector(state SimState, sim capability.SimReader, alerter *Alerter, locate LocationStarter, obs *Observer) *SimDetector {
	logger := slog.Default()
	if obs != nil && obs.Logger != nil {
		logger = obs.Logger
	}
	return &SimDetector{
		state:   state,
		sim:     sim,
		alerter: alerter,
		locate:  locate,
		obs:     obs,
		logger:  logger,
		alerted: make(map[string]bool),
	}
}

// Check reads the current SIM and compares it with the binding.
func (d *SimDetector) Check(ctx context.Context) (SimVerdict, error) {
	current, err := d.sim.SimIdentifier(ctx)
	if err != nil {
		return SimMatch, fmt.Errorf("read sim identity: %w", err)
	}
	if current == "" {
		return SimMatch, ErrNoSim
	}

	bound, created, err := d.state.BindSim(ctx, current)
	if err != nil {
		return SimMatch, err
	}
	if created {
		d.logger.Info("original sim bound")
		return SimBound, nil
	}
	if bound == current {
		return SimMatch, nil
	}

	// Claim the identity so concurrent checks alert once; the claim is
	// dropped if the alert does not go out so a later check retries.
	d.mu.Lock()
	known := d.alerted[current]
	d.alerted[current] = true
	d.mu.Unlock()
	if known {
		return SimMismatchKnown, nil
	}

	d.logger.Warn("sim change detected")
	d.obs.detected(ctx, "sim", nil)
	if err := d.respond(ctx); err != nil {
		d.logger.Error("sim change alert failed", "error", err)
		d.mu.Lock()
		delete(d.alerted, current)
		d.mu.Unlock()
	}
	return SimMismatch, nil
}

func (d *SimDetector) respond(ctx context.Context) error {
	number, err := d.sim.OwnNumber(ctx)
	if err != nil {
		d.logger.Debug("subscriber number unavailable", "error", err)
	}

	if _, err := d.alerter.Alert(ctx, SimChangeAlert(number)); err != nil {
		return err
	}

	if d.locate == nil {
		return nil
	}
	primary, err := d.alerter.Primary(ctx)
	if err != nil {
		d.logger.Error("no recipient for location", "error", err)
		return nil
	}
	d.locate.Start(ctx, primary, ledger.NoEntry)
	return nil
}
