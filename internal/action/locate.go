// Package action implements the privileged command handlers and the covert
// capture escalation.
package action

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"securetrack/internal/capability"
	"securetrack/internal/dispatch"
	"securetrack/internal/ledger"
	"securetrack/internal/metrics"
	"securetrack/internal/store"
)

// Defaults for location requests.
const (
	DefaultLocateTimeout = 30 * time.Second
	DefaultFixFreshness  = 60 * time.Second
)

// LocationUnavailableReply is sent when no fix could be obtained.
const LocationUnavailableReply = "SecureTrack: Unable to get location. GPS may be disabled or unavailable."

// Replier sends a text to one recipient.
type Replier interface {
	Send(ctx context.Context, to, text string) error
}

// Completer writes the terminal ledger status of a command.
type Completer interface {
	Complete(ctx context.Context, id int64, status store.CommandStatus, message string, loc *store.Coordinates) error
}

// FormatCoord renders a coordinate the way it appears in replies.
func FormatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// LocationReply builds the reply for fix.
func LocationReply(fix capability.Fix) string {
	lat, lng := FormatCoord(fix.Lat), FormatCoord(fix.Lng)
	return fmt.Sprintf("SecureTrack Location:\nhttps://maps.google.com/?q=%s,%s\nAccuracy: %dm",
		lat, lng, int(fix.Accuracy))
}

// Locate answers LOCATE commands. The reply and the terminal ledger write
// happen in the background, bounded by the timeout.
type Locate struct {
	locator   capability.Locator
	replier   Replier
	ledger    Completer
	timeout   time.Duration
	freshness time.Duration
	logger    *slog.Logger
	metrics   *metrics.SecureTrack
	now       func() time.Time

	wg sync.WaitGroup
}

// LocateConfig configures a Locate handler.
type LocateConfig struct {
	Timeout   time.Duration
	Freshness time.Duration
	Logger    *slog.Logger
	Metrics   *metrics.SecureTrack
}

// NewLocate creates a Locate handler.
func NewLocate(locator capability.Locator, replier Replier, ledger Completer, cfg LocateConfig) *Locate {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultLocateTimeout
	}
	if cfg.Freshness <= 0 {
		cfg.Freshness = DefaultFixFreshness
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Locate{
		locator:   locator,
		replier:   replier,
		ledger:    ledger,
		timeout:   cfg.Timeout,
		freshness: cfg.Freshness,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		now:       time.Now,
	}
}

// Handle starts the request and reports it accepted.
func (l *Locate) Handle(ctx context.Context, req dispatch.Request) (dispatch.Result, error) {
	l.Start(ctx, req.Sender, req.LedgerID)
	return dispatch.Accepted("Location request initiated"), nil
}

// Start fetches a fix and sends it to recipient in the background. id is
// the ledger row to complete, or ledger.NoEntry.
func (l *Locate) Start(ctx context.Context, recipient string, id int64) {
	ctx = context.WithoutCancel(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.Run(ctx, recipient, id)
	}()
}

// Run fetches a fix, replies to recipient and completes ledger row id.
func (l *Locate) Run(ctx context.Context, recipient string, id int64) {
	start := l.now()
	fix, err := l.Fetch(ctx).Wait(ctx)
	if l.metrics != nil {
		l.metrics.LocateDuration.ObserveDuration(l.now().Sub(start))
	}

	if err != nil {
		l.logger.Warn("location unavailable", "id", id, "error", err)
		if sendErr := l.replier.Send(ctx, recipient, LocationUnavailableReply); sendErr != nil {
			l.logger.Error("location reply failed", "recipient", recipient, "error", sendErr)
		}
		l.complete(ctx, id, store.StatusFailed, "Location unavailable", nil)
		return
	}

	if err := l.replier.Send(ctx, recipient, LocationReply(fix)); err != nil {
		l.logger.Error("location reply failed", "recipient", recipient, "error", err)
		l.complete(ctx, id, store.StatusFailed, "SMS send failed: "+err.Error(), nil)
		return
	}

	msg := fmt.Sprintf("Location sent: %s, %s", FormatCoord(fix.Lat), FormatCoord(fix.Lng))
	l.complete(ctx, id, store.StatusSuccess, msg, &store.Coordinates{Lat: fix.Lat, Lng: fix.Lng})
	l.logger.Info("location sent", "id", id, "recipient", recipient, "accuracy", fix.Accuracy)
}

func (l *Locate) complete(ctx context.Context, id int64, status store.CommandStatus, msg string, loc *store.Coordinates) {
	if id == ledger.NoEntry {
		return
	}
	if err := l.ledger.Complete(ctx, id, status, msg, loc); err != nil {
		l.logger.Error("ledger completion failed", "id", id, "error", err)
	}
}

// Fetch returns a future that resolves within the timeout. A cached fix
// younger than the freshness window resolves it at once; otherwise a fresh
// fix is awaited, falling back to the cached fix when none arrives in time.
func (l *Locate) Fetch(ctx context.Context) *Future {
	f := newFuture()

	if !l.locator.Granted(ctx) {
		f.Resolve(capability.Fix{}, capability.ErrNotGranted)
		return f
	}

	last, haveLast := l.locator.LastFix(ctx)
	if haveLast && last.Age(l.now()) < l.freshness {
		f.Resolve(last, nil)
		return f
	}

	fallback := func(cause error) {
		if haveLast {
			f.Resolve(last, nil)
			return
		}
		f.Resolve(capability.Fix{}, fmt.Errorf("%w: %v", ErrNoFix, cause))
	}

	fctx, cancel := context.WithTimeout(ctx, l.timeout)
	timer := time.AfterFunc(l.timeout, func() {
		if l.metrics != nil {
			select {
			case <-f.Done():
			default:
				l.metrics.LocateTimeouts.Inc()
			}
		}
		fallback(context.DeadlineExceeded)
	})

	go func() {
		defer cancel()
		defer timer.Stop()
		fix, err := l.locator.RequestFix(fctx)
		if err != nil {
			fallback(err)
			return
		}
		f.Resolve(fix, nil)
	}()
	return f
}

// Wait blocks until every background request has finished.
func (l *Locate) Wait() {
	l.wg.Wait()
}
