// Package tamper watches device signals that suggest theft or tampering:
// SIM swaps, airplane mode, failed unlocks, shutdown attempts and the
// notification shade on a locked screen.
package tamper

import (
	"context"
	"log/slog"

	"securetrack/internal/logging"
	"securetrack/internal/metrics"
)

// Observer records detections. A nil Observer discards them.
type Observer struct {
	Audit   *logging.AuditLogger
	Metrics *metrics.SecureTrack
	Logger  *slog.Logger
	// Notify, when set, receives every detection after it is recorded.
	Notify func(detector string, details map[string]any)
}

func (o *Observer) detected(ctx context.Context, detector string, details map[string]any) {
	if o == nil {
		return
	}
	if o.Metrics != nil {
		o.Metrics.Tamper(detector)
	}
	o.Audit.LogTamper(ctx, detector, details)
	if o.Logger != nil {
		o.Logger.Warn("tamper detected", "detector", detector)
	}
	if o.Notify != nil {
		o.Notify(detector, details)
	}
}

// LocationStarter fetches a location in the background and sends it to a
// recipient.
type LocationStarter interface {
	Start(ctx context.Context, recipient string, id int64)
}
