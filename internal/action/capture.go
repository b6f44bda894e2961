package action

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"securetrack/internal/capability"
	"securetrack/internal/logging"
	"securetrack/internal/security"
	"securetrack/internal/store"
)

// LocationSource selects where a capture's location comes from.
type LocationSource string

const (
	SourceNone      LocationSource = "none"
	SourceLastKnown LocationSource = "last_known"
	SourceFresh     LocationSource = "fresh"
)

// Valid reports whether s is a known source.
func (s LocationSource) Valid() bool {
	switch s {
	case SourceNone, SourceLastKnown, SourceFresh:
		return true
	}
	return false
}

// UnknownLocation is stored when a capture has no location.
const UnknownLocation = "Unknown"

// IntrusionRecorder stores capture records.
type IntrusionRecorder interface {
	RecordIntrusion(ctx context.Context, l *store.IntruderLog) (int64, error)
	LocateIntrusion(ctx context.Context, id int64, location string, c store.Coordinates) error
}

// Capture takes covert photos on security escalations.
type Capture struct {
	camera   capability.Camera
	locate   *Locate
	recorder IntrusionRecorder
	dir      string
	source   LocationSource
	audit    *logging.AuditLogger
	logger   *slog.Logger
	now      func() time.Time

	wg sync.WaitGroup
}

// CaptureConfig configures a Capture.
type CaptureConfig struct {
	Dir    string
	Source LocationSource
	Audit  *logging.AuditLogger
	Logger *slog.Logger
}

// NewCapture creates a Capture. locate supplies fixes and may be nil when
// the source is SourceNone.
func NewCapture(camera capability.Camera, locate *Locate, recorder IntrusionRecorder, cfg CaptureConfig) *Capture {
	if !cfg.Source.Valid() {
		cfg.Source = SourceLastKnown
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Capture{
		camera:   camera,
		locate:   locate,
		recorder: recorder,
		dir:      cfg.Dir,
		source:   cfg.Source,
		audit:    cfg.Audit,
		logger:   cfg.Logger,
		now:      time.Now,
	}
}

// Take captures an image and records it with reason. It returns
// capability.ErrNotGranted without side effects when the camera is
// unavailable. With SourceFresh the record is stored with an unknown
// location and updated once a fix arrives; Wait blocks until then.
func (c *Capture) Take(ctx context.Context, reason string) (*store.IntruderLog, error) {
	if !c.camera.Granted(ctx) {
		c.logger.Warn("cannot capture intruder: camera not granted")
		return nil, capability.ErrNotGranted
	}
	if err := security.EnsureSecureDir(c.dir); err != nil {
		return nil, fmt.Errorf("capture dir: %w", err)
	}

	now := c.now()
	name := fmt.Sprintf("INT_%s_%s.jpg", now.Format("20060102_150405"), uuid.NewString()[:8])
	path := filepath.Join(c.dir, name)
	if err := c.camera.Capture(ctx, path); err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}

	entry := &store.IntruderLog{
		ImagePath:  path,
		CapturedAt: now,
		Location:   UnknownLocation,
		Reason:     reason,
	}
	if c.source == SourceLastKnown && c.locate != nil {
		if fix, ok := c.locate.locator.LastFix(ctx); ok {
			setFix(entry, fix)
		}
	}

	id, err := c.recorder.RecordIntrusion(ctx, entry)
	if err != nil {
		return nil, err
	}
	entry.ID = id

	c.audit.Log(ctx, logging.AuditEvent{
		EventType: logging.AuditCapture,
		Action:    reason,
		Result:    "success",
		LedgerID:  id,
		Details:   map[string]any{"location": entry.Location},
	})
	c.logger.Info("intruder captured", "id", id, "reason", reason)

	if c.source == SourceFresh && c.locate != nil {
		bg := context.WithoutCancel(ctx)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.locateLater(bg, id)
		}()
	}
	return entry, nil
}

// Wait blocks until pending capture locations are stored.
func (c *Capture) Wait() {
	c.wg.Wait()
}

func (c *Capture) locateLater(ctx context.Context, id int64) {
	fix, err := c.locate.Fetch(ctx).Wait(ctx)
	if err != nil {
		c.logger.Warn("capture location unavailable", "id", id, "error", err)
		return
	}
	var entry store.IntruderLog
	setFix(&entry, fix)
	if err := c.recorder.LocateIntrusion(ctx, id, entry.Location, *entry.Coords); err != nil {
		c.logger.Error("capture location not stored", "id", id, "error", err)
		return
	}
	c.logger.Info("intruder capture located", "id", id)
}

func setFix(entry *store.IntruderLog, fix capability.Fix) {
	entry.Location = fix.String()
	entry.Coords = &store.Coordinates{Lat: fix.Lat, Lng: fix.Lng}
}
