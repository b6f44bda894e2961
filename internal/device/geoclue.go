package device

import (
	"context"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"securetrack/internal/capability"
)

// GeoClue2 names.
const (
	gcService        = "org.freedesktop.GeoClue2"
	gcManagerPath    = dbus.ObjectPath("/org/freedesktop/GeoClue2/Manager")
	gcManagerIface   = "org.freedesktop.GeoClue2.Manager"
	gcClientIface    = "org.freedesktop.GeoClue2.Client"
	gcLocationIface  = "org.freedesktop.GeoClue2.Location"
	gcLocationSignal = gcClientIface + ".LocationUpdated"

	// GCLUE_ACCURACY_LEVEL_EXACT
	gcAccuracyExact = uint32(8)
)

// Locator acquires fixes from GeoClue2. Fresh fixes arrive through the
// LocationUpdated signal, which the Watcher forwards to Update.
type Locator struct {
	bus       objecter
	desktopID string

	mu      sync.Mutex
	client  dbus.ObjectPath
	started bool
	last    capability.Fix
	hasLast bool
	waiters []chan capability.Fix
}

// NewLocator creates a Locator registered with GeoClue2 as desktopID.
func NewLocator(bus objecter, desktopID string) *Locator {
	return &Locator{bus: bus, desktopID: desktopID}
}

func (l *Locator) ensureClient(ctx context.Context) (dbus.BusObject, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client == "" {
		var p dbus.ObjectPath
		if err := call(ctx, l.bus.Object(gcService, gcManagerPath), gcManagerIface+".GetClient", []any{&p}); err != nil {
			return nil, err
		}
		obj := l.bus.Object(gcService, p)
		if err := obj.SetProperty(gcClientIface+".DesktopId", dbus.MakeVariant(l.desktopID)); err != nil {
			return nil, err
		}
		if err := obj.SetProperty(gcClientIface+".RequestedAccuracyLevel", dbus.MakeVariant(gcAccuracyExact)); err != nil {
			return nil, err
		}
		l.client = p
	}
	obj := l.bus.Object(gcService, l.client)
	if !l.started {
		if err := call(ctx, obj, gcClientIface+".Start", nil); err != nil {
			return nil, err
		}
		l.started = true
	}
	return obj, nil
}

func (l *Locator) Granted(ctx context.Context) bool {
	_, err := l.ensureClient(ctx)
	return err == nil
}

// LastFix returns the most recent fix seen by this process.
func (l *Locator) LastFix(context.Context) (capability.Fix, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last, l.hasLast
}

// RequestFix waits for the next LocationUpdated.
func (l *Locator) RequestFix(ctx context.Context) (capability.Fix, error) {
	if _, err := l.ensureClient(ctx); err != nil {
		return capability.Fix{}, err
	}

	ch := make(chan capability.Fix, 1)
	l.mu.Lock()
	l.waiters = append(l.waiters, ch)
	l.mu.Unlock()

	select {
	case fix := <-ch:
		return fix, nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, w := range l.waiters {
			if w == ch {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				break
			}
		}
		l.mu.Unlock()
		return capability.Fix{}, ctx.Err()
	}
}

// Update reads the location object at path and hands it to every waiter.
func (l *Locator) Update(path dbus.ObjectPath) error {
	if !validPath(path) {
		return nil
	}
	fix, err := readLocation(l.bus.Object(gcService, path))
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.last, l.hasLast = fix, true
	waiters := l.waiters
	l.waiters = nil
	l.mu.Unlock()

	for _, w := range waiters {
		w <- fix
	}
	return nil
}

// Stop releases the GeoClue client.
func (l *Locator) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started {
		return nil
	}
	l.started = false
	return call(ctx, l.bus.Object(gcService, l.client), gcClientIface+".Stop", nil)
}

func readLocation(obj dbus.BusObject) (capability.Fix, error) {
	lat, err := getProp[float64](obj, gcLocationIface+".Latitude")
	if err != nil {
		return capability.Fix{}, err
	}
	lng, err := getProp[float64](obj, gcLocationIface+".Longitude")
	if err != nil {
		return capability.Fix{}, err
	}
	fix := capability.Fix{Lat: lat, Lng: lng, Time: time.Now()}
	if acc, err := getProp[float64](obj, gcLocationIface+".Accuracy"); err == nil {
		fix.Accuracy = acc
	}
	if ts, err := obj.GetProperty(gcLocationIface + ".Timestamp"); err == nil {
		var parts struct{ Sec, Usec uint64 }
		if dbus.Store([]any{ts.Value()}, &parts) == nil && parts.Sec > 0 {
			fix.Time = time.Unix(int64(parts.Sec), int64(parts.Usec)*int64(time.Microsecond))
		}
	}
	return fix, nil
}
