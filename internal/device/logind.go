package device

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/godbus/dbus/v5"

	"securetrack/internal/capability"
)

// logind names.
const (
	ldService      = "org.freedesktop.login1"
	ldPath         = dbus.ObjectPath("/org/freedesktop/login1")
	ldManagerIface = "org.freedesktop.login1.Manager"
	ldSessionIface = "org.freedesktop.login1.Session"

	ldPrepareForShutdown = ldManagerIface + ".PrepareForShutdown"
	ldSessionUnlock      = ldSessionIface + ".Unlock"
)

// ErrNoSession is returned when no graphical seat session exists.
var ErrNoSession = errors.New("device: no seat session")

// Logind locks sessions, reports the lock state of the seat session and
// takes shutdown inhibitor locks. Wipe runs the configured helper.
type Logind struct {
	bus    objecter
	seat   string
	runner Runner
	wipe   []string
}

// NewLogind creates a Logind watching seat. wipe is the factory reset
// helper; an empty command leaves Wipe ungranted.
func NewLogind(bus objecter, seat string, runner Runner, wipe []string) *Logind {
	if seat == "" {
		seat = "seat0"
	}
	return &Logind{bus: bus, seat: seat, runner: runner, wipe: wipe}
}

func (l *Logind) manager() dbus.BusObject {
	return l.bus.Object(ldService, ldPath)
}

func (l *Logind) Granted(ctx context.Context) bool {
	_, err := getProp[string](l.manager(), ldManagerIface+".IdleAction")
	return err == nil
}

// Lock locks every session.
func (l *Logind) Lock(ctx context.Context) error {
	return call(ctx, l.manager(), ldManagerIface+".LockSessions", nil)
}

// Wipe runs the factory reset helper.
func (l *Logind) Wipe(ctx context.Context) error {
	_, err := run(ctx, l.runner, l.wipe, nil)
	return err
}

type sessionEntry struct {
	ID   string
	UID  uint32
	User string
	Seat string
	Path dbus.ObjectPath
}

// session returns the first session on the seat.
func (l *Logind) session(ctx context.Context) (dbus.BusObject, error) {
	var sessions []sessionEntry
	if err := call(ctx, l.manager(), ldManagerIface+".ListSessions", []any{&sessions}); err != nil {
		return nil, err
	}
	for _, s := range sessions {
		if s.Seat == l.seat {
			return l.bus.Object(ldService, s.Path), nil
		}
	}
	return nil, ErrNoSession
}

// Locked reports the seat session's LockedHint.
func (l *Logind) Locked(ctx context.Context) (bool, error) {
	obj, err := l.session(ctx)
	if err != nil {
		return false, err
	}
	return getProp[bool](obj, ldSessionIface+".LockedHint")
}

type inhibitor struct {
	once sync.Once
	f    *os.File
}

func (i *inhibitor) Close() error {
	var err error
	i.once.Do(func() { err = i.f.Close() })
	return err
}

// InhibitShutdown takes a blocking shutdown lock held until the returned
// closer is closed.
func (l *Logind) InhibitShutdown(ctx context.Context, why string) (io.Closer, error) {
	var fd dbus.UnixFD
	err := call(ctx, l.manager(), ldManagerIface+".Inhibit", []any{&fd}, "shutdown", "securetrack", why, "block")
	if err != nil {
		return nil, err
	}
	if fd < 0 {
		return nil, capability.ErrNotGranted
	}
	return &inhibitor{f: os.NewFile(uintptr(fd), "securetrack-inhibit")}, nil
}
