package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securetrack/internal/capability"
	"securetrack/internal/config"
	"securetrack/internal/sms"
	"securetrack/internal/tamper"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
	out   map[string]string
	block bool
}

func (r *fakeRunner) Output(ctx context.Context, argv []string) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, argv)
	out := r.out[argv[0]]
	block := r.block
	r.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return []byte(out), nil
}

func (r *fakeRunner) history() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.calls...)
}

// fakeBus serves properties and methods from maps.
type fakeBus struct {
	mu      sync.Mutex
	props   map[dbus.ObjectPath]map[string]any
	methods map[string]func(path dbus.ObjectPath, args []any) ([]any, error)
	calls   []string
	matches int
	ch      chan<- *dbus.Signal
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		props:   make(map[dbus.ObjectPath]map[string]any),
		methods: make(map[string]func(dbus.ObjectPath, []any) ([]any, error)),
	}
}

func (b *fakeBus) set(path dbus.ObjectPath, name string, v any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.props[path] == nil {
		b.props[path] = make(map[string]any)
	}
	b.props[path][name] = v
}

func (b *fakeBus) get(path dbus.ObjectPath, name string) (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.props[path][name]
	return v, ok
}

func (b *fakeBus) history() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *fakeBus) Object(dest string, path dbus.ObjectPath) dbus.BusObject {
	return &fakeObject{bus: b, path: path}
}

func (b *fakeBus) AddMatchSignal(...dbus.MatchOption) error {
	b.mu.Lock()
	b.matches++
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) RemoveMatchSignal(...dbus.MatchOption) error {
	b.mu.Lock()
	b.matches--
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) Signal(ch chan<- *dbus.Signal) {
	b.mu.Lock()
	b.ch = ch
	b.mu.Unlock()
}

func (b *fakeBus) RemoveSignal(chan<- *dbus.Signal) {
	b.mu.Lock()
	b.ch = nil
	b.mu.Unlock()
}

func (b *fakeBus) emit(name string, path dbus.ObjectPath, body ...any) {
	b.mu.Lock()
	ch := b.ch
	b.mu.Unlock()
	ch <- &dbus.Signal{Name: name, Path: path, Body: body}
}

type fakeObject struct {
	dbus.BusObject
	bus  *fakeBus
	path dbus.ObjectPath
}

func (o *fakeObject) CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...any) *dbus.Call {
	o.bus.mu.Lock()
	o.bus.calls = append(o.bus.calls, string(o.path)+" "+method)
	fn := o.bus.methods[method]
	o.bus.mu.Unlock()
	if fn == nil {
		return &dbus.Call{Err: fmt.Errorf("no method %s", method)}
	}
	body, err := fn(o.path, args)
	return &dbus.Call{Body: body, Err: err}
}

func (o *fakeObject) GetProperty(name string) (dbus.Variant, error) {
	v, ok := o.bus.get(o.path, name)
	if !ok {
		return dbus.Variant{}, fmt.Errorf("no property %s on %s", name, o.path)
	}
	return dbus.MakeVariant(v), nil
}

func (o *fakeObject) SetProperty(name string, v any) error {
	if variant, ok := v.(dbus.Variant); ok {
		v = variant.Value()
	}
	o.bus.set(o.path, name, v)
	return nil
}

const modemObj = dbus.ObjectPath("/org/freedesktop/ModemManager1/Modem/0")

func modemBus() *fakeBus {
	b := newFakeBus()
	b.methods[objectManagerIface+".GetManagedObjects"] = func(dbus.ObjectPath, []any) ([]any, error) {
		return []any{map[dbus.ObjectPath]map[string]map[string]dbus.Variant{
			modemObj: {mmModemIface: {}},
		}}, nil
	}
	b.set(modemObj, mmModemIface+".Sim", dbus.ObjectPath("/org/freedesktop/ModemManager1/SIM/0"))
	b.set(modemObj, mmModemIface+".OwnNumbers", []string{"+15550100"})
	b.set("/org/freedesktop/ModemManager1/SIM/0", mmSimIface+".SimIdentifier", "8944100000000000001")
	return b
}

func TestCommandCamera(t *testing.T) {
	r := &fakeRunner{}
	cam := &CommandCamera{Runner: r, Command: []string{"fswebcam", "-q", "{path}"}}
	require.True(t, cam.Granted(context.Background()))
	require.NoError(t, cam.Capture(context.Background(), "/tmp/x.jpg"))
	assert.Equal(t, [][]string{{"fswebcam", "-q", "/tmp/x.jpg"}}, r.history())

	empty := &CommandCamera{Runner: r}
	assert.False(t, empty.Granted(context.Background()))
	assert.ErrorIs(t, empty.Capture(context.Background(), "x"), capability.ErrNotGranted)
}

func TestParseVolume(t *testing.T) {
	tests := []struct {
		out  string
		want int
	}{
		{"Volume: front-left: 32768 /  50% / -18.06 dB,   front-right: 32768 /  50%", 50},
		{"73\n", 73},
		{"level=5 of 15", 5},
	}
	for _, tt := range tests {
		got, err := parseVolume([]byte(tt.out))
		require.NoError(t, err, tt.out)
		assert.Equal(t, tt.want, got)
	}
	_, err := parseVolume([]byte("muted"))
	assert.Error(t, err)
}

func TestCommandAudio(t *testing.T) {
	r := &fakeRunner{out: map[string]string{"pactl": "Volume: front-left: 19661 /  30%"}}
	a := NewCommandAudio(r,
		[]string{"pactl", "get-sink-volume", "@DEFAULT_SINK@"},
		[]string{"pactl", "set-sink-volume", "@DEFAULT_SINK@", "{level}%"},
		nil, 0, nil)
	ctx := context.Background()

	v, err := a.Volume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 30, v)
	top, err := a.MaxVolume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100, top)
	require.NoError(t, a.SetVolume(ctx, 100))
	assert.Equal(t, []string{"pactl", "set-sink-volume", "@DEFAULT_SINK@", "100%"}, r.history()[1])

	assert.False(t, a.Granted(ctx))
	assert.ErrorIs(t, a.PlayLoop(ctx), capability.ErrNotGranted)
}

func TestSirenLoopRunsUntilStopped(t *testing.T) {
	r := &fakeRunner{block: true}
	a := NewCommandAudio(r, nil, nil, []string{"paplay", "alarm.oga"}, 100, nil)
	ctx := context.Background()

	require.NoError(t, a.PlayLoop(ctx))
	assert.Eventually(t, func() bool { return len(r.history()) == 1 }, time.Second, 10*time.Millisecond)
	assert.True(t, a.Playing())

	require.NoError(t, a.StopPlayback(ctx))
	assert.False(t, a.Playing())
	require.NoError(t, a.StopPlayback(ctx))
}

func TestSirenLoopRepeats(t *testing.T) {
	r := &fakeRunner{}
	a := NewCommandAudio(r, nil, nil, []string{"paplay", "alarm.oga"}, 100, nil)
	require.NoError(t, a.PlayLoop(context.Background()))
	assert.Eventually(t, func() bool { return len(r.history()) >= 2 }, 2*time.Second, 20*time.Millisecond)
	require.NoError(t, a.StopPlayback(context.Background()))
}

func TestCommandVibratorPattern(t *testing.T) {
	r := &fakeRunner{}
	v := NewCommandVibrator(r, []string{"fbcli", "-E", "{pattern}"}, nil)
	ctx := context.Background()

	require.NoError(t, v.Vibrate(ctx, []time.Duration{0, 500 * time.Millisecond, 200 * time.Millisecond}, false))
	assert.Eventually(t, func() bool { return len(r.history()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"fbcli", "-E", "0,500,200"}, r.history()[0])
	require.NoError(t, v.Cancel(ctx))
}

func TestCommandShadeAndPresenter(t *testing.T) {
	r := &fakeRunner{block: true}
	ctx := context.Background()

	shade := &CommandShade{Runner: &fakeRunner{}, CollapseCommand: []string{"busctl", "collapse"}}
	require.True(t, shade.Granted(ctx))
	require.NoError(t, shade.Collapse(ctx))
	assert.ErrorIs(t, shade.Home(ctx), capability.ErrNotGranted)

	p := NewCommandPresenter(r, []string{"securetrack-blackout"}, nil)
	require.NoError(t, p.ShowFakeShutdown(ctx))
	assert.Eventually(t, func() bool { return len(r.history()) == 1 }, time.Second, 10*time.Millisecond)
	p.Dismiss()
}

func TestModemSimAndNumber(t *testing.T) {
	b := modemBus()
	m := NewModem(b, nil)
	ctx := context.Background()

	require.True(t, m.Granted(ctx))
	iccid, err := m.SimIdentifier(ctx)
	require.NoError(t, err)
	assert.Equal(t, "8944100000000000001", iccid)

	own, err := m.OwnNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, "+15550100", own)

	b.set(modemObj, mmModemIface+".Sim", dbus.ObjectPath("/"))
	iccid, err = m.SimIdentifier(ctx)
	require.NoError(t, err)
	assert.Empty(t, iccid)
}

func TestModemNoModem(t *testing.T) {
	b := newFakeBus()
	b.methods[objectManagerIface+".GetManagedObjects"] = func(dbus.ObjectPath, []any) ([]any, error) {
		return []any{map[dbus.ObjectPath]map[string]map[string]dbus.Variant{}}, nil
	}
	m := NewModem(b, nil)
	assert.False(t, m.Granted(context.Background()))
	_, err := m.SimIdentifier(context.Background())
	assert.ErrorIs(t, err, ErrNoModem)
}

func TestModemSendParts(t *testing.T) {
	b := modemBus()
	var created []string
	n := 0
	b.methods[mmMessagingIface+".Create"] = func(_ dbus.ObjectPath, args []any) ([]any, error) {
		props := args[0].(map[string]dbus.Variant)
		created = append(created, props["number"].Value().(string)+":"+props["text"].Value().(string))
		n++
		return []any{dbus.ObjectPath(fmt.Sprintf("/org/freedesktop/ModemManager1/SMS/%d", n))}, nil
	}
	b.methods[mmSmsIface+".Send"] = func(dbus.ObjectPath, []any) ([]any, error) { return nil, nil }
	b.methods[mmMessagingIface+".Delete"] = func(dbus.ObjectPath, []any) ([]any, error) { return nil, nil }

	m := NewModem(b, nil)
	require.NoError(t, m.SendParts(context.Background(), "+15550001", []string{"one", "two"}))
	assert.Equal(t, []string{"+15550001:one", "+15550001:two"}, created)
	assert.Contains(t, b.history(), "/org/freedesktop/ModemManager1/SMS/2 "+mmSmsIface+".Send")

	b.methods[mmSmsIface+".Send"] = func(dbus.ObjectPath, []any) ([]any, error) { return nil, errors.New("no network") }
	err := m.SendParts(context.Background(), "+15550001", []string{"three"})
	assert.ErrorContains(t, err, "part 1")
}

func TestModemCall(t *testing.T) {
	b := modemBus()
	b.methods[mmVoiceIface+".CreateCall"] = func(_ dbus.ObjectPath, args []any) ([]any, error) {
		props := args[0].(map[string]dbus.Variant)
		assert.Equal(t, "+15550001", props["number"].Value())
		return []any{dbus.ObjectPath("/org/freedesktop/ModemManager1/Call/1")}, nil
	}
	b.methods[mmCallIface+".Start"] = func(dbus.ObjectPath, []any) ([]any, error) { return nil, nil }

	require.NoError(t, NewModem(b, nil).Call(context.Background(), "+15550001"))
	assert.Contains(t, b.history(), "/org/freedesktop/ModemManager1/Call/1 "+mmCallIface+".Start")
}

func TestModemReadMessage(t *testing.T) {
	b := modemBus()
	b.methods[mmMessagingIface+".Delete"] = func(dbus.ObjectPath, []any) ([]any, error) { return nil, nil }
	path := dbus.ObjectPath("/org/freedesktop/ModemManager1/SMS/9")
	b.set(path, mmSmsIface+".State", uint32(smsStateReceived))
	b.set(path, mmSmsIface+".Number", "+15550001")
	b.set(path, mmSmsIface+".Text", "#LOCATE_135790")
	b.set(path, mmSmsIface+".Timestamp", "2026-03-01T10:00:00Z")

	msg, err := NewModem(b, nil).ReadMessage(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "+15550001", msg.Sender)
	assert.Equal(t, "#LOCATE_135790", msg.Body)
	assert.Equal(t, 2026, msg.Received.Year())
	assert.Contains(t, b.history(), string(modemObj)+" "+mmMessagingIface+".Delete")
}

func TestModemReadMessageStuck(t *testing.T) {
	b := modemBus()
	path := dbus.ObjectPath("/org/freedesktop/ModemManager1/SMS/3")
	b.set(path, mmSmsIface+".State", uint32(2))

	m := NewModem(b, nil)
	m.settle = 300 * time.Millisecond
	_, err := m.ReadMessage(context.Background(), path)
	assert.ErrorContains(t, err, "stuck")
}

func TestRadio(t *testing.T) {
	b := newFakeBus()
	b.set(nmPath, nmIface+".WwanHardwareEnabled", true)
	b.set(nmPath, nmIface+".WwanEnabled", false)
	b.set(nmPath, nmIface+".WirelessEnabled", false)
	r := NewRadio(b)
	ctx := context.Background()

	require.True(t, r.Granted(ctx))
	on, err := r.AirplaneMode(ctx)
	require.NoError(t, err)
	assert.True(t, on)

	require.NoError(t, r.DisableAirplaneMode(ctx))
	on, err = r.AirplaneMode(ctx)
	require.NoError(t, err)
	assert.False(t, on)

	assert.True(t, radioChanged(map[string]dbus.Variant{"WwanEnabled": dbus.MakeVariant(true)}))
	assert.False(t, radioChanged(map[string]dbus.Variant{"State": dbus.MakeVariant(uint32(70))}))
}

func TestLogind(t *testing.T) {
	b := newFakeBus()
	session := dbus.ObjectPath("/org/freedesktop/login1/session/_32")
	b.methods[ldManagerIface+".ListSessions"] = func(dbus.ObjectPath, []any) ([]any, error) {
		return []any{[]sessionEntry{
			{ID: "c1", UID: 0, User: "root", Seat: "", Path: "/org/freedesktop/login1/session/c1"},
			{ID: "2", UID: 1000, User: "user", Seat: "seat0", Path: session},
		}}, nil
	}
	b.methods[ldManagerIface+".LockSessions"] = func(dbus.ObjectPath, []any) ([]any, error) { return nil, nil }
	b.set(session, ldSessionIface+".LockedHint", true)
	b.set(ldPath, ldManagerIface+".IdleAction", "ignore")

	r := &fakeRunner{}
	l := NewLogind(b, "", r, []string{"securetrack-wipe", "--yes"})
	ctx := context.Background()

	assert.True(t, l.Granted(ctx))
	locked, err := l.Locked(ctx)
	require.NoError(t, err)
	assert.True(t, locked)

	require.NoError(t, l.Lock(ctx))
	assert.Contains(t, b.history(), string(ldPath)+" "+ldManagerIface+".LockSessions")

	require.NoError(t, l.Wipe(ctx))
	assert.Equal(t, [][]string{{"securetrack-wipe", "--yes"}}, r.history())

	other := NewLogind(b, "seat1", r, nil)
	_, err = other.Locked(ctx)
	assert.ErrorIs(t, err, ErrNoSession)
	assert.ErrorIs(t, other.Wipe(ctx), capability.ErrNotGranted)
}

func geoclueBus() *fakeBus {
	b := newFakeBus()
	client := dbus.ObjectPath("/org/freedesktop/GeoClue2/Client/1")
	b.methods[gcManagerIface+".GetClient"] = func(dbus.ObjectPath, []any) ([]any, error) {
		return []any{client}, nil
	}
	b.methods[gcClientIface+".Start"] = func(dbus.ObjectPath, []any) ([]any, error) { return nil, nil }
	b.methods[gcClientIface+".Stop"] = func(dbus.ObjectPath, []any) ([]any, error) { return nil, nil }
	loc := dbus.ObjectPath("/org/freedesktop/GeoClue2/Client/1/Location/0")
	b.set(loc, gcLocationIface+".Latitude", 51.5007)
	b.set(loc, gcLocationIface+".Longitude", -0.1246)
	b.set(loc, gcLocationIface+".Accuracy", 12.0)
	return b
}

func TestLocatorRequestFix(t *testing.T) {
	b := geoclueBus()
	l := NewLocator(b, "securetrack")
	ctx := context.Background()

	require.True(t, l.Granted(ctx))
	v, ok := b.get("/org/freedesktop/GeoClue2/Client/1", gcClientIface+".DesktopId")
	require.True(t, ok)
	assert.Equal(t, "securetrack", v)

	_, ok = l.LastFix(ctx)
	assert.False(t, ok)

	got := make(chan capability.Fix, 1)
	go func() {
		fix, err := l.RequestFix(ctx)
		if err == nil {
			got <- fix
		}
	}()

	assert.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return len(l.waiters) == 1
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, l.Update("/org/freedesktop/GeoClue2/Client/1/Location/0"))

	select {
	case fix := <-got:
		assert.InDelta(t, 51.5007, fix.Lat, 1e-9)
		assert.InDelta(t, 12.0, fix.Accuracy, 1e-9)
	case <-time.After(time.Second):
		t.Fatal("RequestFix did not return")
	}

	last, ok := l.LastFix(ctx)
	require.True(t, ok)
	assert.InDelta(t, -0.1246, last.Lng, 1e-9)
	require.NoError(t, l.Stop(ctx))
}

func TestLocatorRequestFixTimeout(t *testing.T) {
	l := NewLocator(geoclueBus(), "securetrack")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := l.RequestFix(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, l.waiters)
}

func TestWatcherRoutesSignals(t *testing.T) {
	b := modemBus()
	b.methods[mmMessagingIface+".Delete"] = func(dbus.ObjectPath, []any) ([]any, error) { return nil, nil }
	b.set(nmPath, nmIface+".WwanEnabled", false)
	b.set(nmPath, nmIface+".WirelessEnabled", false)
	smsPath := dbus.ObjectPath("/org/freedesktop/ModemManager1/SMS/4")
	b.set(smsPath, mmSmsIface+".State", uint32(smsStateReceived))
	b.set(smsPath, mmSmsIface+".Number", "+15550001")
	b.set(smsPath, mmSmsIface+".Text", "#SIREN_135790")

	inbound := make(chan sms.Message, 1)
	w := NewWatcher(b, NewModem(b, nil), nil, NewRadio(b),
		func(_ context.Context, msg sms.Message) { inbound <- msg }, nil)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	next := func() tamper.Event {
		t.Helper()
		select {
		case ev := <-w.Events():
			return ev
		case <-time.After(time.Second):
			t.Fatal("no event")
			return tamper.Event{}
		}
	}

	b.emit(propertiesChanged, modemObj, mmModemIface, map[string]dbus.Variant{"Sim": dbus.MakeVariant(dbus.ObjectPath("/org/freedesktop/ModemManager1/SIM/1"))}, []string{})
	assert.Equal(t, tamper.EventSimReady, next().Kind)

	b.emit(propertiesChanged, nmPath, nmIface, map[string]dbus.Variant{"WwanEnabled": dbus.MakeVariant(false)}, []string{})
	ev := next()
	assert.Equal(t, tamper.EventAirplaneMode, ev.Kind)
	assert.True(t, ev.On)

	b.emit(ldPrepareForShutdown, ldPath, true)
	assert.Equal(t, tamper.EventShutdownRequested, next().Kind)

	b.emit(ldSessionUnlock, "/org/freedesktop/login1/session/_32")
	assert.Equal(t, tamper.EventUnlockSucceeded, next().Kind)

	b.emit(mmMessagingIface+".Added", modemObj, smsPath, true)
	select {
	case msg := <-inbound:
		assert.Equal(t, "#SIREN_135790", msg.Body)
	case <-time.After(time.Second):
		t.Fatal("no inbound sms")
	}
}

func TestWatcherStopRemovesMatches(t *testing.T) {
	b := newFakeBus()
	w := NewWatcher(b, nil, nil, nil, nil, nil)
	require.NoError(t, w.Start(context.Background()))
	assert.Equal(t, len(w.matches()), b.matches)
	require.NoError(t, w.Stop())
	assert.Zero(t, b.matches)
	require.NoError(t, w.Stop())
}

func TestCommandDeviceWithoutBus(t *testing.T) {
	cfg := config.DefaultConfig().Device
	cfg.Driver = DriverNone
	d, err := Open(context.Background(), cfg, nil, nil)
	require.NoError(t, err)
	defer d.Close()
	ctx := context.Background()

	assert.Nil(t, d.Events)
	assert.True(t, d.Camera.Granted(ctx))
	assert.False(t, d.Admin.Granted(ctx))
	assert.ErrorIs(t, d.Dialer.Call(ctx, "+15550001"), capability.ErrNotGranted)

	grants := d.Grants()
	assert.Contains(t, grants, "camera")
	assert.Contains(t, grants, "location")

	require.NoError(t, d.Transport.SendParts(ctx, "+15550001", []string{"hello"}))
	sent := d.Transport.(*LogTransport).Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "hello", sent[0].Body)

	_, err = Open(ctx, config.DeviceConfig{Driver: "serial"}, nil, nil)
	assert.Error(t, err)
}

func TestAttachBus(t *testing.T) {
	b := modemBus()
	d := newCommandDevice(config.DeviceConfig{}, &fakeRunner{}, nil)
	d.attachBus(b, &fakeRunner{}, config.DeviceConfig{}, nil, nil)

	assert.NotNil(t, d.Events)
	iccid, err := d.Sim.SimIdentifier(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "8944100000000000001", iccid)
	_, isModem := d.Transport.(*Modem)
	assert.True(t, isModem)
}
