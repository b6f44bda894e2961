package tamper

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securetrack/internal/capability"
	"securetrack/internal/sms"
	"securetrack/internal/store"
)

type fakeContacts struct {
	list []store.EmergencyContact
	err  error
}

func (f *fakeContacts) Contacts(context.Context) ([]store.EmergencyContact, error) {
	return f.list, f.err
}

type fakeBroadcaster struct {
	mu    sync.Mutex
	texts []string
	to    [][]string
}

func (f *fakeBroadcaster) Broadcast(_ context.Context, recipients []string, text string) sms.BroadcastResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	f.to = append(f.to, recipients)
	return sms.BroadcastResult{Sent: recipients}
}

func (f *fakeBroadcaster) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

type fakeStarter struct {
	mu         sync.Mutex
	recipients []string
	ids        []int64
}

func (f *fakeStarter) Start(_ context.Context, recipient string, id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recipients = append(f.recipients, recipient)
	f.ids = append(f.ids, id)
}

func (f *fakeStarter) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.recipients...)
}

type memState struct {
	mu       sync.Mutex
	sim      string
	failed   int
	airplane bool
	armed    bool
}

func (s *memState) BindSim(_ context.Context, id string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sim == "" {
		s.sim = id
		return id, true, nil
	}
	return s.sim, false, nil
}

func (s *memState) IncrementFailedUnlocks(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed++
	return s.failed, nil
}

func (s *memState) ResetFailedUnlocks(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = 0
	return nil
}

func (s *memState) AirplaneModeDetected(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.airplane, nil
}

func (s *memState) SetAirplaneModeDetected(_ context.Context, v bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.airplane = v
	return nil
}

func (s *memState) Armed(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed, nil
}

type fakeDevice struct {
	capability.Unavailable

	mu          sync.Mutex
	simID       string
	number      string
	airplane    bool
	stuck       bool
	disables    int
	locked      bool
	collapseErr error
	collapses   int
	homes       int
	backs       int
	fakeShown   int
	inhibits    int
	released    int
}

func (d *fakeDevice) Granted(context.Context) bool { return true }

func (d *fakeDevice) SimIdentifier(context.Context) (string, error) { return d.simID, nil }

func (d *fakeDevice) OwnNumber(context.Context) (string, error) { return d.number, nil }

func (d *fakeDevice) AirplaneMode(context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.airplane, nil
}

func (d *fakeDevice) DisableAirplaneMode(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disables++
	if !d.stuck {
		d.airplane = false
	}
	return nil
}

func (d *fakeDevice) Locked(context.Context) (bool, error) { return d.locked, nil }

func (d *fakeDevice) Collapse(context.Context) error {
	d.collapses++
	return d.collapseErr
}

func (d *fakeDevice) Home(context.Context) error {
	d.homes++
	return nil
}

func (d *fakeDevice) Back(context.Context) error {
	d.backs++
	return nil
}

func (d *fakeDevice) ShowFakeShutdown(context.Context) error {
	d.fakeShown++
	return nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func (d *fakeDevice) InhibitShutdown(context.Context, string) (io.Closer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inhibits++
	return closerFunc(func() error {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.released++
		return nil
	}), nil
}

type fakeCapturer struct {
	reasons []string
	err     error
}

func (f *fakeCapturer) Take(_ context.Context, reason string) (*store.IntruderLog, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.reasons = append(f.reasons, reason)
	return &store.IntruderLog{Reason: reason}, nil
}

type pinVerifier string

func (p pinVerifier) VerifyPin(_ context.Context, pin string) bool { return string(p) == pin }

func contacts() *fakeContacts {
	return &fakeContacts{list: []store.EmergencyContact{
		{PhoneNumber: "+15550001"},
		{PhoneNumber: "+15550002", IsPrimary: true},
	}}
}

func TestAlerterPrimary(t *testing.T) {
	ctx := context.Background()
	a := NewAlerter(contacts(), &fakeBroadcaster{}, nil)
	primary, err := a.Primary(ctx)
	require.NoError(t, err)
	assert.Equal(t, "+15550002", primary)

	a = NewAlerter(&fakeContacts{list: []store.EmergencyContact{{PhoneNumber: "+15550009"}}}, &fakeBroadcaster{}, nil)
	primary, err = a.Primary(ctx)
	require.NoError(t, err)
	assert.Equal(t, "+15550009", primary)

	a = NewAlerter(&fakeContacts{}, &fakeBroadcaster{}, nil)
	_, err = a.Alert(ctx, "hello")
	assert.ErrorIs(t, err, ErrNoContacts)
}

func TestSimDetector(t *testing.T) {
	ctx := context.Background()
	state := &memState{}
	dev := &fakeDevice{simID: "8901-A", number: "+15559999"}
	out := &fakeBroadcaster{}
	starter := &fakeStarter{}
	d := NewSimDetector(state, dev, NewAlerter(contacts(), out, nil), starter, nil)

	v, err := d.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, SimBound, v)

	v, err = d.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, SimMatch, v)
	assert.Empty(t, out.sent())

	dev.simID = "8901-B"
	v, err = d.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, SimMismatch, v)
	require.Len(t, out.sent(), 1)
	assert.Contains(t, out.sent()[0], "New number: +15559999")
	assert.Equal(t, []string{"+15550002"}, starter.calls())
	assert.Equal(t, "8901-A", state.sim)

	v, err = d.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, SimMismatchKnown, v)
	assert.Len(t, out.sent(), 1)

	dev.simID = ""
	_, err = d.Check(ctx)
	assert.ErrorIs(t, err, ErrNoSim)
}

func TestSimDetectorRetriesUnsentAlert(t *testing.T) {
	ctx := context.Background()
	state := &memState{sim: "8901-A"}
	dev := &fakeDevice{simID: "8901-B"}
	out := &fakeBroadcaster{}
	book := &fakeContacts{}
	starter := &fakeStarter{}
	d := NewSimDetector(state, dev, NewAlerter(book, out, nil), starter, nil)

	v, err := d.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, SimMismatch, v)
	assert.Empty(t, out.sent())
	assert.Empty(t, starter.calls())

	book.list = contacts().list
	v, err = d.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, SimMismatch, v)
	require.Len(t, out.sent(), 1)
	assert.Equal(t, []string{"+15550002"}, starter.calls())

	v, err = d.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, SimMismatchKnown, v)
	assert.Len(t, out.sent(), 1)
}

func TestSimChangeAlertUnknownNumber(t *testing.T) {
	assert.Contains(t, SimChangeAlert(""), "New number: Unknown")
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestAirplaneReversal(t *testing.T) {
	ctx := context.Background()
	dev := &fakeDevice{airplane: true}
	d := NewAirplaneDetector(&memState{}, dev, NewAlerter(contacts(), &fakeBroadcaster{}, nil), 0, 0, nil)
	d.sleep = noSleep

	n, ok := d.Reverse(ctx)
	assert.True(t, ok)
	assert.Equal(t, 1, n)
}

func TestAirplaneReversalGivesUp(t *testing.T) {
	ctx := context.Background()
	dev := &fakeDevice{airplane: true, stuck: true}
	d := NewAirplaneDetector(&memState{}, dev, NewAlerter(contacts(), &fakeBroadcaster{}, nil), 3, time.Millisecond, nil)
	d.sleep = noSleep

	n, ok := d.Reverse(ctx)
	assert.False(t, ok)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, dev.disables)
}

func TestAirplaneAlertOnlyAfterDetection(t *testing.T) {
	ctx := context.Background()
	state := &memState{}
	out := &fakeBroadcaster{}
	dev := &fakeDevice{}
	d := NewAirplaneDetector(state, dev, NewAlerter(contacts(), out, nil), 3, time.Millisecond, nil)
	d.sleep = noSleep

	require.NoError(t, d.OnChange(ctx, false))
	assert.Empty(t, out.sent())

	dev.airplane = true
	require.NoError(t, d.OnChange(ctx, true))
	d.Wait()
	assert.True(t, state.airplane)

	require.NoError(t, d.OnChange(ctx, false))
	require.Equal(t, []string{AirplaneAlert}, out.sent())
	assert.False(t, state.airplane)

	require.NoError(t, d.OnChange(ctx, false))
	assert.Len(t, out.sent(), 1)
}

func TestUnlockWatcher(t *testing.T) {
	ctx := context.Background()
	state := &memState{}
	capt := &fakeCapturer{}
	w := NewUnlockWatcher(state, capt, 2, nil)

	n, captured, err := w.Failed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, captured)

	n, captured, err = w.Failed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, captured)

	_, captured, err = w.Failed(ctx)
	require.NoError(t, err)
	assert.True(t, captured)
	assert.Len(t, capt.reasons, 2)

	require.NoError(t, w.Succeeded(ctx))
	assert.Equal(t, 0, state.failed)

	w.SetThreshold(3)
	assert.Equal(t, 3, w.Threshold())
	_, captured, err = w.Failed(ctx)
	require.NoError(t, err)
	assert.False(t, captured)
	w.SetThreshold(0)
	assert.Equal(t, DefaultUnlockThreshold, w.Threshold())
}

func TestUnlockWatcherWithoutCamera(t *testing.T) {
	w := NewUnlockWatcher(&memState{}, &fakeCapturer{err: capability.ErrNotGranted}, 0, nil)
	n, captured, err := w.Failed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, captured)

	w = NewUnlockWatcher(&memState{}, &fakeCapturer{err: errors.New("disk full")}, 0, nil)
	_, _, err = w.Failed(context.Background())
	assert.Error(t, err)
}

func TestShadeSuppressorDebounce(t *testing.T) {
	ctx := context.Background()
	dev := &fakeDevice{}
	s := NewShadeSuppressor(dev, 0, nil)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	assert.True(t, s.Suppress(ctx))
	now = now.Add(100 * time.Millisecond)
	assert.False(t, s.Suppress(ctx))
	now = now.Add(DefaultShadeDebounce)
	assert.True(t, s.Suppress(ctx))
	assert.Equal(t, 2, dev.collapses)
	assert.Zero(t, dev.homes)

	dev.collapseErr = errors.New("no accessibility")
	now = now.Add(time.Second)
	assert.True(t, s.Suppress(ctx))
	assert.Equal(t, 1, dev.homes)
}

func newGuard(dev *fakeDevice, starter *fakeStarter) *ShutdownGuard {
	return NewShutdownGuard(pinVerifier("135790"), dev, dev, dev, starter,
		NewAlerter(contacts(), &fakeBroadcaster{}, nil), ShutdownConfig{AllowWindow: time.Hour}, nil)
}

func TestShutdownGuardDeceives(t *testing.T) {
	ctx := context.Background()
	dev := &fakeDevice{}
	starter := &fakeStarter{}
	g := newGuard(dev, starter)
	require.NoError(t, g.Arm(ctx))
	require.NoError(t, g.Arm(ctx))
	assert.Equal(t, 1, dev.inhibits)

	assert.True(t, g.Intercept(ctx))
	assert.Equal(t, 1, dev.backs)
	assert.Equal(t, 1, dev.fakeShown)
	assert.Equal(t, []string{"+15550002"}, starter.calls())

	assert.Equal(t, ShutdownDenied, g.Attempt(ctx, "000000"))
	assert.Equal(t, ShutdownDenied, g.Attempt(ctx, "111111"))
	assert.Equal(t, ShutdownDeceived, g.Attempt(ctx, "222222"))
	assert.Equal(t, 2, dev.fakeShown)
	assert.Equal(t, []string{"+15550002", "+15550002"}, starter.calls())
	assert.True(t, g.Armed())

	assert.Equal(t, ShutdownDenied, g.Attempt(ctx, "333333"))
}

func TestShutdownGuardAllows(t *testing.T) {
	ctx := context.Background()
	dev := &fakeDevice{}
	g := newGuard(dev, &fakeStarter{})
	require.NoError(t, g.Arm(ctx))

	assert.Equal(t, ShutdownAllowed, g.Attempt(ctx, "135790"))
	assert.False(t, g.Armed())
	assert.Equal(t, 1, dev.released)
	assert.False(t, g.Intercept(ctx))
	assert.Zero(t, dev.backs)

	require.NoError(t, g.Disarm())
	assert.Zero(t, dev.fakeShown)
}

func TestShutdownGuardNotGranted(t *testing.T) {
	g := NewShutdownGuard(pinVerifier("135790"), capability.Unavailable{}, capability.Unavailable{},
		capability.Unavailable{}, &fakeStarter{}, nil, ShutdownConfig{}, nil)
	assert.ErrorIs(t, g.Arm(context.Background()), capability.ErrNotGranted)
}

func TestClassifier(t *testing.T) {
	c := DefaultClassifier()
	tests := []struct {
		name string
		sig  Signal
		want SignalKind
	}{
		{"power text", Signal{Package: "android", Text: []string{"Power off"}}, SignalPowerMenu},
		{"power description", Signal{Description: "Shut down options"}, SignalPowerMenu},
		{"shade class", Signal{Package: "com.android.systemui", ClassName: "NotificationShadeWindowView"}, SignalShade},
		{"shade description", Signal{Package: "sm.puri.phosh", ClassName: "Widget", Description: "Notification list"}, SignalShade},
		{"shell without class", Signal{Package: "com.android.systemui", Description: "notification"}, SignalNone},
		{"other package", Signal{Package: "org.example", ClassName: "FrameLayout"}, SignalNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.sig))
		})
	}
}

func TestMonitorRouting(t *testing.T) {
	ctx := context.Background()
	state := &memState{}
	dev := &fakeDevice{simID: "8901-A"}
	capt := &fakeCapturer{}
	starter := &fakeStarter{}
	m := NewMonitor(MonitorConfig{
		Guard:    state,
		Screen:   dev,
		Sim:      NewSimDetector(state, dev, NewAlerter(contacts(), &fakeBroadcaster{}, nil), starter, nil),
		Unlock:   NewUnlockWatcher(state, capt, 1, nil),
		Shutdown: newGuard(dev, starter),
		Shade:    NewShadeSuppressor(dev, 0, nil),
	})

	require.NoError(t, m.Handle(ctx, Event{Kind: EventUnlockFailed}))
	require.NoError(t, m.Handle(ctx, Event{Kind: EventSimReady}))
	assert.Empty(t, capt.reasons)
	assert.Empty(t, state.sim)

	state.armed = true
	require.NoError(t, m.Handle(ctx, Event{Kind: EventSimReady}))
	assert.Equal(t, "8901-A", state.sim)
	require.NoError(t, m.Handle(ctx, Event{Kind: EventUnlockFailed}))
	assert.Equal(t, []string{"failed_unlock"}, capt.reasons)

	state.armed = false
	require.NoError(t, m.Handle(ctx, Event{Kind: EventUnlockSucceeded}))
	assert.Zero(t, state.failed)
	state.armed = true

	shade := Signal{Package: "com.android.systemui", ClassName: "StatusBarWindowView"}
	require.NoError(t, m.Handle(ctx, Event{Kind: EventUISignal, Signal: shade}))
	assert.Zero(t, dev.collapses)

	dev.locked = true
	require.NoError(t, m.Handle(ctx, Event{Kind: EventUISignal, Signal: shade}))
	assert.Equal(t, 1, dev.collapses)
	require.NoError(t, m.Handle(ctx, Event{Kind: EventUISignal, Signal: Signal{Text: []string{"Restart"}}}))
	assert.Equal(t, 1, dev.backs)
	assert.Equal(t, 1, dev.fakeShown)
	assert.Equal(t, []string{"+15550002"}, starter.calls())

	assert.Error(t, m.Handle(ctx, Event{Kind: EventKind(99)}))
}

type chanSource struct {
	ch chan Event
}

func (s *chanSource) Start(context.Context) error { return nil }
func (s *chanSource) Stop() error                 { return nil }
func (s *chanSource) Events() <-chan Event        { return s.ch }

func TestMonitorSources(t *testing.T) {
	state := &memState{armed: true}
	capt := &fakeCapturer{}
	m := NewMonitor(MonitorConfig{Guard: state, Unlock: NewUnlockWatcher(state, capt, 1, nil)})
	src := &chanSource{ch: make(chan Event, 1)}
	require.NoError(t, m.RegisterSource(src))
	require.NoError(t, m.Start(context.Background()))

	src.ch <- Event{Kind: EventUnlockFailed}
	require.Eventually(t, func() bool {
		state.mu.Lock()
		defer state.mu.Unlock()
		return state.failed == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, m.Stop())
}

func TestParseEventKind(t *testing.T) {
	k, err := ParseEventKind("unlock_failed")
	require.NoError(t, err)
	assert.Equal(t, EventUnlockFailed, k)
	_, err = ParseEventKind("reboot")
	assert.Error(t, err)
}
