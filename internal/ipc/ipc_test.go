package ipc

import (
	"bytes"
	"context"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securetrack/internal/sms"
	"securetrack/internal/store"
	"securetrack/internal/tamper"
)

type fakeBackend struct {
	mu       sync.Mutex
	injected []InjectSMSRequest
	unlocks  []bool
	siren    bool
	limit    int
	err      error
}

func (b *fakeBackend) lastLimit() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limit
}

func (b *fakeBackend) injectedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.injected)
}

func (b *fakeBackend) Status(ctx context.Context) (*StatusResponse, error) {
	if b.err != nil {
		return nil, b.err
	}
	return &StatusResponse{Version: "test", SetupComplete: true, Armed: true, Contacts: 2}, nil
}

func (b *fakeBackend) RecentCommands(ctx context.Context, limit int) ([]store.CommandLog, error) {
	b.mu.Lock()
	b.limit = limit
	b.mu.Unlock()
	return []store.CommandLog{{ID: 7, CommandName: "LOCATE", Sender: "+15550001", Status: store.StatusSuccess}}, nil
}

func (b *fakeBackend) UnlockEvent(ctx context.Context, success bool) (*UnlockEventResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unlocks = append(b.unlocks, success)
	if success {
		return &UnlockEventResponse{}, nil
	}
	return &UnlockEventResponse{FailedCount: 1, Captured: true}, nil
}

func (b *fakeBackend) UISignal(ctx context.Context, sig tamper.Signal) (tamper.SignalKind, error) {
	if sig.ClassName == "NotificationShadeWindowView" {
		return tamper.SignalShade, nil
	}
	return tamper.SignalNone, nil
}

func (b *fakeBackend) ShutdownPin(ctx context.Context, pin string) (tamper.ShutdownDecision, error) {
	if pin == "135790" {
		return tamper.ShutdownAllowed, nil
	}
	return tamper.ShutdownDenied, nil
}

func (b *fakeBackend) InjectSMS(ctx context.Context, seg sms.Segment) (*InjectSMSResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.injected = append(b.injected, InjectSMSRequest{Sender: seg.Sender, Body: seg.Text, Ref: seg.Ref, Part: seg.Part, Total: seg.Total})
	return &InjectSMSResponse{LedgerID: 42, Status: "SUCCESS", Message: "ok"}, nil
}

func (b *fakeBackend) StopSiren(ctx context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	was := b.siren
	b.siren = false
	return was, nil
}

func startServer(t *testing.T, backend Backend, authorize Authorizer) *Server {
	t.Helper()
	cfg := DefaultServerConfig(t.TempDir())
	cfg.Version = "test"
	s := NewServer(cfg, NewDaemonHandler(backend), authorize, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

func connect(t *testing.T, s *Server) *IPCClient {
	t.Helper()
	cfg := DefaultClientConfig(filepath.Dir(s.SocketPath()))
	cfg.RequestTimeout = 5 * time.Second
	c := NewClient(cfg)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func fixed(p PermissionLevel) Authorizer {
	return func(net.Conn) (PermissionLevel, error) { return p, nil }
}

func TestMessageRoundTrip(t *testing.T) {
	payload, err := Encode(&InjectSMSRequest{Sender: "+15550001", Body: "#LOCATE_135790"})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, NewMessage(MsgInjectSMS, 9, payload).Write(&buf))
	assert.Equal(t, HeaderSize+len(payload), buf.Len())

	msg, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgInjectSMS, msg.Header.Type)
	assert.Equal(t, uint32(9), msg.Header.RequestID)

	var req InjectSMSRequest
	require.NoError(t, Decode(msg.Payload, &req))
	assert.Equal(t, "#LOCATE_135790", req.Body)
}

func TestReadMessageRejects(t *testing.T) {
	var buf bytes.Buffer
	msg := NewMessage(MsgPing, 1, nil)
	msg.Header.Magic = 0xdeadbeef
	require.NoError(t, msg.Write(&buf))
	_, err := ReadMessage(&buf)
	assert.ErrorIs(t, err, ErrBadMagic)

	buf.Reset()
	h := Header{Magic: ProtocolMagic, Version: ProtocolVersion, Type: MsgPing, Length: MaxPayload + 1}
	require.NoError(t, h.Write(&buf))
	_, err = ReadMessage(&buf)
	assert.ErrorContains(t, err, "payload too large")
}

func TestPermissionFor(t *testing.T) {
	assert.Equal(t, PermFullControl, permissionFor(0, 1000, nil))
	assert.Equal(t, PermFullControl, permissionFor(1000, 1000, nil))
	assert.Equal(t, PermReporter, permissionFor(1001, 0, []int{1001}))
	assert.Equal(t, PermNone, permissionFor(1002, 0, []int{1001, -1}))
}

func TestClientServer(t *testing.T) {
	backend := &fakeBackend{siren: true}
	s := startServer(t, backend, nil)
	c := connect(t, s)
	ctx := context.Background()

	assert.NotEmpty(t, c.SessionID())
	assert.Equal(t, PermFullControl, c.Permission())
	require.NoError(t, c.Ping(ctx))

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Armed)
	assert.Equal(t, 2, status.Contacts)

	logs, err := c.RecentCommands(ctx, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "LOCATE", logs[0].CommandName)
	assert.Equal(t, defaultRecentLimit, backend.lastLimit())

	_, err = c.RecentCommands(ctx, 10000)
	require.NoError(t, err)
	assert.Equal(t, maxRecentLimit, backend.lastLimit())

	unlock, err := c.ReportUnlock(ctx, false)
	require.NoError(t, err)
	assert.True(t, unlock.Captured)

	kind, err := c.ReportSignal(ctx, tamper.Signal{Package: "com.android.systemui", ClassName: "NotificationShadeWindowView"})
	require.NoError(t, err)
	assert.Equal(t, "shade", kind)

	decision, err := c.ShutdownPin(ctx, "135790")
	require.NoError(t, err)
	assert.Equal(t, tamper.ShutdownAllowed.String(), decision)

	inject, err := c.InjectSMS(ctx, "+15550001", "#LOCATE_135790")
	require.NoError(t, err)
	assert.Equal(t, int64(42), inject.LedgerID)
	assert.Equal(t, 1, backend.injectedCount())

	stop, err := c.StopSiren(ctx)
	require.NoError(t, err)
	assert.True(t, stop.WasActive)
	stop, err = c.StopSiren(ctx)
	require.NoError(t, err)
	assert.False(t, stop.WasActive)
	assert.Equal(t, "Siren not active", stop.Message)
}

func TestReporterPermission(t *testing.T) {
	backend := &fakeBackend{}
	s := startServer(t, backend, fixed(PermReporter))
	c := connect(t, s)
	ctx := context.Background()

	_, err := c.ReportUnlock(ctx, true)
	require.NoError(t, err)

	_, err = c.InjectSMS(ctx, "+15550001", "#SIREN_135790")
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, ErrPermissionDenied, remote.Code)
	assert.Zero(t, backend.injectedCount())

	_, err = c.StopSiren(ctx)
	require.ErrorAs(t, err, &remote)
}

func TestRejectedPeer(t *testing.T) {
	s := startServer(t, &fakeBackend{}, fixed(PermNone))
	cfg := DefaultClientConfig(filepath.Dir(s.SocketPath()))
	cfg.RequestTimeout = 2 * time.Second
	c := NewClient(cfg)
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, c.IsConnected())
}

func TestBackendErrors(t *testing.T) {
	s := startServer(t, &fakeBackend{err: ErrUnavailable}, fixed(PermFullControl))
	c := connect(t, s)

	_, err := c.Status(context.Background())
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, ErrNotInitialized, remote.Code)

	_, err = c.InjectSMS(context.Background(), "", "#LOCK_135790")
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, ErrInvalidRequest, remote.Code)
}

func TestInjectSegment(t *testing.T) {
	backend := &fakeBackend{}
	s := startServer(t, backend, fixed(PermFullControl))
	c := connect(t, s)
	ctx := context.Background()

	_, err := c.InjectSegment(ctx, &InjectSMSRequest{Sender: "+15550001", Body: "#LOCATE_", Ref: 7, Part: 1, Total: 2})
	require.NoError(t, err)
	backend.mu.Lock()
	got := backend.injected[0]
	backend.mu.Unlock()
	assert.Equal(t, 7, got.Ref)
	assert.Equal(t, 2, got.Total)

	_, err = c.InjectSegment(ctx, &InjectSMSRequest{Sender: "+15550001", Body: "x", Ref: 7, Part: 3, Total: 2})
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, ErrInvalidRequest, remote.Code)
	assert.Equal(t, 1, backend.injectedCount())
}

func TestSubscribeReceivesEvents(t *testing.T) {
	s := startServer(t, &fakeBackend{}, fixed(PermReporter))
	c := connect(t, s)

	events := make(chan *Event, 4)
	c.SetEventHandler(func(e *Event) { events <- e })
	_, err := c.Subscribe(context.Background(), EventTamper)
	require.NoError(t, err)

	s.Broadcast(&Event{Type: EventCommand, Data: map[string]any{"command": "LOCATE"}})
	s.Broadcast(&Event{Type: EventTamper, Data: map[string]any{"detector": "sim_change"}})

	select {
	case e := <-events:
		assert.Equal(t, EventTamper, e.Type)
		assert.Equal(t, "sim_change", e.Data["detector"])
		assert.False(t, e.Timestamp.IsZero())
	case <-time.After(3 * time.Second):
		t.Fatal("no event received")
	}
}

func TestSecondServerRefused(t *testing.T) {
	s := startServer(t, &fakeBackend{}, nil)

	other := NewServer(ServerConfig{SocketPath: s.SocketPath()}, nil, nil, nil)
	err := other.Start()
	assert.True(t, errors.Is(err, ErrDaemonRunning), "got %v", err)
}

func TestClientNotRunning(t *testing.T) {
	c := NewClient(DefaultClientConfig(t.TempDir()))
	assert.ErrorIs(t, c.Connect(context.Background()), ErrDaemonNotRunning)
	_, err := c.Status(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestServeConnPipe(t *testing.T) {
	s := NewServer(DefaultServerConfig(t.TempDir()), NewDaemonHandler(&fakeBackend{}), fixed(PermReporter), nil)
	serverConn, clientConn := net.Pipe()
	go s.ServeConn(serverConn)

	c := NewClient(ClientConfig{RequestTimeout: 2 * time.Second})
	require.NoError(t, c.attach(context.Background(), clientConn))
	defer c.Close()

	status, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "test", status.Version)
	assert.Equal(t, 1, s.ClientCount())
}
