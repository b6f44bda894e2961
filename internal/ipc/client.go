package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"securetrack/internal/store"
	"securetrack/internal/tamper"
)

// Client errors.
var (
	ErrNotConnected     = errors.New("not connected to daemon")
	ErrConnectionLost   = errors.New("connection to daemon lost")
	ErrDaemonNotRunning = errors.New("daemon is not running")
)

// IPCClient talks to the daemon over its socket. Requests are matched to
// responses by request id, so one client may be shared by goroutines.
type IPCClient struct {
	mu         sync.RWMutex
	conn       net.Conn
	sessionID  string
	permission PermissionLevel
	connected  atomic.Bool

	pending   map[uint32]chan *Message
	pendingMu sync.Mutex
	nextReqID atomic.Uint32

	eventMu      sync.RWMutex
	eventHandler EventHandler

	wg sync.WaitGroup

	config ClientConfig
}

// ClientConfig configures the IPC client.
type ClientConfig struct {
	SocketPath     string
	ClientName     string
	ClientVersion  string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// DefaultClientConfig returns defaults for a socket under runtimeDir.
func DefaultClientConfig(runtimeDir string) ClientConfig {
	return ClientConfig{
		SocketPath:     filepath.Join(runtimeDir, "securetrack.sock"),
		ClientName:     "securetrackctl",
		ClientVersion:  "dev",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// EventHandler is called for every streamed event.
type EventHandler func(event *Event)

// NewClient creates an unconnected client.
func NewClient(cfg ClientConfig) *IPCClient {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &IPCClient{
		pending: make(map[uint32]chan *Message),
		config:  cfg,
	}
}

// Connect dials the socket and performs the handshake.
func (c *IPCClient) Connect(ctx context.Context) error {
	if c.connected.Load() {
		return nil
	}
	if _, err := os.Stat(c.config.SocketPath); os.IsNotExist(err) {
		return ErrDaemonNotRunning
	}

	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.config.SocketPath)
	if err != nil {
		return fmt.Errorf("connect to daemon: %w", err)
	}
	return c.attach(ctx, conn)
}

func (c *IPCClient) attach(ctx context.Context, conn net.Conn) error {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)

	c.wg.Add(1)
	go c.readLoop(conn)

	var resp HandshakeResponse
	err := c.call(ctx, MsgHandshake, &HandshakeRequest{
		ClientName:      c.config.ClientName,
		ClientVersion:   c.config.ClientVersion,
		ProtocolVersion: ProtocolVersion,
	}, MsgHandshakeAck, &resp)
	if err != nil {
		c.Close()
		return fmt.Errorf("handshake: %w", err)
	}

	c.mu.Lock()
	c.sessionID = resp.SessionID
	c.permission = resp.Permission
	c.mu.Unlock()
	return nil
}

// Close disconnects and fails any outstanding requests.
func (c *IPCClient) Close() error {
	c.connected.Store(false)

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	err := conn.Close()
	c.wg.Wait()
	return err
}

// IsConnected reports whether the client holds a live connection.
func (c *IPCClient) IsConnected() bool {
	return c.connected.Load()
}

// SessionID returns the id assigned by the daemon.
func (c *IPCClient) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// Permission returns the permission the daemon granted.
func (c *IPCClient) Permission() PermissionLevel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.permission
}

// SetEventHandler installs the callback for streamed events.
func (c *IPCClient) SetEventHandler(handler EventHandler) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()
	c.eventHandler = handler
}

func (c *IPCClient) readLoop(conn net.Conn) {
	defer c.wg.Done()
	defer c.failPending()

	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			c.connected.Store(false)
			return
		}

		if msg.Header.Type == MsgEvent {
			c.dispatchEvent(msg)
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[msg.Header.RequestID]
		if ok {
			delete(c.pending, msg.Header.RequestID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- msg
		}
	}
}

func (c *IPCClient) dispatchEvent(msg *Message) {
	var event Event
	if err := Decode(msg.Payload, &event); err != nil {
		return
	}
	c.eventMu.RLock()
	handler := c.eventHandler
	c.eventMu.RUnlock()
	if handler != nil {
		handler(&event)
	}
}

func (c *IPCClient) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// request sends one message and waits for the reply with the same id.
func (c *IPCClient) request(ctx context.Context, msgType MessageType, payload any) (*Message, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	data, err := Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	reqID := c.nextReqID.Add(1)
	ch := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return nil, ErrNotConnected
	}
	if err := NewMessage(msgType, reqID, data).Write(conn); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	timer := time.NewTimer(c.config.RequestTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrConnectionLost
		}
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("%s: %w", msgType, context.DeadlineExceeded)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// call sends a request and decodes a reply of the expected type into out.
func (c *IPCClient) call(ctx context.Context, msgType MessageType, payload any, want MessageType, out any) error {
	resp, err := c.request(ctx, msgType, payload)
	if err != nil {
		return err
	}
	if resp.Header.Type == MsgError {
		var e ErrorResponse
		if err := Decode(resp.Payload, &e); err != nil {
			return fmt.Errorf("decode error response: %w", err)
		}
		return &RemoteError{Code: e.Code, Message: e.Message}
	}
	if resp.Header.Type != want {
		return fmt.Errorf("unexpected response: %s", resp.Header.Type)
	}
	if out == nil {
		return nil
	}
	return Decode(resp.Payload, out)
}

// Ping checks that the daemon answers.
func (c *IPCClient) Ping(ctx context.Context) error {
	return c.call(ctx, MsgPing, nil, MsgPong, nil)
}

// Status returns the daemon status.
func (c *IPCClient) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.call(ctx, MsgStatusRequest, nil, MsgStatusResponse, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RecentCommands returns up to limit ledger entries.
func (c *IPCClient) RecentCommands(ctx context.Context, limit int) ([]store.CommandLog, error) {
	var resp RecentCommandsResponse
	if err := c.call(ctx, MsgRecentCommands, &RecentCommandsRequest{Limit: limit}, MsgRecentResponse, &resp); err != nil {
		return nil, err
	}
	return resp.Commands, nil
}

// ReportUnlock reports an unlock attempt.
func (c *IPCClient) ReportUnlock(ctx context.Context, success bool) (*UnlockEventResponse, error) {
	var resp UnlockEventResponse
	if err := c.call(ctx, MsgUnlockEvent, &UnlockEventRequest{Success: success}, MsgUnlockResponse, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReportSignal reports a foreground window change and returns its
// classification.
func (c *IPCClient) ReportSignal(ctx context.Context, sig tamper.Signal) (string, error) {
	var resp UISignalResponse
	if err := c.call(ctx, MsgUISignal, &UISignalRequest{Signal: sig}, MsgUISignalResponse, &resp); err != nil {
		return "", err
	}
	return resp.Kind, nil
}

// ShutdownPin submits a PIN typed at the shutdown prompt.
func (c *IPCClient) ShutdownPin(ctx context.Context, pin string) (string, error) {
	var resp ShutdownPinResponse
	if err := c.call(ctx, MsgShutdownPin, &ShutdownPinRequest{Pin: pin}, MsgShutdownResponse, &resp); err != nil {
		return "", err
	}
	return resp.Decision, nil
}

// InjectSMS hands a message to the intake as if the modem received it.
func (c *IPCClient) InjectSMS(ctx context.Context, sender, body string) (*InjectSMSResponse, error) {
	return c.InjectSegment(ctx, &InjectSMSRequest{Sender: sender, Body: body})
}

// InjectSegment delivers one segment of a multipart message.
func (c *IPCClient) InjectSegment(ctx context.Context, req *InjectSMSRequest) (*InjectSMSResponse, error) {
	var resp InjectSMSResponse
	if err := c.call(ctx, MsgInjectSMS, req, MsgInjectResponse, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StopSiren stops the siren if it is sounding.
func (c *IPCClient) StopSiren(ctx context.Context) (*SirenStopResponse, error) {
	var resp SirenStopResponse
	if err := c.call(ctx, MsgSirenStop, nil, MsgSirenResponse, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Subscribe starts event streaming. Empty events means all.
func (c *IPCClient) Subscribe(ctx context.Context, events ...EventType) (string, error) {
	var resp SubscribeResponse
	if err := c.call(ctx, MsgSubscribe, &SubscribeRequest{Events: events}, MsgSubscribeResp, &resp); err != nil {
		return "", err
	}
	return resp.SubscriptionID, nil
}
