package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"securetrack/internal/logging"
)

// Handler processes IPC messages.
type Handler interface {
	HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error)
}

// HandlerFunc is a function that implements Handler.
type HandlerFunc func(ctx context.Context, client *Client, msg *Message) (*Message, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	return f(ctx, client, msg)
}

// Authorizer decides what a newly accepted connection may do.
type Authorizer func(conn net.Conn) (PermissionLevel, error)

// Server accepts control connections on a unix socket.
type Server struct {
	mu          sync.RWMutex
	listener    net.Listener
	cfg         ServerConfig
	handler     Handler
	authorize   Authorizer
	logger      *slog.Logger
	clients     map[string]*Client
	subscribers map[string]*subscription
	startedAt   time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	eventChan chan *Event
	closeOnce sync.Once
}

// Client is a connected peer.
type Client struct {
	mu           sync.Mutex
	ID           string
	conn         net.Conn
	Permission   PermissionLevel
	Name         string
	Version      string
	ConnectedAt  time.Time
	LastActivity time.Time

	writeMu sync.Mutex
}

type subscription struct {
	id     string
	events map[EventType]bool
}

// ServerConfig configures the IPC server.
type ServerConfig struct {
	SocketPath     string
	Version        string
	Mode           os.FileMode
	IdleTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxConnections int
	AllowedUIDs    []int
}

// DefaultServerConfig returns defaults for a socket under runtimeDir.
func DefaultServerConfig(runtimeDir string) ServerConfig {
	return ServerConfig{
		SocketPath:     filepath.Join(runtimeDir, "securetrack.sock"),
		Version:        "dev",
		Mode:           0o600,
		IdleTimeout:    30 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxConnections: 10,
	}
}

// NewServer creates a server. A nil authorize uses the socket's peer
// credentials; a nil logger discards.
func NewServer(cfg ServerConfig, handler Handler, authorize Authorizer, logger *slog.Logger) *Server {
	if cfg.Mode == 0 {
		cfg.Mode = 0o600
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 10
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		cfg:         cfg,
		handler:     handler,
		logger:      logger.With("component", "ipc"),
		clients:     make(map[string]*Client),
		subscribers: make(map[string]*subscription),
		eventChan:   make(chan *Event, 100),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.authorize = authorize
	if s.authorize == nil {
		s.authorize = s.peerPermission
	}
	return s
}

// Start begins listening for connections.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if err := CleanupSocket(s.cfg.SocketPath); err != nil {
		return err
	}

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, s.cfg.Mode); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.listener = listener
	s.startedAt = time.Now()
	s.running.Store(true)

	s.wg.Add(2)
	go s.eventBroadcaster()
	go s.acceptLoop()

	s.logger.Info("listening", "socket", s.cfg.SocketPath)
	return nil
}

// Stop closes the listener and every client, waiting up to five seconds.
func (s *Server) Stop() error {
	wasRunning := s.running.Swap(false)
	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, client := range s.clients {
		client.conn.Close()
	}
	s.closeOnce.Do(func() { close(s.eventChan) })
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("timed out waiting for clients")
	}

	if wasRunning {
		os.Remove(s.cfg.SocketPath)
	}
	return nil
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Broadcast queues an event for subscribed clients. It never blocks; events
// are dropped when the queue is full or the server is stopping.
func (s *Server) Broadcast(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ctx.Err() != nil {
		return
	}
	select {
	case s.eventChan <- event:
	default:
		s.logger.Warn("event queue full, dropping event", "type", event.Type)
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		if s.ClientCount() >= s.cfg.MaxConnections {
			s.logger.Warn("connection limit reached", "max", s.cfg.MaxConnections)
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(conn)
		}()
	}
}

// ServeConn runs the message loop for one connection until it closes.
func (s *Server) ServeConn(conn net.Conn) {
	perm, err := s.authorize(conn)
	if err != nil || perm == PermNone {
		s.logger.Warn("rejected peer", "error", err)
		conn.Close()
		return
	}

	now := time.Now()
	client := &Client{
		ID:           uuid.NewString(),
		conn:         conn,
		Permission:   perm,
		ConnectedAt:  now,
		LastActivity: now,
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[client.ID] = client
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, client.ID)
		delete(s.subscribers, client.ID)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		if s.ctx.Err() != nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		msg, err := ReadMessage(conn)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() && s.isSubscribed(client.ID) {
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("connection closed", "client", client.ID, "error", err)
			}
			return
		}

		client.mu.Lock()
		client.LastActivity = time.Now()
		client.mu.Unlock()

		response, err := s.processMessage(client, msg)
		if err != nil {
			response = NewErrorMessage(msg.Header.RequestID, ErrInternalError, err.Error())
		}
		if response != nil {
			if err := s.sendMessage(client, response); err != nil {
				return
			}
		}
	}
}

func (s *Server) processMessage(client *Client, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgPing:
		return NewMessage(MsgPong, msg.Header.RequestID, nil), nil
	case MsgHandshake:
		return s.handleHandshake(client, msg)
	case MsgSubscribe:
		return s.handleSubscribe(client, msg)
	case MsgUnsubscribe:
		s.mu.Lock()
		delete(s.subscribers, client.ID)
		s.mu.Unlock()
		return NewResponse(MsgSubscribeResp, msg.Header.RequestID, &SubscribeResponse{})
	}

	if client.Permission < required(msg.Header.Type) {
		return NewErrorMessage(msg.Header.RequestID, ErrPermissionDenied,
			fmt.Sprintf("%s requires %s permission", msg.Header.Type, required(msg.Header.Type))), nil
	}
	if s.handler == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "no handler"), nil
	}

	ctx := logging.ContextWithRequestID(s.ctx, uuid.NewString())
	return s.handler.HandleMessage(ctx, client, msg)
}

func (s *Server) handleHandshake(client *Client, msg *Message) (*Message, error) {
	var req HandshakeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid handshake"), nil
	}

	client.mu.Lock()
	client.Name = req.ClientName
	client.Version = req.ClientVersion
	client.mu.Unlock()

	s.logger.Debug("handshake", "client", client.ID, "name", req.ClientName, "permission", client.Permission)
	return NewResponse(MsgHandshakeAck, msg.Header.RequestID, &HandshakeResponse{
		ServerVersion:   s.cfg.Version,
		ProtocolVersion: ProtocolVersion,
		SessionID:       client.ID,
		Permission:      client.Permission,
	})
}

func (s *Server) handleSubscribe(client *Client, msg *Message) (*Message, error) {
	var req SubscribeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid subscribe request"), nil
	}

	events := req.Events
	if len(events) == 0 {
		events = AllEvents()
	}
	sub := &subscription{id: uuid.NewString(), events: make(map[EventType]bool, len(events))}
	for _, e := range events {
		sub.events[e] = true
	}

	s.mu.Lock()
	s.subscribers[client.ID] = sub
	s.mu.Unlock()

	return NewResponse(MsgSubscribeResp, msg.Header.RequestID, &SubscribeResponse{SubscriptionID: sub.id})
}

func (s *Server) isSubscribed(clientID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.subscribers[clientID]
	return ok
}

func (s *Server) eventBroadcaster() {
	defer s.wg.Done()

	for event := range s.eventChan {
		payload, err := Encode(event)
		if err != nil {
			s.logger.Warn("encode event", "error", err)
			continue
		}

		s.mu.RLock()
		var targets []*Client
		for clientID, sub := range s.subscribers {
			if !sub.events[event.Type] {
				continue
			}
			if client, ok := s.clients[clientID]; ok {
				targets = append(targets, client)
			}
		}
		s.mu.RUnlock()

		for _, client := range targets {
			s.sendMessage(client, NewMessage(MsgEvent, 0, payload))
		}
	}
}

func (s *Server) sendMessage(client *Client, msg *Message) error {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()

	client.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return msg.Write(client.conn)
}

// peerPermission grants full control to root and the daemon's own uid and
// reporter access to the configured uids.
func (s *Server) peerPermission(conn net.Conn) (PermissionLevel, error) {
	creds, err := GetPeerCredentials(conn)
	if err != nil {
		return PermNone, err
	}
	return permissionFor(creds.UID, uint32(os.Getuid()), s.cfg.AllowedUIDs), nil
}

func permissionFor(peer, self uint32, allowed []int) PermissionLevel {
	if peer == 0 || peer == self {
		return PermFullControl
	}
	for _, uid := range allowed {
		if uid >= 0 && uint32(uid) == peer {
			return PermReporter
		}
	}
	return PermNone
}
