// Package ipc is the local control channel between the securetrack daemon
// and its clients: the control CLI, the PAM unlock hook and the shell hook
// that reports foreground windows.
//
// Every message is a 16-byte big-endian header followed by a JSON payload.
// The daemon decides each client's permission from the peer credentials of
// the unix socket.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"securetrack/internal/store"
	"securetrack/internal/tamper"
)

// Protocol constants.
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x53545243 // "STRC"
	HeaderSize      = 16
	MaxPayload      = 1 << 20
)

// ErrBadMagic is returned for frames that do not start with ProtocolMagic.
var ErrBadMagic = errors.New("ipc: invalid magic number")

// MessageType identifies an IPC message.
type MessageType uint16

const (
	// Control (0x00xx)
	MsgPing         MessageType = 0x0001
	MsgPong         MessageType = 0x0002
	MsgHandshake    MessageType = 0x0003
	MsgHandshakeAck MessageType = 0x0004
	MsgError        MessageType = 0x0005

	// Status (0x01xx)
	MsgStatusRequest  MessageType = 0x0100
	MsgStatusResponse MessageType = 0x0101
	MsgRecentCommands MessageType = 0x0102
	MsgRecentResponse MessageType = 0x0103

	// Device events reported by hooks (0x02xx)
	MsgUnlockEvent      MessageType = 0x0200
	MsgUnlockResponse   MessageType = 0x0201
	MsgUISignal         MessageType = 0x0202
	MsgUISignalResponse MessageType = 0x0203
	MsgShutdownPin      MessageType = 0x0204
	MsgShutdownResponse MessageType = 0x0205

	// Control actions (0x03xx)
	MsgInjectSMS      MessageType = 0x0300
	MsgInjectResponse MessageType = 0x0301
	MsgSirenStop      MessageType = 0x0302
	MsgSirenResponse  MessageType = 0x0303

	// Event streaming (0x05xx)
	MsgSubscribe     MessageType = 0x0500
	MsgSubscribeResp MessageType = 0x0501
	MsgUnsubscribe   MessageType = 0x0502
	MsgEvent         MessageType = 0x0504
)

func (t MessageType) String() string {
	switch t {
	case MsgPing:
		return "ping"
	case MsgPong:
		return "pong"
	case MsgHandshake:
		return "handshake"
	case MsgHandshakeAck:
		return "handshake_ack"
	case MsgError:
		return "error"
	case MsgStatusRequest:
		return "status"
	case MsgRecentCommands:
		return "recent_commands"
	case MsgUnlockEvent:
		return "unlock_event"
	case MsgUISignal:
		return "ui_signal"
	case MsgShutdownPin:
		return "shutdown_pin"
	case MsgInjectSMS:
		return "inject_sms"
	case MsgSirenStop:
		return "siren_stop"
	case MsgSubscribe:
		return "subscribe"
	case MsgUnsubscribe:
		return "unsubscribe"
	case MsgEvent:
		return "event"
	default:
		return fmt.Sprintf("MessageType(%#04x)", uint16(t))
	}
}

// PermissionLevel is what a client may do.
type PermissionLevel uint8

const (
	// PermNone is never granted; such peers are disconnected.
	PermNone PermissionLevel = iota
	// PermReporter may read status and report device events. Granted to
	// the uids listed in ipc.allowed_uids, such as the session user
	// running the shell hook.
	PermReporter
	// PermFullControl may inject messages and stop the siren. Granted to
	// root and the daemon's own uid.
	PermFullControl
)

func (p PermissionLevel) String() string {
	switch p {
	case PermReporter:
		return "reporter"
	case PermFullControl:
		return "full"
	default:
		return "none"
	}
}

// required returns the permission a message type needs.
func required(t MessageType) PermissionLevel {
	switch t {
	case MsgInjectSMS, MsgSirenStop:
		return PermFullControl
	default:
		return PermReporter
	}
}

// Header is the fixed-size frame header.
type Header struct {
	Magic     uint32
	Version   uint8
	Flags     uint8
	Type      MessageType
	RequestID uint32
	Length    uint32
}

// Message is a header and its payload.
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a message.
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

func (h *Header) encode(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
}

// Write encodes the header.
func (h *Header) Write(w io.Writer) error {
	var buf [HeaderSize]byte
	h.encode(buf[:])
	_, err := w.Write(buf[:])
	return err
}

// ReadHeader decodes and checks a header.
func ReadHeader(r io.Reader) (*Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}
	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}
	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("%w: %x", ErrBadMagic, h.Magic)
	}
	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}
	return h, nil
}

// Write writes the header and payload in one call.
func (m *Message) Write(w io.Writer) error {
	m.Header.Length = uint32(len(m.Payload))
	buf := make([]byte, HeaderSize+len(m.Payload))
	m.Header.encode(buf)
	copy(buf[HeaderSize:], m.Payload)
	_, err := w.Write(buf)
	return err
}

// ReadMessage reads one frame.
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > MaxPayload {
			return nil, fmt.Errorf("payload too large: %d bytes", h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Error codes.
const (
	ErrUnknown          = 1
	ErrInvalidRequest   = 2
	ErrNotFound         = 3
	ErrPermissionDenied = 4
	ErrInternalError    = 5
	ErrNotInitialized   = 6
)

// ErrorResponse is sent when an operation fails.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// RemoteError is an ErrorResponse returned to a client.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("daemon error %d: %s", e.Code, e.Message)
}

// HandshakeRequest opens a session.
type HandshakeRequest struct {
	ClientName      string `json:"client_name"`
	ClientVersion   string `json:"client_version"`
	ProtocolVersion uint8  `json:"protocol_version"`
}

// HandshakeResponse reports the session id and granted permission.
type HandshakeResponse struct {
	ServerVersion   string          `json:"server_version"`
	ProtocolVersion uint8           `json:"protocol_version"`
	SessionID       string          `json:"session_id"`
	Permission      PermissionLevel `json:"permission"`
}

// StatusResponse describes the daemon and the protection state.
type StatusResponse struct {
	Version           string         `json:"version"`
	StartedAt         time.Time      `json:"started_at"`
	Uptime            time.Duration  `json:"uptime"`
	SetupComplete     bool           `json:"setup_complete"`
	ProtectionEnabled bool           `json:"protection_enabled"`
	Armed             bool           `json:"armed"`
	WipeEnabled       bool           `json:"wipe_enabled"`
	SirenActive       bool           `json:"siren_active"`
	SimBound          bool           `json:"sim_bound"`
	FailedUnlocks     int            `json:"failed_unlocks"`
	Contacts          int            `json:"contacts"`
	CommandCounts     map[string]int `json:"command_counts,omitempty"`
	Health            string         `json:"health"`
}

// RecentCommandsRequest asks for the newest ledger entries.
type RecentCommandsRequest struct {
	Limit int `json:"limit"`
}

// RecentCommandsResponse lists ledger entries, newest first.
type RecentCommandsResponse struct {
	Commands []store.CommandLog `json:"commands"`
}

// UnlockEventRequest reports an unlock attempt.
type UnlockEventRequest struct {
	Success bool `json:"success"`
}

// UnlockEventResponse reports the counter after a failed attempt.
type UnlockEventResponse struct {
	FailedCount int  `json:"failed_count"`
	Captured    bool `json:"captured"`
}

// UISignalRequest reports a foreground window change.
type UISignalRequest struct {
	Signal tamper.Signal `json:"signal"`
}

// UISignalResponse reports how the window was classified.
type UISignalResponse struct {
	Kind string `json:"kind"`
}

// ShutdownPinRequest carries a PIN typed at the shutdown prompt.
type ShutdownPinRequest struct {
	Pin string `json:"pin"`
}

// ShutdownPinResponse is "allowed", "denied" or "deceived".
type ShutdownPinResponse struct {
	Decision string `json:"decision"`
}

// InjectSMSRequest delivers a message as if it arrived from the modem.
// Multipart deliveries set Ref, Part and Total on every segment.
type InjectSMSRequest struct {
	Sender string `json:"sender"`
	Body   string `json:"body"`
	Ref    int    `json:"ref,omitempty"`
	Part   int    `json:"part,omitempty"`
	Total  int    `json:"total,omitempty"`
}

// InjectSMSResponse reports what the intake did with it.
type InjectSMSResponse struct {
	// Pending is set while a multipart message waits for more segments.
	Pending  bool   `json:"pending,omitempty"`
	Dropped  bool   `json:"dropped"`
	LedgerID int64  `json:"ledger_id,omitempty"`
	Status   string `json:"status,omitempty"`
	Message  string `json:"message,omitempty"`
}

// SirenStopResponse reports whether a siren was stopped.
type SirenStopResponse struct {
	WasActive bool   `json:"was_active"`
	Message   string `json:"message"`
}

// EventType identifies a streamed event.
type EventType uint16

const (
	EventCommand        EventType = 0x0001
	EventTamper         EventType = 0x0002
	EventConfigChanged  EventType = 0x0003
	EventDaemonShutdown EventType = 0x0004
)

// AllEvents lists every event type.
func AllEvents() []EventType {
	return []EventType{EventCommand, EventTamper, EventConfigChanged, EventDaemonShutdown}
}

// SubscribeRequest selects event types; empty means all.
type SubscribeRequest struct {
	Events []EventType `json:"events,omitempty"`
}

// SubscribeResponse acknowledges a subscription.
type SubscribeResponse struct {
	SubscriptionID string `json:"subscription_id"`
}

// Event is a streamed event.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Encode encodes a payload.
func Encode(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Decode decodes a payload. An empty payload leaves v untouched.
func Decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// NewErrorMessage builds an error reply.
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{Code: code, Message: message})
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse encodes v into a reply.
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}
